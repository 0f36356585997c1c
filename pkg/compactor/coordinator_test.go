// SPDX-License-Identifier: AGPL-3.0-only

package compactor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thanos-io/objstore"
)

// stubDispatcher resolves every plan against a single fixed input chunk, so
// commitRound can run CompactFiles without a real table/reader wiring.
type stubDispatcher struct {
	fail bool
}

func (d stubDispatcher) ResolveCompaction(_ context.Context, db, table string, plan NextCompactionPlan) (CompactArgs, error) {
	if d.fail {
		return CompactArgs{}, errors.New("injected dispatch failure")
	}

	reader := fixtureReader{chunks: map[string]Chunk{
		"in": {Rows: idFieldTimeRows([]string{"a"}, []int64{0}, []int64{1})},
	}}

	return CompactArgs{
		Db:               db,
		Table:            table,
		TableDef:         testTableDef(),
		Paths:            []string{"in"},
		RowLimit:         1_000_000,
		OutputGeneration: plan.OutputGeneration,
		IndexColumns:     []string{"id"},
		Namespace:        "compactor",
		Reader:           reader,
		Executor:         InMemoryExecutor{},
		Store:            objstore.NewInMemBucket(),
		Scratch:          afero.NewMemMapFs(),
	}, nil
}

func readyTrackerWithTwoGen1Files(t *testing.T, reg prometheus.Registerer) *SnapshotTracker {
	t.Helper()
	tr := NewSnapshotTracker([]HostId{"host-a"}, reg)

	snapshot := PersistedSnapshot{
		HostId:                 "host-a",
		SnapshotSequenceNumber: 1,
		Databases: map[string]map[string][]ParquetFile{
			"db": {"cpu": {
				{Path: "f1.parquet", ChunkTimeNs: 0},
				{Path: "f2.parquet", ChunkTimeNs: 10 * 1e9},
			}},
		},
	}
	require.NoError(t, tr.AddSnapshot(snapshot))
	require.NoError(t, tr.AddSnapshot(PersistedSnapshot{HostId: "host-a", SnapshotSequenceNumber: 2}))
	require.NoError(t, tr.AddSnapshot(PersistedSnapshot{HostId: "host-a", SnapshotSequenceNumber: 3}))
	require.True(t, tr.ShouldCompact())

	return tr
}

func TestCoordinator_CompactRound_Success(t *testing.T) {
	reg := prometheus.NewRegistry()
	tracker := readyTrackerWithTwoGen1Files(t, reg)
	registry := NewRegistry(reg)
	store := objstore.NewInMemBucket()

	cfg := CoordinatorConfig{
		DispatchConcurrency: 2,
		RowLimit:            1_000_000,
		LevelTwoDuration:    20 * time.Minute,
		Namespace:           "compactor",
	}

	coord := NewCoordinator(cfg, tracker, registry, noOpSourceForTest{}, stubDispatcher{}, store, log.NewNopLogger(), reg)

	advance, err := tracker.ToPlanAndReset(registry, cfg.GenerationConfig())
	require.NoError(t, err)

	err = coord.commitRound(context.Background(), advance, 1)
	require.NoError(t, err)

	gens := registry.GetGenerationsNewerThan("db", "cpu", 0)
	require.Len(t, gens, 1)
	assert.Equal(t, LevelTwo, gens[0].Level)

	objs := 0
	require.NoError(t, store.Iter(context.Background(), "compactor/summaries", func(string) error {
		objs++
		return nil
	}))
	assert.Equal(t, 1, objs, "exactly one round summary must be written on success")
}

func TestCoordinator_CompactRound_FailureDiscardsRound(t *testing.T) {
	reg := prometheus.NewRegistry()
	tracker := readyTrackerWithTwoGen1Files(t, reg)
	registry := NewRegistry(reg)
	store := objstore.NewInMemBucket()

	cfg := CoordinatorConfig{
		DispatchConcurrency: 2,
		RowLimit:            1_000_000,
		LevelTwoDuration:    20 * time.Minute,
		Namespace:           "compactor",
	}

	coord := NewCoordinator(cfg, tracker, registry, noOpSourceForTest{}, stubDispatcher{fail: true}, store, log.NewNopLogger(), reg)

	advance, err := tracker.ToPlanAndReset(registry, cfg.GenerationConfig())
	require.NoError(t, err)

	err = coord.commitRound(context.Background(), advance, 1)
	require.Error(t, err)
	assert.True(t, IsCompactionError(err), "a per-plan dispatch failure must classify as CompactionError, not CommitError")

	// The gen1 files were registered while planning (planGen1Compaction adds
	// them to the registry as it builds candidates), but no level-two output
	// generation must ever appear: a failed round publishes nothing.
	gens := registry.GetGenerationsNewerThan("db", "cpu", 0)
	for _, g := range gens {
		assert.NotEqual(t, LevelTwo, g.Level)
	}

	objs := 0
	require.NoError(t, store.Iter(context.Background(), "compactor/summaries", func(string) error {
		objs++
		return nil
	}))
	assert.Zero(t, objs, "no round summary may be written when any plan fails")
}

func TestCoordinator_CompactRound_RecordsLeftovers(t *testing.T) {
	reg := prometheus.NewRegistry()
	tr := NewSnapshotTracker([]HostId{"host-a"}, reg)
	registry := NewRegistry(reg)
	store := objstore.NewInMemBucket()

	// "cpu" gets two gen1 files that merge into a NextCompactionPlan; "mem"
	// gets a single gen1 file, which cannot merge and must surface as a
	// LeftoverPlan (spec.md §4.2 step 4).
	snapshot := PersistedSnapshot{
		HostId:                 "host-a",
		SnapshotSequenceNumber: 1,
		Databases: map[string]map[string][]ParquetFile{
			"db": {
				"cpu": {
					{Path: "f1.parquet", ChunkTimeNs: 0},
					{Path: "f2.parquet", ChunkTimeNs: 10 * 1e9},
				},
				"mem": {
					{Path: "f3.parquet", ChunkTimeNs: 0},
				},
			},
		},
	}
	require.NoError(t, tr.AddSnapshot(snapshot))
	require.NoError(t, tr.AddSnapshot(PersistedSnapshot{HostId: "host-a", SnapshotSequenceNumber: 2}))
	require.NoError(t, tr.AddSnapshot(PersistedSnapshot{HostId: "host-a", SnapshotSequenceNumber: 3}))
	require.True(t, tr.ShouldCompact())

	cfg := CoordinatorConfig{
		DispatchConcurrency: 2,
		RowLimit:            1_000_000,
		LevelTwoDuration:    20 * time.Minute,
		Namespace:           "compactor",
	}

	coord := NewCoordinator(cfg, tr, registry, noOpSourceForTest{}, stubDispatcher{}, store, log.NewNopLogger(), reg)

	advance, err := tr.ToPlanAndReset(registry, cfg.GenerationConfig())
	require.NoError(t, err)

	err = coord.commitRound(context.Background(), advance, 1)
	require.NoError(t, err)

	var found RoundSummary
	require.NoError(t, store.Iter(context.Background(), "compactor/summaries", func(name string) error {
		r, err := store.Get(context.Background(), name)
		if err != nil {
			return err
		}
		defer r.Close()
		return json.NewDecoder(r).Decode(&found)
	}))

	require.Len(t, found.Plans, 1, "cpu's merge must be recorded as a Compaction plan")
	assert.Equal(t, "cpu", found.Plans[0].Table)

	require.Len(t, found.Leftovers, 1, "mem's single gen1 file must still be recorded, not dropped")
	assert.Equal(t, "mem", found.Leftovers[0].Table)
}

type noOpSourceForTest struct{}

func (noOpSourceForTest) PollSnapshots(context.Context) ([]PersistedSnapshot, error) {
	return nil, nil
}
