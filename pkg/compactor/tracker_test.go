// SPDX-License-Identifier: AGPL-3.0-only

package compactor

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(hosts ...HostId) *SnapshotTracker {
	return NewSnapshotTracker(hosts, prometheus.NewRegistry())
}

func TestSnapshotTracker_AddSnapshot_UnknownHost(t *testing.T) {
	tr := newTestTracker("host-a")

	err := tr.AddSnapshot(PersistedSnapshot{HostId: "host-b", SnapshotSequenceNumber: 1})
	require.Error(t, err)
	assert.True(t, IsTrackingError(err))
}

func TestSnapshotTracker_AddSnapshot_PromotesByMax(t *testing.T) {
	tr := newTestTracker("host-a")

	require.NoError(t, tr.AddSnapshot(PersistedSnapshot{HostId: "host-a", SnapshotSequenceNumber: 5, NextFileId: 10}))
	require.NoError(t, tr.AddSnapshot(PersistedSnapshot{HostId: "host-a", SnapshotSequenceNumber: 3, NextFileId: 20}))

	advance, err := tr.ToPlanAndReset(NewRegistry(prometheus.NewRegistry()), DefaultConfig())
	require.NoError(t, err)

	marker := advance.HostSnapshotMarkers["host-a"]
	assert.EqualValues(t, 5, marker.SnapshotSequenceNumber)
	assert.EqualValues(t, 20, marker.NextFileId)
}

func TestSnapshotTracker_ShouldCompact(t *testing.T) {
	t.Run("forces when any host reaches three", func(t *testing.T) {
		tr := newTestTracker("a", "b")
		for i := 0; i < 3; i++ {
			require.NoError(t, tr.AddSnapshot(PersistedSnapshot{HostId: "a", SnapshotSequenceNumber: uint64(i + 1)}))
		}
		assert.True(t, tr.ShouldCompact())
	})

	t.Run("requires every host at two otherwise", func(t *testing.T) {
		tr := newTestTracker("a", "b")
		require.NoError(t, tr.AddSnapshot(PersistedSnapshot{HostId: "a", SnapshotSequenceNumber: 1}))
		require.NoError(t, tr.AddSnapshot(PersistedSnapshot{HostId: "a", SnapshotSequenceNumber: 2}))
		assert.False(t, tr.ShouldCompact(), "host b has not reached two snapshots yet")

		require.NoError(t, tr.AddSnapshot(PersistedSnapshot{HostId: "b", SnapshotSequenceNumber: 1}))
		require.NoError(t, tr.AddSnapshot(PersistedSnapshot{HostId: "b", SnapshotSequenceNumber: 2}))
		assert.True(t, tr.ShouldCompact())
	})

	t.Run("empty tracker never compacts", func(t *testing.T) {
		tr := newTestTracker()
		assert.False(t, tr.ShouldCompact())
	})
}

func TestSnapshotTracker_ToPlanAndReset_ResetsCounts(t *testing.T) {
	tr := newTestTracker("a")
	require.NoError(t, tr.AddSnapshot(PersistedSnapshot{HostId: "a", SnapshotSequenceNumber: 1}))
	require.NoError(t, tr.AddSnapshot(PersistedSnapshot{HostId: "a", SnapshotSequenceNumber: 2}))
	require.True(t, tr.ShouldCompact())

	_, err := tr.ToPlanAndReset(NewRegistry(prometheus.NewRegistry()), DefaultConfig())
	require.NoError(t, err)

	assert.False(t, tr.ShouldCompact(), "snapshot counts must reset to zero")
	assert.ElementsMatch(t, []HostId{"a"}, tr.Hosts(), "host set survives a reset")
}

func TestSnapshotTracker_ToPlanAndReset_BuildsPlansPerTable(t *testing.T) {
	tr := newTestTracker("a")
	reg := NewRegistry(prometheus.NewRegistry())

	snapshot := PersistedSnapshot{
		HostId:                 "a",
		SnapshotSequenceNumber: 1,
		Databases: map[string]map[string][]ParquetFile{
			"db": {
				"cpu": {
					{Path: "f1.parquet", ChunkTimeNs: 0, MaxTimeNs: 1},
					{Path: "f2.parquet", ChunkTimeNs: 1 * 1e9, MaxTimeNs: 2 * 1e9},
				},
			},
		},
	}
	require.NoError(t, tr.AddSnapshot(snapshot))

	advance, err := tr.ToPlanAndReset(reg, DefaultConfig())
	require.NoError(t, err)

	plans, ok := advance.CompactionPlans["db"]
	require.True(t, ok)
	require.Len(t, plans, 1)
	assert.Equal(t, "cpu", plans[0].TableName())
}
