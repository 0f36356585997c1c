// SPDX-License-Identifier: AGPL-3.0-only

package compactor

import (
	"testing"

	"github.com/gogo/protobuf/sortkeys"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return NewRegistry(prometheus.NewRegistry())
}

func TestRegistry_AddGen1FileToMap(t *testing.T) {
	r := newTestRegistry()

	handle := r.AddGen1FileToMap("db", "cpu", ParquetFile{
		Path:        "a.parquet",
		ChunkTimeNs: 90 * 1e9,
		MaxTimeNs:   95 * 1e9,
	})

	gen := handle.Generation()
	assert.Equal(t, LevelOne, gen.Level)
	assert.EqualValues(t, 90, gen.StartTimeSecs)
	assert.NotZero(t, gen.Id)
}

func TestRegistry_GetGenerationsNewerThan(t *testing.T) {
	r := newTestRegistry()

	older := r.AddGen1FileToMap("db", "cpu", ParquetFile{ChunkTimeNs: 10 * 1e9}).Generation()
	newer := r.AddGen1FileToMap("db", "cpu", ParquetFile{ChunkTimeNs: 100 * 1e9}).Generation()

	gens := r.GetGenerationsNewerThan("db", "cpu", 50)
	require.Len(t, gens, 1)
	assert.Equal(t, newer.Id, gens[0].Id)

	gens = r.GetGenerationsNewerThan("db", "cpu", 0)
	require.Len(t, gens, 2)

	gotIds := []uint64{uint64(gens[0].Id), uint64(gens[1].Id)}
	sortkeys.Uint64s(gotIds)
	wantIds := []uint64{uint64(older.Id), uint64(newer.Id)}
	sortkeys.Uint64s(wantIds)
	assert.Equal(t, wantIds, gotIds, "GetGenerationsNewerThan must return exactly the registered ids, any order")
}

func TestRegistry_ApplySummary_IsIdempotent(t *testing.T) {
	r := newTestRegistry()

	in1 := r.AddGen1FileToMap("db", "cpu", ParquetFile{ChunkTimeNs: 0}).Generation()
	in2 := r.AddGen1FileToMap("db", "cpu", ParquetFile{ChunkTimeNs: 5 * 1e9}).Generation()

	summary := Summary{
		Db:    "db",
		Table: "cpu",
		OutputGeneration: Generation{
			Id:            newGenerationId(),
			Level:         LevelTwo,
			StartTimeSecs: 0,
		},
		InputIds: []GenerationId{in1.Id, in2.Id},
	}

	r.ApplySummary(summary)
	afterFirst := r.GetGenerationsNewerThan("db", "cpu", 0)
	require.Len(t, afterFirst, 1)
	assert.Equal(t, summary.OutputGeneration.Id, afterFirst[0].Id)

	// Applying the same summary again must not resurrect the input
	// generations or duplicate the output.
	r.ApplySummary(summary)
	afterSecond := r.GetGenerationsNewerThan("db", "cpu", 0)
	assert.Equal(t, afterFirst, afterSecond)
}

func TestRegistry_PlanGen1Compaction_NoFiles(t *testing.T) {
	r := newTestRegistry()

	_, err := r.planGen1Compaction(DefaultConfig(), "db", "cpu", nil)
	require.Error(t, err)
}
