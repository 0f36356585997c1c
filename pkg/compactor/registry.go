// SPDX-License-Identifier: AGPL-3.0-only
// Provenance-includes-location: https://github.com/influxdata/influxdb/blob/main/influxdb3_pro/compactor/src/planner.rs
// Provenance-includes-license: MIT

package compactor

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// tableKey identifies one (db, table) pair in the registry's generation map.
type tableKey struct {
	db, table string
}

// Registry is the process-wide index of which generations currently exist
// per (db, table), queried by the planner and updated by the coordinator
// after a successful compaction (spec.md §4.3). A single mutex guards all
// state; mutation is never held across I/O.
type Registry struct {
	mu      sync.Mutex
	gens    map[tableKey]map[GenerationId]Generation
	files   map[GenerationId]ParquetFile // gen1 file behind each gen1 Generation
	metrics *registryMetrics
}

type registryMetrics struct {
	generationCount *prometheus.GaugeVec
}

func newRegistryMetrics(reg prometheus.Registerer) *registryMetrics {
	return &registryMetrics{
		generationCount: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "compactor_registry_generations",
			Help: "Number of generations currently tracked per table and level.",
		}, []string{"db", "table", "level"}),
	}
}

// NewRegistry creates an empty compacted-data registry.
func NewRegistry(reg prometheus.Registerer) *Registry {
	return &Registry{
		gens:    map[tableKey]map[GenerationId]Generation{},
		files:   map[GenerationId]ParquetFile{},
		metrics: newRegistryMetrics(reg),
	}
}

// Gen1Handle is returned by AddGen1FileToMap; it exposes the Generation
// assigned to the newly registered gen1 file (spec.md §4.3).
type Gen1Handle struct {
	gen Generation
}

// Generation returns the level-1 Generation registered for this file.
func (h Gen1Handle) Generation() Generation {
	return h.gen
}

// AddGen1FileToMap assigns a GenerationId, registers a level-1 Generation
// with start_time_secs = floor(file.chunk_time_ns / 1e9), and returns a
// handle exposing it (spec.md §4.3).
func (r *Registry) AddGen1FileToMap(db, table string, file ParquetFile) Gen1Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	gen := Generation{
		Id:            newGenerationId(),
		Level:         LevelOne,
		StartTimeSecs: file.ChunkTimeNs / int64(1e9),
		MaxTimeNs:     file.MaxTimeNs,
	}

	r.addGenerationLocked(db, table, gen)
	r.files[gen.Id] = file

	return Gen1Handle{gen: gen}
}

func (r *Registry) addGenerationLocked(db, table string, gen Generation) {
	key := tableKey{db: db, table: table}
	table_, ok := r.gens[key]
	if !ok {
		table_ = map[GenerationId]Generation{}
		r.gens[key] = table_
	}
	table_[gen.Id] = gen

	if r.metrics != nil {
		count := 0
		for _, g := range table_ {
			if g.Level == gen.Level {
				count++
			}
		}
		r.metrics.generationCount.WithLabelValues(db, table, gen.Level.String()).Set(float64(count))
	}
}

// GetGenerationsNewerThan returns all known generations for (db, table)
// whose start_time_secs >= timeSecs (spec.md §4.3). The planner call site
// additionally narrows timeSecs by each level's duration (spec.md §4.2
// step 1); that adjustment is applied in planGen1Compaction, not here, so
// this method stays a direct, literal registry query.
func (r *Registry) GetGenerationsNewerThan(db, table string, timeSecs int64) []Generation {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := tableKey{db: db, table: table}
	gens := r.gens[key]
	out := make([]Generation, 0, len(gens))
	for _, g := range gens {
		if g.StartTimeSecs >= timeSecs {
			out = append(out, g)
		}
	}
	return out
}

// Summary is the durable record of one completed round for a single
// (db, table) plan (spec.md §6). ApplySummary folds it into the registry.
type Summary struct {
	Db                string
	Table             string
	OutputGeneration  Generation
	InputIds          []GenerationId
	LeftoverIds       []GenerationId
	OutputPaths       []string
}

// ApplySummary atomically replaces the set of generations affected by a
// completed round: removes InputIds, inserts OutputGeneration, retains
// LeftoverIds (spec.md §4.3). Applying the same summary twice is a no-op
// after the first application (spec.md §8 "Round-trip / idempotence").
func (r *Registry) ApplySummary(s Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := tableKey{db: s.Db, table: s.Table}
	table_, ok := r.gens[key]
	if !ok {
		table_ = map[GenerationId]Generation{}
		r.gens[key] = table_
	}

	for _, id := range s.InputIds {
		delete(table_, id)
		delete(r.files, id)
	}

	table_[s.OutputGeneration.Id] = s.OutputGeneration

	if r.metrics != nil {
		for _, level := range []Level{LevelOne, LevelTwo, s.OutputGeneration.Level} {
			count := 0
			for _, g := range table_ {
				if g.Level == level {
					count++
				}
			}
			r.metrics.generationCount.WithLabelValues(s.Db, s.Table, level.String()).Set(float64(count))
		}
	}
}

// planGen1Compaction implements the registry-side half of spec.md §4.2: it
// determines the min chunk_time over the new gen1 files, queries existing
// generations newer than that bound, registers the new gen1 files (growing
// the candidate list), sorts it, and calls CreateGen1Plan.
func (r *Registry) planGen1Compaction(cfg Config, db, table string, newFiles []ParquetFile) (CompactionPlan, error) {
	if len(newFiles) == 0 {
		return nil, newPlanError("planGen1Compaction called with no gen1 files for %s.%s", db, table)
	}

	minTimeNs := newFiles[0].ChunkTimeNs
	for _, f := range newFiles[1:] {
		if f.ChunkTimeNs < minTimeNs {
			minTimeNs = f.ChunkTimeNs
		}
	}
	minTimeSecs := minTimeNs / int64(1e9)

	// Exclude older generations that would be unaffected: query bound is
	// adjusted back by level 2's duration so a gen2 block straddling
	// minTimeSecs is still picked up (spec.md §4.2 step 1).
	bound := minTimeSecs
	if d, ok := cfg.GenerationDuration(LevelTwo); ok {
		bound -= int64(d.Seconds())
	}

	generations := r.GetGenerationsNewerThan(db, table, bound)

	for _, f := range newFiles {
		handle := r.AddGen1FileToMap(db, table, f)
		generations = append(generations, handle.Generation())
	}

	sortGenerations(generations)

	return CreateGen1Plan(cfg, db, table, generations), nil
}
