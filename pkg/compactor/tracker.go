// SPDX-License-Identifier: AGPL-3.0-only
// Provenance-includes-location: https://github.com/influxdata/influxdb/blob/main/influxdb3_pro/compactor/src/planner.rs
// Provenance-includes-license: MIT

package compactor

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// hostSnapshotCounter pairs a host's promoted marker with the number of
// snapshots absorbed from it since the last reset. Named after the
// HostSnapshotCounter struct in the original implementation this tracker
// ports (SPEC_FULL.md §C.4).
type hostSnapshotCounter struct {
	marker        *HostSnapshotMarker
	snapshotCount int
}

func (c hostSnapshotCounter) reset() hostSnapshotCounter {
	return hostSnapshotCounter{}
}

// databaseToTables is the pending gen1 file map: db -> table -> files.
type databaseToTables map[string]map[string][]ParquetFile

// trackerState is the mutex-guarded state of a SnapshotTracker. It is never
// exposed outside the package; all access goes through SnapshotTracker's
// methods, which serialize AddSnapshot/ShouldCompact/ToPlanAndReset against
// each other (spec.md §4.1).
type trackerState struct {
	hostSnapshotMarkers map[HostId]hostSnapshotCounter
	gen1Files           databaseToTables
}

// reset swaps out the accumulated markers and gen1 files, replacing markers
// with fresh zero-count counters for the same host set and the file map
// with an empty map. Returns what was swapped out (spec.md §4.1).
func (s *trackerState) reset() (map[HostId]hostSnapshotCounter, databaseToTables) {
	resetMarkers := make(map[HostId]hostSnapshotCounter, len(s.hostSnapshotMarkers))
	for host := range s.hostSnapshotMarkers {
		resetMarkers[host] = hostSnapshotCounter{}
	}

	old := s.hostSnapshotMarkers
	s.hostSnapshotMarkers = resetMarkers

	oldFiles := s.gen1Files
	s.gen1Files = databaseToTables{}

	return old, oldFiles
}

// trackerMetrics holds the prometheus instrumentation for a SnapshotTracker.
type trackerMetrics struct {
	snapshotsAbsorbed *prometheus.CounterVec
	pendingGen1Files  prometheus.Gauge
}

func newTrackerMetrics(reg prometheus.Registerer) *trackerMetrics {
	return &trackerMetrics{
		snapshotsAbsorbed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "compactor_tracker_snapshots_absorbed_total",
			Help: "Total number of snapshots absorbed by the tracker, per host.",
		}, []string{"host"}),
		pendingGen1Files: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "compactor_tracker_pending_gen1_files",
			Help: "Number of gen1 files accumulated since the last reset.",
		}),
	}
}

// SnapshotTracker accumulates per-host snapshot markers and gen1 file lists,
// and decides when a compaction round may start (spec.md §4.1). Constructed
// with the fixed set of host ids that will participate in a compaction
// group; AddSnapshot for any other host fails with TrackingError.
type SnapshotTracker struct {
	mu      sync.Mutex
	state   trackerState
	metrics *trackerMetrics
}

// NewSnapshotTracker creates a tracker for exactly the given hosts.
func NewSnapshotTracker(hosts []HostId, reg prometheus.Registerer) *SnapshotTracker {
	markers := make(map[HostId]hostSnapshotCounter, len(hosts))
	for _, h := range hosts {
		markers[h] = hostSnapshotCounter{}
	}
	return &SnapshotTracker{
		state: trackerState{
			hostSnapshotMarkers: markers,
			gen1Files:           databaseToTables{},
		},
		metrics: newTrackerMetrics(reg),
	}
}

// Hosts returns the set of hosts this tracker was constructed with.
func (t *SnapshotTracker) Hosts() []HostId {
	t.mu.Lock()
	defer t.mu.Unlock()

	hosts := make([]HostId, 0, len(t.state.hostSnapshotMarkers))
	for h := range t.state.hostSnapshotMarkers {
		hosts = append(hosts, h)
	}
	return hosts
}

// AddSnapshot absorbs one manifest. Fails with TrackingError if the
// snapshot's host is unknown (spec.md §4.1). Otherwise increments that
// host's snapshot count, promotes its marker by elementwise max, and
// appends each (db, table) file list into the pending gen1 map.
func (t *SnapshotTracker) AddSnapshot(snapshot PersistedSnapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	counter, ok := t.state.hostSnapshotMarkers[snapshot.HostId]
	if !ok {
		return newTrackingError(snapshot.HostId)
	}

	counter.snapshotCount++
	if counter.marker != nil {
		if snapshot.SnapshotSequenceNumber > counter.marker.SnapshotSequenceNumber {
			counter.marker.SnapshotSequenceNumber = snapshot.SnapshotSequenceNumber
		}
		if snapshot.NextFileId > counter.marker.NextFileId {
			counter.marker.NextFileId = snapshot.NextFileId
		}
	} else {
		marker := HostSnapshotMarker{
			HostId:                 snapshot.HostId,
			SnapshotSequenceNumber: snapshot.SnapshotSequenceNumber,
			NextFileId:             snapshot.NextFileId,
		}
		counter.marker = &marker
	}
	t.state.hostSnapshotMarkers[snapshot.HostId] = counter

	for db, tables := range snapshot.Databases {
		dbFiles, ok := t.state.gen1Files[db]
		if !ok {
			dbFiles = map[string][]ParquetFile{}
			t.state.gen1Files[db] = dbFiles
		}
		for table, files := range tables {
			dbFiles[table] = append(dbFiles[table], files...)
		}
	}

	if t.metrics != nil {
		t.metrics.snapshotsAbsorbed.WithLabelValues(string(snapshot.HostId)).Inc()
		t.metrics.pendingGen1Files.Add(float64(countFiles(snapshot.Databases)))
	}

	return nil
}

func countFiles(dbs map[string]map[string][]ParquetFile) int {
	n := 0
	for _, tables := range dbs {
		for _, files := range tables {
			n += len(files)
		}
	}
	return n
}

// ShouldCompact reports whether a compaction round may start: any host has
// absorbed >=3 snapshots since the last reset (force), or every tracked
// host has absorbed >=2 (spec.md §4.1). The asymmetry lets a fast producer
// eventually force progress even when a slow producer lags.
func (t *SnapshotTracker) ShouldCompact() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range t.state.hostSnapshotMarkers {
		if c.snapshotCount >= 3 {
			return true
		}
	}

	for _, c := range t.state.hostSnapshotMarkers {
		if c.snapshotCount < 2 {
			return false
		}
	}
	return len(t.state.hostSnapshotMarkers) > 0
}

// SnapshotAdvancePlan is returned by ToPlanAndReset: the markers absorbed
// this round, plus the per-(db,table) compaction plans computed from the
// gen1 files that were pending (spec.md §4.1).
type SnapshotAdvancePlan struct {
	HostSnapshotMarkers map[HostId]HostSnapshotMarker
	CompactionPlans     map[string][]CompactionPlan // db -> plans
}

// ToPlanAndReset atomically swaps out the accumulated markers and gen1
// files, then computes a CompactionPlan per (db, table) against registry
// (spec.md §4.1, §4.2). Every tracked host's marker is reset to
// snapshot_count=0 and the pending gen1 map is emptied as part of the same
// critical section.
func (t *SnapshotTracker) ToPlanAndReset(registry *Registry, cfg Config) (SnapshotAdvancePlan, error) {
	t.mu.Lock()
	counters, gen1Files := t.state.reset()
	t.mu.Unlock()

	markers := make(map[HostId]HostSnapshotMarker, len(counters))
	for host, c := range counters {
		if c.marker != nil {
			markers[host] = *c.marker
		}
	}

	plans := make(map[string][]CompactionPlan, len(gen1Files))
	for db, tables := range gen1Files {
		tablePlans := make([]CompactionPlan, 0, len(tables))
		for table, files := range tables {
			plan, err := registry.planGen1Compaction(cfg, db, table, files)
			if err != nil {
				return SnapshotAdvancePlan{}, err
			}
			tablePlans = append(tablePlans, plan)
		}
		plans[db] = tablePlans
	}

	if t.metrics != nil {
		t.metrics.pendingGen1Files.Set(0)
	}

	return SnapshotAdvancePlan{
		HostSnapshotMarkers: markers,
		CompactionPlans:     plans,
	}, nil
}
