// SPDX-License-Identifier: AGPL-3.0-only

package compactor

import (
	"fmt"
	"sort"
	"time"
)

// Generation is a time-aligned group of files at a given level (spec.md §3).
type Generation struct {
	Id            GenerationId
	Level         Level
	StartTimeSecs int64
	MaxTimeNs     int64
}

// sortGenerations orders generations by (start_time_secs, id), the order the
// planner requires before it slices off the leading gen1 run (spec.md §4.2
// step 2).
func sortGenerations(gens []Generation) {
	sort.Slice(gens, func(i, j int) bool {
		if gens[i].StartTimeSecs != gens[j].StartTimeSecs {
			return gens[i].StartTimeSecs < gens[j].StartTimeSecs
		}
		return gens[i].Id < gens[j].Id
	})
}

// ParquetFile is an immutable gen1 input, as listed in a PersistedSnapshot
// (spec.md §3). It is never mutated once a host has published it.
type ParquetFile struct {
	Path        string
	SizeBytes   int64
	RowCount    int64
	MinTimeNs   int64
	MaxTimeNs   int64
	ChunkTimeNs int64
}

// HostSnapshotMarker is the high-water mark the compactor has absorbed from
// one host (spec.md §3). Taking the pairwise max across snapshots is the
// only permitted update.
type HostSnapshotMarker struct {
	HostId                 HostId
	SnapshotSequenceNumber uint64
	NextFileId             FileId
}

// PersistedSnapshot is one host's published manifest (spec.md §3).
type PersistedSnapshot struct {
	HostId                 HostId
	SnapshotSequenceNumber uint64
	NextFileId             FileId
	Databases              map[string]map[string][]ParquetFile
}

// Config is the fixed compaction configuration naming, for each level ≥2, a
// generation_duration (spec.md §3 "CompactionConfig"). Level-1 has no
// duration: each gen1 file carries its own chunk time.
type Config struct {
	// Durations maps level -> block duration for that level. Levels not
	// present here (including 1) have no aligned duration.
	Durations map[Level]time.Duration

	// RowLimit is the soft per-output-file row cap used by the file
	// compactor's series-aware splitter (spec.md §4.4 step 3).
	RowLimit int64

	// IndexColumns are the column names indexed in file_index, in order.
	IndexColumns []string
}

// DefaultConfig mirrors the Rust CompactionConfig::default() used by the
// planner tests this module's planner tests are ported from (SPEC_FULL.md
// §C): a 20-minute gen2 block.
func DefaultConfig() Config {
	return Config{
		Durations: map[Level]time.Duration{
			LevelTwo: 20 * time.Minute,
		},
		RowLimit: 1_000_000,
	}
}

// GenerationDuration returns the configured block duration for level, or
// false if the level has none (e.g. level 1, or an unconfigured level).
func (c Config) GenerationDuration(level Level) (time.Duration, bool) {
	d, ok := c.Durations[level]
	return d, ok
}

// GenerationStartTime rounds tSecs down to level's block boundary. Level-1
// has no duration and returns tSecs unchanged (spec.md §3).
func (c Config) GenerationStartTime(level Level, tSecs int64) int64 {
	d, ok := c.GenerationDuration(level)
	if !ok || d <= 0 {
		return tSecs
	}
	durSecs := int64(d / time.Second)
	if durSecs <= 0 {
		return tSecs
	}
	// Floor division that also works for negative tSecs, since logical
	// time is non-decreasing but defensively we don't assume tSecs >= 0.
	q := tSecs / durSecs
	if tSecs%durSecs != 0 && tSecs < 0 {
		q--
	}
	return q * durSecs
}

// FormatGenTime renders a block start time the way the original
// implementation's tests do, "YYYY-MM-DD/HH-MM" in UTC, for log lines and
// table-driven test fixtures (SPEC_FULL.md §C.2). The wire format (spec.md
// §6) remains plain integer seconds; this is a presentation helper only.
func FormatGenTime(startTimeSecs int64) string {
	t := time.Unix(startTimeSecs, 0).UTC()
	return t.Format("2006-01-02/15-04")
}

// ParseGenTime is the inverse of FormatGenTime, used by table-driven tests.
func ParseGenTime(s string) (int64, error) {
	t, err := time.Parse("2006-01-02/15-04", s)
	if err != nil {
		return 0, fmt.Errorf("parse gen time %q: %w", s, err)
	}
	return t.Unix(), nil
}
