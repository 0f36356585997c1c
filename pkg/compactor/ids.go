// SPDX-License-Identifier: AGPL-3.0-only

package compactor

import (
	"fmt"
	"sync/atomic"
)

// GenerationId is a process-unique id assigned when a Generation is created,
// either for a freshly observed gen1 file or for the output of a compaction.
// It is never persisted as a cross-process identifier; only FileId and
// HostId cross process boundaries (spec.md §3).
type GenerationId uint64

func (id GenerationId) String() string {
	return fmt.Sprintf("g%d", uint64(id))
}

// generationIDSequence hands out process-unique GenerationIds. A single
// package-level counter is correct here because GenerationId only needs to
// be unique within this process's registry, never across hosts.
var generationIDSequence uint64

func newGenerationId() GenerationId {
	return GenerationId(atomic.AddUint64(&generationIDSequence, 1))
}

// FileId identifies a gen1 Parquet file. Producers guarantee FileId values
// are globally monotonically non-decreasing: next_file_id in a host's
// snapshot marker always strictly advances (spec.md §3).
type FileId uint64

// HostId names a producer host. Opaque from the compactor's point of view.
type HostId string

// Level is a compaction tier: 1 is raw gen1, 2+ are compacted generations.
type Level uint8

// IsUnderTwo reports whether this level is an un-compacted gen1 level.
// Named after GenerationLevel::is_under_two() in the original Rust
// implementation this spec distills (see SPEC_FULL.md §C.1).
func (l Level) IsUnderTwo() bool {
	return l < 2
}

func (l Level) String() string {
	return fmt.Sprintf("L%d", uint8(l))
}

// LevelOne and LevelTwo name the two tiers this spec's planner operates
// over; higher levels reuse the same Config/planner machinery (spec.md §4.2
// "Extensibility").
const (
	LevelOne Level = 1
	LevelTwo Level = 2
)
