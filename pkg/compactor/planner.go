// SPDX-License-Identifier: AGPL-3.0-only
// Provenance-includes-location: https://github.com/influxdata/influxdb/blob/main/influxdb3_pro/compactor/src/planner.rs
// Provenance-includes-license: MIT

package compactor

import (
	"sort"

	"github.com/segmentio/fasthash/fnv1a"
)

// CompactionPlan is the tagged union spec.md §3 describes: either a
// LeftoverPlan (no merge possible yet) or a NextCompactionPlan. Accessors
// dispatch on the underlying type the way the teacher's BucketCompactor
// dispatches on job/plan variants (spec.md §9 "Polymorphism across plan
// variants").
type CompactionPlan interface {
	DbName() string
	TableName() string
	groupKey() string
}

// LeftoverPlan is emitted when no gen1 merge can happen yet: either fewer
// than 2 leading gen1 generations exist, or none of the level-2 buckets
// among them reached 2 members (spec.md §4.2 steps 4 and 6).
type LeftoverPlan struct {
	Db, Table       string
	LeftoverGen1Ids []GenerationId
}

func (p LeftoverPlan) DbName() string    { return p.Db }
func (p LeftoverPlan) TableName() string { return p.Table }
func (p LeftoverPlan) groupKey() string  { return groupKey(p.Db, p.Table) }

// NextCompactionPlan is emitted when a bucket of >=2 leading gen1
// generations was found; it names the output generation and the full
// input/leftover split (spec.md §3, §4.2 step 5).
type NextCompactionPlan struct {
	Db, Table        string
	OutputGeneration Generation
	InputIds         []GenerationId
	LeftoverIds      []GenerationId
}

func (p NextCompactionPlan) DbName() string    { return p.Db }
func (p NextCompactionPlan) TableName() string { return p.Table }
func (p NextCompactionPlan) groupKey() string  { return groupKey(p.Db, p.Table) }

// groupKey is a log/metric-label-only fingerprint of a (db, table) pair; it
// is never used for equality or grouping decisions, only for cheap
// human-correlatable identifiers in logs, mirroring the teacher's
// defaultGroupKey/labels.StableHash usage in bucket_compactor.go.
func groupKey(db, table string) string {
	h := fnv1a.HashString64(db)
	h = fnv1a.AddString64(h, "/")
	h = fnv1a.AddString64(h, table)
	return db + "/" + table + "@" + itoa(h)
}

func itoa(h uint64) string {
	const digits = "0123456789abcdef"
	if h == 0 {
		return "0"
	}
	var buf [16]byte
	i := len(buf)
	for h > 0 {
		i--
		buf[i] = digits[h&0xf]
		h >>= 4
	}
	return string(buf[i:])
}

// CreateGen1Plan is the planner's core algorithm (spec.md §4.2): it carves
// off the leading run of gen1 (level < 2) generations from the front of the
// sorted candidate list, buckets them by their level-2 block start time,
// and walks the buckets newest-first looking for the first one with >=2
// members. This is a direct port of create_gen1_plan in the original Rust
// implementation (SPEC_FULL.md, DESIGN.md).
func CreateGen1Plan(cfg Config, db, table string, generations []Generation) CompactionPlan {
	leading := leadingGen1(generations)

	if len(leading) < 2 {
		return LeftoverPlan{
			Db:              db,
			Table:           table,
			LeftoverGen1Ids: idsOf(leading),
		}
	}

	buckets := bucketByLevelTwoBlock(cfg, leading)

	// Walk bucket start times in descending order: prefer the newest
	// satisfiable block (spec.md §4.2 "Tie-breaks").
	times := make([]int64, 0, len(buckets))
	for t := range buckets {
		times = append(times, t)
	}
	sort.Slice(times, func(i, j int) bool { return times[i] > times[j] })

	for _, blockTime := range times {
		gens := buckets[blockTime]
		if len(gens) < 2 {
			continue
		}

		inputIds := idsOf(gens)
		sort.Slice(inputIds, func(i, j int) bool { return inputIds[i] < inputIds[j] })

		inputSet := make(map[GenerationId]struct{}, len(inputIds))
		for _, id := range inputIds {
			inputSet[id] = struct{}{}
		}
		var leftoverIds []GenerationId
		for _, g := range leading {
			if _, in := inputSet[g.Id]; !in {
				leftoverIds = append(leftoverIds, g.Id)
			}
		}
		sort.Slice(leftoverIds, func(i, j int) bool { return leftoverIds[i] < leftoverIds[j] })

		maxTimeNs := blockTime * 1_000_000_000
		if d, ok := cfg.GenerationDuration(LevelTwo); ok {
			maxTimeNs = (blockTime + int64(d.Seconds())) * 1_000_000_000
		}

		return NextCompactionPlan{
			Db:    db,
			Table: table,
			OutputGeneration: Generation{
				Id:            newGenerationId(),
				Level:         LevelTwo,
				StartTimeSecs: blockTime,
				MaxTimeNs:     maxTimeNs,
			},
			InputIds:    inputIds,
			LeftoverIds: leftoverIds,
		}
	}

	// No bucket qualified: fall back to leftover-only (spec.md §4.2 step 6).
	return LeftoverPlan{
		Db:              db,
		Table:           table,
		LeftoverGen1Ids: idsOf(leading),
	}
}

// leadingGen1 returns the prefix of generations (already sorted by
// (start_time_secs, id)) whose level is under two (spec.md §4.2 step 3).
func leadingGen1(generations []Generation) []Generation {
	i := 0
	for i < len(generations) && generations[i].Level.IsUnderTwo() {
		i++
	}
	return generations[:i]
}

// bucketByLevelTwoBlock groups gen1 generations by their level-2 block
// start time (spec.md §4.2 step 5).
func bucketByLevelTwoBlock(cfg Config, leading []Generation) map[int64][]Generation {
	buckets := map[int64][]Generation{}
	for _, g := range leading {
		blockTime := cfg.GenerationStartTime(LevelTwo, g.StartTimeSecs)
		buckets[blockTime] = append(buckets[blockTime], g)
	}
	return buckets
}

func idsOf(gens []Generation) []GenerationId {
	ids := make([]GenerationId, len(gens))
	for i, g := range gens {
		ids[i] = g.Id
	}
	return ids
}
