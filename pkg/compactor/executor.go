// SPDX-License-Identifier: AGPL-3.0-only
// Provenance-includes-location: https://github.com/grafana/mimir/blob/main/pkg/compactor/bucket_compactor.go

package compactor

import (
	"context"
	"sort"

	"github.com/thanos-io/objstore"
)

// ObjectStore is the abstract blob interface spec.md §6 requires:
// put/get/list over POSIX-like path strings. thanos-io/objstore's Bucket
// already is exactly this contract (Upload/Get/Iter), so it is used
// directly rather than re-declared — see DESIGN.md. objstore.NewInMemBucket
// backs every test in this package.
type ObjectStore = objstore.Bucket

// ColumnDef names one column of a table's canonical schema (spec.md §4.4
// "table_def").
type ColumnDef struct {
	Name  string
	Id    int
	Kind  ColumnKind
	IsTag bool // part of the sort-key prefix identifying a logical series
}

// TableDef is the canonical column set the file compactor projects every
// input onto before merging (spec.md §4.4 step 1).
type TableDef struct {
	Name    string
	Columns []ColumnDef
}

// SortKey returns the table's sort key: tag columns in schema order, then
// "time" (spec.md §4.4 step 2).
func (t TableDef) SortKey() []string {
	key := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		if c.IsTag {
			key = append(key, c.Name)
		}
	}
	return append(key, "time")
}

// SeriesKey returns the sort key with "time" excluded: the tuple that
// identifies a logical series (spec.md §4.4 step 3, GLOSSARY "Series").
func (t TableDef) SeriesKey() []string {
	key := t.SortKey()
	return key[:len(key)-1]
}

func (t TableDef) column(name string) (ColumnDef, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnDef{}, false
}

// Row is one decoded record. Parquet encode/decode is out of scope for this
// spec (spec.md §1); a Row is what an InputReader or Executor produces once
// that decode has already happened.
type Row struct {
	Values map[string]Value
}

func (r Row) timeNs() int64 {
	return r.Values["time"].TimeNs
}

// Chunk is one input's rows, already projected to the target schema
// (spec.md §4.4 step 1), tagged with its recency order: a higher Order
// means a newer input chunk, used to break sort-key ties during dedup
// (spec.md §4.4 step 2 — "ties broken by chunk order, i.e. the plan's
// input_ids order from newest-block-first").
type Chunk struct {
	SourcePath string
	Order      int
	Rows       []Row
}

// Executor is the contract the file compactor imposes on an external query
// engine (spec.md §9 "Executor abstraction"): given chunks, a sort key, and
// a schema, return rows globally sorted by that key with duplicates
// collapsed per chunk order. The teacher's Compactor/Planner interfaces in
// bucket_compactor.go draw the same contract-not-implementation boundary.
type Executor interface {
	SortMergeDedup(ctx context.Context, chunks []Chunk, sortKey []string) ([]Row, error)
}

// InMemoryExecutor is a reference Executor used by this package's own
// tests and by any caller that doesn't need a real distributed query
// engine. Production deployments substitute a bespoke external merge-sort
// without changing the rest of the design (spec.md §9).
type InMemoryExecutor struct{}

// SortMergeDedup implements Executor.
func (InMemoryExecutor) SortMergeDedup(_ context.Context, chunks []Chunk, sortKey []string) ([]Row, error) {
	type winner struct {
		row   Row
		order int
	}
	winners := map[string]winner{}
	var order []string

	for _, chunk := range chunks {
		for _, row := range chunk.Rows {
			key := sortKeyString(row, sortKey)
			if existing, ok := winners[key]; !ok {
				winners[key] = winner{row: row, order: chunk.Order}
				order = append(order, key)
			} else if chunk.Order >= existing.order {
				winners[key] = winner{row: row, order: chunk.Order}
			}
		}
	}

	sort.Strings(order)
	out := make([]Row, 0, len(order))
	for _, k := range order {
		out = append(out, winners[k].row)
	}
	return out, nil
}

// sortKeyString renders a row's sort-key columns into a single comparable
// string. Used only internally by InMemoryExecutor for both grouping
// (dedup) and ordering (sort); a real executor would compare typed column
// values directly instead of through a string encoding.
func sortKeyString(row Row, sortKey []string) string {
	var key string
	for i, col := range sortKey {
		if i > 0 {
			key += "\x00"
		}
		key += CanonicalString(row.Values[col])
	}
	return key
}

// InputReader decodes one input file into a Chunk already projected onto
// the target schema (spec.md §4.4 step 1). Parquet decoding itself is an
// external collaborator per spec.md §1; this interface is the contract
// imposed on it.
type InputReader interface {
	ReadChunk(ctx context.Context, def TableDef, path string, order int) (Chunk, error)
}
