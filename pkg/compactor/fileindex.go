// SPDX-License-Identifier: AGPL-3.0-only

package compactor

import (
	"sort"
	"strconv"
	"time"
)

// ColumnKind enumerates the column types CanonicalString knows how to
// render (spec.md §4.5).
type ColumnKind int

const (
	KindUtf8 ColumnKind = iota
	KindInt
	KindUint
	KindFloat64
	KindBool
	KindTimestampNs
)

// Value is a single cell value paired with the kind needed to render it
// canonically. Null is represented by Present=false.
type Value struct {
	Kind    ColumnKind
	Present bool
	Str     string
	Int     int64
	Uint    uint64
	Float   float64
	Bool    bool
	TimeNs  int64
}

// CanonicalString renders v the way spec.md §4.5 requires, so that
// heterogeneous producers yield identical index keys for the same logical
// value. This is a bespoke format (shortest round-trip floats with a
// forced ".0", RFC3339 with nanosecond precision) invented by this spec, so
// it is hand-written against the standard library rather than built on a
// pack dependency — see DESIGN.md's stdlib justification for this file.
func CanonicalString(v Value) string {
	if !v.Present {
		return "null"
	}

	switch v.Kind {
	case KindUtf8:
		return v.Str
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindUint:
		return strconv.FormatUint(v.Uint, 10)
	case KindFloat64:
		return formatFloat64(v.Float)
	case KindBool:
		if v.Bool {
			return "true"
		}
		return "false"
	case KindTimestampNs:
		return formatTimestampNs(v.TimeNs)
	default:
		return v.Str
	}
}

func formatFloat64(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	// Whole numbers must include ".0" (spec.md §4.5), but FormatFloat with
	// 'g' never emits a trailing ".0" for integral values. Values that 'g'
	// renders in exponent notation (e.g. "1e+06", "1.5e-07") are returned
	// as they are, with no ".0" added.
	hasDotOrExp := false
	for _, r := range s {
		if r == '.' || r == 'e' || r == 'E' {
			hasDotOrExp = true
			break
		}
	}
	if !hasDotOrExp {
		s += ".0"
	}
	return s
}

func formatTimestampNs(ns int64) string {
	t := time.Unix(0, ns).UTC()
	return t.Format("2006-01-02T15:04:05.000000000")
}

// FileIndex is the per-compaction cumulative inverted map from
// (column_name, canonical value string) to the set of output-file ordinals
// containing that value (spec.md §3 "FileIndex"). Ordinals correspond to
// positions in the compaction's output_paths.
type FileIndex struct {
	// entries[column][value] is the sorted, deduplicated set of ordinals.
	entries map[string]map[string][]int
}

// NewFileIndex returns an empty FileIndex.
func NewFileIndex() *FileIndex {
	return &FileIndex{entries: map[string]map[string][]int{}}
}

// Record notes that ordinal's output file contains value for column. Safe
// to call multiple times with the same (column, value, ordinal); the
// ordinal is recorded at most once.
func (fi *FileIndex) Record(column string, value Value, ordinal int) {
	vs := CanonicalString(value)

	byValue, ok := fi.entries[column]
	if !ok {
		byValue = map[string][]int{}
		fi.entries[column] = byValue
	}

	ordinals := byValue[vs]
	for _, o := range ordinals {
		if o == ordinal {
			return
		}
	}
	ordinals = append(ordinals, ordinal)
	sort.Ints(ordinals)
	byValue[vs] = ordinals
}

// Lookup returns the sorted set of output-file ordinals whose file
// contains value for column; empty if there is no such entry (spec.md §8
// invariant 7).
func (fi *FileIndex) Lookup(column, value string) []int {
	byValue, ok := fi.entries[column]
	if !ok {
		return nil
	}
	return byValue[value]
}

// Columns returns the indexed column names, sorted, for deterministic
// iteration when persisting the index blob (spec.md §6 "File-index
// layout" — sorted by key for streamable merges).
func (fi *FileIndex) Columns() []string {
	cols := make([]string, 0, len(fi.entries))
	for c := range fi.entries {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// Values returns the distinct canonical value strings recorded for column,
// sorted, again for deterministic serialization.
func (fi *FileIndex) Values(column string) []string {
	byValue := fi.entries[column]
	values := make([]string, 0, len(byValue))
	for v := range byValue {
		values = append(values, v)
	}
	sort.Strings(values)
	return values
}
