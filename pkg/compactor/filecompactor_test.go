// SPDX-License-Identifier: AGPL-3.0-only
// Provenance-includes-location: https://github.com/influxdata/influxdb/blob/main/influxdb3_pro/compactor/tests/compaction.rs
// Provenance-includes-license: MIT

package compactor

import (
	"context"
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thanos-io/objstore"
)

// fixtureReader serves pre-built chunks by path, mirroring how an
// InputReader decodes a Parquet file in production.
type fixtureReader struct {
	chunks map[string]Chunk
}

func (r fixtureReader) ReadChunk(_ context.Context, _ TableDef, path string, order int) (Chunk, error) {
	c, ok := r.chunks[path]
	if !ok {
		return Chunk{}, assert.AnError
	}
	c.Order = order
	c.SourcePath = path
	return c, nil
}

func idFieldTimeRows(ids []string, fields []int64, times []int64) []Row {
	rows := make([]Row, len(ids))
	for i := range ids {
		rows[i] = Row{Values: map[string]Value{
			"id":    {Kind: KindUtf8, Present: true, Str: ids[i]},
			"field": {Kind: KindInt, Present: true, Int: fields[i]},
			"time":  {Kind: KindTimestampNs, Present: true, TimeNs: times[i]},
		}}
	}
	return rows
}

func testTableDef() TableDef {
	return TableDef{
		Name: "test_table",
		Columns: []ColumnDef{
			{Name: "id", Kind: KindUtf8, IsTag: true},
			{Name: "field", Kind: KindInt},
			{Name: "time", Kind: KindTimestampNs},
		},
	}
}

// TestCompactFiles_SeriesSplitAndDedup ports the
// five_files_multiple_series_same_schema scenario: five input files overlap
// on series "e", row_limit=2, and no series may be split across outputs.
func TestCompactFiles_SeriesSplitAndDedup(t *testing.T) {
	reader := fixtureReader{chunks: map[string]Chunk{
		"f1": {Rows: idFieldTimeRows([]string{"a", "b", "c", "d", "e"}, []int64{0, 0, 0, 0, 0}, []int64{1, 2, 3, 4, 5})},
		"f2": {Rows: idFieldTimeRows(
			[]string{"e", "e", "e", "f", "g", "h", "i", "j"},
			[]int64{0, 0, 0, 0, 0, 0, 0, 0},
			[]int64{5, 6, 7, 6, 7, 8, 9, 10},
		)},
		"f3": {Rows: idFieldTimeRows(
			[]string{"e", "f", "g", "h", "i", "j", "k"},
			[]int64{0, 0, 0, 0, 0, 0, 0},
			[]int64{5, 6, 7, 8, 9, 10, 11},
		)},
		"f4": {Rows: idFieldTimeRows(
			[]string{"e", "e", "e", "e", "e", "e", "e"},
			[]int64{0, 0, 0, 0, 0, 0, 0},
			[]int64{0, 1, 2, 3, 4, 5, 6},
		)},
		"f5": {Rows: idFieldTimeRows([]string{"l"}, []int64{0}, []int64{0})},
	}}

	store := objstore.NewInMemBucket()

	out, err := CompactFiles(context.Background(), CompactArgs{
		Db:               "test_db",
		Table:            "test_table",
		TableDef:         testTableDef(),
		Paths:            []string{"f1", "f2", "f3", "f4", "f5"},
		RowLimit:         2,
		OutputGeneration: Generation{Id: newGenerationId(), Level: LevelTwo},
		IndexColumns:     []string{"id", "field"},
		Namespace:        "compactor",
		Reader:           reader,
		Executor:         InMemoryExecutor{},
		Store:            store,
		Scratch:          afero.NewMemMapFs(),
	})
	require.NoError(t, err)

	require.Len(t, out.OutputPaths, 7)

	wantRowCounts := []int{2, 2, 8, 2, 2, 2, 1}
	for i, path := range out.OutputPaths {
		data, err := store.Get(context.Background(), path)
		require.NoError(t, err)
		buf, err := io.ReadAll(data)
		require.NoError(t, err)
		require.NoError(t, data.Close())
		rows, err := decodeRows(buf)
		require.NoError(t, err)
		assert.Lenf(t, rows, wantRowCounts[i], "output file %d", i)
	}

	assert.Equal(t, []int{0}, out.FileIndex.Lookup("id", "a"))
	assert.Equal(t, []int{2}, out.FileIndex.Lookup("id", "e"))
	assert.Empty(t, out.FileIndex.Lookup("id", "m"))
	assert.Len(t, out.FileIndex.Lookup("field", "0"), 7)
}

// TestCompactFiles_SchemaUnion ports two_files_similar_series_and_compatible_schema:
// one input lacks the extra_tag column, so its rows render extra_tag=null.
func TestCompactFiles_SchemaUnion(t *testing.T) {
	withExtra := Row{Values: map[string]Value{
		"id":        {Kind: KindUtf8, Present: true, Str: "1"},
		"host":      {Kind: KindUtf8, Present: true, Str: "a"},
		"extra_tag": {Kind: KindUtf8, Present: true, Str: "5"},
		"field":     {Kind: KindInt, Present: true, Int: 1},
		"time":      {Kind: KindTimestampNs, Present: true, TimeNs: 1},
	}}
	withoutExtra := Row{Values: map[string]Value{
		"id":    {Kind: KindUtf8, Present: true, Str: "1"},
		"host":  {Kind: KindUtf8, Present: true, Str: "a"},
		"field": {Kind: KindInt, Present: true, Int: 2},
		"time":  {Kind: KindTimestampNs, Present: true, TimeNs: 2},
		// extra_tag intentionally absent: projecting onto the union schema
		// leaves it unset (Present: false), which CanonicalString renders
		// as "null" (spec.md §4.5).
	}}

	reader := fixtureReader{chunks: map[string]Chunk{
		"f1": {Rows: []Row{withExtra}},
		"f2": {Rows: []Row{withoutExtra}},
	}}

	def := TableDef{
		Name: "test_table",
		Columns: []ColumnDef{
			{Name: "id", Kind: KindUtf8, IsTag: true},
			{Name: "host", Kind: KindUtf8, IsTag: true},
			{Name: "extra_tag", Kind: KindUtf8, IsTag: true},
			{Name: "field", Kind: KindInt},
			{Name: "time", Kind: KindTimestampNs},
		},
	}

	out, err := CompactFiles(context.Background(), CompactArgs{
		Db:               "test_db",
		Table:            "test_table",
		TableDef:         def,
		Paths:            []string{"f1", "f2"},
		RowLimit:         10,
		OutputGeneration: Generation{Id: newGenerationId(), Level: LevelTwo},
		IndexColumns:     []string{"extra_tag"},
		Namespace:        "compactor",
		Reader:           reader,
		Executor:         InMemoryExecutor{},
		Store:            objstore.NewInMemBucket(),
		Scratch:          afero.NewMemMapFs(),
	})
	require.NoError(t, err)

	assert.Equal(t, []int{0}, out.FileIndex.Lookup("extra_tag", "null"))
	assert.Equal(t, []int{0}, out.FileIndex.Lookup("extra_tag", "5"))
}
