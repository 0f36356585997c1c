// SPDX-License-Identifier: AGPL-3.0-only
// Provenance-includes-location: https://github.com/grafana/mimir/blob/main/pkg/compactor/bucket_compactor.go

package compactor

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/concurrency"
	"github.com/oklog/ulid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/atomic"
)

// entropy is a single shared, mutex-guarded monotonic ULID source for
// content-addressed output paths (oklog/ulid's MonotonicReader is not safe
// for concurrent use on its own).
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(crand.Reader, 0)
)

func newULID() ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// CompactArgs is one NextCompactionPlan's execution inputs (spec.md §4.4).
type CompactArgs struct {
	Db, Table string
	TableDef  TableDef

	// Paths are the input object-store paths, ordered oldest-to-newest:
	// later entries are more recent and win sort-key ties during dedup
	// (spec.md §4.4 step 2).
	Paths []string

	// RowLimit is the soft per-output-file row cap (spec.md §4.4 step 3).
	RowLimit int64

	OutputGeneration Generation
	IndexColumns     []string

	// Namespace prefixes every output path, matching spec.md §6's
	// "compactor/<id>/..." layout.
	Namespace string

	Reader   InputReader
	Executor Executor
	Store    ObjectStore
	Scratch  afero.Fs

	Logger log.Logger
}

// CompactorOutput is what CompactFiles returns on success (spec.md §4.4
// "Output"): the ordered output paths, the cumulative file index (whose
// ordinals correspond to positions in OutputPaths), and the output
// generation it was planned against.
type CompactorOutput struct {
	OutputPaths      []string
	FileIndex        *FileIndex
	OutputGeneration Generation
}

// CompactFiles executes one compaction plan end to end (spec.md §4.4):
// read and schema-unify every input, sort-merge-dedup by the table's sort
// key, split the merged stream into row-limit-bounded, series-respecting
// output files, build a cumulative inverted index, and upload the output
// files under args.Namespace. The index is returned in CompactorOutput; it
// is not written to the object store. Any read, execution, or put failure aborts with a
// typed CompactionError and publishes nothing (spec.md §4.4 "Failure
// semantics", §7).
func CompactFiles(ctx context.Context, args CompactArgs) (CompactorOutput, error) {
	logger := args.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	if len(args.Paths) == 0 {
		return CompactorOutput{}, wrapCompactionError(args.Db, args.Table, errors.New("no input paths"))
	}

	chunks, err := readChunks(ctx, args)
	if err != nil {
		return CompactorOutput{}, wrapCompactionError(args.Db, args.Table, err)
	}

	sortKey := args.TableDef.SortKey()
	merged, err := args.Executor.SortMergeDedup(ctx, chunks, sortKey)
	if err != nil {
		return CompactorOutput{}, wrapCompactionError(args.Db, args.Table, errors.Wrap(err, "sort-merge-dedup"))
	}

	level.Info(logger).Log("msg", "merged input rows", "db", args.Db, "table", args.Table,
		"inputs", len(args.Paths), "merged_rows", len(merged))

	outputs := splitBySeries(merged, args.TableDef.SeriesKey(), args.RowLimit)

	fileIndex := NewFileIndex()
	for ordinal, rows := range outputs {
		for _, row := range rows {
			for _, col := range args.IndexColumns {
				fileIndex.Record(col, row.Values[col], ordinal)
			}
		}
	}

	outputPaths, err := persistOutputs(ctx, args, outputs)
	if err != nil {
		return CompactorOutput{}, wrapCompactionError(args.Db, args.Table, errors.Wrap(err, "persist outputs"))
	}

	return CompactorOutput{
		OutputPaths:      outputPaths,
		FileIndex:        fileIndex,
		OutputGeneration: args.OutputGeneration,
	}, nil
}

// readChunks reads every input path concurrently (spec.md §5 "File-
// compactor jobs run in parallel"), tagging each with its recency order.
func readChunks(ctx context.Context, args CompactArgs) ([]Chunk, error) {
	chunks := make([]Chunk, len(args.Paths))

	err := concurrency.ForEachJob(ctx, len(args.Paths), len(args.Paths), func(ctx context.Context, idx int) error {
		chunk, err := args.Reader.ReadChunk(ctx, args.TableDef, args.Paths[idx], idx)
		if err != nil {
			return errors.Wrapf(err, "read input %s", args.Paths[idx])
		}
		chunks[idx] = chunk
		return nil
	})
	if err != nil {
		return nil, err
	}

	return chunks, nil
}

// splitBySeries streams sorted, deduplicated rows into output groups
// subject to spec.md §4.4 step 3: each output has at most rowLimit rows
// unless doing so would split a logical series; a new output opens only
// when the next row starts a new series AND the current output is already
// at or above rowLimit. Consequence: a single series larger than rowLimit
// lives in exactly one (possibly oversize) output file.
func splitBySeries(rows []Row, seriesKey []string, rowLimit int64) [][]Row {
	if len(rows) == 0 {
		return nil
	}
	if rowLimit <= 0 {
		rowLimit = int64(len(rows))
	}

	var outputs [][]Row
	var current []Row
	var currentSeries string

	for _, row := range rows {
		series := sortKeyString(row, seriesKey)

		startNewFile := len(current) > 0 &&
			series != currentSeries &&
			int64(len(current)) >= rowLimit

		if startNewFile {
			outputs = append(outputs, current)
			current = nil
		}

		current = append(current, row)
		currentSeries = series
	}

	if len(current) > 0 {
		outputs = append(outputs, current)
	}

	return outputs
}

// persistOutputs writes each output group to a content-addressed path
// under args.Namespace and uploads it to the object store, concurrently
// (spec.md §4.4 step 5, §5). Parquet encoding itself is out of scope
// (spec.md §1); encodeRows is this package's reference stand-in so tests
// can exercise the full read-merge-split-persist-index pipeline without a
// real columnar writer.
func persistOutputs(ctx context.Context, args CompactArgs, outputs [][]Row) ([]string, error) {
	paths := make([]string, len(outputs))
	var bytesWritten atomic.Int64

	err := concurrency.ForEachJob(ctx, len(outputs), len(outputs), func(ctx context.Context, ordinal int) error {
		path := outputPath(args, ordinal)

		data, err := encodeRows(outputs[ordinal])
		if err != nil {
			return errors.Wrapf(err, "encode output %d", ordinal)
		}

		if args.Scratch != nil {
			scratchPath := "/" + path
			if err := afero.WriteFile(args.Scratch, scratchPath, data, 0o644); err != nil {
				return errors.Wrapf(err, "stage output %d", ordinal)
			}
		}

		if err := args.Store.Upload(ctx, path, bytes.NewReader(data)); err != nil {
			return errors.Wrapf(err, "upload output %d", ordinal)
		}

		bytesWritten.Add(int64(len(data)))
		paths[ordinal] = path
		return nil
	})
	if err != nil {
		return nil, err
	}

	return paths, nil
}

// outputPath builds the content-addressed path spec.md §6 prescribes:
// compactor/<id>/<db>/<table>/<level>/<gen_id>/<ordinal>.parquet, with a
// ULID suffix added so repeated (idempotent) compactions of the same plan
// never collide on an orphaned blob from a prior aborted attempt.
func outputPath(args CompactArgs, ordinal int) string {
	id := newULID()
	return fmt.Sprintf("%s/%s/%s/%d/%s/%d-%s.parquet",
		args.Namespace, args.Db, args.Table, args.OutputGeneration.Level,
		args.OutputGeneration.Id, ordinal, id.String())
}

// encodedRow is the JSON-serializable form of a Row used by encodeRows.
type encodedRow map[string]Value

func encodeRows(rows []Row) ([]byte, error) {
	encoded := make([]encodedRow, len(rows))
	for i, row := range rows {
		encoded[i] = encodedRow(row.Values)
	}
	return json.Marshal(encoded)
}

// decodeRows is the inverse of encodeRows, used by tests and by
// InputReader implementations layered directly on this reference codec.
func decodeRows(data []byte) ([]Row, error) {
	var encoded []encodedRow
	if err := json.Unmarshal(data, &encoded); err != nil {
		return nil, err
	}
	rows := make([]Row, len(encoded))
	for i, e := range encoded {
		rows[i] = Row{Values: map[string]Value(e)}
	}
	return rows, nil
}
