// SPDX-License-Identifier: AGPL-3.0-only

package compactor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// summaryHostMarker is the wire shape of one host's marker inside a
// Summary document (spec.md §6).
type summaryHostMarker struct {
	HostId                 string `json:"host_id"`
	SnapshotSequenceNumber uint64 `json:"snapshot_sequence_number"`
	NextFileId             uint64 `json:"next_file_id"`
}

// summaryGeneration is the wire shape of an output_generation (spec.md §6).
type summaryGeneration struct {
	Id            uint64 `json:"id"`
	Level         uint8  `json:"level"`
	StartTimeSecs int64  `json:"start_time_secs"`
	MaxTimeNs     int64  `json:"max_time_ns"`
}

// summaryPlan is one plan's wire shape within a round (spec.md §6).
type summaryPlan struct {
	Db               string            `json:"db"`
	Table            string            `json:"table"`
	OutputGeneration summaryGeneration `json:"output_generation"`
	InputIds         []uint64          `json:"input_ids"`
	LeftoverIds      []uint64          `json:"leftover_ids"`
	OutputPaths      []string          `json:"output_paths"`
}

// summaryLeftover is the wire shape of a table that produced no Compaction
// plan this round (spec.md §4.6 step 2 "LeftoverOnly plans require no work
// beyond being recorded in the table's compaction detail"). Additive to
// spec.md §6's documented shape: the ids would otherwise never appear in
// any durable record.
type summaryLeftover struct {
	Db              string   `json:"db"`
	Table           string   `json:"table"`
	LeftoverGen1Ids []uint64 `json:"leftover_gen1_ids"`
}

// RoundSummary is the durable manifest that commits one round's outputs
// and marker advances atomically (spec.md §6, GLOSSARY "Compaction
// summary"). Writing it to the object store is the commit point of the
// round (spec.md §4.6 step 3, §7).
type RoundSummary struct {
	RoundId     int64                `json:"round_id"`
	HostMarkers []HostSnapshotMarker `json:"-"`
	Plans       []Summary            `json:"-"`
	Leftovers   []LeftoverPlan       `json:"-"`
}

type wireSummary struct {
	RoundId     int64               `json:"round_id"`
	HostMarkers []summaryHostMarker `json:"host_markers"`
	Plans       []summaryPlan       `json:"plans"`
	Leftovers   []summaryLeftover   `json:"leftover_only"`
}

// MarshalJSON renders the round summary in the exact shape spec.md §6
// documents.
func (s RoundSummary) MarshalJSON() ([]byte, error) {
	w := wireSummary{RoundId: s.RoundId}

	for _, m := range s.HostMarkers {
		w.HostMarkers = append(w.HostMarkers, summaryHostMarker{
			HostId:                 string(m.HostId),
			SnapshotSequenceNumber: m.SnapshotSequenceNumber,
			NextFileId:             uint64(m.NextFileId),
		})
	}

	for _, p := range s.Plans {
		var inputIds, leftoverIds []uint64
		for _, id := range p.InputIds {
			inputIds = append(inputIds, uint64(id))
		}
		for _, id := range p.LeftoverIds {
			leftoverIds = append(leftoverIds, uint64(id))
		}

		w.Plans = append(w.Plans, summaryPlan{
			Db:    p.Db,
			Table: p.Table,
			OutputGeneration: summaryGeneration{
				Id:            uint64(p.OutputGeneration.Id),
				Level:         uint8(p.OutputGeneration.Level),
				StartTimeSecs: p.OutputGeneration.StartTimeSecs,
				MaxTimeNs:     p.OutputGeneration.MaxTimeNs,
			},
			InputIds:    inputIds,
			LeftoverIds: leftoverIds,
			OutputPaths: p.OutputPaths,
		})
	}

	for _, l := range s.Leftovers {
		var ids []uint64
		for _, id := range l.LeftoverGen1Ids {
			ids = append(ids, uint64(id))
		}
		w.Leftovers = append(w.Leftovers, summaryLeftover{
			Db:              l.Db,
			Table:           l.Table,
			LeftoverGen1Ids: ids,
		})
	}

	return json.Marshal(w)
}

// UnmarshalJSON parses a round summary back from the spec.md §6 JSON shape.
func (s *RoundSummary) UnmarshalJSON(data []byte) error {
	var w wireSummary
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	s.RoundId = w.RoundId
	s.HostMarkers = nil
	for _, m := range w.HostMarkers {
		s.HostMarkers = append(s.HostMarkers, HostSnapshotMarker{
			HostId:                 HostId(m.HostId),
			SnapshotSequenceNumber: m.SnapshotSequenceNumber,
			NextFileId:             FileId(m.NextFileId),
		})
	}

	s.Plans = nil
	for _, p := range w.Plans {
		var inputIds, leftoverIds []GenerationId
		for _, id := range p.InputIds {
			inputIds = append(inputIds, GenerationId(id))
		}
		for _, id := range p.LeftoverIds {
			leftoverIds = append(leftoverIds, GenerationId(id))
		}

		s.Plans = append(s.Plans, Summary{
			Db:    p.Db,
			Table: p.Table,
			OutputGeneration: Generation{
				Id:            GenerationId(p.OutputGeneration.Id),
				Level:         Level(p.OutputGeneration.Level),
				StartTimeSecs: p.OutputGeneration.StartTimeSecs,
				MaxTimeNs:     p.OutputGeneration.MaxTimeNs,
			},
			InputIds:    inputIds,
			LeftoverIds: leftoverIds,
			OutputPaths: p.OutputPaths,
		})
	}

	s.Leftovers = nil
	for _, l := range w.Leftovers {
		var ids []GenerationId
		for _, id := range l.LeftoverGen1Ids {
			ids = append(ids, GenerationId(id))
		}
		s.Leftovers = append(s.Leftovers, LeftoverPlan{
			Db:              l.Db,
			Table:           l.Table,
			LeftoverGen1Ids: ids,
		})
	}

	return nil
}

// summaryPath returns the durable object-store path for a round's summary,
// matching spec.md §6: compactor/<id>/summaries/<round_id>.json.
func summaryPath(namespace string, roundID int64) string {
	return fmt.Sprintf("%s/summaries/%d.json", namespace, roundID)
}

// writeRoundSummary puts the summary to the object store. This is the
// commit point of the round (spec.md §4.6, §7 "CommitError"): a failure
// here means no registry state may be published for this round.
func writeRoundSummary(ctx context.Context, store ObjectStore, namespace string, summary RoundSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return newCommitError(summary.RoundId, errors.Wrap(err, "marshal round summary"))
	}

	path := summaryPath(namespace, summary.RoundId)
	if err := store.Upload(ctx, path, bytes.NewReader(data)); err != nil {
		return newCommitError(summary.RoundId, errors.Wrapf(err, "upload round summary to %s", path))
	}

	return nil
}
