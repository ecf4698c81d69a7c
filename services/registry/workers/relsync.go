// Copyright (C) 2025 AgentSignal (dev@agentsignal.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AgentSignalAI/AgentSignal/services/registry/datatypes"
	"github.com/AgentSignalAI/AgentSignal/services/registry/index"
	"github.com/AgentSignalAI/AgentSignal/services/registry/store"
)

// RelSyncWorker propagates relational-store deltas into the vector index as
// payload patches, never touching the embedding vector.
//
// A single last-applied timestamp cursor covers all three update types:
// classifications, reputation aggregates and trust scores. Classification
// changes additionally flag the agent for re-embedding, because skill and
// domain tags are part of the embedding text.
type RelSyncWorker struct {
	store  *store.Store
	idx    index.Index
	logger *slog.Logger
}

func NewRelSyncWorker(st *store.Store, idx index.Index, logger *slog.Logger) *RelSyncWorker {
	return &RelSyncWorker{
		store:  st,
		idx:    idx,
		logger: logger.With("worker", "rel_to_index_sync"),
	}
}

func (w *RelSyncWorker) Name() string { return "rel_to_index_sync" }

// Run applies every relational update newer than the cursor and advances
// the cursor to the latest timestamp observed.
func (w *RelSyncWorker) Run(ctx context.Context) datatypes.RunResult {
	result := newResult(w.Name())

	cursor, err := w.store.GetCursor(ctx, StreamRelSync)
	if err != nil {
		return finish(result.Fail(err))
	}
	since := time.Unix(cursor.Position, 0).UTC()
	maxSeen := cursor.Position

	// One cursor covers all three phases. A failed phase may leave rows
	// inside the window unapplied, so on error the cursor stays at its
	// pre-run position and the whole window replays next run; every
	// per-row write is idempotent.
	if err := w.syncClassifications(ctx, since, &maxSeen, &result); err != nil {
		w.persistCursor(ctx, cursor.Position, &result, err.Error())
		return finish(result.Fail(err))
	}
	if err := w.syncReputations(ctx, since, &maxSeen, &result); err != nil {
		w.persistCursor(ctx, cursor.Position, &result, err.Error())
		return finish(result.Fail(err))
	}
	if err := w.syncTrustScores(ctx, since, &maxSeen, &result); err != nil {
		w.persistCursor(ctx, cursor.Position, &result, err.Error())
		return finish(result.Fail(err))
	}

	w.persistCursor(ctx, maxSeen, &result, "")
	w.logger.Info("relational sync finished",
		"processed", result.Processed, "added", result.Added, "marked", result.Marked)
	return finish(result)
}

func (w *RelSyncWorker) syncClassifications(ctx context.Context, since time.Time, maxSeen *int64, result *datatypes.RunResult) error {
	rows, err := w.store.ClassificationsSince(ctx, since)
	if err != nil {
		return err
	}

	for i := range rows {
		c := &rows[i]
		result.Processed++
		observe(maxSeen, c.ClassifiedAt)

		patch := map[string]any{
			"skills":                   c.SkillTags(),
			"domains":                  c.DomainTags(),
			"skillsDetailed":           detailTags(c.Skills),
			"domainsDetailed":          detailTags(c.Domains),
			"classificationConfidence": c.Confidence,
		}
		if err := w.idx.PatchPayload(ctx, c.AgentID, patch); err != nil {
			w.logger.Warn("classification patch failed",
				"agent", c.AgentID.String(), "error", err.Error())
			result.Errored++
			continue
		}
		result.Added++

		// Skill/domain tags feed the embedding text, so a classification
		// change must eventually be folded into the vector.
		newly, err := w.store.MarkNeedsReembed(ctx, c.AgentID)
		if err != nil {
			return err
		}
		if newly {
			result.Marked++
		}
		if err := w.store.MarkClassificationSynced(ctx, c.AgentID, c.ClassifiedAt); err != nil {
			return err
		}
	}
	return nil
}

func (w *RelSyncWorker) syncReputations(ctx context.Context, since time.Time, maxSeen *int64, result *datatypes.RunResult) error {
	rows, err := w.store.ReputationsSince(ctx, since)
	if err != nil {
		return err
	}

	for i := range rows {
		r := &rows[i]
		result.Processed++
		observe(maxSeen, r.UpdatedAt)

		patch := map[string]any{
			"reputationScore": r.AverageScore,
			"feedbackCount":   r.Count,
		}
		if err := w.idx.PatchPayload(ctx, r.AgentID, patch); err != nil {
			w.logger.Warn("reputation patch failed",
				"agent", r.AgentID.String(), "error", err.Error())
			result.Errored++
			continue
		}
		result.Added++
		if err := w.store.MarkReputationSynced(ctx, r.AgentID, r.UpdatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (w *RelSyncWorker) syncTrustScores(ctx context.Context, since time.Time, maxSeen *int64, result *datatypes.RunResult) error {
	rows, err := w.store.TrustScoresSince(ctx, since)
	if err != nil {
		return err
	}

	for i := range rows {
		t := &rows[i]
		result.Processed++
		observe(maxSeen, t.UpdatedAt)

		// Trust is stored on a 0..1 native scale and exposed as 0..100
		// to match the reputation scale.
		patch := map[string]any{"trustScore": t.Score * 100}
		if err := w.idx.PatchPayload(ctx, t.AgentID, patch); err != nil {
			w.logger.Warn("trust score patch failed",
				"agent", t.AgentID.String(), "error", err.Error())
			result.Errored++
			continue
		}
		result.Added++
	}
	return nil
}

// detailTags renders confidence-annotated tag strings ("defi:0.92") for the
// filter-only detail fields.
func detailTags(scores []datatypes.TaggedScore) []string {
	if len(scores) == 0 {
		return nil
	}
	out := make([]string, len(scores))
	for i, s := range scores {
		out[i] = fmt.Sprintf("%s:%.2f", s.Tag, s.Confidence)
	}
	return out
}

func observe(maxSeen *int64, at time.Time) {
	if unix := at.Unix(); unix > *maxSeen {
		*maxSeen = unix
	}
}

func (w *RelSyncWorker) persistCursor(ctx context.Context, position int64, result *datatypes.RunResult, lastError string) {
	err := w.store.AdvanceCursor(ctx, StreamRelSync, position, int64(result.Processed), int64(result.Added), lastError)
	if err != nil {
		w.logger.Error("persisting cursor failed", "stream", StreamRelSync, "error", err.Error())
	}
}

var _ Worker = (*RelSyncWorker)(nil)
