// Copyright (C) 2025 AgentSignal (dev@agentsignal.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/AgentSignalAI/AgentSignal/pkg/validation"
	"github.com/AgentSignalAI/AgentSignal/services/registry/datatypes"
	"github.com/AgentSignalAI/AgentSignal/services/registry/index"
	"github.com/AgentSignalAI/AgentSignal/services/registry/store"
	"github.com/AgentSignalAI/AgentSignal/services/registry/subgraph"
)

// Reachability side-channel. A feedback event tagged with one of the
// reserved tags at or above the score threshold counts as an observation
// that the agent's endpoint was live.
const reachabilityScoreMin = 50

var reachabilityTags = map[string]bool{
	"reachable":  true,
	"responsive": true,
}

// FeedbackConfig configures the feedback sync worker.
type FeedbackConfig struct {
	Chains   []subgraph.ChainConfig
	PageSize int
}

// FeedbackWorker ingests feedback events, deduplicates them, and maintains
// the per-agent reputation aggregate.
//
// Chains are drained fully one after another. A fatal error on one chain is
// recorded against that chain's cursor and the run continues with the next
// chain, so a broken subgraph cannot stall the others.
type FeedbackWorker struct {
	config FeedbackConfig
	source Source
	store  *store.Store
	idx    index.Index
	logger *slog.Logger
}

func NewFeedbackWorker(config FeedbackConfig, source Source, st *store.Store, idx index.Index, logger *slog.Logger) (*FeedbackWorker, error) {
	if len(config.Chains) == 0 {
		return nil, fmt.Errorf("feedback worker requires at least one chain")
	}
	if config.PageSize <= 0 {
		config.PageSize = subgraph.DefaultPageSize
	}
	return &FeedbackWorker{
		config: config,
		source: source,
		store:  st,
		idx:    idx,
		logger: logger.With("worker", "feedback_sync"),
	}, nil
}

func (w *FeedbackWorker) Name() string { return "feedback_sync" }

// Run drains the feedback stream of every configured chain.
func (w *FeedbackWorker) Run(ctx context.Context) datatypes.RunResult {
	result := newResult(w.Name())

	var chainErrs []error
	for _, chain := range w.config.Chains {
		if err := w.drainChain(ctx, chain, &result); err != nil {
			w.logger.Error("chain drain failed", "chain", chain.ID, "error", err.Error())
			chainErrs = append(chainErrs, fmt.Errorf("chain %d: %w", chain.ID, err))
		}
		if ctx.Err() != nil {
			break
		}
	}

	if len(chainErrs) > 0 {
		return finish(result.Fail(errors.Join(chainErrs...)))
	}
	return finish(result)
}

// drainChain pages through one chain's feedback stream, advancing the
// cursor only past fully-processed items.
func (w *FeedbackWorker) drainChain(ctx context.Context, chain subgraph.ChainConfig, result *datatypes.RunResult) error {
	stream := FeedbackStream(chain.ID)
	cursor, err := w.store.GetCursor(ctx, stream)
	if err != nil {
		return err
	}
	since := cursor.Position

	// Cursor counters accumulate per-chain deltas, not run totals.
	startSeen, startAdded := result.Processed, result.Added
	persist := func(position int64, lastError string) {
		w.persistCursor(ctx, stream, position,
			int64(result.Processed-startSeen), int64(result.Added-startAdded), lastError)
	}

	for page := 0; page < subgraph.MaxPages; page++ {
		events, err := w.source.FetchFeedback(ctx, chain, since, w.config.PageSize)
		if err != nil {
			persist(since, err.Error())
			return err
		}
		if len(events) == 0 {
			break
		}

		for i := range events {
			if err := w.applyEvent(ctx, chain, &events[i], result); err != nil {
				// Store-level failure: stop before this item so the
				// next run replays it.
				persist(since, err.Error())
				return err
			}
			since = events[i].CreatedAt
		}

		if len(events) < w.config.PageSize {
			break
		}
	}

	persist(since, "")
	return nil
}

// applyEvent validates, deduplicates and stores a single feedback event.
// Returns an error only for store failures; malformed items are counted
// and skipped.
func (w *FeedbackWorker) applyEvent(ctx context.Context, chain subgraph.ChainConfig, ev *subgraph.FeedbackEvent, result *datatypes.RunResult) error {
	result.Processed++

	if ev.Revoked {
		result.Revoked++
		return nil
	}

	rawScore, err := strconv.ParseInt(strings.TrimSpace(ev.Score), 10, 64)
	if err != nil {
		w.logger.Warn("skipping feedback with unparseable score",
			"chain", chain.ID, "source_id", ev.ID, "score", ev.Score)
		result.Errored++
		return nil
	}
	score := clampScore(rawScore)

	// Tags come from untrusted source data; malformed slugs are dropped
	// without discarding the event itself.
	var tags []string
	for _, tag := range []string{ev.Tag1, ev.Tag2} {
		if tag == "" {
			continue
		}
		if err := validation.ValidateTag(tag); err != nil {
			w.logger.Warn("dropping invalid feedback tag",
				"chain", chain.ID, "source_id", ev.ID, "error", err.Error())
			continue
		}
		tags = append(tags, tag)
	}

	feedback := datatypes.Feedback{
		AgentID:     datatypes.AgentID{ChainID: chain.ID, TokenID: ev.TokenID},
		Score:       score,
		Tags:        tags,
		Context:     ev.Context,
		Submitter:   ev.Submitter,
		SourceID:    ev.ID,
		SubmittedAt: time.Unix(ev.CreatedAt, 0).UTC(),
	}

	inserted, err := w.store.ApplyFeedback(ctx, feedback)
	if err != nil {
		return err
	}
	if !inserted {
		result.Skipped++
		return nil
	}
	result.Added++

	w.maybePatchReachability(ctx, &feedback)
	return nil
}

// maybePatchReachability opportunistically records a reachability signal in
// the index. Failures are logged and swallowed: this side effect never
// blocks the primary insert.
func (w *FeedbackWorker) maybePatchReachability(ctx context.Context, f *datatypes.Feedback) {
	if f.Score < reachabilityScoreMin {
		return
	}
	seen := false
	for _, tag := range f.Tags {
		if reachabilityTags[tag] {
			seen = true
			break
		}
	}
	if !seen {
		return
	}

	patch := map[string]any{
		"lastReachableAt": f.SubmittedAt.Format(time.RFC3339),
	}
	if err := w.idx.PatchPayload(ctx, f.AgentID, patch); err != nil {
		w.logger.Warn("reachability patch failed",
			"agent", f.AgentID.String(), "error", err.Error())
	}
}

func (w *FeedbackWorker) persistCursor(ctx context.Context, stream string, position, seen, added int64, lastError string) {
	err := w.store.AdvanceCursor(ctx, stream, position, seen, added, lastError)
	if err != nil {
		w.logger.Error("persisting cursor failed", "stream", stream, "error", err.Error())
	}
}

var _ Worker = (*FeedbackWorker)(nil)
