// Copyright (C) 2025 AgentSignal (dev@agentsignal.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package workers

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/AgentSignalAI/AgentSignal/services/registry/contenthash"
	"github.com/AgentSignalAI/AgentSignal/services/registry/datatypes"
	"github.com/AgentSignalAI/AgentSignal/services/registry/index"
	"github.com/AgentSignalAI/AgentSignal/services/registry/store"
)

// DefaultReconcileSample bounds one reconciliation pass when no sample size
// is configured.
const DefaultReconcileSample = 100

// scoreTolerance absorbs float round-trips through the index payload.
const scoreTolerance = 1e-6

// ReconcileWorker detects and heals drift between the relational store and
// the vector index.
//
// Sampling is oldest-reconciled-first: agents never reconciled come first,
// then those with the oldest last pass, so every agent is eventually
// visited regardless of sample size. Each agent is an independent unit of
// work; the run is idempotent and safe to interrupt.
//
// The worker re-issues missing payload patches and re-queues stale
// embeddings. It never deletes index entries that lack a relational
// counterpart: creation and deletion belong to ingestion.
type ReconcileWorker struct {
	store  *store.Store
	idx    index.Index
	sample int
	logger *slog.Logger
}

func NewReconcileWorker(st *store.Store, idx index.Index, sample int, logger *slog.Logger) *ReconcileWorker {
	if sample <= 0 {
		sample = DefaultReconcileSample
	}
	return &ReconcileWorker{
		store:  st,
		idx:    idx,
		sample: sample,
		logger: logger.With("worker", "reconciliation"),
	}
}

func (w *ReconcileWorker) Name() string { return "reconciliation" }

// Run reconciles one sample of agents.
func (w *ReconcileWorker) Run(ctx context.Context) datatypes.RunResult {
	result := newResult(w.Name())

	ids, err := w.store.AgentsForReconciliation(ctx, w.sample)
	if err != nil {
		return finish(result.Fail(err))
	}

	now := time.Now().UTC()
	for _, id := range ids {
		result.Processed++
		healed, err := w.reconcileOne(ctx, id)
		if err != nil {
			w.logger.Warn("reconciliation failed", "agent", id.String(), "error", err.Error())
			result.Errored++
			continue
		}
		if healed {
			result.Added++
		} else {
			result.Skipped++
		}
		if err := w.store.TouchReconciled(ctx, id, now); err != nil {
			w.logger.Warn("touch reconciled failed", "agent", id.String(), "error", err.Error())
		}
	}

	w.logger.Info("reconciliation finished",
		"sampled", result.Processed, "healed", result.Added, "errored", result.Errored)
	return finish(result)
}

// reconcileOne compares one agent's relational truth against its index
// payload and heals any divergence. Returns true when something changed.
func (w *ReconcileWorker) reconcileOne(ctx context.Context, id datatypes.AgentID) (bool, error) {
	rec, found, err := w.idx.GetRecord(ctx, id)
	if err != nil {
		return false, err
	}
	if !found {
		// The agent is known relationally but absent from the index.
		// Ingestion owns creation; reconciliation only notes it.
		w.logger.Info("agent missing from index, leaving to ingestion", "agent", id.String())
		return false, nil
	}

	meta, _, err := w.store.GetMeta(ctx, id)
	if err != nil {
		return false, err
	}

	patch := map[string]any{}
	healed := false

	cls, hasCls, err := w.store.GetClassification(ctx, id)
	if err != nil {
		return false, err
	}
	if hasCls {
		if !slices.Equal(rec.Skills, cls.SkillTags()) || !slices.Equal(rec.Domains, cls.DomainTags()) {
			patch["skills"] = cls.SkillTags()
			patch["domains"] = cls.DomainTags()
			rec.Skills = cls.SkillTags()
			rec.Domains = cls.DomainTags()
		}
	}

	rep, hasRep, err := w.store.GetReputation(ctx, id)
	if err != nil {
		return false, err
	}
	if hasRep && math.Abs(rec.ReputationScore-rep.AverageScore) > scoreTolerance {
		patch["reputationScore"] = rep.AverageScore
		patch["feedbackCount"] = rep.Count
	}

	trust, hasTrust, err := w.store.GetTrustScore(ctx, id)
	if err != nil {
		return false, err
	}
	if hasTrust && math.Abs(rec.TrustScore-trust.Score*100) > scoreTolerance {
		patch["trustScore"] = trust.Score * 100
	}

	if len(patch) > 0 {
		if err := w.idx.PatchPayload(ctx, id, patch); err != nil {
			return false, err
		}
		healed = true
	}

	// Content-hash drift. The hash is computed over the healed record so
	// a payload divergence does not masquerade as a semantic change.
	hash := contenthash.Compute(&rec)
	switch {
	case hash != meta.ContentHash:
		// Stored embedding no longer matches the semantic fields.
		newly, err := w.store.MarkNeedsReembed(ctx, id)
		if err != nil {
			return false, err
		}
		if newly {
			healed = true
		}
	case meta.NeedsReembed:
		// Orphaned flag: the flag is set but the embedding already
		// covers the current content.
		if err := w.store.ClearNeedsReembed(ctx, id); err != nil {
			return false, err
		}
		healed = true
	}

	return healed, nil
}

var _ Worker = (*ReconcileWorker)(nil)
