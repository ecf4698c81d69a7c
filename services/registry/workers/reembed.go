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

	"github.com/AgentSignalAI/AgentSignal/services/registry/contenthash"
	"github.com/AgentSignalAI/AgentSignal/services/registry/datatypes"
	"github.com/AgentSignalAI/AgentSignal/services/registry/embed"
	"github.com/AgentSignalAI/AgentSignal/services/registry/index"
	"github.com/AgentSignalAI/AgentSignal/services/registry/store"
)

// DefaultReembedLimit bounds one re-embed invocation when no limit is
// configured.
const DefaultReembedLimit = 50

// ReembedProcessor consumes the re-embedding backlog: agents whose
// needs_reembed flag is set, oldest request first.
//
// Failures are per-agent. A failed agent keeps its flag and is retried on
// the next invocation; the rest of the batch continues.
type ReembedProcessor struct {
	store    *store.Store
	idx      index.Index
	embedder embed.Provider
	limit    int
	logger   *slog.Logger
}

func NewReembedProcessor(st *store.Store, idx index.Index, embedder embed.Provider, limit int, logger *slog.Logger) *ReembedProcessor {
	if limit <= 0 {
		limit = DefaultReembedLimit
	}
	return &ReembedProcessor{
		store:    st,
		idx:      idx,
		embedder: embedder,
		limit:    limit,
		logger:   logger.With("worker", "reembed_queue"),
	}
}

func (p *ReembedProcessor) Name() string { return "reembed_queue" }

// Run processes up to the configured limit of flagged agents.
func (p *ReembedProcessor) Run(ctx context.Context) datatypes.RunResult {
	result := newResult(p.Name())

	ids, err := p.store.ListNeedsReembed(ctx, p.limit)
	if err != nil {
		return finish(result.Fail(err))
	}

	for _, id := range ids {
		result.Processed++
		if err := p.reembedOne(ctx, id); err != nil {
			// Flag stays set; the next invocation retries.
			p.logger.Warn("re-embed failed", "agent", id.String(), "error", err.Error())
			result.Errored++
			continue
		}
		result.Added++
	}

	p.logger.Info("re-embed run finished",
		"processed", result.Processed, "embedded", result.Added, "errored", result.Errored)
	return finish(result)
}

// reembedOne regenerates one agent's vector from its current canonical
// fields and clears the flag.
func (p *ReembedProcessor) reembedOne(ctx context.Context, id datatypes.AgentID) error {
	rec, found, err := p.idx.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		// Creation is ingestion's job; without a canonical record there
		// is nothing to embed.
		return fmt.Errorf("agent %s has no index record", id)
	}

	// The index payload may lag the relational store; the stored
	// classification is authoritative for skill/domain tags.
	if cls, ok, err := p.store.GetClassification(ctx, id); err != nil {
		return err
	} else if ok {
		rec.Skills = cls.SkillTags()
		rec.Domains = cls.DomainTags()
	}

	vector, err := p.embedder.Embed(ctx, rec.EmbeddingText())
	if err != nil {
		return fmt.Errorf("embed agent %s: %w", id, err)
	}

	if err := p.idx.UpsertAgents(ctx, []index.Entry{{Record: rec, Vector: vector}}); err != nil {
		return err
	}
	if err := p.store.SetContentHash(ctx, id, contenthash.Compute(&rec)); err != nil {
		return err
	}
	return p.store.ClearNeedsReembed(ctx, id)
}

var _ Worker = (*ReembedProcessor)(nil)
