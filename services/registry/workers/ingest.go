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
	"sort"

	"github.com/AgentSignalAI/AgentSignal/pkg/validation"
	"github.com/AgentSignalAI/AgentSignal/services/registry/contenthash"
	"github.com/AgentSignalAI/AgentSignal/services/registry/datatypes"
	"github.com/AgentSignalAI/AgentSignal/services/registry/embed"
	"github.com/AgentSignalAI/AgentSignal/services/registry/index"
	"github.com/AgentSignalAI/AgentSignal/services/registry/store"
	"github.com/AgentSignalAI/AgentSignal/services/registry/subgraph"
)

// IngestStrategy selects how registrations are pulled from the source.
type IngestStrategy string

const (
	// StrategySubgraph pulls cursor-ordered pages from the chain subgraph.
	StrategySubgraph IngestStrategy = "subgraph"
	// StrategyRegistryAPI bulk-lists agents from the registry HTTP API.
	// Typically used when no subgraph key is configured.
	StrategyRegistryAPI IngestStrategy = "registry_api"
	// StrategyAuto picks the subgraph when a key is available for the
	// selected chain and falls back to the registry API otherwise.
	StrategyAuto IngestStrategy = "auto"
)

// IngestConfig configures the registry ingest worker.
type IngestConfig struct {
	Chains   []subgraph.ChainConfig
	Strategy IngestStrategy
	PageSize int
}

// IngestWorker ingests agent registrations into the vector index and keeps
// the per-agent content hash current.
//
// One invocation processes exactly one chain, selected round-robin over the
// sorted chain list. The round-robin pointer advances even when the run
// fails, so a persistently broken chain cannot starve the others.
type IngestWorker struct {
	config   IngestConfig
	source   Source
	fallback RegistryLister
	hasKey   func(chain subgraph.ChainConfig) bool
	store    *store.Store
	idx      index.Index
	embedder embed.Provider
	logger   *slog.Logger
}

// NewIngestWorker wires an ingest worker.
//
// Inputs:
//
//	config - Chains and strategy. At least one chain is required.
//	source - Subgraph client. Required for the subgraph strategy.
//	fallback - Direct registry API client. Required for the API strategy.
//	hasKey - Reports whether a subgraph key exists for a chain; used only
//	         by StrategyAuto. Nil means "no keys".
//
// Outputs:
//
//	*IngestWorker - The worker.
//	error - Non-nil on missing required configuration.
func NewIngestWorker(
	config IngestConfig,
	source Source,
	fallback RegistryLister,
	hasKey func(chain subgraph.ChainConfig) bool,
	st *store.Store,
	idx index.Index,
	embedder embed.Provider,
	logger *slog.Logger,
) (*IngestWorker, error) {
	if len(config.Chains) == 0 {
		return nil, fmt.Errorf("ingest worker requires at least one chain")
	}
	if config.Strategy == "" {
		config.Strategy = StrategyAuto
	}
	if config.PageSize <= 0 {
		config.PageSize = subgraph.DefaultPageSize
	}
	if hasKey == nil {
		hasKey = func(subgraph.ChainConfig) bool { return false }
	}

	// The round-robin order must be stable across restarts.
	chains := make([]subgraph.ChainConfig, len(config.Chains))
	copy(chains, config.Chains)
	sort.Slice(chains, func(i, j int) bool { return chains[i].ID < chains[j].ID })
	config.Chains = chains

	return &IngestWorker{
		config:   config,
		source:   source,
		fallback: fallback,
		hasKey:   hasKey,
		store:    st,
		idx:      idx,
		embedder: embedder,
		logger:   logger.With("worker", "registry_ingest"),
	}, nil
}

func (w *IngestWorker) Name() string { return "registry_ingest" }

// Run ingests one chain's registrations and advances the round-robin
// pointer.
func (w *IngestWorker) Run(ctx context.Context) datatypes.RunResult {
	result := newResult(w.Name())

	chain, err := w.selectChain(ctx)
	if err != nil {
		return finish(result.Fail(err))
	}
	w.logger.Info("ingest run starting", "chain", chain.ID, "chain_name", chain.Name)

	// Advance the pointer before processing: a failed chain must not be
	// retried at the expense of its siblings.
	if err := w.store.SetPointer(ctx, StreamChainPointer, int64(chain.ID)); err != nil {
		return finish(result.Fail(err))
	}

	switch w.strategyFor(chain) {
	case StrategySubgraph:
		result = w.runSubgraph(ctx, chain, result)
	default:
		result = w.runRegistryAPI(ctx, chain, result)
	}

	w.logger.Info("ingest run finished",
		"chain", chain.ID,
		"processed", result.Processed,
		"added", result.Added,
		"skipped", result.Skipped,
		"errored", result.Errored,
		"success", result.Success)
	return finish(result)
}

// selectChain picks the next chain after the persisted pointer, wrapping to
// the first chain past the end and resetting to the first chain when the
// stored id is no longer in the supported list.
func (w *IngestWorker) selectChain(ctx context.Context) (subgraph.ChainConfig, error) {
	cursor, err := w.store.GetCursor(ctx, StreamChainPointer)
	if err != nil {
		return subgraph.ChainConfig{}, err
	}

	last := uint64(cursor.Position)
	for i, chain := range w.config.Chains {
		if chain.ID == last {
			return w.config.Chains[(i+1)%len(w.config.Chains)], nil
		}
	}
	return w.config.Chains[0], nil
}

func (w *IngestWorker) strategyFor(chain subgraph.ChainConfig) IngestStrategy {
	if w.config.Strategy != StrategyAuto {
		return w.config.Strategy
	}
	if chain.SubgraphURL != "" && (chain.APIKey != "" || w.hasKey(chain)) {
		return StrategySubgraph
	}
	return StrategyRegistryAPI
}

// runSubgraph drains the chain's registration stream from the persisted
// cursor, at most subgraph.MaxPages pages per invocation.
func (w *IngestWorker) runSubgraph(ctx context.Context, chain subgraph.ChainConfig, result datatypes.RunResult) datatypes.RunResult {
	stream := RegistryStream(chain.ID)
	cursor, err := w.store.GetCursor(ctx, stream)
	if err != nil {
		return result.Fail(err)
	}
	since := cursor.Position

	for page := 0; page < subgraph.MaxPages; page++ {
		regs, err := w.source.FetchRegistrations(ctx, chain, since, w.config.PageSize)
		if err != nil {
			// Abandon the page: the cursor stays at the last fully
			// applied position and the next run refetches.
			w.persistCursor(ctx, stream, since, &result, err.Error())
			return result.Fail(fmt.Errorf("fetch registrations chain %d: %w", chain.ID, err))
		}
		if len(regs) == 0 {
			break
		}

		if err := w.applyPage(ctx, chain, regs, &result); err != nil {
			w.persistCursor(ctx, stream, since, &result, err.Error())
			return result.Fail(err)
		}

		// Entities are ordered by createdAt ascending.
		since = regs[len(regs)-1].CreatedAt
		if len(regs) < w.config.PageSize {
			break
		}
	}

	w.persistCursor(ctx, stream, since, &result, "")
	return result
}

// runRegistryAPI bulk-lists the chain's agents over offset pagination. The
// listing restarts from zero every run; content-hash gating keeps the
// common unchanged-agent path cheap.
func (w *IngestWorker) runRegistryAPI(ctx context.Context, chain subgraph.ChainConfig, result datatypes.RunResult) datatypes.RunResult {
	stream := RegistryStream(chain.ID)
	cursor, err := w.store.GetCursor(ctx, stream)
	if err != nil {
		return result.Fail(err)
	}

	offset := 0
	for page := 0; page < subgraph.MaxPages; page++ {
		regs, total, err := w.fallback.ListAgents(ctx, chain, offset, w.config.PageSize)
		if err != nil {
			w.persistCursor(ctx, stream, cursor.Position, &result, err.Error())
			return result.Fail(fmt.Errorf("list agents chain %d: %w", chain.ID, err))
		}
		if len(regs) == 0 {
			break
		}

		if err := w.applyPage(ctx, chain, regs, &result); err != nil {
			w.persistCursor(ctx, stream, cursor.Position, &result, err.Error())
			return result.Fail(err)
		}

		offset += len(regs)
		if offset >= total || len(regs) < w.config.PageSize {
			break
		}
	}

	w.persistCursor(ctx, stream, cursor.Position, &result, "")
	return result
}

// applyPage upserts one page of registrations: changed or new agents are
// re-embedded in a single batch, unchanged agents get a payload-only patch.
func (w *IngestWorker) applyPage(ctx context.Context, chain subgraph.ChainConfig, regs []subgraph.Registration, result *datatypes.RunResult) error {
	var entries []index.Entry
	var texts []string

	for i := range regs {
		result.Processed++
		rec, err := w.buildRecord(ctx, chain, &regs[i])
		if err != nil {
			// Data-integrity failure of a single item: skip it, the
			// batch continues.
			w.logger.Warn("skipping malformed registration",
				"chain", chain.ID, "source_id", regs[i].ID, "error", err.Error())
			result.Errored++
			continue
		}

		hash := contenthash.Compute(&rec)
		meta, _, err := w.store.GetMeta(ctx, rec.ID)
		if err != nil {
			return err
		}

		if meta.ContentHash == hash {
			// Semantically unchanged: patch only non-semantic fields.
			patch := map[string]any{
				"active":    rec.Active,
				"operators": rec.Operators,
				"aliases":   rec.Aliases,
			}
			if err := w.idx.PatchPayload(ctx, rec.ID, patch); err != nil {
				w.logger.Warn("payload patch failed", "agent", rec.ID.String(), "error", err.Error())
				result.Errored++
				continue
			}
			result.Skipped++
			continue
		}

		entries = append(entries, index.Entry{Record: rec})
		texts = append(texts, rec.EmbeddingText())
	}

	if len(entries) == 0 {
		return nil
	}

	vectors, err := w.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed %d agents: %w", len(texts), err)
	}
	for i := range entries {
		entries[i].Vector = vectors[i]
	}

	if err := w.idx.UpsertAgents(ctx, entries); err != nil {
		return fmt.Errorf("upsert %d agents: %w", len(entries), err)
	}

	for i := range entries {
		rec := &entries[i].Record
		if err := w.store.SetContentHash(ctx, rec.ID, contenthash.Compute(rec)); err != nil {
			return err
		}
		result.Added++
	}
	return nil
}

// buildRecord converts a source registration into the canonical record,
// overlaying any stored classification so the content hash covers the same
// fields the re-embed path hashes.
func (w *IngestWorker) buildRecord(ctx context.Context, chain subgraph.ChainConfig, reg *subgraph.Registration) (datatypes.AgentRecord, error) {
	if err := validation.ValidateTokenID(reg.TokenID); err != nil {
		return datatypes.AgentRecord{}, err
	}

	rec := datatypes.AgentRecord{
		ID:               datatypes.AgentID{ChainID: chain.ID, TokenID: reg.TokenID},
		Name:             reg.Name,
		Description:      reg.Description,
		Active:           reg.Active,
		SupportsA2A:      reg.SupportsA2A,
		SupportsMCP:      reg.SupportsMCP,
		SupportsPayments: reg.SupportsPayments,
		Operators:        reg.Operators,
		Aliases:          reg.Aliases,
		Capabilities:     reg.Capabilities,
	}

	// Endpoints are agent-supplied and untrusted. An invalid endpoint
	// drops the crawl target, not the agent.
	if reg.EndpointURL != "" {
		if err := validation.ValidateEndpointURL(reg.EndpointURL); err != nil {
			w.logger.Warn("dropping invalid capability endpoint",
				"agent", rec.ID.String(), "error", err.Error())
		} else {
			rec.CapabilityEndpoint = reg.EndpointURL
		}
	}

	if cls, ok, err := w.store.GetClassification(ctx, rec.ID); err != nil {
		return datatypes.AgentRecord{}, err
	} else if ok {
		rec.Skills = cls.SkillTags()
		rec.Domains = cls.DomainTags()
	}
	return rec, nil
}

func (w *IngestWorker) persistCursor(ctx context.Context, stream string, position int64, result *datatypes.RunResult, lastError string) {
	err := w.store.AdvanceCursor(ctx, stream, position, int64(result.Processed), int64(result.Added), lastError)
	if err != nil {
		w.logger.Error("persisting cursor failed", "stream", stream, "error", err.Error())
	}
}

var _ Worker = (*IngestWorker)(nil)
