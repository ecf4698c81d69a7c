// Copyright (C) 2025 AgentSignal (dev@agentsignal.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package workers contains the scheduled synchronization workers that keep
// the relational store and the vector index convergent with the external
// registry source.
//
// Workers never call each other. They communicate only through the
// relational store's cursors and flags, which is what makes partial failure
// and restart safe: any worker can die mid-run and the next invocation picks
// up from the last fully-processed item.
//
// Every worker returns a RunResult instead of raising: expected failure
// classes (upstream errors, malformed items, unreachable endpoints) are
// folded into the result's counters and error string. Only missing required
// configuration surfaces as a constructor error.
package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/AgentSignalAI/AgentSignal/services/registry/datatypes"
	"github.com/AgentSignalAI/AgentSignal/services/registry/subgraph"
)

// Worker is the entry point the scheduler and the admin API invoke.
type Worker interface {
	// Name identifies the worker in cursors, logs and metrics.
	Name() string

	// Run executes one full invocation and reports the outcome.
	Run(ctx context.Context) datatypes.RunResult
}

// Cursor stream names. Each worker owns a disjoint set of streams.
const (
	// StreamChainPointer is the registry round-robin pointer. It stores the
	// id of the last chain processed, not a timestamp, so it is written
	// with SetPointer rather than AdvanceCursor.
	StreamChainPointer = "registry:last_chain"

	// StreamRelSync is the single last-applied timestamp cursor for the
	// relational-to-index sync worker.
	StreamRelSync = "relsync:last_applied"
)

// RegistryStream is the per-chain registration cursor stream.
func RegistryStream(chainID uint64) string {
	return fmt.Sprintf("registry:chain:%d", chainID)
}

// FeedbackStream is the per-chain feedback cursor stream.
func FeedbackStream(chainID uint64) string {
	return fmt.Sprintf("feedback:chain:%d", chainID)
}

// Source is the paginated external-source surface the ingest and feedback
// workers consume. *subgraph.Client implements it.
type Source interface {
	FetchRegistrations(ctx context.Context, chain subgraph.ChainConfig, sinceUnix int64, pageSize int) ([]subgraph.Registration, error)
	FetchFeedback(ctx context.Context, chain subgraph.ChainConfig, sinceUnix int64, pageSize int) ([]subgraph.FeedbackEvent, error)
}

// RegistryLister is the direct registry HTTP API surface used by the
// ingestion fallback strategy. *registryapi.Client implements it.
type RegistryLister interface {
	ListAgents(ctx context.Context, chain subgraph.ChainConfig, offset, pageSize int) ([]subgraph.Registration, int, error)
}

func newResult(worker string) datatypes.RunResult {
	return datatypes.RunResult{
		Worker:    worker,
		Success:   true,
		StartedAt: time.Now().UTC(),
	}
}

func finish(r datatypes.RunResult) datatypes.RunResult {
	r.Duration = time.Since(r.StartedAt)
	return r
}

// clampScore forces a raw feedback score into the valid [0,100] range.
func clampScore(score int64) int64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
