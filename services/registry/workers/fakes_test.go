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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AgentSignalAI/AgentSignal/services/registry/datatypes"
	"github.com/AgentSignalAI/AgentSignal/services/registry/index"
	"github.com/AgentSignalAI/AgentSignal/services/registry/store"
	"github.com/AgentSignalAI/AgentSignal/services/registry/subgraph"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeIndex is an in-memory Index that applies the payload keys the
// workers actually patch.
type fakeIndex struct {
	mu      sync.Mutex
	records map[string]datatypes.AgentRecord
	vectors map[string][]float32
	patches []string // "{agentId}:{key}" audit trail

	patchErr error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		records: map[string]datatypes.AgentRecord{},
		vectors: map[string][]float32{},
	}
}

func (f *fakeIndex) EnsureSchema(context.Context) error { return nil }

func (f *fakeIndex) UpsertAgents(_ context.Context, entries []index.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range entries {
		f.records[e.Record.ID.String()] = e.Record
		f.vectors[e.Record.ID.String()] = e.Vector
	}
	return nil
}

func (f *fakeIndex) PatchPayload(_ context.Context, id datatypes.AgentID, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.patchErr != nil {
		return f.patchErr
	}

	rec := f.records[id.String()]
	rec.ID = id
	for key, value := range fields {
		f.patches = append(f.patches, id.String()+":"+key)
		switch key {
		case "active":
			rec.Active = value.(bool)
		case "skills":
			rec.Skills = value.([]string)
		case "domains":
			rec.Domains = value.([]string)
		case "reputationScore":
			rec.ReputationScore = value.(float64)
		case "trustScore":
			rec.TrustScore = value.(float64)
		}
	}
	f.records[id.String()] = rec
	return nil
}

func (f *fakeIndex) GetRecord(_ context.Context, id datatypes.AgentID) (datatypes.AgentRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id.String()]
	return rec, ok, nil
}

func (f *fakeIndex) ListCrawlCandidates(_ context.Context, limit int) ([]datatypes.AgentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []datatypes.AgentRecord
	for _, rec := range f.records {
		if rec.Active && rec.CapabilityEndpoint != "" && (rec.SupportsA2A || rec.SupportsMCP) {
			out = append(out, rec)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeIndex) patchCount(id datatypes.AgentID, key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.patches {
		if p == id.String()+":"+key {
			n++
		}
	}
	return n
}

// fakeSource serves canned pages per chain, honoring since-filtering and
// page sizes the way the real subgraph does.
type fakeSource struct {
	registrations map[uint64][]subgraph.Registration
	feedback      map[uint64][]subgraph.FeedbackEvent
	failChains    map[uint64]error

	regCalls  int
	feedCalls int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		registrations: map[uint64][]subgraph.Registration{},
		feedback:      map[uint64][]subgraph.FeedbackEvent{},
		failChains:    map[uint64]error{},
	}
}

func (f *fakeSource) FetchRegistrations(_ context.Context, chain subgraph.ChainConfig, sinceUnix int64, pageSize int) ([]subgraph.Registration, error) {
	f.regCalls++
	if err := f.failChains[chain.ID]; err != nil {
		return nil, err
	}
	var out []subgraph.Registration
	for _, r := range f.registrations[chain.ID] {
		if r.CreatedAt > sinceUnix {
			out = append(out, r)
			if len(out) == pageSize {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeSource) FetchFeedback(_ context.Context, chain subgraph.ChainConfig, sinceUnix int64, pageSize int) ([]subgraph.FeedbackEvent, error) {
	f.feedCalls++
	if err := f.failChains[chain.ID]; err != nil {
		return nil, err
	}
	var out []subgraph.FeedbackEvent
	for _, ev := range f.feedback[chain.ID] {
		if ev.CreatedAt > sinceUnix {
			out = append(out, ev)
			if len(out) == pageSize {
				break
			}
		}
	}
	return out, nil
}

// fakeEmbedder returns a fixed-dimension vector and can be told to fail.
type fakeEmbedder struct {
	calls int
	fail  bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.calls += len(texts)
	if f.fail {
		return nil, errors.New("embedding provider unavailable")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func testChains(ids ...uint64) []subgraph.ChainConfig {
	chains := make([]subgraph.ChainConfig, len(ids))
	for i, id := range ids {
		chains[i] = subgraph.ChainConfig{
			ID:          id,
			Name:        fmt.Sprintf("chain-%d", id),
			SubgraphURL: fmt.Sprintf("http://subgraph-%d.local", id),
			APIKey:      "test-key",
		}
	}
	return chains
}
