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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AgentSignalAI/AgentSignal/services/registry/contenthash"
	"github.com/AgentSignalAI/AgentSignal/services/registry/datatypes"
	"github.com/AgentSignalAI/AgentSignal/services/registry/index"
	"github.com/AgentSignalAI/AgentSignal/services/registry/store"
)

func reconcileFixture(t *testing.T) (*ReconcileWorker, *fakeIndex, *store.Store) {
	t.Helper()
	st := openTestStore(t)
	idx := newFakeIndex()
	return NewReconcileWorker(st, idx, 10, slog.Default()), idx, st
}

// seedAgent puts an agent in both stores with a consistent content hash.
func seedAgent(t *testing.T, st *store.Store, idx *fakeIndex, rec datatypes.AgentRecord) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, idx.UpsertAgents(ctx, []index.Entry{{Record: rec}}))
	require.NoError(t, st.SetContentHash(ctx, rec.ID, contenthash.Compute(&rec)))
}

func TestReconcileHealsReputationDrift(t *testing.T) {
	ctx := context.Background()
	w, idx, st := reconcileFixture(t)

	agent := datatypes.AgentID{ChainID: 1, TokenID: "7"}
	seedAgent(t, st, idx, datatypes.AgentRecord{ID: agent, Name: "alpha", ReputationScore: 10})

	// The relational truth moved but the index patch was lost.
	_, err := st.ApplyFeedback(ctx, datatypes.Feedback{
		AgentID: agent, Score: 90, SourceID: "ev-1", SubmittedAt: time.Unix(1000, 0),
	})
	require.NoError(t, err)

	result := w.Run(ctx)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, 1, result.Added, "drifted agent healed")

	rec, _, err := idx.GetRecord(ctx, agent)
	require.NoError(t, err)
	assert.InDelta(t, 90.0, rec.ReputationScore, 1e-9)
}

func TestReconcileInSyncAgentUntouched(t *testing.T) {
	ctx := context.Background()
	w, idx, st := reconcileFixture(t)

	agent := datatypes.AgentID{ChainID: 1, TokenID: "7"}
	seedAgent(t, st, idx, datatypes.AgentRecord{ID: agent, Name: "alpha"})

	result := w.Run(ctx)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, result.Added)
	assert.Empty(t, idx.patches)
}

func TestReconcileMarksStaleContentHash(t *testing.T) {
	ctx := context.Background()
	w, idx, st := reconcileFixture(t)

	agent := datatypes.AgentID{ChainID: 1, TokenID: "7"}
	rec := datatypes.AgentRecord{ID: agent, Name: "alpha", Description: "old"}
	seedAgent(t, st, idx, rec)

	// The index payload changed semantically without a hash update.
	rec.Description = "new"
	require.NoError(t, idx.UpsertAgents(ctx, []index.Entry{{Record: rec}}))

	result := w.Run(ctx)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, 1, result.Added)

	ids, err := st.ListNeedsReembed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, agent, ids[0])
}

func TestReconcileClearsOrphanedFlag(t *testing.T) {
	ctx := context.Background()
	w, idx, st := reconcileFixture(t)

	agent := datatypes.AgentID{ChainID: 1, TokenID: "7"}
	seedAgent(t, st, idx, datatypes.AgentRecord{ID: agent, Name: "alpha"})

	// Flag set although the embedding already matches the content.
	_, err := st.MarkNeedsReembed(ctx, agent)
	require.NoError(t, err)

	result := w.Run(ctx)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, 1, result.Added)

	ids, err := st.ListNeedsReembed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ids, "orphaned flag cleared")
}

func TestReconcileNeverCreatesIndexEntries(t *testing.T) {
	ctx := context.Background()
	w, idx, st := reconcileFixture(t)

	// Known relationally, absent from the index.
	agent := datatypes.AgentID{ChainID: 1, TokenID: "7"}
	require.NoError(t, st.SetContentHash(ctx, agent, "h1"))

	result := w.Run(ctx)
	require.True(t, result.Success, result.Error)
	assert.Zero(t, result.Added)

	_, found, err := idx.GetRecord(ctx, agent)
	require.NoError(t, err)
	assert.False(t, found, "creation belongs to ingestion, not reconciliation")
}

func TestReconcileSamplesOldestFirstAndAdvances(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	idx := newFakeIndex()
	w := NewReconcileWorker(st, idx, 1, slog.Default())

	a := datatypes.AgentRecord{ID: datatypes.AgentID{ChainID: 1, TokenID: "1"}, Name: "a"}
	b := datatypes.AgentRecord{ID: datatypes.AgentID{ChainID: 1, TokenID: "2"}, Name: "b"}
	seedAgent(t, st, idx, a)
	seedAgent(t, st, idx, b)
	require.NoError(t, st.TouchReconciled(ctx, b.ID, time.Unix(1000, 0)))

	// Sample size 1: the never-reconciled agent goes first, then the
	// other one on the following run.
	result := w.Run(ctx)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, 1, result.Processed)

	meta, _, err := st.GetMeta(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, meta.LastReconciledAt.IsZero(), "agent a was visited first")
}
