// Copyright (C) 2025 AgentSignal (dev@agentsignal.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AgentSignalAI/AgentSignal/services/registry/datatypes"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var agentA = datatypes.AgentID{ChainID: 1, TokenID: "7"}

func TestCursorMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cursor, err := s.GetCursor(ctx, "feedback:chain:1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), cursor.Position, "unseen stream starts at zero")

	require.NoError(t, s.AdvanceCursor(ctx, "feedback:chain:1", 1700000100, 10, 8, ""))
	require.NoError(t, s.AdvanceCursor(ctx, "feedback:chain:1", 1700000050, 5, 2, ""))

	cursor, err = s.GetCursor(ctx, "feedback:chain:1")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000100), cursor.Position, "cursor must never regress")
	assert.Equal(t, int64(15), cursor.ItemsSeen, "counters accumulate")
	assert.Equal(t, int64(10), cursor.ItemsAdded)
}

func TestCursorRecordsError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AdvanceCursor(ctx, "registry:chain:1", 100, 3, 3, "subgraph query failed: status 502"))
	cursor, err := s.GetCursor(ctx, "registry:chain:1")
	require.NoError(t, err)
	assert.Equal(t, "subgraph query failed: status 502", cursor.LastError)

	require.NoError(t, s.AdvanceCursor(ctx, "registry:chain:1", 200, 1, 1, ""))
	cursor, _ = s.GetCursor(ctx, "registry:chain:1")
	assert.Empty(t, cursor.LastError, "clean run clears the stored error")
}

func TestSetPointerAllowsWrapAround(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetPointer(ctx, "registry:last_chain", 42161))
	require.NoError(t, s.SetPointer(ctx, "registry:last_chain", 1))

	cursor, err := s.GetCursor(ctx, "registry:last_chain")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cursor.Position)
}

func TestApplyFeedbackDedup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	f := datatypes.Feedback{
		AgentID:     agentA,
		Score:       90,
		Tags:        []string{"reachable"},
		SourceID:    "1-0xaa-3",
		SubmittedAt: time.Unix(1700000100, 0),
	}

	inserted, err := s.ApplyFeedback(ctx, f)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Simulated replay of the same source event.
	inserted, err = s.ApplyFeedback(ctx, f)
	require.NoError(t, err)
	assert.False(t, inserted, "replayed event must not insert")

	count, err := s.FeedbackCount(ctx, agentA)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	rep, ok, err := s.GetReputation(ctx, agentA)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), rep.Count, "replay must not increment reputation")
}

func TestReputationIncrementalCorrectness(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	scores := []int64{10, 55, 80, 100, 39}
	for i, score := range scores {
		_, err := s.ApplyFeedback(ctx, datatypes.Feedback{
			AgentID:     agentA,
			Score:       score,
			SourceID:    string(rune('a' + i)),
			SubmittedAt: time.Unix(1700000000+int64(i), 0),
		})
		require.NoError(t, err)
	}

	rep, ok, err := s.GetReputation(ctx, agentA)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, int64(len(scores)), rep.Count)
	assert.InDelta(t, 56.8, rep.AverageScore, 1e-9, "average must equal arithmetic mean")
	assert.Equal(t, int64(2), rep.LowCount)    // 10, 39
	assert.Equal(t, int64(1), rep.MediumCount) // 55
	assert.Equal(t, int64(2), rep.HighCount)   // 80, 100
	assert.Equal(t, rep.Count, rep.LowCount+rep.MediumCount+rep.HighCount, "buckets sum to count")

	dbCount, _ := s.FeedbackCount(ctx, agentA)
	assert.Equal(t, rep.Count, dbCount, "aggregate count matches feedback rows")
}

func TestClassificationUpsertAndSince(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c := datatypes.Classification{
		AgentID:      agentA,
		Skills:       []datatypes.TaggedScore{{Tag: "defi", Confidence: 0.92}},
		Domains:      []datatypes.TaggedScore{{Tag: "trading", Confidence: 0.81}},
		Confidence:   0.88,
		ModelVersion: "clf-v3",
		ClassifiedAt: time.Unix(1700000500, 0),
	}
	require.NoError(t, s.UpsertClassification(ctx, c))

	// Replace in place.
	c.Skills = append(c.Skills, datatypes.TaggedScore{Tag: "oracles", Confidence: 0.7})
	c.ClassifiedAt = time.Unix(1700000600, 0)
	require.NoError(t, s.UpsertClassification(ctx, c))

	got, ok, err := s.GetClassification(ctx, agentA)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, got.Skills, 2)
	assert.Equal(t, []string{"defi", "oracles"}, got.SkillTags())

	since, err := s.ClassificationsSince(ctx, time.Unix(1700000550, 0))
	require.NoError(t, err)
	assert.Len(t, since, 1)

	since, err = s.ClassificationsSince(ctx, time.Unix(1700000600, 0))
	require.NoError(t, err)
	assert.Empty(t, since, "strictly-newer filter excludes the cursor instant")
}

func TestClassificationMalformedJSONDoesNotAbort(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.DB().Exec(`
		INSERT INTO classifications (agent_id, skills, domains, confidence, model_version, classified_at)
		VALUES ('1:9', '{not json', '[]', 0.5, 'clf-v3', 1700000700)`)
	require.NoError(t, err)
	require.NoError(t, s.UpsertClassification(ctx, datatypes.Classification{
		AgentID:      agentA,
		Skills:       []datatypes.TaggedScore{{Tag: "defi", Confidence: 0.9}},
		ClassifiedAt: time.Unix(1700000800, 0),
	}))

	rows, err := s.ClassificationsSince(ctx, time.Unix(0, 0))
	require.NoError(t, err)
	require.Len(t, rows, 2, "malformed row is returned, not dropped")
	assert.Empty(t, rows[0].Skills, "malformed skills treated as empty")
	assert.NotEmpty(t, rows[1].Skills)
}

func TestNeedsReembedQueue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	agentB := datatypes.AgentID{ChainID: 1, TokenID: "8"}

	newly, err := s.MarkNeedsReembed(ctx, agentA)
	require.NoError(t, err)
	assert.True(t, newly)

	newly, err = s.MarkNeedsReembed(ctx, agentA)
	require.NoError(t, err)
	assert.False(t, newly, "already-flagged agent is not newly marked")

	_, err = s.MarkNeedsReembed(ctx, agentB)
	require.NoError(t, err)

	ids, err := s.ListNeedsReembed(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	require.NoError(t, s.ClearNeedsReembed(ctx, agentA))
	ids, err = s.ListNeedsReembed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, agentB, ids[0])
}

func TestContentHashRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	meta, ok, err := s.GetMeta(ctx, agentA)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, meta.ContentHash)

	require.NoError(t, s.SetContentHash(ctx, agentA, "abc123"))
	meta, ok, err = s.GetMeta(ctx, agentA)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc123", meta.ContentHash)
	assert.False(t, meta.NeedsReembed)
}

func TestReconciliationSampleOldestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	agentB := datatypes.AgentID{ChainID: 1, TokenID: "8"}
	agentC := datatypes.AgentID{ChainID: 2, TokenID: "1"}

	require.NoError(t, s.SetContentHash(ctx, agentA, "h1"))
	require.NoError(t, s.SetContentHash(ctx, agentB, "h2"))
	require.NoError(t, s.SetContentHash(ctx, agentC, "h3"))

	require.NoError(t, s.TouchReconciled(ctx, agentA, time.Unix(1700001000, 0)))
	require.NoError(t, s.TouchReconciled(ctx, agentB, time.Unix(1700002000, 0)))
	// agentC never reconciled: leads the sample.

	ids, err := s.AgentsForReconciliation(ctx, 2)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, agentC, ids[0])
	assert.Equal(t, agentA, ids[1])
}

func TestTrustScoresSince(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertTrustScore(ctx, datatypes.TrustScore{
		AgentID: agentA, Score: 0.73, UpdatedAt: time.Unix(1700003000, 0),
	}))

	scores, err := s.TrustScoresSince(ctx, time.Unix(1700002000, 0))
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.InDelta(t, 0.73, scores[0].Score, 1e-9)

	scores, err = s.TrustScoresSince(ctx, time.Unix(1700003000, 0))
	require.NoError(t, err)
	assert.Empty(t, scores)
}
