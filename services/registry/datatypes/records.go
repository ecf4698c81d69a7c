// Copyright (C) 2025 AgentSignal (dev@agentsignal.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// TaggedScore is a tag with a model confidence, used for classification
// skill and domain entries.
type TaggedScore struct {
	Tag        string  `json:"tag"`
	Confidence float64 `json:"confidence"`
}

// Classification is one row of the relational classifications table.
//
// One row per agent, insert-or-replace keyed by agent id.
type Classification struct {
	AgentID      AgentID
	Skills       []TaggedScore
	Domains      []TaggedScore
	Confidence   float64
	ModelVersion string
	ClassifiedAt time.Time
}

// SkillTags returns the bare skill slugs, dropping confidences.
func (c *Classification) SkillTags() []string {
	return tagNames(c.Skills)
}

// DomainTags returns the bare domain slugs, dropping confidences.
func (c *Classification) DomainTags() []string {
	return tagNames(c.Domains)
}

func tagNames(scores []TaggedScore) []string {
	if len(scores) == 0 {
		return nil
	}
	names := make([]string, len(scores))
	for i, s := range scores {
		names[i] = s.Tag
	}
	return names
}

// Feedback is one append-only row of the relational feedback table.
//
// Rows are immutable once inserted; SourceID is the externally provided
// dedup key that guarantees at-most-once insertion under replay.
type Feedback struct {
	AgentID     AgentID
	Score       int64
	Tags        []string
	Context     string
	Submitter   string
	SourceID    string
	SubmittedAt time.Time
}

// Score bucket thresholds. A score below BucketLowMax is low, a score of
// BucketHighMin or above is high, everything between is medium.
const (
	BucketLowMax  = 40
	BucketHighMin = 80
)

// Reputation is the derived per-agent reputation aggregate.
//
// Recomputed incrementally on each feedback insert inside the same
// transaction; never bulk-recomputed in the write path.
type Reputation struct {
	AgentID      AgentID
	Count        int64
	AverageScore float64
	LowCount     int64
	MediumCount  int64
	HighCount    int64
	UpdatedAt    time.Time
}

// Apply folds a single new score into the aggregate.
func (r *Reputation) Apply(score int64, at time.Time) {
	r.AverageScore = (r.AverageScore*float64(r.Count) + float64(score)) / float64(r.Count+1)
	r.Count++
	switch {
	case score < BucketLowMax:
		r.LowCount++
	case score >= BucketHighMin:
		r.HighCount++
	default:
		r.MediumCount++
	}
	r.UpdatedAt = at
}

// TrustScore is a per-agent trust value on a 0..1 native scale, written by
// an upstream scoring pipeline and propagated to the index as 0..100.
type TrustScore struct {
	AgentID   AgentID
	Score     float64
	UpdatedAt time.Time
}

// SyncCursor is one row of the cursor table, keyed by logical stream name
// (e.g. "feedback:chain:1" or the registry round-robin pointer).
//
// Position is monotonic: the store refuses to move it backwards. It is the
// sole replay-prevention mechanism for at-least-once source delivery.
type SyncCursor struct {
	Stream     string
	Position   int64
	ItemsSeen  int64
	ItemsAdded int64
	LastError  string
	UpdatedAt  time.Time
}

// AgentSyncMeta is the per-agent synchronization bookkeeping row.
//
// NeedsReembed doubles as the re-embedding queue: any row with the flag set
// is a queue entry, dequeued by scan and cleared per agent after a
// successful re-embed.
type AgentSyncMeta struct {
	AgentID              AgentID
	ContentHash          string
	ClassificationSynced time.Time
	ReputationSynced     time.Time
	NeedsReembed         bool
	ReembedRequestedAt   time.Time
	LastReconciledAt     time.Time
}
