// Copyright (C) 2025 AgentSignal (dev@agentsignal.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AgentSignalAI/AgentSignal/services/registry/datatypes"
)

// =============================================================================
// Classifications
// =============================================================================

// UpsertClassification inserts or replaces an agent's classification row.
func (s *Store) UpsertClassification(ctx context.Context, c datatypes.Classification) error {
	skills, err := json.Marshal(c.Skills)
	if err != nil {
		return fmt.Errorf("marshal skills: %w", err)
	}
	domains, err := json.Marshal(c.Domains)
	if err != nil {
		return fmt.Errorf("marshal domains: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO classifications (agent_id, skills, domains, confidence, model_version, classified_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			skills        = excluded.skills,
			domains       = excluded.domains,
			confidence    = excluded.confidence,
			model_version = excluded.model_version,
			classified_at = excluded.classified_at`,
		c.AgentID.String(), string(skills), string(domains), c.Confidence, c.ModelVersion, c.ClassifiedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert classification for %s: %w", c.AgentID, err)
	}
	return nil
}

// GetClassification returns an agent's classification row.
func (s *Store) GetClassification(ctx context.Context, agentID datatypes.AgentID) (datatypes.Classification, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, skills, domains, confidence, model_version, classified_at
		FROM classifications WHERE agent_id = ?`, agentID.String())
	c, err := s.scanClassification(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return datatypes.Classification{}, false, nil
	}
	if err != nil {
		return datatypes.Classification{}, false, err
	}
	return c, true, nil
}

// ClassificationsSince returns classification rows updated strictly after
// the cursor timestamp, oldest first.
//
// Malformed stored skill/domain JSON does not abort the batch: the row is
// returned with the affected list empty and a warning is logged.
func (s *Store) ClassificationsSince(ctx context.Context, since time.Time) ([]datatypes.Classification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, skills, domains, confidence, model_version, classified_at
		FROM classifications WHERE classified_at > ?
		ORDER BY classified_at ASC`, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("list classifications since %d: %w", since.Unix(), err)
	}
	defer rows.Close()

	var out []datatypes.Classification
	for rows.Next() {
		c, err := s.scanClassification(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) scanClassification(scan func(...any) error) (datatypes.Classification, error) {
	var c datatypes.Classification
	var rawID, skillsJSON, domainsJSON string
	var classifiedAt int64
	if err := scan(&rawID, &skillsJSON, &domainsJSON, &c.Confidence, &c.ModelVersion, &classifiedAt); err != nil {
		return c, err
	}

	id, err := datatypes.ParseAgentID(rawID)
	if err != nil {
		return c, fmt.Errorf("classification row has malformed agent id %q: %w", rawID, err)
	}
	c.AgentID = id
	c.ClassifiedAt = time.Unix(classifiedAt, 0).UTC()

	if err := json.Unmarshal([]byte(skillsJSON), &c.Skills); err != nil {
		s.logger.Warn("malformed skills json, treating as empty", "agent_id", rawID, "error", err.Error())
		c.Skills = nil
	}
	if err := json.Unmarshal([]byte(domainsJSON), &c.Domains); err != nil {
		s.logger.Warn("malformed domains json, treating as empty", "agent_id", rawID, "error", err.Error())
		c.Domains = nil
	}
	return c, nil
}

// =============================================================================
// Trust scores
// =============================================================================

// UpsertTrustScore inserts or replaces an agent's trust score (0..1 native
// scale).
func (s *Store) UpsertTrustScore(ctx context.Context, t datatypes.TrustScore) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trust_scores (agent_id, score, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			score      = excluded.score,
			updated_at = excluded.updated_at`,
		t.AgentID.String(), t.Score, t.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert trust score for %s: %w", t.AgentID, err)
	}
	return nil
}

// TrustScoresSince returns trust rows updated strictly after the cursor
// timestamp, oldest first.
func (s *Store) TrustScoresSince(ctx context.Context, since time.Time) ([]datatypes.TrustScore, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, score, updated_at FROM trust_scores
		WHERE updated_at > ? ORDER BY updated_at ASC`, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("list trust scores since %d: %w", since.Unix(), err)
	}
	defer rows.Close()

	var out []datatypes.TrustScore
	for rows.Next() {
		var t datatypes.TrustScore
		var rawID string
		var updatedAt int64
		if err := rows.Scan(&rawID, &t.Score, &updatedAt); err != nil {
			return nil, err
		}
		id, err := datatypes.ParseAgentID(rawID)
		if err != nil {
			continue
		}
		t.AgentID = id
		t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTrustScore fetches one agent's trust score. The second return is false
// when the agent has no trust row.
func (s *Store) GetTrustScore(ctx context.Context, agentID datatypes.AgentID) (datatypes.TrustScore, bool, error) {
	t := datatypes.TrustScore{AgentID: agentID}
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT score, updated_at FROM trust_scores WHERE agent_id = ?`,
		agentID.String()).Scan(&t.Score, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, false, nil
	}
	if err != nil {
		return t, false, fmt.Errorf("get trust score for %s: %w", agentID, err)
	}
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return t, true, nil
}

// =============================================================================
// Feedback and reputation
// =============================================================================

// ApplyFeedback inserts a feedback row and folds it into the agent's
// reputation aggregate in one transaction.
//
// The insert is idempotent on the source dedup key: replaying an event
// yields no new row and no reputation change.
//
// Outputs:
//
//	bool - True when the row was newly inserted; false on a dedup hit.
//	error - Non-nil on storage failure (the transaction is rolled back).
func (s *Store) ApplyFeedback(ctx context.Context, f datatypes.Feedback) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin feedback tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO feedback (agent_id, chain_id, score, tags, context, submitter, source_id, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id) DO NOTHING`,
		f.AgentID.String(), f.AgentID.ChainID, f.Score, strings.Join(f.Tags, ","),
		f.Context, f.Submitter, f.SourceID, f.SubmittedAt.Unix())
	if err != nil {
		return false, fmt.Errorf("insert feedback %q: %w", f.SourceID, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if inserted == 0 {
		// Dedup hit: nothing to aggregate, nothing to commit.
		return false, nil
	}

	rep, err := s.reputationForUpdate(ctx, tx, f.AgentID)
	if err != nil {
		return false, err
	}
	rep.Apply(f.Score, time.Now().UTC())

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reputation (agent_id, feedback_count, average_score, low_count, medium_count, high_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			feedback_count = excluded.feedback_count,
			average_score  = excluded.average_score,
			low_count      = excluded.low_count,
			medium_count   = excluded.medium_count,
			high_count     = excluded.high_count,
			updated_at     = excluded.updated_at`,
		rep.AgentID.String(), rep.Count, rep.AverageScore, rep.LowCount, rep.MediumCount, rep.HighCount, rep.UpdatedAt.Unix())
	if err != nil {
		return false, fmt.Errorf("upsert reputation for %s: %w", f.AgentID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit feedback tx: %w", err)
	}
	return true, nil
}

// reputationForUpdate reads the aggregate inside the transaction, returning
// a zeroed aggregate for a first-feedback agent.
func (s *Store) reputationForUpdate(ctx context.Context, tx *sql.Tx, agentID datatypes.AgentID) (datatypes.Reputation, error) {
	rep := datatypes.Reputation{AgentID: agentID}
	var updatedAt int64
	err := tx.QueryRowContext(ctx, `
		SELECT feedback_count, average_score, low_count, medium_count, high_count, updated_at
		FROM reputation WHERE agent_id = ?`, agentID.String()).
		Scan(&rep.Count, &rep.AverageScore, &rep.LowCount, &rep.MediumCount, &rep.HighCount, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rep, nil
	}
	if err != nil {
		return rep, fmt.Errorf("read reputation for %s: %w", agentID, err)
	}
	rep.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return rep, nil
}

// GetReputation returns an agent's reputation aggregate.
func (s *Store) GetReputation(ctx context.Context, agentID datatypes.AgentID) (datatypes.Reputation, bool, error) {
	rep := datatypes.Reputation{AgentID: agentID}
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT feedback_count, average_score, low_count, medium_count, high_count, updated_at
		FROM reputation WHERE agent_id = ?`, agentID.String()).
		Scan(&rep.Count, &rep.AverageScore, &rep.LowCount, &rep.MediumCount, &rep.HighCount, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rep, false, nil
	}
	if err != nil {
		return rep, false, fmt.Errorf("get reputation for %s: %w", agentID, err)
	}
	rep.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return rep, true, nil
}

// ReputationsSince returns aggregates updated strictly after the cursor
// timestamp, oldest first.
func (s *Store) ReputationsSince(ctx context.Context, since time.Time) ([]datatypes.Reputation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, feedback_count, average_score, low_count, medium_count, high_count, updated_at
		FROM reputation WHERE updated_at > ? ORDER BY updated_at ASC`, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("list reputations since %d: %w", since.Unix(), err)
	}
	defer rows.Close()

	var out []datatypes.Reputation
	for rows.Next() {
		var rep datatypes.Reputation
		var rawID string
		var updatedAt int64
		if err := rows.Scan(&rawID, &rep.Count, &rep.AverageScore, &rep.LowCount, &rep.MediumCount, &rep.HighCount, &updatedAt); err != nil {
			return nil, err
		}
		id, err := datatypes.ParseAgentID(rawID)
		if err != nil {
			continue
		}
		rep.AgentID = id
		rep.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		out = append(out, rep)
	}
	return out, rows.Err()
}

// FeedbackCount returns the number of stored feedback rows for an agent.
func (s *Store) FeedbackCount(ctx context.Context, agentID datatypes.AgentID) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM feedback WHERE agent_id = ?`, agentID.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count feedback for %s: %w", agentID, err)
	}
	return n, nil
}
