// Copyright (C) 2025 AgentSignal (dev@agentsignal.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store is the relational cache behind the sync engine: the single
// source of truth for sync cursors, dedup keys, classifications, feedback,
// reputation aggregates and per-agent sync metadata.
//
// Backed by SQLite. All idempotent writes use INSERT ... ON CONFLICT DO
// UPDATE so re-running a worker with identical source data is a no-op.
// Each worker owns a disjoint set of tables/columns, so there is no write
// contention between workers beyond SQLite's own serialization.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/AgentSignalAI/AgentSignal/services/registry/datatypes"
)

// schema is applied on open. Timestamps are unix seconds.
const schema = `
CREATE TABLE IF NOT EXISTS classifications (
	agent_id      TEXT PRIMARY KEY,
	skills        TEXT NOT NULL DEFAULT '[]',
	domains       TEXT NOT NULL DEFAULT '[]',
	confidence    REAL NOT NULL DEFAULT 0,
	model_version TEXT NOT NULL DEFAULT '',
	classified_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS feedback (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id     TEXT NOT NULL,
	chain_id     INTEGER NOT NULL,
	score        INTEGER NOT NULL,
	tags         TEXT NOT NULL DEFAULT '',
	context      TEXT NOT NULL DEFAULT '',
	submitter    TEXT NOT NULL DEFAULT '',
	source_id    TEXT NOT NULL UNIQUE,
	submitted_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_agent ON feedback(agent_id);

CREATE TABLE IF NOT EXISTS reputation (
	agent_id      TEXT PRIMARY KEY,
	feedback_count INTEGER NOT NULL DEFAULT 0,
	average_score REAL NOT NULL DEFAULT 0,
	low_count     INTEGER NOT NULL DEFAULT 0,
	medium_count  INTEGER NOT NULL DEFAULT 0,
	high_count    INTEGER NOT NULL DEFAULT 0,
	updated_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trust_scores (
	agent_id   TEXT PRIMARY KEY,
	score      REAL NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_cursors (
	stream      TEXT PRIMARY KEY,
	position    INTEGER NOT NULL DEFAULT 0,
	items_seen  INTEGER NOT NULL DEFAULT 0,
	items_added INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT '',
	updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_sync_meta (
	agent_id                 TEXT PRIMARY KEY,
	content_hash             TEXT NOT NULL DEFAULT '',
	classification_synced_at INTEGER NOT NULL DEFAULT 0,
	reputation_synced_at     INTEGER NOT NULL DEFAULT 0,
	needs_reembed            INTEGER NOT NULL DEFAULT 0,
	reembed_requested_at     INTEGER NOT NULL DEFAULT 0,
	last_reconciled_at       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_meta_reembed ON agent_sync_meta(needs_reembed, reembed_requested_at);
`

// Store wraps the SQLite database.
//
// Thread Safety: Safe for concurrent use; SQLite serializes writers.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{
		db:     db,
		logger: logger.With(slog.String("component", "store")),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for integration tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// =============================================================================
// Sync cursors
// =============================================================================

// GetCursor returns the cursor row for a stream. A stream that was never
// written returns a zero cursor, not an error.
func (s *Store) GetCursor(ctx context.Context, stream string) (datatypes.SyncCursor, error) {
	cursor := datatypes.SyncCursor{Stream: stream}
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT position, items_seen, items_added, last_error, updated_at
		 FROM sync_cursors WHERE stream = ?`, stream).
		Scan(&cursor.Position, &cursor.ItemsSeen, &cursor.ItemsAdded, &cursor.LastError, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cursor, nil
	}
	if err != nil {
		return cursor, fmt.Errorf("get cursor %q: %w", stream, err)
	}
	cursor.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return cursor, nil
}

// AdvanceCursor moves a stream cursor forward and folds counter deltas in.
//
// The position is monotonic: an attempt to move it backwards keeps the
// stored value (max of stored and offered). lastError replaces the stored
// error string; pass "" on a clean run.
func (s *Store) AdvanceCursor(ctx context.Context, stream string, position, seenDelta, addedDelta int64, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (stream, position, items_seen, items_added, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(stream) DO UPDATE SET
			position    = MAX(position, excluded.position),
			items_seen  = items_seen + excluded.items_seen,
			items_added = items_added + excluded.items_added,
			last_error  = excluded.last_error,
			updated_at  = excluded.updated_at`,
		stream, position, seenDelta, addedDelta, lastError, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("advance cursor %q: %w", stream, err)
	}
	return nil
}

// SetPointer unconditionally sets a stream's position. Only the round-robin
// chain pointer uses this: the pointer wraps from the last chain back to
// the first, which is exactly the regression AdvanceCursor refuses.
func (s *Store) SetPointer(ctx context.Context, stream string, position int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (stream, position, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(stream) DO UPDATE SET
			position   = excluded.position,
			updated_at = excluded.updated_at`,
		stream, position, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set pointer %q: %w", stream, err)
	}
	return nil
}

// =============================================================================
// Agent sync metadata
// =============================================================================

// GetMeta returns the sync metadata row for an agent.
//
// Outputs:
//
//	datatypes.AgentSyncMeta - The row, zero-valued when absent.
//	bool - Whether a row exists.
//	error - Non-nil on query failure.
func (s *Store) GetMeta(ctx context.Context, agentID datatypes.AgentID) (datatypes.AgentSyncMeta, bool, error) {
	meta := datatypes.AgentSyncMeta{AgentID: agentID}
	var classSynced, repSynced, needsReembed, requestedAt, reconciledAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT content_hash, classification_synced_at, reputation_synced_at,
		        needs_reembed, reembed_requested_at, last_reconciled_at
		 FROM agent_sync_meta WHERE agent_id = ?`, agentID.String()).
		Scan(&meta.ContentHash, &classSynced, &repSynced, &needsReembed, &requestedAt, &reconciledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return meta, false, nil
	}
	if err != nil {
		return meta, false, fmt.Errorf("get meta for %s: %w", agentID, err)
	}
	meta.ClassificationSynced = unixOrZero(classSynced)
	meta.ReputationSynced = unixOrZero(repSynced)
	meta.NeedsReembed = needsReembed != 0
	meta.ReembedRequestedAt = unixOrZero(requestedAt)
	meta.LastReconciledAt = unixOrZero(reconciledAt)
	return meta, true, nil
}

// SetContentHash records the hash of the agent's last-embedded fields.
func (s *Store) SetContentHash(ctx context.Context, agentID datatypes.AgentID, hash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_sync_meta (agent_id, content_hash)
		VALUES (?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET content_hash = excluded.content_hash`,
		agentID.String(), hash)
	if err != nil {
		return fmt.Errorf("set content hash for %s: %w", agentID, err)
	}
	return nil
}

// MarkNeedsReembed flags an agent for the re-embedding queue.
//
// Outputs:
//
//	bool - True when the agent was newly marked; false if the flag was
//	       already set (the request timestamp is not refreshed then, so
//	       the queue stays ordered by first request).
//	error - Non-nil on write failure.
func (s *Store) MarkNeedsReembed(ctx context.Context, agentID datatypes.AgentID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_sync_meta (agent_id, needs_reembed, reembed_requested_at)
		VALUES (?, 1, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			needs_reembed = 1,
			reembed_requested_at = excluded.reembed_requested_at
		WHERE agent_sync_meta.needs_reembed = 0`,
		agentID.String(), time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("mark needs_reembed for %s: %w", agentID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ClearNeedsReembed clears the flag after a successful re-embed. The clear
// is atomic per agent: only the flagged row is touched.
func (s *Store) ClearNeedsReembed(ctx context.Context, agentID datatypes.AgentID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_sync_meta SET needs_reembed = 0 WHERE agent_id = ? AND needs_reembed = 1`,
		agentID.String())
	if err != nil {
		return fmt.Errorf("clear needs_reembed for %s: %w", agentID, err)
	}
	return nil
}

// ListNeedsReembed returns up to limit flagged agents, stalest request
// first. This is the re-embedding queue's dequeue scan.
func (s *Store) ListNeedsReembed(ctx context.Context, limit int) ([]datatypes.AgentID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id FROM agent_sync_meta
		WHERE needs_reembed = 1
		ORDER BY reembed_requested_at ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list needs_reembed: %w", err)
	}
	defer rows.Close()

	var ids []datatypes.AgentID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := datatypes.ParseAgentID(raw)
		if err != nil {
			s.logger.Warn("skipping malformed agent id in sync meta", "agent_id", raw)
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkClassificationSynced records when classification fields were last
// propagated to the index for this agent.
func (s *Store) MarkClassificationSynced(ctx context.Context, agentID datatypes.AgentID, at time.Time) error {
	return s.setMetaTimestamp(ctx, agentID, "classification_synced_at", at)
}

// MarkReputationSynced records when reputation fields were last propagated
// to the index for this agent.
func (s *Store) MarkReputationSynced(ctx context.Context, agentID datatypes.AgentID, at time.Time) error {
	return s.setMetaTimestamp(ctx, agentID, "reputation_synced_at", at)
}

// AgentsForReconciliation returns up to limit agents ordered oldest
// reconciliation first (never-reconciled agents lead). This is the
// deterministic, fair sampling policy of the reconciliation worker.
func (s *Store) AgentsForReconciliation(ctx context.Context, limit int) ([]datatypes.AgentID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id FROM agent_sync_meta
		ORDER BY last_reconciled_at ASC, agent_id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list reconciliation sample: %w", err)
	}
	defer rows.Close()

	var ids []datatypes.AgentID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := datatypes.ParseAgentID(raw)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TouchReconciled stamps an agent as reconciled now.
func (s *Store) TouchReconciled(ctx context.Context, agentID datatypes.AgentID, at time.Time) error {
	return s.setMetaTimestamp(ctx, agentID, "last_reconciled_at", at)
}

func (s *Store) setMetaTimestamp(ctx context.Context, agentID datatypes.AgentID, column string, at time.Time) error {
	// column comes from a fixed call-site set, never user input.
	query := fmt.Sprintf(`
		INSERT INTO agent_sync_meta (agent_id, %s) VALUES (?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET %s = excluded.%s`, column, column, column)
	if _, err := s.db.ExecContext(ctx, query, agentID.String(), at.Unix()); err != nil {
		return fmt.Errorf("set %s for %s: %w", column, agentID, err)
	}
	return nil
}

func unixOrZero(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}
