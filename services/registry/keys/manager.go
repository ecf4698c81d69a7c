// Copyright (C) 2025 AgentSignal (dev@agentsignal.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package keys manages API keys for the rate-limited external subgraph.
//
// The upstream enforces per-key rate limits and keys occasionally expire,
// so every subgraph call goes through the Manager: it picks a key, runs the
// operation, and on a retryable failure (rate-limit, auth, timeout
// signatures) retries the operation once per remaining candidate key.
// Non-retryable failures (malformed query) are surfaced immediately.
//
// The rotation strategy only affects which key is tried first, never the
// retry semantics.
package keys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
)

// ErrNoKeys is returned when an operation requires a key but none are
// configured. This is a configuration error and is allowed to surface past
// worker boundaries.
var ErrNoKeys = errors.New("no subgraph api keys configured")

// RetryableError is implemented by errors that represent transient upstream
// failures: timeouts, 5xx responses, and rate-limit rejections.
type RetryableError interface {
	error
	Retryable() bool
}

// Strategy selects which candidate key is tried first.
type Strategy int

const (
	// StrategyFixed always starts with the first configured key.
	StrategyFixed Strategy = iota
	// StrategyRoundRobin starts each call with the next key in sequence,
	// spreading load across keys under sustained rate limiting.
	StrategyRoundRobin
)

// Manager selects and rotates subgraph API keys.
//
// Thread Safety: Safe for concurrent use.
type Manager struct {
	keys      []string
	chainKeys map[uint64]string
	strategy  Strategy
	next      atomic.Uint64
	logger    *slog.Logger
}

// NewManager creates a key manager.
//
// Inputs:
//
//	keys - Candidate keys in preference order. May be empty when the
//	       deployment only uses the direct registry API fallback.
//	chainKeys - Optional per-chain default keys, keyed by chain id.
//	strategy - First-key selection strategy.
//	logger - Logger for rotation events. Must not be nil.
func NewManager(keys []string, chainKeys map[uint64]string, strategy Strategy, logger *slog.Logger) *Manager {
	return &Manager{
		keys:      keys,
		chainKeys: chainKeys,
		strategy:  strategy,
		logger:    logger.With(slog.String("component", "key_manager")),
	}
}

// HasKeysFor reports whether a key is usable for the given chain: the
// chain's scoped key or any global candidate. Workers use this to select
// between the subgraph and direct-API ingestion strategies. A key scoped
// to a different chain does not count — it would never be offered to this
// chain's calls.
func (m *Manager) HasKeysFor(chainID uint64) bool {
	if len(m.keys) > 0 {
		return true
	}
	_, ok := m.chainKeys[chainID]
	return ok
}

// ExecuteWithRetry runs op with a key, falling back through the remaining
// candidates on retryable failures.
//
// The candidate order is the configured key list, rotated so the
// strategy-selected key comes first. op is invoked at most once per
// candidate; the first success wins. On exhaustion the error from the
// first attempt is returned, since later attempts only ever echo the same
// upstream condition.
//
// Outputs:
//
//	error - Nil on success; ErrNoKeys if no keys are configured; the
//	        original failure otherwise.
func (m *Manager) ExecuteWithRetry(ctx context.Context, op func(key string) error) error {
	if len(m.keys) == 0 {
		return ErrNoKeys
	}
	return m.tryCandidates(ctx, m.candidates(), op)
}

// ExecuteWithChainKey runs op preferring the per-chain default key.
//
// The chain's configured key (or fallbackKey if the chain has none) is
// tried first; on a retryable failure the global candidate list is tried
// in order, skipping the key already attempted.
func (m *Manager) ExecuteWithChainKey(ctx context.Context, chainID uint64, fallbackKey string, op func(key string) error) error {
	first := m.chainKeys[chainID]
	if first == "" {
		first = fallbackKey
	}
	if first == "" {
		return m.ExecuteWithRetry(ctx, op)
	}

	candidates := []string{first}
	for _, k := range m.keys {
		if k != first {
			candidates = append(candidates, k)
		}
	}
	return m.tryCandidates(ctx, candidates, op)
}

// candidates returns the key list rotated per the strategy.
func (m *Manager) candidates() []string {
	if m.strategy != StrategyRoundRobin || len(m.keys) < 2 {
		return m.keys
	}
	start := int(m.next.Add(1)-1) % len(m.keys)
	rotated := make([]string, 0, len(m.keys))
	rotated = append(rotated, m.keys[start:]...)
	rotated = append(rotated, m.keys[:start]...)
	return rotated
}

func (m *Manager) tryCandidates(ctx context.Context, candidates []string, op func(key string) error) error {
	var firstErr error
	for i, key := range candidates {
		if err := ctx.Err(); err != nil {
			if firstErr != nil {
				return firstErr
			}
			return err
		}

		err := op(key)
		if err == nil {
			return nil
		}
		if firstErr == nil {
			firstErr = err
		}
		if !IsRetryable(err) {
			return err
		}
		if i < len(candidates)-1 {
			m.logger.Warn("subgraph call failed, rotating key",
				slog.Int("attempt", i+1),
				slog.Int("candidates", len(candidates)),
				slog.String("error", err.Error()))
		}
	}
	return fmt.Errorf("all %d candidate keys failed: %w", len(candidates), firstErr)
}

// IsRetryable classifies an error for key fallback purposes.
//
// Retryable: anything implementing RetryableError and reporting true,
// context deadline expiry, and network-level errors. Not retryable:
// context cancellation and application errors such as malformed queries.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var re RetryableError
	if errors.As(err, &re) {
		return re.Retryable()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}
