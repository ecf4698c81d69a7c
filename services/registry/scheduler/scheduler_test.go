// Copyright (C) 2025 AgentSignal (dev@agentsignal.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AgentSignalAI/AgentSignal/services/registry/datatypes"
)

// slowWorker blocks until released so tests can hold a job "in flight".
type slowWorker struct {
	name    string
	runs    atomic.Int64
	release chan struct{}
}

func (w *slowWorker) Name() string { return w.name }

func (w *slowWorker) Run(ctx context.Context) datatypes.RunResult {
	w.runs.Add(1)
	if w.release != nil {
		select {
		case <-w.release:
		case <-ctx.Done():
		}
	}
	return datatypes.RunResult{Worker: w.name, Success: true, StartedAt: time.Now()}
}

func TestRunNowUnknownJob(t *testing.T) {
	s := New(nil, slog.Default())
	_, err := s.RunNow(context.Background(), "nope")
	assert.ErrorContains(t, err, "unknown job")
}

func TestRunNowExecutesAndSnapshots(t *testing.T) {
	var recorded []datatypes.RunResult
	s := New(func(r datatypes.RunResult) { recorded = append(recorded, r) }, slog.Default())

	w := &slowWorker{name: "feedback_sync"}
	s.Register(w, time.Hour)

	result, err := s.RunNow(context.Background(), "feedback_sync")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, int64(1), w.runs.Load())
	assert.Len(t, recorded, 1, "observability hook sees every run")

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "feedback_sync", snap[0].Name)
	require.NotNil(t, snap[0].LastResult)
	assert.True(t, snap[0].LastResult.Success)
}

func TestOverlapSuppression(t *testing.T) {
	s := New(nil, slog.Default())
	w := &slowWorker{name: "slow", release: make(chan struct{})}
	s.Register(w, time.Hour)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := s.RunNow(context.Background(), "slow")
		assert.NoError(t, err)
	}()

	// Wait until the first run is in flight.
	require.Eventually(t, func() bool {
		return w.runs.Load() == 1
	}, time.Second, 5*time.Millisecond)

	_, err := s.RunNow(context.Background(), "slow")
	assert.ErrorContains(t, err, "already running")

	close(w.release)
	<-done
	assert.Equal(t, int64(1), w.runs.Load())
}

func TestTickLoopInvokesJob(t *testing.T) {
	s := New(nil, slog.Default())
	w := &slowWorker{name: "fast"}
	s.Register(w, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, w.runs.Load(), int64(2))
}
