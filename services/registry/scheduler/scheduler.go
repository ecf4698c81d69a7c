// Copyright (C) 2025 AgentSignal (dev@agentsignal.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package scheduler drives the sync workers on fixed intervals.
//
// Each worker is registered as a job with its own interval. Invocations of
// the same job never overlap: a tick that fires while the previous run is
// still in flight is skipped and counted. The workers themselves tolerate
// overlap anyway (idempotent upserts, monotonic cursors), so suppression
// here is a resource courtesy, not a correctness requirement.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AgentSignalAI/AgentSignal/services/registry/datatypes"
	"github.com/AgentSignalAI/AgentSignal/services/registry/workers"
)

// JobStatus is the externally visible state of one registered job.
type JobStatus struct {
	Name         string               `json:"name"`
	Interval     time.Duration        `json:"interval"`
	Running      bool                 `json:"running"`
	SkippedTicks int64                `json:"skipped_ticks"`
	LastResult   *datatypes.RunResult `json:"last_result,omitempty"`
}

type job struct {
	worker   workers.Worker
	interval time.Duration

	running      atomic.Bool
	skippedTicks atomic.Int64

	mu         sync.Mutex
	lastResult *datatypes.RunResult
}

// Scheduler owns the job set and the tick loops.
type Scheduler struct {
	mu      sync.RWMutex
	jobs    map[string]*job
	onRun   func(datatypes.RunResult)
	logger  *slog.Logger
	started atomic.Bool
}

// New creates a scheduler. onRun, if non-nil, is called with every
// completed result (the observability hook).
func New(onRun func(datatypes.RunResult), logger *slog.Logger) *Scheduler {
	return &Scheduler{
		jobs:   map[string]*job{},
		onRun:  onRun,
		logger: logger.With("component", "scheduler"),
	}
}

// Register adds a worker with its run interval. Must be called before Run.
func (s *Scheduler) Register(w workers.Worker, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[w.Name()] = &job{worker: w, interval: interval}
	s.logger.Info("job registered", "job", w.Name(), "interval", interval.String())
}

// Run starts one ticker per job and blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler already running")
	}

	s.mu.RLock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.RUnlock()

	s.logger.Info("scheduler started", "jobs", len(jobs))

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(j *job) {
			defer wg.Done()
			ticker := time.NewTicker(j.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.invoke(ctx, j)
				}
			}
		}(j)
	}
	wg.Wait()

	s.logger.Info("scheduler stopped")
	return ctx.Err()
}

// RunNow triggers one immediate invocation of a job, used by the admin
// API. Returns the result, or an error when the job is unknown or already
// running.
func (s *Scheduler) RunNow(ctx context.Context, name string) (datatypes.RunResult, error) {
	s.mu.RLock()
	j, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return datatypes.RunResult{}, fmt.Errorf("unknown job %q", name)
	}
	if !j.running.CompareAndSwap(false, true) {
		return datatypes.RunResult{}, fmt.Errorf("job %q is already running", name)
	}
	defer j.running.Store(false)
	return s.execute(ctx, j), nil
}

// invoke runs a job from a tick, skipping if the previous run is still in
// flight.
func (s *Scheduler) invoke(ctx context.Context, j *job) {
	if !j.running.CompareAndSwap(false, true) {
		j.skippedTicks.Add(1)
		s.logger.Warn("tick skipped, previous run still in flight", "job", j.worker.Name())
		return
	}
	defer j.running.Store(false)
	s.execute(ctx, j)
}

func (s *Scheduler) execute(ctx context.Context, j *job) datatypes.RunResult {
	result := j.worker.Run(ctx)

	j.mu.Lock()
	j.lastResult = &result
	j.mu.Unlock()

	if result.Success {
		s.logger.Info("job finished",
			"job", result.Worker,
			"processed", result.Processed,
			"added", result.Added,
			"duration", result.Duration.String())
	} else {
		s.logger.Error("job failed", "job", result.Worker, "error", result.Error)
	}

	if s.onRun != nil {
		s.onRun(result)
	}
	return result
}

// Snapshot reports the status of every registered job, sorted by name on
// the caller's side if needed.
func (s *Scheduler) Snapshot() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for name, j := range s.jobs {
		j.mu.Lock()
		last := j.lastResult
		j.mu.Unlock()

		out = append(out, JobStatus{
			Name:         name,
			Interval:     j.interval,
			Running:      j.running.Load(),
			SkippedTicks: j.skippedTicks.Load(),
			LastResult:   last,
		})
	}
	return out
}
