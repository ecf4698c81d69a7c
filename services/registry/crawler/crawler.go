// Copyright (C) 2025 AgentSignal (dev@agentsignal.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package crawler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/AgentSignalAI/AgentSignal/services/registry/datatypes"
	"github.com/AgentSignalAI/AgentSignal/services/registry/index"
)

// Defaults applied when a Config field is zero.
const (
	DefaultMaxAgents   = 50
	DefaultConcurrency = 5
	DefaultStaleAfter  = 24 * time.Hour
)

// Fetcher is the capability-fetch surface, implemented by CapabilityClient.
type Fetcher interface {
	Fetch(ctx context.Context, endpoint string) (Capabilities, error)
}

// Config tunes one crawl invocation.
type Config struct {
	// MaxAgents bounds how many candidates one invocation attempts.
	MaxAgents int

	// Concurrency caps in-flight endpoint fetches. Capability endpoints
	// are arbitrary third-party servers; the cap is a courtesy to them as
	// much as a resource bound for us.
	Concurrency int

	// StaleAfter is how old a previous crawl must be before an agent is
	// re-crawled. Agents never crawled always qualify.
	StaleAfter time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAgents <= 0 {
		c.MaxAgents = DefaultMaxAgents
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
}

// Crawler is the capability-crawl worker.
//
// A crawl failure for one agent never aborts the batch, and a failed crawl
// patches only the attempt timestamp and error string into the index,
// deliberately preserving previously discovered capabilities.
type Crawler struct {
	config  Config
	fetcher Fetcher
	idx     index.Index
	logger  *slog.Logger
}

func NewCrawler(config Config, fetcher Fetcher, idx index.Index, logger *slog.Logger) *Crawler {
	config.applyDefaults()
	return &Crawler{
		config:  config,
		fetcher: fetcher,
		idx:     idx,
		logger:  logger.With("worker", "capability_crawler"),
	}
}

func (c *Crawler) Name() string { return "capability_crawler" }

// Run crawls one batch of candidates.
func (c *Crawler) Run(ctx context.Context) datatypes.RunResult {
	result := newResult(c.Name())

	candidates, err := c.selectCandidates(ctx)
	if err != nil {
		return finish(result.Fail(err))
	}
	if len(candidates) == 0 {
		return finish(result)
	}
	c.logger.Info("crawl starting", "candidates", len(candidates), "concurrency", c.config.Concurrency)

	sem := semaphore.NewWeighted(int64(c.config.Concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i := range candidates {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context cancelled; report what completed so far.
			break
		}
		wg.Add(1)
		go func(rec datatypes.AgentRecord) {
			defer wg.Done()
			defer sem.Release(1)

			ok := c.crawlOne(ctx, rec)

			mu.Lock()
			result.Processed++
			if ok {
				result.Added++
			} else {
				result.Errored++
			}
			mu.Unlock()
		}(candidates[i])
	}
	wg.Wait()

	c.logger.Info("crawl finished",
		"attempted", result.Processed, "succeeded", result.Added, "failed", result.Errored)
	return finish(result)
}

// selectCandidates picks agents with a capability endpoint that were never
// crawled or whose last crawl is older than the staleness window.
func (c *Crawler) selectCandidates(ctx context.Context) ([]datatypes.AgentRecord, error) {
	// Over-fetch so staleness filtering still fills the batch.
	listed, err := c.idx.ListCrawlCandidates(ctx, c.config.MaxAgents*4)
	if err != nil {
		return nil, err
	}

	staleBefore := time.Now().Add(-c.config.StaleAfter)
	var out []datatypes.AgentRecord
	for _, rec := range listed {
		if rec.CapsFetchedAt.IsZero() || rec.CapsFetchedAt.Before(staleBefore) {
			out = append(out, rec)
			if len(out) == c.config.MaxAgents {
				break
			}
		}
	}
	return out, nil
}

// crawlOne fetches one agent's capabilities and patches the outcome into
// the index. Returns true on a successful crawl.
func (c *Crawler) crawlOne(ctx context.Context, rec datatypes.AgentRecord) bool {
	now := time.Now().UTC().Format(time.RFC3339)

	caps, err := c.fetcher.Fetch(ctx, rec.CapabilityEndpoint)
	if err != nil {
		c.logger.Warn("capability fetch failed",
			"agent", rec.ID.String(), "endpoint", rec.CapabilityEndpoint, "error", err.Error())
		// Record the attempt but keep previously known capabilities.
		patch := map[string]any{
			"capsFetchedAt": now,
			"capsError":     err.Error(),
		}
		if patchErr := c.idx.PatchPayload(ctx, rec.ID, patch); patchErr != nil {
			c.logger.Warn("crawl failure patch failed", "agent", rec.ID.String(), "error", patchErr.Error())
		}
		return false
	}

	patch := map[string]any{
		"tools":         caps.Tools,
		"prompts":       caps.Prompts,
		"resources":     caps.Resources,
		"capsFetchedAt": now,
		"capsError":     "",
	}
	if err := c.idx.PatchPayload(ctx, rec.ID, patch); err != nil {
		c.logger.Warn("crawl success patch failed", "agent", rec.ID.String(), "error", err.Error())
		return false
	}
	return true
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
