// Copyright (C) 2025 AgentSignal (dev@agentsignal.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"

	"github.com/AgentSignalAI/AgentSignal/pkg/logging"
	"github.com/AgentSignalAI/AgentSignal/services/registry/config"
	"github.com/AgentSignalAI/AgentSignal/services/registry/crawler"
	"github.com/AgentSignalAI/AgentSignal/services/registry/embed"
	"github.com/AgentSignalAI/AgentSignal/services/registry/index"
	"github.com/AgentSignalAI/AgentSignal/services/registry/keys"
	"github.com/AgentSignalAI/AgentSignal/services/registry/observability"
	"github.com/AgentSignalAI/AgentSignal/services/registry/registryapi"
	"github.com/AgentSignalAI/AgentSignal/services/registry/scheduler"
	"github.com/AgentSignalAI/AgentSignal/services/registry/store"
	"github.com/AgentSignalAI/AgentSignal/services/registry/subgraph"
	"github.com/AgentSignalAI/AgentSignal/services/registry/workers"
)

// runtime holds the fully wired service graph shared by the daemon and the
// one-shot sync command.
type runtime struct {
	cfg    config.Config
	chains []subgraph.ChainConfig
	log    *logging.Logger
	store  *store.Store
	sched  *scheduler.Scheduler
}

// buildRuntime loads configuration, opens the stores, and registers every
// worker with the scheduler. Nothing starts ticking until scheduler.Run.
//
// service names the process in log output ("syncd", "cli").
func buildRuntime(ctx context.Context, service string) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	chains, err := config.LoadChains(cfg.ChainsFile)
	if err != nil {
		return nil, fmt.Errorf("load chain list: %w", err)
	}

	log := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		LogDir:  cfg.LogDir,
		Service: service,
		JSON:    cfg.LogJSON,
	})
	slogger := log.Slog()

	st, err := store.Open(cfg.DatabasePath, slogger)
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("open relational store: %w", err)
	}

	fail := func(err error) (*runtime, error) {
		st.Close()
		log.Close()
		return nil, err
	}

	strategy, err := parseKeyStrategy(cfg.KeyStrategy)
	if err != nil {
		return fail(err)
	}
	chainKeys := make(map[uint64]string)
	for _, chain := range chains {
		if chain.APIKey != "" {
			chainKeys[chain.ID] = chain.APIKey
		}
	}
	keyManager := keys.NewManager(cfg.SubgraphAPIKeys, chainKeys, strategy, slogger)
	source := subgraph.NewClient(keyManager, cfg.SubgraphRPS)

	idx, err := index.NewWeaviateIndex(index.Config{URL: cfg.WeaviateURL}, slogger)
	if err != nil {
		return fail(fmt.Errorf("connect vector index: %w", err))
	}
	if err := idx.EnsureSchema(ctx); err != nil {
		return fail(fmt.Errorf("ensure index schema: %w", err))
	}

	embedder, err := embed.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingBaseURL, slogger)
	if err != nil {
		return fail(fmt.Errorf("build embedding provider: %w", err))
	}

	hasKey := func(chain subgraph.ChainConfig) bool {
		return keyManager.HasKeysFor(chain.ID)
	}
	ingest, err := workers.NewIngestWorker(
		workers.IngestConfig{
			Chains:   chains,
			Strategy: workers.IngestStrategy(cfg.IngestStrategy),
			PageSize: cfg.PageSize,
		},
		source, registryapi.NewClient(), hasKey, st, idx, embedder, slogger,
	)
	if err != nil {
		return fail(fmt.Errorf("build ingest worker: %w", err))
	}
	feedback, err := workers.NewFeedbackWorker(
		workers.FeedbackConfig{Chains: chains, PageSize: cfg.PageSize},
		source, st, idx, slogger,
	)
	if err != nil {
		return fail(fmt.Errorf("build feedback worker: %w", err))
	}

	crawl := crawler.NewCrawler(
		crawler.Config{
			MaxAgents:   cfg.CrawlMaxAgents,
			Concurrency: cfg.CrawlConcurrency,
			StaleAfter:  cfg.CrawlStaleAfter,
		},
		crawler.NewCapabilityClient(cfg.CrawlTimeout), idx, slogger,
	)

	sched := scheduler.New(observability.RecordRun, slogger)
	sched.Register(ingest, cfg.IngestInterval)
	sched.Register(feedback, cfg.FeedbackInterval)
	sched.Register(workers.NewRelSyncWorker(st, idx, slogger), cfg.RelSyncInterval)
	sched.Register(workers.NewReembedProcessor(st, idx, embedder, cfg.ReembedLimit, slogger), cfg.ReembedInterval)
	sched.Register(crawl, cfg.CrawlInterval)
	sched.Register(workers.NewReconcileWorker(st, idx, cfg.ReconcileSample, slogger), cfg.ReconcileInterval)

	return &runtime{
		cfg:    cfg,
		chains: chains,
		log:    log,
		store:  st,
		sched:  sched,
	}, nil
}

// Close releases the store and flushes the log file.
func (r *runtime) Close() {
	r.store.Close()
	r.log.Close()
}

func parseKeyStrategy(s string) (keys.Strategy, error) {
	switch s {
	case "", "round_robin":
		return keys.StrategyRoundRobin, nil
	case "fixed":
		return keys.StrategyFixed, nil
	default:
		return 0, fmt.Errorf("unknown key strategy %q (want round_robin or fixed)", s)
	}
}
