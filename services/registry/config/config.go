// Copyright (C) 2025 AgentSignal (dev@agentsignal.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the sync engine's configuration: process settings
// from AGENTSIGNAL_-prefixed environment variables, and the supported chain
// list from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/AgentSignalAI/AgentSignal/pkg/validation"
	"github.com/AgentSignalAI/AgentSignal/services/registry/subgraph"
)

// EnvPrefix is the prefix for all environment variables.
const EnvPrefix = "AGENTSIGNAL"

// Config is the process configuration. Missing required settings are the
// only errors allowed to abort startup.
type Config struct {
	// Stores.
	DatabasePath string `envconfig:"DATABASE_PATH" default:"agentsignal.db"`
	WeaviateURL  string `envconfig:"WEAVIATE_URL" default:"http://localhost:8080"`

	// External source.
	ChainsFile      string   `envconfig:"CHAINS_FILE" default:"chains.yaml"`
	SubgraphAPIKeys []string `envconfig:"SUBGRAPH_API_KEYS"`
	KeyStrategy     string   `envconfig:"KEY_STRATEGY" default:"round_robin"`
	SubgraphRPS     float64  `envconfig:"SUBGRAPH_RPS" default:"5"`
	IngestStrategy  string   `envconfig:"INGEST_STRATEGY" default:"auto"`
	PageSize        int      `envconfig:"PAGE_SIZE" default:"100"`

	// Embeddings.
	OpenAIAPIKey     string `envconfig:"OPENAI_API_KEY"`
	EmbeddingModel   string `envconfig:"EMBEDDING_MODEL"`
	EmbeddingBaseURL string `envconfig:"EMBEDDING_BASE_URL"`

	// Worker intervals.
	IngestInterval    time.Duration `envconfig:"INGEST_INTERVAL" default:"1m"`
	FeedbackInterval  time.Duration `envconfig:"FEEDBACK_INTERVAL" default:"2m"`
	RelSyncInterval   time.Duration `envconfig:"RELSYNC_INTERVAL" default:"2m"`
	ReembedInterval   time.Duration `envconfig:"REEMBED_INTERVAL" default:"5m"`
	CrawlInterval     time.Duration `envconfig:"CRAWL_INTERVAL" default:"30m"`
	ReconcileInterval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"1h"`

	// Worker bounds.
	ReembedLimit     int           `envconfig:"REEMBED_LIMIT" default:"50"`
	ReconcileSample  int           `envconfig:"RECONCILE_SAMPLE" default:"100"`
	CrawlMaxAgents   int           `envconfig:"CRAWL_MAX_AGENTS" default:"50"`
	CrawlConcurrency int           `envconfig:"CRAWL_CONCURRENCY" default:"5"`
	CrawlStaleAfter  time.Duration `envconfig:"CRAWL_STALE_AFTER" default:"24h"`
	CrawlTimeout     time.Duration `envconfig:"CRAWL_TIMEOUT" default:"10s"`

	// Admin API.
	AdminAddr string `envconfig:"ADMIN_ADDR" default:":8090"`

	// Logging.
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogDir   string `envconfig:"LOG_DIR"`
	LogJSON  bool   `envconfig:"LOG_JSON"`
}

// chainsFile is the YAML shape of the chain list.
type chainsFile struct {
	Chains []subgraph.ChainConfig `yaml:"chains"`
}

// Load reads process configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

// LoadChains reads and validates the chain list from path.
func LoadChains(path string) ([]subgraph.ChainConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chains file %s: %w", path, err)
	}

	var parsed chainsFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse chains file %s: %w", path, err)
	}
	if err := validateChains(parsed.Chains); err != nil {
		return nil, fmt.Errorf("chains file %s: %w", path, err)
	}
	return parsed.Chains, nil
}

func validateChains(chains []subgraph.ChainConfig) error {
	if len(chains) == 0 {
		return fmt.Errorf("no chains configured")
	}

	seen := map[uint64]bool{}
	for i, chain := range chains {
		if err := validation.ValidateChainID(chain.ID); err != nil {
			return fmt.Errorf("chain %d: %w", i, err)
		}
		if seen[chain.ID] {
			return fmt.Errorf("chain id %d appears twice", chain.ID)
		}
		seen[chain.ID] = true

		if chain.SubgraphURL == "" && chain.RegistryAPIURL == "" {
			return fmt.Errorf("chain %d: needs a subgraph url or a registry api url", chain.ID)
		}
	}
	return nil
}
