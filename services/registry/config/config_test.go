// Copyright (C) 2025 AgentSignal (dev@agentsignal.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "agentsignal.db", cfg.DatabasePath)
	assert.Equal(t, time.Minute, cfg.IngestInterval)
	assert.Equal(t, 100, cfg.PageSize)
	assert.Equal(t, "round_robin", cfg.KeyStrategy)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("AGENTSIGNAL_DATABASE_PATH", "/tmp/test.db")
	t.Setenv("AGENTSIGNAL_SUBGRAPH_API_KEYS", "key-a,key-b")
	t.Setenv("AGENTSIGNAL_RECONCILE_INTERVAL", "15m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test.db", cfg.DatabasePath)
	assert.Equal(t, []string{"key-a", "key-b"}, cfg.SubgraphAPIKeys)
	assert.Equal(t, 15*time.Minute, cfg.ReconcileInterval)
}

func writeChains(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chains.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadChains(t *testing.T) {
	path := writeChains(t, `
chains:
  - id: 1
    name: mainnet
    subgraph_url: https://subgraph.example/mainnet
  - id: 8453
    name: base
    registry_api_url: https://registry.example/base
`)

	chains, err := LoadChains(path)
	require.NoError(t, err)
	require.Len(t, chains, 2)
	assert.Equal(t, uint64(1), chains[0].ID)
	assert.Equal(t, "base", chains[1].Name)
}

func TestLoadChainsValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"empty", `chains: []`, "no chains configured"},
		{"missing id", "chains:\n  - name: x\n    subgraph_url: https://x\n", "chain id cannot be zero"},
		{"duplicate id", "chains:\n  - id: 1\n    subgraph_url: https://a\n  - id: 1\n    subgraph_url: https://b\n", "appears twice"},
		{"no endpoints", "chains:\n  - id: 1\n    name: bare\n", "needs a subgraph url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadChains(writeChains(t, tt.content))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLoadChainsMissingFile(t *testing.T) {
	_, err := LoadChains("/nonexistent/chains.yaml")
	assert.Error(t, err)
}
