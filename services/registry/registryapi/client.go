// Copyright (C) 2025 AgentSignal (dev@agentsignal.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package registryapi is the direct registry HTTP API client, the
// ingestion fallback used when no subgraph key is configured.
//
// Unlike the subgraph, the direct API is a bulk listing with explicit
// offset pagination and no ordering-key cursor. It produces the same
// downstream effect as the subgraph strategy: the ingest worker maps both
// to the same canonical records.
package registryapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/AgentSignalAI/AgentSignal/services/registry/subgraph"
)

// DefaultTimeout bounds a single listing call.
const DefaultTimeout = 30 * time.Second

// Client lists agents from a chain's registry HTTP API.
//
// Thread Safety: Safe for concurrent use.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a direct registry API client.
func NewClient() *Client {
	return &Client{httpClient: &http.Client{Timeout: DefaultTimeout}}
}

// listResponse is the wire shape of the bulk listing endpoint.
type listResponse struct {
	Agents []subgraph.Registration `json:"agents"`
	Total  int                     `json:"total"`
}

// ListAgents returns one offset page of the chain's registered agents.
//
// Inputs:
//
//	chain - Chain configuration; RegistryAPIURL is required.
//	offset - Number of agents to skip.
//	pageSize - Maximum agents to return.
//
// Outputs:
//
//	[]subgraph.Registration - The listed agents, in registry order.
//	int - Total agents the registry reports, for loop termination.
//	error - Non-nil on transport or decode failure.
func (c *Client) ListAgents(ctx context.Context, chain subgraph.ChainConfig, offset, pageSize int) ([]subgraph.Registration, int, error) {
	if chain.RegistryAPIURL == "" {
		return nil, 0, fmt.Errorf("chain %d has no registry api url", chain.ID)
	}
	if pageSize <= 0 {
		pageSize = subgraph.DefaultPageSize
	}

	url := fmt.Sprintf("%s/agents?offset=%d&limit=%d", chain.RegistryAPIURL, offset, pageSize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, 0, &subgraph.QueryError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	var page listResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, 0, fmt.Errorf("decode response: %w", err)
	}
	return page.Agents, page.Total, nil
}
