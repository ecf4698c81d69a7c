// Copyright (C) 2025 AgentSignal (dev@agentsignal.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package crawler polls agent-hosted capability endpoints under bounded
// concurrency and patches discovered tool, prompt and resource lists into
// the vector index.
//
// Capability endpoints are untrusted third-party servers: every fetch
// carries a hard timeout, response bodies are size-capped, and a failed
// crawl preserves whatever capabilities were previously known.
package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxCapabilityBody caps how much of an untrusted response is read.
const maxCapabilityBody = 1 << 20 // 1 MiB

// DefaultFetchTimeout bounds a single capability fetch.
const DefaultFetchTimeout = 10 * time.Second

// Capabilities is the metadata an agent advertises at its endpoint.
type Capabilities struct {
	Tools     []string
	Prompts   []string
	Resources []string
}

// CapabilityClient fetches capability metadata from agent endpoints.
//
// Thread Safety: Safe for concurrent use.
type CapabilityClient struct {
	httpClient *http.Client
}

func NewCapabilityClient(timeout time.Duration) *CapabilityClient {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &CapabilityClient{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// capabilityEntry tolerates both bare strings and {"name": ...} objects,
// since endpoint implementations disagree on the shape.
type capabilityEntry struct {
	name string
}

func (e *capabilityEntry) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.name = s
		return nil
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	e.name = obj.Name
	return nil
}

type capabilityResponse struct {
	Tools     []capabilityEntry `json:"tools"`
	Prompts   []capabilityEntry `json:"prompts"`
	Resources []capabilityEntry `json:"resources"`
}

// Fetch retrieves and parses one agent's capability metadata.
func (c *CapabilityClient) Fetch(ctx context.Context, endpoint string) (Capabilities, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Capabilities{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Capabilities{}, fmt.Errorf("fetch capabilities: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Capabilities{}, fmt.Errorf("capability endpoint returned status %d", resp.StatusCode)
	}

	var parsed capabilityResponse
	decoder := json.NewDecoder(io.LimitReader(resp.Body, maxCapabilityBody))
	if err := decoder.Decode(&parsed); err != nil {
		return Capabilities{}, fmt.Errorf("decode capabilities: %w", err)
	}

	return Capabilities{
		Tools:     entryNames(parsed.Tools),
		Prompts:   entryNames(parsed.Prompts),
		Resources: entryNames(parsed.Resources),
	}, nil
}

func entryNames(entries []capabilityEntry) []string {
	if len(entries) == 0 {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.name != "" {
			names = append(names, e.name)
		}
	}
	return names
}
