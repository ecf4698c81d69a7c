// Copyright (C) 2025 AgentSignal (dev@agentsignal.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package subgraph is the client for the external GraphQL source: the
// blockchain-indexing subgraph that is the source of truth for agent
// registrations and feedback events.
//
// The client fetches one ordered page per call. Callers drive the
// pagination loop themselves: fetch page, process, and continue with the
// maximum ordering key observed in the page if the page came back full.
// A hard cap of MaxPages per worker invocation prevents unbounded runs.
//
// Every call is rate limited, carries a fixed timeout, and goes through
// the key manager so rate-limited or expired keys fall back to the next
// candidate.
package subgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/AgentSignalAI/AgentSignal/services/registry/keys"
)

// tracer is the OpenTelemetry tracer for subgraph operations.
var tracer = otel.Tracer("agentsignal.registry.subgraph")

const (
	// DefaultPageSize is the page size used when a caller passes 0.
	DefaultPageSize = 100

	// MaxPages caps pages fetched per worker invocation per stream.
	MaxPages = 10

	// DefaultTimeout bounds a single page fetch.
	DefaultTimeout = 30 * time.Second
)

// Stream names the two entity streams the source exposes.
type Stream string

const (
	// StreamRegistrations is the agent-registration stream.
	StreamRegistrations Stream = "registrations"
	// StreamFeedback is the feedback/attestation stream.
	StreamFeedback Stream = "feedback"
)

// ChainConfig describes one supported chain and its source endpoints.
type ChainConfig struct {
	// ID is the numeric chain id. Required.
	ID uint64 `yaml:"id"`

	// Name is a human label used in logs ("base", "arbitrum").
	Name string `yaml:"name"`

	// SubgraphURL is the GraphQL endpoint for this chain's subgraph.
	SubgraphURL string `yaml:"subgraph_url"`

	// RegistryAPIURL is the direct registry HTTP API, used as the
	// ingestion fallback when no subgraph key is configured.
	RegistryAPIURL string `yaml:"registry_api_url"`

	// APIKey is an optional chain-scoped subgraph key tried before the
	// global candidates.
	APIKey string `yaml:"api_key"`
}

// Registration is an agent registration entity as returned by the source.
// Numeric BigInt fields arrive as strings and are converted by the caller.
type Registration struct {
	ID               string   `json:"id"`
	TokenID          string   `json:"tokenId"`
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	Active           bool     `json:"active"`
	Operators        []string `json:"operators"`
	Aliases          []string `json:"aliases"`
	Capabilities     []string `json:"capabilities"`
	EndpointURL      string   `json:"endpointUrl"`
	SupportsA2A      bool     `json:"supportsA2a"`
	SupportsMCP      bool     `json:"supportsMcp"`
	SupportsPayments bool     `json:"supportsPayments"`
	CreatedAt        int64    `json:"createdAt,string"`
	UpdatedAt        int64    `json:"updatedAt,string"`
}

// FeedbackEvent is a feedback/attestation entity as returned by the source.
// ID is the globally unique dedup key. Score arrives as a raw string and is
// parsed and clamped by the feedback worker.
type FeedbackEvent struct {
	ID        string `json:"id"`
	TokenID   string `json:"tokenId"`
	Score     string `json:"score"`
	Tag1      string `json:"tag1"`
	Tag2      string `json:"tag2"`
	Context   string `json:"context"`
	Submitter string `json:"submitter"`
	Revoked   bool   `json:"revoked"`
	CreatedAt int64  `json:"createdAt,string"`
}

const registrationsQuery = `query Registrations($since: BigInt!, $first: Int!) {
  registrations(first: $first, orderBy: createdAt, orderDirection: asc, where: { createdAt_gt: $since }) {
    id
    tokenId
    name
    description
    active
    operators
    aliases
    capabilities
    endpointUrl
    supportsA2a
    supportsMcp
    supportsPayments
    createdAt
    updatedAt
  }
}`

const feedbackQuery = `query Feedback($since: BigInt!, $first: Int!) {
  feedbacks(first: $first, orderBy: createdAt, orderDirection: asc, where: { createdAt_gt: $since }) {
    id
    tokenId
    score
    tag1
    tag2
    context
    submitter
    revoked
    createdAt
  }
}`

// Client fetches ordered entity pages from per-chain subgraph endpoints.
//
// Thread Safety: Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	keyManager *keys.Manager
	timeout    time.Duration
}

// NewClient creates a subgraph client.
//
// Inputs:
//
//	keyManager - Key manager for authentication and fallback. Required.
//	requestsPerSecond - Upstream rate limit budget shared by all workers.
//	                    Values <= 0 disable client-side limiting.
func NewClient(keyManager *keys.Manager, requestsPerSecond float64) *Client {
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(limit, 1),
		keyManager: keyManager,
		timeout:    DefaultTimeout,
	}
}

// WithTimeout overrides the per-page fetch timeout.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.timeout = timeout
	c.httpClient.Timeout = timeout
	return c
}

// FetchRegistrations returns one page of registrations created strictly
// after sinceUnix, ordered by creation time ascending.
//
// A full page (len == pageSize) signals the caller to continue with the
// page's maximum createdAt as the new cursor value.
func (c *Client) FetchRegistrations(ctx context.Context, chain ChainConfig, sinceUnix int64, pageSize int) ([]Registration, error) {
	var page struct {
		Registrations []Registration `json:"registrations"`
	}
	if err := c.fetchPage(ctx, chain, StreamRegistrations, registrationsQuery, sinceUnix, pageSize, &page); err != nil {
		return nil, err
	}
	return page.Registrations, nil
}

// FetchFeedback returns one page of feedback events created strictly after
// sinceUnix, ordered by creation time ascending.
func (c *Client) FetchFeedback(ctx context.Context, chain ChainConfig, sinceUnix int64, pageSize int) ([]FeedbackEvent, error) {
	var page struct {
		Feedbacks []FeedbackEvent `json:"feedbacks"`
	}
	if err := c.fetchPage(ctx, chain, StreamFeedback, feedbackQuery, sinceUnix, pageSize, &page); err != nil {
		return nil, err
	}
	return page.Feedbacks, nil
}

// graphqlRequest is the wire request body.
type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

// graphqlResponse is the wire response envelope.
type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// fetchPage executes one rate-limited, key-rotated page query and decodes
// the data object into out.
func (c *Client) fetchPage(ctx context.Context, chain ChainConfig, stream Stream, query string, sinceUnix int64, pageSize int, out any) error {
	if chain.SubgraphURL == "" {
		return fmt.Errorf("chain %d has no subgraph url", chain.ID)
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	ctx, span := tracer.Start(ctx, "subgraph.fetch_page")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("chain_id", int64(chain.ID)),
		attribute.String("stream", string(stream)),
		attribute.Int64("since", sinceUnix),
		attribute.Int("page_size", pageSize),
	)

	if err := c.limiter.Wait(ctx); err != nil {
		span.SetStatus(codes.Error, "rate limiter wait")
		return err
	}

	err := c.keyManager.ExecuteWithChainKey(ctx, chain.ID, chain.APIKey, func(key string) error {
		return c.doQuery(ctx, chain.SubgraphURL, key, query, map[string]any{
			"since": fmt.Sprintf("%d", sinceUnix),
			"first": pageSize,
		}, out)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// doQuery performs a single POST against the GraphQL endpoint. Non-2xx
// responses and structured query errors both surface as *QueryError.
func (c *Client) doQuery(ctx context.Context, url, key, query string, variables map[string]any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &QueryError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	var envelope graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return &QueryError{Message: envelope.Errors[0].Message}
	}
	if envelope.Data == nil {
		return &QueryError{Message: "response missing data object"}
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}
