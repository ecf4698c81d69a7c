// Copyright (C) 2025 AgentSignal (dev@agentsignal.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/url"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AgentSignalAI/AgentSignal/services/registry/datatypes"
)

// =============================================================================
// Client construction
// =============================================================================

// Config tunes the Weaviate-backed index.
type Config struct {
	// URL is the full Weaviate endpoint, e.g. "http://weaviate:8080".
	URL string

	// RetryAttempts is the number of times a failed call is retried.
	RetryAttempts int

	// RetryBackoff is the base delay before the first retry. Subsequent
	// retries double it, capped at MaxRetryBackoff, with ±25% jitter.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.MaxRetryBackoff == 0 {
		c.MaxRetryBackoff = 5 * time.Second
	}
}

// WeaviateIndex implements Index against a live Weaviate instance.
type WeaviateIndex struct {
	client *weaviate.Client
	config Config
	logger *slog.Logger
}

// NewWeaviateIndex connects to the Weaviate endpoint in config.
//
// Outputs:
//
//	*WeaviateIndex - The connected index wrapper.
//	error - Non-nil if the URL is unparseable or client creation fails.
func NewWeaviateIndex(config Config, logger *slog.Logger) (*WeaviateIndex, error) {
	config.applyDefaults()

	parsed, err := url.Parse(config.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid weaviate url %q", config.URL)
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	return &WeaviateIndex{client: client, config: config, logger: logger}, nil
}

// =============================================================================
// Schema
// =============================================================================

// EnsureSchema creates the AgentRecord class if it does not exist yet.
func (w *WeaviateIndex) EnsureSchema(ctx context.Context) error {
	_, err := w.client.Schema().ClassGetter().WithClassName(AgentClassName).Do(ctx)
	if err == nil {
		return nil
	}

	w.logger.Info("agent class not found, creating it", "class", AgentClassName)
	class := agentClass()
	if err := w.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("create class %s: %w", AgentClassName, err)
	}
	return nil
}

func agentClass() *models.Class {
	text := func(name string) *models.Property {
		return &models.Property{Name: name, DataType: []string{"text"}}
	}
	textArray := func(name string) *models.Property {
		return &models.Property{Name: name, DataType: []string{"text[]"}}
	}
	boolean := func(name string) *models.Property {
		return &models.Property{Name: name, DataType: []string{"boolean"}}
	}
	number := func(name string) *models.Property {
		return &models.Property{Name: name, DataType: []string{"number"}}
	}
	date := func(name string) *models.Property {
		return &models.Property{Name: name, DataType: []string{"date"}}
	}

	return &models.Class{
		Class:       AgentClassName,
		Description: "Canonical agent payload with embedding vector",
		// Vectors are supplied by the sync workers, never by Weaviate.
		Vectorizer: "none",
		Properties: []*models.Property{
			text("agentId"),
			{Name: "chainId", DataType: []string{"int"}},
			text("tokenId"),
			text("name"),
			text("description"),
			boolean("active"),
			boolean("supportsA2A"),
			boolean("supportsMCP"),
			boolean("supportsPayments"),
			textArray("operators"),
			textArray("aliases"),
			textArray("capabilities"),
			text("capabilityEndpoint"),
			textArray("tools"),
			textArray("prompts"),
			textArray("resources"),
			textArray("skills"),
			textArray("domains"),
			textArray("skillsDetailed"),
			textArray("domainsDetailed"),
			number("classificationConfidence"),
			number("reputationScore"),
			{Name: "feedbackCount", DataType: []string{"int"}},
			number("trustScore"),
			text("capsError"),
			date("lastReachableAt"),
			date("capsFetchedAt"),
			date("updatedAt"),
		},
	}
}

// =============================================================================
// Writes
// =============================================================================

// UpsertAgents writes full agent payloads with vectors in one batch request.
//
// The deterministic object id makes the batch an upsert: agents already in
// the index are replaced in place, vector included.
func (w *WeaviateIndex) UpsertAgents(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	objects := make([]*models.Object, len(entries))
	for i, e := range entries {
		objects[i] = &models.Object{
			Class:      AgentClassName,
			ID:         ObjectID(e.Record.ID),
			Vector:     e.Vector,
			Properties: propertiesFor(e.Record),
		}
	}

	return w.withRetry(ctx, "batch upsert", func() error {
		resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
		if err != nil {
			return fmt.Errorf("batch write %d agents: %w", len(objects), err)
		}
		for _, item := range resp {
			if item.Result == nil || item.Result.Errors == nil {
				continue
			}
			for _, itemErr := range item.Result.Errors.Error {
				return fmt.Errorf("batch item %s failed: %s", item.ID, itemErr.Message)
			}
		}
		return nil
	})
}

// PatchPayload merges the given fields into an agent's payload.
//
// Only the named fields change. Weaviate preserves the stored vector on a
// merge, which is what lets the relational sync worker update scores without
// triggering a re-embed.
func (w *WeaviateIndex) PatchPayload(ctx context.Context, id datatypes.AgentID, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	return w.withRetry(ctx, "patch payload", func() error {
		err := w.client.Data().Updater().
			WithClassName(AgentClassName).
			WithID(string(ObjectID(id))).
			WithProperties(fields).
			WithMerge().
			Do(ctx)
		if err != nil {
			return fmt.Errorf("patch agent %s: %w", id, err)
		}
		return nil
	})
}

// =============================================================================
// Reads
// =============================================================================

var recordFields = []graphql.Field{
	{Name: "agentId"},
	{Name: "name"},
	{Name: "description"},
	{Name: "active"},
	{Name: "supportsA2A"},
	{Name: "supportsMCP"},
	{Name: "supportsPayments"},
	{Name: "operators"},
	{Name: "aliases"},
	{Name: "capabilities"},
	{Name: "capabilityEndpoint"},
	{Name: "tools"},
	{Name: "prompts"},
	{Name: "resources"},
	{Name: "skills"},
	{Name: "domains"},
	{Name: "reputationScore"},
	{Name: "trustScore"},
	{Name: "lastReachableAt"},
	{Name: "capsFetchedAt"},
}

// GetRecord fetches a single agent's payload by its composite id.
func (w *WeaviateIndex) GetRecord(ctx context.Context, id datatypes.AgentID) (datatypes.AgentRecord, bool, error) {
	where := filters.Where().
		WithPath([]string{"agentId"}).
		WithOperator(filters.Equal).
		WithValueString(id.String())

	records, err := w.query(ctx, where, 1)
	if err != nil {
		return datatypes.AgentRecord{}, false, err
	}
	if len(records) == 0 {
		return datatypes.AgentRecord{}, false, nil
	}
	return records[0], true, nil
}

// ListCrawlCandidates returns active agents that advertise a capability
// endpoint over A2A or MCP.
func (w *WeaviateIndex) ListCrawlCandidates(ctx context.Context, limit int) ([]datatypes.AgentRecord, error) {
	where := filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			filters.Where().
				WithPath([]string{"active"}).
				WithOperator(filters.Equal).
				WithValueBoolean(true),
			filters.Where().
				WithPath([]string{"capabilityEndpoint"}).
				WithOperator(filters.NotEqual).
				WithValueString(""),
			filters.Where().
				WithOperator(filters.Or).
				WithOperands([]*filters.WhereBuilder{
					filters.Where().
						WithPath([]string{"supportsA2A"}).
						WithOperator(filters.Equal).
						WithValueBoolean(true),
					filters.Where().
						WithPath([]string{"supportsMCP"}).
						WithOperator(filters.Equal).
						WithValueBoolean(true),
				}),
		})

	return w.query(ctx, where, limit)
}

func (w *WeaviateIndex) query(ctx context.Context, where *filters.WhereBuilder, limit int) ([]datatypes.AgentRecord, error) {
	var result *models.GraphQLResponse
	err := w.withRetry(ctx, "query", func() error {
		var err error
		result, err = w.client.GraphQL().Get().
			WithClassName(AgentClassName).
			WithFields(recordFields...).
			WithWhere(where).
			WithLimit(limit).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("query agents: %w", err)
		}
		if len(result.Errors) > 0 {
			return fmt.Errorf("query agents: %s", result.Errors[0].Message)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w.parseResults(result)
}

func (w *WeaviateIndex) parseResults(result *models.GraphQLResponse) ([]datatypes.AgentRecord, error) {
	data, ok := result.Data["Get"].(map[string]any)
	if !ok {
		return nil, nil
	}
	objects, ok := data[AgentClassName].([]any)
	if !ok {
		return nil, nil
	}

	records := make([]datatypes.AgentRecord, 0, len(objects))
	for _, obj := range objects {
		props, ok := obj.(map[string]any)
		if !ok {
			continue
		}
		rec, err := recordFromProps(props)
		if err != nil {
			w.logger.Warn("skipping malformed index object", "error", err.Error())
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// =============================================================================
// Retry
// =============================================================================

func (w *WeaviateIndex) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= w.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			backoff := w.calculateBackoff(attempt)
			w.logger.Warn("retrying weaviate call",
				"op", op, "attempt", attempt, "backoff", backoff.String(), "error", lastErr.Error())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, w.config.RetryAttempts+1, lastErr)
}

// calculateBackoff returns base * 2^attempt capped at the max, with ±25%
// jitter so concurrent workers do not retry in lockstep.
func (w *WeaviateIndex) calculateBackoff(attempt int) time.Duration {
	backoff := w.config.RetryBackoff * time.Duration(1<<attempt)
	if backoff > w.config.MaxRetryBackoff {
		backoff = w.config.MaxRetryBackoff
	}

	jitterRange := float64(backoff) * 0.25
	jitter := (rand.Float64()*2 - 1) * jitterRange
	backoff = time.Duration(float64(backoff) + jitter)
	if backoff < 0 {
		backoff = w.config.RetryBackoff
	}
	return backoff
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
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
