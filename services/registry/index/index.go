// Copyright (C) 2025 AgentSignal (dev@agentsignal.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package index wraps the Weaviate vector index that serves agent search.
//
// The index holds one object per agent under the AgentClassName class. Object
// ids are derived deterministically from the agent's composite id, so every
// writer (ingestion, relational sync, the crawler, reconciliation) addresses
// the same object without coordination. Writers patch only the payload fields
// they own; full objects with vectors are written solely by ingestion and the
// re-embed processor.
package index

import (
	"context"
	"fmt"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"

	"github.com/AgentSignalAI/AgentSignal/services/registry/datatypes"
)

// AgentClassName is the Weaviate class that stores agent payloads.
const AgentClassName = "AgentRecord"

// agentNamespace seeds the deterministic object ids. It must never change:
// a different namespace would orphan every existing object.
var agentNamespace = uuid.MustParse("3b7a4f52-9c1d-4e8a-b6f0-2d5c8e1a7f43")

// ObjectID returns the deterministic Weaviate object id for an agent.
//
// The id is the UUIDv5 of the canonical "{chainId}:{tokenId}" string, so
// re-ingesting an agent always lands on the same object and batch writes
// become upserts.
func ObjectID(id datatypes.AgentID) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(agentNamespace, []byte(id.String())).String())
}

// Entry pairs an agent payload with its embedding vector for a batch write.
type Entry struct {
	Record datatypes.AgentRecord
	Vector []float32
}

// Index is the vector-index surface the sync workers depend on.
//
// Implementations must guarantee that UpsertAgents is idempotent per agent id
// and that PatchPayload merges the given fields without touching any other
// payload field or the stored vector.
type Index interface {
	// EnsureSchema creates the agent class if the index does not have it.
	EnsureSchema(ctx context.Context) error

	// UpsertAgents writes full payloads with vectors. Existing objects with
	// the same deterministic id are replaced.
	UpsertAgents(ctx context.Context, entries []Entry) error

	// PatchPayload merges the given payload fields into an agent's object.
	// The stored vector is preserved.
	PatchPayload(ctx context.Context, id datatypes.AgentID, fields map[string]any) error

	// GetRecord fetches an agent's payload. The second return is false when
	// the index has no object for the agent.
	GetRecord(ctx context.Context, id datatypes.AgentID) (datatypes.AgentRecord, bool, error)

	// ListCrawlCandidates returns active agents that advertise a capability
	// endpoint over a supported protocol.
	ListCrawlCandidates(ctx context.Context, limit int) ([]datatypes.AgentRecord, error)
}

// propertiesFor flattens an agent record into the Weaviate payload map.
func propertiesFor(r datatypes.AgentRecord) map[string]any {
	props := map[string]any{
		"agentId":            r.ID.String(),
		"chainId":            int64(r.ID.ChainID),
		"tokenId":            r.ID.TokenID,
		"name":               r.Name,
		"description":        r.Description,
		"active":             r.Active,
		"supportsA2A":        r.SupportsA2A,
		"supportsMCP":        r.SupportsMCP,
		"supportsPayments":   r.SupportsPayments,
		"operators":          toAnySlice(r.Operators),
		"aliases":            toAnySlice(r.Aliases),
		"capabilities":       toAnySlice(r.Capabilities),
		"capabilityEndpoint": r.CapabilityEndpoint,
		"tools":              toAnySlice(r.Tools),
		"prompts":            toAnySlice(r.Prompts),
		"resources":          toAnySlice(r.Resources),
		"skills":             toAnySlice(r.Skills),
		"domains":            toAnySlice(r.Domains),
		"reputationScore":    r.ReputationScore,
		"trustScore":         r.TrustScore,
		"updatedAt":          time.Now().UTC().Format(time.RFC3339),
	}
	if !r.LastReachableAt.IsZero() {
		props["lastReachableAt"] = r.LastReachableAt.UTC().Format(time.RFC3339)
	}
	if !r.CapsFetchedAt.IsZero() {
		props["capsFetchedAt"] = r.CapsFetchedAt.UTC().Format(time.RFC3339)
	}
	return props
}

// recordFromProps rebuilds an agent record from a GraphQL result object.
//
// Weaviate returns JSON maps, so numbers arrive as float64 and arrays as
// []interface{}. Missing or mistyped fields fall back to zero values rather
// than failing the whole read.
func recordFromProps(props map[string]any) (datatypes.AgentRecord, error) {
	id, err := datatypes.ParseAgentID(getString(props, "agentId"))
	if err != nil {
		return datatypes.AgentRecord{}, fmt.Errorf("index object has malformed agentId: %w", err)
	}
	return datatypes.AgentRecord{
		ID:                 id,
		Name:               getString(props, "name"),
		Description:        getString(props, "description"),
		Active:             getBool(props, "active"),
		SupportsA2A:        getBool(props, "supportsA2A"),
		SupportsMCP:        getBool(props, "supportsMCP"),
		SupportsPayments:   getBool(props, "supportsPayments"),
		Operators:          getStrings(props, "operators"),
		Aliases:            getStrings(props, "aliases"),
		Capabilities:       getStrings(props, "capabilities"),
		CapabilityEndpoint: getString(props, "capabilityEndpoint"),
		Tools:              getStrings(props, "tools"),
		Prompts:            getStrings(props, "prompts"),
		Resources:          getStrings(props, "resources"),
		Skills:             getStrings(props, "skills"),
		Domains:            getStrings(props, "domains"),
		ReputationScore:    getFloat(props, "reputationScore"),
		TrustScore:         getFloat(props, "trustScore"),
		LastReachableAt:    getTime(props, "lastReachableAt"),
		CapsFetchedAt:      getTime(props, "capsFetchedAt"),
	}, nil
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func getString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func getBool(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func getFloat(m map[string]any, key string) float64 {
	f, _ := m[key].(float64)
	return f
}

func getStrings(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func getTime(m map[string]any, key string) time.Time {
	s := getString(m, key)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
