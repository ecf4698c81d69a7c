// Copyright (C) 2025 AgentSignal (dev@agentsignal.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the shared data model for the registry sync
// engine: agent identity, the canonical vector-index payload, relational
// records, and worker results.
//
// Types in this package are plain data carriers. Persistence lives in the
// store and index packages; the workers only pass these values around.
package datatypes

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AgentID is the composite identity of a registered agent.
//
// An agent is uniquely identified by the chain it was registered on and its
// registry token id on that chain. The identity is immutable once assigned.
type AgentID struct {
	// ChainID is the numeric chain identifier (e.g. 1 for mainnet).
	ChainID uint64

	// TokenID is the registry token id, kept as a string because some
	// chains mint ids wider than 64 bits.
	TokenID string
}

// String returns the canonical "{chainId}:{tokenId}" form.
//
// This form is used as the relational-store key and as the seed for the
// deterministic vector-index object id.
func (id AgentID) String() string {
	return fmt.Sprintf("%d:%s", id.ChainID, id.TokenID)
}

// IsZero reports whether the id is unset.
func (id AgentID) IsZero() bool {
	return id.ChainID == 0 && id.TokenID == ""
}

// ParseAgentID parses the canonical "{chainId}:{tokenId}" form.
//
// Outputs:
//
//	AgentID - The parsed id.
//	error - Non-nil if the input is not in canonical form.
func ParseAgentID(s string) (AgentID, error) {
	chainStr, tokenID, ok := strings.Cut(s, ":")
	if !ok || tokenID == "" {
		return AgentID{}, fmt.Errorf("invalid agent id %q: want chainId:tokenId", s)
	}
	chainID, err := strconv.ParseUint(chainStr, 10, 64)
	if err != nil {
		return AgentID{}, fmt.Errorf("invalid agent id %q: bad chain id: %w", s, err)
	}
	return AgentID{ChainID: chainID, TokenID: tokenID}, nil
}

// AgentRecord is the canonical agent payload held in the vector index.
//
// No single worker owns the whole record. Fields are independently patchable
// and each is owned by whichever worker last wrote it: ingestion owns name,
// description and protocol flags; the relational sync worker owns
// classification, reputation and trust score; the crawler owns the
// capability lists; the feedback worker owns the reachability timestamp.
type AgentRecord struct {
	ID AgentID

	Name        string
	Description string
	Active      bool

	// Protocol support flags declared at registration time.
	SupportsA2A      bool
	SupportsMCP      bool
	SupportsPayments bool

	Operators    []string
	Aliases      []string
	Capabilities []string

	// CapabilityEndpoint is the agent-hosted endpoint polled by the
	// capability crawler. Empty when the agent does not advertise one.
	CapabilityEndpoint string

	// Crawled capability metadata. Preserved across failed crawls.
	Tools     []string
	Prompts   []string
	Resources []string

	// Derived relational-store fields.
	Skills          []string
	Domains         []string
	ReputationScore float64
	TrustScore      float64

	LastReachableAt time.Time
	CapsFetchedAt   time.Time
}

// EmbeddingText assembles the text that is embedded for semantic search.
//
// The semantic surface of an agent is its name, description, declared
// capabilities and (once classified) its skill and domain tags. The content
// hash covers exactly this text, so an unchanged EmbeddingText means no
// re-embedding is required.
func (r *AgentRecord) EmbeddingText() string {
	var b strings.Builder
	b.WriteString(r.Name)
	if r.Description != "" {
		b.WriteString("\n")
		b.WriteString(r.Description)
	}
	if len(r.Capabilities) > 0 {
		b.WriteString("\nCapabilities: ")
		b.WriteString(strings.Join(r.Capabilities, ", "))
	}
	if len(r.Skills) > 0 {
		b.WriteString("\nSkills: ")
		b.WriteString(strings.Join(r.Skills, ", "))
	}
	if len(r.Domains) > 0 {
		b.WriteString("\nDomains: ")
		b.WriteString(strings.Join(r.Domains, ", "))
	}
	return b.String()
}
