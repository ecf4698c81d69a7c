// Copyright (C) 2025 AgentSignal (dev@agentsignal.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package contenthash computes a stable hash over the agent fields that
// materially affect the semantic embedding.
//
// The hash is stored in the per-agent sync metadata after every embed.
// Re-ingesting an agent whose hash is unchanged skips the embedding
// provider entirely and only patches non-semantic payload fields, which is
// what keeps ingestion cheap on the common no-op update.
package contenthash

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/AgentSignalAI/AgentSignal/services/registry/datatypes"
)

// fieldSep separates the hashed fields so that ("ab","c") and ("a","bc")
// cannot collide.
const fieldSep = "\x1f"

// Compute returns the hex-encoded SHA-256 over the agent's semantic fields:
// name, description, declared capabilities, and classification skill/domain
// tags. List fields are sorted first so ordering differences between source
// fetches do not force a re-embed.
func Compute(rec *datatypes.AgentRecord) string {
	parts := []string{
		rec.Name,
		rec.Description,
		joinSorted(rec.Capabilities),
		joinSorted(rec.Skills),
		joinSorted(rec.Domains),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, fieldSep)))
	return hex.EncodeToString(sum[:])
}

func joinSorted(values []string) string {
	if len(values) == 0 {
		return ""
	}
	sorted := make([]string, len(values))
	copy(sorted, values)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
