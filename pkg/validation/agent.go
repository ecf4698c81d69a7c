// Copyright (C) 2025 AgentSignal (dev@agentsignal.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation utilities for values that end
// up in database statements, index payloads, or outbound request URLs.
//
// Subgraph responses and agent-hosted endpoints are untrusted input. Values
// taken from them are validated here before they are used as keys or query
// parameters, preventing injection and malformed-key corruption.
package validation

import (
	"fmt"
	"net/url"
	"regexp"
)

// tokenIDPattern matches registry token ids: decimal strings up to 78 digits
// (enough for a 256-bit id), no sign, no leading whitespace.
var tokenIDPattern = regexp.MustCompile(`^[0-9]{1,78}$`)

// tagPattern matches classification and feedback tag slugs: lowercase
// alphanumerics separated by single hyphens or underscores, max 64 chars.
var tagPattern = regexp.MustCompile(`^[a-z0-9]+(?:[-_][a-z0-9]+)*$`)

// ValidateTokenID validates a registry token id taken from an external
// source before it becomes part of an agent key.
func ValidateTokenID(tokenID string) error {
	if tokenID == "" {
		return fmt.Errorf("token id cannot be empty")
	}
	if !tokenIDPattern.MatchString(tokenID) {
		return fmt.Errorf("invalid token id %q: must be a decimal string of at most 78 digits", tokenID)
	}
	return nil
}

// ValidateChainID validates a declared chain id. A zero id is invalid: it
// would collide with the missing-value default and corrupt agent keys.
func ValidateChainID(chainID uint64) error {
	if chainID == 0 {
		return fmt.Errorf("chain id cannot be zero")
	}
	return nil
}

// ValidateTag validates a tag slug before it is stored or used in an index
// filter.
func ValidateTag(tag string) error {
	if tag == "" {
		return fmt.Errorf("tag cannot be empty")
	}
	if len(tag) > 64 {
		return fmt.Errorf("tag too long: %d chars (max 64)", len(tag))
	}
	if !tagPattern.MatchString(tag) {
		return fmt.Errorf("invalid tag %q: must be lowercase alphanumeric slugs", tag)
	}
	return nil
}

// ValidateEndpointURL validates an agent-advertised capability endpoint
// before the crawler connects to it. Only http and https are allowed.
func ValidateEndpointURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("endpoint url cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid endpoint url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid endpoint url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid endpoint url %q: missing host", raw)
	}
	return nil
}
