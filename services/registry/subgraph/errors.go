// Copyright (C) 2025 AgentSignal (dev@agentsignal.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package subgraph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedStream is returned for a stream name the client does not
// know. Fatal: no key rotation, no retry.
var ErrUnsupportedStream = errors.New("unsupported subgraph stream")

// QueryError is a typed failure from the external GraphQL source. It
// distinguishes retryable upstream conditions (timeout, 5xx, rate limit)
// from fatal request errors (malformed query, bad variables).
type QueryError struct {
	// StatusCode is the HTTP status, or 0 when the failure came from the
	// GraphQL errors array of a 200 response.
	StatusCode int

	// Message is the upstream error text.
	Message string
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("subgraph query failed: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("subgraph query failed: %s", e.Message)
}

// Retryable classifies the failure for key rotation. HTTP 408, 429 and all
// 5xx are retryable. Structured GraphQL errors are fatal except when the
// upstream spells out a rate-limit or timeout condition in the message.
func (e *QueryError) Retryable() bool {
	switch {
	case e.StatusCode == 408, e.StatusCode == 429:
		return true
	case e.StatusCode >= 500:
		return true
	case e.StatusCode != 0:
		return false
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "timeout")
}
