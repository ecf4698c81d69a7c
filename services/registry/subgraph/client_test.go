// Copyright (C) 2025 AgentSignal (dev@agentsignal.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package subgraph

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AgentSignalAI/AgentSignal/services/registry/keys"
)

func testClient(keyList []string) *Client {
	km := keys.NewManager(keyList, nil, keys.StrategyFixed, slog.Default())
	return NewClient(km, 0)
}

func TestFetchFeedback_ParsesPage(t *testing.T) {
	var gotAuth string
	var gotVars map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req graphqlRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotVars = req.Variables

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"feedbacks":[
			{"id":"1-0xaa-3","tokenId":"42","score":"95","tag1":"reachable","tag2":"","context":"","submitter":"0xaa","revoked":false,"createdAt":"1700000100"},
			{"id":"1-0xbb-4","tokenId":"42","score":"150","tag1":"","tag2":"","context":"","submitter":"0xbb","revoked":true,"createdAt":"1700000200"}
		]}}`))
	}))
	defer server.Close()

	client := testClient([]string{"test-key"})
	chain := ChainConfig{ID: 1, SubgraphURL: server.URL}

	events, err := client.FetchFeedback(context.Background(), chain, 1700000000, 100)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "1700000000", gotVars["since"])
	assert.Equal(t, float64(100), gotVars["first"])

	assert.Equal(t, "1-0xaa-3", events[0].ID)
	assert.Equal(t, int64(1700000100), events[0].CreatedAt)
	assert.True(t, events[1].Revoked)
}

func TestFetchRegistrations_ParsesPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"registrations":[
			{"id":"1-7","tokenId":"7","name":"oracle-agent","description":"price oracle",
			 "active":true,"operators":["0xop"],"aliases":[],"capabilities":["price-feeds"],
			 "endpointUrl":"https://agent.example/mcp","supportsA2a":true,"supportsMcp":true,
			 "supportsPayments":false,"createdAt":"1699999000","updatedAt":"1699999000"}
		]}}`))
	}))
	defer server.Close()

	client := testClient([]string{"k"})
	regs, err := client.FetchRegistrations(context.Background(), ChainConfig{ID: 1, SubgraphURL: server.URL}, 0, 50)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, "oracle-agent", regs[0].Name)
	assert.Equal(t, int64(1699999000), regs[0].CreatedAt)
	assert.True(t, regs[0].SupportsMCP)
}

func TestFetchPage_KeyFallbackOnRateLimit(t *testing.T) {
	var seenKeys []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Authorization")
		seenKeys = append(seenKeys, key)
		if key == "Bearer bad-key" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"data":{"feedbacks":[]}}`))
	}))
	defer server.Close()

	client := testClient([]string{"bad-key", "good-key"})
	_, err := client.FetchFeedback(context.Background(), ChainConfig{ID: 1, SubgraphURL: server.URL}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"Bearer bad-key", "Bearer good-key"}, seenKeys)
}

func TestFetchPage_GraphQLErrorIsFatal(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"errors":[{"message":"Unknown field \"bogus\""}]}`))
	}))
	defer server.Close()

	client := testClient([]string{"k1", "k2"})
	_, err := client.FetchFeedback(context.Background(), ChainConfig{ID: 1, SubgraphURL: server.URL}, 0, 10)
	require.Error(t, err)

	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	assert.False(t, qe.Retryable())
	assert.Equal(t, 1, calls, "fatal query errors must not rotate keys")
}

func TestFetchPage_NoSubgraphURL(t *testing.T) {
	client := testClient([]string{"k"})
	_, err := client.FetchFeedback(context.Background(), ChainConfig{ID: 3}, 0, 10)
	assert.Error(t, err)
}

func TestQueryErrorRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  QueryError
		want bool
	}{
		{"rate limited", QueryError{StatusCode: 429}, true},
		{"server error", QueryError{StatusCode: 502}, true},
		{"request timeout", QueryError{StatusCode: 408}, true},
		{"bad request", QueryError{StatusCode: 400, Message: "bad variables"}, false},
		{"graphql malformed", QueryError{Message: "Unknown field"}, false},
		{"graphql rate limit", QueryError{Message: "rate limit exceeded for key"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Retryable())
		})
	}
}
