// Copyright (C) 2025 AgentSignal (dev@agentsignal.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// RunResult is the structured outcome every worker returns to its invoker.
//
// Workers never raise past their boundary for expected failure classes;
// the Success flag and Error string carry the outcome to the scheduler and
// observability layer instead. Only missing required configuration is
// allowed to surface as a hard error.
type RunResult struct {
	// Worker is the reporting worker's name.
	Worker string `json:"worker"`

	// Processed counts source items examined this run.
	Processed int `json:"processed"`

	// Added counts newly inserted or newly upserted items.
	Added int `json:"added"`

	// Skipped counts items intentionally not applied (dedup hits,
	// unchanged content hashes).
	Skipped int `json:"skipped"`

	// Revoked counts source events withdrawn at the source and therefore
	// never applied. Reported separately from Skipped so replay dedup
	// and revocation stay distinguishable.
	Revoked int `json:"revoked,omitempty"`

	// Errored counts items that failed individually while the run
	// continued (partial-failure isolation).
	Errored int `json:"errored"`

	// Marked counts agents newly flagged for re-embedding, where the
	// worker does that.
	Marked int `json:"marked,omitempty"`

	// Success is false when the run hit a fatal error. Partial progress
	// may still have been persisted.
	Success bool `json:"success"`

	// Error is the fatal error string, empty on success.
	Error string `json:"error,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Fail records a fatal error on the result and returns it.
func (r RunResult) Fail(err error) RunResult {
	r.Success = false
	if err != nil {
		r.Error = err.Error()
	}
	return r
}
