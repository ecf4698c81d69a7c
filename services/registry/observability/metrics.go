// Copyright (C) 2025 AgentSignal (dev@agentsignal.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability exports Prometheus metrics for the sync workers.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AgentSignalAI/AgentSignal/services/registry/datatypes"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentsignal",
		Subsystem: "sync",
		Name:      "worker_runs_total",
		Help:      "Worker invocations by outcome.",
	}, []string{"worker", "status"})

	itemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentsignal",
		Subsystem: "sync",
		Name:      "worker_items_total",
		Help:      "Items handled by workers, by disposition.",
	}, []string{"worker", "disposition"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentsignal",
		Subsystem: "sync",
		Name:      "worker_run_duration_seconds",
		Help:      "Wall-clock duration of worker invocations.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"worker"})

	reembedMarked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentsignal",
		Subsystem: "sync",
		Name:      "reembed_marked_total",
		Help:      "Agents newly flagged for re-embedding.",
	})
)

// RecordRun folds one worker result into the exported metrics.
func RecordRun(result datatypes.RunResult) {
	status := "success"
	if !result.Success {
		status = "failure"
	}
	runsTotal.WithLabelValues(result.Worker, status).Inc()
	runDuration.WithLabelValues(result.Worker).Observe(result.Duration.Seconds())

	itemsTotal.WithLabelValues(result.Worker, "processed").Add(float64(result.Processed))
	itemsTotal.WithLabelValues(result.Worker, "added").Add(float64(result.Added))
	itemsTotal.WithLabelValues(result.Worker, "skipped").Add(float64(result.Skipped))
	itemsTotal.WithLabelValues(result.Worker, "revoked").Add(float64(result.Revoked))
	itemsTotal.WithLabelValues(result.Worker, "errored").Add(float64(result.Errored))
	reembedMarked.Add(float64(result.Marked))
}
