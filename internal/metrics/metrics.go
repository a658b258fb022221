// Package metrics defines the Prometheus instrumentation surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SearchRequests counts search calls by outcome (ok, invalid,
	// unavailable, error).
	SearchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "commontrace",
		Name:      "search_requests_total",
		Help:      "Search requests by outcome.",
	}, []string{"outcome"})

	// SearchDuration observes end-to-end search pipeline latency.
	SearchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "commontrace",
		Name:      "search_duration_seconds",
		Help:      "Search pipeline latency.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	// TracesCreated counts accepted trace submissions.
	TracesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "commontrace",
		Name:      "traces_created_total",
		Help:      "Traces accepted for storage.",
	})

	// TracesEmbedded counts traces whose embeddings the worker filled.
	TracesEmbedded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "commontrace",
		Name:      "traces_embedded_total",
		Help:      "Traces embedded by the background worker.",
	})

	// VotesRecorded counts votes by direction.
	VotesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "commontrace",
		Name:      "votes_recorded_total",
		Help:      "Votes recorded by direction.",
	}, []string{"vote_type"})

	// ConsolidationRuns counts sleep cycles by terminal status.
	ConsolidationRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "commontrace",
		Name:      "consolidation_runs_total",
		Help:      "Consolidation cycles by terminal status.",
	}, []string{"status"})

	// ConsolidationJobErrors counts failed sub-jobs by name.
	ConsolidationJobErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "commontrace",
		Name:      "consolidation_job_errors_total",
		Help:      "Consolidation sub-job failures.",
	}, []string{"job"})

	// SideEffectFailures counts fire-and-forget retrieval side-effects
	// that were logged and dropped.
	SideEffectFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "commontrace",
		Name:      "side_effect_failures_total",
		Help:      "Dropped retrieval side-effect tasks.",
	})
)
