// Package metrics provides Prometheus instrumentation for the dispatch service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunningTasks tracks the number of currently running scheduler tasks.
	RunningTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_running_tasks",
			Help: "Number of invocations currently holding a concurrency slot.",
		},
	)

	// QueuedTasks tracks the depth of the scheduler's admission queue.
	QueuedTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_queued_tasks",
			Help: "Number of admitted invocations waiting for a slot.",
		},
	)

	// InvocationsTotal tracks completed invocations by provider and status.
	InvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_invocations_total",
			Help: "Total invocations by provider and terminal status.",
		},
		[]string{"provider", "status"}, // status: success, error, cancelled
	)

	// InvocationLatency tracks end-to-end invocation latency in seconds.
	InvocationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_invocation_latency_seconds",
			Help:    "End-to-end invocation latency in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider", "streaming"},
	)

	// RateLimitDenials tracks admission denials by limiting key class.
	RateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_rate_limit_denials_total",
			Help: "Total requests denied by a rate-limit policy.",
		},
		[]string{"scope"}, // scope: user, global
	)

	// TokenUsageTotal tracks tokens consumed per provider.
	TokenUsageTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_token_usage_total",
			Help: "Total tokens consumed by provider and direction.",
		},
		[]string{"provider", "direction"}, // direction: prompt, completion
	)

	// CacheHitsTotal tracks response cache hits.
	CacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_cache_hits_total",
			Help: "Total response cache hits.",
		},
	)

	// CacheLookupsTotal tracks response cache lookups.
	CacheLookupsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_cache_lookups_total",
			Help: "Total response cache lookups.",
		},
	)
)
