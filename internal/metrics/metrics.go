// Package metrics provides Prometheus metrics for the coin tracker.
// Scrape these at /metrics for Grafana dashboards and alerting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coin_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coin_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Upstream API Metrics
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coin_upstream_requests_total",
			Help: "Total number of market data API requests by result",
		},
		[]string{"result"}, // "success", "rate_limited", "timeout", "network", "http", "malformed"
	)

	UpstreamRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coin_upstream_request_duration_seconds",
			Help:    "Market data API call latency",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	// Governor Metrics
	GovernorDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coin_governor_denials_total",
			Help: "Upstream fetch permits denied by reason",
		},
		[]string{"reason"}, // "too_soon", "in_flight"
	)

	GovernorRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coin_governor_retries_total",
			Help: "Upstream fetch retries by cause",
		},
		[]string{"cause"}, // "rate_limited", "transient"
	)

	GovernorBackoffSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coin_governor_backoff_seconds",
			Help:    "Delay applied before an upstream retry",
			Buckets: []float64{1, 5, 10, 20, 30, 60, 120, 240},
		},
	)

	GovernorRateLimitStreak = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coin_governor_rate_limit_streak",
			Help: "Consecutive rate-limited responses since the last successful fetch",
		},
	)

	LastSuccessfulFetch = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coin_last_successful_fetch_timestamp_seconds",
			Help: "Unix time of the last successful upstream fetch",
		},
	)

	// Refresh Metrics
	RefreshOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coin_refresh_outcomes_total",
			Help: "Refresh and history capture outcomes",
		},
		[]string{"operation", "outcome"}, // operation: "current", "history"
	)

	RefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coin_refresh_duration_seconds",
			Help:    "Time taken by a refresh including retries",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"operation"},
	)

	// Store Metrics
	CurrentCoins = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coin_current_snapshot_size",
			Help: "Number of coins in the current snapshot",
		},
	)

	HistoryRecordsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coin_history_records_total",
			Help: "Total number of history records appended",
		},
	)

	HistoryCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coin_history_cache_hits_total",
			Help: "History read cache hit count",
		},
	)

	HistoryCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coin_history_cache_misses_total",
			Help: "History read cache miss count",
		},
	)

	// Scheduler Metrics
	SchedulerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coin_scheduler_runs_total",
			Help: "Scheduled job executions",
		},
		[]string{"job", "result"}, // result: "ok", "error", "panic"
	)
)
