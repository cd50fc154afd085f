// Package metrics registers the Prometheus metrics exported by matchday.
// Collectors are created with promauto so they are registered on import;
// the server mounts promhttp.Handler at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cache metrics.
var (
	// CacheLookups counts cache reads by resource and result
	// ("hit", "miss", "stale").
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchday_cache_lookups_total",
			Help: "Cache lookups by resource and result.",
		},
		[]string{"resource", "result"},
	)

	// CacheBackendErrors counts failed backend operations that were degraded
	// to a miss or no-op.
	CacheBackendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchday_cache_backend_errors_total",
			Help: "Cache backend operations that failed and were degraded.",
		},
		[]string{"backend", "op"},
	)

	// CacheInvalidations counts keys removed by tag or pattern invalidation.
	CacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchday_cache_invalidated_keys_total",
			Help: "Keys removed by tag or pattern invalidation.",
		},
		[]string{"kind"},
	)
)

// Upstream metrics.
var (
	// UpstreamRequests counts upstream HTTP attempts by endpoint and outcome
	// ("success", "empty", "status_error", "transport_error").
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchday_upstream_requests_total",
			Help: "Upstream sports-data API requests by endpoint and outcome.",
		},
		[]string{"endpoint", "outcome"},
	)

	// UpstreamDuration observes upstream call latency including retries.
	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "matchday_upstream_request_duration_seconds",
			Help:    "Upstream request duration in seconds, retries included.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint"},
	)

	// FetchResults counts orchestrated fetches by resource and the source
	// that finally served them ("cache", "upstream", "stale", "fallback", "empty").
	FetchResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchday_fetch_results_total",
			Help: "Orchestrated fetches by resource and serving source.",
		},
		[]string{"resource", "source"},
	)

	// UpstreamCallsRemaining tracks the outbound call budget left in the
	// current sliding window.
	UpstreamCallsRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "matchday_upstream_calls_remaining",
			Help: "Outbound upstream calls left in the sliding window.",
		},
	)

	// CircuitBreakerState tracks the upstream circuit breaker state:
	// 0 = closed, 1 = open, 2 = half_open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "matchday_circuit_breaker_state",
			Help: "Upstream circuit breaker state (0=closed 1=open 2=half_open).",
		},
		[]string{"upstream"},
	)

	// RateLimitRejections counts refusals by limiter: "ip" for inbound API
	// clients, "upstream" for outbound calls refused by the call window.
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchday_rate_limit_rejections_total",
			Help: "Requests refused by rate limiting.",
		},
		[]string{"limiter"},
	)
)

// CronRuns counts cron refresh jobs by job name and status.
var CronRuns = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "matchday_cron_runs_total",
		Help: "Cron refresh runs by job and status.",
	},
	[]string{"job", "status"},
)
