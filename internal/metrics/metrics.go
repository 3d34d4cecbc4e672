// Package metrics registers the Prometheus metrics used by the gateway.
// Import this package (via blank import) from the server entry point to
// register all metrics before the /metrics handler is mounted.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request-level counters and histograms.
var (
	// RequestsTotal counts completed requests labelled by provider, model, and
	// outcome ("success", "error", "cached"); rate-limit and budget
	// rejections are counted as "error".
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of requests processed by the gateway.",
		},
		[]string{"provider", "model", "status"},
	)

	// RequestDuration observes end-to-end request latency in seconds.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end request duration in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider", "model"},
	)

	// TokensUsed counts total tokens consumed per provider and model.
	TokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Total tokens consumed per provider and model.",
		},
		[]string{"provider", "model"},
	)

	// RequestCostUSD accumulates estimated request cost in USD. Display only:
	// accounting uses the decimal budget path.
	RequestCostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_request_cost_usd_total",
			Help: "Total estimated request cost in USD.",
		},
		[]string{"provider", "model"},
	)

	// ProviderErrors counts adapter errors broken down by provider and kind.
	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_provider_errors_total",
			Help: "Total provider errors by kind.",
		},
		[]string{"provider", "error_kind"},
	)

	// CircuitBreakerState tracks per-model circuit state as a gauge:
	// 0 = closed, 1 = open, 2 = half_open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state per model (0=closed 1=open 2=half_open).",
		},
		[]string{"model"},
	)

	// CacheEvents counts cache lookups by result ("hit", "miss").
	CacheEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cache_events_total",
			Help: "Cache lookups by result.",
		},
		[]string{"result"},
	)

	// RateLimitRejections counts requests rejected by the rate limiter,
	// labelled by route class.
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_rejections_total",
			Help: "Total requests rejected by rate limiting.",
		},
		[]string{"route_class"},
	)

	// BudgetRejections counts requests rejected by budget admission,
	// labelled by the first failing dimension.
	BudgetRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_budget_rejections_total",
			Help: "Total requests rejected by budget admission.",
		},
		[]string{"dimension"},
	)

	// UsageQueueDropped counts usage log entries dropped on queue overflow.
	UsageQueueDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_usage_queue_dropped_total",
			Help: "Usage log entries dropped because the queue was full.",
		},
	)
)
