// Package metrics exposes the ambient Prometheus /metrics and /healthz
// endpoints (observability, spec.md §9 ambient concerns), grounded on the
// teacher's internal/adapter/inbound/http metrics.go/health.go.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the process-wide Prometheus instruments tool invocations,
// rate limiting, circuit breakers, and caching record against.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	ToolCallsTotal      *prometheus.CounterVec
	RateLimitRejections *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
	CacheHitsTotal      *prometheus.CounterVec
	CacheMissesTotal    *prometheus.CounterVec
	ActiveConnections   prometheus.Gauge
	ThreatIntelLatency  *prometheus.HistogramVec
}

// New creates and registers all metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sentryd",
				Name:      "requests_total",
				Help:      "Total number of MCP requests processed, by method and outcome",
			},
			[]string{"method", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sentryd",
				Name:      "request_duration_seconds",
				Help:      "MCP request handling duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ToolCallsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sentryd",
				Name:      "tool_calls_total",
				Help:      "Total call_tool invocations, by tool name and outcome",
			},
			[]string{"tool", "status"},
		),
		RateLimitRejections: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sentryd",
				Name:      "rate_limit_rejections_total",
				Help:      "Total requests rejected by the rate limiter, by key type",
			},
			[]string{"key_type"},
		),
		CircuitBreakerState: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "sentryd",
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open), by breaker name",
			},
			[]string{"breaker"},
		),
		CacheHitsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sentryd",
				Name:      "cache_hits_total",
				Help:      "Total cache hits, by tier",
			},
			[]string{"tier"},
		),
		CacheMissesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sentryd",
				Name:      "cache_misses_total",
				Help:      "Total cache misses",
			},
			[]string{"tier"},
		),
		ActiveConnections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sentryd",
				Name:      "active_connections",
				Help:      "Number of currently open TCP transport connections",
			},
		),
		ThreatIntelLatency: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sentryd",
				Name:      "threat_intel_source_duration_seconds",
				Help:      "Threat-intel source call latency in seconds, by source name",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"source"},
		),
	}
}

// BreakerStateValue maps a breaker's textual state to the gauge encoding.
func BreakerStateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default: // closed
		return 0
	}
}
