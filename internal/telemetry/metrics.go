// Package telemetry provides observability primitives for the Forge gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/forgelabs/forge/internal/cache"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	WalletRejects    prometheus.Counter
	BreakerRejects   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forge",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "forge",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "forge",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "forge",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forge",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"provider", "status"}),

		WalletRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "forge",
			Name:      "wallet_precheck_rejects_total",
			Help:      "Total requests rejected by the billable wallet precheck.",
		}),

		BreakerRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forge",
			Name:      "breaker_rejects_total",
			Help:      "Total requests short-circuited by an open circuit breaker.",
		}, []string{"provider"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.WalletRejects,
		m.BreakerRejects,
	)

	return m
}

// ObserveCacheTier registers hit/miss/entry collectors for one cache tier,
// reading the tier's cumulative counters on scrape.
func ObserveCacheTier(reg prometheus.Registerer, tier string, stats func() cache.Stats) {
	labels := prometheus.Labels{"tier": tier}
	reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   "forge",
			Name:        "cache_hits_total",
			Help:        "Total cache hits.",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().Hits) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   "forge",
			Name:        "cache_misses_total",
			Help:        "Total cache misses.",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().Misses) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "forge",
			Name:        "cache_entries",
			Help:        "Current cache entry count, -1 when the backend cannot count cheaply.",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().Entries) }),
	)
}

// ObserveFinalizer registers a gauge tracking the detached usage-finalizer
// backlog.
func ObserveFinalizer(reg prometheus.Registerer, inflight func() int64) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "forge",
		Name:      "usage_finalizer_inflight",
		Help:      "Usage finalization tasks currently in flight.",
	}, func() float64 { return float64(inflight()) }))
}
