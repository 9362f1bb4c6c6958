// Package metrics exposes the gateway's Prometheus instrumentation. All
// observation methods accept a nil receiver so components can run without it.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Operation outcome metrics, one observation per dispatched operation
	OperationTotal    *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// Provider attempt metrics
	ProviderAttemptTotal  *prometheus.CounterVec
	ProviderFallbackTotal *prometheus.CounterVec
	ProviderCostTotal     *prometheus.CounterVec

	// Cache metrics
	CacheLookupTotal *prometheus.CounterVec

	// Access metrics
	RateLimitRejectTotal prometheus.Counter

	// Realtime metrics
	RealtimeConnections prometheus.Gauge
	BroadcastDropTotal  prometheus.Counter
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics returns the process-wide Metrics, creating and registering it
// with the default registry on first use.
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mmg_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mmg_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),

		OperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mmg_operations_total",
			Help: "Dispatched operations by terminal status",
		}, []string{"operation", "provider", "status", "cache"}),

		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mmg_operation_latency_seconds",
			Help:    "End-to-end operation latency in seconds",
			Buckets: []float64{.001, .005, .025, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"operation", "provider"}),

		ProviderAttemptTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mmg_provider_attempts_total",
			Help: "Provider invocations by outcome",
		}, []string{"operation", "provider", "outcome"}),

		ProviderFallbackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mmg_provider_fallbacks_total",
			Help: "AUTO requests that moved on to the next provider",
		}, []string{"operation", "from"}),

		ProviderCostTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mmg_provider_cost_total",
			Help: "Provider cost recorded on the ledger",
		}, []string{"operation", "provider"}),

		CacheLookupTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mmg_cache_lookups_total",
			Help: "Result cache lookups by outcome",
		}, []string{"operation", "result"}),

		RateLimitRejectTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mmg_rate_limit_rejects_total",
			Help: "Requests rejected by the rate limiter",
		}),

		RealtimeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mmg_realtime_connections",
			Help: "Open realtime connections",
		}),

		BroadcastDropTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mmg_broadcast_drops_total",
			Help: "Collaboration messages dropped for slow or closed recipients",
		}),
	}

	registerMetrics(m)
	globalMetrics = m
	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	for _, c := range []prometheus.Collector{
		m.HTTPRequestTotal, m.HTTPRequestDuration,
		m.OperationTotal, m.OperationDuration,
		m.ProviderAttemptTotal, m.ProviderFallbackTotal, m.ProviderCostTotal,
		m.CacheLookupTotal, m.RateLimitRejectTotal,
		m.RealtimeConnections, m.BroadcastDropTotal,
	} {
		registerOrGet(c)
	}
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObserveOperation records a terminal operation outcome.
func (m *Metrics) ObserveOperation(op, provider, status string, cacheHit bool, latency time.Duration, cost float64) {
	if m == nil {
		return
	}
	cache := "miss"
	if cacheHit {
		cache = "hit"
	}
	m.OperationTotal.WithLabelValues(op, provider, status, cache).Inc()
	m.OperationDuration.WithLabelValues(op, provider).Observe(latency.Seconds())
	if cost > 0 {
		m.ProviderCostTotal.WithLabelValues(op, provider).Add(cost)
	}
}

// ObserveAttempt records one provider invocation.
func (m *Metrics) ObserveAttempt(op, provider, outcome string) {
	if m == nil {
		return
	}
	m.ProviderAttemptTotal.WithLabelValues(op, provider, outcome).Inc()
}

// ObserveFallback records a move past a failed provider.
func (m *Metrics) ObserveFallback(op, from string) {
	if m == nil {
		return
	}
	m.ProviderFallbackTotal.WithLabelValues(op, from).Inc()
}

// ObserveCache records a cache lookup.
func (m *Metrics) ObserveCache(op string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupTotal.WithLabelValues(op, result).Inc()
}

// RateLimited counts one rejected request.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.RateLimitRejectTotal.Inc()
}

// ConnectionOpened and ConnectionClosed track open realtime connections.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.RealtimeConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.RealtimeConnections.Dec()
}

// BroadcastDropped counts one undelivered collaboration message.
func (m *Metrics) BroadcastDropped() {
	if m == nil {
		return
	}
	m.BroadcastDropTotal.Inc()
}
