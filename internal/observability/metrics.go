// Package observability wires prometheus metrics and OpenTelemetry tracing
// for the MCPP server.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsManager manages Prometheus metrics.
type MetricsManager struct {
	logger   *zap.Logger
	registry *prometheus.Registry
	started  time.Time

	uptime          prometheus.Gauge
	rpcRequests     *prometheus.CounterVec
	rpcDuration     *prometheus.HistogramVec
	policyDecisions *prometheus.CounterVec
	consentOutcomes *prometheus.CounterVec
	cacheOps        *prometheus.CounterVec
	cacheEntries    prometheus.Gauge
	pendingConsents prometheus.Gauge
}

// NewMetricsManager creates a metrics manager with a private registry.
func NewMetricsManager(logger *zap.Logger) *MetricsManager {
	registry := prometheus.NewRegistry()

	mm := &MetricsManager{
		logger:   logger,
		registry: registry,
		started:  time.Now(),
	}

	mm.initMetrics()
	mm.registerMetrics()

	return mm
}

// initMetrics initializes all Prometheus metrics.
func (mm *MetricsManager) initMetrics() {
	mm.uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpp_uptime_seconds",
		Help: "Time since the application started",
	})

	mm.rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpp_rpc_requests_total",
			Help: "Total number of JSON-RPC requests",
		},
		[]string{"method", "status"},
	)

	mm.rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpp_rpc_request_duration_seconds",
			Help:    "JSON-RPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	mm.policyDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpp_policy_decisions_total",
			Help: "Policy evaluation outcomes",
		},
		[]string{"outcome"},
	)

	mm.consentOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpp_consent_outcomes_total",
			Help: "Consent request outcomes",
		},
		[]string{"outcome"},
	)

	mm.cacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpp_cache_operations_total",
			Help: "Data cache operations",
		},
		[]string{"operation"},
	)

	mm.cacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpp_cache_entries",
		Help: "Number of entries in the data cache",
	})

	mm.pendingConsents = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpp_pending_consents",
		Help: "Number of unresolved consent requests",
	})
}

// registerMetrics registers all metrics with the registry.
func (mm *MetricsManager) registerMetrics() {
	mm.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		mm.uptime,
		mm.rpcRequests,
		mm.rpcDuration,
		mm.policyDecisions,
		mm.consentOutcomes,
		mm.cacheOps,
		mm.cacheEntries,
		mm.pendingConsents,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (mm *MetricsManager) Handler() http.Handler {
	return promhttp.HandlerFor(mm.registry, promhttp.HandlerOpts{})
}

// RecordRPC records one JSON-RPC request.
func (mm *MetricsManager) RecordRPC(method, status string, duration time.Duration) {
	mm.uptime.Set(time.Since(mm.started).Seconds())
	mm.rpcRequests.WithLabelValues(method, status).Inc()
	mm.rpcDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordPolicyDecision records a policy evaluation outcome (allow/deny/prompt).
func (mm *MetricsManager) RecordPolicyDecision(outcome string) {
	mm.policyDecisions.WithLabelValues(outcome).Inc()
}

// RecordConsentOutcome records a consent outcome (allow/deny/timeout/cancelled).
func (mm *MetricsManager) RecordConsentOutcome(outcome string) {
	mm.consentOutcomes.WithLabelValues(outcome).Inc()
}

// RecordCacheOp records a data cache operation (put/get/hit/miss/delete).
func (mm *MetricsManager) RecordCacheOp(operation string) {
	mm.cacheOps.WithLabelValues(operation).Inc()
}

// SetCacheEntries updates the cache size gauge.
func (mm *MetricsManager) SetCacheEntries(n int) {
	mm.cacheEntries.Set(float64(n))
}

// SetPendingConsents updates the pending consent gauge.
func (mm *MetricsManager) SetPendingConsents(n int) {
	mm.pendingConsents.Set(float64(n))
}
