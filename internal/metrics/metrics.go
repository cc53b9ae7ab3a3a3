// Package metrics provides Prometheus metrics instrumentation for the bridge
// coordinator.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector provides metrics recording interface.
// This allows components to record metrics without direct prometheus dependency.
type Collector interface {
	// Session metrics
	RecordStateTransition(ctx context.Context, from, to string)
	RecordSessionOutcome(ctx context.Context, outcome string, lifetime time.Duration)
	RecordActiveSessions(ctx context.Context, count int)
	RecordBridgeError(ctx context.Context, kind string)

	// Tunnel metrics
	RecordHandshakeWait(ctx context.Context, status string, duration time.Duration)
	RecordEntryPointsInUse(ctx context.Context, count int)

	// Cluster API metrics
	RecordClusterOp(ctx context.Context, operation, resource, status string, duration time.Duration)

	// Interceptor metrics
	RecordInterceptorOp(ctx context.Context, operation, status string, duration time.Duration)

	// Cleanup metrics
	RecordCleanupAttempts(ctx context.Context, status string, attempts int)

	// Gateway metrics
	RecordDNSQuery(ctx context.Context, route string)
}

// prometheusCollector implements Collector using Prometheus metrics.
type prometheusCollector struct {
	stateTransitions *prometheus.CounterVec
	sessionLifetime  *prometheus.HistogramVec
	activeSessions   prometheus.Gauge
	bridgeErrors     *prometheus.CounterVec

	handshakeWait    *prometheus.HistogramVec
	entryPointsInUse prometheus.Gauge

	clusterOpDuration *prometheus.HistogramVec
	clusterOpsTotal   *prometheus.CounterVec

	interceptorOpDuration *prometheus.HistogramVec
	interceptorOpsTotal   *prometheus.CounterVec

	cleanupAttempts *prometheus.HistogramVec

	dnsQueriesTotal *prometheus.CounterVec
}

// NewCollector creates a new Prometheus metrics collector and registers metrics.
func NewCollector(reg prometheus.Registerer) Collector {
	c := &prometheusCollector{}
	c.initSessionMetrics()
	c.initTunnelMetrics()
	c.initClusterMetrics()
	c.initGatewayMetrics()
	c.register(reg)

	return c
}

// RecordStateTransition records one session state machine transition.
func (c *prometheusCollector) RecordStateTransition(_ context.Context, from, to string) {
	c.stateTransitions.WithLabelValues(from, to).Inc()
}

// RecordSessionOutcome records a finished session and its total lifetime.
func (c *prometheusCollector) RecordSessionOutcome(
	_ context.Context,
	outcome string,
	lifetime time.Duration,
) {
	c.sessionLifetime.WithLabelValues(outcome).Observe(lifetime.Seconds())
}

// RecordActiveSessions records the number of sessions not yet torn down.
func (c *prometheusCollector) RecordActiveSessions(_ context.Context, count int) {
	c.activeSessions.Set(float64(count))
}

// RecordBridgeError records a bridge error by taxonomy kind.
func (c *prometheusCollector) RecordBridgeError(_ context.Context, kind string) {
	c.bridgeErrors.WithLabelValues(kind).Inc()
}

// RecordHandshakeWait records how long a session waited for the tunnel
// handshake and with what result.
func (c *prometheusCollector) RecordHandshakeWait(
	_ context.Context,
	status string,
	duration time.Duration,
) {
	c.handshakeWait.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordEntryPointsInUse records the number of allocated ephemeral entry points.
func (c *prometheusCollector) RecordEntryPointsInUse(_ context.Context, count int) {
	c.entryPointsInUse.Set(float64(count))
}

// RecordClusterOp records a cluster API call.
func (c *prometheusCollector) RecordClusterOp(
	_ context.Context,
	operation, resource, status string,
	duration time.Duration,
) {
	c.clusterOpDuration.WithLabelValues(operation, resource).Observe(duration.Seconds())
	c.clusterOpsTotal.WithLabelValues(operation, resource, status).Inc()
}

// RecordInterceptorOp records an interceptor install/mode/uninstall operation.
func (c *prometheusCollector) RecordInterceptorOp(
	_ context.Context,
	operation, status string,
	duration time.Duration,
) {
	c.interceptorOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
	c.interceptorOpsTotal.WithLabelValues(operation, status).Inc()
}

// RecordCleanupAttempts records how many attempts a cleanup pass needed.
func (c *prometheusCollector) RecordCleanupAttempts(_ context.Context, status string, attempts int) {
	c.cleanupAttempts.WithLabelValues(status).Observe(float64(attempts))
}

// RecordDNSQuery records a gateway DNS query by route (cluster or upstream).
func (c *prometheusCollector) RecordDNSQuery(_ context.Context, route string) {
	c.dnsQueriesTotal.WithLabelValues(route).Inc()
}

func (c *prometheusCollector) initSessionMetrics() {
	c.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbridge_session_transitions_total",
			Help: "Session state machine transitions",
		},
		[]string{"from", "to"},
	)
	c.sessionLifetime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kbridge_session_lifetime_seconds",
			Help:    "Total lifetime of finished sessions by outcome",
			Buckets: []float64{1, 10, 60, 300, 1800, 3600, 14400},
		},
		[]string{"outcome"},
	)
	c.activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kbridge_active_sessions",
			Help: "Sessions not yet torn down",
		},
	)
	c.bridgeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbridge_errors_total",
			Help: "Bridge errors by taxonomy kind",
		},
		[]string{"kind"},
	)
}

func (c *prometheusCollector) initTunnelMetrics() {
	c.handshakeWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kbridge_handshake_wait_seconds",
			Help:    "Time spent waiting for tunnel handshake",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"status"},
	)
	c.entryPointsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kbridge_entry_points_in_use",
			Help: "Allocated ephemeral entry points",
		},
	)
}

func (c *prometheusCollector) initClusterMetrics() {
	c.clusterOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kbridge_cluster_op_duration_seconds",
			Help:    "Duration of cluster API operations",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"operation", "resource"},
	)
	c.clusterOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbridge_cluster_ops_total",
			Help: "Total cluster API operations",
		},
		[]string{"operation", "resource", "status"},
	)
	c.interceptorOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kbridge_interceptor_op_duration_seconds",
			Help:    "Duration of interceptor operations",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)
	c.interceptorOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbridge_interceptor_ops_total",
			Help: "Total interceptor operations",
		},
		[]string{"operation", "status"},
	)
	c.cleanupAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kbridge_cleanup_attempts",
			Help:    "Attempts needed per cleanup pass",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
		[]string{"status"},
	)
}

func (c *prometheusCollector) initGatewayMetrics() {
	c.dnsQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbridge_dns_queries_total",
			Help: "Gateway DNS queries by resolution route",
		},
		[]string{"route"},
	)
}

func (c *prometheusCollector) register(reg prometheus.Registerer) {
	reg.MustRegister(
		c.stateTransitions,
		c.sessionLifetime,
		c.activeSessions,
		c.bridgeErrors,
		c.handshakeWait,
		c.entryPointsInUse,
		c.clusterOpDuration,
		c.clusterOpsTotal,
		c.interceptorOpDuration,
		c.interceptorOpsTotal,
		c.cleanupAttempts,
		c.dnsQueriesTotal,
	)
}

// NoopCollector is a no-op implementation of Collector for testing.
type NoopCollector struct{}

// NewNoopCollector creates a new no-op collector.
func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

// RecordStateTransition is a no-op.
func (c *NoopCollector) RecordStateTransition(_ context.Context, _, _ string) {}

// RecordSessionOutcome is a no-op.
func (c *NoopCollector) RecordSessionOutcome(_ context.Context, _ string, _ time.Duration) {}

// RecordActiveSessions is a no-op.
func (c *NoopCollector) RecordActiveSessions(_ context.Context, _ int) {}

// RecordBridgeError is a no-op.
func (c *NoopCollector) RecordBridgeError(_ context.Context, _ string) {}

// RecordHandshakeWait is a no-op.
func (c *NoopCollector) RecordHandshakeWait(_ context.Context, _ string, _ time.Duration) {}

// RecordEntryPointsInUse is a no-op.
func (c *NoopCollector) RecordEntryPointsInUse(_ context.Context, _ int) {}

// RecordClusterOp is a no-op.
func (c *NoopCollector) RecordClusterOp(_ context.Context, _, _, _ string, _ time.Duration) {}

// RecordInterceptorOp is a no-op.
func (c *NoopCollector) RecordInterceptorOp(_ context.Context, _, _ string, _ time.Duration) {}

// RecordCleanupAttempts is a no-op.
func (c *NoopCollector) RecordCleanupAttempts(_ context.Context, _ string, _ int) {}

// RecordDNSQuery is a no-op.
func (c *NoopCollector) RecordDNSQuery(_ context.Context, _ string) {}
