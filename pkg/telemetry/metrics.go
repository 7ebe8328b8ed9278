// Package telemetry exposes Prometheus metrics for the bridge.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus instruments for the bridge. Each instance
// carries its own registry so tests never collide on duplicate registration.
type Metrics struct {
	registry *prometheus.Registry

	ToolCalls       *prometheus.CounterVec
	ToolLatency     *prometheus.HistogramVec
	UpstreamCalls   *prometheus.CounterVec
	UpstreamLatency *prometheus.HistogramVec
	KeyStateChanges *prometheus.CounterVec
	RateLimited     *prometheus.CounterVec
	GateWait        prometheus.Histogram
	GateTimeouts    prometheus.Counter
	ActiveSessions  prometheus.Gauge
	CreditsLeft     *prometheus.GaugeVec
}

// NewMetrics creates and registers all bridge metrics on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		ToolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_tool_calls_total",
				Help: "Total MCP tool calls handled, by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		ToolLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_tool_latency_seconds",
				Help:    "End to end latency of MCP tool calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		UpstreamCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_upstream_calls_total",
				Help: "Upstream provider requests, by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		UpstreamLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_upstream_latency_seconds",
				Help:    "Latency of upstream provider requests",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),
		KeyStateChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_key_state_changes_total",
				Help: "Upstream key state transitions, by provider and new state",
			},
			[]string{"provider", "state"},
		),
		RateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_rate_limited_total",
				Help: "Requests rejected by the local fixed window limiter",
			},
			[]string{"scope"},
		),
		GateWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bridge_gate_wait_seconds",
				Help:    "Time requests spent queued at the upstream rate gate",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		GateTimeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bridge_gate_timeouts_total",
				Help: "Requests that gave up waiting at the upstream rate gate",
			},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_active_sessions",
				Help: "Currently tracked MCP sessions",
			},
		),
		CreditsLeft: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bridge_key_credits_remaining",
				Help: "Last observed remaining credits per upstream key",
			},
			[]string{"provider", "key_id"},
		),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordToolCall records one finished MCP tool call.
func (m *Metrics) RecordToolCall(tool, outcome string, elapsed time.Duration) {
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
	m.ToolLatency.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// RecordUpstream records one upstream provider request.
func (m *Metrics) RecordUpstream(provider, outcome string, elapsed time.Duration) {
	m.UpstreamCalls.WithLabelValues(provider, outcome).Inc()
	m.UpstreamLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// RecordKeyState records a key transitioning into a new state.
func (m *Metrics) RecordKeyState(provider, state string) {
	m.KeyStateChanges.WithLabelValues(provider, state).Inc()
}

// RecordRateLimited records a request rejected by the local limiter.
// Scope is "global" or "token".
func (m *Metrics) RecordRateLimited(scope string) {
	m.RateLimited.WithLabelValues(scope).Inc()
}

// RecordGateWait records time spent queued at the rate gate.
func (m *Metrics) RecordGateWait(elapsed time.Duration) {
	m.GateWait.Observe(elapsed.Seconds())
}

// RecordCredits records the last observed credit balance for a key.
func (m *Metrics) RecordCredits(provider, keyID string, remaining int64) {
	m.CreditsLeft.WithLabelValues(provider, keyID).Set(float64(remaining))
}
