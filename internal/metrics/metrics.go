// Package metrics exposes Prometheus instrumentation for the hub.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the hub's collectors. Every recording method is safe to
// call on a nil *Metrics, so components can run uninstrumented in tests.
//
// Usage:
//
//	m := metrics.New()
//	m.RequestFinished("local", "done", time.Since(start))
//	mux.Handle("/metrics", m.Handler())
type Metrics struct {
	registry *prometheus.Registry

	// Requests counts finished adapter streams.
	// Labels: adapter (local|relay|orchestrator), outcome (done|aborted|error)
	Requests *prometheus.CounterVec

	// RequestDuration measures stream lifetime in seconds.
	// Labels: adapter
	RequestDuration *prometheus.HistogramVec

	// ActiveRequests tracks streams currently holding a registry entry.
	ActiveRequests prometheus.Gauge

	// DroppedLines counts malformed upstream lines that were skipped.
	// Labels: source (local|relay)
	DroppedLines *prometheus.CounterVec

	// RoutingErrors counts requests rejected before any adapter started.
	// Labels: reason
	RoutingErrors *prometheus.CounterVec

	// LLMTokens tracks orchestrator token consumption.
	// Labels: model, type (input|output)
	LLMTokens *prometheus.CounterVec

	// PlanSteps counts finished plan steps.
	// Labels: status (completed|failed)
	PlanSteps *prometheus.CounterVec

	// PlanRuns counts finished plan executions.
	// Labels: outcome (completed|stalled|cancelled)
	PlanRuns *prometheus.CounterVec

	// HTTPRequests counts HTTP requests served.
	// Labels: method, route, code
	HTTPRequests *prometheus.CounterVec
}

// New creates the collectors on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agenthub_requests_total",
				Help: "Finished chat streams by adapter and terminal outcome",
			},
			[]string{"adapter", "outcome"},
		),

		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agenthub_request_duration_seconds",
				Help:    "Lifetime of chat streams in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
			},
			[]string{"adapter"},
		),

		ActiveRequests: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "agenthub_active_requests",
				Help: "Chat streams currently in flight",
			},
		),

		DroppedLines: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agenthub_dropped_lines_total",
				Help: "Malformed upstream lines skipped by source",
			},
			[]string{"source"},
		),

		RoutingErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agenthub_routing_errors_total",
				Help: "Requests rejected by the router",
			},
			[]string{"reason"},
		),

		LLMTokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agenthub_llm_tokens_total",
				Help: "Tokens used by the orchestrator by model and type",
			},
			[]string{"model", "type"},
		),

		PlanSteps: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agenthub_plan_steps_total",
				Help: "Finished plan steps by status",
			},
			[]string{"status"},
		),

		PlanRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agenthub_plan_runs_total",
				Help: "Finished plan executions by outcome",
			},
			[]string{"outcome"},
		),

		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agenthub_http_requests_total",
				Help: "HTTP requests by method, route and status code",
			},
			[]string{"method", "route", "code"},
		),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RequestStarted marks a stream as in flight.
func (m *Metrics) RequestStarted() {
	if m == nil {
		return
	}
	m.ActiveRequests.Inc()
}

// RequestFinished records a stream's terminal outcome.
func (m *Metrics) RequestFinished(adapter, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveRequests.Dec()
	m.Requests.WithLabelValues(adapter, outcome).Inc()
	m.RequestDuration.WithLabelValues(adapter).Observe(d.Seconds())
}

// LineDropped records a skipped upstream line.
func (m *Metrics) LineDropped(source string) {
	if m == nil {
		return
	}
	m.DroppedLines.WithLabelValues(source).Inc()
}

// RoutingFailed records a rejected request.
func (m *Metrics) RoutingFailed(reason string) {
	if m == nil {
		return
	}
	m.RoutingErrors.WithLabelValues(reason).Inc()
}

// TokensUsed records orchestrator token usage.
func (m *Metrics) TokensUsed(model string, input, output int64) {
	if m == nil {
		return
	}
	m.LLMTokens.WithLabelValues(model, "input").Add(float64(input))
	m.LLMTokens.WithLabelValues(model, "output").Add(float64(output))
}

// StepFinished records a plan step outcome.
func (m *Metrics) StepFinished(status string) {
	if m == nil {
		return
	}
	m.PlanSteps.WithLabelValues(status).Inc()
}

// PlanFinished records a plan execution outcome.
func (m *Metrics) PlanFinished(outcome string) {
	if m == nil {
		return
	}
	m.PlanRuns.WithLabelValues(outcome).Inc()
}

// HTTPRequest records a served HTTP request.
func (m *Metrics) HTTPRequest(method, route, code string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, code).Inc()
}
