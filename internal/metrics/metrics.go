// Package metrics holds the Prometheus collectors for dispatch, oracle
// fallbacks and pipeline runs. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "envom"

// Call outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeFailed      = "failed"
	OutcomePlaceholder = "placeholder"
	OutcomeUnknown     = "unknown"
)

// UnknownCapability is the capability label for calls naming no registered
// capability; the requested name comes from the client.
const UnknownCapability = "_unknown"

type Metrics struct {
	registry *prometheus.Registry

	dispatchRequests   *prometheus.CounterVec
	capabilityCalls    *prometheus.CounterVec
	capabilityDuration *prometheus.HistogramVec
	oracleFallbacks    *prometheus.CounterVec
	pipelineRuns       *prometheus.CounterVec
	pipelineIterations prometheus.Histogram
}

// New creates collectors on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		dispatchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_requests_total",
			Help:      "Dispatch requests by method and outcome.",
		}, []string{"method", "outcome"}),
		capabilityCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_calls_total",
			Help:      "call_tool requests by capability and outcome.",
		}, []string{"capability", "outcome"}),
		capabilityDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "capability_duration_seconds",
			Help:      "Handler latency per capability.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"capability"}),
		oracleFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_fallbacks_total",
			Help:      "Decisions taken by the deterministic fallback instead of the oracle.",
		}, []string{"component", "kind"}),
		pipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Adaptive pipeline runs by terminal status.",
		}, []string{"status"}),
		pipelineIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_iterations",
			Help:      "Iterations used per pipeline run.",
			Buckets:   prometheus.LinearBuckets(1, 2, 8),
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.dispatchRequests,
		m.capabilityCalls,
		m.capabilityDuration,
		m.oracleFallbacks,
		m.pipelineRuns,
		m.pipelineIterations,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Request(method, outcome string) {
	if m == nil {
		return
	}
	m.dispatchRequests.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) Call(capability, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	if outcome == OutcomeUnknown {
		capability = UnknownCapability
	}
	m.capabilityCalls.WithLabelValues(capability, outcome).Inc()
	if outcome == OutcomeOK || outcome == OutcomeFailed {
		m.capabilityDuration.WithLabelValues(capability).Observe(took.Seconds())
	}
}

func (m *Metrics) OracleFallback(component, kind string) {
	if m == nil {
		return
	}
	m.oracleFallbacks.WithLabelValues(component, kind).Inc()
}

func (m *Metrics) PipelineRun(status string, iterations int) {
	if m == nil {
		return
	}
	m.pipelineRuns.WithLabelValues(status).Inc()
	m.pipelineIterations.Observe(float64(iterations))
}
