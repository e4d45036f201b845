package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the pipeline runner.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Iterations        *prometheus.CounterVec
	ComponentStarts   *prometheus.CounterVec
	ComponentFailures *prometheus.CounterVec
	Events            *prometheus.CounterVec
	LiveComponents    prometheus.Gauge
	CaptureDuration   prometheus.Histogram

	latency *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the instruments on reg instead of the default
// registry.
func NewMetricsWith(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Iterations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_iterations_total",
			Help:      "Pipeline iterations by pipeline and outcome.",
		}, []string{"pipeline", "outcome"}),
		ComponentStarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "component_starts_total",
			Help:      "Component starts by role and kind (process or uri).",
		}, []string{"role", "kind"}),
		ComponentFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "component_failures_total",
			Help:      "Component failures by role and reason.",
		}, []string{"role", "reason"}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events by direction and type.",
		}, []string{"direction", "type"}),
		LiveComponents: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_components",
			Help:      "Components started and not yet closed.",
		}),
		CaptureDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "capture_duration_ms",
			Help:      "Length of captured voice commands in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 3000, 5000, 8000, 15000},
		}),
		latency: newLatencyWindow(256),
	}
}

// ObserveIteration counts a finished iteration of pipeline.
func (m *Metrics) ObserveIteration(pipeline, outcome string) {
	if m == nil {
		return
	}
	m.Iterations.WithLabelValues(pipeline, outcome).Inc()
	m.latency.ObserveOutcome(pipeline, outcome)
}

func (m *Metrics) ObserveComponentStart(role, kind string) {
	if m == nil {
		return
	}
	m.ComponentStarts.WithLabelValues(role, kind).Inc()
	m.LiveComponents.Inc()
}

func (m *Metrics) ObserveComponentClosed() {
	if m == nil {
		return
	}
	m.LiveComponents.Dec()
}

func (m *Metrics) ObserveComponentFailure(role, reason string) {
	if m == nil {
		return
	}
	m.ComponentFailures.WithLabelValues(role, reason).Inc()
}

func (m *Metrics) ObserveEvent(direction, eventType string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(direction, eventType).Inc()
}

func (m *Metrics) ObserveCapture(d time.Duration) {
	if m == nil {
		return
	}
	m.CaptureDuration.Observe(float64(d.Milliseconds()))
}

// SetBudget sets the limits the phases of pipeline are reported against.
func (m *Metrics) SetBudget(pipeline string, b Budget) {
	if m == nil {
		return
	}
	m.latency.SetBudget(pipeline, b)
}

// ObservePhase records one latency sample for a phase of pipeline.
func (m *Metrics) ObservePhase(pipeline, phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.Observe(pipeline, phase, float64(d)/float64(time.Millisecond))
}

// ObserveIndicator counts a named occurrence, such as a wake-only iteration.
func (m *Metrics) ObserveIndicator(pipeline, name string) {
	if m == nil {
		return
	}
	m.latency.ObserveIndicator(pipeline, name)
}

// SnapshotLatency reports the latency window of every pipeline, or only
// the named one.
func (m *Metrics) SnapshotLatency(pipeline string) LatencySnapshot {
	if m == nil {
		return LatencySnapshot{GeneratedAt: time.Now().UTC(), Pipelines: []PipelineLatency{}}
	}
	return m.latency.Snapshot(pipeline)
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// MetricsHandlerFor serves the metrics gathered by g.
func MetricsHandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
