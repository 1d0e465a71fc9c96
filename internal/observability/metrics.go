package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the prometheus surface. One instance per process, registered on
// its own registry so tests can build throwaway instances.
type Metrics struct {
	registry *prometheus.Registry

	checkpoints     *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	inflight        *prometheus.GaugeVec
	retries         *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskfabric_checkpoints_total",
			Help: "Checkpoint records by code and phase.",
		}, []string{"code", "phase"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskfabric_handler_duration_seconds",
			Help:    "Handler execution time by task type.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"task_type"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskfabric_inflight_messages",
			Help: "Messages currently being processed, by queue.",
		}, []string{"queue"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskfabric_task_retries_total",
			Help: "Kernel task re-enqueues by task type.",
		}, []string{"task_type"}),
	}
	reg.MustRegister(
		m.checkpoints,
		m.handlerDuration,
		m.inflight,
		m.retries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveCheckpoint(code Code, phase Phase) {
	m.checkpoints.WithLabelValues(string(code), string(phase)).Inc()
}

func (m *Metrics) ObserveHandlerDuration(taskType string, seconds float64) {
	m.handlerDuration.WithLabelValues(taskType).Observe(seconds)
}

func (m *Metrics) InflightAdd(queue string, delta float64) {
	m.inflight.WithLabelValues(queue).Add(delta)
}

func (m *Metrics) ObserveRetry(taskType string) {
	m.retries.WithLabelValues(taskType).Inc()
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
