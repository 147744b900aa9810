// Package observability holds the Prometheus instruments of the memory
// service. A nil *Metrics is valid and records nothing.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	Admits          *prometheus.CounterVec
	SchemaRevisions prometheus.Counter
	SchemaConflicts prometheus.Counter
	SchemaRetries   prometheus.Counter
	Events          *prometheus.CounterVec
	Retrievals      *prometheus.CounterVec
	GatewayErrors   *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	Latency         *prometheus.HistogramVec
}

// NewMetrics registers the instruments on reg under namespace.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Admits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_admits_total",
			Help:      "Turn admission decisions by result.",
		}, []string{"result"}),
		SchemaRevisions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schema_revisions_total",
			Help:      "Schema memory revisions committed.",
		}),
		SchemaConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schema_conflicts_total",
			Help:      "Schema patches skipped as unmergeable.",
		}),
		SchemaRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schema_apply_retries_total",
			Help:      "Schema writes retried after losing a revision race.",
		}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_memories_total",
			Help:      "Indexed event candidates by outcome.",
		}, []string{"outcome"}),
		Retrievals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrievals_total",
			Help:      "Context retrievals by mode.",
		}, []string{"mode"}),
		GatewayErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_errors_total",
			Help:      "Embedding and extraction gateway failures by kind.",
		}, []string{"kind"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_queue_depth",
			Help:      "Batches waiting in the async ingest queue.",
		}),
		Latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of engine operations.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"op"}),
	}
}

func (m *Metrics) ObserveAdmit(result string) {
	if m == nil {
		return
	}
	m.Admits.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRevision(conflicts int) {
	if m == nil {
		return
	}
	m.SchemaRevisions.Inc()
	m.SchemaConflicts.Add(float64(conflicts))
}

func (m *Metrics) ObserveConflicts(n int) {
	if m == nil {
		return
	}
	m.SchemaConflicts.Add(float64(n))
}

func (m *Metrics) ObserveApplyRetry() {
	if m == nil {
		return
	}
	m.SchemaRetries.Inc()
}

func (m *Metrics) ObserveEvent(outcome string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRetrieval(mode string) {
	if m == nil {
		return
	}
	m.Retrievals.WithLabelValues(mode).Inc()
}

func (m *Metrics) ObserveGatewayError(kind string) {
	if m == nil {
		return
	}
	m.GatewayErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// ObserveLatency records how long op took since start.
func (m *Metrics) ObserveLatency(op string, start time.Time) {
	if m == nil {
		return
	}
	m.Latency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
