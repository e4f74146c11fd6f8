// Package metrics exposes the relay's Prometheus collectors. A nil *Metrics
// is valid and records nothing, so components can take it as optional.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wpp_relay"

type Metrics struct {
	registry *prometheus.Registry

	events        *prometheus.CounterVec
	duplicates    prometheus.Counter
	busy          prometheus.Counter
	batches       *prometheus.CounterVec
	batchSize     prometheus.Histogram
	modelFailures *prometheus.CounterVec
	sends         *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Webhook events received, by payload kind.",
		}, []string{"kind"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_duplicate_total",
			Help:      "Events dropped because their id was already claimed.",
		}),
		busy: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_busy_total",
			Help:      "Events rejected by the buffer while a batch was processing.",
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_processed_total",
			Help:      "Debounced batches processed, by result.",
		}, []string{"result"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of events per processed batch.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13},
		}),
		modelFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_failures_total",
			Help:      "Failed language model calls, by conversation step.",
		}, []string{"step"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_sends_total",
			Help:      "Outbound messages, by kind and result.",
		}, []string{"kind", "result"}),
	}
	m.registry.MustRegister(
		m.events, m.duplicates, m.busy, m.batches, m.batchSize, m.modelFailures, m.sends,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordEvent(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) RecordBusy() {
	if m == nil {
		return
	}
	m.busy.Inc()
}

// RecordBatch records a finished batch of size n.
func (m *Metrics) RecordBatch(n int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.batches.WithLabelValues(result).Inc()
	m.batchSize.Observe(float64(n))
}

func (m *Metrics) RecordModelFailure(step string) {
	if m == nil {
		return
	}
	m.modelFailures.WithLabelValues(step).Inc()
}

func (m *Metrics) RecordSend(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sends.WithLabelValues(kind, result).Inc()
}
