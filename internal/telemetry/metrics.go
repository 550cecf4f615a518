// Package telemetry owns the Prometheus metrics registry and the exporter
// endpoint. Every pipeline component reports through the Metrics struct; the
// interfaces the components consume are declared on their side so tests can
// pass nil or a fake without pulling Prometheus in.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every counter and histogram the pipeline exports. Names carry
// the midstream_ prefix.
type Metrics struct {
	registry *prometheus.Registry
	instance string

	// Bus throughput
	BusPublishedTotal *prometheus.CounterVec
	BusDroppedTotal   *prometheus.CounterVec

	// Sink performance
	DBInsertsTotal *prometheus.CounterVec
	FlushDuration  *prometheus.HistogramVec

	// Producer lifecycle
	ProducerRestartsTotal *prometheus.CounterVec

	// Aggregator output
	TrueMidUpdatesTotal prometheus.Counter
}

// New builds the registry with all pipeline metrics registered. instance
// tags the inserts counter so rows from parallel deployments stay separable.
func New(instance string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		instance: instance,

		BusPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "midstream_bus_published_total",
				Help: "Messages published per topic",
			},
			[]string{"topic"},
		),

		BusDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "midstream_bus_dropped_total",
				Help: "Messages dropped by full subscriber backlogs per topic",
			},
			[]string{"topic"},
		),

		DBInsertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "midstream_db_inserts_total",
				Help: "Rows inserted into stream tables per sink worker",
			},
			[]string{"worker", "stream_name", "instance"},
		),

		FlushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "midstream_db_flush_seconds",
				Help:    "Wall time of one sink batch flush",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"worker"},
		),

		ProducerRestartsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "midstream_producer_restarts_total",
				Help: "Producer stream restarts after an unhealthy iteration",
			},
			[]string{"exchange", "kind"},
		),

		TrueMidUpdatesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "midstream_true_mid_updates_total",
				Help: "Consensus price changes published",
			},
		),
	}

	m.registry.MustRegister(
		m.BusPublishedTotal,
		m.BusDroppedTotal,
		m.DBInsertsTotal,
		m.FlushDuration,
		m.ProducerRestartsTotal,
		m.TrueMidUpdatesTotal,
	)
	return m
}

// Registry exposes the underlying registry for the exporter handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// BusPublished implements bus.Metrics.
func (m *Metrics) BusPublished(topic string) {
	m.BusPublishedTotal.WithLabelValues(topic).Inc()
}

// BusDropped implements bus.Metrics.
func (m *Metrics) BusDropped(topic string) {
	m.BusDroppedTotal.WithLabelValues(topic).Inc()
}

// RowsInserted implements sink.Metrics.
func (m *Metrics) RowsInserted(worker, stream string, n int) {
	m.DBInsertsTotal.WithLabelValues(worker, stream, m.instance).Add(float64(n))
}

// FlushObserved implements sink.Metrics.
func (m *Metrics) FlushObserved(worker string, d time.Duration) {
	m.FlushDuration.WithLabelValues(worker).Observe(d.Seconds())
}

// ProducerRestarted implements producer.Metrics.
func (m *Metrics) ProducerRestarted(exchange, kind string) {
	m.ProducerRestartsTotal.WithLabelValues(exchange, kind).Inc()
}

// TrueMidUpdated implements aggregator.Metrics.
func (m *Metrics) TrueMidUpdated() {
	m.TrueMidUpdatesTotal.Inc()
}
