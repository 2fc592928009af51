package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ForwarderMetrics contains Prometheus metrics for monitoring event forwarding.
type ForwarderMetrics struct {
	EventsPublished *prometheus.CounterVec
	PublishDuration *prometheus.HistogramVec
	RetryTotal      prometheus.Counter
	Checkpoint      prometheus.Gauge
	BatchRemaining  prometheus.Gauge
	FetchBatchSize  prometheus.Histogram
}

// NewForwarderMetrics creates and registers forwarder metrics with the given registerer.
func NewForwarderMetrics(registerer prometheus.Registerer) *ForwarderMetrics {
	m := &ForwarderMetrics{
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evstore_forwarder_events_published_total",
				Help: "Total number of publish attempts",
			},
			[]string{"event_type", "status"}, // status: success/failed
		),
		PublishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "evstore_forwarder_publish_duration_seconds",
				Help:    "Time until the bus acknowledged a message",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"event_type"},
		),
		RetryTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evstore_forwarder_retry_total",
			Help: "Backoff rounds after a failed publish or checkpoint save",
		}),
		Checkpoint: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "evstore_forwarder_checkpoint_sequence",
			Help: "Last sequence acknowledged by the bus and checkpointed",
		}),
		BatchRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "evstore_forwarder_batch_remaining_events",
			Help: "Events of the current fetch not yet checkpointed. Total backlog is reported by the forwarder_lag health check",
		}),
		FetchBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "evstore_forwarder_fetch_batch_size",
			Help:    "Number of events retrieved in each fetch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
	}

	registerer.MustRegister(
		m.EventsPublished,
		m.PublishDuration,
		m.RetryTotal,
		m.Checkpoint,
		m.BatchRemaining,
		m.FetchBatchSize,
	)

	return m
}
