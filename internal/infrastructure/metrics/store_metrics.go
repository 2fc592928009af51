// Package metrics defines the Prometheus collectors of the store and the forwarder.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Append outcomes used as the "outcome" label.
const (
	OutcomeSuccess  = "success"
	OutcomeConflict = "conflict"
	OutcomeInvalid  = "invalid"
	OutcomeError    = "error"
)

// StoreMetrics contains Prometheus metrics for append and read traffic.
type StoreMetrics struct {
	AppendDuration   *prometheus.HistogramVec
	EventsAppended   prometheus.Counter
	VersionConflicts prometheus.Counter
	ReadDuration     *prometheus.HistogramVec
	AppendBatchSize  prometheus.Histogram
}

// NewStoreMetrics creates and registers store metrics with the given registerer.
func NewStoreMetrics(registerer prometheus.Registerer) *StoreMetrics {
	m := &StoreMetrics{
		AppendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "evstore_append_duration_seconds",
				Help:    "Time to validate and commit an append batch",
				Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"outcome"},
		),
		EventsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evstore_events_appended_total",
			Help: "Total number of committed events",
		}),
		VersionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evstore_version_conflicts_total",
			Help: "Appends rejected by the expected-version check",
		}),
		ReadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "evstore_read_duration_seconds",
				Help:    "Time to serve a read",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		AppendBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "evstore_append_batch_size",
			Help:    "Number of events per committed batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
	}

	registerer.MustRegister(
		m.AppendDuration,
		m.EventsAppended,
		m.VersionConflicts,
		m.ReadDuration,
		m.AppendBatchSize,
	)

	return m
}
