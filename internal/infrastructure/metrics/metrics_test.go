package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/evstore/internal/infrastructure/metrics"
)

func TestStoreMetrics_Registration(t *testing.T) {
	registry := prometheus.NewRegistry()

	m := metrics.NewStoreMetrics(registry)
	m.VersionConflicts.Inc()
	m.EventsAppended.Add(3)
	m.AppendDuration.WithLabelValues(metrics.OutcomeSuccess).Observe(0.01)

	assert.InDelta(t, 1, testutil.ToFloat64(m.VersionConflicts), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.EventsAppended), 0)

	families, err := registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestForwarderMetrics_Registration(t *testing.T) {
	registry := prometheus.NewRegistry()

	m := metrics.NewForwarderMetrics(registry)
	m.Checkpoint.Set(42)
	m.EventsPublished.WithLabelValues("Placed", "success").Inc()

	assert.InDelta(t, 42, testutil.ToFloat64(m.Checkpoint), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.EventsPublished))
}

func TestMetrics_DoubleRegistrationPanics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics.NewForwarderMetrics(registry)

	assert.Panics(t, func() { metrics.NewForwarderMetrics(registry) })
}
