package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMustNewMetricsReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := MustNewMetrics(reg)
	second := MustNewMetrics(reg)

	first.TaskQueued()
	second.TaskQueued()
	assert.Equal(t, 2.0, testutil.ToFloat64(first.tasksQueued))
}

func TestSchedulerLifecycleMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)

	m.TaskQueued()
	m.TaskQueued()
	m.TaskAdmitted(10 * time.Millisecond)
	m.TaskAbandoned()
	m.TaskFinished("success", time.Second)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.tasksQueued))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.tasksRunning))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksTotal.WithLabelValues("abandoned")))

	m.RunsRemoved("archived", 3)
	m.RunsRemoved("deleted", 0)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.runsRetained.WithLabelValues("archived")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.TaskQueued()
	m.TaskFinished("failed", time.Second)
	m.HTTPRequest("GET", "/health", "200", time.Millisecond)
}

func TestDisabledTracingIsNoop(t *testing.T) {
	tp, err := NewTracerProvider(TracingConfig{})
	require.NoError(t, err)
	_, span := tp.StartSpan(t.Context(), SpanSchedulerTask)
	span.End()
	assert.NoError(t, tp.Shutdown(t.Context()))

	_, err = NewTracerProvider(TracingConfig{Enabled: true, Exporter: "jaeger"})
	assert.Error(t, err)
}
