package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/batchserve/serve"
)

func TestExporter_StepCompleted_GaugesFollowEveryStep(t *testing.T) {
	// GIVEN an exporter that saw one successful step
	reg := prometheus.NewRegistry()
	e, err := NewExporter(reg)
	require.NoError(t, err)
	e.StepCompleted(serve.StepStats{
		Running: 3, Paused: 1, QueueDepth: 7,
		ReservedBlocks: 30, TotalBlocks: 120,
		BatchSize: 2, Duration: 5 * time.Millisecond,
	})
	assert.Equal(t, 3.0, testutil.ToFloat64(e.running))
	assert.Equal(t, 0.25, testutil.ToFloat64(e.cacheUsage))

	// WHEN the next step fails and evicts its whole batch
	e.StepCompleted(serve.StepStats{Failed: true, QueueDepth: 2, BatchSize: 3, TotalBlocks: 120})

	// THEN the gauges show the state after the failure
	assert.Equal(t, 0.0, testutil.ToFloat64(e.running))
	assert.Equal(t, 0.0, testutil.ToFloat64(e.paused))
	assert.Equal(t, 2.0, testutil.ToFloat64(e.waiting))
	assert.Equal(t, 0.0, testutil.ToFloat64(e.cacheUsage))
	// and only the successful pass reached the histograms
	assert.Equal(t, 1.0, testutil.ToFloat64(e.steps.WithLabelValues(outcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.steps.WithLabelValues(outcomeFailed)))
	assert.Equal(t, uint64(1), histogramCount(t, reg, BatchSize))
	assert.Equal(t, uint64(1), histogramCount(t, reg, StepDuration))
}

func histogramCount(t *testing.T, reg *prometheus.Registry, name string) uint64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}

func TestExporter_RequestLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	e, err := NewExporter(reg)
	require.NoError(t, err)

	t0 := time.Unix(100, 0)
	req := &serve.Request{ID: "A", Prompt: make([]int, 12), ArrivalTime: t0, FirstTokenTime: t0.Add(40 * time.Millisecond)}
	e.RequestQueued(req, 4)
	e.RequestRejected("queue full")
	e.RequestAdmitted(req, 20*time.Millisecond)
	e.RequestFinished(req, serve.ReasonMaxTokens, time.Second)
	e.RequestFinished(&serve.Request{ID: "B", Prompt: make([]int, 3)}, serve.ReasonCancelled, time.Second)

	assert.Equal(t, 4.0, testutil.ToFloat64(e.waiting))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.rejected.WithLabelValues("queue full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.requests.WithLabelValues(string(serve.ReasonMaxTokens))))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.requests.WithLabelValues(string(serve.ReasonCancelled))))
	assert.Equal(t, 15.0, testutil.ToFloat64(e.promptTokens))

	assert.Equal(t, uint64(1), histogramCount(t, reg, TimeToFirstToken), "only requests with a first token are observed")
}

func TestNewExporter_DuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewExporter(reg)
	require.NoError(t, err)
	_, err = NewExporter(reg)
	assert.Error(t, err)
}
