// Package metrics exports engine activity as Prometheus metrics. Names follow
// the vLLM server vocabulary so existing dashboards keep working.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/inference-sim/batchserve/serve"
)

// Metric names.
const (
	NumRequestsRunning  = "batchserve_num_requests_running"
	NumRequestsWaiting  = "batchserve_num_requests_waiting"
	NumRequestsPaused   = "batchserve_num_requests_paused"
	CacheUsagePerc      = "batchserve_kv_cache_usage_perc"
	RequestsTotal       = "batchserve_requests_total"
	RejectedTotal       = "batchserve_requests_rejected_total"
	PromptTokensTotal   = "batchserve_prompt_tokens_total"
	GenerationTokens    = "batchserve_generation_tokens_total"
	StepsTotal          = "batchserve_steps_total"
	TimeToFirstToken    = "batchserve_time_to_first_token_seconds"
	E2ERequestLatency   = "batchserve_e2e_request_latency_seconds"
	QueueTime           = "batchserve_request_queue_time_seconds"
	StepDuration        = "batchserve_step_duration_seconds"
	BatchSize           = "batchserve_batch_size"
	LabelReason         = "reason"
	LabelOutcome        = "outcome"
	outcomeOK           = "ok"
	outcomeFailed       = "failed"
	latencyBucketsStart = 0.001
)

// Exporter implements serve.Observer by updating Prometheus collectors.
type Exporter struct {
	running      prometheus.Gauge
	waiting      prometheus.Gauge
	paused       prometheus.Gauge
	cacheUsage   prometheus.Gauge
	requests     *prometheus.CounterVec
	rejected     *prometheus.CounterVec
	promptTokens prometheus.Counter
	genTokens    prometheus.Counter
	steps        *prometheus.CounterVec
	ttft         prometheus.Histogram
	e2e          *prometheus.HistogramVec
	queueTime    prometheus.Histogram
	stepDuration prometheus.Histogram
	batchSize    prometheus.Histogram
}

var _ serve.Observer = (*Exporter)(nil)

// NewExporter creates the collectors and registers them with registry.
func NewExporter(registry prometheus.Registerer) (*Exporter, error) {
	latency := prometheus.ExponentialBuckets(latencyBucketsStart, 2, 16) // 1ms to ~33s
	e := &Exporter{
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: NumRequestsRunning,
			Help: "Number of requests in the running batch",
		}),
		waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: NumRequestsWaiting,
			Help: "Number of requests waiting for admission",
		}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: NumRequestsPaused,
			Help: "Number of running requests held out of the batch for capacity",
		}),
		cacheUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: CacheUsagePerc,
			Help: "Fraction of cache blocks reserved (1 = 100%)",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: RequestsTotal,
			Help: "Number of finished requests by completion reason",
		}, []string{LabelReason}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: RejectedTotal,
			Help: "Number of requests rejected at submission by reason",
		}, []string{LabelReason}),
		promptTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: PromptTokensTotal,
			Help: "Number of prefill tokens of finished requests",
		}),
		genTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: GenerationTokens,
			Help: "Number of generated tokens of finished requests",
		}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: StepsTotal,
			Help: "Number of scheduler steps with a forward pass",
		}, []string{LabelOutcome}),
		ttft: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    TimeToFirstToken,
			Help:    "Time from submission to the first generated token",
			Buckets: latency,
		}),
		e2e: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    E2ERequestLatency,
			Help:    "Time from submission to completion",
			Buckets: latency,
		}, []string{LabelReason}),
		queueTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    QueueTime,
			Help:    "Time spent queued before admission",
			Buckets: latency,
		}),
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    StepDuration,
			Help:    "Wall time of one scheduler step",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // 100us to ~3s
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    BatchSize,
			Help:    "Number of requests in each forward pass",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}

	for name, c := range map[string]prometheus.Collector{
		NumRequestsRunning: e.running,
		NumRequestsWaiting: e.waiting,
		NumRequestsPaused:  e.paused,
		CacheUsagePerc:     e.cacheUsage,
		RequestsTotal:      e.requests,
		RejectedTotal:      e.rejected,
		PromptTokensTotal:  e.promptTokens,
		GenerationTokens:   e.genTokens,
		StepsTotal:         e.steps,
		TimeToFirstToken:   e.ttft,
		E2ERequestLatency:  e.e2e,
		QueueTime:          e.queueTime,
		StepDuration:       e.stepDuration,
		BatchSize:          e.batchSize,
	} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register %s metric: %w", name, err)
		}
	}
	return e, nil
}

func (e *Exporter) RequestQueued(_ *serve.Request, queueDepth int) {
	e.waiting.Set(float64(queueDepth))
}

func (e *Exporter) RequestRejected(reason string) {
	e.rejected.WithLabelValues(reason).Inc()
}

func (e *Exporter) RequestAdmitted(_ *serve.Request, queueWait time.Duration) {
	e.queueTime.Observe(queueWait.Seconds())
}

// StepCompleted sets the gauges to the state after every step, failed or not.
// Duration and batch size are only observed for forward passes that succeeded.
func (e *Exporter) StepCompleted(s serve.StepStats) {
	e.running.Set(float64(s.Running))
	e.waiting.Set(float64(s.QueueDepth))
	e.paused.Set(float64(s.Paused))
	if s.TotalBlocks > 0 {
		e.cacheUsage.Set(float64(s.ReservedBlocks) / float64(s.TotalBlocks))
	}
	if s.Failed {
		e.steps.WithLabelValues(outcomeFailed).Inc()
		return
	}
	e.steps.WithLabelValues(outcomeOK).Inc()
	e.stepDuration.Observe(s.Duration.Seconds())
	e.batchSize.Observe(float64(s.BatchSize))
}

func (e *Exporter) RequestFinished(req *serve.Request, reason serve.CompletionReason, e2e time.Duration) {
	e.requests.WithLabelValues(string(reason)).Inc()
	e.promptTokens.Add(float64(len(req.Prompt)))
	e.genTokens.Add(float64(req.Generated()))
	if !req.FirstTokenTime.IsZero() {
		e.ttft.Observe(req.FirstTokenTime.Sub(req.ArrivalTime).Seconds())
	}
	e.e2e.WithLabelValues(string(reason)).Observe(e2e.Seconds())
}
