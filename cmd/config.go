package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/inference-sim/batchserve/serve"
	_ "github.com/inference-sim/batchserve/serve/backend/synthetic"
	_ "github.com/inference-sim/batchserve/serve/sampling"
	"github.com/inference-sim/batchserve/serve/trace"
)

// engineFlags are the engine settings that can be overridden on the command
// line. A flag only wins over the config file when the user set it.
type engineFlags struct {
	configPath     string
	totalBlocks    int64
	blockSize      int64
	reservation    string
	preemption     string
	maxRunning     int
	maxPrefill     int
	maxQueueDepth  int
	ordering       string
	priorityPolicy string
	admission      string
	bucketCapacity float64
	bucketRefill   float64
	backend        string
	seed           int64
	latencyCoeffs  []float64
	eosProbability float64
	requestTimeout time.Duration
	traceLevel     string
}

func (f *engineFlags) register(cmd *cobra.Command) {
	d := serve.DefaultConfig()
	fs := cmd.Flags()
	fs.StringVar(&f.configPath, "config", "", "YAML config file; flags override its values")

	// cache capacity
	fs.Int64Var(&f.totalBlocks, "total-blocks", d.Capacity.TotalBlocks, "Total number of KV cache blocks")
	fs.Int64Var(&f.blockSize, "block-size-in-tokens", d.Capacity.BlockSizeTokens, "Number of tokens contained in a KV cache block")
	fs.StringVar(&f.reservation, "reservation", string(d.Capacity.Reservation), "Reservation policy (static, incremental)")
	fs.StringVar(&f.preemption, "preemption", string(d.Capacity.Preemption), "Preemption policy for incremental reservation (none, newest)")

	// batch and queue
	fs.IntVar(&f.maxRunning, "max-num-running-reqs", d.Batch.MaxRunningRequests, "Maximum number of requests running together")
	fs.IntVar(&f.maxPrefill, "max-prefill-tokens", d.Batch.MaxPrefillTokens, "Prompt tokens admitted per step (0 = unlimited)")
	fs.IntVar(&f.maxQueueDepth, "max-queue-depth", d.Queue.MaxDepth, "Maximum number of queued requests (0 = unbounded)")
	fs.StringVar(&f.ordering, "ordering", d.Queue.Ordering, "Queue ordering (fcfs, priority)")
	fs.StringVar(&f.priorityPolicy, "priority-policy", d.Queue.PriorityPolicy, "Priority scoring for priority ordering (constant, age)")
	fs.DurationVar(&f.requestTimeout, "request-timeout", d.RequestTimeout, "No-progress limit for queued and paused requests (0 disables)")

	// admission
	fs.StringVar(&f.admission, "admission-policy", d.Admission.Policy, "Submit-time admission policy (always-admit, token-bucket)")
	fs.Float64Var(&f.bucketCapacity, "token-bucket-capacity", d.Admission.TokenBucketCapacity, "Token bucket capacity, in prompt tokens")
	fs.Float64Var(&f.bucketRefill, "token-bucket-refill-rate", d.Admission.TokenBucketRefillRate, "Token bucket refill rate, in prompt tokens per second")

	// backend
	fs.StringVar(&f.backend, "backend", d.Backend.Name, "Model backend")
	fs.Int64Var(&f.seed, "seed", d.Backend.Seed, "Backend seed")
	fs.Float64SliceVar(&f.latencyCoeffs, "beta-coeffs", d.Backend.LatencyCoeffs, "Comma-separated step latency coefficients (beta0, beta1 per prefill token, beta2 per decode token), microseconds")
	fs.Float64Var(&f.eosProbability, "eos-probability", d.Backend.EOSProbability, "Probability that the synthetic backend ends a sequence at each step")

	fs.StringVar(&f.traceLevel, "trace-level", d.Trace.Level, "Decision trace level (none, decisions)")
}

// resolve builds the effective configuration: defaults, then the config file,
// then every flag the user set explicitly.
func (f *engineFlags) resolve(cmd *cobra.Command) (serve.Config, error) {
	cfg := serve.DefaultConfig()
	if f.configPath != "" {
		loaded, err := serve.LoadConfig(f.configPath)
		if err != nil {
			return serve.Config{}, err
		}
		cfg = loaded
	}

	changed := cmd.Flags().Changed
	if changed("total-blocks") {
		cfg.Capacity.TotalBlocks = f.totalBlocks
	}
	if changed("block-size-in-tokens") {
		cfg.Capacity.BlockSizeTokens = f.blockSize
	}
	if changed("reservation") {
		cfg.Capacity.Reservation = serve.ReservationPolicy(f.reservation)
	}
	if changed("preemption") {
		cfg.Capacity.Preemption = serve.PreemptionPolicy(f.preemption)
	}
	if changed("max-num-running-reqs") {
		cfg.Batch.MaxRunningRequests = f.maxRunning
	}
	if changed("max-prefill-tokens") {
		cfg.Batch.MaxPrefillTokens = f.maxPrefill
	}
	if changed("max-queue-depth") {
		cfg.Queue.MaxDepth = f.maxQueueDepth
	}
	if changed("ordering") {
		cfg.Queue.Ordering = f.ordering
	}
	if changed("priority-policy") {
		cfg.Queue.PriorityPolicy = f.priorityPolicy
	}
	if changed("request-timeout") {
		cfg.RequestTimeout = f.requestTimeout
	}
	if changed("admission-policy") {
		cfg.Admission.Policy = f.admission
	}
	if changed("token-bucket-capacity") {
		cfg.Admission.TokenBucketCapacity = f.bucketCapacity
	}
	if changed("token-bucket-refill-rate") {
		cfg.Admission.TokenBucketRefillRate = f.bucketRefill
	}
	if changed("backend") {
		cfg.Backend.Name = f.backend
	}
	if changed("seed") {
		cfg.Backend.Seed = f.seed
	}
	if changed("beta-coeffs") {
		cfg.Backend.LatencyCoeffs = f.latencyCoeffs
	}
	if changed("eos-probability") {
		cfg.Backend.EOSProbability = f.eosProbability
	}
	if changed("trace-level") {
		cfg.Trace.Level = f.traceLevel
	}

	if err := cfg.Validate(); err != nil {
		return serve.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// buildEngine creates the configured backend and an engine over it. The
// returned trace is nil unless tracing is enabled.
func buildEngine(cfg serve.Config, opts ...serve.Option) (*serve.Engine, *trace.Trace, error) {
	backend, tok, err := serve.NewBackend(cfg.Backend)
	if err != nil {
		return nil, nil, err
	}
	var tr *trace.Trace
	if cfg.Trace.Level == string(trace.TraceLevelDecisions) {
		tr = trace.New(trace.TraceLevelDecisions)
		opts = append(opts, serve.WithTrace(tr))
	}
	engine, err := serve.New(cfg, backend, tok, opts...)
	if err != nil {
		return nil, nil, err
	}
	return engine, tr, nil
}
