package serve

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inference-sim/batchserve/serve/trace"
)

// CapacityConfig describes the cache budget.
type CapacityConfig struct {
	TotalBlocks     int64             `yaml:"total_blocks"`
	BlockSizeTokens int64             `yaml:"block_size_tokens"`
	Reservation     ReservationPolicy `yaml:"reservation"`
	Preemption      PreemptionPolicy  `yaml:"preemption"` // only consulted by the incremental policy
}

// BatchConfig bounds the running batch.
type BatchConfig struct {
	MaxRunningRequests int `yaml:"max_running_requests"`
	MaxPrefillTokens   int `yaml:"max_prefill_tokens"` // prompt tokens admitted per step; 0 = unlimited
}

// QueueConfig configures the request queue and its ordering.
type QueueConfig struct {
	MaxDepth       int    `yaml:"max_depth"` // 0 = unbounded
	Ordering       string `yaml:"ordering"`
	PriorityPolicy string `yaml:"priority_policy"`
}

// AdmissionConfig configures submit-time admission control.
type AdmissionConfig struct {
	Policy                string  `yaml:"policy"`
	TokenBucketCapacity   float64 `yaml:"token_bucket_capacity"`
	TokenBucketRefillRate float64 `yaml:"token_bucket_refill_rate"` // tokens per second
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Address     string        `yaml:"address"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// TraceConfig enables decision tracing.
type TraceConfig struct {
	Level string `yaml:"level"`
}

// Config holds every engine setting. All sections must be listed to satisfy
// KnownFields(true) strict parsing.
type Config struct {
	Capacity  CapacityConfig  `yaml:"capacity"`
	Batch     BatchConfig     `yaml:"batch"`
	Queue     QueueConfig     `yaml:"queue"`
	Admission AdmissionConfig `yaml:"admission"`
	Backend   BackendConfig   `yaml:"backend"`
	Server    ServerConfig    `yaml:"server"`
	Trace     TraceConfig     `yaml:"trace"`

	RequestTimeout      time.Duration `yaml:"request_timeout"` // no-progress limit for queued and paused requests; 0 disables
	IdlePollInterval    time.Duration `yaml:"idle_poll_interval"`
	DefaultMaxNewTokens int           `yaml:"default_max_new_tokens"`
	MaxStopSequences    int           `yaml:"max_stop_sequences"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Capacity: CapacityConfig{
			TotalBlocks:     2048,
			BlockSizeTokens: 16,
			Reservation:     ReserveStatic,
			Preemption:      PreemptNone,
		},
		Batch: BatchConfig{
			MaxRunningRequests: 64,
			MaxPrefillTokens:   4096,
		},
		Queue: QueueConfig{
			MaxDepth: 1024,
			Ordering: "fcfs",
		},
		Admission: AdmissionConfig{Policy: "always-admit"},
		Backend: BackendConfig{
			Name:           "synthetic",
			VocabSize:      257,
			EOSProbability: 0.02,
			LatencyCoeffs:  []float64{2000, 5, 150},
		},
		Server: ServerConfig{
			Address:     "127.0.0.1:8080",
			ReadTimeout: 30 * time.Second,
		},
		Trace:               TraceConfig{Level: "none"},
		RequestTimeout:      2 * time.Minute,
		IdlePollInterval:    10 * time.Millisecond,
		DefaultMaxNewTokens: 20,
		MaxStopSequences:    4,
	}
}

// ValidReservationPolicies is the set of recognized reservation policies.
var ValidReservationPolicies = map[ReservationPolicy]bool{ReserveStatic: true, ReserveIncremental: true}

// ValidPreemptionPolicies is the set of recognized preemption policies.
var ValidPreemptionPolicies = map[PreemptionPolicy]bool{"": true, PreemptNone: true, PreemptNewest: true}

// ValidOrderings is the set of recognized queue orderings.
// Shared by Validate() and NewQueueOrdering().
var ValidOrderings = map[string]bool{"": true, "fcfs": true, "priority": true}

// ValidPriorityPolicies is the set of recognized priority policy names.
var ValidPriorityPolicies = map[string]bool{"": true, "constant": true, "age": true}

// ValidAdmissionPolicies is the set of recognized admission policy names.
var ValidAdmissionPolicies = map[string]bool{"": true, "always-admit": true, "token-bucket": true}

// Validate checks that all names and ranges in the configuration are valid.
func (c *Config) Validate() error {
	var errs []error
	if c.Capacity.TotalBlocks <= 0 {
		errs = append(errs, fmt.Errorf("capacity.total_blocks must be positive, got %d", c.Capacity.TotalBlocks))
	}
	if c.Capacity.BlockSizeTokens <= 0 {
		errs = append(errs, fmt.Errorf("capacity.block_size_tokens must be positive, got %d", c.Capacity.BlockSizeTokens))
	}
	if !ValidReservationPolicies[c.Capacity.Reservation] {
		errs = append(errs, fmt.Errorf("unknown reservation policy %q", c.Capacity.Reservation))
	}
	if !ValidPreemptionPolicies[c.Capacity.Preemption] {
		errs = append(errs, fmt.Errorf("unknown preemption policy %q", c.Capacity.Preemption))
	}
	if c.Batch.MaxRunningRequests <= 0 {
		errs = append(errs, fmt.Errorf("batch.max_running_requests must be positive, got %d", c.Batch.MaxRunningRequests))
	}
	if c.Batch.MaxPrefillTokens < 0 {
		errs = append(errs, fmt.Errorf("batch.max_prefill_tokens must be non-negative, got %d", c.Batch.MaxPrefillTokens))
	}
	if c.Queue.MaxDepth < 0 {
		errs = append(errs, fmt.Errorf("queue.max_depth must be non-negative, got %d", c.Queue.MaxDepth))
	}
	if !ValidOrderings[c.Queue.Ordering] {
		errs = append(errs, fmt.Errorf("unknown queue ordering %q", c.Queue.Ordering))
	}
	if !ValidPriorityPolicies[c.Queue.PriorityPolicy] {
		errs = append(errs, fmt.Errorf("unknown priority policy %q", c.Queue.PriorityPolicy))
	}
	if !ValidAdmissionPolicies[c.Admission.Policy] {
		errs = append(errs, fmt.Errorf("unknown admission policy %q", c.Admission.Policy))
	}
	if c.Admission.TokenBucketCapacity < 0 || c.Admission.TokenBucketRefillRate < 0 {
		errs = append(errs, errors.New("token bucket capacity and refill rate must be non-negative"))
	}
	if !trace.IsValidTraceLevel(c.Trace.Level) {
		errs = append(errs, fmt.Errorf("unknown trace level %q", c.Trace.Level))
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("request_timeout must be non-negative, got %s", c.RequestTimeout))
	}
	if c.IdlePollInterval <= 0 {
		errs = append(errs, fmt.Errorf("idle_poll_interval must be positive, got %s", c.IdlePollInterval))
	}
	if c.DefaultMaxNewTokens <= 0 {
		errs = append(errs, fmt.Errorf("default_max_new_tokens must be positive, got %d", c.DefaultMaxNewTokens))
	}
	if c.MaxStopSequences < 0 {
		errs = append(errs, fmt.Errorf("max_stop_sequences must be non-negative, got %d", c.MaxStopSequences))
	}
	return errors.Join(errs...)
}

// LoadConfig reads a YAML configuration file over DefaultConfig.
// Unknown keys are errors so typos do not silently fall back to defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration data over DefaultConfig.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
