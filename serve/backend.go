package serve

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Logits is one unnormalized score per vocabulary entry.
type Logits []float32

// StepInput is what the backend sees for one request in one forward pass.
// Prefill inputs carry the whole prompt at position 0; decode inputs carry the
// single last sampled token at its absolute position.
type StepInput struct {
	RequestID string
	Tokens    []int
	Position  int
	Prefill   bool
}

// Backend runs one forward pass over the current batch and returns one logits
// vector per input, in input order. It is called only from the scheduler loop.
type Backend interface {
	ForwardPass(ctx context.Context, batch []StepInput) ([]Logits, error)
}

// Tokenizer converts between text and token IDs.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) string
	IsSpecial(id int) bool
	StopTokens() []int
}

// BackendConfig holds the settings passed to a registered backend factory.
// Fields a backend does not understand are ignored.
type BackendConfig struct {
	Name           string        `yaml:"name"`
	Seed           int64         `yaml:"seed"`
	VocabSize      int           `yaml:"vocab_size"`
	EOSProbability float64       `yaml:"eos_probability"`
	LatencyCoeffs  []float64     `yaml:"latency_coeffs"` // beta0, beta1 (per prefill token), beta2 (per decode token), microseconds
	MaxStepLatency time.Duration `yaml:"max_step_latency"`
}

// BackendFactory builds a backend and the tokenizer that matches its vocabulary.
type BackendFactory func(cfg BackendConfig) (Backend, Tokenizer, error)

var (
	backendsMu sync.RWMutex
	backends   = map[string]BackendFactory{}
)

// RegisterBackend makes a backend available by name. Implementations call it
// from init(), so importing the implementation package is enough to enable it.
// Panics on duplicate or empty names.
func RegisterBackend(name string, factory BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if name == "" || factory == nil {
		panic("RegisterBackend: name and factory must be set")
	}
	if _, dup := backends[name]; dup {
		panic(fmt.Sprintf("RegisterBackend: backend %q registered twice", name))
	}
	backends[name] = factory
}

// NewBackend builds the registered backend cfg.Name.
func NewBackend(cfg BackendConfig) (Backend, Tokenizer, error) {
	backendsMu.RLock()
	factory, ok := backends[cfg.Name]
	backendsMu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("unknown backend %q (registered: %v)", cfg.Name, BackendNames())
	}
	return factory(cfg)
}

// BackendNames returns the registered backend names, sorted.
func BackendNames() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
