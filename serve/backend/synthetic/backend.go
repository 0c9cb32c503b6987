// Package synthetic provides a deterministic CPU model backend. It produces
// readable lowercase text, ends sequences with a configurable probability, and
// takes as long per step as a fitted regression model predicts. It stands in
// for a real accelerator in benchmarks, demos and tests.
package synthetic

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/inference-sim/batchserve/serve"
)

const (
	hotLogit  = 10
	coldLogit = -10
	eosLogit  = 12
)

// Backend implements serve.Backend.
type Backend struct {
	seed      int64
	vocabSize int
	eosPPM    uint64 // end-of-sequence probability in parts per million
	latency   *LatencyModel
	sleep     func(ctx context.Context, d time.Duration) error
}

// New builds a synthetic backend and its tokenizer from cfg.
func New(cfg serve.BackendConfig) (serve.Backend, serve.Tokenizer, error) {
	b, err := NewBackend(cfg)
	if err != nil {
		return nil, nil, err
	}
	return b, ByteTokenizer{}, nil
}

// NewBackend builds the backend alone.
func NewBackend(cfg serve.BackendConfig) (*Backend, error) {
	if cfg.VocabSize == 0 {
		cfg.VocabSize = EOS + 1
	}
	if cfg.VocabSize <= EOS {
		return nil, fmt.Errorf("synthetic backend: vocab_size must exceed %d, got %d", EOS, cfg.VocabSize)
	}
	if cfg.EOSProbability < 0 || cfg.EOSProbability > 1 {
		return nil, fmt.Errorf("synthetic backend: eos_probability must be in [0,1], got %f", cfg.EOSProbability)
	}
	coeffs := cfg.LatencyCoeffs
	if len(coeffs) == 0 {
		coeffs = []float64{0, 0, 0}
	}
	lm, err := NewLatencyModel(coeffs, cfg.MaxStepLatency)
	if err != nil {
		return nil, fmt.Errorf("synthetic backend: %w", err)
	}
	return &Backend{
		seed:      cfg.Seed,
		vocabSize: cfg.VocabSize,
		eosPPM:    uint64(cfg.EOSProbability * 1e6),
		latency:   lm,
		sleep:     sleepContext,
	}, nil
}

// ForwardPass waits for the modelled step time, then returns one logits vector
// per input. The peak depends only on the input token and its position.
func (b *Backend) ForwardPass(ctx context.Context, batch []serve.StepInput) ([]serve.Logits, error) {
	if err := b.sleep(ctx, b.latency.StepTime(batch)); err != nil {
		return nil, err
	}
	out := make([]serve.Logits, len(batch))
	for i, in := range batch {
		if len(in.Tokens) == 0 {
			return nil, fmt.Errorf("synthetic backend: request %s has no input tokens", in.RequestID)
		}
		last := in.Tokens[len(in.Tokens)-1]
		pos := in.Position + len(in.Tokens) - 1
		out[i] = b.logits(last, pos)
	}
	return out, nil
}

func (b *Backend) logits(last, pos int) serve.Logits {
	h := b.hash(last, pos)
	l := make(serve.Logits, b.vocabSize)
	for i := range l {
		l[i] = coldLogit
	}
	next := int('a') + int(h%26)
	if h%7 == 0 {
		next = ' '
	}
	l[next] = hotLogit
	if b.eosPPM > 0 && (h>>32)%1_000_000 < b.eosPPM {
		l[EOS] = eosLogit
	}
	return l
}

func (b *Backend) hash(last, pos int) uint64 {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(b.seed))
	binary.LittleEndian.PutUint64(buf[8:], uint64(last))
	binary.LittleEndian.PutUint64(buf[16:], uint64(pos))
	h := fnv.New64a()
	h.Write(buf[:])
	return h.Sum64()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
