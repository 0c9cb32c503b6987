package serve

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// Test vocabulary: 0='a', 1='b', 2='c', 3=EOS.
const (
	testVocab = 4
	testEOS   = 3
)

// letterTokenizer renders the test vocabulary.
type letterTokenizer struct{}

func (letterTokenizer) Encode(text string) ([]int, error) {
	if text == "" {
		return nil, errors.New("empty text")
	}
	ids := make([]int, 0, len(text))
	for _, r := range text {
		if r < 'a' || r > 'c' {
			return nil, errors.New("unsupported character")
		}
		ids = append(ids, int(r-'a'))
	}
	return ids, nil
}

func (letterTokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if id >= 0 && id < testEOS {
			sb.WriteByte(byte('a' + id))
		}
	}
	return sb.String()
}

func (letterTokenizer) IsSpecial(id int) bool { return id == testEOS }
func (letterTokenizer) StopTokens() []int { return []int{testEOS} }

// cycleBackend predicts (last+1) mod 3, so generation cycles a, b, c.
// eosAfter ends a request after that many tokens; failAt fails the given
// (1-based) call.
type cycleBackend struct {
	mu       sync.Mutex
	calls    int
	failAt   int
	eosAfter map[string]int
	seen     map[string]int // outputs produced per request
	batches  [][]StepInput
}

func newCycleBackend() *cycleBackend {
	return &cycleBackend{eosAfter: map[string]int{}, seen: map[string]int{}}
}

func (b *cycleBackend) ForwardPass(_ context.Context, batch []StepInput) ([]Logits, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	b.batches = append(b.batches, append([]StepInput(nil), batch...))
	if b.failAt > 0 && b.calls == b.failAt {
		return nil, errors.New("device lost")
	}
	out := make([]Logits, len(batch))
	for i, in := range batch {
		l := make(Logits, testVocab)
		last := in.Tokens[len(in.Tokens)-1]
		l[(last+1)%3] = 5
		if n, ok := b.eosAfter[in.RequestID]; ok && b.seen[in.RequestID] >= n {
			l[testEOS] = 10
		}
		b.seen[in.RequestID]++
		out[i] = l
	}
	return out, nil
}

func (b *cycleBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// greedySampler picks the argmax and reports stop tokens.
type greedySampler struct {
	stop map[int]bool
}

func (g greedySampler) Sample(logits Logits, _ []int) (int, bool) {
	best := 0
	for i := range logits {
		if logits[i] > logits[best] {
			best = i
		}
	}
	return best, g.stop[best]
}

func greedyFactory(_ SamplingConfig, stopTokens []int) TokenSampler {
	g := greedySampler{stop: map[int]bool{}}
	for _, id := range stopTokens {
		g.stop[id] = true
	}
	return g
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// testConfig returns a small configuration with one-token blocks, so capacity
// units equal tokens.
func testConfig(totalTokens int64) Config {
	cfg := DefaultConfig()
	cfg.Capacity.TotalBlocks = totalTokens
	cfg.Capacity.BlockSizeTokens = 1
	cfg.Batch.MaxPrefillTokens = 0
	cfg.RequestTimeout = 0
	cfg.MaxStopSequences = 4
	return cfg
}

func newTestEngine(t *testing.T, cfg Config, backend Backend, opts ...Option) (*Engine, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{WithSampler(greedyFactory), WithClock(clock.Now)}, opts...)
	e, err := New(cfg, backend, letterTokenizer{}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, clock
}

func mustSubmit(t *testing.T, e *Engine, id string, promptLen, maxNew int, opts ...SubmitOption) *Stream {
	t.Helper()
	prompt := make([]int, promptLen)
	opts = append([]SubmitOption{WithRequestID(id)}, opts...)
	s, err := e.Submit(context.Background(), prompt, SamplingConfig{MaxNewTokens: maxNew, Seed: 1}, opts...)
	if err != nil {
		t.Fatalf("Submit %s: %v", id, err)
	}
	return s
}

// drain returns the events buffered on s and whether the stream is closed.
// It never blocks.
func drain(s *Stream) (events []Event, closed bool) {
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return events, true
			}
			events = append(events, ev)
		default:
			return events, false
		}
	}
}

func tokensOf(events []Event) []Token {
	var toks []Token
	for _, ev := range events {
		if ev.Type == EventToken {
			toks = append(toks, ev.Token)
		}
	}
	return toks
}

func terminal(t *testing.T, events []Event) Event {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events")
	}
	last := events[len(events)-1]
	if last.Type == EventToken {
		t.Fatalf("last event is a token, want a terminal event")
	}
	return last
}
