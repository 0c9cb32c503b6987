// Package sampling chooses the next token from a logits vector. A Sampler is
// seeded per request, so the same request replayed over the same logits
// yields the same tokens.
package sampling

import (
	"cmp"
	"math"
	"math/rand"
	"slices"

	"github.com/inference-sim/batchserve/serve"
)

// repeatLastN is how far back the repetition penalty looks.
const repeatLastN = 64

// candidate is a token still eligible for the draw, with its unnormalized
// probability.
type candidate struct {
	id     int
	weight float64
}

// Sampler implements serve.TokenSampler for one request. It is not safe for
// concurrent use; the scheduler loop owns it.
type Sampler struct {
	rng    *rand.Rand
	cfg    serve.SamplingConfig
	greedy bool
	stop   map[int]bool

	penalized []float32
	cands     []candidate
}

// New returns a sampler for cfg. Tokens in stopTokens end generation when sampled.
// TopK <= 0 considers the whole vocabulary.
func New(cfg serve.SamplingConfig, stopTokens []int) *Sampler {
	stop := make(map[int]bool, len(stopTokens))
	for _, id := range stopTokens {
		stop[id] = true
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: !cfg.DoSample || cfg.Temperature <= 0,
		stop:   stop,
	}
}

// Factory adapts New to serve.SamplerFactory.
func Factory(cfg serve.SamplingConfig, stopTokens []int) serve.TokenSampler {
	return New(cfg, stopTokens)
}

// Sample picks the next token. The repetition penalty applies to the last
// repeatLastN tokens of prior. Greedy samplers return the argmax; the others
// keep the top-k tokens, drop those under min-p of the best one, cut the
// tail beyond top-p cumulative mass, and draw from what remains.
// logits is not modified.
func (s *Sampler) Sample(logits serve.Logits, prior []int) (int, bool) {
	if len(logits) == 0 {
		return 0, true
	}
	scores := s.penalize(logits, prior)

	var tok int
	if s.greedy {
		tok = argmax(scores)
	} else {
		tok = s.draw(scores)
	}
	return tok, s.stop[tok]
}

// penalize returns logits with recently seen tokens made less likely, or
// logits itself when there is nothing to penalize.
func (s *Sampler) penalize(logits []float32, prior []int) []float32 {
	penalty := s.cfg.RepetitionPenalty
	if penalty <= 1 || len(prior) == 0 {
		return logits
	}
	s.penalized = append(s.penalized[:0], logits...)
	window := prior[max(len(prior)-repeatLastN, 0):]
	for i, id := range window {
		if id < 0 || id >= len(logits) || slices.Contains(window[:i], id) {
			continue
		}
		if s.penalized[id] > 0 {
			s.penalized[id] /= penalty
		} else {
			s.penalized[id] *= penalty
		}
	}
	return s.penalized
}

func (s *Sampler) draw(scores []float32) int {
	cands := s.shortlist(scores)

	// softmax numerators relative to the best score; cands is sorted, so
	// the first weight is 1
	best := float64(scores[cands[0].id])
	temp := float64(s.cfg.Temperature)
	for i := range cands {
		cands[i].weight = math.Exp((float64(scores[cands[i].id]) - best) / temp)
	}

	// min-p keeps a prefix of the descending list
	if s.cfg.MinP > 0 {
		floor := float64(s.cfg.MinP)
		n := 1
		for n < len(cands) && cands[n].weight >= floor {
			n++
		}
		cands = cands[:n]
	}

	var total float64
	for _, c := range cands {
		total += c.weight
	}
	if s.cfg.TopP < 1 {
		limit := float64(s.cfg.TopP) * total
		var mass float64
		for i, c := range cands {
			mass += c.weight
			if mass >= limit {
				cands = cands[:i+1]
				total = mass
				break
			}
		}
	}

	r := s.rng.Float64() * total
	for _, c := range cands {
		if r < c.weight {
			return c.id
		}
		r -= c.weight
	}
	return cands[len(cands)-1].id
}

// shortlist returns the top-k tokens by score, best first. Ties keep the
// lower token ID first so draws are reproducible.
func (s *Sampler) shortlist(scores []float32) []candidate {
	s.cands = s.cands[:0]
	for id := range scores {
		s.cands = append(s.cands, candidate{id: id})
	}
	slices.SortStableFunc(s.cands, func(a, b candidate) int {
		return cmp.Compare(scores[b.id], scores[a.id])
	})
	if k := s.cfg.TopK; k > 0 && k < len(s.cands) {
		s.cands = s.cands[:k]
	}
	return s.cands
}

func argmax(x []float32) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}
