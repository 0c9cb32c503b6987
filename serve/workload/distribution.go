package workload

import (
	"fmt"
	"math"
	"math/rand"
)

// LengthSampler draws token counts. Samples are always >= 1.
type LengthSampler interface {
	Sample(rng *rand.Rand) int
}

// lengthFunc adapts a function to LengthSampler.
type lengthFunc func(rng *rand.Rand) float64

func (f lengthFunc) Sample(rng *rand.Rand) int {
	v := f(rng)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 1
	}
	return max(int(math.Round(v)), 1)
}

// lengthDists maps a distribution type to its required parameters and a
// constructor over them.
var lengthDists = map[string]struct {
	params []string
	build  func(p map[string]float64) lengthFunc
}{
	"gaussian": {
		params: []string{"mean", "std_dev", "min", "max"},
		build: func(p map[string]float64) lengthFunc {
			mean, sd := p["mean"], p["std_dev"]
			lo, hi := math.Round(p["min"]), math.Round(p["max"])
			return func(rng *rand.Rand) float64 {
				if lo == hi {
					return lo
				}
				return math.Max(lo, math.Min(hi, mean+sd*rng.NormFloat64()))
			}
		},
	},
	"exponential": {
		params: []string{"mean"},
		build: func(p map[string]float64) lengthFunc {
			mean := p["mean"]
			return func(rng *rand.Rand) float64 { return mean * rng.ExpFloat64() }
		},
	},
	// Pareto tail mixed into a LogNormal body: heavy-tailed prompt lengths.
	"pareto_lognormal": {
		params: []string{"alpha", "xm", "mu", "sigma", "mix_weight"},
		build: func(p map[string]float64) lengthFunc {
			alpha, xm, mu, sigma, w := p["alpha"], p["xm"], p["mu"], p["sigma"], p["mix_weight"]
			return func(rng *rand.Rand) float64 {
				if rng.Float64() >= w {
					return math.Exp(mu + sigma*rng.NormFloat64())
				}
				u := math.Max(rng.Float64(), math.SmallestNonzeroFloat64)
				return xm * math.Pow(u, -1/alpha)
			}
		},
	},
	"constant": {
		params: []string{"value"},
		build: func(p map[string]float64) lengthFunc {
			v := p["value"]
			return func(*rand.Rand) float64 { return v }
		},
	},
}

// NewLengthSampler creates a LengthSampler from a DistSpec.
func NewLengthSampler(spec DistSpec) (LengthSampler, error) {
	dist, ok := lengthDists[spec.Type]
	if !ok {
		return nil, fmt.Errorf("unknown distribution type %q", spec.Type)
	}
	for _, name := range dist.params {
		if _, ok := spec.Params[name]; !ok {
			return nil, fmt.Errorf("%s distribution requires parameter %q", spec.Type, name)
		}
	}
	return dist.build(spec.Params), nil
}
