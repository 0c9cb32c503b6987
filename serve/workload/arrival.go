package workload

import (
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

// ArrivalSampler generates inter-arrival times for one client.
type ArrivalSampler interface {
	// Next returns the time until the next arrival. Always positive.
	Next(rng *rand.Rand) time.Duration
}

// PoissonSampler draws exponential inter-arrival times (CV = 1).
type PoissonSampler struct {
	rate float64 // requests per second
}

func (s *PoissonSampler) Next(rng *rand.Rand) time.Duration {
	return positive(rng.ExpFloat64() / s.rate)
}

// GammaSampler draws Gamma-distributed inter-arrival times. CV > 1 is bursty.
type GammaSampler struct {
	shape float64 // 1/CV^2
	scale float64 // CV^2/rate, in seconds
}

func (s *GammaSampler) Next(rng *rand.Rand) time.Duration {
	return positive(gammaRand(rng, s.shape, s.scale))
}

// ConstantArrival spaces arrivals evenly.
type ConstantArrival struct {
	interval time.Duration
}

func (s *ConstantArrival) Next(_ *rand.Rand) time.Duration {
	return max(s.interval, time.Nanosecond)
}

// gammaRand samples Gamma(shape, scale) with Marsaglia-Tsang; shape < 1 uses
// Gamma(a) = Gamma(a+1) * U^(1/a).
func gammaRand(rng *rand.Rand, shape, scale float64) float64 {
	if shape < 1.0 {
		u := rng.Float64()
		return gammaRand(rng, shape+1.0, scale) * math.Pow(u, 1.0/shape)
	}
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9.0*d)
	for {
		var x, v float64
		for {
			x = rng.NormFloat64()
			v = 1.0 + c*x
			if v > 0 {
				break
			}
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1.0-0.0331*(x*x)*(x*x) {
			return d * v * scale
		}
		if math.Log(u) < 0.5*x*x+d*(1.0-v+math.Log(v)) {
			return d * v * scale
		}
	}
}

func positive(seconds float64) time.Duration {
	return max(time.Duration(seconds*float64(time.Second)), time.Nanosecond)
}

// NewArrivalSampler creates an ArrivalSampler for rate requests per second.
func NewArrivalSampler(spec ArrivalSpec, rate float64) ArrivalSampler {
	if rate < 1e-9 {
		rate = 1e-9
	}
	switch spec.Process {
	case "gamma":
		cv := 1.0
		if spec.CV != nil && *spec.CV > 0 {
			cv = *spec.CV
		}
		shape := 1.0 / (cv * cv)
		if shape < 0.01 {
			logrus.Warnf("Gamma shape %.4f (CV=%.1f) is very small; falling back to Poisson", shape, cv)
			return &PoissonSampler{rate: rate}
		}
		return &GammaSampler{shape: shape, scale: cv * cv / rate}
	case "constant":
		return &ConstantArrival{interval: time.Duration(float64(time.Second) / rate)}
	default:
		return &PoissonSampler{rate: rate}
	}
}
