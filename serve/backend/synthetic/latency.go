package synthetic

import (
	"fmt"
	"math"
	"time"

	"github.com/inference-sim/batchserve/serve"
)

// LatencyModel estimates step time from regression coefficients:
// beta0 + beta1*prefillTokens + beta2*decodeTokens, in microseconds.
type LatencyModel struct {
	betaCoeffs []float64
	maxStep    time.Duration
}

// NewLatencyModel validates coeffs and builds a model. A zero maxStep means no cap.
func NewLatencyModel(coeffs []float64, maxStep time.Duration) (*LatencyModel, error) {
	if len(coeffs) < 3 {
		return nil, fmt.Errorf("latency model: coefficients require at least 3 elements, got %d", len(coeffs))
	}
	for i, c := range coeffs {
		if math.IsNaN(c) {
			return nil, fmt.Errorf("latency model: coeffs[%d] is NaN", i)
		}
		if math.IsInf(c, 0) {
			return nil, fmt.Errorf("latency model: coeffs[%d] is Inf", i)
		}
		if c < 0 {
			return nil, fmt.Errorf("latency model: coeffs[%d] must be non-negative, got %f", i, c)
		}
	}
	return &LatencyModel{betaCoeffs: coeffs, maxStep: maxStep}, nil
}

// StepTime returns the modelled duration of one forward pass over batch.
func (m *LatencyModel) StepTime(batch []serve.StepInput) time.Duration {
	var prefillTokens, decodeTokens int64
	for _, in := range batch {
		if in.Prefill {
			prefillTokens += int64(len(in.Tokens))
		} else {
			decodeTokens += int64(len(in.Tokens))
		}
	}
	var us float64
	us += m.betaCoeffs[0]
	us += m.betaCoeffs[1] * float64(prefillTokens)
	us += m.betaCoeffs[2] * float64(decodeTokens)
	d := time.Duration(us * float64(time.Microsecond))
	if m.maxStep > 0 && d > m.maxStep {
		d = m.maxStep
	}
	return d
}
