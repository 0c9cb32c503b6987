// Package workload generates synthetic request streams for benchmarking the
// engine: token lengths from parametric distributions, arrival times from
// Poisson, Gamma or constant processes, all reproducible from a seed.
package workload

import (
	"fmt"
	"math/rand"
	"sort"
	"time"
)

// Arrival is one generated request, offset from the start of the run.
type Arrival struct {
	ID            string
	Client        string
	At            time.Duration
	Prompt        []int
	MaxNewTokens  int
	PriorityClass int
	Stop          []string
}

// Generate creates spec.NumRequests arrivals with prompt tokens drawn from
// [0, vocab). Deterministic for the same spec. Returns arrivals sorted by time.
func Generate(spec *Spec, vocab int) ([]Arrival, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workload spec: %w", err)
	}
	if vocab <= 0 {
		return nil, fmt.Errorf("vocabulary size must be positive, got %d", vocab)
	}
	master := rand.New(rand.NewSource(spec.Seed))
	rates := normalizeRateFractions(spec.Clients, spec.AggregateRate)

	// Each client generates up to NumRequests; the merged stream is cut to
	// NumRequests after sorting, so the mix follows the rate fractions.
	var all []Arrival
	for i := range spec.Clients {
		client := &spec.Clients[i]
		rng := rand.New(rand.NewSource(master.Int63()))
		arrivals := NewArrivalSampler(client.Arrival, rates[i])
		input, err := NewLengthSampler(client.InputDist)
		if err != nil {
			return nil, fmt.Errorf("client %q input distribution: %w", client.ID, err)
		}
		output, err := NewLengthSampler(client.OutputDist)
		if err != nil {
			return nil, fmt.Errorf("client %q output distribution: %w", client.ID, err)
		}

		var at time.Duration
		for n := 0; n < spec.NumRequests; n++ {
			at += arrivals.Next(rng)
			prompt := make([]int, input.Sample(rng))
			for j := range prompt {
				prompt[j] = rng.Intn(vocab)
			}
			all = append(all, Arrival{
				Client:        client.ID,
				At:            at,
				Prompt:        prompt,
				MaxNewTokens:  output.Sample(rng),
				PriorityClass: client.PriorityClass,
				Stop:          client.Stop,
			})
		}
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].At < all[j].At })
	all = all[:spec.NumRequests]
	for i := range all {
		all[i].ID = fmt.Sprintf("request_%d", i)
	}
	return all, nil
}

func normalizeRateFractions(clients []ClientSpec, aggregate float64) []float64 {
	total := 0.0
	for _, c := range clients {
		total += c.RateFraction
	}
	rates := make([]float64, len(clients))
	for i, c := range clients {
		rates[i] = aggregate * c.RateFraction / total
	}
	return rates
}
