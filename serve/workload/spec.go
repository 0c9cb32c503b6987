package workload

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Spec is a synthetic workload: one or more clients sharing an aggregate
// request rate. Loaded from YAML with LoadSpec.
type Spec struct {
	Seed          int64        `yaml:"seed"`
	AggregateRate float64      `yaml:"aggregate_rate"` // requests per second
	NumRequests   int          `yaml:"num_requests"`
	Clients       []ClientSpec `yaml:"clients"`
}

// ClientSpec describes one client's request stream.
type ClientSpec struct {
	ID            string      `yaml:"id"`
	RateFraction  float64     `yaml:"rate_fraction"`
	PriorityClass int         `yaml:"priority_class"`
	Arrival       ArrivalSpec `yaml:"arrival"`
	InputDist     DistSpec    `yaml:"input_distribution"`
	OutputDist    DistSpec    `yaml:"output_distribution"`
	Stop          []string    `yaml:"stop,omitempty"`
}

// ArrivalSpec configures the inter-arrival process.
type ArrivalSpec struct {
	Process string   `yaml:"process"`
	CV      *float64 `yaml:"cv,omitempty"`
}

// DistSpec parameterizes a token length distribution.
type DistSpec struct {
	Type   string             `yaml:"type"`
	Params map[string]float64 `yaml:"params,omitempty"`
}

var validArrivalProcesses = map[string]bool{"poisson": true, "gamma": true, "constant": true}

// LoadSpec reads a YAML workload file. Unknown keys are rejected.
func LoadSpec(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workload spec: %w", err)
	}
	return ParseSpec(data)
}

// ParseSpec parses YAML workload data.
func ParseSpec(data []byte) (*Spec, error) {
	var spec Spec
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&spec); err != nil {
		return nil, fmt.Errorf("parsing workload spec: %w", err)
	}
	return &spec, nil
}

// Validate reports every problem in the spec at once.
func (s *Spec) Validate() error {
	var errs []error
	if !positiveFinite(s.AggregateRate) {
		errs = append(errs, fmt.Errorf("aggregate_rate must be a positive number, got %v", s.AggregateRate))
	}
	if s.NumRequests <= 0 {
		errs = append(errs, fmt.Errorf("num_requests must be positive, got %d", s.NumRequests))
	}
	if len(s.Clients) == 0 {
		errs = append(errs, errors.New("at least one client required"))
	}
	for i := range s.Clients {
		errs = append(errs, s.Clients[i].validate(i)...)
	}
	return errors.Join(errs...)
}

func (c *ClientSpec) validate(idx int) []error {
	var errs []error
	name := fmt.Sprintf("clients[%d] (%s)", idx, c.ID)
	if !positiveFinite(c.RateFraction) {
		errs = append(errs, fmt.Errorf("%s: rate_fraction must be a positive number, got %v", name, c.RateFraction))
	}
	if !validArrivalProcesses[c.Arrival.Process] {
		errs = append(errs, fmt.Errorf("%s: unknown arrival process %q", name, c.Arrival.Process))
	}
	if c.Arrival.CV != nil && !positiveFinite(*c.Arrival.CV) {
		errs = append(errs, fmt.Errorf("%s: cv must be a positive number, got %v", name, *c.Arrival.CV))
	}
	for field, d := range map[string]DistSpec{"input_distribution": c.InputDist, "output_distribution": c.OutputDist} {
		if _, ok := lengthDists[d.Type]; !ok {
			errs = append(errs, fmt.Errorf("%s.%s: unknown distribution type %q", name, field, d.Type))
		}
		for param, v := range d.Params {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				errs = append(errs, fmt.Errorf("%s.%s: %s must be finite", name, field, param))
			}
		}
	}
	return errs
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}
