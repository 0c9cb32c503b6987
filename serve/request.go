// Defines the Request struct that models one generation request from submission
// until its stream is closed.

package serve

import (
	"fmt"
	"sync/atomic"
	"time"
)

// RequestState represents the lifecycle state of a request.
type RequestState string

const (
	StateQueued   RequestState = "queued"
	StateRunning  RequestState = "running"
	StatePaused   RequestState = "paused" // running, but held out of the batch until capacity frees up
	StateFinished RequestState = "finished"
)

// SamplingConfig carries the per-request generation parameters.
// Zero values mean "use the default" except where noted.
type SamplingConfig struct {
	MaxNewTokens      int      `json:"max_new_tokens,omitempty" yaml:"max_new_tokens"`
	Temperature       float32  `json:"temperature,omitempty" yaml:"temperature"`
	TopK              int      `json:"top_k,omitempty" yaml:"top_k"`
	TopP              float32  `json:"top_p,omitempty" yaml:"top_p"`
	MinP              float32  `json:"min_p,omitempty" yaml:"min_p"`
	RepetitionPenalty float32  `json:"repetition_penalty,omitempty" yaml:"repetition_penalty"`
	StopSequences     []string `json:"stop,omitempty" yaml:"stop"`
	Seed              int64    `json:"seed,omitempty" yaml:"seed"`
	DoSample          bool     `json:"do_sample,omitempty" yaml:"do_sample"` // false selects greedy decoding
}

// Request models a single request's lifecycle in the engine.
//
// Fields above the blank line are set at submission and never change.
// The remaining fields are owned by the scheduler loop; other goroutines
// only touch the cancellation flag.
type Request struct {
	ID          string
	Prompt      []int
	Sampling    SamplingConfig
	ArrivalTime time.Time

	PriorityClass int           // caller-supplied class, higher is more urgent
	TimeoutSteps  int           // 0 disables the step limit
	Timeout       time.Duration // no-progress limit while queued or paused; 0 uses the engine default

	State          RequestState
	Priority       float64 // scheduling score, recomputed each step by the PriorityPolicy
	AdmittedTime   time.Time
	FirstTokenTime time.Time
	ScheduledStep  int64

	admitTokens int64 // tokens reserved at admission
	admitBlocks int64 // admitTokens in blocks, used by the queue to check fit
	lastActive  time.Time
	generated   int
	steps       int          // forward passes taken part in, across preemptions
	resume      []int        // generated tokens carried over a preemption
	sampler     TokenSampler // sampler carried over a preemption, so its RNG continues
	cancelled   atomic.Bool
}

// Generated returns how many tokens have been delivered for the request.
func (req *Request) Generated() int {
	return req.generated
}

// Steps returns how many forward passes the request has taken part in.
func (req *Request) Steps() int {
	return req.steps
}

// Cancelled reports whether cancellation was requested.
func (req *Request) Cancelled() bool {
	return req.cancelled.Load()
}

func (req *Request) markCancelled() {
	req.cancelled.Store(true)
}

// footprint is the worst-case number of tokens the request may hold in the cache.
func (req *Request) footprint() int64 {
	return int64(len(req.Prompt)) + int64(req.Sampling.MaxNewTokens)
}

func (req *Request) String() string {
	return fmt.Sprintf("Request: (ID: %s, State: %s, Prompt: %d, Generated: %d/%d)",
		req.ID, req.State, len(req.Prompt), req.generated, req.Sampling.MaxNewTokens)
}
