package serve

import (
	"fmt"
	"sort"
	"time"
)

// PriorityPolicy computes a priority score for a queued request.
// Higher scores are admitted first by priority-aware orderings.
// Implementations MUST NOT modify the request; only the return value is used.
type PriorityPolicy interface {
	Compute(req *Request, now time.Time) float64
}

// ConstantPriority scores every request by its caller-supplied class.
type ConstantPriority struct{}

func (ConstantPriority) Compute(req *Request, _ time.Time) float64 {
	return float64(req.PriorityClass)
}

// AgePriority raises a request's score the longer it waits, so low classes
// cannot starve behind a steady stream of high ones.
// Formula: PriorityClass + AgeWeight * seconds waited
type AgePriority struct {
	AgeWeight float64
}

func (a AgePriority) Compute(req *Request, now time.Time) float64 {
	return float64(req.PriorityClass) + a.AgeWeight*now.Sub(req.ArrivalTime).Seconds()
}

// NewPriorityPolicy creates a priority policy by name.
// Valid names are defined in ValidPriorityPolicies. Panics on unrecognized names.
func NewPriorityPolicy(name string) PriorityPolicy {
	switch name {
	case "", "constant":
		return ConstantPriority{}
	case "age":
		return AgePriority{AgeWeight: 1.0}
	default:
		panic(fmt.Sprintf("unknown priority policy %q", name))
	}
}

// QueueOrdering reorders the queued requests before each admission round.
// Implementations sort in place and must not change the slice length.
type QueueOrdering interface {
	OrderQueue(reqs []*Request, now time.Time)
}

// FCFSOrdering keeps arrival order. It is the default.
type FCFSOrdering struct{}

func (FCFSOrdering) OrderQueue(_ []*Request, _ time.Time) {}

// PriorityOrdering sorts by Priority descending, then arrival time, then ID.
type PriorityOrdering struct{}

func (PriorityOrdering) OrderQueue(reqs []*Request, _ time.Time) {
	sort.SliceStable(reqs, func(i, j int) bool {
		if reqs[i].Priority != reqs[j].Priority {
			return reqs[i].Priority > reqs[j].Priority
		}
		if !reqs[i].ArrivalTime.Equal(reqs[j].ArrivalTime) {
			return reqs[i].ArrivalTime.Before(reqs[j].ArrivalTime)
		}
		return reqs[i].ID < reqs[j].ID
	})
}

// NewQueueOrdering creates a queue ordering by name.
// Valid names are defined in ValidOrderings. Panics on unrecognized names.
func NewQueueOrdering(name string) QueueOrdering {
	switch name {
	case "", "fcfs":
		return FCFSOrdering{}
	case "priority":
		return PriorityOrdering{}
	default:
		panic(fmt.Sprintf("unknown queue ordering %q", name))
	}
}
