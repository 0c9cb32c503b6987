package serve

import (
	"fmt"
	"sync"
	"time"
)

// AdmissionPolicy decides at submit time whether a request is accepted.
// It runs on caller goroutines, so implementations must be safe for concurrent use.
type AdmissionPolicy interface {
	Admit(req *Request, now time.Time) (admitted bool, reason string)
}

// AlwaysAdmit admits all requests unconditionally.
type AlwaysAdmit struct{}

func (AlwaysAdmit) Admit(_ *Request, _ time.Time) (bool, string) {
	return true, ""
}

// TokenBucket implements rate-limiting admission control. Each request costs
// its prompt length in tokens.
type TokenBucket struct {
	mu            sync.Mutex
	capacity      float64
	refillRate    float64 // tokens per second
	currentTokens float64
	lastRefill    time.Time
}

// NewTokenBucket creates a full TokenBucket with the given capacity and refill rate.
func NewTokenBucket(capacity, refillRate float64) *TokenBucket {
	return &TokenBucket{
		capacity:      capacity,
		refillRate:    refillRate,
		currentTokens: capacity,
	}
}

// Admit checks whether the request can be admitted given current token availability.
func (tb *TokenBucket) Admit(req *Request, now time.Time) (bool, string) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.lastRefill.IsZero() {
		tb.lastRefill = now
	}
	if elapsed := now.Sub(tb.lastRefill); elapsed > 0 {
		tb.currentTokens = min(tb.capacity, tb.currentTokens+elapsed.Seconds()*tb.refillRate)
		tb.lastRefill = now
	}
	cost := float64(len(req.Prompt))
	if tb.currentTokens >= cost {
		tb.currentTokens -= cost
		return true, ""
	}
	return false, "rate limited"
}

// NewAdmissionPolicy creates an admission policy by name.
// Valid names are defined in ValidAdmissionPolicies. An empty string defaults
// to AlwaysAdmit. Panics on unrecognized names.
func NewAdmissionPolicy(name string, capacity, refillRate float64) AdmissionPolicy {
	switch name {
	case "", "always-admit":
		return AlwaysAdmit{}
	case "token-bucket":
		return NewTokenBucket(capacity, refillRate)
	default:
		panic(fmt.Sprintf("unknown admission policy %q", name))
	}
}
