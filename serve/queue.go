// Implements the RequestQueue, which holds all submitted requests waiting to be
// admitted into the running batch. Requests are enqueued by Submit on caller
// goroutines and dequeued by the scheduler loop.

package serve

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// AdmissionBudget bounds one DequeueBatch call.
type AdmissionBudget struct {
	Blocks       int64 // free cache blocks available to new requests
	Requests     int   // free batch slots; <= 0 admits nothing
	PromptTokens int   // prefill tokens allowed this step; 0 means unlimited
}

// RequestQueue is a bounded, mutex-protected FIFO of requests awaiting admission.
// The lock is never held across a model call.
type RequestQueue struct {
	mu       sync.Mutex
	queue    []*Request
	maxDepth int // 0 means unbounded
	closed   bool
	wake     chan struct{}
}

// NewRequestQueue creates a queue that rejects submissions beyond maxDepth.
func NewRequestQueue(maxDepth int) *RequestQueue {
	return &RequestQueue{
		maxDepth: maxDepth,
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue appends a request to the back of the queue and wakes the loop.
// Returns a *RejectedError when the queue is full and ErrEngineStopped once closed.
func (q *RequestQueue) Enqueue(req *Request) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrEngineStopped
	}
	if q.maxDepth > 0 && len(q.queue) >= q.maxDepth {
		q.mu.Unlock()
		return &RejectedError{Reason: "queue full"}
	}
	req.State = StateQueued
	q.queue = append(q.queue, req)
	q.mu.Unlock()
	q.Signal()
	return nil
}

// Signal wakes the scheduler loop if it is idle. Never blocks.
func (q *RequestQueue) Signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Wake returns the channel the scheduler loop waits on while idle.
func (q *RequestQueue) Wake() <-chan struct{} {
	return q.wake
}

// Len returns the number of requests in the queue.
func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Peek returns the request at the front of the queue without removing it.
// Returns nil if the queue is empty.
func (q *RequestQueue) Peek() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		return nil
	}
	return q.queue[0]
}

// DequeueBatch removes requests from the head of the queue, in order, while
// they fit the budget. It stops at the first request that does not fit, so a
// large request at the head is never overtaken by smaller ones behind it.
// Returns nil when nothing fits.
func (q *RequestQueue) DequeueBatch(budget AdmissionBudget) []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		n      int
		blocks int64
		tokens int
	)
	for n < len(q.queue) && n < budget.Requests {
		req := q.queue[n]
		if blocks+req.admitBlocks > budget.Blocks {
			break
		}
		// The first request may exceed the prefill budget, otherwise a prompt
		// longer than the budget would never be admitted.
		if budget.PromptTokens > 0 && n > 0 && tokens+len(req.Prompt) > budget.PromptTokens {
			break
		}
		blocks += req.admitBlocks
		tokens += len(req.Prompt)
		n++
	}
	if n == 0 {
		return nil
	}
	batch := make([]*Request, n)
	copy(batch, q.queue[:n])
	q.queue = q.queue[n:]
	return batch
}

// PrependFront inserts a request at the front of the queue.
// Used when a dequeued request could not reserve capacity after all: it goes
// back to the head so arrival order is preserved.
func (q *RequestQueue) PrependFront(req *Request) {
	if req == nil {
		panic("PrependFront: req must not be nil")
	}
	q.mu.Lock()
	req.State = StateQueued
	q.queue = append([]*Request{req}, q.queue...)
	q.mu.Unlock()
}

// Remove deletes the request with the given ID. The second return value is
// false if the request is not queued (already admitted, finished or unknown).
func (q *RequestQueue) Remove(id string) (*Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, req := range q.queue {
		if req.ID == id {
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			return req, true
		}
	}
	return nil, false
}

// Expire removes and returns every queued request that has made no progress
// for longer than its timeout. Requests without their own Timeout use
// defaultTimeout; a zero limit never expires.
func (q *RequestQueue) Expire(now time.Time, defaultTimeout time.Duration) []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	var expired []*Request
	kept := q.queue[:0]
	for _, req := range q.queue {
		limit := req.Timeout
		if limit == 0 {
			limit = defaultTimeout
		}
		if limit > 0 && now.Sub(req.lastActive) > limit {
			expired = append(expired, req)
			continue
		}
		kept = append(kept, req)
	}
	for i := len(kept); i < len(q.queue); i++ {
		q.queue[i] = nil
	}
	q.queue = kept
	return expired
}

// Reorder applies fn to the queue contents, allowing in-place reordering.
// fn MUST NOT change the slice length (no append/delete).
func (q *RequestQueue) Reorder(fn func([]*Request)) {
	if fn == nil {
		panic("Reorder: fn must not be nil")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.queue)
	fn(q.queue)
	if len(q.queue) != n {
		panic(fmt.Sprintf("Reorder: fn changed queue length from %d to %d", n, len(q.queue)))
	}
}

// Closed reports whether Close was called.
func (q *RequestQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close rejects further submissions and returns the requests still waiting.
func (q *RequestQueue) Close() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	drained := q.queue
	q.queue = nil
	return drained
}

func (q *RequestQueue) String() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var sb strings.Builder
	sb.WriteString("[")
	for i, req := range q.queue {
		sb.WriteString(req.ID)
		if i < len(q.queue)-1 {
			sb.WriteString(" ")
		}
	}
	sb.WriteString("]")
	return sb.String()
}
