package serve

import (
	"errors"
	"testing"
	"time"
)

func queued(id string, blocks int64, promptLen int) *Request {
	return &Request{ID: id, Prompt: make([]int, promptLen), admitBlocks: blocks}
}

func TestRequestQueue_DequeueBatch_StopsAtFirstMisfit(t *testing.T) {
	// GIVEN a queue [A(6), B(5), C(1)] and 10 free blocks
	q := NewRequestQueue(0)
	for _, r := range []*Request{queued("A", 6, 1), queued("B", 5, 1), queued("C", 1, 1)} {
		if err := q.Enqueue(r); err != nil {
			t.Fatal(err)
		}
	}

	// WHEN a batch is dequeued
	got := q.DequeueBatch(AdmissionBudget{Blocks: 10, Requests: 10})

	// THEN only A is taken; C does not overtake B
	if len(got) != 1 || got[0].ID != "A" {
		t.Fatalf("DequeueBatch: got %v, want [A]", ids(got))
	}
	if q.String() != "[B C]" {
		t.Errorf("remaining queue: got %s, want [B C]", q.String())
	}
}

func TestRequestQueue_DequeueBatch_RespectsRequestLimit(t *testing.T) {
	q := NewRequestQueue(0)
	for _, id := range []string{"A", "B", "C"} {
		_ = q.Enqueue(queued(id, 1, 1))
	}
	got := q.DequeueBatch(AdmissionBudget{Blocks: 100, Requests: 2})
	if len(got) != 2 || got[0].ID != "A" || got[1].ID != "B" {
		t.Errorf("DequeueBatch: got %v, want [A B]", ids(got))
	}
	if got := q.DequeueBatch(AdmissionBudget{Blocks: 100, Requests: 0}); got != nil {
		t.Errorf("zero request budget: got %v, want nil", ids(got))
	}
}

func TestRequestQueue_DequeueBatch_FirstMayExceedPromptBudget(t *testing.T) {
	// GIVEN a head prompt longer than the prefill budget
	q := NewRequestQueue(0)
	_ = q.Enqueue(queued("A", 1, 50))
	_ = q.Enqueue(queued("B", 1, 2))

	got := q.DequeueBatch(AdmissionBudget{Blocks: 100, Requests: 10, PromptTokens: 10})

	// THEN the head is admitted alone
	if len(got) != 1 || got[0].ID != "A" {
		t.Errorf("DequeueBatch: got %v, want [A]", ids(got))
	}
}

func TestRequestQueue_Enqueue_FullAndClosed(t *testing.T) {
	q := NewRequestQueue(1)
	if err := q.Enqueue(queued("A", 1, 1)); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	err := q.Enqueue(queued("B", 1, 1))
	if !errors.Is(err, ErrRejected) {
		t.Errorf("full queue: got %v, want ErrRejected", err)
	}

	drained := q.Close()
	if len(drained) != 1 || drained[0].ID != "A" {
		t.Errorf("Close: got %v, want [A]", ids(drained))
	}
	if err := q.Enqueue(queued("C", 1, 1)); !errors.Is(err, ErrEngineStopped) {
		t.Errorf("closed queue: got %v, want ErrEngineStopped", err)
	}
}

func TestRequestQueue_Enqueue_SignalsWake(t *testing.T) {
	q := NewRequestQueue(0)
	_ = q.Enqueue(queued("A", 1, 1))
	_ = q.Enqueue(queued("B", 1, 1)) // coalesced, must not block
	select {
	case <-q.Wake():
	default:
		t.Fatal("Enqueue did not signal the wake channel")
	}
}

func TestRequestQueue_PrependFront_AndRemove(t *testing.T) {
	q := NewRequestQueue(0)
	_ = q.Enqueue(queued("A", 1, 1))
	_ = q.Enqueue(queued("B", 1, 1))
	q.PrependFront(queued("X", 1, 1))
	if q.Peek().ID != "X" {
		t.Errorf("Peek after PrependFront: got %s, want X", q.Peek().ID)
	}

	if _, ok := q.Remove("A"); !ok {
		t.Error("Remove(A): not found")
	}
	if _, ok := q.Remove("A"); ok {
		t.Error("Remove(A) twice: want false")
	}
	if q.String() != "[X B]" {
		t.Errorf("queue: got %s, want [X B]", q.String())
	}
}

func TestRequestQueue_PrependFront_NilPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("PrependFront(nil) did not panic")
		}
	}()
	NewRequestQueue(0).PrependFront(nil)
}

func TestRequestQueue_Expire_UsesPerRequestTimeout(t *testing.T) {
	// GIVEN A with the default limit and B with a longer one, both idle since t0
	t0 := time.Unix(1000, 0)
	q := NewRequestQueue(0)
	a := queued("A", 1, 1)
	a.lastActive = t0
	b := queued("B", 1, 1)
	b.lastActive = t0
	b.Timeout = time.Minute
	_ = q.Enqueue(a)
	_ = q.Enqueue(b)

	// WHEN 10 seconds pass with a 5 second default
	expired := q.Expire(t0.Add(10*time.Second), 5*time.Second)

	// THEN only A expires
	if len(expired) != 1 || expired[0].ID != "A" {
		t.Errorf("Expire: got %v, want [A]", ids(expired))
	}
	if q.Len() != 1 {
		t.Errorf("Len: got %d, want 1", q.Len())
	}
	if got := q.Expire(t0.Add(time.Hour), 0); len(got) != 1 {
		t.Errorf("Expire with own timeout and zero default: got %d, want 1", len(got))
	}
}

func TestRequestQueue_Reorder_LengthChangePanics(t *testing.T) {
	q := NewRequestQueue(0)
	_ = q.Enqueue(queued("A", 1, 1))
	defer func() {
		if recover() == nil {
			t.Error("Reorder changing length did not panic")
		}
	}()
	q.Reorder(func([]*Request) {
		q.queue = q.queue[:0]
	})
}

func ids(reqs []*Request) []string {
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.ID
	}
	return out
}
