package serve

import (
	"fmt"
	"time"
)

// Phase is the execution phase of an active request.
type Phase int

const (
	// PhasePrefill processes the whole prompt in one step.
	PhasePrefill Phase = iota
	// PhaseDecode produces one token per step.
	PhaseDecode
)

func (p Phase) String() string {
	if p == PhasePrefill {
		return "prefill"
	}
	return "decode"
}

// Slot is the per-request state of an active request.
type Slot struct {
	Request     *Request
	Reservation *Reservation
	Phase       Phase
	Paused      bool

	sampler   TokenSampler
	stop      *stopMatcher
	context   []int // prompt followed by every generated token
	lastToken int
}

// ContextLen returns the number of cache entries the next forward pass needs:
// the whole context during prefill, and in decode the prior entries plus the
// last sampled token written this step.
func (s *Slot) ContextLen() int64 {
	return int64(len(s.context))
}

// Generated returns the tokens generated so far.
func (s *Slot) Generated() []int {
	return s.context[len(s.Request.Prompt):]
}

// StepOutput is the sampled result for one request after a forward pass.
type StepOutput struct {
	RequestID string
	Token     int
	Stop      bool // the sampler chose an end-of-sequence token
}

// Emission is a token ready for delivery.
type Emission struct {
	RequestID string
	Token     Token
}

// Finished describes a request that left the batch during ApplyOutputs.
type Finished struct {
	Slot         *Slot
	Reason       CompletionReason
	FinishReason string
	StopSequence string
}

// StepResult is what ApplyOutputs hands back to the loop, in delivery order.
type StepResult struct {
	Emissions []Emission
	Finished  []Finished
}

// Detokenizer renders token IDs as text.
type Detokenizer interface {
	Decode(ids []int) string
	IsSpecial(id int) bool
}

// BatchState is the ordered set of active requests. It is owned by the
// scheduler loop and not safe for concurrent use.
type BatchState struct {
	slots []*Slot
	index map[string]*Slot
	detok Detokenizer
	now   func() time.Time
}

// NewBatchState creates an empty batch that renders tokens with detok.
func NewBatchState(detok Detokenizer, now func() time.Time) *BatchState {
	if now == nil {
		now = time.Now
	}
	return &BatchState{
		index: make(map[string]*Slot),
		detok: detok,
		now:   now,
	}
}

// Admit adds req with its reservation at the end of the batch, in prefill
// phase. A request that was preempted earlier resumes: its generated tokens
// are prefilled together with the prompt and generation continues after them.
func (b *BatchState) Admit(req *Request, res *Reservation, sampler TokenSampler) (*Slot, error) {
	if _, dup := b.index[req.ID]; dup {
		return nil, fmt.Errorf("request %s already in batch", req.ID)
	}
	ctx := make([]int, 0, len(req.Prompt)+req.Sampling.MaxNewTokens)
	ctx = append(ctx, req.Prompt...)
	ctx = append(ctx, req.resume...)
	slot := &Slot{
		Request:     req,
		Reservation: res,
		Phase:       PhasePrefill,
		sampler:     sampler,
		stop:        newStopMatcher(req.Sampling.StopSequences),
		context:     ctx,
	}
	if len(req.resume) > 0 {
		slot.stop.Push(b.detok.Decode(req.resume))
		slot.lastToken = req.resume[len(req.resume)-1]
		req.resume = nil
	}
	req.sampler = nil
	req.State = StateRunning
	req.lastActive = b.now()
	b.slots = append(b.slots, slot)
	b.index[req.ID] = slot
	return slot, nil
}

// StepInputs returns the forward-pass inputs for every active, unpaused
// request, in admission order.
func (b *BatchState) StepInputs() []StepInput {
	inputs := make([]StepInput, 0, len(b.slots))
	for _, s := range b.slots {
		if s.Paused {
			continue
		}
		if s.Phase == PhasePrefill {
			inputs = append(inputs, StepInput{
				RequestID: s.Request.ID,
				Tokens:    s.context[:len(s.context):len(s.context)],
				Position:  0,
				Prefill:   true,
			})
			continue
		}
		inputs = append(inputs, StepInput{
			RequestID: s.Request.ID,
			Tokens:    []int{s.lastToken},
			Position:  len(s.context) - 1,
		})
	}
	return inputs
}

// Sample runs the request's sampler over its logits.
func (s *Slot) Sample(logits Logits) StepOutput {
	tok, stop := s.sampler.Sample(logits, s.context)
	return StepOutput{RequestID: s.Request.ID, Token: tok, Stop: stop}
}

// ApplyOutputs advances every request named in outputs by one token and
// evaluates its stop conditions. Finished requests are removed from the batch
// and returned; their reservations are left for the caller to release.
func (b *BatchState) ApplyOutputs(outputs []StepOutput) StepResult {
	var result StepResult
	now := b.now()
	for _, out := range outputs {
		s, ok := b.index[out.RequestID]
		if !ok {
			continue
		}
		req := s.Request
		req.steps++
		s.Phase = PhaseDecode

		if req.Cancelled() {
			result.Finished = append(result.Finished, b.finish(s, ReasonCancelled, "", ""))
			continue
		}
		if out.Stop {
			result.Finished = append(result.Finished, b.finish(s, ReasonStopped, FinishEOSToken, ""))
			continue
		}

		text := b.detok.Decode([]int{out.Token})
		s.context = append(s.context, out.Token)
		s.lastToken = out.Token
		if req.generated == 0 {
			req.FirstTokenTime = now
		}
		result.Emissions = append(result.Emissions, Emission{
			RequestID: req.ID,
			Token: Token{
				ID:      out.Token,
				Text:    text,
				Index:   req.generated,
				Special: b.detok.IsSpecial(out.Token),
			},
		})
		req.generated++
		req.lastActive = now

		if hit, stop := s.stop.Push(text); hit {
			result.Finished = append(result.Finished, b.finish(s, ReasonStopped, FinishStopSequence, stop))
			continue
		}
		if req.generated >= req.Sampling.MaxNewTokens {
			result.Finished = append(result.Finished, b.finish(s, ReasonMaxTokens, FinishLength, ""))
		}
	}
	return result
}

func (b *BatchState) finish(s *Slot, reason CompletionReason, finishReason, stop string) Finished {
	b.Remove(s.Request.ID)
	return Finished{Slot: s, Reason: reason, FinishReason: finishReason, StopSequence: stop}
}

// Remove takes the request out of the batch, preserving the order of the rest.
func (b *BatchState) Remove(id string) *Slot {
	s, ok := b.index[id]
	if !ok {
		return nil
	}
	delete(b.index, id)
	for i, cur := range b.slots {
		if cur == s {
			b.slots = append(b.slots[:i], b.slots[i+1:]...)
			break
		}
	}
	s.Request.State = StateFinished
	return s
}

// Preempt takes the request out of the batch so it can be queued again. The
// tokens generated so far and the sampler's state are kept on the request and
// restored by Admit, so output continues as if never interrupted.
func (b *BatchState) Preempt(id string) *Slot {
	s := b.Remove(id)
	if s == nil {
		return nil
	}
	s.Request.resume = append([]int(nil), s.Generated()...)
	s.Request.sampler = s.sampler
	s.Request.State = StateQueued
	return s
}

// Newest returns the most recently admitted slot, or nil.
func (b *BatchState) Newest() *Slot {
	if len(b.slots) == 0 {
		return nil
	}
	return b.slots[len(b.slots)-1]
}

// Get returns the slot for id, or nil.
func (b *BatchState) Get(id string) *Slot {
	return b.index[id]
}

// Slots returns the active slots in admission order. Callers must not modify
// the returned slice.
func (b *BatchState) Slots() []*Slot {
	return b.slots
}

// Len returns the number of active requests, paused ones included.
func (b *BatchState) Len() int {
	return len(b.slots)
}

// PausedCount returns the number of requests held out of the next step.
func (b *BatchState) PausedCount() int {
	n := 0
	for _, s := range b.slots {
		if s.Paused {
			n++
		}
	}
	return n
}
