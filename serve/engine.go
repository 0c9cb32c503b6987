package serve

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/batchserve/serve/trace"
)

// LoopState is the externally observable state of the scheduler loop.
type LoopState int32

const (
	LoopIdle LoopState = iota
	LoopAdmitting
	LoopStepping
	LoopStopped
)

func (s LoopState) String() string {
	switch s {
	case LoopIdle:
		return "idle"
	case LoopAdmitting:
		return "admitting"
	case LoopStepping:
		return "stepping"
	case LoopStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithSampler overrides the default sampler factory.
func WithSampler(f SamplerFactory) Option {
	return func(e *Engine) { e.samplers = f }
}

// WithObserver adds an observer. The engine's own Metrics always receive events.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// WithTrace records scheduling decisions into t.
func WithTrace(t *trace.Trace) Option {
	return func(e *Engine) { e.trace = t }
}

// WithClock replaces time.Now for timeouts, admission and latency accounting.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithAdmissionPolicy overrides the admission policy named in the config.
func WithAdmissionPolicy(p AdmissionPolicy) Option {
	return func(e *Engine) { e.admission = p }
}

// SubmitOption sets optional per-request fields.
type SubmitOption func(*Request)

// WithPriority sets the request's priority class. Only used by priority ordering.
func WithPriority(class int) SubmitOption {
	return func(r *Request) { r.PriorityClass = class }
}

// WithTimeoutSteps fails the request with a timeout once it has taken part in
// n steps without finishing.
func WithTimeoutSteps(n int) SubmitOption {
	return func(r *Request) { r.TimeoutSteps = n }
}

// WithTimeout overrides the engine's no-progress timeout for this request.
func WithTimeout(d time.Duration) SubmitOption {
	return func(r *Request) { r.Timeout = d }
}

// WithRequestID uses id instead of a generated ID.
func WithRequestID(id string) SubmitOption {
	return func(r *Request) { r.ID = id }
}

// Engine is the continuous-batching scheduler. Submit and Cancel may be called
// from any goroutine; Run drives the loop on the calling goroutine.
type Engine struct {
	cfg       Config
	backend   Backend
	tok       Tokenizer
	samplers  SamplerFactory
	queue     *RequestQueue
	capacity  *CapacityTracker
	batch     *BatchState
	router    *StreamRouter
	ordering  QueueOrdering
	priority  PriorityPolicy
	admission AdmissionPolicy
	metrics   *Metrics
	observers []Observer
	observer  Observer
	trace     *trace.Trace
	now       func() time.Time

	state   atomic.Int32
	running atomic.Bool
	step    int64 // owned by the loop

	mu       sync.Mutex
	requests map[string]*Request
}

// New builds an engine over backend. tok must describe the backend's vocabulary.
func New(cfg Config, backend Backend, tok Tokenizer, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if backend == nil || tok == nil {
		return nil, errors.New("backend and tokenizer are required")
	}
	e := &Engine{
		cfg:       cfg,
		backend:   backend,
		tok:       tok,
		samplers:  NewSamplerFunc,
		queue:     NewRequestQueue(cfg.Queue.MaxDepth),
		capacity:  NewCapacityTracker(cfg.Capacity.TotalBlocks, cfg.Capacity.BlockSizeTokens),
		router:    NewStreamRouter(),
		ordering:  NewQueueOrdering(cfg.Queue.Ordering),
		priority:  NewPriorityPolicy(cfg.Queue.PriorityPolicy),
		admission: NewAdmissionPolicy(cfg.Admission.Policy, cfg.Admission.TokenBucketCapacity, cfg.Admission.TokenBucketRefillRate),
		metrics:   NewMetrics(),
		now:       time.Now,
		requests:  make(map[string]*Request),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.samplers == nil {
		return nil, errors.New("no sampler: import serve/sampling or pass WithSampler")
	}
	e.batch = NewBatchState(tok, e.now)
	e.observer = append(multiObserver{e.metrics}, e.observers...)
	return e, nil
}

// Submit validates and enqueues a generation request and returns its stream.
// ctx belongs to the consumer: once it is done the request is cancelled.
func (e *Engine) Submit(ctx context.Context, prompt []int, sampling SamplingConfig, opts ...SubmitOption) (*Stream, error) {
	if e.queue.Closed() {
		return nil, ErrEngineStopped
	}
	if len(prompt) == 0 {
		return nil, fmt.Errorf("%w: empty prompt", ErrInvalidRequest)
	}
	if sampling.MaxNewTokens == 0 {
		sampling.MaxNewTokens = e.cfg.DefaultMaxNewTokens
	}
	if sampling.MaxNewTokens < 0 {
		return nil, fmt.Errorf("%w: max_new_tokens must be positive, got %d", ErrInvalidRequest, sampling.MaxNewTokens)
	}
	if e.cfg.MaxStopSequences > 0 && len(sampling.StopSequences) > e.cfg.MaxStopSequences {
		return nil, fmt.Errorf("%w: at most %d stop sequences, got %d", ErrInvalidRequest, e.cfg.MaxStopSequences, len(sampling.StopSequences))
	}
	if sampling.Seed == 0 {
		sampling.Seed = rand.Int64()
	}

	now := e.now()
	req := &Request{
		ID:          "gen-" + uuid.NewString(),
		Prompt:      slices.Clone(prompt),
		Sampling:    sampling,
		ArrivalTime: now,
		lastActive:  now,
	}
	for _, opt := range opts {
		opt(req)
	}

	budget := e.capacity.Total() * e.capacity.BlockSize()
	if int64(req.Sampling.MaxNewTokens) > budget {
		e.reject(req, "too large")
		return nil, fmt.Errorf("%w: max_new_tokens %d exceeds the %d-token budget", ErrRequestTooLarge, req.Sampling.MaxNewTokens, budget)
	}
	need := e.capacity.BlocksFor(req.footprint())
	if need > e.capacity.Total() {
		e.reject(req, "too large")
		return nil, fmt.Errorf("%w: needs %d blocks, budget is %d", ErrRequestTooLarge, need, e.capacity.Total())
	}
	if ok, reason := e.admission.Admit(req, now); !ok {
		e.reject(req, reason)
		return nil, &RejectedError{Reason: reason}
	}

	req.admitTokens = req.footprint()
	if e.cfg.Capacity.Reservation == ReserveIncremental {
		req.admitTokens = int64(len(req.Prompt))
	}
	req.admitBlocks = e.capacity.BlocksFor(req.admitTokens)

	e.mu.Lock()
	if _, dup := e.requests[req.ID]; dup {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: duplicate request id %s", ErrInvalidRequest, req.ID)
	}
	e.requests[req.ID] = req
	e.mu.Unlock()

	stream := e.router.Open(ctx, req)
	if err := e.queue.Enqueue(req); err != nil {
		e.router.drop(req.ID)
		e.unregister(req.ID)
		if errors.Is(err, ErrRejected) {
			e.reject(req, "queue full")
		}
		return nil, err
	}
	e.trace.RecordAdmission(trace.AdmissionRecord{RequestID: req.ID, Step: -1, Admitted: true})
	e.observer.RequestQueued(req, e.queue.Len())
	return stream, nil
}

// SubmitText tokenizes text and submits it.
func (e *Engine) SubmitText(ctx context.Context, text string, sampling SamplingConfig, opts ...SubmitOption) (*Stream, int, error) {
	prompt, err := e.tok.Encode(text)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	stream, err := e.Submit(ctx, prompt, sampling, opts...)
	return stream, len(prompt), err
}

func (e *Engine) reject(req *Request, reason string) {
	logrus.Debugf("request %s rejected: %s", req.ID, reason)
	e.trace.RecordAdmission(trace.AdmissionRecord{RequestID: req.ID, Step: -1, Admitted: false, Reason: reason})
	e.observer.RequestRejected(reason)
}

// Cancel requests cancellation. A queued request is removed and closed
// immediately; an active one is evicted at the start of the next step.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	req, ok := e.requests[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	req.markCancelled()
	if _, removed := e.queue.Remove(id); removed {
		e.trace.RecordEviction(trace.EvictionRecord{RequestID: id, Step: atomic.LoadInt64(&e.step), Reason: string(ReasonCancelled), Queued: true})
		e.complete(req, ReasonCancelled, nil, Details{})
		return nil
	}
	e.queue.Signal()
	return nil
}

// State returns the current loop state.
func (e *Engine) State() LoopState {
	return LoopState(e.state.Load())
}

func (e *Engine) setState(s LoopState) {
	e.state.Store(int32(s))
}

// Metrics returns a snapshot of the engine's aggregate metrics.
func (e *Engine) Metrics() *Metrics {
	return e.metrics.Snapshot()
}

// CapacityStats is a point-in-time view of the cache budget.
type CapacityStats struct {
	TotalBlocks    int64 `json:"total_blocks"`
	ReservedBlocks int64 `json:"reserved_blocks"`
	UsedBlocks     int64 `json:"used_blocks"`
	FreeBlocks     int64 `json:"free_blocks"`
}

// Capacity returns the current capacity accounting.
func (e *Engine) Capacity() CapacityStats {
	return CapacityStats{
		TotalBlocks:    e.capacity.Total(),
		ReservedBlocks: e.capacity.Reserved(),
		UsedBlocks:     e.capacity.Used(),
		FreeBlocks:     e.capacity.Free(),
	}
}

// QueueLen returns the number of requests waiting for admission.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

// Run drives the scheduler loop until ctx is done. On return every pending
// request has been closed with ErrEngineStopped and all capacity released.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine already running")
	}
	defer e.shutdown()
	logrus.Infof("engine started: %d blocks x %d tokens, reservation=%s, max batch=%d",
		e.cfg.Capacity.TotalBlocks, e.cfg.Capacity.BlockSizeTokens, e.cfg.Capacity.Reservation, e.cfg.Batch.MaxRunningRequests)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if e.batch.Len() == 0 && e.queue.Len() == 0 {
			e.setState(LoopIdle)
			select {
			case <-ctx.Done():
				return nil
			case <-e.queue.Wake():
			}
			continue
		}
		if !e.Step(ctx) {
			// nothing could run: every active request is paused
			select {
			case <-ctx.Done():
				return nil
			case <-e.queue.Wake():
			case <-time.After(e.cfg.IdlePollInterval):
			}
		}
	}
}

// Step runs one scheduler iteration: checkpoint cancellations and timeouts,
// admit, then run one forward pass and deliver its tokens. It reports whether
// a forward pass happened. Run calls Step in a loop; tests call it directly.
func (e *Engine) Step(ctx context.Context) bool {
	step := atomic.AddInt64(&e.step, 1)
	now := e.now()

	e.checkpoint(step, now)

	e.setState(LoopAdmitting)
	e.grow(step)
	e.admit(step, now)

	inputs := e.batch.StepInputs()
	if len(inputs) == 0 {
		return false
	}

	e.setState(LoopStepping)
	needs := make([]int64, len(inputs))
	for i, in := range inputs {
		needs[i] = e.batch.Get(in.RequestID).ContextLen()
	}

	logits, err := e.backend.ForwardPass(ctx, inputs)
	if err == nil && len(logits) != len(inputs) {
		err = fmt.Errorf("backend returned %d logits for %d inputs", len(logits), len(inputs))
	}
	if err != nil {
		if ctx.Err() != nil {
			// shutting down; the drain reports ErrEngineStopped
			return true
		}
		e.failStep(step, inputs, err)
		e.recordStep(step, now, inputs, true)
		return true
	}

	outputs := make([]StepOutput, len(inputs))
	for i, in := range inputs {
		outputs[i] = e.batch.Get(in.RequestID).Sample(logits[i])
	}
	result := e.batch.ApplyOutputs(outputs)

	for i, in := range inputs {
		if s := e.batch.Get(in.RequestID); s != nil {
			e.capacity.MarkUsed(s.Reservation, needs[i])
		}
	}
	for _, f := range result.Finished {
		e.release(f.Slot)
	}
	for _, em := range result.Emissions {
		if err := e.router.Emit(em.RequestID, em.Token); err != nil {
			if s := e.batch.Get(em.RequestID); s != nil && errors.Is(err, ErrDisconnected) {
				logrus.Warnf("[step %07d] request %s: consumer disconnected, cancelling", step, em.RequestID)
				s.Request.markCancelled()
			}
		}
	}
	for _, f := range result.Finished {
		req := f.Slot.Request
		e.trace.RecordEviction(trace.EvictionRecord{RequestID: req.ID, Step: step, Reason: string(f.Reason), Generated: req.generated})
		e.complete(req, f.Reason, nil, Details{FinishReason: f.FinishReason, StopSequence: f.StopSequence})
	}

	e.recordStep(step, now, inputs, false)
	return true
}

// checkpoint evicts requests that were cancelled, lost their consumer, or ran
// out of time since the last step.
func (e *Engine) checkpoint(step int64, now time.Time) {
	for _, s := range slices.Clone(e.batch.Slots()) {
		req := s.Request
		switch {
		case req.Cancelled() || e.router.Disconnected(req.ID):
			e.evict(step, s, ReasonCancelled, nil)
		case req.TimeoutSteps > 0 && req.steps >= req.TimeoutSteps:
			logrus.Warnf("[step %07d] request %s timed out after %d steps", step, req.ID, req.steps)
			e.evict(step, s, ReasonTimeout, ErrTimeout)
		case s.Paused && e.stalled(req, now):
			logrus.Warnf("[step %07d] request %s timed out while paused", step, req.ID)
			e.evict(step, s, ReasonTimeout, fmt.Errorf("%w: %w", ErrTimeout, ErrCapacityExhausted))
		}
	}
	for _, req := range e.queue.Expire(now, e.cfg.RequestTimeout) {
		logrus.Warnf("[step %07d] request %s timed out in queue", step, req.ID)
		e.trace.RecordEviction(trace.EvictionRecord{RequestID: req.ID, Step: step, Reason: string(ReasonTimeout), Queued: true})
		e.complete(req, ReasonTimeout, ErrTimeout, Details{})
	}
}

func (e *Engine) stalled(req *Request, now time.Time) bool {
	limit := req.Timeout
	if limit == 0 {
		limit = e.cfg.RequestTimeout
	}
	return limit > 0 && now.Sub(req.lastActive) > limit
}

// grow extends reservations under the incremental policy, oldest request
// first. A request that cannot grow is paused until a later step succeeds,
// unless the preemption policy frees room by requeueing the newest request.
func (e *Engine) grow(step int64) {
	if e.cfg.Capacity.Reservation != ReserveIncremental {
		return
	}
	for _, s := range slices.Clone(e.batch.Slots()) {
		if e.batch.Get(s.Request.ID) == nil {
			continue // preempted earlier in this pass
		}
		ok := e.capacity.Grow(s.Reservation, s.ContextLen())
		for !ok && e.cfg.Capacity.Preemption == PreemptNewest {
			victim := e.batch.Newest()
			if victim == s {
				// nothing newer to make room; pause like PreemptNone
				break
			}
			e.preempt(step, victim)
			ok = e.capacity.Grow(s.Reservation, s.ContextLen())
		}
		if ok {
			if s.Paused {
				s.Paused = false
				s.Request.State = StateRunning
				logrus.Debugf("[step %07d] request %s resumed", step, s.Request.ID)
			}
			continue
		}
		if !s.Paused {
			s.Paused = true
			s.Request.State = StatePaused
			logrus.Debugf("[step %07d] request %s paused: %v", step, s.Request.ID, ErrCapacityExhausted)
			e.trace.RecordPause(trace.PauseRecord{RequestID: s.Request.ID, Step: step, Generated: s.Request.generated, FreeBlocks: e.capacity.Free()})
		}
	}
	if n := e.batch.PausedCount(); n > 0 && n == e.batch.Len() {
		logrus.Warnf("[step %07d] all %d active requests paused for capacity; waiting for cancellation or timeout", step, n)
	}
}

// preempt returns an active request to the head of the queue, releasing its
// reservation. Its generated tokens are kept and it resumes when readmitted.
func (e *Engine) preempt(step int64, s *Slot) {
	req := s.Request
	e.batch.Preempt(req.ID)
	e.release(s)
	req.admitTokens = int64(len(req.Prompt) + len(req.resume))
	req.admitBlocks = e.capacity.BlocksFor(req.admitTokens)
	e.queue.PrependFront(req)
	logrus.Debugf("[step %07d] request %s preempted after %d tokens", step, req.ID, req.generated)
	e.trace.RecordEviction(trace.EvictionRecord{RequestID: req.ID, Step: step, Reason: "preempted", Generated: req.generated})
}

// admit moves requests from the head of the queue into the batch while they fit.
func (e *Engine) admit(step int64, now time.Time) {
	if e.batch.PausedCount() > 0 {
		// in-flight requests get freed capacity before new ones
		return
	}
	free := e.cfg.Batch.MaxRunningRequests - e.batch.Len()
	if free <= 0 || e.queue.Len() == 0 {
		return
	}
	e.queue.Reorder(func(reqs []*Request) {
		for _, r := range reqs {
			r.Priority = e.priority.Compute(r, now)
		}
		e.ordering.OrderQueue(reqs, now)
	})

	reqs := e.queue.DequeueBatch(AdmissionBudget{
		Blocks:       e.capacity.Free(),
		Requests:     free,
		PromptTokens: e.cfg.Batch.MaxPrefillTokens,
	})
	admitted := 0
	for i, req := range reqs {
		if req.Cancelled() || e.router.Disconnected(req.ID) {
			e.trace.RecordEviction(trace.EvictionRecord{RequestID: req.ID, Step: step, Reason: string(ReasonCancelled), Queued: true})
			e.complete(req, ReasonCancelled, nil, Details{})
			continue
		}
		res, ok := e.capacity.TryReserve(req.ID, req.admitTokens)
		if !ok {
			// the hint was stale; put the rest back in order
			for j := len(reqs) - 1; j >= i; j-- {
				e.queue.PrependFront(reqs[j])
			}
			break
		}
		sampler := req.sampler
		if sampler == nil {
			sampler = e.samplers(req.Sampling, e.tok.StopTokens())
		}
		if _, err := e.batch.Admit(req, res, sampler); err != nil {
			logrus.Errorf("[step %07d] admitting request %s: %v", step, req.ID, err)
			_ = e.capacity.Release(res)
			e.complete(req, ReasonFailed, err, Details{})
			continue
		}
		admitted++
		req.AdmittedTime = now
		req.ScheduledStep = step
		e.observer.RequestAdmitted(req, now.Sub(req.ArrivalTime))
		e.trace.RecordAdmission(trace.AdmissionRecord{
			RequestID: req.ID, Step: step, Admitted: true,
			Blocks: res.Blocks(), FreeAfter: e.capacity.Free(),
		})
		logrus.Debugf("[step %07d] admitted %s (%d blocks, %d free)", step, req.ID, res.Blocks(), e.capacity.Free())
	}

	if head := e.queue.Peek(); head != nil && e.batch.Len() < e.cfg.Batch.MaxRunningRequests {
		e.trace.RecordHold(trace.HoldRecord{
			RequestID: head.ID, Step: step,
			NeedBlocks: head.admitBlocks, FreeBlocks: e.capacity.Free(), QueueDepth: e.queue.Len(),
		})
		if admitted == 0 {
			logrus.Debugf("[step %07d] head %s held: needs %d blocks, %d free", step, head.ID, head.admitBlocks, e.capacity.Free())
		}
	}
}

// failStep fails every request that took part in the step.
func (e *Engine) failStep(step int64, inputs []StepInput, cause error) {
	execErr := &ExecutionError{Step: step, Err: cause}
	logrus.Errorf("[step %07d] %v; failing %d requests", step, execErr, len(inputs))
	for _, in := range inputs {
		if s := e.batch.Get(in.RequestID); s != nil {
			e.evict(step, s, ReasonFailed, execErr)
		}
	}
}

// evict removes an active request, releases its capacity and closes its stream.
func (e *Engine) evict(step int64, s *Slot, reason CompletionReason, err error) {
	e.batch.Remove(s.Request.ID)
	e.release(s)
	e.trace.RecordEviction(trace.EvictionRecord{RequestID: s.Request.ID, Step: step, Reason: string(reason), Generated: s.Request.generated})
	e.complete(s.Request, reason, err, Details{})
}

func (e *Engine) release(s *Slot) {
	if err := e.capacity.Release(s.Reservation); err != nil {
		logrus.Errorf("request %s: %v", s.Request.ID, err)
	}
}

// complete closes the request's stream and forgets it.
func (e *Engine) complete(req *Request, reason CompletionReason, err error, details Details) {
	req.State = StateFinished
	e.unregister(req.ID)
	details.Seed = req.Sampling.Seed
	usage := Usage{PromptTokens: len(req.Prompt), CompletionTokens: req.generated}
	if !e.router.Close(req.ID, reason, err, usage, details) {
		return
	}
	e.observer.RequestFinished(req, reason, e.now().Sub(req.ArrivalTime))
}

func (e *Engine) unregister(id string) {
	e.mu.Lock()
	delete(e.requests, id)
	e.mu.Unlock()
}

func (e *Engine) recordStep(step int64, start time.Time, inputs []StepInput, failed bool) {
	stats := StepStats{
		Step:           step,
		BatchSize:      len(inputs),
		Paused:         e.batch.PausedCount(),
		Running:        e.batch.Len(),
		QueueDepth:     e.queue.Len(),
		ReservedBlocks: e.capacity.Reserved(),
		UsedBlocks:     e.capacity.Used(),
		TotalBlocks:    e.capacity.Total(),
		Duration:       e.now().Sub(start),
		Failed:         failed,
	}
	for _, in := range inputs {
		if in.Prefill {
			stats.PrefillRequests++
			stats.PrefillTokens += len(in.Tokens)
		} else {
			stats.DecodeRequests++
		}
	}
	logrus.Debugf("[step %07d] batch=%d prefill=%d decode=%d paused=%d queue=%d reserved=%d/%d",
		step, stats.BatchSize, stats.PrefillRequests, stats.DecodeRequests, stats.Paused,
		stats.QueueDepth, stats.ReservedBlocks, stats.TotalBlocks)
	e.observer.StepCompleted(stats)
}

// shutdown closes every pending request with ErrEngineStopped.
func (e *Engine) shutdown() {
	e.setState(LoopStopped)
	step := atomic.LoadInt64(&e.step)
	for _, req := range e.queue.Close() {
		e.complete(req, ReasonFailed, ErrEngineStopped, Details{})
	}
	for _, s := range slices.Clone(e.batch.Slots()) {
		e.evict(step, s, ReasonFailed, ErrEngineStopped)
	}
	logrus.Infof("engine stopped after %d steps", step)
}
