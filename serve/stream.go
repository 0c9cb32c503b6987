package serve

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// EventType distinguishes the three kinds of GenerationEvent.
type EventType int

const (
	EventToken EventType = iota
	EventCompleted
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventToken:
		return "token"
	case EventCompleted:
		return "completed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// CompletionReason records why a request left the engine.
type CompletionReason string

const (
	ReasonStopped   CompletionReason = "stopped"    // end-of-sequence token or stop sequence
	ReasonMaxTokens CompletionReason = "max_tokens" // max_new_tokens generated
	ReasonCancelled CompletionReason = "cancelled"
	ReasonFailed    CompletionReason = "failed"
	ReasonTimeout   CompletionReason = "timeout"
)

// ErrorKind classifies Error events.
type ErrorKind string

const (
	ErrorKindExecution ErrorKind = "execution"
	ErrorKindTimeout   ErrorKind = "timeout"
	ErrorKindShutdown  ErrorKind = "shutdown"
	ErrorKindInternal  ErrorKind = "internal"
)

// FinishReason values follow the wire vocabulary of text-generation servers.
const (
	FinishLength       = "length"
	FinishEOSToken     = "eos_token"
	FinishStopSequence = "stop_sequence"
)

// Token is one generated token as delivered to the consumer.
type Token struct {
	ID      int    `json:"id"`
	Text    string `json:"text"`
	Index   int    `json:"index"` // 0-based position in the generated sequence
	Special bool   `json:"special"`
}

// Usage counts tokens for one request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Details describes how a completed request finished.
type Details struct {
	FinishReason string `json:"finish_reason"`
	StopSequence string `json:"stop_sequence,omitempty"`
	Seed         int64  `json:"seed"`
}

// Event is a GenerationEvent: a Token, a Completed notice, or an Error.
// Completed and Error are terminal; nothing follows them on the stream.
type Event struct {
	Type    EventType
	Token   Token
	Reason  CompletionReason
	Kind    ErrorKind
	Err     error
	Usage   Usage
	Details Details
}

// streamBuffer caps the events a stream's channel holds. Events beyond it
// wait in the stream's backlog until the consumer catches up.
const streamBuffer = 64

// Stream is the consumer side of one request's event channel.
type Stream struct {
	id           string
	events       chan Event
	done         <-chan struct{}
	closeOnce    sync.Once
	disconnected atomic.Bool

	mu       sync.Mutex
	backlog  []Event
	pumping  bool // a goroutine is moving the backlog into events
	terminal bool // the terminal event is in the backlog
}

// ID returns the request ID.
func (s *Stream) ID() string { return s.id }

// Events returns the channel of generation events. It is closed after the
// terminal event.
func (s *Stream) Events() <-chan Event { return s.events }

// StreamRouter delivers events from the scheduler loop to per-request
// consumers. Delivery never blocks the loop: when a consumer falls behind its
// channel buffer, events queue on the stream and a goroutine feeds them in
// order until the consumer catches up or goes away.
type StreamRouter struct {
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewStreamRouter creates an empty router.
func NewStreamRouter() *StreamRouter {
	return &StreamRouter{streams: make(map[string]*Stream)}
}

// Open registers a stream for req. ctx is the consumer's context; once it is
// done, the consumer counts as disconnected.
func (r *StreamRouter) Open(ctx context.Context, req *Request) *Stream {
	s := &Stream{
		id:     req.ID,
		events: make(chan Event, min(max(req.Sampling.MaxNewTokens, 0)+1, streamBuffer)),
		done:   ctx.Done(),
	}
	r.mu.Lock()
	r.streams[req.ID] = s
	r.mu.Unlock()
	return s
}

func (r *StreamRouter) lookup(id string) *Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.streams[id]
}

// Emit delivers a token event. It returns ErrDisconnected when the consumer
// went away and ErrUnknownRequest when the stream is already closed; neither
// is fatal to the loop.
func (r *StreamRouter) Emit(id string, tok Token) error {
	s := r.lookup(id)
	if s == nil {
		return ErrUnknownRequest
	}
	if s.disconnected.Load() {
		return ErrDisconnected
	}
	select {
	case <-s.done:
		s.disconnected.Store(true)
		logrus.Debugf("stream %s: consumer disconnected", id)
		return ErrDisconnected
	default:
	}
	s.deliver(Event{Type: EventToken, Token: tok})
	return nil
}

// Close delivers the terminal event for reason and closes the stream. It acts
// exactly once per request and returns false on any later call.
func (r *StreamRouter) Close(id string, reason CompletionReason, err error, usage Usage, details Details) bool {
	r.mu.Lock()
	s := r.streams[id]
	delete(r.streams, id)
	r.mu.Unlock()
	if s == nil {
		return false
	}
	closed := false
	s.closeOnce.Do(func() {
		closed = true
		ev := Event{Type: EventCompleted, Reason: reason, Err: err, Usage: usage, Details: details}
		switch reason {
		case ReasonFailed:
			ev.Type = EventError
			ev.Kind = errorKindOf(err)
		case ReasonTimeout:
			ev.Type = EventError
			ev.Kind = ErrorKindTimeout
		}
		s.deliver(ev)
	})
	return closed
}

// deliver hands ev to the consumer without blocking. Once the terminal event
// is out the channel is closed.
func (s *Stream) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pumping {
		select {
		case s.events <- ev:
			if ev.Type != EventToken {
				close(s.events)
			}
			return
		default:
		}
		s.pumping = true
		go s.pump()
	}
	s.backlog = append(s.backlog, ev)
	if ev.Type != EventToken {
		s.terminal = true
	}
}

// pump moves the backlog into the channel in order. It stops when the backlog
// is empty, closing the channel if the terminal event went out, or when the
// consumer is gone.
func (s *Stream) pump() {
	for {
		s.mu.Lock()
		if len(s.backlog) == 0 {
			s.pumping = false
			if s.terminal {
				close(s.events)
			}
			s.mu.Unlock()
			return
		}
		ev := s.backlog[0]
		s.backlog[0] = Event{}
		s.backlog = s.backlog[1:]
		s.mu.Unlock()

		select {
		case s.events <- ev:
		case <-s.done:
			s.mu.Lock()
			s.backlog = nil
			s.mu.Unlock()
			logrus.Debugf("stream %s: consumer gone, dropping backlog", s.id)
			return
		}
	}
}

// drop forgets a stream that was never handed to a consumer.
func (r *StreamRouter) drop(id string) {
	r.mu.Lock()
	delete(r.streams, id)
	r.mu.Unlock()
}

// Disconnected reports whether the consumer of id has gone away.
func (r *StreamRouter) Disconnected(id string) bool {
	s := r.lookup(id)
	if s == nil {
		return false
	}
	if s.disconnected.Load() {
		return true
	}
	select {
	case <-s.done:
		s.disconnected.Store(true)
		return true
	default:
		return false
	}
}

// Len returns the number of open streams.
func (r *StreamRouter) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

func errorKindOf(err error) ErrorKind {
	var execErr *ExecutionError
	switch {
	case err == nil:
		return ErrorKindInternal
	case errors.As(err, &execErr):
		return ErrorKindExecution
	case errors.Is(err, ErrEngineStopped):
		return ErrorKindShutdown
	default:
		return ErrorKindInternal
	}
}
