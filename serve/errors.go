package serve

import (
	"errors"
	"fmt"
)

var (
	// ErrRejected is matched by every submit-time rejection. Callers may retry later.
	ErrRejected = errors.New("request rejected")

	// ErrRequestTooLarge means the worst-case footprint of a request exceeds the
	// whole capacity budget. Retrying cannot succeed.
	ErrRequestTooLarge = fmt.Errorf("%w: footprint exceeds total capacity", ErrRejected)

	// ErrCapacityExhausted is the transient condition of a request that cannot grow
	// its reservation this step. It is never returned from Submit.
	ErrCapacityExhausted = errors.New("cache capacity exhausted")

	// ErrTimeout is reported when a request makes no progress within its time limit.
	ErrTimeout = errors.New("request timed out")

	// ErrEngineStopped is returned by Submit after shutdown and reported to
	// requests still pending when the engine stops.
	ErrEngineStopped = errors.New("engine stopped")

	ErrUnknownRequest      = errors.New("unknown request")
	ErrReservationReleased = errors.New("reservation already released")
	ErrDisconnected        = errors.New("consumer disconnected")
	ErrInvalidRequest      = errors.New("invalid request")
)

// RejectedError is returned when a request cannot be accepted right now,
// e.g. the queue is at its maximum depth or the rate limiter refused it.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "request rejected: " + e.Reason
}

// Is lets errors.Is(err, ErrRejected) match any *RejectedError.
func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// ExecutionError wraps a model backend failure. Every request that took part
// in the failing step is failed with it.
type ExecutionError struct {
	Step int64
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed at step %d: %v", e.Step, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
