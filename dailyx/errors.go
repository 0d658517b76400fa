package dailyx

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation means a task is not eligible for dispatch yet. It stays
	// pending and is not counted as a failure.
	ErrValidation = errors.New("dailyx: task failed pre-dispatch validation")

	// ErrTransient marks a failure that is retried with backoff.
	ErrTransient = errors.New("dailyx: transient failure")

	// ErrTerminal marks a non-retryable failure that escalates immediately.
	ErrTerminal = errors.New("dailyx: terminal failure")

	// ErrWorkerStall is a failure detected by the checkpoint validator.
	ErrWorkerStall = errors.New("dailyx: worker stalled")

	// ErrStorageUnavailable wraps every I/O failure of the store. Callers
	// retry the whole operation.
	ErrStorageUnavailable = errors.New("dailyx: storage unavailable")

	// ErrInvalidTransition is returned for a move that is not on the status
	// graph. The task is left unchanged.
	ErrInvalidTransition = errors.New("dailyx: invalid transition")

	// ErrStatusConflict means the task is no longer in the expected status,
	// usually because a concurrent actor moved it first.
	ErrStatusConflict = errors.New("dailyx: status conflict")

	// ErrStaleWorker rejects a result from a worker that no longer owns the task.
	ErrStaleWorker = errors.New("dailyx: result from stale worker")

	// ErrDeliveryFailed means a report or escalation event was recorded but
	// its receiver failed. Delivery is attempted again later.
	ErrDeliveryFailed = errors.New("dailyx: delivery failed")

	ErrNotFound       = errors.New("dailyx: not found")
	ErrSessionActive  = errors.New("dailyx: session already active")
	ErrSessionClosed  = errors.New("dailyx: session closed")
	ErrDeadlinePassed = errors.New("dailyx: session deadline passed")
)

// TerminalError lets a worker flag its failure as non-retryable.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string {
	if e.Err == nil {
		return ErrTerminal.Error()
	}
	return e.Err.Error()
}

func (e *TerminalError) Unwrap() []error { return []error{ErrTerminal, e.Err} }

// Terminal wraps err so Classify treats it as non-retryable.
func Terminal(err error) error {
	return &TerminalError{Err: err}
}

// Classify maps an execution error onto a failure kind. Anything not
// explicitly terminal is retried; the retry budget bounds it.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTerminal):
		return FailureTerminal
	case errors.Is(err, ErrWorkerStall):
		return FailureStall
	default:
		return FailureTransient
	}
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}
