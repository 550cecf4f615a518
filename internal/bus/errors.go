package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrClosed is returned by subscription receives after Close.
var ErrClosed = errors.New("bus: subscription closed")

// TransientError marks a publish or read failure worth retrying, typically a
// network timeout against the stream backend.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient bus error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a failure the caller must not retry; the owning worker
// terminates and the orchestrator treats it as fatal to the process.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal bus error: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal reports whether err terminates the worker.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// classify wraps a backend error into the transient/fatal taxonomy. Context
// cancellation passes through untouched so callers can tell shutdown apart
// from backend trouble.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Err: err}
	}
	return &FatalError{Err: err}
}
