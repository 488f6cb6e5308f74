// Package runerrors defines the error kinds a run can terminate with.
//
// Loop-limit exhaustion is deliberately absent: the tool loop returns the last
// turn and flags it in turn data instead of failing.
package runerrors

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies run-level errors.
type Kind string

const (
	KindUnknown       Kind = ""
	KindMiddleware    Kind = "middleware"
	KindToolExecution Kind = "tool_execution"
	KindTimeout       Kind = "timeout"
	KindCancellation  Kind = "cancellation"
	KindConfiguration Kind = "configuration"
)

// MiddlewareError is raised from a middleware's own code (not passed through from next).
type MiddlewareError struct {
	Name string
	Err  error
}

func (e *MiddlewareError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("middleware failed: %v", e.Err)
	}
	return fmt.Sprintf("middleware %q failed: %v", e.Name, e.Err)
}

func (e *MiddlewareError) Unwrap() error { return e.Err }

// ToolExecutionError reports a tool handler failure after the error policy was applied.
type ToolExecutionError struct {
	CallID   string
	ToolName string
	Attempts int
	Err      error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q (call %s) failed after %d attempt(s): %v", e.ToolName, e.CallID, e.Attempts, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// TimeoutError reports that the run deadline passed at a checkpoint.
type TimeoutError struct {
	DeadlineMs int64
	Err        error
}

func (e *TimeoutError) Error() string {
	if e.DeadlineMs > 0 {
		return fmt.Sprintf("run timed out (deadline %d): %v", e.DeadlineMs, e.Err)
	}
	return fmt.Sprintf("run timed out: %v", e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// CancellationError reports that the run was cancelled by its caller.
type CancellationError struct {
	Err error
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("run cancelled: %v", e.Err)
}

func (e *CancellationError) Unwrap() error { return e.Err }

// ConfigurationError is raised synchronously for invalid setup and is never retried.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err == nil {
		return "configuration error: " + e.Reason
	}
	if e.Reason == "" {
		return "configuration error: " + e.Err.Error()
	}
	return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NewConfigurationError builds a ConfigurationError from a formatted reason.
func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// WrapConfiguration marks err as a configuration error. nil stays nil.
func WrapConfiguration(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &ConfigurationError{Reason: reason, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Context errors that were never classified map to timeout / cancellation.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch e.(type) {
		case *MiddlewareError:
			// a middleware wrapping a timeout or cancellation keeps the inner kind
			if k := KindOf(errors.Unwrap(e)); k == KindTimeout || k == KindCancellation {
				return k
			}
			return KindMiddleware
		case *ToolExecutionError:
			return KindToolExecution
		case *TimeoutError:
			return KindTimeout
		case *CancellationError:
			return KindCancellation
		case *ConfigurationError:
			return KindConfiguration
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancellation
	}
	return KindUnknown
}

// FromContext converts a done context into a TimeoutError or CancellationError.
// It returns nil while ctx is still live.
func FromContext(ctx context.Context, deadlineMs int64) error {
	if ctx == nil {
		return nil
	}
	err := ctx.Err()
	if err == nil {
		return nil
	}
	return Classify(err, deadlineMs)
}

// Classify turns bare context errors into the matching run error. Other errors
// are returned unchanged.
func Classify(err error, deadlineMs int64) error {
	if err == nil {
		return nil
	}
	var te *TimeoutError
	var ce *CancellationError
	if errors.As(err, &te) || errors.As(err, &ce) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &TimeoutError{DeadlineMs: deadlineMs, Err: err}
	case errors.Is(err, context.Canceled):
		return &CancellationError{Err: err}
	}
	return err
}
