// Package runctx carries the identity, deadline and tags of a single run through context.
package runctx

import (
	"context"
	"time"

	"github.com/go-go-golems/turnkit/pkg/inference/runerrors"
)

// RunContext is visible to every middleware, tool handler and hook of a run.
//
// SessionID and InferenceID are fixed for the run; CallID is only set inside a
// tool invocation. DeadlineMs is an absolute unix-millisecond deadline, 0 when
// the run has no timeout.
type RunContext struct {
	SessionID   string            `json:"sessionId"`
	InferenceID string            `json:"inferenceId"`
	CallID      string            `json:"callId,omitempty"`
	DeadlineMs  int64             `json:"deadlineMs,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

type runContextKey struct{}

// HasDeadline reports whether the run has a deadline.
func (rc RunContext) HasDeadline() bool {
	return rc.DeadlineMs > 0
}

// Deadline returns the deadline as a time.Time.
func (rc RunContext) Deadline() (time.Time, bool) {
	if rc.DeadlineMs <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(rc.DeadlineMs), true
}

// Clone returns a copy with its own tag map.
func (rc RunContext) Clone() RunContext {
	rc.Tags = cloneTags(rc.Tags)
	return rc
}

// With stores rc in ctx.
func With(ctx context.Context, rc RunContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, runContextKey{}, rc.Clone())
}

// From returns the RunContext attached with With. The returned tags are a copy.
func From(ctx context.Context) (RunContext, bool) {
	if ctx == nil {
		return RunContext{}, false
	}
	rc, ok := ctx.Value(runContextKey{}).(RunContext)
	if !ok {
		return RunContext{}, false
	}
	return rc.Clone(), true
}

// WithCallID derives the scope of one tool invocation.
func WithCallID(ctx context.Context, callID string) context.Context {
	rc, _ := From(ctx)
	rc.CallID = callID
	return With(ctx, rc)
}

// DeadlineFromTimeout computes the absolute deadline for a timeout measured from start.
// A non-positive timeout means no deadline.
func DeadlineFromTimeout(start time.Time, timeout time.Duration) int64 {
	if timeout <= 0 {
		return 0
	}
	return start.Add(timeout).UnixMilli()
}

// Check returns a TimeoutError or CancellationError once ctx is done, nil otherwise.
// It is the checkpoint used at loop iterations and around tool batches.
func Check(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	rc, _ := From(ctx)
	if err := runerrors.FromContext(ctx, rc.DeadlineMs); err != nil {
		return err
	}
	// The context deadline and DeadlineMs are derived from the same clock reading,
	// but a caller may have set DeadlineMs without a context timeout.
	if rc.DeadlineMs > 0 && time.Now().UnixMilli() > rc.DeadlineMs {
		return &runerrors.TimeoutError{DeadlineMs: rc.DeadlineMs, Err: context.DeadlineExceeded}
	}
	return nil
}

func cloneTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
