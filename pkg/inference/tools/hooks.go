package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnkit/pkg/inference/runctx"
)

// BeforeToolCallPayload is what an observer sees right before a tool is dispatched.
type BeforeToolCallPayload struct {
	SessionID   string            `json:"sessionId"`
	InferenceID string            `json:"inferenceId"`
	CallID      string            `json:"callId"`
	ToolName    string            `json:"toolName"`
	Arguments   json.RawMessage   `json:"arguments,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	TimestampMs int64             `json:"timestampMs"`
}

// AfterToolCallPayload describes a finished call, successful or not.
type AfterToolCallPayload struct {
	BeforeToolCallPayload
	Result   any           `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

// ToolErrorPayload describes one failed attempt.
type ToolErrorPayload struct {
	BeforeToolCallPayload
	Attempt int   `json:"attempt"`
	Err     error `json:"-"`
}

// Hooks observe tool dispatch. They cannot alter arguments or results, and a
// panicking hook is logged and ignored.
type Hooks struct {
	BeforeToolCall func(ctx context.Context, p BeforeToolCallPayload)
	AfterToolCall  func(ctx context.Context, p AfterToolCallPayload)
	OnToolError    func(ctx context.Context, p ToolErrorPayload)
}

// Merge returns hooks that call h first and then other.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		BeforeToolCall: chainHook(h.BeforeToolCall, other.BeforeToolCall),
		AfterToolCall:  chainHook(h.AfterToolCall, other.AfterToolCall),
		OnToolError:    chainHook(h.OnToolError, other.OnToolError),
	}
}

func chainHook[P any](a, b func(context.Context, P)) func(context.Context, P) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, p P) {
		a(ctx, p)
		b(ctx, p)
	}
}

// newBeforePayload builds the payload from the call-scoped run context.
func newBeforePayload(ctx context.Context, call ToolCall) BeforeToolCallPayload {
	rc, _ := runctx.From(ctx)
	return BeforeToolCallPayload{
		SessionID:   rc.SessionID,
		InferenceID: rc.InferenceID,
		CallID:      rc.CallID,
		ToolName:    call.Name,
		Arguments:   append(json.RawMessage(nil), call.Arguments...),
		Tags:        rc.Tags,
		TimestampMs: time.Now().UnixMilli(),
	}
}

func callHook[P any](ctx context.Context, which string, fn func(context.Context, P), p P) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Str("hook", which).Interface("panic", r).Msg("tools: hook panicked")
		}
	}()
	fn(ctx, p)
}
