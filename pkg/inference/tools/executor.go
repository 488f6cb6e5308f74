package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/turnkit/pkg/events"
	"github.com/go-go-golems/turnkit/pkg/inference/runctx"
)

var (
	// ErrToolNotAllowed is returned for calls to tools outside ToolConfig.AllowedTools.
	ErrToolNotAllowed = errors.New("tool not allowed")
	// ErrToolSkipped marks calls that were never started because an earlier
	// call of the batch failed under the abort or retry policy.
	ErrToolSkipped = errors.New("tool call skipped after earlier failure")
)

// ToolCall is a request to execute a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult is the outcome of one tool call after retries.
type ToolResult struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Result   any           `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
	Err      error         `json:"-"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

func (r ToolResult) Failed() bool {
	return r.Err != nil
}

// Executor dispatches tool calls against a registry under a ToolConfig.
type Executor struct {
	registry ToolRegistry
	config   ToolConfig
	hooks    Hooks
}

type ExecutorOption func(*Executor)

func WithHooks(h Hooks) ExecutorOption {
	return func(e *Executor) { e.hooks = e.hooks.Merge(h) }
}

func NewExecutor(registry ToolRegistry, config ToolConfig, opts ...ExecutorOption) *Executor {
	e := &Executor{registry: registry, config: config.WithDefaults()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ExecuteToolCalls runs calls with at most MaxParallelTools in flight. Results
// are returned in call order regardless of completion order. The returned
// error is only set when the run itself was cancelled or timed out.
//
// Calls are admitted in call order as slots free up. Unless the policy is
// continue, calls not admitted when a call fails are skipped. An admitted call
// always runs.
func (e *Executor) ExecuteToolCalls(ctx context.Context, calls []ToolCall) ([]ToolResult, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	results := make([]ToolResult, len(calls))

	limit := e.config.MaxParallelTools
	if limit < 1 {
		limit = 1
	}
	stopOnFailure := e.config.ToolErrorHandling != ToolErrorContinue
	var failed atomic.Bool

	slots := make(chan struct{}, limit)
	var eg errgroup.Group
	for i, c := range calls {
		i, c := i, c
		slots <- struct{}{}
		if stopOnFailure && failed.Load() {
			<-slots
			results[i] = ToolResult{ID: c.ID, Name: c.Name, Err: ErrToolSkipped, Error: ErrToolSkipped.Error()}
			continue
		}
		eg.Go(func() error {
			defer func() { <-slots }()
			res := e.ExecuteToolCall(ctx, c)
			results[i] = res
			if res.Failed() {
				failed.Store(true)
			}
			return nil
		})
	}
	_ = eg.Wait()

	return results, runctx.Check(ctx)
}

// ExecuteToolCall runs one call, applying the retry policy.
func (e *Executor) ExecuteToolCall(ctx context.Context, call ToolCall) ToolResult {
	ctx = runctx.WithCallID(ctx, call.ID)
	start := time.Now()
	res := ToolResult{ID: call.ID, Name: call.Name}

	before := newBeforePayload(ctx, call)
	callHook(ctx, "before_tool_call", e.hooks.BeforeToolCall, before)
	events.PublishEventToContext(ctx, events.NewToolCallExecuteEvent(
		events.NewMetadata(ctx, ""),
		events.ToolCall{ID: call.ID, Name: call.Name, Input: compactArgs(call.Arguments)},
	))

	maxAttempts := 1
	if e.config.ToolErrorHandling == ToolErrorRetry {
		maxAttempts = 2
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		out, err := e.dispatch(ctx, call)
		if err == nil {
			res.Result, res.Err, res.Error = out, nil, ""
			break
		}
		res.Result, res.Err, res.Error = nil, err, err.Error()
		callHook(ctx, "on_tool_error", e.hooks.OnToolError, ToolErrorPayload{
			BeforeToolCallPayload: before,
			Attempt:               attempt,
			Err:                   err,
		})
		log.Debug().Err(err).
			Str("call_id", call.ID).
			Str("tool", call.Name).
			Int("attempt", attempt).
			Msg("tools: call failed")
		if !retryable(err) || runctx.Check(ctx) != nil {
			break
		}
	}
	res.Duration = time.Since(start)

	events.PublishEventToContext(ctx, events.NewToolCallExecutionResultEvent(
		events.NewMetadata(ctx, ""),
		events.ToolResult{
			ID:         call.ID,
			Name:       call.Name,
			Result:     resultString(res.Result),
			Error:      res.Error,
			Attempts:   res.Attempts,
			DurationMs: res.Duration.Milliseconds(),
		},
	))
	callHook(ctx, "after_tool_call", e.hooks.AfterToolCall, AfterToolCallPayload{
		BeforeToolCallPayload: before,
		Result:                res.Result,
		Error:                 res.Error,
		Attempts:              res.Attempts,
		Duration:              res.Duration,
	})
	return res
}

func (e *Executor) dispatch(ctx context.Context, call ToolCall) (any, error) {
	if !e.config.IsToolAllowed(call.Name) {
		return nil, errors.Wrap(ErrToolNotAllowed, call.Name)
	}
	if e.registry == nil {
		return nil, errors.Wrap(ErrToolNotFound, call.Name)
	}
	if e.config.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.ExecutionTimeout)
		defer cancel()
	}
	return e.registry.Execute(ctx, call.Name, call.Arguments)
}

// retryable excludes failures a second attempt cannot fix.
func retryable(err error) bool {
	return !errors.Is(err, ErrToolNotFound) && !errors.Is(err, ErrToolNotAllowed)
}

func compactArgs(args json.RawMessage) string {
	if len(args) == 0 {
		return ""
	}
	var tmp any
	if err := json.Unmarshal(args, &tmp); err == nil {
		if b, err := json.Marshal(tmp); err == nil {
			return string(b)
		}
	}
	return string(args)
}

func resultString(v any) string {
	switch r := v.(type) {
	case nil:
		return ""
	case string:
		return r
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprintf("%v", v)
}
