package tools

import (
	"context"
	"encoding/json"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/turnkit/pkg/events"
	"github.com/go-go-golems/turnkit/pkg/inference/runctx"
	"github.com/go-go-golems/turnkit/pkg/inference/runerrors"
)

type addInput struct {
	A int `json:"a" jsonschema:"required,description=first operand"`
	B int `json:"b" jsonschema:"required"`
}

func add(in addInput) (int, error) { return in.A + in.B, nil }

func newRegistry(t *testing.T, defs ...ToolDefinition) *InMemoryToolRegistry {
	t.Helper()
	r := NewInMemoryToolRegistry()
	for _, d := range defs {
		require.NoError(t, r.RegisterTool(d))
	}
	return r
}

func TestNewToolFromFuncReflectsSchema(t *testing.T) {
	def, err := NewToolFromFunc("add", "adds", add)
	require.NoError(t, err)
	require.NotNil(t, def.Parameters)
	assert.Equal(t, "object", def.Parameters.Type)
	_, ok := def.Parameters.Properties.Get("a")
	assert.True(t, ok)
	assert.Contains(t, def.Parameters.Required, "a")

	out, err := def.Handler.Execute(context.Background(), json.RawMessage(`{"a":2,"b":3}`))
	require.NoError(t, err)
	assert.Equal(t, 5, out)

	spec := def.Spec()
	assert.Equal(t, "add", spec.Name)
}

func TestNewToolFromFuncWithContext(t *testing.T) {
	def, err := NewToolFromFunc("who", "", func(ctx context.Context, _ struct{}) (string, error) {
		rc, _ := runctx.From(ctx)
		return rc.CallID, nil
	})
	require.NoError(t, err)
	ctx := runctx.WithCallID(context.Background(), "c-9")
	out, err := def.Handler.Execute(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "c-9", out)
}

func TestNewToolFromFuncRejectsBadShapes(t *testing.T) {
	for _, fn := range []any{
		42,
		func() (int, error) { return 0, nil },
		func(a addInput) int { return 0 },
		func(a, b addInput) (int, error) { return 0, nil },
		func(ctx context.Context) (int, error) { return 0, nil },
	} {
		_, err := NewToolFromFunc("bad", "", fn)
		assert.Error(t, err)
	}
}

func TestRegisterToolValidates(t *testing.T) {
	r := NewInMemoryToolRegistry()
	assert.Equal(t, runerrors.KindConfiguration, runerrors.KindOf(r.RegisterTool(ToolDefinition{})))
	assert.Equal(t, runerrors.KindConfiguration, runerrors.KindOf(r.RegisterTool(ToolDefinition{Name: "x"})))

	def := MustNewToolFromFunc("add", "", add)
	require.NoError(t, r.RegisterTool(def))
	assert.Error(t, r.RegisterTool(def))
	assert.True(t, r.HasTool("add"))
	assert.Equal(t, 1, r.Count())

	clone := r.Clone()
	require.NoError(t, r.UnregisterTool("add"))
	assert.True(t, clone.HasTool("add"))
	assert.ErrorIs(t, r.UnregisterTool("add"), ErrToolNotFound)

	_, err := r.GetTool("add")
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestListToolsIsSorted(t *testing.T) {
	r := newRegistry(t, MustNewToolFromFunc("zeta", "", add), MustNewToolFromFunc("alpha", "", add))
	names := []string{}
	for _, d := range r.ListTools() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"alpha", "zeta"}, names)
}

func TestCallAndExecute(t *testing.T) {
	r := newRegistry(t,
		MustNewToolFromFunc("add", "", add),
		ToolDefinition{Name: "panics", Handler: ToolHandlerFunc(func(context.Context, json.RawMessage) (any, error) {
			panic("bad tool")
		})},
	)

	out, err := r.Call(context.Background(), "add", json.RawMessage(`{"a":1,"b":1}`))
	require.NoError(t, err)
	assert.Equal(t, 2, out)

	_, err = r.Call(context.Background(), "panics", nil)
	assert.Contains(t, err.Error(), "bad tool")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Execute(ctx, "add", json.RawMessage(`{}`))
	assert.Equal(t, runerrors.KindCancellation, runerrors.KindOf(err))
}

func TestToolConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultToolConfig().Validate())
	assert.NoError(t, ToolConfig{}.Validate())

	err := DefaultToolConfig().WithToolErrorHandling("explode").Validate()
	assert.Equal(t, runerrors.KindConfiguration, runerrors.KindOf(err))
	assert.Error(t, DefaultToolConfig().WithMaxIterations(-1).Validate())
	assert.Error(t, DefaultToolConfig().WithMaxParallelTools(-2).Validate())

	d := ToolConfig{}.WithDefaults()
	assert.Equal(t, DefaultMaxIterations, d.MaxIterations)
	assert.Equal(t, 1, d.MaxParallelTools)
	assert.Equal(t, ToolErrorAbort, d.ToolErrorHandling)
}

func TestExecutorPreservesCallOrder(t *testing.T) {
	delay := ToolDefinition{Name: "sleep", Handler: ToolHandlerFunc(func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			Ms int `json:"ms"`
		}
		_ = json.Unmarshal(args, &in)
		time.Sleep(time.Duration(in.Ms) * time.Millisecond)
		return in.Ms, nil
	})}
	r := newRegistry(t, delay)
	e := NewExecutor(r, DefaultToolConfig().WithMaxParallelTools(3))

	calls := []ToolCall{
		{ID: "c1", Name: "sleep", Arguments: json.RawMessage(`{"ms":30}`)},
		{ID: "c2", Name: "sleep", Arguments: json.RawMessage(`{"ms":1}`)},
		{ID: "c3", Name: "sleep", Arguments: json.RawMessage(`{"ms":10}`)},
	}
	results, err := e.ExecuteToolCalls(context.Background(), calls)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, res := range results {
		assert.Equal(t, calls[i].ID, res.ID)
		assert.False(t, res.Failed())
	}
	assert.Equal(t, 30, results[0].Result)
}

func TestExecutorBoundsParallelism(t *testing.T) {
	var inFlight, peak int32
	probe := ToolDefinition{Name: "probe", Handler: ToolHandlerFunc(func(context.Context, json.RawMessage) (any, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return "ok", nil
	})}
	e := NewExecutor(newRegistry(t, probe), DefaultToolConfig().WithMaxParallelTools(2))

	calls := make([]ToolCall, 6)
	for i := range calls {
		calls[i] = ToolCall{ID: string(rune('a' + i)), Name: "probe"}
	}
	_, err := e.ExecuteToolCalls(context.Background(), calls)
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestExecutorRetryInvokesOnceMore(t *testing.T) {
	var calls int32
	flaky := ToolDefinition{Name: "flaky", Handler: ToolHandlerFunc(func(context.Context, json.RawMessage) (any, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})}
	var errorsSeen int32
	e := NewExecutor(newRegistry(t, flaky), DefaultToolConfig().WithToolErrorHandling(ToolErrorRetry),
		WithHooks(Hooks{OnToolError: func(context.Context, ToolErrorPayload) { atomic.AddInt32(&errorsSeen, 1) }}))

	res := e.ExecuteToolCall(context.Background(), ToolCall{ID: "c1", Name: "flaky"})
	assert.False(t, res.Failed())
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&errorsSeen))
}

func TestExecutorRetryIsExactlyOnce(t *testing.T) {
	var calls int32
	broken := ToolDefinition{Name: "broken", Handler: ToolHandlerFunc(func(context.Context, json.RawMessage) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("always")
	})}
	e := NewExecutor(newRegistry(t, broken), DefaultToolConfig().WithToolErrorHandling(ToolErrorRetry))

	res := e.ExecuteToolCall(context.Background(), ToolCall{ID: "c1", Name: "broken"})
	assert.True(t, res.Failed())
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestExecutorUnknownAndDisallowedTools(t *testing.T) {
	e := NewExecutor(newRegistry(t, MustNewToolFromFunc("add", "", add)),
		DefaultToolConfig().WithToolErrorHandling(ToolErrorRetry).WithAllowedTools([]string{"other"}))

	res := e.ExecuteToolCall(context.Background(), ToolCall{ID: "c1", Name: "missing"})
	assert.ErrorIs(t, res.Err, ErrToolNotAllowed)
	assert.Equal(t, 1, res.Attempts)

	e = NewExecutor(newRegistry(t), DefaultToolConfig().WithToolErrorHandling(ToolErrorRetry))
	res = e.ExecuteToolCall(context.Background(), ToolCall{ID: "c1", Name: "missing"})
	assert.ErrorIs(t, res.Err, ErrToolNotFound)
	assert.Equal(t, 1, res.Attempts)
}

func TestBeforeToolCallSeesRunContext(t *testing.T) {
	var mu sync.Mutex
	var seen []BeforeToolCallPayload
	var handlerCallID string
	tool := ToolDefinition{Name: "echo", Handler: ToolHandlerFunc(func(ctx context.Context, args json.RawMessage) (any, error) {
		rc, _ := runctx.From(ctx)
		handlerCallID = rc.CallID
		return string(args), nil
	})}
	hooks := Hooks{
		BeforeToolCall: func(_ context.Context, p BeforeToolCallPayload) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, p)
		},
		AfterToolCall: func(context.Context, AfterToolCallPayload) { panic("observer bug") },
	}
	e := NewExecutor(newRegistry(t, tool), DefaultToolConfig(), WithHooks(hooks))

	sink := &events.CollectingSink{}
	ctx := runctx.With(context.Background(), runctx.RunContext{
		SessionID: "s1", InferenceID: "i1", Tags: map[string]string{"team": "core"},
	})
	ctx = events.WithEventSinks(ctx, sink)

	res := e.ExecuteToolCall(ctx, ToolCall{ID: "call-1", Name: "echo", Arguments: json.RawMessage(`{"x":1}`)})
	require.False(t, res.Failed())

	require.Len(t, seen, 1)
	p := seen[0]
	assert.Equal(t, "s1", p.SessionID)
	assert.Equal(t, "i1", p.InferenceID)
	assert.Equal(t, "call-1", p.CallID)
	assert.Equal(t, "echo", p.ToolName)
	assert.JSONEq(t, `{"x":1}`, string(p.Arguments))
	assert.Equal(t, "core", p.Tags["team"])
	assert.Equal(t, "call-1", handlerCallID)

	require.Len(t, sink.OfType(events.EventTypeToolCallExecute), 1)
	results := sink.OfType(events.EventTypeToolCallExecutionResult)
	require.Len(t, results, 1)
	r := results[0].(*events.EventToolCallExecutionResult)
	assert.Equal(t, "call-1", r.Metadata().CallID)
	assert.Equal(t, `{"x":1}`, r.ToolResult.Result)
}

func TestExecutorReportsRunCancellation(t *testing.T) {
	e := NewExecutor(newRegistry(t, MustNewToolFromFunc("add", "", add)), DefaultToolConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := e.ExecuteToolCalls(ctx, []ToolCall{{ID: "c1", Name: "add"}})
	assert.Equal(t, runerrors.KindCancellation, runerrors.KindOf(err))
	require.Len(t, results, 1)
	assert.True(t, results[0].Failed())
}

func TestExecutionTimeoutFailsCall(t *testing.T) {
	slow := ToolDefinition{Name: "slow", Handler: ToolHandlerFunc(func(ctx context.Context, _ json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})}
	e := NewExecutor(newRegistry(t, slow), DefaultToolConfig().WithExecutionTimeout(5*time.Millisecond))

	results, err := e.ExecuteToolCalls(context.Background(), []ToolCall{{ID: "c1", Name: "slow"}})
	require.NoError(t, err)
	assert.ErrorIs(t, results[0].Err, context.DeadlineExceeded)
}

func TestExecutorRunsEveryAdmittedCall(t *testing.T) {
	defer runtime.GOMAXPROCS(runtime.GOMAXPROCS(1))

	for i := 0; i < 50; i++ {
		var ran int32
		fine := ToolDefinition{Name: "fine", Handler: ToolHandlerFunc(func(context.Context, json.RawMessage) (any, error) {
			atomic.AddInt32(&ran, 1)
			return "ok", nil
		})}
		broken := ToolDefinition{Name: "broken", Handler: ToolHandlerFunc(func(context.Context, json.RawMessage) (any, error) {
			return nil, errors.New("boom")
		})}
		e := NewExecutor(newRegistry(t, fine, broken), DefaultToolConfig().WithMaxParallelTools(2))

		results, err := e.ExecuteToolCalls(context.Background(), []ToolCall{{ID: "c0", Name: "fine"}, {ID: "c1", Name: "broken"}})
		require.NoError(t, err)
		require.Equal(t, int32(1), atomic.LoadInt32(&ran))
		assert.False(t, results[0].Failed())
		require.True(t, results[1].Failed())
		assert.NotErrorIs(t, results[1].Err, ErrToolSkipped)
	}
}

func TestExecutorSkipsCallsNotYetAdmitted(t *testing.T) {
	var ran int32
	fine := ToolDefinition{Name: "fine", Handler: ToolHandlerFunc(func(context.Context, json.RawMessage) (any, error) {
		atomic.AddInt32(&ran, 1)
		return "ok", nil
	})}
	broken := ToolDefinition{Name: "broken", Handler: ToolHandlerFunc(func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("boom")
	})}
	e := NewExecutor(newRegistry(t, fine, broken), DefaultToolConfig())

	results, err := e.ExecuteToolCalls(context.Background(), []ToolCall{
		{ID: "c0", Name: "broken"}, {ID: "c1", Name: "fine"}, {ID: "c2", Name: "fine"},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
	assert.ErrorContains(t, results[0].Err, "boom")
	assert.ErrorIs(t, results[1].Err, ErrToolSkipped)
	assert.ErrorIs(t, results[2].Err, ErrToolSkipped)
}
