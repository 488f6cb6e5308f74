package toolloop

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/turnkit/pkg/inference/engine"
	"github.com/go-go-golems/turnkit/pkg/inference/runctx"
	"github.com/go-go-golems/turnkit/pkg/inference/runerrors"
	"github.com/go-go-golems/turnkit/pkg/inference/toolblocks"
	"github.com/go-go-golems/turnkit/pkg/inference/toolcontext"
	"github.com/go-go-golems/turnkit/pkg/inference/tools"
	"github.com/go-go-golems/turnkit/pkg/turns"
)

// scriptedEngine requests the tool calls produced by next for each engine
// call, and answers with text once next returns nothing.
type scriptedEngine struct {
	calls atomic.Int64
	next  func(n int64, t *turns.Turn) []turns.Block
}

func (e *scriptedEngine) RunInference(ctx context.Context, t *turns.Turn) (*turns.Turn, error) {
	n := e.calls.Add(1)
	blocks := e.next(n, t)
	if len(blocks) == 0 {
		turns.AppendBlock(t, turns.NewAssistantTextBlock("done"))
		return t, nil
	}
	turns.AppendBlocks(t, blocks...)
	return t, nil
}

func alwaysCalls(tool string) *scriptedEngine {
	return &scriptedEngine{next: func(n int64, _ *turns.Turn) []turns.Block {
		return []turns.Block{turns.NewToolCallBlock(fmt.Sprintf("call-%d", n), tool, map[string]any{"n": n})}
	}}
}

func onceCalls(blocks ...turns.Block) *scriptedEngine {
	return &scriptedEngine{next: func(n int64, _ *turns.Turn) []turns.Block {
		if n == 1 {
			return blocks
		}
		return nil
	}}
}

func registryWith(t *testing.T, defs ...tools.ToolDefinition) *tools.InMemoryToolRegistry {
	t.Helper()
	r := tools.NewInMemoryToolRegistry()
	for _, d := range defs {
		require.NoError(t, r.RegisterTool(d))
	}
	return r
}

func okTool(name string) tools.ToolDefinition {
	return tools.ToolDefinition{Name: name, Handler: tools.ToolHandlerFunc(func(_ context.Context, args json.RawMessage) (any, error) {
		return map[string]any{"ok": true}, nil
	})}
}

func failingTool(name string, counter *atomic.Int64) tools.ToolDefinition {
	return tools.ToolDefinition{Name: name, Handler: tools.ToolHandlerFunc(func(context.Context, json.RawMessage) (any, error) {
		counter.Add(1)
		return nil, errors.New("tool exploded")
	})}
}

func countKind(t *turns.Turn, kind turns.BlockKind) int {
	n := 0
	for _, b := range t.Blocks {
		if b.Kind == kind {
			n++
		}
	}
	return n
}

func TestLoopWithoutToolsIsPassthrough(t *testing.T) {
	t.Parallel()
	eng := alwaysCalls("x")
	l := New(WithEngine(eng), WithToolConfig(tools.DefaultToolConfig().WithEnabled(false)), WithRegistry(registryWith(t)))

	out, err := l.RunLoop(context.Background(), turns.NewTurnFromUserPrompt("hi"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), eng.calls.Load())
	assert.Equal(t, 1, countKind(out, turns.BlockKindToolCall))

	eng = alwaysCalls("x")
	_, err = New(WithEngine(eng)).RunLoop(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), eng.calls.Load())
}

func TestLoopExecutesToolsAndFeedsResultsBack(t *testing.T) {
	t.Parallel()
	eng := onceCalls(turns.NewToolCallBlock("c1", "lookup", map[string]any{"q": "x"}))
	var phases []string
	l := New(
		WithEngine(eng),
		WithRegistry(registryWith(t, okTool("lookup"))),
		WithSnapshotHook(func(_ context.Context, _ *turns.Turn, phase string) { phases = append(phases, phase) }),
	)

	out, err := l.RunLoop(context.Background(), turns.NewTurnFromUserPrompt("hi"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), eng.calls.Load())
	require.Equal(t, 1, countKind(out, turns.BlockKindToolUse))
	assert.Equal(t, "done", out.Blocks[len(out.Blocks)-1].Text())
	assert.False(t, LoopLimitReached(out))
	assert.Equal(t, []string{
		PhasePreInference, PhasePostInference, PhasePostTools,
		PhasePreInference, PhasePostInference,
	}, phases)

	cfg, ok, err := engine.KeyToolConfig.Get(out.Data)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, cfg.Tools, 1)
	assert.Equal(t, "lookup", cfg.Tools[0].Name)
	assert.Equal(t, engine.ToolChoiceAuto, cfg.ToolChoice)
}

func TestLoopExhaustionIsSilent(t *testing.T) {
	t.Parallel()
	eng := alwaysCalls("lookup")
	l := New(
		WithEngine(eng),
		WithRegistry(registryWith(t, okTool("lookup"))),
		WithToolConfig(tools.DefaultToolConfig().WithMaxIterations(3)),
	)

	out, err := l.RunLoop(context.Background(), turns.NewTurnFromUserPrompt("hi"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), eng.calls.Load())
	assert.True(t, LoopLimitReached(out))
	assert.Equal(t, 3, countKind(out, turns.BlockKindToolUse))
	iterations, _, _ := KeyLoopIterations.Get(out.Data)
	assert.Equal(t, 3, iterations)
}

func TestLoopAbortStopsAfterFirstFailure(t *testing.T) {
	t.Parallel()
	var failures atomic.Int64
	eng := onceCalls(turns.NewToolCallBlock("c1", "broken", nil))
	l := New(WithEngine(eng), WithRegistry(registryWith(t, failingTool("broken", &failures))))

	out, err := l.RunLoop(context.Background(), turns.NewTurnFromUserPrompt("hi"))
	var te *runerrors.ToolExecutionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "c1", te.CallID)
	assert.Equal(t, "broken", te.ToolName)
	assert.Equal(t, 1, te.Attempts)
	assert.Equal(t, int64(1), eng.calls.Load())
	assert.Equal(t, int64(1), failures.Load())

	require.Equal(t, 1, countKind(out, turns.BlockKindToolUse))
	msg, ok := turns.ToolUseError(out.Blocks[len(out.Blocks)-1])
	assert.True(t, ok)
	assert.Contains(t, msg, "tool exploded")
}

func TestLoopRetryReinvokesOnceThenAborts(t *testing.T) {
	t.Parallel()
	var failures atomic.Int64
	eng := onceCalls(turns.NewToolCallBlock("c1", "broken", nil))
	l := New(
		WithEngine(eng),
		WithRegistry(registryWith(t, failingTool("broken", &failures))),
		WithToolConfig(tools.DefaultToolConfig().WithToolErrorHandling(tools.ToolErrorRetry)),
	)

	out, err := l.RunLoop(context.Background(), turns.NewTurnFromUserPrompt("hi"))
	var te *runerrors.ToolExecutionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 2, te.Attempts)
	assert.Equal(t, int64(2), failures.Load())
	assert.Equal(t, int64(1), eng.calls.Load())
	assert.Equal(t, 1, countKind(out, turns.BlockKindToolUse))
}

func TestLoopContinueFeedsErrorsBack(t *testing.T) {
	t.Parallel()
	var failures atomic.Int64
	eng := onceCalls(
		turns.NewToolCallBlock("c1", "broken", nil),
		turns.NewToolCallBlock("c2", "missing", nil),
	)
	l := New(
		WithEngine(eng),
		WithRegistry(registryWith(t, failingTool("broken", &failures))),
		WithToolConfig(tools.DefaultToolConfig().WithToolErrorHandling(tools.ToolErrorContinue)),
	)

	out, err := l.RunLoop(context.Background(), turns.NewTurnFromUserPrompt("hi"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), eng.calls.Load())
	assert.Equal(t, 2, countKind(out, turns.BlockKindToolUse))
	for _, b := range out.Blocks {
		if b.Kind == turns.BlockKindToolUse {
			_, isErr := turns.ToolUseError(b)
			assert.True(t, isErr)
		}
	}
}

func TestLoopAppendsResultsInCallOrder(t *testing.T) {
	t.Parallel()
	sleepy := tools.ToolDefinition{Name: "sleep", Handler: tools.ToolHandlerFunc(func(_ context.Context, args json.RawMessage) (any, error) {
		var in struct {
			Ms int `json:"ms"`
		}
		_ = json.Unmarshal(args, &in)
		time.Sleep(time.Duration(in.Ms) * time.Millisecond)
		return in.Ms, nil
	})}
	eng := onceCalls(
		turns.NewToolCallBlock("slow", "sleep", map[string]any{"ms": 40}),
		turns.NewToolCallBlock("fast", "sleep", map[string]any{"ms": 1}),
		turns.NewToolCallBlock("mid", "sleep", map[string]any{"ms": 15}),
	)
	l := New(
		WithEngine(eng),
		WithRegistry(registryWith(t, sleepy)),
		WithToolConfig(tools.DefaultToolConfig().WithMaxParallelTools(3)),
	)

	out, err := l.RunLoop(context.Background(), turns.NewTurnFromUserPrompt("hi"))
	require.NoError(t, err)

	var ids []string
	for _, b := range out.Blocks {
		if b.Kind == turns.BlockKindToolUse {
			ids = append(ids, turns.ToolCallID(b))
		}
	}
	assert.Equal(t, []string{"slow", "fast", "mid"}, ids)
}

func TestLoopHooksSeeRunContext(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var payloads []tools.BeforeToolCallPayload
	eng := onceCalls(turns.NewToolCallBlock("c1", "lookup", map[string]any{"q": 1}))
	l := New(
		WithEngine(eng),
		WithRegistry(registryWith(t, okTool("lookup"))),
		WithHooks(tools.Hooks{BeforeToolCall: func(_ context.Context, p tools.BeforeToolCallPayload) {
			mu.Lock()
			defer mu.Unlock()
			payloads = append(payloads, p)
		}}),
	)
	ctx := runctx.With(context.Background(), runctx.RunContext{SessionID: "s", InferenceID: "i", Tags: map[string]string{"k": "v"}})

	_, err := l.RunLoop(ctx, turns.NewTurnFromUserPrompt("hi"))
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	assert.Equal(t, "s", payloads[0].SessionID)
	assert.Equal(t, "i", payloads[0].InferenceID)
	assert.Equal(t, "c1", payloads[0].CallID)
	assert.Equal(t, "lookup", payloads[0].ToolName)
	assert.Equal(t, "v", payloads[0].Tags["k"])
}

func TestLoopStopsOnCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	blocking := tools.ToolDefinition{Name: "block", Handler: tools.ToolHandlerFunc(func(context.Context, json.RawMessage) (any, error) {
		cancel()
		return "ok", nil
	})}
	eng := alwaysCalls("block")
	l := New(WithEngine(eng), WithRegistry(registryWith(t, blocking)))

	_, err := l.RunLoop(ctx, turns.NewTurnFromUserPrompt("hi"))
	assert.Equal(t, runerrors.KindCancellation, runerrors.KindOf(err))
	assert.Equal(t, int64(1), eng.calls.Load())
}

func TestLoopRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	_, err := New().RunLoop(context.Background(), nil)
	assert.Equal(t, runerrors.KindConfiguration, runerrors.KindOf(err))

	_, err = New(
		WithEngine(alwaysCalls("x")),
		WithToolConfig(tools.DefaultToolConfig().WithToolErrorHandling("sometimes")),
	).RunLoop(context.Background(), nil)
	assert.Equal(t, runerrors.KindConfiguration, runerrors.KindOf(err))
}

func TestLoopExposesRegistryToEngine(t *testing.T) {
	t.Parallel()
	reg := registryWith(t, okTool("lookup"))
	var seen bool
	eng := engine.EngineFunc(func(ctx context.Context, t *turns.Turn) (*turns.Turn, error) {
		r, ok := toolcontext.RegistryFrom(ctx)
		seen = ok && r.HasTool("lookup")
		return t, nil
	})
	_, err := New(WithEngine(eng), WithRegistry(reg)).RunLoop(context.Background(), turns.NewTurnFromUserPrompt("hi"))
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestExtractPendingSkipsAnsweredCalls(t *testing.T) {
	t.Parallel()
	tt := turns.NewTurnFromUserPrompt("hi")
	turns.AppendBlock(tt, turns.NewToolCallBlock("a", "x", `{"k":1}`))
	turns.AppendBlock(tt, turns.NewToolUseBlock("a", "done"))
	turns.AppendBlock(tt, turns.NewToolCallBlock("b", "y", map[string]any{"k": 2}))

	pending := toolblocks.ExtractPendingToolCalls(tt)
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].ID)
	assert.JSONEq(t, `{"k":2}`, string(pending[0].Arguments))
}

func TestLoopParallelAbortBlamesFailingCall(t *testing.T) {
	defer runtime.GOMAXPROCS(runtime.GOMAXPROCS(1))

	for i := 0; i < 50; i++ {
		var fine, failures atomic.Int64
		fineTool := tools.ToolDefinition{Name: "fine", Handler: tools.ToolHandlerFunc(func(context.Context, json.RawMessage) (any, error) {
			fine.Add(1)
			return "ok", nil
		})}
		eng := onceCalls(
			turns.NewToolCallBlock("c0", "fine", nil),
			turns.NewToolCallBlock("c1", "broken", nil),
		)
		l := New(
			WithEngine(eng),
			WithRegistry(registryWith(t, fineTool, failingTool("broken", &failures))),
			WithToolConfig(tools.DefaultToolConfig().WithMaxParallelTools(2)),
		)

		out, err := l.RunLoop(context.Background(), turns.NewTurnFromUserPrompt("hi"))
		var te *runerrors.ToolExecutionError
		require.ErrorAs(t, err, &te)
		require.Equal(t, "c1", te.CallID)
		require.Equal(t, "broken", te.ToolName)
		require.ErrorContains(t, te, "tool exploded")
		require.Equal(t, int64(1), fine.Load())
		require.Equal(t, int64(1), failures.Load())

		var uses []turns.Block
		for _, b := range out.Blocks {
			if b.Kind == turns.BlockKindToolUse {
				uses = append(uses, b)
			}
		}
		require.Len(t, uses, 2)
		_, failed := turns.ToolUseError(uses[0])
		assert.False(t, failed)
		msg, failed := turns.ToolUseError(uses[1])
		require.True(t, failed)
		assert.Contains(t, msg, "tool exploded")
	}
}

func TestLoopIgnoresUnansweredCallsFromEarlierTurns(t *testing.T) {
	t.Parallel()
	var executed atomic.Int64
	stale := tools.ToolDefinition{Name: "lookup", Handler: tools.ToolHandlerFunc(func(context.Context, json.RawMessage) (any, error) {
		executed.Add(1)
		return "ok", nil
	})}
	eng := &scriptedEngine{next: func(int64, *turns.Turn) []turns.Block { return nil }}
	l := New(WithEngine(eng), WithRegistry(registryWith(t, stale)))

	seed := turns.NewTurnFromUserPrompt("hi")
	turns.AppendBlock(seed, turns.NewToolCallBlock("old-1", "lookup", map[string]any{"q": "x"}))
	turns.AppendBlock(seed, turns.NewUserTextBlock("and now?"))

	out, err := l.RunLoop(context.Background(), seed)
	require.NoError(t, err)
	assert.Equal(t, int64(1), eng.calls.Load())
	assert.Equal(t, int64(0), executed.Load())
	assert.Equal(t, 0, countKind(out, turns.BlockKindToolUse))
	assert.Equal(t, "done", out.Blocks[len(out.Blocks)-1].Text())
}

func TestExtractNewPendingIgnoresBaselineCalls(t *testing.T) {
	tt := turns.NewTurnFromUserPrompt("hi")
	turns.AppendBlock(tt, turns.NewToolCallBlock("old", "x", nil))
	base := toolblocks.NewBaseline(tt)
	turns.AppendBlock(tt, turns.NewToolCallBlock("new", "y", nil))

	pending := toolblocks.ExtractNewPendingToolCalls(tt, base)
	require.Len(t, pending, 1)
	assert.Equal(t, "new", pending[0].ID)
	assert.Len(t, toolblocks.ExtractPendingToolCalls(tt), 2)
}
