package toolloop

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnkit/pkg/inference/engine"
	"github.com/go-go-golems/turnkit/pkg/inference/runctx"
	"github.com/go-go-golems/turnkit/pkg/inference/runerrors"
	"github.com/go-go-golems/turnkit/pkg/inference/toolblocks"
	"github.com/go-go-golems/turnkit/pkg/inference/toolcontext"
	"github.com/go-go-golems/turnkit/pkg/inference/tools"
	"github.com/go-go-golems/turnkit/pkg/turns"
)

// KeyLoopLimitReached is set on the returned turn when the loop stopped because
// it ran out of iterations with tool calls still being requested.
var KeyLoopLimitReached = turns.DataK[bool]("turnkit", "loop_limit_reached", 1)

// KeyLoopIterations records how many engine calls the loop made.
var KeyLoopIterations = turns.DataK[int]("turnkit", "loop_iterations", 1)

// Snapshot phases.
const (
	PhasePreInference  = "pre_inference"
	PhasePostInference = "post_inference"
	PhasePostTools     = "post_tools"
)

// Loop alternates engine calls and tool dispatch until the engine stops
// requesting tools or the iteration budget runs out.
type Loop struct {
	eng          engine.Engine
	registry     tools.ToolRegistry
	toolCfg      tools.ToolConfig
	hooks        tools.Hooks
	snapshotHook SnapshotHook
	logger       zerolog.Logger
}

type Option func(*Loop)

func New(opts ...Option) *Loop {
	l := &Loop{
		toolCfg: tools.DefaultToolConfig(),
		logger:  log.Logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

func WithEngine(eng engine.Engine) Option {
	return func(l *Loop) { l.eng = eng }
}

func WithRegistry(reg tools.ToolRegistry) Option {
	return func(l *Loop) { l.registry = reg }
}

func WithToolConfig(cfg tools.ToolConfig) Option {
	return func(l *Loop) { l.toolCfg = cfg }
}

func WithHooks(h tools.Hooks) Option {
	return func(l *Loop) { l.hooks = l.hooks.Merge(h) }
}

func WithSnapshotHook(h SnapshotHook) Option {
	return func(l *Loop) { l.snapshotHook = h }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

func (l *Loop) snapshot(ctx context.Context, t *turns.Turn, phase string) {
	if l.snapshotHook != nil {
		l.snapshotHook(ctx, t, phase)
		return
	}
	if h, ok := TurnSnapshotHookFromContext(ctx); ok {
		h(ctx, t, phase)
	}
}

// RunInference makes the loop usable as the innermost handler of a middleware chain.
func (l *Loop) RunInference(ctx context.Context, t *turns.Turn) (*turns.Turn, error) {
	return l.RunLoop(ctx, t)
}

var _ engine.Engine = (*Loop)(nil)

// RunLoop runs the tool-calling workflow on t.
//
// With tools disabled or no registry the loop is a single engine call. When the
// iteration budget is exhausted the last turn is returned with a nil error and
// KeyLoopLimitReached set.
func (l *Loop) RunLoop(ctx context.Context, t *turns.Turn) (*turns.Turn, error) {
	if l == nil || l.eng == nil {
		return t, runerrors.NewConfigurationError("tool loop has no engine")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := l.toolCfg.Validate(); err != nil {
		return t, err
	}
	if t == nil {
		t = &turns.Turn{}
	}
	cfg := l.toolCfg.WithDefaults()

	if !cfg.Enabled || l.registry == nil {
		if err := runctx.Check(ctx); err != nil {
			return t, err
		}
		out, err := l.eng.RunInference(ctx, t)
		return l.engineResult(ctx, t, out, err)
	}

	ctx = toolcontext.WithRegistry(ctx, l.registry)
	if err := engine.KeyToolConfig.Set(&t.Data, l.engineToolConfig(cfg)); err != nil {
		return t, errors.Wrap(err, "set tool config")
	}
	executor := tools.NewExecutor(l.registry, cfg, tools.WithHooks(l.hooks))

	for i := 0; i < cfg.MaxIterations; i++ {
		if err := runctx.Check(ctx); err != nil {
			return t, err
		}
		l.logger.Debug().Int("iteration", i+1).Int("max_iterations", cfg.MaxIterations).Msg("toolloop: engine inference step")

		l.snapshot(ctx, t, PhasePreInference)
		base := toolblocks.NewBaseline(t)
		updated, err := l.eng.RunInference(ctx, t)
		if updated, err = l.engineResult(ctx, t, updated, err); err != nil {
			return updated, err
		}
		_ = KeyLoopIterations.Set(&updated.Data, i+1)
		l.snapshot(ctx, updated, PhasePostInference)

		pending := toolblocks.ExtractNewPendingToolCalls(updated, base)
		if len(pending) == 0 {
			return updated, nil
		}

		if err := runctx.Check(ctx); err != nil {
			return updated, err
		}
		calls := make([]tools.ToolCall, len(pending))
		for j, p := range pending {
			calls[j] = tools.ToolCall{ID: p.ID, Name: p.Name, Arguments: p.Arguments}
		}
		results, err := executor.ExecuteToolCalls(ctx, calls)
		if err != nil {
			return updated, err
		}

		failedAt := -1
		for j, r := range results {
			if r.Failed() && !errors.Is(r.Err, tools.ErrToolSkipped) {
				failedAt = j
				break
			}
		}
		stop := failedAt >= 0 && cfg.ToolErrorHandling != tools.ToolErrorContinue
		if stop {
			results = results[:failedAt+1]
		}
		toolblocks.AppendToolResultsBlocks(updated, toToolBlockResults(results))
		l.snapshot(ctx, updated, PhasePostTools)

		if stop {
			failed := results[failedAt]
			l.logger.Debug().
				Str("call_id", failed.ID).
				Str("tool", failed.Name).
				Str("policy", string(cfg.ToolErrorHandling)).
				Msg("toolloop: stopping after tool failure")
			return updated, &runerrors.ToolExecutionError{
				CallID:   failed.ID,
				ToolName: failed.Name,
				Attempts: failed.Attempts,
				Err:      failed.Err,
			}
		}

		t = updated
	}

	l.logger.Debug().Int("max_iterations", cfg.MaxIterations).Msg("toolloop: maximum iterations reached")
	if err := KeyLoopLimitReached.Set(&t.Data, true); err != nil {
		return t, errors.Wrap(err, "flag loop limit")
	}
	return t, nil
}

func (l *Loop) engineResult(ctx context.Context, in, out *turns.Turn, err error) (*turns.Turn, error) {
	if err != nil {
		rc, _ := runctx.From(ctx)
		if out == nil {
			out = in
		}
		return out, runerrors.Classify(err, rc.DeadlineMs)
	}
	if out == nil {
		return in, errors.New("engine returned no turn")
	}
	return out, nil
}

func (l *Loop) engineToolConfig(cfg tools.ToolConfig) engine.ToolConfig {
	defs := cfg.FilterTools(l.registry.ListTools())
	specs := make([]engine.ToolSpec, 0, len(defs))
	for _, d := range defs {
		specs = append(specs, d.Spec())
	}
	return engine.ToolConfig{
		Enabled:    cfg.Enabled,
		ToolChoice: cfg.ToolChoice,
		Tools:      specs,
	}
}

func toToolBlockResults(results []tools.ToolResult) []toolblocks.ToolResult {
	out := make([]toolblocks.ToolResult, len(results))
	for i, r := range results {
		out[i] = toolblocks.ToolResult{ID: r.ID, Content: r.Result, Error: r.Error}
	}
	return out
}

// LoopLimitReached reports whether t was returned because the iteration budget ran out.
func LoopLimitReached(t *turns.Turn) bool {
	if t == nil {
		return false
	}
	v, ok, err := KeyLoopLimitReached.Get(t.Data)
	return err == nil && ok && v
}
