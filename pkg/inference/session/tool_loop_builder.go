package session

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnkit/pkg/events"
	"github.com/go-go-golems/turnkit/pkg/inference/engine"
	"github.com/go-go-golems/turnkit/pkg/inference/middleware"
	"github.com/go-go-golems/turnkit/pkg/inference/runerrors"
	"github.com/go-go-golems/turnkit/pkg/inference/toolloop"
	"github.com/go-go-golems/turnkit/pkg/inference/tools"
	"github.com/go-go-golems/turnkit/pkg/turns"
)

// ToolLoopEngineBuilder builds a runner that:
// - runs the middleware chain once per run, outermost first
// - runs the tool-calling loop as the innermost handler
// - injects sinks and snapshot hooks via context
// - best-effort persists the final turn
type ToolLoopEngineBuilder struct {
	// Base is the engine the loop calls on every iteration.
	Base engine.Engine

	// Middlewares wrap the run in registration order: the first one is outermost.
	Middlewares []middleware.Middleware

	// Registry enables tool calling. If nil, the runner performs a single engine call.
	Registry tools.ToolRegistry

	// ToolConfig configures the loop when Registry is set. nil means tools.DefaultToolConfig().
	ToolConfig *tools.ToolConfig

	Hooks tools.Hooks

	// EventSinks are attached to the run context.
	EventSinks []events.EventSink

	SnapshotHook toolloop.SnapshotHook

	// Persister is invoked on success. Failures are logged and do not fail the run.
	Persister TurnPersister

	Logger *zerolog.Logger
}

type ToolLoopEngineBuilderOption func(*ToolLoopEngineBuilder)

func WithToolLoopBase(eng engine.Engine) ToolLoopEngineBuilderOption {
	return func(b *ToolLoopEngineBuilder) { b.Base = eng }
}

func WithToolLoopMiddlewares(mws ...middleware.Middleware) ToolLoopEngineBuilderOption {
	return func(b *ToolLoopEngineBuilder) { b.Middlewares = append(b.Middlewares, mws...) }
}

func WithToolLoopRegistry(reg tools.ToolRegistry) ToolLoopEngineBuilderOption {
	return func(b *ToolLoopEngineBuilder) { b.Registry = reg }
}

func WithToolLoopToolConfig(cfg tools.ToolConfig) ToolLoopEngineBuilderOption {
	return func(b *ToolLoopEngineBuilder) { b.ToolConfig = &cfg }
}

func WithToolLoopHooks(h tools.Hooks) ToolLoopEngineBuilderOption {
	return func(b *ToolLoopEngineBuilder) { b.Hooks = b.Hooks.Merge(h) }
}

func WithToolLoopEventSinks(sinks ...events.EventSink) ToolLoopEngineBuilderOption {
	return func(b *ToolLoopEngineBuilder) { b.EventSinks = append(b.EventSinks, sinks...) }
}

func WithToolLoopSnapshotHook(h toolloop.SnapshotHook) ToolLoopEngineBuilderOption {
	return func(b *ToolLoopEngineBuilder) { b.SnapshotHook = h }
}

func WithToolLoopPersister(p TurnPersister) ToolLoopEngineBuilderOption {
	return func(b *ToolLoopEngineBuilder) { b.Persister = p }
}

func WithToolLoopLogger(logger zerolog.Logger) ToolLoopEngineBuilderOption {
	return func(b *ToolLoopEngineBuilder) { b.Logger = &logger }
}

func NewToolLoopEngineBuilder(opts ...ToolLoopEngineBuilderOption) *ToolLoopEngineBuilder {
	b := &ToolLoopEngineBuilder{}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *ToolLoopEngineBuilder) Build(ctx context.Context, sessionID string) (InferenceRunner, error) {
	if b == nil {
		return nil, runerrors.NewConfigurationError("tool loop engine builder is nil")
	}
	if b.Base == nil {
		return nil, runerrors.NewConfigurationError("tool loop engine builder has no base engine")
	}

	cfg := tools.DefaultToolConfig()
	if b.ToolConfig != nil {
		cfg = *b.ToolConfig
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := log.Logger
	if b.Logger != nil {
		logger = *b.Logger
	}
	logger = logger.With().Str("session_id", sessionID).Logger()

	loop := toolloop.New(
		toolloop.WithEngine(b.Base),
		toolloop.WithRegistry(b.Registry),
		toolloop.WithToolConfig(cfg),
		toolloop.WithHooks(b.Hooks),
		toolloop.WithLogger(logger),
	)

	return &toolLoopRunner{
		sessionID:    sessionID,
		handler:      middleware.Chain(middleware.EngineHandler(loop), b.Middlewares...),
		eventSinks:   append([]events.EventSink(nil), b.EventSinks...),
		snapshotHook: b.SnapshotHook,
		persister:    b.Persister,
		logger:       logger,
	}, nil
}

type toolLoopRunner struct {
	sessionID string

	handler middleware.HandlerFunc

	eventSinks   []events.EventSink
	snapshotHook toolloop.SnapshotHook

	persister TurnPersister
	logger    zerolog.Logger
}

func (r *toolLoopRunner) RunInference(ctx context.Context, t *turns.Turn) (*turns.Turn, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	runCtx := ctx
	if len(r.eventSinks) > 0 {
		runCtx = events.WithEventSinks(runCtx, r.eventSinks...)
	}
	if r.snapshotHook != nil {
		runCtx = toolloop.WithTurnSnapshotHook(runCtx, r.snapshotHook)
	}

	if t == nil {
		t = &turns.Turn{}
	}
	stampSessionID(t, r.sessionID)

	updated, err := r.handler(runCtx, t)
	stampSessionID(updated, r.sessionID)

	if err == nil && r.persister != nil && updated != nil {
		if perr := r.persister.PersistTurn(runCtx, updated); perr != nil {
			r.logger.Warn().Err(perr).Str("turn_id", updated.ID).Msg("persist turn failed")
		}
	}

	return updated, err
}

func stampSessionID(t *turns.Turn, sessionID string) {
	if t == nil || sessionID == "" {
		return
	}
	if _, ok, err := turns.KeyTurnMetaSessionID.Get(t.Metadata); err != nil || !ok {
		_ = turns.KeyTurnMetaSessionID.Set(&t.Metadata, sessionID)
	}
}
