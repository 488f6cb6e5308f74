package runtime

import (
	"context"

	"github.com/go-go-golems/turnkit/pkg/inference/engine"
	"github.com/go-go-golems/turnkit/pkg/inference/middleware"
	"github.com/go-go-golems/turnkit/pkg/inference/middlewarecfg"
	"github.com/go-go-golems/turnkit/pkg/inference/runerrors"
	"github.com/go-go-golems/turnkit/pkg/inference/session"
	"github.com/go-go-golems/turnkit/pkg/inference/tools"
	"github.com/go-go-golems/turnkit/pkg/profiles"
	"github.com/go-go-golems/turnkit/pkg/turns"
)

// SessionOptions configures CreateSession.
type SessionOptions struct {
	SessionID string
	Engine    engine.Descriptor

	// Middlewares run inside any profile middlewares, in order.
	Middlewares []middleware.Middleware

	// ToolConfig nil means tools.DefaultToolConfig().
	ToolConfig *tools.ToolConfig
	Hooks      tools.Hooks

	// UseProfileRuntime prepends the system prompt and middleware chain of the
	// profile the engine was created from, and restricts tools to the
	// profile's list when it has one. Engine must come from EngineFromProfile.
	UseProfileRuntime bool
}

// CreateSession builds a session around opts.Engine. Configuration problems
// are returned here, before any run starts.
func (r *Runtime) CreateSession(opts SessionOptions) (*session.Session, error) {
	eng, err := r.engines.Resolve(opts.Engine)
	if err != nil {
		return nil, err
	}

	cfg := tools.DefaultToolConfig()
	if opts.ToolConfig != nil {
		cfg = *opts.ToolConfig
	}

	var chain []middleware.Middleware
	if opts.UseProfileRuntime {
		resolved, ok := r.ProfileRuntime(opts.Engine)
		if !ok {
			return nil, runerrors.NewConfigurationError("engine %q was not created from a profile", opts.Engine.Name)
		}
		profileChain, err := r.profileMiddlewares(resolved)
		if err != nil {
			return nil, err
		}
		chain = append(chain, profileChain...)
		if len(resolved.EffectiveRuntime.Tools) > 0 {
			cfg = cfg.WithAllowedTools(resolved.EffectiveRuntime.Tools)
		}
	}
	chain = append(chain, opts.Middlewares...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	hooks := opts.Hooks
	if r.metrics != nil {
		hooks = hooks.Merge(tools.Hooks{
			AfterToolCall: func(_ context.Context, p tools.AfterToolCallPayload) {
				var callErr error
				if p.Error != "" {
					callErr = toolCallError(p.Error)
				}
				r.metrics.ObserveToolCall(p.ToolName, p.Duration, callErr)
			},
		})
	}

	builderOpts := []session.ToolLoopEngineBuilderOption{
		session.WithToolLoopBase(eng),
		session.WithToolLoopMiddlewares(chain...),
		session.WithToolLoopToolConfig(cfg),
		session.WithToolLoopHooks(hooks),
		session.WithToolLoopLogger(r.logger),
	}
	if r.tools != nil {
		builderOpts = append(builderOpts, session.WithToolLoopRegistry(r.tools))
	}
	if r.persister != nil {
		builderOpts = append(builderOpts, session.WithToolLoopPersister(r.persister))
	}

	sessOpts := []session.Option{
		session.WithLogger(r.logger),
		session.WithEventSinks(r.sinks...),
	}
	if opts.SessionID != "" {
		sessOpts = append(sessOpts, session.WithSessionID(opts.SessionID))
	}
	return session.NewSession(session.NewToolLoopEngineBuilder(builderOpts...), sessOpts...), nil
}

// profileMiddlewares is the chain contributed by a resolved profile: metadata
// stamping, then the system prompt, then the profile's middleware uses.
func (r *Runtime) profileMiddlewares(resolved *profiles.ResolvedProfile) ([]middleware.Middleware, error) {
	chain := []middleware.Middleware{newProfileMetadataMiddleware(resolved)}
	if p := resolved.EffectiveRuntime.SystemPrompt; p != "" {
		chain = append(chain, middleware.NewSystemPromptMiddleware(p))
	}
	if r.middlewares == nil {
		if len(resolved.EffectiveRuntime.Middlewares) > 0 {
			return nil, runerrors.NewConfigurationError("profile %q uses middlewares but no middleware registry is configured", resolved.ProfileSlug)
		}
		return chain, nil
	}
	built, err := r.middlewares.BuildChain(middlewarecfg.BuildDeps{
		Logger:  r.logger,
		Metrics: r.metrics,
	}, resolved.EffectiveRuntime.Middlewares)
	if err != nil {
		return nil, err
	}
	return append(chain, built...), nil
}

const profileMetadataName = "profile-metadata"

func newProfileMetadataMiddleware(resolved *profiles.ResolvedProfile) middleware.Middleware {
	return middleware.Named(profileMetadataName, func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, t *turns.Turn) (*turns.Turn, error) {
			if t != nil {
				for _, kv := range []struct {
					key turns.TurnMetaKey[string]
					val string
				}{
					{turns.KeyTurnMetaProfileSlug, resolved.ProfileSlug.String()},
					{turns.KeyTurnMetaRuntimeKey, resolved.RuntimeKey.String()},
					{turns.KeyTurnMetaRuntimeFingerprint, resolved.RuntimeFingerprint},
				} {
					if err := kv.key.Set(&t.Metadata, kv.val); err != nil {
						return nil, err
					}
				}
			}
			return next(ctx, t)
		}
	})
}

type toolCallError string

func (e toolCallError) Error() string { return string(e) }
