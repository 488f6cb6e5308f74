// Package runtime is the entry point that wires engines, profiles, middleware
// definitions and tools into sessions.
//
// Engines are handed out as engine.Descriptor values. The engine behind a
// descriptor stays inside the Runtime and is looked up by id, so descriptors
// can be logged, serialized or copied freely.
package runtime

import (
	"context"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnkit/pkg/events"
	"github.com/go-go-golems/turnkit/pkg/inference/engine"
	"github.com/go-go-golems/turnkit/pkg/inference/middleware"
	"github.com/go-go-golems/turnkit/pkg/inference/middlewarecfg"
	"github.com/go-go-golems/turnkit/pkg/inference/runerrors"
	"github.com/go-go-golems/turnkit/pkg/inference/session"
	"github.com/go-go-golems/turnkit/pkg/inference/tools"
	"github.com/go-go-golems/turnkit/pkg/profiles"
)

// Descriptor metadata keys set by EngineFromProfile.
const (
	MetaProfileRegistry    = "profileRegistry"
	MetaProfileSlug        = "profileSlug"
	MetaRuntimeKey         = "runtimeKey"
	MetaRuntimeFingerprint = "runtimeFingerprint"
	MetaEngineName         = "engineName"
)

// EngineFactory builds an engine from a profile's engine_config.
type EngineFactory func(cfg map[string]any) (engine.Engine, error)

type Runtime struct {
	engines     *engine.Registry
	stack       *profiles.RegistryStack
	middlewares *middlewarecfg.Registry
	tools       tools.ToolRegistry
	sinks       []events.EventSink
	persister   session.TurnPersister
	metrics     *middleware.Metrics
	logger      zerolog.Logger

	mu        sync.RWMutex
	factories map[string]EngineFactory
	resolved  map[string]*profiles.ResolvedProfile
}

type Option func(*Runtime)

// WithRegistryStack attaches the profile registries EngineFromProfile
// resolves against. Without one, profile resolution fails with
// profiles.ErrNoRegistryConfigured.
func WithRegistryStack(stack *profiles.RegistryStack) Option {
	return func(r *Runtime) { r.stack = stack }
}

func WithMiddlewareRegistry(reg *middlewarecfg.Registry) Option {
	return func(r *Runtime) { r.middlewares = reg }
}

func WithToolRegistry(reg tools.ToolRegistry) Option {
	return func(r *Runtime) { r.tools = reg }
}

func WithEventSinks(sinks ...events.EventSink) Option {
	return func(r *Runtime) { r.sinks = append(r.sinks, sinks...) }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runtime) { r.logger = logger }
}

func WithPersister(p session.TurnPersister) Option {
	return func(r *Runtime) { r.persister = p }
}

// WithMetrics records tool calls and inference passes of every session.
func WithMetrics(m *middleware.Metrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

// WithEngineFactory makes name usable as a profile engine_name.
func WithEngineFactory(name string, f EngineFactory) Option {
	return func(r *Runtime) { r.factories[name] = f }
}

func New(opts ...Option) *Runtime {
	r := &Runtime{
		engines:     engine.NewRegistry(),
		middlewares: middlewarecfg.DefaultRegistry(),
		logger:      log.Logger,
		factories: map[string]EngineFactory{
			"echo":     echoFactory,
			"scripted": scriptedFactory,
		},
		resolved: map[string]*profiles.ResolvedProfile{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func echoFactory(cfg map[string]any) (engine.Engine, error) {
	reply, _ := cfg["reply"].(string)
	return engine.NewEchoEngine(reply), nil
}

type scriptedConfig struct {
	Reply string               `mapstructure:"reply"`
	Calls []engine.PlannedCall `mapstructure:"calls"`
}

func scriptedFactory(cfg map[string]any) (engine.Engine, error) {
	var sc scriptedConfig
	if err := mapstructure.Decode(cfg, &sc); err != nil {
		return nil, errors.Wrap(err, "decode scripted engine config")
	}
	for i, c := range sc.Calls {
		if c.Name == "" {
			return nil, errors.Errorf("scripted call %d has no name", i)
		}
	}
	return engine.NewScriptedEngine(sc.Reply, sc.Calls...), nil
}

func (r *Runtime) RegistryStack() *profiles.RegistryStack { return r.stack }

func (r *Runtime) Tools() tools.ToolRegistry { return r.tools }

func (r *Runtime) MiddlewareRegistry() *middlewarecfg.Registry { return r.middlewares }

// EchoEngine registers an engine that answers every turn with reply
// ("READY" when empty).
func (r *Runtime) EchoEngine(reply string) (engine.Descriptor, error) {
	eng := engine.NewEchoEngine(reply)
	return r.engines.Register("echo", eng, map[string]any{MetaEngineName: "echo", "reply": eng.Reply()})
}

// EngineFromFunc registers fn under name.
func (r *Runtime) EngineFromFunc(name string, fn engine.EngineFunc) (engine.Descriptor, error) {
	if fn == nil {
		return engine.Descriptor{}, runerrors.NewConfigurationError("engine %q has no function", name)
	}
	return r.engines.Register(name, fn, map[string]any{MetaEngineName: name})
}

// Engine returns the engine behind desc.
func (r *Runtime) Engine(desc engine.Descriptor) (engine.Engine, error) {
	return r.engines.Resolve(desc)
}

// ReleaseEngine forgets desc. Sessions already created keep their engine.
func (r *Runtime) ReleaseEngine(desc engine.Descriptor) {
	r.engines.Release(desc)
	r.mu.Lock()
	delete(r.resolved, desc.ID)
	r.mu.Unlock()
}

// ProfileRequest selects a profile. Empty slugs pick the top registry's
// defaults.
type ProfileRequest struct {
	RegistrySlug     string
	ProfileSlug      string
	RuntimeKey       string
	RequestOverrides map[string]any
}

// ResolveProfile resolves req against the registry stack. Failures come back
// as configuration errors that still match the profiles sentinels, such as
// profiles.ErrNoRegistryConfigured and profiles.ErrPolicyViolation.
func (r *Runtime) ResolveProfile(ctx context.Context, req ProfileRequest) (*profiles.ResolvedProfile, error) {
	in := profiles.ResolveInput{RequestOverrides: req.RequestOverrides}
	var err error
	if req.RegistrySlug != "" {
		if in.RegistrySlug, err = profiles.ParseRegistrySlug(req.RegistrySlug); err != nil {
			return nil, runerrors.WrapConfiguration(err, "invalid registry slug")
		}
	}
	if req.ProfileSlug != "" {
		if in.ProfileSlug, err = profiles.ParseProfileSlug(req.ProfileSlug); err != nil {
			return nil, runerrors.WrapConfiguration(err, "invalid profile slug")
		}
	}
	if req.RuntimeKey != "" {
		if in.RuntimeKeyFallback, err = profiles.ParseRuntimeKey(req.RuntimeKey); err != nil {
			return nil, runerrors.WrapConfiguration(err, "invalid runtime key")
		}
	}

	resolved, err := r.stack.Resolve(ctx, in)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, runerrors.WrapConfiguration(err, "resolve profile")
	}
	return resolved, nil
}

// EngineFromProfile resolves req and registers the engine its runtime names.
// The descriptor carries the registry, profile, runtime key and fingerprint
// of the resolution in its metadata.
func (r *Runtime) EngineFromProfile(ctx context.Context, req ProfileRequest) (engine.Descriptor, error) {
	resolved, err := r.ResolveProfile(ctx, req)
	if err != nil {
		return engine.Descriptor{}, err
	}

	name := resolved.EffectiveRuntime.EngineName
	if name == "" {
		name = "echo"
	}
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return engine.Descriptor{}, runerrors.NewConfigurationError("profile %q names unknown engine %q", resolved.ProfileSlug, name)
	}
	eng, err := factory(resolved.EffectiveRuntime.EngineConfig)
	if err != nil {
		return engine.Descriptor{}, runerrors.WrapConfiguration(err, "build engine "+name)
	}

	desc, err := r.engines.Register(name, eng, map[string]any{
		MetaEngineName:         name,
		MetaProfileRegistry:    resolved.RegistrySlug.String(),
		MetaProfileSlug:        resolved.ProfileSlug.String(),
		MetaRuntimeKey:         resolved.RuntimeKey.String(),
		MetaRuntimeFingerprint: resolved.RuntimeFingerprint,
	})
	if err != nil {
		return engine.Descriptor{}, err
	}

	r.mu.Lock()
	r.resolved[desc.ID] = resolved
	r.mu.Unlock()

	r.logger.Debug().
		Str("engine_id", desc.ID).
		Str("registry", resolved.RegistrySlug.String()).
		Str("profile", resolved.ProfileSlug.String()).
		Str("fingerprint", resolved.RuntimeFingerprint).
		Msg("engine created from profile")
	return desc, nil
}

// ProfileRuntime returns the resolution behind a descriptor created by
// EngineFromProfile.
func (r *Runtime) ProfileRuntime(desc engine.Descriptor) (*profiles.ResolvedProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	resolved, ok := r.resolved[desc.ID]
	return resolved, ok
}
