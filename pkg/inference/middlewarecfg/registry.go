package middlewarecfg

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/go-go-golems/turnkit/pkg/inference/middleware"
	"github.com/go-go-golems/turnkit/pkg/inference/runerrors"
	"github.com/go-go-golems/turnkit/pkg/profiles"
)

// Registry stores middleware definitions by name.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{definitions: map[string]Definition{}}
}

// Register adds def. Names are unique.
func (r *Registry) Register(def Definition) error {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return runerrors.NewConfigurationError("middleware definition name is empty")
	}
	if def.Build == nil {
		return runerrors.NewConfigurationError("middleware definition %q has no build function", name)
	}
	def.Name = name

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.definitions[name]; ok {
		return runerrors.NewConfigurationError("middleware definition already registered: %s", name)
	}
	r.definitions[name] = def
	return nil
}

// MustRegister panics when Register fails.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[strings.TrimSpace(name)]
	return def, ok
}

// List returns all definitions sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.definitions))
	for name := range r.definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.definitions[name])
	}
	return defs
}

// InstanceKey returns a stable diagnostic key for one middleware use.
func InstanceKey(use profiles.MiddlewareUse, index int) string {
	name := strings.TrimSpace(use.Name)
	if name == "" {
		name = "middleware"
	}
	if id := strings.TrimSpace(use.ID); id != "" {
		return fmt.Sprintf("%s#%s", name, id)
	}
	return fmt.Sprintf("%s[%d]", name, index)
}

// BuildChain builds the middlewares named by uses, in order, skipping disabled
// ones. Unknown names and build failures are configuration errors.
func (r *Registry) BuildChain(deps BuildDeps, uses []profiles.MiddlewareUse) ([]middleware.Middleware, error) {
	if len(uses) == 0 {
		return nil, nil
	}
	chain := make([]middleware.Middleware, 0, len(uses))
	for i, use := range uses {
		key := InstanceKey(use, i)
		if !use.IsEnabled() {
			continue
		}
		def, ok := r.Get(use.Name)
		if !ok {
			return nil, runerrors.NewConfigurationError("unknown middleware %s", key)
		}
		mw, err := def.Build(deps, use.Config)
		if err != nil {
			return nil, runerrors.WrapConfiguration(err, "build middleware "+key)
		}
		if mw == nil {
			return nil, runerrors.NewConfigurationError("middleware %s built to nil", key)
		}
		chain = append(chain, middleware.Named(key, mw))
	}
	return chain, nil
}

type systemPromptConfig struct {
	Prompt string `mapstructure:"prompt"`
}

type loggingConfig struct {
	Level string `mapstructure:"level"`
}

// DefaultRegistry ships the built-in middlewares: systemprompt, logging,
// trace-id and metrics. metrics requires BuildDeps.Metrics.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(Definition{
		Name:        middleware.SystemPromptName,
		Description: "Insert a system prompt block at the head of the turn.",
		Build: func(_ BuildDeps, cfg map[string]any) (middleware.Middleware, error) {
			var c systemPromptConfig
			if err := DecodeConfig(cfg, &c); err != nil {
				return nil, err
			}
			return middleware.NewSystemPromptMiddleware(c.Prompt), nil
		},
	})
	r.MustRegister(Definition{
		Name:        middleware.LoggingName,
		Description: "Log turn shape before and after inference.",
		Build: func(deps BuildDeps, cfg map[string]any) (middleware.Middleware, error) {
			var c loggingConfig
			if err := DecodeConfig(cfg, &c); err != nil {
				return nil, err
			}
			logger := deps.Logger
			if c.Level != "" {
				lvl, err := zerolog.ParseLevel(c.Level)
				if err != nil {
					return nil, err
				}
				logger = logger.Level(lvl)
			}
			return middleware.NewTurnLoggingMiddleware(logger), nil
		},
	})
	r.MustRegister(Definition{
		Name:        middleware.TraceIDName,
		Description: "Stamp a trace id on turn metadata.",
		Build: func(_ BuildDeps, cfg map[string]any) (middleware.Middleware, error) {
			if err := DecodeConfig(cfg, &struct{}{}); err != nil {
				return nil, err
			}
			return middleware.NewTraceIDMiddleware(), nil
		},
	})
	r.MustRegister(Definition{
		Name:        middleware.MetricsName,
		Description: "Record inference counts and latency in prometheus.",
		Build: func(deps BuildDeps, _ map[string]any) (middleware.Middleware, error) {
			if deps.Metrics == nil {
				return nil, runerrors.NewConfigurationError("metrics middleware needs a metrics collector")
			}
			return middleware.NewMetricsMiddleware(deps.Metrics), nil
		},
	})
	return r
}
