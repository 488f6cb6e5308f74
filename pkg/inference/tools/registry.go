package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnkit/pkg/inference/runctx"
	"github.com/go-go-golems/turnkit/pkg/inference/runerrors"
)

// ErrToolNotFound is returned for calls to names that were never registered.
var ErrToolNotFound = errors.New("tool not found")

// ToolRegistry manages available tools. Lookups are safe for concurrent use;
// registration is expected to happen before runs start.
type ToolRegistry interface {
	RegisterTool(def ToolDefinition) error
	GetTool(name string) (*ToolDefinition, error)
	ListTools() []ToolDefinition
	HasTool(name string) bool
	UnregisterTool(name string) error
	Clone() ToolRegistry

	// Call invokes a tool directly, bypassing hooks and run bookkeeping.
	Call(ctx context.Context, name string, args json.RawMessage) (any, error)
	// Execute invokes a tool on behalf of a run. It refuses to start once the
	// run is cancelled or past its deadline.
	Execute(ctx context.Context, name string, args json.RawMessage) (any, error)
}

type InMemoryToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]ToolDefinition
}

var _ ToolRegistry = (*InMemoryToolRegistry)(nil)

func NewInMemoryToolRegistry() *InMemoryToolRegistry {
	return &InMemoryToolRegistry{tools: map[string]ToolDefinition{}}
}

// RegisterTool validates and stores def. It is the only place a tool's shape is checked.
func (r *InMemoryToolRegistry) RegisterTool(def ToolDefinition) error {
	if def.Name == "" {
		return runerrors.NewConfigurationError("tool name cannot be empty")
	}
	if def.Handler == nil {
		return runerrors.NewConfigurationError("tool %q has no handler", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return runerrors.NewConfigurationError("tool %q already registered", def.Name)
	}
	r.tools[def.Name] = def
	return nil
}

// MustRegisterTool panics when RegisterTool fails.
func (r *InMemoryToolRegistry) MustRegisterTool(def ToolDefinition) {
	if err := r.RegisterTool(def); err != nil {
		panic(err)
	}
}

func (r *InMemoryToolRegistry) GetTool(name string) (*ToolDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, errors.Wrap(ErrToolNotFound, name)
	}
	return &tool, nil
}

// ListTools returns the registered tools sorted by name.
func (r *InMemoryToolRegistry) ListTools() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *InMemoryToolRegistry) HasTool(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

func (r *InMemoryToolRegistry) UnregisterTool(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return errors.Wrap(ErrToolNotFound, name)
	}
	delete(r.tools, name)
	return nil
}

func (r *InMemoryToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

func (r *InMemoryToolRegistry) Clone() ToolRegistry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cloned := NewInMemoryToolRegistry()
	for name, t := range r.tools {
		cloned.tools[name] = t
	}
	return cloned
}

func (r *InMemoryToolRegistry) Call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	def, err := r.GetTool(name)
	if err != nil {
		return nil, err
	}
	return invoke(ctx, def, args)
}

func (r *InMemoryToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (any, error) {
	if err := runctx.Check(ctx); err != nil {
		return nil, err
	}
	def, err := r.GetTool(name)
	if err != nil {
		return nil, err
	}
	rc, _ := runctx.From(ctx)
	log.Debug().
		Str("session_id", rc.SessionID).
		Str("inference_id", rc.InferenceID).
		Str("call_id", rc.CallID).
		Str("tool", name).
		Int("args_len", len(args)).
		Msg("tools: executing")
	return invoke(ctx, def, args)
}

// invoke runs the handler, turning a panic into an error.
func invoke(ctx context.Context, def *ToolDefinition, args json.RawMessage) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = errors.Errorf("tool %q panicked: %v", def.Name, r)
		}
	}()
	return def.Handler.Execute(ctx, args)
}
