package engine

import (
	"sync"

	"github.com/google/uuid"
	"github.com/huandu/go-clone"

	"github.com/go-go-golems/turnkit/pkg/inference/runerrors"
)

// Descriptor is the caller-facing handle of a registered engine.
//
// It carries no reference to the engine itself; the backing Engine is held by
// the Registry that issued the descriptor and looked up by ID.
type Descriptor struct {
	ID       string         `json:"id" yaml:"id"`
	Name     string         `json:"name" yaml:"name"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// IsZero reports whether the descriptor was never issued.
func (d Descriptor) IsZero() bool {
	return d.ID == ""
}

// Registry maps descriptor ids to engines.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]registered
}

type registered struct {
	desc   Descriptor
	engine Engine
}

func NewRegistry() *Registry {
	return &Registry{engines: map[string]registered{}}
}

// Register stores eng and returns its descriptor. It is the single place an
// engine's shape is validated.
func (r *Registry) Register(name string, eng Engine, metadata map[string]any) (Descriptor, error) {
	if name == "" {
		return Descriptor{}, runerrors.NewConfigurationError("engine name must not be empty")
	}
	if eng == nil {
		return Descriptor{}, runerrors.NewConfigurationError("engine %q has no implementation", name)
	}
	desc := Descriptor{ID: uuid.NewString(), Name: name}
	if len(metadata) > 0 {
		desc.Metadata = clone.Clone(metadata).(map[string]any)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.engines == nil {
		r.engines = map[string]registered{}
	}
	r.engines[desc.ID] = registered{desc: desc, engine: eng}
	return desc.clone(), nil
}

// Resolve returns the engine behind desc.
func (r *Registry) Resolve(desc Descriptor) (Engine, error) {
	if desc.IsZero() {
		return nil, runerrors.NewConfigurationError("engine descriptor is empty")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.engines[desc.ID]
	if !ok {
		return nil, runerrors.NewConfigurationError("engine %q (%s) is not registered", desc.Name, desc.ID)
	}
	return entry.engine, nil
}

// Describe returns the stored descriptor for id. Callers get a copy.
func (r *Registry) Describe(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.engines[id]
	if !ok {
		return Descriptor{}, false
	}
	return entry.desc.clone(), true
}

// Release drops the engine behind desc. Releasing twice is a no-op.
func (r *Registry) Release(desc Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, desc.ID)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.engines)
}

func (d Descriptor) clone() Descriptor {
	if d.Metadata != nil {
		d.Metadata = clone.Clone(d.Metadata).(map[string]any)
	}
	return d
}
