package profiles

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// StackEntry is one layer of a RegistryStack.
type StackEntry struct {
	// Label identifies the entry in listings and errors, usually its source spec.
	Label    string
	Registry *StoreRegistry
}

// RegistryStack is an ordered set of registries. Later entries sit on top and
// take precedence. It is a plain value owned by the caller; there is no
// process-wide stack.
type RegistryStack struct {
	mu      sync.RWMutex
	entries []StackEntry
}

// NewRegistryStack builds a stack with entries pushed in order, so the last
// entry ends up on top.
func NewRegistryStack(entries ...StackEntry) *RegistryStack {
	s := &RegistryStack{}
	for _, e := range entries {
		s.Push(e)
	}
	return s
}

// Push puts entry on top of the stack. Entries without a registry are ignored.
func (s *RegistryStack) Push(entry StackEntry) {
	if s == nil || entry.Registry == nil {
		return
	}
	if entry.Label == "" {
		entry.Label = entry.Registry.DefaultRegistrySlug().String()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
}

func (s *RegistryStack) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Entries returns the entries top-first.
func (s *RegistryStack) Entries() []StackEntry {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StackEntry, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		out = append(out, s.entries[i])
	}
	return out
}

// Close closes every entry's store top-first and empties the stack.
func (s *RegistryStack) Close() error {
	if s == nil {
		return nil
	}
	entries := s.Entries()
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		if err := e.Registry.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "close %s", e.Label)
		}
	}
	return firstErr
}

// ListRegistries lists the registries of every entry, top-first. A registry
// slug shadowed by a higher entry is listed once, from the higher entry.
func (s *RegistryStack) ListRegistries(ctx context.Context) ([]RegistrySummary, error) {
	entries := s.Entries()
	if len(entries) == 0 {
		return nil, ErrNoRegistryConfigured
	}
	seen := map[RegistrySlug]bool{}
	var out []RegistrySummary
	for _, e := range entries {
		summaries, err := e.Registry.ListRegistries(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "list %s", e.Label)
		}
		for _, sum := range summaries {
			if seen[sum.Slug] {
				continue
			}
			seen[sum.Slug] = true
			if sum.Source == "" {
				sum.Source = e.Label
			}
			out = append(out, sum)
		}
	}
	return out, nil
}

// Resolve resolves in against the stack:
//   - with a registry slug, the topmost entry holding that registry resolves it
//   - with only a profile slug, the topmost registry holding that profile wins
//   - with neither, the top entry's default registry and profile are used
func (s *RegistryStack) Resolve(ctx context.Context, in ResolveInput) (*ResolvedProfile, error) {
	entries := s.Entries()
	if len(entries) == 0 {
		return nil, ErrNoRegistryConfigured
	}

	if !in.RegistrySlug.IsZero() {
		for _, e := range entries {
			ok, err := e.Registry.HasRegistry(ctx, in.RegistrySlug)
			if err != nil {
				return nil, errors.Wrapf(err, "lookup registry in %s", e.Label)
			}
			if ok {
				return e.Registry.ResolveEffectiveProfile(ctx, in)
			}
		}
		return nil, errors.Wrapf(ErrRegistryNotFound, "registry %q", in.RegistrySlug)
	}

	if in.ProfileSlug.IsZero() {
		return entries[0].Registry.ResolveEffectiveProfile(ctx, in)
	}

	for _, e := range entries {
		slug, ok, err := findRegistryForProfile(ctx, e.Registry, in.ProfileSlug)
		if err != nil {
			return nil, errors.Wrapf(err, "lookup profile in %s", e.Label)
		}
		if ok {
			scoped := in
			scoped.RegistrySlug = slug
			return e.Registry.ResolveEffectiveProfile(ctx, scoped)
		}
	}
	return nil, errors.Wrapf(ErrProfileNotFound, "profile %q", in.ProfileSlug)
}

// findRegistryForProfile checks the entry's default registry first, then the
// remaining registries in slug order.
func findRegistryForProfile(ctx context.Context, r *StoreRegistry, profile ProfileSlug) (RegistrySlug, bool, error) {
	registries, err := r.Store().ListRegistries(ctx)
	if err != nil {
		return "", false, err
	}
	def := r.DefaultRegistrySlug()
	for _, reg := range registries {
		if reg.Slug == def {
			if _, ok := reg.Profiles[profile]; ok {
				return reg.Slug, true, nil
			}
		}
	}
	for _, reg := range registries {
		if _, ok := reg.Profiles[profile]; ok {
			return reg.Slug, true, nil
		}
	}
	return "", false, nil
}
