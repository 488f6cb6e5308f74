package profiles

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

var errStoreClosed = errors.New("profile store closed")

// InMemoryProfileStore keeps registries in a map guarded by a RWMutex. The
// SQLite and YAML stores use it as their working copy.
type InMemoryProfileStore struct {
	mu         sync.RWMutex
	registries map[RegistrySlug]*ProfileRegistry
	closed     bool
}

func NewInMemoryProfileStore() *InMemoryProfileStore {
	return &InMemoryProfileStore{registries: map[RegistrySlug]*ProfileRegistry{}}
}

func (s *InMemoryProfileStore) ListRegistries(_ context.Context) ([]*ProfileRegistry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed
	}
	out := make([]*ProfileRegistry, 0, len(s.registries))
	for _, reg := range s.registries {
		out = append(out, reg.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (s *InMemoryProfileStore) GetRegistry(_ context.Context, registrySlug RegistrySlug) (*ProfileRegistry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, errStoreClosed
	}
	reg, ok := s.registries[registrySlug]
	if !ok {
		return nil, false, nil
	}
	return reg.Clone(), true, nil
}

func (s *InMemoryProfileStore) ListProfiles(ctx context.Context, registrySlug RegistrySlug) ([]*Profile, error) {
	reg, ok, err := s.GetRegistry(ctx, registrySlug)
	if err != nil || !ok {
		return nil, err
	}
	return sortedProfiles(reg), nil
}

func (s *InMemoryProfileStore) GetProfile(ctx context.Context, registrySlug RegistrySlug, profileSlug ProfileSlug) (*Profile, bool, error) {
	reg, ok, err := s.GetRegistry(ctx, registrySlug)
	if err != nil || !ok {
		return nil, false, err
	}
	p, ok := reg.Profiles[profileSlug]
	if !ok || p == nil {
		return nil, false, nil
	}
	return p, true, nil
}

func (s *InMemoryProfileStore) UpsertRegistry(_ context.Context, registry *ProfileRegistry, opts SaveOptions) error {
	if err := ValidateRegistry(registry); err != nil {
		return err
	}
	next := registry.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	var current uint64
	if existing, ok := s.registries[next.Slug]; ok {
		current = existing.Metadata.Version
		next.Metadata = existing.Metadata
	}
	if err := checkVersion("registry", next.Slug.String(), opts.ExpectedVersion, current); err != nil {
		return err
	}
	touchRegistry(&next.Metadata, opts)
	s.registries[next.Slug] = next
	return nil
}

func (s *InMemoryProfileStore) DeleteRegistry(_ context.Context, registrySlug RegistrySlug, opts SaveOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	existing, ok := s.registries[registrySlug]
	if !ok {
		return nil
	}
	if err := checkVersion("registry", registrySlug.String(), opts.ExpectedVersion, existing.Metadata.Version); err != nil {
		return err
	}
	delete(s.registries, registrySlug)
	return nil
}

func (s *InMemoryProfileStore) UpsertProfile(_ context.Context, registrySlug RegistrySlug, profile *Profile, opts SaveOptions) error {
	if err := ValidateProfile(profile); err != nil {
		return err
	}
	next := profile.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	reg, ok := s.registries[registrySlug]
	if !ok {
		return errors.Wrapf(ErrRegistryNotFound, "registry %q", registrySlug)
	}
	var current uint64
	if existing, ok := reg.Profiles[next.Slug]; ok {
		current = existing.Metadata.Version
		next.Metadata = existing.Metadata
	}
	if err := checkVersion("profile", next.Slug.String(), opts.ExpectedVersion, current); err != nil {
		return err
	}
	touchProfile(&next.Metadata, opts)
	if reg.Profiles == nil {
		reg.Profiles = map[ProfileSlug]*Profile{}
	}
	reg.Profiles[next.Slug] = next
	if reg.DefaultProfileSlug.IsZero() {
		reg.DefaultProfileSlug = next.Slug
	}
	touchRegistry(&reg.Metadata, opts)
	return nil
}

func (s *InMemoryProfileStore) DeleteProfile(_ context.Context, registrySlug RegistrySlug, profileSlug ProfileSlug, opts SaveOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	reg, ok := s.registries[registrySlug]
	if !ok {
		return errors.Wrapf(ErrRegistryNotFound, "registry %q", registrySlug)
	}
	existing, ok := reg.Profiles[profileSlug]
	if !ok {
		return nil
	}
	if err := checkVersion("profile", profileSlug.String(), opts.ExpectedVersion, existing.Metadata.Version); err != nil {
		return err
	}
	delete(reg.Profiles, profileSlug)
	if reg.DefaultProfileSlug == profileSlug {
		reg.DefaultProfileSlug = ""
		if remaining := sortedProfiles(reg); len(remaining) > 0 {
			reg.DefaultProfileSlug = remaining[0].Slug
		}
	}
	touchRegistry(&reg.Metadata, opts)
	return nil
}

func (s *InMemoryProfileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// replaceAll swaps the store contents; used by loaders that read a whole
// source at once.
func (s *InMemoryProfileStore) replaceAll(registries []*ProfileRegistry) {
	next := make(map[RegistrySlug]*ProfileRegistry, len(registries))
	for _, reg := range registries {
		next[reg.Slug] = reg.Clone()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registries = next
}

func sortedProfiles(reg *ProfileRegistry) []*Profile {
	out := make([]*Profile, 0, len(reg.Profiles))
	for _, p := range reg.Profiles {
		if p != nil {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

var _ ProfileStore = (*InMemoryProfileStore)(nil)
