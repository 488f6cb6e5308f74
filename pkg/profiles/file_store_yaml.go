package profiles

import (
	"context"
	"os"

	"github.com/pkg/errors"
)

// YAMLFileProfileStore serves the single registry stored in a YAML file.
// It is read-only: every write returns ErrReadOnlyStore.
type YAMLFileProfileStore struct {
	*InMemoryProfileStore
	path string
}

func NewYAMLFileProfileStore(path string) (*YAMLFileProfileStore, error) {
	if path == "" {
		return nil, &ValidationError{Field: "yaml.path", Reason: "must not be empty"}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read profile registry %s", path)
	}
	reg, err := DecodeYAMLRegistry(data)
	if err != nil {
		return nil, errors.Wrapf(err, "load profile registry %s", path)
	}
	s := &YAMLFileProfileStore{InMemoryProfileStore: NewInMemoryProfileStore(), path: path}
	if reg != nil {
		reg.Metadata.Source = "yaml:" + path
		reg.Metadata.Version = 1
		s.replaceAll([]*ProfileRegistry{reg})
	}
	return s, nil
}

func (s *YAMLFileProfileStore) Path() string { return s.path }

func (s *YAMLFileProfileStore) UpsertRegistry(context.Context, *ProfileRegistry, SaveOptions) error {
	return s.readOnly()
}

func (s *YAMLFileProfileStore) DeleteRegistry(context.Context, RegistrySlug, SaveOptions) error {
	return s.readOnly()
}

func (s *YAMLFileProfileStore) UpsertProfile(context.Context, RegistrySlug, *Profile, SaveOptions) error {
	return s.readOnly()
}

func (s *YAMLFileProfileStore) DeleteProfile(context.Context, RegistrySlug, ProfileSlug, SaveOptions) error {
	return s.readOnly()
}

func (s *YAMLFileProfileStore) readOnly() error {
	return errors.Wrapf(ErrReadOnlyStore, "yaml store %s", s.path)
}

var _ ProfileStore = (*YAMLFileProfileStore)(nil)
