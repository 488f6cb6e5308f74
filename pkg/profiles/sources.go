package profiles

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

type RegistrySourceKind string

const (
	RegistrySourceKindYAML      RegistrySourceKind = "yaml"
	RegistrySourceKindSQLite    RegistrySourceKind = "sqlite"
	RegistrySourceKindSQLiteDSN RegistrySourceKind = "sqlite-dsn"
)

// RegistrySourceSpec is a parsed source string such as "yaml:./profiles.yaml".
type RegistrySourceSpec struct {
	Raw      string
	Kind     RegistrySourceKind
	Location string
}

// ParseRegistrySourceSpec accepts yaml:<path>, sqlite:<path> and
// sqlite-dsn:<dsn>. A bare path is typed by its extension.
func ParseRegistrySourceSpec(raw string) (RegistrySourceSpec, error) {
	entry := strings.TrimSpace(raw)
	if entry == "" {
		return RegistrySourceSpec{}, &ValidationError{Field: "registry source", Reason: "must not be empty"}
	}
	for _, kind := range []RegistrySourceKind{RegistrySourceKindSQLiteDSN, RegistrySourceKindSQLite, RegistrySourceKindYAML} {
		if rest, ok := strings.CutPrefix(entry, string(kind)+":"); ok {
			rest = strings.TrimSpace(rest)
			if rest == "" {
				return RegistrySourceSpec{}, &ValidationError{Field: "registry source", Reason: string(kind) + " location is empty"}
			}
			return RegistrySourceSpec{Raw: entry, Kind: kind, Location: rest}, nil
		}
	}
	switch strings.ToLower(filepath.Ext(entry)) {
	case ".yaml", ".yml":
		return RegistrySourceSpec{Raw: entry, Kind: RegistrySourceKindYAML, Location: entry}, nil
	case ".db", ".sqlite", ".sqlite3":
		return RegistrySourceSpec{Raw: entry, Kind: RegistrySourceKindSQLite, Location: entry}, nil
	}
	return RegistrySourceSpec{}, &ValidationError{Field: "registry source", Reason: "cannot infer source type of " + entry}
}

// ParseRegistrySourceList splits a comma-separated list of source specs, as
// given on the command line or in config.
func ParseRegistrySourceList(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, &ValidationError{Field: "registry sources", Reason: errors.Errorf("entry %d is empty", i).Error()}
		}
		out = append(out, p)
	}
	return out, nil
}

// OpenRegistrySource opens the store behind spec and wraps it in a
// StoreRegistry whose default registry is the first one the store holds.
func OpenRegistrySource(ctx context.Context, spec RegistrySourceSpec) (*StoreRegistry, error) {
	var store ProfileStore
	switch spec.Kind {
	case RegistrySourceKindYAML:
		s, err := NewYAMLFileProfileStore(spec.Location)
		if err != nil {
			return nil, err
		}
		store = s
	case RegistrySourceKindSQLite:
		dsn, err := SQLiteProfileDSNForFile(spec.Location)
		if err != nil {
			return nil, err
		}
		s, err := NewSQLiteProfileStore(ctx, dsn)
		if err != nil {
			return nil, err
		}
		store = s
	case RegistrySourceKindSQLiteDSN:
		s, err := NewSQLiteProfileStore(ctx, spec.Location)
		if err != nil {
			return nil, err
		}
		store = s
	default:
		return nil, &ValidationError{Field: "registry source", Reason: "unknown kind " + string(spec.Kind)}
	}

	def := MustRegistrySlug("default")
	registries, err := store.ListRegistries(ctx)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if len(registries) > 0 {
		def = registries[0].Slug
		for _, reg := range registries {
			if reg.Slug == "default" {
				def = reg.Slug
			}
		}
	}
	return NewStoreRegistry(store, def)
}

// OpenRegistryStack opens every spec in order and pushes it, so the last spec
// is on top. On failure the sources opened so far are closed.
func OpenRegistryStack(ctx context.Context, specs ...string) (*RegistryStack, error) {
	stack := NewRegistryStack()
	for _, raw := range specs {
		spec, err := ParseRegistrySourceSpec(raw)
		if err != nil {
			_ = stack.Close()
			return nil, err
		}
		reg, err := OpenRegistrySource(ctx, spec)
		if err != nil {
			_ = stack.Close()
			return nil, errors.Wrapf(err, "open registry source %s", spec.Raw)
		}
		stack.Push(StackEntry{Label: spec.Raw, Registry: reg})
	}
	return stack, nil
}
