package profiles

import (
	"context"
	"time"
)

// SaveOptions carries optimistic locking and provenance for a write.
// ExpectedVersion 0 skips the version check.
type SaveOptions struct {
	ExpectedVersion uint64
	Actor           string
	Source          string
}

type ProfileStoreReader interface {
	ListRegistries(ctx context.Context) ([]*ProfileRegistry, error)
	GetRegistry(ctx context.Context, registrySlug RegistrySlug) (*ProfileRegistry, bool, error)
	ListProfiles(ctx context.Context, registrySlug RegistrySlug) ([]*Profile, error)
	GetProfile(ctx context.Context, registrySlug RegistrySlug, profileSlug ProfileSlug) (*Profile, bool, error)
}

type ProfileStoreWriter interface {
	UpsertRegistry(ctx context.Context, registry *ProfileRegistry, opts SaveOptions) error
	DeleteRegistry(ctx context.Context, registrySlug RegistrySlug, opts SaveOptions) error
	UpsertProfile(ctx context.Context, registrySlug RegistrySlug, profile *Profile, opts SaveOptions) error
	DeleteProfile(ctx context.Context, registrySlug RegistrySlug, profileSlug ProfileSlug, opts SaveOptions) error
	Close() error
}

// ProfileStore persists profile registries. Implementations return clones so
// callers can never mutate stored state.
type ProfileStore interface {
	ProfileStoreReader
	ProfileStoreWriter
}

func checkVersion(resource, slug string, expected, actual uint64) error {
	if expected == 0 || expected == actual {
		return nil
	}
	return &VersionConflictError{Resource: resource, Slug: slug, Expected: expected, Actual: actual}
}

func touchRegistry(meta *RegistryMetadata, opts SaveOptions) {
	now := time.Now().UnixMilli()
	if meta.CreatedAtMs == 0 {
		meta.CreatedAtMs = now
	}
	if opts.Source != "" {
		meta.Source = opts.Source
	}
	if opts.Actor != "" {
		meta.UpdatedBy = opts.Actor
	}
	meta.UpdatedAtMs = now
	meta.Version++
}

func touchProfile(meta *ProfileMetadata, opts SaveOptions) {
	now := time.Now().UnixMilli()
	if meta.CreatedAtMs == 0 {
		meta.CreatedAtMs = now
		meta.CreatedBy = opts.Actor
	}
	if opts.Source != "" {
		meta.Source = opts.Source
	}
	if opts.Actor != "" {
		meta.UpdatedBy = opts.Actor
	}
	meta.UpdatedAtMs = now
	meta.Version++
}
