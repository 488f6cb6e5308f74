package profiles

import "context"

// RegistrySummary is the list view of a registry.
type RegistrySummary struct {
	Slug               RegistrySlug `json:"slug" yaml:"slug"`
	DisplayName        string       `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	DefaultProfileSlug ProfileSlug  `json:"default_profile_slug,omitempty" yaml:"default_profile_slug,omitempty"`
	ProfileCount       int          `json:"profile_count" yaml:"profile_count"`
	Source             string       `json:"source,omitempty" yaml:"source,omitempty"`
}

// ResolveInput selects a profile and carries request-time overrides.
// Zero slugs fall back to the default registry and its default profile.
type ResolveInput struct {
	RegistrySlug       RegistrySlug
	ProfileSlug        ProfileSlug
	RuntimeKeyFallback RuntimeKey
	RequestOverrides   map[string]any
}

// ResolvedProfile is the outcome of resolution. EffectiveRuntime is a copy;
// mutating it never affects the stored profile.
type ResolvedProfile struct {
	RegistrySlug       RegistrySlug   `json:"registry_slug" yaml:"registry_slug"`
	ProfileSlug        ProfileSlug    `json:"profile_slug" yaml:"profile_slug"`
	RuntimeKey         RuntimeKey     `json:"runtime_key" yaml:"runtime_key"`
	RuntimeFingerprint string         `json:"runtime_fingerprint" yaml:"runtime_fingerprint"`
	EffectiveRuntime   RuntimeSpec    `json:"effective_runtime" yaml:"effective_runtime"`
	Metadata           map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

type RegistryReader interface {
	ListRegistries(ctx context.Context) ([]RegistrySummary, error)
	GetRegistry(ctx context.Context, registrySlug RegistrySlug) (*ProfileRegistry, error)
	ListProfiles(ctx context.Context, registrySlug RegistrySlug) ([]*Profile, error)
	GetProfile(ctx context.Context, registrySlug RegistrySlug, profileSlug ProfileSlug) (*Profile, error)
	ResolveEffectiveProfile(ctx context.Context, in ResolveInput) (*ResolvedProfile, error)
}

type RegistryWriter interface {
	UpsertProfile(ctx context.Context, registrySlug RegistrySlug, profile *Profile, opts SaveOptions) (*Profile, error)
	DeleteProfile(ctx context.Context, registrySlug RegistrySlug, profileSlug ProfileSlug, opts SaveOptions) error
}

type Registry interface {
	RegistryReader
	RegistryWriter
}
