package profiles

import (
	"strings"

	"github.com/huandu/go-clone"
)

// MiddlewareUse names a middleware definition and the config to build it with.
type MiddlewareUse struct {
	Name    string         `json:"name" yaml:"name" mapstructure:"name"`
	ID      string         `json:"id,omitempty" yaml:"id,omitempty" mapstructure:"id"`
	Enabled *bool          `json:"enabled,omitempty" yaml:"enabled,omitempty" mapstructure:"enabled"`
	Config  map[string]any `json:"config,omitempty" yaml:"config,omitempty" mapstructure:"config"`
}

// IsEnabled reports whether the use is active. A nil Enabled means enabled.
func (u MiddlewareUse) IsEnabled() bool {
	return u.Enabled == nil || *u.Enabled
}

// RuntimeSpec is the runtime a profile contributes to a session.
type RuntimeSpec struct {
	EngineName   string          `json:"engine_name,omitempty" yaml:"engine_name,omitempty" mapstructure:"engine_name"`
	EngineConfig map[string]any  `json:"engine_config,omitempty" yaml:"engine_config,omitempty" mapstructure:"engine_config"`
	SystemPrompt string          `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty" mapstructure:"system_prompt"`
	Middlewares  []MiddlewareUse `json:"middlewares,omitempty" yaml:"middlewares,omitempty" mapstructure:"middlewares"`
	Tools        []string        `json:"tools,omitempty" yaml:"tools,omitempty" mapstructure:"tools"`
}

func (r RuntimeSpec) Clone() RuntimeSpec {
	return clone.Clone(r).(RuntimeSpec)
}

// PolicySpec controls mutability and request overrides for a profile.
// A nil Overrides table means DefaultOverridePolicy.
type PolicySpec struct {
	Overrides OverridePolicy `json:"overrides,omitempty" yaml:"overrides,omitempty"`
	ReadOnly  bool           `json:"read_only,omitempty" yaml:"read_only,omitempty"`
}

// EffectiveOverrides returns the table used to check request overrides.
func (p PolicySpec) EffectiveOverrides() OverridePolicy {
	if p.Overrides == nil {
		return DefaultOverridePolicy()
	}
	return p.Overrides
}

type ProfileMetadata struct {
	Source      string   `json:"source,omitempty" yaml:"source,omitempty"`
	Version     uint64   `json:"version,omitempty" yaml:"version,omitempty"`
	CreatedAtMs int64    `json:"created_at_ms,omitempty" yaml:"created_at_ms,omitempty"`
	UpdatedAtMs int64    `json:"updated_at_ms,omitempty" yaml:"updated_at_ms,omitempty"`
	CreatedBy   string   `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	UpdatedBy   string   `json:"updated_by,omitempty" yaml:"updated_by,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

type RegistryMetadata struct {
	Source      string `json:"source,omitempty" yaml:"source,omitempty"`
	Version     uint64 `json:"version,omitempty" yaml:"version,omitempty"`
	CreatedAtMs int64  `json:"created_at_ms,omitempty" yaml:"created_at_ms,omitempty"`
	UpdatedAtMs int64  `json:"updated_at_ms,omitempty" yaml:"updated_at_ms,omitempty"`
	UpdatedBy   string `json:"updated_by,omitempty" yaml:"updated_by,omitempty"`
}

// Profile is a named runtime preset.
type Profile struct {
	Slug        ProfileSlug     `json:"slug" yaml:"slug"`
	DisplayName string          `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Runtime     RuntimeSpec     `json:"runtime,omitempty" yaml:"runtime,omitempty"`
	Policy      PolicySpec      `json:"policy,omitempty" yaml:"policy,omitempty"`
	Metadata    ProfileMetadata `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// ProfileRegistry groups profiles under a slug and names a default.
type ProfileRegistry struct {
	Slug               RegistrySlug             `json:"slug" yaml:"slug"`
	DisplayName        string                   `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	DefaultProfileSlug ProfileSlug              `json:"default_profile_slug,omitempty" yaml:"default_profile_slug,omitempty"`
	Profiles           map[ProfileSlug]*Profile `json:"profiles,omitempty" yaml:"profiles,omitempty"`
	Metadata           RegistryMetadata         `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	ret := clone.Clone(p).(*Profile)
	for i := range ret.Runtime.Middlewares {
		ret.Runtime.Middlewares[i].Name = strings.TrimSpace(ret.Runtime.Middlewares[i].Name)
		ret.Runtime.Middlewares[i].ID = strings.TrimSpace(ret.Runtime.Middlewares[i].ID)
	}
	return ret
}

func (r *ProfileRegistry) Clone() *ProfileRegistry {
	if r == nil {
		return nil
	}
	ret := *r
	ret.Profiles = make(map[ProfileSlug]*Profile, len(r.Profiles))
	for slug, p := range r.Profiles {
		ret.Profiles[slug] = p.Clone()
	}
	return &ret
}
