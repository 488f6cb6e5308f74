package profiles

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

var _ Registry = (*StoreRegistry)(nil)

// StoreRegistry implements Registry on top of a ProfileStore.
type StoreRegistry struct {
	store               ProfileStore
	defaultRegistrySlug RegistrySlug
}

// NewStoreRegistry wraps store. A zero defaultRegistrySlug means "default".
func NewStoreRegistry(store ProfileStore, defaultRegistrySlug RegistrySlug) (*StoreRegistry, error) {
	if store == nil {
		return nil, &ValidationError{Field: "store", Reason: "must not be nil"}
	}
	if defaultRegistrySlug.IsZero() {
		defaultRegistrySlug = MustRegistrySlug("default")
	}
	return &StoreRegistry{store: store, defaultRegistrySlug: defaultRegistrySlug}, nil
}

func (r *StoreRegistry) Store() ProfileStore { return r.store }

func (r *StoreRegistry) DefaultRegistrySlug() RegistrySlug { return r.defaultRegistrySlug }

func (r *StoreRegistry) Close() error { return r.store.Close() }

func (r *StoreRegistry) ListRegistries(ctx context.Context) ([]RegistrySummary, error) {
	registries, err := r.store.ListRegistries(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]RegistrySummary, 0, len(registries))
	for _, reg := range registries {
		out = append(out, RegistrySummary{
			Slug:               reg.Slug,
			DisplayName:        reg.DisplayName,
			DefaultProfileSlug: reg.DefaultProfileSlug,
			ProfileCount:       len(reg.Profiles),
			Source:             reg.Metadata.Source,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (r *StoreRegistry) GetRegistry(ctx context.Context, registrySlug RegistrySlug) (*ProfileRegistry, error) {
	slug := r.registrySlugOrDefault(registrySlug)
	reg, ok, err := r.store.GetRegistry(ctx, slug)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(ErrRegistryNotFound, "registry %q", slug)
	}
	return reg, nil
}

// HasRegistry reports whether the store holds registrySlug.
func (r *StoreRegistry) HasRegistry(ctx context.Context, registrySlug RegistrySlug) (bool, error) {
	_, ok, err := r.store.GetRegistry(ctx, r.registrySlugOrDefault(registrySlug))
	return ok, err
}

func (r *StoreRegistry) ListProfiles(ctx context.Context, registrySlug RegistrySlug) ([]*Profile, error) {
	reg, err := r.GetRegistry(ctx, registrySlug)
	if err != nil {
		return nil, err
	}
	return sortedProfiles(reg), nil
}

func (r *StoreRegistry) GetProfile(ctx context.Context, registrySlug RegistrySlug, profileSlug ProfileSlug) (*Profile, error) {
	reg, err := r.GetRegistry(ctx, registrySlug)
	if err != nil {
		return nil, err
	}
	p, ok := reg.Profiles[profileSlug]
	if !ok || p == nil {
		return nil, errors.Wrapf(ErrProfileNotFound, "profile %q in registry %q", profileSlug, reg.Slug)
	}
	return p.Clone(), nil
}

// UpsertProfile stores profile unless the stored version is read-only.
func (r *StoreRegistry) UpsertProfile(ctx context.Context, registrySlug RegistrySlug, profile *Profile, opts SaveOptions) (*Profile, error) {
	if err := ValidateProfile(profile); err != nil {
		return nil, err
	}
	slug := r.registrySlugOrDefault(registrySlug)
	if current, err := r.GetProfile(ctx, slug, profile.Slug); err == nil && current.Policy.ReadOnly {
		return nil, &PolicyViolationError{ProfileSlug: profile.Slug, Reason: "profile is read-only"}
	}
	if err := r.store.UpsertProfile(ctx, slug, profile, opts); err != nil {
		return nil, err
	}
	return r.GetProfile(ctx, slug, profile.Slug)
}

func (r *StoreRegistry) DeleteProfile(ctx context.Context, registrySlug RegistrySlug, profileSlug ProfileSlug, opts SaveOptions) error {
	slug := r.registrySlugOrDefault(registrySlug)
	current, err := r.GetProfile(ctx, slug, profileSlug)
	if err != nil {
		return err
	}
	if current.Policy.ReadOnly {
		return &PolicyViolationError{ProfileSlug: profileSlug, Reason: "profile is read-only"}
	}
	return r.store.DeleteProfile(ctx, slug, profileSlug, opts)
}

// ResolveEffectiveProfile picks the profile named by in (or the registry
// default), applies the request overrides its policy allows and fingerprints
// the result. A denied override fails the whole resolution.
func (r *StoreRegistry) ResolveEffectiveProfile(ctx context.Context, in ResolveInput) (*ResolvedProfile, error) {
	reg, err := r.GetRegistry(ctx, in.RegistrySlug)
	if err != nil {
		return nil, err
	}
	profileSlug := in.ProfileSlug
	if profileSlug.IsZero() {
		profileSlug = reg.DefaultProfileSlug
	}
	if profileSlug.IsZero() {
		return nil, &ValidationError{Field: "profile.slug", Reason: "not given and registry has no default"}
	}
	p, ok := reg.Profiles[profileSlug]
	if !ok || p == nil {
		return nil, errors.Wrapf(ErrProfileNotFound, "profile %q in registry %q", profileSlug, reg.Slug)
	}

	effective, err := applyOverrides(p, in.RequestOverrides)
	if err != nil {
		return nil, err
	}

	runtimeKey := in.RuntimeKeyFallback
	if runtimeKey.IsZero() {
		runtimeKey = RuntimeKey(profileSlug)
	}

	fingerprint, err := RuntimeFingerprint(reg.Slug, profileSlug, effective)
	if err != nil {
		return nil, err
	}

	return &ResolvedProfile{
		RegistrySlug:       reg.Slug,
		ProfileSlug:        profileSlug,
		RuntimeKey:         runtimeKey,
		RuntimeFingerprint: fingerprint,
		EffectiveRuntime:   effective,
		Metadata: map[string]any{
			"profile.registry": reg.Slug.String(),
			"profile.slug":     profileSlug.String(),
			"profile.version":  p.Metadata.Version,
			"profile.source":   firstNonEmpty(p.Metadata.Source, reg.Metadata.Source),
		},
	}, nil
}

func (r *StoreRegistry) registrySlugOrDefault(slug RegistrySlug) RegistrySlug {
	if slug.IsZero() {
		return r.defaultRegistrySlug
	}
	return slug
}

// runtimePatch is what request overrides decode into. Nil fields are left
// untouched on the base runtime.
type runtimePatch struct {
	EngineName   *string          `mapstructure:"engine_name"`
	EngineConfig map[string]any   `mapstructure:"engine_config"`
	SystemPrompt *string          `mapstructure:"system_prompt"`
	Middlewares  *[]MiddlewareUse `mapstructure:"middlewares"`
	Tools        *[]string        `mapstructure:"tools"`
}

func applyOverrides(p *Profile, overrides map[string]any) (RuntimeSpec, error) {
	base := p.Runtime.Clone()
	if len(overrides) == 0 {
		return base, nil
	}

	policy := p.Policy.EffectiveOverrides()
	canonical := make(map[string]any, len(overrides))
	for raw, v := range overrides {
		key := CanonicalOverrideKey(raw)
		if key == "" {
			return RuntimeSpec{}, &ValidationError{Field: "request_overrides", Reason: "keys must not be empty"}
		}
		if !policy.Allows(string(key)) {
			return RuntimeSpec{}, &PolicyViolationError{
				ProfileSlug: p.Slug,
				Key:         key,
				Reason:      "override not allowed",
			}
		}
		canonical[string(key)] = v
	}

	var patch runtimePatch
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &patch,
		TagName:     "mapstructure",
		ErrorUnused: true,
	})
	if err != nil {
		return RuntimeSpec{}, err
	}
	if err := dec.Decode(canonical); err != nil {
		return RuntimeSpec{}, &ValidationError{Field: "request_overrides", Reason: err.Error()}
	}

	if patch.EngineName != nil {
		base.EngineName = *patch.EngineName
	}
	if patch.EngineConfig != nil {
		if base.EngineConfig == nil {
			base.EngineConfig = map[string]any{}
		}
		for k, v := range patch.EngineConfig {
			base.EngineConfig[k] = v
		}
	}
	if patch.SystemPrompt != nil {
		base.SystemPrompt = *patch.SystemPrompt
	}
	if patch.Middlewares != nil {
		base.Middlewares = *patch.Middlewares
	}
	if patch.Tools != nil {
		base.Tools = *patch.Tools
	}
	if err := ValidateRuntimeSpec(base); err != nil {
		return RuntimeSpec{}, err
	}
	return base, nil
}

// RuntimeFingerprint hashes the canonical JSON of the resolved runtime. Equal
// inputs always give equal fingerprints; map keys are sorted by encoding/json.
func RuntimeFingerprint(registry RegistrySlug, profile ProfileSlug, runtime RuntimeSpec) (string, error) {
	payload := struct {
		Registry RegistrySlug `json:"registry"`
		Profile  ProfileSlug  `json:"profile"`
		Runtime  RuntimeSpec  `json:"runtime"`
	}{registry, profile, runtime}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "fingerprint runtime")
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
