package profiles

import (
	"fmt"
	"strings"
)

func ValidateRegistrySlug(slug RegistrySlug) error {
	if slug.IsZero() {
		return &ValidationError{Field: "registry.slug", Reason: "must not be empty"}
	}
	if _, err := ParseRegistrySlug(slug.String()); err != nil {
		return &ValidationError{Field: "registry.slug", Reason: err.Error()}
	}
	return nil
}

func ValidateProfileSlug(slug ProfileSlug) error {
	if slug.IsZero() {
		return &ValidationError{Field: "profile.slug", Reason: "must not be empty"}
	}
	if _, err := ParseProfileSlug(slug.String()); err != nil {
		return &ValidationError{Field: "profile.slug", Reason: err.Error()}
	}
	return nil
}

func ValidateRuntimeSpec(spec RuntimeSpec) error {
	seenIDs := map[string]int{}
	for i, mw := range spec.Middlewares {
		if strings.TrimSpace(mw.Name) == "" {
			return &ValidationError{Field: fmt.Sprintf("runtime.middlewares[%d].name", i), Reason: "must not be empty"}
		}
		id := strings.TrimSpace(mw.ID)
		if id == "" {
			continue
		}
		if first, ok := seenIDs[id]; ok {
			return &ValidationError{
				Field:  fmt.Sprintf("runtime.middlewares[%d].id", i),
				Reason: fmt.Sprintf("duplicate id %q (first used at index %d)", id, first),
			}
		}
		seenIDs[id] = i
	}
	for i, tool := range spec.Tools {
		if strings.TrimSpace(tool) == "" {
			return &ValidationError{Field: fmt.Sprintf("runtime.tools[%d]", i), Reason: "must not be empty"}
		}
	}
	return nil
}

func ValidatePolicySpec(policy PolicySpec) error {
	seen := map[OverrideKey]OverrideKey{}
	for key, decision := range policy.Overrides {
		canonical := CanonicalOverrideKey(string(key))
		if canonical == "" {
			return &ValidationError{Field: "policy.overrides", Reason: "keys must not be empty"}
		}
		if !decision.valid() {
			return &ValidationError{
				Field:  fmt.Sprintf("policy.overrides[%s]", key),
				Reason: fmt.Sprintf("decision %q must be %q or %q", decision, PolicyAllowed, PolicyDenied),
			}
		}
		if other, ok := seen[canonical]; ok {
			return &ValidationError{
				Field:  fmt.Sprintf("policy.overrides[%s]", key),
				Reason: fmt.Sprintf("same key as %q", other),
			}
		}
		seen[canonical] = key
	}
	return nil
}

func ValidateProfile(profile *Profile) error {
	if profile == nil {
		return &ValidationError{Field: "profile", Reason: "must not be nil"}
	}
	if err := ValidateProfileSlug(profile.Slug); err != nil {
		return err
	}
	if err := ValidateRuntimeSpec(profile.Runtime); err != nil {
		return err
	}
	return ValidatePolicySpec(profile.Policy)
}

func ValidateRegistry(registry *ProfileRegistry) error {
	if registry == nil {
		return &ValidationError{Field: "registry", Reason: "must not be nil"}
	}
	if err := ValidateRegistrySlug(registry.Slug); err != nil {
		return err
	}
	if len(registry.Profiles) > 0 && registry.DefaultProfileSlug.IsZero() {
		return &ValidationError{Field: "registry.default_profile_slug", Reason: "must be set when profiles are present"}
	}
	for slug, profile := range registry.Profiles {
		if profile == nil {
			return &ValidationError{Field: fmt.Sprintf("registry.profiles[%s]", slug), Reason: "must not be nil"}
		}
		if err := ValidateProfile(profile); err != nil {
			return err
		}
		if profile.Slug != slug {
			return &ValidationError{Field: fmt.Sprintf("registry.profiles[%s].slug", slug), Reason: "must match its map key"}
		}
	}
	if !registry.DefaultProfileSlug.IsZero() {
		if _, ok := registry.Profiles[registry.DefaultProfileSlug]; !ok {
			return &ValidationError{
				Field:  "registry.default_profile_slug",
				Reason: fmt.Sprintf("profile %q does not exist", registry.DefaultProfileSlug),
			}
		}
	}
	return nil
}
