package profiles

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// RegistrySlug names a profile registry.
type RegistrySlug string

// ProfileSlug names a profile inside a registry.
type ProfileSlug string

// RuntimeKey identifies a resolved runtime. It defaults to the profile slug.
type RuntimeKey string

func ParseRegistrySlug(raw string) (RegistrySlug, error) {
	s, err := parseSlug("registry slug", raw)
	return RegistrySlug(s), err
}

func ParseProfileSlug(raw string) (ProfileSlug, error) {
	s, err := parseSlug("profile slug", raw)
	return ProfileSlug(s), err
}

func ParseRuntimeKey(raw string) (RuntimeKey, error) {
	s, err := parseSlug("runtime key", raw)
	return RuntimeKey(s), err
}

func MustRegistrySlug(raw string) RegistrySlug { return must(ParseRegistrySlug(raw)) }

func MustProfileSlug(raw string) ProfileSlug { return must(ParseProfileSlug(raw)) }

func MustRuntimeKey(raw string) RuntimeKey { return must(ParseRuntimeKey(raw)) }

func (s RegistrySlug) String() string { return string(s) }
func (s ProfileSlug) String() string  { return string(s) }
func (s RuntimeKey) String() string   { return string(s) }

func (s RegistrySlug) IsZero() bool { return strings.TrimSpace(string(s)) == "" }
func (s ProfileSlug) IsZero() bool  { return strings.TrimSpace(string(s)) == "" }
func (s RuntimeKey) IsZero() bool   { return strings.TrimSpace(string(s)) == "" }

// Text (un)marshalling validates slugs on the way in and out. JSON, YAML and
// map keys all go through these.

func (s RegistrySlug) MarshalText() ([]byte, error) { return marshalSlug("registry slug", string(s)) }
func (s ProfileSlug) MarshalText() ([]byte, error)  { return marshalSlug("profile slug", string(s)) }
func (s RuntimeKey) MarshalText() ([]byte, error)   { return marshalSlug("runtime key", string(s)) }

func (s *RegistrySlug) UnmarshalText(text []byte) error {
	return unmarshalSlug(text, ParseRegistrySlug, s)
}

func (s *ProfileSlug) UnmarshalText(text []byte) error {
	return unmarshalSlug(text, ParseProfileSlug, s)
}

func (s *RuntimeKey) UnmarshalText(text []byte) error {
	return unmarshalSlug(text, ParseRuntimeKey, s)
}

func parseSlug(label, raw string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return "", &ValidationError{Field: label, Reason: "must not be empty"}
	}
	if !slugPattern.MatchString(normalized) {
		return "", &ValidationError{Field: label, Reason: errors.Errorf("%q is not a valid slug", raw).Error()}
	}
	return normalized, nil
}

func marshalSlug(label, s string) ([]byte, error) {
	if strings.TrimSpace(s) == "" {
		return []byte{}, nil
	}
	normalized, err := parseSlug(label, s)
	if err != nil {
		return nil, err
	}
	return []byte(normalized), nil
}

func unmarshalSlug[T ~string](text []byte, parse func(string) (T, error), out *T) error {
	if strings.TrimSpace(string(text)) == "" {
		*out = ""
		return nil
	}
	parsed, err := parse(string(text))
	if err != nil {
		return err
	}
	*out = parsed
	return nil
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
