package profiles

import (
	"sort"
	"strings"
	"unicode"
)

// OverrideKey names a RuntimeSpec field a request may try to override.
type OverrideKey string

const (
	OverrideKeySystemPrompt OverrideKey = "system_prompt"
	OverrideKeyTools        OverrideKey = "tools"
	OverrideKeyEngineName   OverrideKey = "engine_name"
	OverrideKeyEngineConfig OverrideKey = "engine_config"
	OverrideKeyMiddlewares  OverrideKey = "middlewares"
)

type PolicyDecision string

const (
	PolicyAllowed PolicyDecision = "allowed"
	PolicyDenied  PolicyDecision = "denied"
)

// OverridePolicy maps override keys to decisions. Keys missing from the table
// are denied.
type OverridePolicy map[OverrideKey]PolicyDecision

// DefaultOverridePolicy allows prompt and tool overrides and denies the rest.
func DefaultOverridePolicy() OverridePolicy {
	return OverridePolicy{
		OverrideKeySystemPrompt: PolicyAllowed,
		OverrideKeyTools:        PolicyAllowed,
		OverrideKeyEngineName:   PolicyDenied,
		OverrideKeyEngineConfig: PolicyDenied,
		OverrideKeyMiddlewares:  PolicyDenied,
	}
}

// Decide returns the decision for key after canonicalisation.
func (p OverridePolicy) Decide(key string) PolicyDecision {
	canonical := CanonicalOverrideKey(key)
	for k, d := range p {
		if CanonicalOverrideKey(string(k)) == canonical {
			return d
		}
	}
	return PolicyDenied
}

// Allows reports whether key may be overridden.
func (p OverridePolicy) Allows(key string) bool {
	return p.Decide(key) == PolicyAllowed
}

// Keys returns the canonical keys in the table, sorted.
func (p OverridePolicy) Keys() []OverrideKey {
	ret := make([]OverrideKey, 0, len(p))
	for k := range p {
		ret = append(ret, OverrideKey(CanonicalOverrideKey(string(k))))
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

// CanonicalOverrideKey lowercases key and turns camelCase and dashes into
// snake_case, so systemPrompt, system-prompt and system_prompt are one key.
func CanonicalOverrideKey(key string) OverrideKey {
	trimmed := strings.TrimSpace(key)
	var b strings.Builder
	b.Grow(len(trimmed) + 4)
	var prev rune
	for _, r := range trimmed {
		switch {
		case r == '-' || r == ' ':
			b.WriteByte('_')
		case unicode.IsUpper(r):
			if unicode.IsLower(prev) || unicode.IsDigit(prev) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
		prev = r
	}
	return OverrideKey(strings.ReplaceAll(b.String(), "__", "_"))
}

func (d PolicyDecision) valid() bool {
	return d == PolicyAllowed || d == PolicyDenied
}
