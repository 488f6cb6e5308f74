package profiles

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DecodeYAMLRegistry decodes one registry per YAML document:
//
//	slug: default
//	default_profile_slug: assistant
//	profiles:
//	  assistant:
//	    runtime:
//	      system_prompt: You are helpful.
//
// Profile slugs default to their map key. An empty document yields nil.
func DecodeYAMLRegistry(data []byte) (*ProfileRegistry, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	reg := &ProfileRegistry{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(reg); err != nil {
		return nil, errors.Wrap(err, "decode registry yaml")
	}
	if reg.Profiles == nil {
		reg.Profiles = map[ProfileSlug]*Profile{}
	}
	for slug, p := range reg.Profiles {
		if p == nil {
			p = &Profile{}
			reg.Profiles[slug] = p
		}
		if p.Slug.IsZero() {
			p.Slug = slug
		}
	}
	if reg.DefaultProfileSlug.IsZero() && len(reg.Profiles) == 1 {
		for slug := range reg.Profiles {
			reg.DefaultProfileSlug = slug
		}
	}
	if err := ValidateRegistry(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func EncodeYAMLRegistry(reg *ProfileRegistry) ([]byte, error) {
	if reg == nil {
		return nil, errors.New("registry is nil")
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(reg); err != nil {
		return nil, errors.Wrap(err, "encode registry yaml")
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return []byte(strings.TrimLeft(buf.String(), "\n")), nil
}
