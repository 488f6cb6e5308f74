// Package middlewarecfg builds middleware chains from the declarative
// middleware uses carried by profile runtimes.
package middlewarecfg

import (
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/turnkit/pkg/inference/middleware"
)

// BuildDeps carries application-owned dependencies a definition may need.
type BuildDeps struct {
	Logger  zerolog.Logger
	Metrics *middleware.Metrics
	Values  map[string]any
}

// Get retrieves a named dependency.
func (d BuildDeps) Get(key string) (any, bool) {
	if len(d.Values) == 0 {
		return nil, false
	}
	v, ok := d.Values[key]
	return v, ok
}

// BuildFunc builds a middleware from its config map.
type BuildFunc func(deps BuildDeps, cfg map[string]any) (middleware.Middleware, error)

// Definition describes a middleware that can be referenced by name from a profile.
type Definition struct {
	Name        string
	Description string
	Build       BuildFunc
}

// DecodeConfig decodes a raw config map into out, rejecting unknown keys.
func DecodeConfig(cfg map[string]any, out any) error {
	if len(cfg) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
		Result:           out,
	})
	if err != nil {
		return errors.Wrap(err, "create config decoder")
	}
	return dec.Decode(cfg)
}
