package serde

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/turnkit/pkg/turns"
)

// Options controls serialization behavior.
type Options struct {
	// OmitData omits Turn.Data on write
	OmitData bool
}

// ToYAML marshals a normalized copy of t. The caller's turn is left untouched.
func ToYAML(t *turns.Turn, opt Options) ([]byte, error) {
	if t == nil {
		return []byte("{}\n"), nil
	}
	snapshot := t.Clone()
	if opt.OmitData {
		snapshot.Data = turns.Data{}
	}
	turns.Normalize(snapshot)
	return yaml.Marshal(snapshot)
}

// FromYAML unmarshals and normalizes a Turn.
func FromYAML(b []byte) (*turns.Turn, error) {
	var t turns.Turn
	if err := yaml.Unmarshal(b, &t); err != nil {
		return nil, errors.Wrap(err, "decode turn yaml")
	}
	return turns.Normalize(&t), nil
}

// SaveTurnYAML writes a Turn to a YAML file.
func SaveTurnYAML(path string, t *turns.Turn, opt Options) error {
	data, err := ToYAML(t, opt)
	if err != nil {
		return err
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "write %s", path)
}

// LoadTurnYAML reads a Turn from a YAML file.
func LoadTurnYAML(path string) (*turns.Turn, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return FromYAML(b)
}
