package turns

import (
	"encoding/json"

	"github.com/huandu/go-clone"
	"gopkg.in/yaml.v3"
)

// TurnDataKey is a typed string key for Turn.Data.
type TurnDataKey string

// TurnMetadataKey is a typed string key for Turn.Metadata.
type TurnMetadataKey string

// BlockMetadataKey is a typed string key for Block.Metadata.
type BlockMetadataKey string

func (k TurnDataKey) String() string      { return string(k) }
func (k TurnMetadataKey) String() string  { return string(k) }
func (k BlockMetadataKey) String() string { return string(k) }

// kv is the shared storage behind the opaque Data, Metadata and BlockMetadata wrappers.
type kv[K ~string] struct {
	m map[K]any
}

// IsZero lets yaml.v3 honour omitempty on wrappers without exported fields.
func (s kv[K]) IsZero() bool {
	return len(s.m) == 0
}

func (s kv[K]) Len() int {
	return len(s.m)
}

func (s kv[K]) Range(fn func(K, any) bool) {
	for k, v := range s.m {
		if !fn(k, v) {
			return
		}
	}
}

func (s kv[K]) lookup(k K) (any, bool) {
	if s.m == nil {
		return nil, false
	}
	v, ok := s.m[k]
	return v, ok
}

func (s *kv[K]) store(k K, v any) {
	if s.m == nil {
		s.m = make(map[K]any)
	}
	s.m[k] = v
}

func (s *kv[K]) Delete(k K) {
	if s.m == nil {
		return
	}
	delete(s.m, k)
	if len(s.m) == 0 {
		s.m = nil
	}
}

func (s kv[K]) cloned() kv[K] {
	if len(s.m) == 0 {
		return kv[K]{}
	}
	out := make(map[K]any, len(s.m))
	for k, v := range s.m {
		out[k] = clone.Clone(v)
	}
	return kv[K]{m: out}
}

func (s kv[K]) plain() map[string]any {
	if len(s.m) == 0 {
		return nil
	}
	out := make(map[string]any, len(s.m))
	for k, v := range s.m {
		out[string(k)] = v
	}
	return out
}

func (s *kv[K]) fromPlain(raw map[string]any) {
	if len(raw) == 0 {
		s.m = nil
		return
	}
	s.m = make(map[K]any, len(raw))
	for k, v := range raw {
		s.m[K(k)] = v
	}
}

func (s kv[K]) MarshalYAML() (interface{}, error) {
	return s.plain(), nil
}

func (s *kv[K]) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		s.m = nil
		return nil
	}
	var raw map[string]any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	s.fromPlain(raw)
	return nil
}

func (s kv[K]) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.plain())
}

func (s *kv[K]) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	s.fromPlain(raw)
	return nil
}

// Data is an opaque wrapper for Turn.Data. Access it through DataKey values.
type Data struct {
	kv[TurnDataKey]
}

// Clone returns a deep copy.
func (d Data) Clone() Data { return Data{d.cloned()} }

// Metadata is an opaque wrapper for Turn.Metadata. Access it through TurnMetaKey values.
type Metadata struct {
	kv[TurnMetadataKey]
}

// Clone returns a deep copy.
func (m Metadata) Clone() Metadata { return Metadata{m.cloned()} }

// BlockMetadata is an opaque wrapper for Block.Metadata. Access it through BlockMetaKey values.
type BlockMetadata struct {
	kv[BlockMetadataKey]
}

// Clone returns a deep copy.
func (bm BlockMetadata) Clone() BlockMetadata { return BlockMetadata{bm.cloned()} }
