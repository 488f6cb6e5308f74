package turns

import (
	"encoding/json"

	pkgerrors "github.com/pkg/errors"
)

// Standard keys used in Block.Payload maps
const (
	PayloadKeyText   = "text"
	PayloadKeyID     = "id"
	PayloadKeyName   = "name"
	PayloadKeyArgs   = "args"
	PayloadKeyResult = "result"
	PayloadKeyError  = "error"
)

// DataKey is a typed key used to access Turn.Data.
//
// The underlying id is a canonical key identity of the form "namespace.value@vN".
type DataKey[T any] struct {
	id TurnDataKey
}

// TurnMetaKey is a typed key used to access Turn.Metadata.
type TurnMetaKey[T any] struct {
	id TurnMetadataKey
}

// BlockMetaKey is a typed key used to access Block.Metadata.
type BlockMetaKey[T any] struct {
	id BlockMetadataKey
}

// DataK constructs a typed key for Turn.Data.
func DataK[T any](namespace, value string, version uint16) DataKey[T] {
	return DataKey[T]{id: TurnDataKey(NewKeyString(namespace, value, version))}
}

// TurnMetaK constructs a typed key for Turn.Metadata.
func TurnMetaK[T any](namespace, value string, version uint16) TurnMetaKey[T] {
	return TurnMetaKey[T]{id: TurnMetadataKey(NewKeyString(namespace, value, version))}
}

// BlockMetaK constructs a typed key for Block.Metadata.
func BlockMetaK[T any](namespace, value string, version uint16) BlockMetaKey[T] {
	return BlockMetaKey[T]{id: BlockMetadataKey(NewKeyString(namespace, value, version))}
}

func (k DataKey[T]) String() string      { return string(k.id) }
func (k TurnMetaKey[T]) String() string  { return string(k.id) }
func (k BlockMetaKey[T]) String() string { return string(k.id) }

// decodeAs returns raw as T, falling back to a JSON round trip for values that
// came back from YAML or JSON as generic maps and numbers.
func decodeAs[T any](where string, raw any) (T, error) {
	var zero T
	if typed, ok := raw.(T); ok {
		return typed, nil
	}
	if raw == nil {
		return zero, pkgerrors.Errorf("%s: cannot decode <nil> into %T", where, zero)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return zero, pkgerrors.Wrapf(err, "%s: json marshal %T", where, raw)
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		return zero, pkgerrors.Wrapf(err, "%s: decode %T into %T", where, raw, zero)
	}
	return *out, nil
}

func getTyped[T any, K ~string](where string, s kv[K], id K) (T, bool, error) {
	var zero T
	raw, ok := s.lookup(id)
	if !ok {
		return zero, false, nil
	}
	v, err := decodeAs[T](where, raw)
	if err != nil {
		return zero, true, err
	}
	return v, true, nil
}

func setTyped[T any, K ~string](where string, s *kv[K], id K, value T) error {
	if _, err := json.Marshal(value); err != nil {
		return pkgerrors.Wrapf(err, "%s: value not serializable", where)
	}
	s.store(id, value)
	return nil
}

// Get returns (value, ok, error). Missing keys are (zero, false, nil);
// type mismatches are (zero, true, error).
func (k DataKey[T]) Get(d Data) (T, bool, error) {
	return getTyped[T](`Turn.Data["`+k.String()+`"]`, d.kv, k.id)
}

// Set stores value after checking it is JSON serializable.
func (k DataKey[T]) Set(d *Data, value T) error {
	return setTyped(`Turn.Data["`+k.String()+`"]`, &d.kv, k.id, value)
}

func (k DataKey[T]) Delete(d *Data) { d.Delete(k.id) }

func (k TurnMetaKey[T]) Get(m Metadata) (T, bool, error) {
	return getTyped[T](`Turn.Metadata["`+k.String()+`"]`, m.kv, k.id)
}

func (k TurnMetaKey[T]) Set(m *Metadata, value T) error {
	return setTyped(`Turn.Metadata["`+k.String()+`"]`, &m.kv, k.id, value)
}

func (k BlockMetaKey[T]) Get(bm BlockMetadata) (T, bool, error) {
	return getTyped[T](`Block.Metadata["`+k.String()+`"]`, bm.kv, k.id)
}

func (k BlockMetaKey[T]) Set(bm *BlockMetadata, value T) error {
	return setTyped(`Block.Metadata["`+k.String()+`"]`, &bm.kv, k.id, value)
}

const turnkitNamespace = "turnkit"

// Well-known turn metadata keys.
var (
	KeyTurnMetaSessionID          = TurnMetaK[string](turnkitNamespace, "session_id", 1)
	KeyTurnMetaInferenceID        = TurnMetaK[string](turnkitNamespace, "inference_id", 1)
	KeyTurnMetaTraceID            = TurnMetaK[string](turnkitNamespace, "trace_id", 1)
	KeyTurnMetaProfileSlug        = TurnMetaK[string](turnkitNamespace, "profile_slug", 1)
	KeyTurnMetaRuntimeKey         = TurnMetaK[string](turnkitNamespace, "runtime_key", 1)
	KeyTurnMetaRuntimeFingerprint = TurnMetaK[string](turnkitNamespace, "runtime_fingerprint", 1)
	KeyTurnMetaEngine             = TurnMetaK[string](turnkitNamespace, "engine", 1)
)

// Well-known block metadata keys.
var (
	// KeyBlockMetaMiddleware records which middleware inserted a block.
	KeyBlockMetaMiddleware = BlockMetaK[string](turnkitNamespace, "middleware", 1)
)
