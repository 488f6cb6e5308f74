package turns

import (
	"fmt"

	"github.com/huandu/go-clone"
)

// BlockKind is the canonical type of a Block. Role is display-oriented and may differ.
type BlockKind int

const (
	BlockKindUser BlockKind = iota
	BlockKindLLMText
	BlockKindToolCall
	BlockKindToolUse
	BlockKindSystem
	BlockKindReasoning
	BlockKindOther
)

var blockKindNames = map[BlockKind]string{
	BlockKindUser:      "user",
	BlockKindLLMText:   "llm_text",
	BlockKindToolCall:  "tool_call",
	BlockKindToolUse:   "tool_use",
	BlockKindSystem:    "system",
	BlockKindReasoning: "reasoning",
	BlockKindOther:     "other",
}

func (k BlockKind) String() string {
	if s, ok := blockKindNames[k]; ok {
		return s
	}
	return "other"
}

// ParseBlockKind maps a kind string onto a BlockKind. Unknown strings map to BlockKindOther.
func ParseBlockKind(s string) BlockKind {
	for k, name := range blockKindNames {
		if name == s {
			return k
		}
	}
	// "assistant" is accepted as an alias, since callers often think in roles.
	if s == RoleAssistant {
		return BlockKindLLMText
	}
	return BlockKindOther
}

func (k BlockKind) MarshalYAML() (interface{}, error) {
	return k.String(), nil
}

func (k *BlockKind) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	*k = ParseBlockKind(s)
	return nil
}

func (k BlockKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *BlockKind) UnmarshalText(b []byte) error {
	*k = ParseBlockKind(string(b))
	return nil
}

// Block represents a single atomic unit within a Turn.
type Block struct {
	ID      string         `yaml:"id,omitempty" json:"id,omitempty"`
	Kind    BlockKind      `yaml:"kind" json:"kind"`
	Role    string         `yaml:"role,omitempty" json:"role,omitempty"`
	Payload map[string]any `yaml:"payload,omitempty" json:"payload,omitempty"`
	// Metadata stores arbitrary metadata about the block
	Metadata BlockMetadata `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Turn contains an ordered list of Blocks and associated metadata.
type Turn struct {
	ID     string  `yaml:"id,omitempty" json:"id,omitempty"`
	Blocks []Block `yaml:"blocks" json:"blocks"`
	// Metadata stores arbitrary metadata about the turn
	Metadata Metadata `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	// Data stores the application data payload associated with this turn
	Data Data `yaml:"data,omitempty" json:"data,omitempty"`
}

// Clone returns a deep copy of the Turn. Payload values and metadata values are
// copied as well, so nested maps in tool arguments do not alias the original.
func (t *Turn) Clone() *Turn {
	if t == nil {
		return nil
	}
	out := &Turn{
		ID:       t.ID,
		Metadata: t.Metadata.Clone(),
		Data:     t.Data.Clone(),
	}
	if len(t.Blocks) == 0 {
		return out
	}
	out.Blocks = make([]Block, len(t.Blocks))
	for i := range t.Blocks {
		out.Blocks[i] = t.Blocks[i].Clone()
	}
	return out
}

// Clone returns a deep copy of the block.
func (b Block) Clone() Block {
	if b.Payload != nil {
		b.Payload = clone.Clone(b.Payload).(map[string]any)
	}
	b.Metadata = b.Metadata.Clone()
	return b
}

// Text returns the block's text payload, or "" when the block carries none.
func (b Block) Text() string {
	if b.Payload == nil {
		return ""
	}
	s, _ := b.Payload[PayloadKeyText].(string)
	return s
}

// NewKeyString constructs a canonical key identity string in the form "namespace.value@vN".
//
// Panics on empty namespace/value or version < 1; keys are package-level declarations.
func NewKeyString(namespace, value string, version uint16) string {
	if namespace == "" || value == "" || version < 1 {
		panic(fmt.Errorf("invalid key: namespace=%q value=%q version=%d", namespace, value, version))
	}
	return fmt.Sprintf("%s.%s@v%d", namespace, value, version)
}

// PrependBlock inserts a block at the beginning of the Turn's block slice.
func PrependBlock(t *Turn, b Block) {
	if t == nil {
		return
	}
	t.Blocks = append([]Block{b}, t.Blocks...)
}

// AppendBlock appends a Block to a Turn.
func AppendBlock(t *Turn, b Block) {
	if t == nil {
		return
	}
	t.Blocks = append(t.Blocks, b)
}

// AppendBlocks appends multiple Blocks in order.
func AppendBlocks(t *Turn, blocks ...Block) {
	for _, b := range blocks {
		AppendBlock(t, b)
	}
}

// FindLastBlocksByKind returns blocks of the requested kinds in turn order.
func FindLastBlocksByKind(t Turn, kinds ...BlockKind) []Block {
	lookup := map[BlockKind]bool{}
	for _, k := range kinds {
		lookup[k] = true
	}
	ret := make([]Block, 0, len(t.Blocks))
	for _, b := range t.Blocks {
		if lookup[b.Kind] {
			ret = append(ret, b)
		}
	}
	return ret
}

// LastBlock returns the last block of the turn, if any.
func LastBlock(t *Turn) (Block, bool) {
	if t == nil || len(t.Blocks) == 0 {
		return Block{}, false
	}
	return t.Blocks[len(t.Blocks)-1], true
}
