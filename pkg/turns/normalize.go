package turns

import (
	"strings"

	"github.com/google/uuid"
)

var defaultRoles = map[BlockKind]string{
	BlockKindUser:      RoleUser,
	BlockKindLLMText:   RoleAssistant,
	BlockKindSystem:    RoleSystem,
	BlockKindToolCall:  RoleAssistant,
	BlockKindToolUse:   RoleTool,
	BlockKindReasoning: RoleAssistant,
}

// Normalize fills in the defaults a turn needs before it enters a run and returns t.
//
// It never adds, removes or reorders blocks and never changes a block kind, so
// normalizing an already normalized turn is a no-op.
func Normalize(t *Turn) *Turn {
	if t == nil {
		return nil
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	for i := range t.Blocks {
		normalizeBlock(&t.Blocks[i])
	}
	return t
}

func normalizeBlock(b *Block) {
	if b.Payload == nil {
		b.Payload = map[string]any{}
	}
	if strings.TrimSpace(b.Role) == "" {
		b.Role = defaultRoles[b.Kind]
	}

	switch b.Kind {
	case BlockKindUser, BlockKindLLMText, BlockKindSystem:
		if _, ok := b.Payload[PayloadKeyText].(string); !ok {
			b.Payload[PayloadKeyText] = ""
		}
	case BlockKindToolCall:
		id, _ := b.Payload[PayloadKeyID].(string)
		switch {
		case b.ID == "" && id == "":
			b.ID = uuid.NewString()
			b.Payload[PayloadKeyID] = b.ID
		case b.ID == "":
			b.ID = id
		case id != b.ID:
			b.Payload[PayloadKeyID] = b.ID
		}
	case BlockKindToolUse, BlockKindReasoning, BlockKindOther:
	}

	if b.ID == "" {
		b.ID = uuid.NewString()
	}
}
