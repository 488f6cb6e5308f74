package turns

import "github.com/google/uuid"

// Role string constants used for display roles in blocks.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// NewUserTextBlock returns a Block representing a user text message.
func NewUserTextBlock(text string) Block {
	return Block{
		ID:      uuid.NewString(),
		Kind:    BlockKindUser,
		Role:    RoleUser,
		Payload: map[string]any{PayloadKeyText: text},
	}
}

// NewAssistantTextBlock returns a Block representing assistant LLM text output.
func NewAssistantTextBlock(text string) Block {
	return Block{
		ID:      uuid.NewString(),
		Kind:    BlockKindLLMText,
		Role:    RoleAssistant,
		Payload: map[string]any{PayloadKeyText: text},
	}
}

// NewSystemTextBlock returns a Block representing a system directive.
func NewSystemTextBlock(text string) Block {
	return Block{
		ID:      uuid.NewString(),
		Kind:    BlockKindSystem,
		Role:    RoleSystem,
		Payload: map[string]any{PayloadKeyText: text},
	}
}

// NewToolCallBlock returns a Block requesting invocation of a tool.
// id correlates the call with its tool_use result; args is any JSON-serializable value.
func NewToolCallBlock(id string, name string, args any) Block {
	return Block{
		ID:   id,
		Kind: BlockKindToolCall,
		Role: RoleAssistant,
		Payload: map[string]any{
			PayloadKeyID:   id,
			PayloadKeyName: name,
			PayloadKeyArgs: args,
		},
	}
}

// NewToolUseBlock returns a Block capturing the result of a tool execution.
// id must match the corresponding tool_call id.
func NewToolUseBlock(id string, result any) Block {
	return Block{
		ID:   uuid.NewString(),
		Kind: BlockKindToolUse,
		Role: RoleTool,
		Payload: map[string]any{
			PayloadKeyID:     id,
			PayloadKeyResult: result,
		},
	}
}

// NewToolUseErrorBlock returns a tool_use Block carrying an execution error.
func NewToolUseErrorBlock(id string, errMsg string) Block {
	b := NewToolUseBlock(id, "Error: "+errMsg)
	b.Payload[PayloadKeyError] = errMsg
	return b
}

// ToolCallID returns the correlation id of a tool_call or tool_use block.
func ToolCallID(b Block) string {
	if b.Payload != nil {
		if id, ok := b.Payload[PayloadKeyID].(string); ok && id != "" {
			return id
		}
	}
	if b.Kind == BlockKindToolCall {
		return b.ID
	}
	return ""
}

// ToolUseError returns the error message carried by a tool_use block, if any.
func ToolUseError(b Block) (string, bool) {
	if b.Kind != BlockKindToolUse || b.Payload == nil {
		return "", false
	}
	s, ok := b.Payload[PayloadKeyError].(string)
	return s, ok && s != ""
}

// RemoveBlocksByMiddleware removes blocks tagged with KeyBlockMetaMiddleware equal to name.
// It returns the number of removed blocks.
func RemoveBlocksByMiddleware(t *Turn, name string) int {
	if t == nil || len(t.Blocks) == 0 {
		return 0
	}
	kept := make([]Block, 0, len(t.Blocks))
	removed := 0
	for _, b := range t.Blocks {
		if v, ok, err := KeyBlockMetaMiddleware.Get(b.Metadata); err == nil && ok && v == name {
			removed++
			continue
		}
		kept = append(kept, b)
	}
	t.Blocks = kept
	return removed
}
