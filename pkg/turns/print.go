package turns

import (
	"encoding/json"
	"fmt"
	"io"
)

// FprintTurn prints a turn as a chat-like transcript. withToolDetail adds tool args and results.
func FprintTurn(w io.Writer, t *Turn, withToolDetail bool) {
	if t == nil {
		return
	}
	for _, b := range t.Blocks {
		switch b.Kind {
		case BlockKindSystem, BlockKindUser, BlockKindLLMText, BlockKindReasoning:
			label := b.Role
			if label == "" {
				label = b.Kind.String()
			}
			if txt, ok := b.Payload[PayloadKeyText].(string); ok {
				fmt.Fprintf(w, "%s: %s\n", label, txt)
			} else {
				fmt.Fprintf(w, "%s: <no text>\n", label)
			}
		case BlockKindToolCall:
			name, _ := b.Payload[PayloadKeyName].(string)
			fmt.Fprintf(w, "tool_call[%s]: %s\n", ToolCallID(b), name)
			if withToolDetail {
				fmt.Fprintf(w, "  args: %s\n", compactJSON(b.Payload[PayloadKeyArgs]))
			}
		case BlockKindToolUse:
			if msg, isErr := ToolUseError(b); isErr {
				fmt.Fprintf(w, "tool_use[%s]: error: %s\n", ToolCallID(b), msg)
				continue
			}
			fmt.Fprintf(w, "tool_use[%s]\n", ToolCallID(b))
			if withToolDetail {
				fmt.Fprintf(w, "  result: %s\n", compactJSON(b.Payload[PayloadKeyResult]))
			}
		case BlockKindOther:
			fmt.Fprintln(w, "other block kind")
		}
	}
}

func compactJSON(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.RawMessage:
		return string(x)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
