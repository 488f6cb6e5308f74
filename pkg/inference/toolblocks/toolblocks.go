// Package toolblocks converts between tool_call / tool_use blocks and tool calls.
package toolblocks

import (
	"encoding/json"
	"fmt"

	"github.com/go-go-golems/turnkit/pkg/turns"
)

// ToolCall is a pending tool invocation described by a tool_call block.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolResult is what gets written back as a tool_use block.
type ToolResult struct {
	ID      string
	Content any
	Error   string
}

// ExtractPendingToolCalls returns the tool_call blocks that have no matching
// tool_use block yet, in block order.
func ExtractPendingToolCalls(t *turns.Turn) []ToolCall {
	return extractPending(t, func(int, turns.Block) bool { return true })
}

// Baseline records the blocks a turn held before an engine call.
type Baseline struct {
	keys map[string]struct{}
	n    int
}

// NewBaseline snapshots t. Take it before handing t to the engine, which may
// append to it in place.
func NewBaseline(t *turns.Turn) Baseline {
	b := Baseline{keys: map[string]struct{}{}}
	if t == nil {
		return b
	}
	b.n = len(t.Blocks)
	for _, blk := range t.Blocks {
		if k := blockKey(blk); k != "" {
			b.keys[k] = struct{}{}
		}
	}
	return b
}

// Contains reports whether the block at index i was present when b was taken.
// Blocks without any id fall back to their position.
func (b Baseline) Contains(i int, blk turns.Block) bool {
	if k := blockKey(blk); k != "" {
		_, ok := b.keys[k]
		return ok
	}
	return i < b.n
}

// ExtractNewPendingToolCalls is ExtractPendingToolCalls limited to tool_call
// blocks added after base was taken. Older unanswered calls are ignored.
func ExtractNewPendingToolCalls(t *turns.Turn, base Baseline) []ToolCall {
	return extractPending(t, func(i int, b turns.Block) bool { return !base.Contains(i, b) })
}

func extractPending(t *turns.Turn, include func(int, turns.Block) bool) []ToolCall {
	if t == nil {
		return nil
	}
	used := map[string]bool{}
	for _, b := range t.Blocks {
		if b.Kind == turns.BlockKindToolUse {
			if id, ok := b.Payload[turns.PayloadKeyID].(string); ok && id != "" {
				used[id] = true
			}
		}
	}

	var calls []ToolCall
	for i, b := range t.Blocks {
		if b.Kind != turns.BlockKindToolCall || !include(i, b) {
			continue
		}
		id := turns.ToolCallID(b)
		if id == "" || used[id] {
			continue
		}
		name, _ := b.Payload[turns.PayloadKeyName].(string)
		calls = append(calls, ToolCall{ID: id, Name: name, Arguments: rawArgs(b.Payload[turns.PayloadKeyArgs])})
	}
	return calls
}

func blockKey(b turns.Block) string {
	if b.ID != "" {
		return b.ID
	}
	if b.Kind == turns.BlockKindToolCall {
		return turns.ToolCallID(b)
	}
	return ""
}

func rawArgs(v any) json.RawMessage {
	switch a := v.(type) {
	case nil:
		return json.RawMessage(`{}`)
	case json.RawMessage:
		return a
	case []byte:
		return json.RawMessage(a)
	case string:
		if json.Valid([]byte(a)) {
			return json.RawMessage(a)
		}
		b, _ := json.Marshal(a)
		return b
	}
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// AppendToolResultsBlocks appends one tool_use block per result, in order.
// Non-string content is stored as its JSON encoding.
func AppendToolResultsBlocks(t *turns.Turn, results []ToolResult) {
	for _, r := range results {
		if r.Error != "" {
			turns.AppendBlock(t, turns.NewToolUseErrorBlock(r.ID, r.Error))
			continue
		}
		turns.AppendBlock(t, turns.NewToolUseBlock(r.ID, contentString(r.Content)))
	}
}

func contentString(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprintf("%v", v)
}
