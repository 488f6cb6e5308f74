package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/go-go-golems/turnkit/pkg/inference/runctx"
	"github.com/go-go-golems/turnkit/pkg/inference/runerrors"
	"github.com/go-go-golems/turnkit/pkg/turns"
)

// PlannedCall is a tool call a ScriptedEngine requests.
type PlannedCall struct {
	Name string         `json:"name" yaml:"name" mapstructure:"name"`
	Args map[string]any `json:"args,omitempty" yaml:"args,omitempty" mapstructure:"args"`
}

// ScriptedEngine requests a fixed set of tool calls and then replies with the
// tool results. When the turn ends with a tool result it answers; otherwise it
// issues its calls. It drives the tool loop without a provider.
type ScriptedEngine struct {
	calls []PlannedCall
	reply string
}

func NewScriptedEngine(reply string, calls ...PlannedCall) *ScriptedEngine {
	return &ScriptedEngine{calls: calls, reply: reply}
}

func (e *ScriptedEngine) RunInference(ctx context.Context, t *turns.Turn) (*turns.Turn, error) {
	if t == nil {
		t = &turns.Turn{}
	}
	rc, _ := runctx.From(ctx)
	if err := runerrors.FromContext(ctx, rc.DeadlineMs); err != nil {
		return t, err
	}

	last, ok := turns.LastBlock(t)
	if len(e.calls) == 0 || (ok && last.Kind == turns.BlockKindToolUse) {
		turns.AppendBlock(t, turns.NewAssistantTextBlock(e.answer(t)))
		return t, nil
	}
	for _, c := range e.calls {
		turns.AppendBlock(t, turns.NewToolCallBlock(uuid.NewString(), c.Name, c.Args))
	}
	return t, nil
}

// answer is the configured reply followed by the results of the trailing
// tool_use blocks.
func (e *ScriptedEngine) answer(t *turns.Turn) string {
	var results []string
	for i := len(t.Blocks) - 1; i >= 0 && t.Blocks[i].Kind == turns.BlockKindToolUse; i-- {
		results = append([]string{fmt.Sprint(t.Blocks[i].Payload[turns.PayloadKeyResult])}, results...)
	}
	reply := e.reply
	if reply == "" {
		reply = DefaultEchoReply
	}
	if len(results) == 0 {
		return reply
	}
	return reply + " " + strings.Join(results, "; ")
}

var _ Engine = (*ScriptedEngine)(nil)
