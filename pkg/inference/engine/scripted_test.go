package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/turnkit/pkg/turns"
)

func TestScriptedEngineRequestsCallsThenAnswers(t *testing.T) {
	eng := NewScriptedEngine("done:", PlannedCall{Name: "calc", Args: map[string]any{"a": 1, "b": 2}})
	in := turns.NewTurnFromUserPrompt("add")

	out, err := eng.RunInference(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, out.Blocks, 2)
	call := out.Blocks[1]
	assert.Equal(t, turns.BlockKindToolCall, call.Kind)
	assert.Equal(t, "calc", call.Payload[turns.PayloadKeyName])
	id := turns.ToolCallID(call)
	require.NotEmpty(t, id)

	turns.AppendBlock(out, turns.NewToolUseBlock(id, 3))
	out, err = eng.RunInference(context.Background(), out)
	require.NoError(t, err)
	last, ok := turns.LastBlock(out)
	require.True(t, ok)
	assert.Equal(t, turns.BlockKindLLMText, last.Kind)
	assert.Equal(t, "done: 3", last.Text())
}

func TestScriptedEngineWithoutCallsReplies(t *testing.T) {
	out, err := NewScriptedEngine("").RunInference(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, out.Blocks, 1)
	assert.Equal(t, DefaultEchoReply, out.Blocks[0].Text())
}

func TestScriptedEngineObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewScriptedEngine("x", PlannedCall{Name: "calc"}).RunInference(ctx, turns.NewTurnFromUserPrompt("hi"))
	require.Error(t, err)
}
