package serde

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/turnkit/pkg/turns"
)

func TestYAMLRoundTripKeepsKindsAndTypedKeys(t *testing.T) {
	turn := turns.NewTurnBuilder().
		WithID("turn-1").
		WithSystemPrompt("be brief").
		WithUserPrompt("hello").
		WithBlock(turns.NewToolCallBlock("call-1", "lookup", map[string]any{"q": "go"})).
		WithBlock(turns.NewToolUseBlock("call-1", "found")).
		Build()
	require.NoError(t, turns.KeyTurnMetaSessionID.Set(&turn.Metadata, "sess-1"))

	data, err := ToYAML(turn, Options{})
	require.NoError(t, err)
	assert.Contains(t, string(data), "kind: tool_call")
	assert.Contains(t, string(data), "turnkit.session_id@v1")

	back, err := FromYAML(data)
	require.NoError(t, err)
	require.Len(t, back.Blocks, 4)
	assert.Equal(t, "turn-1", back.ID)
	assert.Equal(t, turns.BlockKindSystem, back.Blocks[0].Kind)
	assert.Equal(t, turns.BlockKindToolCall, back.Blocks[2].Kind)
	assert.Equal(t, "call-1", back.Blocks[2].ID)
	assert.Equal(t, "found", back.Blocks[3].Payload[turns.PayloadKeyResult])

	sid, ok, err := turns.KeyTurnMetaSessionID.Get(back.Metadata)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sess-1", sid)
}

func TestFromYAMLNormalizesMissingRoles(t *testing.T) {
	src := `
id: t
blocks:
  - kind: llm_text
    payload:
      text: hi
  - kind: assistant
  - kind: something_new
`
	back, err := FromYAML([]byte(src))
	require.NoError(t, err)
	require.Len(t, back.Blocks, 3)
	assert.Equal(t, turns.RoleAssistant, back.Blocks[0].Role)
	assert.Equal(t, turns.BlockKindLLMText, back.Blocks[1].Kind)
	assert.Equal(t, "", back.Blocks[1].Text())
	assert.Equal(t, turns.BlockKindOther, back.Blocks[2].Kind)
	for _, b := range back.Blocks {
		assert.NotEmpty(t, b.ID)
	}
}

func TestSaveAndLoadTurnYAMLOmitData(t *testing.T) {
	turn := turns.NewTurnFromUserPrompt("hi")
	key := turns.DataK[string]("test", "note", 1)
	require.NoError(t, key.Set(&turn.Data, "keep-out"))

	path := filepath.Join(t.TempDir(), "turn.yaml")
	require.NoError(t, SaveTurnYAML(path, turn, Options{OmitData: true}))

	back, err := LoadTurnYAML(path)
	require.NoError(t, err)
	_, ok, err := key.Get(back.Data)
	require.NoError(t, err)
	assert.False(t, ok)

	// the source turn keeps its data
	_, ok, _ = key.Get(turn.Data)
	assert.True(t, ok)
}

func TestToYAMLNilTurn(t *testing.T) {
	data, err := ToYAML(nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(data))
}
