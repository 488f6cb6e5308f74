package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/turnkit/pkg/events"
	"github.com/go-go-golems/turnkit/pkg/inference/runerrors"
	"github.com/go-go-golems/turnkit/pkg/turns"
)

func TestEchoEngineRepliesReady(t *testing.T) {
	eng := NewEchoEngine("")
	in := turns.NewTurnFromUserPrompt("hello")

	out, err := eng.RunInference(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, out.Blocks, 2)
	last := out.Blocks[1]
	assert.Equal(t, turns.BlockKindLLMText, last.Kind)
	assert.Equal(t, turns.RoleAssistant, last.Role)
	assert.Equal(t, "READY", last.Text())
}

func TestEchoEnginePublishesPartials(t *testing.T) {
	sink := &events.CollectingSink{}
	ctx := events.WithEventSinks(context.Background(), sink)

	_, err := NewEchoEngine("one two three").RunInference(ctx, turns.NewTurnFromUserPrompt("x"))
	require.NoError(t, err)

	partials := sink.OfType(events.EventTypePartialCompletion)
	require.Len(t, partials, 3)
	last := partials[2].(*events.EventPartialCompletion)
	assert.Equal(t, "three", last.Delta)
	assert.Equal(t, "one two three", last.Completion)
}

func TestEchoEngineObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	in := turns.NewTurnFromUserPrompt("x")

	out, err := NewEchoEngine("").RunInference(ctx, in)
	require.Error(t, err)
	assert.Equal(t, runerrors.KindCancellation, runerrors.KindOf(err))
	assert.Len(t, out.Blocks, 1)
}

func TestRegistryHidesEngineBehindDescriptor(t *testing.T) {
	reg := NewRegistry()
	eng := NewEchoEngine("hi")
	meta := map[string]any{"kind": "echo"}

	desc, err := reg.Register("echo", eng, meta)
	require.NoError(t, err)
	meta["kind"] = "mutated"
	assert.Equal(t, "echo", desc.Metadata["kind"])
	assert.NotEmpty(t, desc.ID)
	assert.Equal(t, 1, reg.Len())

	got, err := reg.Resolve(desc)
	require.NoError(t, err)
	assert.Same(t, eng, got)

	desc.Metadata["kind"] = "caller-side"
	stored, ok := reg.Describe(desc.ID)
	require.True(t, ok)
	assert.Equal(t, "echo", stored.Metadata["kind"])

	reg.Release(desc)
	reg.Release(desc)
	_, err = reg.Resolve(desc)
	var ce *runerrors.ConfigurationError
	assert.ErrorAs(t, err, &ce)
}

func TestRegistryValidatesAtRegistration(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Register("", NewEchoEngine(""), nil)
	assert.Equal(t, runerrors.KindConfiguration, runerrors.KindOf(err))

	_, err = reg.Register("nil", nil, nil)
	assert.Equal(t, runerrors.KindConfiguration, runerrors.KindOf(err))

	_, err = reg.Resolve(Descriptor{})
	assert.Error(t, err)
}

func TestEngineFunc(t *testing.T) {
	boom := errors.New("boom")
	eng := EngineFunc(func(ctx context.Context, t *turns.Turn) (*turns.Turn, error) { return t, boom })
	_, err := eng.RunInference(context.Background(), &turns.Turn{})
	assert.ErrorIs(t, err, boom)
}

func TestToolChoiceIsNamed(t *testing.T) {
	assert.False(t, ToolChoiceAuto.IsNamed())
	assert.False(t, ToolChoice("").IsNamed())
	assert.True(t, ToolChoice("calculator").IsNamed())
}
