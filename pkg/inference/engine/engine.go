package engine

import (
	"context"

	"github.com/go-go-golems/turnkit/pkg/turns"
)

// Engine turns an input Turn into an output Turn, typically by calling a provider.
//
// Engines append the blocks they produce (assistant text, tool_call) to the turn
// and return it. They never append tool_use blocks; those belong to the tool loop.
// Incremental output is published as partial events through the sinks on ctx.
type Engine interface {
	RunInference(ctx context.Context, t *turns.Turn) (*turns.Turn, error)
}

// EngineFunc adapts a function literal to Engine.
type EngineFunc func(ctx context.Context, t *turns.Turn) (*turns.Turn, error)

func (f EngineFunc) RunInference(ctx context.Context, t *turns.Turn) (*turns.Turn, error) {
	return f(ctx, t)
}

var _ Engine = EngineFunc(nil)
