package session

import (
	"context"

	"github.com/go-go-golems/turnkit/pkg/turns"
)

// EngineBuilder builds the runner used for a single run of a session.
//
// The builder is responsible for wiring sinks, tools, middleware, snapshot hooks
// and persistence around the base engine.
type EngineBuilder interface {
	Build(ctx context.Context, sessionID string) (InferenceRunner, error)
}

// InferenceRunner performs a blocking run: input Turn -> output Turn.
type InferenceRunner interface {
	RunInference(ctx context.Context, t *turns.Turn) (*turns.Turn, error)
}

// EngineBuilderFunc adapts a function to EngineBuilder.
type EngineBuilderFunc func(ctx context.Context, sessionID string) (InferenceRunner, error)

func (f EngineBuilderFunc) Build(ctx context.Context, sessionID string) (InferenceRunner, error) {
	return f(ctx, sessionID)
}

// TurnPersister persists a completed turn.
//
// Turn identity is t.ID. The session and inference ids are in t.Metadata
// (turns.KeyTurnMetaSessionID, turns.KeyTurnMetaInferenceID).
type TurnPersister interface {
	PersistTurn(ctx context.Context, t *turns.Turn) error
}

// TurnPersisterFunc adapts a function to TurnPersister.
type TurnPersisterFunc func(ctx context.Context, t *turns.Turn) error

func (f TurnPersisterFunc) PersistTurn(ctx context.Context, t *turns.Turn) error {
	return f(ctx, t)
}
