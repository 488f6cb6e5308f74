package toolloop

import (
	"context"

	"github.com/go-go-golems/turnkit/pkg/turns"
)

// SnapshotHook receives the turn at each loop phase (pre/post inference, post tools).
// The turn is live; hooks that keep it must clone it.
type SnapshotHook func(ctx context.Context, t *turns.Turn, phase string)

type snapshotHookKey struct{}

// WithTurnSnapshotHook attaches a snapshot hook to the context.
func WithTurnSnapshotHook(ctx context.Context, hook SnapshotHook) context.Context {
	if hook == nil {
		return ctx
	}
	return context.WithValue(ctx, snapshotHookKey{}, hook)
}

// TurnSnapshotHookFromContext returns the hook attached with WithTurnSnapshotHook.
func TurnSnapshotHookFromContext(ctx context.Context) (SnapshotHook, bool) {
	h, ok := ctx.Value(snapshotHookKey{}).(SnapshotHook)
	return h, ok && h != nil
}
