package middleware

import (
	"context"

	"github.com/go-go-golems/turnkit/pkg/inference/runctx"
	"github.com/go-go-golems/turnkit/pkg/turns"
)

const RunContextName = "runcontext"

// NewRunContextMiddleware calls observe with the run context of every pass,
// before the rest of the chain runs.
func NewRunContextMiddleware(observe func(runctx.RunContext)) Middleware {
	return Named(RunContextName, func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, t *turns.Turn) (*turns.Turn, error) {
			if observe != nil {
				rc, _ := runctx.From(ctx)
				observe(rc)
			}
			return next(ctx, t)
		}
	})
}
