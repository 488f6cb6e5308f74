package middleware

import (
	"context"

	"github.com/google/uuid"

	"github.com/go-go-golems/turnkit/pkg/inference/runctx"
	"github.com/go-go-golems/turnkit/pkg/turns"
)

const TraceIDName = "trace-id"

// NewTraceIDMiddleware stamps a trace id on the turn metadata. The inference id
// of the run is used when present so logs and persisted turns line up.
func NewTraceIDMiddleware() Middleware {
	return Named(TraceIDName, func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, t *turns.Turn) (*turns.Turn, error) {
			if t == nil {
				return next(ctx, t)
			}
			traceID, ok, err := turns.KeyTurnMetaTraceID.Get(t.Metadata)
			if err != nil {
				return nil, err
			}
			if !ok || traceID == "" {
				rc, _ := runctx.From(ctx)
				traceID = rc.InferenceID
				if traceID == "" {
					traceID = uuid.NewString()
				}
				if err := turns.KeyTurnMetaTraceID.Set(&t.Metadata, traceID); err != nil {
					return nil, err
				}
			}

			res, err := next(ctx, t)
			if err != nil || res == nil || res == t {
				return res, err
			}
			if _, ok, _ := turns.KeyTurnMetaTraceID.Get(res.Metadata); !ok {
				if err := turns.KeyTurnMetaTraceID.Set(&res.Metadata, traceID); err != nil {
					return nil, err
				}
			}
			return res, nil
		}
	})
}
