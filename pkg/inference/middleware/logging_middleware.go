package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/go-go-golems/turnkit/pkg/inference/runctx"
	"github.com/go-go-golems/turnkit/pkg/inference/runerrors"
	"github.com/go-go-golems/turnkit/pkg/turns"
)

const LoggingName = "logging"

// NewTurnLoggingMiddleware logs the shape of a turn before and after the rest of the chain.
func NewTurnLoggingMiddleware(logger zerolog.Logger) Middleware {
	return Named(LoggingName, func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, t *turns.Turn) (*turns.Turn, error) {
			rc, _ := runctx.From(ctx)
			l := logger.With().
				Str("session_id", rc.SessionID).
				Str("inference_id", rc.InferenceID).
				Logger()

			var turnID string
			blockCount := 0
			if t != nil {
				turnID = t.ID
				blockCount = len(t.Blocks)
			}
			l.Info().Str("turn_id", turnID).Int("block_count", blockCount).Msg("turn: starting inference")

			before := SnapshotBlockIDs(t)
			start := time.Now()
			res, err := next(ctx, t)
			elapsed := time.Since(start)
			if err != nil {
				l.Error().Err(err).
					Str("kind", string(runerrors.KindOf(err))).
					Dur("elapsed", elapsed).
					Msg("turn: inference failed")
				return res, err
			}

			added := NewBlocksNotIn(res, before)
			kinds := zerolog.Dict()
			counts := map[string]int{}
			for _, b := range added {
				counts[b.Kind.String()]++
			}
			for k, c := range counts {
				kinds = kinds.Int(k, c)
			}
			l.Info().
				Str("turn_id", res.ID).
				Int("block_count", len(res.Blocks)).
				Int("new_blocks", len(added)).
				Dict("new_kinds", kinds).
				Dur("elapsed", elapsed).
				Msg("turn: inference completed")
			return res, nil
		}
	})
}
