package middleware

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnkit/pkg/turns"
)

const SystemPromptName = "systemprompt"

// NewSystemPromptMiddleware places a system block holding prompt at the head of
// the turn. A block inserted by an earlier pass is replaced rather than
// duplicated, so running the middleware twice leaves one block.
func NewSystemPromptMiddleware(prompt string) Middleware {
	return Named(SystemPromptName, func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, t *turns.Turn) (*turns.Turn, error) {
			if t == nil || prompt == "" {
				return next(ctx, t)
			}

			removed := turns.RemoveBlocksByMiddleware(t, SystemPromptName)

			// a caller-provided system block with the same text needs no companion
			if len(t.Blocks) > 0 && t.Blocks[0].Kind == turns.BlockKindSystem && t.Blocks[0].Text() == prompt {
				return next(ctx, t)
			}

			b := turns.NewSystemTextBlock(prompt)
			if err := turns.KeyBlockMetaMiddleware.Set(&b.Metadata, SystemPromptName); err != nil {
				return nil, err
			}
			turns.PrependBlock(t, b)

			log.Debug().
				Str("turn_id", t.ID).
				Int("replaced", removed).
				Int("prompt_len", len(prompt)).
				Msg("systemprompt: inserted system block")
			return next(ctx, t)
		}
	})
}
