package engine

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnkit/pkg/events"
	"github.com/go-go-golems/turnkit/pkg/inference/runctx"
	"github.com/go-go-golems/turnkit/pkg/inference/runerrors"
	"github.com/go-go-golems/turnkit/pkg/turns"
)

// DefaultEchoReply is the reply of an echo engine built with an empty reply.
const DefaultEchoReply = "READY"

// EchoEngine appends a fixed assistant reply. It streams the reply word by word
// as partial events, which makes it useful for exercising the run surface
// without a provider.
type EchoEngine struct {
	reply string
}

func NewEchoEngine(reply string) *EchoEngine {
	if reply == "" {
		reply = DefaultEchoReply
	}
	return &EchoEngine{reply: reply}
}

func (e *EchoEngine) Reply() string { return e.reply }

func (e *EchoEngine) RunInference(ctx context.Context, t *turns.Turn) (*turns.Turn, error) {
	if t == nil {
		t = &turns.Turn{}
	}
	rc, _ := runctx.From(ctx)
	if err := runerrors.FromContext(ctx, rc.DeadlineMs); err != nil {
		return t, err
	}

	completion := ""
	for i, word := range strings.SplitAfter(e.reply, " ") {
		if word == "" {
			continue
		}
		if i > 0 {
			if err := runerrors.FromContext(ctx, rc.DeadlineMs); err != nil {
				return t, err
			}
		}
		completion += word
		events.PublishEventToContext(ctx, events.NewPartialCompletionEvent(events.NewMetadata(ctx, t.ID), word, completion))
	}

	turns.AppendBlock(t, turns.NewAssistantTextBlock(e.reply))
	log.Debug().Str("session_id", rc.SessionID).Str("inference_id", rc.InferenceID).Msg("echo engine replied")
	return t, nil
}

var _ Engine = (*EchoEngine)(nil)
