package events

import (
	"context"

	"github.com/rs/zerolog/log"
)

type ctxKey int

const (
	ctxKeyEventSinks ctxKey = iota
)

// WithEventSinks attaches sinks to the context, after any sinks already present.
// Engines, tools and middleware publish through the context without access to
// the session that created it.
func WithEventSinks(ctx context.Context, sinks ...EventSink) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(sinks) == 0 {
		return ctx
	}
	existing := GetEventSinks(ctx)
	combined := make([]EventSink, 0, len(existing)+len(sinks))
	combined = append(combined, existing...)
	for _, s := range sinks {
		if s != nil {
			combined = append(combined, s)
		}
	}
	return context.WithValue(ctx, ctxKeyEventSinks, combined)
}

// GetEventSinks returns the sinks attached to the context.
func GetEventSinks(ctx context.Context) []EventSink {
	if ctx == nil {
		return nil
	}
	if sinks, ok := ctx.Value(ctxKeyEventSinks).([]EventSink); ok {
		return sinks
	}
	return nil
}

// PublishEventToContext publishes event to all sinks stored in the context.
// Sink errors are logged and never interrupt the run.
func PublishEventToContext(ctx context.Context, event Event) {
	sinks := GetEventSinks(ctx)
	if len(sinks) == 0 {
		return
	}
	log.Trace().Str("component", "events.context").Str("event_type", string(event.Type())).Int("sink_count", len(sinks)).Msg("publishing event")
	for _, sink := range sinks {
		if err := sink.PublishEvent(event); err != nil {
			log.Warn().Err(err).Str("event_type", string(event.Type())).Msg("event sink failed")
		}
	}
}
