package events

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/turnkit/pkg/inference/runctx"
	"github.com/go-go-golems/turnkit/pkg/inference/runerrors"
)

type EventType string

const (
	// EventTypeStart to EventTypeError are the run lifecycle events.
	EventTypeStart             EventType = "start"
	EventTypePartialCompletion EventType = "partial"
	EventTypeFinal             EventType = "final"
	EventTypeError             EventType = "error"

	// Execution-phase events (tools executed locally by the loop)
	EventTypeToolCallExecute         EventType = "tool-call-execute"
	EventTypeToolCallExecutionResult EventType = "tool-call-execution-result"

	// EventTypeAll subscribes to every event type.
	EventTypeAll EventType = "*"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

// EventMetadata correlates an event with its run.
type EventMetadata struct {
	ID          uuid.UUID         `json:"message_id" yaml:"message_id"`
	SessionID   string            `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	InferenceID string            `json:"inference_id,omitempty" yaml:"inference_id,omitempty"`
	TurnID      string            `json:"turn_id,omitempty" yaml:"turn_id,omitempty"`
	CallID      string            `json:"call_id,omitempty" yaml:"call_id,omitempty"`
	Tags        map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Extra       map[string]any    `json:"extra,omitempty" yaml:"extra,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("message_id", em.ID.String())
	if em.SessionID != "" {
		e.Str("session_id", em.SessionID)
	}
	if em.InferenceID != "" {
		e.Str("inference_id", em.InferenceID)
	}
	if em.TurnID != "" {
		e.Str("turn_id", em.TurnID)
	}
	if em.CallID != "" {
		e.Str("call_id", em.CallID)
	}
}

// NewMetadata builds EventMetadata from the RunContext attached to ctx.
func NewMetadata(ctx context.Context, turnID string) EventMetadata {
	md := EventMetadata{ID: uuid.New(), TurnID: turnID}
	if rc, ok := runctx.From(ctx); ok {
		md.SessionID = rc.SessionID
		md.InferenceID = rc.InferenceID
		md.CallID = rc.CallID
		md.Tags = rc.Tags
	}
	return md
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta"`

	// raw JSON when the event was decoded by NewEventFromJSON
	payload []byte
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

func (e *EventImpl) Type() EventType         { return e.Type_ }
func (e *EventImpl) Metadata() EventMetadata { return e.Metadata_ }
func (e *EventImpl) Payload() []byte         { return e.payload }

var _ Event = &EventImpl{}

type EventStart struct {
	EventImpl
}

func NewStartEvent(metadata EventMetadata) *EventStart {
	return &EventStart{EventImpl: EventImpl{Type_: EventTypeStart, Metadata_: metadata}}
}

// EventPartialCompletion carries incremental engine output.
type EventPartialCompletion struct {
	EventImpl
	Delta string `json:"delta"`
	// Completion is the full text produced so far.
	Completion string `json:"completion"`
}

func NewPartialCompletionEvent(metadata EventMetadata, delta string, completion string) *EventPartialCompletion {
	return &EventPartialCompletion{
		EventImpl:  EventImpl{Type_: EventTypePartialCompletion, Metadata_: metadata},
		Delta:      delta,
		Completion: completion,
	}
}

type EventFinal struct {
	EventImpl
	Text string `json:"text"`
}

func NewFinalEvent(metadata EventMetadata, text string) *EventFinal {
	return &EventFinal{EventImpl: EventImpl{Type_: EventTypeFinal, Metadata_: metadata}, Text: text}
}

// EventError is the single terminal event of a failed run. Kind is the
// runerrors kind, so subscribers can tell cancellation from timeout.
type EventError struct {
	EventImpl
	ErrorString string         `json:"error_string"`
	Kind        runerrors.Kind `json:"kind,omitempty"`

	err error
}

func NewErrorEvent(metadata EventMetadata, err error) *EventError {
	ret := &EventError{
		EventImpl: EventImpl{Type_: EventTypeError, Metadata_: metadata},
		Kind:      runerrors.KindOf(err),
		err:       err,
	}
	if err != nil {
		ret.ErrorString = err.Error()
	}
	return ret
}

// Err returns the original error. It is nil for events decoded from JSON.
func (e *EventError) Err() error { return e.err }

type ToolCall struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Input string `json:"input"`
}

type ToolResult struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Result     string `json:"result"`
	Error      string `json:"error,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// EventToolCallExecute captures the intent to execute a tool locally
type EventToolCallExecute struct {
	EventImpl
	ToolCall ToolCall `json:"tool_call"`
}

func NewToolCallExecuteEvent(metadata EventMetadata, toolCall ToolCall) *EventToolCallExecute {
	return &EventToolCallExecute{
		EventImpl: EventImpl{Type_: EventTypeToolCallExecute, Metadata_: metadata},
		ToolCall:  toolCall,
	}
}

// EventToolCallExecutionResult captures the result of executing a tool locally
type EventToolCallExecutionResult struct {
	EventImpl
	ToolResult ToolResult `json:"tool_result"`
}

func NewToolCallExecutionResultEvent(metadata EventMetadata, toolResult ToolResult) *EventToolCallExecutionResult {
	return &EventToolCallExecutionResult{
		EventImpl:  EventImpl{Type_: EventTypeToolCallExecutionResult, Metadata_: metadata},
		ToolResult: toolResult,
	}
}

var (
	_ Event = &EventStart{}
	_ Event = &EventPartialCompletion{}
	_ Event = &EventFinal{}
	_ Event = &EventError{}
	_ Event = &EventToolCallExecute{}
	_ Event = &EventToolCallExecutionResult{}
)

func decodeAs[T any](b []byte, impl func(*T) *EventImpl) (Event, error) {
	ret := new(T)
	if err := json.Unmarshal(b, ret); err != nil {
		return nil, errors.Wrapf(err, "decode %T", ret)
	}
	impl(ret).payload = b
	return any(ret).(Event), nil
}

// NewEventFromJSON decodes an event serialized by a WatermillSink.
func NewEventFromJSON(b []byte) (Event, error) {
	var hdr struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(b, &hdr); err != nil {
		return nil, errors.Wrap(err, "decode event header")
	}

	switch hdr.Type {
	case EventTypeStart:
		return decodeAs(b, func(e *EventStart) *EventImpl { return &e.EventImpl })
	case EventTypePartialCompletion:
		return decodeAs(b, func(e *EventPartialCompletion) *EventImpl { return &e.EventImpl })
	case EventTypeFinal:
		return decodeAs(b, func(e *EventFinal) *EventImpl { return &e.EventImpl })
	case EventTypeError:
		return decodeAs(b, func(e *EventError) *EventImpl { return &e.EventImpl })
	case EventTypeToolCallExecute:
		return decodeAs(b, func(e *EventToolCallExecute) *EventImpl { return &e.EventImpl })
	case EventTypeToolCallExecutionResult:
		return decodeAs(b, func(e *EventToolCallExecutionResult) *EventImpl { return &e.EventImpl })
	}

	var e EventImpl
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, errors.Wrap(err, "decode event")
	}
	e.payload = b
	return &e, nil
}
