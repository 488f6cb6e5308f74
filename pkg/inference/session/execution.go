package session

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnkit/pkg/events"
	"github.com/go-go-golems/turnkit/pkg/inference/runerrors"
	"github.com/go-go-golems/turnkit/pkg/turns"
)

var ErrRunHandleNil = errors.New("run handle is nil")

// RunState is the lifecycle state of a single run.
type RunState string

const (
	RunStateIdle      RunState = "idle"
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateErrored   RunState = "errored"
	RunStateCancelled RunState = "cancelled"
)

// IsTerminal reports whether no further transition can happen.
func (s RunState) IsTerminal() bool {
	return s == RunStateCompleted || s == RunStateErrored || s == RunStateCancelled
}

type subscription struct {
	eventType events.EventType
	fn        func(events.Event)
}

// RunHandle represents a single run started with Session.Start.
//
// It is cancelable, waitable and an event sink: every event published during
// the run is recorded and delivered to the handlers registered with On.
// Handlers run synchronously on the publishing goroutine, one event at a time.
// They may call Cancel, State or Err but must not call On or Wait.
type RunHandle struct {
	SessionID   string
	InferenceID string

	done chan struct{}

	// dispatchMu serializes delivery so a subscriber never sees an event twice
	// or out of order while its replay is in progress.
	dispatchMu sync.Mutex

	mu              sync.Mutex
	state           RunState
	cancel          context.CancelFunc
	cancelRequested bool
	out             *turns.Turn
	err             error
	history         []events.Event
	subs            []subscription
}

func newRunHandle(sessionID, inferenceID string) *RunHandle {
	return &RunHandle{
		SessionID:   sessionID,
		InferenceID: inferenceID,
		done:        make(chan struct{}),
		state:       RunStateIdle,
	}
}

func (h *RunHandle) setRunning(cancel context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = RunStateRunning
	h.cancel = cancel
}

// finish records the result and moves to a terminal state. A run whose
// cancellation was accepted always ends cancelled, even if the runner managed
// to return a turn.
func (h *RunHandle) finish(out *turns.Turn, err error) (RunState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil && h.cancelRequested {
		err = &runerrors.CancellationError{Err: context.Canceled}
	}
	switch {
	case err == nil:
		h.state = RunStateCompleted
	case runerrors.KindOf(err) == runerrors.KindCancellation:
		h.state = RunStateCancelled
	default:
		h.state = RunStateErrored
	}
	h.out = out
	h.err = err
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	return h.state, err
}

func (h *RunHandle) markDone() {
	close(h.done)
}

// Cancel requests cooperative cancellation. It returns true only for the first
// request made while the run is still running; every other call is a no-op
// returning false.
func (h *RunHandle) Cancel() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	if h.state != RunStateRunning || h.cancelRequested {
		h.mu.Unlock()
		return false
	}
	h.cancelRequested = true
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

// Done is closed once the run reached a terminal state and its terminal event
// was delivered.
func (h *RunHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the run completes and returns the output Turn and error.
func (h *RunHandle) Wait() (*turns.Turn, error) {
	if h == nil {
		return nil, ErrRunHandleNil
	}
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.out, h.err
}

func (h *RunHandle) State() RunState {
	if h == nil {
		return RunStateIdle
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the terminal error, nil while running or on success.
func (h *RunHandle) Err() error {
	if h == nil {
		return ErrRunHandleNil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// IsRunning reports whether the run has not finished yet.
func (h *RunHandle) IsRunning() bool {
	if h == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// On subscribes fn to events of type eventType (events.EventTypeAll for all).
// Events already emitted by the run are replayed to fn first.
func (h *RunHandle) On(eventType events.EventType, fn func(events.Event)) *RunHandle {
	if h == nil || fn == nil {
		return h
	}
	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()

	h.mu.Lock()
	h.subs = append(h.subs, subscription{eventType: eventType, fn: fn})
	past := make([]events.Event, 0, len(h.history))
	for _, e := range h.history {
		if matches(eventType, e) {
			past = append(past, e)
		}
	}
	h.mu.Unlock()

	for _, e := range past {
		deliver(fn, e)
	}
	return h
}

// Events returns the events emitted so far, in order.
func (h *RunHandle) Events() []events.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]events.Event(nil), h.history...)
}

// PublishEvent implements events.EventSink.
func (h *RunHandle) PublishEvent(e events.Event) error {
	if e == nil {
		return nil
	}
	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()

	h.mu.Lock()
	h.history = append(h.history, e)
	var fns []func(events.Event)
	for _, s := range h.subs {
		if matches(s.eventType, e) {
			fns = append(fns, s.fn)
		}
	}
	h.mu.Unlock()

	for _, fn := range fns {
		deliver(fn, e)
	}
	return nil
}

var _ events.EventSink = (*RunHandle)(nil)

func matches(eventType events.EventType, e events.Event) bool {
	return eventType == events.EventTypeAll || eventType == e.Type()
}

func deliver(fn func(events.Event), e events.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Str("event_type", string(e.Type())).Msg("run event handler panicked")
		}
	}()
	fn(e)
}
