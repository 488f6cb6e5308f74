package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnkit/pkg/events"
	"github.com/go-go-golems/turnkit/pkg/inference/runctx"
	"github.com/go-go-golems/turnkit/pkg/inference/runerrors"
	"github.com/go-go-golems/turnkit/pkg/turns"
)

var (
	ErrSessionNil           = errors.New("session is nil")
	ErrSessionBuilderNil    = errors.New("session builder is nil")
	ErrSessionAlreadyActive = errors.New("session already has an active run")
	ErrSessionNoActive      = errors.New("session has no active run")
	ErrSessionEmptyTurn     = errors.New("session has no seed turn (or seed turn is empty)")
)

// RunOptions are the per-run settings accepted by Run, RunAsync and Start.
type RunOptions struct {
	// TimeoutMs bounds the run. 0 means no deadline; negative values are rejected.
	TimeoutMs int64 `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty" mapstructure:"timeout_ms"`
	// Tags are passed unmodified to every middleware, tool handler and hook of the run.
	Tags map[string]string `json:"tags,omitempty" yaml:"tags,omitempty" mapstructure:"tags"`
}

// RunResult is delivered by RunAsync.
type RunResult struct {
	Turn *turns.Turn
	Err  error
}

// Session represents a long-lived, multi-turn interaction.
//
// It owns:
// - a stable SessionID
// - the turn history
// - the invariant that only one run is active at a time
//
// A run operates on a copy of the latest turn and, on success, replaces that
// latest entry with its output, so a run never grows the history by itself.
// Starting a run while another one is active is rejected with
// ErrSessionAlreadyActive; runs are never queued.
//
// Every turn handed out by the session is a copy.
type Session struct {
	SessionID string
	Builder   EngineBuilder

	logger zerolog.Logger
	sinks  []events.EventSink

	mu      sync.Mutex
	history []*turns.Turn
	active  *RunHandle
}

type Option func(*Session)

func WithSessionID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.SessionID = id
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithEventSinks adds sinks that receive the events of every run of the session.
func WithEventSinks(sinks ...events.EventSink) Option {
	return func(s *Session) { s.sinks = append(s.sinks, sinks...) }
}

// NewSession constructs a Session with a generated SessionID.
func NewSession(builder EngineBuilder, opts ...Option) *Session {
	s := &Session{
		SessionID: uuid.NewString(),
		Builder:   builder,
		logger:    log.Logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Append stores a normalized copy of t as the latest turn. Nil turns are ignored.
func (s *Session) Append(t *turns.Turn) {
	if s == nil || t == nil {
		return
	}
	cp := turns.Normalize(t.Clone())
	s.mu.Lock()
	defer s.mu.Unlock()
	stampSessionID(cp, s.SessionID)
	s.history = append(s.history, cp)
}

// AppendNewTurnFromUserPrompts clones the latest turn (if any) under a new id,
// appends one user block per non-empty prompt and appends the result. It
// returns a copy of the appended turn.
func (s *Session) AppendNewTurnFromUserPrompts(prompts ...string) (*turns.Turn, error) {
	if s == nil {
		return nil, ErrSessionNil
	}
	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return nil, ErrSessionAlreadyActive
	}
	seed := &turns.Turn{}
	if n := len(s.history); n > 0 {
		seed = s.history[n-1].Clone()
		// a new turn must not share the previous id, persistence is keyed by it
		seed.ID = ""
	}
	s.mu.Unlock()

	for _, prompt := range prompts {
		if prompt != "" {
			turns.AppendBlock(seed, turns.NewUserTextBlock(prompt))
		}
	}
	turns.Normalize(seed)
	s.Append(seed)
	return seed.Clone(), nil
}

// Latest returns a copy of the latest turn, nil when the history is empty.
func (s *Session) Latest() *turns.Turn {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return nil
	}
	return s.history[len(s.history)-1].Clone()
}

func (s *Session) TurnCount() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// GetTurn returns a copy of turn i, nil when i is out of range.
func (s *Session) GetTurn(i int) *turns.Turn {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.history) {
		return nil
	}
	return s.history[i].Clone()
}

// TurnsSnapshot returns copies of every turn in history order.
func (s *Session) TurnsSnapshot() []*turns.Turn {
	return s.TurnsRange(0, -1)
}

// TurnsRange returns copies of turns[start:end]. Bounds are clamped to the
// history; a negative end means the end of the history.
func (s *Session) TurnsRange(start, end int) []*turns.Turn {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.history)
	if end < 0 || end > n {
		end = n
	}
	if start < 0 {
		start = 0
	}
	if start >= end {
		return []*turns.Turn{}
	}
	out := make([]*turns.Turn, 0, end-start)
	for _, t := range s.history[start:end] {
		out = append(out, t.Clone())
	}
	return out
}

// IsRunning reports whether the session currently has an active run.
func (s *Session) IsRunning() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// CancelActive cancels the current run, if any.
func (s *Session) CancelActive() error {
	if s == nil {
		return ErrSessionNil
	}
	s.mu.Lock()
	h := s.active
	s.mu.Unlock()
	if h == nil || h.State() != RunStateRunning {
		return ErrSessionNoActive
	}
	h.Cancel()
	return nil
}

// Run appends seed (when non-nil), runs the latest turn and blocks until the
// run finishes.
func (s *Session) Run(ctx context.Context, seed *turns.Turn, opts RunOptions) (*turns.Turn, error) {
	return s.Start(ctx, seed, opts).Wait()
}

// RunAsync is Run without blocking. The channel yields exactly one result.
func (s *Session) RunAsync(ctx context.Context, seed *turns.Turn, opts RunOptions) <-chan RunResult {
	h := s.Start(ctx, seed, opts)
	ch := make(chan RunResult, 1)
	go func() {
		defer close(ch)
		out, err := h.Wait()
		ch <- RunResult{Turn: out, Err: err}
	}()
	return ch
}

// Start appends seed (when non-nil) and starts a run of the latest turn.
//
// Start never fails synchronously: rejections (no builder, invalid options,
// empty history, another active run) terminate the returned handle with an
// error event, like any failure during the run.
func (s *Session) Start(ctx context.Context, seed *turns.Turn, opts RunOptions) *RunHandle {
	if ctx == nil {
		ctx = context.Background()
	}
	inferenceID := uuid.NewString()
	if s == nil {
		h := newRunHandle("", inferenceID)
		rejectRun(ctx, h, nil, ErrSessionNil)
		return h
	}
	h := newRunHandle(s.SessionID, inferenceID)

	startedAt := time.Now()
	rc := runctx.RunContext{
		SessionID:   s.SessionID,
		InferenceID: inferenceID,
		Tags:        opts.Tags,
	}
	if opts.TimeoutMs < 0 {
		rejectRun(runctx.With(ctx, rc), h, s.sinks, runerrors.NewConfigurationError("timeoutMs must not be negative, got %d", opts.TimeoutMs))
		return h
	}
	if s.Builder == nil {
		rejectRun(runctx.With(ctx, rc), h, s.sinks, runerrors.WrapConfiguration(ErrSessionBuilderNil, "session"))
		return h
	}
	rc.DeadlineMs = runctx.DeadlineFromTimeout(startedAt, time.Duration(opts.TimeoutMs)*time.Millisecond)

	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		rejectRun(runctx.With(ctx, rc), h, s.sinks, ErrSessionAlreadyActive)
		return h
	}
	if seed != nil {
		cp := turns.Normalize(seed.Clone())
		stampSessionID(cp, s.SessionID)
		s.history = append(s.history, cp)
	}
	idx := len(s.history) - 1
	if idx < 0 || len(s.history[idx].Blocks) == 0 {
		s.mu.Unlock()
		rejectRun(runctx.With(ctx, rc), h, s.sinks, ErrSessionEmptyTurn)
		return h
	}
	input := s.history[idx].Clone()
	_ = turns.KeyTurnMetaSessionID.Set(&input.Metadata, s.SessionID)
	_ = turns.KeyTurnMetaInferenceID.Set(&input.Metadata, inferenceID)

	runCtx := ctx
	var cancelDeadline context.CancelFunc = func() {}
	if rc.DeadlineMs > 0 {
		runCtx, cancelDeadline = context.WithDeadline(runCtx, time.UnixMilli(rc.DeadlineMs))
	}
	runCtx, cancel := context.WithCancel(runCtx)
	runCtx = runctx.With(runCtx, rc)
	runCtx = events.WithEventSinks(runCtx, s.runSinks(h)...)

	h.setRunning(func() {
		cancel()
		cancelDeadline()
	})
	s.active = h
	s.mu.Unlock()

	logger := s.logger.With().Str("session_id", s.SessionID).Str("inference_id", inferenceID).Logger()
	logger.Debug().Int64("deadline_ms", rc.DeadlineMs).Msg("session: run started")

	go s.execute(runCtx, h, idx, input, logger)
	return h
}

func (s *Session) runSinks(h *RunHandle) []events.EventSink {
	sinks := make([]events.EventSink, 0, len(s.sinks)+1)
	sinks = append(sinks, h)
	return append(sinks, s.sinks...)
}

func (s *Session) execute(ctx context.Context, h *RunHandle, idx int, input *turns.Turn, logger zerolog.Logger) {
	rc, _ := runctx.From(ctx)
	events.PublishEventToContext(ctx, events.NewStartEvent(events.NewMetadata(ctx, input.ID)))

	out, err := s.invoke(ctx, input)
	if err == nil {
		// the runner may have returned before noticing a cancellation or deadline
		err = runerrors.FromContext(ctx, rc.DeadlineMs)
	} else {
		err = runerrors.Classify(err, rc.DeadlineMs)
	}
	if out == nil {
		out = input
	}

	if err == nil {
		if out.ID == "" {
			out.ID = input.ID
		}
		_ = turns.KeyTurnMetaSessionID.Set(&out.Metadata, s.SessionID)
		_ = turns.KeyTurnMetaInferenceID.Set(&out.Metadata, h.InferenceID)
	}

	state, err := h.finish(out, err)
	if state == RunStateCompleted {
		s.mu.Lock()
		if idx < len(s.history) {
			s.history[idx] = out.Clone()
		}
		s.mu.Unlock()
	}

	md := events.NewMetadata(ctx, out.ID)
	if err != nil {
		logger.Error().Err(err).Str("state", string(state)).Str("kind", string(runerrors.KindOf(err))).Msg("session: run failed")
		events.PublishEventToContext(ctx, events.NewErrorEvent(md, err))
	} else {
		logger.Debug().Int("blocks", len(out.Blocks)).Msg("session: run completed")
		events.PublishEventToContext(ctx, events.NewFinalEvent(md, lastAssistantText(out)))
	}

	s.mu.Lock()
	if s.active == h {
		s.active = nil
	}
	s.mu.Unlock()
	h.markDone()
}

func (s *Session) invoke(ctx context.Context, input *turns.Turn) (out *turns.Turn, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = input, fmt.Errorf("run panicked: %v", r)
		}
	}()
	runner, err := s.Builder.Build(ctx, s.SessionID)
	if err != nil {
		return input, err
	}
	if runner == nil {
		return input, runerrors.NewConfigurationError("session builder returned no runner")
	}
	return runner.RunInference(ctx, input)
}

// rejectRun terminates h before it ever ran.
func rejectRun(ctx context.Context, h *RunHandle, sinks []events.EventSink, err error) {
	all := append([]events.EventSink{h}, sinks...)
	ctx = events.WithEventSinks(ctx, all...)
	_, err = h.finish(nil, err)
	log.Debug().Err(err).Str("session_id", h.SessionID).Msg("session: run rejected")
	events.PublishEventToContext(ctx, events.NewErrorEvent(events.NewMetadata(ctx, ""), err))
	h.markDone()
}

func lastAssistantText(t *turns.Turn) string {
	if t == nil {
		return ""
	}
	for i := len(t.Blocks) - 1; i >= 0; i-- {
		if t.Blocks[i].Kind == turns.BlockKindLLMText {
			return t.Blocks[i].Text()
		}
	}
	return ""
}
