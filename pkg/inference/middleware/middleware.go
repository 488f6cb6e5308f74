package middleware

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/go-go-golems/turnkit/pkg/inference/engine"
	"github.com/go-go-golems/turnkit/pkg/inference/runerrors"
	"github.com/go-go-golems/turnkit/pkg/turns"
)

// HandlerFunc processes a Turn and returns the updated Turn.
type HandlerFunc func(ctx context.Context, t *turns.Turn) (*turns.Turn, error)

// Middleware wraps a HandlerFunc.
type Middleware func(HandlerFunc) HandlerFunc

// Chain composes middlewares around handler. The first middleware is the
// outermost: Chain(h, A, B) runs A's pre-processing, then B's, then h, and
// unwinds through B before A.
//
// Every middleware is guarded: errors raised by its own code come back as
// *runerrors.MiddlewareError, errors coming from next pass through untouched,
// and panics are recovered.
func Chain(handler HandlerFunc, middlewares ...Middleware) HandlerFunc {
	for i := len(middlewares) - 1; i >= 0; i-- {
		if middlewares[i] == nil {
			continue
		}
		handler = guard(fmt.Sprintf("#%d", i), middlewares[i])(handler)
	}
	return handler
}

// Named attaches name to mw so that failures it raises are reported under it.
func Named(name string, mw Middleware) Middleware {
	return guard(name, mw)
}

func guard(name string, mw Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, t *turns.Turn) (out *turns.Turn, err error) {
			var fromNext error
			nextCalled := false
			tracked := func(ctx context.Context, t *turns.Turn) (*turns.Turn, error) {
				nextCalled = true
				res, err := next(ctx, t)
				fromNext = err
				return res, err
			}

			defer func() {
				if r := recover(); r != nil {
					out = t
					err = &runerrors.MiddlewareError{Name: name, Err: errors.Errorf("panic: %v", r)}
				}
			}()

			out, err = mw(tracked)(ctx, t)
			if err != nil {
				if fromNext != nil && errors.Is(err, fromNext) {
					return out, err
				}
				return out, classify(name, err)
			}
			if out == nil {
				return t, &runerrors.MiddlewareError{
					Name: name,
					Err:  errors.Errorf("returned no turn (next called: %v)", nextCalled),
				}
			}
			return out, nil
		}
	}
}

// classify leaves errors that already carry a run error kind alone.
func classify(name string, err error) error {
	if runerrors.KindOf(err) != runerrors.KindUnknown {
		return err
	}
	return &runerrors.MiddlewareError{Name: name, Err: err}
}

// EngineHandler adapts an engine to the innermost handler of a chain.
func EngineHandler(e engine.Engine) HandlerFunc {
	return func(ctx context.Context, t *turns.Turn) (*turns.Turn, error) {
		return e.RunInference(ctx, t)
	}
}

// EngineWithMiddleware is an engine whose RunInference runs through a middleware chain.
type EngineWithMiddleware struct {
	handler HandlerFunc
	inner   engine.Engine
}

var _ engine.Engine = (*EngineWithMiddleware)(nil)

func NewEngineWithMiddleware(e engine.Engine, middlewares ...Middleware) *EngineWithMiddleware {
	return &EngineWithMiddleware{
		handler: Chain(EngineHandler(e), middlewares...),
		inner:   e,
	}
}

func (e *EngineWithMiddleware) RunInference(ctx context.Context, t *turns.Turn) (*turns.Turn, error) {
	return e.handler(ctx, t)
}

// Inner returns the wrapped engine.
func (e *EngineWithMiddleware) Inner() engine.Engine {
	return e.inner
}
