package pipeline

import (
	"context"
	"fmt"
)

// Handler executes one stage against the current run state.
type Handler func(ctx context.Context, r *Run) error

// Middleware wraps a stage handler. Middlewares are applied to every stage;
// the stage argument lets a middleware act selectively.
//
// A middleware that returns an error without calling next aborts the stage;
// the error is recorded as a middleware failure and the pipeline continues
// with the stage's input content, same as any other degraded stage.
type Middleware func(stage Stage, next Handler) Handler

// chain wraps h with the given middlewares, outermost first.
func chain(stage Stage, h Handler, mws []Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = wrapMiddleware(stage, mws[i], h)
	}
	return h
}

// wrapMiddleware tags errors raised by mw itself (as opposed to the wrapped
// handler) with ErrMiddleware so they are distinguishable in the record.
func wrapMiddleware(stage Stage, mw Middleware, next Handler) Handler {
	inner := func(ctx context.Context, r *Run) (err error) {
		called := false
		wrapped := mw(stage, func(ctx context.Context, r *Run) error {
			called = true
			return next(ctx, r)
		})
		err = wrapped(ctx, r)
		if err != nil && !called {
			return fmt.Errorf("%w: %w", ErrMiddleware, err)
		}
		return err
	}
	return inner
}
