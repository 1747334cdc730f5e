package offline0

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ExtendableEvent is a lifecycle event whose completion can be deferred until
// work registered with WaitUntil finishes. The first failing task cancels the
// context handed to the others.
type ExtendableEvent struct {
	Type string

	g   *errgroup.Group
	ctx context.Context
}

func newExtendableEvent(ctx context.Context, typ string) *ExtendableEvent {
	g, gctx := errgroup.WithContext(ctx)
	return &ExtendableEvent{Type: typ, g: g, ctx: gctx}
}

// WaitUntil registers fn; the event is not done until fn returns.
func (e *ExtendableEvent) WaitUntil(fn func(ctx context.Context) error) {
	e.g.Go(func() error { return fn(e.ctx) })
}

// Wait blocks until every registered task returns and reports the first error.
func (e *ExtendableEvent) Wait() error {
	return e.g.Wait()
}
