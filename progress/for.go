package progress

import (
	"context"
	"errors"
	"slices"

	"github.com/ggoodman/lsp-server-go/lsp"
)

// Observer receives the items of an aggregating stream. It is safe for
// concurrent use.
type Observer[T any] struct {
	s     *session
	items []T // guarded by s.mu
}

// Next appends items to the aggregate and emits them as one partial result.
// It returns false once the stream is complete or cancelled, in which case
// the items are dropped.
func (o *Observer[T]) Next(items ...T) bool {
	if len(items) == 0 {
		return !o.s.isDone()
	}
	chunk := slices.Clone(items)
	err := o.s.push(chunk, func() { o.items = append(o.items, chunk...) })
	return !errors.Is(err, lsp.ErrProgressSessionComplete)
}

// Token returns the token the stream reports under.
func (o *Observer[T]) Token() lsp.ProgressToken { return o.s.token }

// For runs fn as an aggregating stream under token, generating a token when
// token is zero. Every chunk fn pushes is sent as $/progress; the return value
// holds all of them, so callers that ignore progress still see the full
// answer. When ctx ends first the cause is returned and the aggregate is
// discarded.
func For[T any](ctx context.Context, m *Manager, token lsp.ProgressToken, fn func(ctx context.Context, obs *Observer[T]) error) ([]T, error) {
	s, err := m.open(ctx, token, modePartial)
	if err != nil {
		return nil, err
	}
	defer s.complete()

	obs := &Observer[T]{s: s}
	if err := fn(ctx, obs); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}

	// After complete no push can be accepted, so items is final.
	s.complete()
	if obs.items == nil {
		return []T{}, nil
	}
	return obs.items, nil
}
