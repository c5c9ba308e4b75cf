package engine

import (
	"context"
)

// MessageWriter delivers outbound messages (responses, notifications and
// server-to-client requests) to the peer.
type MessageWriter interface {
	WriteMessage(ctx context.Context, msg any) error
}

type MessageWriterFunc func(ctx context.Context, msg any) error

func (f MessageWriterFunc) WriteMessage(ctx context.Context, msg any) error {
	return f(ctx, msg)
}
