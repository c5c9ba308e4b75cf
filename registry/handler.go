package registry

import (
	"context"
	"encoding/json"
)

// Handler services one JSON-RPC method. params is the raw payload exactly as
// received. For notifications the returned value is ignored.
//
// Implementations MUST honor ctx: cancellation is cooperative and the router
// cannot stop a handler that ignores it.
type Handler interface {
	Handle(ctx context.Context, params json.RawMessage) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, params json.RawMessage) (any, error) {
	return f(ctx, params)
}

// Concurrency classifies whether same-method work may overlap.
type Concurrency int

const (
	// ConcurrencyDefault defers to the handler type, then to the method catalog.
	ConcurrencyDefault Concurrency = iota
	// Parallel work runs without additional synchronization.
	Parallel
	// Serial work for the same method is mutually exclusive and ordered.
	Serial
)

func (c Concurrency) String() string {
	switch c {
	case Parallel:
		return "parallel"
	case Serial:
		return "serial"
	default:
		return "default"
	}
}

// ConcurrencyClassifier is implemented by handler types that need a fixed
// classification regardless of the method they are registered for.
type ConcurrencyClassifier interface {
	Concurrency() Concurrency
}

// Classify computes the classification for a handler registered under method.
// It consults only the handler's type and the static catalog entry.
func Classify(info MethodInfo, h Handler) Concurrency {
	if c, ok := h.(ConcurrencyClassifier); ok {
		if v := c.Concurrency(); v != ConcurrencyDefault {
			return v
		}
	}
	if info.Concurrency != ConcurrencyDefault {
		return info.Concurrency
	}
	return Parallel
}
