package lspserver

import (
	"context"
	"encoding/json"
	"reflect"

	"go.lsp.dev/protocol"

	"github.com/ggoodman/lsp-server-go/lsp"
	"github.com/ggoodman/lsp-server-go/progress"
	"github.com/ggoodman/lsp-server-go/registry"
)

// HandlerOption customizes the descriptor built for a handler.
type HandlerOption func(*registry.Descriptor)

// WithDocumentSelector limits the handler to matching documents. The selector
// also determines the descriptor key.
func WithDocumentSelector(filters ...*protocol.DocumentFilter) HandlerOption {
	return func(d *registry.Descriptor) { d.DocumentSelector = filters }
}

// WithRegistrationOptions sets the options advertised for the handler. A
// documentSelector member is used as the document selector unless one was
// given with WithDocumentSelector.
func WithRegistrationOptions(opts any) HandlerOption {
	return func(d *registry.Descriptor) { d.RegistrationOptions = opts }
}

// WithConcurrency overrides the Serial/Parallel classification.
func WithConcurrency(c registry.Concurrency) HandlerOption {
	return func(d *registry.Descriptor) { d.Concurrency = c }
}

// WithKey sets the descriptor key explicitly.
func WithKey(key string) HandlerOption {
	return func(d *registry.Descriptor) { d.Key = key }
}

func descriptor(method lsp.Method, h registry.Handler, opts []HandlerOption) registry.Descriptor {
	d := registry.Descriptor{Method: string(method), Handler: h}
	for _, opt := range opts {
		if opt != nil {
			opt(&d)
		}
	}
	return d
}

// Handle registers h for method.
func Handle(s *Server, method lsp.Method, h registry.Handler, opts ...HandlerOption) error {
	_, err := s.Register(descriptor(method, h, opts))
	return err
}

// HandleGroup registers one handler value for several related methods, such
// as a provide method and its resolve. The descriptors share the options and
// therefore one key.
func HandleGroup(s *Server, h registry.Handler, methods []lsp.Method, opts ...HandlerOption) error {
	ds := make([]registry.Descriptor, 0, len(methods))
	for _, m := range methods {
		ds = append(ds, descriptor(m, h, opts))
	}
	_, err := s.Register(ds...)
	return err
}

// decode binds raw params to P. A failure is an InvalidParams error.
func decode[P any](method lsp.Method, raw json.RawMessage) (P, error) {
	var p P
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, lsp.InvalidParamsf("decode %s params: %v", method, err)
	}
	return p, nil
}

// OnRequest registers a typed request handler.
func OnRequest[P, R any](s *Server, method lsp.Method, fn func(ctx context.Context, params P) (R, error), opts ...HandlerOption) error {
	h := registry.HandlerFunc(func(ctx context.Context, raw json.RawMessage) (any, error) {
		p, err := decode[P](method, raw)
		if err != nil {
			return nil, err
		}
		return fn(ctx, p)
	})
	d := descriptor(method, h, opts)
	d.RequestType = reflect.TypeFor[P]()
	d.ResponseType = reflect.TypeFor[R]()
	_, err := s.Register(d)
	return err
}

// OnNotification registers a typed notification handler.
func OnNotification[P any](s *Server, method lsp.Method, fn func(ctx context.Context, params P) error, opts ...HandlerOption) error {
	h := registry.HandlerFunc(func(ctx context.Context, raw json.RawMessage) (any, error) {
		p, err := decode[P](method, raw)
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, p)
	})
	d := descriptor(method, h, opts)
	d.RequestType = reflect.TypeFor[P]()
	_, err := s.Register(d)
	return err
}

// OnPartialRequest registers a streaming request handler. Items pushed to the
// observer are sent as partial results when the request carries a
// partialResultToken; the response holds all of them.
func OnPartialRequest[P, T any](s *Server, method lsp.Method, fn func(ctx context.Context, params P, obs *progress.Observer[T]) error, opts ...HandlerOption) error {
	h := registry.HandlerFunc(func(ctx context.Context, raw json.RawMessage) (any, error) {
		p, err := decode[P](method, raw)
		if err != nil {
			return nil, err
		}
		tok, _ := progress.PartialResultToken(raw)
		return progress.For(ctx, managerFrom(ctx), tok, func(ctx context.Context, obs *progress.Observer[T]) error {
			return fn(ctx, p, obs)
		})
	})
	d := descriptor(method, h, opts)
	d.RequestType = reflect.TypeFor[P]()
	d.ResponseType = reflect.TypeFor[[]T]()
	_, err := s.Register(d)
	return err
}

// OnWorkDoneRequest registers a request handler that reports work-done
// progress under the request's workDoneToken, or a generated one.
func OnWorkDoneRequest[P, R any](s *Server, method lsp.Method, fn func(ctx context.Context, params P, begin progress.BeginFunc) (R, error), opts ...HandlerOption) error {
	h := registry.HandlerFunc(func(ctx context.Context, raw json.RawMessage) (any, error) {
		p, err := decode[P](method, raw)
		if err != nil {
			return nil, err
		}
		tok, _ := progress.WorkDoneToken(raw)
		return progress.Delegate(ctx, managerFrom(ctx), tok, func(ctx context.Context, begin progress.BeginFunc) (R, error) {
			return fn(ctx, p, begin)
		})
	})
	d := descriptor(method, h, opts)
	d.RequestType = reflect.TypeFor[P]()
	d.ResponseType = reflect.TypeFor[R]()
	_, err := s.Register(d)
	return err
}

// managerFrom returns the session's progress manager, or a silent one when
// the handler runs outside a session.
func managerFrom(ctx context.Context) *progress.Manager {
	if m, ok := progress.FromContext(ctx); ok {
		return m
	}
	return progress.NewManager(discardClient{})
}

type discardClient struct{}

func (discardClient) Progress(context.Context, lsp.ProgressParams) error { return nil }

func (discardClient) CreateWorkDoneProgress(context.Context, lsp.ProgressToken) error { return nil }
