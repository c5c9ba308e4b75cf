package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ggoodman/lsp-server-go/internal/jsonrpc"
	"github.com/ggoodman/lsp-server-go/internal/logctx"
	"github.com/ggoodman/lsp-server-go/internal/scheduler"
	"github.com/ggoodman/lsp-server-go/lsp"
	"github.com/ggoodman/lsp-server-go/match"
	"github.com/ggoodman/lsp-server-go/registry"
)

// Gate blocks until method is routable or ctx ends. Sessions use it to hold
// requests for methods that are waiting on dynamic registration.
type Gate func(ctx context.Context, method string) error

// Decorator derives the context a handler runs with.
type Decorator func(ctx context.Context, req *jsonrpc.Request, d *registry.Descriptor) context.Context

// Router resolves inbound messages to handlers, admits them to the scheduler
// and writes responses. It owns the table of in-flight requests used for
// cancellation.
type Router struct {
	resolver *match.Resolver
	sched    *scheduler.Scheduler
	out      MessageWriter
	log      *slog.Logger
	gate     Gate
	decorate Decorator

	mu       sync.Mutex
	inflight map[string]*inflight // RequestID.Key() -> entry
}

type inflight struct {
	cancel context.CancelCauseFunc
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets a custom logger for the Router.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

// WithGate installs a gate consulted before each handler runs.
func WithGate(g Gate) Option {
	return func(r *Router) { r.gate = g }
}

// WithDecorator installs a function deriving handler contexts.
func WithDecorator(d Decorator) Option {
	return func(r *Router) { r.decorate = d }
}

// NewRouter returns a router writing responses to out.
func NewRouter(resolver *match.Resolver, sched *scheduler.Scheduler, out MessageWriter, opts ...Option) *Router {
	r := &Router{
		resolver: resolver,
		sched:    sched,
		out:      out,
		log:      slog.Default(),
		inflight: make(map[string]*inflight),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// HandleRequest routes a request. It returns once the request is admitted;
// the response is written when the handler finishes.
func (r *Router) HandleRequest(ctx context.Context, req *jsonrpc.Request) {
	start := time.Now()
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: "request"})
	r.log.DebugContext(ctx, "router.request.received")

	if req.ID.IsNil() {
		r.write(ctx, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, "request without id", nil))
		return
	}

	// The entry is in place before anything can yield, so a $/cancelRequest
	// read right after this request always finds it.
	reqCtx, cancel := context.WithCancelCause(ctx)
	entry := &inflight{cancel: cancel}
	key := req.ID.Key()

	r.mu.Lock()
	if _, exists := r.inflight[key]; exists {
		r.mu.Unlock()
		cancel(context.Canceled)
		r.log.WarnContext(ctx, "router.request.duplicate_id")
		r.write(ctx, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "duplicate request id "+req.ID.String(), nil))
		return
	}
	r.inflight[key] = entry
	r.mu.Unlock()

	ds, err := r.resolver.Resolve(req.Method, req.Params, true)
	if err != nil {
		r.finish(reqCtx, req, entry, start, nil, err)
		return
	}
	d := ds[0]
	r.log.DebugContext(reqCtx, "router.request.resolved", slog.String("key", d.Key))

	job := scheduler.JobFor(d, true)
	job.Cancel = cancel
	job.Run = func() {
		res, err := r.execute(reqCtx, req, d)
		r.finish(reqCtx, req, entry, start, res, err)
	}
	job.Fail = func(err error) {
		r.finish(reqCtx, req, entry, start, nil, err)
	}
	if err := r.sched.Admit(job); err != nil {
		r.finish(reqCtx, req, entry, start, nil, lsp.NewResponseError(lsp.CodeInvalidRequest, "server is shutting down"))
		return
	}
	r.log.DebugContext(reqCtx, "router.request.admitted", slog.String("concurrency", job.Concurrency.String()))
}

// HandleNotification invokes every handler matching a notification. Failures
// are logged and never answered.
func (r *Router) HandleNotification(ctx context.Context, req *jsonrpc.Request) {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, Type: "notification"})

	ds, err := r.resolver.Resolve(req.Method, req.Params, false)
	if err != nil {
		r.log.WarnContext(ctx, "router.notification.resolve.fail", slog.String("err", err.Error()))
		return
	}
	if len(ds) == 0 {
		r.log.DebugContext(ctx, "router.notification.unhandled")
		return
	}

	for _, d := range ds {
		job := scheduler.JobFor(d, false)
		job.Run = func() {
			start := time.Now()
			_, err := r.execute(ctx, req, d)
			switch {
			case err == nil:
				r.log.DebugContext(ctx, "router.notification.ok", slog.String("key", d.Key), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			case isCancellation(ctx, err):
				r.log.InfoContext(ctx, "router.notification.cancelled", slog.String("key", d.Key))
			default:
				r.log.ErrorContext(ctx, "router.notification.fail", slog.String("key", d.Key), slog.String("err", err.Error()))
			}
		}
		if err := r.sched.Admit(job); err != nil {
			r.log.WarnContext(ctx, "router.notification.admit.fail", slog.String("err", err.Error()))
		}
	}
}

// CancelRequest signals cancellation of an in-flight request. Unknown and
// already completed ids are ignored. It reports whether a request was
// signalled.
func (r *Router) CancelRequest(id *jsonrpc.RequestID) bool {
	if id.IsNil() {
		return false
	}
	r.mu.Lock()
	entry, ok := r.inflight[id.Key()]
	r.mu.Unlock()
	if !ok {
		r.log.Debug("router.cancel.unknown", slog.String("request_id", id.String()))
		return false
	}
	entry.cancel(lsp.ErrRequestCancelled)
	r.log.Debug("router.cancel.signalled", slog.String("request_id", id.String()))
	return true
}

// CancelAll cancels every in-flight request with cause.
func (r *Router) CancelAll(cause error) {
	r.mu.Lock()
	entries := make([]*inflight, 0, len(r.inflight))
	for _, e := range r.inflight {
		entries = append(entries, e)
	}
	r.mu.Unlock()
	for _, e := range entries {
		e.cancel(cause)
	}
}

// InFlight reports whether a request with id is being routed.
func (r *Router) InFlight(id *jsonrpc.RequestID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inflight[id.Key()]
	return ok
}

// Pending returns the number of in-flight requests.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

func (r *Router) execute(ctx context.Context, req *jsonrpc.Request, d *registry.Descriptor) (res any, err error) {
	if err := context.Cause(ctx); err != nil {
		return nil, err
	}
	if r.gate != nil {
		if err := r.gate(ctx, req.Method); err != nil {
			return nil, err
		}
	}
	ctx = logctx.WithHandlerData(ctx, &logctx.HandlerData{Key: d.Key, Concurrency: d.Concurrency.String()})
	if r.decorate != nil {
		ctx = r.decorate(ctx, req, d)
	}

	defer func() {
		if p := recover(); p != nil {
			r.log.ErrorContext(ctx, "router.handler.panic", slog.Any("panic", p), slog.String("stack", string(debug.Stack())))
			res, err = nil, fmt.Errorf("handler panic: %v", p)
		}
	}()
	r.log.DebugContext(ctx, "router.handler.executing")
	return d.Handler.Handle(ctx, req.Params)
}

// finish removes the cancellation entry and then writes the response.
func (r *Router) finish(ctx context.Context, req *jsonrpc.Request, entry *inflight, start time.Time, res any, err error) {
	key := req.ID.Key()
	r.mu.Lock()
	if r.inflight[key] == entry {
		delete(r.inflight, key)
	}
	r.mu.Unlock()

	dur := slog.Int64("dur_ms", time.Since(start).Milliseconds())
	resp := r.respond(ctx, req, res, err)
	entry.cancel(context.Canceled)

	switch {
	case resp.Error == nil:
		r.log.InfoContext(ctx, "router.request.ok", dur)
	case resp.Error.Code == jsonrpc.ErrorCode(lsp.CodeRequestCancelled) || resp.Error.Code == jsonrpc.ErrorCode(lsp.CodeContentModified):
		r.log.InfoContext(ctx, "router.request.cancelled", slog.String("reason", resp.Error.Message), dur)
	case resp.Error.Code == jsonrpc.ErrorCodeInternalError:
		r.log.ErrorContext(ctx, "router.request.fail", slog.String("err", resp.Error.Message), dur)
	default:
		r.log.InfoContext(ctx, "router.request.rejected", slog.Int("code", int(resp.Error.Code)), slog.String("err", resp.Error.Message), dur)
	}
	r.write(ctx, resp)
}

func (r *Router) respond(ctx context.Context, req *jsonrpc.Request, res any, err error) *jsonrpc.Response {
	// A cancelled request is answered as cancelled even if the handler
	// produced a value.
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if errors.Is(cause, lsp.ErrContentModified) {
			return errorResponse(req.ID, lsp.ErrContentModified)
		}
		var re *lsp.ResponseError
		if errors.As(cause, &re) && re.Code == lsp.CodeServerCancelled {
			return errorResponse(req.ID, re)
		}
		return errorResponse(req.ID, lsp.ErrRequestCancelled)
	}
	if err != nil {
		return errorResponse(req.ID, classify(err))
	}
	resp, merr := jsonrpc.NewResultResponse(req.ID, res)
	if merr != nil {
		r.log.ErrorContext(ctx, "router.response.marshal.fail", slog.String("err", merr.Error()))
		return errorResponse(req.ID, lsp.NewResponseError(lsp.CodeInternalError, "marshal result: %v", merr))
	}
	return resp
}

// classify maps a handler error onto a response error. Errors the router does
// not recognize become InternalError.
func classify(err error) *lsp.ResponseError {
	var re *lsp.ResponseError
	if errors.As(err, &re) {
		return re
	}
	if errors.Is(err, context.Canceled) {
		return lsp.ErrRequestCancelled
	}
	return &lsp.ResponseError{Code: lsp.CodeInternalError, Message: err.Error()}
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, lsp.ErrRequestCancelled)
}

func errorResponse(id *jsonrpc.RequestID, re *lsp.ResponseError) *jsonrpc.Response {
	return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCode(re.Code), re.Message, re.Data)
}

func (r *Router) write(ctx context.Context, resp *jsonrpc.Response) {
	if err := r.out.WriteMessage(context.WithoutCancel(ctx), resp); err != nil {
		r.log.ErrorContext(ctx, "router.response.write.fail", slog.String("err", err.Error()))
	}
}
