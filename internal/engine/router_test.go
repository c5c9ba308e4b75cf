package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/protocol"

	"github.com/ggoodman/lsp-server-go/internal/jsonrpc"
	"github.com/ggoodman/lsp-server-go/internal/scheduler"
	"github.com/ggoodman/lsp-server-go/lsp"
	"github.com/ggoodman/lsp-server-go/match"
	"github.com/ggoodman/lsp-server-go/registry"
)

type recorder struct {
	responses chan *jsonrpc.Response
}

func newRecorder() *recorder {
	return &recorder{responses: make(chan *jsonrpc.Response, 16)}
}

func (r *recorder) WriteMessage(_ context.Context, msg any) error {
	if resp, ok := msg.(*jsonrpc.Response); ok {
		r.responses <- resp
	}
	return nil
}

func (r *recorder) next(t *testing.T) *jsonrpc.Response {
	t.Helper()
	select {
	case resp := <-r.responses:
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a response")
		return nil
	}
}

func (r *recorder) none(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case resp := <-r.responses:
		t.Fatalf("unexpected response: %+v", resp)
	case <-time.After(within):
	}
}

type fixture struct {
	reg    *registry.Registry
	router *Router
	out    *recorder
	sched  *scheduler.Scheduler
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	reg := registry.New(nil)
	out := newRecorder()
	sched := scheduler.New()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sched.Close(ctx)
	})
	return &fixture{
		reg:    reg,
		out:    out,
		sched:  sched,
		router: NewRouter(match.NewResolver(reg, match.DefaultMatchers()...), sched, out, opts...),
	}
}

func (f *fixture) handle(t *testing.T, method lsp.Method, h registry.HandlerFunc, filters ...*protocol.DocumentFilter) {
	t.Helper()
	var sel protocol.DocumentSelector
	if len(filters) > 0 {
		sel = filters
	}
	_, err := f.reg.Add(registry.Descriptor{Method: string(method), Handler: h, DocumentSelector: sel})
	require.NoError(t, err)
}

func request(id any, method lsp.Method, params any) *jsonrpc.Request {
	raw, _ := json.Marshal(params)
	return &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, ID: jsonrpc.NewRequestID(id), Method: string(method), Params: raw}
}

func notification(method lsp.Method, params any) *jsonrpc.Request {
	raw, _ := json.Marshal(params)
	return &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(method), Params: raw}
}

func hoverParams(uri string) map[string]any {
	return map[string]any{"textDocument": map[string]any{"uri": uri}, "position": map[string]any{"line": 0, "character": 0}}
}

func TestRequestSuccess(t *testing.T) {
	f := newFixture(t)
	f.handle(t, lsp.HoverMethod, func(ctx context.Context, params json.RawMessage) (any, error) {
		return map[string]string{"contents": "hi"}, nil
	})

	f.router.HandleRequest(context.Background(), request(1, lsp.HoverMethod, hoverParams("file:///a.cs")))
	resp := f.out.next(t)
	require.Nil(t, resp.Error)
	assert.Equal(t, "n:1", resp.ID.Key())
	assert.JSONEq(t, `{"contents":"hi"}`, string(resp.Result))
	assert.Zero(t, f.router.Pending())
}

func TestCancelInFlightRequest(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	f.handle(t, lsp.HoverMethod, func(ctx context.Context, params json.RawMessage) (any, error) {
		close(started)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Second):
			return "late", nil
		}
	})

	id := jsonrpc.NewRequestID("req-7")
	f.router.HandleRequest(context.Background(), request("req-7", lsp.HoverMethod, hoverParams("file:///a.cs")))
	<-started
	require.True(t, f.router.InFlight(id))

	require.True(t, f.router.CancelRequest(id))
	resp := f.out.next(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ErrorCode(lsp.CodeRequestCancelled), resp.Error.Code)
	assert.Equal(t, id.Key(), resp.ID.Key())
	assert.False(t, f.router.InFlight(id))

	assert.False(t, f.router.CancelRequest(id), "late cancellation is ignored")
	assert.False(t, f.router.CancelRequest(jsonrpc.NewRequestID(99)))
}

func TestCancelledRequestIgnoresHandlerResult(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	f.handle(t, lsp.HoverMethod, func(ctx context.Context, params json.RawMessage) (any, error) {
		close(started)
		<-ctx.Done()
		return "computed anyway", nil
	})

	f.router.HandleRequest(context.Background(), request(3, lsp.HoverMethod, hoverParams("file:///a.cs")))
	<-started
	f.router.CancelRequest(jsonrpc.NewRequestID(3))

	resp := f.out.next(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ErrorCode(lsp.CodeRequestCancelled), resp.Error.Code)
}

func TestNumericAndStringIDsAreDistinct(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.handle(t, lsp.HoverMethod, func(ctx context.Context, params json.RawMessage) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return "ok", nil
		}
	})

	f.router.HandleRequest(context.Background(), request(1, lsp.HoverMethod, hoverParams("file:///a.cs")))
	f.router.HandleRequest(context.Background(), request("1", lsp.HoverMethod, hoverParams("file:///a.cs")))

	require.Eventually(t, func() bool { return f.router.Pending() == 2 }, time.Second, time.Millisecond)
	require.True(t, f.router.CancelRequest(jsonrpc.NewRequestID("1")))

	resp := f.out.next(t)
	assert.Equal(t, "s:1", resp.ID.Key())
	require.NotNil(t, resp.Error)

	close(release)
	resp = f.out.next(t)
	assert.Equal(t, "n:1", resp.ID.Key())
	assert.Nil(t, resp.Error)
}

func TestDuplicateRequestID(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.handle(t, lsp.HoverMethod, func(ctx context.Context, params json.RawMessage) (any, error) {
		<-release
		return "ok", nil
	})

	f.router.HandleRequest(context.Background(), request(5, lsp.HoverMethod, hoverParams("file:///a.cs")))
	f.router.HandleRequest(context.Background(), request(5, lsp.HoverMethod, hoverParams("file:///a.cs")))

	resp := f.out.next(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ErrorCodeInvalidRequest, resp.Error.Code)

	close(release)
	resp = f.out.next(t)
	assert.Nil(t, resp.Error)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		h    registry.HandlerFunc
		code jsonrpc.ErrorCode
	}{
		{"plain error", func(context.Context, json.RawMessage) (any, error) { return nil, errors.New("boom") }, jsonrpc.ErrorCodeInternalError},
		{"panic", func(context.Context, json.RawMessage) (any, error) { panic("kaboom") }, jsonrpc.ErrorCodeInternalError},
		{"response error", func(context.Context, json.RawMessage) (any, error) {
			return nil, lsp.NewResponseError(lsp.CodeRequestFailed, "cannot rename here")
		}, jsonrpc.ErrorCode(lsp.CodeRequestFailed)},
		{"wrapped invalid params", func(context.Context, json.RawMessage) (any, error) {
			return nil, errors.Join(errors.New("decode"), lsp.InvalidParamsf("bad position"))
		}, jsonrpc.ErrorCodeInvalidParams},
		{"context cancelled", func(context.Context, json.RawMessage) (any, error) { return nil, context.Canceled }, jsonrpc.ErrorCode(lsp.CodeRequestCancelled)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.handle(t, lsp.HoverMethod, tt.h)
			f.router.HandleRequest(context.Background(), request(1, lsp.HoverMethod, hoverParams("file:///a.cs")))
			resp := f.out.next(t)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.Zero(t, f.router.Pending())
		})
	}
}

func TestMethodNotFound(t *testing.T) {
	f := newFixture(t)
	f.router.HandleRequest(context.Background(), request(1, lsp.HoverMethod, hoverParams("file:///a.cs")))
	resp := f.out.next(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ErrorCodeMethodNotFound, resp.Error.Code)
	assert.Zero(t, f.router.Pending())
}

func TestRequestRoutedByDocumentPattern(t *testing.T) {
	f := newFixture(t)
	var cs, cake atomic.Int32
	f.handle(t, lsp.HoverMethod, func(context.Context, json.RawMessage) (any, error) {
		cs.Add(1)
		return "cs", nil
	}, &protocol.DocumentFilter{Pattern: "**/*.cs"})
	f.handle(t, lsp.HoverMethod, func(context.Context, json.RawMessage) (any, error) {
		cake.Add(1)
		return "cake", nil
	}, &protocol.DocumentFilter{Pattern: "**/*.cake"})

	f.router.HandleRequest(context.Background(), request(1, lsp.HoverMethod, hoverParams("file:///ws/build.cake")))
	resp := f.out.next(t)
	assert.JSONEq(t, `"cake"`, string(resp.Result))
	assert.Equal(t, int32(1), cake.Load())
	assert.Equal(t, int32(0), cs.Load())
}

func TestNotificationBroadcast(t *testing.T) {
	f := newFixture(t)
	var cs, cake atomic.Int32
	done := make(chan struct{}, 4)
	f.handle(t, lsp.DidSaveNotification, func(context.Context, json.RawMessage) (any, error) {
		cs.Add(1)
		done <- struct{}{}
		return nil, nil
	}, &protocol.DocumentFilter{Pattern: "**/*.cs"})
	f.handle(t, lsp.DidSaveNotification, func(context.Context, json.RawMessage) (any, error) {
		cake.Add(1)
		done <- struct{}{}
		return nil, errors.New("swallowed")
	}, &protocol.DocumentFilter{Pattern: "**/*.cake"})

	f.router.HandleNotification(context.Background(), notification(lsp.DidSaveNotification, map[string]any{
		"textDocument": map[string]any{"uri": "file:///ws/build.cake"},
	}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notification handler not invoked")
	}
	require.NoError(t, f.sched.Close(context.Background()))

	assert.Equal(t, int32(1), cake.Load())
	assert.Equal(t, int32(0), cs.Load())
	f.out.none(t, 20*time.Millisecond)
}

func TestSerialSupersessionAnswersContentModified(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{}, 2)
	f.handle(t, lsp.FormattingMethod, func(ctx context.Context, params json.RawMessage) (any, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	params := map[string]any{"textDocument": map[string]any{"uri": "file:///a.cs"}, "options": map[string]any{"tabSize": 4, "insertSpaces": true}}
	f.router.HandleRequest(context.Background(), request(1, lsp.FormattingMethod, params))
	<-started
	f.router.HandleRequest(context.Background(), request(2, lsp.FormattingMethod, params))

	resp := f.out.next(t)
	assert.Equal(t, "n:1", resp.ID.Key())
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ErrorCode(lsp.CodeContentModified), resp.Error.Code)

	<-started
	f.router.CancelRequest(jsonrpc.NewRequestID(2))
	resp = f.out.next(t)
	assert.Equal(t, "n:2", resp.ID.Key())
	assert.Equal(t, jsonrpc.ErrorCode(lsp.CodeRequestCancelled), resp.Error.Code)
}

func TestGateHoldsRequests(t *testing.T) {
	open := make(chan struct{})
	f := newFixture(t, WithGate(func(ctx context.Context, method string) error {
		select {
		case <-open:
			return nil
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}))
	f.handle(t, lsp.HoverMethod, func(context.Context, json.RawMessage) (any, error) { return "ok", nil })

	f.router.HandleRequest(context.Background(), request(1, lsp.HoverMethod, hoverParams("file:///a.cs")))
	f.out.none(t, 20*time.Millisecond)
	close(open)
	resp := f.out.next(t)
	assert.Nil(t, resp.Error)
}
