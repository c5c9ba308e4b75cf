package outbound

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/lsp-server-go/internal/jsonrpc"
	"github.com/ggoodman/lsp-server-go/lsp"
)

type chanTransport struct {
	reqs    chan *jsonrpc.Request
	mu      sync.Mutex
	cancels []string
	sendErr error
}

func newChanTransport() *chanTransport {
	return &chanTransport{reqs: make(chan *jsonrpc.Request, 8)}
}

func (t *chanTransport) SendRequest(_ context.Context, _ *jsonrpc.RequestID, req *jsonrpc.Request) error {
	if t.sendErr != nil {
		return t.sendErr
	}
	t.reqs <- req
	return nil
}

func (t *chanTransport) SendCancel(_ context.Context, id *jsonrpc.RequestID) error {
	t.mu.Lock()
	t.cancels = append(t.cancels, id.Key())
	t.mu.Unlock()
	return nil
}

func (t *chanTransport) cancelled() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.cancels...)
}

func (t *chanTransport) next(t2 *testing.T) *jsonrpc.Request {
	t2.Helper()
	select {
	case r := <-t.reqs:
		return r
	case <-time.After(time.Second):
		t2.Fatal("no outbound request written")
		return nil
	}
}

func TestDispatcher_RequestResponse_OutOfOrder(t *testing.T) {
	t.Parallel()

	tr := newChanTransport()
	d := New(tr)

	type result struct {
		OK int `json:"ok"`
	}
	res1 := make(chan result, 1)
	res2 := make(chan result, 1)
	go func() {
		var r result
		if err := d.Invoke(context.Background(), "client/registerCapability", map[string]any{"a": 1}, &r); err != nil {
			t.Errorf("call1: %v", err)
		}
		res1 <- r
	}()
	req1 := tr.next(t)
	go func() {
		var r result
		if err := d.Invoke(context.Background(), "window/workDoneProgress/create", map[string]any{"b": 2}, &r); err != nil {
			t.Errorf("call2: %v", err)
		}
		res2 <- r
	}()
	req2 := tr.next(t)

	resp2, _ := jsonrpc.NewResultResponse(req2.ID, map[string]any{"ok": 2})
	if !d.OnResponse(resp2) {
		t.Fatal("response 2 not matched")
	}
	resp1, _ := jsonrpc.NewResultResponse(req1.ID, map[string]any{"ok": 1})
	if !d.OnResponse(resp1) {
		t.Fatal("response 1 not matched")
	}

	if got := <-res1; got.OK != 1 {
		t.Fatalf("call1 result = %d", got.OK)
	}
	if got := <-res2; got.OK != 2 {
		t.Fatalf("call2 result = %d", got.OK)
	}
	if d.Pending() != 0 {
		t.Fatalf("pending = %d", d.Pending())
	}
}

func TestDispatcher_CancelContext_SendsCancelRequest(t *testing.T) {
	t.Parallel()

	tr := newChanTransport()
	d := New(tr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := d.Call(ctx, "client/registerCapability", nil)
		done <- err
	}()
	req := tr.next(t)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	got := tr.cancelled()
	if len(got) != 1 || got[0] != req.ID.Key() {
		t.Fatalf("cancelled ids = %v, want [%s]", got, req.ID.Key())
	}

	// A late response for the abandoned call is dropped.
	late, _ := jsonrpc.NewResultResponse(req.ID, nil)
	if d.OnResponse(late) {
		t.Fatal("late response should not match")
	}
}

func TestDispatcher_ErrorResponses(t *testing.T) {
	t.Parallel()

	tr := newChanTransport()
	d := New(tr)

	errs := make(chan error, 2)
	for range 2 {
		go func() { errs <- d.Invoke(context.Background(), "client/registerCapability", nil, nil) }()
	}
	first, second := tr.next(t), tr.next(t)
	d.OnResponse(jsonrpc.NewErrorResponse(first.ID, jsonrpc.ErrorCode(lsp.CodeRequestCancelled), "cancelled by user", nil))
	d.OnResponse(jsonrpc.NewErrorResponse(second.ID, jsonrpc.ErrorCodeMethodNotFound, "unsupported", nil))

	var sawCancelled, sawNotFound bool
	for range 2 {
		err := <-errs
		var re *lsp.ResponseError
		if !errors.As(err, &re) {
			t.Fatalf("expected a response error, got %v", err)
		}
		switch re.Code {
		case lsp.CodeRequestCancelled:
			sawCancelled = errors.Is(err, ErrRemoteCancelled)
		case lsp.CodeMethodNotFound:
			sawNotFound = !errors.Is(err, ErrRemoteCancelled)
		}
	}
	if !sawCancelled || !sawNotFound {
		t.Fatalf("cancelled=%v notFound=%v", sawCancelled, sawNotFound)
	}
}

func TestDispatcher_CloseFailsPending(t *testing.T) {
	t.Parallel()

	tr := newChanTransport()
	d := New(tr)

	sentinel := errors.New("connection lost")
	done := make(chan error, 1)
	go func() {
		_, err := d.Call(context.Background(), "workspace/configuration", nil)
		done <- err
	}()
	tr.next(t)
	d.Close(sentinel)

	if err := <-done; !errors.Is(err, sentinel) {
		t.Fatalf("expected close error, got %v", err)
	}
	if _, err := d.Call(context.Background(), "workspace/configuration", nil); !errors.Is(err, sentinel) {
		t.Fatalf("expected close error after close, got %v", err)
	}
}

func TestDispatcher_SendFailure(t *testing.T) {
	t.Parallel()

	tr := newChanTransport()
	tr.sendErr = errors.New("broken pipe")
	d := New(tr)

	if _, err := d.Call(context.Background(), "client/registerCapability", nil); !errors.Is(err, tr.sendErr) {
		t.Fatalf("expected send error, got %v", err)
	}
	if d.Pending() != 0 {
		t.Fatalf("pending = %d", d.Pending())
	}
}
