package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go.lsp.dev/protocol"

	"github.com/ggoodman/lsp-server-go/internal/jsonrpc"
	"github.com/ggoodman/lsp-server-go/lsp"
	"github.com/ggoodman/lsp-server-go/lspserver"
)

// testHarness encapsulates pipes and collected output for stdio handler tests.
type testHarness struct {
	t      *testing.T
	stdinW *io.PipeWriter
	done   chan error
	h      *Handler

	outMu  sync.Mutex
	frames [][]byte
}

func newHarness(t *testing.T, srv *lspserver.Server) *testHarness {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	h := NewHandler(srv, WithIO(inR, outW), WithLogger(slog.Default()), WithUserProvider(StaticUserProvider("tester")))

	ctx, cancel := context.WithCancel(context.Background())
	th := &testHarness{t: t, stdinW: inW, done: make(chan error, 1), h: h}

	go func() {
		th.done <- h.Serve(ctx)
	}()

	go func() {
		br := bufio.NewReader(outR)
		for {
			frame, err := readFrame(br, 0)
			if err != nil {
				return
			}
			th.t.Logf("OUT: %s", frame)
			th.outMu.Lock()
			th.frames = append(th.frames, frame)
			th.outMu.Unlock()
		}
	}()

	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
		_ = outW.Close()
	})
	return th
}

func (th *testHarness) send(msg map[string]any) error {
	msg["jsonrpc"] = jsonrpc.ProtocolVersion
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return th.sendRaw(b)
}

func (th *testHarness) sendRaw(b []byte) error {
	_, err := fmt.Fprintf(th.stdinW, "Content-Length: %d\r\n\r\n%s", len(b), b)
	return err
}

func (th *testHarness) expectResponse(timeout time.Duration) (*jsonrpc.Response, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		th.outMu.Lock()
		if len(th.frames) > 0 {
			frame := th.frames[0]
			th.frames = th.frames[1:]
			th.outMu.Unlock()
			var msg jsonrpc.AnyMessage
			if err := json.Unmarshal(frame, &msg); err != nil {
				return nil, err
			}
			if msg.Kind() != jsonrpc.KindResponse {
				return nil, fmt.Errorf("expected response, got %s", msg.Kind())
			}
			return msg.AsResponse(), nil
		}
		th.outMu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	return nil, fmt.Errorf("timeout waiting for output frame")
}

func (th *testHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-th.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func (th *testHarness) initialize(t *testing.T) {
	t.Helper()
	err := th.send(map[string]any{
		"id":     1,
		"method": string(lsp.InitializeMethod),
		"params": map[string]any{"processId": nil, "capabilities": map[string]any{"textDocument": map[string]any{"hover": map[string]any{}}}},
	})
	if err != nil {
		t.Fatalf("send initialize: %v", err)
	}
	res, err := th.expectResponse(time.Second)
	if err != nil {
		t.Fatalf("expect initialize response: %v", err)
	}
	if res.Error != nil {
		t.Fatalf("initialize failed: %+v", res.Error)
	}
	if err := th.send(map[string]any{"method": string(lsp.InitializedNotification), "params": map[string]any{}}); err != nil {
		t.Fatalf("send initialized: %v", err)
	}
}

func hoverServer(t *testing.T) *lspserver.Server {
	t.Helper()
	srv := lspserver.New(lspserver.WithServerInfo("test", "1.0.0"))
	err := lspserver.OnRequest(srv, lsp.HoverMethod, func(_ context.Context, p *protocol.HoverParams) (*protocol.Hover, error) {
		return &protocol.Hover{Contents: protocol.MarkupContent{Kind: protocol.PlainText, Value: string(p.TextDocument.URI)}}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return srv
}

func TestReadFrame(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    string
		wantErr error
	}{
		{name: "crlf", in: "Content-Length: 2\r\n\r\n{}", want: "{}"},
		{name: "lf only", in: "Content-Length: 2\n\n{}", want: "{}"},
		{name: "extra headers", in: "Content-Type: application/vscode-jsonrpc; charset=utf-8\r\ncontent-length: 4\r\n\r\nnull", want: "null"},
		{name: "leading blank line", in: "\r\nContent-Length: 2\r\n\r\n[]", want: "[]"},
		{name: "missing length", in: "Content-Type: x\r\n\r\n{}", wantErr: errMissingContentLength},
		{name: "too large", in: "Content-Length: 99\r\n\r\n", wantErr: errMessageTooLarge},
		{name: "truncated body", in: "Content-Length: 10\r\n\r\n{}", wantErr: io.ErrUnexpectedEOF},
		{name: "truncated headers", in: "Content-Length: 2\r\n", wantErr: io.ErrUnexpectedEOF},
		{name: "empty", in: "", wantErr: io.EOF},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := readFrame(bufio.NewReader(strings.NewReader(tc.in)), 16)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tc.want {
				t.Fatalf("body = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestReadFrameInvalidLength(t *testing.T) {
	_, err := readFrame(bufio.NewReader(strings.NewReader("Content-Length: abc\r\n\r\n")), 0)
	if err == nil || !strings.Contains(err.Error(), "invalid Content-Length") {
		t.Fatalf("expected invalid length error, got %v", err)
	}
}

func TestWriteMuxFramesMessages(t *testing.T) {
	var buf bytes.Buffer
	mux := &writeMux{w: bufio.NewWriter(&buf)}

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, _ := jsonrpc.NewNotification("$/progress", map[string]any{"token": i})
			if err := mux.WriteMessage(context.Background(), n); err != nil {
				t.Errorf("write: %v", err)
			}
		}()
	}
	wg.Wait()

	br := bufio.NewReader(&buf)
	for i := range 10 {
		frame, err := readFrame(br, 0)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			t.Fatalf("frame %d is not JSON-RPC: %v", i, err)
		}
	}
	if _, err := readFrame(br, 0); !errors.Is(err, io.EOF) {
		t.Fatalf("expected exactly 10 frames, got trailing data: %v", err)
	}
}

func TestServe_HoverRoundTrip(t *testing.T) {
	th := newHarness(t, hoverServer(t))
	th.initialize(t)

	err := th.send(map[string]any{
		"id":     "h",
		"method": string(lsp.HoverMethod),
		"params": map[string]any{"textDocument": map[string]any{"uri": "file:///w/build.cake"}, "position": map[string]any{"line": 0, "character": 0}},
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := th.expectResponse(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != nil {
		t.Fatalf("hover failed: %+v", res.Error)
	}
	var hover protocol.Hover
	if err := json.Unmarshal(res.Result, &hover); err != nil {
		t.Fatal(err)
	}
	if hover.Contents.Value != "file:///w/build.cake" {
		t.Fatalf("unexpected hover: %+v", hover)
	}
}

func TestServe_RequestBeforeInitialize(t *testing.T) {
	th := newHarness(t, hoverServer(t))

	if err := th.send(map[string]any{"id": 1, "method": string(lsp.HoverMethod), "params": map[string]any{}}); err != nil {
		t.Fatal(err)
	}
	res, err := th.expectResponse(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCode(lsp.CodeServerNotInitialized) {
		t.Fatalf("expected ServerNotInitialized, got %+v", res.Error)
	}
}

func TestServe_ParseError(t *testing.T) {
	th := newHarness(t, hoverServer(t))

	if err := th.sendRaw([]byte(`{"jsonrpc":"2.0",`)); err != nil {
		t.Fatal(err)
	}
	res, err := th.expectResponse(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeParseError {
		t.Fatalf("expected parse error, got %+v", res.Error)
	}
	if !res.ID.IsNil() {
		t.Fatalf("parse errors carry a null id, got %s", res.ID)
	}
}

func TestServe_ShutdownExit(t *testing.T) {
	th := newHarness(t, hoverServer(t))
	th.initialize(t)

	if err := th.send(map[string]any{"id": 2, "method": string(lsp.ShutdownMethod)}); err != nil {
		t.Fatal(err)
	}
	res, err := th.expectResponse(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != nil {
		t.Fatalf("shutdown failed: %+v", res.Error)
	}
	if err := th.send(map[string]any{"method": string(lsp.ExitNotification)}); err != nil {
		t.Fatal(err)
	}
	if err := th.wait(t); err != nil {
		t.Fatalf("Serve returned %v", err)
	}
	if code := th.h.ExitCode(); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

func TestServe_EOFWithoutExit(t *testing.T) {
	th := newHarness(t, hoverServer(t))
	th.initialize(t)

	_ = th.stdinW.Close()
	if err := th.wait(t); err != nil {
		t.Fatalf("Serve returned %v", err)
	}
	if code := th.h.ExitCode(); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}
