package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerAddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)}).With("component", "test")

	ctx := WithSessionData(context.Background(), &SessionData{SessionID: "s1", ClientName: "vscode", State: "running"})
	ctx = WithRPCMessage(ctx, &RPCMessage{Method: "textDocument/hover", ID: "7", Type: "request"})
	ctx = WithHandlerData(ctx, &HandlerData{Key: "[**/*.cake]", Concurrency: "parallel"})
	log.InfoContext(ctx, "router.request.ok")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	group := func(name string) map[string]any {
		g, ok := rec[name].(map[string]any)
		if !ok {
			t.Fatalf("record has no %s group: %s", name, buf.String())
		}
		return g
	}
	if got := group("sess")["client"]; got != "vscode" {
		t.Fatalf("sess.client = %v", got)
	}
	if got := group("rpc")["method"]; got != "textDocument/hover" {
		t.Fatalf("rpc.method = %v", got)
	}
	if got := group("handler")["key"]; got != "[**/*.cake]" {
		t.Fatalf("handler.key = %v", got)
	}
	if rec["component"] != "test" {
		t.Fatalf("WithAttrs lost the wrapper: %s", buf.String())
	}
}

func TestHandlerWithoutContextData(t *testing.T) {
	var buf bytes.Buffer
	slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)}).Info("plain")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatal(err)
	}
	for _, g := range []string{"sess", "rpc", "handler"} {
		if _, ok := rec[g]; ok {
			t.Fatalf("unexpected %s group", g)
		}
	}
}
