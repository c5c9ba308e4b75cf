package lspserver

import (
	"context"

	"github.com/ggoodman/lsp-server-go/internal/jsonrpc"
	"github.com/ggoodman/lsp-server-go/lsp"
)

// transport writes server-to-client requests onto the session's writer.
type transport struct {
	out MessageWriter
}

func (t transport) SendRequest(ctx context.Context, _ *jsonrpc.RequestID, req *jsonrpc.Request) error {
	return t.out.WriteMessage(ctx, req)
}

func (t transport) SendCancel(ctx context.Context, id *jsonrpc.RequestID) error {
	n, err := jsonrpc.NewNotification(string(lsp.CancelRequestNotification), cancelParams{ID: id})
	if err != nil {
		return err
	}
	return t.out.WriteMessage(ctx, n)
}

// progressClient sends progress traffic on behalf of a session.
type progressClient struct {
	s *Session
}

func (c progressClient) Progress(ctx context.Context, p lsp.ProgressParams) error {
	return c.s.Notify(ctx, string(lsp.ProgressNotification), p)
}

func (c progressClient) CreateWorkDoneProgress(ctx context.Context, token lsp.ProgressToken) error {
	return c.s.calls.Invoke(ctx, string(lsp.WorkDoneProgressCreateMethod), lsp.WorkDoneProgressCreateParams{Token: token}, nil)
}
