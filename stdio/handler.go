package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ggoodman/lsp-server-go/internal/jsonrpc"
	"github.com/ggoodman/lsp-server-go/lspserver"
)

// closeTimeout bounds how long Serve waits for in-flight handlers on the way
// out.
const closeTimeout = 5 * time.Second

// Handler is a single-connection stdio transport that reads framed JSON-RPC
// messages from an io.Reader and writes to an io.Writer. By default, it uses
// os.Stdin and os.Stdout.
//
// The handler is transport-only; it delegates all LSP semantics to a session
// of the provided lspserver.Server.
type Handler struct {
	srv          *lspserver.Server
	r            io.Reader
	w            io.Writer
	l            *slog.Logger
	userProvider UserProvider
	maxMessage   int

	exitCode atomic.Int32
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(srv *lspserver.Server, opts ...Option) *Handler {
	h := &Handler{
		srv:          srv,
		r:            os.Stdin,
		w:            os.Stdout,
		l:            slog.Default(),
		userProvider: OSUserProvider{},
		maxMessage:   DefaultMaxMessageSize,
	}
	h.exitCode.Store(1)
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// WriteMessage implements lspserver.MessageWriter.
func (m *writeMux) WriteMessage(ctx context.Context, msg any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.writeJSONRPC(msg)
}

// Serve runs the stdio event loop until exit, EOF on the reader or the context
// is canceled. It is safe to call at most once per Handler. Messages are
// handed to the session one at a time in arrival order; the session decides
// what runs concurrently.
func (h *Handler) Serve(ctx context.Context) error {
	mux := &writeMux{w: bufio.NewWriter(h.w)}
	sess := h.srv.NewSession(mux)

	user, err := h.userProvider.CurrentUserID()
	if err != nil {
		h.l.WarnContext(ctx, "stdio.user.fail", slog.String("err", err.Error()))
	}
	h.l.InfoContext(ctx, "stdio.serve.start", slog.String("session_id", sess.ID()), slog.String("user", user))

	g, gctx := errgroup.WithContext(ctx)
	// A blocked read only returns once the reader is closed.
	stopClose := context.AfterFunc(gctx, func() {
		if c, ok := h.r.(io.Closer); ok {
			_ = c.Close()
		}
	})
	defer stopClose()

	frames := make(chan []byte)
	g.Go(func() error {
		defer close(frames)
		br := bufio.NewReader(h.r)
		for {
			frame, err := readFrame(br, h.maxMessage)
			if err != nil {
				if errors.Is(err, io.EOF) || gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("read frame: %w", err)
			}
			select {
			case frames <- frame:
			case <-gctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		for frame := range frames {
			var msg jsonrpc.AnyMessage
			if err := json.Unmarshal(frame, &msg); err != nil {
				h.l.WarnContext(gctx, "stdio.message.invalid", slog.String("err", err.Error()))
				resp := jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, err.Error(), nil)
				if werr := mux.WriteMessage(gctx, resp); werr != nil {
					return werr
				}
				continue
			}
			if err := sess.HandleMessage(gctx, &msg); err != nil {
				return err
			}
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, lspserver.ErrExit) {
		err = nil
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if cerr := sess.Close(closeCtx); cerr != nil {
		h.l.WarnContext(ctx, "stdio.session.close.fail", slog.String("err", cerr.Error()))
	}
	h.exitCode.Store(int32(sess.ExitCode()))
	h.l.InfoContext(ctx, "stdio.serve.stop", slog.String("session_id", sess.ID()), slog.Int("exit_code", sess.ExitCode()))
	return err
}

// ExitCode is the process exit code the client asked for: 0 when exit
// followed shutdown, 1 otherwise. Valid once Serve returned.
func (h *Handler) ExitCode() int {
	return int(h.exitCode.Load())
}
