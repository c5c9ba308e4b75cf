package progress

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.lsp.dev/protocol"

	"github.com/ggoodman/lsp-server-go/lsp"
)

// BeginFunc announces the start of work and returns the observer to report
// through. Only the first call announces; later calls return the same
// observer.
type BeginFunc func(begin protocol.WorkDoneProgressBegin) *WorkDoneObserver

// WorkDoneObserver reports the progress of a delegated operation.
type WorkDoneObserver struct {
	s *session
}

// Report emits a work-done report. It returns false once the stream is
// complete or cancelled.
func (o *WorkDoneObserver) Report(r protocol.WorkDoneProgressReport) bool {
	r.Kind = protocol.WorkDoneProgressKindReport
	return !errors.Is(o.s.push(r, nil), lsp.ErrProgressSessionComplete)
}

// Token returns the token the stream reports under.
func (o *WorkDoneObserver) Token() lsp.ProgressToken { return o.s.token }

// Delegate runs fn as a work-done reporting operation under token, generating
// a token when token is zero. fn receives a context that also ends when the
// client cancels the token with window/workDoneProgress/cancel. If fn began
// reporting, an end notification is sent when it returns, carrying the error
// message on failure.
func Delegate[R any](ctx context.Context, m *Manager, token lsp.ProgressToken, fn func(ctx context.Context, begin BeginFunc) (R, error)) (R, error) {
	var zero R
	s, err := m.open(ctx, token, modeWorkDone)
	if err != nil {
		return zero, err
	}
	defer s.complete()

	var (
		once  sync.Once
		began atomic.Pointer[WorkDoneObserver]
	)
	begin := func(b protocol.WorkDoneProgressBegin) *WorkDoneObserver {
		once.Do(func() {
			if s.generated {
				s.announce()
			}
			b.Kind = protocol.WorkDoneProgressKindBegin
			obs := &WorkDoneObserver{s: s}
			_ = s.push(b, nil)
			began.Store(obs)
		})
		return began.Load()
	}

	res, err := fn(s.ctx, begin)
	if began.Load() != nil {
		end := protocol.WorkDoneProgressEnd{Kind: protocol.WorkDoneProgressKindEnd}
		if err != nil {
			end.Message = err.Error()
		}
		_ = s.push(end, nil)
	}
	if err != nil {
		return zero, err
	}
	if s.ctx.Err() != nil {
		return zero, context.Cause(s.ctx)
	}
	return res, nil
}

// announce creates a generated token on the client so that reports under it
// are shown. Without window.workDoneProgress the stream stays silent.
func (s *session) announce() {
	s.m.mu.Lock()
	enabled := s.m.canCreateWork
	s.m.mu.Unlock()
	if !enabled {
		return
	}
	if err := s.m.client.CreateWorkDoneProgress(s.ctx, s.token); err != nil {
		s.m.log.WarnContext(s.ctx, "progress.create.fail", slog.String("token", s.token.String()), slog.String("err", err.Error()))
		return
	}
	s.mu.Lock()
	s.emit = true
	s.mu.Unlock()
}
