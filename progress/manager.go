package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/ggoodman/lsp-server-go/lsp"
)

// Client is the outbound side of the connection a Manager reports through.
type Client interface {
	// Progress emits a $/progress notification.
	Progress(ctx context.Context, p lsp.ProgressParams) error
	// CreateWorkDoneProgress asks the client to create a work-done token via
	// window/workDoneProgress/create.
	CreateWorkDoneProgress(ctx context.Context, token lsp.ProgressToken) error
}

// Manager owns the table of active progress sessions of one connection.
type Manager struct {
	client        Client
	log           *slog.Logger
	canCreateWork bool

	mu       sync.Mutex
	sessions map[string]*session // ProgressToken.Key() -> session
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets a custom logger for the Manager.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithWorkDoneCreate records whether the client advertised
// window.workDoneProgress. Without it generated work-done tokens stay silent.
func WithWorkDoneCreate(enabled bool) Option {
	return func(m *Manager) { m.canCreateWork = enabled }
}

// NewManager returns a Manager reporting through client.
func NewManager(client Client, opts ...Option) *Manager {
	m := &Manager{
		client:   client,
		log:      slog.Default(),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// SetWorkDoneCreate updates whether generated work-done tokens may be
// announced. Sessions call it once the client capabilities are known.
func (m *Manager) SetWorkDoneCreate(enabled bool) {
	m.mu.Lock()
	m.canCreateWork = enabled
	m.mu.Unlock()
}

// Active returns the number of open progress sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Cancel ends the work-done session for token, as requested by the client with
// window/workDoneProgress/cancel. It reports whether a session was found.
func (m *Manager) Cancel(token lsp.ProgressToken) bool {
	m.mu.Lock()
	s, ok := m.sessions[token.Key()]
	m.mu.Unlock()
	if !ok || s.cancel == nil {
		return false
	}
	m.log.Debug("progress.session.cancel", slog.String("token", token.String()))
	s.cancel(lsp.ErrRequestCancelled)
	return true
}

// PartialResultToken returns the partialResultToken of a request payload.
func PartialResultToken(params json.RawMessage) (lsp.ProgressToken, bool) {
	return tokenAt(params, "partialResultToken")
}

// WorkDoneToken returns the workDoneToken of a request payload.
func WorkDoneToken(params json.RawMessage) (lsp.ProgressToken, bool) {
	return tokenAt(params, "workDoneToken")
}

func tokenAt(params json.RawMessage, path string) (lsp.ProgressToken, bool) {
	res := gjson.GetBytes(params, path)
	if !res.Exists() || res.Type == gjson.Null {
		return lsp.ProgressToken{}, false
	}
	var tok lsp.ProgressToken
	if err := json.Unmarshal([]byte(res.Raw), &tok); err != nil || tok.IsZero() {
		return lsp.ProgressToken{}, false
	}
	return tok, true
}

type mode int

const (
	modePartial mode = iota
	modeWorkDone
)

func (md mode) String() string {
	if md == modeWorkDone {
		return "work_done"
	}
	return "partial"
}

// session is one token's stream. mu serializes pushes and guards done.
type session struct {
	m         *Manager
	token     lsp.ProgressToken
	mode      mode
	generated bool
	ctx       context.Context
	cancel    context.CancelCauseFunc

	mu   sync.Mutex
	emit bool
	done bool
	stop func() bool
}

// open registers a session for token, generating one when token is zero.
// The session is completed when ctx ends or complete is called.
func (m *Manager) open(ctx context.Context, token lsp.ProgressToken, md mode) (*session, error) {
	s := &session{m: m, token: token, mode: md, emit: true}
	if token.IsZero() {
		s.token = lsp.NewStringProgressToken(uuid.NewString())
		s.generated = true
		// The client never saw a generated partial-result token, so there is
		// nobody to stream to. Work-done tokens may still be announced.
		s.emit = false
	}
	if md == modeWorkDone {
		s.ctx, s.cancel = context.WithCancelCause(ctx)
	} else {
		s.ctx = ctx
	}

	key := s.token.Key()
	m.mu.Lock()
	if _, exists := m.sessions[key]; exists {
		m.mu.Unlock()
		if s.cancel != nil {
			s.cancel(context.Canceled)
		}
		return nil, fmt.Errorf("%w: %s", lsp.ErrDuplicateProgressToken, s.token)
	}
	m.sessions[key] = s
	m.mu.Unlock()

	s.stop = context.AfterFunc(s.ctx, s.complete)
	m.log.DebugContext(ctx, "progress.session.open", slog.String("token", s.token.String()), slog.String("mode", md.String()), slog.Bool("generated", s.generated))
	return s, nil
}

// push emits value unless the session is complete. accept, when set, runs
// under the session lock once the value is known to be taken. The lock is held
// for the write so that notifications for a token never interleave.
func (s *session) push(value any, accept func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done || s.ctx.Err() != nil {
		return lsp.ErrProgressSessionComplete
	}
	if accept != nil {
		accept()
	}
	if !s.emit {
		return nil
	}
	if err := s.m.client.Progress(s.ctx, lsp.ProgressParams{Token: s.token, Value: value}); err != nil {
		s.m.log.WarnContext(s.ctx, "progress.notify.fail", slog.String("token", s.token.String()), slog.String("err", err.Error()))
		return err
	}
	return nil
}

// complete marks the session done and releases its token. It is safe to call
// more than once.
func (s *session) complete() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.mu.Unlock()

	if s.stop != nil {
		s.stop()
	}
	key := s.token.Key()
	s.m.mu.Lock()
	if s.m.sessions[key] == s {
		delete(s.m.sessions, key)
	}
	s.m.mu.Unlock()
	if s.cancel != nil {
		s.cancel(context.Canceled)
	}
	s.m.log.Debug("progress.session.close", slog.String("token", s.token.String()))
}

func (s *session) isDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

type managerKey struct{}

// WithManager returns a context carrying m. Sessions attach their manager to
// every handler context.
func WithManager(ctx context.Context, m *Manager) context.Context {
	return context.WithValue(ctx, managerKey{}, m)
}

// FromContext returns the manager attached to ctx.
func FromContext(ctx context.Context) (*Manager, bool) {
	m, ok := ctx.Value(managerKey{}).(*Manager)
	return m, ok && m != nil
}
