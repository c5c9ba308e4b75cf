package lspserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"

	"github.com/ggoodman/lsp-server-go/capabilities"
	"github.com/ggoodman/lsp-server-go/internal/engine"
	"github.com/ggoodman/lsp-server-go/internal/jsonrpc"
	"github.com/ggoodman/lsp-server-go/internal/logctx"
	"github.com/ggoodman/lsp-server-go/internal/outbound"
	"github.com/ggoodman/lsp-server-go/internal/scheduler"
	"github.com/ggoodman/lsp-server-go/lsp"
	"github.com/ggoodman/lsp-server-go/match"
	"github.com/ggoodman/lsp-server-go/progress"
	"github.com/ggoodman/lsp-server-go/registrations"
	"github.com/ggoodman/lsp-server-go/registry"
	"github.com/ggoodman/lsp-server-go/watcher"
)

// ErrExit is returned by HandleMessage when the client sent exit. The
// transport should stop reading and close the connection.
var ErrExit = errors.New("exit notification received")

// ErrDynamicRegistrationUnsupported is returned by Session.Register when the
// client cannot register the method dynamically.
var ErrDynamicRegistrationUnsupported = errors.New("client does not support dynamic registration")

// MessageWriter delivers outbound messages to the client.
type MessageWriter interface {
	WriteMessage(ctx context.Context, msg any) error
}

// State is the lifecycle state of a session.
type State int

const (
	// StateCreated sessions wait for initialize.
	StateCreated State = iota
	// StateInitialized sessions answered initialize and wait for initialized.
	StateInitialized
	// StateRunning sessions received initialized.
	StateRunning
	// StateShutdown sessions answered shutdown and wait for exit.
	StateShutdown
	// StateExited sessions received exit.
	StateExited
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateShutdown:
		return "shutdown"
	default:
		return "exited"
	}
}

// Session is the server side of one client connection.
type Session struct {
	id       string
	srv      *Server
	reg      *registry.Registry
	out      MessageWriter
	log      *slog.Logger
	sched    *scheduler.Scheduler
	router   *engine.Router
	calls    *outbound.Dispatcher
	progress *progress.Manager

	lifetime context.Context
	stop     context.CancelFunc
	bg       sync.WaitGroup

	ready     chan struct{}
	readyOnce sync.Once

	mu          sync.Mutex
	state       State
	caps        capabilities.ClientCapabilities
	negotiation *capabilities.Negotiation
	params      *lsp.InitializeParams
	trace       protocol.TraceValue
	sawShutdown bool
	watch       *watcher.Watcher
}

// NewSession starts a session writing to out. Each session routes against its
// own copy of the server registry.
func (s *Server) NewSession(out MessageWriter) *Session {
	lifetime, stop := context.WithCancel(context.Background())
	sess := &Session{
		id:       uuid.NewString(),
		srv:      s,
		reg:      s.reg.Clone(),
		out:      out,
		log:      s.log,
		lifetime: lifetime,
		stop:     stop,
		ready:    make(chan struct{}),
		trace:    protocol.TraceOff,
	}
	sess.sched = scheduler.New(scheduler.WithLogger(s.log))
	sess.calls = outbound.New(transport{out: out})
	sess.progress = progress.NewManager(progressClient{s: sess}, progress.WithLogger(s.log))
	resolver := match.NewResolver(sess.reg, match.DefaultMatchers()...)
	sess.router = engine.NewRouter(resolver, sess.sched, out,
		engine.WithLogger(s.log),
		engine.WithGate(sess.gate),
		engine.WithDecorator(sess.decorate),
	)
	return sess
}

// ID returns the session id. It keys the session's registration ledger.
func (s *Session) ID() string { return s.id }

// Registry returns the session's registry.
func (s *Session) Registry() *registry.Registry { return s.reg }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ClientCapabilities returns the capabilities sent with initialize.
func (s *Session) ClientCapabilities() capabilities.ClientCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// Trace returns the trace value set by initialize or $/setTrace.
func (s *Session) Trace() protocol.TraceValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trace
}

// Ready is closed once the registrations deferred during initialize were sent.
func (s *Session) Ready() <-chan struct{} { return s.ready }

func (s *Session) logCtx(ctx context.Context) context.Context {
	s.mu.Lock()
	data := &logctx.SessionData{SessionID: s.id, State: s.state.String()}
	if s.params != nil && s.params.ClientInfo != nil {
		data.ClientName = s.params.ClientInfo.Name
	}
	s.mu.Unlock()
	return logctx.WithSessionData(ctx, data)
}

// HandleMessage processes one inbound message. It must be called from a single
// goroutine, in arrival order; it never waits for handlers to finish.
func (s *Session) HandleMessage(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	ctx = s.logCtx(ctx)
	switch msg.Kind() {
	case jsonrpc.KindResponse:
		if !s.calls.OnResponse(msg.AsResponse()) {
			s.log.DebugContext(ctx, "session.response.unmatched", slog.String("id", msg.ID.String()))
		}
		return nil
	case jsonrpc.KindNotification:
		return s.handleNotification(ctx, msg.AsRequest())
	default:
		s.handleRequest(ctx, msg.AsRequest())
		return nil
	}
}

func (s *Session) handleRequest(ctx context.Context, req *jsonrpc.Request) {
	state := s.State()
	switch {
	case req.Method == string(lsp.InitializeMethod):
		s.initialize(ctx, req)
		return
	case state == StateCreated:
		s.reply(ctx, req.ID, nil, lsp.ErrServerNotInitialized)
		return
	case state >= StateShutdown:
		s.reply(ctx, req.ID, nil, lsp.NewResponseError(lsp.CodeInvalidRequest, "server is shut down"))
		return
	case req.Method == string(lsp.ShutdownMethod):
		s.shutdown(ctx, req)
		return
	}
	s.router.HandleRequest(ctx, req)
}

func (s *Session) handleNotification(ctx context.Context, n *jsonrpc.Request) error {
	switch lsp.Method(n.Method) {
	case lsp.ExitNotification:
		s.mu.Lock()
		clean := s.state == StateShutdown
		s.state = StateExited
		s.mu.Unlock()
		s.log.InfoContext(ctx, "session.exit", slog.Bool("after_shutdown", clean))
		return ErrExit
	case lsp.CancelRequestNotification:
		var p cancelParams
		if err := json.Unmarshal(n.Params, &p); err != nil || p.ID.IsNil() {
			s.log.WarnContext(ctx, "session.cancel.invalid", slog.String("params", string(n.Params)))
			return nil
		}
		s.router.CancelRequest(p.ID)
		return nil
	}

	state := s.State()
	if state == StateCreated || state == StateExited {
		s.log.DebugContext(ctx, "session.notification.dropped", slog.String("method", n.Method), slog.String("state", state.String()))
		return nil
	}

	switch lsp.Method(n.Method) {
	case lsp.InitializedNotification:
		s.initialized(ctx)
	case lsp.SetTraceNotification:
		var p lsp.SetTraceParams
		if err := json.Unmarshal(n.Params, &p); err == nil {
			s.mu.Lock()
			s.trace = p.Value
			s.mu.Unlock()
		}
	case lsp.WorkDoneProgressCancelMethod:
		var p lsp.WorkDoneProgressCreateParams
		if err := json.Unmarshal(n.Params, &p); err == nil {
			s.progress.Cancel(p.Token)
		}
	}
	s.router.HandleNotification(ctx, n)
	return nil
}

type cancelParams struct {
	ID *jsonrpc.RequestID `json:"id"`
}

// initialize is the negotiation barrier. It runs on the caller's goroutine, so
// no later message is looked at before the capabilities are settled.
func (s *Session) initialize(ctx context.Context, req *jsonrpc.Request) {
	if s.State() != StateCreated {
		s.reply(ctx, req.ID, nil, lsp.NewResponseError(lsp.CodeInvalidRequest, "initialize may only be sent once"))
		return
	}
	var params lsp.InitializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.reply(ctx, req.ID, nil, lsp.InvalidParamsf("decode initialize params: %v", err))
		return
	}
	caps := capabilities.NewClientCapabilities(params.Capabilities)

	// Hooks registered for initialize observe the params before negotiation
	// and may veto the connection.
	for _, d := range s.reg.ByMethod(string(lsp.InitializeMethod)) {
		if _, err := d.Handler.Handle(ctx, req.Params); err != nil {
			s.log.WarnContext(ctx, "session.initialize.rejected", slog.String("err", err.Error()))
			s.reply(ctx, req.ID, nil, err)
			return
		}
	}

	provider := capabilities.NewProvider(s.reg, s.srv.combiners, capabilities.WithLogger(s.log))
	n, err := provider.Negotiate(caps)
	if err != nil {
		s.reply(ctx, req.ID, nil, fmt.Errorf("negotiate capabilities: %w", err))
		return
	}
	serverCaps, err := n.ServerCapabilities(s.srv.baseCaps)
	if err != nil {
		s.reply(ctx, req.ID, nil, fmt.Errorf("assemble server capabilities: %w", err))
		return
	}

	s.mu.Lock()
	s.caps = caps
	s.negotiation = n
	s.params = &params
	if params.Trace != "" {
		s.trace = params.Trace
	}
	s.state = StateInitialized
	s.mu.Unlock()
	s.progress.SetWorkDoneCreate(caps.Bool("window.workDoneProgress"))

	s.log.InfoContext(ctx, "session.initialize.ok",
		slog.Int("static", len(n.Static)),
		slog.Int("deferred", len(n.Deferred)),
		slog.Int("dropped", len(n.Dropped)))
	s.reply(ctx, req.ID, lsp.InitializeResult{Capabilities: serverCaps, ServerInfo: s.srv.info}, nil)
}

// initialized sends the deferred registrations. The response arrives through
// HandleMessage, so the round trip runs in the background; requests for
// deferred methods wait on the gate until it is done.
func (s *Session) initialized(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateInitialized {
		s.mu.Unlock()
		s.log.WarnContext(ctx, "session.initialized.unexpected")
		return
	}
	s.state = StateRunning
	n := s.negotiation
	s.mu.Unlock()

	bgCtx := logctx.WithSessionData(s.lifetime, &logctx.SessionData{SessionID: s.id, State: StateRunning.String()})
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer s.readyOnce.Do(func() { close(s.ready) })
		s.registerDeferred(bgCtx, n.Deferred)
		s.startWatcher(bgCtx, n)
	}()
}

func (s *Session) registerDeferred(ctx context.Context, ds []*registry.Descriptor) {
	if len(ds) == 0 {
		return
	}
	params, err := capabilities.Registrations(ds)
	if err == nil {
		err = s.calls.Invoke(ctx, string(lsp.RegisterCapabilityMethod), params, nil)
	}
	if err != nil {
		// Handlers the client was not told about must not route.
		for _, d := range ds {
			_, _ = s.reg.RemoveID(d.ID)
		}
		s.log.ErrorContext(ctx, "session.register.fail", slog.Int("descriptors", len(ds)), slog.String("err", err.Error()))
		return
	}
	for i, r := range params.Registrations {
		s.record(ctx, r, ds[i])
	}
	s.log.InfoContext(ctx, "session.register.ok", slog.Int("registrations", len(params.Registrations)))
}

func (s *Session) record(ctx context.Context, r protocol.Registration, d *registry.Descriptor) {
	e, err := registrations.FromRegistration(r, d.ID)
	if err == nil {
		err = s.srv.ledger.Put(ctx, s.id, e)
	}
	if err != nil {
		s.log.ErrorContext(ctx, "session.ledger.put.fail", slog.String("method", r.Method), slog.String("err", err.Error()))
	}
}

func (s *Session) shutdown(ctx context.Context, req *jsonrpc.Request) {
	s.mu.Lock()
	s.state = StateShutdown
	s.sawShutdown = true
	s.mu.Unlock()
	s.log.InfoContext(ctx, "session.shutdown")

	if s.reg.Has(string(lsp.ShutdownMethod)) {
		s.router.HandleRequest(ctx, req)
		return
	}
	s.reply(ctx, req.ID, nil, nil)
}

// gate holds deferred methods until their registration was sent.
func (s *Session) gate(ctx context.Context, method string) error {
	s.mu.Lock()
	n := s.negotiation
	s.mu.Unlock()
	if n == nil || !n.IsDeferred(method) {
		return nil
	}
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (s *Session) decorate(ctx context.Context, _ *jsonrpc.Request, _ *registry.Descriptor) context.Context {
	ctx = progress.WithManager(ctx, s.progress)
	return context.WithValue(ctx, sessionKey{}, s)
}

type sessionKey struct{}

// SessionFromContext returns the session a handler runs in.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok && s != nil
}

func (s *Session) reply(ctx context.Context, id *jsonrpc.RequestID, result any, err error) {
	var resp *jsonrpc.Response
	if err != nil {
		var re *lsp.ResponseError
		if !errors.As(err, &re) {
			re = &lsp.ResponseError{Code: lsp.CodeInternalError, Message: err.Error()}
		}
		resp = jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCode(re.Code), re.Message, re.Data)
	} else {
		var merr error
		if resp, merr = jsonrpc.NewResultResponse(id, result); merr != nil {
			resp = jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, merr.Error(), nil)
		}
	}
	if werr := s.out.WriteMessage(context.WithoutCancel(ctx), resp); werr != nil {
		s.log.ErrorContext(ctx, "session.reply.write.fail", slog.String("err", werr.Error()))
	}
}

// startWatcher watches the workspace on behalf of clients that accept
// workspace/didChangeWatchedFiles but cannot register watchers themselves.
// Events are routed like notifications sent by the client.
func (s *Session) startWatcher(ctx context.Context, n *capabilities.Negotiation) {
	if !s.srv.watch {
		return
	}
	var watchers []protocol.FileSystemWatcher
	for _, d := range n.Static {
		if d.Method != string(lsp.DidChangeWatchedFilesNotification) {
			continue
		}
		opts, err := capabilities.DecodeOptions[protocol.DidChangeWatchedFilesRegistrationOptions](d)
		if err != nil {
			s.log.WarnContext(ctx, "session.watch.options.invalid", slog.String("key", d.Key), slog.String("err", err.Error()))
			continue
		}
		watchers = append(watchers, opts.Watchers...)
	}
	roots := s.workspaceRoots()
	if len(watchers) == 0 || len(roots) == 0 {
		return
	}

	w := watcher.New(roots, s.routeWatched, watcher.WithLogger(s.log))
	w.SetWatchers(watchers)
	s.mu.Lock()
	s.watch = w
	s.mu.Unlock()

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.ErrorContext(ctx, "session.watch.fail", slog.String("err", err.Error()))
		}
	}()
	s.log.InfoContext(ctx, "session.watch.started", slog.Int("roots", len(roots)), slog.Int("watchers", len(watchers)))
}

func (s *Session) workspaceRoots() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.params == nil {
		return nil
	}
	var roots []string
	for _, f := range s.params.WorkspaceFolders {
		if strings.HasPrefix(f.URI, uri.FileScheme+"://") {
			roots = append(roots, uri.URI(f.URI).Filename())
		}
	}
	if len(roots) == 0 && strings.HasPrefix(string(s.params.RootURI), uri.FileScheme+"://") {
		roots = append(roots, s.params.RootURI.Filename())
	}
	return roots
}

func (s *Session) routeWatched(ctx context.Context, params *protocol.DidChangeWatchedFilesParams) {
	n, err := jsonrpc.NewNotification(string(lsp.DidChangeWatchedFilesNotification), params)
	if err != nil {
		s.log.ErrorContext(ctx, "session.watch.encode.fail", slog.String("err", err.Error()))
		return
	}
	s.router.HandleNotification(ctx, n)
}

// Register adds a handler at runtime and announces it with
// client/registerCapability. It returns the registration id.
func (s *Session) Register(ctx context.Context, d registry.Descriptor) (string, error) {
	if st := s.State(); st != StateRunning {
		return "", fmt.Errorf("register %s: session is %s", d.Method, st)
	}
	added, err := s.reg.Add(d)
	if err != nil {
		return "", err
	}
	if !s.canRegister(added) {
		_, _ = s.reg.RemoveID(added.ID)
		return "", fmt.Errorf("%w: %s", ErrDynamicRegistrationUnsupported, added.Method)
	}
	r, err := capabilities.NewRegistration(added)
	if err == nil {
		err = s.calls.Invoke(ctx, string(lsp.RegisterCapabilityMethod), protocol.RegistrationParams{Registrations: []protocol.Registration{r}}, nil)
	}
	if err != nil {
		_, _ = s.reg.RemoveID(added.ID)
		return "", fmt.Errorf("register %s: %w", added.Method, err)
	}
	s.record(ctx, r, added)
	s.log.InfoContext(ctx, "session.register.dynamic", slog.String("method", added.Method), slog.String("registration_id", r.ID))
	return r.ID, nil
}

func (s *Session) canRegister(d *registry.Descriptor) bool {
	if !d.Registers || d.Capability == nil || d.Capability.ClientPath == "" {
		return false
	}
	return s.ClientCapabilities().Bool(d.Capability.ClientPath + ".dynamicRegistration")
}

// Unregister withdraws a registration made during initialization or by
// Register, and removes its handler from routing.
func (s *Session) Unregister(ctx context.Context, registrationID string) error {
	e, err := s.srv.ledger.Get(ctx, s.id, registrationID)
	if err != nil {
		return err
	}
	params := protocol.UnregistrationParams{Unregisterations: []protocol.Unregistration{e.Unregistration()}}
	if err := s.calls.Invoke(ctx, string(lsp.UnregisterCapabilityMethod), params, nil); err != nil {
		return fmt.Errorf("unregister %s: %w", e.Method, err)
	}
	if _, err := s.srv.ledger.Delete(ctx, s.id, registrationID); err != nil {
		return err
	}
	if e.DescriptorID != "" {
		if _, err := s.reg.RemoveID(e.DescriptorID); err != nil && !errors.Is(err, registry.ErrNotRegistered) {
			return err
		}
	}
	s.log.InfoContext(ctx, "session.unregister", slog.String("method", e.Method), slog.String("registration_id", e.ID))
	return nil
}

// Registrations lists the live dynamic registrations of the session.
func (s *Session) Registrations(ctx context.Context) ([]registrations.Entry, error) {
	return s.srv.ledger.List(ctx, s.id)
}

// Call sends a server-to-client request and decodes the result into out.
func (s *Session) Call(ctx context.Context, method string, params, out any) error {
	return s.calls.Invoke(ctx, method, params, out)
}

// Notify sends a server-to-client notification.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	n, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return s.out.WriteMessage(ctx, n)
}

// LogTrace sends $/logTrace unless tracing is off. verbose is only sent when
// the trace value is verbose.
func (s *Session) LogTrace(ctx context.Context, message, verbose string) error {
	p := protocol.LogTraceParams{Message: message}
	switch s.Trace() {
	case protocol.TraceOff, "":
		return nil
	case protocol.TraceVerbose:
		p.Verbose = protocol.TraceValue(verbose)
	}
	return s.Notify(ctx, string(lsp.LogTraceNotification), p)
}

// Close cancels in-flight work and waits for it, up to ctx.
func (s *Session) Close(ctx context.Context) error {
	s.router.CancelAll(lsp.NewResponseError(lsp.CodeServerCancelled, "session closed"))
	s.calls.Close(errors.New("session closed"))
	s.stop()

	err := s.sched.Close(ctx)
	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	if cerr := s.srv.ledger.Clear(context.WithoutCancel(ctx), s.id); cerr != nil {
		s.log.WarnContext(ctx, "session.ledger.clear.fail", slog.String("err", cerr.Error()))
	}
	return err
}

// ExitCode is 0 when exit followed shutdown and 1 otherwise.
func (s *Session) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateExited && s.sawShutdown {
		return 0
	}
	return 1
}
