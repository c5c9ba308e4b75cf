package lspserver

import (
	"encoding/json"
	"log/slog"

	"go.lsp.dev/protocol"

	"github.com/ggoodman/lsp-server-go/capabilities"
	"github.com/ggoodman/lsp-server-go/registrations"
	"github.com/ggoodman/lsp-server-go/registrations/memory"
	"github.com/ggoodman/lsp-server-go/registry"
)

// Server holds the handlers and settings shared by all sessions.
type Server struct {
	catalog   *registry.Catalog
	reg       *registry.Registry
	combiners *capabilities.Combiners
	ledger    registrations.Store
	info      *protocol.ServerInfo
	baseCaps  json.RawMessage
	watch     bool
	log       *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a custom logger for the Server and its sessions.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithServerInfo sets the serverInfo reported in the initialize result.
func WithServerInfo(name, version string) Option {
	return func(s *Server) { s.info = &protocol.ServerInfo{Name: name, Version: version} }
}

// WithCatalog replaces the default method catalog. It must be given before
// any handler is registered.
func WithCatalog(c *registry.Catalog) Option {
	return func(s *Server) {
		if c != nil {
			s.catalog = c
		}
	}
}

// WithCombiners sets the capability combiners used during negotiation.
func WithCombiners(cs *capabilities.Combiners) Option {
	return func(s *Server) {
		if cs != nil {
			s.combiners = cs
		}
	}
}

// WithRegistrationStore sets the ledger of dynamic registrations. The default
// keeps it in memory.
func WithRegistrationStore(st registrations.Store) Option {
	return func(s *Server) {
		if st != nil {
			s.ledger = st
		}
	}
}

// WithServerCapabilities sets a capabilities object that negotiated options
// are merged into, for capabilities no handler contributes (e.g.
// positionEncoding or experimental).
func WithServerCapabilities(base json.RawMessage) Option {
	return func(s *Server) { s.baseCaps = base }
}

// WithFileWatcher enables server-side file watching for clients that accept
// workspace/didChangeWatchedFiles but cannot register watchers dynamically.
func WithFileWatcher(enabled bool) Option {
	return func(s *Server) { s.watch = enabled }
}

// New returns a Server with no handlers.
func New(opts ...Option) *Server {
	s := &Server{log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.catalog == nil {
		s.catalog = registry.DefaultCatalog()
	}
	if s.combiners == nil {
		s.combiners = capabilities.NewCombiners()
	}
	if s.ledger == nil {
		s.ledger = memory.New()
	}
	s.reg = registry.New(s.catalog)
	return s
}

// Registry returns the server-wide registry. Sessions work on clones taken
// when they are created.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Catalog returns the method catalog; use it to Define custom methods.
func (s *Server) Catalog() *registry.Catalog { return s.catalog }

// Combiners returns the capability combiners, for RegisterCombiner.
func (s *Server) Combiners() *capabilities.Combiners { return s.combiners }

// Register adds descriptors atomically.
func (s *Server) Register(ds ...registry.Descriptor) ([]*registry.Descriptor, error) {
	return s.reg.AddRange(ds)
}
