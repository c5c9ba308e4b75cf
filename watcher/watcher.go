// Package watcher watches workspace folders on behalf of clients that cannot
// watch files themselves and reports changes as workspace/didChangeWatchedFiles
// parameters.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
)

// DefaultDebounce is how long events are collected before a batch is
// delivered.
const DefaultDebounce = 100 * time.Millisecond

// allKinds is the watch kind of a watcher that omits one.
const allKinds = protocol.WatchKind(uint32(protocol.WatchKindCreate) | uint32(protocol.WatchKindChange) | uint32(protocol.WatchKindDelete))

// Sink receives batches of changes.
type Sink func(ctx context.Context, params *protocol.DidChangeWatchedFilesParams)

// Watcher turns fsnotify events under a set of roots into file events for
// the patterns it was given.
type Watcher struct {
	roots    []string
	sink     Sink
	log      *slog.Logger
	debounce time.Duration

	mu       sync.RWMutex
	patterns []pattern
}

type pattern struct {
	source string
	g      glob.Glob
	kind   protocol.WatchKind
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets a custom logger for the Watcher.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// New returns a Watcher over roots delivering to sink. Nothing is watched
// until Run is called.
func New(roots []string, sink Sink, opts ...Option) *Watcher {
	w := &Watcher{sink: sink, log: slog.Default(), debounce: DefaultDebounce}
	for _, r := range roots {
		if abs, err := filepath.Abs(r); err == nil {
			w.roots = append(w.roots, abs)
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// SetWatchers replaces the watched patterns. Patterns that do not compile are
// skipped and logged.
func (w *Watcher) SetWatchers(watchers []protocol.FileSystemWatcher) {
	compiled := make([]pattern, 0, len(watchers))
	for _, fw := range watchers {
		g, err := glob.Compile(fw.GlobPattern, '/')
		if err != nil {
			w.log.Warn("watcher.pattern.invalid", slog.String("pattern", fw.GlobPattern), slog.String("err", err.Error()))
			continue
		}
		kind := fw.Kind
		if kind == 0 {
			kind = allKinds
		}
		compiled = append(compiled, pattern{source: fw.GlobPattern, g: g, kind: kind})
	}
	w.mu.Lock()
	w.patterns = compiled
	w.mu.Unlock()
}

// Run watches the roots until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()

	for _, root := range w.roots {
		w.addTree(fw, root)
	}
	w.log.InfoContext(ctx, "watcher.start", slog.Any("roots", w.roots))

	pending := make(map[string]protocol.FileChangeType)
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					w.addTree(fw, ev.Name)
					continue
				}
			}
			typ, ok := w.classify(ev)
			if !ok {
				continue
			}
			pending[ev.Name] = merge(pending[ev.Name], typ)
			timer.Reset(w.debounce)
		case <-timer.C:
			w.flush(ctx, pending)
			clear(pending)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.WarnContext(ctx, "watcher.fsnotify.error", slog.String("err", err.Error()))
		}
	}
}

func (w *Watcher) addTree(fw *fsnotify.Watcher, root string) {
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if p != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := fw.Add(p); err != nil {
			w.log.Debug("watcher.add.fail", slog.String("path", p), slog.String("err", err.Error()))
		}
		return nil
	})
}

// classify maps an fsnotify event onto a file change type, if any pattern
// wants it.
func (w *Watcher) classify(ev fsnotify.Event) (protocol.FileChangeType, bool) {
	var (
		typ  protocol.FileChangeType
		kind protocol.WatchKind
	)
	switch {
	case ev.Has(fsnotify.Create):
		typ, kind = protocol.FileChangeTypeCreated, protocol.WatchKindCreate
	case ev.Has(fsnotify.Write):
		typ, kind = protocol.FileChangeTypeChanged, protocol.WatchKindChange
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		typ, kind = protocol.FileChangeTypeDeleted, protocol.WatchKindDelete
	default:
		return 0, false
	}
	if !w.Wants(ev.Name, kind) {
		return 0, false
	}
	return typ, true
}

// Wants reports whether any pattern matches name for events of kind. Patterns
// are tried against the absolute slash path and against the path relative to
// each root.
func (w *Watcher) Wants(name string, kind protocol.WatchKind) bool {
	abs := filepath.ToSlash(name)
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, p := range w.patterns {
		if uint32(p.kind)&uint32(kind) == 0 {
			continue
		}
		if p.g.Match(abs) || (!strings.Contains(p.source, "/") && p.g.Match(path.Base(abs))) {
			return true
		}
		for _, root := range w.roots {
			if rel, err := filepath.Rel(root, name); err == nil && !strings.HasPrefix(rel, "..") {
				if p.g.Match(filepath.ToSlash(rel)) {
					return true
				}
			}
		}
	}
	return false
}

// merge folds a new event into the pending one for the same path. A create
// followed by a change is still a create; anything followed by a delete is a
// delete.
func merge(prev, next protocol.FileChangeType) protocol.FileChangeType {
	if prev == protocol.FileChangeTypeCreated && next == protocol.FileChangeTypeChanged {
		return prev
	}
	return next
}

func (w *Watcher) flush(ctx context.Context, pending map[string]protocol.FileChangeType) {
	if len(pending) == 0 {
		return
	}
	names := make([]string, 0, len(pending))
	for name := range pending {
		names = append(names, name)
	}
	sort.Strings(names)
	params := &protocol.DidChangeWatchedFilesParams{Changes: make([]*protocol.FileEvent, 0, len(names))}
	for _, name := range names {
		params.Changes = append(params.Changes, &protocol.FileEvent{Type: pending[name], URI: uri.File(name)})
	}
	w.log.DebugContext(ctx, "watcher.flush", slog.Int("changes", len(params.Changes)))
	w.sink(ctx, params)
}
