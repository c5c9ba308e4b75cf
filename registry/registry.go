package registry

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ggoodman/lsp-server-go/lsp"
)

// Registry holds the handler descriptors of a server or session.
//
// Readers work on immutable snapshots and never block. Writers serialize on a
// mutex and publish a new snapshot, so a reader observes either the registry
// before a write or after it, never a partially added descriptor.
type Registry struct {
	catalog *Catalog

	mu   sync.Mutex
	seq  uint64
	snap atomic.Pointer[snapshot]
}

type snapshot struct {
	all      []*Descriptor
	byMethod map[string][]*Descriptor
}

var emptySnapshot = &snapshot{byMethod: map[string][]*Descriptor{}}

// New returns an empty registry validating methods against catalog. A nil
// catalog selects DefaultCatalog.
func New(catalog *Catalog) *Registry {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	r := &Registry{catalog: catalog}
	r.snap.Store(emptySnapshot)
	return r
}

// Catalog returns the method catalog the registry validates against.
func (r *Registry) Catalog() *Catalog { return r.catalog }

// Add validates d, fills in the defaults derived from the catalog and
// publishes it. The returned descriptor is the one routing will observe.
func (r *Registry) Add(d Descriptor) (*Descriptor, error) {
	out, err := r.AddRange([]Descriptor{d})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// AddRange adds several descriptors atomically: either all of them become
// visible or, on error, none do.
func (r *Registry) AddRange(ds []Descriptor) ([]*Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	added := make([]*Descriptor, 0, len(ds))
	taken := make(map[string]struct{}, len(ds))
	for _, in := range ds {
		d, err := r.prepare(in)
		if err != nil {
			return nil, err
		}
		pair := d.Method + "\x00" + d.Key
		if _, dup := taken[pair]; dup || cur.lookup(d.Method, d.Key) != nil {
			return nil, fmt.Errorf("%w: %s already has a handler for key %s", lsp.ErrDescriptorConflict, d.Method, d.Key)
		}
		taken[pair] = struct{}{}
		added = append(added, d)
	}

	for _, d := range added {
		r.seq++
		d.seq = r.seq
	}
	r.publish(append(slices.Clone(cur.all), added...))
	return added, nil
}

func (r *Registry) prepare(d Descriptor) (*Descriptor, error) {
	info, ok := r.catalog.Lookup(d.Method)
	if !ok {
		return nil, fmt.Errorf("%w: %q", lsp.ErrUnknownMethod, d.Method)
	}
	if d.Handler == nil {
		return nil, fmt.Errorf("register %s: nil handler", d.Method)
	}
	d.Kind = info.Kind
	if d.Capability == nil && info.Capability != nil {
		c := *info.Capability
		d.Capability = &c
	}
	if !d.Registers {
		d.Registers = info.Registers
	}
	if d.Concurrency == ConcurrencyDefault {
		d.Concurrency = Classify(info, d.Handler)
	}
	if d.SerialGroup == "" {
		d.SerialGroup = info.SerialGroup
	}
	if d.DocumentSelector == nil {
		sel, err := SelectorOf(d.RegistrationOptions)
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", d.Method, err)
		}
		d.DocumentSelector = sel
	}
	if d.Key == "" {
		d.Key = KeyFor(d.DocumentSelector)
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return &d, nil
}

// ErrNotRegistered is returned by Remove when nothing matches.
var ErrNotRegistered = errors.New("descriptor not registered")

// Remove unpublishes the descriptor owning (method, key).
func (r *Registry) Remove(method, key string) (*Descriptor, error) {
	return r.removeWhere(func(d *Descriptor) bool { return d.Method == method && d.Key == key })
}

// RemoveID unpublishes the descriptor with the given id.
func (r *Registry) RemoveID(id string) (*Descriptor, error) {
	return r.removeWhere(func(d *Descriptor) bool { return d.ID == id })
}

func (r *Registry) removeWhere(match func(*Descriptor) bool) (*Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	idx := slices.IndexFunc(cur.all, match)
	if idx < 0 {
		return nil, ErrNotRegistered
	}
	removed := cur.all[idx]
	r.publish(slices.Delete(slices.Clone(cur.all), idx, idx+1))
	return removed, nil
}

func (r *Registry) publish(all []*Descriptor) {
	next := &snapshot{all: all, byMethod: make(map[string][]*Descriptor)}
	for _, d := range all {
		next.byMethod[d.Method] = append(next.byMethod[d.Method], d)
	}
	r.snap.Store(next)
}

// ByMethod returns the descriptors of method in registration order.
func (r *Registry) ByMethod(method string) []*Descriptor {
	return slices.Clone(r.snap.Load().byMethod[method])
}

// All returns every descriptor in registration order.
func (r *Registry) All() []*Descriptor {
	return slices.Clone(r.snap.Load().all)
}

// Lookup returns the descriptor owning (method, key).
func (r *Registry) Lookup(method, key string) (*Descriptor, bool) {
	d := r.snap.Load().lookup(method, key)
	return d, d != nil
}

// Has reports whether any descriptor is registered for method.
func (r *Registry) Has(method string) bool {
	return len(r.snap.Load().byMethod[method]) > 0
}

// Keys returns the distinct descriptor keys, sorted.
func (r *Registry) Keys() []string {
	seen := map[string]struct{}{}
	for _, d := range r.snap.Load().all {
		seen[d.Key] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns an independent registry holding the same descriptors. Sessions
// clone the server registry so that negotiation can drop descriptors for one
// connection without affecting others.
func (r *Registry) Clone() *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := &Registry{catalog: r.catalog, seq: r.seq}
	c.snap.Store(r.snap.Load())
	return c
}

func (s *snapshot) lookup(method, key string) *Descriptor {
	for _, d := range s.byMethod[method] {
		if d.Key == key {
			return d
		}
	}
	return nil
}
