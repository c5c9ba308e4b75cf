package match

import (
	"encoding/json"
	"sort"

	"github.com/ggoodman/lsp-server-go/lsp"
	"github.com/ggoodman/lsp-server-go/registry"
)

// Source is the read side of a registry.
type Source interface {
	ByMethod(method string) []*registry.Descriptor
}

// Matcher narrows the candidate descriptors for a message by inspecting its
// payload.
//
// applies is false when the matcher has nothing to say about the message
// (for example the payload carries no document URI). When it applies, matched
// holds the surviving candidates ordered from most to least specific.
type Matcher interface {
	Match(method string, params json.RawMessage, candidates []*registry.Descriptor) (matched []*registry.Descriptor, applies bool)
}

// Observer is implemented by matchers that learn from the notification
// stream, such as the language tracker behind DocumentSelectorMatcher.
type Observer interface {
	Observe(method string, params json.RawMessage)
}

// Resolver selects the descriptors that service an inbound message.
type Resolver struct {
	src      Source
	matchers []Matcher
}

// NewResolver builds a resolver consulting matchers in order. The first
// matcher that applies decides the candidate set.
func NewResolver(src Source, matchers ...Matcher) *Resolver {
	return &Resolver{src: src, matchers: matchers}
}

// Resolve returns exactly one descriptor for a request and every matching
// descriptor, in registration order, for a notification.
//
// For requests it fails with lsp.ErrMethodNotFound when nothing is registered
// for the method and with lsp.ErrHandlerNotFound when several handlers are
// registered but none matches the payload and there is no default handler.
// Notifications never fail; an empty result means nobody is interested.
func (r *Resolver) Resolve(method string, params json.RawMessage, isRequest bool) ([]*registry.Descriptor, error) {
	candidates := r.src.ByMethod(method)
	if !isRequest {
		matched, _ := r.narrow(method, params, candidates)
		r.observe(method, params)
		sort.SliceStable(matched, func(i, j int) bool { return matched[i].Order() < matched[j].Order() })
		return matched, nil
	}

	switch len(candidates) {
	case 0:
		return nil, lsp.NewResponseError(lsp.CodeMethodNotFound, "method not found: %s", method)
	case 1:
		return candidates, nil
	}

	matched, applied := r.narrow(method, params, candidates)
	if len(matched) > 0 && applied {
		return matched[:1], nil
	}
	for _, d := range candidates {
		if d.Key == registry.DefaultKey {
			return []*registry.Descriptor{d}, nil
		}
	}
	if !applied {
		// Nothing in the payload distinguishes the candidates.
		return candidates[:1], nil
	}
	return nil, lsp.NewResponseError(lsp.CodeMethodNotFound, "no handler for %s matches the request", method)
}

func (r *Resolver) narrow(method string, params json.RawMessage, candidates []*registry.Descriptor) ([]*registry.Descriptor, bool) {
	if len(candidates) == 0 {
		return nil, false
	}
	for _, m := range r.matchers {
		if matched, ok := m.Match(method, params, candidates); ok {
			return matched, true
		}
	}
	return candidates, false
}

func (r *Resolver) observe(method string, params json.RawMessage) {
	for _, m := range r.matchers {
		if o, ok := m.(Observer); ok {
			o.Observe(method, params)
		}
	}
}
