package capabilities

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.lsp.dev/protocol"

	"github.com/ggoodman/lsp-server-go/registry"
)

// Decision is the outcome of negotiating one descriptor.
type Decision int

const (
	// Static descriptors are advertised in the initialize result.
	Static Decision = iota
	// Deferred descriptors are announced with client/registerCapability once
	// the client is initialized.
	Deferred
	// Dropped descriptors are never advertised nor invoked.
	Dropped
)

func (d Decision) String() string {
	switch d {
	case Static:
		return "static"
	case Deferred:
		return "deferred"
	default:
		return "dropped"
	}
}

// Provider negotiates the registry against the client's capabilities.
type Provider struct {
	reg       *registry.Registry
	combiners *Combiners
	log       *slog.Logger
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithLogger sets the logger used to report decisions.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) {
		if l != nil {
			p.log = l
		}
	}
}

// NewProvider returns a provider over reg. A nil combiners uses the built-in
// combiners only.
func NewProvider(reg *registry.Registry, combiners *Combiners, opts ...ProviderOption) *Provider {
	if combiners == nil {
		combiners = NewCombiners()
	}
	p := &Provider{reg: reg, combiners: combiners, log: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Decide classifies one descriptor. Only a capability object makes a feature
// available: left out, false, null and a bare true all drop the descriptor.
// When the capability names a ClientFlag, that member of the object must also
// be true. An object with dynamicRegistration set defers descriptors that can
// register; any other object keeps them static.
func Decide(caps ClientCapabilities, d *registry.Descriptor) (Decision, error) {
	if d.Capability == nil || d.Capability.ClientPath == "" {
		return Static, nil
	}
	s, err := Lookup[DynamicRegistration](caps, d.Capability.ClientPath)
	if err != nil {
		return Dropped, err
	}
	v, ok := s.Value()
	if !ok {
		return Dropped, nil
	}
	if f := d.Capability.ClientFlag; f != "" && !caps.Bool(d.Capability.ClientPath+"."+f) {
		return Dropped, nil
	}
	if v.DynamicRegistration && d.Registers {
		return Deferred, nil
	}
	return Static, nil
}

// Negotiate decides every descriptor in the registry and removes the dropped
// ones from it. It runs once per connection, during initialize.
func (p *Provider) Negotiate(caps ClientCapabilities) (*Negotiation, error) {
	n := &Negotiation{
		combiners: p.combiners,
		byKey:     map[string][]*registry.Descriptor{},
	}
	for _, d := range p.reg.All() {
		decision, err := Decide(caps, d)
		if err != nil {
			p.log.Warn("capabilities.negotiate.malformed", slog.String("method", d.Method), slog.String("err", err.Error()))
		}
		p.log.Debug("capabilities.negotiate.decision",
			slog.String("method", d.Method),
			slog.String("key", d.Key),
			slog.String("decision", decision.String()))

		switch decision {
		case Dropped:
			if _, err := p.reg.RemoveID(d.ID); err != nil {
				return nil, fmt.Errorf("drop %s: %w", d, err)
			}
			n.Dropped = append(n.Dropped, d)
		case Deferred:
			n.Deferred = append(n.Deferred, d)
		default:
			n.Static = append(n.Static, d)
			if d.Capability != nil && d.Capability.ServerKey != "" {
				n.byKey[d.Capability.ServerKey] = append(n.byKey[d.Capability.ServerKey], d)
			}
		}
	}
	return n, nil
}

// Negotiation is the result of Provider.Negotiate.
type Negotiation struct {
	Static   []*registry.Descriptor
	Deferred []*registry.Descriptor
	Dropped  []*registry.Descriptor

	combiners *Combiners
	byKey     map[string][]*registry.Descriptor
}

// ServerKeys returns the server capability keys with static contributions,
// sorted.
func (n *Negotiation) ServerKeys() []string {
	keys := make([]string, 0, len(n.byKey))
	for k := range n.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StaticOptions combines the static options for serverKey. It calls the
// key's combiner exactly once: Get for a single contributor, Reduce for
// several. ok is false when nothing contributes to the key.
func (n *Negotiation) StaticOptions(serverKey string) (v any, ok bool, err error) {
	ds := n.byKey[serverKey]
	if len(ds) == 0 {
		return nil, false, nil
	}
	c := n.combiners.lookup(serverKey)
	if len(ds) == 1 {
		v, err = c.get(ds[0])
	} else {
		v, err = c.reduce(ds)
	}
	if err != nil {
		return nil, false, fmt.Errorf("combine %s: %w", serverKey, err)
	}
	return v, true, nil
}

// ServerCapabilities assembles the capabilities object of the initialize
// result. base, when not empty, is a capabilities object the combined
// options are written into.
func (n *Negotiation) ServerCapabilities(base json.RawMessage) (json.RawMessage, error) {
	out := []byte("{}")
	if gjson.ParseBytes(base).IsObject() {
		out = append([]byte(nil), base...)
	}
	for _, key := range n.ServerKeys() {
		v, ok, err := n.StaticOptions(key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", key, err)
		}
		if out, err = sjson.SetRawBytes(out, key, raw); err != nil {
			return nil, fmt.Errorf("set %s: %w", key, err)
		}
	}
	return out, nil
}

// IsDeferred reports whether method has a descriptor awaiting dynamic
// registration.
func (n *Negotiation) IsDeferred(method string) bool {
	for _, d := range n.Deferred {
		if d.Method == method {
			return true
		}
	}
	return false
}

// NewRegistration builds the client/registerCapability entry for d with a
// fresh id. The descriptor's document selector is carried in the options.
func NewRegistration(d *registry.Descriptor) (protocol.Registration, error) {
	reg := protocol.Registration{ID: uuid.NewString(), Method: d.RegistrationMethod()}

	var raw []byte
	if d.RegistrationOptions != nil {
		b, err := json.Marshal(d.RegistrationOptions)
		if err != nil {
			return reg, fmt.Errorf("%s: marshal registration options: %w", d, err)
		}
		raw = b
	}
	if len(d.DocumentSelector) > 0 {
		if len(raw) == 0 || string(raw) == "null" {
			raw = []byte("{}")
		}
		if sel := gjson.GetBytes(raw, "documentSelector"); !sel.IsArray() {
			var err error
			if raw, err = sjson.SetBytes(raw, "documentSelector", d.DocumentSelector); err != nil {
				return reg, fmt.Errorf("%s: set documentSelector: %w", d, err)
			}
		}
	}
	if len(raw) > 0 && string(raw) != "null" {
		reg.RegisterOptions = json.RawMessage(raw)
	}
	return reg, nil
}

// Registrations builds the client/registerCapability params for ds. The
// registrations are in the same order as ds.
func Registrations(ds []*registry.Descriptor) (protocol.RegistrationParams, error) {
	params := protocol.RegistrationParams{Registrations: make([]protocol.Registration, 0, len(ds))}
	for _, d := range ds {
		r, err := NewRegistration(d)
		if err != nil {
			return protocol.RegistrationParams{}, err
		}
		params.Registrations = append(params.Registrations, r)
	}
	return params, nil
}
