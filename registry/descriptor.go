package registry

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/tidwall/gjson"
	"go.lsp.dev/protocol"
)

// DefaultKey is the key of descriptors registered without a document selector.
const DefaultKey = "default"

// Descriptor describes one registered handler. Once added to a Registry a
// descriptor is shared between goroutines and must not be modified.
type Descriptor struct {
	ID     string
	Method string
	// Key disambiguates descriptors of the same method. Derived from the
	// document selector when left empty.
	Key     string
	Kind    Kind
	Handler Handler

	RequestType  reflect.Type
	ResponseType reflect.Type

	// RegistrationOptions is the value advertised for the handler, statically
	// or in client/registerCapability.
	RegistrationOptions any
	// DocumentSelector limits the documents the handler applies to. Extracted
	// from RegistrationOptions when left nil.
	DocumentSelector protocol.DocumentSelector

	Capability  *Capability
	Concurrency Concurrency
	SerialGroup string
	Registers   bool

	seq uint64
}

// Order is the registration sequence number; earlier registrations sort first.
func (d *Descriptor) Order() uint64 { return d.seq }

// Queue returns the name Serial work for the descriptor is ordered under.
func (d *Descriptor) Queue() string {
	if d.SerialGroup != "" {
		return d.SerialGroup
	}
	return d.Method
}

// RegistrationMethod is the method to name in client/registerCapability.
func (d *Descriptor) RegistrationMethod() string {
	if d.Capability != nil && d.Capability.RegistrationMethod != "" {
		return d.Capability.RegistrationMethod
	}
	return d.Method
}

func (d *Descriptor) String() string {
	return d.Method + " " + d.Key
}

// KeyFor derives a descriptor key from a document selector. Each filter is
// rendered as its language, else its pattern, else its scheme:
//
//	[csharp]
//	[**/*.cake]
//	[csharp,**/*.cake]
func KeyFor(selector protocol.DocumentSelector) string {
	parts := make([]string, 0, len(selector))
	for _, f := range selector {
		if f == nil {
			continue
		}
		switch {
		case f.Language != "":
			parts = append(parts, f.Language)
		case f.Pattern != "":
			parts = append(parts, f.Pattern)
		case f.Scheme != "":
			parts = append(parts, f.Scheme)
		}
	}
	if len(parts) == 0 {
		return DefaultKey
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// SelectorOf extracts the documentSelector member of a registration options
// value. It returns nil when the options carry none.
func SelectorOf(options any) (protocol.DocumentSelector, error) {
	if options == nil {
		return nil, nil
	}
	var raw []byte
	switch v := options.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(options)
		if err != nil {
			return nil, fmt.Errorf("marshal registration options: %w", err)
		}
		raw = b
	}
	res := gjson.GetBytes(raw, "documentSelector")
	if !res.IsArray() {
		return nil, nil
	}
	var sel protocol.DocumentSelector
	if err := json.Unmarshal([]byte(res.Raw), &sel); err != nil {
		return nil, fmt.Errorf("decode documentSelector: %w", err)
	}
	return sel, nil
}
