package capabilities

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ggoodman/lsp-server-go/registry"
)

// Combiner turns the registration options of the handlers sharing one server
// capability into the value advertised for it. Get is used when exactly one
// handler contributes, Reduce when several do.
type Combiner[T any] interface {
	Get(options T) (any, error)
	Reduce(options []T) (any, error)
}

// CombinerFuncs adapts a pair of functions to Combiner. A nil GetFunc
// advertises the options unchanged; a nil ReduceFunc advertises the first.
type CombinerFuncs[T any] struct {
	GetFunc    func(options T) (any, error)
	ReduceFunc func(options []T) (any, error)
}

func (c CombinerFuncs[T]) Get(options T) (any, error) {
	if c.GetFunc == nil {
		return options, nil
	}
	return c.GetFunc(options)
}

func (c CombinerFuncs[T]) Reduce(options []T) (any, error) {
	if c.ReduceFunc == nil {
		if len(options) == 0 {
			return nil, nil
		}
		return c.Get(options[0])
	}
	return c.ReduceFunc(options)
}

// combiner is the type-erased form stored per server key.
type combiner interface {
	get(d *registry.Descriptor) (any, error)
	reduce(ds []*registry.Descriptor) (any, error)
}

type typed[T any] struct{ c Combiner[T] }

func (t typed[T]) get(d *registry.Descriptor) (any, error) {
	v, err := decodeOptions[T](d)
	if err != nil {
		return nil, err
	}
	return t.c.Get(v)
}

func (t typed[T]) reduce(ds []*registry.Descriptor) (any, error) {
	vs := make([]T, 0, len(ds))
	for _, d := range ds {
		v, err := decodeOptions[T](d)
		if err != nil {
			return nil, err
		}
		vs = append(vs, v)
	}
	return t.c.Reduce(vs)
}

// DecodeOptions decodes the registration options of d as T. Descriptors
// without options decode as the zero value.
func DecodeOptions[T any](d *registry.Descriptor) (T, error) {
	return decodeOptions[T](d)
}

func decodeOptions[T any](d *registry.Descriptor) (T, error) {
	var zero T
	switch v := d.RegistrationOptions.(type) {
	case nil:
		return zero, nil
	case T:
		return v, nil
	}
	raw, err := json.Marshal(d.RegistrationOptions)
	if err != nil {
		return zero, fmt.Errorf("%s: marshal registration options: %w", d, err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("%s: registration options do not decode as %T: %w", d, out, err)
	}
	return out, nil
}

// Combiners maps server capability keys to their combiner. Keys without an
// explicit combiner use a JSON object merge.
type Combiners struct {
	mu    sync.RWMutex
	byKey map[string]combiner
}

// NewCombiners returns the built-in combiners. textDocumentSync is reduced
// into protocol.TextDocumentSyncOptions.
func NewCombiners() *Combiners {
	return &Combiners{byKey: map[string]combiner{
		"textDocumentSync": syncCombiner{},
	}}
}

// RegisterCombiner installs c for serverKey, replacing any previous one.
func RegisterCombiner[T any](cs *Combiners, serverKey string, c Combiner[T]) {
	cs.mu.Lock()
	cs.byKey[serverKey] = typed[T]{c: c}
	cs.mu.Unlock()
}

func (cs *Combiners) lookup(serverKey string) combiner {
	cs.mu.RLock()
	c, ok := cs.byKey[serverKey]
	cs.mu.RUnlock()
	if ok {
		return c
	}
	return typed[json.RawMessage]{c: mergeCombiner{objectOnly: objectOnly[serverKey]}}
}

// objectOnly lists server capabilities that cannot be advertised as a bare
// true.
var objectOnly = map[string]bool{
	"completionProvider":               true,
	"signatureHelpProvider":            true,
	"codeLensProvider":                 true,
	"documentLinkProvider":             true,
	"documentOnTypeFormattingProvider": true,
	"executeCommandProvider":           true,
	"semanticTokensProvider":           true,
	"diagnosticProvider":               true,

	"workspace.fileOperations.didCreate":  true,
	"workspace.fileOperations.willCreate": true,
	"workspace.fileOperations.didRename":  true,
	"workspace.fileOperations.willRename": true,
	"workspace.fileOperations.didDelete":  true,
	"workspace.fileOperations.willDelete": true,
}

// mergeCombiner advertises options without their documentSelector. Several
// option objects are merged member by member: booleans are or-ed, arrays are
// unioned, objects merge recursively and other values keep the first seen.
type mergeCombiner struct {
	objectOnly bool
}

func (m mergeCombiner) Get(options json.RawMessage) (any, error) {
	return m.Reduce([]json.RawMessage{options})
}

func (m mergeCombiner) Reduce(options []json.RawMessage) (any, error) {
	out := []byte("{}")
	seen := false
	for _, raw := range options {
		res := gjson.ParseBytes(raw)
		if !res.IsObject() {
			continue
		}
		stripped, err := sjson.DeleteBytes([]byte(res.Raw), "documentSelector")
		if err != nil {
			return nil, fmt.Errorf("strip documentSelector: %w", err)
		}
		if out, err = mergeObjects(out, stripped); err != nil {
			return nil, err
		}
		seen = true
	}
	if !seen && !m.objectOnly {
		return true, nil
	}
	return json.RawMessage(out), nil
}

func mergeObjects(dst, src []byte) ([]byte, error) {
	var err error
	gjson.ParseBytes(src).ForEach(func(k, v gjson.Result) bool {
		path := escapePath(k.Str)
		cur := gjson.GetBytes(dst, path)
		switch {
		case !cur.Exists():
			dst, err = sjson.SetRawBytes(dst, path, []byte(v.Raw))
		case isBool(cur) && isBool(v):
			dst, err = sjson.SetBytes(dst, path, cur.Bool() || v.Bool())
		case cur.IsArray() && v.IsArray():
			dst, err = sjson.SetRawBytes(dst, path, unionArrays(cur, v))
		case cur.IsObject() && v.IsObject():
			var merged []byte
			merged, err = mergeObjects([]byte(cur.Raw), []byte(v.Raw))
			if err == nil {
				dst, err = sjson.SetRawBytes(dst, path, merged)
			}
		}
		return err == nil
	})
	if err != nil {
		return nil, fmt.Errorf("merge options: %w", err)
	}
	return dst, nil
}

func isBool(r gjson.Result) bool { return r.Type == gjson.True || r.Type == gjson.False }

func unionArrays(a, b gjson.Result) []byte {
	seen := map[string]bool{}
	var items []string
	for _, arr := range []gjson.Result{a, b} {
		arr.ForEach(func(_, v gjson.Result) bool {
			if !seen[v.Raw] {
				seen[v.Raw] = true
				items = append(items, v.Raw)
			}
			return true
		})
	}
	return []byte("[" + strings.Join(items, ",") + "]")
}

var pathEscaper = strings.NewReplacer(
	`\`, `\\`, `.`, `\.`, `*`, `\*`, `?`, `\?`, `|`, `\|`, `#`, `\#`, `@`, `\@`,
)

func escapePath(key string) string { return pathEscaper.Replace(key) }
