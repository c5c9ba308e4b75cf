package match

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ggoodman/lsp-server-go/registry"
)

// ResolveKeyField is the member of an item's data that names the handler key
// which produced the item.
const ResolveKeyField = "__lspHandlerKey"

// ResolveKeyMatcher routes */resolve requests back to the handler that
// produced the item being resolved. It applies only to payloads whose data
// carries a key stamped with StampResolveKey.
type ResolveKeyMatcher struct{}

// Match implements Matcher.
func (ResolveKeyMatcher) Match(method string, params json.RawMessage, candidates []*registry.Descriptor) ([]*registry.Descriptor, bool) {
	key := gjson.GetBytes(params, "data."+ResolveKeyField)
	if key.Type != gjson.String {
		return nil, false
	}
	var out []*registry.Descriptor
	for _, d := range candidates {
		if d.Key == key.Str {
			out = append(out, d)
		}
	}
	return out, true
}

// StampResolveKey returns data with the handler key recorded in it. data must
// marshal to a JSON object or null.
func StampResolveKey(data any, key string) (json.RawMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal item data: %w", err)
	}
	if string(raw) == "null" {
		raw = []byte("{}")
	}
	if !gjson.ParseBytes(raw).IsObject() {
		return nil, fmt.Errorf("item data must be an object to carry a resolve key")
	}
	out, err := sjson.SetBytes(raw, ResolveKeyField, key)
	if err != nil {
		return nil, fmt.Errorf("stamp resolve key: %w", err)
	}
	return out, nil
}

// DefaultMatchers is the chain a session uses unless configured otherwise.
func DefaultMatchers() []Matcher {
	return []Matcher{ResolveKeyMatcher{}, NewDocumentSelectorMatcher()}
}
