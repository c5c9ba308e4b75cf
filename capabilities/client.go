package capabilities

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// ClientCapabilities is the capabilities object a client sent in initialize.
// Members are read by dotted path, e.g. "textDocument.hover".
type ClientCapabilities struct {
	raw json.RawMessage
}

// NewClientCapabilities wraps the raw capabilities object. A nil or null raw
// value declares nothing.
func NewClientCapabilities(raw json.RawMessage) ClientCapabilities {
	return ClientCapabilities{raw: raw}
}

// Raw returns the capabilities object as received.
func (c ClientCapabilities) Raw() json.RawMessage { return c.raw }

// Get returns the member at path.
func (c ClientCapabilities) Get(path string) gjson.Result {
	if len(c.raw) == 0 {
		return gjson.Result{}
	}
	return gjson.GetBytes(c.raw, path)
}

// Bool reports whether the member at path is true.
func (c ClientCapabilities) Bool(path string) bool {
	res := c.Get(path)
	return res.Type == gjson.True
}

// Lookup decodes the member at path as a Supports value. An absent member is
// the zero Supports, which is Unsupported.
func Lookup[T any](c ClientCapabilities, path string) (Supports[T], error) {
	var s Supports[T]
	res := c.Get(path)
	if !res.Exists() {
		return s, nil
	}
	if err := json.Unmarshal([]byte(res.Raw), &s); err != nil {
		return Supports[T]{}, fmt.Errorf("client capability %s: %w", path, err)
	}
	return s, nil
}
