package lsp

import (
	"encoding/json"
	"fmt"
	"strconv"

	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
)

// ProgressToken correlates $/progress notifications with a request. It is
// either a string or an integer on the wire.
type ProgressToken struct {
	str   string
	num   int64
	isNum bool
	isSet bool
}

// NewStringProgressToken returns a string token.
func NewStringProgressToken(s string) ProgressToken {
	return ProgressToken{str: s, isSet: true}
}

// NewNumberProgressToken returns a numeric token.
func NewNumberProgressToken(n int64) ProgressToken {
	return ProgressToken{num: n, isNum: true, isSet: true}
}

// IsZero reports whether the token was never set.
func (t ProgressToken) IsZero() bool { return !t.isSet }

// String renders the token. Numeric tokens are rendered in decimal.
func (t ProgressToken) String() string {
	if t.isNum {
		return strconv.FormatInt(t.num, 10)
	}
	return t.str
}

// Key returns a map key that keeps numeric and string tokens apart.
func (t ProgressToken) Key() string {
	if t.isNum {
		return "n:" + t.String()
	}
	return "s:" + t.str
}

func (t ProgressToken) MarshalJSON() ([]byte, error) {
	if !t.isSet {
		return []byte("null"), nil
	}
	if t.isNum {
		return []byte(strconv.FormatInt(t.num, 10)), nil
	}
	return json.Marshal(t.str)
}

func (t *ProgressToken) UnmarshalJSON(data []byte) error {
	*t = ProgressToken{}
	if string(data) == "null" {
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*t = NewNumberProgressToken(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("progress token must be a string or integer, got: %s", string(data))
	}
	*t = NewStringProgressToken(s)
	return nil
}

// ProgressParams is the payload of a $/progress notification.
type ProgressParams struct {
	Token ProgressToken `json:"token"`
	Value any           `json:"value"`
}

// WorkDoneProgressCreateParams is the payload of window/workDoneProgress/create.
type WorkDoneProgressCreateParams struct {
	Token ProgressToken `json:"token"`
}

// InitializeParams is the payload of the initialize request. Capabilities is
// kept raw so that the capability engine can walk the tree by path.
type InitializeParams struct {
	ProcessID             *int32                     `json:"processId"`
	ClientInfo            *protocol.ClientInfo       `json:"clientInfo,omitempty"`
	Locale                string                     `json:"locale,omitempty"`
	RootURI               uri.URI                    `json:"rootUri,omitempty"`
	InitializationOptions json.RawMessage            `json:"initializationOptions,omitempty"`
	Capabilities          json.RawMessage            `json:"capabilities"`
	Trace                 protocol.TraceValue        `json:"trace,omitempty"`
	WorkspaceFolders      []protocol.WorkspaceFolder `json:"workspaceFolders,omitempty"`
}

// InitializeResult is the response to initialize.
type InitializeResult struct {
	Capabilities json.RawMessage      `json:"capabilities"`
	ServerInfo   *protocol.ServerInfo `json:"serverInfo,omitempty"`
}

// SetTraceParams is the payload of $/setTrace.
type SetTraceParams struct {
	Value protocol.TraceValue `json:"value"`
}
