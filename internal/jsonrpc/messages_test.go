package jsonrpc

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestAnyMessageKind(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want Kind
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"textDocument/hover","params":{}}`, KindRequest},
		{"string id", `{"jsonrpc":"2.0","id":"a","method":"shutdown"}`, KindRequest},
		{"notification", `{"jsonrpc":"2.0","method":"initialized","params":{}}`, KindNotification},
		{"null id notification", `{"jsonrpc":"2.0","id":null,"method":"exit"}`, KindNotification},
		{"result", `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`, KindResponse},
		{"null result", `{"jsonrpc":"2.0","id":1,"result":null}`, KindResponse},
		{"error", `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse error"}}`, KindResponse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var m AnyMessage
			if err := json.Unmarshal([]byte(tc.in), &m); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := m.Kind(); got != tc.want {
				t.Fatalf("kind = %s, want %s", got, tc.want)
			}
			switch tc.want {
			case KindResponse:
				if m.AsRequest() != nil || m.AsResponse() == nil {
					t.Fatal("response converted as request")
				}
			default:
				if m.AsResponse() != nil || m.AsRequest() == nil {
					t.Fatal("request converted as response")
				}
			}
		})
	}
}

func TestAnyMessageRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want error
	}{
		{"request with result", `{"jsonrpc":"2.0","id":1,"method":"x","result":1}`, errMixedRequest},
		{"result and error", `{"jsonrpc":"2.0","id":1,"result":1,"error":{"code":1,"message":"m"}}`, errMixedResponse},
		{"empty response", `{"jsonrpc":"2.0","id":1}`, errEmptyResponse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var m AnyMessage
			err := json.Unmarshal([]byte(tc.in), &m)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	var m AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"1.0","id":1,"method":"x"}`), &m); err == nil {
		t.Fatal("expected version error")
	}
}

func TestRequestIDPreservesType(t *testing.T) {
	var n, s RequestID
	if err := json.Unmarshal([]byte(`1`), &n); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`"1"`), &s); err != nil {
		t.Fatal(err)
	}
	if n.String() != s.String() {
		t.Fatalf("both ids should print as 1: %q vs %q", n.String(), s.String())
	}
	if n.Key() == s.Key() {
		t.Fatalf("numeric and string ids share key %q", n.Key())
	}

	for _, id := range []*RequestID{&n, &s} {
		b, err := json.Marshal(id)
		if err != nil {
			t.Fatal(err)
		}
		var back RequestID
		if err := json.Unmarshal(b, &back); err != nil {
			t.Fatal(err)
		}
		if back.Key() != id.Key() {
			t.Fatalf("round trip changed %s into %s", id.Key(), back.Key())
		}
	}

	if err := json.Unmarshal([]byte(`{}`), &n); err == nil {
		t.Fatal("expected error for object id")
	}
	if !(*RequestID)(nil).IsNil() || NewRequestID(struct{}{}).Key() != "" {
		t.Fatal("nil ids should have no key")
	}
}

func TestRequestIDKeepsLargeNumbers(t *testing.T) {
	for _, in := range []string{`9007199254740993`, `18446744073709551615`, `1.5`} {
		var id RequestID
		if err := json.Unmarshal([]byte(in), &id); err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		b, err := json.Marshal(&id)
		if err != nil {
			t.Fatal(err)
		}
		if string(b) != in {
			t.Fatalf("id %s echoed as %s", in, b)
		}
		if id.Key() != "n:"+in {
			t.Fatalf("id %s has key %q", in, id.Key())
		}
	}

	var big RequestID
	if err := json.Unmarshal([]byte(`9007199254740993`), &big); err != nil {
		t.Fatal(err)
	}
	if v, ok := big.Value().(int64); !ok || v != 9007199254740993 {
		t.Fatalf("expected exact int64, got %#v", big.Value())
	}
}

func TestResponsesAlwaysCarryID(t *testing.T) {
	resp, err := NewResultResponse(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"jsonrpc":"2.0","id":null,"result":null}` {
		t.Fatalf("unexpected encoding %s", b)
	}

	b, err = json.Marshal(NewErrorResponse(NewRequestID("x"), ErrorCodeMethodNotFound, "nope", nil))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"jsonrpc":"2.0","id":"x","error":{"code":-32601,"message":"nope"}}` {
		t.Fatalf("unexpected encoding %s", b)
	}
}
