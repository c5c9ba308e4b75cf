package capabilities

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// State classifies a Supports value.
type State int

const (
	// Unsupported covers false, null and an absent member.
	Unsupported State = iota
	// SupportedWithoutValue is a bare true.
	SupportedWithoutValue
	// SupportedWithValue is an object carrying capability detail.
	SupportedWithValue
)

func (s State) String() string {
	switch s {
	case SupportedWithoutValue:
		return "supported"
	case SupportedWithValue:
		return "supported-with-value"
	default:
		return "unsupported"
	}
}

type wireForm uint8

const (
	formAbsent wireForm = iota
	formNull
	formFalse
	formTrue
	formValue
)

// Supports is a capability flag that is either false, true, or an object with
// detail. It remembers its wire form so a decoded value marshals back to the
// same JSON. Use the omitzero tag option to keep absent members absent.
type Supports[T any] struct {
	form  wireForm
	value T
}

// NotSupported returns an explicit false.
func NotSupported[T any]() Supports[T] { return Supports[T]{form: formFalse} }

// Supported returns a bare true.
func Supported[T any]() Supports[T] { return Supports[T]{form: formTrue} }

// SupportedWith returns a supported value carrying v.
func SupportedWith[T any](v T) Supports[T] { return Supports[T]{form: formValue, value: v} }

// State classifies the value.
func (s Supports[T]) State() State {
	switch s.form {
	case formTrue:
		return SupportedWithoutValue
	case formValue:
		return SupportedWithValue
	default:
		return Unsupported
	}
}

// IsSupported reports whether the peer declared the capability at all.
func (s Supports[T]) IsSupported() bool { return s.State() != Unsupported }

// Value returns the capability detail. ok is false unless the value is
// SupportedWithValue; a bare true or null never yields detail.
func (s Supports[T]) Value() (T, bool) {
	if s.form != formValue {
		var zero T
		return zero, false
	}
	return s.value, true
}

// IsZero reports whether the member was absent.
func (s Supports[T]) IsZero() bool { return s.form == formAbsent }

func (s Supports[T]) String() string {
	return s.State().String()
}

func (s Supports[T]) MarshalJSON() ([]byte, error) {
	switch s.form {
	case formNull:
		return []byte("null"), nil
	case formTrue:
		return []byte("true"), nil
	case formValue:
		return json.Marshal(s.value)
	default:
		return []byte("false"), nil
	}
}

func (s *Supports[T]) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch string(data) {
	case "null":
		*s = Supports[T]{form: formNull}
		return nil
	case "true":
		*s = Supports[T]{form: formTrue}
		return nil
	case "false":
		*s = Supports[T]{form: formFalse}
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("decode capability: %w", err)
	}
	*s = Supports[T]{form: formValue, value: v}
	return nil
}

// DynamicRegistration is the detail every registrable client capability
// shares.
type DynamicRegistration struct {
	DynamicRegistration bool `json:"dynamicRegistration,omitempty"`
}
