// Package registrations records the dynamic registrations a session has sent
// with client/registerCapability and not yet withdrawn.
//
// The ledger is what client/unregisterCapability is built from: every entry
// holds the registration id the client knows and the descriptor it stands for.
// Backends live in subpackages: memory for single-process servers and redis
// when the ledger must outlive the process or be inspected from outside.
package registrations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.lsp.dev/protocol"
)

var (
	// ErrNotFound is returned when no entry has the requested id.
	ErrNotFound = errors.New("registration not found")
	// ErrExists is returned by Put when the id is already recorded.
	ErrExists = errors.New("registration already exists")
)

// Entry is one live dynamic registration.
type Entry struct {
	ID              string          `json:"id"`
	Method          string          `json:"method"`
	RegisterOptions json.RawMessage `json:"registerOptions,omitempty"`
	// DescriptorID links the entry to the handler descriptor it announced.
	DescriptorID string    `json:"descriptorId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store is a per-session ledger of registrations. Implementations must be
// safe for concurrent use.
type Store interface {
	// Put records e for the session. It fails with ErrExists when the id is
	// already present.
	Put(ctx context.Context, sessionID string, e Entry) error
	// Get returns the entry with id without removing it.
	Get(ctx context.Context, sessionID, id string) (Entry, error)
	// Delete removes and returns the entry with id.
	Delete(ctx context.Context, sessionID, id string) (Entry, error)
	// List returns the session's entries, oldest first.
	List(ctx context.Context, sessionID string) ([]Entry, error)
	// Clear drops every entry of the session.
	Clear(ctx context.Context, sessionID string) error
}

// FromRegistration converts an outgoing registration into a ledger entry.
func FromRegistration(r protocol.Registration, descriptorID string) (Entry, error) {
	e := Entry{ID: r.ID, Method: r.Method, DescriptorID: descriptorID, CreatedAt: time.Now().UTC()}
	if r.RegisterOptions != nil {
		b, err := json.Marshal(r.RegisterOptions)
		if err != nil {
			return Entry{}, fmt.Errorf("marshal register options for %s: %w", r.Method, err)
		}
		e.RegisterOptions = b
	}
	return e, nil
}

// Unregistration is the client/unregisterCapability item for e.
func (e Entry) Unregistration() protocol.Unregistration {
	return protocol.Unregistration{ID: e.ID, Method: e.Method}
}

// Sort orders entries oldest first, breaking ties by id. Backends that do not
// keep insertion order use it for List.
func Sort(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
