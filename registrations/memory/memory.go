// Package memory is an in-process registrations.Store.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/ggoodman/lsp-server-go/registrations"
)

// Store keeps entries in a map per session, in insertion order.
type Store struct {
	mu       sync.Mutex
	sessions map[string][]registrations.Entry
}

// New returns an empty Store.
func New() *Store {
	return &Store{sessions: make(map[string][]registrations.Entry)}
}

func (s *Store) Put(_ context.Context, sessionID string, e registrations.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.sessions[sessionID]
	if slices.ContainsFunc(entries, func(x registrations.Entry) bool { return x.ID == e.ID }) {
		return fmt.Errorf("%w: %s", registrations.ErrExists, e.ID)
	}
	e.RegisterOptions = slices.Clone(e.RegisterOptions)
	s.sessions[sessionID] = append(entries, e)
	return nil
}

func (s *Store) Get(_ context.Context, sessionID, id string) (registrations.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := slices.IndexFunc(s.sessions[sessionID], func(x registrations.Entry) bool { return x.ID == id })
	if idx < 0 {
		return registrations.Entry{}, fmt.Errorf("%w: %s", registrations.ErrNotFound, id)
	}
	e := s.sessions[sessionID][idx]
	e.RegisterOptions = slices.Clone(e.RegisterOptions)
	return e, nil
}

func (s *Store) Delete(_ context.Context, sessionID, id string) (registrations.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.sessions[sessionID]
	idx := slices.IndexFunc(entries, func(x registrations.Entry) bool { return x.ID == id })
	if idx < 0 {
		return registrations.Entry{}, fmt.Errorf("%w: %s", registrations.ErrNotFound, id)
	}
	e := entries[idx]
	entries = slices.Delete(entries, idx, idx+1)
	if len(entries) == 0 {
		delete(s.sessions, sessionID)
	} else {
		s.sessions[sessionID] = entries
	}
	return e, nil
}

func (s *Store) List(_ context.Context, sessionID string) ([]registrations.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Clone(s.sessions[sessionID])
	registrations.Sort(out)
	return out, nil
}

func (s *Store) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

var _ registrations.Store = (*Store)(nil)
