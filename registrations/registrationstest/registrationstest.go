// Package registrationstest is a conformance suite for registrations.Store
// implementations.
package registrationstest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/lsp-server-go/registrations"
)

// StoreFactory creates a new Store instance for testing.
type StoreFactory func(t *testing.T) registrations.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("PutAndList", func(t *testing.T) { testPutAndList(t, factory) })
	t.Run("ListOrdersOldestFirst", func(t *testing.T) { testListOrder(t, factory) })
	t.Run("DuplicateID", func(t *testing.T) { testDuplicateID(t, factory) })
	t.Run("GetKeepsEntry", func(t *testing.T) { testGet(t, factory) })
	t.Run("DeleteReturnsEntry", func(t *testing.T) { testDelete(t, factory) })
	t.Run("DeleteUnknown", func(t *testing.T) { testDeleteUnknown(t, factory) })
	t.Run("SessionIsolation", func(t *testing.T) { testIsolation(t, factory) })
	t.Run("Clear", func(t *testing.T) { testClear(t, factory) })
	t.Run("ConcurrentPut", func(t *testing.T) { testConcurrentPut(t, factory) })
}

// sessionID is unique per call so that suites against shared backends never
// observe each other's entries.
func sessionID() string { return "test-" + uuid.NewString() }

func entry(id, method string, at time.Time) registrations.Entry {
	return registrations.Entry{
		ID:              id,
		Method:          method,
		RegisterOptions: json.RawMessage(`{"documentSelector":[{"pattern":"**/*.cake"}]}`),
		DescriptorID:    "desc-" + id,
		CreatedAt:       at.UTC().Truncate(time.Millisecond),
	}
}

func testPutAndList(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	sid := sessionID()
	defer func() { _ = s.Clear(ctx, sid) }()

	want := entry("r1", "textDocument/hover", time.Now())
	if err := s.Put(ctx, sid, want); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.List(ctx, sid)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	e := got[0]
	if e.ID != want.ID || e.Method != want.Method || e.DescriptorID != want.DescriptorID {
		t.Fatalf("entry mismatch: got %+v want %+v", e, want)
	}
	if !e.CreatedAt.Equal(want.CreatedAt) {
		t.Fatalf("created at mismatch: got %v want %v", e.CreatedAt, want.CreatedAt)
	}
	var opts struct {
		DocumentSelector []struct {
			Pattern string `json:"pattern"`
		} `json:"documentSelector"`
	}
	if err := json.Unmarshal(e.RegisterOptions, &opts); err != nil {
		t.Fatalf("decode options: %v", err)
	}
	if len(opts.DocumentSelector) != 1 || opts.DocumentSelector[0].Pattern != "**/*.cake" {
		t.Fatalf("options not preserved: %s", e.RegisterOptions)
	}

	empty, err := s.List(ctx, sessionID())
	if err != nil {
		t.Fatalf("list empty: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no entries for unknown session, got %d", len(empty))
	}
}

func testListOrder(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	sid := sessionID()
	defer func() { _ = s.Clear(ctx, sid) }()

	base := time.Now()
	for i, id := range []string{"c", "a", "b"} {
		if err := s.Put(ctx, sid, entry(id, "textDocument/completion", base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	got, err := s.List(ctx, sid)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var ids []string
	for _, e := range got {
		ids = append(ids, e.ID)
	}
	if fmt.Sprint(ids) != "[c a b]" {
		t.Fatalf("expected insertion order [c a b], got %v", ids)
	}
}

func testDuplicateID(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	sid := sessionID()
	defer func() { _ = s.Clear(ctx, sid) }()

	if err := s.Put(ctx, sid, entry("dup", "textDocument/hover", time.Now())); err != nil {
		t.Fatalf("put: %v", err)
	}
	err := s.Put(ctx, sid, entry("dup", "textDocument/definition", time.Now()))
	if !errors.Is(err, registrations.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	got, _ := s.List(ctx, sid)
	if len(got) != 1 || got[0].Method != "textDocument/hover" {
		t.Fatalf("duplicate put must not overwrite: %+v", got)
	}
}

func testDelete(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	sid := sessionID()
	defer func() { _ = s.Clear(ctx, sid) }()

	now := time.Now()
	_ = s.Put(ctx, sid, entry("keep", "textDocument/hover", now))
	_ = s.Put(ctx, sid, entry("drop", "textDocument/didSave", now.Add(time.Second)))

	e, err := s.Delete(ctx, sid, "drop")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if e.Method != "textDocument/didSave" {
		t.Fatalf("deleted wrong entry: %+v", e)
	}
	if u := e.Unregistration(); u.ID != "drop" || u.Method != "textDocument/didSave" {
		t.Fatalf("unexpected unregistration: %+v", u)
	}
	got, _ := s.List(ctx, sid)
	if len(got) != 1 || got[0].ID != "keep" {
		t.Fatalf("expected only keep to remain: %+v", got)
	}
	if _, err := s.Delete(ctx, sid, "drop"); !errors.Is(err, registrations.ErrNotFound) {
		t.Fatalf("second delete: expected ErrNotFound, got %v", err)
	}
}

func testGet(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	sid := sessionID()
	defer func() { _ = s.Clear(ctx, sid) }()

	if _, err := s.Get(ctx, sid, "keep"); !errors.Is(err, registrations.ErrNotFound) {
		t.Fatalf("get before put: expected ErrNotFound, got %v", err)
	}
	if err := s.Put(ctx, sid, entry("keep", "textDocument/hover", time.Now())); err != nil {
		t.Fatalf("put: %v", err)
	}
	for i := 0; i < 2; i++ {
		e, err := s.Get(ctx, sid, "keep")
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if e.ID != "keep" || e.Method != "textDocument/hover" || e.DescriptorID != "desc-keep" {
			t.Fatalf("get %d: unexpected entry %+v", i, e)
		}
	}
	got, err := s.List(ctx, sid)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected get to leave 1 entry, got %d", len(got))
	}
}

func testDeleteUnknown(t *testing.T, factory StoreFactory) {
	s := factory(t)
	if _, err := s.Delete(context.Background(), sessionID(), "nope"); !errors.Is(err, registrations.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testIsolation(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	a, b := sessionID(), sessionID()
	defer func() { _ = s.Clear(ctx, a); _ = s.Clear(ctx, b) }()

	if err := s.Put(ctx, a, entry("same", "textDocument/hover", time.Now())); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := s.Put(ctx, b, entry("same", "textDocument/hover", time.Now())); err != nil {
		t.Fatalf("same id in another session must be accepted: %v", err)
	}
	if _, err := s.Delete(ctx, a, "same"); err != nil {
		t.Fatalf("delete a: %v", err)
	}
	got, _ := s.List(ctx, b)
	if len(got) != 1 {
		t.Fatalf("session b affected by delete in a: %+v", got)
	}
}

func testClear(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	sid := sessionID()

	for _, id := range []string{"x", "y"} {
		_ = s.Put(ctx, sid, entry(id, "workspace/didChangeWatchedFiles", time.Now()))
	}
	if err := s.Clear(ctx, sid); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ := s.List(ctx, sid)
	if len(got) != 0 {
		t.Fatalf("expected empty ledger after clear, got %d", len(got))
	}
	if err := s.Clear(ctx, sid); err != nil {
		t.Fatalf("clearing an empty ledger: %v", err)
	}
}

func testConcurrentPut(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	sid := sessionID()
	defer func() { _ = s.Clear(ctx, sid) }()

	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Put(ctx, sid, entry(fmt.Sprintf("r%02d", i), "textDocument/hover", time.Now()))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent put: %v", err)
		}
	}
	got, err := s.List(ctx, sid)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != n {
		t.Fatalf("expected %d entries, got %d", n, len(got))
	}
}
