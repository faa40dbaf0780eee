// Package mock provides a test double for [memory.Store].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. It is safe for concurrent use.
//
// Typical usage:
//
//	store := &mock.Store{}
//	store.SearchResult = []memory.Hit{{Text: "assistant: noted"}}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("Search"); got != 1 {
//	    t.Errorf("expected 1 Search call, got %d", got)
//	}
package mock

import (
	"context"
	"maps"
	"sync"

	"github.com/MrWong99/moneycoach/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Write is one recorded [Store.Write] invocation.
type Write struct {
	UserID   string
	Turns    []memory.Message
	Metadata map[string]any
}

// Store is a configurable test double for [memory.Store].
type Store struct {
	mu sync.Mutex

	calls  []Call
	writes []Write

	// WriteErr is returned by Write when non-nil. Failed writes are still
	// recorded as calls but not as writes.
	WriteErr error

	// OnWrite, when non-nil, is invoked after every Write call with its
	// arguments and the error about to be returned. Tests use it to wait for
	// background writes.
	OnWrite func(w Write, err error)

	// SearchResult is returned by Search. When nil, Search returns an empty
	// non-nil slice.
	SearchResult []memory.Hit

	// SearchFunc, if set, takes precedence over SearchResult and SearchErr.
	SearchFunc func(ctx context.Context, query, userID string, topK int, filter map[string]any) ([]memory.Hit, error)

	// SearchErr is returned by Search when non-nil.
	SearchErr error
}

// Write implements [memory.Store].
func (m *Store) Write(_ context.Context, userID string, turns []memory.Message, metadata map[string]any) error {
	w := Write{
		UserID:   userID,
		Turns:    append([]memory.Message(nil), turns...),
		Metadata: maps.Clone(metadata),
	}

	m.mu.Lock()
	m.calls = append(m.calls, Call{Method: "Write", Args: []any{userID, w.Turns, w.Metadata}})
	err := m.WriteErr
	if err == nil {
		m.writes = append(m.writes, w)
	}
	hook := m.OnWrite
	m.mu.Unlock()

	if hook != nil {
		hook(w, err)
	}
	return err
}

// Search implements [memory.Store].
func (m *Store) Search(ctx context.Context, query, userID string, topK int, filter map[string]any) ([]memory.Hit, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Method: "Search", Args: []any{query, userID, topK, maps.Clone(filter)}})
	fn := m.SearchFunc
	res, err := m.SearchResult, m.SearchErr
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, query, userID, topK, filter)
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		return []memory.Hit{}, nil
	}
	return res, nil
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Writes returns a copy of all successful writes.
func (m *Store) Writes() []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Write, len(m.writes))
	copy(out, m.writes)
	return out
}

// Reset clears all recorded calls and writes.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.writes = nil
}
