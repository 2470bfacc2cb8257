// Package mock provides an in-memory test double for [history.Store].
//
// Typical usage:
//
//	store := &mock.Store{}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("Write"); got != 1 {
//	    t.Errorf("expected 1 Write call, got %d", got)
//	}
package mock

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/xvoice/xvoice/pkg/history"
)

var _ history.Store = (*Store)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	Method string
	Args   []any
}

// Store keeps written entries in memory. Search is a case-insensitive
// substring match. It is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	calls   []Call
	entries []history.Entry

	// WriteErr is returned by [Store.Write] when non-nil; the entry is not
	// kept.
	WriteErr error

	// RecentErr is returned by [Store.Recent] when non-nil.
	RecentErr error

	// SearchErr is returned by [Store.Search] when non-nil.
	SearchErr error
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
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

// Entries returns a copy of the stored entries in write order.
func (m *Store) Entries() []history.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.entries)
}

// Write implements [history.Store].
func (m *Store) Write(_ context.Context, e history.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Write", Args: []any{e}})
	if m.WriteErr != nil {
		return m.WriteErr
	}
	m.entries = append(m.entries, e)
	return nil
}

// Recent implements [history.Store].
func (m *Store) Recent(_ context.Context, limit int) ([]history.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Recent", Args: []any{limit}})
	if m.RecentErr != nil {
		return nil, m.RecentErr
	}
	return newestFirst(m.entries, func(history.Entry) bool { return true }, limit), nil
}

// Search implements [history.Store].
func (m *Store) Search(_ context.Context, query string, opts history.SearchOpts) ([]history.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Search", Args: []any{query, opts}})
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	q := strings.ToLower(query)
	return newestFirst(m.entries, func(e history.Entry) bool {
		switch {
		case !strings.Contains(strings.ToLower(e.Text), q):
			return false
		case opts.SessionID != "" && e.SessionID != opts.SessionID:
			return false
		case !opts.After.IsZero() && !e.Timestamp.After(opts.After):
			return false
		case !opts.Before.IsZero() && !e.Timestamp.Before(opts.Before):
			return false
		}
		return true
	}, opts.Limit), nil
}

func newestFirst(entries []history.Entry, keep func(history.Entry) bool, limit int) []history.Entry {
	out := []history.Entry{}
	for i := len(entries) - 1; i >= 0; i-- {
		if !keep(entries[i]) {
			continue
		}
		out = append(out, entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
