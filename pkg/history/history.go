// Package history defines the transcript history written by the dictation
// loop and read back by the history command.
//
// The interface is public so that alternative stores can be plugged in
// without depending on xvoice internals. Every implementation must be safe
// for concurrent use.
package history

import (
	"context"
	"time"
)

// Entry is one dictated utterance.
type Entry struct {
	// SessionID groups the entries of one run of the dictation loop.
	SessionID string

	// Mode is the dictation mode the entry was produced in.
	Mode string

	// Backend names the transcription backend that served the request.
	Backend string

	// Text is the text that was typed, after vocabulary correction and
	// formatting.
	Text string

	// RawText is the transcript as the backend returned it.
	RawText string

	// Timestamp is when the transcript was received.
	Timestamp time.Time

	// Latency is how long transcription took.
	Latency time.Duration
}

// SearchOpts narrows a full-text search. All non-zero fields are applied as
// AND conditions.
type SearchOpts struct {
	// SessionID restricts the search to a single session.
	SessionID string

	// After filters entries recorded after this instant (exclusive).
	After time.Time

	// Before filters entries recorded before this instant (exclusive).
	Before time.Time

	// Limit caps the number of results. 0 lets the store pick a default.
	Limit int
}

// Store persists dictated entries.
type Store interface {
	// Write appends e.
	Write(ctx context.Context, e Entry) error

	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)

	// Search returns entries whose text matches query, newest first.
	Search(ctx context.Context, query string, opts SearchOpts) ([]Entry, error)
}
