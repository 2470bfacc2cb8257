// Package postgres provides a PostgreSQL-backed [history.Store].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Write(ctx, entry)
//	recent, _ := store.Recent(ctx, 20)
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xvoice/xvoice/pkg/history"
)

var _ history.Store = (*Store)(nil)

// defaultLimit applies when a caller passes a non-positive limit.
const defaultLimit = 50

// Store is a history table behind a [pgxpool.Pool]. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Write implements [history.Store].
func (s *Store) Write(ctx context.Context, e history.Entry) error {
	const q = `
		INSERT INTO dictation_entries
		    (session_id, mode, backend, text, raw_text, timestamp, latency_ns)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.pool.Exec(ctx, q,
		e.SessionID,
		e.Mode,
		e.Backend,
		e.Text,
		e.RawText,
		ts,
		e.Latency.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("history store: write: %w", err)
	}
	return nil
}

// Recent implements [history.Store].
func (s *Store) Recent(ctx context.Context, limit int) ([]history.Entry, error) {
	const q = `
		SELECT session_id, mode, backend, text, raw_text, timestamp, latency_ns
		FROM   dictation_entries
		ORDER  BY timestamp DESC, id DESC
		LIMIT  $1`

	if limit <= 0 {
		limit = defaultLimit
	}
	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("history store: recent: %w", err)
	}
	return collectEntries(rows)
}

// Search implements [history.Store]. query goes through plainto_tsquery, so
// no operator syntax is required.
func (s *Store) Search(ctx context.Context, query string, opts history.SearchOpts) ([]history.Entry, error) {
	args := []any{query}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('english', text) @@ plainto_tsquery('english', $1)",
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "timestamp > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "timestamp < "+next(opts.Before))
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	q := "SELECT session_id, mode, backend, text, raw_text, timestamp, latency_ns\n" +
		"FROM   dictation_entries\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY timestamp DESC, id DESC\n" +
		"LIMIT  " + next(limit)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history store: search: %w", err)
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]history.Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Entry, error) {
		var (
			e         history.Entry
			latencyNS int64
		)
		if err := row.Scan(
			&e.SessionID,
			&e.Mode,
			&e.Backend,
			&e.Text,
			&e.RawText,
			&e.Timestamp,
			&latencyNS,
		); err != nil {
			return history.Entry{}, err
		}
		e.Latency = time.Duration(latencyNS)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	return entries, nil
}
