package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlDictationEntries = `
CREATE TABLE IF NOT EXISTS dictation_entries (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    mode        TEXT         NOT NULL DEFAULT '',
    backend     TEXT         NOT NULL DEFAULT '',
    text        TEXT         NOT NULL,
    raw_text    TEXT         NOT NULL DEFAULT '',
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    latency_ns  BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_dictation_entries_timestamp
    ON dictation_entries (timestamp);

CREATE INDEX IF NOT EXISTS idx_dictation_entries_session_timestamp
    ON dictation_entries (session_id, timestamp);

CREATE INDEX IF NOT EXISTS idx_dictation_entries_fts
    ON dictation_entries USING GIN (to_tsvector('english', text));
`

// Migrate creates the history table and its indexes. It is idempotent and
// safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlDictationEntries); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
