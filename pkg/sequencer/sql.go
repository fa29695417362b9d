package sequencer

import (
	"context"
	"database/sql"
	"fmt"
)

// sessionCountersSchema uses $1-style placeholders, which both Postgres
// (lib/pq) and SQLite (modernc.org/sqlite) accept.
const sessionCountersSchema = `
CREATE TABLE IF NOT EXISTS session_counters (
	tenant_id  TEXT NOT NULL,
	session_id TEXT NOT NULL,
	next_seq   BIGINT NOT NULL,
	PRIMARY KEY (tenant_id, session_id)
)`

// The upsert allocates atomically: concurrent callers serialize on the row
// and each sees a distinct RETURNING value.
const nextSeqQuery = `
INSERT INTO session_counters (tenant_id, session_id, next_seq)
VALUES ($1, $2, 1)
ON CONFLICT (tenant_id, session_id)
DO UPDATE SET next_seq = session_counters.next_seq + 1
RETURNING next_seq`

// SQLSequencer allocates sequence numbers from a session_counters table.
type SQLSequencer struct {
	db *sql.DB
}

func NewSQLSequencer(db *sql.DB) *SQLSequencer {
	return &SQLSequencer{db: db}
}

// Init creates the counters table if it does not exist.
func (s *SQLSequencer) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sessionCountersSchema); err != nil {
		return fmt.Errorf("create session_counters table: %w", err)
	}
	return nil
}

func (s *SQLSequencer) Next(ctx context.Context, tenantID, sessionID string) (uint64, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx, nextSeqQuery, tenantID, sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("allocate sequence for %s/%s: %w", tenantID, sessionID, err)
	}
	return seq, nil
}
