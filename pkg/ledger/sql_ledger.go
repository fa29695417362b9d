package ledger

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"
)

// SQLLedger implements Ledger using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLLedger struct {
	db *sql.DB
}

func NewSQLLedger(db *sql.DB) *SQLLedger {
	return &SQLLedger{db: db}
}

// The composite primary key is what makes the ledger append-only: a second
// insert for the same (tenant, session, sequence) violates the constraint and
// is resolved by comparing hashes, never by overwriting.
const schema = `
CREATE TABLE IF NOT EXISTS receipts (
	tenant_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	sequence_number INTEGER NOT NULL,
	content_hash TEXT NOT NULL,
	recorded_at TIMESTAMP NOT NULL,
	PRIMARY KEY (tenant_id, session_id, sequence_number)
);
`

func (l *SQLLedger) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, schema)
	return err
}

func (l *SQLLedger) Append(ctx context.Context, r Receipt) (AppendStatus, error) {
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO receipts (tenant_id, session_id, sequence_number, content_hash, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := l.db.ExecContext(ctx, query,
		r.TenantID, r.SessionID, r.SequenceNumber, r.ContentHash, r.RecordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err == nil {
		return StatusAccepted, nil
	}

	// The insert failed; if a row already exists for the key this is either an
	// idempotent retry or a conflict. Anything else is a storage failure, and
	// only connection-level storage failures are worth retrying.
	existing, getErr := l.Get(ctx, r.TenantID, r.SessionID, r.SequenceNumber)
	if getErr != nil {
		if errors.Is(getErr, ErrNotFound) {
			return "", classifySQLError(fmt.Errorf("ledger insert failed: %w", err))
		}
		return "", classifySQLError(getErr)
	}
	if existing.ContentHash == r.ContentHash {
		return StatusDuplicateSameHash, nil
	}
	return "", fmt.Errorf("%w: key (%s,%s,%d) holds %s, resubmitted %s",
		ErrConflict, r.TenantID, r.SessionID, r.SequenceNumber, existing.ContentHash, r.ContentHash)
}

// classifySQLError marks connection-level failures and timeouts as transient.
// Schema and syntax errors come back unwrapped so the coordinator fails fast
// instead of burning its retry budget on a misconfigured database.
func classifySQLError(err error) error {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) {
		return Transient(err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Transient(err)
	}
	return err
}

func (l *SQLLedger) Get(ctx context.Context, tenantID, sessionID string, seq uint64) (Receipt, error) {
	query := `
		SELECT tenant_id, session_id, sequence_number, content_hash, recorded_at
		FROM receipts
		WHERE tenant_id = $1 AND session_id = $2 AND sequence_number = $3
	`
	row := l.db.QueryRowContext(ctx, query, tenantID, sessionID, seq)
	return scanReceipt(row.Scan)
}

func (l *SQLLedger) ListSession(ctx context.Context, tenantID, sessionID string) ([]Receipt, error) {
	query := `
		SELECT tenant_id, session_id, sequence_number, content_hash, recorded_at
		FROM receipts
		WHERE tenant_id = $1 AND session_id = $2
		ORDER BY sequence_number ASC
	`
	rows, err := l.db.QueryContext(ctx, query, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]Receipt, 0)
	for rows.Next() {
		r, err := scanReceipt(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanReceipt(scan func(dest ...any) error) (Receipt, error) {
	var (
		r         Receipt
		timestamp any
	)
	err := scan(&r.TenantID, &r.SessionID, &r.SequenceNumber, &r.ContentHash, &timestamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Receipt{}, ErrNotFound
		}
		return Receipt{}, err
	}
	r.RecordedAt = parseTime(timestamp)
	return r, nil
}

// parseTime tolerates the driver differences between SQLite (TEXT) and
// Postgres (native timestamp).
func parseTime(value any) time.Time {
	switch v := value.(type) {
	case time.Time:
		return v
	case string:
		return parseTimeString(v)
	case []byte:
		return parseTimeString(string(v))
	}
	return time.Time{}
}

func parseTimeString(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
