// Package ledger appends hash receipts to an append-only store.
//
// A receipt proves a blob existed at a given hash and position without storing
// the blob itself. The ledger refuses to overwrite: resubmitting an identical
// receipt is idempotent success, resubmitting a different hash for an existing
// key is a consistency violation that is surfaced, never auto-resolved.
package ledger

import (
	"context"
	"errors"
	"time"
)

// Receipt is one append-only ledger entry.
type Receipt struct {
	TenantID       string    `json:"tenant_id"`
	SessionID      string    `json:"session_id"`
	SequenceNumber uint64    `json:"sequence_number"`
	ContentHash    string    `json:"content_hash"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// AppendStatus reports how an append was resolved.
type AppendStatus string

const (
	// StatusAccepted means a new receipt row was created.
	StatusAccepted AppendStatus = "ACCEPTED"
	// StatusDuplicateSameHash means the key already held the identical hash.
	// Safe client-side retries after an ambiguous network failure land here.
	StatusDuplicateSameHash AppendStatus = "DUPLICATE_SAME_HASH"
)

// ErrNotFound is returned when a receipt does not exist.
var ErrNotFound = errors.New("ledger: receipt not found")

// ErrConflict is returned when an append targets an existing key with a
// different hash. This indicates canonicalization nondeterminism or tampering;
// the original receipt is left unchanged.
var ErrConflict = errors.New("ledger: duplicate key with different hash")

// ErrUnauthorizedTenant is returned before any side effect when the presented
// credential is not scoped to the receipt's tenant.
var ErrUnauthorizedTenant = errors.New("ledger: credential not authorized for tenant")

// Ledger is the durable interface for receipt management.
type Ledger interface {
	// Append records a receipt. Duplicate key with identical hash returns
	// StatusDuplicateSameHash; duplicate key with different hash returns
	// ErrConflict.
	Append(ctx context.Context, r Receipt) (AppendStatus, error)

	// Get retrieves one receipt by its key.
	Get(ctx context.Context, tenantID, sessionID string, seq uint64) (Receipt, error)

	// ListSession retrieves all receipts for a session ordered by sequence.
	ListSession(ctx context.Context, tenantID, sessionID string) ([]Receipt, error)
}

// TransientError marks a ledger failure worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsConflict reports whether err is a duplicate key with a different hash.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
