// Package blobstore persists canonical event payloads to caller-owned storage.
//
// Blobs are keyed by (tenant, session, sequence) and written exactly once; the
// store never deletes. Content is the exact canonical JSON bytes, no envelope.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Key addresses one logged event inside the caller's storage account.
type Key struct {
	TenantID  string
	SessionID string
	Sequence  uint64
}

// Object returns the storage object path for the key:
// logs/{tenant_id}/{session_id}/{sequence_number}.json
func (k Key) Object() string {
	return fmt.Sprintf("logs/%s/%s/%d.json", k.TenantID, k.SessionID, k.Sequence)
}

// Validate rejects keys that would corrupt the path layout or collide
// across tenants.
func (k Key) Validate() error {
	if k.TenantID == "" || k.SessionID == "" {
		return errors.New("blobstore: tenant and session must be non-empty")
	}
	if k.Sequence == 0 {
		return errors.New("blobstore: sequence numbers start at 1")
	}
	for _, part := range []string{k.TenantID, k.SessionID} {
		if strings.ContainsAny(part, "/\\") || part == "." || part == ".." {
			return fmt.Errorf("blobstore: invalid key component %q", part)
		}
	}
	return nil
}

// Store is the contract for the caller-owned blob destination.
type Store interface {
	// Put writes the canonical bytes at the key. Transient failures are
	// reported via TransientError so the coordinator can retry them.
	Put(ctx context.Context, key Key, data []byte) error
	// Get retrieves the exact bytes previously written, for audit re-hashing.
	Get(ctx context.Context, key Key) ([]byte, error)
}

// ErrNotFound is returned by Get when no blob exists at the key.
var ErrNotFound = errors.New("blobstore: blob not found")

// TransientError marks a failure worth retrying (timeouts, 5xx-class errors).
// Anything else is treated as fatal by the coordinator.
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
