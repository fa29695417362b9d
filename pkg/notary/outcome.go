package notary

import "errors"

// OutcomeState classifies the end state of one record attempt. Every
// non-success path maps to a distinct state so callers and monitoring can
// react without parsing error strings.
type OutcomeState string

const (
	// StateCommitted means both the blob and the ledger receipt are durable.
	StateCommitted OutcomeState = "COMMITTED"

	// StateRejected means the payload failed canonicalization. No sequence
	// number was consumed and nothing was written.
	StateRejected OutcomeState = "REJECTED"

	// StateSequencingFailed means the counter store could not allocate a
	// number. No visible state was advanced; the whole call can be retried.
	StateSequencingFailed OutcomeState = "SEQUENCING_FAILED"

	// StateBlobWriteFailed means the blob write exhausted its retries. The
	// ledger write was never attempted, so no receipt exists without its
	// artifact.
	StateBlobWriteFailed OutcomeState = "BLOB_WRITE_FAILED"

	// StatePartialWrite means the blob is durable but the receipt is not.
	// The audit guarantee for this event is incomplete until the receipt
	// lands; monitoring must act on it.
	StatePartialWrite OutcomeState = "PARTIAL_WRITE"

	// StateConflict means the ledger already holds a different hash for this
	// key. Never auto-resolved; it indicates nondeterministic
	// canonicalization or tampering.
	StateConflict OutcomeState = "CONFLICT"
)

// Outcome is the result of recording one event. SequenceNumber and
// ContentHash are populated as far as the pipeline progressed; Err carries
// the terminal failure for non-committed states.
type Outcome struct {
	State          OutcomeState
	TenantID       string
	SessionID      string
	SequenceNumber uint64
	ContentHash    string
	CanonicalBytes []byte
	Err            error
}

// Committed reports whether both writes are durable.
func (o Outcome) Committed() bool { return o.State == StateCommitted }

// ErrSelfCheckFailed is returned when the recomputed hash does not match the
// hash about to be shipped. It aborts the write; inconsistent data must never
// reach a destination.
var ErrSelfCheckFailed = errors.New("self-verification failed: recomputed hash mismatch")
