// Package sequencer assigns per-session sequence numbers to recorded
// interactions. Numbers start at 1 and are dense per (tenant, session);
// backends must stay correct when many producers share a session.
package sequencer

import "context"

// Sequencer hands out the next sequence number for a session. A returned
// number is consumed even if the caller's subsequent write fails, so gaps can
// appear in the blob store; the ledger is the record of what was committed.
type Sequencer interface {
	// Next returns the next unused sequence number for the session,
	// starting at 1.
	Next(ctx context.Context, tenantID, sessionID string) (uint64, error)
}
