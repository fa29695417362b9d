package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryLedger is an in-process append-only ledger for tests and local runs.
// It implements the same duplicate semantics as the durable backends.
type MemoryLedger struct {
	mu       sync.RWMutex
	receipts map[string]Receipt
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{receipts: make(map[string]Receipt)}
}

func receiptKey(tenantID, sessionID string, seq uint64) string {
	return fmt.Sprintf("%s\x00%s\x00%d", tenantID, sessionID, seq)
}

func (l *MemoryLedger) Append(ctx context.Context, r Receipt) (AppendStatus, error) {
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := receiptKey(r.TenantID, r.SessionID, r.SequenceNumber)
	if existing, ok := l.receipts[key]; ok {
		if existing.ContentHash == r.ContentHash {
			return StatusDuplicateSameHash, nil
		}
		return "", fmt.Errorf("%w: key (%s,%s,%d) holds %s, resubmitted %s",
			ErrConflict, r.TenantID, r.SessionID, r.SequenceNumber, existing.ContentHash, r.ContentHash)
	}
	l.receipts[key] = r
	return StatusAccepted, nil
}

func (l *MemoryLedger) Get(ctx context.Context, tenantID, sessionID string, seq uint64) (Receipt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	r, ok := l.receipts[receiptKey(tenantID, sessionID, seq)]
	if !ok {
		return Receipt{}, ErrNotFound
	}
	return r, nil
}

func (l *MemoryLedger) ListSession(ctx context.Context, tenantID, sessionID string) ([]Receipt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]Receipt, 0)
	for _, r := range l.receipts {
		if r.TenantID == tenantID && r.SessionID == sessionID {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SequenceNumber < result[j].SequenceNumber
	})
	return result, nil
}
