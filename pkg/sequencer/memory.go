package sequencer

import (
	"context"
	"sync"
)

// MemorySequencer is an in-process counter per (tenant, session). It is safe
// for concurrent use and suited to single-process producers and tests.
type MemorySequencer struct {
	mu   sync.Mutex
	next map[string]uint64
}

func NewMemorySequencer() *MemorySequencer {
	return &MemorySequencer{next: make(map[string]uint64)}
}

func (s *MemorySequencer) Next(_ context.Context, tenantID, sessionID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := tenantID + "\x00" + sessionID
	s.next[k]++
	return s.next[k], nil
}
