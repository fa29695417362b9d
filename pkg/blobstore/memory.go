package blobstore

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process Store for tests and dry runs.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, key Key, data []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs[key.Object()] = cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.blobs[key.Object()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key.Object())
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Len reports the number of stored blobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
