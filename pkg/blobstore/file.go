package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// FileStore is a filesystem-backed implementation of Store, used for local
// deployments and as the blob source for offline audits.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a blob store rooted at the specified directory.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: 0755 is intentional for a shared log directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure blob dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Put(ctx context.Context, key Key, data []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.baseDir, filepath.FromSlash(key.Object()))
	//nolint:gosec // G301: key components validated against traversal
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Transient(fmt.Errorf("failed to ensure session dir: %w", err))
	}

	// Write to temp, then rename. Readers never observe a partial blob.
	tmpPath := path + ".tmp"
	//nolint:gosec // G306: 0644 is intentional for auditable blob files
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return Transient(fmt.Errorf("failed to write blob: %w", err))
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return Transient(fmt.Errorf("failed to commit blob: %w", err))
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := filepath.Join(s.baseDir, filepath.FromSlash(key.Object()))

	f, err := os.Open(path) //nolint:gosec // key validated against traversal
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key.Object())
		}
		//nolint:wrapcheck // caller provides context
		return nil, err
	}
	defer func() { _ = f.Close() }() //nolint:errcheck // best-effort close

	//nolint:wrapcheck // caller provides context
	return io.ReadAll(f)
}
