//go:build gcp

package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore implements Store using a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
}

// NewGCSStore creates a new GCS-backed blob store.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	// Uses Application Default Credentials.
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSStore{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

func (s *GCSStore) Put(ctx context.Context, key Key, data []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}

	obj := s.client.Bucket(s.bucket).Object(key.Object())
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return Transient(fmt.Errorf("gcs write failed: %w", err))
	}
	if err := w.Close(); err != nil {
		return Transient(fmt.Errorf("gcs close failed: %w", err))
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	obj := s.client.Bucket(s.bucket).Object(key.Object())
	reader, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key.Object())
		}
		return nil, Transient(fmt.Errorf("gcs get failed for %s: %w", key.Object(), err))
	}
	defer func() { _ = reader.Close() }()

	return io.ReadAll(reader)
}

// Close closes the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
