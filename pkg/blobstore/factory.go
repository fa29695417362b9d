package blobstore

import (
	"context"
	"fmt"
	"os"
)

// StoreType represents the type of blob storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// StoreConfig selects and parameterizes a blob store backend.
type StoreConfig struct {
	Type    StoreType
	DataDir string // fs: base directory (default "data")
	Bucket  string // s3/gcs: the vendor bucket

	S3Region   string
	S3Endpoint string // optional, for MinIO/LocalStack
}

// NewStore creates a blob store from explicit configuration.
func NewStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	storeType := cfg.Type
	if storeType == "" {
		storeType = StoreTypeFS
	}

	switch storeType {
	case StoreTypeFS:
		dataDir := cfg.DataDir
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileStore(dataDir)

	case StoreTypeS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket is required for S3 storage")
		}
		region := cfg.S3Region
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   cfg.Bucket,
			Region:   region,
			Endpoint: cfg.S3Endpoint,
		})

	case StoreTypeGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket is required for GCS storage")
		}
		return newGCSStore(ctx, cfg.Bucket)

	default:
		return nil, fmt.Errorf("unsupported blob storage type: %s", storeType)
	}
}

// NewStoreFromEnv creates a blob store based on environment variables.
//
// Environment variables:
//   - NOTARY_BLOB_STORAGE_TYPE: "fs" (default), "s3", or "gcs"
//   - NOTARY_DATA_DIR: Base directory for filesystem store (default: "data")
//
// For S3:
//   - NOTARY_S3_BUCKET (required; the vendor bucket)
//   - AWS_REGION or NOTARY_S3_REGION
//   - NOTARY_S3_ENDPOINT (optional, for MinIO/LocalStack)
//
// For GCS (requires the gcp build tag):
//   - NOTARY_GCS_BUCKET (required)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	cfg := StoreConfig{
		Type:       StoreType(os.Getenv("NOTARY_BLOB_STORAGE_TYPE")),
		DataDir:    os.Getenv("NOTARY_DATA_DIR"),
		S3Region:   os.Getenv("NOTARY_S3_REGION"),
		S3Endpoint: os.Getenv("NOTARY_S3_ENDPOINT"),
	}
	switch cfg.Type {
	case StoreTypeGCS:
		cfg.Bucket = os.Getenv("NOTARY_GCS_BUCKET")
	default:
		cfg.Bucket = os.Getenv("NOTARY_S3_BUCKET")
	}
	return NewStore(ctx, cfg)
}
