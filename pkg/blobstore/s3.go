package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// s3API is the slice of the S3 client the store uses.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store implements Store using the vendor's S3 bucket.
type S3Store struct {
	client s3API
	bucket string
}

// S3StoreConfig holds configuration for S3Store.
type S3StoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (for MinIO, LocalStack, etc.)
}

// NewS3Store creates a new S3-backed blob store.
// AWS credentials come from the environment, same as every other SDK client.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
	}, nil
}

// Put uploads the canonical bytes at logs/{tenant}/{session}/{seq}.json.
// The content hash rides along as object metadata for quick spot checks,
// but the ledger receipt remains the only authoritative copy of the hash.
func (s *S3Store) Put(ctx context.Context, key Key, data []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}

	sum := sha256.Sum256(data)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key.Object()),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata:    map[string]string{"hash": hex.EncodeToString(sum[:])},
	})
	if err != nil {
		return classifyS3Error(fmt.Errorf("s3 put failed: %w", err))
	}
	return nil
}

// Get downloads the exact blob bytes for audit re-hashing.
func (s *S3Store) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key.Object()),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key.Object())
		}
		return nil, classifyS3Error(fmt.Errorf("s3 get failed for %s: %w", key.Object(), err))
	}
	defer func() { _ = result.Body.Close() }()

	//nolint:wrapcheck // caller provides context
	return io.ReadAll(result.Body)
}

// classifyS3Error marks 5xx responses and transport-level failures (no HTTP
// response at all) as transient. 4xx responses are configuration or
// authorization problems and retrying them would not help.
func classifyS3Error(err error) error {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		if respErr.HTTPStatusCode() >= 500 {
			return Transient(err)
		}
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return err
	}
	// Connection resets, timeouts, DNS failures.
	return Transient(err)
}
