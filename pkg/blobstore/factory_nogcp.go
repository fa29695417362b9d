//go:build !gcp

package blobstore

import (
	"context"
	"fmt"
)

func newGCSStore(ctx context.Context, bucket string) (Store, error) {
	return nil, fmt.Errorf("GCS support not compiled in (build with -tags gcp)")
}
