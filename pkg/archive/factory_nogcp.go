//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSFromConfig(_ context.Context, _ Config) (BlobStore, error) {
	return nil, fmt.Errorf("archive: gcs backend is not enabled in this build (use -tags gcp)")
}
