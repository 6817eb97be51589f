//go:build gcp

package archive

import "context"

func newGCSFromConfig(ctx context.Context, cfg Config) (BlobStore, error) {
	return NewGCSBlobStore(ctx, GCSConfig{
		Bucket: cfg.GCS.Bucket,
		Prefix: cfg.GCS.Prefix,
	})
}
