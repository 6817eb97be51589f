package archive

import (
	"context"
	"fmt"
)

// Backend names a blob backend implementation.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// Config selects and configures a blob backend.
type Config struct {
	Backend Backend

	// Dir is the base directory for the filesystem backend.
	Dir string

	S3  S3Config
	GCS struct {
		Bucket string
		Prefix string
	}
}

// NewBlobStore builds the configured backend. An empty backend defaults to
// the filesystem store.
func NewBlobStore(ctx context.Context, cfg Config) (BlobStore, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = BackendFS
	}

	switch backend {
	case BackendFS:
		dir := cfg.Dir
		if dir == "" {
			dir = "data/snapshots"
		}
		return NewFileBlobStore(dir)
	case BackendS3:
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("archive: s3 backend requires a bucket")
		}
		if cfg.S3.Region == "" {
			cfg.S3.Region = "us-east-1"
		}
		return NewS3BlobStore(ctx, cfg.S3)
	case BackendGCS:
		if cfg.GCS.Bucket == "" {
			return nil, fmt.Errorf("archive: gcs backend requires a bucket")
		}
		return newGCSFromConfig(ctx, cfg)
	default:
		return nil, fmt.Errorf("archive: unsupported backend %q", backend)
	}
}
