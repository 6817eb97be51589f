// Package archive provides content-addressed cold storage for decision
// snapshots. The primary snapshot store serves interactive replay; the
// archive keeps an immutable, hash-verified copy on a blob backend
// (filesystem, S3, or GCS) for long-retention forensics.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vorion-labs/vorion/core/pkg/canonicalize"
	"github.com/vorion-labs/vorion/core/pkg/contracts"
)

const refPrefix = "sha256:"

// BlobStore is the backend contract: content in, content hash out. Put is
// idempotent because the key is derived from the content.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
	Delete(ctx context.Context, ref string) error
}

// parseRef validates a "sha256:<hex>" reference and returns the hex digest.
func parseRef(ref string) (string, error) {
	digest, ok := strings.CutPrefix(ref, refPrefix)
	if !ok || len(digest) != 64 {
		return "", fmt.Errorf("archive: invalid ref %q", ref)
	}
	for _, c := range digest {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f':
		default:
			return "", fmt.Errorf("archive: invalid ref %q", ref)
		}
	}
	return digest, nil
}

// Store archives snapshots on a blob backend. Snapshots are serialized in
// canonical JSON so the ref is stable across replicas.
type Store struct {
	blobs BlobStore
	log   *slog.Logger
}

// NewStore wraps a blob backend.
func NewStore(blobs BlobStore, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{blobs: blobs, log: log}
}

// ArchiveSnapshot writes the snapshot's canonical form and returns its ref.
func (s *Store) ArchiveSnapshot(ctx context.Context, snap contracts.Snapshot) (string, error) {
	data, err := canonicalize.JCS(snap)
	if err != nil {
		return "", fmt.Errorf("archive: serialize snapshot %s: %w", snap.ID, err)
	}
	ref, err := s.blobs.Put(ctx, data)
	if err != nil {
		return "", fmt.Errorf("archive: store snapshot %s: %w", snap.ID, err)
	}
	s.log.Debug("snapshot archived", "snapshot_id", snap.ID, "ref", ref, "bytes", len(data))
	return ref, nil
}

// GetSnapshot fetches an archived snapshot and verifies its content hash
// against the ref before decoding.
func (s *Store) GetSnapshot(ctx context.Context, ref string) (*contracts.Snapshot, error) {
	digest, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	data, err := s.blobs.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if got := canonicalize.HashBytes(data); got != digest {
		return nil, fmt.Errorf("archive: snapshot %s corrupted: content hash %s", ref, got)
	}
	var snap contracts.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("archive: decode snapshot %s: %w", ref, err)
	}
	return &snap, nil
}
