// Package replay provides forensic re-execution of past decisions: snapshot
// capture at decision time, restore with overrides, a staged replayer, a
// diff comparator, and bulk simulation for policy-impact analysis.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vorion-labs/vorion/core/pkg/contracts"
	"github.com/vorion-labs/vorion/core/pkg/enforce"
)

// ErrSnapshotNotFound is returned for unknown snapshot or intent ids.
var ErrSnapshotNotFound = fmt.Errorf("replay: snapshot not found")

// SnapshotStore persists immutable snapshots keyed by id and intent id.
type SnapshotStore interface {
	Save(ctx context.Context, s contracts.Snapshot) error
	Get(ctx context.Context, id string) (*contracts.Snapshot, error)
	GetByIntent(ctx context.Context, intentID string) (*contracts.Snapshot, error)
}

// MemorySnapshotStore keeps snapshots in process.
type MemorySnapshotStore struct {
	mu       sync.RWMutex
	byID     map[string]contracts.Snapshot
	byIntent map[string]string
}

// NewMemorySnapshotStore creates an empty store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{
		byID:     make(map[string]contracts.Snapshot),
		byIntent: make(map[string]string),
	}
}

// Save stores a snapshot. Snapshots are immutable: saving an existing id is
// a conflict.
func (m *MemorySnapshotStore) Save(_ context.Context, s contracts.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[s.ID]; exists {
		return fmt.Errorf("replay: snapshot %s already exists", s.ID)
	}
	m.byID[s.ID] = s
	m.byIntent[s.IntentID] = s.ID
	return nil
}

// Get fetches by snapshot id.
func (m *MemorySnapshotStore) Get(_ context.Context, id string) (*contracts.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}
	return &s, nil
}

// GetByIntent fetches the snapshot captured for an intent.
func (m *MemorySnapshotStore) GetByIntent(_ context.Context, intentID string) (*contracts.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byIntent[intentID]
	if !ok {
		return nil, fmt.Errorf("%w: intent %s", ErrSnapshotNotFound, intentID)
	}
	s := m.byID[id]
	return &s, nil
}

// Archiver receives a copy of every captured snapshot for long-term,
// content-addressed storage. *archive.Store satisfies it.
type Archiver interface {
	ArchiveSnapshot(ctx context.Context, s contracts.Snapshot) (string, error)
}

// Overrides replace parts of a restored context.
type Overrides struct {
	Trust       *contracts.TrustSnapshot
	Policies    []contracts.Policy
	Environment *contracts.EnvironmentSnapshot
}

// Manager captures and restores snapshots.
type Manager struct {
	store   SnapshotStore
	archive Archiver
	log     *slog.Logger
	now     func() time.Time
}

// NewManager builds a snapshot manager. The archiver is optional.
func NewManager(store SnapshotStore, archive Archiver, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: store, archive: archive, log: log, now: time.Now}
}

// WithClock overrides the clock for deterministic tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Capture freezes the enforcement context and its decision under a new
// snapshot id. Archival is best-effort; the primary store write must
// succeed.
func (m *Manager) Capture(ctx context.Context, ec enforce.EnforcementContext, d *contracts.Decision) (*contracts.Snapshot, error) {
	now := m.now()
	trust := ec.Trust
	if trust.EntityID == "" {
		trust = contracts.TrustSnapshot{
			EntityID:   ec.Entity.ID,
			Score:      ec.Entity.Score,
			Tier:       ec.Entity.Tier,
			Role:       ec.Entity.Role,
			CapturedAt: now,
		}
	}

	policies := make([]contracts.PolicySnapshot, 0, len(ec.Policies))
	for _, p := range ec.Policies {
		policies = append(policies, contracts.PolicySnapshot{
			Policy:   p,
			Version:  p.Version,
			Checksum: p.Checksum,
		})
	}

	requestID, _ := ec.Environment["request_id"].(string)
	s := contracts.Snapshot{
		ID:       uuid.New().String(),
		IntentID: ec.Intent.ID,
		TenantID: ec.Intent.TenantID,
		Intent:   ec.Intent,
		Trust:    trust,
		Policies: policies,
		Environment: contracts.EnvironmentSnapshot{
			Timestamp: now,
			Timezone:  now.Location().String(),
			RequestID: requestID,
		},
		Decision:   d,
		CapturedAt: now,
	}

	if err := m.store.Save(ctx, s); err != nil {
		return nil, err
	}
	if m.archive != nil {
		if ref, err := m.archive.ArchiveSnapshot(ctx, s); err != nil {
			m.log.Warn("snapshot archival failed",
				"snapshot_id", s.ID, "error", err)
		} else {
			m.log.Debug("snapshot archived", "snapshot_id", s.ID, "ref", ref)
		}
	}
	return &s, nil
}

// Restore loads a snapshot and rebuilds its evaluation context, applying any
// overrides. The returned context is a copy; mutating it cannot touch the
// stored snapshot.
func (m *Manager) Restore(ctx context.Context, snapshotID string, ov Overrides) (enforce.EnforcementContext, *contracts.Snapshot, error) {
	s, err := m.store.Get(ctx, snapshotID)
	if err != nil {
		return enforce.EnforcementContext{}, nil, err
	}

	trust := s.Trust
	if ov.Trust != nil {
		trust = *ov.Trust
	}
	policies := make([]contracts.Policy, 0, len(s.Policies))
	for _, ps := range s.Policies {
		policies = append(policies, ps.Policy)
	}
	if ov.Policies != nil {
		policies = ov.Policies
	}
	env := s.Environment
	if ov.Environment != nil {
		env = *ov.Environment
	}

	ec := enforce.EnforcementContext{
		Intent: s.Intent,
		Entity: contracts.Entity{
			ID:    trust.EntityID,
			Type:  contracts.EntityAgent,
			Score: trust.Score,
			Tier:  trust.Tier,
			Role:  trust.Role,
		},
		Environment: map[string]any{
			"request_id": env.RequestID,
			"timestamp":  env.Timestamp,
			"timezone":   env.Timezone,
			"replayed":   true,
		},
		Trust:    trust,
		Policies: policies,
	}
	return ec, s, nil
}
