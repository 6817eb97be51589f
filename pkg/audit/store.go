package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/vorion-labs/vorion/core/pkg/contracts"
)

const (
	// DefaultQueryLimit applies when a query names no limit.
	DefaultQueryLimit = 100
	// MaxQueryLimit caps any query, requested limits included.
	MaxQueryLimit = 1000
)

// Store persists finished audit batches and serves queries. Persist must be
// atomic per batch: either every record lands or none does.
type Store interface {
	Persist(ctx context.Context, records []contracts.AuditRecord) error
	Query(ctx context.Context, q contracts.AuditQuery) ([]contracts.AuditRecord, error)
	// LastRecord returns the newest persisted record for a tenant, or nil
	// when the tenant has no records yet. Seeds the chain on restart.
	LastRecord(ctx context.Context, tenantID string) (*contracts.AuditRecord, error)
	// TenantRecords returns every record for a tenant, oldest first, for
	// chain verification.
	TenantRecords(ctx context.Context, tenantID string) ([]contracts.AuditRecord, error)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}

// matches applies the query filters to one record. The intent filter matches
// the record target, which decision records set to the intent id.
func matches(r contracts.AuditRecord, q contracts.AuditQuery) bool {
	if r.TenantID != q.TenantID {
		return false
	}
	if q.IntentID != "" && r.Target != q.IntentID {
		return false
	}
	if q.Action != "" && r.Action != string(q.Action) {
		return false
	}
	if !q.From.IsZero() && r.EventTime.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && r.EventTime.After(q.To) {
		return false
	}
	return true
}

// MemoryStore keeps records in process. The default for tests and
// single-node deployments without a database.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]contracts.AuditRecord // tenant -> oldest first
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]contracts.AuditRecord)}
}

// Persist appends the batch.
func (m *MemoryStore) Persist(_ context.Context, records []contracts.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.records[r.TenantID] = append(m.records[r.TenantID], r)
	}
	return nil
}

// Query filters and pages, newest first.
func (m *MemoryStore) Query(_ context.Context, q contracts.AuditQuery) ([]contracts.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []contracts.AuditRecord
	for _, r := range m.records[q.TenantID] {
		if matches(r, q) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SequenceNumber > out[j].SequenceNumber
	})

	if q.Offset >= len(out) {
		return nil, nil
	}
	out = out[q.Offset:]
	if limit := clampLimit(q.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LastRecord returns the newest record for the tenant.
func (m *MemoryStore) LastRecord(_ context.Context, tenantID string) (*contracts.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.records[tenantID]
	if len(recs) == 0 {
		return nil, nil
	}
	last := recs[len(recs)-1]
	return &last, nil
}

// TenantRecords returns the tenant's full chain, oldest first.
func (m *MemoryStore) TenantRecords(_ context.Context, tenantID string) ([]contracts.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.records[tenantID]
	out := make([]contracts.AuditRecord, len(recs))
	copy(out, recs)
	return out, nil
}

// Len reports total persisted records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, recs := range m.records {
		n += len(recs)
	}
	return n
}
