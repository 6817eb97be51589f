package cache

import (
	"sync"
	"time"

	"github.com/vorion-labs/vorion/core/pkg/contracts"
)

// DefaultLocalCapacity bounds the in-process tier.
const DefaultLocalCapacity = 10000

// localTier is the in-process LRU. Eviction removes the entry with the
// smallest last-accessed time when at capacity. Concurrent readers are
// admitted; mutation holds the write lock.
type localTier struct {
	mu       sync.RWMutex
	capacity int
	entries  map[string]*contracts.CacheEntry
	now      func() time.Time
}

func newLocalTier(capacity int, now func() time.Time) *localTier {
	if capacity <= 0 {
		capacity = DefaultLocalCapacity
	}
	return &localTier{
		capacity: capacity,
		entries:  make(map[string]*contracts.CacheEntry),
		now:      now,
	}
}

// get returns a live entry and updates its access bookkeeping. Expired
// entries are deleted on sight.
func (l *localTier) get(key string) (*contracts.CacheEntry, bool) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok {
		return nil, false
	}
	if entry.Expired(now) {
		delete(l.entries, key)
		return nil, false
	}
	entry.LastAccessedAt = now
	entry.AccessCount++
	copied := *entry
	return &copied, true
}

// set stores an entry, refusing to overwrite a fresher one and evicting the
// least recently accessed entry when at capacity.
func (l *localTier) set(key string, entry contracts.CacheEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.entries[key]; ok && existing.ExpiresAt.After(entry.ExpiresAt) {
		return
	}
	if _, ok := l.entries[key]; !ok && len(l.entries) >= l.capacity {
		l.evictOldest()
	}
	entry.LastAccessedAt = l.now()
	l.entries[key] = &entry
}

// evictOldest removes the entry with the smallest LastAccessedAt.
// Caller holds the write lock.
func (l *localTier) evictOldest() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, e := range l.entries {
		if first || e.LastAccessedAt.Before(oldest) {
			oldestKey, oldest = k, e.LastAccessedAt
			first = false
		}
	}
	if oldestKey != "" {
		delete(l.entries, oldestKey)
	}
}

func (l *localTier) delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// invalidateIntent removes entries whose decision carries the intent id.
func (l *localTier) invalidateIntent(intentID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k, e := range l.entries {
		if e.Decision.IntentID == intentID {
			delete(l.entries, k)
			removed++
		}
	}
	return removed
}

// invalidateTenant removes every entry for the tenant.
func (l *localTier) invalidateTenant(tenantID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k, e := range l.entries {
		if e.Decision.TenantID == tenantID {
			delete(l.entries, k)
			removed++
		}
	}
	return removed
}

// sweepExpired removes stale entries and returns live per-tenant counts.
func (l *localTier) sweepExpired() map[string]int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	sizes := make(map[string]int)
	for k, e := range l.entries {
		if e.Expired(now) {
			delete(l.entries, k)
			continue
		}
		sizes[e.Decision.TenantID]++
	}
	return sizes
}

func (l *localTier) len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
