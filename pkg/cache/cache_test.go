package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorion-labs/vorion/core/pkg/contracts"
)

func testDecision(id, intentID, tenantID string) contracts.Decision {
	return contracts.Decision{
		ID:          id,
		IntentID:    intentID,
		TenantID:    tenantID,
		FinalAction: contracts.ActionAllow,
		Reason:      "all constraints passed",
		Confidence:  1.0,
		DecidedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newTestCache(t *testing.T, shared SharedStore) (*Cache, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := New(Options{Shared: shared}).WithClock(func() time.Time { return now })
	t.Cleanup(c.Close)
	return c, &now
}

func newMiniredisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

func TestCacheLocalHitMarksCached(t *testing.T) {
	c, _ := newTestCache(t, nil)
	ctx := context.Background()

	c.Set(ctx, "fp1", testDecision("d1", "i1", "t1"))
	got := c.Get(ctx, "t1", "fp1")
	require.NotNil(t, got)
	assert.True(t, got.Cached)
	assert.Equal(t, "d1", got.ID)
}

func TestCacheMissAfterTTL(t *testing.T) {
	c, now := newTestCache(t, nil)
	ctx := context.Background()

	c.Set(ctx, "fp1", testDecision("d1", "i1", "t1"))
	*now = now.Add(59 * time.Second)
	assert.NotNil(t, c.Get(ctx, "t1", "fp1"))

	*now = now.Add(2 * time.Second)
	assert.Nil(t, c.Get(ctx, "t1", "fp1"))
}

func TestCacheFallbackDecisionsNotCached(t *testing.T) {
	c, _ := newTestCache(t, nil)
	ctx := context.Background()

	d := testDecision("d1", "i1", "t1")
	d.Fallback = true
	c.Set(ctx, "fp1", d)
	assert.Nil(t, c.Get(ctx, "t1", "fp1"))
}

func TestCacheLocalEvictionAtCapacity(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newLocalTier(2, func() time.Time { return now })

	l.set("a", contracts.CacheEntry{Decision: testDecision("d1", "i1", "t1"), ExpiresAt: now.Add(time.Minute)})
	now = now.Add(time.Second)
	l.set("b", contracts.CacheEntry{Decision: testDecision("d2", "i2", "t1"), ExpiresAt: now.Add(time.Minute)})

	// Touch "a" so "b" becomes the eviction candidate.
	now = now.Add(time.Second)
	_, ok := l.get("a")
	require.True(t, ok)

	now = now.Add(time.Second)
	l.set("c", contracts.CacheEntry{Decision: testDecision("d3", "i3", "t1"), ExpiresAt: now.Add(time.Minute)})

	_, ok = l.get("a")
	assert.True(t, ok)
	_, ok = l.get("b")
	assert.False(t, ok)
	_, ok = l.get("c")
	assert.True(t, ok)
}

func TestCacheInvalidateIntent(t *testing.T) {
	c, _ := newTestCache(t, nil)
	ctx := context.Background()

	c.Set(ctx, "fp1", testDecision("d1", "i1", "t1"))
	c.Set(ctx, "fp2", testDecision("d2", "i2", "t1"))

	removed := c.InvalidateIntent(ctx, "t1", "i1")
	assert.Equal(t, 1, removed)
	assert.Nil(t, c.Get(ctx, "t1", "fp1"))
	assert.NotNil(t, c.Get(ctx, "t1", "fp2"))
}

func TestCacheInvalidateTenant(t *testing.T) {
	c, _ := newTestCache(t, nil)
	ctx := context.Background()

	c.Set(ctx, "fp1", testDecision("d1", "i1", "t1"))
	c.Set(ctx, "fp2", testDecision("d2", "i2", "t1"))
	c.Set(ctx, "fp3", testDecision("d3", "i3", "t2"))

	removed := c.InvalidateTenant(ctx, "t1")
	assert.Equal(t, 2, removed)
	assert.Nil(t, c.Get(ctx, "t1", "fp1"))
	assert.NotNil(t, c.Get(ctx, "t2", "fp3"))
}

func TestCacheSharedTierPromotion(t *testing.T) {
	store, _ := newMiniredisStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	entry := contracts.CacheEntry{
		Decision:  testDecision("d1", "i1", "t1"),
		ExpiresAt: now.Add(time.Minute),
	}
	require.NoError(t, store.Set(ctx, "t1", "fp1", entry, time.Minute))

	c := New(Options{Shared: store}).WithClock(func() time.Time { return now })
	t.Cleanup(c.Close)

	got := c.Get(ctx, "t1", "fp1")
	require.NotNil(t, got)
	assert.True(t, got.Cached)
	assert.Equal(t, "d1", got.ID)

	// Promoted into the local tier: a second read must not need Redis.
	require.NoError(t, store.Delete(ctx, "t1", "fp1"))
	assert.NotNil(t, c.Get(ctx, "t1", "fp1"))
}

func TestRedisStoreKeepsFresherEntry(t *testing.T) {
	store, _ := newMiniredisStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	fresh := contracts.CacheEntry{
		Decision:  testDecision("d-fresh", "i1", "t1"),
		ExpiresAt: now.Add(time.Minute),
	}
	stale := contracts.CacheEntry{
		Decision:  testDecision("d-stale", "i1", "t1"),
		ExpiresAt: now.Add(10 * time.Second),
	}
	require.NoError(t, store.Set(ctx, "t1", "fp1", fresh, time.Minute))
	require.NoError(t, store.Set(ctx, "t1", "fp1", stale, 10*time.Second))

	got, err := store.Get(ctx, "t1", "fp1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "d-fresh", got.Decision.ID)
}

func TestRedisStoreCorruptEntryIsMiss(t *testing.T) {
	store, mr := newMiniredisStore(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("vorion:decision:t1:fp1", "{not json"))
	got, err := store.Get(ctx, "t1", "fp1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// The corrupt value was deleted, not left to fail again.
	assert.False(t, mr.Exists("vorion:decision:t1:fp1"))
}

func TestRedisStoreDeleteIntent(t *testing.T) {
	store, _ := newMiniredisStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	e1 := contracts.CacheEntry{Decision: testDecision("d1", "i1", "t1"), ExpiresAt: now.Add(time.Minute)}
	e2 := contracts.CacheEntry{Decision: testDecision("d2", "i2", "t1"), ExpiresAt: now.Add(time.Minute)}
	require.NoError(t, store.Set(ctx, "t1", "fp1", e1, time.Minute))
	require.NoError(t, store.Set(ctx, "t1", "fp2", e2, time.Minute))

	n, err := store.DeleteIntent(ctx, "t1", "i1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.Get(ctx, "t1", "fp1")
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = store.Get(ctx, "t1", "fp2")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestCacheSharedFailureDegradesToLocal(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := NewRedisStore(client)

	c, _ := newTestCache(t, store)
	ctx := context.Background()

	c.Set(ctx, "fp1", testDecision("d1", "i1", "t1"))
	mr.Close()

	// Shared tier is down; the local tier still serves the decision.
	got := c.Get(ctx, "t1", "fp1")
	require.NotNil(t, got)
	assert.Equal(t, "d1", got.ID)

	// Writes keep succeeding locally while the shared write fails.
	c.Set(ctx, "fp2", testDecision("d2", "i2", "t1"))
	assert.NotNil(t, c.Get(ctx, "t1", "fp2"))
}

func TestFingerprintStableAndContextSensitive(t *testing.T) {
	intent := contracts.Intent{
		ID:       "i1",
		TenantID: "t1",
		EntityID: "a1",
		Type:     "data.read",
		Context:  map[string]any{"b": 2, "a": 1},
	}
	fp1, err := Fingerprint(intent, "a1", contracts.TierT3)
	require.NoError(t, err)
	assert.Len(t, fp1, 16)

	// Key order in the context must not matter.
	intent.Context = map[string]any{"a": 1, "b": 2}
	fp2, err := Fingerprint(intent, "a1", contracts.TierT3)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)

	// A different tier produces a different key.
	fp3, err := Fingerprint(intent, "a1", contracts.TierT4)
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp3)

	// A changed context produces a different key.
	intent.Context = map[string]any{"a": 1, "b": 3}
	fp4, err := Fingerprint(intent, "a1", contracts.TierT3)
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp4)
}

func TestCacheSweepRemovesExpired(t *testing.T) {
	c, now := newTestCache(t, nil)
	ctx := context.Background()

	c.Set(ctx, "fp1", testDecision("d1", "i1", "t1"))
	c.Set(ctx, "fp2", testDecision("d2", "i2", "t1"))
	require.Equal(t, 2, c.Len())

	*now = now.Add(2 * time.Minute)
	c.Sweep()
	assert.Zero(t, c.Len())
}
