package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/vorion-labs/vorion/core/pkg/contracts"
	"github.com/vorion-labs/vorion/core/pkg/metrics"
	"github.com/vorion-labs/vorion/core/pkg/resiliency"
)

// DefaultTTL is the freshness window for cached decisions.
const DefaultTTL = 60 * time.Second

// sweepInterval is how often stale local entries are reclaimed.
const sweepInterval = 30 * time.Second

// Options tunes the cache. Zero values take the defaults.
type Options struct {
	TTL           time.Duration
	LocalCapacity int
	Shared        SharedStore
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Cache is the two-tier decision cache. The local tier is authoritative for
// this instance; the shared tier keeps instances convergent. Shared-tier
// failures never fail a decision: reads and writes each sit behind their own
// circuit breaker and degrade to local-only.
type Cache struct {
	ttl     time.Duration
	local   *localTier
	shared  SharedStore
	readBr  *resiliency.Breaker
	writeBr *resiliency.Breaker
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time

	stop chan struct{}
	done chan struct{}
}

// New builds a cache and starts its background sweeper. Call Close on
// shutdown.
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewTest()
	}
	c := &Cache{
		ttl:     opts.TTL,
		shared:  opts.Shared,
		readBr:  resiliency.New("cache-read", resiliency.DefaultConfig(), opts.Logger),
		writeBr: resiliency.New("cache-write", resiliency.DefaultConfig(), opts.Logger),
		metrics: opts.Metrics,
		log:     opts.Logger,
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.local = newLocalTier(opts.LocalCapacity, func() time.Time { return c.now() })
	go c.sweepLoop()
	return c
}

// WithClock overrides the clock for deterministic tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// TTL returns the configured freshness window.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Get returns a cached decision for the fingerprint, or nil on a miss. A hit
// from the shared tier is promoted into the local tier. The returned decision
// is marked Cached.
func (c *Cache) Get(ctx context.Context, tenantID, key string) *contracts.Decision {
	if entry, ok := c.local.get(key); ok {
		c.metrics.CacheHits.WithLabelValues(tenantID).Inc()
		return cachedCopy(entry)
	}

	if c.shared != nil && c.readBr.Allow() {
		entry, err := c.shared.Get(ctx, tenantID, key)
		if err != nil {
			c.readBr.RecordFailure()
			c.log.Warn("shared cache read failed, serving local-only",
				"tenant_id", tenantID, "error", err)
		} else {
			c.readBr.RecordSuccess()
			if entry != nil && !entry.Expired(c.now()) {
				c.local.set(key, *entry)
				c.metrics.CacheHits.WithLabelValues(tenantID).Inc()
				return cachedCopy(entry)
			}
		}
	}

	c.metrics.CacheMisses.WithLabelValues(tenantID).Inc()
	return nil
}

// Set caches a decision under the fingerprint. Fallback decisions are never
// cached. The shared write is best-effort.
func (c *Cache) Set(ctx context.Context, key string, decision contracts.Decision) {
	if decision.Fallback {
		return
	}
	now := c.now()
	entry := contracts.CacheEntry{
		Decision:       decision,
		ExpiresAt:      now.Add(c.ttl),
		LastAccessedAt: now,
	}
	c.local.set(key, entry)

	if c.shared == nil || !c.writeBr.Allow() {
		return
	}
	if err := c.shared.Set(ctx, decision.TenantID, key, entry, c.ttl); err != nil {
		c.writeBr.RecordFailure()
		c.log.Warn("shared cache write failed",
			"tenant_id", decision.TenantID, "error", err)
		return
	}
	c.writeBr.RecordSuccess()
}

// InvalidateIntent drops cached decisions for one intent from both tiers.
func (c *Cache) InvalidateIntent(ctx context.Context, tenantID, intentID string) int {
	removed := c.local.invalidateIntent(intentID)
	if c.shared != nil {
		n, err := c.shared.DeleteIntent(ctx, tenantID, intentID)
		if err != nil {
			c.log.Warn("shared cache intent invalidation incomplete",
				"tenant_id", tenantID, "intent_id", intentID, "error", err)
		}
		removed += n
	}
	return removed
}

// InvalidateTenant drops every cached decision for the tenant from both
// tiers. Called on policy activation so stale decisions cannot outlive a
// policy change past the TTL window.
func (c *Cache) InvalidateTenant(ctx context.Context, tenantID string) int {
	removed := c.local.invalidateTenant(tenantID)
	if c.shared != nil {
		n, err := c.shared.DeleteTenant(ctx, tenantID)
		if err != nil {
			c.log.Warn("shared cache tenant invalidation incomplete",
				"tenant_id", tenantID, "error", err)
		}
		removed += n
	}
	c.metrics.CacheSize.DeleteLabelValues(tenantID)
	return removed
}

// Len reports live local entries.
func (c *Cache) Len() int { return c.local.len() }

// Close stops the sweeper.
func (c *Cache) Close() {
	close(c.stop)
	<-c.done
}

func (c *Cache) sweepLoop() {
	defer close(c.done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep reclaims expired local entries and republishes per-tenant size
// gauges. Exported so tests can drive it without waiting on the ticker.
func (c *Cache) Sweep() {
	sizes := c.local.sweepExpired()
	for tenant, n := range sizes {
		c.metrics.CacheSize.WithLabelValues(tenant).Set(float64(n))
	}
}

func cachedCopy(entry *contracts.CacheEntry) *contracts.Decision {
	d := entry.Decision
	d.Cached = true
	return &d
}
