package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vorion-labs/vorion/core/pkg/metrics"
)

const (
	sweepInterval = 5 * time.Minute
	idleEviction  = time.Hour
)

// window is one fixed-size counter with lazy reset.
type window struct {
	start time.Time
	count int
}

// tick resets the counter when the boundary has been crossed. Caller holds
// the owning state's lock.
func (w *window) tick(now time.Time, size time.Duration) {
	aligned := now.Truncate(size)
	if aligned.After(w.start) {
		w.start = aligned
		w.count = 0
	}
}

func (w *window) resetAt(size time.Duration) time.Time {
	return w.start.Add(size)
}

// tenantState carries the three windows for one tenant (or one anonymous
// client key). Anonymous keys additionally smooth bursts through a token
// bucket.
type tenantState struct {
	mu       sync.Mutex
	sec      window
	min      window
	hour     window
	burst    *rate.Limiter
	lastSeen time.Time
}

// Options tunes a Limiter. Zero values take the defaults.
type Options struct {
	// Overrides maps tenant id to a bespoke limit table, taking precedence
	// over the tenant's tier.
	Overrides map[string]Limits
	// Shared is the optional cross-instance counter store.
	Shared *RedisStore
	// FailOpen admits requests when the shared store is unreachable.
	// Defaults to true; set FailClosed to deny instead.
	FailClosed bool
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Limiter is the admission gate. Safe for concurrent use.
type Limiter struct {
	mu        sync.RWMutex
	tenants   map[string]*tenantState
	overrides map[string]Limits

	shared     *RedisStore
	failClosed bool
	metrics    *metrics.Metrics
	log        *slog.Logger
	now        func() time.Time

	stop chan struct{}
	done chan struct{}
}

// New builds a limiter and starts its eviction sweeper. Call Close on
// shutdown.
func New(opts Options) *Limiter {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewTest()
	}
	if opts.Overrides == nil {
		opts.Overrides = map[string]Limits{}
	}
	l := &Limiter{
		tenants:    make(map[string]*tenantState),
		overrides:  opts.Overrides,
		shared:     opts.Shared,
		failClosed: opts.FailClosed,
		metrics:    opts.Metrics,
		log:        opts.Logger,
		now:        time.Now,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// WithClock overrides the clock for deterministic tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// SetOverride installs or replaces a per-tenant limit table.
func (l *Limiter) SetOverride(tenantID string, limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[tenantID] = limits
}

// Check admits or denies one request for a tenant. A non-empty endpoint
// scopes the counters to that endpoint, so each tenant+endpoint pair gets
// its own windows; an empty endpoint shares one set of windows per tenant.
func (l *Limiter) Check(ctx context.Context, tenantID string, tier Tier, endpoint string) Result {
	limits, bounded := l.limitsFor(tenantID, tier)
	if !bounded {
		return unlimitedResult()
	}

	key := "tenant:" + tenantID
	if endpoint != "" {
		key += ":" + endpoint
	}

	if l.shared != nil {
		res, err := l.shared.Check(ctx, key, limits)
		if err == nil {
			l.recordDenial(tenantID, res)
			return res
		}
		if l.failClosed {
			l.log.Error("rate-limit store unreachable, denying", "tenant_id", tenantID, "error", err)
			return Result{Allowed: false, Window: "backend", RetryAfter: time.Second}
		}
		l.log.Warn("rate-limit store unreachable, failing open", "tenant_id", tenantID, "error", err)
		return unlimitedResult()
	}

	res := l.checkLocal(key, limits, nil)
	l.recordDenial(tenantID, res)
	return res
}

// CheckAnonymous admits or denies an unauthenticated request keyed by client
// IP and endpoint, at half the default tier's limits.
func (l *Limiter) CheckAnonymous(ctx context.Context, clientIP, endpoint string) Result {
	limits := anonymousLimits()
	key := "anon:" + clientIP + ":" + endpoint
	res := l.checkLocal(key, limits, func() *rate.Limiter {
		return rate.NewLimiter(rate.Limit(limits.PerSecond), limits.PerSecond)
	})
	l.recordDenial("anonymous", res)
	return res
}

// limitsFor resolves override > tier table.
func (l *Limiter) limitsFor(tenantID string, tier Tier) (Limits, bool) {
	l.mu.RLock()
	override, ok := l.overrides[tenantID]
	l.mu.RUnlock()
	if ok {
		return override, true
	}
	return LimitsForTier(tier)
}

func (l *Limiter) state(key string, burst func() *rate.Limiter) *tenantState {
	l.mu.RLock()
	st, ok := l.tenants[key]
	l.mu.RUnlock()
	if ok {
		return st
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok = l.tenants[key]; ok {
		return st
	}
	st = &tenantState{}
	if burst != nil {
		st.burst = burst()
	}
	l.tenants[key] = st
	return st
}

func (l *Limiter) checkLocal(key string, limits Limits, burst func() *rate.Limiter) Result {
	st := l.state(key, burst)
	now := l.now()

	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastSeen = now
	st.sec.tick(now, time.Second)
	st.min.tick(now, time.Minute)
	st.hour.tick(now, time.Hour)

	res := Result{
		ResetAt: ResetAt{
			Second: st.sec.resetAt(time.Second),
			Minute: st.min.resetAt(time.Minute),
			Hour:   st.hour.resetAt(time.Hour),
		},
	}

	switch {
	case st.sec.count >= limits.PerSecond:
		res.Window = "second"
		res.RetryAfter = st.sec.resetAt(time.Second).Sub(now)
	case st.min.count >= limits.PerMinute:
		res.Window = "minute"
		res.RetryAfter = st.min.resetAt(time.Minute).Sub(now)
	case st.hour.count >= limits.PerHour:
		res.Window = "hour"
		res.RetryAfter = st.hour.resetAt(time.Hour).Sub(now)
	case st.burst != nil && !st.burst.AllowN(now, 1):
		res.Window = "second"
		res.RetryAfter = time.Second
	default:
		res.Allowed = true
		st.sec.count++
		st.min.count++
		st.hour.count++
	}
	if res.RetryAfter < 0 {
		res.RetryAfter = 0
	}

	res.Remaining = Remaining{
		Second: max(limits.PerSecond-st.sec.count, 0),
		Minute: max(limits.PerMinute-st.min.count, 0),
		Hour:   max(limits.PerHour-st.hour.count, 0),
	}
	return res
}

func (l *Limiter) recordDenial(tenant string, res Result) {
	if !res.Allowed {
		l.metrics.RateLimitDenials.WithLabelValues(tenant, res.Window).Inc()
	}
}

// Close stops the eviction sweeper.
func (l *Limiter) Close() {
	close(l.stop)
	<-l.done
}

func (l *Limiter) sweepLoop() {
	defer close(l.done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Sweep evicts entries idle for over an hour. Exported so tests can drive it
// without waiting on the ticker.
func (l *Limiter) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for key, st := range l.tenants {
		st.mu.Lock()
		idle := now.Sub(st.lastSeen) > idleEviction
		st.mu.Unlock()
		if idle {
			delete(l.tenants, key)
			evicted++
		}
	}
	return evicted
}

// Len reports tracked tenant and anonymous keys.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.tenants)
}
