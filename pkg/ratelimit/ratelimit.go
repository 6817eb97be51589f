// Package ratelimit admits or denies requests against per-tenant sliding
// windows at second, minute, and hour granularity. Limits come from a tier
// table with per-tenant overrides. The hot path is three counter reads and
// one conditional increment; window resets are lazy.
package ratelimit

import (
	"time"
)

// Tier names a rate-limit class a tenant is bound to.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
	TierUnlimited  Tier = "unlimited"
)

// Limits holds the per-window ceilings for a tier.
type Limits struct {
	PerSecond int `json:"per_second"`
	PerMinute int `json:"per_minute"`
	PerHour   int `json:"per_hour"`
}

// tierLimits is the deployment default table. Overrides take precedence.
var tierLimits = map[Tier]Limits{
	TierFree:       {PerSecond: 10, PerMinute: 100, PerHour: 1000},
	TierPro:        {PerSecond: 50, PerMinute: 1000, PerHour: 10000},
	TierEnterprise: {PerSecond: 200, PerMinute: 5000, PerHour: 100000},
}

// DefaultTier applies when a tenant has no tier assignment.
const DefaultTier = TierFree

// LimitsForTier resolves a tier to its limit table. Unknown tiers fall back
// to the default tier; TierUnlimited returns (Limits{}, false) meaning no
// ceiling applies.
func LimitsForTier(tier Tier) (Limits, bool) {
	if tier == TierUnlimited {
		return Limits{}, false
	}
	if l, ok := tierLimits[tier]; ok {
		return l, true
	}
	return tierLimits[DefaultTier], true
}

// anonymousLimits halves the default tier for unauthenticated clients.
func anonymousLimits() Limits {
	base := tierLimits[DefaultTier]
	return Limits{
		PerSecond: base.PerSecond / 2,
		PerMinute: base.PerMinute / 2,
		PerHour:   base.PerHour / 2,
	}
}

// Remaining reports headroom per window after a check.
type Remaining struct {
	Second int `json:"second"`
	Minute int `json:"minute"`
	Hour   int `json:"hour"`
}

// ResetAt reports when each window rolls over.
type ResetAt struct {
	Second time.Time `json:"second"`
	Minute time.Time `json:"minute"`
	Hour   time.Time `json:"hour"`
}

// Result is the outcome of one admission check. RetryAfter is set only on
// denial and names the earliest instant a retry can succeed; Window names
// the granularity that denied.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Remaining  Remaining     `json:"remaining"`
	ResetAt    ResetAt       `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Window     string        `json:"window,omitempty"`
}

// Unlimited is the result handed to tenants with no ceiling.
func unlimitedResult() Result {
	return Result{
		Allowed:   true,
		Remaining: Remaining{Second: -1, Minute: -1, Hour: -1},
	}
}
