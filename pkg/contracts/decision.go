package contracts

import "time"

// ConstraintKind classifies a constraint evaluated on the decision path.
type ConstraintKind string

const (
	ConstraintTrustLevel     ConstraintKind = "trust_level"
	ConstraintPolicyRule     ConstraintKind = "policy_rule"
	ConstraintRateLimit      ConstraintKind = "rate_limit"
	ConstraintTimeWindow     ConstraintKind = "time_window"
	ConstraintGeoRestriction ConstraintKind = "geo_restriction"
	ConstraintCustom         ConstraintKind = "custom"
)

// ConstraintResult is the per-constraint outcome recorded on every decision.
type ConstraintResult struct {
	ConstraintID string         `json:"constraint_id"`
	Kind         ConstraintKind `json:"kind"`
	Passed       bool           `json:"passed"`
	Action       ControlAction  `json:"action"`
	Reason       string         `json:"reason"`
	Details      map[string]any `json:"details,omitempty"`
	DurationMS   float64        `json:"duration_ms"`
}

// EscalationStatus tracks the lifecycle of an escalation record.
// pending -> approved | rejected | timeout | cancelled.
type EscalationStatus string

const (
	EscalationPending   EscalationStatus = "pending"
	EscalationApproved  EscalationStatus = "approved"
	EscalationRejected  EscalationStatus = "rejected"
	EscalationTimedOut  EscalationStatus = "timeout"
	EscalationCancelled EscalationStatus = "cancelled"
)

// Terminal reports whether s admits no further transitions.
func (s EscalationStatus) Terminal() bool {
	return s != EscalationPending
}

// EscalationRecord is attached to a decision whose action was upgraded to
// escalate. Its status transitions are the only mutation a decision permits,
// and each transition writes an audit record.
type EscalationRecord struct {
	ID         string           `json:"id"`
	IntentID   string           `json:"intent_id"`
	RuleID     string           `json:"rule_id"`
	Reason     string           `json:"reason"`
	EscalateTo string           `json:"escalate_to"`
	Timeout    time.Duration    `json:"timeout"`
	Status     EscalationStatus `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
	ResolvedAt time.Time        `json:"resolved_at,omitempty"`
	ResolvedBy string           `json:"resolved_by,omitempty"`
}

// PolicyEvaluated pins the exact policy version and checksum a decision used.
type PolicyEvaluated struct {
	PolicyID string        `json:"policy_id"`
	Version  int64         `json:"version"`
	Checksum string        `json:"checksum"`
	Action   ControlAction `json:"action"`
}

// Decision is the immutable output of the enforcement engine.
type Decision struct {
	ID          string             `json:"id"`
	IntentID    string             `json:"intent_id"`
	TenantID    string             `json:"tenant_id"`
	FinalAction ControlAction      `json:"final_action"`
	Reason      string             `json:"reason"`
	Confidence  float64            `json:"confidence"` // [0, 1]
	Constraints []ConstraintResult `json:"constraints"`
	Policies    []PolicyEvaluated  `json:"policies_evaluated"`
	TrustScore  TrustScore         `json:"trust_score"`
	TrustTier   TrustTier          `json:"trust_tier"`
	DecidedAt   time.Time          `json:"decided_at"`
	DurationMS  float64            `json:"duration_ms"`
	Cached      bool               `json:"cached"`
	Fallback    bool               `json:"fallback,omitempty"`
	Escalation  *EscalationRecord  `json:"escalation,omitempty"`
	TraceID     string             `json:"trace_id,omitempty"`
	SpanID      string             `json:"span_id,omitempty"`
}

// CacheEntry wraps a decision in the decision cache with freshness and LRU
// bookkeeping.
type CacheEntry struct {
	Decision       Decision  `json:"decision"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int64     `json:"access_count"`
}

// Expired reports whether the entry is stale at time now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}
