package contracts

import "time"

// TrustSnapshot freezes the trust posture used for a decision, with the
// component values that produced it.
type TrustSnapshot struct {
	EntityID   string         `json:"entity_id"`
	Score      TrustScore     `json:"score"`
	Tier       TrustTier      `json:"tier"`
	Role       AgentRole      `json:"role"`
	Components map[string]int `json:"components,omitempty"`
	CapturedAt time.Time      `json:"captured_at"`
}

// PolicySnapshot pins a frozen policy copy by version and checksum.
type PolicySnapshot struct {
	Policy   Policy `json:"policy"`
	Version  int64  `json:"version"`
	Checksum string `json:"checksum"`
}

// EnvironmentSnapshot captures the ambient request environment.
type EnvironmentSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Timezone  string    `json:"timezone"`
	RequestID string    `json:"request_id"`
}

// Snapshot is the immutable capture of everything a decision saw, stored for
// later deterministic replay.
type Snapshot struct {
	ID          string              `json:"id"`
	IntentID    string              `json:"intent_id"`
	TenantID    string              `json:"tenant_id"`
	Intent      Intent              `json:"intent"`
	Trust       TrustSnapshot       `json:"trust"`
	Policies    []PolicySnapshot    `json:"policies"`
	Environment EnvironmentSnapshot `json:"environment"`
	Decision    *Decision           `json:"decision,omitempty"`
	Metadata    map[string]any      `json:"metadata,omitempty"`
	CapturedAt  time.Time           `json:"captured_at"`
}
