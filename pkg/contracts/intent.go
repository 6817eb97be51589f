package contracts

import "time"

// Intent is a requested action by an agent on behalf of a tenant.
// Immutable after admission: the validator produces it once and every later
// stage reads it by value.
type Intent struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	EntityID  string         `json:"entity_id"`
	Type      string         `json:"type"` // short tag, e.g. "data.read"
	Goal      string         `json:"goal"`
	Context   map[string]any `json:"context,omitempty"` // opaque; introspected only at the boundary
	Priority  int            `json:"priority,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// TrustSignal adjusts an entity's raw trust score. The kernel clamps the
// resulting effective score to the 1000-point ceiling.
type TrustSignal struct {
	EntityID string         `json:"entity_id"`
	Type     SignalType     `json:"signal_type"`
	Impact   int            `json:"impact"` // [-100, 100]
	Context  map[string]any `json:"context,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SignalType classifies a trust signal.
type SignalType string

const (
	SignalSuccess      SignalType = "success"
	SignalFailure      SignalType = "failure"
	SignalCompliance   SignalType = "compliance"
	SignalViolation    SignalType = "violation"
	SignalVerification SignalType = "verification"
)

// MaxSignalImpact bounds the absolute per-signal score adjustment.
const MaxSignalImpact = 100
