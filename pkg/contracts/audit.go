package contracts

import "time"

// AuditSeverity grades an audit record.
type AuditSeverity string

const (
	SeverityInfo     AuditSeverity = "info"
	SeverityWarning  AuditSeverity = "warning"
	SeverityError    AuditSeverity = "error"
	SeverityCritical AuditSeverity = "critical"
)

// AuditOutcome records how the audited operation ended.
type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "success"
	OutcomeFailure AuditOutcome = "failure"
	OutcomePartial AuditOutcome = "partial"
)

// AuditRecord is a tamper-evident log entry. Records of a tenant form a hash
// chain: each record's PreviousHash equals the RecordHash of the most
// recently persisted record for that tenant, and sequence numbers are
// strictly increasing with no gaps.
type AuditRecord struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	EventType      string         `json:"event_type"`
	Severity       AuditSeverity  `json:"severity"`
	Outcome        AuditOutcome   `json:"outcome"`
	Actor          string         `json:"actor"`
	Target         string         `json:"target"`
	Action         string         `json:"action"`
	Reason         string         `json:"reason,omitempty"`
	BeforeState    map[string]any `json:"before_state,omitempty"`
	AfterState     map[string]any `json:"after_state,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	SequenceNumber uint64         `json:"sequence_number"`
	PreviousHash   string         `json:"previous_hash"`
	RecordHash     string         `json:"record_hash"`
	EventTime      time.Time      `json:"event_time"`
	RecordedAt     time.Time      `json:"recorded_at"`
}

// AuditQuery filters stored audit records. Results are ordered newest-first.
type AuditQuery struct {
	TenantID string        `json:"tenant_id"`
	IntentID string        `json:"intent_id,omitempty"`
	Action   ControlAction `json:"action,omitempty"`
	From     time.Time     `json:"from,omitempty"`
	To       time.Time     `json:"to,omitempty"`
	Limit    int           `json:"limit,omitempty"`
	Offset   int           `json:"offset,omitempty"`
}
