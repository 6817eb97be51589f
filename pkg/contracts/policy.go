package contracts

import "time"

// Policy is a versioned, checksummed rule set. Policies are never mutated in
// place: a change produces a new version and the registry swaps whole sets
// atomically.
type Policy struct {
	ID            string        `json:"id"`
	Namespace     string        `json:"namespace"`
	Version       int64         `json:"version"`
	SchemaVersion string        `json:"schema_version,omitempty"` // semver of the document format
	Checksum      string        `json:"checksum"`
	Rules         []PolicyRule  `json:"rules"`
	DefaultAction ControlAction `json:"default_action"`
	Target        PolicyTarget  `json:"target"`

	// RequireMinTier, when >= 0, adds a trust-level constraint to every
	// decision this policy participates in.
	RequireMinTier TrustTier `json:"require_min_tier"`

	Escalations []EscalationRule `json:"escalations,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// PolicyTarget filters which intents a policy applies to. Empty slices match
// everything.
type PolicyTarget struct {
	IntentTypes []string    `json:"intent_types,omitempty"`
	Tiers       []TrustTier `json:"tiers,omitempty"`
}

// Matches reports whether the target covers the given intent type and tier.
func (t PolicyTarget) Matches(intentType string, tier TrustTier) bool {
	if len(t.IntentTypes) > 0 {
		found := false
		for _, it := range t.IntentTypes {
			if it == intentType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(t.Tiers) > 0 {
		for _, tr := range t.Tiers {
			if tr == tier {
				return true
			}
		}
		return false
	}
	return true
}

// PolicyRule is a single rule within a policy. The condition is opaque to
// the engine: the rule evaluator compiles and matches it.
type PolicyRule struct {
	ID        string        `json:"id"`
	Enabled   bool          `json:"enabled"`
	Condition string        `json:"condition"`
	Action    ControlAction `json:"action"`
	Reason    string        `json:"reason"`
	Priority  int           `json:"priority"`
	Checksum  string        `json:"checksum,omitempty"`
}

// EscalationConditionType enumerates the typed escalation trigger forms.
type EscalationConditionType string

const (
	EscalateOnTrustBelow  EscalationConditionType = "trust_below"
	EscalateOnActionType  EscalationConditionType = "action_type"
	EscalateOnPolicyMatch EscalationConditionType = "policy_match"
	EscalateOnCustom      EscalationConditionType = "custom"
)

// EscalationRule defers a decision to a human or external approver when its
// condition matches. A rule carries either a typed condition or a free-form
// string expression; the string form is matched by substring against a fixed
// vocabulary until the corpus of string conditions has been audited.
type EscalationRule struct {
	ID string `json:"id"`

	// Typed form.
	ConditionType EscalationConditionType `json:"condition_type,omitempty"`
	TrustBelow    TrustTier               `json:"trust_below,omitempty"`
	ActionType    ControlAction           `json:"action_type,omitempty"`
	PolicyID      string                  `json:"policy_id,omitempty"`
	Custom        string                  `json:"custom,omitempty"` // matched like Condition

	// String-expression form, e.g. "trust_level <= 2" or "high_risk".
	Condition string `json:"condition,omitempty"`

	EscalateTo string        `json:"escalate_to"`
	Timeout    time.Duration `json:"timeout"`
	Priority   int           `json:"priority,omitempty"`
}
