// Package rules defines the rule evaluator boundary. The authoring layer
// (BASIS) is an external collaborator; Vorion sees only this interface and
// ships a CEL-backed implementation as the pluggable default.
package rules

import (
	"context"

	"github.com/vorion-labs/vorion/core/pkg/contracts"
)

// Input is everything a rule condition may observe.
type Input struct {
	Intent      contracts.Intent
	Entity      contracts.Entity
	Environment map[string]any
}

// RuleMatch is the per-rule outcome for a single evaluated rule.
type RuleMatch struct {
	PolicyID string
	Rule     contracts.PolicyRule
	Matched  bool
	Err      string // evaluation error, recorded but non-fatal for the set
}

// PolicyResult is the per-policy verdict: the most restrictive action among
// the policy's fired rules, or the policy default when none fired.
type PolicyResult struct {
	PolicyID string
	Version  int64
	Checksum string
	Action   contracts.ControlAction
	Fired    int
}

// Evaluation is the full evaluator output for one decision.
type Evaluation struct {
	Matches  []RuleMatch
	Policies []PolicyResult

	// FinalAction is the most restrictive action among all fired rules,
	// or allow when nothing fired.
	FinalAction contracts.ControlAction

	// Evaluated counts rules actually run (enabled rules of applicable
	// policies).
	Evaluated int
}

// Fired returns only the matches that fired.
func (e *Evaluation) Fired() []RuleMatch {
	out := make([]RuleMatch, 0, len(e.Matches))
	for _, m := range e.Matches {
		if m.Matched {
			out = append(out, m)
		}
	}
	return out
}

// Evaluator runs a policy set against an input. Implementations must be safe
// for concurrent use and honor the context deadline.
type Evaluator interface {
	Evaluate(ctx context.Context, policies []contracts.Policy, input Input) (*Evaluation, error)
}
