package enforce

import (
	"context"
	"fmt"
	"time"

	"github.com/vorion-labs/vorion/core/pkg/contracts"
	"github.com/vorion-labs/vorion/core/pkg/rules"
	"github.com/vorion-labs/vorion/core/pkg/sandbox"
)

// CustomConstraintRunner executes a registered tenant constraint in the
// sandbox. *sandbox.Runner satisfies it.
type CustomConstraintRunner interface {
	Run(ctx context.Context, constraintID string, input sandbox.Input) (sandbox.Verdict, error)
	Registered(constraintID string) bool
}

// evaluateConstraints produces the constraint results for one decision:
// trust-level constraints from policy minimum tiers, one policy-evaluation
// constraint per evaluated policy, one constraint per fired rule, and any
// registered custom constraints run in the sandbox.
func (e *Engine) evaluateConstraints(ctx context.Context, ec EnforcementContext, eval *rules.Evaluation) []contracts.ConstraintResult {
	var out []contracts.ConstraintResult

	for _, p := range ec.Policies {
		if p.RequireMinTier <= contracts.TierT0 {
			continue
		}
		passed := ec.Entity.Tier >= p.RequireMinTier
		r := contracts.ConstraintResult{
			ConstraintID: "trust-level:" + p.ID,
			Kind:         contracts.ConstraintTrustLevel,
			Passed:       passed,
			Action:       contracts.ActionAllow,
			Reason:       fmt.Sprintf("policy %s requires tier %s, entity is %s", p.ID, p.RequireMinTier, ec.Entity.Tier),
		}
		if !passed {
			r.Action = contracts.ActionDeny
		}
		out = append(out, r)
	}

	for _, pr := range eval.Policies {
		passed := pr.Action == contracts.ActionAllow
		r := contracts.ConstraintResult{
			ConstraintID: "policy:" + pr.PolicyID,
			Kind:         contracts.ConstraintPolicyRule,
			Passed:       passed,
			Action:       pr.Action,
			Reason:       fmt.Sprintf("policy %s v%d resolved to %s", pr.PolicyID, pr.Version, pr.Action),
			Details: map[string]any{
				"version":  pr.Version,
				"checksum": pr.Checksum,
				"fired":    pr.Fired,
			},
		}
		out = append(out, r)
	}

	for _, m := range eval.Fired() {
		passed := m.Rule.Action == contracts.ActionAllow
		reason := m.Rule.Reason
		if reason == "" {
			reason = fmt.Sprintf("rule %s fired with %s", m.Rule.ID, m.Rule.Action)
		}
		out = append(out, contracts.ConstraintResult{
			ConstraintID: "rule:" + m.PolicyID + ":" + m.Rule.ID,
			Kind:         contracts.ConstraintPolicyRule,
			Passed:       passed,
			Action:       m.Rule.Action,
			Reason:       reason,
		})
	}

	out = append(out, e.runCustomConstraints(ctx, ec)...)

	for i := range out {
		e.metrics.ConstraintEvaluations.WithLabelValues(
			ec.Intent.TenantID, string(out[i].Kind), fmt.Sprintf("%t", out[i].Passed),
		).Inc()
	}
	return out
}

// runCustomConstraints executes the engine's registered sandbox constraints.
// A runner failure is a failed constraint with the error as reason, never a
// failed decision.
func (e *Engine) runCustomConstraints(ctx context.Context, ec EnforcementContext) []contracts.ConstraintResult {
	if e.custom == nil || len(e.customIDs) == 0 {
		return nil
	}
	input := sandbox.Input{
		Intent:      ec.Intent,
		Entity:      ec.Entity,
		Environment: ec.Environment,
	}
	var out []contracts.ConstraintResult
	for _, id := range e.customIDs {
		if !e.custom.Registered(id) {
			continue
		}
		started := e.now()
		verdict, err := e.custom.Run(ctx, id, input)
		elapsed := e.now().Sub(started)

		r := contracts.ConstraintResult{
			ConstraintID: "custom:" + id,
			Kind:         contracts.ConstraintCustom,
			DurationMS:   float64(elapsed) / float64(time.Millisecond),
		}
		switch {
		case err != nil:
			r.Passed = false
			r.Action = contracts.ActionDeny
			r.Reason = err.Error()
		default:
			r.Passed = verdict.Passed
			r.Action = verdict.Action
			r.Reason = verdict.Reason
			if r.Action == "" {
				r.Action = contracts.ActionAllow
				if !verdict.Passed {
					r.Action = contracts.ActionDeny
				}
			}
		}
		out = append(out, r)
	}
	return out
}
