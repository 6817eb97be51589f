// Package enforce is the decision path: constraint evaluation, action
// resolution by restrictiveness, escalation upgrade, confidence scoring, and
// fallback under failure. Decisions are immutable once emitted; the only
// permitted mutation is an escalation status transition through the Manager.
package enforce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vorion-labs/vorion/core/pkg/cache"
	"github.com/vorion-labs/vorion/core/pkg/contracts"
	"github.com/vorion-labs/vorion/core/pkg/metrics"
	"github.com/vorion-labs/vorion/core/pkg/observability"
	"github.com/vorion-labs/vorion/core/pkg/resiliency"
	"github.com/vorion-labs/vorion/core/pkg/rules"
)

// EnforcementContext is everything one decision may observe. Built once per
// request and passed by value through the pipeline.
type EnforcementContext struct {
	Intent      contracts.Intent
	Entity      contracts.Entity
	Environment map[string]any
	Trust       contracts.TrustSnapshot
	Policies    []contracts.Policy

	// RuleEvaluation, when supplied, skips the engine's own evaluator run.
	RuleEvaluation *rules.Evaluation
}

// DecisionAuditor receives every emitted decision and escalation event.
// *audit.Sink satisfies it.
type DecisionAuditor interface {
	RecordDecision(ctx context.Context, d contracts.Decision)
	RecordEscalation(ctx context.Context, d contracts.Decision, esc contracts.EscalationRecord)
}

// Options wires an Engine. Evaluator is required; everything else is
// optional and degrades gracefully when absent.
type Options struct {
	Evaluator   rules.Evaluator
	Cache       *cache.Cache
	Auditor     DecisionAuditor
	Escalations *Manager

	// Custom runs sandboxed tenant constraints named by CustomConstraints.
	Custom            CustomConstraintRunner
	CustomConstraints []string

	// FallbackAction is emitted when the decision path itself fails.
	// Defaults to deny.
	FallbackAction contracts.ControlAction

	Observability *observability.Provider
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Engine makes decisions. Safe for concurrent use.
type Engine struct {
	eval        rules.Evaluator
	cache       *cache.Cache
	audit       DecisionAuditor
	escalations *Manager
	custom      CustomConstraintRunner
	customIDs   []string
	fallback    contracts.ControlAction
	breaker     *resiliency.Breaker
	obs         *observability.Provider
	metrics     *metrics.Metrics
	log         *slog.Logger
	now         func() time.Time
}

// New builds an engine.
func New(opts Options) (*Engine, error) {
	if opts.Evaluator == nil {
		return nil, fmt.Errorf("enforce: evaluator is required")
	}
	if opts.FallbackAction == "" {
		opts.FallbackAction = contracts.ActionDeny
	}
	if !opts.FallbackAction.Valid() {
		return nil, fmt.Errorf("enforce: invalid fallback action %q", opts.FallbackAction)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewTest()
	}
	return &Engine{
		eval:        opts.Evaluator,
		cache:       opts.Cache,
		audit:       opts.Auditor,
		escalations: opts.Escalations,
		custom:      opts.Custom,
		customIDs:   opts.CustomConstraints,
		fallback:    opts.FallbackAction,
		breaker:     resiliency.New("decision-path", resiliency.DefaultConfig(), opts.Logger),
		obs:         opts.Observability,
		metrics:     opts.Metrics,
		log:         opts.Logger,
		now:         time.Now,
	}, nil
}

// WithClock overrides the clock for deterministic tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Decide runs the decision pipeline. Always returns a decision: evaluator
// failure or an open breaker yields a fallback decision, never an error to
// the caller, and every failure is audited.
func (e *Engine) Decide(ctx context.Context, ec EnforcementContext) *contracts.Decision {
	if e.obs != nil {
		spanCtx, span := e.obs.StartDecisionSpan(ctx, ec.Intent.TenantID, ec.Intent.ID, ec.Intent.Type)
		defer span.End()
		ctx = spanCtx
	}
	started := e.now()

	var fingerprint string
	if e.cache != nil {
		fp, err := cache.Fingerprint(ec.Intent, ec.Entity.ID, ec.Entity.Tier)
		if err != nil {
			e.log.Warn("fingerprint failed, skipping cache", "intent_id", ec.Intent.ID, "error", err)
		} else {
			fingerprint = fp
			if hit := e.cache.Get(ctx, ec.Intent.TenantID, fp); hit != nil {
				e.metrics.ObserveDecision(hit.TenantID, string(hit.FinalAction), true, e.now().Sub(started))
				return hit
			}
		}
	}

	var d *contracts.Decision
	err := e.breaker.Do(ctx, func(ctx context.Context) error {
		var evalErr error
		d, evalErr = e.evaluate(ctx, ec)
		return evalErr
	})
	if err != nil {
		d = e.fallbackDecision(ctx, ec, err, started)
		e.metrics.ObserveDecision(d.TenantID, string(d.FinalAction), false, e.now().Sub(started))
		return d
	}

	d.TraceID, d.SpanID = observability.SpanIDs(ctx)
	d.DurationMS = float64(e.now().Sub(started)) / float64(time.Millisecond)

	if d.Escalation != nil && e.escalations != nil {
		e.escalations.Open(ctx, *d, *d.Escalation, escalationRulePriority(ec.Policies, d.Escalation.RuleID))
	}
	if e.audit != nil {
		e.audit.RecordDecision(ctx, *d)
	}
	// Pending escalations are never cached; their outcome is not yet known.
	if e.cache != nil && fingerprint != "" && !pendingEscalationDecision(d) {
		e.cache.Set(ctx, fingerprint, *d)
	}
	e.metrics.ObserveDecision(d.TenantID, string(d.FinalAction), false, e.now().Sub(started))
	return d
}

// evaluate is the pure decision core: same context in, same action, reason,
// and confidence out. Ids and timestamps differ per call.
func (e *Engine) evaluate(ctx context.Context, ec EnforcementContext) (*contracts.Decision, error) {
	eval := ec.RuleEvaluation
	if eval == nil {
		var err error
		eval, err = e.eval.Evaluate(ctx, ec.Policies, rules.Input{
			Intent:      ec.Intent,
			Entity:      ec.Entity,
			Environment: ec.Environment,
		})
		if err != nil {
			return nil, fmt.Errorf("rule evaluation: %w", err)
		}
	}

	constraints := e.evaluateConstraints(ctx, ec, eval)

	var failedActions []contracts.ControlAction
	var failedReason string
	passed, failed := 0, 0
	var totalMS float64
	for _, c := range constraints {
		totalMS += c.DurationMS
		if c.Passed {
			passed++
			continue
		}
		failed++
		failedActions = append(failedActions, c.Action)
		if failedReason == "" {
			failedReason = c.Reason
		}
	}

	var action contracts.ControlAction
	var reason string
	switch {
	case failed > 0:
		action = contracts.MostRestrictive(failedActions)
		reason = failedReason
	case len(eval.Fired()) > 0:
		action = eval.FinalAction
		reason = "resolved by rule evaluation"
	default:
		action = contracts.ActionAllow
		reason = "no constraints failed"
	}

	now := e.now()
	d := &contracts.Decision{
		ID:          uuid.New().String(),
		IntentID:    ec.Intent.ID,
		TenantID:    ec.Intent.TenantID,
		FinalAction: action,
		Reason:      reason,
		Constraints: constraints,
		Policies:    policiesEvaluated(eval),
		TrustScore:  ec.Entity.Score,
		TrustTier:   ec.Entity.Tier,
		DecidedAt:   now,
	}

	// A deny is never softened to escalate.
	if d.FinalAction != contracts.ActionDeny {
		if esc := e.matchEscalation(ec, eval, d); esc != nil {
			d.FinalAction = contracts.ActionEscalate
			d.Reason = esc.Reason
			d.Escalation = esc
		}
	}

	d.Confidence = confidence(constraints, passed, failed, totalMS)
	return d, nil
}

// matchEscalation walks the policies' escalation rules in order and returns
// a pending record for the first match.
func (e *Engine) matchEscalation(ec EnforcementContext, eval *rules.Evaluation, d *contracts.Decision) *contracts.EscalationRecord {
	in := escalationInput{
		intent: ec.Intent,
		entity: ec.Entity,
		action: d.FinalAction,
	}
	for _, pr := range eval.Policies {
		in.policyIDs = append(in.policyIDs, pr.PolicyID)
	}

	for _, p := range ec.Policies {
		for _, rule := range p.Escalations {
			if !escalationMatches(rule, in) {
				continue
			}
			return &contracts.EscalationRecord{
				ID:         uuid.New().String(),
				IntentID:   ec.Intent.ID,
				RuleID:     rule.ID,
				Reason:     fmt.Sprintf("escalation rule %s matched", rule.ID),
				EscalateTo: rule.EscalateTo,
				Timeout:    rule.Timeout,
				Status:     contracts.EscalationPending,
				CreatedAt:  e.now(),
			}
		}
	}
	return nil
}

// fallbackDecision is emitted when the decision path itself failed. Stamped
// with reduced confidence and never cached.
func (e *Engine) fallbackDecision(ctx context.Context, ec EnforcementContext, cause error, started time.Time) *contracts.Decision {
	reason := fmt.Sprintf("fallback: %v", cause)
	if errors.Is(cause, resiliency.ErrOpen) {
		reason = "fallback: decision path circuit breaker open"
	}
	now := e.now()
	d := &contracts.Decision{
		ID:          uuid.New().String(),
		IntentID:    ec.Intent.ID,
		TenantID:    ec.Intent.TenantID,
		FinalAction: e.fallback,
		Reason:      reason,
		Confidence:  0.5,
		TrustScore:  ec.Entity.Score,
		TrustTier:   ec.Entity.Tier,
		DecidedAt:   now,
		DurationMS:  float64(now.Sub(started)) / float64(time.Millisecond),
		Fallback:    true,
	}
	d.TraceID, d.SpanID = observability.SpanIDs(ctx)

	e.log.Error("decision fallback",
		"tenant_id", d.TenantID,
		"intent_id", d.IntentID,
		"action", string(d.FinalAction),
		"error", cause,
	)
	if e.audit != nil {
		e.audit.RecordDecision(ctx, *d)
	}
	return d
}

// confidence starts at 1.0 and shrinks for weak evidence: nothing evaluated,
// mixed outcomes, or a slow constraint pass.
func confidence(constraints []contracts.ConstraintResult, passed, failed int, totalMS float64) float64 {
	c := 1.0
	if len(constraints) == 0 {
		c *= 0.5
	}
	if passed > 0 && failed > 0 {
		c *= 0.8
	}
	if totalMS > 1000 {
		c *= 0.9
	}
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return c
}

func policiesEvaluated(eval *rules.Evaluation) []contracts.PolicyEvaluated {
	out := make([]contracts.PolicyEvaluated, 0, len(eval.Policies))
	for _, pr := range eval.Policies {
		out = append(out, contracts.PolicyEvaluated{
			PolicyID: pr.PolicyID,
			Version:  pr.Version,
			Checksum: pr.Checksum,
			Action:   pr.Action,
		})
	}
	return out
}

func pendingEscalationDecision(d *contracts.Decision) bool {
	return d.FinalAction == contracts.ActionEscalate &&
		d.Escalation != nil && d.Escalation.Status == contracts.EscalationPending
}

func escalationRulePriority(policies []contracts.Policy, ruleID string) int {
	for _, p := range policies {
		for _, r := range p.Escalations {
			if r.ID == ruleID {
				return r.Priority
			}
		}
	}
	return 0
}
