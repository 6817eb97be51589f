package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"

	"github.com/vorion-labs/vorion/core/pkg/contracts"
)

// CELEvaluator compiles rule conditions as CEL expressions over the intent,
// entity, and environment. Compiled programs are cached by source; the cache
// is never invalidated because policies are versioned, not mutated.
type CELEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEvaluator builds the evaluation environment. Conditions see:
//
//	intent      map: id, tenant_id, entity_id, type, goal, priority, context
//	entity      map: id, type, score, tier, role
//	environment map: deployment-supplied ambient values
func NewCELEvaluator() (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("intent", types.NewMapType(types.StringType, types.DynType)),
			decls.NewVariable("entity", types.NewMapType(types.StringType, types.DynType)),
			decls.NewVariable("environment", types.NewMapType(types.StringType, types.DynType)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("rules: create CEL env: %w", err)
	}
	return &CELEvaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// Evaluate runs every enabled rule of every applicable policy. A rule whose
// condition fails to compile or evaluate is recorded as unmatched with the
// error; the rest of the set still runs.
func (e *CELEvaluator) Evaluate(ctx context.Context, policies []contracts.Policy, input Input) (*Evaluation, error) {
	activation := map[string]any{
		"intent": map[string]any{
			"id":        input.Intent.ID,
			"tenant_id": input.Intent.TenantID,
			"entity_id": input.Intent.EntityID,
			"type":      input.Intent.Type,
			"goal":      input.Intent.Goal,
			"priority":  input.Intent.Priority,
			"context":   nonNilMap(input.Intent.Context),
		},
		"entity": map[string]any{
			"id":    input.Entity.ID,
			"type":  string(input.Entity.Type),
			"score": input.Entity.Score.Effective,
			"tier":  int(input.Entity.Tier),
			"role":  int(input.Entity.Role),
		},
		"environment": nonNilMap(input.Environment),
	}

	eval := &Evaluation{FinalAction: contracts.ActionAllow}
	firedActions := make([]contracts.ControlAction, 0, 4)

	for _, policy := range policies {
		if !policy.Target.Matches(input.Intent.Type, input.Entity.Tier) {
			continue
		}
		result := PolicyResult{
			PolicyID: policy.ID,
			Version:  policy.Version,
			Checksum: policy.Checksum,
		}
		policyActions := make([]contracts.ControlAction, 0, 2)

		for _, rule := range policy.Rules {
			if !rule.Enabled {
				continue
			}
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("rules: evaluation cancelled: %w", err)
			}
			eval.Evaluated++

			match := RuleMatch{PolicyID: policy.ID, Rule: rule}
			matched, err := e.matchCondition(rule.Condition, activation)
			if err != nil {
				match.Err = err.Error()
			}
			match.Matched = matched
			eval.Matches = append(eval.Matches, match)

			if matched {
				result.Fired++
				policyActions = append(policyActions, rule.Action)
				firedActions = append(firedActions, rule.Action)
			}
		}

		if result.Fired > 0 {
			result.Action = contracts.MostRestrictive(policyActions)
		} else {
			result.Action = policy.DefaultAction
		}
		eval.Policies = append(eval.Policies, result)
	}

	if len(firedActions) > 0 {
		eval.FinalAction = contracts.MostRestrictive(firedActions)
	}
	return eval, nil
}

// matchCondition compiles (with cache) and evaluates one condition. An empty
// condition always matches, mirroring a rule with no predicate.
func (e *CELEvaluator) matchCondition(condition string, activation map[string]any) (bool, error) {
	if condition == "" {
		return true, nil
	}

	e.mu.RLock()
	prg, hit := e.cache[condition]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		if prg, hit = e.cache[condition]; !hit {
			ast, issues := e.env.Compile(condition)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("rules: compile: %w", issues.Err())
			}
			p, err := e.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("rules: program: %w", err)
			}
			e.cache[condition] = p
			prg = p
		}
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("rules: eval: %w", err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rules: condition did not yield a bool")
	}
	return matched, nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
