package replay

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/vorion-labs/vorion/core/pkg/contracts"
	"github.com/vorion-labs/vorion/core/pkg/enforce"
	"github.com/vorion-labs/vorion/core/pkg/kernel"
	"github.com/vorion-labs/vorion/core/pkg/rules"
)

// DefaultBulkConcurrency bounds parallel simulations in a bulk run.
const DefaultBulkConcurrency = 10

// SimulationContext supplies the synthetic posture a simulation runs under.
type SimulationContext struct {
	// TrustScore is the synthetic effective score; the tier is derived.
	TrustScore  int
	Role        contracts.AgentRole
	EntityType  contracts.EntityType
	Policies    []contracts.Policy
	Environment map[string]any
}

// SimulationResult is one simulated decision with its evaluation facts.
type SimulationResult struct {
	Intent   contracts.Intent    `json:"intent"`
	Decision *contracts.Decision `json:"decision"`
	Fired    []string            `json:"fired_rules,omitempty"`
}

// BulkResult aggregates a batch of simulations for policy-impact analysis.
type BulkResult struct {
	Total          int                `json:"total"`
	Failed         int                `json:"failed"`
	ActionCounts   map[string]int     `json:"action_counts"`
	PolicyMatchPct map[string]float64 `json:"policy_match_pct"`
	Results        []SimulationResult `json:"results"`
}

// Simulator evaluates synthetic intents without persistence: no cache, no
// audit, no escalation manager.
type Simulator struct {
	evaluator rules.Evaluator
}

// NewSimulator builds a simulator over the given evaluator.
func NewSimulator(evaluator rules.Evaluator) *Simulator {
	return &Simulator{evaluator: evaluator}
}

// Simulate runs one synthetic intent through a fresh, side-effect-free
// engine.
func (s *Simulator) Simulate(ctx context.Context, intent contracts.Intent, sim SimulationContext) (*SimulationResult, error) {
	engine, err := enforce.New(enforce.Options{Evaluator: s.evaluator})
	if err != nil {
		return nil, err
	}
	return s.simulateWith(ctx, engine, intent, sim)
}

func (s *Simulator) simulateWith(ctx context.Context, engine *enforce.Engine, intent contracts.Intent, sim SimulationContext) (*SimulationResult, error) {
	if intent.ID == "" {
		return nil, fmt.Errorf("replay: simulation intent has no id")
	}
	entityType := sim.EntityType
	if entityType == "" {
		entityType = contracts.EntityAgent
	}
	effective := kernel.Clamp(sim.TrustScore)
	ec := enforce.EnforcementContext{
		Intent: intent,
		Entity: contracts.Entity{
			ID:    intent.EntityID,
			Type:  entityType,
			Score: contracts.TrustScore{Raw: sim.TrustScore, Effective: effective},
			Tier:  kernel.TierForScore(effective),
			Role:  sim.Role,
		},
		Environment: sim.Environment,
		Policies:    sim.Policies,
	}

	eval, err := s.evaluator.Evaluate(ctx, sim.Policies, rules.Input{
		Intent:      ec.Intent,
		Entity:      ec.Entity,
		Environment: ec.Environment,
	})
	if err != nil {
		return nil, fmt.Errorf("replay: simulate %s: %w", intent.ID, err)
	}
	ec.RuleEvaluation = eval

	result := &SimulationResult{
		Intent:   intent,
		Decision: engine.Decide(ctx, ec),
	}
	for _, m := range eval.Fired() {
		result.Fired = append(result.Fired, m.PolicyID+":"+m.Rule.ID)
	}
	return result, nil
}

// BulkSimulate runs a batch with bounded concurrency and aggregates action
// breakdowns and per-policy match rates.
func (s *Simulator) BulkSimulate(ctx context.Context, intents []contracts.Intent, sim SimulationContext, concurrency int) (*BulkResult, error) {
	if concurrency <= 0 {
		concurrency = DefaultBulkConcurrency
	}
	engine, err := enforce.New(enforce.Options{Evaluator: s.evaluator})
	if err != nil {
		return nil, err
	}

	results := make([]*SimulationResult, len(intents))
	errs := make([]error, len(intents))

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i, intent := range intents {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, intent contracts.Intent) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i], errs[i] = s.simulateWith(ctx, engine, intent, sim)
		}(i, intent)
	}
	wg.Wait()

	bulk := &BulkResult{
		Total:          len(intents),
		ActionCounts:   make(map[string]int),
		PolicyMatchPct: make(map[string]float64),
	}
	policyFired := make(map[string]int)
	succeeded := 0
	for i := range results {
		if errs[i] != nil {
			bulk.Failed++
			continue
		}
		succeeded++
		r := results[i]
		bulk.Results = append(bulk.Results, *r)
		bulk.ActionCounts[string(r.Decision.FinalAction)]++

		seen := make(map[string]bool)
		for _, fired := range r.Fired {
			policyID, _, _ := strings.Cut(fired, ":")
			if !seen[policyID] {
				seen[policyID] = true
				policyFired[policyID]++
			}
		}
	}
	if succeeded > 0 {
		for policyID, n := range policyFired {
			bulk.PolicyMatchPct[policyID] = float64(n) / float64(succeeded) * 100
		}
	}
	return bulk, nil
}
