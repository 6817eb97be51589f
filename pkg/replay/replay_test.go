package replay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorion-labs/vorion/core/pkg/cache"
	"github.com/vorion-labs/vorion/core/pkg/contracts"
	"github.com/vorion-labs/vorion/core/pkg/enforce"
	"github.com/vorion-labs/vorion/core/pkg/rules"
)

func replayIntent() contracts.Intent {
	return contracts.Intent{
		ID:       "i1",
		TenantID: "t1",
		EntityID: "a1",
		Type:     "data.read",
		Goal:     "fetch report",
		Context:  map[string]any{"dataset": "finance"},
	}
}

func replayContext(policies ...contracts.Policy) enforce.EnforcementContext {
	return enforce.EnforcementContext{
		Intent: replayIntent(),
		Entity: contracts.Entity{
			ID:    "a1",
			Type:  contracts.EntityAgent,
			Score: contracts.TrustScore{Raw: 600, Effective: 600},
			Tier:  contracts.TierT3,
			Role:  contracts.RoleL5,
		},
		Environment: map[string]any{"request_id": "req1"},
		Policies:    policies,
	}
}

func denyWritePolicy() contracts.Policy {
	return contracts.Policy{
		ID:       "p1",
		Version:  3,
		Checksum: "abc",
		Rules: []contracts.PolicyRule{{
			ID: "r1", Enabled: true,
			Condition: `intent.type == "data.write"`,
			Action:    contracts.ActionDeny,
		}},
		DefaultAction: contracts.ActionAllow,
	}
}

func newReplayFixture(t *testing.T) (*Manager, *Replayer, *enforce.Engine) {
	t.Helper()
	evaluator, err := rules.NewCELEvaluator()
	require.NoError(t, err)
	engine, err := enforce.New(enforce.Options{Evaluator: evaluator})
	require.NoError(t, err)

	mgr := NewManager(NewMemorySnapshotStore(), nil, nil)
	return mgr, NewReplayer(mgr, engine, evaluator, nil), engine
}

func TestCaptureAndRestoreRoundTrip(t *testing.T) {
	mgr, _, engine := newReplayFixture(t)
	ctx := context.Background()

	ec := replayContext(denyWritePolicy())
	decision := engine.Decide(ctx, ec)

	snap, err := mgr.Capture(ctx, ec, decision)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, "i1", snap.IntentID)
	assert.Equal(t, "t1", snap.TenantID)
	require.Len(t, snap.Policies, 1)
	assert.Equal(t, int64(3), snap.Policies[0].Version)
	assert.Equal(t, "abc", snap.Policies[0].Checksum)
	assert.Equal(t, "req1", snap.Environment.RequestID)

	restored, got, err := mgr.Restore(ctx, snap.ID, Overrides{})
	require.NoError(t, err)
	assert.Equal(t, snap.ID, got.ID)
	assert.Equal(t, ec.Intent.ID, restored.Intent.ID)
	assert.Equal(t, ec.Entity.Tier, restored.Entity.Tier)
	assert.Equal(t, true, restored.Environment["replayed"])
	require.Len(t, restored.Policies, 1)

	// The restored context is a copy: mutating it cannot reach the store.
	restored.Policies[0].DefaultAction = contracts.ActionDeny
	again, _, err := mgr.Restore(ctx, snap.ID, Overrides{})
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionAllow, again.Policies[0].DefaultAction)
}

func TestRestoreWithTrustOverride(t *testing.T) {
	mgr, _, engine := newReplayFixture(t)
	ctx := context.Background()

	ec := replayContext(denyWritePolicy())
	snap, err := mgr.Capture(ctx, ec, engine.Decide(ctx, ec))
	require.NoError(t, err)

	override := contracts.TrustSnapshot{
		EntityID: "a1",
		Score:    contracts.TrustScore{Raw: 100, Effective: 100},
		Tier:     contracts.TierT0,
	}
	restored, _, err := mgr.Restore(ctx, snap.ID, Overrides{Trust: &override})
	require.NoError(t, err)
	assert.Equal(t, contracts.TierT0, restored.Entity.Tier)
	assert.Equal(t, 100, restored.Entity.Score.Effective)
}

func TestRestoreWithPolicyOverride(t *testing.T) {
	mgr, _, engine := newReplayFixture(t)
	ctx := context.Background()

	ec := replayContext(denyWritePolicy())
	snap, err := mgr.Capture(ctx, ec, engine.Decide(ctx, ec))
	require.NoError(t, err)

	replacement := denyWritePolicy()
	replacement.ID = "p2"
	replacement.Version = 9
	restored, _, err := mgr.Restore(ctx, snap.ID, Overrides{
		Policies: []contracts.Policy{replacement},
	})
	require.NoError(t, err)
	require.Len(t, restored.Policies, 1)
	assert.Equal(t, "p2", restored.Policies[0].ID)
}

func TestRestoreUnknownSnapshot(t *testing.T) {
	mgr, _, _ := newReplayFixture(t)
	_, _, err := mgr.Restore(context.Background(), "missing", Overrides{})
	require.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestSnapshotStoreIsImmutable(t *testing.T) {
	store := NewMemorySnapshotStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, contracts.Snapshot{ID: "s1", IntentID: "i1"}))
	require.Error(t, store.Save(ctx, contracts.Snapshot{ID: "s1", IntentID: "i1"}))

	byIntent, err := store.GetByIntent(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, "s1", byIntent.ID)
}

// countingAuditor tallies decisions reaching the audit path.
type countingAuditor struct {
	mu        sync.Mutex
	decisions int
}

func (a *countingAuditor) RecordDecision(ctx context.Context, d contracts.Decision) {
	a.mu.Lock()
	a.decisions++
	a.mu.Unlock()
}

func (a *countingAuditor) RecordEscalation(ctx context.Context, d contracts.Decision, esc contracts.EscalationRecord) {
}

func (a *countingAuditor) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.decisions
}

func TestReplayBypassesProductionCacheAndAudit(t *testing.T) {
	evaluator, err := rules.NewCELEvaluator()
	require.NoError(t, err)

	auditor := &countingAuditor{}
	decisions := cache.New(cache.Options{TTL: time.Minute})
	t.Cleanup(decisions.Close)
	prod, err := enforce.New(enforce.Options{
		Evaluator: evaluator,
		Cache:     decisions,
		Auditor:   auditor,
	})
	require.NoError(t, err)

	ctx := context.Background()
	ec := replayContext(denyWritePolicy())
	original := prod.Decide(ctx, ec)

	// The cache is primed: the production engine now serves the original.
	require.True(t, prod.Decide(ctx, ec).Cached)

	mgr := NewManager(NewMemorySnapshotStore(), nil, nil)
	snap, err := mgr.Capture(ctx, ec, original)
	require.NoError(t, err)

	// Replays run on an engine wired without cache or auditor.
	bare, err := enforce.New(enforce.Options{Evaluator: evaluator})
	require.NoError(t, err)
	replayer := NewReplayer(mgr, bare, evaluator, nil)

	audited := auditor.count()
	result, err := replayer.Replay(ctx, snap.ID, Options{TimingThresholdPct: 1e6})
	require.NoError(t, err)
	require.NotNil(t, result.Decision)

	// Re-evaluated, not re-served, and nothing new in the audit trail.
	assert.False(t, result.Decision.Cached)
	assert.NotEqual(t, original.ID, result.Decision.ID)
	assert.Equal(t, original.FinalAction, result.Decision.FinalAction)
	assert.Equal(t, audited, auditor.count())

	require.NotNil(t, result.Comparison)
	assert.True(t, result.Comparison.Match)
}

func TestReplayFullPipelineMatches(t *testing.T) {
	mgr, replayer, engine := newReplayFixture(t)
	ctx := context.Background()

	ec := replayContext(denyWritePolicy())
	decision := engine.Decide(ctx, ec)
	snap, err := mgr.Capture(ctx, ec, decision)
	require.NoError(t, err)

	// Wall-clock durations differ between runs; widen the timing tolerance
	// so only semantic drift can break the match.
	result, err := replayer.Replay(ctx, snap.ID, Options{TimingThresholdPct: 1e6})
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	require.NotNil(t, result.Decision)
	assert.Equal(t, decision.FinalAction, result.Decision.FinalAction)

	require.Len(t, result.Steps, 6)
	assert.Equal(t, StageRestore, result.Steps[0].Stage)
	assert.Equal(t, StageTrustEvaluation, result.Steps[1].Stage)
	assert.Equal(t, StagePolicyEvaluation, result.Steps[2].Stage)
	assert.Equal(t, StageDecision, result.Steps[3].Stage)
	assert.Equal(t, StageExecution, result.Steps[4].Stage)
	assert.Equal(t, StepSkipped, result.Steps[4].Status)
	assert.Equal(t, StageComplete, result.Steps[5].Stage)

	require.NotNil(t, result.Comparison)
	assert.True(t, result.Comparison.Match)
}

func TestReplayExecuteRunsExecutionStage(t *testing.T) {
	mgr, replayer, engine := newReplayFixture(t)
	ctx := context.Background()

	ec := replayContext()
	snap, err := mgr.Capture(ctx, ec, engine.Decide(ctx, ec))
	require.NoError(t, err)

	result, err := replayer.Replay(ctx, snap.ID, Options{Execute: true, TimingThresholdPct: 1e6})
	require.NoError(t, err)
	assert.False(t, result.DryRun)
	assert.Equal(t, StepCompleted, result.Steps[4].Status)
}

func TestReplayStopAt(t *testing.T) {
	mgr, replayer, engine := newReplayFixture(t)
	ctx := context.Background()

	ec := replayContext(denyWritePolicy())
	snap, err := mgr.Capture(ctx, ec, engine.Decide(ctx, ec))
	require.NoError(t, err)

	result, err := replayer.Replay(ctx, snap.ID, Options{StopAt: StagePolicyEvaluation})
	require.NoError(t, err)
	require.Len(t, result.Steps, 3)
	assert.Nil(t, result.Decision)
	assert.Nil(t, result.Comparison)

	result, err = replayer.Replay(ctx, snap.ID, Options{StopAt: StageDecision})
	require.NoError(t, err)
	require.Len(t, result.Steps, 4)
	require.NotNil(t, result.Decision)
	assert.Nil(t, result.Comparison)

	_, err = replayer.Replay(ctx, snap.ID, Options{StopAt: Stage("bogus")})
	require.Error(t, err)
}

func TestReplayUnknownSnapshotFailsRestoreStep(t *testing.T) {
	_, replayer, _ := newReplayFixture(t)

	result, err := replayer.Replay(context.Background(), "missing", Options{})
	require.ErrorIs(t, err, ErrSnapshotNotFound)
	require.Len(t, result.Steps, 1)
	assert.Equal(t, StageRestore, result.Steps[0].Stage)
	assert.Equal(t, StepFailed, result.Steps[0].Status)
}

func TestReplaySpeedFactorScalesDelay(t *testing.T) {
	mgr, replayer, engine := newReplayFixture(t)
	ctx := context.Background()

	ec := replayContext()
	snap, err := mgr.Capture(ctx, ec, engine.Decide(ctx, ec))
	require.NoError(t, err)

	started := time.Now()
	_, err = replayer.Replay(ctx, snap.ID, Options{
		StopAt:      StageRestore,
		StageDelay:  200 * time.Millisecond,
		SpeedFactor: 20,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 200*time.Millisecond)
}

func TestCompareDecisionMismatchIsCritical(t *testing.T) {
	original := &contracts.Decision{FinalAction: contracts.ActionAllow, DurationMS: 10}
	replayed := &contracts.Decision{FinalAction: contracts.ActionDeny, DurationMS: 10}

	cmp := Compare(original, replayed, 0)
	assert.False(t, cmp.Match)
	require.NotEmpty(t, cmp.Differences)
	assert.Equal(t, DiffDecision, cmp.Differences[0].Type)
	assert.Equal(t, DiffCritical, cmp.Differences[0].Severity)
}

func TestCompareTimingDrift(t *testing.T) {
	original := &contracts.Decision{FinalAction: contracts.ActionAllow, DurationMS: 100}
	within := &contracts.Decision{FinalAction: contracts.ActionAllow, DurationMS: 115}
	beyond := &contracts.Decision{FinalAction: contracts.ActionAllow, DurationMS: 200}

	assert.True(t, Compare(original, within, 0).Match)

	cmp := Compare(original, beyond, 0)
	assert.False(t, cmp.Match)
	require.Len(t, cmp.Differences, 1)
	assert.Equal(t, DiffTiming, cmp.Differences[0].Type)
	assert.Equal(t, DiffWarning, cmp.Differences[0].Severity)
}

func TestComparePolicyDrift(t *testing.T) {
	original := &contracts.Decision{
		FinalAction: contracts.ActionAllow,
		Policies:    []contracts.PolicyEvaluated{{PolicyID: "p1", Version: 1}},
	}
	replayed := &contracts.Decision{
		FinalAction: contracts.ActionAllow,
		Policies:    []contracts.PolicyEvaluated{{PolicyID: "p2", Version: 4}},
	}

	cmp := Compare(original, replayed, 0)
	assert.False(t, cmp.Match)
	types := map[DifferenceType]bool{}
	for _, d := range cmp.Differences {
		types[d.Type] = true
	}
	assert.True(t, types[DiffPolicyApplied])
	assert.True(t, types[DiffPolicyMissing])
}

func TestCompareTrustDrift(t *testing.T) {
	original := &contracts.Decision{
		FinalAction: contracts.ActionAllow,
		TrustScore:  contracts.TrustScore{Effective: 600},
		TrustTier:   contracts.TierT3,
	}
	replayed := &contracts.Decision{
		FinalAction: contracts.ActionAllow,
		TrustScore:  contracts.TrustScore{Effective: 610},
		TrustTier:   contracts.TierT3,
	}

	// A score delta inside the same tier is informational only.
	cmp := Compare(original, replayed, 0)
	assert.True(t, cmp.Match)
	require.Len(t, cmp.Differences, 1)
	assert.Equal(t, DiffTrustScore, cmp.Differences[0].Type)
	assert.Equal(t, DiffInfo, cmp.Differences[0].Severity)

	replayed.TrustScore.Effective = 400
	replayed.TrustTier = contracts.TierT2
	cmp = Compare(original, replayed, 0)
	assert.False(t, cmp.Match)
}

func TestCompareConstraintDrift(t *testing.T) {
	original := &contracts.Decision{
		FinalAction: contracts.ActionAllow,
		Constraints: []contracts.ConstraintResult{
			{ConstraintID: "c1", Passed: true},
			{ConstraintID: "c2", Passed: true},
		},
	}
	flipped := &contracts.Decision{
		FinalAction: contracts.ActionAllow,
		Constraints: []contracts.ConstraintResult{
			{ConstraintID: "c1", Passed: true},
			{ConstraintID: "c2", Passed: false},
		},
	}
	reordered := &contracts.Decision{
		FinalAction: contracts.ActionAllow,
		Constraints: []contracts.ConstraintResult{
			{ConstraintID: "c2", Passed: true},
			{ConstraintID: "c1", Passed: true},
		},
	}

	cmp := Compare(original, flipped, 0)
	assert.False(t, cmp.Match)
	require.Len(t, cmp.Differences, 1)
	assert.Equal(t, DiffConstraint, cmp.Differences[0].Type)

	// Same set, different order: noted but still a match.
	cmp = Compare(original, reordered, 0)
	assert.True(t, cmp.Match)
	require.Len(t, cmp.Differences, 1)
	assert.Equal(t, DiffEvaluationOrder, cmp.Differences[0].Type)
}

func TestSimulateSyntheticIntent(t *testing.T) {
	evaluator, err := rules.NewCELEvaluator()
	require.NoError(t, err)
	sim := NewSimulator(evaluator)

	intent := replayIntent()
	intent.Type = "data.write"
	result, err := sim.Simulate(context.Background(), intent, SimulationContext{
		TrustScore: 700,
		Role:       contracts.RoleL5,
		Policies:   []contracts.Policy{denyWritePolicy()},
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionDeny, result.Decision.FinalAction)
	assert.Equal(t, contracts.TierT4, result.Decision.TrustTier)
	require.Len(t, result.Fired, 1)
	assert.Equal(t, "p1:r1", result.Fired[0])
}

func TestSimulateRequiresIntentID(t *testing.T) {
	evaluator, err := rules.NewCELEvaluator()
	require.NoError(t, err)
	sim := NewSimulator(evaluator)

	_, err = sim.Simulate(context.Background(), contracts.Intent{}, SimulationContext{})
	require.Error(t, err)
}

func TestSimulateClampsTrustScore(t *testing.T) {
	evaluator, err := rules.NewCELEvaluator()
	require.NoError(t, err)
	sim := NewSimulator(evaluator)

	result, err := sim.Simulate(context.Background(), replayIntent(), SimulationContext{
		TrustScore: 5000,
	})
	require.NoError(t, err)
	assert.Equal(t, 1000, result.Decision.TrustScore.Effective)
	assert.Equal(t, contracts.TierT5, result.Decision.TrustTier)
}

func TestBulkSimulateAggregates(t *testing.T) {
	evaluator, err := rules.NewCELEvaluator()
	require.NoError(t, err)
	sim := NewSimulator(evaluator)

	intents := make([]contracts.Intent, 20)
	for i := range intents {
		intent := replayIntent()
		intent.ID = fmt.Sprintf("i%d", i)
		if i%2 == 0 {
			intent.Type = "data.write"
		}
		intents[i] = intent
	}

	bulk, err := sim.BulkSimulate(context.Background(), intents, SimulationContext{
		TrustScore: 700,
		Policies:   []contracts.Policy{denyWritePolicy()},
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, 20, bulk.Total)
	assert.Zero(t, bulk.Failed)
	assert.Len(t, bulk.Results, 20)
	assert.Equal(t, 10, bulk.ActionCounts[string(contracts.ActionDeny)])
	assert.Equal(t, 10, bulk.ActionCounts[string(contracts.ActionAllow)])
	assert.InDelta(t, 50.0, bulk.PolicyMatchPct["p1"], 0.01)
}

func TestBulkSimulateCountsFailures(t *testing.T) {
	evaluator, err := rules.NewCELEvaluator()
	require.NoError(t, err)
	sim := NewSimulator(evaluator)

	intents := []contracts.Intent{
		replayIntent(),
		{}, // no id, fails
	}
	bulk, err := sim.BulkSimulate(context.Background(), intents, SimulationContext{TrustScore: 500}, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, bulk.Total)
	assert.Equal(t, 1, bulk.Failed)
	assert.Len(t, bulk.Results, 1)
}
