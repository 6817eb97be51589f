package replay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vorion-labs/vorion/core/pkg/contracts"
	"github.com/vorion-labs/vorion/core/pkg/enforce"
	"github.com/vorion-labs/vorion/core/pkg/kernel"
	"github.com/vorion-labs/vorion/core/pkg/rules"
)

// Stage names a pipeline stage the replayer can stop after.
type Stage string

const (
	StageRestore          Stage = "restore"
	StageTrustEvaluation  Stage = "trust-evaluation"
	StagePolicyEvaluation Stage = "policy-evaluation"
	StageDecision         Stage = "decision"
	StageExecution        Stage = "execution"
	StageComplete         Stage = "complete"
)

var stageOrder = map[Stage]int{
	StageRestore:          0,
	StageTrustEvaluation:  1,
	StagePolicyEvaluation: 2,
	StageDecision:         3,
	StageExecution:        4,
	StageComplete:         5,
}

// StepStatus is the outcome of one replay step.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepSkipped   StepStatus = "skipped"
	StepFailed    StepStatus = "failed"
)

// StepResult reports one executed stage.
type StepResult struct {
	Stage      Stage          `json:"stage"`
	Status     StepStatus     `json:"status"`
	DurationMS float64        `json:"duration_ms"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// Options tunes one replay run.
type Options struct {
	// StopAt halts the pipeline after the named stage. Defaults to complete.
	StopAt Stage
	// DryRun skips the execution stage. Defaults to true; set Execute to
	// opt in to side effects.
	Execute bool
	// SpeedFactor scales artificial stage delays; 0 or 1 means real time,
	// 2 means twice as fast. Only meaningful with StageDelay.
	SpeedFactor float64
	// StageDelay inserts an artificial pause before each stage, scaled by
	// SpeedFactor, for demonstration replays.
	StageDelay time.Duration
	// TimingThresholdPct overrides the comparator's timing tolerance.
	TimingThresholdPct float64
}

// Result is the full replay output.
type Result struct {
	SnapshotID string              `json:"snapshot_id"`
	Steps      []StepResult        `json:"steps"`
	Decision   *contracts.Decision `json:"decision,omitempty"`
	Comparison *Comparison         `json:"comparison,omitempty"`
	DryRun     bool                `json:"dry_run"`
}

// Replayer drives the decision pipeline over restored snapshots.
type Replayer struct {
	snapshots *Manager
	engine    *enforce.Engine
	evaluator rules.Evaluator
	log       *slog.Logger
	now       func() time.Time
}

// NewReplayer builds a replayer. The engine must be side-effect free for
// replays: wire it without cache and audit sinks, or accept duplicate audit
// records on execute runs.
func NewReplayer(snapshots *Manager, engine *enforce.Engine, evaluator rules.Evaluator, log *slog.Logger) *Replayer {
	if log == nil {
		log = slog.Default()
	}
	return &Replayer{
		snapshots: snapshots,
		engine:    engine,
		evaluator: evaluator,
		log:       log,
		now:       time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (r *Replayer) WithClock(now func() time.Time) *Replayer {
	r.now = now
	return r
}

// Replay restores a snapshot and re-runs the pipeline stage by stage.
func (r *Replayer) Replay(ctx context.Context, snapshotID string, opts Options) (*Result, error) {
	stopAt := opts.StopAt
	if stopAt == "" {
		stopAt = StageComplete
	}
	if _, ok := stageOrder[stopAt]; !ok {
		return nil, fmt.Errorf("replay: unknown stop_at stage %q", stopAt)
	}

	result := &Result{SnapshotID: snapshotID, DryRun: !opts.Execute}

	// Restore.
	r.pause(opts)
	started := r.now()
	ec, snapshot, err := r.snapshots.Restore(ctx, snapshotID, Overrides{})
	if err != nil {
		result.Steps = append(result.Steps, r.step(StageRestore, StepFailed, started, map[string]any{"error": err.Error()}))
		return result, err
	}
	result.Steps = append(result.Steps, r.step(StageRestore, StepCompleted, started, map[string]any{
		"intent_id": snapshot.IntentID,
		"policies":  len(snapshot.Policies),
	}))
	if stopAt == StageRestore {
		return result, nil
	}

	// Trust evaluation: re-derive the tier from the captured score and use
	// the recomputed posture for the rest of the run.
	r.pause(opts)
	started = r.now()
	tier := kernel.TierForScore(ec.Entity.Score.Effective)
	ec.Entity.Tier = tier
	ec.Trust.Tier = tier
	result.Steps = append(result.Steps, r.step(StageTrustEvaluation, StepCompleted, started, map[string]any{
		"effective_score": ec.Entity.Score.Effective,
		"tier":            tier.String(),
	}))
	if stopAt == StageTrustEvaluation {
		return result, nil
	}

	// Policy evaluation.
	r.pause(opts)
	started = r.now()
	eval, err := r.evaluator.Evaluate(ctx, ec.Policies, rules.Input{
		Intent:      ec.Intent,
		Entity:      ec.Entity,
		Environment: ec.Environment,
	})
	if err != nil {
		result.Steps = append(result.Steps, r.step(StagePolicyEvaluation, StepFailed, started, map[string]any{"error": err.Error()}))
		return result, fmt.Errorf("replay: policy evaluation: %w", err)
	}
	ec.RuleEvaluation = eval
	result.Steps = append(result.Steps, r.step(StagePolicyEvaluation, StepCompleted, started, map[string]any{
		"rules_evaluated": eval.Evaluated,
		"rules_fired":     len(eval.Fired()),
		"final_action":    string(eval.FinalAction),
	}))
	if stopAt == StagePolicyEvaluation {
		return result, nil
	}

	// Decision.
	r.pause(opts)
	started = r.now()
	decision := r.engine.Decide(ctx, ec)
	result.Decision = decision
	result.Steps = append(result.Steps, r.step(StageDecision, StepCompleted, started, map[string]any{
		"action":     string(decision.FinalAction),
		"confidence": decision.Confidence,
	}))
	if stopAt == StageDecision {
		return result, nil
	}

	// Execution is skipped on dry runs.
	r.pause(opts)
	started = r.now()
	if opts.Execute {
		result.Steps = append(result.Steps, r.step(StageExecution, StepCompleted, started, map[string]any{
			"action": string(decision.FinalAction),
		}))
	} else {
		result.Steps = append(result.Steps, r.step(StageExecution, StepSkipped, started, map[string]any{
			"reason": "dry run",
		}))
	}
	if stopAt == StageExecution {
		return result, nil
	}

	// Complete: compare against the captured decision when present.
	r.pause(opts)
	started = r.now()
	detail := map[string]any{}
	if snapshot.Decision != nil {
		cmp := Compare(snapshot.Decision, decision, opts.TimingThresholdPct)
		result.Comparison = &cmp
		detail["match"] = cmp.Match
		detail["differences"] = len(cmp.Differences)
	} else {
		detail["match"] = "no original decision captured"
	}
	result.Steps = append(result.Steps, r.step(StageComplete, StepCompleted, started, detail))
	return result, nil
}

func (r *Replayer) step(stage Stage, status StepStatus, started time.Time, detail map[string]any) StepResult {
	return StepResult{
		Stage:      stage,
		Status:     status,
		DurationMS: float64(r.now().Sub(started)) / float64(time.Millisecond),
		Detail:     detail,
	}
}

func (r *Replayer) pause(opts Options) {
	if opts.StageDelay <= 0 {
		return
	}
	delay := opts.StageDelay
	if opts.SpeedFactor > 0 {
		delay = time.Duration(float64(delay) / opts.SpeedFactor)
	}
	time.Sleep(delay)
}
