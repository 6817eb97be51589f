package replay

import (
	"fmt"
	"math"

	"github.com/vorion-labs/vorion/core/pkg/contracts"
)

// DifferenceType classifies one divergence between original and replay.
type DifferenceType string

const (
	DiffDecision        DifferenceType = "decision"
	DiffPolicyApplied   DifferenceType = "policy_applied"
	DiffPolicyMissing   DifferenceType = "policy_missing"
	DiffTrustScore      DifferenceType = "trust_score"
	DiffTrustLevel      DifferenceType = "trust_level"
	DiffTiming          DifferenceType = "timing"
	DiffEvaluationOrder DifferenceType = "evaluation_order"
	DiffConstraint      DifferenceType = "constraint"
	DiffMetadata        DifferenceType = "metadata"
)

// DiffSeverity grades a difference.
type DiffSeverity string

const (
	DiffInfo     DiffSeverity = "info"
	DiffWarning  DiffSeverity = "warning"
	DiffCritical DiffSeverity = "critical"
)

// Difference is one typed divergence.
type Difference struct {
	Type     DifferenceType `json:"type"`
	Severity DiffSeverity   `json:"severity"`
	Field    string         `json:"field"`
	Original any            `json:"original"`
	Replayed any            `json:"replayed"`
	Detail   string         `json:"detail,omitempty"`
}

// Comparison is the comparator output. Match is true when no difference is
// graded above info.
type Comparison struct {
	Match       bool         `json:"match"`
	Differences []Difference `json:"differences"`
}

// DefaultTimingThresholdPct flags timing drift beyond this percentage.
const DefaultTimingThresholdPct = 20.0

// Compare diffs a replayed decision against the captured original. A
// decision mismatch is always critical; timing drift beyond the threshold
// is a warning.
func Compare(original, replayed *contracts.Decision, timingThresholdPct float64) Comparison {
	if timingThresholdPct <= 0 {
		timingThresholdPct = DefaultTimingThresholdPct
	}
	var diffs []Difference

	if original.FinalAction != replayed.FinalAction {
		diffs = append(diffs, Difference{
			Type:     DiffDecision,
			Severity: DiffCritical,
			Field:    "final_action",
			Original: string(original.FinalAction),
			Replayed: string(replayed.FinalAction),
		})
	}

	origPolicies := policySet(original)
	replPolicies := policySet(replayed)
	for id, ver := range replPolicies {
		if _, ok := origPolicies[id]; !ok {
			diffs = append(diffs, Difference{
				Type: DiffPolicyApplied, Severity: DiffWarning,
				Field: "policies", Replayed: fmt.Sprintf("%s@v%d", id, ver),
				Detail: "policy evaluated in replay but not in original",
			})
		}
	}
	for id, ver := range origPolicies {
		if _, ok := replPolicies[id]; !ok {
			diffs = append(diffs, Difference{
				Type: DiffPolicyMissing, Severity: DiffWarning,
				Field: "policies", Original: fmt.Sprintf("%s@v%d", id, ver),
				Detail: "policy evaluated in original but not in replay",
			})
		}
	}

	if original.TrustScore.Effective != replayed.TrustScore.Effective {
		diffs = append(diffs, Difference{
			Type: DiffTrustScore, Severity: DiffInfo,
			Field:    "trust_score.effective",
			Original: original.TrustScore.Effective,
			Replayed: replayed.TrustScore.Effective,
		})
	}
	if original.TrustTier != replayed.TrustTier {
		diffs = append(diffs, Difference{
			Type: DiffTrustLevel, Severity: DiffWarning,
			Field:    "trust_tier",
			Original: original.TrustTier.String(),
			Replayed: replayed.TrustTier.String(),
		})
	}

	if original.DurationMS > 0 {
		drift := math.Abs(replayed.DurationMS-original.DurationMS) / original.DurationMS * 100
		if drift > timingThresholdPct {
			diffs = append(diffs, Difference{
				Type: DiffTiming, Severity: DiffWarning,
				Field:    "duration_ms",
				Original: original.DurationMS,
				Replayed: replayed.DurationMS,
				Detail:   fmt.Sprintf("drift %.1f%% exceeds %.1f%%", drift, timingThresholdPct),
			})
		}
	}

	diffs = append(diffs, compareConstraints(original, replayed)...)

	if original.Confidence != replayed.Confidence {
		diffs = append(diffs, Difference{
			Type: DiffMetadata, Severity: DiffInfo,
			Field:    "confidence",
			Original: original.Confidence,
			Replayed: replayed.Confidence,
		})
	}

	match := true
	for _, d := range diffs {
		if d.Severity != DiffInfo {
			match = false
			break
		}
	}
	return Comparison{Match: match, Differences: diffs}
}

func compareConstraints(original, replayed *contracts.Decision) []Difference {
	var diffs []Difference

	origByID := make(map[string]contracts.ConstraintResult, len(original.Constraints))
	for _, c := range original.Constraints {
		origByID[c.ConstraintID] = c
	}
	replByID := make(map[string]contracts.ConstraintResult, len(replayed.Constraints))
	for _, c := range replayed.Constraints {
		replByID[c.ConstraintID] = c
	}

	for id, oc := range origByID {
		rc, ok := replByID[id]
		if !ok {
			diffs = append(diffs, Difference{
				Type: DiffConstraint, Severity: DiffWarning,
				Field: id, Original: oc.Passed,
				Detail: "constraint missing from replay",
			})
			continue
		}
		if oc.Passed != rc.Passed {
			diffs = append(diffs, Difference{
				Type: DiffConstraint, Severity: DiffWarning,
				Field: id, Original: oc.Passed, Replayed: rc.Passed,
				Detail: "constraint outcome flipped",
			})
		}
	}
	for id, rc := range replByID {
		if _, ok := origByID[id]; !ok {
			diffs = append(diffs, Difference{
				Type: DiffConstraint, Severity: DiffWarning,
				Field: id, Replayed: rc.Passed,
				Detail: "constraint absent from original",
			})
		}
	}

	// Same constraint sets but different order is an ordering note only.
	if len(diffs) == 0 && len(original.Constraints) == len(replayed.Constraints) {
		for i := range original.Constraints {
			if original.Constraints[i].ConstraintID != replayed.Constraints[i].ConstraintID {
				diffs = append(diffs, Difference{
					Type: DiffEvaluationOrder, Severity: DiffInfo,
					Field:    "constraints",
					Original: original.Constraints[i].ConstraintID,
					Replayed: replayed.Constraints[i].ConstraintID,
					Detail:   fmt.Sprintf("order differs at index %d", i),
				})
				break
			}
		}
	}
	return diffs
}

func policySet(d *contracts.Decision) map[string]int64 {
	out := make(map[string]int64, len(d.Policies))
	for _, p := range d.Policies {
		out[p.PolicyID] = p.Version
	}
	return out
}
