package kernel

import (
	"context"
	"fmt"

	"github.com/vorion-labs/vorion/core/pkg/contracts"
)

// ScoreCeiling is the hard upper bound on an effective trust score.
const ScoreCeiling = 1000

// tierBands maps effective-score ranges to tiers:
// 0-166 T0, 167-332 T1, 333-499 T2, 500-665 T3, 666-832 T4, 833-1000 T5.
var tierBands = [...]struct {
	upper int
	tier  contracts.TrustTier
}{
	{166, contracts.TierT0},
	{332, contracts.TierT1},
	{499, contracts.TierT2},
	{665, contracts.TierT3},
	{832, contracts.TierT4},
	{ScoreCeiling, contracts.TierT5},
}

// Clamp bounds a raw score into [0, ScoreCeiling].
func Clamp(raw int) int {
	if raw < 0 {
		return 0
	}
	if raw > ScoreCeiling {
		return ScoreCeiling
	}
	return raw
}

// TierForScore derives the tier from an effective score. Pure; the input is
// clamped first so out-of-range values cannot escape the bands.
func TierForScore(effective int) contracts.TrustTier {
	effective = Clamp(effective)
	for _, band := range tierBands {
		if effective <= band.upper {
			return band.tier
		}
	}
	return contracts.TierT5
}

// SetScore applies a raw score value to an entity, clamping to the ceiling
// and persisting both raw and effective. A clamp that changed the value is
// audited; raw above the ceiling is audited at warning severity.
func (k *Kernel) SetScore(ctx context.Context, entity *contracts.Entity, raw int) contracts.TrustScore {
	effective := Clamp(raw)
	score := contracts.TrustScore{Raw: raw, Effective: effective}

	if effective != raw {
		severity := contracts.SeverityInfo
		if raw > ScoreCeiling {
			severity = contracts.SeverityWarning
		}
		k.log.Warn("trust score clamped",
			"entity", entity.ID,
			"raw", raw,
			"effective", effective,
		)
		k.audit(ctx, severity, contracts.OutcomeSuccess, "trust.score.clamped",
			"kernel", entity.ID,
			fmt.Sprintf("raw %d clamped to %d", raw, effective),
			map[string]any{
				"tenant_id": entity.Binding.TenantID,
				"raw":       raw,
				"effective": effective,
			})
	}

	entity.Score = score
	entity.Tier = TierForScore(effective)
	return score
}

// ApplySignal adjusts the entity's raw score by the signal's impact.
// Impact outside [-MaxSignalImpact, MaxSignalImpact] is an invalid argument.
func (k *Kernel) ApplySignal(ctx context.Context, entity *contracts.Entity, sig contracts.TrustSignal) (contracts.TrustScore, error) {
	if sig.Impact < -contracts.MaxSignalImpact || sig.Impact > contracts.MaxSignalImpact {
		return entity.Score, fmt.Errorf("%w: signal impact %d outside [-%d, %d]",
			ErrInvalidArgument, sig.Impact, contracts.MaxSignalImpact, contracts.MaxSignalImpact)
	}
	switch sig.Type {
	case contracts.SignalSuccess, contracts.SignalFailure, contracts.SignalCompliance,
		contracts.SignalViolation, contracts.SignalVerification:
	default:
		return entity.Score, fmt.Errorf("%w: unknown signal type %q", ErrInvalidArgument, sig.Type)
	}

	raw := entity.Score.Raw + sig.Impact
	return k.SetScore(ctx, entity, raw), nil
}
