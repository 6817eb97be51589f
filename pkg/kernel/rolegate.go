package kernel

import (
	"fmt"

	"github.com/vorion-labs/vorion/core/pkg/contracts"
)

// roleGateMatrix is the fixed 9x6 (role x tier) gate. Read-only after init;
// the mutable per-deployment layer lives in BasisPolicyEngine. Higher
// autonomy roles demand higher trust tiers.
//
//	            T0     T1     T2     T3     T4     T5
var roleGateMatrix = [9][6]bool{
	/* R-L0 */ {true, true, true, true, true, true},
	/* R-L1 */ {true, true, true, true, true, true},
	/* R-L2 */ {false, true, true, true, true, true},
	/* R-L3 */ {false, true, true, true, true, true},
	/* R-L4 */ {false, false, true, true, true, true},
	/* R-L5 */ {false, false, false, true, true, true},
	/* R-L6 */ {false, false, false, false, true, true},
	/* R-L7 */ {false, false, false, false, true, true},
	/* R-L8 */ {false, false, false, false, false, true},
}

// CheckRoleGate validates a (role, tier) pair against the fixed matrix.
// O(1), fail-fast: out-of-range arguments are invalid, a false cell is
// ErrRoleGate. The policy layer runs only after this passes.
func CheckRoleGate(role contracts.AgentRole, tier contracts.TrustTier) error {
	if role < contracts.RoleL0 || role > contracts.RoleL8 {
		return fmt.Errorf("%w: role %d out of range", ErrInvalidArgument, role)
	}
	if tier < contracts.TierT0 || tier > contracts.TierT5 {
		return fmt.Errorf("%w: tier %d out of range", ErrInvalidArgument, tier)
	}
	if !roleGateMatrix[role][tier] {
		return fmt.Errorf("%w: %s requires a higher tier than %s", ErrRoleGate, role, tier)
	}
	return nil
}
