package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/vorion-labs/vorion/core/pkg/canonicalize"
	"github.com/vorion-labs/vorion/core/pkg/contracts"
)

// bindingDigest is the canonical form hashed into a binding's integrity
// hash. The hash covers tenant, type, tier ceiling, and seal time; any later
// divergence in those fields fails verification.
type bindingDigest struct {
	TenantID string `json:"tenant_id"`
	Type     string `json:"type"`
	MaxTier  int    `json:"max_tier"`
	SealedAt string `json:"sealed_at"`
}

func bindingHash(b contracts.ContextBinding) (string, error) {
	return canonicalize.CanonicalHash(bindingDigest{
		TenantID: b.TenantID,
		Type:     string(b.Type),
		MaxTier:  int(b.MaxTier),
		SealedAt: b.SealedAt.UTC().Format(time.RFC3339Nano),
	})
}

// maxTierForBinding is the tier ceiling each binding type grants.
var maxTierForBinding = map[contracts.BindingType]contracts.TrustTier{
	contracts.BindingLocal:      contracts.TierT3,
	contracts.BindingEnterprise: contracts.TierT4,
	contracts.BindingSovereign:  contracts.TierT5,
}

// CreateAgentContext produces a sealed context binding for a tenant. The
// binding is created once; mutation is expressed only as a new agent
// identity with a migration record.
func (k *Kernel) CreateAgentContext(ctx context.Context, tenantID string, bindingType contracts.BindingType) (contracts.ContextBinding, error) {
	maxTier, ok := maxTierForBinding[bindingType]
	if !ok {
		return contracts.ContextBinding{}, fmt.Errorf("%w: unknown binding type %q", ErrInvalidArgument, bindingType)
	}
	if tenantID == "" {
		return contracts.ContextBinding{}, fmt.Errorf("%w: empty tenant id", ErrInvalidArgument)
	}

	binding := contracts.ContextBinding{
		Type:     bindingType,
		TenantID: tenantID,
		MaxTier:  maxTier,
		SealedAt: k.clock.Now().UTC(),
	}
	hash, err := bindingHash(binding)
	if err != nil {
		return contracts.ContextBinding{}, fmt.Errorf("kernel: seal binding: %w", err)
	}
	binding.IntegrityHash = hash
	return binding, nil
}

// VerifyContextIntegrity recomputes the binding's integrity hash and
// compares. A mismatch is fatal: the caller must abort the request, and a
// critical audit record is written here.
func (k *Kernel) VerifyContextIntegrity(ctx context.Context, binding contracts.ContextBinding) error {
	hash, err := bindingHash(binding)
	if err != nil {
		return fmt.Errorf("kernel: verify binding: %w", err)
	}
	if hash != binding.IntegrityHash {
		k.log.Error("context binding integrity mismatch",
			"tenant", binding.TenantID,
			"expected", binding.IntegrityHash,
			"computed", hash,
		)
		k.audit(ctx, contracts.SeverityCritical, contracts.OutcomeFailure,
			"trust.context.integrity_mismatch", "kernel", binding.TenantID,
			"sealed context binding hash does not verify",
			map[string]any{"tenant_id": binding.TenantID})
		return ErrIntegrityViolation
	}
	return nil
}

// ValidateOperationInContext enforces the binding hierarchy: an operation
// requiring scope S is permitted when the current binding's scope is >= S
// (LOCAL operations run under ENTERPRISE or SOVEREIGN bindings, never the
// reverse). Cross-tenant access is rejected unconditionally.
func (k *Kernel) ValidateOperationInContext(ctx context.Context, current contracts.ContextBinding, requestedTenant string, requestedScope contracts.BindingType) error {
	if requestedTenant != current.TenantID {
		k.audit(ctx, contracts.SeverityCritical, contracts.OutcomeFailure,
			"trust.context.tenant_mismatch", "kernel", requestedTenant,
			fmt.Sprintf("entity bound to tenant %s received claim for tenant %s", current.TenantID, requestedTenant),
			map[string]any{"tenant_id": current.TenantID, "claimed_tenant": requestedTenant})
		return ErrTenantMismatch
	}
	reqRank := requestedScope.Rank()
	if reqRank < 0 {
		return fmt.Errorf("%w: unknown binding type %q", ErrInvalidArgument, requestedScope)
	}
	if current.Type.Rank() < reqRank {
		return fmt.Errorf("%w: operation requires %s scope, binding is %s",
			ErrRoleGate, requestedScope, current.Type)
	}
	return nil
}
