package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vorion-labs/vorion/core/pkg/canonicalize"
	"github.com/vorion-labs/vorion/core/pkg/contracts"
)

// creationModifiers maps each creation type to its score adjustment,
// applied once at instantiation: initial effective = clamp(baseline + mod).
var creationModifiers = map[contracts.CreationType]int{
	contracts.CreationFresh:    0,
	contracts.CreationCloned:   -50,
	contracts.CreationEvolved:  25,
	contracts.CreationPromoted: 50,
	contracts.CreationImported: -100,
}

// CreationModifier returns the score modifier for a creation type.
func CreationModifier(t contracts.CreationType) (int, error) {
	mod, ok := creationModifiers[t]
	if !ok {
		return 0, fmt.Errorf("%w: unknown creation type %q", ErrInvalidArgument, t)
	}
	return mod, nil
}

type creationDigest struct {
	Type      string `json:"type"`
	ParentID  string `json:"parent_id"`
	CreatedAt string `json:"created_at"`
	Modifier  int    `json:"modifier"`
}

func creationHash(ci contracts.CreationInfo) (string, error) {
	return canonicalize.CanonicalHash(creationDigest{
		Type:      string(ci.Type),
		ParentID:  ci.ParentID,
		CreatedAt: ci.CreatedAt.UTC().Format(time.RFC3339Nano),
		Modifier:  ci.Modifier,
	})
}

// NewAgent instantiates an agent identity: sealed creation info, sealed
// context binding, and an initial score of clamp(baseline + modifier).
func (k *Kernel) NewAgent(ctx context.Context, tenantID string, entityType contracts.EntityType, role contracts.AgentRole, bindingType contracts.BindingType, creationType contracts.CreationType, parentID string, baseline int) (*contracts.Entity, error) {
	mod, err := CreationModifier(creationType)
	if err != nil {
		return nil, err
	}
	if (creationType == contracts.CreationCloned || creationType == contracts.CreationEvolved) && parentID == "" {
		return nil, fmt.Errorf("%w: creation type %s requires a parent id", ErrInvalidArgument, creationType)
	}

	binding, err := k.CreateAgentContext(ctx, tenantID, bindingType)
	if err != nil {
		return nil, err
	}

	creation := contracts.CreationInfo{
		Type:      creationType,
		ParentID:  parentID,
		CreatedAt: k.clock.Now().UTC(),
		Modifier:  mod,
	}
	hash, err := creationHash(creation)
	if err != nil {
		return nil, fmt.Errorf("kernel: seal creation info: %w", err)
	}
	creation.IntegrityHash = hash

	entity := &contracts.Entity{
		ID:       uuid.New().String(),
		Type:     entityType,
		Role:     role,
		Binding:  binding,
		Creation: creation,
	}
	k.SetScore(ctx, entity, baseline+mod)

	if err := CheckRoleGate(entity.Role, entity.Tier); err != nil {
		return nil, err
	}
	return entity, nil
}

// VerifyCreationIntegrity recomputes the sealed creation hash. A mismatch is
// fatal and audited at critical severity.
func (k *Kernel) VerifyCreationIntegrity(ctx context.Context, entity *contracts.Entity) error {
	hash, err := creationHash(entity.Creation)
	if err != nil {
		return fmt.Errorf("kernel: verify creation info: %w", err)
	}
	if hash != entity.Creation.IntegrityHash {
		k.audit(ctx, contracts.SeverityCritical, contracts.OutcomeFailure,
			"trust.creation.integrity_mismatch", "kernel", entity.ID,
			"sealed creation info hash does not verify",
			map[string]any{"tenant_id": entity.Binding.TenantID, "entity_id": entity.ID})
		return ErrIntegrityViolation
	}
	return nil
}

// MigrateCreationType produces a new agent identity with the requested
// creation type and writes a migration record linking old to new. The old
// identity is untouched; sealed facts never mutate in place.
func (k *Kernel) MigrateCreationType(ctx context.Context, old *contracts.Entity, newType contracts.CreationType, reason string) (*contracts.Entity, *contracts.MigrationRecord, error) {
	if err := k.VerifyCreationIntegrity(ctx, old); err != nil {
		return nil, nil, err
	}
	if newType == old.Creation.Type {
		return nil, nil, fmt.Errorf("%w: creation type already %s", ErrInvalidArgument, newType)
	}

	replacement, err := k.NewAgent(ctx, old.Binding.TenantID, old.Type, old.Role,
		old.Binding.Type, newType, old.ID, old.Score.Raw)
	if err != nil {
		return nil, nil, err
	}

	record := &contracts.MigrationRecord{
		ID:         uuid.New().String(),
		FromID:     old.ID,
		ToID:       replacement.ID,
		Reason:     reason,
		MigratedAt: k.clock.Now().UTC(),
	}
	k.audit(ctx, contracts.SeverityInfo, contracts.OutcomeSuccess,
		"trust.agent.migrated", "kernel", replacement.ID,
		fmt.Sprintf("creation type %s -> %s: %s", old.Creation.Type, newType, reason),
		map[string]any{
			"tenant_id": old.Binding.TenantID,
			"from_id":   old.ID,
			"to_id":     replacement.ID,
		})
	return replacement, record, nil
}
