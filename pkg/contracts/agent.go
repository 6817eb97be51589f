package contracts

import "time"

// EntityType classifies the principal behind an intent.
type EntityType string

const (
	EntityAgent   EntityType = "agent"
	EntityUser    EntityType = "user"
	EntityService EntityType = "service"
	EntitySystem  EntityType = "system"
)

// TrustTier is the banded trust posture T0..T5 derived from the effective
// score. Derivation lives in the kernel; the tier here is just the label.
type TrustTier int

const (
	TierT0 TrustTier = iota
	TierT1
	TierT2
	TierT3
	TierT4
	TierT5
)

// String renders the tier as "T0".."T5".
func (t TrustTier) String() string {
	if t < TierT0 || t > TierT5 {
		return "T?"
	}
	return [...]string{"T0", "T1", "T2", "T3", "T4", "T5"}[t]
}

// AgentRole is the autonomy level R-L0..R-L8. Paired with a tier it is
// validated against the kernel's role-gate matrix.
type AgentRole int

const (
	RoleL0 AgentRole = iota
	RoleL1
	RoleL2
	RoleL3
	RoleL4
	RoleL5
	RoleL6
	RoleL7
	RoleL8
)

// String renders the role as "R-L0".."R-L8".
func (r AgentRole) String() string {
	if r < RoleL0 || r > RoleL8 {
		return "R-L?"
	}
	return [...]string{"R-L0", "R-L1", "R-L2", "R-L3", "R-L4", "R-L5", "R-L6", "R-L7", "R-L8"}[r]
}

// TrustScore carries both the unbounded raw value (analytics) and the
// kernel-clamped effective value (policy input). Effective is always in
// [0, 1000].
type TrustScore struct {
	Raw       int `json:"raw"`
	Effective int `json:"effective"`
}

// CreationType records how an agent identity came to exist. Permanently
// baked in at instantiation.
type CreationType string

const (
	CreationFresh    CreationType = "FRESH"
	CreationCloned   CreationType = "CLONED"
	CreationEvolved  CreationType = "EVOLVED"
	CreationPromoted CreationType = "PROMOTED"
	CreationImported CreationType = "IMPORTED"
)

// CreationInfo is sealed at instantiation. Any change of creation type
// requires a new agent identity plus a migration audit entry; the integrity
// hash is verified on read.
type CreationInfo struct {
	Type          CreationType `json:"type"`
	ParentID      string       `json:"parent_id,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	Modifier      int          `json:"modifier"`
	IntegrityHash string       `json:"integrity_hash"`
}

// BindingType scopes an agent's context. Hierarchy LOCAL < ENTERPRISE <
// SOVEREIGN; cross-tenant access is rejected regardless of tier.
type BindingType string

const (
	BindingLocal      BindingType = "LOCAL"
	BindingEnterprise BindingType = "ENTERPRISE"
	BindingSovereign  BindingType = "SOVEREIGN"
)

// Rank orders binding types for hierarchy checks; unknown types rank lowest.
func (b BindingType) Rank() int {
	switch b {
	case BindingLocal:
		return 0
	case BindingEnterprise:
		return 1
	case BindingSovereign:
		return 2
	default:
		return -1
	}
}

// ContextBinding is the sealed scope under which an agent operates for its
// entire lifetime. Created once; the integrity hash is recomputed and
// compared on every read-validate.
type ContextBinding struct {
	Type          BindingType `json:"type"`
	TenantID      string      `json:"tenant_id"`
	MaxTier       TrustTier   `json:"max_tier"`
	IntegrityHash string      `json:"integrity_hash"`
	SealedAt      time.Time   `json:"sealed_at"`
}

// Entity is an agent, user, service, or system principal together with its
// current trust posture and sealed identity facts.
type Entity struct {
	ID       string         `json:"id"`
	Type     EntityType     `json:"type"`
	Score    TrustScore     `json:"score"`
	Tier     TrustTier      `json:"tier"`
	Role     AgentRole      `json:"role"`
	Binding  ContextBinding `json:"binding"`
	Creation CreationInfo   `json:"creation"`
}

// MigrationRecord links an old agent identity to its replacement when a
// sealed fact (creation type) had to change.
type MigrationRecord struct {
	ID         string    `json:"id"`
	FromID     string    `json:"from_id"`
	ToID       string    `json:"to_id"`
	Reason     string    `json:"reason"`
	MigratedAt time.Time `json:"migrated_at"`
}
