package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vorion-labs/vorion/core/pkg/contracts"
)

// GateRule is a deployment-level override of the role-gate default for a
// (role, tier) pair.
type GateRule struct {
	ID    string              `json:"id"`
	Role  contracts.AgentRole `json:"role"`
	Tier  contracts.TrustTier `json:"tier"`
	Allow bool                `json:"allow"`
	Note  string              `json:"note,omitempty"`
}

// GateException grants or revokes gate access for a single agent, with an
// expiration. Exceptions take precedence over rules.
type GateException struct {
	ID        string              `json:"id"`
	EntityID  string              `json:"entity_id"`
	Role      contracts.AgentRole `json:"role"`
	Tier      contracts.TrustTier `json:"tier"`
	Allow     bool                `json:"allow"`
	ExpiresAt time.Time           `json:"expires_at"`
	Note      string              `json:"note,omitempty"`
}

// BasisPolicyEngine is the mutable policy layer above the fixed gate matrix.
// Precedence: exception > rule > default-allow. The version is bumped on any
// rule or exception change, and every evaluation is appended to the audit
// trail.
type BasisPolicyEngine struct {
	mu         sync.RWMutex
	rules      map[string]GateRule      // keyed by role/tier
	exceptions map[string]GateException // keyed by entity/role/tier
	version    int64
	clock      Clock
	trail      AuditTrail
}

// NewBasisPolicyEngine creates the policy layer with no rules loaded.
func NewBasisPolicyEngine(trail AuditTrail) *BasisPolicyEngine {
	if trail == nil {
		trail = nopTrail{}
	}
	return &BasisPolicyEngine{
		rules:      make(map[string]GateRule),
		exceptions: make(map[string]GateException),
		version:    1,
		clock:      wallClock{},
		trail:      trail,
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *BasisPolicyEngine) WithClock(c Clock) *BasisPolicyEngine {
	e.clock = c
	return e
}

// Version returns the current policy version; bumped on any mutation.
func (e *BasisPolicyEngine) Version() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

func gateKey(role contracts.AgentRole, tier contracts.TrustTier) string {
	return fmt.Sprintf("%s/%s", role, tier)
}

func exceptionKey(entityID string, role contracts.AgentRole, tier contracts.TrustTier) string {
	return fmt.Sprintf("%s/%s/%s", entityID, role, tier)
}

// SetRule installs or replaces a deployment rule and bumps the version.
func (e *BasisPolicyEngine) SetRule(rule GateRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	e.rules[gateKey(rule.Role, rule.Tier)] = rule
	e.version++
}

// RemoveRule deletes a deployment rule; a no-op removal does not bump.
func (e *BasisPolicyEngine) RemoveRule(role contracts.AgentRole, tier contracts.TrustTier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := gateKey(role, tier)
	if _, ok := e.rules[key]; !ok {
		return
	}
	delete(e.rules, key)
	e.version++
}

// SetException installs or replaces a per-agent exception and bumps the
// version.
func (e *BasisPolicyEngine) SetException(ex GateException) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ex.ID == "" {
		ex.ID = uuid.New().String()
	}
	e.exceptions[exceptionKey(ex.EntityID, ex.Role, ex.Tier)] = ex
	e.version++
}

// Evaluate applies the policy layer for an entity's (role, tier) pair.
// Returns whether access is allowed and the deciding source
// ("exception", "rule", or "default"). Expired exceptions are ignored.
func (e *BasisPolicyEngine) Evaluate(ctx context.Context, entity *contracts.Entity, role contracts.AgentRole, tier contracts.TrustTier) (bool, string) {
	e.mu.RLock()
	version := e.version
	allowed, source := e.resolve(entity.ID, role, tier)
	e.mu.RUnlock()

	e.trail.Record(ctx, contracts.AuditRecord{
		ID:        uuid.New().String(),
		TenantID:  entity.Binding.TenantID,
		EventType: "trust.gate.evaluated",
		Severity:  contracts.SeverityInfo,
		Outcome:   outcomeFor(allowed),
		Actor:     "basis-policy",
		Target:    entity.ID,
		Action:    "trust.gate.evaluated",
		Reason:    fmt.Sprintf("%s at %s: %s decided %v", role, tier, source, allowed),
		Metadata: map[string]any{
			"policy_version": version,
			"source":         source,
		},
		EventTime: e.clock.Now().UTC(),
	})
	return allowed, source
}

// resolve applies precedence. Caller holds at least a read lock.
func (e *BasisPolicyEngine) resolve(entityID string, role contracts.AgentRole, tier contracts.TrustTier) (bool, string) {
	if ex, ok := e.exceptions[exceptionKey(entityID, role, tier)]; ok {
		if ex.ExpiresAt.IsZero() || e.clock.Now().Before(ex.ExpiresAt) {
			return ex.Allow, "exception"
		}
	}
	if rule, ok := e.rules[gateKey(role, tier)]; ok {
		return rule.Allow, "rule"
	}
	return true, "default"
}

func outcomeFor(allowed bool) contracts.AuditOutcome {
	if allowed {
		return contracts.OutcomeSuccess
	}
	return contracts.OutcomeFailure
}

// Gate runs the full two-layer check: the fixed matrix first (fail-fast),
// then the policy layer.
func (k *Kernel) Gate(ctx context.Context, engine *BasisPolicyEngine, entity *contracts.Entity) error {
	if err := CheckRoleGate(entity.Role, entity.Tier); err != nil {
		return err
	}
	if engine == nil {
		return nil
	}
	allowed, source := engine.Evaluate(ctx, entity, entity.Role, entity.Tier)
	if !allowed {
		return fmt.Errorf("%w: policy layer (%s) rejected %s at %s",
			ErrRoleGate, source, entity.Role, entity.Tier)
	}
	return nil
}
