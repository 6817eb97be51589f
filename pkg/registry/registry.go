// Package registry is the source of truth for active policies. Policy
// documents are versioned and checksummed, activated as whole per-tenant
// sets in one atomic swap, and gated on a supported schema-version range.
// Activating a set invalidates the tenant's cached decisions.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/vorion-labs/vorion/core/pkg/canonicalize"
	"github.com/vorion-labs/vorion/core/pkg/contracts"
)

var (
	ErrPolicyNotFound   = errors.New("registry: policy not found")
	ErrTenantNotFound   = errors.New("registry: tenant has no active policy set")
	ErrChecksumMismatch = errors.New("registry: checksum mismatch")
	ErrVersionRegress   = errors.New("registry: policy version regressed")
	ErrSchemaVersion    = errors.New("registry: unsupported schema version")
)

// DefaultSchemaRange is the schema-version constraint accepted without
// explicit configuration.
const DefaultSchemaRange = ">=1.0.0 <2.0.0"

// defaultSchemaVersion is assumed for documents that omit schema_version.
const defaultSchemaVersion = "1.0.0"

// CacheInvalidator drops a tenant's cached decisions after a set swap.
// *cache.Cache satisfies it.
type CacheInvalidator interface {
	InvalidateTenant(ctx context.Context, tenantID string) int
}

// policySet is an immutable activated set. Lookups hold the registry lock
// only long enough to fetch the pointer.
type policySet struct {
	setVersion int64
	policies   []contracts.Policy
	byID       map[string]contracts.Policy
	activated  time.Time
}

// Registry holds the active policy set per tenant.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*policySet

	schema      *semver.Constraints
	invalidator CacheInvalidator
	log         *slog.Logger
	now         func() time.Time
}

// Options configures the registry.
type Options struct {
	// SchemaRange constrains accepted policy schema versions. Defaults to
	// DefaultSchemaRange.
	SchemaRange string
	// Invalidator is notified after each activation. Optional.
	Invalidator CacheInvalidator
	Logger      *slog.Logger
}

// New builds a registry.
func New(opts Options) (*Registry, error) {
	rng := opts.SchemaRange
	if rng == "" {
		rng = DefaultSchemaRange
	}
	schema, err := semver.NewConstraint(rng)
	if err != nil {
		return nil, fmt.Errorf("registry: parse schema range %q: %w", rng, err)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		tenants:     make(map[string]*policySet),
		schema:      schema,
		invalidator: opts.Invalidator,
		log:         log,
		now:         time.Now,
	}, nil
}

// WithClock overrides the clock for deterministic tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Checksum computes the canonical content hash of a policy document. The
// checksum field itself and the update timestamp are excluded.
func Checksum(p contracts.Policy) (string, error) {
	p.Checksum = ""
	p.UpdatedAt = time.Time{}
	return canonicalize.CanonicalHash(p)
}

// Activate validates and swaps in a tenant's whole policy set. The previous
// set stays active until the swap, so readers never observe a partial set.
// Cached decisions for the tenant are invalidated after the swap.
func (r *Registry) Activate(ctx context.Context, tenantID string, policies []contracts.Policy) error {
	if tenantID == "" {
		return fmt.Errorf("registry: tenant id is required")
	}

	now := r.now()
	next := &policySet{
		policies:  make([]contracts.Policy, 0, len(policies)),
		byID:      make(map[string]contracts.Policy, len(policies)),
		activated: now,
	}

	r.mu.RLock()
	prev := r.tenants[tenantID]
	r.mu.RUnlock()

	for _, p := range policies {
		if p.ID == "" {
			return fmt.Errorf("registry: policy without id in set for tenant %s", tenantID)
		}
		if _, dup := next.byID[p.ID]; dup {
			return fmt.Errorf("registry: duplicate policy id %s in set", p.ID)
		}
		if err := r.checkSchema(p); err != nil {
			return err
		}

		sum, err := Checksum(p)
		if err != nil {
			return fmt.Errorf("registry: checksum policy %s: %w", p.ID, err)
		}
		if p.Checksum != "" && p.Checksum != sum {
			return fmt.Errorf("%w: policy %s declared %s computed %s",
				ErrChecksumMismatch, p.ID, p.Checksum, sum)
		}
		p.Checksum = sum
		p.UpdatedAt = now

		if prev != nil {
			if old, ok := prev.byID[p.ID]; ok {
				if p.Version < old.Version {
					return fmt.Errorf("%w: policy %s v%d after v%d",
						ErrVersionRegress, p.ID, p.Version, old.Version)
				}
				if p.Version == old.Version && sum != old.Checksum {
					return fmt.Errorf("%w: policy %s changed without a version bump",
						ErrVersionRegress, p.ID)
				}
			}
		}

		next.policies = append(next.policies, p)
		next.byID[p.ID] = p
	}

	r.mu.Lock()
	if cur := r.tenants[tenantID]; cur != nil {
		next.setVersion = cur.setVersion + 1
	} else {
		next.setVersion = 1
	}
	r.tenants[tenantID] = next
	r.mu.Unlock()

	dropped := 0
	if r.invalidator != nil {
		dropped = r.invalidator.InvalidateTenant(ctx, tenantID)
	}
	r.log.Info("policy set activated",
		"tenant", tenantID,
		"set_version", next.setVersion,
		"policies", len(next.policies),
		"cache_dropped", dropped,
	)
	return nil
}

// Deactivate removes a tenant's policy set and invalidates its cache.
func (r *Registry) Deactivate(ctx context.Context, tenantID string) error {
	r.mu.Lock()
	_, ok := r.tenants[tenantID]
	delete(r.tenants, tenantID)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	if r.invalidator != nil {
		r.invalidator.InvalidateTenant(ctx, tenantID)
	}
	r.log.Info("policy set deactivated", "tenant", tenantID)
	return nil
}

// Policies returns the tenant's full active set.
func (r *Registry) Policies(tenantID string) ([]contracts.Policy, error) {
	set, err := r.set(tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]contracts.Policy, len(set.policies))
	copy(out, set.policies)
	return out, nil
}

// PoliciesFor returns the tenant's policies whose target covers the given
// intent type and trust tier, in activation order.
func (r *Registry) PoliciesFor(tenantID, intentType string, tier contracts.TrustTier) ([]contracts.Policy, error) {
	set, err := r.set(tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]contracts.Policy, 0, len(set.policies))
	for _, p := range set.policies {
		if p.Target.Matches(intentType, tier) {
			out = append(out, p)
		}
	}
	return out, nil
}

// Get fetches one policy by id.
func (r *Registry) Get(tenantID, policyID string) (contracts.Policy, error) {
	set, err := r.set(tenantID)
	if err != nil {
		return contracts.Policy{}, err
	}
	p, ok := set.byID[policyID]
	if !ok {
		return contracts.Policy{}, fmt.Errorf("%w: %s", ErrPolicyNotFound, policyID)
	}
	return p, nil
}

// SetVersion reports the tenant's current set version; 0 when no set is
// active.
func (r *Registry) SetVersion(tenantID string) int64 {
	set, err := r.set(tenantID)
	if err != nil {
		return 0
	}
	return set.setVersion
}

func (r *Registry) set(tenantID string) (*policySet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	return set, nil
}

func (r *Registry) checkSchema(p contracts.Policy) error {
	sv := p.SchemaVersion
	if sv == "" {
		sv = defaultSchemaVersion
	}
	v, err := semver.NewVersion(sv)
	if err != nil {
		return fmt.Errorf("%w: policy %s schema %q: %v", ErrSchemaVersion, p.ID, sv, err)
	}
	if !r.schema.Check(v) {
		return fmt.Errorf("%w: policy %s schema %s outside %s",
			ErrSchemaVersion, p.ID, sv, r.schema)
	}
	return nil
}
