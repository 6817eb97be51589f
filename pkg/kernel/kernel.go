// Package kernel is the single source of truth for trust facts: score,
// tier, role gates, context bindings, and creation info. All writes pass
// through the kernel; everything downstream treats its outputs as sealed.
package kernel

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vorion-labs/vorion/core/pkg/contracts"
)

// Sentinel errors for kernel fast-fail paths.
var (
	// ErrTenantMismatch is returned for any cross-tenant access attempt,
	// regardless of tier.
	ErrTenantMismatch = errors.New("kernel: tenant mismatch")
	// ErrIntegrityViolation is returned when a sealed record's integrity
	// hash does not verify. Fatal: the request is denied and audited at
	// critical severity.
	ErrIntegrityViolation = errors.New("kernel: integrity hash mismatch")
	// ErrRoleGate is returned for a (role, tier) pair the gate matrix
	// rejects.
	ErrRoleGate = errors.New("kernel: role not permitted at tier")
	// ErrInvalidArgument is returned for out-of-range roles, tiers, or
	// binding types.
	ErrInvalidArgument = errors.New("kernel: invalid argument")
)

// Clock provides authority time for the kernel so tests and replay can pin
// the wall clock.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// AuditTrail receives kernel audit records. The audit sink satisfies this
// directly; Record must be non-blocking.
type AuditTrail interface {
	Record(ctx context.Context, rec contracts.AuditRecord)
}

// nopTrail discards records; used when no sink is wired (tests).
type nopTrail struct{}

func (nopTrail) Record(context.Context, contracts.AuditRecord) {}

// Kernel evaluates and mutates trust facts. Safe for concurrent use: all
// methods are pure functions of their inputs plus the injected clock, and
// audit emission is non-blocking.
type Kernel struct {
	clock Clock
	log   *slog.Logger
	trail AuditTrail
}

// New creates a kernel. Nil logger or trail fall back to slog.Default() and
// a no-op trail.
func New(log *slog.Logger, trail AuditTrail) *Kernel {
	if log == nil {
		log = slog.Default()
	}
	if trail == nil {
		trail = nopTrail{}
	}
	return &Kernel{clock: wallClock{}, log: log, trail: trail}
}

// WithClock overrides the clock for deterministic testing.
func (k *Kernel) WithClock(c Clock) *Kernel {
	k.clock = c
	return k
}

// audit emits a kernel audit record through the trail.
func (k *Kernel) audit(ctx context.Context, severity contracts.AuditSeverity, outcome contracts.AuditOutcome, eventType, actor, target, reason string, meta map[string]any) {
	k.trail.Record(ctx, contracts.AuditRecord{
		ID:        uuid.New().String(),
		TenantID:  tenantFromMeta(meta),
		EventType: eventType,
		Severity:  severity,
		Outcome:   outcome,
		Actor:     actor,
		Target:    target,
		Action:    eventType,
		Reason:    reason,
		Metadata:  meta,
		EventTime: k.clock.Now().UTC(),
	})
}

func tenantFromMeta(meta map[string]any) string {
	if meta == nil {
		return ""
	}
	if t, ok := meta["tenant_id"].(string); ok {
		return t
	}
	return ""
}
