package enforce

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vorion-labs/vorion/core/pkg/contracts"
	"github.com/vorion-labs/vorion/core/pkg/metrics"
)

// EscalationAuditor receives an audit record for every escalation event:
// creation and each status transition. *audit.Sink satisfies it.
type EscalationAuditor interface {
	RecordEscalation(ctx context.Context, d contracts.Decision, esc contracts.EscalationRecord)
}

// ErrEscalationNotFound is returned for unknown escalation ids.
var ErrEscalationNotFound = fmt.Errorf("enforce: escalation not found")

// pendingEscalation is one open escalation awaiting resolution.
type pendingEscalation struct {
	decision contracts.Decision
	record   contracts.EscalationRecord
	deadline time.Time // zero when the rule has no timeout
	priority string
}

// Manager owns the escalation state machine: pending is the only non-terminal
// state, and a status transition is the only mutation a decision permits.
// Every transition writes an audit record.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*pendingEscalation

	auditor EscalationAuditor
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time

	sweepEvery time.Duration
	stop       chan struct{}
	done       chan struct{}
}

// NewManager builds a manager and starts its timeout sweeper. Call Close on
// shutdown.
func NewManager(auditor EscalationAuditor, m *metrics.Metrics, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.NewTest()
	}
	mgr := &Manager{
		pending:    make(map[string]*pendingEscalation),
		auditor:    auditor,
		metrics:    m,
		log:        log,
		now:        time.Now,
		sweepEvery: time.Second,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go mgr.sweepLoop()
	return mgr
}

// WithClock overrides the clock for deterministic tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Open registers a newly created escalation as pending and audits it.
func (m *Manager) Open(ctx context.Context, d contracts.Decision, esc contracts.EscalationRecord, rulePriority int) {
	label := escalationPriorityLabel(rulePriority)
	p := &pendingEscalation{
		decision: d,
		record:   esc,
		priority: label,
	}
	if esc.Timeout > 0 {
		p.deadline = esc.CreatedAt.Add(esc.Timeout)
	}

	m.mu.Lock()
	m.pending[esc.ID] = p
	m.mu.Unlock()

	m.metrics.EscalationsTotal.WithLabelValues(d.TenantID, esc.RuleID, label).Inc()
	m.metrics.ActiveEscalations.WithLabelValues(d.TenantID, label).Inc()
	if m.auditor != nil {
		m.auditor.RecordEscalation(ctx, d, esc)
	}
}

// Resolve transitions a pending escalation to a terminal status. Transitions
// out of a terminal status, or to a non-terminal one, are invalid.
func (m *Manager) Resolve(ctx context.Context, id string, status contracts.EscalationStatus, resolvedBy string) (contracts.EscalationRecord, error) {
	if !status.Terminal() {
		return contracts.EscalationRecord{}, fmt.Errorf("enforce: escalation %s: target status %q is not terminal", id, status)
	}

	m.mu.Lock()
	p, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return contracts.EscalationRecord{}, fmt.Errorf("%w: %s", ErrEscalationNotFound, id)
	}
	delete(m.pending, id)
	p.record.Status = status
	p.record.ResolvedAt = m.now()
	p.record.ResolvedBy = resolvedBy
	record, decision, priority := p.record, p.decision, p.priority
	m.mu.Unlock()

	m.metrics.ActiveEscalations.WithLabelValues(decision.TenantID, priority).Dec()
	if m.auditor != nil {
		m.auditor.RecordEscalation(ctx, decision, record)
	}
	m.log.Info("escalation resolved",
		"escalation_id", record.ID,
		"tenant_id", decision.TenantID,
		"status", string(status),
		"resolved_by", resolvedBy,
	)
	return record, nil
}

// Get returns a pending escalation record.
func (m *Manager) Get(id string) (contracts.EscalationRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[id]
	if !ok {
		return contracts.EscalationRecord{}, false
	}
	return p.record, true
}

// PendingCount reports open escalations.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// SweepTimeouts transitions every overdue pending escalation to timeout.
// Exported so tests can drive it without waiting on the ticker.
func (m *Manager) SweepTimeouts(ctx context.Context) int {
	now := m.now()

	m.mu.Lock()
	var overdue []string
	for id, p := range m.pending {
		if !p.deadline.IsZero() && !now.Before(p.deadline) {
			overdue = append(overdue, id)
		}
	}
	m.mu.Unlock()

	for _, id := range overdue {
		if _, err := m.Resolve(ctx, id, contracts.EscalationTimedOut, "system"); err == nil {
			m.log.Warn("escalation timed out", "escalation_id", id)
		}
	}
	return len(overdue)
}

// Close stops the timeout sweeper.
func (m *Manager) Close() {
	close(m.stop)
	<-m.done
}

func (m *Manager) sweepLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.SweepTimeouts(context.Background())
		}
	}
}
