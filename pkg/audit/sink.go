package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vorion-labs/vorion/core/pkg/contracts"
	"github.com/vorion-labs/vorion/core/pkg/metrics"
	"github.com/vorion-labs/vorion/core/pkg/resiliency"
)

const (
	// DefaultBufferCeiling is the hard cap on buffered records; beyond it
	// the oldest buffered record is dropped.
	DefaultBufferCeiling = 10000
	// DefaultFlushInterval is the time trigger for a flush.
	DefaultFlushInterval = time.Second
	// DefaultBatchSize is the size trigger and per-flush batch cap.
	DefaultBatchSize = 100
	// DefaultShutdownAttempts bounds drain flushes during shutdown.
	DefaultShutdownAttempts = 5
)

// Options tunes a Sink. Zero values take the defaults.
type Options struct {
	BufferCeiling    int
	FlushInterval    time.Duration
	BatchSize        int
	ShutdownAttempts int
	Metrics          *metrics.Metrics
	Logger           *slog.Logger
}

// tenantChain tracks the chain head for one tenant.
type tenantChain struct {
	seq    uint64
	head   string
	seeded bool
}

// Sink is the write-behind audit buffer. Record and its helpers are
// non-blocking: the request path pays enqueue cost only. A background loop
// flushes batches on a timer or when the buffer crosses the batch size,
// with persistence behind a circuit breaker.
type Sink struct {
	store   Store
	opts    Options
	breaker *resiliency.Breaker
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	buffer []contracts.AuditRecord

	chainMu sync.Mutex
	chains  map[string]*tenantChain

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewSink builds a sink over a store and starts its flush loop. Call
// Shutdown to drain.
func NewSink(store Store, opts Options) *Sink {
	if opts.BufferCeiling <= 0 {
		opts.BufferCeiling = DefaultBufferCeiling
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.ShutdownAttempts <= 0 {
		opts.ShutdownAttempts = DefaultShutdownAttempts
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewTest()
	}
	s := &Sink{
		store:   store,
		opts:    opts,
		breaker: resiliency.New("audit-persist", resiliency.DefaultConfig(), opts.Logger),
		metrics: opts.Metrics,
		log:     opts.Logger,
		now:     time.Now,
		chains:  make(map[string]*tenantChain),
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// WithClock overrides the clock for deterministic tests.
func (s *Sink) WithClock(now func() time.Time) *Sink {
	s.now = now
	return s
}

// Record enqueues one record. Satisfies the kernel's audit trail. The
// request path pays enqueue cost only: chain fields are stamped on the
// flush side, where the single consumer also seeds chains from the store.
func (s *Sink) Record(ctx context.Context, rec contracts.AuditRecord) {
	now := s.now()
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.EventTime.IsZero() {
		rec.EventTime = now
	}
	rec.RecordedAt = now
	rec.RecordHash = ""

	s.enqueue(rec)
}

// RecordDecision enqueues the audit record for one emitted decision.
func (s *Sink) RecordDecision(ctx context.Context, d contracts.Decision) {
	outcome := contracts.OutcomeSuccess
	severity := contracts.SeverityInfo
	if d.FinalAction == contracts.ActionDeny || d.FinalAction == contracts.ActionTerminate {
		outcome = contracts.OutcomeFailure
		severity = contracts.SeverityWarning
	}
	s.Record(ctx, contracts.AuditRecord{
		TenantID:  d.TenantID,
		EventType: "enforce.decision",
		Severity:  severity,
		Outcome:   outcome,
		Actor:     "enforcement-engine",
		Target:    d.IntentID,
		Action:    string(d.FinalAction),
		Reason:    d.Reason,
		Metadata: map[string]any{
			"decision_id": d.ID,
			"confidence":  d.Confidence,
			"cached":      d.Cached,
			"fallback":    d.Fallback,
			"duration_ms": d.DurationMS,
			"trace_id":    d.TraceID,
		},
		EventTime: d.DecidedAt,
	})
}

// RecordEscalation enqueues the audit record for an escalation event,
// creation and every status transition alike.
func (s *Sink) RecordEscalation(ctx context.Context, d contracts.Decision, esc contracts.EscalationRecord) {
	s.Record(ctx, contracts.AuditRecord{
		TenantID:  d.TenantID,
		EventType: "enforce.escalation." + string(esc.Status),
		Severity:  contracts.SeverityWarning,
		Outcome:   contracts.OutcomePartial,
		Actor:     "enforcement-engine",
		Target:    d.IntentID,
		Action:    string(contracts.ActionEscalate),
		Reason:    esc.Reason,
		Metadata: map[string]any{
			"escalation_id": esc.ID,
			"rule_id":       esc.RuleID,
			"escalate_to":   esc.EscalateTo,
			"status":        string(esc.Status),
			"resolved_by":   esc.ResolvedBy,
		},
	})
}

// stampBatch assigns chain fields to every unstamped record in the batch,
// in buffer order. Re-queued records keep their stamps.
func (s *Sink) stampBatch(ctx context.Context, batch []contracts.AuditRecord) error {
	s.chainMu.Lock()
	defer s.chainMu.Unlock()
	for i := range batch {
		if batch[i].RecordHash != "" {
			continue
		}
		if err := s.stampLocked(ctx, &batch[i]); err != nil {
			return err
		}
	}
	return nil
}

// stampLocked assigns sequence number, previous hash, and record hash,
// seeding from the store on the tenant's first record. Caller holds chainMu.
func (s *Sink) stampLocked(ctx context.Context, rec *contracts.AuditRecord) error {
	chain, ok := s.chains[rec.TenantID]
	if !ok {
		chain = &tenantChain{}
		s.chains[rec.TenantID] = chain
	}
	if !chain.seeded {
		last, err := s.store.LastRecord(ctx, rec.TenantID)
		if err != nil {
			return fmt.Errorf("seed chain: %w", err)
		}
		if last != nil {
			chain.seq = last.SequenceNumber
			chain.head = last.RecordHash
		}
		chain.seeded = true
	}

	rec.SequenceNumber = chain.seq + 1
	rec.PreviousHash = chain.head
	hash, err := RecordHash(*rec)
	if err != nil {
		return err
	}
	rec.RecordHash = hash

	chain.seq = rec.SequenceNumber
	chain.head = rec.RecordHash
	return nil
}

// enqueue pushes onto the buffer, dropping the oldest record past the
// ceiling, and kicks the flusher when the batch size is crossed.
func (s *Sink) enqueue(rec contracts.AuditRecord) {
	s.mu.Lock()
	s.buffer = append(s.buffer, rec)
	if len(s.buffer) > s.opts.BufferCeiling {
		dropped := s.buffer[0]
		s.buffer = s.buffer[1:]
		s.metrics.AuditDropped.Inc()
		s.log.Warn("audit buffer full, dropped oldest record",
			"tenant_id", dropped.TenantID, "sequence", dropped.SequenceNumber)
	}
	crossed := len(s.buffer) >= s.opts.BatchSize
	s.mu.Unlock()

	if crossed {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

func (s *Sink) flushLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Flush(context.Background())
		case <-s.kick:
			s.Flush(context.Background())
		}
	}
}

// Flush stamps and persists up to one batch. On failure the batch is
// re-queued at the head unless that would exceed the ceiling.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return nil
	}
	n := min(len(s.buffer), s.opts.BatchSize)
	batch := make([]contracts.AuditRecord, n)
	copy(batch, s.buffer[:n])
	s.buffer = s.buffer[n:]
	s.mu.Unlock()

	err := s.stampBatch(ctx, batch)
	if err == nil {
		err = s.breaker.Do(ctx, func(ctx context.Context) error {
			return s.store.Persist(ctx, batch)
		})
	}
	if err == nil {
		return nil
	}

	s.requeue(batch, err)
	return fmt.Errorf("audit: flush: %w", err)
}

// requeue puts a failed batch back at the buffer head for the next attempt.
func (s *Sink) requeue(batch []contracts.AuditRecord, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffer)+len(batch) <= s.opts.BufferCeiling {
		s.buffer = append(batch, s.buffer...)
		return
	}
	for range batch {
		s.metrics.AuditDropped.Inc()
	}
	s.log.Error("audit flush failed and re-queue would exceed ceiling, dropping batch",
		"batch_size", len(batch), "error", cause)
}

// Shutdown stops the flush loop and drains with bounded attempts. Remaining
// records are logged at error severity.
func (s *Sink) Shutdown(ctx context.Context) error {
	close(s.stop)
	<-s.done

	var lastErr error
	for attempt := 0; attempt < s.opts.ShutdownAttempts; attempt++ {
		if s.Pending() == 0 {
			return nil
		}
		if err := s.Flush(ctx); err != nil {
			lastErr = err
		}
	}
	if remaining := s.Pending(); remaining > 0 {
		s.log.Error("audit shutdown left unflushed records",
			"remaining", remaining, "error", lastErr)
		return fmt.Errorf("audit: shutdown left %d unflushed records: %w", remaining, lastErr)
	}
	return nil
}

// Pending reports buffered records not yet persisted.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Query serves stored records through the sink's store.
func (s *Sink) Query(ctx context.Context, q contracts.AuditQuery) ([]contracts.AuditRecord, error) {
	q.Limit = clampLimit(q.Limit)
	return s.store.Query(ctx, q)
}

// VerifyTenantChain re-reads a tenant's persisted chain and verifies it.
func (s *Sink) VerifyTenantChain(ctx context.Context, tenantID string) error {
	records, err := s.store.TenantRecords(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("audit: load chain: %w", err)
	}
	return VerifyChain(records)
}
