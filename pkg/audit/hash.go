// Package audit persists the tamper-evident trail. Records are buffered
// write-behind and flushed in batches; per tenant they form a hash chain
// with strictly increasing sequence numbers, so any consumer can detect
// truncation or mutation by recomputing hashes.
package audit

import (
	"fmt"

	"github.com/vorion-labs/vorion/core/pkg/canonicalize"
	"github.com/vorion-labs/vorion/core/pkg/contracts"
)

// timeLayout renders timestamps fixed-width in UTC with full nanosecond
// precision. Fixed width keeps text comparisons and ORDER BY correct, and
// hashing the rendered form makes RecordHash stable across a store
// round trip regardless of driver timestamp handling or time zone.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// RecordHash computes the canonical hash of a record. Every field except
// record_hash participates, previous_hash included, so each hash pins the
// whole chain behind it.
func RecordHash(r contracts.AuditRecord) (string, error) {
	return canonicalize.CanonicalHash(map[string]any{
		"id":              r.ID,
		"tenant_id":       r.TenantID,
		"event_type":      r.EventType,
		"severity":        string(r.Severity),
		"outcome":         string(r.Outcome),
		"actor":           r.Actor,
		"target":          r.Target,
		"action":          r.Action,
		"reason":          r.Reason,
		"before_state":    r.BeforeState,
		"after_state":     r.AfterState,
		"metadata":        r.Metadata,
		"sequence_number": r.SequenceNumber,
		"previous_hash":   r.PreviousHash,
		"event_time":      r.EventTime.UTC().Format(timeLayout),
		"recorded_at":     r.RecordedAt.UTC().Format(timeLayout),
	})
}

// VerifyChain checks a single tenant's records, oldest first: every hash
// must recompute, every previous_hash must match its predecessor, and
// sequence numbers must increase by exactly one.
func VerifyChain(records []contracts.AuditRecord) error {
	for i, r := range records {
		if i == 0 {
			if r.PreviousHash != "" {
				return fmt.Errorf("audit: first record %s has non-empty previous hash", r.ID)
			}
		} else {
			prev := records[i-1]
			if r.PreviousHash != prev.RecordHash {
				return fmt.Errorf("audit: chain broken at sequence %d: previous hash mismatch", r.SequenceNumber)
			}
			if r.SequenceNumber != prev.SequenceNumber+1 {
				return fmt.Errorf("audit: sequence gap at %d (prior %d)", r.SequenceNumber, prev.SequenceNumber)
			}
		}
		computed, err := RecordHash(r)
		if err != nil {
			return fmt.Errorf("audit: recompute hash at sequence %d: %w", r.SequenceNumber, err)
		}
		if computed != r.RecordHash {
			return fmt.Errorf("audit: integrity failure at sequence %d: computed %s, stored %s",
				r.SequenceNumber, computed, r.RecordHash)
		}
	}
	return nil
}
