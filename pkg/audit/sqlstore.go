package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vorion-labs/vorion/core/pkg/contracts"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	outcome TEXT NOT NULL,
	actor TEXT NOT NULL,
	target TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT,
	before_state TEXT,
	after_state TEXT,
	metadata TEXT,
	sequence_number BIGINT NOT NULL,
	previous_hash TEXT NOT NULL,
	record_hash TEXT NOT NULL,
	event_time TEXT NOT NULL,
	recorded_at TEXT NOT NULL,
	UNIQUE (tenant_id, sequence_number)
);

CREATE INDEX IF NOT EXISTS idx_audit_tenant_seq ON audit_records (tenant_id, sequence_number DESC);
CREATE INDEX IF NOT EXISTS idx_audit_tenant_target ON audit_records (tenant_id, target);
CREATE INDEX IF NOT EXISTS idx_audit_tenant_time ON audit_records (tenant_id, event_time);
`

const auditColumns = `id, tenant_id, event_type, severity, outcome, actor, target, action, reason,
	before_state, after_state, metadata, sequence_number, previous_hash, record_hash, event_time, recorded_at`

// SQLStore persists audit batches to a SQL database. Works against Postgres
// (lib/pq) and sqlite (modernc) with the same statements. Timestamps are
// stored as fixed-width UTC text (timeLayout) so both drivers round-trip
// full nanosecond precision and range filters compare correctly.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Init creates the schema.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqlSchema); err != nil {
		return fmt.Errorf("audit: init schema: %w", err)
	}
	return nil
}

// Persist writes the batch in one transaction. The unique constraint on
// (tenant_id, sequence_number) rejects chain forks at the database layer.
func (s *SQLStore) Persist(ctx context.Context, records []contracts.AuditRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit: begin: %w", err)
	}
	defer tx.Rollback()

	const insert = `INSERT INTO audit_records (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	for _, r := range records {
		before, after, meta, err := marshalStates(r)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insert,
			r.ID, r.TenantID, r.EventType, string(r.Severity), string(r.Outcome),
			r.Actor, r.Target, r.Action, r.Reason,
			before, after, meta,
			int64(r.SequenceNumber), r.PreviousHash, r.RecordHash,
			r.EventTime.UTC().Format(timeLayout), r.RecordedAt.UTC().Format(timeLayout),
		); err != nil {
			return fmt.Errorf("audit: insert record %s: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("audit: commit: %w", err)
	}
	return nil
}

// Query filters and pages, newest first.
func (s *SQLStore) Query(ctx context.Context, q contracts.AuditQuery) ([]contracts.AuditRecord, error) {
	var (
		conds = []string{"tenant_id = $1"}
		args  = []any{q.TenantID}
	)
	if q.IntentID != "" {
		args = append(args, q.IntentID)
		conds = append(conds, "target = $"+strconv.Itoa(len(args)))
	}
	if q.Action != "" {
		args = append(args, string(q.Action))
		conds = append(conds, "action = $"+strconv.Itoa(len(args)))
	}
	if !q.From.IsZero() {
		args = append(args, q.From.UTC().Format(timeLayout))
		conds = append(conds, "event_time >= $"+strconv.Itoa(len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To.UTC().Format(timeLayout))
		conds = append(conds, "event_time <= $"+strconv.Itoa(len(args)))
	}
	args = append(args, clampLimit(q.Limit))
	limitPos := len(args)
	args = append(args, q.Offset)
	offsetPos := len(args)

	query := fmt.Sprintf(`SELECT %s FROM audit_records WHERE %s
		ORDER BY sequence_number DESC LIMIT $%d OFFSET $%d`,
		auditColumns, strings.Join(conds, " AND "), limitPos, offsetPos)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// LastRecord returns the newest record for a tenant, nil when absent.
func (s *SQLStore) LastRecord(ctx context.Context, tenantID string) (*contracts.AuditRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM audit_records WHERE tenant_id = $1
		ORDER BY sequence_number DESC LIMIT 1`, auditColumns)
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("audit: last record: %w", err)
	}
	defer rows.Close()
	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// TenantRecords returns the tenant's full chain, oldest first.
func (s *SQLStore) TenantRecords(ctx context.Context, tenantID string) ([]contracts.AuditRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM audit_records WHERE tenant_id = $1
		ORDER BY sequence_number ASC`, auditColumns)
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("audit: tenant records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func marshalStates(r contracts.AuditRecord) (before, after, meta sql.NullString, err error) {
	enc := func(m map[string]any) (sql.NullString, error) {
		if len(m) == 0 {
			return sql.NullString{}, nil
		}
		b, err := json.Marshal(m)
		if err != nil {
			return sql.NullString{}, fmt.Errorf("audit: marshal record %s state: %w", r.ID, err)
		}
		return sql.NullString{String: string(b), Valid: true}, nil
	}
	if before, err = enc(r.BeforeState); err != nil {
		return
	}
	if after, err = enc(r.AfterState); err != nil {
		return
	}
	meta, err = enc(r.Metadata)
	return
}

func scanRecords(rows *sql.Rows) ([]contracts.AuditRecord, error) {
	var out []contracts.AuditRecord
	for rows.Next() {
		var (
			r                   contracts.AuditRecord
			severity, outcome   string
			reason              sql.NullString
			before, after, meta sql.NullString
			seq                 int64
			eventTime, recorded string
		)
		if err := rows.Scan(
			&r.ID, &r.TenantID, &r.EventType, &severity, &outcome,
			&r.Actor, &r.Target, &r.Action, &reason,
			&before, &after, &meta,
			&seq, &r.PreviousHash, &r.RecordHash,
			&eventTime, &recorded,
		); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		r.Severity = contracts.AuditSeverity(severity)
		r.Outcome = contracts.AuditOutcome(outcome)
		r.Reason = reason.String
		r.SequenceNumber = uint64(seq)
		var err error
		if r.EventTime, err = time.Parse(timeLayout, eventTime); err != nil {
			return nil, fmt.Errorf("audit: parse event_time: %w", err)
		}
		if r.RecordedAt, err = time.Parse(timeLayout, recorded); err != nil {
			return nil, fmt.Errorf("audit: parse recorded_at: %w", err)
		}
		if err := unmarshalState(before, &r.BeforeState); err != nil {
			return nil, err
		}
		if err := unmarshalState(after, &r.AfterState); err != nil {
			return nil, err
		}
		if err := unmarshalState(meta, &r.Metadata); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate: %w", err)
	}
	return out, nil
}

func unmarshalState(src sql.NullString, dst *map[string]any) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(src.String), dst); err != nil {
		return fmt.Errorf("audit: decode state: %w", err)
	}
	return nil
}
