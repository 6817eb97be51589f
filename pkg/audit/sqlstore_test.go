package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/vorion-labs/vorion/core/pkg/contracts"
)

func auditRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "tenant_id", "event_type", "severity", "outcome", "actor", "target",
		"action", "reason", "before_state", "after_state", "metadata",
		"sequence_number", "previous_hash", "record_hash", "event_time", "recorded_at",
	})
}

func TestSQLStorePersistBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO audit_records").
		WithArgs(
			"r1", "t1", "enforce.decision", "info", "success", "enforcement-engine",
			"i1", "allow", "all passed",
			nil, nil, sqlmock.AnyArg(),
			int64(1), "", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := NewSQLStore(db)
	rec := contracts.AuditRecord{
		ID: "r1", TenantID: "t1", EventType: "enforce.decision",
		Severity: contracts.SeverityInfo, Outcome: contracts.OutcomeSuccess,
		Actor: "enforcement-engine", Target: "i1", Action: "allow",
		Reason:         "all passed",
		Metadata:       map[string]any{"decision_id": "d1"},
		SequenceNumber: 1,
		RecordHash:     "abc",
		EventTime:      time.Now(),
		RecordedAt:     time.Now(),
	}
	require.NoError(t, store.Persist(context.Background(), []contracts.AuditRecord{rec}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStorePersistRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO audit_records").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	store := NewSQLStore(db)
	err = store.Persist(context.Background(), []contracts.AuditRecord{
		{ID: "r1", TenantID: "t1", EventTime: time.Now(), RecordedAt: time.Now()},
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreLastRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC().Format(timeLayout)
	mock.ExpectQuery("SELECT (.+) FROM audit_records WHERE tenant_id = \\$1").
		WithArgs("t1").
		WillReturnRows(auditRows().AddRow(
			"r9", "t1", "enforce.decision", "info", "success", "engine", "i9",
			"allow", "ok", nil, nil, `{"decision_id":"d9"}`,
			int64(9), "prev", "head", now, now,
		))

	store := NewSQLStore(db)
	last, err := store.LastRecord(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, uint64(9), last.SequenceNumber)
	assert.Equal(t, "head", last.RecordHash)
	assert.Equal(t, "d9", last.Metadata["decision_id"])
}

func TestSQLStoreLastRecordEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM audit_records WHERE tenant_id = \\$1").
		WithArgs("t1").
		WillReturnRows(auditRows())

	store := NewSQLStore(db)
	last, err := store.LastRecord(context.Background(), "t1")
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestSQLStoreQueryBuildsFilters(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT (.+) FROM audit_records WHERE tenant_id = \\$1 AND target = \\$2 AND action = \\$3 AND event_time >= \\$4").
		WithArgs("t1", "i1", "deny", from.Format(timeLayout), 50, 0).
		WillReturnRows(auditRows())

	store := NewSQLStore(db)
	_, err = store.Query(context.Background(), contracts.AuditQuery{
		TenantID: "t1",
		IntentID: "i1",
		Action:   contracts.ActionDeny,
		From:     from,
		Limit:    50,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// The sqlmock tests pin the SQL shapes; the tests below run the store
// against a real sqlite database to cover driver scanning behavior.

func openSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// Each new connection would see its own empty in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store := NewSQLStore(db)
	require.NoError(t, store.Init(context.Background()))
	return store
}

func TestSQLStoreSQLiteChainRoundTrip(t *testing.T) {
	store := openSQLiteStore(t)
	ctx := context.Background()

	s := newTestSink(t, store, Options{})
	for i := 0; i < 3; i++ {
		s.Record(ctx, record("t1", "e"))
	}
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.VerifyTenantChain(ctx, "t1"))

	// A fresh sink over the same database seeds from the persisted chain.
	second := newTestSink(t, store, Options{})
	second.Record(ctx, record("t1", "e"))
	require.NoError(t, second.Flush(ctx))
	require.NoError(t, second.VerifyTenantChain(ctx, "t1"))

	records, err := store.TenantRecords(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, uint64(4), records[3].SequenceNumber)

	last, err := store.LastRecord(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, uint64(4), last.SequenceNumber)
}

func TestSQLStoreSQLitePreservesTimestampPrecision(t *testing.T) {
	store := openSQLiteStore(t)
	ctx := context.Background()

	et := time.Date(2026, 7, 1, 12, 30, 15, 123456789, time.UTC)
	rec := contracts.AuditRecord{
		ID: "r1", TenantID: "t1", EventType: "e",
		Severity: contracts.SeverityInfo, Outcome: contracts.OutcomeSuccess,
		Actor: "a", Target: "i1", Action: "allow",
		SequenceNumber: 1, RecordHash: "h",
		EventTime: et, RecordedAt: et,
	}
	require.NoError(t, store.Persist(ctx, []contracts.AuditRecord{rec}))

	records, err := store.TenantRecords(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].EventTime.Equal(et))
	assert.Equal(t, et.Nanosecond(), records[0].EventTime.Nanosecond())
}

func TestSQLStoreSQLiteQueryTimeRange(t *testing.T) {
	store := openSQLiteStore(t)
	ctx := context.Background()
	base := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

	var batch []contracts.AuditRecord
	for i := 0; i < 3; i++ {
		batch = append(batch, contracts.AuditRecord{
			ID: string(rune('a' + i)), TenantID: "t1", EventType: "e",
			Severity: contracts.SeverityInfo, Outcome: contracts.OutcomeSuccess,
			Actor: "a", Target: "i1", Action: "allow",
			SequenceNumber: uint64(i + 1), RecordHash: "h",
			EventTime:  base.Add(time.Duration(i) * time.Hour),
			RecordedAt: base,
		})
	}
	require.NoError(t, store.Persist(ctx, batch))

	got, err := store.Query(ctx, contracts.AuditQuery{
		TenantID: "t1",
		From:     base.Add(30 * time.Minute),
		To:       base.Add(90 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].SequenceNumber)
}
