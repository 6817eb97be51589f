package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorion-labs/vorion/core/pkg/contracts"
)

func exportFixtureStore(t *testing.T) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	records := make([]contracts.AuditRecord, 3)
	prev := ""
	for i := range records {
		records[i] = contracts.AuditRecord{
			ID:             fmt.Sprintf("r%d", i+1),
			TenantID:       "t1",
			EventType:      "decision",
			Severity:       contracts.SeverityInfo,
			Outcome:        contracts.OutcomeSuccess,
			Actor:          "vorion",
			Target:         fmt.Sprintf("intent-%d", i+1),
			Action:         "deny",
			SequenceNumber: uint64(i + 1),
			PreviousHash:   prev,
			RecordHash:     fmt.Sprintf("hash-%d", i+1),
			EventTime:      base.Add(time.Duration(i) * time.Hour),
			RecordedAt:     base.Add(time.Duration(i) * time.Hour),
		}
		prev = records[i].RecordHash
	}
	require.NoError(t, store.Persist(context.Background(), records))
	return store
}

func readZipEntry(t *testing.T, pack []byte, name string) []byte {
	t.Helper()
	r, err := zip.NewReader(bytes.NewReader(pack), int64(len(pack)))
	require.NoError(t, err)
	for _, f := range r.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		defer rc.Close()
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		return data
	}
	t.Fatalf("entry %s not found in pack", name)
	return nil
}

func TestGeneratePackBundlesRecordsAndManifest(t *testing.T) {
	exporter := NewExporter(exportFixtureStore(t))

	pack, checksum, err := exporter.GeneratePack(context.Background(), ExportRequest{TenantID: "t1"})
	require.NoError(t, err)

	sum := sha256.Sum256(pack)
	assert.Equal(t, hex.EncodeToString(sum[:]), checksum)

	var records []contracts.AuditRecord
	require.NoError(t, json.Unmarshal(readZipEntry(t, pack, "records.json"), &records))
	require.Len(t, records, 3)
	assert.Equal(t, "r1", records[0].ID)
	assert.Equal(t, "r3", records[2].ID)

	var manifest map[string]any
	require.NoError(t, json.Unmarshal(readZipEntry(t, pack, "manifest.json"), &manifest))
	assert.Equal(t, "t1", manifest["tenant_id"])
	assert.Equal(t, float64(3), manifest["record_count"])
	assert.Equal(t, "hash-3", manifest["chain_head"])

	assert.Contains(t, string(readZipEntry(t, pack, "README.txt")), "tenant t1")
}

func TestGeneratePackFiltersByTimeRange(t *testing.T) {
	exporter := NewExporter(exportFixtureStore(t))

	pack, _, err := exporter.GeneratePack(context.Background(), ExportRequest{
		TenantID:  "t1",
		StartTime: time.Date(2026, 5, 1, 10, 30, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 5, 1, 11, 30, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	var records []contracts.AuditRecord
	require.NoError(t, json.Unmarshal(readZipEntry(t, pack, "records.json"), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "r2", records[0].ID)

	// The chain head still points at the newest record overall.
	var manifest map[string]any
	require.NoError(t, json.Unmarshal(readZipEntry(t, pack, "manifest.json"), &manifest))
	assert.Equal(t, "hash-3", manifest["chain_head"])
}

func TestGeneratePackValidation(t *testing.T) {
	exporter := NewExporter(NewMemoryStore())

	_, _, err := exporter.GeneratePack(context.Background(), ExportRequest{})
	require.ErrorIs(t, err, ErrEmptyTenantID)

	_, _, err = exporter.GeneratePack(context.Background(), ExportRequest{
		TenantID:  "t1",
		StartTime: time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	})
	require.ErrorIs(t, err, ErrInvalidTimeRange)
}

func TestGeneratePackIsDeterministicForFixedClock(t *testing.T) {
	store := exportFixtureStore(t)
	clock := func() time.Time { return time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC) }

	a, sumA, err := NewExporter(store).WithClock(clock).GeneratePack(context.Background(), ExportRequest{TenantID: "t1"})
	require.NoError(t, err)
	b, sumB, err := NewExporter(store).WithClock(clock).GeneratePack(context.Background(), ExportRequest{TenantID: "t1"})
	require.NoError(t, err)

	assert.Equal(t, sumA, sumB)
	assert.Equal(t, a, b)
}
