package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vorion-labs/vorion/core/pkg/contracts"
)

var (
	// ErrEmptyTenantID is returned when an export names no tenant.
	ErrEmptyTenantID = errors.New("audit: tenant id must not be empty")
	// ErrInvalidTimeRange is returned when the start time is after the end time.
	ErrInvalidTimeRange = errors.New("audit: start time must be before end time")
)

// ExportRequest defines what to export. Zero times mean unbounded.
type ExportRequest struct {
	TenantID  string    `json:"tenant_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Exporter builds evidence packs: a zip holding the tenant's audit records
// for a period plus a manifest carrying the chain head, so an auditor can
// verify the bundle against the live chain.
type Exporter struct {
	store Store
	now   func() time.Time
}

// NewExporter builds an exporter over a store.
func NewExporter(store Store) *Exporter {
	return &Exporter{store: store, now: time.Now}
}

// WithClock overrides the clock for deterministic tests.
func (e *Exporter) WithClock(now func() time.Time) *Exporter {
	e.now = now
	return e
}

// GeneratePack creates the zip and returns it with its sha256 checksum.
// Records inside the pack stay in chain order, oldest first.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	if req.TenantID == "" {
		return nil, "", ErrEmptyTenantID
	}
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, "", ErrInvalidTimeRange
	}

	all, err := e.store.TenantRecords(ctx, req.TenantID)
	if err != nil {
		return nil, "", fmt.Errorf("audit: export query: %w", err)
	}

	records := make([]contracts.AuditRecord, 0, len(all))
	for _, r := range all {
		if !req.StartTime.IsZero() && r.EventTime.Before(req.StartTime) {
			continue
		}
		if !req.EndTime.IsZero() && r.EventTime.After(req.EndTime) {
			continue
		}
		records = append(records, r)
	}

	recordsJSON, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, "", err
	}

	chainHead := ""
	if n := len(all); n > 0 {
		chainHead = all[n-1].RecordHash
	}
	manifest := map[string]any{
		"tenant_id":    req.TenantID,
		"generated_at": e.now().UTC(),
		"record_count": len(records),
		"chain_head":   chainHead,
		"period": map[string]any{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	for _, entry := range []struct {
		name string
		data []byte
	}{
		{"records.json", recordsJSON},
		{"manifest.json", manifestJSON},
		{"README.txt", []byte(fmt.Sprintf(
			"Audit evidence pack for tenant %s\nGenerated at %s\n",
			req.TenantID, e.now().UTC().Format(time.RFC3339)))},
	} {
		f, err := w.Create(entry.name)
		if err != nil {
			return nil, "", err
		}
		if _, err := f.Write(entry.data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	sum := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(sum[:]), nil
}
