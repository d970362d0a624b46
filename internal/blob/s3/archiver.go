package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cascadepool/payoutbot/internal/domain"
)

// ---------------------------------------------------------------------------
// Narrow store interfaces required by the archiver.
//
// The archiver only needs the terminal-record queries, not the full ledger
// store interfaces. The postgres stores satisfy these implicitly.
// ---------------------------------------------------------------------------

// PayoutArchiveStore provides read access to settled payouts.
type PayoutArchiveStore interface {
	// ListTerminalBefore returns terminal payouts last touched strictly
	// before the cutoff. A limit of zero or less returns all of them.
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Payout, error)
}

// TradeArchiveStore provides read access to settled trade requests.
type TradeArchiveStore interface {
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.TradeRequest, error)
}

// ---------------------------------------------------------------------------
// ArchiveImpl
// ---------------------------------------------------------------------------

// multipartThreshold is the snapshot size, in bytes, above which the archiver
// switches from a single PutObject to a multipart upload.
const multipartThreshold = 8 * 1024 * 1024

// ArchiveImpl implements domain.Archiver by querying the ledger stores for
// settled records, serializing them to JSONL, and uploading the result to
// object storage.
//
// The ledger rows are NOT deleted: the archive is a cold snapshot, and the
// ledger remains the full history of every payout ever handled.
type ArchiveImpl struct {
	writer  domain.BlobWriter
	payouts PayoutArchiveStore
	trades  TradeArchiveStore
	audit   domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	payouts PayoutArchiveStore,
	trades TradeArchiveStore,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:  writer,
		payouts: payouts,
		trades:  trades,
		audit:   audit,
	}
}

// ArchivePayouts snapshots all terminal payouts last touched before the
// cutoff to archive/payouts/YYYY-MM.jsonl. The archival event is recorded in
// the audit log and the count of archived records is returned.
func (a *ArchiveImpl) ArchivePayouts(ctx context.Context, before time.Time) (int64, error) {
	payouts, err := a.payouts.ListTerminalBefore(ctx, before, 0)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive payouts query: %w", err)
	}
	if len(payouts) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(payouts)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive payouts marshal: %w", err)
	}

	path := archivePath("payouts", before)
	if err := a.upload(ctx, path, buf); err != nil {
		return 0, fmt.Errorf("s3blob: archive payouts upload: %w", err)
	}

	count := int64(len(payouts))

	if err := a.audit.Log(ctx, "archive.payouts", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive payouts audit log: %w", err)
	}

	return count, nil
}

// ArchiveTradeRequests snapshots all closed trade requests last touched
// before the cutoff to archive/trade_requests/YYYY-MM.jsonl.
func (a *ArchiveImpl) ArchiveTradeRequests(ctx context.Context, before time.Time) (int64, error) {
	trades, err := a.trades.ListTerminalBefore(ctx, before, 0)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trade requests query: %w", err)
	}
	if len(trades) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(trades)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trade requests marshal: %w", err)
	}

	path := archivePath("trade_requests", before)
	if err := a.upload(ctx, path, buf); err != nil {
		return 0, fmt.Errorf("s3blob: archive trade requests upload: %w", err)
	}

	count := int64(len(trades))

	if err := a.audit.Log(ctx, "archive.trade_requests", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive trade requests audit log: %w", err)
	}

	return count, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// upload writes the snapshot to object storage, using a multipart upload for
// months too large to push in a single request.
func (a *ArchiveImpl) upload(ctx context.Context, path string, buf []byte) error {
	if int64(len(buf)) >= multipartThreshold {
		return a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), 0)
	}
	return a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
}

// archivePath builds the object key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/payouts/2025-01.jsonl
//	archive/trade_requests/2025-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*ArchiveImpl)(nil)
