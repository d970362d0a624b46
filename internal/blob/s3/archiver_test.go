package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cascadepool/payoutbot/internal/domain"
	"github.com/cascadepool/payoutbot/internal/store/memory"
)

type capturedUpload struct {
	path        string
	contentType string
	multipart   bool
	body        []byte
}

// captureWriter records every upload instead of talking to S3.
type captureWriter struct {
	uploads []capturedUpload
}

func (w *captureWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	body, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	w.uploads = append(w.uploads, capturedUpload{path: path, contentType: contentType, body: body})
	return nil
}

func (w *captureWriter) PutMultipart(_ context.Context, path string, data io.Reader, _ int64) error {
	body, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	w.uploads = append(w.uploads, capturedUpload{path: path, multipart: true, body: body})
	return nil
}

func seedTerminalPayout(t *testing.T, store *memory.PayoutStore, id, txid string) {
	t.Helper()
	ctx := context.Background()

	p := domain.Payout{
		ID:       id,
		Currency: "LTC",
		User:     "miner1",
		Address:  "LVg2kJoFNg45Nbpy53h7Fe1wKyeXVRhMH9",
		Amount:   decimal.RequireFromString("1.25"),
		Stage:    domain.PayoutStagePending,
		PulledAt: time.Now().Add(-48 * time.Hour),
	}
	if err := store.Upsert(ctx, p); err != nil {
		t.Fatalf("upsert payout: %v", err)
	}
	if err := store.MarkSent(ctx, id, txid); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := store.MarkAssociated(ctx, id); err != nil {
		t.Fatalf("mark associated: %v", err)
	}
	if err := store.MarkConfirmed(ctx, id); err != nil {
		t.Fatalf("mark confirmed: %v", err)
	}
}

func TestArchiver_ArchivePayouts(t *testing.T) {
	ctx := context.Background()
	payouts := memory.NewPayoutStore()
	trades := memory.NewTradeStore()
	audit := memory.NewAuditStore()
	writer := &captureWriter{}

	seedTerminalPayout(t, payouts, "p1", "abc")
	seedTerminalPayout(t, payouts, "p2", "abc")

	// Still pending, must not be exported.
	open := domain.Payout{
		ID:       "p3",
		Currency: "LTC",
		User:     "miner2",
		Address:  "LVg2kJoFNg45Nbpy53h7Fe1wKyeXVRhMH9",
		Amount:   decimal.RequireFromString("0.5"),
		Stage:    domain.PayoutStagePending,
		PulledAt: time.Now(),
	}
	if err := payouts.Upsert(ctx, open); err != nil {
		t.Fatalf("upsert open payout: %v", err)
	}

	arch := NewArchiver(writer, payouts, trades, audit)

	before := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	count, err := arch.ArchivePayouts(ctx, before)
	if err != nil {
		t.Fatalf("ArchivePayouts: %v", err)
	}
	if count != 2 {
		t.Fatalf("archived count = %d, want 2", count)
	}

	if len(writer.uploads) != 1 {
		t.Fatalf("uploads = %d, want 1", len(writer.uploads))
	}
	up := writer.uploads[0]
	if up.path != "archive/payouts/2026-09.jsonl" {
		t.Errorf("path = %q, want archive/payouts/2026-09.jsonl", up.path)
	}
	if up.contentType != "application/x-ndjson" {
		t.Errorf("content type = %q, want application/x-ndjson", up.contentType)
	}
	if up.multipart {
		t.Error("small snapshot should not use multipart upload")
	}

	// One JSON object per line, decoding back to the archived payouts.
	lines := strings.Split(strings.TrimRight(string(up.body), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("jsonl lines = %d, want 2", len(lines))
	}
	ids := map[string]bool{}
	for _, line := range lines {
		var p domain.Payout
		if err := json.Unmarshal([]byte(line), &p); err != nil {
			t.Fatalf("decode line %q: %v", line, err)
		}
		ids[p.ID] = true
		if p.Stage != domain.PayoutStageConfirmed {
			t.Errorf("archived payout %s stage = %s, want confirmed", p.ID, p.Stage)
		}
	}
	if !ids["p1"] || !ids["p2"] {
		t.Errorf("archived ids = %v, want p1 and p2", ids)
	}

	// The export lands in the audit log.
	entries, err := audit.List(ctx, domain.ListOpts{})
	if err != nil {
		t.Fatalf("audit list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	if entries[0].Event != "archive.payouts" {
		t.Errorf("audit event = %q, want archive.payouts", entries[0].Event)
	}
	if entries[0].Detail["path"] != "archive/payouts/2026-09.jsonl" {
		t.Errorf("audit path = %v", entries[0].Detail["path"])
	}
}

func TestArchiver_ArchiveTradeRequests(t *testing.T) {
	ctx := context.Background()
	payouts := memory.NewPayoutStore()
	trades := memory.NewTradeStore()
	audit := memory.NewAuditStore()
	writer := &captureWriter{}

	tr := domain.TradeRequest{
		ID:       42,
		Currency: "LTC",
		Side:     domain.TradeSideSell,
		Quantity: decimal.RequireFromString("10"),
		Status:   domain.TradeStatusOpen,
		PulledAt: time.Now().Add(-72 * time.Hour),
	}
	if err := trades.Upsert(ctx, tr); err != nil {
		t.Fatalf("upsert trade: %v", err)
	}
	fill := domain.Fill{
		ExecutedQuantity: decimal.RequireFromString("10"),
		Fees:             decimal.RequireFromString("0.02"),
	}
	if err := trades.MarkExecuted(ctx, 42, fill); err != nil {
		t.Fatalf("mark executed: %v", err)
	}
	if err := trades.MarkClosed(ctx, 42); err != nil {
		t.Fatalf("mark closed: %v", err)
	}

	arch := NewArchiver(writer, payouts, trades, audit)

	before := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	count, err := arch.ArchiveTradeRequests(ctx, before)
	if err != nil {
		t.Fatalf("ArchiveTradeRequests: %v", err)
	}
	if count != 1 {
		t.Fatalf("archived count = %d, want 1", count)
	}

	if len(writer.uploads) != 1 {
		t.Fatalf("uploads = %d, want 1", len(writer.uploads))
	}
	if writer.uploads[0].path != "archive/trade_requests/2026-09.jsonl" {
		t.Errorf("path = %q, want archive/trade_requests/2026-09.jsonl", writer.uploads[0].path)
	}

	var got domain.TradeRequest
	line := bytes.TrimRight(writer.uploads[0].body, "\n")
	if err := json.Unmarshal(line, &got); err != nil {
		t.Fatalf("decode archived trade: %v", err)
	}
	if got.ID != 42 || got.Status != domain.TradeStatusClosed {
		t.Errorf("archived trade = %+v", got)
	}
}

func TestArchiver_NothingToArchive(t *testing.T) {
	ctx := context.Background()
	writer := &captureWriter{}
	audit := memory.NewAuditStore()
	arch := NewArchiver(writer, memory.NewPayoutStore(), memory.NewTradeStore(), audit)

	count, err := arch.ArchivePayouts(ctx, time.Now())
	if err != nil {
		t.Fatalf("ArchivePayouts: %v", err)
	}
	if count != 0 {
		t.Fatalf("count = %d, want 0", count)
	}
	if len(writer.uploads) != 0 {
		t.Error("no upload expected for an empty snapshot")
	}
	if events := audit.Events(); len(events) != 0 {
		t.Errorf("no audit entry expected, got %v", events)
	}
}

func TestArchiver_LargeSnapshotUsesMultipart(t *testing.T) {
	ctx := context.Background()
	payouts := memory.NewPayoutStore()
	audit := memory.NewAuditStore()
	writer := &captureWriter{}

	// Inflate each record with a long user name so a modest row count
	// crosses the multipart threshold.
	filler := strings.Repeat("x", 64*1024)
	for i := 0; i < 160; i++ {
		p := domain.Payout{
			ID:       fmt.Sprintf("bulk-%03d", i),
			Currency: "LTC",
			User:     filler,
			Address:  "LVg2kJoFNg45Nbpy53h7Fe1wKyeXVRhMH9",
			Amount:   decimal.RequireFromString("1"),
			Stage:    domain.PayoutStagePending,
			PulledAt: time.Now().Add(-time.Hour),
		}
		if err := payouts.Upsert(ctx, p); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if err := payouts.SetStage(ctx, p.ID, domain.PayoutStageFailed); err != nil {
			t.Fatalf("fail payout: %v", err)
		}
	}

	arch := NewArchiver(writer, payouts, memory.NewTradeStore(), audit)
	if _, err := arch.ArchivePayouts(ctx, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("ArchivePayouts: %v", err)
	}
	if len(writer.uploads) != 1 {
		t.Fatalf("uploads = %d, want 1", len(writer.uploads))
	}
	if !writer.uploads[0].multipart {
		t.Errorf("snapshot of %d bytes should use multipart upload", len(writer.uploads[0].body))
	}
}
