package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PayoutStore persists the payout ledger. Records are only ever inserted and
// mutated; nothing deletes them. Every method that changes a stage enforces
// the lifecycle and returns *InvalidTransitionError on a disallowed move.
type PayoutStore interface {
	// Upsert inserts the record or refreshes a pending one in place.
	// Re-pulling an id that has already left pending is a no-op.
	Upsert(ctx context.Context, p Payout) error
	GetByID(ctx context.Context, id string) (Payout, error)
	ListByStage(ctx context.Context, currency string, stage PayoutStage, opts ListOpts) ([]Payout, error)

	// SetStage moves a record to next with no side data. Transitions that
	// need side data (sent wants a tx id) have dedicated methods below.
	SetStage(ctx context.Context, id string, next PayoutStage) error

	// Lock marks the record as entering the broadcast window. Unlock clears
	// the mark without touching anything else.
	Lock(ctx context.Context, id string) error
	Unlock(ctx context.Context, id string) error

	// MarkSent records the tx id, moves pending to sent and clears the lock,
	// all in one write.
	MarkSent(ctx context.Context, id, txid string) error
	MarkAssociated(ctx context.Context, id string) error
	MarkConfirmed(ctx context.Context, id string) error
	SetConfirmations(ctx context.Context, id string, n int64) error

	IncrementAttempts(ctx context.Context, id string) (int, error)
	FlagManualReview(ctx context.Context, id string, flagged bool) error

	// ResetLocked clears the lock on every locked record for the currency
	// and returns how many it touched. Operator escape hatch after a crash.
	ResetLocked(ctx context.Context, currency string) (int64, error)

	// ListIncomplete returns every non-terminal record for the currency,
	// locked or not, for the operator dump.
	ListIncomplete(ctx context.Context, currency string) ([]Payout, error)
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]Payout, error)

	// SumPending totals the amounts still waiting to be sent.
	SumPending(ctx context.Context, currency string) (decimal.Decimal, error)
}

// TradeStore persists trade requests pulled from the pool service.
type TradeStore interface {
	// Upsert inserts the request or refreshes an open one in place.
	Upsert(ctx context.Context, tr TradeRequest) error
	GetByID(ctx context.Context, id int64) (TradeRequest, error)
	ListByStatus(ctx context.Context, currency string, status TradeStatus, opts ListOpts) ([]TradeRequest, error)

	// MarkExecuted records the fill and moves open to executed.
	MarkExecuted(ctx context.Context, id int64, fill Fill) error
	// MarkClosed moves executed to closed.
	MarkClosed(ctx context.Context, id int64) error

	FlagManualReview(ctx context.Context, id int64, flagged bool) error
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]TradeRequest, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
