package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PayoutStage tracks a payout through the disbursement lifecycle.
type PayoutStage string

const (
	PayoutStagePending    PayoutStage = "pending"
	PayoutStageSent       PayoutStage = "sent"
	PayoutStageAssociated PayoutStage = "associated"
	PayoutStageConfirmed  PayoutStage = "confirmed"
	PayoutStageFailed     PayoutStage = "failed"
)

// payoutSuccessors enumerates the allowed next stages. Progress is strictly
// forward, no stage is skipped, and failed is reachable from every
// non-terminal stage.
var payoutSuccessors = map[PayoutStage][]PayoutStage{
	PayoutStagePending:    {PayoutStageSent, PayoutStageFailed},
	PayoutStageSent:       {PayoutStageAssociated, PayoutStageFailed},
	PayoutStageAssociated: {PayoutStageConfirmed, PayoutStageFailed},
	PayoutStageConfirmed:  nil,
	PayoutStageFailed:     nil,
}

// Valid reports whether s is a known stage.
func (s PayoutStage) Valid() bool {
	_, ok := payoutSuccessors[s]
	return ok
}

// Terminal reports whether records in this stage are done moving.
func (s PayoutStage) Terminal() bool {
	return s == PayoutStageConfirmed || s == PayoutStageFailed
}

// CanTransition reports whether a record may move from s to next.
func (s PayoutStage) CanTransition(next PayoutStage) bool {
	for _, allowed := range payoutSuccessors[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Payout is the local ledger record for a single disbursement. It mirrors a
// pool-side pending payout one-to-one by ID; the ledger tracks local progress
// while the pool service keeps the pool-visible status, and the two are
// reconciled only through explicit pushes.
type Payout struct {
	ID       string
	Currency string
	User     string
	Address  string
	Amount   decimal.Decimal

	Stage         PayoutStage
	TxID          *string // nil until broadcast
	Confirmations *int64  // nil until first confirmation query

	// Locked guards the broadcast window: persisted before send, cleared in
	// the same write that records the tx id. A locked pending record with no
	// tx id after a restart means the broadcast outcome is unknown and needs
	// an operator decision.
	Locked   bool
	LockedAt *time.Time

	// Attempts counts consecutive clean send failures; ManualReview parks the
	// record until an operator clears it.
	Attempts     int
	ManualReview bool

	PulledAt     time.Time
	SentAt       *time.Time
	AssociatedAt *time.Time
	ConfirmedAt  *time.Time
	UpdatedAt    time.Time
}

// Transaction returns the broadcast tx id or "" when none is recorded.
func (p Payout) Transaction() string {
	if p.TxID == nil {
		return ""
	}
	return *p.TxID
}

// Sendable reports whether the next send pass may broadcast this record.
func (p Payout) Sendable() bool {
	return p.Stage == PayoutStagePending && !p.Locked && !p.ManualReview
}
