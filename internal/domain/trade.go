package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeSide distinguishes sell requests from buy requests.
type TradeSide string

const (
	TradeSideSell TradeSide = "sell"
	TradeSideBuy  TradeSide = "buy"
)

// Valid reports whether s is a known side.
func (s TradeSide) Valid() bool {
	return s == TradeSideSell || s == TradeSideBuy
}

// TradeStatus tracks a trade request from pull to settlement.
type TradeStatus string

const (
	TradeStatusOpen     TradeStatus = "open"
	TradeStatusExecuted TradeStatus = "executed"
	TradeStatusClosed   TradeStatus = "closed"
)

// tradeSuccessors enumerates the allowed next statuses. A request must be
// executed before it can close.
var tradeSuccessors = map[TradeStatus][]TradeStatus{
	TradeStatusOpen:     {TradeStatusExecuted},
	TradeStatusExecuted: {TradeStatusClosed},
	TradeStatusClosed:   nil,
}

// Valid reports whether s is a known status.
func (s TradeStatus) Valid() bool {
	_, ok := tradeSuccessors[s]
	return ok
}

// Terminal reports whether records in this status are done moving.
func (s TradeStatus) Terminal() bool {
	return s == TradeStatusClosed
}

// CanTransition reports whether a request may move from s to next.
func (s TradeStatus) CanTransition(next TradeStatus) bool {
	for _, allowed := range tradeSuccessors[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TradeRequest is the local record of a pool-side currency trade. Quantity is
// what the pool asked for; ExecutedQuantity and Fees are what the exchange
// actually filled, recorded at execution and reported back on close.
type TradeRequest struct {
	ID       int64
	Currency string
	Side     TradeSide
	Quantity decimal.Decimal

	Status           TradeStatus
	ExecutedQuantity decimal.Decimal
	Fees             decimal.Decimal

	ManualReview bool

	PulledAt   time.Time
	ExecutedAt *time.Time
	ClosedAt   *time.Time
	UpdatedAt  time.Time
}

// Fill is the outcome of an exchange execution: the quantity actually filled
// and the fees charged. Operators supply one directly when closing requests
// settled outside the exchange gateway.
type Fill struct {
	ExecutedQuantity decimal.Decimal
	Fees             decimal.Decimal
}

// IDRange selects trade requests by id, both ends inclusive.
type IDRange struct {
	Start int64
	Stop  int64
}

// Contains reports whether id falls inside the range.
func (r IDRange) Contains(id int64) bool {
	return id >= r.Start && id <= r.Stop
}
