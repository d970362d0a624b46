package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// RemotePayout is one pending payout as the pool service reports it.
type RemotePayout struct {
	ID      string
	User    string
	Address string
	Amount  decimal.Decimal
}

// RemoteTradeRequest is one open trade request as the pool service reports it.
type RemoteTradeRequest struct {
	ID       int64
	Currency string
	Quantity decimal.Decimal
	Side     TradeSide
}

// SCMClient talks to the pool service. Pulls are idempotent; the remote keeps
// reporting a record until a push moves it along, so re-pulling never loses
// or duplicates anything. Pushes address one record at a time and are
// acknowledged or rejected explicitly, so one refused record never blocks
// the rest of a batch.
type SCMClient interface {
	// PullPendingPayouts fetches every payout the pool still considers
	// unpaid for the currency.
	PullPendingPayouts(ctx context.Context, currency string) ([]RemotePayout, error)

	// PushTransactionID reports the broadcast transaction covering one
	// payout together with the network fee paid. Returns
	// *RemoteRejectedError when the pool no longer recognizes the payout,
	// for example because a concurrent client already associated it.
	PushTransactionID(ctx context.Context, currency, payoutID, txid string, txFee decimal.Decimal) error

	// PushConfirmation marks one payout complete after its transaction met
	// the local confirmation threshold. Safe to repeat; the pool treats a
	// re-push of an already confirmed payout as a no-op.
	PushConfirmation(ctx context.Context, currency, payoutID, txid string) error

	// PullOpenTradeRequests fetches the trade requests the pool still
	// considers open for the currency; an empty currency fetches all.
	PullOpenTradeRequests(ctx context.Context, currency string) ([]RemoteTradeRequest, error)

	// PushTradeClose settles one trade request remotely with its executed
	// quantity and fees.
	PushTradeClose(ctx context.Context, tradeID int64, fill Fill) error
}

// NetworkGateway reaches a blockchain node wallet for one currency.
type NetworkGateway interface {
	// Ping checks the node is reachable and the wallet responds.
	Ping(ctx context.Context) error

	// Send broadcasts one transaction paying each address its amount and
	// returns the transaction id. Never called twice for the same ledger
	// records; callers gate on stage before invoking it.
	Send(ctx context.Context, outputs map[string]decimal.Decimal) (txid string, err error)

	// Confirmations returns the confirmation count for a transaction.
	Confirmations(ctx context.Context, txid string) (int64, error)

	// TransactionFee returns the network fee the wallet paid for txid.
	TransactionFee(ctx context.Context, txid string) (decimal.Decimal, error)

	// Balance returns the spendable wallet balance.
	Balance(ctx context.Context) (decimal.Decimal, error)

	// ValidateAddress reports whether addr is well formed for this network.
	ValidateAddress(addr string) error
}

// BroadcastLimiter is implemented by network gateways whose transactions
// cannot carry arbitrarily many outputs. The payout pipeline splits its
// batch into broadcasts of at most MaxOutputsPerSend addresses each; zero
// or below means unbounded.
type BroadcastLimiter interface {
	MaxOutputsPerSend() int
}

// ExchangeGateway executes currency trades on an exchange.
type ExchangeGateway interface {
	// ExecuteSell sells quantity of the currency and returns what actually
	// filled. Returns *GatewayTimeoutError when the outcome is unknown.
	ExecuteSell(ctx context.Context, currency string, quantity decimal.Decimal) (Fill, error)

	// ExecuteBuy buys quantity of the currency and returns what actually
	// filled.
	ExecuteBuy(ctx context.Context, currency string, quantity decimal.Decimal) (Fill, error)
}
