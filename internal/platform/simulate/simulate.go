// Package simulate provides dry-run wrappers for the external gateways.
// Reads pass through to the wrapped implementation while writes are logged
// and acknowledged locally, so a simulated run drives the full pipeline
// against real pool and ledger state without broadcasting transactions,
// placing orders, or mutating remote records.
package simulate

import (
	"context"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/cascadepool/payoutbot/internal/domain"
)

// TxID is the transaction id reported for simulated sends. Ledger records
// advance through their stages carrying it, so a later real run refuses to
// re-send them.
var TxID = strings.Repeat("1", 64)

// simulatedConfirmations is deep enough to clear any sane threshold.
const simulatedConfirmations = 1_000_000

// Network wraps a NetworkGateway. Send reports TxID without broadcasting
// and Confirmations reports a depth past any threshold; balance and
// transaction reads stay real.
type Network struct {
	inner  domain.NetworkGateway
	logger *slog.Logger
}

func NewNetwork(inner domain.NetworkGateway, logger *slog.Logger) *Network {
	return &Network{inner: inner, logger: logger.With(slog.String("component", "simulate"))}
}

func (n *Network) Ping(ctx context.Context) error {
	return n.inner.Ping(ctx)
}

func (n *Network) Send(ctx context.Context, outputs map[string]decimal.Decimal) (string, error) {
	total := decimal.Zero
	for _, amount := range outputs {
		total = total.Add(amount)
	}
	n.logger.InfoContext(ctx, "simulated send",
		slog.Int("outputs", len(outputs)),
		slog.String("total", total.String()),
		slog.String("txid", TxID))
	return TxID, nil
}

// MaxOutputsPerSend mirrors the wrapped gateway's limit so a dry run splits
// its batches exactly like a real one.
func (n *Network) MaxOutputsPerSend() int {
	if l, ok := n.inner.(domain.BroadcastLimiter); ok {
		return l.MaxOutputsPerSend()
	}
	return 0
}

func (n *Network) Confirmations(ctx context.Context, txid string) (int64, error) {
	if txid == TxID {
		return simulatedConfirmations, nil
	}
	return n.inner.Confirmations(ctx, txid)
}

func (n *Network) TransactionFee(ctx context.Context, txid string) (decimal.Decimal, error) {
	if txid == TxID {
		return decimal.Zero, nil
	}
	return n.inner.TransactionFee(ctx, txid)
}

func (n *Network) Balance(ctx context.Context) (decimal.Decimal, error) {
	return n.inner.Balance(ctx)
}

func (n *Network) ValidateAddress(addr string) error {
	return n.inner.ValidateAddress(addr)
}

// Exchange wraps an ExchangeGateway and fills every order at the requested
// quantity with zero fees, without touching the exchange.
type Exchange struct {
	logger *slog.Logger
}

func NewExchange(logger *slog.Logger) *Exchange {
	return &Exchange{logger: logger.With(slog.String("component", "simulate"))}
}

func (e *Exchange) ExecuteSell(ctx context.Context, currency string, quantity decimal.Decimal) (domain.Fill, error) {
	return e.execute(ctx, currency, "sell", quantity)
}

func (e *Exchange) ExecuteBuy(ctx context.Context, currency string, quantity decimal.Decimal) (domain.Fill, error) {
	return e.execute(ctx, currency, "buy", quantity)
}

func (e *Exchange) execute(ctx context.Context, currency, side string, quantity decimal.Decimal) (domain.Fill, error) {
	e.logger.InfoContext(ctx, "simulated execution",
		slog.String("currency", currency),
		slog.String("side", side),
		slog.String("quantity", quantity.String()))
	return domain.Fill{ExecutedQuantity: quantity, Fees: decimal.Zero}, nil
}

// SCM wraps an SCMClient. Pulls stay real so the pipeline sees the pool's
// actual backlog; pushes are logged and acknowledged without reaching the
// pool service.
type SCM struct {
	inner  domain.SCMClient
	logger *slog.Logger
}

func NewSCM(inner domain.SCMClient, logger *slog.Logger) *SCM {
	return &SCM{inner: inner, logger: logger.With(slog.String("component", "simulate"))}
}

func (s *SCM) PullPendingPayouts(ctx context.Context, currency string) ([]domain.RemotePayout, error) {
	return s.inner.PullPendingPayouts(ctx, currency)
}

func (s *SCM) PushTransactionID(ctx context.Context, currency, payoutID, txid string, txFee decimal.Decimal) error {
	s.logger.InfoContext(ctx, "simulated transaction id push",
		slog.String("currency", currency),
		slog.String("payout_id", payoutID),
		slog.String("txid", txid),
		slog.String("tx_fee", txFee.String()))
	return nil
}

func (s *SCM) PushConfirmation(ctx context.Context, currency, payoutID, txid string) error {
	s.logger.InfoContext(ctx, "simulated confirmation push",
		slog.String("currency", currency),
		slog.String("payout_id", payoutID),
		slog.String("txid", txid))
	return nil
}

func (s *SCM) PullOpenTradeRequests(ctx context.Context, currency string) ([]domain.RemoteTradeRequest, error) {
	return s.inner.PullOpenTradeRequests(ctx, currency)
}

func (s *SCM) PushTradeClose(ctx context.Context, tradeID int64, fill domain.Fill) error {
	s.logger.InfoContext(ctx, "simulated trade close push",
		slog.Int64("trade_id", tradeID),
		slog.String("quantity", fill.ExecutedQuantity.String()),
		slog.String("fees", fill.Fees.String()))
	return nil
}

var (
	_ domain.NetworkGateway  = (*Network)(nil)
	_ domain.ExchangeGateway = (*Exchange)(nil)
	_ domain.SCMClient       = (*SCM)(nil)
)
