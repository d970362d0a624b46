package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/cascadepool/payoutbot/internal/domain"
	"github.com/cascadepool/payoutbot/internal/notify"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testNotifier() *notify.Notifier {
	return notify.NewNotifier(nil, nil, testLogger())
}

type assocPush struct {
	payoutID string
	txid     string
	fee      decimal.Decimal
}

type confirmPush struct {
	payoutID string
	txid     string
}

type closePush struct {
	id   int64
	fill domain.Fill
}

// stubSCM records every push so tests can count pool interactions.
type stubSCM struct {
	payouts    []domain.RemotePayout
	pullErr    error
	assocs     []assocPush
	assocErr   error
	confirms   []confirmPush
	confirmErr error
	openTrades []domain.RemoteTradeRequest
	openErr    error
	closes     []closePush
	closeErr   error
}

func (s *stubSCM) PullPendingPayouts(context.Context, string) ([]domain.RemotePayout, error) {
	if s.pullErr != nil {
		return nil, s.pullErr
	}
	return s.payouts, nil
}

func (s *stubSCM) PushTransactionID(_ context.Context, _, payoutID, txid string, txFee decimal.Decimal) error {
	if s.assocErr != nil {
		return s.assocErr
	}
	s.assocs = append(s.assocs, assocPush{payoutID: payoutID, txid: txid, fee: txFee})
	return nil
}

func (s *stubSCM) PushConfirmation(_ context.Context, _, payoutID, txid string) error {
	if s.confirmErr != nil {
		return s.confirmErr
	}
	s.confirms = append(s.confirms, confirmPush{payoutID: payoutID, txid: txid})
	return nil
}

// PullOpenTradeRequests filters by currency the way the real client does.
func (s *stubSCM) PullOpenTradeRequests(_ context.Context, currency string) ([]domain.RemoteTradeRequest, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	if currency == "" {
		return s.openTrades, nil
	}
	var matched []domain.RemoteTradeRequest
	for _, tr := range s.openTrades {
		if tr.Currency == currency {
			matched = append(matched, tr)
		}
	}
	return matched, nil
}

func (s *stubSCM) PushTradeClose(_ context.Context, tradeID int64, fill domain.Fill) error {
	if s.closeErr != nil {
		return s.closeErr
	}
	s.closes = append(s.closes, closePush{id: tradeID, fill: fill})
	return nil
}

// closedFills collapses the recorded close pushes into one map per id.
func (s *stubSCM) closedFills() map[int64]domain.Fill {
	out := make(map[int64]domain.Fill, len(s.closes))
	for _, c := range s.closes {
		out[c.id] = c.fill
	}
	return out
}

// associatedPIDs lists the payout ids pushed for one txid.
func (s *stubSCM) associatedPIDs(txid string) []string {
	var pids []string
	for _, a := range s.assocs {
		if a.txid == txid {
			pids = append(pids, a.payoutID)
		}
	}
	return pids
}

// stubNetwork plays a wallet node. Balance returns the entries of balances in
// order, repeating the last one, so tests can script a balance change across
// a failed send.
type stubNetwork struct {
	pingErr     error
	txid        string
	sendErr     error
	sendCalls   int
	lastOutputs map[string]decimal.Decimal
	sentBatches []map[string]decimal.Decimal
	maxOutputs  int
	balances    []decimal.Decimal
	balanceIdx  int
	balanceErr  error
	confs       map[string]int64
	confErr     error
	fees        map[string]decimal.Decimal
	badAddrs    map[string]bool
}

func (n *stubNetwork) Ping(context.Context) error { return n.pingErr }

func (n *stubNetwork) Send(_ context.Context, outputs map[string]decimal.Decimal) (string, error) {
	n.sendCalls++
	n.lastOutputs = outputs
	n.sentBatches = append(n.sentBatches, outputs)
	if n.sendErr != nil {
		return "", n.sendErr
	}
	return n.txid, nil
}

func (n *stubNetwork) MaxOutputsPerSend() int { return n.maxOutputs }

func (n *stubNetwork) Confirmations(_ context.Context, txid string) (int64, error) {
	if n.confErr != nil {
		return 0, n.confErr
	}
	return n.confs[txid], nil
}

func (n *stubNetwork) TransactionFee(_ context.Context, txid string) (decimal.Decimal, error) {
	fee, ok := n.fees[txid]
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown transaction %q", txid)
	}
	return fee, nil
}

func (n *stubNetwork) Balance(context.Context) (decimal.Decimal, error) {
	if n.balanceErr != nil {
		return decimal.Zero, n.balanceErr
	}
	if len(n.balances) == 0 {
		return decimal.Zero, nil
	}
	i := n.balanceIdx
	if i >= len(n.balances) {
		i = len(n.balances) - 1
	}
	n.balanceIdx++
	return n.balances[i], nil
}

func (n *stubNetwork) ValidateAddress(addr string) error {
	if n.badAddrs[addr] {
		return fmt.Errorf("malformed address %q", addr)
	}
	return nil
}

// stubExchange fills every order at the requested quantity unless told to
// fail, either wholesale or for specific order quantities.
type stubExchange struct {
	fees      decimal.Decimal
	sellErr   error
	buyErr    error
	failQty   map[string]error
	fillQty   map[string]decimal.Decimal
	sellCalls int
	buyCalls  int
}

func (e *stubExchange) fill(quantity decimal.Decimal) domain.Fill {
	if filled, ok := e.fillQty[quantity.String()]; ok {
		return domain.Fill{ExecutedQuantity: filled, Fees: e.fees}
	}
	return domain.Fill{ExecutedQuantity: quantity, Fees: e.fees}
}

func (e *stubExchange) ExecuteSell(_ context.Context, _ string, quantity decimal.Decimal) (domain.Fill, error) {
	e.sellCalls++
	if err, ok := e.failQty[quantity.String()]; ok {
		return domain.Fill{}, err
	}
	if e.sellErr != nil {
		return domain.Fill{}, e.sellErr
	}
	return e.fill(quantity), nil
}

func (e *stubExchange) ExecuteBuy(_ context.Context, _ string, quantity decimal.Decimal) (domain.Fill, error) {
	e.buyCalls++
	if err, ok := e.failQty[quantity.String()]; ok {
		return domain.Fill{}, err
	}
	if e.buyErr != nil {
		return domain.Fill{}, e.buyErr
	}
	return e.fill(quantity), nil
}

var (
	_ domain.SCMClient        = (*stubSCM)(nil)
	_ domain.NetworkGateway   = (*stubNetwork)(nil)
	_ domain.BroadcastLimiter = (*stubNetwork)(nil)
	_ domain.ExchangeGateway  = (*stubExchange)(nil)
)
