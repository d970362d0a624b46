// Package coinrpc implements the blockchain gateway for bitcoind-style
// wallet daemons over JSON-RPC. Calls are never retried internally: a failed
// broadcast has an unknown outcome, and the payout pipeline decides what a
// failure means before anything is attempted again.
package coinrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/cascadepool/payoutbot/internal/config"
	"github.com/cascadepool/payoutbot/internal/domain"
)

// Gateway talks to one currency's wallet daemon.
type Gateway struct {
	endpoint  string
	user      string
	password  string
	account   string
	versions  []int
	client    *http.Client
	logger    *slog.Logger
	requestID atomic.Uint64
}

// NewGateway creates a wallet gateway from a currency's node block.
func NewGateway(cfg config.NodeConfig, versions []int, logger *slog.Logger) *Gateway {
	return &Gateway{
		endpoint: cfg.URL,
		user:     cfg.User,
		password: cfg.Password,
		account:  cfg.Account,
		versions: versions,
		client: &http.Client{
			Timeout: cfg.Timeout.Duration,
		},
		logger: logger.With(slog.String("component", "coinrpc")),
	}
}

// Ping checks the daemon is reachable and answering.
func (g *Gateway) Ping(ctx context.Context) error {
	var info json.RawMessage
	if err := g.call(ctx, "getinfo", nil, &info); err != nil {
		return fmt.Errorf("coinrpc: ping: %w", err)
	}
	return nil
}

// Balance returns the spendable balance of the payout account.
func (g *Gateway) Balance(ctx context.Context) (decimal.Decimal, error) {
	params := []any{}
	if g.account != "" {
		params = append(params, g.account)
	}

	var n json.Number
	if err := g.call(ctx, "getbalance", params, &n); err != nil {
		return decimal.Zero, fmt.Errorf("coinrpc: get balance: %w", err)
	}

	balance, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("coinrpc: parse balance %q: %w", n, err)
	}
	return balance, nil
}

// Send broadcasts one transaction paying each address its amount and returns
// the transaction id. Amounts are emitted with eight decimal places, the
// precision wallet daemons settle on.
func (g *Gateway) Send(ctx context.Context, outputs map[string]decimal.Decimal) (string, error) {
	amounts := make(map[string]json.RawMessage, len(outputs))
	for addr, amount := range outputs {
		amounts[addr] = json.RawMessage(amount.StringFixed(8))
	}

	var txid string
	if err := g.call(ctx, "sendmany", []any{g.account, amounts}, &txid); err != nil {
		return "", fmt.Errorf("coinrpc: sendmany: %w", err)
	}
	return txid, nil
}

// walletTransaction is the slice of a gettransaction result we consume.
type walletTransaction struct {
	Confirmations int64       `json:"confirmations"`
	Fee           json.Number `json:"fee"`
}

// Confirmations returns the confirmation count for a wallet transaction.
func (g *Gateway) Confirmations(ctx context.Context, txid string) (int64, error) {
	var tx walletTransaction
	if err := g.call(ctx, "gettransaction", []any{txid}, &tx); err != nil {
		return 0, fmt.Errorf("coinrpc: get transaction %s: %w", txid, err)
	}
	return tx.Confirmations, nil
}

// TransactionFee returns the network fee paid by a wallet transaction. The
// daemon reports fees as negative amounts; callers get the magnitude.
func (g *Gateway) TransactionFee(ctx context.Context, txid string) (decimal.Decimal, error) {
	var tx walletTransaction
	if err := g.call(ctx, "gettransaction", []any{txid}, &tx); err != nil {
		return decimal.Zero, fmt.Errorf("coinrpc: get transaction %s: %w", txid, err)
	}

	if tx.Fee == "" {
		return decimal.Zero, nil
	}
	fee, err := decimal.NewFromString(tx.Fee.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("coinrpc: parse fee %q: %w", tx.Fee, err)
	}
	return fee.Abs(), nil
}

// ValidateAddress checks addr offline against the currency's accepted base58
// version bytes.
func (g *Gateway) ValidateAddress(addr string) error {
	return ValidateAddress(addr, g.versions)
}

// --------------------------------------------------------------------------
// JSON-RPC plumbing
// --------------------------------------------------------------------------

// rpcRequest is a JSON-RPC 1.0 request as wallet daemons expect it.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// rpcResponse is a JSON-RPC response envelope.
type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// rpcError is the daemon-side error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// call performs a single JSON-RPC round trip with HTTP basic auth.
func (g *Gateway) call(ctx context.Context, method string, params []any, result any) error {
	if params == nil {
		params = []any{}
	}
	reqBody := rpcRequest{
		JSONRPC: "1.0",
		ID:      g.requestID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.user != "" {
		req.SetBasicAuth(g.user, g.password)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) && uerr.Timeout() {
			return &domain.GatewayTimeoutError{Gateway: "coinrpc", Op: method}
		}
		return &domain.TransientError{Op: method, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.TransientError{Op: method, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%s: HTTP %d: %w", method, resp.StatusCode, domain.ErrUnauthorized)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}

	if result != nil {
		dec := json.NewDecoder(bytes.NewReader(rpcResp.Result))
		dec.UseNumber()
		if err := dec.Decode(result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

var _ domain.NetworkGateway = (*Gateway)(nil)
