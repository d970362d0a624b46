// Package scm implements the RPC client for the pool service. Every request
// and response body travels inside a timestamped HMAC envelope; transient
// failures are retried with bounded backoff, while authentication and
// malformed-payload failures abort the run.
package scm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cascadepool/payoutbot/internal/config"
	"github.com/cascadepool/payoutbot/internal/crypto"
	"github.com/cascadepool/payoutbot/internal/domain"
)

// Client is the signed RPC client for the pool service.
type Client struct {
	baseURL    string
	signer     *crypto.EnvelopeSigner
	httpClient *http.Client
	logger     *slog.Logger

	retryAttempts int
	retryBackoff  time.Duration
	backoffCap    time.Duration
}

// NewClient creates a pool service client from the scm config block.
func NewClient(cfg config.SCMConfig, logger *slog.Logger) *Client {
	return &Client{
		baseURL: cfg.Endpoint,
		signer: &crypto.EnvelopeSigner{
			Key:    cfg.AuthKey,
			MaxAge: cfg.SigMaxAge.Duration,
		},
		httpClient: &http.Client{
			Timeout: cfg.Timeout.Duration,
		},
		logger:        logger.With(slog.String("component", "scm")),
		retryAttempts: cfg.RetryAttempts,
		retryBackoff:  cfg.RetryBackoff.Duration,
		backoffCap:    cfg.RetryBackoffCap.Duration,
	}
}

// PullPendingPayouts fetches every payout the pool still considers unpaid for
// the currency. The remote keeps reporting a payout until it is associated,
// so repeated pulls are safe.
func (c *Client) PullPendingPayouts(ctx context.Context, currency string) ([]domain.RemotePayout, error) {
	body, err := c.post(ctx, "get_payouts", getPayoutsRequest{Currency: currency})
	if err != nil {
		return nil, fmt.Errorf("scm: get payouts: %w", err)
	}

	var resp getPayoutsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("scm: decode payouts: %w", err)
	}

	payouts := make([]domain.RemotePayout, 0, len(resp.PIDs))
	for _, row := range resp.PIDs {
		payouts = append(payouts, domain.RemotePayout{
			ID:      row.ID,
			User:    row.User,
			Address: row.Address,
			Amount:  row.Amount,
		})
	}
	return payouts, nil
}

// PushTransactionID reports the broadcast transaction covering one payout
// together with the network fee paid.
func (c *Client) PushTransactionID(ctx context.Context, currency, payoutID, txid string, txFee decimal.Decimal) error {
	body, err := c.post(ctx, "associate_payouts", associatePayoutsRequest{
		CoinTxid: txid,
		PIDs:     []string{payoutID},
		TxFee:    txFee,
		Currency: currency,
	})
	if err != nil {
		return fmt.Errorf("scm: associate payout %s: %w", payoutID, err)
	}

	var resp resultResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("scm: decode associate response: %w", err)
	}
	if !resp.Result {
		return &domain.RemoteRejectedError{Op: "associate_payouts", ID: payoutID, Reason: "remote refused the association"}
	}
	return nil
}

// PushConfirmation marks one payout complete after its transaction met the
// local confirmation threshold.
func (c *Client) PushConfirmation(ctx context.Context, currency, payoutID, txid string) error {
	body, err := c.post(ctx, "confirm_payouts", confirmPayoutsRequest{
		Currency: currency,
		PIDs:     []string{payoutID},
		TIDs:     []string{txid},
	})
	if err != nil {
		return fmt.Errorf("scm: confirm payout %s: %w", payoutID, err)
	}

	var resp resultResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("scm: decode confirm response: %w", err)
	}
	if !resp.Result {
		return &domain.RemoteRejectedError{Op: "confirm_payouts", ID: payoutID, Reason: "remote refused the confirmation"}
	}
	return nil
}

// PullOpenTradeRequests fetches the trade requests the pool still considers
// open. The server reports all currencies mixed; a non-empty currency keeps
// only its rows.
func (c *Client) PullOpenTradeRequests(ctx context.Context, currency string) ([]domain.RemoteTradeRequest, error) {
	body, err := c.post(ctx, "get_trade_requests", struct{}{})
	if err != nil {
		return nil, fmt.Errorf("scm: get trade requests: %w", err)
	}

	var resp getTradeRequestsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("scm: decode trade requests: %w", err)
	}

	trs := make([]domain.RemoteTradeRequest, 0, len(resp.TRs))
	for _, row := range resp.TRs {
		if currency != "" && row.Currency != currency {
			continue
		}
		trs = append(trs, domain.RemoteTradeRequest{
			ID:       row.ID,
			Currency: row.Currency,
			Quantity: row.Quantity,
			Side:     domain.TradeSide(row.Side),
		})
	}
	return trs, nil
}

// PushTradeClose settles one trade request remotely with its executed
// quantity and fees.
func (c *Client) PushTradeClose(ctx context.Context, tradeID int64, fill domain.Fill) error {
	req := updateTradeRequestsRequest{
		Update: true,
		TRs: map[int64]tradeClose{
			tradeID: {
				Status:   tradeStatusClosed,
				Quantity: fill.ExecutedQuantity.String(),
				Fees:     fill.Fees.String(),
			},
		},
	}

	body, err := c.post(ctx, "update_trade_requests", req)
	if err != nil {
		return fmt.Errorf("scm: close trade request %d: %w", tradeID, err)
	}

	// The server acknowledges by including a "success" key; its absence
	// means the update was refused.
	var resp map[string]json.RawMessage
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("scm: decode update response: %w", err)
	}
	if _, ok := resp["success"]; !ok {
		return &domain.RemoteRejectedError{Op: "update_trade_requests", ID: strconv.FormatInt(tradeID, 10), Reason: "response carried no success key"}
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// post signs and sends one RPC request, retrying transient failures with
// doubling backoff. The returned body has had its envelope verified.
func (c *Client) post(ctx context.Context, method string, reqBody any) ([]byte, error) {
	var lastErr error
	backoff := c.retryBackoff

	for attempt := 1; attempt <= c.retryAttempts; attempt++ {
		body, err := c.doSignedPost(ctx, method, reqBody)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if !domain.Transient(err) {
			return nil, err
		}
		if attempt == c.retryAttempts {
			break
		}

		c.logger.WarnContext(ctx, "retrying pool rpc",
			slog.String("method", method),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if c.backoffCap > 0 && backoff > c.backoffCap {
			backoff = c.backoffCap
		}
	}

	return nil, fmt.Errorf("after %d attempts: %w", c.retryAttempts, lastErr)
}

// doSignedPost builds, signs, sends, and verifies a single RPC round trip.
func (c *Client) doSignedPost(ctx context.Context, method string, reqBody any) ([]byte, error) {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	fullURL := c.baseURL + "/rpc/" + method

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.signer.Headers(jsonBody) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &domain.TransientError{Op: method, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.TransientError{Op: method, Err: fmt.Errorf("read response: %w", err)}
	}

	if err := c.checkStatus(method, resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	// Responses are signed the same way requests are. A missing or invalid
	// signature is treated like an authentication failure, not retried.
	ts := resp.Header.Get(crypto.HeaderTimestamp)
	sig := resp.Header.Get(crypto.HeaderSignature)
	if err := c.signer.Verify(respBody, ts, sig); err != nil {
		return nil, fmt.Errorf("response envelope: %w: %w", domain.ErrUnauthorized, err)
	}

	return respBody, nil
}

// checkStatus maps non-200 HTTP status codes to the error taxonomy: 5xx is
// transient, auth failures and client errors are fatal.
func (c *Client) checkStatus(method string, statusCode int, body []byte) error {
	switch {
	case statusCode == http.StatusOK:
		return nil
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%s: HTTP %d: %w", method, statusCode, domain.ErrUnauthorized)
	case statusCode >= 500:
		return &domain.TransientError{Op: method, Err: fmt.Errorf("HTTP %d: %s", statusCode, truncate(body, 200))}
	default:
		return fmt.Errorf("%s: HTTP %d: %s", method, statusCode, truncate(body, 200))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Ping performs a cheap authenticated round trip so startup can fail fast on
// bad endpoints or keys.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.PullOpenTradeRequests(ctx, "")
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("scm: ping: %w", err)
	}
	return nil
}

var _ domain.SCMClient = (*Client)(nil)
