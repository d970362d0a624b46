// Package exchange implements the trade execution gateway against the
// exchange's REST and websocket APIs. Market orders are placed over REST;
// fills are consumed from the websocket stream with a polling fallback
// when the stream stays quiet past the configured wait.
package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cascadepool/payoutbot/internal/config"
	"github.com/cascadepool/payoutbot/internal/domain"
)

const (
	headerAPIKey    = "X-EXCH-ACCESS-KEY"
	headerSignature = "X-EXCH-ACCESS-SIGNATURE"
	headerTimestamp = "X-EXCH-ACCESS-TIMESTAMP"

	ordersPath = "/v1/orders"
)

// Client is the REST client for the exchange API.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient builds a REST client from exchange config.
func NewClient(cfg config.ExchangeConfig, logger *slog.Logger) *Client {
	return &Client{
		baseURL:   cfg.Endpoint,
		apiKey:    cfg.ApiKey,
		apiSecret: cfg.ApiSecret,
		httpClient: &http.Client{
			Timeout: cfg.Timeout.Duration,
		},
		logger: logger.With(slog.String("component", "exchange")),
	}
}

// PlaceMarketOrder submits a market order and returns the exchange's view
// of it. The returned order may already be filled.
func (c *Client) PlaceMarketOrder(ctx context.Context, market, side string, quantity decimal.Decimal) (Order, error) {
	req := OrderRequest{
		Market:   market,
		Side:     side,
		Type:     "market",
		Quantity: quantity.String(),
	}

	var resp orderResponse
	if err := c.doRequest(ctx, http.MethodPost, ordersPath, req, &resp); err != nil {
		return Order{}, fmt.Errorf("exchange: place order: %w", err)
	}
	return resp.Order, nil
}

// GetOrder fetches the current state of an order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (Order, error) {
	var resp orderResponse
	if err := c.doRequest(ctx, http.MethodGet, ordersPath+"/"+url.PathEscape(orderID), nil, &resp); err != nil {
		return Order{}, fmt.Errorf("exchange: get order: %w", err)
	}
	return resp.Order, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.signRequest(req, method, path, payload)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var uerr *url.Error
		if errors.As(err, &uerr) && uerr.Timeout() {
			return &domain.GatewayTimeoutError{Gateway: "exchange", Op: method + " " + path}
		}
		return &domain.TransientError{Op: "exchange: " + path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.TransientError{Op: "exchange: read response", Err: err}
	}

	if err := c.checkStatus(resp.StatusCode, raw); err != nil {
		return err
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// signRequest attaches the HMAC access headers. The signature covers
// timestamp, method, path and body, so a replayed request with any part
// altered fails verification server-side.
func (c *Client) signRequest(req *http.Request, method, path string, body []byte) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(ts))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)

	req.Header.Set(headerAPIKey, c.apiKey)
	req.Header.Set(headerTimestamp, ts)
	req.Header.Set(headerSignature, base64.StdEncoding.EncodeToString(mac.Sum(nil)))
}

func (c *Client) checkStatus(status int, body []byte) error {
	if status == http.StatusOK || status == http.StatusCreated {
		return nil
	}

	var apiErr errorResponse
	reason := string(body)
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		reason = apiErr.Message
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", domain.ErrUnauthorized, status, reason)
	case status >= 500:
		return &domain.TransientError{
			Op:  "exchange",
			Err: fmt.Errorf("status %d: %s", status, reason),
		}
	default:
		return &domain.RemoteRejectedError{Op: "exchange", Reason: fmt.Sprintf("status %d: %s", status, reason)}
	}
}
