package scm

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// tradeStatusClosed is the remote enum value for a settled trade request.
const tradeStatusClosed = 6

// getPayoutsRequest asks for the unpaid payouts of one currency.
type getPayoutsRequest struct {
	Currency string `json:"currency"`
}

// getPayoutsResponse carries payout rows as positional arrays.
type getPayoutsResponse struct {
	PIDs []payoutRow `json:"pids"`
}

// payoutRow is one [user, address, amount, pid] array from the pool service.
// Amounts arrive as decimal strings; ids may be numbers or strings depending
// on the server version.
type payoutRow struct {
	User    string
	Address string
	Amount  decimal.Decimal
	ID      string
}

func (r *payoutRow) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 4 {
		return fmt.Errorf("payout row has %d fields, want 4", len(raw))
	}
	if err := json.Unmarshal(raw[0], &r.User); err != nil {
		return fmt.Errorf("payout row user: %w", err)
	}
	if err := json.Unmarshal(raw[1], &r.Address); err != nil {
		return fmt.Errorf("payout row address: %w", err)
	}
	if err := json.Unmarshal(raw[2], &r.Amount); err != nil {
		return fmt.Errorf("payout row amount: %w", err)
	}
	id, err := flexibleString(raw[3])
	if err != nil {
		return fmt.Errorf("payout row pid: %w", err)
	}
	r.ID = id
	return nil
}

// associatePayoutsRequest attaches a broadcast txid and its network fee to a
// payout id. The pids field is an array on the wire; the server accepts any
// number of ids per call.
type associatePayoutsRequest struct {
	CoinTxid string          `json:"coin_txid"`
	PIDs     []string        `json:"pids"`
	TxFee    decimal.Decimal `json:"tx_fee"`
	Currency string          `json:"currency"`
}

// confirmPayoutsRequest marks a payout complete, naming both the payout and
// the transaction that met the confirmation threshold. Arrays on the wire for
// the same reason as associatePayoutsRequest.
type confirmPayoutsRequest struct {
	Currency string   `json:"currency"`
	PIDs     []string `json:"pids"`
	TIDs     []string `json:"tids"`
}

// resultResponse is the {"result": bool} acknowledgement envelope.
type resultResponse struct {
	Result bool `json:"result"`
}

// getTradeRequestsResponse carries trade request rows as positional arrays.
type getTradeRequestsResponse struct {
	TRs []tradeRow `json:"trs"`
}

// tradeRow is one [id, currency, quantity, side] array from the pool service.
type tradeRow struct {
	ID       int64
	Currency string
	Quantity decimal.Decimal
	Side     string
}

func (r *tradeRow) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 4 {
		return fmt.Errorf("trade row has %d fields, want 4", len(raw))
	}
	if err := json.Unmarshal(raw[0], &r.ID); err != nil {
		return fmt.Errorf("trade row id: %w", err)
	}
	if err := json.Unmarshal(raw[1], &r.Currency); err != nil {
		return fmt.Errorf("trade row currency: %w", err)
	}
	if err := json.Unmarshal(raw[2], &r.Quantity); err != nil {
		return fmt.Errorf("trade row quantity: %w", err)
	}
	if err := json.Unmarshal(raw[3], &r.Side); err != nil {
		return fmt.Errorf("trade row side: %w", err)
	}
	return nil
}

// tradeClose is the per-request settlement payload. Quantity and fees are
// decimal strings.
type tradeClose struct {
	Status   int    `json:"status"`
	Quantity string `json:"quantity"`
	Fees     string `json:"fees"`
}

// updateTradeRequestsRequest settles trade requests keyed by id. The server
// accepts a map of any size; the client sends one entry per call.
type updateTradeRequestsRequest struct {
	Update bool                 `json:"update"`
	TRs    map[int64]tradeClose `json:"trs"`
}

// flexibleString decodes a JSON string or number into a string.
func flexibleString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("value %s is neither string nor number", raw)
}
