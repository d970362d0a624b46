package exchange

import "github.com/shopspring/decimal"

// Order statuses reported by the exchange.
const (
	OrderStatusOpen            = "open"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusFilled          = "filled"
	OrderStatusCanceled        = "canceled"
)

// OrderRequest is the payload for placing a market order.
type OrderRequest struct {
	Market   string `json:"market"`
	Side     string `json:"side"`
	Type     string `json:"type"`
	Quantity string `json:"quantity"`
}

// Order is the exchange's view of an order.
type Order struct {
	ID             string          `json:"id"`
	Market         string          `json:"market"`
	Side           string          `json:"side"`
	Status         string          `json:"status"`
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	Fees           decimal.Decimal `json:"fees"`
}

// Filled reports whether the order stopped executing: fully filled, or
// canceled after a partial fill.
func (o Order) Filled() bool {
	return o.Status == OrderStatusFilled || o.Status == OrderStatusCanceled
}

// orderResponse wraps a single order.
type orderResponse struct {
	Order Order `json:"order"`
}

// errorResponse is the exchange's error envelope.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// fillMessage is one execution report from the fills channel.
type fillMessage struct {
	Type           string          `json:"type"`
	OrderID        string          `json:"order_id"`
	Market         string          `json:"market"`
	Status         string          `json:"status"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	Fees           decimal.Decimal `json:"fees"`
}

func (m fillMessage) terminal() bool {
	return m.Status == OrderStatusFilled || m.Status == OrderStatusCanceled
}

// wsCommand is the subscribe envelope for the fills channel.
type wsCommand struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}
