package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cascadepool/payoutbot/internal/config"
	"github.com/cascadepool/payoutbot/internal/domain"
)

// pollEvery is the REST polling cadence once the fill stream misses an
// execution report.
const pollEvery = 2 * time.Second

// Gateway executes market orders and resolves their fills. A fill is
// awaited first on the websocket stream, then by polling the order over
// REST until ctx expires. An order whose outcome is still unknown when
// ctx expires surfaces as a gateway timeout, never as a failure.
type Gateway struct {
	rest     *Client
	stream   *FillStream
	markets  map[string]string
	fillWait time.Duration
	logger   *slog.Logger
}

// NewGateway builds the execution gateway. markets maps currency codes to
// the exchange market symbol they trade on.
func NewGateway(cfg config.ExchangeConfig, markets map[string]string, logger *slog.Logger) *Gateway {
	return &Gateway{
		rest:     NewClient(cfg, logger),
		stream:   NewFillStream(cfg.WsEndpoint, cfg.ApiKey, cfg.ApiSecret, logger),
		markets:  markets,
		fillWait: cfg.FillWait.Duration,
		logger:   logger.With(slog.String("component", "exchange")),
	}
}

// Start connects the fill stream.
func (g *Gateway) Start(ctx context.Context) error {
	return g.stream.Connect(ctx)
}

// Close shuts down the fill stream.
func (g *Gateway) Close() error {
	return g.stream.Close()
}

// ExecuteSell places a market sell for quantity of currency.
func (g *Gateway) ExecuteSell(ctx context.Context, currency string, quantity decimal.Decimal) (domain.Fill, error) {
	return g.execute(ctx, currency, "sell", quantity)
}

// ExecuteBuy places a market buy for quantity of currency.
func (g *Gateway) ExecuteBuy(ctx context.Context, currency string, quantity decimal.Decimal) (domain.Fill, error) {
	return g.execute(ctx, currency, "buy", quantity)
}

func (g *Gateway) execute(ctx context.Context, currency, side string, quantity decimal.Decimal) (domain.Fill, error) {
	if !quantity.IsPositive() {
		return domain.Fill{}, fmt.Errorf("exchange: quantity must be positive: %w", domain.ErrInvalidInput)
	}
	market, ok := g.markets[currency]
	if !ok {
		return domain.Fill{}, fmt.Errorf("exchange: no market configured for %s: %w", currency, domain.ErrInvalidInput)
	}

	order, err := g.rest.PlaceMarketOrder(ctx, market, side, quantity)
	if err != nil {
		return domain.Fill{}, err
	}

	g.logger.InfoContext(ctx, "order placed",
		slog.String("order_id", order.ID),
		slog.String("market", market),
		slog.String("side", side),
		slog.String("quantity", quantity.String()))

	if order.Filled() {
		return fillFromOrder(order), nil
	}

	msg, err := g.stream.Await(ctx, order.ID, g.fillWait)
	switch {
	case err == nil:
		return domain.Fill{ExecutedQuantity: msg.FilledQuantity, Fees: msg.Fees}, nil
	case errors.Is(err, ErrAwaitTimeout) || errors.Is(err, ErrStreamClosed):
		g.logger.WarnContext(ctx, "no execution report, polling order",
			slog.String("order_id", order.ID))
		return g.pollOrder(ctx, order.ID, side)
	default:
		return g.pollOrder(ctx, order.ID, side)
	}
}

// pollOrder polls the order over REST until it reaches a terminal status
// or ctx expires.
func (g *Gateway) pollOrder(ctx context.Context, orderID, side string) (domain.Fill, error) {
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		order, err := g.rest.GetOrder(ctx, orderID)
		switch {
		case err == nil:
			if order.Filled() {
				return fillFromOrder(order), nil
			}
		case pollRetryable(err):
		default:
			return domain.Fill{}, err
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return domain.Fill{}, &domain.GatewayTimeoutError{
				Gateway: "exchange",
				Op:      "execute_" + side + " " + orderID,
			}
		}
	}
}

func pollRetryable(err error) bool {
	var gte *domain.GatewayTimeoutError
	return domain.Transient(err) || errors.As(err, &gte)
}

func fillFromOrder(o Order) domain.Fill {
	return domain.Fill{ExecutedQuantity: o.FilledQuantity, Fees: o.Fees}
}

var _ domain.ExchangeGateway = (*Gateway)(nil)
