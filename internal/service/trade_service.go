package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cascadepool/payoutbot/internal/domain"
	"github.com/cascadepool/payoutbot/internal/notify"
)

// TradeConfig controls which currencies the trade pipeline may execute on the
// exchange. Closes that carry operator-supplied values never touch the
// exchange and ignore it.
type TradeConfig struct {
	Enabled map[string]bool
}

// CloseValues carries an operator-measured execution result. A batch close
// given CloseValues records them on every matched request exactly as passed;
// it never splits them across the batch, so the operator must hand it a range
// of requests the values actually describe.
type CloseValues struct {
	Quantity decimal.Decimal
	Fees     decimal.Decimal
}

// TradeService mirrors the pool's open trade requests into the ledger,
// executes them on the exchange, and reports the resulting fills back.
type TradeService struct {
	trades   domain.TradeStore
	scm      domain.SCMClient
	exchange domain.ExchangeGateway
	audit    domain.AuditStore
	notifier *notify.Notifier
	cfg      TradeConfig
	logger   *slog.Logger
}

// NewTradeService creates a TradeService with all required dependencies.
func NewTradeService(
	trades domain.TradeStore,
	scm domain.SCMClient,
	exchange domain.ExchangeGateway,
	audit domain.AuditStore,
	notifier *notify.Notifier,
	cfg TradeConfig,
	logger *slog.Logger,
) *TradeService {
	return &TradeService{
		trades:   trades,
		scm:      scm,
		exchange: exchange,
		audit:    audit,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
	}
}

// GetOpenTradeRequests pulls the pool's open trade requests, mirrors them into
// the ledger, and returns the subset for the given currency (empty matches
// all). The pool is always asked fresh; the ledger copy exists for execution
// tracking, never as a cache for this call.
func (s *TradeService) GetOpenTradeRequests(ctx context.Context, currency string) ([]domain.TradeRequest, error) {
	remote, err := s.scm.PullOpenTradeRequests(ctx, currency)
	if err != nil {
		return nil, fmt.Errorf("trade_service: pull open trade requests: %w", err)
	}

	now := time.Now().UTC()
	matched := make([]domain.TradeRequest, 0, len(remote))
	for _, rt := range remote {
		tr := domain.TradeRequest{
			ID:       rt.ID,
			Currency: rt.Currency,
			Side:     rt.Side,
			Quantity: rt.Quantity,
			Status:   domain.TradeStatusOpen,
			PulledAt: now,
		}
		if err := s.trades.Upsert(ctx, tr); err != nil {
			return nil, fmt.Errorf("trade_service: upsert trade request %d: %w", rt.ID, err)
		}
		matched = append(matched, tr)
	}

	s.logger.InfoContext(ctx, "trade_service: pulled open trade requests",
		slog.String("currency", currency),
		slog.Int("open", len(matched)),
	)
	return matched, nil
}

// ExecuteTrades pulls the open trade requests for a currency and executes each
// on the exchange, recording fills locally. A request whose outcome is unknown
// after a gateway timeout is parked for manual review instead of retried; the
// exchange may or may not have filled it.
func (s *TradeService) ExecuteTrades(ctx context.Context, currency string) error {
	open, err := s.GetOpenTradeRequests(ctx, currency)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		s.logger.InfoContext(ctx, "trade_service: no open trade requests",
			slog.String("currency", currency),
		)
		return nil
	}

	var executed int
	var firstErr error
	for _, tr := range open {
		if !s.cfg.Enabled[tr.Currency] {
			s.logger.InfoContext(ctx, "trade_service: trading disabled, skipping request",
				slog.String("currency", tr.Currency),
				slog.Int64("trade_id", tr.ID),
			)
			continue
		}

		local, err := s.trades.GetByID(ctx, tr.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "trade_service: trade request lookup failed",
				slog.Int64("trade_id", tr.ID),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if local.Status != domain.TradeStatusOpen || local.ManualReview {
			continue
		}

		fill, err := s.executeFill(ctx, tr)
		if err != nil {
			s.recordExecutionFailure(ctx, tr, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if err := s.trades.MarkExecuted(ctx, tr.ID, fill); err != nil {
			s.logger.ErrorContext(ctx, "trade_service: mark executed failed",
				slog.Int64("trade_id", tr.ID),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		executed++
		s.logger.InfoContext(ctx, "trade_service: trade executed",
			slog.Int64("trade_id", tr.ID),
			slog.String("currency", tr.Currency),
			slog.String("side", string(tr.Side)),
			slog.String("quantity", fill.ExecutedQuantity.String()),
			slog.String("fees", fill.Fees.String()),
		)
		s.logAudit(ctx, "trade_executed", map[string]any{
			"currency": tr.Currency,
			"trade_id": tr.ID,
			"side":     string(tr.Side),
			"quantity": fill.ExecutedQuantity.String(),
			"fees":     fill.Fees.String(),
		})
	}

	if executed > 0 {
		s.logger.InfoContext(ctx, "trade_service: execution pass complete",
			slog.String("currency", currency),
			slog.Int("executed", executed),
		)
	}
	return firstErr
}

func (s *TradeService) executeFill(ctx context.Context, tr domain.TradeRequest) (domain.Fill, error) {
	switch tr.Side {
	case domain.TradeSideSell:
		return s.exchange.ExecuteSell(ctx, tr.Currency, tr.Quantity)
	case domain.TradeSideBuy:
		return s.exchange.ExecuteBuy(ctx, tr.Currency, tr.Quantity)
	default:
		return domain.Fill{}, fmt.Errorf("unknown trade side %q: %w", tr.Side, domain.ErrInvalidInput)
	}
}

// recordExecutionFailure handles an exchange error for one request. After a
// timeout the venue may or may not have filled the order, so the request is
// parked for manual review and never resubmitted; any other error leaves it
// open for the next pass.
func (s *TradeService) recordExecutionFailure(ctx context.Context, tr domain.TradeRequest, execErr error) {
	var timeout *domain.GatewayTimeoutError
	if !errors.As(execErr, &timeout) {
		s.logger.WarnContext(ctx, "trade_service: execution failed, request stays open",
			slog.Int64("trade_id", tr.ID),
			slog.String("error", execErr.Error()),
		)
		return
	}

	s.logger.ErrorContext(ctx, "trade_service: execution outcome unknown after timeout, parking request",
		slog.Int64("trade_id", tr.ID),
		slog.String("currency", tr.Currency),
	)
	if err := s.trades.FlagManualReview(ctx, tr.ID, true); err != nil {
		s.logger.ErrorContext(ctx, "trade_service: manual review flag failed",
			slog.Int64("trade_id", tr.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := s.notifier.Notify(ctx, notify.EventManualReview,
		fmt.Sprintf("%s trade execution outcome unknown", tr.Currency),
		fmt.Sprintf("Trade request %d timed out at the exchange. Check the exchange before releasing it.", tr.ID),
	); err != nil {
		s.logger.WarnContext(ctx, "trade_service: notify failed", slog.String("error", err.Error()))
	}
	s.logAudit(ctx, "trade_execution_unknown", map[string]any{
		"currency": tr.Currency,
		"trade_id": tr.ID,
	})
}

// CloseExecuted reports every executed request's stored fill back to the pool
// and marks each closed. A push that fails in transit leaves its request
// executed for the next pass; a pool rejection parks the request for the
// operator.
func (s *TradeService) CloseExecuted(ctx context.Context, currency string) error {
	executed, err := s.trades.ListByStatus(ctx, currency, domain.TradeStatusExecuted, domain.ListOpts{})
	if err != nil {
		return fmt.Errorf("trade_service: list executed: %w", err)
	}

	var firstErr error
	var closed int
	for _, tr := range executed {
		if tr.ManualReview {
			continue
		}
		fill := domain.Fill{ExecutedQuantity: tr.ExecutedQuantity, Fees: tr.Fees}
		if err := s.closeOne(ctx, currency, tr.ID, fill); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		closed++
	}
	if closed == 0 {
		return firstErr
	}

	s.logger.InfoContext(ctx, "trade_service: executed trades closed",
		slog.String("currency", currency),
		slog.Int("trades", closed),
	)
	s.logAudit(ctx, "trades_closed", map[string]any{
		"currency": currency,
		"trades":   closed,
	})
	return firstErr
}

// closeOne settles one executed request remotely and marks it closed. On a
// pool rejection the request is flagged for manual review and the operator
// notified; the flag keeps later passes from resubmitting a close the pool
// has already refused.
func (s *TradeService) closeOne(ctx context.Context, currency string, id int64, fill domain.Fill) error {
	if err := s.scm.PushTradeClose(ctx, id, fill); err != nil {
		var rejected *domain.RemoteRejectedError
		if !errors.As(err, &rejected) {
			s.logger.WarnContext(ctx, "trade_service: close push failed",
				slog.Int64("trade_id", id),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("trade_service: close trade request %d: %w", id, err)
		}

		s.logger.ErrorContext(ctx, "trade_service: pool rejected trade close",
			slog.Int64("trade_id", id),
			slog.String("currency", currency),
			slog.String("reason", rejected.Reason),
		)
		if flagErr := s.trades.FlagManualReview(ctx, id, true); flagErr != nil {
			s.logger.ErrorContext(ctx, "trade_service: manual review flag failed",
				slog.Int64("trade_id", id),
				slog.String("error", flagErr.Error()),
			)
		}
		if notifyErr := s.notifier.Notify(ctx, notify.EventRemoteRejected,
			fmt.Sprintf("%s trade close rejected", currency),
			fmt.Sprintf("Pool refused the close of trade request %d: %s. The request is parked for manual review.",
				id, rejected.Reason),
		); notifyErr != nil {
			s.logger.WarnContext(ctx, "trade_service: notify failed", slog.String("error", notifyErr.Error()))
		}
		s.logAudit(ctx, "trade_close_rejected", map[string]any{
			"currency": currency,
			"trade_id": id,
			"reason":   rejected.Reason,
		})
		return fmt.Errorf("trade_service: close trade request %d: %w", id, err)
	}

	if err := s.trades.MarkClosed(ctx, id); err != nil {
		s.logger.ErrorContext(ctx, "trade_service: mark closed failed",
			slog.Int64("trade_id", id),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// CloseTradeRequest closes a single request with operator-supplied values,
// typically one settled out of band. A local copy, when one exists, is marked
// executed before the push so a failed push can be finished later through
// CloseExecuted; requests the daemon never pulled are closed remotely only.
func (s *TradeService) CloseTradeRequest(ctx context.Context, id int64, quantity, fees decimal.Decimal) error {
	if quantity.IsNegative() || fees.IsNegative() {
		return fmt.Errorf("trade_service: close quantity and fees must not be negative: %w", domain.ErrInvalidInput)
	}

	fill := domain.Fill{ExecutedQuantity: quantity, Fees: fees}
	local, err := s.trades.GetByID(ctx, id)
	tracked := err == nil
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("trade_service: close trade request %d: %w", id, err)
	}
	if tracked && local.Status == domain.TradeStatusOpen {
		if err := s.trades.MarkExecuted(ctx, id, fill); err != nil {
			return fmt.Errorf("trade_service: close trade request %d: %w", id, err)
		}
	}

	if err := s.scm.PushTradeClose(ctx, id, fill); err != nil {
		return fmt.Errorf("trade_service: close trade request %d: %w", id, err)
	}

	if tracked && local.Status != domain.TradeStatusClosed {
		if err := s.trades.MarkClosed(ctx, id); err != nil {
			s.logger.WarnContext(ctx, "trade_service: local mark closed failed after close",
				slog.Int64("trade_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "trade_service: trade request closed",
		slog.Int64("trade_id", id),
		slog.String("quantity", quantity.String()),
		slog.String("fees", fees.String()),
	)
	s.logAudit(ctx, "trade_closed", map[string]any{
		"trade_id": id,
		"quantity": quantity.String(),
		"fees":     fees.String(),
	})
	return nil
}

// CloseSellRequests closes every open sell request whose id falls in rng, or
// all of them when rng is nil. With values each matched request is recorded
// with those exact values; without values each request is executed on the
// exchange at its own quantity and the actual fill recorded.
func (s *TradeService) CloseSellRequests(ctx context.Context, currency string, rng *domain.IDRange, values *CloseValues) error {
	return s.closeBatch(ctx, currency, domain.TradeSideSell, rng, values)
}

// CloseBuyRequests is CloseSellRequests for the buy side.
func (s *TradeService) CloseBuyRequests(ctx context.Context, currency string, rng *domain.IDRange, values *CloseValues) error {
	return s.closeBatch(ctx, currency, domain.TradeSideBuy, rng, values)
}

func (s *TradeService) closeBatch(ctx context.Context, currency string, side domain.TradeSide, rng *domain.IDRange, values *CloseValues) error {
	if rng != nil && rng.Start > rng.Stop {
		return fmt.Errorf("trade_service: id range start %d after stop %d: %w", rng.Start, rng.Stop, domain.ErrInvalidInput)
	}
	if values != nil {
		if !values.Quantity.IsPositive() {
			return fmt.Errorf("trade_service: close quantity must be positive: %w", domain.ErrInvalidInput)
		}
		if values.Fees.IsNegative() {
			return fmt.Errorf("trade_service: close fees must not be negative: %w", domain.ErrInvalidInput)
		}
	}
	if values == nil && !s.cfg.Enabled[currency] {
		return fmt.Errorf("trade_service: trading disabled for %s: %w", currency, domain.ErrInvalidInput)
	}

	// The pool decides what is still open. Pull fresh rather than trusting
	// the ledger's view of the range.
	remote, err := s.GetOpenTradeRequests(ctx, currency)
	if err != nil {
		return err
	}
	var targets []domain.TradeRequest
	for _, tr := range remote {
		if tr.Side != side {
			continue
		}
		if rng != nil && !rng.Contains(tr.ID) {
			continue
		}
		targets = append(targets, tr)
	}
	if len(targets) == 0 {
		if rng != nil {
			return fmt.Errorf("trade_service: no open %s requests in range [%d, %d]: %w",
				side, rng.Start, rng.Stop, domain.ErrNotFound)
		}
		return fmt.Errorf("trade_service: no open %s requests for %s: %w", side, currency, domain.ErrNotFound)
	}

	closes := make(map[int64]domain.Fill, len(targets))
	var firstErr error
	for _, tr := range targets {
		local, err := s.trades.GetByID(ctx, tr.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "trade_service: trade request lookup failed",
				slog.Int64("trade_id", tr.ID),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if local.ManualReview {
			s.logger.InfoContext(ctx, "trade_service: skipping request flagged for manual review",
				slog.Int64("trade_id", tr.ID),
			)
			continue
		}
		if local.Status == domain.TradeStatusExecuted {
			// Executed on an earlier pass whose push never landed.
			// Re-report the stored fill instead of touching the exchange.
			closes[tr.ID] = domain.Fill{ExecutedQuantity: local.ExecutedQuantity, Fees: local.Fees}
			continue
		}
		if local.Status != domain.TradeStatusOpen {
			continue
		}

		var fill domain.Fill
		if values != nil {
			fill = domain.Fill{ExecutedQuantity: values.Quantity, Fees: values.Fees}
		} else {
			fill, err = s.executeFill(ctx, tr)
			if err != nil {
				s.recordExecutionFailure(ctx, tr, err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
		}
		if err := s.trades.MarkExecuted(ctx, tr.ID, fill); err != nil {
			s.logger.ErrorContext(ctx, "trade_service: mark executed failed",
				slog.Int64("trade_id", tr.ID),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		closes[tr.ID] = fill
	}
	if len(closes) == 0 {
		s.logger.InfoContext(ctx, "trade_service: nothing to close",
			slog.String("currency", currency),
			slog.String("side", string(side)),
		)
		return firstErr
	}

	// Each close goes out on its own. A request whose push fails in transit
	// stays executed with its fill and a later CloseExecuted pass retries.
	var closed int
	for _, tr := range targets {
		fill, ok := closes[tr.ID]
		if !ok {
			continue
		}
		if err := s.closeOne(ctx, currency, tr.ID, fill); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		closed++
	}
	if closed == 0 {
		return firstErr
	}

	rangeLabel := "all"
	if rng != nil {
		rangeLabel = fmt.Sprintf("[%d, %d]", rng.Start, rng.Stop)
	}
	s.logger.InfoContext(ctx, "trade_service: batch close complete",
		slog.String("currency", currency),
		slog.String("side", string(side)),
		slog.String("range", rangeLabel),
		slog.Int("trades", closed),
	)
	s.logAudit(ctx, "trades_closed", map[string]any{
		"currency": currency,
		"side":     string(side),
		"range":    rangeLabel,
		"trades":   closed,
	})
	return firstErr
}

func (s *TradeService) logAudit(ctx context.Context, event string, detail map[string]any) {
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "trade_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
