package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/cascadepool/payoutbot/internal/domain"
	"github.com/cascadepool/payoutbot/internal/pipeline"
	"github.com/cascadepool/payoutbot/internal/service"
)

// withRunLock runs fn while holding the currency's run lock, so an operator
// invocation and a daemon cycle can never interleave on the same currency.
func (a *App) withRunLock(ctx context.Context, deps *Dependencies, currency string, fn func() error) error {
	unlock, err := deps.Locks.Acquire(ctx, "run:"+currency, a.cfg.Redis.RunLockTTL.Duration)
	if errors.Is(err, domain.ErrLockHeld) {
		return fmt.Errorf("another run is already processing %s, try again when it finishes: %w", currency, err)
	}
	if err != nil {
		return fmt.Errorf("acquire run lock for %s: %w", currency, err)
	}
	defer unlock()
	return fn()
}

// payoutService builds the payout pipeline for one currency.
func (a *App) payoutService(deps *Dependencies, code string) (*service.PayoutService, error) {
	cur, err := a.cfg.Currency(code)
	if err != nil {
		return nil, err
	}
	network, ok := deps.Networks[code]
	if !ok {
		return nil, fmt.Errorf("no network gateway wired for %s", code)
	}
	return service.NewPayoutService(
		deps.PayoutStore, deps.SCM, network, deps.AuditStore, deps.Notifier,
		service.PayoutConfig{
			Currency:              code,
			MinimumPayout:         cur.MinimumPayout,
			ConfirmationThreshold: cur.ConfirmationThreshold,
			MaxSendAttempts:       cur.MaxSendAttempts,
		},
		a.logger,
	), nil
}

// tradeService builds the trade pipeline. It spans currencies; execution is
// permitted only where the configuration enables trading.
func (a *App) tradeService(deps *Dependencies) *service.TradeService {
	enabled := make(map[string]bool)
	for code, cur := range a.cfg.Currencies {
		if cur.Enabled && cur.TradeEnabled {
			enabled[code] = true
		}
	}
	return service.NewTradeService(
		deps.TradeStore, deps.SCM, deps.Exchange, deps.AuditStore, deps.Notifier,
		service.TradeConfig{Enabled: enabled},
		a.logger,
	)
}

func (a *App) opsService(deps *Dependencies) *service.OpsService {
	return service.NewOpsService(deps.PayoutStore, deps.AuditStore, a.logger)
}

// PullPayouts mirrors the pool's unpaid payouts into the ledger.
func (a *App) PullPayouts(ctx context.Context, deps *Dependencies, args Args) error {
	svc, err := a.payoutService(deps, args.Currency)
	if err != nil {
		return err
	}
	return a.withRunLock(ctx, deps, args.Currency, func() error {
		stored, err := svc.PullPayouts(ctx)
		if err != nil {
			return err
		}
		a.logger.InfoContext(ctx, "payouts pulled",
			slog.String("currency", args.Currency),
			slog.Int("stored", stored),
		)
		return nil
	})
}

// SendPayout broadcasts the currency's sendable payouts. Leftover locks from
// an interrupted run are surfaced first; their payouts stay out of the batch
// until an operator reconciles them.
func (a *App) SendPayout(ctx context.Context, deps *Dependencies, args Args) error {
	svc, err := a.payoutService(deps, args.Currency)
	if err != nil {
		return err
	}
	return a.withRunLock(ctx, deps, args.Currency, func() error {
		ambiguous, err := svc.DetectAmbiguous(ctx)
		if err != nil {
			return err
		}
		if len(ambiguous) > 0 {
			a.logger.WarnContext(ctx, "payouts excluded from send pending reconciliation",
				slog.String("currency", args.Currency),
				slog.Int("payouts", len(ambiguous)),
			)
		}
		return svc.SendPayouts(ctx)
	})
}

// Associate reports one sent payout's transaction id to the pool.
func (a *App) Associate(ctx context.Context, deps *Dependencies, args Args) error {
	if args.ID == "" {
		return fmt.Errorf("associate requires -id with a payout id: %w", domain.ErrInvalidInput)
	}
	svc, err := a.payoutService(deps, args.Currency)
	if err != nil {
		return err
	}
	return a.withRunLock(ctx, deps, args.Currency, func() error {
		return svc.Associate(ctx, args.ID)
	})
}

// AssociateAll reports every sent-but-unassociated payout to the pool.
func (a *App) AssociateAll(ctx context.Context, deps *Dependencies, args Args) error {
	svc, err := a.payoutService(deps, args.Currency)
	if err != nil {
		return err
	}
	return a.withRunLock(ctx, deps, args.Currency, func() error {
		return svc.AssociateAll(ctx)
	})
}

// ConfirmTransactions settles associated payouts whose transactions have
// reached the confirmation threshold.
func (a *App) ConfirmTransactions(ctx context.Context, deps *Dependencies, args Args) error {
	svc, err := a.payoutService(deps, args.Currency)
	if err != nil {
		return err
	}
	return a.withRunLock(ctx, deps, args.Currency, func() error {
		return svc.ConfirmPayouts(ctx)
	})
}

// GetOpenTradeRequests prints the pool's open trade requests as JSON, split
// by side the way an operator scans them. The pull mirrors the requests into
// the ledger, so it runs under the run lock like any other ledger write.
func (a *App) GetOpenTradeRequests(ctx context.Context, deps *Dependencies, args Args) error {
	svc := a.tradeService(deps)
	var reqs []domain.TradeRequest
	err := a.withRunLock(ctx, deps, args.Currency, func() error {
		var pullErr error
		reqs, pullErr = svc.GetOpenTradeRequests(ctx, args.Currency)
		return pullErr
	})
	if err != nil {
		return err
	}

	out := struct {
		Sells []domain.TradeRequest `json:"sells"`
		Buys  []domain.TradeRequest `json:"buys"`
	}{
		Sells: []domain.TradeRequest{},
		Buys:  []domain.TradeRequest{},
	}
	for _, tr := range reqs {
		switch tr.Side {
		case domain.TradeSideSell:
			out.Sells = append(out.Sells, tr)
		case domain.TradeSideBuy:
			out.Buys = append(out.Buys, tr)
		}
	}

	buf, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode trade requests: %w", err)
	}
	fmt.Fprintln(os.Stdout, string(buf))
	return nil
}

// CloseTradeRequest closes a single trade request with operator-supplied
// execution values.
func (a *App) CloseTradeRequest(ctx context.Context, deps *Dependencies, args Args) error {
	if args.ID == "" {
		return fmt.Errorf("close_trade_request requires -id with a trade request id: %w", domain.ErrInvalidInput)
	}
	id, err := strconv.ParseInt(args.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("trade request id %q is not numeric: %w", args.ID, domain.ErrInvalidInput)
	}
	if args.Amount == nil {
		return fmt.Errorf("close_trade_request requires -amount with the executed quantity: %w", domain.ErrInvalidInput)
	}
	fees := decimal.Zero
	if args.Fees != nil {
		fees = *args.Fees
	}

	svc := a.tradeService(deps)
	return a.withRunLock(ctx, deps, args.Currency, func() error {
		return svc.CloseTradeRequest(ctx, id, *args.Amount, fees)
	})
}

// CloseSellRequests closes the currency's open sell requests, optionally
// limited to an id range. With -amount the supplied values are recorded on
// every matched request; without it each request is executed on the exchange.
func (a *App) CloseSellRequests(ctx context.Context, deps *Dependencies, args Args) error {
	values, err := closeValues(args)
	if err != nil {
		return err
	}
	svc := a.tradeService(deps)
	return a.withRunLock(ctx, deps, args.Currency, func() error {
		return svc.CloseSellRequests(ctx, args.Currency, args.Range, values)
	})
}

// CloseBuyRequests is the buy-side counterpart of CloseSellRequests.
func (a *App) CloseBuyRequests(ctx context.Context, deps *Dependencies, args Args) error {
	values, err := closeValues(args)
	if err != nil {
		return err
	}
	svc := a.tradeService(deps)
	return a.withRunLock(ctx, deps, args.Currency, func() error {
		return svc.CloseBuyRequests(ctx, args.Currency, args.Range, values)
	})
}

// closeValues converts the optional -amount and -fees flags into CloseValues.
// Fees describe a measured execution, so they are meaningless without an
// amount.
func closeValues(args Args) (*service.CloseValues, error) {
	if args.Amount == nil {
		if args.Fees != nil {
			return nil, fmt.Errorf("-fees requires -amount: %w", domain.ErrInvalidInput)
		}
		return nil, nil
	}
	v := service.CloseValues{Quantity: *args.Amount}
	if args.Fees != nil {
		v.Fees = *args.Fees
	}
	return &v, nil
}

// ResetLocked releases the currency's leftover payout locks after the
// operator has verified no broadcast happened.
func (a *App) ResetLocked(ctx context.Context, deps *Dependencies, args Args) error {
	svc := a.opsService(deps)
	return a.withRunLock(ctx, deps, args.Currency, func() error {
		released, err := svc.ResetLocked(ctx, args.Currency)
		if err != nil {
			return err
		}
		a.logger.InfoContext(ctx, "locked payouts released",
			slog.String("currency", args.Currency),
			slog.Int64("released", released),
		)
		return nil
	})
}

// LocalAssociate attaches a transaction id the operator recovered from the
// wallet to a payout the crash left behind. With -id it repairs that one
// payout; without it every locked payout of the currency is attached to the
// transaction.
func (a *App) LocalAssociate(ctx context.Context, deps *Dependencies, args Args) error {
	if args.TxID == "" {
		return fmt.Errorf("local_associate requires -txid with the broadcast transaction id: %w", domain.ErrInvalidInput)
	}
	svc := a.opsService(deps)
	return a.withRunLock(ctx, deps, args.Currency, func() error {
		if args.ID != "" {
			if err := svc.LocalAssociate(ctx, args.ID, args.TxID); err != nil {
				return err
			}
			a.logger.InfoContext(ctx, "payout attached to transaction",
				slog.String("payout_id", args.ID),
				slog.String("txid", args.TxID),
			)
			return nil
		}

		repaired, err := svc.LocalAssociateAll(ctx, args.Currency, args.TxID)
		if err != nil {
			return err
		}
		a.logger.InfoContext(ctx, "locked payouts attached to transaction",
			slog.String("currency", args.Currency),
			slog.String("txid", args.TxID),
			slog.Int("repaired", repaired),
		)
		return nil
	})
}

// DumpIncomplete prints the currency's in-flight payouts as JSON for
// reconciliation.
func (a *App) DumpIncomplete(ctx context.Context, deps *Dependencies, args Args) error {
	dump, err := a.opsService(deps).DumpIncomplete(ctx, args.Currency)
	if err != nil {
		return err
	}
	buf, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return fmt.Errorf("encode dump: %w", err)
	}
	fmt.Fprintln(os.Stdout, string(buf))
	return nil
}

// Archive snapshots settled ledger records to object storage.
func (a *App) Archive(ctx context.Context, deps *Dependencies, _ Args) error {
	if deps.Archiver == nil {
		return fmt.Errorf("archiving is not wired, enable [archive] and configure [s3]")
	}
	return pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger).Run(ctx)
}

// Migrate brings the database schema up to date. The migrations themselves
// run during wiring; reaching this point means they applied.
func (a *App) Migrate(ctx context.Context, _ *Dependencies, _ Args) error {
	a.logger.InfoContext(ctx, "migrations applied")
	return nil
}

// Daemon runs the pipelines continuously: one worker per enabled currency
// plus, when archiving is wired, the archive cron.
func (a *App) Daemon(ctx context.Context, deps *Dependencies) error {
	trades := a.tradeService(deps)

	var workers []*pipeline.Worker
	for _, code := range a.cfg.EnabledCurrencies() {
		cur := a.cfg.Currencies[code]
		if !cur.PayoutEnabled && !cur.TradeEnabled {
			continue
		}

		var payouts *service.PayoutService
		if cur.PayoutEnabled {
			svc, err := a.payoutService(deps, code)
			if err != nil {
				return err
			}
			payouts = svc
		}

		workers = append(workers, pipeline.NewWorker(payouts, trades, deps.Locks, pipeline.WorkerConfig{
			Currency:      code,
			Interval:      cur.PollInterval.Duration,
			LockTTL:       a.cfg.Redis.RunLockTTL.Duration,
			PayoutEnabled: cur.PayoutEnabled,
			TradeEnabled:  cur.TradeEnabled,
		}, a.logger))
	}
	if len(workers) == 0 {
		return fmt.Errorf("no enabled currency has payouts or trading switched on")
	}

	var archiver *pipeline.Archiver
	if deps.Archiver != nil {
		archiver = pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
	}

	return pipeline.NewOrchestrator(workers, archiver, a.cfg.Archive.Cron, a.logger).Run(ctx)
}
