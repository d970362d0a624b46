package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cascadepool/payoutbot/internal/domain"
	"github.com/cascadepool/payoutbot/internal/service"
)

// runLockTTL bounds how long a crashed run can shadow a currency before its
// lock expires and another instance may take over.
const runLockTTL = 10 * time.Minute

// WorkerConfig selects what a currency worker actually runs each cycle.
// A zero LockTTL falls back to runLockTTL.
type WorkerConfig struct {
	Currency      string
	Interval      time.Duration
	LockTTL       time.Duration
	PayoutEnabled bool
	TradeEnabled  bool
}

// Worker drives one currency through its pipeline stages on a fixed interval.
// The payout stages always run in lifecycle order, pull then send then
// associate then confirm; a stage failure is logged and the later stages still
// run, since each one only consumes records the earlier stages already
// settled on previous cycles. A distributed run lock keeps the daemon and a
// concurrent operator invocation from working the same currency at once.
type Worker struct {
	payouts *service.PayoutService
	trades  *service.TradeService
	locks   domain.LockManager
	cfg     WorkerConfig
	logger  *slog.Logger
}

// NewWorker creates a Worker for one currency.
func NewWorker(
	payouts *service.PayoutService,
	trades *service.TradeService,
	locks domain.LockManager,
	cfg WorkerConfig,
	logger *slog.Logger,
) *Worker {
	return &Worker{
		payouts: payouts,
		trades:  trades,
		locks:   locks,
		cfg:     cfg,
		logger:  logger.With(slog.String("currency", cfg.Currency)),
	}
}

// RunLoop surfaces any ambiguity left by an earlier crash, then runs pipeline
// cycles until the context is cancelled. The first cycle starts immediately.
func (w *Worker) RunLoop(ctx context.Context) error {
	if w.cfg.PayoutEnabled {
		if _, err := w.payouts.DetectAmbiguous(ctx); err != nil {
			w.logger.ErrorContext(ctx, "pipeline: startup ambiguity check failed",
				slog.String("error", err.Error()),
			)
		}
	}

	w.runOnce(ctx)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "pipeline: currency worker stopped")
			return ctx.Err()
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// runOnce executes a single pipeline cycle under the currency's run lock.
func (w *Worker) runOnce(ctx context.Context) {
	ttl := w.cfg.LockTTL
	if ttl <= 0 {
		ttl = runLockTTL
	}
	unlock, err := w.locks.Acquire(ctx, "run:"+w.cfg.Currency, ttl)
	if errors.Is(err, domain.ErrLockHeld) {
		w.logger.InfoContext(ctx, "pipeline: another run holds the currency lock, skipping cycle")
		return
	}
	if err != nil {
		w.logger.ErrorContext(ctx, "pipeline: run lock acquisition failed",
			slog.String("error", err.Error()),
		)
		return
	}
	defer unlock()

	if w.cfg.PayoutEnabled {
		w.runStage(ctx, "pull_payouts", func(ctx context.Context) error {
			_, err := w.payouts.PullPayouts(ctx)
			return err
		})
		w.runStage(ctx, "send_payout", w.payouts.SendPayouts)
		w.runStage(ctx, "associate_all", w.payouts.AssociateAll)
		w.runStage(ctx, "confirm_trans", w.payouts.ConfirmPayouts)
	}

	if w.cfg.TradeEnabled {
		w.runStage(ctx, "execute_trades", func(ctx context.Context) error {
			return w.trades.ExecuteTrades(ctx, w.cfg.Currency)
		})
		w.runStage(ctx, "close_executed", func(ctx context.Context) error {
			return w.trades.CloseExecuted(ctx, w.cfg.Currency)
		})
	}
}

func (w *Worker) runStage(ctx context.Context, name string, fn func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	if err := fn(ctx); err != nil {
		w.logger.ErrorContext(ctx, "pipeline: stage failed",
			slog.String("stage", name),
			slog.String("error", err.Error()),
		)
	}
}
