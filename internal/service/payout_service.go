package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cascadepool/payoutbot/internal/domain"
	"github.com/cascadepool/payoutbot/internal/notify"
)

// PayoutConfig holds the per-currency tunables for the payout pipeline.
type PayoutConfig struct {
	Currency              string
	MinimumPayout         decimal.Decimal
	ConfirmationThreshold int64
	MaxSendAttempts       int
}

// PayoutService drives one currency's payouts through the
// pending → sent → associated → confirmed lifecycle. Each method is one
// pipeline stage; the scheduler or the command dispatcher invokes them
// individually, and every stage can be re-run safely because the ledger
// stage gates all side effects.
type PayoutService struct {
	payouts  domain.PayoutStore
	scm      domain.SCMClient
	network  domain.NetworkGateway
	audit    domain.AuditStore
	notifier *notify.Notifier
	cfg      PayoutConfig
	logger   *slog.Logger
}

// NewPayoutService creates a PayoutService with all required dependencies.
func NewPayoutService(
	payouts domain.PayoutStore,
	scm domain.SCMClient,
	network domain.NetworkGateway,
	audit domain.AuditStore,
	notifier *notify.Notifier,
	cfg PayoutConfig,
	logger *slog.Logger,
) *PayoutService {
	return &PayoutService{
		payouts:  payouts,
		scm:      scm,
		network:  network,
		audit:    audit,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
	}
}

// PullPayouts fetches the payouts the pool considers unpaid and mirrors them
// into the ledger. Re-pulling is safe: upserts only refresh records that are
// still pending, so a payout that already moved forward is left untouched.
// Payouts with addresses the network gateway rejects are skipped and counted.
func (s *PayoutService) PullPayouts(ctx context.Context) (int, error) {
	remote, err := s.scm.PullPendingPayouts(ctx, s.cfg.Currency)
	if err != nil {
		return 0, fmt.Errorf("payout_service: pull payouts: %w", err)
	}
	if len(remote) == 0 {
		s.logger.InfoContext(ctx, "payout_service: no pending payouts at pool",
			slog.String("currency", s.cfg.Currency),
		)
		return 0, nil
	}

	now := time.Now().UTC()
	var stored, invalid int
	for _, rp := range remote {
		if err := s.network.ValidateAddress(rp.Address); err != nil {
			s.logger.WarnContext(ctx, "payout_service: skipping payout with invalid address",
				slog.String("payout_id", rp.ID),
				slog.String("address", rp.Address),
				slog.String("error", err.Error()),
			)
			invalid++
			continue
		}

		p := domain.Payout{
			ID:       rp.ID,
			Currency: s.cfg.Currency,
			User:     rp.User,
			Address:  rp.Address,
			Amount:   rp.Amount,
			Stage:    domain.PayoutStagePending,
			PulledAt: now,
		}
		if err := s.payouts.Upsert(ctx, p); err != nil {
			return stored, fmt.Errorf("payout_service: upsert payout %q: %w", rp.ID, err)
		}
		stored++
	}

	s.logger.InfoContext(ctx, "payout_service: pulled payouts",
		slog.String("currency", s.cfg.Currency),
		slog.Int("stored", stored),
		slog.Int("invalid_address", invalid),
	)

	if auditErr := s.audit.Log(ctx, "payouts_pulled", map[string]any{
		"currency": s.cfg.Currency,
		"stored":   stored,
		"invalid":  invalid,
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "payout_service: audit log failed",
			slog.String("error", auditErr.Error()),
		)
	}

	return stored, nil
}

// SendPayouts batches every sendable pending payout into wallet
// transactions, one output per destination address, and records the
// resulting transaction ids. Most wallets take the whole batch in a single
// transaction; a gateway that caps outputs per transaction gets the batch
// split into several broadcasts, each locked, balance-checked and persisted
// on its own, so a failed broadcast leaves the later ones for the next pass.
func (s *PayoutService) SendPayouts(ctx context.Context) error {
	// Wallet must be reachable before anything is locked.
	if err := s.network.Ping(ctx); err != nil {
		return fmt.Errorf("payout_service: node ping: %w", err)
	}

	pending, err := s.payouts.ListByStage(ctx, s.cfg.Currency, domain.PayoutStagePending, domain.ListOpts{})
	if err != nil {
		return fmt.Errorf("payout_service: list pending: %w", err)
	}

	var sendable []domain.Payout
	for _, p := range pending {
		if p.Sendable() {
			sendable = append(sendable, p)
		}
	}
	if len(sendable) == 0 {
		s.logger.InfoContext(ctx, "payout_service: nothing to send",
			slog.String("currency", s.cfg.Currency),
		)
		return nil
	}

	// Aggregate one output per destination address.
	outputs := make(map[string]decimal.Decimal)
	byAddress := make(map[string][]domain.Payout)
	for _, p := range sendable {
		outputs[p.Address] = outputs[p.Address].Add(p.Amount)
		byAddress[p.Address] = append(byAddress[p.Address], p)
	}

	// Dust filter on the per-address aggregate. Dropped payouts stay pending
	// and ride along once enough value accumulates on the address.
	for addr, amount := range outputs {
		if amount.LessThan(s.cfg.MinimumPayout) {
			s.logger.WarnContext(ctx, "payout_service: dropping output below dust minimum",
				slog.String("address", addr),
				slog.String("amount", amount.String()),
				slog.String("minimum", s.cfg.MinimumPayout.String()),
			)
			delete(outputs, addr)
			delete(byAddress, addr)
		}
	}
	if len(outputs) == 0 {
		s.logger.InfoContext(ctx, "payout_service: every output below the dust minimum",
			slog.String("currency", s.cfg.Currency),
		)
		return nil
	}

	units := s.splitBroadcasts(outputs, byAddress)
	for i, unit := range units {
		if err := s.sendBatch(ctx, unit.outputs, unit.batch); err != nil {
			if postponed := len(units) - i - 1; postponed > 0 {
				s.logger.WarnContext(ctx, "payout_service: postponing remaining broadcasts after failure",
					slog.String("currency", s.cfg.Currency),
					slog.Int("postponed", postponed),
				)
			}
			return err
		}
	}
	return nil
}

// broadcastUnit is one wallet transaction's worth of the send batch: its
// per-address outputs and the payouts they cover.
type broadcastUnit struct {
	outputs map[string]decimal.Decimal
	batch   []domain.Payout
}

// splitBroadcasts groups the aggregated outputs into broadcast-sized units,
// honoring the gateway's per-transaction output cap when it declares one.
// Addresses are sorted so the split is stable across runs.
func (s *PayoutService) splitBroadcasts(outputs map[string]decimal.Decimal, byAddress map[string][]domain.Payout) []broadcastUnit {
	limit := 0
	if l, ok := s.network.(domain.BroadcastLimiter); ok {
		limit = l.MaxOutputsPerSend()
	}
	if limit <= 0 || len(outputs) <= limit {
		unit := broadcastUnit{outputs: outputs}
		for _, group := range byAddress {
			unit.batch = append(unit.batch, group...)
		}
		return []broadcastUnit{unit}
	}

	addrs := make([]string, 0, len(outputs))
	for addr := range outputs {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	units := make([]broadcastUnit, 0, (len(addrs)+limit-1)/limit)
	for start := 0; start < len(addrs); start += limit {
		unit := broadcastUnit{outputs: make(map[string]decimal.Decimal, limit)}
		for _, addr := range addrs[start:min(start+limit, len(addrs))] {
			unit.outputs[addr] = outputs[addr]
			unit.batch = append(unit.batch, byAddress[addr]...)
		}
		units = append(units, unit)
	}
	return units
}

// sendBatch locks one broadcast's payouts, verifies the wallet covers the
// total, re-reads every stage, broadcasts once, and persists the txid. The
// broadcast is the only non-idempotent call in the payout pipeline; a
// failure after it may have moved coins, and that ambiguity is handed to the
// operator instead of being resolved by a re-broadcast.
func (s *PayoutService) sendBatch(ctx context.Context, outputs map[string]decimal.Decimal, batch []domain.Payout) error {
	// Lock the batch before the irreversible part.
	locked := make([]string, 0, len(batch))
	for _, p := range batch {
		if err := s.payouts.Lock(ctx, p.ID); err != nil {
			s.unlockAll(ctx, locked)
			return fmt.Errorf("payout_service: lock payout %q: %w", p.ID, err)
		}
		locked = append(locked, p.ID)
	}

	total := decimal.Zero
	for _, amount := range outputs {
		total = total.Add(amount)
	}

	balance, err := s.network.Balance(ctx)
	if err != nil {
		s.unlockAll(ctx, locked)
		return fmt.Errorf("payout_service: wallet balance: %w", err)
	}
	s.logger.InfoContext(ctx, "payout_service: preparing send",
		slog.String("currency", s.cfg.Currency),
		slog.Int("payouts", len(batch)),
		slog.Int("outputs", len(outputs)),
		slog.String("total", total.String()),
		slog.String("balance", balance.String()),
	)

	if balance.LessThan(total) {
		s.unlockAll(ctx, locked)
		s.logger.ErrorContext(ctx, "payout_service: payout wallet is out of funds",
			slog.String("currency", s.cfg.Currency),
			slog.String("balance", balance.String()),
			slog.String("total", total.String()),
		)
		if notifyErr := s.notifier.Notify(ctx, notify.EventError,
			fmt.Sprintf("%s payout wallet out of funds", s.cfg.Currency),
			fmt.Sprintf("Wallet holds %s but %s is due across %d payouts.", balance, total, len(batch)),
		); notifyErr != nil {
			s.logger.WarnContext(ctx, "payout_service: notify failed", slog.String("error", notifyErr.Error()))
		}
		s.logAudit(ctx, "send_aborted_insufficient_funds", map[string]any{
			"currency": s.cfg.Currency,
			"balance":  balance.String(),
			"total":    total.String(),
		})
		return fmt.Errorf("payout_service: wallet balance %s below payout total %s", balance, total)
	}

	// Stage re-check immediately before the only non-idempotent call. Any
	// record that moved since selection aborts the whole batch.
	for _, p := range batch {
		current, err := s.payouts.GetByID(ctx, p.ID)
		if err != nil {
			s.unlockAll(ctx, locked)
			return fmt.Errorf("payout_service: recheck payout %q: %w", p.ID, err)
		}
		if current.Stage != domain.PayoutStagePending {
			s.unlockAll(ctx, locked)
			return fmt.Errorf("payout_service: payout %q moved to %s since selection, aborting send", p.ID, current.Stage)
		}
	}

	txid, sendErr := s.network.Send(ctx, outputs)
	if sendErr != nil {
		return s.recoverFailedSend(ctx, batch, balance, sendErr)
	}

	// Persist the txid against every payout in the batch. MarkSent also
	// releases the lock. A failure here leaves the record pending+locked with
	// the txid only in the log, which is exactly what the ambiguity surface
	// reports on the next start.
	var unpersisted []string
	for _, p := range batch {
		if err := s.payouts.MarkSent(ctx, p.ID, txid); err != nil {
			s.logger.ErrorContext(ctx, "payout_service: broadcast succeeded but ledger write failed",
				slog.String("payout_id", p.ID),
				slog.String("txid", txid),
				slog.String("error", err.Error()),
			)
			unpersisted = append(unpersisted, p.ID)
		}
	}
	if len(unpersisted) > 0 {
		if notifyErr := s.notifier.Notify(ctx, notify.EventBroadcastAmbiguous,
			fmt.Sprintf("%s payout ledger write failed after broadcast", s.cfg.Currency),
			fmt.Sprintf("Transaction %s went out but %d payout(s) could not be marked sent. Use local_associate with this txid to repair them.", txid, len(unpersisted)),
		); notifyErr != nil {
			s.logger.WarnContext(ctx, "payout_service: notify failed", slog.String("error", notifyErr.Error()))
		}
		return fmt.Errorf("payout_service: %d payouts not marked sent after broadcast of %s", len(unpersisted), txid)
	}

	s.logger.InfoContext(ctx, "payout_service: payout transaction broadcast",
		slog.String("currency", s.cfg.Currency),
		slog.String("txid", txid),
		slog.Int("payouts", len(batch)),
		slog.String("total", total.String()),
	)
	s.logAudit(ctx, "payout_sent", map[string]any{
		"currency": s.cfg.Currency,
		"txid":     txid,
		"payouts":  len(batch),
		"outputs":  len(outputs),
		"total":    total.String(),
	})
	if notifyErr := s.notifier.Notify(ctx, notify.EventPayoutSent,
		fmt.Sprintf("%s payouts sent", s.cfg.Currency),
		fmt.Sprintf("Broadcast %s paying %s to %d address(es) covering %d payout(s).", txid, total, len(outputs), len(batch)),
	); notifyErr != nil {
		s.logger.WarnContext(ctx, "payout_service: notify failed", slog.String("error", notifyErr.Error()))
	}

	return nil
}

// recoverFailedSend decides what a failed broadcast means by re-reading the
// wallet balance. An unchanged balance proves no coins moved, so the batch is
// unlocked for a later retry; anything else keeps the batch locked and hands
// the decision to the operator.
func (s *PayoutService) recoverFailedSend(ctx context.Context, batch []domain.Payout, balanceBefore decimal.Decimal, sendErr error) error {
	balanceAfter, balErr := s.network.Balance(ctx)
	if balErr != nil || !balanceAfter.Equal(balanceBefore) {
		observed := "unknown"
		if balErr == nil {
			observed = balanceAfter.String()
		}
		s.logger.ErrorContext(ctx, "payout_service: send failed and wallet balance moved, keeping batch locked",
			slog.String("currency", s.cfg.Currency),
			slog.String("balance_before", balanceBefore.String()),
			slog.String("balance_after", observed),
			slog.String("error", sendErr.Error()),
		)
		if notifyErr := s.notifier.Notify(ctx, notify.EventBroadcastAmbiguous,
			fmt.Sprintf("%s send failed with wallet balance change", s.cfg.Currency),
			fmt.Sprintf("A send_many error occurred and the wallet balance did not stay at %s. "+
				"The %d payout(s) stay locked: dump_incomplete shows them, reset_locked releases them "+
				"once you are sure no transaction went out.", balanceBefore, len(batch)),
		); notifyErr != nil {
			s.logger.WarnContext(ctx, "payout_service: notify failed", slog.String("error", notifyErr.Error()))
		}
		s.logAudit(ctx, "send_ambiguous", map[string]any{
			"currency":       s.cfg.Currency,
			"payouts":        len(batch),
			"balance_before": balanceBefore.String(),
			"balance_after":  observed,
		})
		return fmt.Errorf("payout_service: send failed with wallet balance changed, batch kept locked: %w", sendErr)
	}

	// Balance untouched: the broadcast never happened. Unlock everything and
	// count the failure; repeat offenders go to manual review.
	s.logger.WarnContext(ctx, "payout_service: send failed with wallet balance unchanged, unlocking batch",
		slog.String("currency", s.cfg.Currency),
		slog.String("error", sendErr.Error()),
	)
	for _, p := range batch {
		if err := s.payouts.Unlock(ctx, p.ID); err != nil {
			s.logger.ErrorContext(ctx, "payout_service: unlock failed",
				slog.String("payout_id", p.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		attempts, err := s.payouts.IncrementAttempts(ctx, p.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "payout_service: attempt count failed",
				slog.String("payout_id", p.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if s.cfg.MaxSendAttempts > 0 && attempts >= s.cfg.MaxSendAttempts {
			if err := s.payouts.FlagManualReview(ctx, p.ID, true); err != nil {
				s.logger.ErrorContext(ctx, "payout_service: manual review flag failed",
					slog.String("payout_id", p.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			s.logger.WarnContext(ctx, "payout_service: payout parked for manual review",
				slog.String("payout_id", p.ID),
				slog.Int("attempts", attempts),
			)
			if notifyErr := s.notifier.Notify(ctx, notify.EventManualReview,
				fmt.Sprintf("%s payout parked for manual review", s.cfg.Currency),
				fmt.Sprintf("Payout %s failed %d consecutive sends and will be skipped until unflagged.", p.ID, attempts),
			); notifyErr != nil {
				s.logger.WarnContext(ctx, "payout_service: notify failed", slog.String("error", notifyErr.Error()))
			}
		}
	}
	s.logAudit(ctx, "send_failed", map[string]any{
		"currency": s.cfg.Currency,
		"payouts":  len(batch),
		"error":    sendErr.Error(),
	})
	return fmt.Errorf("payout_service: send: %w", sendErr)
}

// Associate pushes a single sent payout's transaction id to the pool and
// advances it to associated.
func (s *PayoutService) Associate(ctx context.Context, payoutID string) error {
	p, err := s.payouts.GetByID(ctx, payoutID)
	if err != nil {
		return fmt.Errorf("payout_service: get payout %q: %w", payoutID, err)
	}
	if p.Stage != domain.PayoutStageSent || p.TxID == nil {
		return fmt.Errorf("payout_service: payout %q is %s, only sent payouts can be associated: %w",
			payoutID, p.Stage, domain.ErrInvalidInput)
	}
	return s.associateGroup(ctx, *p.TxID, []domain.Payout{p})
}

// AssociateAll groups every sent payout by transaction id, looks up the
// network fee the wallet paid, and reports each payout to the pool. A failed
// fee lookup skips that transaction's payouts for the pass; a pool rejection
// parks the refused payout for the operator. Either way the rest still get
// pushed.
func (s *PayoutService) AssociateAll(ctx context.Context) error {
	sent, err := s.payouts.ListByStage(ctx, s.cfg.Currency, domain.PayoutStageSent, domain.ListOpts{})
	if err != nil {
		return fmt.Errorf("payout_service: list sent: %w", err)
	}

	byTxid := make(map[string][]domain.Payout)
	for _, p := range sent {
		if p.TxID == nil || p.ManualReview {
			continue
		}
		byTxid[*p.TxID] = append(byTxid[*p.TxID], p)
	}
	if len(byTxid) == 0 {
		s.logger.InfoContext(ctx, "payout_service: nothing to associate",
			slog.String("currency", s.cfg.Currency),
		)
		return nil
	}

	var firstErr error
	for txid, group := range byTxid {
		if err := s.associateGroup(ctx, txid, group); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// associateGroup looks up the fee for one transaction and reports each payout
// it covered. A rejected payout is flagged for manual review so later passes
// leave it alone; the operator reconciles both sides before releasing it.
func (s *PayoutService) associateGroup(ctx context.Context, txid string, group []domain.Payout) error {
	fee, err := s.network.TransactionFee(ctx, txid)
	if err != nil {
		s.logger.WarnContext(ctx, "payout_service: skipping transaction, wallet fee lookup failed",
			slog.String("txid", txid),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("payout_service: fee lookup for %s: %w", txid, err)
	}

	var firstErr error
	var associated int
	for _, p := range group {
		if err := s.scm.PushTransactionID(ctx, s.cfg.Currency, p.ID, txid, fee); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("payout_service: associate payout %s: %w", p.ID, err)
			}
			var rejected *domain.RemoteRejectedError
			if !errors.As(err, &rejected) {
				// Transient push failure: the payout stays sent and the
				// next pass tries again.
				s.logger.WarnContext(ctx, "payout_service: association push failed",
					slog.String("payout_id", p.ID),
					slog.String("txid", txid),
					slog.String("error", err.Error()),
				)
				continue
			}

			s.logger.ErrorContext(ctx, "payout_service: pool rejected association",
				slog.String("payout_id", p.ID),
				slog.String("txid", txid),
				slog.String("reason", rejected.Reason),
			)
			if flagErr := s.payouts.FlagManualReview(ctx, p.ID, true); flagErr != nil {
				s.logger.ErrorContext(ctx, "payout_service: manual review flag failed",
					slog.String("payout_id", p.ID),
					slog.String("error", flagErr.Error()),
				)
			}
			if notifyErr := s.notifier.Notify(ctx, notify.EventRemoteRejected,
				fmt.Sprintf("%s association rejected", s.cfg.Currency),
				fmt.Sprintf("Pool refused payout %s on txid %s: %s. The record is parked for manual review.",
					p.ID, txid, rejected.Reason),
			); notifyErr != nil {
				s.logger.WarnContext(ctx, "payout_service: notify failed", slog.String("error", notifyErr.Error()))
			}
			s.logAudit(ctx, "associate_rejected", map[string]any{
				"currency":  s.cfg.Currency,
				"payout_id": p.ID,
				"txid":      txid,
				"reason":    rejected.Reason,
			})
			continue
		}

		if err := s.payouts.MarkAssociated(ctx, p.ID); err != nil {
			s.logger.ErrorContext(ctx, "payout_service: mark associated failed",
				slog.String("payout_id", p.ID),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		associated++
	}

	if associated > 0 {
		s.logger.InfoContext(ctx, "payout_service: payouts associated",
			slog.String("currency", s.cfg.Currency),
			slog.String("txid", txid),
			slog.Int("payouts", associated),
			slog.String("tx_fee", fee.String()),
		)
		s.logAudit(ctx, "payouts_associated", map[string]any{
			"currency": s.cfg.Currency,
			"txid":     txid,
			"payouts":  associated,
			"tx_fee":   fee.String(),
		})
	}
	return firstErr
}

// ConfirmPayouts checks the confirmation count of every associated payout's
// transaction and, once a transaction reaches the currency's threshold,
// pushes one confirmation per payout before marking it confirmed. A payout
// whose push fails stays associated; the push is idempotent on the pool side,
// so the next pass simply repeats it. Below-threshold transactions are left
// associated untouched.
func (s *PayoutService) ConfirmPayouts(ctx context.Context) error {
	if err := s.network.Ping(ctx); err != nil {
		return fmt.Errorf("payout_service: node ping: %w", err)
	}

	associated, err := s.payouts.ListByStage(ctx, s.cfg.Currency, domain.PayoutStageAssociated, domain.ListOpts{})
	if err != nil {
		return fmt.Errorf("payout_service: list associated: %w", err)
	}
	if len(associated) == 0 {
		s.logger.InfoContext(ctx, "payout_service: nothing to confirm",
			slog.String("currency", s.cfg.Currency),
		)
		return nil
	}

	byTxid := make(map[string][]domain.Payout)
	for _, p := range associated {
		if p.TxID == nil {
			continue
		}
		byTxid[*p.TxID] = append(byTxid[*p.TxID], p)
	}

	var firstErr error
	var confirmed int

	for txid, group := range byTxid {
		confs, err := s.network.Confirmations(ctx, txid)
		if err != nil {
			s.logger.WarnContext(ctx, "payout_service: confirmation lookup failed",
				slog.String("txid", txid),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		for _, p := range group {
			if err := s.payouts.SetConfirmations(ctx, p.ID, confs); err != nil {
				s.logger.WarnContext(ctx, "payout_service: store confirmations failed",
					slog.String("payout_id", p.ID),
					slog.String("error", err.Error()),
				)
			}
		}

		if confs < s.cfg.ConfirmationThreshold {
			s.logger.InfoContext(ctx, "payout_service: transaction below confirmation threshold",
				slog.String("txid", txid),
				slog.Int64("confirmations", confs),
				slog.Int64("threshold", s.cfg.ConfirmationThreshold),
			)
			continue
		}

		s.logger.InfoContext(ctx, "payout_service: transaction reached confirmation threshold",
			slog.String("txid", txid),
			slog.Int64("confirmations", confs),
		)

		for _, p := range group {
			if err := s.scm.PushConfirmation(ctx, s.cfg.Currency, p.ID, txid); err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("payout_service: confirm payout %s: %w", p.ID, err)
				}
				var rejected *domain.RemoteRejectedError
				if errors.As(err, &rejected) {
					s.logger.ErrorContext(ctx, "payout_service: pool rejected confirmation",
						slog.String("payout_id", p.ID),
						slog.String("txid", txid),
						slog.String("reason", rejected.Reason),
					)
					if notifyErr := s.notifier.Notify(ctx, notify.EventRemoteRejected,
						fmt.Sprintf("%s confirmation rejected", s.cfg.Currency),
						fmt.Sprintf("Pool refused confirmation of payout %s on txid %s: %s", p.ID, txid, rejected.Reason),
					); notifyErr != nil {
						s.logger.WarnContext(ctx, "payout_service: notify failed", slog.String("error", notifyErr.Error()))
					}
				} else {
					s.logger.WarnContext(ctx, "payout_service: confirmation push failed",
						slog.String("payout_id", p.ID),
						slog.String("txid", txid),
						slog.String("error", err.Error()),
					)
				}
				continue
			}

			if err := s.payouts.MarkConfirmed(ctx, p.ID); err != nil {
				s.logger.ErrorContext(ctx, "payout_service: mark confirmed failed",
					slog.String("payout_id", p.ID),
					slog.String("error", err.Error()),
				)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			confirmed++
		}
	}

	if confirmed > 0 {
		s.logger.InfoContext(ctx, "payout_service: payouts confirmed",
			slog.String("currency", s.cfg.Currency),
			slog.Int("payouts", confirmed),
		)
		s.logAudit(ctx, "payouts_confirmed", map[string]any{
			"currency": s.cfg.Currency,
			"payouts":  confirmed,
		})
	}

	return firstErr
}

// DetectAmbiguous reports payouts that are still pending but locked with no
// transaction id: the signature of a crash between broadcasting and
// persisting. They are excluded from sends until an operator either attaches
// the real txid (local_associate) or releases them (reset_locked); nothing is
// ever re-broadcast automatically.
func (s *PayoutService) DetectAmbiguous(ctx context.Context) ([]domain.Payout, error) {
	incomplete, err := s.payouts.ListIncomplete(ctx, s.cfg.Currency)
	if err != nil {
		return nil, fmt.Errorf("payout_service: list incomplete: %w", err)
	}

	var ambiguous []domain.Payout
	for _, p := range incomplete {
		if p.Stage == domain.PayoutStagePending && p.Locked && p.TxID == nil {
			ambiguous = append(ambiguous, p)
		}
	}
	if len(ambiguous) == 0 {
		return nil, nil
	}

	s.logger.ErrorContext(ctx, "payout_service: found locked payouts with no txid from an earlier run",
		slog.String("currency", s.cfg.Currency),
		slog.Int("payouts", len(ambiguous)),
	)
	if notifyErr := s.notifier.Notify(ctx, notify.EventBroadcastAmbiguous,
		fmt.Sprintf("%s payouts need reconciliation", s.cfg.Currency),
		fmt.Sprintf("%d payout(s) are locked without a txid, probably from an interrupted send. "+
			"Inspect them with dump_incomplete, then local_associate or reset_locked.", len(ambiguous)),
	); notifyErr != nil {
		s.logger.WarnContext(ctx, "payout_service: notify failed", slog.String("error", notifyErr.Error()))
	}
	return ambiguous, nil
}

// unlockAll releases the given payout locks, logging rather than failing on
// individual errors.
func (s *PayoutService) unlockAll(ctx context.Context, ids []string) {
	for _, id := range ids {
		if err := s.payouts.Unlock(ctx, id); err != nil {
			s.logger.ErrorContext(ctx, "payout_service: unlock failed",
				slog.String("payout_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// logAudit writes an audit entry, demoting failures to warnings so audit
// problems never abort a pipeline stage.
func (s *PayoutService) logAudit(ctx context.Context, event string, detail map[string]any) {
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "payout_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
