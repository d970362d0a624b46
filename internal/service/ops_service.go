package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cascadepool/payoutbot/internal/domain"
)

// OpsService exposes the manual reconciliation operations an operator reaches
// for after a crash or an ambiguous broadcast. None of them run on a
// schedule; every call is a deliberate human decision.
type OpsService struct {
	payouts domain.PayoutStore
	audit   domain.AuditStore
	logger  *slog.Logger
}

// NewOpsService creates an OpsService with all required dependencies.
func NewOpsService(payouts domain.PayoutStore, audit domain.AuditStore, logger *slog.Logger) *OpsService {
	return &OpsService{payouts: payouts, audit: audit, logger: logger}
}

// ResetLocked releases every locked payout for a currency and returns how
// many were released. Only safe once the operator has verified that no
// transaction actually left the wallet.
func (s *OpsService) ResetLocked(ctx context.Context, currency string) (int64, error) {
	released, err := s.payouts.ResetLocked(ctx, currency)
	if err != nil {
		return 0, fmt.Errorf("ops_service: reset locked: %w", err)
	}
	s.logger.InfoContext(ctx, "ops_service: released locked payouts",
		slog.String("currency", currency),
		slog.Int64("released", released),
	)
	s.logAudit(ctx, "reset_locked", map[string]any{
		"currency": currency,
		"released": released,
	})
	return released, nil
}

// LocalAssociate attaches an operator-verified transaction id to a single
// payout stranded by an interrupted send, moving it to sent so the normal
// associate and confirm stages take over. The pool is not contacted here.
func (s *OpsService) LocalAssociate(ctx context.Context, payoutID, txid string) error {
	if txid == "" {
		return fmt.Errorf("ops_service: txid must not be empty: %w", domain.ErrInvalidInput)
	}
	p, err := s.payouts.GetByID(ctx, payoutID)
	if err != nil {
		return fmt.Errorf("ops_service: get payout %q: %w", payoutID, err)
	}
	if p.Stage != domain.PayoutStagePending {
		return fmt.Errorf("ops_service: payout %q is %s, only pending payouts can be locally associated: %w",
			payoutID, p.Stage, domain.ErrInvalidInput)
	}
	if err := s.payouts.MarkSent(ctx, payoutID, txid); err != nil {
		return fmt.Errorf("ops_service: mark sent: %w", err)
	}
	s.logger.InfoContext(ctx, "ops_service: payout locally associated",
		slog.String("payout_id", payoutID),
		slog.String("txid", txid),
	)
	s.logAudit(ctx, "local_associate", map[string]any{
		"payout_id": payoutID,
		"txid":      txid,
	})
	return nil
}

// LocalAssociateAll applies LocalAssociate to every locked pending payout of
// a currency at once, for the case where one interrupted broadcast covered
// the whole batch. Returns how many payouts were repaired.
func (s *OpsService) LocalAssociateAll(ctx context.Context, currency, txid string) (int, error) {
	if txid == "" {
		return 0, fmt.Errorf("ops_service: txid must not be empty: %w", domain.ErrInvalidInput)
	}
	pending, err := s.payouts.ListByStage(ctx, currency, domain.PayoutStagePending, domain.ListOpts{})
	if err != nil {
		return 0, fmt.Errorf("ops_service: list pending: %w", err)
	}

	var repaired int
	for _, p := range pending {
		if !p.Locked {
			continue
		}
		if err := s.payouts.MarkSent(ctx, p.ID, txid); err != nil {
			return repaired, fmt.Errorf("ops_service: mark sent %q: %w", p.ID, err)
		}
		repaired++
	}

	s.logger.InfoContext(ctx, "ops_service: locked payouts locally associated",
		slog.String("currency", currency),
		slog.String("txid", txid),
		slog.Int("repaired", repaired),
	)
	s.logAudit(ctx, "local_associate_all", map[string]any{
		"currency": currency,
		"txid":     txid,
		"repaired": repaired,
	})
	return repaired, nil
}

// IncompleteDump partitions the in-flight payouts the way an operator reasons
// about them after an incident.
type IncompleteDump struct {
	// LockedPending holds payouts caught inside a broadcast window. If they
	// carry no txid the send may or may not have happened.
	LockedPending []domain.Payout `json:"locked_pending"`
	// SentUnassociated holds payouts broadcast but not yet reported upstream.
	SentUnassociated []domain.Payout `json:"sent_unassociated"`
	// ReadyToSend holds ordinary pending payouts the next send will pick up.
	ReadyToSend []domain.Payout `json:"ready_to_send"`
}

// DumpIncomplete returns every non-terminal payout for a currency, split into
// the three states that matter during reconciliation.
func (s *OpsService) DumpIncomplete(ctx context.Context, currency string) (IncompleteDump, error) {
	incomplete, err := s.payouts.ListIncomplete(ctx, currency)
	if err != nil {
		return IncompleteDump{}, fmt.Errorf("ops_service: list incomplete: %w", err)
	}

	var dump IncompleteDump
	for _, p := range incomplete {
		switch {
		case p.Stage == domain.PayoutStagePending && p.Locked:
			dump.LockedPending = append(dump.LockedPending, p)
		case p.Stage == domain.PayoutStageSent:
			dump.SentUnassociated = append(dump.SentUnassociated, p)
		case p.Stage == domain.PayoutStagePending && !p.ManualReview:
			dump.ReadyToSend = append(dump.ReadyToSend, p)
		}
	}

	s.logger.InfoContext(ctx, "ops_service: dumped incomplete payouts",
		slog.String("currency", currency),
		slog.Int("locked_pending", len(dump.LockedPending)),
		slog.Int("sent_unassociated", len(dump.SentUnassociated)),
		slog.Int("ready_to_send", len(dump.ReadyToSend)),
	)
	return dump, nil
}

func (s *OpsService) logAudit(ctx context.Context, event string, detail map[string]any) {
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "ops_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
