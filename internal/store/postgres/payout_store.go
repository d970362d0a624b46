package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/cascadepool/payoutbot/internal/domain"
)

// PayoutStore implements domain.PayoutStore using PostgreSQL.
type PayoutStore struct {
	pool *pgxpool.Pool
}

// NewPayoutStore creates a new PayoutStore backed by the given connection pool.
func NewPayoutStore(pool *pgxpool.Pool) *PayoutStore {
	return &PayoutStore{pool: pool}
}

// Upsert inserts a payout or refreshes a pending one in place. Records that
// have already left pending are not touched, so re-pulling the pool backlog
// never rewinds local progress.
func (s *PayoutStore) Upsert(ctx context.Context, p domain.Payout) error {
	const query = `
		INSERT INTO payouts (
			id, currency, user_name, address, amount,
			stage, pulled_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET
			user_name  = EXCLUDED.user_name,
			address    = EXCLUDED.address,
			amount     = EXCLUDED.amount,
			pulled_at  = EXCLUDED.pulled_at,
			updated_at = NOW()
		WHERE payouts.stage = 'pending'`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Currency, p.User, p.Address, p.Amount.String(),
		string(domain.PayoutStagePending), p.PulledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert payout %s: %w", p.ID, err)
	}
	return nil
}

const payoutSelectCols = `id, currency, user_name, address, amount::text,
	stage, txid, confirmations, locked, locked_at, attempts, manual_review,
	pulled_at, sent_at, associated_at, confirmed_at, updated_at`

func scanPayoutFromRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.Payout, error) {
	var p domain.Payout
	var amountStr, stage string

	err := scanner.Scan(
		&p.ID, &p.Currency, &p.User, &p.Address, &amountStr,
		&stage, &p.TxID, &p.Confirmations, &p.Locked, &p.LockedAt,
		&p.Attempts, &p.ManualReview,
		&p.PulledAt, &p.SentAt, &p.AssociatedAt, &p.ConfirmedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Payout{}, err
	}

	p.Amount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return domain.Payout{}, fmt.Errorf("parse amount %q: %w", amountStr, err)
	}
	p.Stage = domain.PayoutStage(stage)
	return p, nil
}

func scanPayoutRows(rows pgx.Rows) ([]domain.Payout, error) {
	var payouts []domain.Payout
	for rows.Next() {
		p, err := scanPayoutFromRow(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

// GetByID retrieves a single payout by ID.
func (s *PayoutStore) GetByID(ctx context.Context, id string) (domain.Payout, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+payoutSelectCols+` FROM payouts WHERE id = $1`, id)

	p, err := scanPayoutFromRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Payout{}, domain.ErrNotFound
		}
		return domain.Payout{}, fmt.Errorf("postgres: get payout %s: %w", id, err)
	}
	return p, nil
}

// ListByStage returns payouts for a currency in the given stage with
// pagination.
func (s *PayoutStore) ListByStage(ctx context.Context, currency string, stage domain.PayoutStage, opts domain.ListOpts) ([]domain.Payout, error) {
	query := `SELECT ` + payoutSelectCols + ` FROM payouts WHERE currency = $1 AND stage = $2`
	args := []any{currency, string(stage)}
	argIdx := 3

	if opts.Since != nil {
		query += fmt.Sprintf(" AND updated_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND updated_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY pulled_at, id"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list payouts by stage: %w", err)
	}
	defer rows.Close()

	payouts, err := scanPayoutRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan payouts by stage: %w", err)
	}
	return payouts, nil
}

// advance moves a payout to the next stage under a row lock so the lifecycle
// check and the update are one atomic step. The update statement must target
// the payout by $1.
func (s *PayoutStore) advance(ctx context.Context, id string, next domain.PayoutStage, update string, args ...any) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var stage string
	var txid *string
	err = tx.QueryRow(ctx,
		`SELECT stage, txid FROM payouts WHERE id = $1 FOR UPDATE`, id,
	).Scan(&stage, &txid)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ErrNotFound
		}
		return fmt.Errorf("postgres: lock payout %s: %w", id, err)
	}

	current := domain.PayoutStage(stage)
	if !current.CanTransition(next) {
		return &domain.InvalidTransitionError{ID: id, From: string(current), To: string(next)}
	}
	if next == domain.PayoutStageAssociated && txid == nil {
		return fmt.Errorf("postgres: payout %s has no txid: %w", id, domain.ErrInvalidInput)
	}

	if _, err := tx.Exec(ctx, update, args...); err != nil {
		return fmt.Errorf("postgres: move payout %s to %s: %w", id, next, err)
	}
	return tx.Commit(ctx)
}

// SetStage moves a payout to next. Transitions that carry side data have
// dedicated methods; moving to sent without a txid is refused here.
func (s *PayoutStore) SetStage(ctx context.Context, id string, next domain.PayoutStage) error {
	if !next.Valid() {
		return fmt.Errorf("postgres: unknown stage %q: %w", next, domain.ErrInvalidInput)
	}
	if next == domain.PayoutStageSent {
		return fmt.Errorf("postgres: stage sent requires a txid: %w", domain.ErrInvalidInput)
	}

	var update string
	switch next {
	case domain.PayoutStageAssociated:
		update = `UPDATE payouts SET stage = 'associated', associated_at = NOW(), updated_at = NOW() WHERE id = $1`
	case domain.PayoutStageConfirmed:
		update = `UPDATE payouts SET stage = 'confirmed', confirmed_at = NOW(), updated_at = NOW() WHERE id = $1`
	default:
		update = fmt.Sprintf(`UPDATE payouts SET stage = '%s', updated_at = NOW() WHERE id = $1`, next)
	}
	return s.advance(ctx, id, next, update, id)
}

// Lock marks the payout as entering the broadcast window.
func (s *PayoutStore) Lock(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payouts SET locked = TRUE, locked_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND locked = FALSE`, id)
	if err != nil {
		return fmt.Errorf("postgres: lock payout %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM payouts WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: lock payout %s: %w", id, err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrLockHeld
	}
	return nil
}

// Unlock clears the broadcast lock without touching anything else.
func (s *PayoutStore) Unlock(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payouts SET locked = FALSE, locked_at = NULL, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: unlock payout %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkSent records the broadcast txid, moves the payout from pending to sent
// and clears the lock in a single write.
func (s *PayoutStore) MarkSent(ctx context.Context, id, txid string) error {
	if txid == "" {
		return fmt.Errorf("postgres: empty txid: %w", domain.ErrInvalidInput)
	}
	const update = `
		UPDATE payouts SET
			stage = 'sent', txid = $2, locked = FALSE, locked_at = NULL,
			sent_at = NOW(), updated_at = NOW()
		WHERE id = $1`
	return s.advance(ctx, id, domain.PayoutStageSent, update, id, txid)
}

// MarkAssociated moves the payout from sent to associated.
func (s *PayoutStore) MarkAssociated(ctx context.Context, id string) error {
	const update = `
		UPDATE payouts SET stage = 'associated', associated_at = NOW(), updated_at = NOW()
		WHERE id = $1`
	return s.advance(ctx, id, domain.PayoutStageAssociated, update, id)
}

// MarkConfirmed moves the payout from associated to confirmed.
func (s *PayoutStore) MarkConfirmed(ctx context.Context, id string) error {
	const update = `
		UPDATE payouts SET stage = 'confirmed', confirmed_at = NOW(), updated_at = NOW()
		WHERE id = $1`
	return s.advance(ctx, id, domain.PayoutStageConfirmed, update, id)
}

// SetConfirmations records the confirmation depth last seen on the network.
func (s *PayoutStore) SetConfirmations(ctx context.Context, id string, n int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payouts SET confirmations = $2, updated_at = NOW() WHERE id = $1`, id, n)
	if err != nil {
		return fmt.Errorf("postgres: set confirmations for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// IncrementAttempts bumps the consecutive failure counter and returns the new
// value.
func (s *PayoutStore) IncrementAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx,
		`UPDATE payouts SET attempts = attempts + 1, updated_at = NOW()
		 WHERE id = $1 RETURNING attempts`, id,
	).Scan(&attempts)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("postgres: increment attempts for %s: %w", id, err)
	}
	return attempts, nil
}

// FlagManualReview parks or releases the payout for operator attention.
// Clearing the flag also resets the failure counter.
func (s *PayoutStore) FlagManualReview(ctx context.Context, id string, flagged bool) error {
	query := `UPDATE payouts SET manual_review = $2, updated_at = NOW() WHERE id = $1`
	if !flagged {
		query = `UPDATE payouts SET manual_review = $2, attempts = 0, updated_at = NOW() WHERE id = $1`
	}

	tag, err := s.pool.Exec(ctx, query, id, flagged)
	if err != nil {
		return fmt.Errorf("postgres: flag payout %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ResetLocked clears the lock on every locked payout for the currency.
func (s *PayoutStore) ResetLocked(ctx context.Context, currency string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payouts SET locked = FALSE, locked_at = NULL, updated_at = NOW()
		 WHERE currency = $1 AND locked = TRUE`, currency)
	if err != nil {
		return 0, fmt.Errorf("postgres: reset locked payouts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListIncomplete returns every non-terminal payout for the currency.
func (s *PayoutStore) ListIncomplete(ctx context.Context, currency string) ([]domain.Payout, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+payoutSelectCols+` FROM payouts
		 WHERE currency = $1 AND stage NOT IN ('confirmed', 'failed')
		 ORDER BY pulled_at, id`, currency)
	if err != nil {
		return nil, fmt.Errorf("postgres: list incomplete payouts: %w", err)
	}
	defer rows.Close()

	payouts, err := scanPayoutRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan incomplete payouts: %w", err)
	}
	return payouts, nil
}

// ListTerminalBefore returns confirmed and failed payouts last touched before
// the cutoff, oldest first. A limit of zero or less returns all of them.
func (s *PayoutStore) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Payout, error) {
	query := `SELECT ` + payoutSelectCols + ` FROM payouts
		 WHERE stage IN ('confirmed', 'failed') AND updated_at < $1
		 ORDER BY updated_at, id`
	args := []any{cutoff}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal payouts: %w", err)
	}
	defer rows.Close()

	payouts, err := scanPayoutRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan terminal payouts: %w", err)
	}
	return payouts, nil
}

// SumPending totals the amounts still waiting to be sent for the currency.
func (s *PayoutStore) SumPending(ctx context.Context, currency string) (decimal.Decimal, error) {
	var sumStr string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::text FROM payouts
		 WHERE currency = $1 AND stage = 'pending'`, currency,
	).Scan(&sumStr)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("postgres: sum pending payouts: %w", err)
	}

	sum, err := decimal.NewFromString(sumStr)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("postgres: parse pending sum %q: %w", sumStr, err)
	}
	return sum, nil
}

var _ domain.PayoutStore = (*PayoutStore)(nil)
