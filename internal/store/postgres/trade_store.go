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

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// Upsert inserts a trade request or refreshes an open one in place. Requests
// that have moved past open keep their local progress.
func (s *TradeStore) Upsert(ctx context.Context, tr domain.TradeRequest) error {
	const query = `
		INSERT INTO trade_requests (
			id, currency, side, quantity, status, pulled_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			currency   = EXCLUDED.currency,
			side       = EXCLUDED.side,
			quantity   = EXCLUDED.quantity,
			pulled_at  = EXCLUDED.pulled_at,
			updated_at = NOW()
		WHERE trade_requests.status = 'open'`

	_, err := s.pool.Exec(ctx, query,
		tr.ID, tr.Currency, string(tr.Side), tr.Quantity.String(),
		string(domain.TradeStatusOpen), tr.PulledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert trade request %d: %w", tr.ID, err)
	}
	return nil
}

const tradeSelectCols = `id, currency, side, quantity::text, status,
	executed_quantity::text, fees::text, manual_review,
	pulled_at, executed_at, closed_at, updated_at`

func scanTradeFromRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.TradeRequest, error) {
	var tr domain.TradeRequest
	var side, status, quantityStr, executedStr, feesStr string

	err := scanner.Scan(
		&tr.ID, &tr.Currency, &side, &quantityStr, &status,
		&executedStr, &feesStr, &tr.ManualReview,
		&tr.PulledAt, &tr.ExecutedAt, &tr.ClosedAt, &tr.UpdatedAt,
	)
	if err != nil {
		return domain.TradeRequest{}, err
	}

	tr.Side = domain.TradeSide(side)
	tr.Status = domain.TradeStatus(status)
	if tr.Quantity, err = decimal.NewFromString(quantityStr); err != nil {
		return domain.TradeRequest{}, fmt.Errorf("parse quantity %q: %w", quantityStr, err)
	}
	if tr.ExecutedQuantity, err = decimal.NewFromString(executedStr); err != nil {
		return domain.TradeRequest{}, fmt.Errorf("parse executed quantity %q: %w", executedStr, err)
	}
	if tr.Fees, err = decimal.NewFromString(feesStr); err != nil {
		return domain.TradeRequest{}, fmt.Errorf("parse fees %q: %w", feesStr, err)
	}
	return tr, nil
}

func scanTradeRows(rows pgx.Rows) ([]domain.TradeRequest, error) {
	var trs []domain.TradeRequest
	for rows.Next() {
		tr, err := scanTradeFromRow(rows)
		if err != nil {
			return nil, err
		}
		trs = append(trs, tr)
	}
	return trs, rows.Err()
}

// GetByID retrieves a single trade request by ID.
func (s *TradeStore) GetByID(ctx context.Context, id int64) (domain.TradeRequest, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tradeSelectCols+` FROM trade_requests WHERE id = $1`, id)

	tr, err := scanTradeFromRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.TradeRequest{}, domain.ErrNotFound
		}
		return domain.TradeRequest{}, fmt.Errorf("postgres: get trade request %d: %w", id, err)
	}
	return tr, nil
}

// ListByStatus returns trade requests for a currency in the given status.
func (s *TradeStore) ListByStatus(ctx context.Context, currency string, status domain.TradeStatus, opts domain.ListOpts) ([]domain.TradeRequest, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trade_requests WHERE currency = $1 AND status = $2`
	args := []any{currency, string(status)}
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

	query += " ORDER BY id"

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
		return nil, fmt.Errorf("postgres: list trade requests: %w", err)
	}
	defer rows.Close()

	trs, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trade requests: %w", err)
	}
	return trs, nil
}

// advance moves a trade request to the next status under a row lock.
func (s *TradeStore) advance(ctx context.Context, id int64, next domain.TradeStatus, update string, args ...any) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx,
		`SELECT status FROM trade_requests WHERE id = $1 FOR UPDATE`, id,
	).Scan(&status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ErrNotFound
		}
		return fmt.Errorf("postgres: lock trade request %d: %w", id, err)
	}

	current := domain.TradeStatus(status)
	if !current.CanTransition(next) {
		return &domain.InvalidTransitionError{
			ID:   fmt.Sprintf("%d", id),
			From: string(current),
			To:   string(next),
		}
	}

	if _, err := tx.Exec(ctx, update, args...); err != nil {
		return fmt.Errorf("postgres: move trade request %d to %s: %w", id, next, err)
	}
	return tx.Commit(ctx)
}

// MarkExecuted records the fill and moves the request from open to executed.
func (s *TradeStore) MarkExecuted(ctx context.Context, id int64, fill domain.Fill) error {
	const update = `
		UPDATE trade_requests SET
			status = 'executed', executed_quantity = $2, fees = $3,
			executed_at = NOW(), updated_at = NOW()
		WHERE id = $1`
	return s.advance(ctx, id, domain.TradeStatusExecuted, update,
		id, fill.ExecutedQuantity.String(), fill.Fees.String())
}

// MarkClosed moves the request from executed to closed.
func (s *TradeStore) MarkClosed(ctx context.Context, id int64) error {
	const update = `
		UPDATE trade_requests SET status = 'closed', closed_at = NOW(), updated_at = NOW()
		WHERE id = $1`
	return s.advance(ctx, id, domain.TradeStatusClosed, update, id)
}

// FlagManualReview parks or releases the request for operator attention.
func (s *TradeStore) FlagManualReview(ctx context.Context, id int64, flagged bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trade_requests SET manual_review = $2, updated_at = NOW() WHERE id = $1`,
		id, flagged)
	if err != nil {
		return fmt.Errorf("postgres: flag trade request %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListTerminalBefore returns closed trade requests last touched before the
// cutoff, oldest first. A limit of zero or less returns all of them.
func (s *TradeStore) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.TradeRequest, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trade_requests
		 WHERE status = 'closed' AND updated_at < $1
		 ORDER BY updated_at, id`
	args := []any{cutoff}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal trade requests: %w", err)
	}
	defer rows.Close()

	trs, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan terminal trade requests: %w", err)
	}
	return trs, nil
}

var _ domain.TradeStore = (*TradeStore)(nil)
