// Package memory provides in-memory implementations of the ledger store
// interfaces. They enforce the same lifecycle rules as the postgres stores
// and back tests that do not want a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cascadepool/payoutbot/internal/domain"
)

// PayoutStore implements domain.PayoutStore in memory.
type PayoutStore struct {
	mu      sync.RWMutex
	payouts map[string]domain.Payout
}

// NewPayoutStore creates an empty in-memory payout store.
func NewPayoutStore() *PayoutStore {
	return &PayoutStore{payouts: make(map[string]domain.Payout)}
}

func (s *PayoutStore) Upsert(_ context.Context, p domain.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	existing, ok := s.payouts[p.ID]
	if !ok {
		p.Stage = domain.PayoutStagePending
		p.UpdatedAt = now
		s.payouts[p.ID] = p
		return nil
	}
	if existing.Stage != domain.PayoutStagePending {
		return nil
	}

	existing.User = p.User
	existing.Address = p.Address
	existing.Amount = p.Amount
	existing.PulledAt = p.PulledAt
	existing.UpdatedAt = now
	s.payouts[p.ID] = existing
	return nil
}

func (s *PayoutStore) GetByID(_ context.Context, id string) (domain.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payouts[id]
	if !ok {
		return domain.Payout{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *PayoutStore) ListByStage(_ context.Context, currency string, stage domain.PayoutStage, opts domain.ListOpts) ([]domain.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Payout
	for _, p := range s.payouts {
		if p.Currency != currency || p.Stage != stage {
			continue
		}
		if opts.Since != nil && p.UpdatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && p.UpdatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, p)
	}
	sortPayouts(out)
	return page(out, opts), nil
}

func sortPayouts(payouts []domain.Payout) {
	sort.Slice(payouts, func(i, j int) bool {
		if payouts[i].PulledAt.Equal(payouts[j].PulledAt) {
			return payouts[i].ID < payouts[j].ID
		}
		return payouts[i].PulledAt.Before(payouts[j].PulledAt)
	})
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

// advance applies mutate after checking the stage lifecycle.
func (s *PayoutStore) advance(id string, next domain.PayoutStage, mutate func(*domain.Payout)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payouts[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !p.Stage.CanTransition(next) {
		return &domain.InvalidTransitionError{ID: id, From: string(p.Stage), To: string(next)}
	}
	if next == domain.PayoutStageAssociated && p.TxID == nil {
		return fmt.Errorf("memory: payout %s has no txid: %w", id, domain.ErrInvalidInput)
	}

	p.Stage = next
	p.UpdatedAt = time.Now().UTC()
	mutate(&p)
	s.payouts[id] = p
	return nil
}

func (s *PayoutStore) SetStage(_ context.Context, id string, next domain.PayoutStage) error {
	if !next.Valid() {
		return fmt.Errorf("memory: unknown stage %q: %w", next, domain.ErrInvalidInput)
	}
	if next == domain.PayoutStageSent {
		return fmt.Errorf("memory: stage sent requires a txid: %w", domain.ErrInvalidInput)
	}
	return s.advance(id, next, func(p *domain.Payout) {
		now := p.UpdatedAt
		switch next {
		case domain.PayoutStageAssociated:
			p.AssociatedAt = &now
		case domain.PayoutStageConfirmed:
			p.ConfirmedAt = &now
		}
	})
}

func (s *PayoutStore) Lock(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payouts[id]
	if !ok {
		return domain.ErrNotFound
	}
	if p.Locked {
		return domain.ErrLockHeld
	}
	now := time.Now().UTC()
	p.Locked = true
	p.LockedAt = &now
	p.UpdatedAt = now
	s.payouts[id] = p
	return nil
}

func (s *PayoutStore) Unlock(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payouts[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.Locked = false
	p.LockedAt = nil
	p.UpdatedAt = time.Now().UTC()
	s.payouts[id] = p
	return nil
}

func (s *PayoutStore) MarkSent(_ context.Context, id, txid string) error {
	if txid == "" {
		return fmt.Errorf("memory: empty txid: %w", domain.ErrInvalidInput)
	}
	return s.advance(id, domain.PayoutStageSent, func(p *domain.Payout) {
		now := p.UpdatedAt
		p.TxID = &txid
		p.Locked = false
		p.LockedAt = nil
		p.SentAt = &now
	})
}

func (s *PayoutStore) MarkAssociated(_ context.Context, id string) error {
	return s.advance(id, domain.PayoutStageAssociated, func(p *domain.Payout) {
		now := p.UpdatedAt
		p.AssociatedAt = &now
	})
}

func (s *PayoutStore) MarkConfirmed(_ context.Context, id string) error {
	return s.advance(id, domain.PayoutStageConfirmed, func(p *domain.Payout) {
		now := p.UpdatedAt
		p.ConfirmedAt = &now
	})
}

func (s *PayoutStore) SetConfirmations(_ context.Context, id string, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payouts[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.Confirmations = &n
	p.UpdatedAt = time.Now().UTC()
	s.payouts[id] = p
	return nil
}

func (s *PayoutStore) IncrementAttempts(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payouts[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	p.Attempts++
	p.UpdatedAt = time.Now().UTC()
	s.payouts[id] = p
	return p.Attempts, nil
}

func (s *PayoutStore) FlagManualReview(_ context.Context, id string, flagged bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payouts[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.ManualReview = flagged
	if !flagged {
		p.Attempts = 0
	}
	p.UpdatedAt = time.Now().UTC()
	s.payouts[id] = p
	return nil
}

func (s *PayoutStore) ResetLocked(_ context.Context, currency string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	now := time.Now().UTC()
	for id, p := range s.payouts {
		if p.Currency != currency || !p.Locked {
			continue
		}
		p.Locked = false
		p.LockedAt = nil
		p.UpdatedAt = now
		s.payouts[id] = p
		n++
	}
	return n, nil
}

func (s *PayoutStore) ListIncomplete(_ context.Context, currency string) ([]domain.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Payout
	for _, p := range s.payouts {
		if p.Currency == currency && !p.Stage.Terminal() {
			out = append(out, p)
		}
	}
	sortPayouts(out)
	return out, nil
}

func (s *PayoutStore) ListTerminalBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Payout
	for _, p := range s.payouts {
		if p.Stage.Terminal() && p.UpdatedAt.Before(cutoff) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *PayoutStore) SumPending(_ context.Context, currency string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := decimal.Zero
	for _, p := range s.payouts {
		if p.Currency == currency && p.Stage == domain.PayoutStagePending {
			sum = sum.Add(p.Amount)
		}
	}
	return sum, nil
}

// TradeStore implements domain.TradeStore in memory.
type TradeStore struct {
	mu     sync.RWMutex
	trades map[int64]domain.TradeRequest
}

// NewTradeStore creates an empty in-memory trade store.
func NewTradeStore() *TradeStore {
	return &TradeStore{trades: make(map[int64]domain.TradeRequest)}
}

func (s *TradeStore) Upsert(_ context.Context, tr domain.TradeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	existing, ok := s.trades[tr.ID]
	if !ok {
		tr.Status = domain.TradeStatusOpen
		tr.UpdatedAt = now
		s.trades[tr.ID] = tr
		return nil
	}
	if existing.Status != domain.TradeStatusOpen {
		return nil
	}

	existing.Currency = tr.Currency
	existing.Side = tr.Side
	existing.Quantity = tr.Quantity
	existing.PulledAt = tr.PulledAt
	existing.UpdatedAt = now
	s.trades[tr.ID] = existing
	return nil
}

func (s *TradeStore) GetByID(_ context.Context, id int64) (domain.TradeRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tr, ok := s.trades[id]
	if !ok {
		return domain.TradeRequest{}, domain.ErrNotFound
	}
	return tr, nil
}

func (s *TradeStore) ListByStatus(_ context.Context, currency string, status domain.TradeStatus, opts domain.ListOpts) ([]domain.TradeRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.TradeRequest
	for _, tr := range s.trades {
		if tr.Currency != currency || tr.Status != status {
			continue
		}
		if opts.Since != nil && tr.UpdatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && tr.UpdatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, opts), nil
}

func (s *TradeStore) advance(id int64, next domain.TradeStatus, mutate func(*domain.TradeRequest)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.trades[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !tr.Status.CanTransition(next) {
		return &domain.InvalidTransitionError{
			ID:   fmt.Sprintf("%d", id),
			From: string(tr.Status),
			To:   string(next),
		}
	}

	tr.Status = next
	tr.UpdatedAt = time.Now().UTC()
	mutate(&tr)
	s.trades[id] = tr
	return nil
}

func (s *TradeStore) MarkExecuted(_ context.Context, id int64, fill domain.Fill) error {
	return s.advance(id, domain.TradeStatusExecuted, func(tr *domain.TradeRequest) {
		now := tr.UpdatedAt
		tr.ExecutedQuantity = fill.ExecutedQuantity
		tr.Fees = fill.Fees
		tr.ExecutedAt = &now
	})
}

func (s *TradeStore) MarkClosed(_ context.Context, id int64) error {
	return s.advance(id, domain.TradeStatusClosed, func(tr *domain.TradeRequest) {
		now := tr.UpdatedAt
		tr.ClosedAt = &now
	})
}

func (s *TradeStore) FlagManualReview(_ context.Context, id int64, flagged bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.trades[id]
	if !ok {
		return domain.ErrNotFound
	}
	tr.ManualReview = flagged
	tr.UpdatedAt = time.Now().UTC()
	s.trades[id] = tr
	return nil
}

func (s *TradeStore) ListTerminalBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.TradeRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.TradeRequest
	for _, tr := range s.trades {
		if tr.Status.Terminal() && tr.UpdatedAt.Before(cutoff) {
			out = append(out, tr)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// AuditStore implements domain.AuditStore in memory.
type AuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	nextID  int64
}

// NewAuditStore creates an empty in-memory audit store.
func NewAuditStore() *AuditStore {
	return &AuditStore{nextID: 1}
}

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, domain.AuditEntry{
		ID:        s.nextID,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	s.nextID++
	return nil
}

func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.AuditEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	return page(out, opts), nil
}

// Events returns the logged event names in order, oldest first.
func (s *AuditStore) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		events = append(events, e.Event)
	}
	return events
}

// LockManager implements domain.LockManager inside a single process. Simulate
// runs use it so a dry run never contends on the shared redis locks.
type LockManager struct {
	mu    sync.Mutex
	holds map[string]*lockHold
}

type lockHold struct {
	until time.Time
}

// NewLockManager creates an empty in-process lock manager.
func NewLockManager() *LockManager {
	return &LockManager{holds: make(map[string]*lockHold)}
}

func (m *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, held := m.holds[key]; held && time.Now().Before(h.until) {
		return nil, domain.ErrLockHeld
	}
	h := &lockHold{until: time.Now().Add(ttl)}
	m.holds[key] = h

	// Unlock releases only this acquisition: after expiry another party may
	// hold the key, and their lock must survive a late unlock call.
	var once sync.Once
	unlock := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.holds[key] == h {
				delete(m.holds, key)
			}
		})
	}
	return unlock, nil
}

var (
	_ domain.PayoutStore = (*PayoutStore)(nil)
	_ domain.TradeStore  = (*TradeStore)(nil)
	_ domain.AuditStore  = (*AuditStore)(nil)
	_ domain.LockManager = (*LockManager)(nil)
)
