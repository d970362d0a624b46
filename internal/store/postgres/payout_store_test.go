package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadepool/payoutbot/internal/domain"
)

func seedPayout(t *testing.T, store *PayoutStore, id, currency string) domain.Payout {
	t.Helper()

	p := domain.Payout{
		ID:       id,
		Currency: currency,
		User:     "miner1",
		Address:  "LZHvVzaDNafgGfUcJyVxx6sgNvLTsjkTBN",
		Amount:   decimal.RequireFromString("1.25"),
		PulledAt: time.Now().UTC(),
	}
	require.NoError(t, store.Upsert(context.Background(), p))
	return p
}

func TestPayoutStore_UpsertIsIdempotent(t *testing.T) {
	client, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewPayoutStore(client.Pool())
	ctx := context.Background()

	p := seedPayout(t, store, "101", "LTC")

	got, err := store.GetByID(ctx, "101")
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutStagePending, got.Stage)
	assert.True(t, got.Amount.Equal(p.Amount), "amount = %s", got.Amount)
	assert.Nil(t, got.TxID)
	assert.False(t, got.Locked)

	// A re-pull while still pending refreshes the record in place.
	p.Amount = decimal.RequireFromString("2.50")
	require.NoError(t, store.Upsert(ctx, p))

	got, err = store.GetByID(ctx, "101")
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("2.50")))
	assert.Equal(t, domain.PayoutStagePending, got.Stage)

	// Once the record has left pending, a re-pull must not rewind it.
	require.NoError(t, store.MarkSent(ctx, "101", "abc"))

	p.Amount = decimal.RequireFromString("9.99")
	require.NoError(t, store.Upsert(ctx, p))

	got, err = store.GetByID(ctx, "101")
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutStageSent, got.Stage)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("2.50")), "amount rewound to %s", got.Amount)
	require.NotNil(t, got.TxID)
	assert.Equal(t, "abc", *got.TxID)
}

func TestPayoutStore_LifecycleMovesForwardOnly(t *testing.T) {
	client, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewPayoutStore(client.Pool())
	ctx := context.Background()

	t.Run("full forward walk", func(t *testing.T) {
		seedPayout(t, store, "201", "LTC")

		require.NoError(t, store.MarkSent(ctx, "201", "abc"))
		require.NoError(t, store.MarkAssociated(ctx, "201"))
		require.NoError(t, store.MarkConfirmed(ctx, "201"))

		got, err := store.GetByID(ctx, "201")
		require.NoError(t, err)
		assert.Equal(t, domain.PayoutStageConfirmed, got.Stage)
		assert.NotNil(t, got.SentAt)
		assert.NotNil(t, got.AssociatedAt)
		assert.NotNil(t, got.ConfirmedAt)
	})

	t.Run("no stage skipping", func(t *testing.T) {
		seedPayout(t, store, "202", "LTC")

		var invalid *domain.InvalidTransitionError
		err := store.MarkAssociated(ctx, "202")
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, string(domain.PayoutStagePending), invalid.From)

		err = store.MarkConfirmed(ctx, "202")
		require.ErrorAs(t, err, &invalid)
	})

	t.Run("no double send", func(t *testing.T) {
		seedPayout(t, store, "203", "LTC")
		require.NoError(t, store.MarkSent(ctx, "203", "abc"))

		var invalid *domain.InvalidTransitionError
		err := store.MarkSent(ctx, "203", "def")
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, string(domain.PayoutStageSent), invalid.From)

		got, err := store.GetByID(ctx, "203")
		require.NoError(t, err)
		require.NotNil(t, got.TxID)
		assert.Equal(t, "abc", *got.TxID, "txid overwritten by rejected second send")
	})

	t.Run("terminal stages stay put", func(t *testing.T) {
		seedPayout(t, store, "204", "LTC")
		require.NoError(t, store.SetStage(ctx, "204", domain.PayoutStageFailed))

		var invalid *domain.InvalidTransitionError
		err := store.SetStage(ctx, "204", domain.PayoutStageFailed)
		require.ErrorAs(t, err, &invalid)
	})

	t.Run("sent requires dedicated method", func(t *testing.T) {
		seedPayout(t, store, "205", "LTC")
		err := store.SetStage(ctx, "205", domain.PayoutStageSent)
		require.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("unknown id", func(t *testing.T) {
		err := store.MarkSent(ctx, "299", "abc")
		require.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestPayoutStore_Locking(t *testing.T) {
	client, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewPayoutStore(client.Pool())
	ctx := context.Background()

	seedPayout(t, store, "301", "LTC")

	require.NoError(t, store.Lock(ctx, "301"))
	require.ErrorIs(t, store.Lock(ctx, "301"), domain.ErrLockHeld)

	got, err := store.GetByID(ctx, "301")
	require.NoError(t, err)
	assert.True(t, got.Locked)
	assert.NotNil(t, got.LockedAt)
	assert.False(t, got.Sendable())

	// MarkSent records the txid and releases the lock in the same write.
	require.NoError(t, store.MarkSent(ctx, "301", "abc"))

	got, err = store.GetByID(ctx, "301")
	require.NoError(t, err)
	assert.False(t, got.Locked)
	assert.Nil(t, got.LockedAt)
	assert.Equal(t, domain.PayoutStageSent, got.Stage)

	require.ErrorIs(t, store.Lock(ctx, "399"), domain.ErrNotFound)
	require.ErrorIs(t, store.Unlock(ctx, "399"), domain.ErrNotFound)
}

func TestPayoutStore_ResetLocked(t *testing.T) {
	client, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewPayoutStore(client.Pool())
	ctx := context.Background()

	seedPayout(t, store, "401", "LTC")
	seedPayout(t, store, "402", "LTC")
	seedPayout(t, store, "403", "DOGE")

	require.NoError(t, store.Lock(ctx, "401"))
	require.NoError(t, store.Lock(ctx, "402"))
	require.NoError(t, store.Lock(ctx, "403"))

	n, err := store.ResetLocked(ctx, "LTC")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := store.GetByID(ctx, "403")
	require.NoError(t, err)
	assert.True(t, got.Locked, "other currency unlocked by reset")
}

func TestPayoutStore_AttemptsAndManualReview(t *testing.T) {
	client, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewPayoutStore(client.Pool())
	ctx := context.Background()

	seedPayout(t, store, "501", "LTC")

	for want := 1; want <= 3; want++ {
		n, err := store.IncrementAttempts(ctx, "501")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	require.NoError(t, store.FlagManualReview(ctx, "501", true))
	got, err := store.GetByID(ctx, "501")
	require.NoError(t, err)
	assert.True(t, got.ManualReview)
	assert.False(t, got.Sendable())

	// Clearing the flag resets the failure counter.
	require.NoError(t, store.FlagManualReview(ctx, "501", false))
	got, err = store.GetByID(ctx, "501")
	require.NoError(t, err)
	assert.False(t, got.ManualReview)
	assert.Equal(t, 0, got.Attempts)
	assert.True(t, got.Sendable())
}

func TestPayoutStore_Queries(t *testing.T) {
	client, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewPayoutStore(client.Pool())
	ctx := context.Background()

	for _, id := range []string{"601", "602", "603", "604"} {
		seedPayout(t, store, id, "LTC")
	}
	seedPayout(t, store, "605", "DOGE")

	require.NoError(t, store.MarkSent(ctx, "603", "abc"))
	require.NoError(t, store.MarkSent(ctx, "604", "abc"))
	require.NoError(t, store.MarkAssociated(ctx, "604"))
	require.NoError(t, store.MarkConfirmed(ctx, "604"))

	t.Run("list by stage", func(t *testing.T) {
		pending, err := store.ListByStage(ctx, "LTC", domain.PayoutStagePending, domain.ListOpts{})
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "601", pending[0].ID)

		limited, err := store.ListByStage(ctx, "LTC", domain.PayoutStagePending, domain.ListOpts{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		sent, err := store.ListByStage(ctx, "LTC", domain.PayoutStageSent, domain.ListOpts{})
		require.NoError(t, err)
		require.Len(t, sent, 1)
		assert.Equal(t, "603", sent[0].ID)
	})

	t.Run("list incomplete", func(t *testing.T) {
		incomplete, err := store.ListIncomplete(ctx, "LTC")
		require.NoError(t, err)
		require.Len(t, incomplete, 3)
		for _, p := range incomplete {
			assert.NotEqual(t, domain.PayoutStageConfirmed, p.Stage)
		}
	})

	t.Run("sum pending", func(t *testing.T) {
		sum, err := store.SumPending(ctx, "LTC")
		require.NoError(t, err)
		assert.True(t, sum.Equal(decimal.RequireFromString("2.50")), "sum = %s", sum)

		empty, err := store.SumPending(ctx, "BTC")
		require.NoError(t, err)
		assert.True(t, empty.IsZero())
	})

	t.Run("list terminal before cutoff", func(t *testing.T) {
		terminal, err := store.ListTerminalBefore(ctx, time.Now().UTC().Add(time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, terminal, 1)
		assert.Equal(t, "604", terminal[0].ID)

		none, err := store.ListTerminalBefore(ctx, time.Now().UTC().Add(-time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("set confirmations", func(t *testing.T) {
		require.NoError(t, store.SetConfirmations(ctx, "603", 4))
		got, err := store.GetByID(ctx, "603")
		require.NoError(t, err)
		assert.Equal(t, ptr(int64(4)), got.Confirmations)
	})
}
