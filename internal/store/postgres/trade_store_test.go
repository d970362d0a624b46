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

func seedTrade(t *testing.T, store *TradeStore, id int64, currency string, side domain.TradeSide, quantity string) {
	t.Helper()

	tr := domain.TradeRequest{
		ID:       id,
		Currency: currency,
		Side:     side,
		Quantity: decimal.RequireFromString(quantity),
		PulledAt: time.Now().UTC(),
	}
	require.NoError(t, store.Upsert(context.Background(), tr))
}

func TestTradeStore_Lifecycle(t *testing.T) {
	client, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewTradeStore(client.Pool())
	ctx := context.Background()

	seedTrade(t, store, 101, "LTC", domain.TradeSideSell, "12.5")

	got, err := store.GetByID(ctx, 101)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusOpen, got.Status)
	assert.Equal(t, domain.TradeSideSell, got.Side)
	assert.True(t, got.Quantity.Equal(decimal.RequireFromString("12.5")))
	assert.True(t, got.ExecutedQuantity.IsZero())

	fill := domain.Fill{
		ExecutedQuantity: decimal.RequireFromString("12.5"),
		Fees:             decimal.RequireFromString("0.03"),
	}
	require.NoError(t, store.MarkExecuted(ctx, 101, fill))

	got, err = store.GetByID(ctx, 101)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusExecuted, got.Status)
	assert.True(t, got.ExecutedQuantity.Equal(fill.ExecutedQuantity))
	assert.True(t, got.Fees.Equal(fill.Fees))
	assert.NotNil(t, got.ExecutedAt)

	require.NoError(t, store.MarkClosed(ctx, 101))

	got, err = store.GetByID(ctx, 101)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusClosed, got.Status)
	assert.NotNil(t, got.ClosedAt)
}

func TestTradeStore_CloseRequiresExecution(t *testing.T) {
	client, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewTradeStore(client.Pool())
	ctx := context.Background()

	seedTrade(t, store, 201, "LTC", domain.TradeSideSell, "5")

	var invalid *domain.InvalidTransitionError
	err := store.MarkClosed(ctx, 201)
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, string(domain.TradeStatusOpen), invalid.From)
	assert.Equal(t, string(domain.TradeStatusClosed), invalid.To)

	// A closed request cannot execute or close again.
	require.NoError(t, store.MarkExecuted(ctx, 201, domain.Fill{
		ExecutedQuantity: decimal.NewFromInt(5),
		Fees:             decimal.Zero,
	}))
	require.NoError(t, store.MarkClosed(ctx, 201))

	require.ErrorAs(t, store.MarkClosed(ctx, 201), &invalid)
	require.ErrorAs(t, store.MarkExecuted(ctx, 201, domain.Fill{}), &invalid)

	require.ErrorIs(t, store.MarkClosed(ctx, 999), domain.ErrNotFound)
}

func TestTradeStore_UpsertRefreshesOnlyOpen(t *testing.T) {
	client, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewTradeStore(client.Pool())
	ctx := context.Background()

	seedTrade(t, store, 301, "LTC", domain.TradeSideSell, "5")
	seedTrade(t, store, 301, "LTC", domain.TradeSideSell, "7.5")

	got, err := store.GetByID(ctx, 301)
	require.NoError(t, err)
	assert.True(t, got.Quantity.Equal(decimal.RequireFromString("7.5")))

	require.NoError(t, store.MarkExecuted(ctx, 301, domain.Fill{
		ExecutedQuantity: decimal.RequireFromString("7.5"),
		Fees:             decimal.Zero,
	}))

	seedTrade(t, store, 301, "LTC", domain.TradeSideSell, "100")

	got, err = store.GetByID(ctx, 301)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusExecuted, got.Status)
	assert.True(t, got.Quantity.Equal(decimal.RequireFromString("7.5")), "executed request rewound by re-pull")
}

func TestTradeStore_Queries(t *testing.T) {
	client, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewTradeStore(client.Pool())
	ctx := context.Background()

	seedTrade(t, store, 401, "LTC", domain.TradeSideSell, "1")
	seedTrade(t, store, 402, "LTC", domain.TradeSideBuy, "2")
	seedTrade(t, store, 403, "LTC", domain.TradeSideSell, "3")
	seedTrade(t, store, 404, "DOGE", domain.TradeSideSell, "4")

	require.NoError(t, store.MarkExecuted(ctx, 403, domain.Fill{
		ExecutedQuantity: decimal.NewFromInt(3),
		Fees:             decimal.Zero,
	}))
	require.NoError(t, store.MarkClosed(ctx, 403))

	open, err := store.ListByStatus(ctx, "LTC", domain.TradeStatusOpen, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, int64(401), open[0].ID)
	assert.Equal(t, int64(402), open[1].ID)

	require.NoError(t, store.FlagManualReview(ctx, 402, true))
	got, err := store.GetByID(ctx, 402)
	require.NoError(t, err)
	assert.True(t, got.ManualReview)

	terminal, err := store.ListTerminalBefore(ctx, time.Now().UTC().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, terminal, 1)
	assert.Equal(t, int64(403), terminal[0].ID)
}
