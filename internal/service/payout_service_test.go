package service

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadepool/payoutbot/internal/domain"
	"github.com/cascadepool/payoutbot/internal/store/memory"
)

type payoutFixture struct {
	svc     *PayoutService
	store   *memory.PayoutStore
	scm     *stubSCM
	network *stubNetwork
	audit   *memory.AuditStore
}

func newPayoutFixture(cfg PayoutConfig) *payoutFixture {
	if cfg.Currency == "" {
		cfg.Currency = "LTC"
	}
	if cfg.ConfirmationThreshold == 0 {
		cfg.ConfirmationThreshold = 3
	}
	if cfg.MaxSendAttempts == 0 {
		cfg.MaxSendAttempts = 3
	}

	f := &payoutFixture{
		store:   memory.NewPayoutStore(),
		scm:     &stubSCM{},
		network: &stubNetwork{},
		audit:   memory.NewAuditStore(),
	}
	f.svc = NewPayoutService(f.store, f.scm, f.network, f.audit, testNotifier(), cfg, testLogger())
	return f
}

func (f *payoutFixture) mustGet(t *testing.T, id string) domain.Payout {
	t.Helper()
	p, err := f.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return p
}

func TestPayoutService_PullPayoutsSkipsInvalidAddresses(t *testing.T) {
	ctx := context.Background()
	f := newPayoutFixture(PayoutConfig{})
	f.scm.payouts = []domain.RemotePayout{
		{ID: "p1", User: "alice", Address: "addr1", Amount: decimal.NewFromInt(1)},
		{ID: "p2", User: "bob", Address: "bogus", Amount: decimal.NewFromInt(2)},
		{ID: "p3", User: "carol", Address: "addr3", Amount: decimal.NewFromInt(3)},
	}
	f.network.badAddrs = map[string]bool{"bogus": true}

	stored, err := f.svc.PullPayouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stored)

	_, err = f.store.GetByID(ctx, "p2")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// Pulling again refreshes rather than duplicates.
	stored, err = f.svc.PullPayouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stored)

	pending, err := f.store.ListByStage(ctx, "LTC", domain.PayoutStagePending, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	assert.Contains(t, f.audit.Events(), "payouts_pulled")
}

func TestPayoutService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	f := newPayoutFixture(PayoutConfig{ConfirmationThreshold: 3})
	f.scm.payouts = []domain.RemotePayout{
		{ID: "p1", User: "alice", Address: "addr1", Amount: decimal.RequireFromString("1.5")},
		{ID: "p2", User: "bob", Address: "addr2", Amount: decimal.RequireFromString("2.5")},
	}
	f.network.txid = "abc"
	f.network.balances = []decimal.Decimal{decimal.NewFromInt(100)}
	f.network.fees = map[string]decimal.Decimal{"abc": decimal.RequireFromString("0.001")}
	f.network.confs = map[string]int64{"abc": 5}

	_, err := f.svc.PullPayouts(ctx)
	require.NoError(t, err)

	require.NoError(t, f.svc.SendPayouts(ctx))
	assert.Equal(t, 1, f.network.sendCalls)
	assert.True(t, f.network.lastOutputs["addr1"].Equal(decimal.RequireFromString("1.5")))
	assert.True(t, f.network.lastOutputs["addr2"].Equal(decimal.RequireFromString("2.5")))
	for _, id := range []string{"p1", "p2"} {
		p := f.mustGet(t, id)
		assert.Equal(t, domain.PayoutStageSent, p.Stage)
		assert.Equal(t, "abc", p.Transaction())
		assert.False(t, p.Locked)
	}

	// Re-running the send stage finds nothing pending and broadcasts nothing.
	require.NoError(t, f.svc.SendPayouts(ctx))
	assert.Equal(t, 1, f.network.sendCalls)

	// One association push per payout, both carrying the same txid and fee.
	require.NoError(t, f.svc.AssociateAll(ctx))
	require.Len(t, f.scm.assocs, 2)
	assert.ElementsMatch(t, []string{"p1", "p2"}, f.scm.associatedPIDs("abc"))
	assert.True(t, f.scm.assocs[0].fee.Equal(decimal.RequireFromString("0.001")))
	for _, id := range []string{"p1", "p2"} {
		assert.Equal(t, domain.PayoutStageAssociated, f.mustGet(t, id).Stage)
	}

	require.NoError(t, f.svc.ConfirmPayouts(ctx))
	require.Len(t, f.scm.confirms, 2)
	var confirmedIDs []string
	for _, c := range f.scm.confirms {
		assert.Equal(t, "abc", c.txid)
		confirmedIDs = append(confirmedIDs, c.payoutID)
	}
	assert.ElementsMatch(t, []string{"p1", "p2"}, confirmedIDs)
	for _, id := range []string{"p1", "p2"} {
		p := f.mustGet(t, id)
		assert.Equal(t, domain.PayoutStageConfirmed, p.Stage)
		require.NotNil(t, p.Confirmations)
		assert.Equal(t, int64(5), *p.Confirmations)
	}

	events := f.audit.Events()
	assert.Contains(t, events, "payout_sent")
	assert.Contains(t, events, "payouts_associated")
	assert.Contains(t, events, "payouts_confirmed")
}

func TestPayoutService_SendAggregatesPerAddress(t *testing.T) {
	ctx := context.Background()
	f := newPayoutFixture(PayoutConfig{})
	f.network.txid = "agg"
	f.network.balances = []decimal.Decimal{decimal.NewFromInt(10)}
	for _, p := range []domain.Payout{
		{ID: "p1", Currency: "LTC", Address: "addr1", Amount: decimal.NewFromInt(1)},
		{ID: "p2", Currency: "LTC", Address: "addr1", Amount: decimal.NewFromInt(2)},
	} {
		require.NoError(t, f.store.Upsert(ctx, p))
	}

	require.NoError(t, f.svc.SendPayouts(ctx))
	require.Len(t, f.network.lastOutputs, 1)
	assert.True(t, f.network.lastOutputs["addr1"].Equal(decimal.NewFromInt(3)))
	assert.Equal(t, domain.PayoutStageSent, f.mustGet(t, "p1").Stage)
	assert.Equal(t, domain.PayoutStageSent, f.mustGet(t, "p2").Stage)
}

func TestPayoutService_SendSplitsForSingleOutputGateways(t *testing.T) {
	ctx := context.Background()
	f := newPayoutFixture(PayoutConfig{})
	f.network.txid = "evm"
	f.network.maxOutputs = 1
	f.network.balances = []decimal.Decimal{decimal.NewFromInt(10)}
	for _, p := range []domain.Payout{
		{ID: "p1", Currency: "LTC", Address: "addr1", Amount: decimal.NewFromInt(1)},
		{ID: "p2", Currency: "LTC", Address: "addr2", Amount: decimal.NewFromInt(2)},
		{ID: "p3", Currency: "LTC", Address: "addr2", Amount: decimal.NewFromInt(3)},
	} {
		require.NoError(t, f.store.Upsert(ctx, p))
	}

	require.NoError(t, f.svc.SendPayouts(ctx))

	// One broadcast per address; same-address payouts still share theirs.
	require.Equal(t, 2, f.network.sendCalls)
	require.Len(t, f.network.sentBatches[0], 1)
	require.Len(t, f.network.sentBatches[1], 1)
	assert.True(t, f.network.sentBatches[0]["addr1"].Equal(decimal.NewFromInt(1)))
	assert.True(t, f.network.sentBatches[1]["addr2"].Equal(decimal.NewFromInt(5)))
	for _, id := range []string{"p1", "p2", "p3"} {
		assert.Equal(t, domain.PayoutStageSent, f.mustGet(t, id).Stage)
	}
}

func TestPayoutService_SplitFailurePostponesLaterBroadcasts(t *testing.T) {
	ctx := context.Background()
	f := newPayoutFixture(PayoutConfig{})
	f.network.maxOutputs = 1
	f.network.sendErr = errors.New("connection reset")
	f.network.balances = []decimal.Decimal{decimal.NewFromInt(10)}
	for _, p := range []domain.Payout{
		{ID: "p1", Currency: "LTC", Address: "addr1", Amount: decimal.NewFromInt(1)},
		{ID: "p2", Currency: "LTC", Address: "addr2", Amount: decimal.NewFromInt(2)},
	} {
		require.NoError(t, f.store.Upsert(ctx, p))
	}

	require.Error(t, f.svc.SendPayouts(ctx))

	// The first broadcast took the failure; the second was never attempted.
	assert.Equal(t, 1, f.network.sendCalls)
	p1 := f.mustGet(t, "p1")
	assert.Equal(t, 1, p1.Attempts)
	assert.False(t, p1.Locked)
	p2 := f.mustGet(t, "p2")
	assert.Equal(t, 0, p2.Attempts)
	assert.False(t, p2.Locked)
	assert.Equal(t, domain.PayoutStagePending, p2.Stage)
}

func TestPayoutService_SendDustFilter(t *testing.T) {
	ctx := context.Background()
	f := newPayoutFixture(PayoutConfig{MinimumPayout: decimal.NewFromInt(1)})
	f.network.txid = "dust"
	f.network.balances = []decimal.Decimal{decimal.NewFromInt(10)}
	for _, p := range []domain.Payout{
		{ID: "p1", Currency: "LTC", Address: "addr1", Amount: decimal.RequireFromString("0.4")},
		{ID: "p2", Currency: "LTC", Address: "addr2", Amount: decimal.NewFromInt(5)},
		{ID: "p3", Currency: "LTC", Address: "addr3", Amount: decimal.RequireFromString("0.6")},
		{ID: "p4", Currency: "LTC", Address: "addr3", Amount: decimal.RequireFromString("0.6")},
	} {
		require.NoError(t, f.store.Upsert(ctx, p))
	}

	require.NoError(t, f.svc.SendPayouts(ctx))

	// addr1 stays under the minimum alone; addr3 crosses it in aggregate.
	require.Len(t, f.network.lastOutputs, 2)
	assert.True(t, f.network.lastOutputs["addr2"].Equal(decimal.NewFromInt(5)))
	assert.True(t, f.network.lastOutputs["addr3"].Equal(decimal.RequireFromString("1.2")))

	p1 := f.mustGet(t, "p1")
	assert.Equal(t, domain.PayoutStagePending, p1.Stage)
	assert.False(t, p1.Locked)
	for _, id := range []string{"p2", "p3", "p4"} {
		assert.Equal(t, domain.PayoutStageSent, f.mustGet(t, id).Stage)
	}
}

func TestPayoutService_SendInsufficientFundsAborts(t *testing.T) {
	ctx := context.Background()
	f := newPayoutFixture(PayoutConfig{})
	f.network.balances = []decimal.Decimal{decimal.NewFromInt(1)}
	require.NoError(t, f.store.Upsert(ctx, domain.Payout{
		ID: "p1", Currency: "LTC", Address: "addr1", Amount: decimal.NewFromInt(5),
	}))

	err := f.svc.SendPayouts(ctx)
	require.Error(t, err)
	assert.Equal(t, 0, f.network.sendCalls)

	p := f.mustGet(t, "p1")
	assert.Equal(t, domain.PayoutStagePending, p.Stage)
	assert.False(t, p.Locked)
	assert.Contains(t, f.audit.Events(), "send_aborted_insufficient_funds")
}

func TestPayoutService_SendFailureBalanceUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newPayoutFixture(PayoutConfig{MaxSendAttempts: 2})
	f.network.sendErr = errors.New("connection reset during send_many")
	f.network.balances = []decimal.Decimal{decimal.NewFromInt(50)}
	require.NoError(t, f.store.Upsert(ctx, domain.Payout{
		ID: "p1", Currency: "LTC", Address: "addr1", Amount: decimal.NewFromInt(5),
	}))

	// First failure: unlocked for retry, one attempt on the clock.
	require.Error(t, f.svc.SendPayouts(ctx))
	p := f.mustGet(t, "p1")
	assert.Equal(t, domain.PayoutStagePending, p.Stage)
	assert.False(t, p.Locked)
	assert.Equal(t, 1, p.Attempts)
	assert.False(t, p.ManualReview)

	// Second failure hits the attempt cap and parks the payout.
	require.Error(t, f.svc.SendPayouts(ctx))
	p = f.mustGet(t, "p1")
	assert.Equal(t, 2, p.Attempts)
	assert.True(t, p.ManualReview)
	assert.Contains(t, f.audit.Events(), "send_failed")

	// Parked payouts are invisible to the next pass.
	require.NoError(t, f.svc.SendPayouts(ctx))
	assert.Equal(t, 2, f.network.sendCalls)
}

func TestPayoutService_SendFailureBalanceMovedKeepsLock(t *testing.T) {
	ctx := context.Background()
	f := newPayoutFixture(PayoutConfig{})
	f.network.sendErr = errors.New("timeout waiting for send_many")
	f.network.balances = []decimal.Decimal{decimal.NewFromInt(50), decimal.NewFromInt(45)}
	require.NoError(t, f.store.Upsert(ctx, domain.Payout{
		ID: "p1", Currency: "LTC", Address: "addr1", Amount: decimal.NewFromInt(5),
	}))

	require.Error(t, f.svc.SendPayouts(ctx))
	p := f.mustGet(t, "p1")
	assert.Equal(t, domain.PayoutStagePending, p.Stage)
	assert.True(t, p.Locked)
	assert.Nil(t, p.TxID)
	assert.Equal(t, 0, p.Attempts)
	assert.Contains(t, f.audit.Events(), "send_ambiguous")

	// The locked record never re-enters a broadcast.
	require.NoError(t, f.svc.SendPayouts(ctx))
	assert.Equal(t, 1, f.network.sendCalls)

	ambiguous, err := f.svc.DetectAmbiguous(ctx)
	require.NoError(t, err)
	require.Len(t, ambiguous, 1)
	assert.Equal(t, "p1", ambiguous[0].ID)
}

func TestPayoutService_ConfirmThreshold(t *testing.T) {
	ctx := context.Background()
	f := newPayoutFixture(PayoutConfig{ConfirmationThreshold: 3})
	f.network.confs = map[string]int64{"aa": 2, "bb": 3}

	for id, txid := range map[string]string{"p1": "aa", "p2": "bb"} {
		require.NoError(t, f.store.Upsert(ctx, domain.Payout{
			ID: id, Currency: "LTC", Address: "addr-" + id, Amount: decimal.NewFromInt(1),
		}))
		require.NoError(t, f.store.MarkSent(ctx, id, txid))
		require.NoError(t, f.store.MarkAssociated(ctx, id))
	}

	require.NoError(t, f.svc.ConfirmPayouts(ctx))

	p1 := f.mustGet(t, "p1")
	assert.Equal(t, domain.PayoutStageAssociated, p1.Stage)
	require.NotNil(t, p1.Confirmations)
	assert.Equal(t, int64(2), *p1.Confirmations)

	// Exactly one confirmation push, for the payout whose tx met the bar.
	assert.Equal(t, domain.PayoutStageConfirmed, f.mustGet(t, "p2").Stage)
	require.Len(t, f.scm.confirms, 1)
	assert.Equal(t, confirmPush{payoutID: "p2", txid: "bb"}, f.scm.confirms[0])

	// Once the chain catches up, the held-back transaction goes through.
	f.network.confs["aa"] = 3
	require.NoError(t, f.svc.ConfirmPayouts(ctx))
	assert.Equal(t, domain.PayoutStageConfirmed, f.mustGet(t, "p1").Stage)
	require.Len(t, f.scm.confirms, 2)
	assert.Equal(t, confirmPush{payoutID: "p1", txid: "aa"}, f.scm.confirms[1])
}

func TestPayoutService_ConfirmPushFailureKeepsAssociated(t *testing.T) {
	ctx := context.Background()
	f := newPayoutFixture(PayoutConfig{ConfirmationThreshold: 1})
	f.network.confs = map[string]int64{"aa": 10}
	f.scm.confirmErr = &domain.TransientError{Op: "confirm_payouts", Err: errors.New("503")}

	require.NoError(t, f.store.Upsert(ctx, domain.Payout{
		ID: "p1", Currency: "LTC", Address: "addr1", Amount: decimal.NewFromInt(1),
	}))
	require.NoError(t, f.store.MarkSent(ctx, "p1", "aa"))
	require.NoError(t, f.store.MarkAssociated(ctx, "p1"))

	require.Error(t, f.svc.ConfirmPayouts(ctx))
	assert.Equal(t, domain.PayoutStageAssociated, f.mustGet(t, "p1").Stage)
	assert.Empty(t, f.scm.confirms)
}

func TestPayoutService_AssociateRequiresSentStage(t *testing.T) {
	ctx := context.Background()
	f := newPayoutFixture(PayoutConfig{})
	f.network.fees = map[string]decimal.Decimal{"abc": decimal.RequireFromString("0.002")}
	require.NoError(t, f.store.Upsert(ctx, domain.Payout{
		ID: "p1", Currency: "LTC", Address: "addr1", Amount: decimal.NewFromInt(2),
	}))

	assert.ErrorIs(t, f.svc.Associate(ctx, "p1"), domain.ErrInvalidInput)

	require.NoError(t, f.store.MarkSent(ctx, "p1", "abc"))
	require.NoError(t, f.svc.Associate(ctx, "p1"))
	require.Len(t, f.scm.assocs, 1)
	assert.Equal(t, "p1", f.scm.assocs[0].payoutID)
	assert.Equal(t, "abc", f.scm.assocs[0].txid)
	assert.Equal(t, domain.PayoutStageAssociated, f.mustGet(t, "p1").Stage)
}

func TestPayoutService_AssociateAllSkipsFailedFeeLookup(t *testing.T) {
	ctx := context.Background()
	f := newPayoutFixture(PayoutConfig{})
	f.network.fees = map[string]decimal.Decimal{"bb": decimal.RequireFromString("0.01")}

	for id, txid := range map[string]string{"p1": "aa", "p2": "bb"} {
		require.NoError(t, f.store.Upsert(ctx, domain.Payout{
			ID: id, Currency: "LTC", Address: "addr-" + id, Amount: decimal.NewFromInt(1),
		}))
		require.NoError(t, f.store.MarkSent(ctx, id, txid))
	}

	err := f.svc.AssociateAll(ctx)
	require.Error(t, err)

	require.Len(t, f.scm.assocs, 1)
	assert.Equal(t, "p2", f.scm.assocs[0].payoutID)
	assert.Equal(t, "bb", f.scm.assocs[0].txid)
	assert.Equal(t, domain.PayoutStageAssociated, f.mustGet(t, "p2").Stage)
	assert.Equal(t, domain.PayoutStageSent, f.mustGet(t, "p1").Stage)
}

func TestPayoutService_AssociateAllRemoteRejected(t *testing.T) {
	ctx := context.Background()
	f := newPayoutFixture(PayoutConfig{})
	f.network.fees = map[string]decimal.Decimal{"aa": decimal.RequireFromString("0.01")}
	f.scm.assocErr = &domain.RemoteRejectedError{Op: "associate_payouts", ID: "aa", Reason: "unknown payout"}

	require.NoError(t, f.store.Upsert(ctx, domain.Payout{
		ID: "p1", Currency: "LTC", Address: "addr1", Amount: decimal.NewFromInt(1),
	}))
	require.NoError(t, f.store.MarkSent(ctx, "p1", "aa"))

	err := f.svc.AssociateAll(ctx)
	require.Error(t, err)
	var rejected *domain.RemoteRejectedError
	require.ErrorAs(t, err, &rejected)

	p := f.mustGet(t, "p1")
	assert.Equal(t, domain.PayoutStageSent, p.Stage)
	assert.True(t, p.ManualReview)
	assert.Contains(t, f.audit.Events(), "associate_rejected")

	// The parked payout is invisible to the next pass even after the pool
	// recovers.
	f.scm.assocErr = nil
	require.NoError(t, f.svc.AssociateAll(ctx))
	assert.Empty(t, f.scm.assocs)
}
