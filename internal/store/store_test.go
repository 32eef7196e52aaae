package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mirra/internal/domain"
	"mirra/internal/store/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOrderRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	root := &model.TradingOrderModel{
		Exchange: "bybit", Symbol: "BTCUSDT", Side: domain.SideBuy,
		Kind: domain.OrderKindMarket, Amount: 0.5, Leverage: 10,
		State: domain.OrderStateOpen, ExchangeOrderID: "ex-root",
	}
	require.NoError(t, s.CreateOrder(ctx, root))
	require.NotZero(t, root.ID)

	copies := []*model.TradingOrderModel{
		{ParentOrderID: &root.ID, Exchange: "bybit", Symbol: "BTCUSDT", Side: domain.SideBuy, State: domain.OrderStateOpen},
		{ParentOrderID: &root.ID, Exchange: "bybit", Symbol: "BTCUSDT", Side: domain.SideBuy, State: domain.OrderStateXOpen},
	}
	require.NoError(t, s.CreateOrders(ctx, copies))

	got, err := s.ListCopyOrders(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.OrderStateOpen, got[0].State)
	assert.Equal(t, domain.OrderStateXOpen, got[1].State)

	_, err = s.GetOrder(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFinalizePositionOptimisticGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pos := &model.PositionModel{
		Exchange: "bybit", Symbol: "BTCUSDT", Side: domain.SideBuy,
		Amount: 1.5, Value: 75000, Leverage: 10, AvgEntryPrice: 50000,
		Status: domain.PositionOpen,
	}
	require.NoError(t, s.CreatePosition(ctx, pos))
	require.NoError(t, s.MarkClosePending(ctx, pos.ID))

	closedAt := time.Now().Unix()
	first := &model.PositionModel{ID: pos.ID, Status: domain.PositionClosed, ClosedPnL: 2500, ClosedPnLPct: 0.333, ClosedAtUnix: &closedAt}
	ok, err := s.FinalizePosition(ctx, first)
	require.NoError(t, err)
	assert.True(t, ok)

	// 第二次落败: 行已是终态, WHERE 守卫不命中.
	second := &model.PositionModel{ID: pos.ID, Status: domain.PositionXClosed}
	ok, err = s.FinalizePosition(ctx, second)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, got.Status)
	assert.Equal(t, 2500.0, got.ClosedPnL)
	assert.False(t, got.ClosePending)

	// 非法目标状态直接报错.
	_, err = s.FinalizePosition(ctx, &model.PositionModel{ID: pos.ID, Status: domain.PositionOpen})
	assert.Error(t, err)
}

func TestSaveScanCursorAndListReconcilable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pending := &model.PositionModel{Exchange: "bingx", Symbol: "ETH-USDT", Side: domain.SideSell, Status: domain.PositionOpen}
	idle := &model.PositionModel{Exchange: "bingx", Symbol: "ETH-USDT", Side: domain.SideSell, Status: domain.PositionOpen}
	require.NoError(t, s.CreatePositions(ctx, []*model.PositionModel{pending, idle}))
	require.NoError(t, s.MarkClosePending(ctx, pending.ID))

	list, err := s.ListReconcilable(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, pending.ID, list[0].ID)

	pending.OrdersCursor = "page-3"
	pending.MatchedOrderID = "ex-42"
	require.NoError(t, s.SaveScanCursor(ctx, pending))

	got, err := s.GetPosition(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, "page-3", got.OrdersCursor)
	assert.Equal(t, "ex-42", got.MatchedOrderID)
}

func TestListEligibleSubscribers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	subs := []model.SubscriberModel{
		{Name: "alice", Exchange: "bybit", APIKey: "k1", Secret: "s1", Active: true, Margin: 50},
		{Name: "bob", Exchange: "bybit", APIKey: "k2", Secret: "s2", Active: true, Margin: 200,
			SubscriptionExpiresAtUnix: now.Add(24 * time.Hour).Unix()},
		{Name: "carol", Exchange: "bybit", APIKey: "k3", Secret: "s3", Active: false, Margin: 80},
		{Name: "dave", Exchange: "bybit", APIKey: "", Secret: "", Active: true, Margin: 80},
		{Name: "erin", Exchange: "bybit", APIKey: "k5", Secret: "s5", Active: true, Margin: 80,
			SubscriptionExpiresAtUnix: now.Add(-time.Hour).Unix()},
		{Name: "frank", Exchange: "bingx", APIKey: "k6", Secret: "s6", Active: true, Margin: 80},
	}
	require.NoError(t, s.UpsertSubscribers(ctx, subs))

	got, err := s.ListEligibleSubscribers(ctx, "bybit", now)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "alice", got[0].Name)
	assert.Equal(t, "bob", got[1].Name)
}

func TestUpsertSubscribersByName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSubscribers(ctx, []model.SubscriberModel{
		{Name: "alice", Exchange: "bybit", APIKey: "k1", Secret: "s1", Active: true, Margin: 50},
	}))
	require.NoError(t, s.UpsertSubscribers(ctx, []model.SubscriberModel{
		{Name: "alice", Exchange: "bybit", APIKey: "k1-rotated", Secret: "s1", Active: true, Margin: 75},
	}))

	got, err := s.ListEligibleSubscribers(ctx, "bybit", time.Now())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "k1-rotated", got[0].APIKey)
	assert.Equal(t, 75.0, got[0].Margin)
}
