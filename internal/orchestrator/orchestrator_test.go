package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mirra/internal/dispatch"
	"mirra/internal/domain"
	"mirra/internal/exerr"
	"mirra/internal/gateway/exchange"
	"mirra/internal/store"
	"mirra/internal/store/model"
)

// scriptedAdapter answers every call with canned behavior keyed off the
// credential set it was built for.
type scriptedAdapter struct {
	apiKey     string
	failCreate bool
	failClose  bool
	failEdit   bool
	closedPnL  *float64

	orderSeq int
}

func (a *scriptedAdapter) Name() string { return "bybit" }

func (a *scriptedAdapter) CreateFutureOrder(_ context.Context, req exchange.CreateOrderRequest) (*exchange.Order, error) {
	if a.failCreate {
		return nil, exerr.New("bybit", exerr.KindInsufficientMargin, "保证金不足")
	}
	a.orderSeq++
	return &exchange.Order{
		OrderID: fmt.Sprintf("%s-%d", a.apiKey, a.orderSeq),
		Symbol:  req.Symbol,
		Side:    req.Side,
		Amount:  req.Amount,
		Price:   req.Price,
	}, nil
}

func (a *scriptedAdapter) CancelFutureOrder(context.Context, string, string) error { return nil }

func (a *scriptedAdapter) ClosePosition(_ context.Context, pos exchange.PositionSnapshot) (*exchange.Order, error) {
	if a.failClose {
		return nil, exerr.New("bybit", exerr.KindPositionAlreadyClosed, "仓位已平")
	}
	a.orderSeq++
	order := &exchange.Order{
		OrderID: fmt.Sprintf("%s-close-%d", a.apiKey, a.orderSeq),
		Symbol:  pos.Symbol,
		Side:    pos.Side.Opposite(),
		Amount:  pos.Amount,
	}
	if a.closedPnL != nil {
		order.RealizedPnL = *a.closedPnL
		order.HasRealizedPnL = true
	}
	return order, nil
}

func (a *scriptedAdapter) EditPosition(context.Context, exchange.EditRequest) error {
	if a.failEdit {
		return exerr.New("bybit", exerr.KindInvalidTakeProfit, "止盈价格非法")
	}
	return nil
}

func (a *scriptedAdapter) GetBalance(context.Context, string, string) (exchange.Balance, error) {
	return exchange.Balance{}, nil
}

func (a *scriptedAdapter) GetPositions(context.Context, []string) (*exchange.PositionSnapshot, error) {
	return nil, nil
}

func (a *scriptedAdapter) FetchClosedOrders(context.Context, string, string) ([]exchange.ClosedOrder, string, error) {
	return nil, "", nil
}

func (a *scriptedAdapter) FetchClosedPnL(context.Context, string, string) ([]exchange.ClosedPnL, string, error) {
	return nil, "", nil
}

type testHarness struct {
	store    *store.Store
	orch     *Orchestrator
	adapters map[string]*scriptedAdapter
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "orchestrator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := &testHarness{store: st, adapters: make(map[string]*scriptedAdapter)}
	factory := func(_ string, creds exchange.Credentials, _ bool) (exchange.Adapter, error) {
		if a, ok := h.adapters[creds.APIKey]; ok {
			return a, nil
		}
		a := &scriptedAdapter{apiKey: creds.APIKey}
		h.adapters[creds.APIKey] = a
		return a, nil
	}
	leadCreds := map[string]exchange.Credentials{
		"bybit": {APIKey: "lead-key", Secret: "lead-secret"},
	}
	h.orch = New(st, dispatch.New(factory, time.Second, 0), factory, leadCreds)
	return h
}

func (h *testHarness) seedSubscribers(t *testing.T) (a, b, c model.SubscriberModel) {
	t.Helper()
	subs := []model.SubscriberModel{
		{Name: "alice", Exchange: "bybit", APIKey: "key-a", Secret: "s", Active: true, Margin: 50},
		{Name: "bob", Exchange: "bybit", APIKey: "key-b", Secret: "s", Active: true, Margin: 200, TakeProfitPct: 10},
		{Name: "carol", Exchange: "bybit", APIKey: "key-c", Secret: "s", Active: false, Margin: 75},
	}
	require.NoError(t, h.store.UpsertSubscribers(context.Background(), subs))
	rows, err := h.store.ListEligibleSubscribers(context.Background(), "bybit", time.Now())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	return rows[0], rows[1], subs[2]
}

func createTrigger() Trigger {
	return Trigger{
		Action:   domain.ActionCreateCopyOrders,
		Exchange: "bybit",
		Order: OrderParams{
			Symbol:     "BTC/USDT",
			Side:       domain.SideBuy,
			Kind:       domain.OrderKindMarket,
			Amount:     100,
			EntryPoint: 50000,
			Leverage:   10,
		},
	}
}

func TestCreateCopyOrdersEndToEnd(t *testing.T) {
	h := newHarness(t)
	a, b, _ := h.seedSubscribers(t)

	res, err := h.orch.CreateCopyOrders(context.Background(), createTrigger())
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, a.ID, res.Outcomes[0].Subscriber.SubscriberID)
	assert.Equal(t, b.ID, res.Outcomes[1].Subscriber.SubscriberID)

	root, err := h.store.GetOrder(context.Background(), res.RootOrderID)
	require.NoError(t, err)
	assert.Nil(t, root.ParentOrderID)
	assert.Equal(t, domain.OrderStateOpen, root.State)
	assert.NotEmpty(t, root.ExchangeOrderID)

	copies, err := h.store.ListCopyOrders(context.Background(), res.RootOrderID)
	require.NoError(t, err)
	require.Len(t, copies, 2)

	// 跟单数量 = min(订阅者保证金, 领单数量)
	assert.InDelta(t, 50, copies[0].Amount, 1e-9)
	assert.InDelta(t, 100, copies[1].Amount, 1e-9)

	// 百分比止盈: 50000 + (10/10/100)*50000 = 50500
	assert.Zero(t, copies[0].TakeProfit)
	assert.InDelta(t, 50500, copies[1].TakeProfit, 1e-9)

	for _, c := range copies {
		assert.Equal(t, domain.OrderStateOpen, c.State)
		require.NotNil(t, c.PositionID)
		pos, err := h.store.GetPosition(context.Background(), *c.PositionID)
		require.NoError(t, err)
		assert.Equal(t, domain.PositionOpen, pos.Status)
		assert.InDelta(t, c.Amount, pos.Amount, 1e-9)
	}
}

func TestCreateCopyOrdersPartialFailurePersistsFailed(t *testing.T) {
	h := newHarness(t)
	h.seedSubscribers(t)
	h.adapters["key-a"] = &scriptedAdapter{apiKey: "key-a", failCreate: true}

	res, err := h.orch.CreateCopyOrders(context.Background(), createTrigger())
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 2)
	assert.False(t, res.Outcomes[0].OK)
	assert.True(t, res.Outcomes[1].OK)

	copies, err := h.store.ListCopyOrders(context.Background(), res.RootOrderID)
	require.NoError(t, err)
	require.Len(t, copies, 2)
	assert.Equal(t, domain.OrderStateFailed, copies[0].State)
	assert.NotEmpty(t, copies[0].SubmissionError)
	assert.Nil(t, copies[0].PositionID)
	assert.Equal(t, domain.OrderStateOpen, copies[1].State)
}

func TestCreateCopyOrdersLeadFailureAborts(t *testing.T) {
	h := newHarness(t)
	h.seedSubscribers(t)
	h.adapters["lead-key"] = &scriptedAdapter{apiKey: "lead-key", failCreate: true}

	_, err := h.orch.CreateCopyOrders(context.Background(), createTrigger())
	require.Error(t, err)
	de, ok := exerr.As(err)
	require.True(t, ok)
	assert.Equal(t, exerr.KindInsufficientMargin, de.Kind)

	// 领单失败时不触发任何跟单.
	assert.NotContains(t, h.adapters, "key-a")
	assert.NotContains(t, h.adapters, "key-b")
}

func TestCancelCopyOrders(t *testing.T) {
	h := newHarness(t)
	h.seedSubscribers(t)

	created, err := h.orch.CreateCopyOrders(context.Background(), createTrigger())
	require.NoError(t, err)

	res, err := h.orch.CancelCopyOrders(context.Background(), Trigger{
		Action:      domain.ActionCancelCopyOrders,
		Exchange:    "bybit",
		RootOrderID: created.RootOrderID,
	})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 2)

	root, err := h.store.GetOrder(context.Background(), created.RootOrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStateCancelled, root.State)

	copies, err := h.store.ListCopyOrders(context.Background(), created.RootOrderID)
	require.NoError(t, err)
	for _, c := range copies {
		assert.Equal(t, domain.OrderStateCancelled, c.State)
	}
}

func TestClosePositionCopyOrders(t *testing.T) {
	h := newHarness(t)
	h.seedSubscribers(t)

	// The lead's close confirms PnL synchronously; the copies' closes do not.
	pnl := 2500.0
	h.adapters["lead-key"] = &scriptedAdapter{apiKey: "lead-key", closedPnL: &pnl}

	created, err := h.orch.CreateCopyOrders(context.Background(), createTrigger())
	require.NoError(t, err)

	res, err := h.orch.ClosePositionCopyOrders(context.Background(), Trigger{
		Action:      domain.ActionClosePositionCopy,
		Exchange:    "bybit",
		RootOrderID: created.RootOrderID,
	})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 2)

	rootPos, err := h.store.GetPosition(context.Background(), created.RootPositionID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, rootPos.Status)
	assert.InDelta(t, 2500, rootPos.ClosedPnL, 1e-9)

	copies, err := h.store.ListCopyOrders(context.Background(), created.RootOrderID)
	require.NoError(t, err)
	closeRows := 0
	for _, c := range copies {
		switch c.State {
		case domain.OrderStateClosed:
			require.NotNil(t, c.PositionID)
			pos, err := h.store.GetPosition(context.Background(), *c.PositionID)
			require.NoError(t, err)
			// 无同步盈亏确认, 进入对账队列.
			assert.Equal(t, domain.PositionOpen, pos.Status)
			assert.True(t, pos.ClosePending)
		case domain.OrderStateOpposeClose:
			closeRows++
			// 平仓单继承被平订单的规格.
			assert.Equal(t, domain.OrderKindMarket, c.Kind)
			assert.Equal(t, domain.SideSell, c.Side)
			assert.InDelta(t, 100, c.Amount, 1e-9)
			assert.Equal(t, 10, c.Leverage)
			assert.Equal(t, "BTC/USDT", c.Symbol)
		default:
			t.Fatalf("unexpected copy state %s", c.State)
		}
	}
	// 领单自己的平仓单挂在 root 下; 跟单的平仓单挂在各自跟单下.
	assert.Equal(t, 1, closeRows)

	pending, err := h.store.ListReconcilable(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestClosePositionCopyOrdersPartialFailurePersistsFailed(t *testing.T) {
	h := newHarness(t)
	h.seedSubscribers(t)

	created, err := h.orch.CreateCopyOrders(context.Background(), createTrigger())
	require.NoError(t, err)
	h.adapters["key-a"].failClose = true

	res, err := h.orch.ClosePositionCopyOrders(context.Background(), Trigger{
		Action:      domain.ActionClosePositionCopy,
		Exchange:    "bybit",
		RootOrderID: created.RootOrderID,
	})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 2)
	assert.False(t, res.Outcomes[0].OK)
	assert.True(t, res.Outcomes[1].OK)

	copies, err := h.store.ListCopyOrders(context.Background(), created.RootOrderID)
	require.NoError(t, err)

	var failed, closed *model.TradingOrderModel
	for i := range copies {
		switch copies[i].State {
		case domain.OrderStateFailed:
			failed = &copies[i]
		case domain.OrderStateClosed:
			closed = &copies[i]
		}
	}
	// 平仓失败的跟单转为 FAILED 并记录归一化错误.
	require.NotNil(t, failed)
	assert.NotEmpty(t, failed.SubmissionError)
	require.NotNil(t, failed.PositionID)
	pos, err := h.store.GetPosition(context.Background(), *failed.PositionID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionOpen, pos.Status)
	assert.False(t, pos.ClosePending)

	require.NotNil(t, closed)
	assert.Empty(t, closed.SubmissionError)
}

func TestEditSubscriberPositionsPartialFailurePersistsFailed(t *testing.T) {
	h := newHarness(t)
	h.seedSubscribers(t)

	created, err := h.orch.CreateCopyOrders(context.Background(), createTrigger())
	require.NoError(t, err)
	h.adapters["key-a"].failEdit = true

	res, err := h.orch.EditSubscriberPositions(context.Background(), Trigger{
		Action:      domain.ActionEditSubscriberPos,
		Exchange:    "bybit",
		RootOrderID: created.RootOrderID,
		Order:       OrderParams{TakeProfit: 56000, StopLoss: 47000},
	})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 2)
	assert.False(t, res.Outcomes[0].OK)
	assert.True(t, res.Outcomes[1].OK)

	copies, err := h.store.ListCopyOrders(context.Background(), created.RootOrderID)
	require.NoError(t, err)
	require.Len(t, copies, 2)

	assert.Equal(t, domain.OrderStateFailed, copies[0].State)
	assert.NotEmpty(t, copies[0].SubmissionError)
	// 失败的跟单不应吞下新止盈止损.
	assert.Zero(t, copies[0].TakeProfit)
	assert.Zero(t, copies[0].StopLoss)

	assert.Equal(t, domain.OrderStateOpen, copies[1].State)
	assert.InDelta(t, 56000, copies[1].TakeProfit, 1e-9)
}

func TestEditSubscriberPositions(t *testing.T) {
	h := newHarness(t)
	h.seedSubscribers(t)

	created, err := h.orch.CreateCopyOrders(context.Background(), createTrigger())
	require.NoError(t, err)

	res, err := h.orch.EditSubscriberPositions(context.Background(), Trigger{
		Action:      domain.ActionEditSubscriberPos,
		Exchange:    "bybit",
		RootOrderID: created.RootOrderID,
		Order:       OrderParams{TakeProfit: 56000, StopLoss: 47000},
	})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 2)

	root, err := h.store.GetOrder(context.Background(), created.RootOrderID)
	require.NoError(t, err)
	assert.InDelta(t, 56000, root.TakeProfit, 1e-9)

	copies, err := h.store.ListCopyOrders(context.Background(), created.RootOrderID)
	require.NoError(t, err)
	for _, c := range copies {
		assert.InDelta(t, 56000, c.TakeProfit, 1e-9)
		assert.InDelta(t, 47000, c.StopLoss, 1e-9)
	}
}
