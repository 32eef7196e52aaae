package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mirra/internal/domain"
	"mirra/internal/exerr"
	"mirra/internal/gateway/exchange"
)

type fakeAdapter struct {
	name     string
	createFn func(ctx context.Context, req exchange.CreateOrderRequest) (*exchange.Order, error)
	cancelFn func(ctx context.Context, orderID, symbol string) error
	closeFn  func(ctx context.Context, pos exchange.PositionSnapshot) (*exchange.Order, error)
	editFn   func(ctx context.Context, req exchange.EditRequest) error
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) CreateFutureOrder(ctx context.Context, req exchange.CreateOrderRequest) (*exchange.Order, error) {
	if f.createFn != nil {
		return f.createFn(ctx, req)
	}
	return &exchange.Order{OrderID: "1", Symbol: req.Symbol, Side: req.Side, Amount: req.Amount}, nil
}

func (f *fakeAdapter) CancelFutureOrder(ctx context.Context, orderID, symbol string) error {
	if f.cancelFn != nil {
		return f.cancelFn(ctx, orderID, symbol)
	}
	return nil
}

func (f *fakeAdapter) ClosePosition(ctx context.Context, pos exchange.PositionSnapshot) (*exchange.Order, error) {
	if f.closeFn != nil {
		return f.closeFn(ctx, pos)
	}
	return &exchange.Order{OrderID: "close-1", Symbol: pos.Symbol, Side: pos.Side.Opposite(), Amount: pos.Amount}, nil
}

func (f *fakeAdapter) EditPosition(ctx context.Context, req exchange.EditRequest) error {
	if f.editFn != nil {
		return f.editFn(ctx, req)
	}
	return nil
}

func (f *fakeAdapter) GetBalance(context.Context, string, string) (exchange.Balance, error) {
	return exchange.Balance{}, nil
}

func (f *fakeAdapter) GetPositions(context.Context, []string) (*exchange.PositionSnapshot, error) {
	return nil, nil
}

func (f *fakeAdapter) FetchClosedOrders(context.Context, string, string) ([]exchange.ClosedOrder, string, error) {
	return nil, "", nil
}

func (f *fakeAdapter) FetchClosedPnL(context.Context, string, string) ([]exchange.ClosedPnL, string, error) {
	return nil, "", nil
}

func staticFactory(adapter exchange.Adapter) exchange.Factory {
	return func(string, exchange.Credentials, bool) (exchange.Adapter, error) {
		return adapter, nil
	}
}

func subscribers(n int) []SubscriberContext {
	subs := make([]SubscriberContext, n)
	for i := range subs {
		subs[i] = SubscriberContext{
			SubscriberID: uint64(i + 1),
			APIKey:       fmt.Sprintf("key-%d", i+1),
			Secret:       "secret",
			Margin:       100,
		}
	}
	return subs
}

func TestDispatchIndexCorrelation(t *testing.T) {
	failing := map[string]bool{"key-2": true, "key-4": true}
	adapterFor := func(_ string, creds exchange.Credentials, _ bool) (exchange.Adapter, error) {
		key := creds.APIKey
		return &fakeAdapter{
			name: "bybit",
			createFn: func(_ context.Context, req exchange.CreateOrderRequest) (*exchange.Order, error) {
				if failing[key] {
					return nil, exerr.New("bybit", exerr.KindInsufficientMargin, "保证金不足")
				}
				return &exchange.Order{OrderID: "ord-" + key, Amount: req.Amount}, nil
			},
		}, nil
	}

	d := New(adapterFor, time.Second, 0)
	req := Request{
		Action:      domain.ActionCreateCopyOrders,
		Exchange:    "bybit",
		Root:        RootParams{Symbol: "BTC/USDT", Side: domain.SideBuy, Kind: domain.OrderKindMarket, Amount: 10, EntryPrice: 50000, Leverage: 10},
		Subscribers: subscribers(5),
	}

	for run := 0; run < 20; run++ {
		outcomes := d.Dispatch(context.Background(), req)
		require.Len(t, outcomes, 5)
		for i, out := range outcomes {
			assert.Equal(t, req.Subscribers[i], out.Subscriber, "outcome %d must echo subscriber %d", i, i)
			if failing[req.Subscribers[i].APIKey] {
				assert.False(t, out.OK)
				require.NotNil(t, out.Err)
				assert.Equal(t, exerr.KindInsufficientMargin, out.Err.Kind)
			} else {
				assert.True(t, out.OK)
				require.NotNil(t, out.Result)
				assert.Equal(t, "ord-"+req.Subscribers[i].APIKey, out.Result.OrderID)
			}
		}
	}
}

func TestDispatchPanicIsolation(t *testing.T) {
	adapter := &fakeAdapter{
		name: "bybit",
		createFn: func(_ context.Context, req exchange.CreateOrderRequest) (*exchange.Order, error) {
			if req.Amount == 0 {
				panic("zero amount")
			}
			return &exchange.Order{OrderID: "ok"}, nil
		},
	}
	subs := subscribers(3)
	subs[1].Margin = 0 // amount falls back to root amount

	d := New(staticFactory(adapter), time.Second, 0)
	outcomes := d.Dispatch(context.Background(), Request{
		Action:      domain.ActionCreateCopyOrders,
		Exchange:    "bybit",
		Root:        RootParams{Symbol: "BTC/USDT", Side: domain.SideBuy, Amount: 0, EntryPrice: 100, Leverage: 1},
		Subscribers: subs,
	})

	require.Len(t, outcomes, 3)
	// Every task panics here (amount resolves to 0); no panic escapes Dispatch.
	for _, out := range outcomes {
		assert.False(t, out.OK)
		require.NotNil(t, out.Err)
		assert.Contains(t, out.Err.Message, "panic")
	}
}

func TestDispatchTimeoutSurfacesAsOutcome(t *testing.T) {
	adapter := &fakeAdapter{
		name: "bybit",
		createFn: func(ctx context.Context, _ exchange.CreateOrderRequest) (*exchange.Order, error) {
			<-ctx.Done()
			return nil, exerr.FromTransport("bybit", ctx.Err())
		},
	}
	d := New(staticFactory(adapter), 20*time.Millisecond, 0)
	outcomes := d.Dispatch(context.Background(), Request{
		Action:      domain.ActionCreateCopyOrders,
		Exchange:    "bybit",
		Root:        RootParams{Symbol: "BTC/USDT", Side: domain.SideBuy, Amount: 5, EntryPrice: 100, Leverage: 1},
		Subscribers: subscribers(1),
	})
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].OK)
	require.NotNil(t, outcomes[0].Err)
	assert.Equal(t, exerr.KindNetwork, outcomes[0].Err.Kind)
}

func TestDispatchMaxParallel(t *testing.T) {
	var current, peak int64
	adapter := &fakeAdapter{
		name: "bybit",
		createFn: func(_ context.Context, req exchange.CreateOrderRequest) (*exchange.Order, error) {
			n := atomic.AddInt64(&current, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return &exchange.Order{OrderID: "ok"}, nil
		},
	}
	d := New(staticFactory(adapter), time.Second, 2)
	outcomes := d.Dispatch(context.Background(), Request{
		Action:      domain.ActionCreateCopyOrders,
		Exchange:    "bybit",
		Root:        RootParams{Symbol: "BTC/USDT", Side: domain.SideBuy, Amount: 5, EntryPrice: 100, Leverage: 1},
		Subscribers: subscribers(8),
	})
	require.Len(t, outcomes, 8)
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

func TestCloseSkipsSubscribersWithoutPosition(t *testing.T) {
	var closes int64
	adapter := &fakeAdapter{
		name: "bybit",
		closeFn: func(_ context.Context, pos exchange.PositionSnapshot) (*exchange.Order, error) {
			atomic.AddInt64(&closes, 1)
			return &exchange.Order{OrderID: "close", Amount: pos.Amount}, nil
		},
	}
	subs := subscribers(2)
	subs[0].PositionAmount = 1.5
	subs[0].PositionSide = domain.SideBuy
	// subs[1] has no position amount

	d := New(staticFactory(adapter), time.Second, 0)
	outcomes := d.Dispatch(context.Background(), Request{
		Action:      domain.ActionClosePositionCopy,
		Exchange:    "bybit",
		Root:        RootParams{Symbol: "BTC/USDT"},
		Subscribers: subs,
	})
	require.Len(t, outcomes, 2)
	assert.True(t, outcomes[0].OK)
	require.NotNil(t, outcomes[0].Result)
	assert.True(t, outcomes[1].OK)
	assert.Nil(t, outcomes[1].Result)
	assert.EqualValues(t, 1, atomic.LoadInt64(&closes))
}

func TestCancelWithoutStoredOrderFails(t *testing.T) {
	d := New(staticFactory(&fakeAdapter{name: "bybit"}), time.Second, 0)
	outcomes := d.Dispatch(context.Background(), Request{
		Action:      domain.ActionCancelCopyOrders,
		Exchange:    "bybit",
		Root:        RootParams{Symbol: "BTC/USDT"},
		Subscribers: subscribers(1),
	})
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].OK)
	require.NotNil(t, outcomes[0].Err)
	assert.Equal(t, exerr.KindOrderNotFound, outcomes[0].Err.Kind)
}

func TestEffectiveTakeProfit(t *testing.T) {
	root := RootParams{Side: domain.SideBuy, EntryPrice: 100, Leverage: 2}

	assert.InDelta(t, 105, EffectiveTakeProfit(root, SubscriberContext{TakeProfitPct: 10}), 1e-9)
	assert.InDelta(t, 95, EffectiveStopLoss(root, SubscriberContext{StopLossPct: 10}), 1e-9)

	sell := root
	sell.Side = domain.SideSell
	assert.InDelta(t, 95, EffectiveTakeProfit(sell, SubscriberContext{TakeProfitPct: 10}), 1e-9)
	assert.InDelta(t, 105, EffectiveStopLoss(sell, SubscriberContext{StopLossPct: 10}), 1e-9)

	// 未配置百分比时沿用领单的绝对价.
	root.TakeProfit = 120
	root.StopLoss = 90
	assert.InDelta(t, 120, EffectiveTakeProfit(root, SubscriberContext{}), 1e-9)
	assert.InDelta(t, 90, EffectiveStopLoss(root, SubscriberContext{}), 1e-9)
}

func TestEffectiveAmount(t *testing.T) {
	assert.InDelta(t, 30, EffectiveAmount(50, 30), 1e-9)
	assert.InDelta(t, 50, EffectiveAmount(50, 80), 1e-9)
	assert.InDelta(t, 80, EffectiveAmount(0, 80), 1e-9)
}
