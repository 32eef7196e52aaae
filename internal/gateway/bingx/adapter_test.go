package bingx

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mirra/internal/gateway/exchange"
)

func newHistoryAdapter(t *testing.T, ordersJSON string) *Adapter {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/openApi/swap/v2/trade/allOrders", r.URL.Path)
		fmt.Fprintf(w, `{"code":0,"data":{"orders":%s}}`, ordersJSON)
	}))
	t.Cleanup(srv.Close)
	a, err := New(exchange.Credentials{APIKey: "k", Secret: "s"}, false, srv.URL, time.Second)
	require.NoError(t, err)
	return a
}

func TestFetchClosedOrdersCursorAdvancesOverCancelledPage(t *testing.T) {
	// 整页都是取消单: 集合为空, 但游标必须继续前进到更早的窗口.
	a := newHistoryAdapter(t, `[
		{"orderId":"1","status":"CANCELLED","side":"SELL","time":1700000002000},
		{"orderId":"2","status":"CANCELLED","side":"SELL","time":1700000001000}
	]`)

	orders, next, err := a.FetchClosedOrders(context.Background(), "BTC/USDT", "")
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Equal(t, "1700000000999", next)
}

func TestFetchClosedOrdersCursorCoversUnfilledTail(t *testing.T) {
	// 最老的一条是取消单时, 窗口仍以它为界, 避免同一页重复拉取.
	a := newHistoryAdapter(t, `[
		{"orderId":"9","status":"FILLED","side":"SELL","executedQty":"1.5","avgPrice":"51000","time":1700000002000},
		{"orderId":"8","status":"EXPIRED","side":"SELL","time":1700000001000}
	]`)

	orders, next, err := a.FetchClosedOrders(context.Background(), "BTC/USDT", "")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "9", orders[0].OrderID)
	assert.InDelta(t, 1.5, orders[0].Amount, 1e-9)
	assert.Equal(t, "1700000000999", next)
}

func TestFetchClosedOrdersExhausted(t *testing.T) {
	a := newHistoryAdapter(t, `[]`)

	orders, next, err := a.FetchClosedOrders(context.Background(), "BTC/USDT", "1699999999999")
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Empty(t, next)
}

func TestFetchClosedPnLCursorAdvancesOverCancelledPage(t *testing.T) {
	a := newHistoryAdapter(t, `[
		{"orderId":"1","status":"CANCELLED","side":"SELL","time":1700000002000},
		{"orderId":"2","status":"FILLED","side":"SELL","executedQty":"1.5","avgPrice":"51000","profit":"1500","time":1700000001000}
	]`)

	records, next, err := a.FetchClosedPnL(context.Background(), "BTC/USDT", "")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.InDelta(t, 1500, records[0].ClosedPnL, 1e-9)
	assert.Equal(t, "1700000000999", next)
}
