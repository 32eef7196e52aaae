package bybit

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"mirra/internal/domain"
	"mirra/internal/exerr"
	"mirra/internal/gateway/exchange"
	"mirra/internal/pkg/symbol"
)

const historyPageLimit = 50

// Adapter implements exchange.Adapter on top of the Bybit v5 API.
// One instance per credential set; never shared between dispatch tasks.
type Adapter struct {
	client *Client
}

// New builds a Bybit adapter for one credential set.
func New(creds exchange.Credentials, sandbox bool, baseURL string, timeout time.Duration) (*Adapter, error) {
	if baseURL == "" {
		if sandbox {
			baseURL = testnetBaseURL
		} else {
			baseURL = mainnetBaseURL
		}
	}
	client, err := NewClient(baseURL, creds, timeout)
	if err != nil {
		return nil, err
	}
	return &Adapter{client: client}, nil
}

func (a *Adapter) Name() string { return "bybit" }

func sideValue(s domain.Side) string {
	if s == domain.SideBuy {
		return "Buy"
	}
	return "Sell"
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ensureLeverage reads the account's configured leverage for the symbol and
// only issues set-leverage when it differs, to spare the rate limit.
func (a *Adapter) ensureLeverage(ctx context.Context, sym string, leverage int) error {
	if leverage <= 0 {
		return nil
	}
	query := url.Values{}
	query.Set("category", "linear")
	query.Set("symbol", sym)
	result, err := a.client.get(ctx, "/v5/position/list", query, exerr.Context{Symbol: sym})
	if err != nil {
		return err
	}
	current := result.Get("list.0.leverage").Float()
	if int(current) == leverage {
		return nil
	}
	lev := strconv.Itoa(leverage)
	_, err = a.client.post(ctx, "/v5/position/set-leverage", map[string]any{
		"category":     "linear",
		"symbol":       sym,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}, exerr.Context{Symbol: sym})
	return err
}

func (a *Adapter) CreateFutureOrder(ctx context.Context, req exchange.CreateOrderRequest) (*exchange.Order, error) {
	sym := symbol.ToExchange(req.Symbol, symbol.FormatBybit)
	if sym == "" {
		return nil, exerr.New("bybit", exerr.KindSymbolNotSupported, fmt.Sprintf("unrecognized symbol %q", req.Symbol))
	}
	if !req.ReduceOnly {
		if err := a.ensureLeverage(ctx, sym, req.Leverage); err != nil {
			return nil, err
		}
	}

	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	orderType := "Market"
	if req.Kind == domain.OrderKindLimit {
		orderType = "Limit"
	}
	body := map[string]any{
		"category":    "linear",
		"symbol":      sym,
		"side":        sideValue(req.Side),
		"orderType":   orderType,
		"qty":         formatQty(req.Amount),
		"orderLinkId": clientID,
	}
	if req.Kind == domain.OrderKindLimit && req.Price > 0 {
		body["price"] = formatQty(req.Price)
	}
	if req.TakeProfit > 0 {
		body["takeProfit"] = formatQty(req.TakeProfit)
	}
	if req.StopLoss > 0 {
		body["stopLoss"] = formatQty(req.StopLoss)
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}

	nctx := exerr.Context{Price: req.Price, TakeProfit: req.TakeProfit, StopLoss: req.StopLoss, Symbol: sym}
	result, err := a.client.post(ctx, "/v5/order/create", body, nctx)
	if err != nil {
		return nil, err
	}
	return &exchange.Order{
		OrderID:       result.Get("orderId").String(),
		ClientOrderID: clientID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Amount:        req.Amount,
		Price:         req.Price,
		CreatedAt:     time.Now(),
	}, nil
}

func (a *Adapter) CancelFutureOrder(ctx context.Context, orderID, sym string) error {
	exSym := symbol.ToExchange(sym, symbol.FormatBybit)
	_, err := a.client.post(ctx, "/v5/order/cancel", map[string]any{
		"category": "linear",
		"symbol":   exSym,
		"orderId":  orderID,
	}, exerr.Context{Symbol: exSym})
	return err
}

func (a *Adapter) ClosePosition(ctx context.Context, pos exchange.PositionSnapshot) (*exchange.Order, error) {
	return a.CreateFutureOrder(ctx, exchange.CreateOrderRequest{
		Symbol:     pos.Symbol,
		Side:       pos.Side.Opposite(),
		Kind:       domain.OrderKindMarket,
		Amount:     pos.Amount,
		Leverage:   pos.Leverage,
		ReduceOnly: true,
	})
}

// EditPosition uses the native trading-stop endpoint: Bybit mutates TP/SL on
// the position record directly.
func (a *Adapter) EditPosition(ctx context.Context, req exchange.EditRequest) error {
	sym := symbol.ToExchange(req.Symbol, symbol.FormatBybit)
	body := map[string]any{
		"category":    "linear",
		"symbol":      sym,
		"positionIdx": 0,
	}
	if req.TakeProfit > 0 {
		body["takeProfit"] = formatQty(req.TakeProfit)
	}
	if req.StopLoss > 0 {
		body["stopLoss"] = formatQty(req.StopLoss)
	}
	nctx := exerr.Context{TakeProfit: req.TakeProfit, StopLoss: req.StopLoss, Symbol: sym}
	_, err := a.client.post(ctx, "/v5/position/trading-stop", body, nctx)
	return err
}

func (a *Adapter) GetBalance(ctx context.Context, coin, tradeType string) (exchange.Balance, error) {
	accountType := "UNIFIED"
	if tradeType == "contract" {
		accountType = "CONTRACT"
	}
	query := url.Values{}
	query.Set("accountType", accountType)
	if coin != "" {
		query.Set("coin", coin)
	}
	result, err := a.client.get(ctx, "/v5/account/wallet-balance", query, exerr.Context{})
	if err != nil {
		return exchange.Balance{}, err
	}
	entry := result.Get("list.0.coin.0")
	return exchange.Balance{
		Coin:      entry.Get("coin").String(),
		Total:     entry.Get("walletBalance").Float(),
		Available: entry.Get("availableToWithdraw").Float(),
		UpdatedAt: time.Now(),
	}, nil
}

func (a *Adapter) GetPositions(ctx context.Context, symbols []string) (*exchange.PositionSnapshot, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	sym := symbol.ToExchange(symbols[0], symbol.FormatBybit)
	query := url.Values{}
	query.Set("category", "linear")
	query.Set("symbol", sym)
	result, err := a.client.get(ctx, "/v5/position/list", query, exerr.Context{Symbol: sym})
	if err != nil {
		return nil, err
	}
	entry := result.Get("list.0")
	size := entry.Get("size").Float()
	if !entry.Exists() || size == 0 {
		return nil, nil
	}
	return &exchange.PositionSnapshot{
		Symbol:        symbols[0],
		Side:          domain.ParseSide(entry.Get("side").String()),
		Amount:        size,
		Value:         entry.Get("positionValue").Float(),
		Leverage:      int(entry.Get("leverage").Float()),
		AvgEntryPrice: entry.Get("avgPrice").Float(),
		UnrealizedPnL: entry.Get("unrealisedPnl").Float(),
		TakeProfit:    entry.Get("takeProfit").Float(),
		StopLoss:      entry.Get("stopLoss").Float(),
	}, nil
}

// FetchClosedOrders walks /v5/order/history using Bybit's opaque page cursor.
func (a *Adapter) FetchClosedOrders(ctx context.Context, sym, cursor string) ([]exchange.ClosedOrder, string, error) {
	exSym := symbol.ToExchange(sym, symbol.FormatBybit)
	query := url.Values{}
	query.Set("category", "linear")
	query.Set("symbol", exSym)
	query.Set("orderStatus", "Filled")
	query.Set("limit", strconv.Itoa(historyPageLimit))
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	result, err := a.client.get(ctx, "/v5/order/history", query, exerr.Context{Symbol: exSym})
	if err != nil {
		return nil, "", err
	}
	var orders []exchange.ClosedOrder
	result.Get("list").ForEach(func(_, item gjson.Result) bool {
		orders = append(orders, exchange.ClosedOrder{
			OrderID:   item.Get("orderId").String(),
			Symbol:    sym,
			Side:      domain.ParseSide(item.Get("side").String()),
			Amount:    item.Get("cumExecQty").Float(),
			Price:     item.Get("avgPrice").Float(),
			CreatedAt: time.UnixMilli(item.Get("createdTime").Int()),
		})
		return true
	})
	return orders, result.Get("nextPageCursor").String(), nil
}

// FetchClosedPnL walks /v5/position/closed-pnl; records carry the closing
// order id which is what reconciliation correlates on.
func (a *Adapter) FetchClosedPnL(ctx context.Context, sym, cursor string) ([]exchange.ClosedPnL, string, error) {
	query := url.Values{}
	query.Set("category", "linear")
	if sym != "" {
		query.Set("symbol", symbol.ToExchange(sym, symbol.FormatBybit))
	}
	query.Set("limit", strconv.Itoa(historyPageLimit))
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	result, err := a.client.get(ctx, "/v5/position/closed-pnl", query, exerr.Context{})
	if err != nil {
		return nil, "", err
	}
	var records []exchange.ClosedPnL
	result.Get("list").ForEach(func(_, item gjson.Result) bool {
		records = append(records, exchange.ClosedPnL{
			OrderID:       item.Get("orderId").String(),
			Symbol:        sym,
			Side:          domain.ParseSide(item.Get("side").String()),
			Quantity:      item.Get("qty").Float(),
			AvgEntryPrice: item.Get("avgEntryPrice").Float(),
			AvgExitPrice:  item.Get("avgExitPrice").Float(),
			ClosedPnL:     item.Get("closedPnl").Float(),
			CreatedAt:     time.UnixMilli(item.Get("createdTime").Int()),
		})
		return true
	})
	return records, result.Get("nextPageCursor").String(), nil
}
