package bingx

import (
	"context"
	"fmt"
	"net/http"
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

// Adapter implements exchange.Adapter on top of the BingX swap v2 API.
type Adapter struct {
	client *Client
}

func New(creds exchange.Credentials, sandbox bool, baseURL string, timeout time.Duration) (*Adapter, error) {
	if baseURL == "" {
		if sandbox {
			baseURL = demoBaseURL
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

func (a *Adapter) Name() string { return "bingx" }

func positionSide(s domain.Side) string {
	if s == domain.SideBuy {
		return "LONG"
	}
	return "SHORT"
}

func orderSide(s domain.Side) string {
	if s == domain.SideBuy {
		return "BUY"
	}
	return "SELL"
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ensureLeverage queries the configured leverage for the position side and
// only issues the set call when it differs.
func (a *Adapter) ensureLeverage(ctx context.Context, sym string, side domain.Side, leverage int) error {
	if leverage <= 0 {
		return nil
	}
	data, err := a.client.do(ctx, http.MethodGet, "/openApi/swap/v2/trade/leverage",
		map[string]string{"symbol": sym}, exerr.Context{Symbol: sym})
	if err != nil {
		return err
	}
	field := "longLeverage"
	if side == domain.SideSell {
		field = "shortLeverage"
	}
	if int(data.Get(field).Float()) == leverage {
		return nil
	}
	_, err = a.client.do(ctx, http.MethodPost, "/openApi/swap/v2/trade/leverage", map[string]string{
		"symbol":   sym,
		"side":     positionSide(side),
		"leverage": strconv.Itoa(leverage),
	}, exerr.Context{Symbol: sym})
	return err
}

func (a *Adapter) CreateFutureOrder(ctx context.Context, req exchange.CreateOrderRequest) (*exchange.Order, error) {
	sym := symbol.ToExchange(req.Symbol, symbol.FormatBingX)
	if sym == "" {
		return nil, exerr.New("bingx", exerr.KindSymbolNotSupported, fmt.Sprintf("unrecognized symbol %q", req.Symbol))
	}
	posSide := req.Side
	if req.ReduceOnly {
		// Closing order: the position being reduced sits on the opposite side.
		posSide = req.Side.Opposite()
	} else if err := a.ensureLeverage(ctx, sym, req.Side, req.Leverage); err != nil {
		return nil, err
	}

	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	orderType := "MARKET"
	params := map[string]string{
		"symbol":        sym,
		"side":          orderSide(req.Side),
		"positionSide":  positionSide(posSide),
		"type":          orderType,
		"quantity":      formatQty(req.Amount),
		"clientOrderID": clientID,
	}
	if req.Kind == domain.OrderKindLimit && req.Price > 0 {
		params["type"] = "LIMIT"
		params["price"] = formatQty(req.Price)
	}
	if req.TakeProfit > 0 {
		params["takeProfit"] = fmt.Sprintf(`{"type":"TAKE_PROFIT_MARKET","stopPrice":%s,"workingType":"MARK_PRICE"}`, formatQty(req.TakeProfit))
	}
	if req.StopLoss > 0 {
		params["stopLoss"] = fmt.Sprintf(`{"type":"STOP_MARKET","stopPrice":%s,"workingType":"MARK_PRICE"}`, formatQty(req.StopLoss))
	}

	nctx := exerr.Context{Price: req.Price, TakeProfit: req.TakeProfit, StopLoss: req.StopLoss, Symbol: sym}
	data, err := a.client.do(ctx, http.MethodPost, "/openApi/swap/v2/trade/order", params, nctx)
	if err != nil {
		return nil, err
	}
	return &exchange.Order{
		OrderID:       data.Get("order.orderId").String(),
		ClientOrderID: clientID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Amount:        req.Amount,
		Price:         req.Price,
		CreatedAt:     time.Now(),
	}, nil
}

func (a *Adapter) CancelFutureOrder(ctx context.Context, orderID, sym string) error {
	exSym := symbol.ToExchange(sym, symbol.FormatBingX)
	_, err := a.client.do(ctx, http.MethodDelete, "/openApi/swap/v2/trade/order", map[string]string{
		"symbol":  exSym,
		"orderId": orderID,
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

// EditPosition takes the cancel-and-recreate path: BingX has no direct TP/SL
// mutation on a position, so the open conditional orders are cancelled and
// fresh reduce-only conditional orders are placed.
func (a *Adapter) EditPosition(ctx context.Context, req exchange.EditRequest) error {
	sym := symbol.ToExchange(req.Symbol, symbol.FormatBingX)
	nctx := exerr.Context{TakeProfit: req.TakeProfit, StopLoss: req.StopLoss, Symbol: sym}

	if _, err := a.client.do(ctx, http.MethodDelete, "/openApi/swap/v2/trade/allOpenOrders",
		map[string]string{"symbol": sym}, nctx); err != nil {
		// Nothing to cancel is fine; anything else aborts the edit.
		if de, ok := exerr.As(err); !ok || de.Kind != exerr.KindOrderNotFound {
			return err
		}
	}

	closeSide := req.Side.Opposite()
	place := func(orderType string, stopPrice float64) error {
		if stopPrice <= 0 {
			return nil
		}
		_, err := a.client.do(ctx, http.MethodPost, "/openApi/swap/v2/trade/order", map[string]string{
			"symbol":       sym,
			"side":         orderSide(closeSide),
			"positionSide": positionSide(req.Side),
			"type":         orderType,
			"quantity":     formatQty(req.Amount),
			"stopPrice":    formatQty(stopPrice),
			"workingType":  "MARK_PRICE",
		}, nctx)
		return err
	}
	if err := place("TAKE_PROFIT_MARKET", req.TakeProfit); err != nil {
		return err
	}
	return place("STOP_MARKET", req.StopLoss)
}

func (a *Adapter) GetBalance(ctx context.Context, coin, _ string) (exchange.Balance, error) {
	data, err := a.client.do(ctx, http.MethodGet, "/openApi/swap/v2/user/balance", nil, exerr.Context{})
	if err != nil {
		return exchange.Balance{}, err
	}
	entry := data.Get("balance")
	return exchange.Balance{
		Coin:      entry.Get("asset").String(),
		Total:     entry.Get("balance").Float(),
		Available: entry.Get("availableMargin").Float(),
		UpdatedAt: time.Now(),
	}, nil
}

func (a *Adapter) GetPositions(ctx context.Context, symbols []string) (*exchange.PositionSnapshot, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	sym := symbol.ToExchange(symbols[0], symbol.FormatBingX)
	data, err := a.client.do(ctx, http.MethodGet, "/openApi/swap/v2/user/positions",
		map[string]string{"symbol": sym}, exerr.Context{Symbol: sym})
	if err != nil {
		return nil, err
	}
	entry := data.Get("0")
	amt := entry.Get("positionAmt").Float()
	if !entry.Exists() || amt == 0 {
		return nil, nil
	}
	side := domain.SideBuy
	if entry.Get("positionSide").String() == "SHORT" {
		side = domain.SideSell
	}
	return &exchange.PositionSnapshot{
		Symbol:        symbols[0],
		Side:          side,
		Amount:        amt,
		Value:         entry.Get("positionValue").Float(),
		Leverage:      int(entry.Get("leverage").Float()),
		AvgEntryPrice: entry.Get("avgPrice").Float(),
		UnrealizedPnL: entry.Get("unrealizedProfit").Float(),
	}, nil
}

// FetchClosedOrders pages /trade/allOrders newest-first. BingX paginates by
// time window, so the cursor encodes the oldest order time seen minus one.
func (a *Adapter) FetchClosedOrders(ctx context.Context, sym, cursor string) ([]exchange.ClosedOrder, string, error) {
	exSym := symbol.ToExchange(sym, symbol.FormatBingX)
	params := map[string]string{
		"symbol": exSym,
		"limit":  strconv.Itoa(historyPageLimit),
	}
	if cursor != "" {
		params["endTs"] = cursor
	}
	data, err := a.client.do(ctx, http.MethodGet, "/openApi/swap/v2/trade/allOrders", params, exerr.Context{Symbol: exSym})
	if err != nil {
		return nil, "", err
	}
	var orders []exchange.ClosedOrder
	var oldest int64
	data.Get("orders").ForEach(func(_, item gjson.Result) bool {
		// 游标必须覆盖整页, 否则整页都是取消单时会误判为翻到底.
		ts := item.Get("time").Int()
		if oldest == 0 || ts < oldest {
			oldest = ts
		}
		if item.Get("status").String() != "FILLED" {
			return true
		}
		orders = append(orders, exchange.ClosedOrder{
			OrderID:   item.Get("orderId").String(),
			Symbol:    sym,
			Side:      domain.ParseSide(item.Get("side").String()),
			Amount:    item.Get("executedQty").Float(),
			Price:     item.Get("avgPrice").Float(),
			CreatedAt: time.UnixMilli(ts),
		})
		return true
	})
	next := ""
	if oldest > 0 {
		next = strconv.FormatInt(oldest-1, 10)
	}
	return orders, next, nil
}

// FetchClosedPnL reuses the order history feed: BingX filled orders carry
// their realized profit, which is the record reconciliation correlates on.
func (a *Adapter) FetchClosedPnL(ctx context.Context, sym, cursor string) ([]exchange.ClosedPnL, string, error) {
	exSym := symbol.ToExchange(sym, symbol.FormatBingX)
	params := map[string]string{
		"symbol": exSym,
		"limit":  strconv.Itoa(historyPageLimit),
	}
	if cursor != "" {
		params["endTs"] = cursor
	}
	data, err := a.client.do(ctx, http.MethodGet, "/openApi/swap/v2/trade/allOrders", params, exerr.Context{Symbol: exSym})
	if err != nil {
		return nil, "", err
	}
	var records []exchange.ClosedPnL
	var oldest int64
	data.Get("orders").ForEach(func(_, item gjson.Result) bool {
		ts := item.Get("time").Int()
		if oldest == 0 || ts < oldest {
			oldest = ts
		}
		if item.Get("status").String() != "FILLED" {
			return true
		}
		records = append(records, exchange.ClosedPnL{
			OrderID:      item.Get("orderId").String(),
			Symbol:       sym,
			Side:         domain.ParseSide(item.Get("side").String()),
			Quantity:     item.Get("executedQty").Float(),
			AvgExitPrice: item.Get("avgPrice").Float(),
			ClosedPnL:    item.Get("profit").Float(),
			CreatedAt:    time.UnixMilli(ts),
		})
		return true
	})
	next := ""
	if oldest > 0 {
		next = strconv.FormatInt(oldest-1, 10)
	}
	return records, next, nil
}
