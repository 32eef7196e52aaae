// Package binance implements the exchange adapter on top of the go-binance
// USD-M futures SDK.
package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"

	"mirra/internal/domain"
	"mirra/internal/exerr"
	"mirra/internal/gateway/exchange"
	"mirra/internal/pkg/symbol"
)

const (
	testnetBaseURL   = "https://testnet.binancefuture.com"
	historyPageLimit = 50
)

// Adapter implements exchange.Adapter for Binance USD-M futures.
type Adapter struct {
	client *futures.Client
	norm   exerr.Normalizer
}

func New(creds exchange.Credentials, sandbox bool, baseURL string) (*Adapter, error) {
	if strings.TrimSpace(creds.APIKey) == "" || strings.TrimSpace(creds.Secret) == "" {
		return nil, fmt.Errorf("binance 凭证不能为空")
	}
	client := futures.NewClient(strings.TrimSpace(creds.APIKey), strings.TrimSpace(creds.Secret))
	if baseURL != "" {
		client.BaseURL = baseURL
	} else if sandbox {
		client.BaseURL = testnetBaseURL
	}
	return &Adapter{client: client, norm: exerr.ForExchange("binance")}, nil
}

func (a *Adapter) Name() string { return "binance" }

// wrap routes every SDK error through the normalizer so callers only see the
// domain taxonomy.
func (a *Adapter) wrap(err error, nctx exerr.Context) error {
	if err == nil {
		return nil
	}
	if de, ok := exerr.As(err); ok {
		return de
	}
	res := a.norm.Normalize(err.Error(), nctx)
	if !res.IsError {
		return nil
	}
	de := &exerr.DomainError{
		Exchange: "binance",
		Kind:     res.Kind,
		Message:  res.Message,
		Raw:      err.Error(),
		Terminal: res.Kind != exerr.KindNetwork,
	}
	if res.Kind == exerr.KindGenericExchange && strings.Contains(err.Error(), "context deadline") {
		return exerr.FromTransport("binance", err)
	}
	return de
}

func sideType(s domain.Side) futures.SideType {
	if s == domain.SideBuy {
		return futures.SideTypeBuy
	}
	return futures.SideTypeSell
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (a *Adapter) ensureLeverage(ctx context.Context, sym string, leverage int) error {
	if leverage <= 0 {
		return nil
	}
	risks, err := a.client.NewGetPositionRiskService().Symbol(sym).Do(ctx)
	if err != nil {
		return a.wrap(err, exerr.Context{Symbol: sym})
	}
	if len(risks) > 0 {
		current, _ := strconv.Atoi(risks[0].Leverage)
		if current == leverage {
			return nil
		}
	}
	_, err = a.client.NewChangeLeverageService().Symbol(sym).Leverage(leverage).Do(ctx)
	return a.wrap(err, exerr.Context{Symbol: sym})
}

func (a *Adapter) CreateFutureOrder(ctx context.Context, req exchange.CreateOrderRequest) (*exchange.Order, error) {
	sym := symbol.ToExchange(req.Symbol, symbol.FormatBinance)
	if sym == "" {
		return nil, exerr.New("binance", exerr.KindSymbolNotSupported, fmt.Sprintf("unrecognized symbol %q", req.Symbol))
	}
	nctx := exerr.Context{Price: req.Price, TakeProfit: req.TakeProfit, StopLoss: req.StopLoss, Symbol: sym}
	if !req.ReduceOnly {
		if err := a.ensureLeverage(ctx, sym, req.Leverage); err != nil {
			return nil, err
		}
	}

	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	svc := a.client.NewCreateOrderService().
		Symbol(sym).
		Side(sideType(req.Side)).
		Quantity(formatQty(req.Amount)).
		NewClientOrderID(clientID)
	if req.Kind == domain.OrderKindLimit && req.Price > 0 {
		svc = svc.Type(futures.OrderTypeLimit).
			Price(formatQty(req.Price)).
			TimeInForce(futures.TimeInForceTypeGTC)
	} else {
		svc = svc.Type(futures.OrderTypeMarket)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, a.wrap(err, nctx)
	}

	// TP/SL travel as separate close-position conditional orders; a failure
	// here must not undo the accepted entry, so it is surfaced as-is.
	if req.TakeProfit > 0 {
		if err := a.placeConditional(ctx, sym, req.Side.Opposite(), futures.OrderTypeTakeProfitMarket, req.TakeProfit, nctx); err != nil {
			return nil, err
		}
	}
	if req.StopLoss > 0 {
		if err := a.placeConditional(ctx, sym, req.Side.Opposite(), futures.OrderTypeStopMarket, req.StopLoss, nctx); err != nil {
			return nil, err
		}
	}

	return &exchange.Order{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Amount:        req.Amount,
		Price:         req.Price,
		CreatedAt:     time.Now(),
	}, nil
}

func (a *Adapter) placeConditional(ctx context.Context, sym string, side domain.Side, orderType futures.OrderType, stopPrice float64, nctx exerr.Context) error {
	_, err := a.client.NewCreateOrderService().
		Symbol(sym).
		Side(sideType(side)).
		Type(orderType).
		StopPrice(formatQty(stopPrice)).
		ClosePosition(true).
		WorkingType(futures.WorkingTypeMarkPrice).
		Do(ctx)
	return a.wrap(err, nctx)
}

func (a *Adapter) CancelFutureOrder(ctx context.Context, orderID, sym string) error {
	exSym := symbol.ToExchange(sym, symbol.FormatBinance)
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return exerr.New("binance", exerr.KindOrderNotFound, fmt.Sprintf("invalid order id %q", orderID))
	}
	_, err = a.client.NewCancelOrderService().Symbol(exSym).OrderID(id).Do(ctx)
	return a.wrap(err, exerr.Context{Symbol: exSym})
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

// EditPosition cancels the symbol's open conditional orders and re-places
// TP/SL, Binance has no direct mutation on the position record.
func (a *Adapter) EditPosition(ctx context.Context, req exchange.EditRequest) error {
	sym := symbol.ToExchange(req.Symbol, symbol.FormatBinance)
	nctx := exerr.Context{TakeProfit: req.TakeProfit, StopLoss: req.StopLoss, Symbol: sym}
	if err := a.client.NewCancelAllOpenOrdersService().Symbol(sym).Do(ctx); err != nil {
		if wrapped := a.wrap(err, nctx); wrapped != nil {
			if de, ok := exerr.As(wrapped); !ok || de.Kind != exerr.KindOrderNotFound {
				return wrapped
			}
		}
	}
	if req.TakeProfit > 0 {
		if err := a.placeConditional(ctx, sym, req.Side.Opposite(), futures.OrderTypeTakeProfitMarket, req.TakeProfit, nctx); err != nil {
			return err
		}
	}
	if req.StopLoss > 0 {
		if err := a.placeConditional(ctx, sym, req.Side.Opposite(), futures.OrderTypeStopMarket, req.StopLoss, nctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) GetBalance(ctx context.Context, coin, _ string) (exchange.Balance, error) {
	balances, err := a.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return exchange.Balance{}, a.wrap(err, exerr.Context{})
	}
	coin = strings.ToUpper(strings.TrimSpace(coin))
	for _, b := range balances {
		if coin != "" && !strings.EqualFold(b.Asset, coin) {
			continue
		}
		total, _ := strconv.ParseFloat(b.Balance, 64)
		avail, _ := strconv.ParseFloat(b.AvailableBalance, 64)
		return exchange.Balance{
			Coin:      b.Asset,
			Total:     total,
			Available: avail,
			UpdatedAt: time.Now(),
		}, nil
	}
	return exchange.Balance{Coin: coin, UpdatedAt: time.Now()}, nil
}

func (a *Adapter) GetPositions(ctx context.Context, symbols []string) (*exchange.PositionSnapshot, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	sym := symbol.ToExchange(symbols[0], symbol.FormatBinance)
	risks, err := a.client.NewGetPositionRiskService().Symbol(sym).Do(ctx)
	if err != nil {
		return nil, a.wrap(err, exerr.Context{Symbol: sym})
	}
	for _, r := range risks {
		amt, _ := strconv.ParseFloat(r.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		side := domain.SideBuy
		if amt < 0 {
			side = domain.SideSell
			amt = -amt
		}
		entry, _ := strconv.ParseFloat(r.EntryPrice, 64)
		lev, _ := strconv.Atoi(r.Leverage)
		upnl, _ := strconv.ParseFloat(r.UnRealizedProfit, 64)
		return &exchange.PositionSnapshot{
			Symbol:        symbols[0],
			Side:          side,
			Amount:        amt,
			Value:         amt * entry,
			Leverage:      lev,
			AvgEntryPrice: entry,
			UnrealizedPnL: upnl,
		}, nil
	}
	return nil, nil
}

// FetchClosedOrders pages order history by time window; the cursor encodes the
// oldest order time seen minus one.
func (a *Adapter) FetchClosedOrders(ctx context.Context, sym, cursor string) ([]exchange.ClosedOrder, string, error) {
	exSym := symbol.ToExchange(sym, symbol.FormatBinance)
	svc := a.client.NewListOrdersService().Symbol(exSym).Limit(historyPageLimit)
	if cursor != "" {
		endTime, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", exerr.New("binance", exerr.KindGenericExchange, fmt.Sprintf("invalid history cursor %q", cursor))
		}
		svc = svc.EndTime(endTime)
	}
	raw, err := svc.Do(ctx)
	if err != nil {
		return nil, "", a.wrap(err, exerr.Context{Symbol: exSym})
	}
	var orders []exchange.ClosedOrder
	var oldest int64
	for _, o := range raw {
		// 游标必须覆盖整页, 否则整页都是取消单时会误判为翻到底.
		if oldest == 0 || o.Time < oldest {
			oldest = o.Time
		}
		if o.Status != futures.OrderStatusTypeFilled {
			continue
		}
		qty, _ := strconv.ParseFloat(o.ExecutedQuantity, 64)
		price, _ := strconv.ParseFloat(o.AvgPrice, 64)
		orders = append(orders, exchange.ClosedOrder{
			OrderID:   strconv.FormatInt(o.OrderID, 10),
			Symbol:    sym,
			Side:      domain.ParseSide(string(o.Side)),
			Amount:    qty,
			Price:     price,
			CreatedAt: time.UnixMilli(o.Time),
		})
	}
	next := ""
	if oldest > 0 {
		next = strconv.FormatInt(oldest-1, 10)
	}
	return orders, next, nil
}

// FetchClosedPnL is not provided: Binance confirms closes synchronously and
// its income history records do not carry the closing order id, so there is
// nothing reconciliation could correlate on.
func (a *Adapter) FetchClosedPnL(_ context.Context, _, _ string) ([]exchange.ClosedPnL, string, error) {
	return nil, "", exerr.Unsupported("binance", "FetchClosedPnL")
}
