package dispatch

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"mirra/internal/domain"
	"mirra/internal/exerr"
	"mirra/internal/gateway/exchange"
	"mirra/internal/logger"
)

// Dispatcher executes one task per subscriber and never fails the batch for a
// single subscriber's error.
type Dispatcher struct {
	factory     exchange.Factory
	timeout     time.Duration
	maxParallel int
}

func New(factory exchange.Factory, timeout time.Duration, maxParallel int) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{factory: factory, timeout: timeout, maxParallel: maxParallel}
}

// Dispatch runs every subscriber task concurrently and returns outcomes in
// input order. Task i writes outcomes[i] and nothing else, so ordering holds
// by construction regardless of completion order.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) []Outcome {
	outcomes := make([]Outcome, len(req.Subscribers))
	if len(req.Subscribers) == 0 {
		return outcomes
	}

	eg, egCtx := errgroup.WithContext(ctx)
	if d.maxParallel > 0 {
		eg.SetLimit(d.maxParallel)
	}
	for i, sub := range req.Subscribers {
		i, sub := i, sub
		eg.Go(func() error {
			outcomes[i] = d.runTask(egCtx, req, sub)
			return nil
		})
	}
	_ = eg.Wait()
	return outcomes
}

// runTask converts every failure mode, including a panic inside an adapter,
// into an ok=false outcome.
func (d *Dispatcher) runTask(parent context.Context, req Request, sub SubscriberContext) (out Outcome) {
	out.Subscriber = sub
	defer func() {
		if r := recover(); r != nil {
			logger.Warnf("订阅者 %d 任务 panic: %v", sub.SubscriberID, r)
			out.OK = false
			out.Result = nil
			out.Err = exerr.New(req.Exchange, exerr.KindGenericExchange, fmt.Sprintf("panic: %v", r))
		}
	}()

	ctx, cancel := context.WithTimeout(parent, d.timeout)
	defer cancel()

	adapter, err := d.factory(req.Exchange, sub.credentials(), req.Sandbox)
	if err != nil {
		out.Err = exerr.Ensure(req.Exchange, err)
		return out
	}

	order, err := d.execute(ctx, adapter, req, sub)
	if err != nil {
		out.Err = exerr.Ensure(req.Exchange, err)
		return out
	}
	out.OK = true
	out.Result = order
	return out
}

func (d *Dispatcher) execute(ctx context.Context, adapter exchange.Adapter, req Request, sub SubscriberContext) (*exchange.Order, error) {
	switch req.Action {
	case domain.ActionCreateCopyOrders:
		return adapter.CreateFutureOrder(ctx, exchange.CreateOrderRequest{
			Symbol:     req.Root.Symbol,
			Side:       req.Root.Side,
			Kind:       req.Root.Kind,
			Amount:     EffectiveAmount(sub.Margin, req.Root.Amount),
			Price:      req.Root.EntryPrice,
			TakeProfit: EffectiveTakeProfit(req.Root, sub),
			StopLoss:   EffectiveStopLoss(req.Root, sub),
			Leverage:   req.Root.Leverage,
		})
	case domain.ActionCancelCopyOrders:
		if sub.ExchangeOrderID == "" {
			return nil, exerr.New(req.Exchange, exerr.KindOrderNotFound, "订阅者没有可取消的订单")
		}
		return nil, adapter.CancelFutureOrder(ctx, sub.ExchangeOrderID, req.Root.Symbol)
	case domain.ActionClosePositionCopy:
		// 没有持仓数量的订阅者视为无事可做.
		if sub.PositionAmount <= 0 {
			return nil, nil
		}
		return adapter.ClosePosition(ctx, exchange.PositionSnapshot{
			Symbol:   req.Root.Symbol,
			Side:     sub.PositionSide,
			Amount:   sub.PositionAmount,
			Leverage: sub.Leverage,
		})
	case domain.ActionEditSubscriberPos:
		return nil, adapter.EditPosition(ctx, exchange.EditRequest{
			Symbol:     req.Root.Symbol,
			Side:       req.Root.Side,
			Amount:     sub.PositionAmount,
			TakeProfit: req.Root.TakeProfit,
			StopLoss:   req.Root.StopLoss,
		})
	default:
		return nil, exerr.New(req.Exchange, exerr.KindGenericExchange, fmt.Sprintf("未知动作: %s", req.Action))
	}
}
