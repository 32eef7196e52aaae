// Package orchestrator sequences every trigger through the same three-phase
// shape: resolve the subscriber audience, fan the action out, persist the
// outcome batch.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mirra/internal/dispatch"
	"mirra/internal/domain"
	"mirra/internal/exerr"
	"mirra/internal/gateway/exchange"
	"mirra/internal/logger"
	"mirra/internal/store"
	"mirra/internal/store/auditlog"
	"mirra/internal/store/model"
)

// OrderParams mirrors the trigger's order block.
type OrderParams struct {
	Symbol     string           `json:"symbol"`
	Side       domain.Side      `json:"side"`
	Kind       domain.OrderKind `json:"order_type"`
	Amount     float64          `json:"amount"`
	EntryPoint float64          `json:"entry_point"`
	TakeProfit float64          `json:"take_profit,omitempty"`
	StopLoss   float64          `json:"stop_loss,omitempty"`
	Leverage   int              `json:"leverage"`
}

// Trigger is one action from the web/job layer. Subscribers may arrive inline
// with the trigger; when absent they are resolved from the store.
type Trigger struct {
	Action      domain.Action                `json:"action"`
	Exchange    string                       `json:"exchange"`
	Sandbox     bool                         `json:"sandbox_mode"`
	Order       OrderParams                  `json:"order"`
	RootOrderID uint64                       `json:"root_order_id,omitempty"`
	Subscribers []dispatch.SubscriberContext `json:"subscribers,omitempty"`
}

// Result pairs the lead's own record with the fan-out outcome batch.
type Result struct {
	RootOrderID    uint64             `json:"root_order_id"`
	RootPositionID uint64             `json:"root_position_id,omitempty"`
	Outcomes       []dispatch.Outcome `json:"outcomes"`
}

type Orchestrator struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	factory    exchange.Factory
	leadCreds  map[string]exchange.Credentials
	audit      *auditlog.Store
}

func New(st *store.Store, d *dispatch.Dispatcher, factory exchange.Factory, leadCreds map[string]exchange.Credentials) *Orchestrator {
	return &Orchestrator{store: st, dispatcher: d, factory: factory, leadCreds: leadCreds}
}

// WithAuditLog attaches the append-only dispatch record. Optional; a nil
// store disables auditing.
func (o *Orchestrator) WithAuditLog(a *auditlog.Store) *Orchestrator {
	o.audit = a
	return o
}

// recordAudit never fails the trigger; a broken audit write is only logged.
func (o *Orchestrator) recordAudit(ctx context.Context, trig Trigger, rootID uint64, outcomes []dispatch.Outcome, persistErr error) {
	if o.audit == nil {
		return
	}
	rec := auditlog.Record{
		Action:      trig.Action,
		Exchange:    trig.Exchange,
		RootOrderID: rootID,
		Outcomes:    outcomes,
	}
	if persistErr != nil {
		rec.Error = persistErr.Error()
	}
	if err := o.audit.Append(ctx, rec); err != nil {
		logger.Warnf("写入分发留痕失败: %v", err)
	}
}

// Run routes a trigger to its entry point.
func (o *Orchestrator) Run(ctx context.Context, trig Trigger) (*Result, error) {
	if !trig.Action.Valid() {
		return nil, fmt.Errorf("未知动作: %s", trig.Action)
	}
	switch trig.Action {
	case domain.ActionCreateCopyOrders:
		return o.CreateCopyOrders(ctx, trig)
	case domain.ActionCancelCopyOrders:
		return o.CancelCopyOrders(ctx, trig)
	case domain.ActionClosePositionCopy:
		return o.ClosePositionCopyOrders(ctx, trig)
	default:
		return o.EditSubscriberPositions(ctx, trig)
	}
}

func (o *Orchestrator) leadAdapter(trig Trigger) (exchange.Adapter, error) {
	creds, ok := o.leadCreds[trig.Exchange]
	if !ok {
		return nil, fmt.Errorf("交易所 %s 未配置领单凭证", trig.Exchange)
	}
	return o.factory(trig.Exchange, creds, trig.Sandbox)
}

// CreateCopyOrders executes the lead's own order synchronously, then mirrors
// it into every eligible subscriber account. A lead failure aborts the whole
// trigger; copy failures only show up as ok=false outcomes.
func (o *Orchestrator) CreateCopyOrders(ctx context.Context, trig Trigger) (*Result, error) {
	adapter, err := o.leadAdapter(trig)
	if err != nil {
		return nil, err
	}
	leadOrder, err := adapter.CreateFutureOrder(ctx, exchange.CreateOrderRequest{
		Symbol:     trig.Order.Symbol,
		Side:       trig.Order.Side,
		Kind:       trig.Order.Kind,
		Amount:     trig.Order.Amount,
		Price:      trig.Order.EntryPoint,
		TakeProfit: trig.Order.TakeProfit,
		StopLoss:   trig.Order.StopLoss,
		Leverage:   trig.Order.Leverage,
	})
	if err != nil {
		return nil, err
	}

	rootPos := &model.PositionModel{
		Exchange:      trig.Exchange,
		Symbol:        trig.Order.Symbol,
		Side:          trig.Order.Side,
		Amount:        trig.Order.Amount,
		Value:         trig.Order.Amount * trig.Order.EntryPoint,
		Leverage:      trig.Order.Leverage,
		AvgEntryPrice: trig.Order.EntryPoint,
		Status:        domain.PositionOpen,
	}
	if err := o.store.CreatePosition(ctx, rootPos); err != nil {
		return nil, fmt.Errorf("持久化领单持仓失败: %w", err)
	}
	rootOrder := o.orderRow(trig, nil, nil, leadOrder, domain.OrderStateOpen, nil)
	rootOrder.PositionID = &rootPos.ID
	if err := o.store.CreateOrder(ctx, rootOrder); err != nil {
		return nil, fmt.Errorf("持久化领单失败: %w", err)
	}

	subs, err := o.resolve(ctx, trig)
	if err != nil {
		return nil, err
	}

	outcomes := o.dispatcher.Dispatch(ctx, dispatch.Request{
		Action:      trig.Action,
		Exchange:    trig.Exchange,
		Sandbox:     trig.Sandbox,
		Root:        rootParams(trig),
		Subscribers: subs,
	})

	persistErr := o.persistCreates(ctx, trig, rootOrder.ID, outcomes)
	o.recordAudit(ctx, trig, rootOrder.ID, outcomes, persistErr)
	if persistErr != nil {
		logger.Errorf("批量持久化跟单失败, 远端订单已成交, 需人工核对: %v, outcomes=%s", persistErr, marshalOutcomes(outcomes))
		return nil, fmt.Errorf("持久化跟单结果失败: %w", persistErr)
	}
	return &Result{RootOrderID: rootOrder.ID, RootPositionID: rootPos.ID, Outcomes: outcomes}, nil
}

// CancelCopyOrders cancels the lead's order and every open copy of it.
func (o *Orchestrator) CancelCopyOrders(ctx context.Context, trig Trigger) (*Result, error) {
	rootOrder, err := o.store.GetOrder(ctx, trig.RootOrderID)
	if err != nil {
		return nil, fmt.Errorf("读取领单失败: %w", err)
	}
	adapter, err := o.leadAdapter(trig)
	if err != nil {
		return nil, err
	}
	if err := adapter.CancelFutureOrder(ctx, rootOrder.ExchangeOrderID, rootOrder.Symbol); err != nil {
		return nil, err
	}
	rootOrder.State = domain.OrderStateCancelled
	if err := o.store.UpdateOrder(ctx, rootOrder); err != nil {
		return nil, fmt.Errorf("更新领单状态失败: %w", err)
	}

	copies, subs, err := o.resolveCopies(ctx, rootOrder)
	if err != nil {
		return nil, err
	}
	trig.Order.Symbol = rootOrder.Symbol
	outcomes := o.dispatcher.Dispatch(ctx, dispatch.Request{
		Action:      trig.Action,
		Exchange:    trig.Exchange,
		Sandbox:     trig.Sandbox,
		Root:        rootParams(trig),
		Subscribers: subs,
	})

	persistErr := o.persistTransitions(ctx, copies, outcomes, domain.OrderStateCancelled)
	o.recordAudit(ctx, trig, rootOrder.ID, outcomes, persistErr)
	if persistErr != nil {
		logger.Errorf("批量更新取消结果失败: %v, outcomes=%s", persistErr, marshalOutcomes(outcomes))
		return nil, fmt.Errorf("持久化取消结果失败: %w", persistErr)
	}
	return &Result{RootOrderID: rootOrder.ID, Outcomes: outcomes}, nil
}

// ClosePositionCopyOrders closes the lead position and every copy position
// with opposite-side reduce-only market orders. Positions whose close is not
// confirmed synchronously are flagged for the reconciliation scanner.
func (o *Orchestrator) ClosePositionCopyOrders(ctx context.Context, trig Trigger) (*Result, error) {
	rootOrder, err := o.store.GetOrder(ctx, trig.RootOrderID)
	if err != nil {
		return nil, fmt.Errorf("读取领单失败: %w", err)
	}
	adapter, err := o.leadAdapter(trig)
	if err != nil {
		return nil, err
	}
	closeOrder, err := adapter.ClosePosition(ctx, exchange.PositionSnapshot{
		Symbol:   rootOrder.Symbol,
		Side:     rootOrder.Side,
		Amount:   rootOrder.Amount,
		Leverage: rootOrder.Leverage,
	})
	if err != nil {
		return nil, err
	}
	// 平仓单自身记为 OPPOSE_SIDE_MARKET_CLOSE, 原始订单转为 CLOSED.
	rootOrder.State = domain.OrderStateClosed
	if err := o.store.UpdateOrder(ctx, rootOrder); err != nil {
		return nil, fmt.Errorf("更新领单状态失败: %w", err)
	}
	closeRow := closeOrderRow(rootOrder, closeOrder)
	if err := o.store.CreateOrder(ctx, closeRow); err != nil {
		return nil, fmt.Errorf("持久化领单平仓记录失败: %w", err)
	}
	if rootOrder.PositionID != nil {
		if err := o.settleClose(ctx, *rootOrder.PositionID, closeOrder); err != nil {
			return nil, err
		}
	}

	copies, subs, err := o.resolveCopies(ctx, rootOrder)
	if err != nil {
		return nil, err
	}
	trig.Order.Symbol = rootOrder.Symbol
	outcomes := o.dispatcher.Dispatch(ctx, dispatch.Request{
		Action:      trig.Action,
		Exchange:    trig.Exchange,
		Sandbox:     trig.Sandbox,
		Root:        rootParams(trig),
		Subscribers: subs,
	})

	persistErr := o.persistCloses(ctx, copies, outcomes)
	o.recordAudit(ctx, trig, rootOrder.ID, outcomes, persistErr)
	if persistErr != nil {
		logger.Errorf("批量更新平仓结果失败: %v, outcomes=%s", persistErr, marshalOutcomes(outcomes))
		return nil, fmt.Errorf("持久化平仓结果失败: %w", persistErr)
	}
	return &Result{RootOrderID: rootOrder.ID, Outcomes: outcomes}, nil
}

// EditSubscriberPositions pushes new stop-loss/take-profit values to the lead
// position and every copy.
func (o *Orchestrator) EditSubscriberPositions(ctx context.Context, trig Trigger) (*Result, error) {
	rootOrder, err := o.store.GetOrder(ctx, trig.RootOrderID)
	if err != nil {
		return nil, fmt.Errorf("读取领单失败: %w", err)
	}
	adapter, err := o.leadAdapter(trig)
	if err != nil {
		return nil, err
	}
	if err := adapter.EditPosition(ctx, exchange.EditRequest{
		Symbol:     rootOrder.Symbol,
		Side:       rootOrder.Side,
		Amount:     rootOrder.Amount,
		TakeProfit: trig.Order.TakeProfit,
		StopLoss:   trig.Order.StopLoss,
	}); err != nil {
		return nil, err
	}
	rootOrder.TakeProfit = trig.Order.TakeProfit
	rootOrder.StopLoss = trig.Order.StopLoss
	if err := o.store.UpdateOrder(ctx, rootOrder); err != nil {
		return nil, fmt.Errorf("更新领单止盈止损失败: %w", err)
	}

	copies, subs, err := o.resolveCopies(ctx, rootOrder)
	if err != nil {
		return nil, err
	}
	trig.Order.Symbol = rootOrder.Symbol
	trig.Order.Side = rootOrder.Side
	outcomes := o.dispatcher.Dispatch(ctx, dispatch.Request{
		Action:      trig.Action,
		Exchange:    trig.Exchange,
		Sandbox:     trig.Sandbox,
		Root:        rootParams(trig),
		Subscribers: subs,
	})

	persistErr := o.persistEdits(ctx, copies, outcomes, trig)
	o.recordAudit(ctx, trig, rootOrder.ID, outcomes, persistErr)
	if persistErr != nil {
		logger.Errorf("批量更新改单结果失败: %v, outcomes=%s", persistErr, marshalOutcomes(outcomes))
		return nil, fmt.Errorf("持久化改单结果失败: %w", persistErr)
	}
	return &Result{RootOrderID: rootOrder.ID, Outcomes: outcomes}, nil
}

// resolve computes the fan-out audience. Inline subscribers win; otherwise the
// store's eligibility query runs. A resolve failure is fatal to the trigger.
func (o *Orchestrator) resolve(ctx context.Context, trig Trigger) ([]dispatch.SubscriberContext, error) {
	if len(trig.Subscribers) > 0 {
		return trig.Subscribers, nil
	}
	rows, err := o.store.ListEligibleSubscribers(ctx, trig.Exchange, time.Now())
	if err != nil {
		return nil, fmt.Errorf("解析订阅者列表失败: %w", err)
	}
	subs := make([]dispatch.SubscriberContext, 0, len(rows))
	for _, row := range rows {
		subs = append(subs, dispatch.SubscriberContext{
			SubscriberID:  row.ID,
			Exchange:      row.Exchange,
			APIKey:        row.APIKey,
			Secret:        row.Secret,
			Password:      row.Password,
			Margin:        row.Margin,
			TakeProfitPct: row.TakeProfitPct,
			StopLossPct:   row.StopLossPct,
		})
	}
	return subs, nil
}

// resolveCopies rebuilds subscriber contexts from the persisted copies of a
// root order, carrying each copy's own exchange order id and sizing.
func (o *Orchestrator) resolveCopies(ctx context.Context, rootOrder *model.TradingOrderModel) ([]model.TradingOrderModel, []dispatch.SubscriberContext, error) {
	all, err := o.store.ListCopyOrders(ctx, rootOrder.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("解析订阅者列表失败: %w", err)
	}
	copies := make([]model.TradingOrderModel, 0, len(all))
	for _, c := range all {
		if c.State != domain.OrderStateOpen && c.State != domain.OrderStateXOpen {
			continue
		}
		copies = append(copies, c)
	}
	subsByID, err := o.subscriberIndex(ctx, rootOrder.Exchange)
	if err != nil {
		return nil, nil, err
	}
	subs := make([]dispatch.SubscriberContext, 0, len(copies))
	for _, c := range copies {
		sctx := dispatch.SubscriberContext{
			Exchange:        rootOrder.Exchange,
			ExchangeOrderID: c.ExchangeOrderID,
			OrderAmount:     c.Amount,
			PositionSide:    c.Side,
			PositionAmount:  c.Amount,
			Leverage:        c.Leverage,
		}
		if c.SubscriberID != nil {
			sctx.SubscriberID = *c.SubscriberID
			if row, ok := subsByID[*c.SubscriberID]; ok {
				sctx.APIKey = row.APIKey
				sctx.Secret = row.Secret
				sctx.Password = row.Password
			}
		}
		subs = append(subs, sctx)
	}
	return copies, subs, nil
}

func (o *Orchestrator) subscriberIndex(ctx context.Context, exchangeName string) (map[uint64]model.SubscriberModel, error) {
	rows, err := o.store.ListEligibleSubscribers(ctx, exchangeName, time.Now())
	if err != nil {
		return nil, fmt.Errorf("解析订阅者列表失败: %w", err)
	}
	byID := make(map[uint64]model.SubscriberModel, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}
	return byID, nil
}

func rootParams(trig Trigger) dispatch.RootParams {
	return dispatch.RootParams{
		Symbol:     trig.Order.Symbol,
		Side:       trig.Order.Side,
		Kind:       trig.Order.Kind,
		Amount:     trig.Order.Amount,
		EntryPrice: trig.Order.EntryPoint,
		TakeProfit: trig.Order.TakeProfit,
		StopLoss:   trig.Order.StopLoss,
		Leverage:   trig.Order.Leverage,
	}
}

func marshalOutcomes(outcomes []dispatch.Outcome) string {
	raw, err := json.Marshal(outcomes)
	if err != nil {
		return fmt.Sprintf("<marshal error: %v>", err)
	}
	return string(raw)
}

func submissionErrorJSON(de *exerr.DomainError) []byte {
	raw, err := json.Marshal(de)
	if err != nil {
		return []byte(fmt.Sprintf(`{"kind":"generic_exchange_error","message":%q}`, de.Message))
	}
	return raw
}
