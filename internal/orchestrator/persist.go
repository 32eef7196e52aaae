package orchestrator

import (
	"context"
	"fmt"
	"time"

	"mirra/internal/dispatch"
	"mirra/internal/domain"
	"mirra/internal/gateway/exchange"
	"mirra/internal/store/model"
)

// orderRow builds a TradingOrderModel from trigger parameters plus the
// exchange acknowledgement (nil when the order never reached the exchange).
func (o *Orchestrator) orderRow(trig Trigger, parentID, subscriberID *uint64, ack *exchange.Order, state domain.OrderState, submissionErr []byte) *model.TradingOrderModel {
	row := &model.TradingOrderModel{
		ParentOrderID:   parentID,
		SubscriberID:    subscriberID,
		Exchange:        trig.Exchange,
		Symbol:          trig.Order.Symbol,
		Side:            trig.Order.Side,
		Kind:            trig.Order.Kind,
		Amount:          trig.Order.Amount,
		Price:           trig.Order.EntryPoint,
		Leverage:        trig.Order.Leverage,
		TakeProfit:      trig.Order.TakeProfit,
		StopLoss:        trig.Order.StopLoss,
		State:           state,
		Sandbox:         trig.Sandbox,
		SubmissionError: submissionErr,
	}
	if ack != nil {
		row.ExchangeOrderID = ack.OrderID
		row.ClientOrderID = ack.ClientOrderID
		if ack.Amount > 0 {
			row.Amount = ack.Amount
		}
		if ack.Side != "" {
			row.Side = ack.Side
		}
	}
	return row
}

// closeOrderRow records the reduce-only closing order under the order it
// closes, inheriting that order's sizing and leverage.
func closeOrderRow(parent *model.TradingOrderModel, ack *exchange.Order) *model.TradingOrderModel {
	row := &model.TradingOrderModel{
		ParentOrderID: &parent.ID,
		SubscriberID:  parent.SubscriberID,
		PositionID:    parent.PositionID,
		Exchange:      parent.Exchange,
		Symbol:        parent.Symbol,
		Side:          parent.Side.Opposite(),
		Kind:          domain.OrderKindMarket,
		Amount:        parent.Amount,
		Leverage:      parent.Leverage,
		State:         domain.OrderStateOpposeClose,
		Sandbox:       parent.Sandbox,
	}
	if ack != nil {
		row.ExchangeOrderID = ack.OrderID
		row.ClientOrderID = ack.ClientOrderID
	}
	return row
}

// persistCreates writes one copy order per outcome, all in bulk. Successful
// copies also open their own position row. An acknowledgement without an
// exchange id parks the copy at X_OPEN for later confirmation.
func (o *Orchestrator) persistCreates(ctx context.Context, trig Trigger, rootID uint64, outcomes []dispatch.Outcome) error {
	positions := make([]*model.PositionModel, 0, len(outcomes))
	posIdx := make(map[int]int, len(outcomes)) // outcome index -> positions index
	for i, out := range outcomes {
		if !out.OK || out.Result == nil {
			continue
		}
		posIdx[i] = len(positions)
		sub := out.Subscriber
		amount := out.Result.Amount
		if amount <= 0 {
			amount = dispatch.EffectiveAmount(sub.Margin, trig.Order.Amount)
		}
		subID := sub.SubscriberID
		positions = append(positions, &model.PositionModel{
			SubscriberID:  &subID,
			Exchange:      trig.Exchange,
			Symbol:        trig.Order.Symbol,
			Side:          trig.Order.Side,
			Amount:        amount,
			Value:         amount * trig.Order.EntryPoint,
			Leverage:      trig.Order.Leverage,
			AvgEntryPrice: trig.Order.EntryPoint,
			Status:        domain.PositionOpen,
		})
	}
	if err := o.store.CreatePositions(ctx, positions); err != nil {
		return fmt.Errorf("批量创建持仓失败: %w", err)
	}

	root := rootParams(trig)
	orders := make([]*model.TradingOrderModel, 0, len(outcomes))
	for i, out := range outcomes {
		sub := out.Subscriber
		subID := sub.SubscriberID
		var row *model.TradingOrderModel
		switch {
		case out.OK && out.Result != nil:
			state := domain.OrderStateOpen
			if out.Result.OrderID == "" {
				state = domain.OrderStateXOpen
			}
			row = o.orderRow(trig, &rootID, &subID, out.Result, state, nil)
			row.PositionID = &positions[posIdx[i]].ID
		case out.OK:
			row = o.orderRow(trig, &rootID, &subID, nil, domain.OrderStateXOpen, nil)
		default:
			row = o.orderRow(trig, &rootID, &subID, nil, domain.OrderStateFailed, submissionErrorJSON(out.Err))
		}
		row.TakeProfit = dispatch.EffectiveTakeProfit(root, sub)
		row.StopLoss = dispatch.EffectiveStopLoss(root, sub)
		if row.State == domain.OrderStateFailed {
			row.Amount = dispatch.EffectiveAmount(sub.Margin, trig.Order.Amount)
		}
		orders = append(orders, row)
	}
	if err := o.store.CreateOrders(ctx, orders); err != nil {
		return fmt.Errorf("批量创建跟单失败: %w", err)
	}
	return nil
}

// persistTransitions applies a uniform success state (cancel path) to each
// copy by outcome index.
func (o *Orchestrator) persistTransitions(ctx context.Context, copies []model.TradingOrderModel, outcomes []dispatch.Outcome, success domain.OrderState) error {
	rows := make([]*model.TradingOrderModel, 0, len(copies))
	for i := range copies {
		row := &copies[i]
		if i >= len(outcomes) {
			break
		}
		if outcomes[i].OK {
			if row.State.CanTransition(success) {
				row.State = success
			}
		} else {
			row.State = domain.OrderStateFailed
			row.SubmissionError = submissionErrorJSON(outcomes[i].Err)
		}
		rows = append(rows, row)
	}
	return o.store.UpdateOrders(ctx, rows)
}

// persistCloses closes each copy order, records the closing order row, and
// either finalizes the position (synchronous PnL) or hands it to the
// reconciliation scanner.
func (o *Orchestrator) persistCloses(ctx context.Context, copies []model.TradingOrderModel, outcomes []dispatch.Outcome) error {
	rows := make([]*model.TradingOrderModel, 0, len(copies))
	closeRows := make([]*model.TradingOrderModel, 0, len(copies))
	for i := range copies {
		if i >= len(outcomes) {
			break
		}
		row := &copies[i]
		out := outcomes[i]
		if !out.OK {
			row.State = domain.OrderStateFailed
			row.SubmissionError = submissionErrorJSON(out.Err)
			rows = append(rows, row)
			continue
		}
		row.State = domain.OrderStateClosed
		rows = append(rows, row)
		if out.Result != nil {
			closeRows = append(closeRows, closeOrderRow(row, out.Result))
		}
		if row.PositionID != nil {
			if err := o.settleClose(ctx, *row.PositionID, out.Result); err != nil {
				return err
			}
		}
	}
	if err := o.store.UpdateOrders(ctx, rows); err != nil {
		return err
	}
	return o.store.CreateOrders(ctx, closeRows)
}

// persistEdits copies the new stop/take-profit values onto each successfully
// edited copy.
func (o *Orchestrator) persistEdits(ctx context.Context, copies []model.TradingOrderModel, outcomes []dispatch.Outcome, trig Trigger) error {
	rows := make([]*model.TradingOrderModel, 0, len(copies))
	for i := range copies {
		if i >= len(outcomes) {
			break
		}
		row := &copies[i]
		if outcomes[i].OK {
			row.TakeProfit = trig.Order.TakeProfit
			row.StopLoss = trig.Order.StopLoss
		} else {
			row.State = domain.OrderStateFailed
			row.SubmissionError = submissionErrorJSON(outcomes[i].Err)
		}
		rows = append(rows, row)
	}
	return o.store.UpdateOrders(ctx, rows)
}

// settleClose finalizes a position when the close acknowledgement already
// carries realized PnL; otherwise the position waits for reconciliation.
func (o *Orchestrator) settleClose(ctx context.Context, positionID uint64, ack *exchange.Order) error {
	pos, err := o.store.GetPosition(ctx, positionID)
	if err != nil {
		return fmt.Errorf("读取持仓失败: %w", err)
	}
	if pos.Status != domain.PositionOpen {
		return nil
	}
	if ack == nil || !ack.HasRealizedPnL {
		return o.store.MarkClosePending(ctx, positionID)
	}
	closedAt := time.Now().Unix()
	pos.Status = domain.PositionClosed
	pos.AvgExitPrice = ack.Price
	pos.ClosedPnL = ack.RealizedPnL
	pos.ClosedPnLPct = domain.ClosedPnLPercentage(ack.RealizedPnL, pos.Value, pos.Leverage)
	pos.ClosedAtUnix = &closedAt
	_, err = o.store.FinalizePosition(ctx, pos)
	return err
}
