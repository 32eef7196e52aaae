// Package reconcile matches locally-closed positions against the exchange's
// asynchronous closed-order and closed-PnL history feeds.
package reconcile

import (
	"context"
	"math"
	"time"

	"mirra/internal/domain"
	"mirra/internal/exerr"
	"mirra/internal/gateway/exchange"
	"mirra/internal/logger"
	"mirra/internal/store"
	"mirra/internal/store/model"
)

// Scanner walks the two history feeds for one position at a time. Page
// consumption per invocation is bounded; resumption cursors live on the
// position row.
type Scanner struct {
	store    *store.Store
	maxPages int
}

func NewScanner(st *store.Store, maxPages int) *Scanner {
	if maxPages <= 0 {
		maxPages = 5
	}
	return &Scanner{store: st, maxPages: maxPages}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// matches reports whether a history order is the closing fill of pos.
func matches(order exchange.ClosedOrder, pos *model.PositionModel) bool {
	return round3(order.Amount) == round3(pos.Amount) && order.Side != pos.Side
}

// Scan advances one position's reconciliation by at most maxPages feed pages.
// Phase 1 hunts the closing order; phase 2 hunts its PnL record. An exhausted
// closed-orders feed moves the position to X_CLOSED, the deliberate give-up
// state.
func (s *Scanner) Scan(ctx context.Context, adapter exchange.Adapter, pos *model.PositionModel) error {
	budget := s.maxPages

	for pos.MatchedOrderID == "" && budget > 0 {
		budget--
		orders, next, err := adapter.FetchClosedOrders(ctx, pos.Symbol, pos.OrdersCursor)
		if err != nil {
			return s.handleFeedError(ctx, pos, err)
		}
		if len(orders) == 0 && next == "" {
			// 历史单翻完也没有对上, 放弃并交给人工.
			return s.giveUp(ctx, pos)
		}
		// Pages arrive newest-first; scan oldest-within-page to newest so the
		// earliest candidate wins.
		for i := len(orders) - 1; i >= 0; i-- {
			if matches(orders[i], pos) {
				pos.MatchedOrderID = orders[i].OrderID
				break
			}
		}
		pos.OrdersCursor = next
		if pos.MatchedOrderID == "" && next == "" {
			return s.giveUp(ctx, pos)
		}
	}

	for pos.MatchedOrderID != "" && budget > 0 {
		budget--
		records, next, err := adapter.FetchClosedPnL(ctx, pos.Symbol, pos.PnLCursor)
		if err != nil {
			return s.handleFeedError(ctx, pos, err)
		}
		for _, rec := range records {
			if rec.OrderID == pos.MatchedOrderID {
				return s.finalize(ctx, pos, rec)
			}
		}
		pos.PnLCursor = next
		if next == "" {
			// PnL 记录可能延迟出现, 下一轮从头再扫.
			pos.PnLCursor = ""
			break
		}
	}

	return s.store.SaveScanCursor(ctx, pos)
}

func (s *Scanner) finalize(ctx context.Context, pos *model.PositionModel, rec exchange.ClosedPnL) error {
	closedAt := rec.CreatedAt.Unix()
	if rec.CreatedAt.IsZero() {
		closedAt = time.Now().Unix()
	}
	pos.Status = domain.PositionClosed
	if rec.AvgEntryPrice > 0 {
		pos.AvgEntryPrice = rec.AvgEntryPrice
	}
	pos.AvgExitPrice = rec.AvgExitPrice
	pos.ClosedPnL = rec.ClosedPnL
	pos.ClosedPnLPct = domain.ClosedPnLPercentage(rec.ClosedPnL, pos.Value, pos.Leverage)
	pos.ClosedAtUnix = &closedAt
	updated, err := s.store.FinalizePosition(ctx, pos)
	if err != nil {
		return err
	}
	if !updated {
		logger.Warnf("持仓 %d 对账完成前已被其他流程关闭", pos.ID)
	}
	return nil
}

func (s *Scanner) giveUp(ctx context.Context, pos *model.PositionModel) error {
	closedAt := time.Now().Unix()
	pos.Status = domain.PositionXClosed
	pos.ClosedAtUnix = &closedAt
	updated, err := s.store.FinalizePosition(ctx, pos)
	if err != nil {
		return err
	}
	if updated {
		logger.Warnf("持仓 %d 未找到交易所平仓记录, 标记为 X_CLOSED", pos.ID)
	}
	return nil
}

// handleFeedError turns an unsupported feed into the give-up state; anything
// else is retried on a later tick with the cursor unchanged.
func (s *Scanner) handleFeedError(ctx context.Context, pos *model.PositionModel, err error) error {
	if de, ok := exerr.As(err); ok && de.Kind == exerr.KindUnsupported {
		return s.giveUp(ctx, pos)
	}
	return err
}
