package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSide(t *testing.T) {
	assert.Equal(t, SideBuy, ParseSide(" Buy "))
	assert.Equal(t, SideBuy, ParseSide("LONG"))
	assert.Equal(t, SideSell, ParseSide("Sell"))
	assert.Equal(t, SideSell, ParseSide("short"))
	assert.Equal(t, Side(""), ParseSide("hold"))
	assert.Equal(t, SideSell, SideBuy.Opposite())
	assert.Equal(t, SideBuy, SideSell.Opposite())
}

func TestOrderStateTransitions(t *testing.T) {
	// OPEN 只能进入四个后继态, 不允许原地转移.
	assert.True(t, OrderStateOpen.CanTransition(OrderStateClosed))
	assert.True(t, OrderStateOpen.CanTransition(OrderStateCancelled))
	assert.True(t, OrderStateOpen.CanTransition(OrderStateFailed))
	assert.True(t, OrderStateOpen.CanTransition(OrderStateOpposeClose))
	assert.False(t, OrderStateOpen.CanTransition(OrderStateOpen))
	assert.False(t, OrderStateOpen.CanTransition(OrderStateXOpen))

	// X_OPEN 可以补齐为 OPEN 或直接关闭.
	assert.True(t, OrderStateXOpen.CanTransition(OrderStateOpen))
	assert.True(t, OrderStateXOpen.CanTransition(OrderStateClosed))
	assert.False(t, OrderStateXOpen.CanTransition(OrderStateOpposeClose))

	// 终态不再转移.
	for _, s := range []OrderState{OrderStateClosed, OrderStateCancelled, OrderStateFailed, OrderStateOpposeClose} {
		assert.False(t, s.CanTransition(OrderStateOpen), string(s))
		assert.False(t, s.CanTransition(OrderStateClosed), string(s))
	}
}

func TestPositionStatusTransitions(t *testing.T) {
	assert.True(t, PositionOpen.CanTransition(PositionClosed))
	assert.True(t, PositionOpen.CanTransition(PositionXClosed))
	assert.True(t, PositionOpen.CanTransition(PositionCanceled))
	assert.False(t, PositionOpen.CanTransition(PositionOpen))

	for _, s := range []PositionStatus{PositionClosed, PositionCanceled, PositionXClosed} {
		assert.True(t, s.Terminal(), string(s))
		assert.False(t, s.CanTransition(PositionClosed), string(s))
		assert.False(t, s.CanTransition(PositionOpen), string(s))
	}
}

func TestClosedPnLPercentage(t *testing.T) {
	// 2500 / (75000 * 10) * 100 = 0.333...
	assert.InDelta(t, 0.3333, ClosedPnLPercentage(2500, 75000, 10), 1e-3)
	assert.InDelta(t, -5, ClosedPnLPercentage(-250, 500, 10), 1e-9)
	assert.Zero(t, ClosedPnLPercentage(100, 0, 10))
	assert.Zero(t, ClosedPnLPercentage(100, 500, 0))
}

func TestActionSuccessOrderState(t *testing.T) {
	assert.Equal(t, OrderStateOpen, ActionCreateCopyOrders.SuccessOrderState())
	assert.Equal(t, OrderStateCancelled, ActionCancelCopyOrders.SuccessOrderState())
	assert.Equal(t, OrderStateOpposeClose, ActionClosePositionCopy.SuccessOrderState())
	assert.True(t, ActionEditSubscriberPos.Valid())
	assert.False(t, Action("noop").Valid())
}
