package types

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestOrderStatusIsTerminal(t *testing.T) {
	terminal := []OrderStatus{OrderFilled, OrderCancelled, OrderRejected, OrderExpired}
	for _, s := range terminal {
		require.True(t, s.IsTerminal(), "%s should be terminal", s)
	}

	nonTerminal := []OrderStatus{OrderPending, OrderSubmitted, OrderPartialFill}
	for _, s := range nonTerminal {
		require.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestCloseRequestRemainingQty(t *testing.T) {
	c := &CloseRequest{TargetQty: decimal.NewFromInt(10), FilledQty: decimal.NewFromInt(4)}
	require.True(t, c.RemainingQty().Equal(decimal.NewFromInt(6)))
}
