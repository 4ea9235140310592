package governance

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/web3guy0/ordercore/types"
)

func TestNewStoreDefaultsToUnrestrictedBaseline(t *testing.T) {
	s := NewStore()
	ctx := s.Context()
	require.True(t, ctx.PacingMultiplier.Equal(decimal.NewFromInt(1)))
	require.True(t, ctx.RiskBudgetMultiplier.Equal(decimal.NewFromInt(1)))
	require.Equal(t, "unknown", ctx.RegimeState)
}

func TestSetReplacesContextVisibleToSubsequentReaders(t *testing.T) {
	s := NewStore()
	s.Set(types.GovernanceContext{
		PacingMultiplier:     decimal.NewFromFloat(0.5),
		RiskBudgetMultiplier: decimal.NewFromFloat(0.25),
		RegimeState:          "risk_off",
	})

	ctx := s.Context()
	require.True(t, ctx.PacingMultiplier.Equal(decimal.NewFromFloat(0.5)))
	require.True(t, ctx.RiskBudgetMultiplier.Equal(decimal.NewFromFloat(0.25)))
	require.Equal(t, "risk_off", ctx.RegimeState)
}
