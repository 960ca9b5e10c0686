package execution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f64(v float64) *float64 { return &v }

func TestGuardApprovesGoodConditions(t *testing.T) {
	g := NewGuard(DefaultGuardConfig())
	check := g.Validate(GuardInput{SpreadTicks: 1.0, OrderSize: 2})
	assert.True(t, check.Approved)
	assert.Equal(t, "LIMIT", check.OrderType) // prefer_limit default
}

func TestGuardRejectsWideSpread(t *testing.T) {
	g := NewGuard(DefaultGuardConfig())
	check := g.Validate(GuardInput{SpreadTicks: 2.5, OrderSize: 1})
	assert.False(t, check.Approved)
	assert.Contains(t, check.Reason, "spread 2.5 ticks")
}

func TestGuardRejectsThinBook(t *testing.T) {
	g := NewGuard(DefaultGuardConfig())
	// 2 lots need 6 on each side.
	check := g.Validate(GuardInput{
		SpreadTicks: 1.0, OrderSize: 2,
		BidDepth: f64(10), AskDepth: f64(4),
	})
	assert.False(t, check.Approved)
	assert.Contains(t, check.Reason, "insufficient book depth")
}

func TestGuardDepthSkippedWhenUnknown(t *testing.T) {
	g := NewGuard(DefaultGuardConfig())
	check := g.Validate(GuardInput{SpreadTicks: 1.0, OrderSize: 100})
	assert.True(t, check.Approved)
}

func TestGuardHighSlippageForcesLimit(t *testing.T) {
	g := NewGuard(DefaultGuardConfig())
	check := g.Validate(GuardInput{
		SpreadTicks: 1.0, OrderSize: 1, SlippageP90: f64(2.5),
	})
	assert.True(t, check.Approved)
	assert.Equal(t, "LIMIT", check.OrderType)
	assert.Contains(t, check.Reason, "high slippage risk")
}

func TestGuardMarketOrderOnTightSpread(t *testing.T) {
	cfg := DefaultGuardConfig()
	cfg.PreferLimit = false
	g := NewGuard(cfg)

	check := g.Validate(GuardInput{SpreadTicks: 0.5, OrderSize: 1})
	assert.Equal(t, "MARKET", check.OrderType)

	check = g.Validate(GuardInput{SpreadTicks: 1.5, OrderSize: 1})
	assert.Equal(t, "LIMIT", check.OrderType)
}

func TestPostOnlyOnTightBook(t *testing.T) {
	cfg := DefaultGuardConfig()
	cfg.PreferPostOnly = true
	g := NewGuard(cfg)

	check := g.Validate(GuardInput{SpreadTicks: 1.0, OrderSize: 1})
	require.True(t, check.Approved)
	assert.Equal(t, "POST_ONLY", check.OrderType)

	// Wider book falls back to a plain limit order.
	check = g.Validate(GuardInput{SpreadTicks: 1.5, OrderSize: 1})
	require.True(t, check.Approved)
	assert.Equal(t, "LIMIT", check.OrderType)
}

func TestShouldCancel(t *testing.T) {
	g := NewGuard(DefaultGuardConfig())
	assert.True(t, g.ShouldCancel(3*time.Second, 0.0))
	assert.True(t, g.ShouldCancel(3*time.Second, 0.4))
	assert.False(t, g.ShouldCancel(3*time.Second, 0.5))
	assert.False(t, g.ShouldCancel(time.Second, 0.0))
}

func TestExpectedSlippage(t *testing.T) {
	g := NewGuard(DefaultGuardConfig())
	assert.Equal(t, 1.0, g.ExpectedSlippage(2.0, "LIMIT", 1, nil))
	assert.Equal(t, 1.0, g.ExpectedSlippage(2.0, "MARKET", 2, nil))
	// Large orders pay impact.
	assert.Equal(t, 1.5, g.ExpectedSlippage(2.0, "MARKET", 6, nil))
	// Historical median floors the estimate.
	assert.Equal(t, 2.0, g.ExpectedSlippage(2.0, "MARKET", 1, f64(2.0)))
}
