package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/gearbox/internal/instruments"
)

func newPaper() *Paper {
	return NewPaper(DefaultPaperConfig(), instruments.DefaultService())
}

func TestMarketOrderFillsInstantly(t *testing.T) {
	p := newPaper()
	ctx := context.Background()
	p.SetPrice("MNQ", 15000)

	resp, err := p.Submit(ctx, OrderRequest{
		Symbol: "MNQ", Side: Buy, Qty: 2, Type: Market, TIF: Day,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, resp.Status)
	assert.NotEmpty(t, resp.BrokerOrderID)

	fills, err := p.GetFills(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, fills, 1)
	// Buy pays slippage: 0.5 ticks * 0.25 = 0.125 over market.
	assert.Equal(t, 15000.125, fills[0].AvgPrice)
	assert.Equal(t, 2.0, fills[0].Qty)
	assert.Equal(t, 1.0, fills[0].Commission)
}

func TestSellSlippageWorsensPrice(t *testing.T) {
	p := newPaper()
	p.SetPrice("MNQ", 15000)
	resp, err := p.Submit(context.Background(), OrderRequest{
		Symbol: "MNQ", Side: Sell, Qty: 1, Type: Market, TIF: Day,
	})
	require.NoError(t, err)
	require.Equal(t, StatusFilled, resp.Status)
	fills, _ := p.GetFills(context.Background(), time.Time{})
	assert.Equal(t, 14999.875, fills[0].AvgPrice)
}

func TestMarketClosedRejects(t *testing.T) {
	p := newPaper()
	p.SetMarketOpen(false)
	resp, err := p.Submit(context.Background(), OrderRequest{
		Symbol: "MNQ", Side: Buy, Qty: 1, Type: Market, TIF: Day,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, resp.Status)
	assert.Equal(t, "market closed", resp.Reason)
}

func TestLimitOrderRestsUntilPriceReached(t *testing.T) {
	p := newPaper()
	ctx := context.Background()
	p.SetPrice("MNQ", 15000)

	resp, err := p.Submit(ctx, OrderRequest{
		Symbol: "MNQ", Side: Buy, Qty: 1, Type: Limit, LimitPrice: 14990, TIF: Day,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPendingNew, resp.Status)

	open, err := p.GetOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	// Price trades down through the limit: order fills at the limit.
	p.SetPrice("MNQ", 14989)
	open, err = p.GetOpenOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	fills, _ := p.GetFills(ctx, time.Time{})
	require.Len(t, fills, 1)
	assert.Equal(t, 14990.0, fills[0].AvgPrice)
}

func TestLimitFillsImmediatelyWhenMarketable(t *testing.T) {
	p := newPaper()
	p.SetPrice("MNQ", 15000)
	resp, err := p.Submit(context.Background(), OrderRequest{
		Symbol: "MNQ", Side: Buy, Qty: 1, Type: Limit, LimitPrice: 15010, TIF: Day,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, resp.Status)
}

func TestCancelRestingOrder(t *testing.T) {
	p := newPaper()
	ctx := context.Background()
	p.SetPrice("MNQ", 15000)
	resp, err := p.Submit(ctx, OrderRequest{
		Symbol: "MNQ", Side: Buy, Qty: 1, Type: Limit, LimitPrice: 14990, TIF: Day,
	})
	require.NoError(t, err)

	require.NoError(t, p.Cancel(ctx, resp.BrokerOrderID))
	open, _ := p.GetOpenOrders(ctx)
	assert.Empty(t, open)

	// A canceled order no longer fills.
	p.SetPrice("MNQ", 14980)
	fills, _ := p.GetFills(ctx, time.Time{})
	assert.Empty(t, fills)

	assert.Error(t, p.Cancel(ctx, resp.BrokerOrderID))
	assert.Error(t, p.Cancel(ctx, "SIM-999"))
}

func TestPositionAveraging(t *testing.T) {
	p := newPaper()
	ctx := context.Background()
	p.SetPrice("MNQ", 15000)
	_, err := p.Submit(ctx, OrderRequest{Symbol: "MNQ", Side: Buy, Qty: 1, Type: Limit, LimitPrice: 15000, TIF: Day})
	require.NoError(t, err)
	p.SetPrice("MNQ", 14900)
	_, err = p.Submit(ctx, OrderRequest{Symbol: "MNQ", Side: Buy, Qty: 1, Type: Limit, LimitPrice: 14900, TIF: Day})
	require.NoError(t, err)

	positions, err := p.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 2.0, positions[0].Qty)
	assert.Equal(t, 14950.0, positions[0].AvgPrice)
	assert.Equal(t, Buy, positions[0].Side)
	// Price at 14900, avg 14950: down 50 pts * 2 lots * $2 = -$200.
	assert.InDelta(t, -200.0, positions[0].UnrealizedPnL, 0.01)
}

func TestPositionClosesToFlat(t *testing.T) {
	p := newPaper()
	ctx := context.Background()
	p.SetPrice("MNQ", 15000)
	_, _ = p.Submit(ctx, OrderRequest{Symbol: "MNQ", Side: Buy, Qty: 2, Type: Limit, LimitPrice: 15000, TIF: Day})
	_, _ = p.Submit(ctx, OrderRequest{Symbol: "MNQ", Side: Sell, Qty: 2, Type: Limit, LimitPrice: 15000, TIF: Day})

	positions, err := p.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestShortPosition(t *testing.T) {
	p := newPaper()
	ctx := context.Background()
	p.SetPrice("MNQ", 15000)
	_, _ = p.Submit(ctx, OrderRequest{Symbol: "MNQ", Side: Sell, Qty: 1, Type: Limit, LimitPrice: 15000, TIF: Day})

	positions, err := p.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, -1.0, positions[0].Qty)
	assert.Equal(t, Sell, positions[0].Side)
}

func TestGetFillsSince(t *testing.T) {
	p := newPaper()
	ctx := context.Background()
	p.SetPrice("MNQ", 15000)
	_, _ = p.Submit(ctx, OrderRequest{Symbol: "MNQ", Side: Buy, Qty: 1, Type: Market, TIF: Day})

	cutoff := time.Now().Add(time.Minute)
	fills, err := p.GetFills(ctx, cutoff)
	require.NoError(t, err)
	assert.Empty(t, fills)

	fills, err = p.GetFills(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, fills, 1)
}

func TestFillIDsAreUnique(t *testing.T) {
	p := newPaper()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = p.Submit(ctx, OrderRequest{Symbol: "MNQ", Side: Buy, Qty: 1, Type: Market, TIF: Day})
	}
	fills, _ := p.GetFills(ctx, time.Time{})
	require.Len(t, fills, 3)
	seen := map[string]bool{}
	for _, f := range fills {
		key := f.BrokerOrderID + "/" + f.FillID
		assert.False(t, seen[key])
		seen[key] = true
	}
}
