package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSyncClient is a blocking client with canned responses. block, when
// set, holds every call open until the channel closes.
type fakeSyncClient struct {
	block     chan struct{}
	submitted []OrderRequest
	canceled  []string
}

func (f *fakeSyncClient) wait() {
	if f.block != nil {
		<-f.block
	}
}

func (f *fakeSyncClient) Name() string { return "fake-sync" }

func (f *fakeSyncClient) IsMarketOpen(string) (bool, error) {
	f.wait()
	return true, nil
}

func (f *fakeSyncClient) GetPrice(string) (float64, error) {
	f.wait()
	return 15000, nil
}

func (f *fakeSyncClient) GetBidAsk(symbol string) (Quote, error) {
	f.wait()
	return Quote{Symbol: symbol, Bid: 14999.75, Ask: 15000.25, Last: 15000}, nil
}

func (f *fakeSyncClient) Submit(req OrderRequest) (OrderResponse, error) {
	f.wait()
	f.submitted = append(f.submitted, req)
	return OrderResponse{
		ClientOrderID: req.ClientOrderID,
		BrokerOrderID: "B-1",
		Status:        StatusAccepted,
		Timestamp:     time.Now(),
	}, nil
}

func (f *fakeSyncClient) Cancel(brokerOrderID string) error {
	f.wait()
	f.canceled = append(f.canceled, brokerOrderID)
	return nil
}

func (f *fakeSyncClient) GetOpenOrders() ([]OrderResponse, error) {
	f.wait()
	return []OrderResponse{{BrokerOrderID: "B-1", Status: StatusAccepted}}, nil
}

func (f *fakeSyncClient) GetPositions() ([]Position, error) {
	f.wait()
	return nil, nil
}

func (f *fakeSyncClient) GetFills(time.Time) ([]Fill, error) {
	f.wait()
	return []Fill{{BrokerOrderID: "B-1", FillID: "F-1", Qty: 1}}, nil
}

func TestShimSubmitCancelRoundTrip(t *testing.T) {
	fake := &fakeSyncClient{}
	var adapter Adapter = Wrap(fake)
	ctx := context.Background()

	resp, err := adapter.Submit(ctx, OrderRequest{
		Symbol: "MNQ", Side: Buy, Qty: 1, Type: Market, ClientOrderID: "C-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "B-1", resp.BrokerOrderID)
	assert.Equal(t, "C-1", resp.ClientOrderID)
	require.Len(t, fake.submitted, 1)
	assert.Equal(t, "MNQ", fake.submitted[0].Symbol)

	require.NoError(t, adapter.Cancel(ctx, resp.BrokerOrderID))
	assert.Equal(t, []string{"B-1"}, fake.canceled)
}

func TestShimQueriesPassThrough(t *testing.T) {
	adapter := Wrap(&fakeSyncClient{})
	ctx := context.Background()

	assert.Equal(t, "fake-sync", adapter.Name())

	open, err := adapter.IsMarketOpen(ctx, "MNQ")
	require.NoError(t, err)
	assert.True(t, open)

	px, err := adapter.GetPrice(ctx, "MNQ")
	require.NoError(t, err)
	assert.Equal(t, 15000.0, px)

	q, err := adapter.GetBidAsk(ctx, "MNQ")
	require.NoError(t, err)
	assert.Equal(t, 14999.75, q.Bid)
	assert.Equal(t, 15000.25, q.Ask)

	orders, err := adapter.GetOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)

	fills, err := adapter.GetFills(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, "F-1", fills[0].FillID)
}

func TestShimHonorsContextCancellation(t *testing.T) {
	fake := &fakeSyncClient{block: make(chan struct{})}
	defer close(fake.block)
	adapter := Wrap(fake)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := adapter.GetPrice(ctx, "MNQ")
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("shim did not return after cancellation")
	}
}
