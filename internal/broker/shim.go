package broker

import (
	"context"
	"time"
)

// SyncClient is the shape of a synchronous broker client library: plain
// blocking calls with no context support.
type SyncClient interface {
	Name() string
	IsMarketOpen(symbol string) (bool, error)
	GetPrice(symbol string) (float64, error)
	GetBidAsk(symbol string) (Quote, error)
	Submit(req OrderRequest) (OrderResponse, error)
	Cancel(brokerOrderID string) error
	GetOpenOrders() ([]OrderResponse, error)
	GetPositions() ([]Position, error)
	GetFills(since time.Time) ([]Fill, error)
}

// Shim adapts a SyncClient to the Adapter interface by running each
// blocking call in its own goroutine and honoring context cancellation.
// A canceled call's goroutine is left to finish in the background; the
// client library owns any cleanup of its abandoned request.
type Shim struct {
	c SyncClient
}

// Wrap returns an Adapter backed by the synchronous client.
func Wrap(c SyncClient) *Shim {
	return &Shim{c: c}
}

func (s *Shim) Name() string { return s.c.Name() }

// call runs fn on a goroutine and waits for it or the context.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (s *Shim) IsMarketOpen(ctx context.Context, symbol string) (bool, error) {
	return call(ctx, func() (bool, error) { return s.c.IsMarketOpen(symbol) })
}

func (s *Shim) GetPrice(ctx context.Context, symbol string) (float64, error) {
	return call(ctx, func() (float64, error) { return s.c.GetPrice(symbol) })
}

func (s *Shim) GetBidAsk(ctx context.Context, symbol string) (Quote, error) {
	return call(ctx, func() (Quote, error) { return s.c.GetBidAsk(symbol) })
}

func (s *Shim) Submit(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	return call(ctx, func() (OrderResponse, error) { return s.c.Submit(req) })
}

func (s *Shim) Cancel(ctx context.Context, brokerOrderID string) error {
	_, err := call(ctx, func() (struct{}, error) {
		return struct{}{}, s.c.Cancel(brokerOrderID)
	})
	return err
}

func (s *Shim) GetOpenOrders(ctx context.Context) ([]OrderResponse, error) {
	return call(ctx, func() ([]OrderResponse, error) { return s.c.GetOpenOrders() })
}

func (s *Shim) GetPositions(ctx context.Context) ([]Position, error) {
	return call(ctx, func() ([]Position, error) { return s.c.GetPositions() })
}

func (s *Shim) GetFills(ctx context.Context, since time.Time) ([]Fill, error) {
	return call(ctx, func() ([]Fill, error) { return s.c.GetFills(since) })
}
