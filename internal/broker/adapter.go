package broker

import (
	"context"
	"errors"
	"time"
)

// ErrBrokerRejected is returned by Submit when the broker explicitly
// rejects an order. Callers treat it as a structured rejection; the
// circuit breaker counts it toward its failure threshold.
var ErrBrokerRejected = errors.New("broker rejected order")

// Adapter is the single broker contract. Every method takes a context
// and may block on the network; implementations backed by synchronous
// client libraries wrap themselves with Shim rather than exposing a
// second interface.
type Adapter interface {
	Name() string
	IsMarketOpen(ctx context.Context, symbol string) (bool, error)
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetBidAsk(ctx context.Context, symbol string) (Quote, error)
	Submit(ctx context.Context, req OrderRequest) (OrderResponse, error)
	Cancel(ctx context.Context, brokerOrderID string) error
	GetOpenOrders(ctx context.Context) ([]OrderResponse, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetFills(ctx context.Context, since time.Time) ([]Fill, error)
}
