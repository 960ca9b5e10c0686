// Package broker defines the broker adapter contract and the order,
// fill, and position types shared by every adapter implementation.
package broker

import "time"

// Side is the order direction.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the offsetting side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType is the broker order type.
type OrderType string

const (
	Market    OrderType = "MKT"
	Limit     OrderType = "LMT"
	Stop      OrderType = "STP"
	StopLimit OrderType = "STP_LMT"
)

// TimeInForce controls how long an order stays working.
type TimeInForce string

const (
	Day               TimeInForce = "DAY"
	GoodTillCancel    TimeInForce = "GTC"
	ImmediateOrCancel TimeInForce = "IOC"
	FillOrKill        TimeInForce = "FOK"
)

// OrderStatus is the broker-reported order state.
type OrderStatus string

const (
	StatusAccepted        OrderStatus = "ACCEPTED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusPendingNew      OrderStatus = "PENDING_NEW"
	StatusFilled          OrderStatus = "FILLED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
)

// Open reports whether the order is still working at the broker.
func (s OrderStatus) Open() bool {
	return s == StatusPendingNew || s == StatusAccepted || s == StatusPartiallyFilled
}

// OrderRequest is one order submission.
type OrderRequest struct {
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Qty           float64     `json:"qty"`
	Type          OrderType   `json:"order_type"`
	LimitPrice    float64     `json:"limit_price,omitempty"`
	StopPrice     float64     `json:"stop_price,omitempty"`
	TIF           TimeInForce `json:"tif"`
	ClientOrderID string      `json:"client_order_id,omitempty"`
}

// OrderResponse is the broker's acknowledgment of a submission.
type OrderResponse struct {
	ClientOrderID string      `json:"client_order_id"`
	BrokerOrderID string      `json:"broker_order_id"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Qty           float64     `json:"qty"`
	Status        OrderStatus `json:"status"`
	Reason        string      `json:"reason,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// Fill is one execution report. FillID disambiguates partial fills of
// the same order; together with BrokerOrderID it is the idempotency key.
type Fill struct {
	BrokerOrderID string    `json:"broker_order_id"`
	FillID        string    `json:"fill_id"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Qty           float64   `json:"filled_qty"`
	AvgPrice      float64   `json:"avg_price"`
	Commission    float64   `json:"commission"`
	Timestamp     time.Time `json:"timestamp"`
}

// Position is one open position at the broker.
type Position struct {
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty"` // signed: negative = short
	AvgPrice      float64 `json:"avg_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Side          Side    `json:"side"`
}

// Quote is a bid/ask snapshot.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Timestamp time.Time `json:"timestamp"`
}

// Mid returns the midpoint price.
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// SpreadTicks returns the bid/ask spread in ticks of the given size.
func (q Quote) SpreadTicks(tickSize float64) float64 {
	if tickSize <= 0 {
		return 0
	}
	return (q.Ask - q.Bid) / tickSize
}
