package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/gearbox/internal/instruments"
)

// PaperConfig tunes the simulated execution model.
type PaperConfig struct {
	SlippageTicks    float64 `yaml:"slippage_ticks"`
	TickSize         float64 `yaml:"tick_size"`
	CommissionPerLot float64 `yaml:"commission_per_lot"`
}

// DefaultPaperConfig returns the standard simulation parameters.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		SlippageTicks:    0.5,
		TickSize:         0.25,
		CommissionPerLot: 0.50,
	}
}

type paperPosition struct {
	qty      decimal.Decimal // signed, negative = short
	avgPrice decimal.Decimal
}

type restingOrder struct {
	req  OrderRequest
	resp *OrderResponse
}

// Paper is a deterministic in-memory broker: market orders fill
// instantly at price plus slippage, limit orders rest until SetPrice
// moves through them. The position ledger uses decimal arithmetic so
// repeated partial entries never drift the average price.
type Paper struct {
	mu        sync.Mutex
	cfg       PaperConfig
	specs     *instruments.Service
	orders    map[string]*OrderResponse
	resting   map[string]restingOrder
	fills     []Fill
	positions map[string]*paperPosition
	prices    map[string]float64
	open      bool
	seq       int
	fillSeq   int
}

// NewPaper builds a paper broker. specs may be nil; unrealized PnL then
// assumes a $2 point value.
func NewPaper(cfg PaperConfig, specs *instruments.Service) *Paper {
	if cfg.TickSize <= 0 {
		cfg.TickSize = 0.25
	}
	return &Paper{
		cfg:       cfg,
		specs:     specs,
		orders:    make(map[string]*OrderResponse),
		resting:   make(map[string]restingOrder),
		positions: make(map[string]*paperPosition),
		prices:    map[string]float64{"MNQ": 15000.0},
		open:      true,
	}
}

func (p *Paper) Name() string { return "paper" }

// SetMarketOpen toggles the simulated market state.
func (p *Paper) SetMarketOpen(open bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = open
}

// SetPrice moves the simulated market and fills any resting limit
// orders the new price satisfies.
func (p *Paper) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
	for id, ro := range p.resting {
		if ro.req.Symbol != symbol || !limitSatisfied(ro.req, price) {
			continue
		}
		p.recordFill(id, ro.req, ro.req.LimitPrice)
		ro.resp.Status = StatusFilled
		delete(p.resting, id)
	}
}

func (p *Paper) IsMarketOpen(_ context.Context, _ string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open, nil
}

func (p *Paper) GetPrice(_ context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.price(symbol), nil
}

func (p *Paper) price(symbol string) float64 {
	if px, ok := p.prices[symbol]; ok {
		return px
	}
	return 15000.0
}

func (p *Paper) GetBidAsk(_ context.Context, symbol string) (Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	px := p.price(symbol)
	return Quote{
		Symbol:    symbol,
		Bid:       px - p.cfg.TickSize,
		Ask:       px + p.cfg.TickSize,
		Last:      px,
		Timestamp: time.Now(),
	}, nil
}

func (p *Paper) Submit(_ context.Context, req OrderRequest) (OrderResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	brokerID := fmt.Sprintf("SIM-%d", p.seq)
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = brokerID
	}
	resp := OrderResponse{
		ClientOrderID: clientID,
		BrokerOrderID: brokerID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Qty:           req.Qty,
		Timestamp:     time.Now(),
	}

	if !p.open {
		resp.Status = StatusRejected
		resp.Reason = "market closed"
		return resp, nil
	}
	if req.Qty <= 0 {
		resp.Status = StatusRejected
		resp.Reason = "quantity must be positive"
		return resp, nil
	}

	px := p.price(req.Symbol)
	switch req.Type {
	case Market:
		resp.Status = StatusFilled
		fillPx := p.slip(req.Side, px)
		p.orders[brokerID] = &resp
		p.recordFill(brokerID, req, fillPx)
	case Limit:
		if limitSatisfied(req, px) {
			resp.Status = StatusFilled
			p.orders[brokerID] = &resp
			p.recordFill(brokerID, req, req.LimitPrice)
		} else {
			resp.Status = StatusPendingNew
			p.orders[brokerID] = &resp
			p.resting[brokerID] = restingOrder{req: req, resp: &resp}
		}
	default:
		resp.Status = StatusRejected
		resp.Reason = fmt.Sprintf("order type %s not supported", req.Type)
		return resp, nil
	}

	log.Info().
		Str("broker_order_id", brokerID).
		Str("side", string(req.Side)).
		Float64("qty", req.Qty).
		Str("symbol", req.Symbol).
		Str("status", string(resp.Status)).
		Msg("paper order submitted")
	return resp, nil
}

// slip worsens the fill price against the taker.
func (p *Paper) slip(side Side, px float64) float64 {
	adj := p.cfg.SlippageTicks * p.cfg.TickSize
	if side == Buy {
		return px + adj
	}
	return px - adj
}

func limitSatisfied(req OrderRequest, px float64) bool {
	if req.Type != Limit || req.LimitPrice <= 0 {
		return false
	}
	if req.Side == Buy {
		return px <= req.LimitPrice
	}
	return px >= req.LimitPrice
}

func (p *Paper) recordFill(brokerID string, req OrderRequest, fillPx float64) {
	p.fillSeq++
	fill := Fill{
		BrokerOrderID: brokerID,
		FillID:        fmt.Sprintf("F-%d", p.fillSeq),
		Symbol:        req.Symbol,
		Side:          req.Side,
		Qty:           req.Qty,
		AvgPrice:      fillPx,
		Commission:    req.Qty * p.cfg.CommissionPerLot,
		Timestamp:     time.Now(),
	}
	p.fills = append(p.fills, fill)
	p.applyToLedger(req.Symbol, req.Side, req.Qty, fillPx)
}

// applyToLedger updates the signed position with decimal arithmetic.
func (p *Paper) applyToLedger(symbol string, side Side, qty, price float64) {
	pos, ok := p.positions[symbol]
	if !ok {
		pos = &paperPosition{}
		p.positions[symbol] = pos
	}

	dq := decimal.NewFromFloat(qty)
	if side == Sell {
		dq = dq.Neg()
	}
	dpx := decimal.NewFromFloat(price)

	newQty := pos.qty.Add(dq)
	switch {
	case pos.qty.IsZero():
		pos.avgPrice = dpx
	case pos.qty.Sign() == dq.Sign():
		// Adding to the position: volume-weighted average price.
		cost := pos.qty.Abs().Mul(pos.avgPrice).Add(dq.Abs().Mul(dpx))
		pos.avgPrice = cost.Div(newQty.Abs())
	case newQty.IsZero():
		pos.avgPrice = decimal.Zero
	case pos.qty.Sign() != newQty.Sign():
		// Flipped through flat: remainder opens at the fill price.
		pos.avgPrice = dpx
	}
	// Reducing without flipping keeps the average price.
	pos.qty = newQty
}

func (p *Paper) Cancel(_ context.Context, brokerOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	resp, ok := p.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("order %s not found", brokerOrderID)
	}
	if !resp.Status.Open() {
		return fmt.Errorf("order %s is %s, cannot cancel", brokerOrderID, resp.Status)
	}
	resp.Status = StatusCanceled
	delete(p.resting, brokerOrderID)
	log.Info().Str("broker_order_id", brokerOrderID).Msg("paper order canceled")
	return nil
}

func (p *Paper) GetOpenOrders(_ context.Context) ([]OrderResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []OrderResponse
	for _, resp := range p.orders {
		if resp.Status.Open() {
			out = append(out, *resp)
		}
	}
	return out, nil
}

func (p *Paper) GetPositions(_ context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Position
	for symbol, pos := range p.positions {
		if pos.qty.IsZero() {
			continue
		}
		qty, _ := pos.qty.Float64()
		avg, _ := pos.avgPrice.Float64()
		side := Buy
		if qty < 0 {
			side = Sell
		}
		out = append(out, Position{
			Symbol:        symbol,
			Qty:           qty,
			AvgPrice:      avg,
			UnrealizedPnL: p.unrealized(symbol, pos),
			Side:          side,
		})
	}
	return out, nil
}

func (p *Paper) unrealized(symbol string, pos *paperPosition) float64 {
	pointValue := 2.0
	if p.specs != nil {
		if pv, err := p.specs.PointValue(symbol); err == nil {
			pointValue = pv
		}
	}
	px := decimal.NewFromFloat(p.price(symbol))
	pnl := px.Sub(pos.avgPrice).Mul(pos.qty).Mul(decimal.NewFromFloat(pointValue))
	f, _ := pnl.Float64()
	return f
}

func (p *Paper) GetFills(_ context.Context, since time.Time) ([]Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Fill
	for _, f := range p.fills {
		if !f.Timestamp.Before(since) {
			out = append(out, f)
		}
	}
	return out, nil
}
