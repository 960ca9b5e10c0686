package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/gearbox/internal/broker"
	"github.com/sawpanic/gearbox/internal/circuit"
	"github.com/sawpanic/gearbox/internal/domain"
	"github.com/sawpanic/gearbox/internal/instruments"
	"github.com/sawpanic/gearbox/internal/metrics"
	"github.com/sawpanic/gearbox/internal/store"
)

// OrderState is the local order lifecycle.
type OrderState string

const (
	StateInit            OrderState = "INIT"
	StateSubmitted       OrderState = "SUBMITTED"
	StatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	StateFilled          OrderState = "FILLED"
	StateManaged         OrderState = "MANAGED"
	StateClosed          OrderState = "CLOSED"
)

// PlaceResult is the outcome of a signal placement. Placed=false with a
// Reason is a structured rejection, not a fault.
type PlaceResult struct {
	Placed  bool   `json:"placed"`
	OrderID string `json:"order_id,omitempty"`
	TradeID int64  `json:"trade_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// FlattenOutcome reports one step of a flatten-all sweep.
type FlattenOutcome struct {
	Symbol  string `json:"symbol,omitempty"`
	OrderID string `json:"order_id,omitempty"`
	Action  string `json:"action"` // close, cancel
	OK      bool   `json:"ok"`
	Detail  string `json:"detail,omitempty"`
}

// EngineConfig tunes the execution engine.
type EngineConfig struct {
	ReconcileLookback time.Duration `yaml:"reconcile_lookback"` // Default: 24h
}

// DefaultEngineConfig returns standard engine settings.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{ReconcileLookback: 24 * time.Hour}
}

// UnmarshalYAML accepts reconcile_lookback as a duration string
// ("24h"). An absent key keeps the current value.
func (c *EngineConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ReconcileLookback *string `yaml:"reconcile_lookback"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.ReconcileLookback != nil {
		d, err := time.ParseDuration(*raw.ReconcileLookback)
		if err != nil {
			return fmt.Errorf("reconcile_lookback: %w", err)
		}
		c.ReconcileLookback = d
	}
	return nil
}

type trackedOrder struct {
	resp        broker.OrderResponse
	state       OrderState
	tradeID     int64
	requested   float64
	filled      float64
	submittedAt time.Time
	orphan      bool
	bracketed   bool
}

// Engine runs the order lifecycle state machine. Broker submissions go
// through the circuit breaker; fill application is idempotent via the
// seen set, so live fills and reconcile replays have identical effects.
type Engine struct {
	mu      sync.Mutex
	cfg     EngineConfig
	broker  broker.Adapter
	breaker *circuit.Breaker
	guard   *Guard
	seen    SeenSet
	db      store.Store
	specs   *instruments.Service
	orders  map[string]*trackedOrder
}

// NewEngine wires the engine. db may be nil in tests; breaker must not
// be.
func NewEngine(cfg EngineConfig, b broker.Adapter, brk *circuit.Breaker, guard *Guard, seen SeenSet, db store.Store, specs *instruments.Service) *Engine {
	if cfg.ReconcileLookback <= 0 {
		cfg.ReconcileLookback = 24 * time.Hour
	}
	return &Engine{
		cfg:     cfg,
		broker:  b,
		breaker: brk,
		guard:   guard,
		seen:    seen,
		db:      db,
		specs:   specs,
		orders:  make(map[string]*trackedOrder),
	}
}

// PlaceSignal validates and submits one sized signal. Rejections come
// back as PlaceResult; only internal faults return an error.
func (e *Engine) PlaceSignal(ctx context.Context, sig *domain.Signal, gearAtEntry string, riskDollars float64) (PlaceResult, error) {
	if sig.Contracts <= 0 {
		return PlaceResult{Reason: "signal has no contracts"}, nil
	}

	tickSize := 0.25
	if e.specs != nil {
		if ts, err := e.specs.TickSize(sig.Symbol); err == nil {
			tickSize = ts
		}
	}

	quote, err := e.broker.GetBidAsk(ctx, sig.Symbol)
	if err != nil {
		return PlaceResult{Reason: fmt.Sprintf("quote unavailable: %v", err)}, nil
	}
	check := e.guard.Validate(GuardInput{
		SpreadTicks: quote.SpreadTicks(tickSize),
		OrderSize:   sig.Contracts,
	})
	if !check.Approved {
		log.Warn().Str("reason", check.Reason).Msg("execution blocked by guard")
		return PlaceResult{Reason: check.Reason}, nil
	}

	open, err := e.broker.IsMarketOpen(ctx, sig.Symbol)
	if err != nil {
		return PlaceResult{Reason: fmt.Sprintf("market status unavailable: %v", err)}, nil
	}
	if !open {
		return PlaceResult{Reason: fmt.Sprintf("market closed for %s", sig.Symbol)}, nil
	}

	req := broker.OrderRequest{
		Symbol:        sig.Symbol,
		Qty:           float64(sig.Contracts),
		TIF:           broker.Day,
		ClientOrderID: uuid.NewString(),
	}
	if sig.Direction == domain.Long {
		req.Side = broker.Buy
	} else {
		req.Side = broker.Sell
	}
	if check.OrderType == "MARKET" {
		req.Type = broker.Market
	} else {
		// LIMIT and POST_ONLY both rest at the signal entry price.
		req.Type = broker.Limit
		req.LimitPrice = sig.Entry
	}

	var resp broker.OrderResponse
	err = e.breaker.Call(ctx, func(ctx context.Context) error {
		r, err := e.broker.Submit(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		if r.Status == broker.StatusRejected {
			// Counts toward the breaker's failure threshold.
			return fmt.Errorf("%w: %s", broker.ErrBrokerRejected, r.Reason)
		}
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, broker.ErrBrokerRejected):
			log.Error().Str("reason", resp.Reason).Msg("order rejected by broker")
			return PlaceResult{Reason: fmt.Sprintf("broker rejected: %s", resp.Reason)}, nil
		case errors.Is(err, circuit.ErrOpen):
			return PlaceResult{Reason: err.Error()}, nil
		default:
			return PlaceResult{Reason: fmt.Sprintf("submit failed: %v", err)}, nil
		}
	}

	now := time.Now()
	var tradeID int64
	if e.db != nil {
		tradeID, err = e.db.LogTrade(ctx, store.TradeEntry{
			Symbol:       sig.Symbol,
			Direction:    string(sig.Direction),
			EntryPrice:   sig.Entry,
			StopPrice:    sig.Stop,
			TargetPrice:  sig.Target,
			Contracts:    sig.Contracts,
			Strategy:     sig.Strategy,
			Regime:       sig.Regime,
			GearAtEntry:  gearAtEntry,
			Confidence:   sig.Confidence,
			OrderID:      resp.BrokerOrderID,
			RiskDollars:  riskDollars,
			EnteredAt:    now,
			TriggerNotes: sig.Notes,
		})
		if err != nil && !errors.Is(err, store.ErrDuplicate) {
			log.Error().Err(err).Msg("failed to journal trade entry")
		}
	}

	e.mu.Lock()
	e.orders[resp.BrokerOrderID] = &trackedOrder{
		resp:        resp,
		state:       StateSubmitted,
		tradeID:     tradeID,
		requested:   req.Qty,
		submittedAt: now,
	}
	e.mu.Unlock()

	metrics.OrdersSubmitted.WithLabelValues(sig.Symbol, string(req.Side)).Inc()
	log.Info().
		Str("broker_order_id", resp.BrokerOrderID).
		Str("side", string(req.Side)).
		Float64("qty", req.Qty).
		Str("symbol", sig.Symbol).
		Int64("trade_id", tradeID).
		Msg("order placed")

	// Synchronous brokers report fills in the same call.
	if resp.Status == broker.StatusFilled || resp.Status == broker.StatusPartiallyFilled {
		if fills, ferr := e.broker.GetFills(ctx, now.Add(-time.Second)); ferr == nil {
			for _, f := range fills {
				if f.BrokerOrderID == resp.BrokerOrderID {
					if aerr := e.ApplyFill(ctx, f); aerr != nil {
						log.Error().Err(aerr).Msg("failed to apply immediate fill")
					}
				}
			}
		}
	}

	return PlaceResult{Placed: true, OrderID: resp.BrokerOrderID, TradeID: tradeID}, nil
}

// ApplyFill applies one execution report exactly once. A fill whose key
// has already been seen is a silent no-op.
func (e *Engine) ApplyFill(ctx context.Context, f broker.Fill) error {
	key := FillKey{BrokerOrderID: f.BrokerOrderID, FillID: f.FillID}
	added, err := e.seen.Add(key)
	if err != nil {
		return fmt.Errorf("fill idempotency check: %w", err)
	}
	if !added {
		metrics.DuplicateFills.Inc()
		log.Debug().Str("fill_key", key.String()).Msg("duplicate fill ignored")
		return nil
	}
	metrics.FillsApplied.Inc()

	e.mu.Lock()
	defer e.mu.Unlock()

	ord, ok := e.orders[f.BrokerOrderID]
	if !ok {
		log.Warn().Str("broker_order_id", f.BrokerOrderID).Msg("fill for untracked order")
		return nil
	}
	ord.filled += f.Qty
	switch {
	case ord.filled < ord.requested:
		ord.state = StatePartiallyFilled
	case ord.bracketed:
		ord.state = StateManaged
	default:
		// Stays FILLED until in-trade management attaches a bracket.
		ord.state = StateFilled
	}

	log.Info().
		Str("broker_order_id", f.BrokerOrderID).
		Str("fill_id", f.FillID).
		Float64("qty", f.Qty).
		Float64("price", f.AvgPrice).
		Str("state", string(ord.state)).
		Msg("fill applied")
	return nil
}

// MarkManaged attaches in-trade management to a tracked order. A
// fully filled order is promoted to MANAGED immediately; a resting one
// is promoted by the completing fill.
func (e *Engine) MarkManaged(brokerOrderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ord, ok := e.orders[brokerOrderID]
	if !ok {
		return
	}
	ord.bracketed = true
	if ord.state == StateFilled {
		ord.state = StateManaged
	}
}

// CloseTrade journals the exit for a tracked order and retires it from
// the local order table.
func (e *Engine) CloseTrade(ctx context.Context, brokerOrderID string, exit store.TradeExit) error {
	e.mu.Lock()
	ord, ok := e.orders[brokerOrderID]
	if ok {
		delete(e.orders, brokerOrderID)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("order %s not tracked", brokerOrderID)
	}
	if e.db != nil && ord.tradeID > 0 {
		if err := e.db.UpdateTradeExit(ctx, ord.tradeID, exit); err != nil {
			return fmt.Errorf("failed to journal trade exit: %w", err)
		}
	}
	log.Info().
		Str("broker_order_id", brokerOrderID).
		Str("state", string(StateClosed)).
		Float64("pnl_r", exit.PnLR).
		Str("exit_reason", exit.ExitReason).
		Msg("trade closed")
	return nil
}

// Reconcile restores local state from the broker after a crash: orphan
// orders are adopted as SUBMITTED and unseen fills are replayed through
// the normal fill path. Any fetch failure is fatal to boot.
func (e *Engine) Reconcile(ctx context.Context) error {
	log.Info().Msg("starting reconciliation")

	orders, err := e.broker.GetOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: fetch open orders: %w", err)
	}
	adopted := 0
	e.mu.Lock()
	for _, resp := range orders {
		if _, ok := e.orders[resp.BrokerOrderID]; ok {
			continue
		}
		e.orders[resp.BrokerOrderID] = &trackedOrder{
			resp:        resp,
			state:       StateSubmitted,
			requested:   resp.Qty,
			submittedAt: resp.Timestamp,
			orphan:      true,
		}
		adopted++
		log.Warn().Str("broker_order_id", resp.BrokerOrderID).Msg("adopted orphaned order")
	}
	e.mu.Unlock()

	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: fetch positions: %w", err)
	}
	for _, p := range positions {
		log.Info().
			Str("symbol", p.Symbol).
			Float64("qty", p.Qty).
			Float64("avg_price", p.AvgPrice).
			Msg("position reconciled")
	}

	fills, err := e.broker.GetFills(ctx, time.Now().Add(-e.cfg.ReconcileLookback))
	if err != nil {
		return fmt.Errorf("reconcile: fetch fills: %w", err)
	}
	replayed := 0
	for _, f := range fills {
		before := e.stateOf(f.BrokerOrderID)
		if err := e.ApplyFill(ctx, f); err != nil {
			return fmt.Errorf("reconcile: replay fill %s/%s: %w", f.BrokerOrderID, f.FillID, err)
		}
		if e.stateOf(f.BrokerOrderID) != before {
			replayed++
		}
	}

	log.Info().
		Int("orders_adopted", adopted).
		Int("positions", len(positions)).
		Int("fills_seen", len(fills)).
		Int("fills_replayed", replayed).
		Msg("reconciliation complete")

	if e.db != nil {
		summary, _ := json.Marshal(map[string]any{
			"at":             time.Now().UTC(),
			"orders_adopted": adopted,
			"positions":      len(positions),
			"fills_seen":     len(fills),
			"fills_replayed": replayed,
		})
		if err := e.db.SaveSystemState(ctx, "last_reconcile", summary); err != nil {
			log.Error().Err(err).Msg("failed to record reconciliation")
		}
	}
	return nil
}

func (e *Engine) stateOf(brokerOrderID string) OrderState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ord, ok := e.orders[brokerOrderID]; ok {
		return ord.state
	}
	return StateInit
}

// FlattenAll closes every position and cancels every open order.
// Best-effort and non-transactional: each step is independent and
// failures do not stop the sweep.
func (e *Engine) FlattenAll(ctx context.Context, reason string) []FlattenOutcome {
	log.Warn().Str("reason", reason).Msg("flattening all positions")
	var outcomes []FlattenOutcome

	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		outcomes = append(outcomes, FlattenOutcome{Action: "close", OK: false,
			Detail: fmt.Sprintf("fetch positions: %v", err)})
	}
	for _, p := range positions {
		qty := p.Qty
		if qty < 0 {
			qty = -qty
		}
		resp, err := e.broker.Submit(ctx, broker.OrderRequest{
			Symbol:        p.Symbol,
			Side:          p.Side.Opposite(),
			Qty:           qty,
			Type:          broker.Market,
			TIF:           broker.ImmediateOrCancel,
			ClientOrderID: "flatten-" + uuid.NewString(),
		})
		outcome := FlattenOutcome{Symbol: p.Symbol, Action: "close"}
		switch {
		case err != nil:
			outcome.Detail = err.Error()
		case resp.Status == broker.StatusRejected:
			outcome.Detail = resp.Reason
		default:
			outcome.OK = true
			outcome.OrderID = resp.BrokerOrderID
		}
		outcomes = append(outcomes, outcome)
	}

	open, err := e.broker.GetOpenOrders(ctx)
	if err != nil {
		outcomes = append(outcomes, FlattenOutcome{Action: "cancel", OK: false,
			Detail: fmt.Sprintf("fetch open orders: %v", err)})
	}
	for _, o := range open {
		outcome := FlattenOutcome{OrderID: o.BrokerOrderID, Action: "cancel"}
		if err := e.broker.Cancel(ctx, o.BrokerOrderID); err != nil {
			outcome.Detail = err.Error()
		} else {
			outcome.OK = true
			e.mu.Lock()
			delete(e.orders, o.BrokerOrderID)
			e.mu.Unlock()
		}
		outcomes = append(outcomes, outcome)
	}

	for _, o := range outcomes {
		log.Info().
			Str("action", o.Action).
			Str("symbol", o.Symbol).
			Str("order_id", o.OrderID).
			Bool("ok", o.OK).
			Str("detail", o.Detail).
			Msg("flatten step")
	}
	return outcomes
}

// SweepStaleOrders cancels resting orders the guard considers stale.
func (e *Engine) SweepStaleOrders(ctx context.Context, now time.Time) int {
	e.mu.Lock()
	var stale []string
	for id, ord := range e.orders {
		if ord.state != StateSubmitted && ord.state != StatePartiallyFilled {
			continue
		}
		fillPct := 0.0
		if ord.requested > 0 {
			fillPct = ord.filled / ord.requested
		}
		if e.guard.ShouldCancel(now.Sub(ord.submittedAt), fillPct) {
			stale = append(stale, id)
		}
	}
	e.mu.Unlock()

	canceled := 0
	for _, id := range stale {
		if err := e.broker.Cancel(ctx, id); err != nil {
			log.Error().Err(err).Str("broker_order_id", id).Msg("stale order cancel failed")
			continue
		}
		e.mu.Lock()
		delete(e.orders, id)
		e.mu.Unlock()
		canceled++
	}
	return canceled
}

// OrderState returns the tracked lifecycle state for an order id.
func (e *Engine) OrderState(brokerOrderID string) (OrderState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ord, ok := e.orders[brokerOrderID]
	if !ok {
		return StateInit, false
	}
	return ord.state, true
}

// TrackedOrders returns the number of orders in local state.
func (e *Engine) TrackedOrders() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.orders)
}
