package execution

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/gearbox/internal/domain"
)

// TrailMode selects the trailing stop algorithm.
type TrailMode string

const (
	TrailBreakEven TrailMode = "break_even"
	TrailATR       TrailMode = "atr_trail"
)

// TrailConfig tunes trailing stop behavior.
type TrailConfig struct {
	Mode          TrailMode `yaml:"mode"`
	ATRMultiplier float64   `yaml:"atr_multiplier"`  // Default: 2.0
	ActivationR   float64   `yaml:"activation_r"`    // Default: 1.0
	MinTrailTicks float64   `yaml:"min_trail_ticks"` // Default: 4.0
}

// DefaultTrailConfig moves the stop to break-even once +1R.
func DefaultTrailConfig() TrailConfig {
	return TrailConfig{
		Mode:          TrailBreakEven,
		ATRMultiplier: 2.0,
		ActivationR:   1.0,
		MinTrailTicks: 4.0,
	}
}

// ScaleOutRule exits a fraction of the position at a profit target.
type ScaleOutRule struct {
	TargetR     float64 `yaml:"target_r"`
	ExitPercent float64 `yaml:"exit_percent"` // 0..1
}

// ManagedPosition is one open position under in-trade management.
type ManagedPosition struct {
	OrderID     string
	Symbol      string
	Direction   domain.Direction
	EntryPrice  float64
	EntryTime   time.Time
	InitialStop float64
	CurrentStop float64
	Target      float64
	Contracts   int
	Remaining   int
	BarsInTrade int
	MaxBars     int
	UnrealizedR float64
	scaledOutAt map[float64]bool
	trail       *TrailConfig
	scaleOut    []ScaleOutRule
}

// PositionUpdate tells the caller what to do after a price update.
type PositionUpdate struct {
	StopMoved       bool
	NewStop         float64
	ScaleOutQty     int
	ScaleOutTargetR float64
	ShouldExit      bool
	ExitReason      string
}

// Manager trails stops, scales out at targets, and enforces time stops
// for open positions.
type Manager struct {
	mu        sync.Mutex
	tickSize  float64
	positions map[string]*ManagedPosition
}

// NewManager builds an in-trade manager.
func NewManager(tickSize float64) *Manager {
	if tickSize <= 0 {
		tickSize = 0.25
	}
	return &Manager{tickSize: tickSize, positions: make(map[string]*ManagedPosition)}
}

// Register starts managing a filled position. trail and rules may be
// nil/empty for a plain bracket.
func (m *Manager) Register(orderID string, sig *domain.Signal, trail *TrailConfig, rules []ScaleOutRule, maxBars int) *ManagedPosition {
	p := &ManagedPosition{
		OrderID:     orderID,
		Symbol:      sig.Symbol,
		Direction:   sig.Direction,
		EntryPrice:  sig.Entry,
		EntryTime:   time.Now(),
		InitialStop: sig.Stop,
		CurrentStop: sig.Stop,
		Target:      sig.Target,
		Contracts:   sig.Contracts,
		Remaining:   sig.Contracts,
		MaxBars:     maxBars,
		scaledOutAt: make(map[float64]bool),
		trail:       trail,
		scaleOut:    rules,
	}
	m.mu.Lock()
	m.positions[orderID] = p
	m.mu.Unlock()
	log.Info().
		Str("order_id", orderID).
		Str("direction", string(sig.Direction)).
		Int("contracts", sig.Contracts).
		Float64("stop", sig.Stop).
		Float64("target", sig.Target).
		Msg("position registered for management")
	return p
}

// Update advances the position one bar and returns any required action.
// atr may be 0 when unknown; the ATR trail then stands pat.
func (m *Manager) Update(orderID string, price, atr float64) PositionUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[orderID]
	if !ok {
		return PositionUpdate{}
	}
	p.BarsInTrade++

	riskPerLot := math.Abs(p.EntryPrice - p.InitialStop)
	if riskPerLot > 0 {
		move := price - p.EntryPrice
		if p.Direction == domain.Short {
			move = p.EntryPrice - price
		}
		p.UnrealizedR = move / riskPerLot
	}

	var upd PositionUpdate

	if p.MaxBars > 0 && p.BarsInTrade >= p.MaxBars {
		upd.ShouldExit = true
		upd.ExitReason = fmt.Sprintf("time stop: %d bars", p.BarsInTrade)
		return upd
	}

	if newStop, moved := m.trailStop(p, price, atr); moved {
		p.CurrentStop = newStop
		upd.StopMoved = true
		upd.NewStop = newStop
		log.Info().Str("order_id", orderID).Float64("new_stop", newStop).Msg("stop trailed")
	}

	for _, rule := range p.scaleOut {
		if p.UnrealizedR < rule.TargetR || p.scaledOutAt[rule.TargetR] {
			continue
		}
		qty := int(float64(p.Remaining) * rule.ExitPercent)
		if qty <= 0 {
			continue
		}
		p.Remaining -= qty
		p.scaledOutAt[rule.TargetR] = true
		upd.ScaleOutQty = qty
		upd.ScaleOutTargetR = rule.TargetR
		log.Info().
			Str("order_id", orderID).
			Int("qty", qty).
			Float64("target_r", rule.TargetR).
			Msg("scale-out triggered")
		break
	}

	if p.Direction == domain.Long && price <= p.CurrentStop ||
		p.Direction == domain.Short && price >= p.CurrentStop {
		upd.ShouldExit = true
		upd.ExitReason = "stop loss hit"
	} else if p.Target > 0 && p.Remaining > 0 {
		if p.Direction == domain.Long && price >= p.Target ||
			p.Direction == domain.Short && price <= p.Target {
			upd.ShouldExit = true
			upd.ExitReason = "take profit hit"
		}
	}
	return upd
}

// trailStop computes the new stop under the configured mode. Stops only
// ratchet in the position's favor.
func (m *Manager) trailStop(p *ManagedPosition, price, atr float64) (float64, bool) {
	if p.trail == nil || p.UnrealizedR < p.trail.ActivationR {
		return 0, false
	}
	var candidate float64
	switch p.trail.Mode {
	case TrailBreakEven:
		candidate = p.EntryPrice
	case TrailATR:
		if atr <= 0 {
			return 0, false
		}
		dist := math.Max(atr*p.trail.ATRMultiplier, p.trail.MinTrailTicks*m.tickSize)
		if p.Direction == domain.Long {
			candidate = price - dist
		} else {
			candidate = price + dist
		}
	default:
		return 0, false
	}
	if p.Direction == domain.Long && candidate > p.CurrentStop {
		return candidate, true
	}
	if p.Direction == domain.Short && candidate < p.CurrentStop {
		return candidate, true
	}
	return 0, false
}

// Close removes a position from management and returns its final state.
func (m *Manager) Close(orderID string) (*ManagedPosition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[orderID]
	if ok {
		delete(m.positions, orderID)
	}
	return p, ok
}

// Position returns the managed state for an order id.
func (m *Manager) Position(orderID string) (*ManagedPosition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[orderID]
	return p, ok
}

// Active returns the number of positions under management.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions)
}

// ActiveIDs returns the order IDs under management, sorted for stable
// iteration.
func (m *Manager) ActiveIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.positions))
	for id := range m.positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
