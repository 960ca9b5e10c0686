// Package gear implements the five-gear risk posture selector. The gear
// is derived from real-time context (risk, psychology, regime, session),
// never set directly.
package gear

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State is one of the five transmission gears.
type State string

const (
	Park    State = "PARK"    // trading locked
	Reverse State = "REVERSE" // recovery mode
	Neutral State = "NEUTRAL" // standby, not trading
	Drive   State = "DRIVE"   // normal trading
	Low     State = "LOW"     // risk downshifted
)

// Multiplier returns the position-size multiplier for the gear.
func (s State) Multiplier() float64 {
	switch s {
	case Reverse:
		return 0.5
	case Drive:
		return 1.0
	case Low:
		return 0.65
	default: // PARK, NEUTRAL
		return 0.0
	}
}

// CanTrade reports whether new entries are allowed in this gear.
func (s State) CanTrade() bool {
	return s == Drive || s == Low || s == Reverse
}

// Context is the ephemeral snapshot the gear decision consumes.
type Context struct {
	DailyR            float64 `json:"daily_r"`
	WeeklyR           float64 `json:"weekly_r"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
	CurrentDrawdown   float64 `json:"current_drawdown"` // equity fraction, <= 0 in drawdown

	Regime               string  `json:"regime"`
	VolatilityPercentile float64 `json:"volatility_percentile"` // 0-1

	MentalState int `json:"mental_state"` // 1-5

	DLLRemainingFraction float64 `json:"dll_remaining_fraction"` // 0-1
	TripwireActive       bool    `json:"tripwire_active"`

	InTradingSession   bool `json:"in_trading_session"`
	NewsBlackoutActive bool `json:"news_blackout_active"`

	KillSwitchActive bool `json:"kill_switch_active"`
	PositionsOpen    int  `json:"positions_open"`
}

// Shift records one gear change.
type Shift struct {
	Timestamp time.Time `json:"timestamp"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason"`
	Context   Context   `json:"context"`
}

// ShiftStore persists gear shifts for after-the-fact audit.
type ShiftStore interface {
	LogGearShift(ctx context.Context, s Shift) error
}

// Broadcaster is notified of gear changes; best-effort, one-way.
type Broadcaster interface {
	NotifyGearShift(ctx context.Context, s Shift)
}

// Config holds the gear shift thresholds.
type Config struct {
	ParkDailyLimitR   float64 `yaml:"park_daily_limit_r"`   // Default: -2.0
	ParkWeeklyLimitR  float64 `yaml:"park_weekly_limit_r"`  // Default: -5.0
	ParkDrawdownLimit float64 `yaml:"park_drawdown_limit"`  // Default: -0.10
	ReverseTriggerR   float64 `yaml:"reverse_trigger_r"`    // Default: -1.5
	ReverseExitR      float64 `yaml:"reverse_exit_r"`       // Default: -0.5
	LowLossStreak     int     `yaml:"low_loss_streak"`      // Default: 2
	LowVolPercentile  float64 `yaml:"low_vol_percentile"`   // Default: 0.8
	LowMentalState    int     `yaml:"low_mental_state"`     // Default: 3
	LowDLLRemaining   float64 `yaml:"low_dll_remaining"`    // Default: 0.3
	MaxShiftHistory   int     `yaml:"max_shift_history"`    // Default: 100
}

// DefaultConfig returns the standard gear thresholds.
func DefaultConfig() Config {
	return Config{
		ParkDailyLimitR:   -2.0,
		ParkWeeklyLimitR:  -5.0,
		ParkDrawdownLimit: -0.10,
		ReverseTriggerR:   -1.5,
		ReverseExitR:      -0.5,
		LowLossStreak:     2,
		LowVolPercentile:  0.8,
		LowMentalState:    3,
		LowDLLRemaining:   0.3,
		MaxShiftHistory:   100,
	}
}

// rule is one (predicate, state, reason) entry of the decision table.
type rule struct {
	match func(c Context, current State) (State, string, bool)
}

// Machine selects the gear from context via an explicit ordered rule
// table: rules are evaluated top to bottom and the first match wins, so
// exactly one branch fires for any context.
type Machine struct {
	mu      sync.Mutex
	cfg     Config
	rules   []rule
	current State
	history []Shift
	store   ShiftStore
	sink    Broadcaster
}

// NewMachine creates a gear machine starting in NEUTRAL. store and sink
// may be nil.
func NewMachine(cfg Config, store ShiftStore, sink Broadcaster) *Machine {
	if cfg.MaxShiftHistory <= 0 {
		cfg.MaxShiftHistory = 100
	}
	m := &Machine{
		cfg:     cfg,
		current: Neutral,
		store:   store,
		sink:    sink,
	}
	m.rules = []rule{
		{m.parkRule},
		{m.reverseRule},
		{m.neutralRule},
		{m.lowRule},
		{m.driveRule},
	}
	return m
}

// Determine evaluates the rule table for c against the current gear.
// Pure with respect to machine state: it never mutates anything, so the
// same (context, current gear) always yields the same result.
func (m *Machine) Determine(c Context) (State, string) {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()
	return m.determine(c, current)
}

func (m *Machine) determine(c Context, current State) (State, string) {
	for _, r := range m.rules {
		if state, reason, ok := r.match(c, current); ok {
			return state, reason
		}
	}
	// driveRule always matches; unreachable.
	return Drive, "all systems nominal"
}

// parkRule: emergency conditions lock trading entirely.
func (m *Machine) parkRule(c Context, _ State) (State, string, bool) {
	switch {
	case c.KillSwitchActive:
		return Park, "kill switch activated", true
	case c.TripwireActive:
		return Park, "risk tripwire triggered", true
	case c.DailyR <= m.cfg.ParkDailyLimitR:
		return Park, fmt.Sprintf("daily loss limit reached (%.2fR)", c.DailyR), true
	case c.WeeklyR <= m.cfg.ParkWeeklyLimitR:
		return Park, fmt.Sprintf("weekly loss limit reached (%.2fR)", c.WeeklyR), true
	case c.CurrentDrawdown <= m.cfg.ParkDrawdownLimit:
		return Park, fmt.Sprintf("maximum drawdown reached (%.1f%%)", c.CurrentDrawdown*100), true
	}
	return "", "", false
}

// reverseRule: drawdown recovery with hysteresis. Entry at the trigger,
// exit only once daily R recovers to the exit level, then straight to
// DRIVE.
func (m *Machine) reverseRule(c Context, current State) (State, string, bool) {
	if c.DailyR <= m.cfg.ReverseTriggerR {
		return Reverse, fmt.Sprintf("recovery mode: %.2fR daily drawdown", c.DailyR), true
	}
	if current == Reverse {
		if c.DailyR >= m.cfg.ReverseExitR {
			return Drive, fmt.Sprintf("recovered to %.2fR", c.DailyR), true
		}
		return Reverse, "still in recovery mode", true
	}
	return "", "", false
}

// neutralRule: engine on, not trading.
func (m *Machine) neutralRule(c Context, _ State) (State, string, bool) {
	switch {
	case !c.InTradingSession:
		return Neutral, "outside trading session", true
	case c.NewsBlackoutActive:
		return Neutral, "news blackout window", true
	case c.Regime == "NOTRADE":
		return Neutral, "market regime: NOTRADE", true
	}
	return "", "", false
}

// lowRule: risk downshift; reasons accumulate rather than exclude.
func (m *Machine) lowRule(c Context, _ State) (State, string, bool) {
	var reasons []string
	if c.ConsecutiveLosses >= m.cfg.LowLossStreak {
		reasons = append(reasons, fmt.Sprintf("loss streak (%d)", c.ConsecutiveLosses))
	}
	if c.VolatilityPercentile >= m.cfg.LowVolPercentile {
		reasons = append(reasons, fmt.Sprintf("high volatility (%.0f%%)", c.VolatilityPercentile*100))
	}
	if c.MentalState < m.cfg.LowMentalState {
		reasons = append(reasons, fmt.Sprintf("mental state %d/5", c.MentalState))
	}
	if c.DLLRemainingFraction < m.cfg.LowDLLRemaining {
		reasons = append(reasons, fmt.Sprintf("DLL low (%.0f%% remaining)", c.DLLRemainingFraction*100))
	}
	if len(reasons) == 0 {
		return "", "", false
	}
	return Low, strings.Join(reasons, " | "), true
}

func (m *Machine) driveRule(_ Context, _ State) (State, string, bool) {
	return Drive, "all systems nominal", true
}

// Shift re-evaluates the gear and, only on an actual change, records the
// shift, persists it, and notifies the broadcast sink. An unchanged
// outcome is a no-op beyond returning the current gear.
func (m *Machine) Shift(ctx context.Context, c Context) (State, string) {
	m.mu.Lock()
	newGear, reason := m.determine(c, m.current)
	if newGear == m.current {
		m.mu.Unlock()
		return newGear, reason
	}

	shift := Shift{
		Timestamp: time.Now().UTC(),
		From:      m.current,
		To:        newGear,
		Reason:    reason,
		Context:   c,
	}
	m.current = newGear
	m.history = append(m.history, shift)
	if len(m.history) > m.cfg.MaxShiftHistory {
		m.history = m.history[len(m.history)-m.cfg.MaxShiftHistory:]
	}
	m.mu.Unlock()

	log.Info().
		Str("from", string(shift.From)).
		Str("to", string(shift.To)).
		Str("reason", reason).
		Float64("daily_r", c.DailyR).
		Float64("weekly_r", c.WeeklyR).
		Msg("gear shift")

	if m.store != nil {
		if err := m.store.LogGearShift(ctx, shift); err != nil {
			log.Error().Err(err).Msg("failed to persist gear shift")
		}
	}
	if m.sink != nil {
		m.sink.NotifyGearShift(ctx, shift)
	}
	return newGear, reason
}

// Current returns the current gear.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// RiskMultiplier returns the sizing multiplier of the current gear.
func (m *Machine) RiskMultiplier() float64 {
	return m.Current().Multiplier()
}

// CanTrade reports whether the current gear allows new entries.
func (m *Machine) CanTrade() bool {
	return m.Current().CanTrade()
}

// History returns up to limit most recent shifts, newest last.
func (m *Machine) History(limit int) []Shift {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]Shift, limit)
	copy(out, m.history[len(m.history)-limit:])
	return out
}
