package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Scaling step sizes and thresholds. CurrentR only ever moves by these
// two factors.
const (
	stepDownFactor       = 0.70
	stepDownProfitFactor = 1.10
	stepDownDrawdownR    = -4.0

	scaleUpFactor       = 1.15
	scaleUpProfitFactor = 1.30
	scaleUpExpectedR    = 0.20
	scaleUpWinRate      = 0.50
	scaleUpMaxDrawdownR = 3.0
)

// MinTradesForScaling is the journal window below which scaling
// evaluation should not run at all.
const MinTradesForScaling = 12

// Action is the governor's verdict on new trading activity.
type Action string

const (
	ActionTrade Action = "TRADE"
	ActionFlat  Action = "FLAT"
	ActionPause Action = "PAUSE"
)

// TripwireResult reports whether hard risk limits allow trading.
type TripwireResult struct {
	CanTrade           bool    `json:"can_trade"`
	Reason             string  `json:"reason"`
	Action             Action  `json:"action"`
	DailyPnLR          float64 `json:"daily_pnl_r"`
	WeeklyPnLR         float64 `json:"weekly_pnl_r"`
	ConsecutiveRedDays int     `json:"consecutive_red_days"`
}

// GovernorState is the persisted governor snapshot, restored at boot.
type GovernorState struct {
	CurrentR           float64   `json:"current_r" db:"current_r"`
	DailyPnLR          float64   `json:"daily_pnl_r" db:"daily_pnl_r"`
	WeeklyPnLR         float64   `json:"weekly_pnl_r" db:"weekly_pnl_r"`
	ConsecutiveRedDays int       `json:"consecutive_red_days" db:"consecutive_red_days"`
	ConsecutiveLosses  int       `json:"consecutive_losses" db:"consecutive_losses"`
	LastTradeDate      time.Time `json:"last_trade_date" db:"last_trade_date"`
	WeekStart          time.Time `json:"week_start" db:"week_start"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// StateStore persists governor state across restarts.
type StateStore interface {
	SaveRiskState(ctx context.Context, st GovernorState) error
	LoadRiskState(ctx context.Context) (*GovernorState, error)
}

// GovernorConfig holds the hard risk limits.
type GovernorConfig struct {
	InitialR     float64 `yaml:"initial_r"`      // Default: 5.0 (dollars per R)
	DailyLimitR  float64 `yaml:"daily_limit_r"`  // Default: -2.0
	WeeklyLimitR float64 `yaml:"weekly_limit_r"` // Default: -5.0
	MaxRedDays   int     `yaml:"max_red_days"`   // Default: 3
}

// DefaultGovernorConfig returns the standard risk limits.
func DefaultGovernorConfig() GovernorConfig {
	return GovernorConfig{
		InitialR:     5.0,
		DailyLimitR:  -2.0,
		WeeklyLimitR: -5.0,
		MaxRedDays:   3,
	}
}

// Governor enforces hard loss limits and adjusts the dollar risk unit
// based on realized performance.
//
// Hard limits:
//   - daily P&L at or below DailyLimitR forces FLAT
//   - weekly P&L at or below WeeklyLimitR forces FLAT
//   - MaxRedDays consecutive losing days forces PAUSE
//
// Performance scaling:
//   - step-down: PF < 1.10 or current drawdown <= -4R reduces $R by 30%
//   - scale-up: PF >= 1.30, E[R] >= 0.20, WR >= 50%, MaxDD <= 3R and no
//     rule breaks increases $R by 15%
type Governor struct {
	mu    sync.Mutex
	cfg   GovernorConfig
	store StateStore
	loc   *time.Location

	currentR           float64
	dailyPnLR          float64
	weeklyPnLR         float64
	consecutiveRedDays int
	consecutiveLosses  int
	lastTradeDate      time.Time
	weekStart          time.Time
}

// NewGovernor creates a governor with the given limits. Day and week
// boundaries are evaluated in loc (nil means UTC). store may be nil for
// in-memory operation.
func NewGovernor(cfg GovernorConfig, store StateStore, loc *time.Location) *Governor {
	def := DefaultGovernorConfig()
	if cfg.InitialR <= 0 {
		cfg.InitialR = def.InitialR
	}
	if cfg.DailyLimitR == 0 {
		cfg.DailyLimitR = def.DailyLimitR
	}
	if cfg.WeeklyLimitR == 0 {
		cfg.WeeklyLimitR = def.WeeklyLimitR
	}
	if cfg.MaxRedDays <= 0 {
		cfg.MaxRedDays = def.MaxRedDays
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Governor{
		cfg:      cfg,
		store:    store,
		loc:      loc,
		currentR: cfg.InitialR,
	}
}

// Restore loads persisted state. Missing state is not an error; the
// governor keeps its configured defaults.
func (g *Governor) Restore(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	st, err := g.store.LoadRiskState(ctx)
	if err != nil {
		return fmt.Errorf("load risk state: %w", err)
	}
	if st == nil {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if st.CurrentR > 0 {
		g.currentR = st.CurrentR
	}
	g.dailyPnLR = st.DailyPnLR
	g.weeklyPnLR = st.WeeklyPnLR
	g.consecutiveRedDays = st.ConsecutiveRedDays
	g.consecutiveLosses = st.ConsecutiveLosses
	g.lastTradeDate = st.LastTradeDate.In(g.loc)
	g.weekStart = st.WeekStart.In(g.loc)

	log.Info().
		Float64("current_r", g.currentR).
		Float64("daily_r", g.dailyPnLR).
		Float64("weekly_r", g.weeklyPnLR).
		Int("red_days", g.consecutiveRedDays).
		Msg("risk state restored")
	return nil
}

// CheckTripwires rolls the day and week boundaries forward to now, then
// checks the hard limits in order: daily, weekly, red days.
func (g *Governor) CheckTripwires(ctx context.Context, now time.Time) TripwireResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollover(ctx, now.In(g.loc))

	res := TripwireResult{
		DailyPnLR:          g.dailyPnLR,
		WeeklyPnLR:         g.weeklyPnLR,
		ConsecutiveRedDays: g.consecutiveRedDays,
	}

	switch {
	case g.dailyPnLR <= g.cfg.DailyLimitR:
		res.Action = ActionFlat
		res.Reason = fmt.Sprintf("daily loss limit hit: %.2fR <= %.1fR", g.dailyPnLR, g.cfg.DailyLimitR)
	case g.weeklyPnLR <= g.cfg.WeeklyLimitR:
		res.Action = ActionFlat
		res.Reason = fmt.Sprintf("weekly loss limit hit: %.2fR <= %.1fR", g.weeklyPnLR, g.cfg.WeeklyLimitR)
	case g.consecutiveRedDays >= g.cfg.MaxRedDays:
		res.Action = ActionPause
		res.Reason = fmt.Sprintf("%d consecutive red days (limit %d)", g.consecutiveRedDays, g.cfg.MaxRedDays)
	default:
		res.CanTrade = true
		res.Action = ActionTrade
		res.Reason = "all clear"
	}
	return res
}

// rollover advances daily and weekly windows. Caller holds g.mu.
func (g *Governor) rollover(ctx context.Context, now time.Time) {
	if g.lastTradeDate.IsZero() || !sameDay(g.lastTradeDate, now) {
		if !g.lastTradeDate.IsZero() {
			if g.dailyPnLR < 0 {
				g.consecutiveRedDays++
			} else {
				g.consecutiveRedDays = 0
			}
		}
		g.dailyPnLR = 0
		g.lastTradeDate = now
		if err := g.persist(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to persist risk state on day rollover")
		}
	}

	ws := weekStartOf(now, g.loc)
	if g.weekStart.IsZero() || ws.After(g.weekStart) {
		g.weeklyPnLR = 0
		g.weekStart = ws
	}
}

// RecordTrade applies a closed trade's result in R units to the daily
// and weekly windows and rolls the consecutive-loss counter. The day
// and week boundaries are advanced to closedAt first, so recording and
// tripwire checks can happen in either order.
func (g *Governor) RecordTrade(ctx context.Context, pnlR float64, closedAt time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollover(ctx, closedAt.In(g.loc))

	g.dailyPnLR += pnlR
	g.weeklyPnLR += pnlR
	if pnlR < 0 {
		g.consecutiveLosses++
	} else {
		g.consecutiveLosses = 0
	}

	log.Info().
		Float64("pnl_r", pnlR).
		Float64("daily_r", g.dailyPnLR).
		Float64("weekly_r", g.weeklyPnLR).
		Int("consecutive_losses", g.consecutiveLosses).
		Msg("trade recorded")

	return g.persist(ctx)
}

// EvaluateScaling adjusts the dollar risk unit from recent performance.
// Step-down takes priority; at most one adjustment is applied per call.
// Callers should skip evaluation until at least MinTradesForScaling
// trades have accumulated.
func (g *Governor) EvaluateScaling(ctx context.Context, m PerformanceMetrics) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	newR := g.currentR
	switch {
	case m.ProfitFactor < stepDownProfitFactor || m.CurrentDrawdownR <= stepDownDrawdownR:
		newR = g.currentR * stepDownFactor
		log.Warn().
			Float64("profit_factor", m.ProfitFactor).
			Float64("current_drawdown_r", m.CurrentDrawdownR).
			Float64("old_r", g.currentR).
			Float64("new_r", newR).
			Msg("step-down triggered")
	case m.ProfitFactor >= scaleUpProfitFactor &&
		m.ExpectedR >= scaleUpExpectedR &&
		m.WinRate >= scaleUpWinRate &&
		m.MaxDrawdownR <= scaleUpMaxDrawdownR &&
		m.RuleBreaks == 0:
		newR = g.currentR * scaleUpFactor
		log.Info().
			Float64("profit_factor", m.ProfitFactor).
			Float64("expected_r", m.ExpectedR).
			Float64("win_rate", m.WinRate).
			Float64("old_r", g.currentR).
			Float64("new_r", newR).
			Msg("scale-up triggered")
	}

	if newR == g.currentR {
		return g.currentR, nil
	}
	g.currentR = newR
	return g.currentR, g.persist(ctx)
}

// CurrentR returns the dollar value of one R.
func (g *Governor) CurrentR() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.currentR
}

// ConsecutiveLosses returns the current loss streak across days.
func (g *Governor) ConsecutiveLosses() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consecutiveLosses
}

// Snapshot returns a copy of the governor state for status reporting.
func (g *Governor) Snapshot() GovernorState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked()
}

func (g *Governor) snapshotLocked() GovernorState {
	return GovernorState{
		CurrentR:           g.currentR,
		DailyPnLR:          g.dailyPnLR,
		WeeklyPnLR:         g.weeklyPnLR,
		ConsecutiveRedDays: g.consecutiveRedDays,
		ConsecutiveLosses:  g.consecutiveLosses,
		LastTradeDate:      g.lastTradeDate,
		WeekStart:          g.weekStart,
		UpdatedAt:          time.Now().UTC(),
	}
}

// persist saves the current state. Caller holds g.mu.
func (g *Governor) persist(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	if err := g.store.SaveRiskState(ctx, g.snapshotLocked()); err != nil {
		return fmt.Errorf("save risk state: %w", err)
	}
	return nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// weekStartOf returns Monday 00:00 of now's week in loc.
func weekStartOf(now time.Time, loc *time.Location) time.Time {
	n := now.In(loc)
	daysSinceMonday := (int(n.Weekday()) + 6) % 7
	y, m, d := n.AddDate(0, 0, -daysSinceMonday).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
