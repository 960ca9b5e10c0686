package constraints

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/gearbox/internal/session"
)

// Input carries everything a single trade validation needs.
type Input struct {
	Symbol           string
	RiskDollars      float64
	SpreadTicks      float64
	EstSlippageTicks float64
	NewsProximityMin *float64 // nil when no upcoming event is known
	MentalState      int
	AccountEquity    float64 // 0 when unknown
	DLLRemaining     float64 // 0 when unknown
	Now              time.Time
}

// Result is the validation outcome. Approved trades may carry a reduced
// risk budget; the Adjustments list records each clip for audit.
type Result struct {
	Approved    bool
	Reason      string
	RiskDollars float64
	Adjustments []string
}

// Engine validates trades against the configured constraints in a fixed
// order, failing fast on the first rejection. Capital and DLL limits
// clip the risk budget instead of rejecting.
type Engine struct {
	mu  sync.Mutex
	cfg Config
	cal *session.Calendar

	tradesToday    int
	tradesThisWeek int
	lastTradeDay   time.Time
}

// NewEngine validates cfg against its safeguardrails and builds the
// engine. A configuration that violates any ceiling is refused outright.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cal, err := session.NewCalendar(cfg.Timezone, cfg.Cadence.TradingSessions)
	if err != nil {
		return nil, fmt.Errorf("constraint sessions: %w", err)
	}
	e := &Engine{cfg: cfg, cal: cal}
	ev := e.EffectiveValues()
	entry := log.Info().Str("profile", cfg.ComplianceProfile)
	for k, v := range ev {
		entry = entry.Interface(k, v)
	}
	entry.Msg("constraint engine initialized")
	return e, nil
}

// EffectiveValues returns the limits the engine actually enforces, for
// boot logging and the status endpoint.
func (e *Engine) EffectiveValues() map[string]any {
	return map[string]any{
		"allowed_symbols":        e.cfg.AllowedSymbols,
		"max_risk_per_trade_pct": e.cfg.Capital.MaxRiskPerTradePct,
		"dll_fraction_per_trade": e.cfg.Capital.DLLFractionPerTrade,
		"max_trades_per_day":     e.cfg.Cadence.MaxTradesPerDay,
		"max_trades_per_week":    e.cfg.Cadence.MaxTradesPerWeek,
		"trading_sessions":       e.cfg.Cadence.TradingSessions,
		"max_spread_ticks":       e.cfg.QualityGates.MaxSpreadTicks,
		"max_slippage_ticks":     e.cfg.QualityGates.MaxEstSlippageTicks,
		"min_mental_state":       e.cfg.Psychology.MinMentalState,
		"news_blackout_min":      e.cfg.Cadence.NewsBlackoutMinutes,
		"timezone":               e.cfg.Timezone,
	}
}

// Validate runs the full constraint chain against in.
func (e *Engine) Validate(in Input) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	e.rollover(in.Now)

	risk := in.RiskDollars
	var adjustments []string

	// 1. Symbol allow-list.
	if !e.symbolAllowed(in.Symbol) {
		return reject(fmt.Sprintf("symbol %s not in allowed list: %v",
			in.Symbol, e.cfg.AllowedSymbols))
	}

	// 2. Mental state floor.
	if in.MentalState < e.cfg.Psychology.MinMentalState {
		return reject(fmt.Sprintf("mental state %d below minimum %d",
			in.MentalState, e.cfg.Psychology.MinMentalState))
	}

	// 3. Trade cadence.
	if e.tradesToday >= e.cfg.Cadence.MaxTradesPerDay {
		return reject(fmt.Sprintf("max trades per day (%d) reached",
			e.cfg.Cadence.MaxTradesPerDay))
	}

	// 4. Capital cap: clip, not reject.
	if in.AccountEquity > 0 {
		maxRisk := in.AccountEquity * e.cfg.Capital.MaxRiskPerTradePct / 100
		if risk > maxRisk {
			adjustments = append(adjustments, fmt.Sprintf(
				"risk $%.2f clipped to %.2f%% of equity ($%.2f)",
				risk, e.cfg.Capital.MaxRiskPerTradePct, maxRisk))
			risk = maxRisk
		}
	}

	// 5. DLL cap: clip, not reject.
	if in.DLLRemaining > 0 {
		maxRisk := in.DLLRemaining * e.cfg.Capital.DLLFractionPerTrade
		if risk > maxRisk {
			adjustments = append(adjustments, fmt.Sprintf(
				"risk $%.2f clipped to %.0f%% of remaining DLL ($%.2f)",
				risk, e.cfg.Capital.DLLFractionPerTrade*100, maxRisk))
			risk = maxRisk
		}
	}

	// 6. Spread ceiling.
	if in.SpreadTicks > e.cfg.QualityGates.MaxSpreadTicks {
		return reject(fmt.Sprintf("spread %.1f ticks exceeds max %.1f",
			in.SpreadTicks, e.cfg.QualityGates.MaxSpreadTicks))
	}

	// 7. Estimated slippage ceiling.
	if in.EstSlippageTicks > e.cfg.QualityGates.MaxEstSlippageTicks {
		return reject(fmt.Sprintf("estimated slippage %.1f ticks exceeds max %.1f",
			in.EstSlippageTicks, e.cfg.QualityGates.MaxEstSlippageTicks))
	}

	// 8. News blackout (before-window only; the after-window is a data
	// concern handled upstream when proximity is computed).
	if in.NewsProximityMin != nil {
		before := float64(e.cfg.Cadence.NewsBlackoutMinutes[0])
		if *in.NewsProximityMin <= before {
			return reject(fmt.Sprintf("news event in %.0f minutes (blackout: %.0f min before)",
				*in.NewsProximityMin, before))
		}
	}

	// 9. Trading session window.
	if !e.cal.Contains(in.Now) {
		return reject("outside trading session hours")
	}

	reason := "all constraints satisfied"
	if len(adjustments) > 0 {
		reason = strings.Join(adjustments, "; ")
		log.Info().Str("adjustments", reason).Msg("trade approved with reduced risk")
	}
	return Result{
		Approved:    true,
		Reason:      reason,
		RiskDollars: risk,
		Adjustments: adjustments,
	}
}

func reject(reason string) Result {
	return Result{Approved: false, Reason: reason}
}

func (e *Engine) symbolAllowed(symbol string) bool {
	for _, s := range e.cfg.AllowedSymbols {
		if strings.EqualFold(s, symbol) {
			return true
		}
	}
	return false
}

// rollover resets the daily counter on a date change and the weekly
// counter on a Monday boundary, in the exchange timezone.
func (e *Engine) rollover(now time.Time) {
	local := now.In(e.cal.Location())
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, e.cal.Location())
	if e.lastTradeDay.IsZero() {
		e.lastTradeDay = day
		return
	}
	if day.Equal(e.lastTradeDay) {
		return
	}
	e.tradesToday = 0
	if weekStart(day) != weekStart(e.lastTradeDay) {
		e.tradesThisWeek = 0
	}
	e.lastTradeDay = day
}

func weekStart(day time.Time) time.Time {
	wd := int(day.Weekday())
	if wd == 0 {
		wd = 7 // ISO: Sunday belongs to the preceding Monday's week
	}
	return day.AddDate(0, 0, -(wd - 1))
}

// RecordTrade increments the cadence counters after an accepted entry.
func (e *Engine) RecordTrade(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollover(now)
	e.tradesToday++
	e.tradesThisWeek++
}

// TradesToday returns the daily counter, rolled to now.
func (e *Engine) TradesToday(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollover(now)
	return e.tradesToday
}

// MaxRiskDollars returns the per-trade dollar risk cap for an equity.
func (e *Engine) MaxRiskDollars(accountEquity float64) float64 {
	return accountEquity * e.cfg.Capital.MaxRiskPerTradePct / 100
}

// Config returns the active (validated) configuration.
func (e *Engine) Config() Config {
	return e.cfg
}
