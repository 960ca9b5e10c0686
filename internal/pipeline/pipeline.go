// Package pipeline chains the control stages for one account: features,
// tripwires, regime, signal, gear, sizing, constraints, execution. Each
// stage either advances the cycle or returns a structured outcome.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/gearbox/internal/bus"
	"github.com/sawpanic/gearbox/internal/constraints"
	"github.com/sawpanic/gearbox/internal/domain"
	"github.com/sawpanic/gearbox/internal/execution"
	"github.com/sawpanic/gearbox/internal/gear"
	"github.com/sawpanic/gearbox/internal/metrics"
	"github.com/sawpanic/gearbox/internal/news"
	"github.com/sawpanic/gearbox/internal/regime"
	"github.com/sawpanic/gearbox/internal/risk"
	"github.com/sawpanic/gearbox/internal/session"
	"github.com/sawpanic/gearbox/internal/sizing"
	"github.com/sawpanic/gearbox/internal/telemetry"
)

// Cycle outcome statuses.
const (
	StatusPlaced   = "placed"
	StatusRejected = "rejected"
	StatusSkipped  = "skipped"
	StatusError    = "error"
)

// Stage names for outcomes and rejection metrics.
const (
	StageFeatures    = "features"
	StageTripwire    = "tripwire"
	StageMental      = "mental"
	StageRegime      = "regime"
	StageProducer    = "producer"
	StageGear        = "gear"
	StageSizing      = "sizing"
	StageConstraints = "constraints"
	StageExecution   = "execution"
)

// atrWindow bounds the rolling ATR sample used for the volatility
// percentile fed to the gear machine.
const atrWindow = 100

// Outcome is the structured result of one pipeline run. Short-circuits
// are outcomes, not errors; Err is set only for internal faults.
type Outcome struct {
	Account     string        `json:"account"`
	Status      string        `json:"status"`
	Stage       string        `json:"stage,omitempty"`
	Action      string        `json:"action,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Gear        gear.State    `json:"gear,omitempty"`
	Regime      regime.Regime `json:"regime,omitempty"`
	OrderID     string        `json:"order_id,omitempty"`
	TradeID     int64         `json:"trade_id,omitempty"`
	Contracts   int           `json:"contracts,omitempty"`
	RiskDollars float64       `json:"risk_dollars,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Config tunes one account pipeline.
type Config struct {
	Account       string  `yaml:"account"`        // Default: "default"
	AccountEquity float64 `yaml:"account_equity"` // 0 = no equity cap in sizing
}

// Deps are the pipeline collaborators, injected explicitly.
type Deps struct {
	Calculator  *telemetry.Calculator
	Classifier  *regime.Classifier
	Governor    *risk.Governor
	Mental      *risk.MentalGovernor
	Gears       *gear.Machine
	Constraints *constraints.Engine
	Sizer       *sizing.Sizer
	Engine      *execution.Engine
	Manager     *execution.Manager
	Trail       *execution.TrailConfig
	Producer    domain.Producer
	News        *news.Calendar
	Sessions    *session.Calendar
	Sink        bus.Sink
}

// Pipeline runs the control chain for a single account. One run at a
// time: the mutex serializes RunCycle/RunSignal per account.
type Pipeline struct {
	mu   sync.Mutex
	cfg  Config
	deps Deps

	killSwitch  bool
	recentATRs  []float64
	lastOutcome Outcome
}

// New builds a pipeline. Governor, gears, constraints, sizer, and
// engine are required; the rest may be nil. When a manager is present,
// every placed order is registered with it for in-trade management.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if cfg.Account == "" {
		cfg.Account = "default"
	}
	if deps.Governor == nil || deps.Gears == nil || deps.Constraints == nil ||
		deps.Sizer == nil || deps.Engine == nil {
		return nil, fmt.Errorf("pipeline %s: governor, gears, constraints, sizer, and engine are required", cfg.Account)
	}
	if deps.Classifier == nil {
		deps.Classifier = regime.NewClassifier(regime.DefaultConfig())
	}
	if deps.Calculator == nil {
		deps.Calculator = telemetry.NewCalculator(0.25)
	}
	return &Pipeline{cfg: cfg, deps: deps}, nil
}

// SetKillSwitch forces PARK on the next evaluation until released.
func (p *Pipeline) SetKillSwitch(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killSwitch = on
	log.Warn().Bool("on", on).Str("account", p.cfg.Account).Msg("kill switch toggled")
}

// LastOutcome returns the most recent cycle outcome.
func (p *Pipeline) LastOutcome() Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastOutcome
}

// RunCycle computes features from a bar window and runs the full chain,
// asking the producer for a signal. quote may be nil.
func (p *Pipeline) RunCycle(ctx context.Context, bars []telemetry.Bar, quote *telemetry.Quote) (Outcome, error) {
	if len(bars) == 0 {
		return p.finish(Outcome{Status: StatusError, Stage: StageFeatures, Reason: "no bars"}),
			fmt.Errorf("pipeline %s: no bars", p.cfg.Account)
	}
	price := bars[len(bars)-1].Close

	ex := telemetry.Extras{Timestamp: time.Now()}
	if p.deps.News != nil {
		ex.NewsProximityMin = p.deps.News.MinutesToNext(ex.Timestamp)
	}
	features, err := p.deps.Calculator.Compute(bars, price, quote, ex)
	if err != nil {
		return p.finish(Outcome{Status: StatusError, Stage: StageFeatures, Reason: err.Error()}),
			fmt.Errorf("pipeline %s: %w", p.cfg.Account, err)
	}
	return p.run(ctx, nil, features)
}

// RunSignal runs the chain for an externally supplied signal; the
// producer stage is skipped.
func (p *Pipeline) RunSignal(ctx context.Context, sig *domain.Signal, features telemetry.MarketFeatures) (Outcome, error) {
	if sig == nil {
		return p.finish(Outcome{Status: StatusError, Stage: StageProducer, Reason: "nil signal"}),
			fmt.Errorf("pipeline %s: nil signal", p.cfg.Account)
	}
	return p.run(ctx, sig, features)
}

func (p *Pipeline) run(ctx context.Context, sig *domain.Signal, f telemetry.MarketFeatures) (Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	trip := p.deps.Governor.CheckTripwires(ctx, now)
	mental := p.evaluateMental(trip, now)
	reg := p.deps.Classifier.Classify(f)

	gctx := p.buildGearContext(trip, mental, reg, f, now)
	state, gearReason := p.deps.Gears.Shift(ctx, gctx)
	metrics.SetGear(string(state), gearStates())
	metrics.DailyPnL.Set(trip.DailyPnLR)

	base := Outcome{
		Account:   p.cfg.Account,
		Gear:      state,
		Regime:    reg.Regime,
		Timestamp: now,
	}

	if !trip.CanTrade {
		out := base
		out.Status = StatusRejected
		out.Stage = StageTripwire
		out.Reason = trip.Reason
		if trip.Action == risk.ActionFlat {
			out.Action = "flatten"
			p.deps.Engine.FlattenAll(ctx, trip.Reason)
		}
		return p.finishLocked(out), nil
	}

	if !mental.CanTrade {
		out := base
		out.Status = StatusRejected
		out.Stage = StageMental
		out.Reason = mental.Reason
		return p.finishLocked(out), nil
	}

	if !reg.Regime.IsTradeable() {
		out := base
		out.Status = StatusSkipped
		out.Stage = StageRegime
		out.Reason = reg.Reason
		return p.finishLocked(out), nil
	}

	if sig == nil {
		if p.deps.Producer == nil {
			out := base
			out.Status = StatusSkipped
			out.Stage = StageProducer
			out.Reason = "no signal producer configured"
			return p.finishLocked(out), nil
		}
		var err error
		sig, err = p.deps.Producer.Generate(f, string(reg.Regime))
		if err != nil {
			out := base
			out.Status = StatusError
			out.Stage = StageProducer
			out.Reason = err.Error()
			return p.finishLocked(out), fmt.Errorf("pipeline %s: producer: %w", p.cfg.Account, err)
		}
		if sig == nil {
			out := base
			out.Status = StatusSkipped
			out.Stage = StageProducer
			out.Reason = "no setup this cycle"
			return p.finishLocked(out), nil
		}
	}
	sig.Regime = string(reg.Regime)

	if !state.CanTrade() {
		out := base
		out.Status = StatusRejected
		out.Stage = StageGear
		out.Reason = fmt.Sprintf("gear %s: %s", state, gearReason)
		return p.finishLocked(out), nil
	}

	budget := p.deps.Governor.CurrentR() * state.Multiplier() * mental.SizeMultiplier
	metrics.CurrentRiskUnit.Set(budget)

	stopPts, err := sizing.StopDistancePoints(sig.Entry, sig.Stop, string(sig.Direction))
	if err != nil {
		out := base
		out.Status = StatusRejected
		out.Stage = StageSizing
		out.Reason = err.Error()
		return p.finishLocked(out), nil
	}

	dllRemaining := p.dllRemainingDollars(trip)
	bd, err := p.deps.Sizer.Size(sizing.Input{
		Symbol:        sig.Symbol,
		RiskDollars:   budget,
		StopPoints:    stopPts,
		ATRCurrent:    f.ATR,
		ATRBaseline:   f.BaselineATR,
		DLLRemaining:  dllRemaining,
		MentalState:   int(mental.State),
		AccountEquity: p.cfg.AccountEquity,
	})
	if err != nil {
		out := base
		out.Status = StatusError
		out.Stage = StageSizing
		out.Reason = err.Error()
		return p.finishLocked(out), fmt.Errorf("pipeline %s: sizing: %w", p.cfg.Account, err)
	}
	if bd.Contracts == 0 {
		out := base
		out.Status = StatusRejected
		out.Stage = StageSizing
		out.Reason = "position below minimum size"
		return p.finishLocked(out), nil
	}

	res := p.deps.Constraints.Validate(constraints.Input{
		Symbol:           sig.Symbol,
		RiskDollars:      bd.AdjustedRisk,
		SpreadTicks:      f.SpreadTicks,
		EstSlippageTicks: f.EntryP90Slippage,
		NewsProximityMin: f.NewsProximityMin,
		MentalState:      int(mental.State),
		AccountEquity:    p.cfg.AccountEquity,
		DLLRemaining:     dllRemaining,
		Now:              now,
	})
	if !res.Approved {
		out := base
		out.Status = StatusRejected
		out.Stage = StageConstraints
		out.Reason = res.Reason
		return p.finishLocked(out), nil
	}

	contracts := bd.Contracts
	if res.RiskDollars < bd.AdjustedRisk && bd.RiskPerLot > 0 {
		contracts = int(math.Floor(res.RiskDollars / bd.RiskPerLot))
		if contracts < 1 {
			out := base
			out.Status = StatusRejected
			out.Stage = StageConstraints
			out.Reason = "constraint clips risk below minimum position"
			return p.finishLocked(out), nil
		}
	}
	sig.Contracts = contracts

	placed, err := p.deps.Engine.PlaceSignal(ctx, sig, string(state), res.RiskDollars)
	if err != nil {
		out := base
		out.Status = StatusError
		out.Stage = StageExecution
		out.Reason = err.Error()
		return p.finishLocked(out), fmt.Errorf("pipeline %s: execution: %w", p.cfg.Account, err)
	}
	if !placed.Placed {
		out := base
		out.Status = StatusRejected
		out.Stage = StageExecution
		out.Reason = placed.Reason
		return p.finishLocked(out), nil
	}

	p.deps.Constraints.RecordTrade(now)
	metrics.TradesToday.Set(float64(p.deps.Constraints.TradesToday(now)))
	if p.deps.Manager != nil {
		p.deps.Manager.Register(placed.OrderID, sig, p.deps.Trail, nil, 0)
		p.deps.Engine.MarkManaged(placed.OrderID)
	}

	out := base
	out.Status = StatusPlaced
	out.OrderID = placed.OrderID
	out.TradeID = placed.TradeID
	out.Contracts = contracts
	out.RiskDollars = res.RiskDollars
	return p.finishLocked(out), nil
}

// RecordTradeResult feeds a closed trade back into the governors.
func (p *Pipeline) RecordTradeResult(ctx context.Context, pnlR float64, closedAt time.Time) error {
	if p.deps.Mental != nil {
		p.deps.Mental.UpdateFromTrade(pnlR, closedAt)
	}
	return p.deps.Governor.RecordTrade(ctx, pnlR, closedAt)
}

func (p *Pipeline) evaluateMental(trip risk.TripwireResult, now time.Time) risk.MentalResult {
	if p.deps.Mental == nil {
		return risk.MentalResult{State: risk.MentalNeutral, SizeMultiplier: 1.0, CanTrade: true}
	}
	dd := trip.DailyPnLR
	if dd > 0 {
		dd = 0
	}
	return p.deps.Mental.Evaluate(dd, now)
}

// buildGearContext assembles the decision context. Caller holds p.mu.
func (p *Pipeline) buildGearContext(trip risk.TripwireResult, mental risk.MentalResult, reg regime.Result, f telemetry.MarketFeatures, now time.Time) gear.Context {
	inSession := true
	if p.deps.Sessions != nil {
		inSession = p.deps.Sessions.Contains(now)
	}
	blackout := false
	if p.deps.News != nil {
		blackout, _ = p.deps.News.InBlackout(now)
	}
	dd := trip.DailyPnLR
	if dd > 0 {
		dd = 0
	}
	return gear.Context{
		DailyR:               trip.DailyPnLR,
		WeeklyR:              trip.WeeklyPnLR,
		ConsecutiveLosses:    p.deps.Governor.ConsecutiveLosses(),
		CurrentDrawdown:      dd,
		Regime:               string(reg.Regime),
		VolatilityPercentile: p.volPercentile(f.ATR),
		MentalState:          int(mental.State),
		DLLRemainingFraction: p.dllRemainingFraction(trip),
		TripwireActive:       !trip.CanTrade,
		InTradingSession:     inSession,
		NewsBlackoutActive:   blackout,
		KillSwitchActive:     p.killSwitch,
		PositionsOpen:        p.deps.Engine.TrackedOrders(),
	}
}

// volPercentile ranks the current ATR against the rolling sample.
// Caller holds p.mu.
func (p *Pipeline) volPercentile(atr float64) float64 {
	if atr <= 0 {
		return 0
	}
	below := 0
	for _, v := range p.recentATRs {
		if v < atr {
			below++
		}
	}
	pct := 0.5
	if n := len(p.recentATRs); n > 0 {
		pct = float64(below) / float64(n)
	}
	p.recentATRs = append(p.recentATRs, atr)
	if len(p.recentATRs) > atrWindow {
		p.recentATRs = p.recentATRs[len(p.recentATRs)-atrWindow:]
	}
	return pct
}

// dllRemainingFraction maps daily P&L onto the fraction of the daily
// loss limit still available: 1.0 at flat, 0.0 at the limit.
func (p *Pipeline) dllRemainingFraction(trip risk.TripwireResult) float64 {
	limit := p.deps.Constraints.Config().Safeguardrails.AutoFlatDailyLossR
	if limit >= 0 {
		return 1.0
	}
	frac := (trip.DailyPnLR - limit) / -limit
	if frac < 0 {
		return 0
	}
	if frac > 1 {
		return 1
	}
	return frac
}

// dllRemainingDollars converts the remaining daily loss budget into
// dollars for the sizer and constraint engine.
func (p *Pipeline) dllRemainingDollars(trip risk.TripwireResult) float64 {
	limit := p.deps.Constraints.Config().Safeguardrails.AutoFlatDailyLossR
	if limit >= 0 {
		return 0
	}
	remainingR := trip.DailyPnLR - limit
	if remainingR < 0 {
		remainingR = 0
	}
	return remainingR * p.deps.Governor.CurrentR()
}

func (p *Pipeline) finish(out Outcome) Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finishLocked(out)
}

// finishLocked records, publishes, and counts the outcome. Caller holds
// p.mu.
func (p *Pipeline) finishLocked(out Outcome) Outcome {
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now()
	}
	p.lastOutcome = out

	metrics.PipelineCycles.WithLabelValues(out.Status).Inc()
	if out.Status == StatusRejected {
		metrics.PipelineRejections.WithLabelValues(out.Stage).Inc()
	}

	evt := log.Info()
	if out.Status == StatusError {
		evt = log.Error()
	}
	evt.
		Str("account", out.Account).
		Str("status", out.Status).
		Str("stage", out.Stage).
		Str("reason", out.Reason).
		Str("gear", string(out.Gear)).
		Str("regime", string(out.Regime)).
		Msg("pipeline cycle")

	if p.deps.Sink != nil {
		p.deps.Sink.Publish(context.Background(), bus.NewEvent(bus.KindPipelineOutcome, out))
	}
	return out
}

func gearStates() []string {
	return []string{
		string(gear.Park), string(gear.Reverse), string(gear.Neutral),
		string(gear.Drive), string(gear.Low),
	}
}
