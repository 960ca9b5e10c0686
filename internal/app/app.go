// Package app wires the service together: config in, running pipeline
// out. All construction is explicit; nothing reaches for globals except
// the process-wide logger and Prometheus registry.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/gearbox/data/cache"
	"github.com/sawpanic/gearbox/internal/broker"
	"github.com/sawpanic/gearbox/internal/bus"
	"github.com/sawpanic/gearbox/internal/circuit"
	"github.com/sawpanic/gearbox/internal/config"
	"github.com/sawpanic/gearbox/internal/constraints"
	"github.com/sawpanic/gearbox/internal/execution"
	"github.com/sawpanic/gearbox/internal/gear"
	"github.com/sawpanic/gearbox/internal/instruments"
	"github.com/sawpanic/gearbox/internal/metrics"
	"github.com/sawpanic/gearbox/internal/news"
	"github.com/sawpanic/gearbox/internal/ops"
	"github.com/sawpanic/gearbox/internal/pipeline"
	"github.com/sawpanic/gearbox/internal/regime"
	"github.com/sawpanic/gearbox/internal/risk"
	"github.com/sawpanic/gearbox/internal/session"
	"github.com/sawpanic/gearbox/internal/sizing"
	"github.com/sawpanic/gearbox/internal/store"
	"github.com/sawpanic/gearbox/internal/strategy"
	"github.com/sawpanic/gearbox/internal/telemetry"
)

// barWindow bounds the rolling bar sample fed to the feature
// calculator each cycle.
const barWindow = 120

// scalingLookback is how many journal trades feed a scaling review.
const scalingLookback = 30

// App owns every long-lived component of the service.
type App struct {
	cfg  config.Config
	loc  *time.Location
	spec *instruments.Service

	db       store.Store
	trade    broker.Adapter
	breaker  *circuit.Breaker
	seen     execution.SeenSet
	engine   *execution.Engine
	manager  *execution.Manager
	governor *risk.Governor
	mental   *risk.MentalGovernor
	gears    *gear.Machine
	calendar *news.Calendar

	pipe      *pipeline.Pipeline
	pipelines *pipeline.Service

	hub    *bus.Hub
	status *metrics.StatusCollector
	server *ops.Server
	jobs   *cron.Cron

	bars []telemetry.Bar
}

// New builds the full service from configuration. Constraint ceiling
// violations and unreachable stores are fatal here, before any order
// can be placed.
func New(cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(cfg.Service.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Service.Timezone, err)
	}

	specs := instruments.DefaultService()
	if cfg.Instruments != "" {
		specs, err = instruments.LoadService(cfg.Instruments)
		if err != nil {
			return nil, fmt.Errorf("failed to load instrument specs: %w", err)
		}
	}

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	var trade broker.Adapter
	switch cfg.Broker.Mode {
	case config.BrokerBridge:
		trade = broker.NewBridge(cfg.Broker.Bridge, cache.NewAuto())
	default:
		trade = broker.NewPaper(cfg.Broker.Paper, specs)
	}

	brk := circuit.New("broker", cfg.Breaker)

	var seen execution.SeenSet
	if cfg.FillDedupe.Dir != "" {
		seen, err = execution.NewBadgerSeenSet(cfg.FillDedupe.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open fill dedupe store: %w", err)
		}
	} else {
		seen = execution.NewMemorySeenSet(cfg.FillDedupe.MaxKeys)
	}

	guard := execution.NewGuard(cfg.Guard)
	engine := execution.NewEngine(cfg.Engine, trade, brk, guard, seen, db, specs)

	consCfg, err := constraints.LoadConfig(cfg.Constraints)
	if err != nil {
		return nil, err
	}
	cons, err := constraints.NewEngine(consCfg)
	if err != nil {
		return nil, err
	}

	var calendar *news.Calendar
	if cfg.News != "" {
		calendar, err = news.LoadCalendar(cfg.News)
		if err != nil {
			return nil, fmt.Errorf("failed to load news calendar: %w", err)
		}
	}

	sessions, err := session.NewCalendar(consCfg.Timezone, consCfg.Cadence.TradingSessions)
	if err != nil {
		return nil, err
	}

	hub := bus.NewHub()
	sink := bus.MultiSink{bus.LogSink{}, hub}

	governor := risk.NewGovernor(cfg.Governor, db, loc)
	mental := risk.NewMentalGovernor(cfg.Mental)
	gears := gear.NewMachine(cfg.Gear, db, bus.GearNotifier{Sink: sink})
	sizer := sizing.NewSizer(cfg.Sizer, specs)

	strat := cfg.Strategy
	if strat.Symbol == "" {
		strat.Symbol = cfg.Service.Symbol
	}
	producer := strategy.NewVWAPPullback(strat)

	tick := tickSize(specs, cfg.Service.Symbol)
	manager := execution.NewManager(tick)
	trail := cfg.Trail

	pipe, err := pipeline.New(pipeline.Config{
		Account:       cfg.Service.Account,
		AccountEquity: cfg.Service.AccountEquity,
	}, pipeline.Deps{
		Calculator:  telemetry.NewCalculator(tick),
		Classifier:  regime.NewClassifier(cfg.Regime),
		Governor:    governor,
		Mental:      mental,
		Gears:       gears,
		Constraints: cons,
		Sizer:       sizer,
		Engine:      engine,
		Manager:     manager,
		Trail:       &trail,
		Producer:    producer,
		News:        calendar,
		Sessions:    sessions,
		Sink:        sink,
	})
	if err != nil {
		return nil, err
	}

	pipelines := pipeline.NewService()
	if err := pipelines.Register(pipe); err != nil {
		return nil, err
	}

	a := &App{
		cfg:       cfg,
		loc:       loc,
		spec:      specs,
		db:        db,
		trade:     trade,
		breaker:   brk,
		seen:      seen,
		engine:    engine,
		manager:   manager,
		governor:  governor,
		mental:    mental,
		gears:     gears,
		calendar:  calendar,
		pipe:      pipe,
		pipelines: pipelines,
		hub:       hub,
		status:    metrics.NewStatusCollector(),
	}

	a.server = ops.NewServer(ops.Config{ListenAddr: cfg.Ops.ListenAddr}, ops.Deps{
		Status:    a.status,
		Pipelines: pipelines,
		Hub:       hub,
		Flatten:   a.flatten,
	})

	if err := a.schedule(); err != nil {
		return nil, err
	}
	return a, nil
}

// schedule registers the periodic jobs. Specs use six fields, seconds
// first.
func (a *App) schedule() error {
	c := cron.New(cron.WithSeconds(), cron.WithLocation(a.loc))

	ctx := context.Background()
	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		{"stale-order-sweep", a.cfg.Jobs.StaleOrderSweep, func() {
			if n := a.engine.SweepStaleOrders(ctx, time.Now()); n > 0 {
				log.Info().Int("cancelled", n).Msg("stale order sweep")
			}
		}},
		{"reconcile", a.cfg.Jobs.Reconcile, func() {
			if err := a.engine.Reconcile(ctx); err != nil {
				log.Error().Err(err).Msg("periodic reconcile failed")
			}
		}},
		{"scaling-review", a.cfg.Jobs.ScalingReview, func() {
			a.scalingReview(ctx)
		}},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if _, err := c.AddFunc(j.spec, j.fn); err != nil {
			return fmt.Errorf("invalid %s schedule %q: %w", j.name, j.spec, err)
		}
	}

	a.jobs = c
	return nil
}

// scalingReview rolls the governor's day counters and re-evaluates the
// dollar risk unit from the journal.
func (a *App) scalingReview(ctx context.Context) {
	now := time.Now().In(a.loc)
	a.governor.CheckTripwires(ctx, now)

	records, err := a.db.RecentTrades(ctx, scalingLookback)
	if err != nil {
		log.Error().Err(err).Msg("scaling review: failed to read journal")
		return
	}

	// RecentTrades is newest first; metrics want journal order.
	outcomes := make([]risk.TradeOutcome, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].PnLR == nil {
			continue
		}
		outcomes = append(outcomes, risk.TradeOutcome{PnLR: *records[i].PnLR})
	}
	if len(outcomes) < risk.MinTradesForScaling {
		log.Debug().
			Int("trades", len(outcomes)).
			Int("required", risk.MinTradesForScaling).
			Msg("scaling review skipped: journal too thin")
		return
	}

	m := risk.ComputeMetrics(outcomes)
	newR, err := a.governor.EvaluateScaling(ctx, m)
	if err != nil {
		log.Error().Err(err).Msg("scaling review failed")
		return
	}
	log.Info().
		Float64("current_r", newR).
		Float64("profit_factor", m.ProfitFactor).
		Float64("expected_r", m.ExpectedR).
		Msg("scaling review complete")
}

func (a *App) flatten(ctx context.Context, account, reason string) ([]execution.FlattenOutcome, error) {
	if _, ok := a.pipelines.Get(account); !ok {
		return nil, fmt.Errorf("unknown account %q", account)
	}
	return a.engine.FlattenAll(ctx, reason), nil
}

// Run starts the service and blocks until ctx is cancelled. A failed
// boot reconcile aborts startup: trading on an unknown order book is
// worse than not trading.
func (a *App) Run(ctx context.Context) error {
	if err := a.governor.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore governor state: %w", err)
	}
	if err := a.engine.Reconcile(ctx); err != nil {
		return fmt.Errorf("boot reconciliation failed: %w", err)
	}

	a.jobs.Start()
	serverErr := make(chan error, 1)
	go func() { serverErr <- a.server.Start() }()

	log.Info().
		Str("account", a.cfg.Service.Account).
		Str("symbol", a.cfg.Service.Symbol).
		Str("broker", a.cfg.Broker.Mode).
		Dur("cycle", a.cfg.Service.CycleInterval).
		Msg("gearbox running")

	ticker := time.NewTicker(a.cfg.Service.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return a.shutdown()
		case err := <-serverErr:
			if err != nil {
				return fmt.Errorf("ops server failed: %w", err)
			}
		case <-ticker.C:
			a.cycle(ctx)
		}
	}
}

// cycle samples the market, runs the pipeline once the bar window is
// warm, and refreshes the status snapshot.
func (a *App) cycle(ctx context.Context) {
	symbol := a.cfg.Service.Symbol

	px, err := a.trade.GetPrice(ctx, symbol)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("price fetch failed, skipping cycle")
		return
	}
	a.appendBar(px)

	if len(a.bars) < telemetry.MinBars {
		log.Debug().Int("bars", len(a.bars)).Msg("warming bar window")
		return
	}

	var quote *telemetry.Quote
	if q, err := a.trade.GetBidAsk(ctx, symbol); err == nil {
		quote = &telemetry.Quote{Bid: q.Bid, Ask: q.Ask}
	}

	out, err := a.pipe.RunCycle(ctx, a.bars, quote)
	if err != nil {
		log.Error().Err(err).Msg("pipeline cycle failed")
	}
	a.updateManaged(ctx, px)
	a.refreshStatus(out)
}

func (a *App) appendBar(px float64) {
	bar := telemetry.Bar{
		Time: time.Now().In(a.loc), Open: px, High: px, Low: px, Close: px,
		Volume: 1,
	}
	a.bars = append(a.bars, bar)
	if len(a.bars) > barWindow {
		a.bars = a.bars[len(a.bars)-barWindow:]
	}
}

// updateManaged advances in-trade management for every live position
// and feeds completed trades back to the governor and journal.
func (a *App) updateManaged(ctx context.Context, px float64) {
	now := time.Now().In(a.loc)
	for _, id := range a.manager.ActiveIDs() {
		upd := a.manager.Update(id, px, 0)
		if !upd.ShouldExit {
			continue
		}
		pos, ok := a.manager.Close(id)
		if !ok {
			continue
		}
		pnlR := pos.UnrealizedR
		exit := store.TradeExit{
			ExitPrice:  px,
			PnLDollars: pnlR * a.governor.CurrentR(),
			PnLR:       pnlR,
			ExitReason: upd.ExitReason,
			ExitedAt:   now,
		}
		if err := a.engine.CloseTrade(ctx, id, exit); err != nil {
			log.Error().Err(err).Str("order_id", id).Msg("failed to close trade")
		}
		if err := a.pipe.RecordTradeResult(ctx, pnlR, now); err != nil {
			log.Error().Err(err).Str("order_id", id).Msg("failed to record trade result")
		}
	}
}

func (a *App) refreshStatus(out pipeline.Outcome) {
	gov := a.governor.Snapshot()
	breakerState := a.breaker.State()
	metrics.SetBreakerState("broker", breakerState)

	a.status.Update(func(s *metrics.Snapshot) {
		s.Gear = string(out.Gear)
		s.GearReason = out.Reason
		s.CurrentRiskUSD = gov.CurrentR
		s.DailyPnLR = gov.DailyPnLR
		s.WeeklyPnLR = gov.WeeklyPnLR
		s.OpenOrders = a.engine.TrackedOrders()
		s.Breakers["broker"] = breakerState
		s.LastCycle = out.Timestamp
		s.LastCycleState = out.Status
	})
}

func (a *App) shutdown() error {
	log.Info().Msg("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	<-a.jobs.Stop().Done()
	if err := a.server.Shutdown(stopCtx); err != nil {
		log.Error().Err(err).Msg("ops server shutdown failed")
	}
	a.hub.Close()
	if err := a.seen.Close(); err != nil {
		log.Error().Err(err).Msg("fill dedupe store close failed")
	}
	if err := a.db.Close(); err != nil {
		log.Error().Err(err).Msg("store close failed")
	}
	return nil
}

func tickSize(specs *instruments.Service, symbol string) float64 {
	tick, err := specs.TickSize(symbol)
	if err != nil || tick <= 0 {
		return 0.25
	}
	return tick
}

// Engine exposes the execution engine for CLI subcommands.
func (a *App) Engine() *execution.Engine { return a.engine }

// Store exposes the journal for CLI subcommands.
func (a *App) Store() store.Store { return a.db }

// Close releases resources without running the service. Used by
// one-shot CLI subcommands.
func (a *App) Close() error {
	a.hub.Close()
	if err := a.seen.Close(); err != nil {
		return err
	}
	return a.db.Close()
}
