// Package sizing converts a risk-dollar budget and stop distance into a
// contract count, normalized for volatility and capped by account and
// daily-loss-limit constraints.
package sizing

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/gearbox/internal/instruments"
)

const (
	// Volatility multiplier bounds: size widens in calm markets and
	// shrinks in volatile ones, never by more than these factors.
	volAdjustMin = 0.67
	volAdjustMax = 1.5

	mentalReduceBelow  = 3
	mentalReduceFactor = 0.50
)

// Config bounds the sizer's output.
type Config struct {
	MinContracts int     `yaml:"min_contracts"`
	MaxRiskPct   float64 `yaml:"max_risk_pct"`  // fraction of equity, default 0.02
	DLLRiskPct   float64 `yaml:"dll_risk_pct"`  // fraction of remaining DLL, default 0.10
	MaxContracts int     `yaml:"max_contracts"` // 0 = unlimited
}

// DefaultConfig returns the standard sizing bounds.
func DefaultConfig() Config {
	return Config{
		MinContracts: 1,
		MaxRiskPct:   0.02,
		DLLRiskPct:   0.10,
	}
}

// Input carries one sizing request.
type Input struct {
	Symbol        string
	RiskDollars   float64
	StopPoints    float64
	ATRCurrent    float64
	ATRBaseline   float64
	DLLRemaining  float64 // 0 = no DLL constraint
	MentalState   int     // 1-5
	AccountEquity float64 // 0 = no equity constraint
}

// Breakdown records every adjustment applied to the risk budget so the
// final contract count can be audited step by step.
type Breakdown struct {
	Contracts     int     `json:"contracts"`
	InitialRisk   float64 `json:"initial_risk"`
	AdjustedRisk  float64 `json:"adjusted_risk"`
	VolMultiplier float64 `json:"vol_multiplier"`
	MentalReduced bool    `json:"mental_reduced"`
	DLLCapped     bool    `json:"dll_capped"`
	EquityCapped  bool    `json:"equity_capped"`
	RiskPerLot    float64 `json:"risk_per_lot"`
	BelowMinimum  bool    `json:"below_minimum"`
}

// Sizer computes position sizes using instrument point values.
type Sizer struct {
	cfg   Config
	specs *instruments.Service
}

// NewSizer builds a sizer over the given instrument specs.
func NewSizer(cfg Config, specs *instruments.Service) *Sizer {
	if cfg.MinContracts <= 0 {
		cfg.MinContracts = 1
	}
	if cfg.MaxRiskPct <= 0 {
		cfg.MaxRiskPct = 0.02
	}
	if cfg.DLLRiskPct <= 0 {
		cfg.DLLRiskPct = 0.10
	}
	return &Sizer{cfg: cfg, specs: specs}
}

// Size computes the contract count for in. A zero contract count with a
// nil error means the position is legitimately too small to take.
func (s *Sizer) Size(in Input) (Breakdown, error) {
	bd := Breakdown{InitialRisk: in.RiskDollars}

	if in.RiskDollars <= 0 {
		return bd, fmt.Errorf("risk dollars must be positive, got %.2f", in.RiskDollars)
	}
	if in.StopPoints <= 0 {
		return bd, fmt.Errorf("stop distance must be positive, got %.2f", in.StopPoints)
	}
	if in.ATRCurrent <= 0 || in.ATRBaseline <= 0 {
		return bd, fmt.Errorf("ATR values must be positive (current=%.2f baseline=%.2f)",
			in.ATRCurrent, in.ATRBaseline)
	}

	pointValue, err := s.specs.PointValue(in.Symbol)
	if err != nil {
		return bd, err
	}

	risk := in.RiskDollars

	// Mental state: halve the budget when below the sharpness floor.
	if in.MentalState > 0 && in.MentalState < mentalReduceBelow {
		risk *= mentalReduceFactor
		bd.MentalReduced = true
		log.Info().Int("mental_state", in.MentalState).Msg("mental state low, halving position risk")
	}

	// Volatility normalization, bounded to avoid extreme swings.
	volAdjust := clip(in.ATRBaseline/in.ATRCurrent, volAdjustMin, volAdjustMax)
	risk *= volAdjust
	bd.VolMultiplier = volAdjust

	// DLL cap.
	if in.DLLRemaining > 0 {
		if limit := in.DLLRemaining * s.cfg.DLLRiskPct; risk > limit {
			risk = limit
			bd.DLLCapped = true
		}
	}

	// Equity cap.
	if in.AccountEquity > 0 {
		if limit := in.AccountEquity * s.cfg.MaxRiskPct; risk > limit {
			risk = limit
			bd.EquityCapped = true
		}
	}

	bd.AdjustedRisk = risk
	bd.RiskPerLot = in.StopPoints * pointValue

	contracts := int(math.Floor(risk / bd.RiskPerLot))
	if s.cfg.MaxContracts > 0 && contracts > s.cfg.MaxContracts {
		contracts = s.cfg.MaxContracts
	}
	if contracts < s.cfg.MinContracts {
		bd.BelowMinimum = true
		log.Info().
			Int("contracts", contracts).
			Int("minimum", s.cfg.MinContracts).
			Msg("position below minimum size, skipping")
		return bd, nil
	}
	bd.Contracts = contracts

	log.Info().
		Str("symbol", in.Symbol).
		Float64("risk_initial", bd.InitialRisk).
		Float64("risk_adjusted", bd.AdjustedRisk).
		Float64("vol_multiplier", volAdjust).
		Int("contracts", contracts).
		Msg("position sized")
	return bd, nil
}

// StopDistancePoints converts entry and stop prices into a stop distance
// for the given direction ("LONG" or "SHORT").
func StopDistancePoints(entry, stop float64, direction string) (float64, error) {
	switch direction {
	case "LONG":
		return entry - stop, nil
	case "SHORT":
		return stop - entry, nil
	default:
		return 0, fmt.Errorf("invalid direction %q", direction)
	}
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
