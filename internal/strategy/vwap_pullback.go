// Package strategy holds the reference signal producer. It exists to
// exercise the full pipeline end to end; production deployments are
// expected to feed signals from external platforms instead.
package strategy

import (
	"fmt"
	"time"

	"github.com/sawpanic/gearbox/internal/domain"
	"github.com/sawpanic/gearbox/internal/telemetry"
)

// VWAPPullbackConfig tunes the reference producer.
type VWAPPullbackConfig struct {
	Symbol          string  `yaml:"symbol"`            // Default: MNQ
	RiskReward      float64 `yaml:"risk_reward"`       // Default: 2.0
	MaxVWAPDistPct  float64 `yaml:"max_vwap_dist_pct"` // Default: 0.5
	MinADX          float64 `yaml:"min_adx"`           // Default: 25.0
	StopATRFraction float64 `yaml:"stop_atr_fraction"` // Default: 0.5
}

// DefaultVWAPPullbackConfig returns the standard tuning.
func DefaultVWAPPullbackConfig() VWAPPullbackConfig {
	return VWAPPullbackConfig{
		Symbol:          "MNQ",
		RiskReward:      2.0,
		MaxVWAPDistPct:  0.5,
		MinADX:          25.0,
		StopATRFraction: 0.5,
	}
}

// VWAPPullback is a long-only trend-following producer: in a TREND
// regime with a rising VWAP, it buys pullbacks toward VWAP with an
// ATR-fraction stop and a fixed reward multiple target.
type VWAPPullback struct {
	cfg VWAPPullbackConfig
	now func() time.Time
}

// NewVWAPPullback builds the producer; zero config fields fall back to
// defaults.
func NewVWAPPullback(cfg VWAPPullbackConfig) *VWAPPullback {
	def := DefaultVWAPPullbackConfig()
	if cfg.Symbol == "" {
		cfg.Symbol = def.Symbol
	}
	if cfg.RiskReward <= 0 {
		cfg.RiskReward = def.RiskReward
	}
	if cfg.MaxVWAPDistPct <= 0 {
		cfg.MaxVWAPDistPct = def.MaxVWAPDistPct
	}
	if cfg.MinADX <= 0 {
		cfg.MinADX = def.MinADX
	}
	if cfg.StopATRFraction <= 0 {
		cfg.StopATRFraction = def.StopATRFraction
	}
	return &VWAPPullback{cfg: cfg, now: time.Now}
}

// Generate implements domain.Producer. No setup returns (nil, nil).
func (s *VWAPPullback) Generate(f telemetry.MarketFeatures, regime string) (*domain.Signal, error) {
	if regime != "TREND" {
		return nil, nil
	}
	if f.ADX < s.cfg.MinADX {
		return nil, nil
	}
	if f.VWAP <= 0 || f.ATR <= 0 {
		return nil, nil
	}
	// Rising VWAP: today's slope beats its own 20-session median.
	if f.VWAPSlopeAbs <= f.VWAPSlopeMedian {
		return nil, nil
	}

	entry := f.VWAP
	stop := entry - f.ATR*s.cfg.StopATRFraction
	target := entry + (entry-stop)*s.cfg.RiskReward

	confidence := 0.7
	if f.ADX > 30 {
		confidence += 0.1
	}

	sig := &domain.Signal{
		Symbol:     s.cfg.Symbol,
		Direction:  domain.Long,
		Entry:      entry,
		Stop:       stop,
		Target:     target,
		Contracts:  1, // sized downstream
		Strategy:   "vwap_pullback",
		Regime:     regime,
		Confidence: confidence,
		Timestamp:  s.now(),
		Notes:      fmt.Sprintf("VWAP pullback, ADX=%.1f", f.ADX),
	}
	if err := sig.Validate(); err != nil {
		return nil, fmt.Errorf("vwap pullback produced invalid signal: %w", err)
	}
	return sig, nil
}
