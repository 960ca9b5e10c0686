// Package constraints implements the layered trade validation chain:
// user-configurable limits clamped by non-bypassable safeguardrails.
package constraints

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// CapitalConstraints bound per-trade risk relative to equity and the
// daily loss limit.
type CapitalConstraints struct {
	MaxRiskPerTradePct  float64 `yaml:"max_risk_per_trade_pct"`
	DLLFractionPerTrade float64 `yaml:"dll_fraction_per_trade"`
	MaxPositionSizePct  float64 `yaml:"max_position_size_pct"`
}

// CadenceConstraints limit how often trades may be taken.
type CadenceConstraints struct {
	MaxTradesPerDay     int      `yaml:"max_trades_per_day"`
	MaxTradesPerWeek    int      `yaml:"max_trades_per_week"`
	TradingSessions     []string `yaml:"trading_sessions"`
	NewsBlackoutMinutes []int    `yaml:"news_blackout_minutes"` // [before, after]
}

// QualityGateConstraints reject trades in poor execution conditions.
type QualityGateConstraints struct {
	MaxSpreadTicks      float64 `yaml:"max_spread_ticks"`
	MaxEstSlippageTicks float64 `yaml:"max_est_slippage_ticks"`
	MaxLatencyMs        float64 `yaml:"max_latency_ms"`
	MinLiquidityDepth   float64 `yaml:"min_liquidity_depth"`
}

// PsychologyConstraints gate trading on the operator's mental state.
type PsychologyConstraints struct {
	MinMentalState           int     `yaml:"min_mental_state"`
	PostDrawdownStepdownPct  float64 `yaml:"post_drawdown_stepdown_r_pct"`
	ConsecutiveLossReduction float64 `yaml:"consecutive_loss_reduction"`
}

// Safeguardrails are non-bypassable ceilings and floors. User
// configuration that exceeds any of these is a boot failure, never a
// silent clamp.
type Safeguardrails struct {
	MaxRiskPerTradePctCeiling  float64 `yaml:"max_risk_per_trade_pct_ceiling"`
	DLLFractionPerTradeCeiling float64 `yaml:"dll_fraction_per_trade_ceiling"`
	AutoFlatDailyLossR         float64 `yaml:"auto_flat_daily_loss_r"`
	AutoFlatWeeklyLossR        float64 `yaml:"auto_flat_weekly_loss_r"`
	MinMentalStateFloor        int     `yaml:"min_mental_state_floor"`
	MaxSpreadTicksCeiling      float64 `yaml:"max_spread_ticks_ceiling"`
	MaxTradesPerDayCeiling     int     `yaml:"max_trades_per_day_ceiling"`
}

// Config is the complete user constraints document.
type Config struct {
	Capital           CapitalConstraints     `yaml:"capital"`
	Cadence           CadenceConstraints     `yaml:"cadence"`
	QualityGates      QualityGateConstraints `yaml:"quality_gates"`
	Psychology        PsychologyConstraints  `yaml:"psychology"`
	ComplianceProfile string                 `yaml:"compliance_profile"`
	AllowedSymbols    []string               `yaml:"allowed_symbols"`
	Safeguardrails    Safeguardrails         `yaml:"safeguardrails"`
	Timezone          string                 `yaml:"timezone"`
}

type configFile struct {
	Constraints Config `yaml:"constraints"`
}

// DefaultConfig returns conservative single-trader defaults.
func DefaultConfig() Config {
	return Config{
		Capital: CapitalConstraints{
			MaxRiskPerTradePct:  0.5,
			DLLFractionPerTrade: 0.10,
			MaxPositionSizePct:  5.0,
		},
		Cadence: CadenceConstraints{
			MaxTradesPerDay:     1,
			MaxTradesPerWeek:    5,
			TradingSessions:     []string{"08:30-11:00"},
			NewsBlackoutMinutes: []int{30, 30},
		},
		QualityGates: QualityGateConstraints{
			MaxSpreadTicks:      2.0,
			MaxEstSlippageTicks: 2.0,
			MaxLatencyMs:        150.0,
			MinLiquidityDepth:   3.0,
		},
		Psychology: PsychologyConstraints{
			MinMentalState:           3,
			PostDrawdownStepdownPct:  50.0,
			ConsecutiveLossReduction: 0.75,
		},
		ComplianceProfile: "generic",
		AllowedSymbols:    []string{"MNQ"},
		Safeguardrails:    DefaultSafeguardrails(),
		Timezone:          "America/Chicago",
	}
}

// DefaultSafeguardrails returns the system ceilings.
func DefaultSafeguardrails() Safeguardrails {
	return Safeguardrails{
		MaxRiskPerTradePctCeiling:  2.0,
		DLLFractionPerTradeCeiling: 0.10,
		AutoFlatDailyLossR:         -2.0,
		AutoFlatWeeklyLossR:        -5.0,
		MinMentalStateFloor:        1,
		MaxSpreadTicksCeiling:      5.0,
		MaxTradesPerDayCeiling:     10,
	}
}

// LoadConfig reads a constraints YAML document. Missing file falls back
// to defaults; a file that exists but fails validation is an error.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("read constraints config: %w", err)
	}
	var f configFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Config{}, fmt.Errorf("parse constraints config %s: %w", path, err)
	}
	cfg := f.Constraints
	applyConfigDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyConfigDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Safeguardrails == (Safeguardrails{}) {
		cfg.Safeguardrails = def.Safeguardrails
	}
	if len(cfg.AllowedSymbols) == 0 {
		cfg.AllowedSymbols = def.AllowedSymbols
	}
	if cfg.ComplianceProfile == "" {
		cfg.ComplianceProfile = def.ComplianceProfile
	}
	if cfg.Timezone == "" {
		cfg.Timezone = def.Timezone
	}
	if len(cfg.Cadence.TradingSessions) == 0 {
		cfg.Cadence.TradingSessions = def.Cadence.TradingSessions
	}
	if len(cfg.Cadence.NewsBlackoutMinutes) == 0 {
		cfg.Cadence.NewsBlackoutMinutes = def.Cadence.NewsBlackoutMinutes
	}
	if cfg.Capital.MaxRiskPerTradePct == 0 {
		cfg.Capital = def.Capital
	}
	if cfg.Cadence.MaxTradesPerDay == 0 {
		cfg.Cadence.MaxTradesPerDay = def.Cadence.MaxTradesPerDay
		cfg.Cadence.MaxTradesPerWeek = def.Cadence.MaxTradesPerWeek
	}
	if cfg.QualityGates.MaxSpreadTicks == 0 {
		cfg.QualityGates = def.QualityGates
	}
	if cfg.Psychology.MinMentalState == 0 {
		cfg.Psychology = def.Psychology
	}
}

// Validate checks the configuration against its safeguardrails. Every
// violated field is reported so an operator can fix the document in one
// pass; any violation aborts startup.
func (c Config) Validate() error {
	sg := c.Safeguardrails
	var violations []string

	if c.Capital.MaxRiskPerTradePct > sg.MaxRiskPerTradePctCeiling {
		violations = append(violations, fmt.Sprintf(
			"capital.max_risk_per_trade_pct %.2f exceeds ceiling %.2f",
			c.Capital.MaxRiskPerTradePct, sg.MaxRiskPerTradePctCeiling))
	}
	if c.Capital.DLLFractionPerTrade > sg.DLLFractionPerTradeCeiling {
		violations = append(violations, fmt.Sprintf(
			"capital.dll_fraction_per_trade %.2f exceeds ceiling %.2f",
			c.Capital.DLLFractionPerTrade, sg.DLLFractionPerTradeCeiling))
	}
	if c.Cadence.MaxTradesPerDay > sg.MaxTradesPerDayCeiling {
		violations = append(violations, fmt.Sprintf(
			"cadence.max_trades_per_day %d exceeds ceiling %d",
			c.Cadence.MaxTradesPerDay, sg.MaxTradesPerDayCeiling))
	}
	if c.QualityGates.MaxSpreadTicks > sg.MaxSpreadTicksCeiling {
		violations = append(violations, fmt.Sprintf(
			"quality_gates.max_spread_ticks %.1f exceeds ceiling %.1f",
			c.QualityGates.MaxSpreadTicks, sg.MaxSpreadTicksCeiling))
	}
	if c.Psychology.MinMentalState < sg.MinMentalStateFloor {
		violations = append(violations, fmt.Sprintf(
			"psychology.min_mental_state %d below floor %d",
			c.Psychology.MinMentalState, sg.MinMentalStateFloor))
	}
	if len(c.Cadence.NewsBlackoutMinutes) != 2 {
		violations = append(violations, fmt.Sprintf(
			"cadence.news_blackout_minutes wants [before, after], got %d values",
			len(c.Cadence.NewsBlackoutMinutes)))
	}
	if len(c.AllowedSymbols) == 0 {
		violations = append(violations, "allowed_symbols is empty")
	}

	if len(violations) > 0 {
		return fmt.Errorf("constraint configuration violates safeguardrails:\n  %s",
			strings.Join(violations, "\n  "))
	}
	return nil
}
