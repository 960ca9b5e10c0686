package regime

import (
	"fmt"
	"strings"

	"github.com/sawpanic/gearbox/internal/telemetry"
)

// Regime labels the current market condition.
type Regime string

const (
	Trend    Regime = "TREND"
	Range    Regime = "RANGE"
	Volatile Regime = "VOLATILE"
	NoTrade  Regime = "NOTRADE"
)

// Multiplier returns the position sizing multiplier for the regime.
// Trending markets size down (tighter stops), ranging markets size up
// (wider stops), and NOTRADE suppresses sizing entirely.
func (r Regime) Multiplier() float64 {
	switch r {
	case Trend:
		return 0.85
	case Range:
		return 1.15
	case NoTrade:
		return 0.0
	default:
		return 1.0
	}
}

// IsTradeable reports whether the regime allows new entries.
func (r Regime) IsTradeable() bool {
	return r != NoTrade
}

// Config holds thresholds for regime classification.
type Config struct {
	ADXTrendThreshold   float64 `yaml:"adx_trend_threshold"`   // Default: 25.0
	ADXRangeThreshold   float64 `yaml:"adx_range_threshold"`   // Default: 20.0
	ADXStrongRange      float64 `yaml:"adx_strong_range"`      // Default: 15.0
	SpreadLimitTicks    float64 `yaml:"spread_limit_ticks"`    // Default: 2.0
	NewsBlackoutMinutes float64 `yaml:"news_blackout_minutes"` // Default: 30
	ORHoldMinutesTrend  int     `yaml:"or_hold_minutes_trend"` // Default: 30
}

// DefaultConfig returns the standard classification thresholds.
func DefaultConfig() Config {
	return Config{
		ADXTrendThreshold:   25.0,
		ADXRangeThreshold:   20.0,
		ADXStrongRange:      15.0,
		SpreadLimitTicks:    2.0,
		NewsBlackoutMinutes: 30,
		ORHoldMinutesTrend:  30,
	}
}

// Result contains the regime classification with confidence and reasoning.
type Result struct {
	Regime     Regime  `json:"regime"`
	Confidence float64 `json:"confidence"` // 0.0-1.0
	Reason     string  `json:"reason"`
}

// Classifier classifies market features into a regime.
//
// Classification rules, checked in order:
//   - NOTRADE: news within blackout window OR spread above limit
//   - TREND:   ADX above trend threshold AND (VWAP slope above median OR opening range held)
//   - RANGE:   ADX below range threshold AND VWAP slope at or below median
//   - VOLATILE: everything else
type Classifier struct {
	cfg Config
}

// NewClassifier creates a classifier with the given thresholds.
func NewClassifier(cfg Config) *Classifier {
	return &Classifier{cfg: cfg}
}

// Classify determines the market regime from computed features.
func (c *Classifier) Classify(f telemetry.MarketFeatures) Result {
	if res, ok := c.checkNoTrade(f); ok {
		return res
	}
	if res, ok := c.checkTrend(f); ok {
		return res
	}
	if res, ok := c.checkRange(f); ok {
		return res
	}
	return Result{
		Regime:     Volatile,
		Confidence: 0.6,
		Reason:     fmt.Sprintf("ADX=%.1f between thresholds, unclear direction", f.ADX),
	}
}

func (c *Classifier) checkNoTrade(f telemetry.MarketFeatures) (Result, bool) {
	var reasons []string

	if f.NewsProximityMin != nil && *f.NewsProximityMin <= c.cfg.NewsBlackoutMinutes {
		reasons = append(reasons, fmt.Sprintf("news event in %.0f minutes", *f.NewsProximityMin))
	}
	if f.SpreadTicks > c.cfg.SpreadLimitTicks {
		reasons = append(reasons, fmt.Sprintf("spread %.1f ticks > limit %.1f", f.SpreadTicks, c.cfg.SpreadLimitTicks))
	}

	if len(reasons) == 0 {
		return Result{}, false
	}
	return Result{
		Regime:     NoTrade,
		Confidence: 1.0,
		Reason:     strings.Join(reasons, "; "),
	}, true
}

func (c *Classifier) checkTrend(f telemetry.MarketFeatures) (Result, bool) {
	if f.ADX <= c.cfg.ADXTrendThreshold {
		return Result{}, false
	}

	slopeAboveMedian := f.VWAPSlopeAbs > f.VWAPSlopeMedian
	orHoldSufficient := f.ORHoldMinutes >= c.cfg.ORHoldMinutesTrend
	if !slopeAboveMedian && !orHoldSufficient {
		return Result{}, false
	}

	confidence := 0.8
	if slopeAboveMedian && orHoldSufficient {
		confidence = 0.95
	}

	parts := []string{fmt.Sprintf("ADX=%.1f > %.0f", f.ADX, c.cfg.ADXTrendThreshold)}
	if slopeAboveMedian {
		parts = append(parts, "VWAP slope above median")
	}
	if orHoldSufficient {
		parts = append(parts, fmt.Sprintf("OR held %dmin", f.ORHoldMinutes))
	}

	return Result{
		Regime:     Trend,
		Confidence: confidence,
		Reason:     strings.Join(parts, "; "),
	}, true
}

func (c *Classifier) checkRange(f telemetry.MarketFeatures) (Result, bool) {
	if f.ADX >= c.cfg.ADXRangeThreshold {
		return Result{}, false
	}
	if f.VWAPSlopeAbs > f.VWAPSlopeMedian {
		return Result{}, false
	}

	confidence := 0.75
	if f.ADX < c.cfg.ADXStrongRange {
		confidence = 0.9
	}

	return Result{
		Regime:     Range,
		Confidence: confidence,
		Reason:     fmt.Sprintf("ADX=%.1f < %.0f, VWAP slope <= median", f.ADX, c.cfg.ADXRangeThreshold),
	}, true
}
