package execution

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Check is the guard's verdict on execution conditions.
type Check struct {
	Approved         bool    `json:"approved"`
	Reason           string  `json:"reason"`
	OrderType        string  `json:"order_type"` // LIMIT, MARKET, POST_ONLY
	MaxSlippageTicks float64 `json:"max_slippage_ticks"`
}

// GuardConfig tunes the execution-quality checks.
type GuardConfig struct {
	MaxSpreadTicks   float64       `yaml:"max_spread_ticks"`   // Default: 2.0
	MinDepthMultiple float64       `yaml:"min_depth_multiple"` // Default: 3.0 (x order size)
	MaxSlippageTicks float64       `yaml:"max_slippage_ticks"` // Default: 1.0
	PreferLimit      bool          `yaml:"prefer_limit"`       // Default: true
	PreferPostOnly   bool          `yaml:"prefer_post_only"`   // Default: false
	MaxOrderWait     time.Duration `yaml:"max_order_wait"`     // Default: 2s
}

// UnmarshalYAML accepts max_order_wait as a duration string ("2s").
// Absent keys keep their current values.
func (c *GuardConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxSpreadTicks   *float64 `yaml:"max_spread_ticks"`
		MinDepthMultiple *float64 `yaml:"min_depth_multiple"`
		MaxSlippageTicks *float64 `yaml:"max_slippage_ticks"`
		PreferLimit      *bool    `yaml:"prefer_limit"`
		PreferPostOnly   *bool    `yaml:"prefer_post_only"`
		MaxOrderWait     *string  `yaml:"max_order_wait"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.MaxSpreadTicks != nil {
		c.MaxSpreadTicks = *raw.MaxSpreadTicks
	}
	if raw.MinDepthMultiple != nil {
		c.MinDepthMultiple = *raw.MinDepthMultiple
	}
	if raw.MaxSlippageTicks != nil {
		c.MaxSlippageTicks = *raw.MaxSlippageTicks
	}
	if raw.PreferLimit != nil {
		c.PreferLimit = *raw.PreferLimit
	}
	if raw.PreferPostOnly != nil {
		c.PreferPostOnly = *raw.PreferPostOnly
	}
	if raw.MaxOrderWait != nil {
		d, err := time.ParseDuration(*raw.MaxOrderWait)
		if err != nil {
			return fmt.Errorf("max_order_wait: %w", err)
		}
		c.MaxOrderWait = d
	}
	return nil
}

// DefaultGuardConfig returns the standard execution quality gates.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		MaxSpreadTicks:   2.0,
		MinDepthMultiple: 3.0,
		MaxSlippageTicks: 1.0,
		PreferLimit:      true,
		MaxOrderWait:     2 * time.Second,
	}
}

// GuardInput carries the market conditions for one validation. Depth
// and slippage are optional; nil skips the respective check.
type GuardInput struct {
	SpreadTicks float64
	OrderSize   int
	BidDepth    *float64
	AskDepth    *float64
	SlippageP90 *float64
}

// Guard validates execution quality before any order reaches a broker.
type Guard struct {
	cfg GuardConfig
}

// NewGuard builds a guard.
func NewGuard(cfg GuardConfig) *Guard {
	if cfg.MaxOrderWait <= 0 {
		cfg.MaxOrderWait = 2 * time.Second
	}
	return &Guard{cfg: cfg}
}

// Validate checks spread, book depth, and slippage history. A high
// historical P90 slippage does not reject; it forces a limit order.
func (g *Guard) Validate(in GuardInput) Check {
	if in.SpreadTicks > g.cfg.MaxSpreadTicks {
		return Check{
			Approved:  false,
			Reason:    fmt.Sprintf("spread %.1f ticks > limit %.1f", in.SpreadTicks, g.cfg.MaxSpreadTicks),
			OrderType: "LIMIT",
		}
	}

	if in.BidDepth != nil && in.AskDepth != nil {
		required := float64(in.OrderSize) * g.cfg.MinDepthMultiple
		if *in.BidDepth < required || *in.AskDepth < required {
			return Check{
				Approved: false,
				Reason: fmt.Sprintf("insufficient book depth: bid=%.0f ask=%.0f required=%.0f",
					*in.BidDepth, *in.AskDepth, required),
				OrderType: "LIMIT",
			}
		}
	}

	if in.SlippageP90 != nil && *in.SlippageP90 > g.cfg.MaxSlippageTicks {
		return Check{
			Approved:         true,
			Reason:           fmt.Sprintf("high slippage risk (P90=%.1f ticks), forcing limit order", *in.SlippageP90),
			OrderType:        "LIMIT",
			MaxSlippageTicks: g.cfg.MaxSlippageTicks,
		}
	}

	orderType := "MARKET"
	switch {
	case g.cfg.PreferPostOnly && in.SpreadTicks <= 1.0:
		// Tight book: rest passively and collect the spread.
		orderType = "POST_ONLY"
	case g.cfg.PreferLimit || in.SpreadTicks > 1.0:
		orderType = "LIMIT"
	}
	return Check{
		Approved:         true,
		Reason:           "execution conditions acceptable",
		OrderType:        orderType,
		MaxSlippageTicks: g.cfg.MaxSlippageTicks,
	}
}

// ShouldCancel reports whether a stale resting order should be pulled:
// older than the configured wait and less than half filled.
func (g *Guard) ShouldCancel(orderAge time.Duration, fillPct float64) bool {
	if orderAge > g.cfg.MaxOrderWait && fillPct < 0.5 {
		log.Warn().
			Dur("age", orderAge).
			Float64("fill_pct", fillPct).
			Msg("order cancellation recommended")
		return true
	}
	return false
}

// ExpectedSlippage estimates slippage ticks for an order. Limit orders
// assume half the spread; market orders add impact for size above 5
// lots, floored by the historical median when known.
func (g *Guard) ExpectedSlippage(spreadTicks float64, orderType string, orderSize int, historicalP50 *float64) float64 {
	base := spreadTicks * 0.5
	if orderType == "LIMIT" {
		return base
	}
	impact := 0.0
	if orderSize > 5 {
		impact = 0.5
	}
	est := base + impact
	if historicalP50 != nil && *historicalP50 > est {
		return *historicalP50
	}
	return est
}
