package domain

import "github.com/sawpanic/gearbox/internal/telemetry"

// Producer turns a feature snapshot into a trade signal. A nil signal
// with nil error means no setup this cycle.
type Producer interface {
	Generate(f telemetry.MarketFeatures, regime string) (*Signal, error)
}
