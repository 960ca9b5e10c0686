package metrics

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time view of system posture for the status
// endpoint. Prometheus carries the time series; this carries the
// human-readable state.
type Snapshot struct {
	Gear           string             `json:"gear"`
	GearReason     string             `json:"gear_reason"`
	RiskMultiplier float64            `json:"risk_multiplier"`
	CurrentRiskUSD float64            `json:"current_risk_usd"`
	DailyPnLR      float64            `json:"daily_pnl_r"`
	WeeklyPnLR     float64            `json:"weekly_pnl_r"`
	TradesToday    int                `json:"trades_today"`
	OpenOrders     int                `json:"open_orders"`
	Breakers       map[string]string  `json:"breakers"`
	LastCycle      time.Time          `json:"last_cycle"`
	LastCycleState string             `json:"last_cycle_state"`
	Uptime         string             `json:"uptime"`
	startedAt      time.Time
}

// StatusCollector holds the latest snapshot for the ops server.
type StatusCollector struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewStatusCollector starts the uptime clock.
func NewStatusCollector() *StatusCollector {
	return &StatusCollector{snap: Snapshot{
		Breakers:  make(map[string]string),
		startedAt: time.Now(),
	}}
}

// Update replaces the mutable fields of the snapshot.
func (c *StatusCollector) Update(fn func(*Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.snap)
}

// Snapshot returns a copy of the current state with uptime filled in.
func (c *StatusCollector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := c.snap
	out.Breakers = make(map[string]string, len(c.snap.Breakers))
	for k, v := range c.snap.Breakers {
		out.Breakers[k] = v
	}
	out.Uptime = time.Since(c.snap.startedAt).Round(time.Second).String()
	return out
}
