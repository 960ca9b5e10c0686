package gear

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nominalContext() Context {
	return Context{
		DailyR:               0.5,
		WeeklyR:              1.0,
		ConsecutiveLosses:    0,
		CurrentDrawdown:      0,
		Regime:               "TREND",
		VolatilityPercentile: 0.5,
		MentalState:          4,
		DLLRemainingFraction: 1.0,
		InTradingSession:     true,
	}
}

func TestDriveWhenNominal(t *testing.T) {
	m := NewMachine(DefaultConfig(), nil, nil)
	state, reason := m.Determine(nominalContext())
	assert.Equal(t, Drive, state)
	assert.Equal(t, "all systems nominal", reason)
}

func TestParkConditions(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Context)
	}{
		{"kill switch", func(c *Context) { c.KillSwitchActive = true }},
		{"tripwire", func(c *Context) { c.TripwireActive = true }},
		{"daily limit exact", func(c *Context) { c.DailyR = -2.0 }},
		{"weekly limit", func(c *Context) { c.WeeklyR = -5.0 }},
		{"drawdown limit", func(c *Context) { c.CurrentDrawdown = -0.10 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMachine(DefaultConfig(), nil, nil)
			c := nominalContext()
			tc.mutate(&c)
			state, _ := m.Determine(c)
			assert.Equal(t, Park, state)
		})
	}
}

func TestParkOverridesEverything(t *testing.T) {
	m := NewMachine(DefaultConfig(), nil, nil)
	c := nominalContext()
	c.KillSwitchActive = true
	c.InTradingSession = false // would be NEUTRAL
	c.DailyR = -1.6            // would be REVERSE
	state, reason := m.Determine(c)
	assert.Equal(t, Park, state)
	assert.Equal(t, "kill switch activated", reason)
}

func TestReverseHysteresis(t *testing.T) {
	m := NewMachine(DefaultConfig(), nil, nil)
	ctx := context.Background()

	c := nominalContext()
	c.DailyR = -1.6
	state, _ := m.Shift(ctx, c)
	require.Equal(t, Reverse, state)

	// Partial recovery: stays in REVERSE below the exit level.
	c.DailyR = -0.8
	state, reason := m.Shift(ctx, c)
	assert.Equal(t, Reverse, state)
	assert.Equal(t, "still in recovery mode", reason)

	// Recovery past the exit threshold shifts straight to DRIVE.
	c.DailyR = -0.4
	state, _ = m.Shift(ctx, c)
	assert.Equal(t, Drive, state)
}

func TestReverseHysteresisOnlyAppliesFromReverse(t *testing.T) {
	// A machine not currently in REVERSE with daily R between the
	// trigger and exit levels must not enter recovery mode.
	m := NewMachine(DefaultConfig(), nil, nil)
	c := nominalContext()
	c.DailyR = -0.8
	state, _ := m.Determine(c)
	assert.Equal(t, Drive, state)
}

func TestNeutralConditions(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Context)
		reason string
	}{
		{"outside session", func(c *Context) { c.InTradingSession = false }, "outside trading session"},
		{"news blackout", func(c *Context) { c.NewsBlackoutActive = true }, "news blackout window"},
		{"notrade regime", func(c *Context) { c.Regime = "NOTRADE" }, "market regime: NOTRADE"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMachine(DefaultConfig(), nil, nil)
			c := nominalContext()
			tc.mutate(&c)
			state, reason := m.Determine(c)
			assert.Equal(t, Neutral, state)
			assert.Equal(t, tc.reason, reason)
		})
	}
}

func TestLowGearAccumulatesReasons(t *testing.T) {
	m := NewMachine(DefaultConfig(), nil, nil)
	c := nominalContext()
	c.ConsecutiveLosses = 2
	c.MentalState = 2
	state, reason := m.Determine(c)
	assert.Equal(t, Low, state)
	assert.Contains(t, reason, "loss streak (2)")
	assert.Contains(t, reason, "mental state 2/5")
	assert.Contains(t, reason, " | ")
}

func TestLowGearSingleTriggers(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Context)
	}{
		{"loss streak", func(c *Context) { c.ConsecutiveLosses = 2 }},
		{"high volatility", func(c *Context) { c.VolatilityPercentile = 0.8 }},
		{"low mental", func(c *Context) { c.MentalState = 2 }},
		{"dll nearly spent", func(c *Context) { c.DLLRemainingFraction = 0.25 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMachine(DefaultConfig(), nil, nil)
			c := nominalContext()
			tc.mutate(&c)
			state, _ := m.Determine(c)
			assert.Equal(t, Low, state)
		})
	}
}

func TestMultipliers(t *testing.T) {
	assert.Equal(t, 0.0, Park.Multiplier())
	assert.Equal(t, 0.5, Reverse.Multiplier())
	assert.Equal(t, 0.0, Neutral.Multiplier())
	assert.Equal(t, 1.0, Drive.Multiplier())
	assert.Equal(t, 0.65, Low.Multiplier())
}

func TestCanTrade(t *testing.T) {
	assert.False(t, Park.CanTrade())
	assert.True(t, Reverse.CanTrade())
	assert.False(t, Neutral.CanTrade())
	assert.True(t, Drive.CanTrade())
	assert.True(t, Low.CanTrade())
}

type captureStore struct {
	shifts []Shift
}

func (c *captureStore) LogGearShift(_ context.Context, s Shift) error {
	c.shifts = append(c.shifts, s)
	return nil
}

func TestShiftPersistsOnlyOnChange(t *testing.T) {
	store := &captureStore{}
	m := NewMachine(DefaultConfig(), store, nil)
	ctx := context.Background()

	c := nominalContext()
	state, _ := m.Shift(ctx, c) // NEUTRAL -> DRIVE
	require.Equal(t, Drive, state)
	require.Len(t, store.shifts, 1)
	assert.Equal(t, Neutral, store.shifts[0].From)
	assert.Equal(t, Drive, store.shifts[0].To)

	// Same context again: no gear change, no persistence.
	m.Shift(ctx, c)
	assert.Len(t, store.shifts, 1)
	assert.Len(t, m.History(0), 1)
}

func TestHistoryBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxShiftHistory = 5
	m := NewMachine(cfg, nil, nil)
	ctx := context.Background()

	drive := nominalContext()
	park := nominalContext()
	park.KillSwitchActive = true
	for i := 0; i < 20; i++ {
		m.Shift(ctx, drive)
		m.Shift(ctx, park)
	}
	hist := m.History(0)
	assert.Len(t, hist, 5)
	// Newest last.
	assert.Equal(t, Park, hist[4].To)
}
