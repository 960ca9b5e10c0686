package execution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/gearbox/internal/domain"
)

func managedLong() *domain.Signal {
	return &domain.Signal{
		Symbol:    "MNQ",
		Direction: domain.Long,
		Entry:     15000,
		Stop:      14990, // 10-point risk per lot
		Target:    15030,
		Contracts: 4,
	}
}

func TestBreakEvenTrailActivatesAtOneR(t *testing.T) {
	m := NewManager(0.25)
	trail := DefaultTrailConfig()
	m.Register("O-1", managedLong(), &trail, nil, 0)

	// +0.5R: stop stays where it started.
	upd := m.Update("O-1", 15005, 0)
	assert.False(t, upd.StopMoved)
	p, _ := m.Position("O-1")
	assert.Equal(t, 14990.0, p.CurrentStop)

	// +1R: stop ratchets to break-even.
	upd = m.Update("O-1", 15010, 0)
	require.True(t, upd.StopMoved)
	assert.Equal(t, 15000.0, upd.NewStop)

	// Further progress never moves a break-even stop again.
	upd = m.Update("O-1", 15020, 0)
	assert.False(t, upd.StopMoved)
}

func TestATRTrailRatchetsOnlyInFavor(t *testing.T) {
	m := NewManager(0.25)
	trail := TrailConfig{Mode: TrailATR, ATRMultiplier: 2.0, ActivationR: 1.0, MinTrailTicks: 4.0}
	m.Register("O-1", managedLong(), &trail, nil, 0)

	// +1.5R with 4-point ATR: stop = 15015 - 8 = 15007.
	upd := m.Update("O-1", 15015, 4)
	require.True(t, upd.StopMoved)
	assert.Equal(t, 15007.0, upd.NewStop)

	// Pullback: the stop stands pat instead of loosening.
	upd = m.Update("O-1", 15011, 4)
	assert.False(t, upd.StopMoved)
	p, _ := m.Position("O-1")
	assert.Equal(t, 15007.0, p.CurrentStop)

	// New high ratchets again.
	upd = m.Update("O-1", 15020, 4)
	require.True(t, upd.StopMoved)
	assert.Equal(t, 15012.0, upd.NewStop)
}

func TestATRTrailFloorsAtMinTicks(t *testing.T) {
	m := NewManager(0.25)
	trail := TrailConfig{Mode: TrailATR, ATRMultiplier: 2.0, ActivationR: 1.0, MinTrailTicks: 8.0}
	m.Register("O-1", managedLong(), &trail, nil, 0)

	// Tiny ATR: distance floors at 8 ticks * 0.25 = 2 points.
	upd := m.Update("O-1", 15015, 0.5)
	require.True(t, upd.StopMoved)
	assert.Equal(t, 15013.0, upd.NewStop)
}

func TestATRTrailStandsPatWithoutATR(t *testing.T) {
	m := NewManager(0.25)
	trail := TrailConfig{Mode: TrailATR, ATRMultiplier: 2.0, ActivationR: 1.0, MinTrailTicks: 4.0}
	m.Register("O-1", managedLong(), &trail, nil, 0)

	upd := m.Update("O-1", 15015, 0)
	assert.False(t, upd.StopMoved)
}

func TestScaleOutFiresOncePerTarget(t *testing.T) {
	m := NewManager(0.25)
	rules := []ScaleOutRule{{TargetR: 1.0, ExitPercent: 0.5}}
	m.Register("O-1", managedLong(), nil, rules, 0)

	upd := m.Update("O-1", 15010, 0) // +1R
	assert.Equal(t, 2, upd.ScaleOutQty)
	assert.Equal(t, 1.0, upd.ScaleOutTargetR)
	p, _ := m.Position("O-1")
	assert.Equal(t, 2, p.Remaining)

	// Price hovers at the same target: no second exit.
	upd = m.Update("O-1", 15012, 0)
	assert.Zero(t, upd.ScaleOutQty)
	p, _ = m.Position("O-1")
	assert.Equal(t, 2, p.Remaining)
}

func TestScaleOutLadder(t *testing.T) {
	m := NewManager(0.25)
	rules := []ScaleOutRule{
		{TargetR: 1.0, ExitPercent: 0.5},
		{TargetR: 2.0, ExitPercent: 0.5},
	}
	sig := managedLong()
	sig.Target = 15100 // keep the take-profit out of the way
	m.Register("O-1", sig, nil, rules, 0)

	upd := m.Update("O-1", 15010, 0)
	assert.Equal(t, 2, upd.ScaleOutQty)
	upd = m.Update("O-1", 15020, 0)
	assert.Equal(t, 1, upd.ScaleOutQty)
	assert.Equal(t, 2.0, upd.ScaleOutTargetR)
	p, _ := m.Position("O-1")
	assert.Equal(t, 1, p.Remaining)
}

func TestTimeStop(t *testing.T) {
	m := NewManager(0.25)
	m.Register("O-1", managedLong(), nil, nil, 3)

	for i := 0; i < 2; i++ {
		upd := m.Update("O-1", 15001, 0)
		assert.False(t, upd.ShouldExit)
	}
	upd := m.Update("O-1", 15001, 0)
	require.True(t, upd.ShouldExit)
	assert.Contains(t, upd.ExitReason, "time stop")
}

func TestStopAndTargetExits(t *testing.T) {
	m := NewManager(0.25)
	m.Register("O-1", managedLong(), nil, nil, 0)

	upd := m.Update("O-1", 14990, 0)
	require.True(t, upd.ShouldExit)
	assert.Equal(t, "stop loss hit", upd.ExitReason)

	m.Register("O-2", managedLong(), nil, nil, 0)
	upd = m.Update("O-2", 15030, 0)
	require.True(t, upd.ShouldExit)
	assert.Equal(t, "take profit hit", upd.ExitReason)
}

func TestShortPositionManagement(t *testing.T) {
	m := NewManager(0.25)
	sig := &domain.Signal{
		Symbol:    "MNQ",
		Direction: domain.Short,
		Entry:     15000,
		Stop:      15010,
		Target:    14970,
		Contracts: 2,
	}
	trail := DefaultTrailConfig()
	m.Register("O-1", sig, &trail, nil, 0)

	// +1R for a short is a 10-point drop; break-even stop is the entry.
	upd := m.Update("O-1", 14990, 0)
	require.True(t, upd.StopMoved)
	assert.Equal(t, 15000.0, upd.NewStop)

	upd = m.Update("O-1", 15000, 0)
	require.True(t, upd.ShouldExit)
	assert.Equal(t, "stop loss hit", upd.ExitReason)
}

func TestUnrealizedRTracking(t *testing.T) {
	m := NewManager(0.25)
	m.Register("O-1", managedLong(), nil, nil, 0)

	m.Update("O-1", 15015, 0)
	p, ok := m.Position("O-1")
	require.True(t, ok)
	assert.InDelta(t, 1.5, p.UnrealizedR, 1e-9)
}

func TestCloseRemovesPosition(t *testing.T) {
	m := NewManager(0.25)
	m.Register("O-1", managedLong(), nil, nil, 0)
	require.Equal(t, 1, m.Active())

	p, ok := m.Close("O-1")
	require.True(t, ok)
	assert.Equal(t, "O-1", p.OrderID)
	assert.Zero(t, m.Active())

	_, ok = m.Close("O-1")
	assert.False(t, ok)
}

func TestUnknownOrderUpdateIsNoop(t *testing.T) {
	m := NewManager(0.25)
	upd := m.Update("nope", 15000, 0)
	assert.Equal(t, PositionUpdate{}, upd)
}
