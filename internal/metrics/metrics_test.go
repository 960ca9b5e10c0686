package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGearMarksOneActive(t *testing.T) {
	gears := []string{"PARK", "REVERSE", "NEUTRAL", "DRIVE", "LOW"}
	SetGear("DRIVE", gears)

	assert.Equal(t, 1.0, testutil.ToFloat64(GearState.WithLabelValues("DRIVE")))
	assert.Equal(t, 0.0, testutil.ToFloat64(GearState.WithLabelValues("PARK")))

	SetGear("PARK", gears)
	assert.Equal(t, 1.0, testutil.ToFloat64(GearState.WithLabelValues("PARK")))
	assert.Equal(t, 0.0, testutil.ToFloat64(GearState.WithLabelValues("DRIVE")))
}

func TestSetBreakerStateEncoding(t *testing.T) {
	SetBreakerState("broker", "closed")
	assert.Equal(t, 0.0, testutil.ToFloat64(BreakerState.WithLabelValues("broker")))

	SetBreakerState("broker", "half-open")
	assert.Equal(t, 1.0, testutil.ToFloat64(BreakerState.WithLabelValues("broker")))

	SetBreakerState("broker", "open")
	assert.Equal(t, 2.0, testutil.ToFloat64(BreakerState.WithLabelValues("broker")))
}

func TestCountersAccumulate(t *testing.T) {
	before := testutil.ToFloat64(PipelineRejections.WithLabelValues("constraints"))
	PipelineRejections.WithLabelValues("constraints").Inc()
	PipelineRejections.WithLabelValues("constraints").Inc()
	assert.Equal(t, before+2, testutil.ToFloat64(PipelineRejections.WithLabelValues("constraints")))
}

func TestOrderCounterCarriesLabels(t *testing.T) {
	c := OrdersSubmitted.WithLabelValues("MNQ", "BUY")
	c.Inc()

	var m dto.Metric
	require.NoError(t, c.Write(&m))
	assert.GreaterOrEqual(t, m.GetCounter().GetValue(), 1.0)

	labels := map[string]string{}
	for _, lp := range m.GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	assert.Equal(t, "MNQ", labels["symbol"])
	assert.Equal(t, "BUY", labels["side"])
}

func TestStatusCollectorSnapshot(t *testing.T) {
	c := NewStatusCollector()
	c.Update(func(s *Snapshot) {
		s.Gear = "DRIVE"
		s.GearReason = "all systems nominal"
		s.DailyPnLR = -0.5
		s.TradesToday = 2
		s.Breakers["broker"] = "closed"
		s.LastCycle = time.Now()
	})

	snap := c.Snapshot()
	assert.Equal(t, "DRIVE", snap.Gear)
	assert.Equal(t, 2, snap.TradesToday)
	assert.Equal(t, "closed", snap.Breakers["broker"])
	require.NotEmpty(t, snap.Uptime)

	// The returned snapshot is a copy; mutating it does not leak back.
	snap.Breakers["broker"] = "open"
	assert.Equal(t, "closed", c.Snapshot().Breakers["broker"])
}
