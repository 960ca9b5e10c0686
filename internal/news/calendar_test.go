package news

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCalendar() (*Calendar, time.Time) {
	fomc := time.Date(2025, 3, 19, 14, 0, 0, 0, time.UTC)
	events := []Event{
		{Time: fomc, Impact: ImpactHigh, Title: "FOMC Statement"},
		{Time: fomc.Add(-3 * time.Hour), Impact: ImpactLow, Title: "Crude Inventories"},
	}
	return NewCalendar(events, DefaultConfig()), fomc
}

func TestCalendar_InBlackout(t *testing.T) {
	cal, fomc := testCalendar()

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"well before", fomc.Add(-2 * time.Hour), false},
		{"31 minutes before", fomc.Add(-31 * time.Minute), false},
		{"30 minutes before", fomc.Add(-30 * time.Minute), true},
		{"at release", fomc, true},
		{"29 minutes after", fomc.Add(29 * time.Minute), true},
		{"30 minutes after", fomc.Add(30 * time.Minute), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := cal.InBlackout(tt.at)
			assert.Equal(t, tt.want, got)
			if tt.want {
				assert.Contains(t, reason, "FOMC")
			}
		})
	}
}

func TestCalendar_LowImpactIgnored(t *testing.T) {
	cal, fomc := testCalendar()
	lowTime := fomc.Add(-3 * time.Hour)

	blackout, _ := cal.InBlackout(lowTime)
	assert.False(t, blackout, "low impact events do not trigger blackout by default")
}

func TestCalendar_MinutesToNext(t *testing.T) {
	cal, fomc := testCalendar()

	m := cal.MinutesToNext(fomc.Add(-45 * time.Minute))
	require.NotNil(t, m)
	assert.InDelta(t, 45.0, *m, 1e-9)

	assert.Nil(t, cal.MinutesToNext(fomc.Add(time.Hour)), "no qualifying events remain")
}

func TestLoadCalendar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "news.yaml")
	doc := `blackout:
  before_minutes: 15
  after_minutes: 10
  impacts: [high, medium]
events:
  - time: 2025-03-19T14:00:00Z
    impact: high
    title: FOMC Statement
  - time: 2025-03-19T12:30:00Z
    impact: medium
    title: CPI
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cal, err := LoadCalendar(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cal.Len())

	blackout, reason := cal.InBlackout(time.Date(2025, 3, 19, 12, 20, 0, 0, time.UTC))
	assert.True(t, blackout, "medium impact configured into blackout set")
	assert.Contains(t, reason, "CPI")
}
