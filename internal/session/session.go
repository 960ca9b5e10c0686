package session

import (
	"fmt"
	"strings"
	"time"
)

// Window is a daily time window expressed in minutes since midnight.
// Windows may wrap past midnight (e.g. an 18:00-02:00 overnight session).
type Window struct {
	Start int
	End   int
	Label string
}

// ParseWindow parses "HH:MM-HH:MM" into a Window.
func ParseWindow(s string) (Window, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 2 {
		return Window{}, fmt.Errorf("session window %q: want HH:MM-HH:MM", s)
	}
	start, err := parseClock(parts[0])
	if err != nil {
		return Window{}, fmt.Errorf("session window %q: %w", s, err)
	}
	end, err := parseClock(parts[1])
	if err != nil {
		return Window{}, fmt.Errorf("session window %q: %w", s, err)
	}
	if start == end {
		return Window{}, fmt.Errorf("session window %q: zero length", s)
	}
	return Window{Start: start, End: end, Label: s}, nil
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("bad clock %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock %q out of range", s)
	}
	return h*60 + m, nil
}

// contains reports whether minute-of-day m falls inside the window,
// inclusive of start and exclusive of end.
func (w Window) contains(m int) bool {
	if w.Start < w.End {
		return m >= w.Start && m < w.End
	}
	// wraps midnight
	return m >= w.Start || m < w.End
}

// Calendar answers "is now inside a trading session" in a fixed exchange
// timezone. Read-only after construction.
type Calendar struct {
	loc     *time.Location
	windows []Window
}

// NewCalendar builds a Calendar from an IANA timezone name and window
// strings. An empty window list means always in session.
func NewCalendar(tz string, windows []string) (*Calendar, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("session timezone %q: %w", tz, err)
	}
	c := &Calendar{loc: loc}
	for _, s := range windows {
		w, err := ParseWindow(s)
		if err != nil {
			return nil, err
		}
		c.windows = append(c.windows, w)
	}
	return c, nil
}

// Contains reports whether t falls inside any configured window.
func (c *Calendar) Contains(t time.Time) bool {
	if len(c.windows) == 0 {
		return true
	}
	local := t.In(c.loc)
	m := local.Hour()*60 + local.Minute()
	for _, w := range c.windows {
		if w.contains(m) {
			return true
		}
	}
	return false
}

// Location returns the calendar's exchange timezone.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// Windows returns the configured window labels for logging.
func (c *Calendar) Windows() []string {
	out := make([]string, len(c.windows))
	for i, w := range c.windows {
		out[i] = w.Label
	}
	return out
}
