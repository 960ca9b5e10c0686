package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Direction is the trade direction of a signal.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Signal is the normalized output contract of every strategy and external
// signal source. Contracts is zero until the position sizer sets it; the
// pipeline run that created the signal owns it until hand-off to the
// execution engine.
type Signal struct {
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	Entry      float64   `json:"entry"`
	Stop       float64   `json:"stop"`
	Target     float64   `json:"target"`
	Contracts  int       `json:"contracts"`
	Strategy   string    `json:"strategy"`
	Regime     string    `json:"regime"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
	Notes      string    `json:"notes,omitempty"`
}

// StopPoints returns the distance between entry and stop in price points.
func (s *Signal) StopPoints() float64 {
	return math.Abs(s.Entry - s.Stop)
}

// RewardRisk returns the target-to-stop ratio, or 0 when no target is set.
func (s *Signal) RewardRisk() float64 {
	stop := s.StopPoints()
	if stop == 0 || s.Target == 0 {
		return 0
	}
	return math.Abs(s.Target-s.Entry) / stop
}

// Validate checks the fields every downstream stage relies on.
func (s *Signal) Validate() error {
	if strings.TrimSpace(s.Symbol) == "" {
		return fmt.Errorf("signal missing symbol")
	}
	if s.Direction != Long && s.Direction != Short {
		return fmt.Errorf("signal %s: invalid direction %q", s.Symbol, s.Direction)
	}
	if s.Entry <= 0 {
		return fmt.Errorf("signal %s: entry price %.4f must be positive", s.Symbol, s.Entry)
	}
	if s.Stop <= 0 {
		return fmt.Errorf("signal %s: stop price %.4f must be positive", s.Symbol, s.Stop)
	}
	if s.StopPoints() == 0 {
		return fmt.Errorf("signal %s: stop equals entry, no risk distance", s.Symbol)
	}
	if s.Direction == Long && s.Stop >= s.Entry {
		return fmt.Errorf("signal %s: long stop %.4f must be below entry %.4f", s.Symbol, s.Stop, s.Entry)
	}
	if s.Direction == Short && s.Stop <= s.Entry {
		return fmt.Errorf("signal %s: short stop %.4f must be above entry %.4f", s.Symbol, s.Stop, s.Entry)
	}
	return nil
}
