package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MentalState grades trader psychology from critical (1) to excellent (5).
type MentalState int

const (
	MentalCritical  MentalState = 1
	MentalPoor      MentalState = 2
	MentalNeutral   MentalState = 3
	MentalGood      MentalState = 4
	MentalExcellent MentalState = 5
)

func (s MentalState) String() string {
	switch s {
	case MentalCritical:
		return "CRITICAL"
	case MentalPoor:
		return "POOR"
	case MentalNeutral:
		return "NEUTRAL"
	case MentalGood:
		return "GOOD"
	case MentalExcellent:
		return "EXCELLENT"
	default:
		return fmt.Sprintf("MentalState(%d)", int(s))
	}
}

// Valid reports whether s is on the 1-5 scale.
func (s MentalState) Valid() bool {
	return s >= MentalCritical && s <= MentalExcellent
}

// MentalConfig holds multipliers and cooldowns per mental state,
// keyed by the 1-5 state value.
type MentalConfig struct {
	SizeMultipliers        map[int]float64 `yaml:"size_multipliers"`
	CooldownMinutes        map[int]int     `yaml:"cooldown_minutes"`
	AutoDisableOnStreak    int             `yaml:"auto_disable_on_streak"`     // Default: 3
	AutoDisableOnDrawdownR float64         `yaml:"auto_disable_on_drawdown_r"` // Default: -1.5
}

// DefaultMentalConfig returns the standard psychology ladder.
func DefaultMentalConfig() MentalConfig {
	return MentalConfig{
		SizeMultipliers: map[int]float64{
			5: 1.0,
			4: 0.9,
			3: 0.75,
			2: 0.5,
			1: 0.25,
		},
		CooldownMinutes: map[int]int{
			5: 0,
			4: 0,
			3: 15,
			2: 60,
			1: 240,
		},
		AutoDisableOnStreak:    3,
		AutoDisableOnDrawdownR: -1.5,
	}
}

// MentalResult is the outcome of a mental-state evaluation.
type MentalResult struct {
	State          MentalState `json:"state"`
	SizeMultiplier float64     `json:"size_multiplier"`
	CanTrade       bool        `json:"can_trade"`
	CooldownUntil  *time.Time  `json:"cooldown_until,omitempty"`
	Reason         string      `json:"reason"`
	AutoDetected   bool        `json:"auto_detected"`
}

// MentalGovernor downshifts position size or disables entries when
// psychology flags trip. State is auto-detected from loss streaks and
// recent drawdown unless the trader self-reports a level.
type MentalGovernor struct {
	mu  sync.Mutex
	cfg MentalConfig

	state             MentalState
	userState         *MentalState
	consecutiveLosses int
	recentDrawdownR   float64
	cooldownUntil     time.Time
	lastTradeTime     time.Time
}

// NewMentalGovernor creates a mental governor starting at NEUTRAL.
func NewMentalGovernor(cfg MentalConfig) *MentalGovernor {
	def := DefaultMentalConfig()
	if cfg.SizeMultipliers == nil {
		cfg.SizeMultipliers = def.SizeMultipliers
	}
	if cfg.CooldownMinutes == nil {
		cfg.CooldownMinutes = def.CooldownMinutes
	}
	if cfg.AutoDisableOnStreak == 0 {
		cfg.AutoDisableOnStreak = def.AutoDisableOnStreak
	}
	if cfg.AutoDisableOnDrawdownR == 0 {
		cfg.AutoDisableOnDrawdownR = def.AutoDisableOnDrawdownR
	}
	return &MentalGovernor{cfg: cfg, state: MentalNeutral}
}

// UpdateFromTrade feeds a closed trade result into the streak and
// drawdown trackers and re-detects state.
func (g *MentalGovernor) UpdateFromTrade(pnlR float64, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lastTradeTime = at
	if pnlR < 0 {
		g.consecutiveLosses++
		g.recentDrawdownR += pnlR
	} else {
		g.consecutiveLosses = 0
		if g.recentDrawdownR < 0 {
			g.recentDrawdownR = 0
		}
	}
	g.autoDetect()
}

// SetUserState records a self-reported mental level, which overrides
// auto-detection until cleared.
func (g *MentalGovernor) SetUserState(s MentalState, reason string) error {
	if !s.Valid() {
		return fmt.Errorf("mental state %d out of range 1-5", int(s))
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.userState = &s
	g.state = s
	log.Info().
		Str("state", s.String()).
		Str("reason", reason).
		Msg("user reported mental state")
	return nil
}

// ClearUserState resumes auto-detection.
func (g *MentalGovernor) ClearUserState() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.userState = nil
	g.autoDetect()
}

// Evaluate returns the current trading permission and size multiplier.
// currentDrawdownR is the account-level drawdown in R from the journal.
func (g *MentalGovernor) Evaluate(currentDrawdownR float64, now time.Time) MentalResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.cooldownUntil.IsZero() && now.Before(g.cooldownUntil) {
		until := g.cooldownUntil
		return MentalResult{
			State:          g.state,
			SizeMultiplier: 0,
			CanTrade:       false,
			CooldownUntil:  &until,
			Reason:         fmt.Sprintf("cooldown active until %s", until.Format(time.RFC3339)),
			AutoDetected:   g.userState == nil,
		}
	}

	if g.userState == nil {
		g.autoDetect()
	}

	canTrade := true
	reason := "all clear"

	if g.consecutiveLosses >= g.cfg.AutoDisableOnStreak {
		canTrade = false
		reason = fmt.Sprintf("auto-disable: %d consecutive losses", g.consecutiveLosses)
		g.startCooldown(now)
	}
	if currentDrawdownR <= g.cfg.AutoDisableOnDrawdownR {
		canTrade = false
		reason = fmt.Sprintf("auto-disable: drawdown %.2fR", currentDrawdownR)
		g.startCooldown(now)
	}

	mult, ok := g.cfg.SizeMultipliers[int(g.state)]
	if !ok {
		mult = 0.75
	}
	if currentDrawdownR < -0.5 {
		mult *= 0.8
	}
	if mult < 0 {
		mult = 0
	}

	res := MentalResult{
		State:          g.state,
		SizeMultiplier: mult,
		CanTrade:       canTrade,
		Reason:         reason,
		AutoDetected:   g.userState == nil,
	}
	if !g.cooldownUntil.IsZero() {
		until := g.cooldownUntil
		res.CooldownUntil = &until
	}
	return res
}

// State returns the current mental level.
func (g *MentalGovernor) State() MentalState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// ResetCooldown clears an active cooldown.
func (g *MentalGovernor) ResetCooldown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cooldownUntil = time.Time{}
	log.Info().Msg("mental governor cooldown reset")
}

// startCooldown arms the cooldown for the current state. Caller holds g.mu.
func (g *MentalGovernor) startCooldown(now time.Time) {
	mins, ok := g.cfg.CooldownMinutes[int(g.state)]
	if !ok {
		mins = 60
	}
	g.cooldownUntil = now.Add(time.Duration(mins) * time.Minute)
}

// autoDetect grades state from streaks and recent drawdown. The worst
// of the two signals wins. Caller holds g.mu.
func (g *MentalGovernor) autoDetect() {
	if g.userState != nil {
		return
	}

	detected := MentalNeutral
	switch {
	case g.consecutiveLosses >= 3:
		detected = MentalCritical
	case g.consecutiveLosses >= 2:
		detected = MentalPoor
	}
	switch {
	case g.recentDrawdownR <= -2.0:
		detected = MentalCritical
	case g.recentDrawdownR <= -1.0:
		if detected > MentalPoor {
			detected = MentalPoor
		}
	}

	g.state = detected
}
