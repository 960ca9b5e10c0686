package news

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Impact grades how market moving a scheduled release is.
type Impact string

const (
	ImpactHigh   Impact = "high"
	ImpactMedium Impact = "medium"
	ImpactLow    Impact = "low"
)

// Event is one scheduled economic release.
type Event struct {
	Time   time.Time `yaml:"time" json:"time"`
	Impact Impact    `yaml:"impact" json:"impact"`
	Title  string    `yaml:"title" json:"title"`
}

// Config controls the blackout window around qualifying events.
type Config struct {
	BeforeMinutes int      `yaml:"before_minutes"`
	AfterMinutes  int      `yaml:"after_minutes"`
	Impacts       []Impact `yaml:"impacts"`
}

// DefaultConfig blacks out 30 minutes either side of high-impact releases.
func DefaultConfig() Config {
	return Config{BeforeMinutes: 30, AfterMinutes: 30, Impacts: []Impact{ImpactHigh}}
}

// calendarFile is the on-disk shape of config/news.yaml.
type calendarFile struct {
	Blackout Config  `yaml:"blackout"`
	Events   []Event `yaml:"events"`
}

// Calendar answers blackout and proximity questions against a fixed event
// list. Read-only after construction.
type Calendar struct {
	events  []Event
	before  time.Duration
	after   time.Duration
	impacts map[Impact]bool
}

// NewCalendar builds a Calendar; events are sorted by time.
func NewCalendar(events []Event, cfg Config) *Calendar {
	if cfg.BeforeMinutes <= 0 && cfg.AfterMinutes <= 0 {
		cfg = DefaultConfig()
	}
	if len(cfg.Impacts) == 0 {
		cfg.Impacts = []Impact{ImpactHigh}
	}
	sorted := make([]Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	impacts := make(map[Impact]bool, len(cfg.Impacts))
	for _, im := range cfg.Impacts {
		impacts[im] = true
	}
	return &Calendar{
		events:  sorted,
		before:  time.Duration(cfg.BeforeMinutes) * time.Minute,
		after:   time.Duration(cfg.AfterMinutes) * time.Minute,
		impacts: impacts,
	}
}

// LoadCalendar reads a calendar YAML document.
func LoadCalendar(path string) (*Calendar, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read news calendar: %w", err)
	}
	var f calendarFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("failed to parse news calendar YAML: %w", err)
	}
	cal := NewCalendar(f.Events, f.Blackout)
	log.Info().Int("events", len(cal.events)).Str("path", path).Msg("Loaded news calendar")
	return cal, nil
}

// InBlackout reports whether now falls inside the blackout window of any
// qualifying event, with the event title as reason.
func (c *Calendar) InBlackout(now time.Time) (bool, string) {
	for _, ev := range c.events {
		if !c.impacts[ev.Impact] {
			continue
		}
		if !now.Before(ev.Time.Add(-c.before)) && now.Before(ev.Time.Add(c.after)) {
			return true, fmt.Sprintf("news blackout: %s at %s", ev.Title, ev.Time.Format("15:04"))
		}
	}
	return false, ""
}

// MinutesToNext returns minutes until the next qualifying event, or nil when
// none remain. A negative value is never returned.
func (c *Calendar) MinutesToNext(now time.Time) *float64 {
	for _, ev := range c.events {
		if !c.impacts[ev.Impact] {
			continue
		}
		if ev.Time.After(now) {
			m := ev.Time.Sub(now).Minutes()
			return &m
		}
	}
	return nil
}

// Len returns the number of loaded events.
func (c *Calendar) Len() int { return len(c.events) }
