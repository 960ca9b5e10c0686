// Package circuit wraps broker calls in a circuit breaker so a failing
// connection degrades to fast rejections instead of hammering the venue.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"gopkg.in/yaml.v3"
)

// ErrOpen is returned while the breaker is open. Callers should treat it
// as resource unavailability, not as a broker rejection.
var ErrOpen = errors.New("circuit breaker open")

// Config controls one breaker instance.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"` // Default: 5 consecutive failures
	Timeout          time.Duration `yaml:"timeout"`           // Default: 60s open cooldown
	RequestTimeout   time.Duration `yaml:"request_timeout"`   // Default: 10s per call
}

// UnmarshalYAML accepts timeout and request_timeout as duration
// strings ("60s", "10s"). Absent keys keep their current values.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		FailureThreshold *int    `yaml:"failure_threshold"`
		Timeout          *string `yaml:"timeout"`
		RequestTimeout   *string `yaml:"request_timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.FailureThreshold != nil {
		c.FailureThreshold = *raw.FailureThreshold
	}
	if raw.Timeout != nil {
		d, err := time.ParseDuration(*raw.Timeout)
		if err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
		c.Timeout = d
	}
	if raw.RequestTimeout != nil {
		d, err := time.ParseDuration(*raw.RequestTimeout)
		if err != nil {
			return fmt.Errorf("request_timeout: %w", err)
		}
		c.RequestTimeout = d
	}
	return nil
}

// DefaultConfig returns the standard breaker tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Timeout:          60 * time.Second,
		RequestTimeout:   10 * time.Second,
	}
}

// Stats is a snapshot of one breaker for status reporting.
type Stats struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalCalls          int64     `json:"total_calls"`
	TotalFailures       int64     `json:"total_failures"`
	LastFailureTime     time.Time `json:"last_failure_time,omitempty"`
}

// Breaker is a named circuit breaker around a single protected call-site.
// CLOSED trips to OPEN after FailureThreshold consecutive failures; OPEN
// rejects immediately until Timeout elapses, then HALF_OPEN admits one
// trial call. gobreaker provides the atomic state machine; this wrapper
// adds per-call timeouts, lifetime counters, and cooldown-aware errors.
type Breaker struct {
	name string
	cfg  Config
	cb   *gobreaker.CircuitBreaker

	totalCalls    atomic.Int64
	totalFailures atomic.Int64

	mu          sync.Mutex
	lastFailure time.Time
	openedAt    time.Time
}

// New creates a breaker with the given name and tuning. Zero config
// fields fall back to defaults.
func New(name string, cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}

	b := &Breaker{name: name, cfg: cfg}
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // exactly one trial call in half-open
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.ConsecutiveFailures) >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.mu.Lock()
				b.openedAt = time.Now()
				b.mu.Unlock()
			}
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	}
	b.cb = gobreaker.NewCircuitBreaker(st)
	return b
}

// Call runs fn through the breaker with the configured request timeout.
// While open it returns ErrOpen wrapped with the remaining cooldown and
// never invokes fn.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	b.totalCalls.Add(1)

	_, err := b.cb.Execute(func() (any, error) {
		cctx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
		defer cancel()
		return nil, fn(cctx)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s cooldown remaining", ErrOpen, b.remainingCooldown().Round(time.Second))
	}
	if err != nil {
		b.totalFailures.Add(1)
		b.mu.Lock()
		b.lastFailure = time.Now()
		b.mu.Unlock()
	}
	return err
}

// State returns "closed", "half-open" or "open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	last := b.lastFailure
	b.mu.Unlock()
	return Stats{
		Name:                b.name,
		State:               b.cb.State().String(),
		ConsecutiveFailures: int(b.cb.Counts().ConsecutiveFailures),
		TotalCalls:          b.totalCalls.Load(),
		TotalFailures:       b.totalFailures.Load(),
		LastFailureTime:     last,
	}
}

// remainingCooldown reports time left before the open breaker admits a
// trial call. Zero once the window has passed.
func (b *Breaker) remainingCooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openedAt.IsZero() {
		return 0
	}
	rem := b.cfg.Timeout - time.Since(b.openedAt)
	if rem < 0 {
		return 0
	}
	return rem
}

// Manager owns one breaker per protected call-site.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewManager creates an empty breaker registry.
func NewManager() *Manager {
	return &Manager{breakers: make(map[string]*Breaker)}
}

// Add registers a breaker under name, replacing any previous one.
func (m *Manager) Add(name string, cfg Config) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := New(name, cfg)
	m.breakers[name] = b
	return b
}

// Get returns the breaker registered under name.
func (m *Manager) Get(name string) (*Breaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[name]
	return b, ok
}

// Call routes through the named breaker; an unregistered name executes
// fn directly.
func (m *Manager) Call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	b, ok := m.Get(name)
	if !ok {
		return fn(ctx)
	}
	return b.Call(ctx, fn)
}

// Stats returns snapshots for every registered breaker.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.Stats()
	}
	return out
}
