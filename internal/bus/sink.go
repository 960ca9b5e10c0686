// Package bus fans pipeline events out to observers: the structured
// log, websocket dashboards, and anything else wired in as a Sink.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/gearbox/internal/gear"
)

// Event kinds published on the bus.
const (
	KindGearShift       = "gear_shift"
	KindTradePlaced     = "trade_placed"
	KindTradeClosed     = "trade_closed"
	KindPipelineOutcome = "pipeline_outcome"
	KindBreakerState    = "breaker_state"
	KindFlatten         = "flatten"
)

// Event is one observable state change. Payload must be JSON-encodable.
type Event struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now().UTC(), Payload: payload}
}

// Sink receives published events. Publish must not block the pipeline;
// slow consumers drop rather than stall.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

// LogSink writes every event to the structured log.
type LogSink struct{}

func (LogSink) Publish(_ context.Context, ev Event) {
	payload, _ := json.Marshal(ev.Payload)
	log.Info().
		Str("kind", ev.Kind).
		RawJSON("payload", normalizeJSON(payload)).
		Msg("event")
}

func normalizeJSON(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}

// MultiSink publishes to every child sink in order.
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Publish(ctx, ev)
	}
}

// GearNotifier adapts any Sink to the gear machine's broadcaster hook.
type GearNotifier struct {
	Sink Sink
}

func (n GearNotifier) NotifyGearShift(ctx context.Context, shift gear.Shift) {
	n.Sink.Publish(ctx, NewEvent(KindGearShift, shift))
}
