// Package event delivers auction notifications. Delivery is fire-and-forget:
// a sink must not block the engine and its failures never affect state.
package event

import (
	"context"
	"log/slog"
	"sync"

	"github.com/atmx/auction-engine/internal/model"
)

// Sink receives committed notifications.
type Sink interface {
	Publish(ctx context.Context, ev model.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev model.Event)

func (f SinkFunc) Publish(ctx context.Context, ev model.Event) { f(ctx, ev) }

// Multi fans an event out to every sink in order.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, ev model.Event) {
	for _, s := range m {
		s.Publish(ctx, ev)
	}
}

// LogSink writes every event to slog.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Publish(_ context.Context, ev model.Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"id", ev.ID, "auction_id", ev.AuctionID, "tick", ev.Tick}
	if ev.Account != "" {
		attrs = append(attrs, "account", ev.Account)
	}
	if ev.Amount != nil {
		attrs = append(attrs, "amount", ev.Amount.String())
	}
	logger.Info("event "+ev.Type, attrs...)
}

// Recorder keeps every event in memory. Used in tests.
type Recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *Recorder) Publish(_ context.Context, ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(typ string) []model.Event {
	var out []model.Event
	for _, ev := range r.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
