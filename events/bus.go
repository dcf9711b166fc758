package events

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Handler receives one event. A returned error is logged, never propagated.
type Handler func(ctx context.Context, ev Event) error

// Publisher is what the rest of the engine depends on. Publish is
// fire-and-forget from the caller's point of view.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Sink is an external, best-effort destination (e.g. a durable queue).
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// =============================================================================
// BUS - Typed in-process publish/subscribe
// =============================================================================

// Bus delivers each published event synchronously to the subscribers of its
// name, then to wildcard subscribers, then to the sink. Every subscriber is
// invoked at most once per Publish; failures and panics are logged and
// swallowed, and nothing is retried.
type Bus struct {
	mu     sync.RWMutex
	byName map[Name][]Handler
	all    []Handler
	sink   Sink
	logger *zap.Logger
}

// NewBus creates a bus. sink may be nil.
func NewBus(logger *zap.Logger, sink Sink) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		byName: make(map[Name][]Handler),
		sink:   sink,
		logger: logger.Named("events"),
	}
}

// Subscribe registers h for events with the given name.
func (b *Bus) Subscribe(name Name, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byName[name] = append(b.byName[name], h)
}

// SubscribeAll registers h for every event.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// SetSink replaces the external sink.
func (b *Bus) SetSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = s
}

func (b *Bus) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.byName[ev.Name])+len(b.all))
	handlers = append(handlers, b.byName[ev.Name]...)
	handlers = append(handlers, b.all...)
	sink := b.sink
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := b.deliver(ctx, h, ev); err != nil {
			b.logger.Warn("subscriber failed",
				zap.String("event", string(ev.Name)),
				zap.String("event_id", ev.ID),
				zap.Error(err),
			)
		}
	}

	if sink != nil {
		if err := sink.Send(ctx, ev); err != nil {
			b.logger.Warn("sink delivery failed",
				zap.String("event", string(ev.Name)),
				zap.String("event_id", ev.ID),
				zap.Error(err),
			)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

// =============================================================================
// RECORDER - Collects events (tests, debugging endpoints)
// =============================================================================

// Recorder is a Handler that keeps every event it sees.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Handle(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Named returns the recorded events with the given name, in order.
func (r *Recorder) Named(name Name) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
