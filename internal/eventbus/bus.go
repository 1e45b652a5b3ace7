// Package eventbus wraps an eventlog.Store with in-process fan-out to
// subscribers (spec §4.2). Grounded on the teacher's
// internal/events/bus.EventBus, but the callback-style subscriber is
// replaced with an explicit Subscriber interface that returns an error,
// and dispatch is synchronous and in append order rather than
// goroutine-per-subscriber, per REDESIGN FLAGS.
package eventbus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/missioncore/internal/eventlog"
	"github.com/kandev/missioncore/internal/obslog"
)

// Subscriber is notified of every event that is durably appended. A
// Subscriber's returned error is logged but never rolls back the
// append or affects other subscribers (spec §4.2 invariant).
type Subscriber interface {
	OnEvent(e eventlog.Event) error
}

// SubscriberFunc adapts a plain function to the Subscriber interface.
type SubscriberFunc func(e eventlog.Event) error

func (f SubscriberFunc) OnEvent(e eventlog.Event) error { return f(e) }

// Bus publishes events durably via its Store and then fans them out to
// subscribers in the order they were registered, for every event, in
// append order.
type Bus struct {
	store *eventlog.Store
	log   *obslog.Logger

	mu   sync.Mutex
	subs []Subscriber
}

// New builds a Bus over an already-open Store.
func New(store *eventlog.Store, log *obslog.Logger) *Bus {
	if log == nil {
		log = obslog.Nop()
	}
	return &Bus{store: store, log: log}
}

// Subscribe registers a Subscriber to be invoked on every subsequent
// Publish call. Returns an unsubscribe function.
func (b *Bus) Subscribe(s Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, s)
	idx := len(b.subs) - 1
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.subs) && b.subs[idx] == s {
			b.subs[idx] = nil
		}
	}
}

// Publish appends e to the store; a subscriber is never invoked for an
// event that failed to persist (spec §4.2 invariant). On success, every
// live subscriber is invoked synchronously, in registration order, in
// the same goroutine as the caller — so within one mission, event
// delivery is part of the same sequential thread of control (spec §5).
func (b *Bus) Publish(e eventlog.Event) (eventlog.Event, error) {
	if err := b.store.Append(e); err != nil {
		return eventlog.Event{}, err
	}

	b.mu.Lock()
	subs := make([]Subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		if s == nil {
			continue
		}
		if err := s.OnEvent(e); err != nil {
			b.log.Error("eventbus: subscriber error",
				zap.String("event_id", e.EventID),
				zap.String("event_type", string(e.Type)),
				zap.Error(err))
		}
	}

	return e, nil
}

// Store exposes the underlying store for read-side queries (GetAll,
// GetByTask, ...).
func (b *Bus) Store() *eventlog.Store { return b.store }
