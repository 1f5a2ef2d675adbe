// Package hooks defines the engine's typed event records and the synchronous
// bus that fans them out to subscribers. Every state transition the engine
// performs is announced here; the audit log, streaming sinks, and embedder
// extensions all observe execution through this package.
package hooks

import (
	"context"
	"errors"
	"reflect"
	"sync"
)

type (
	// Bus publishes engine events to registered subscribers in a fan-out
	// pattern. The bus is thread-safe and supports concurrent Publish,
	// Subscribe, and Close operations.
	//
	// Events are delivered synchronously in the publisher's goroutine:
	// global subscribers first, then subscribers registered for the event's
	// specific type, each group in subscription order. Iteration stops at
	// the first subscriber error. Subscribers may publish further events;
	// those nested publishes complete before the outer one returns.
	Bus interface {
		// Publish delivers the event to every matching subscriber. It
		// returns the first subscriber error, after which no further
		// subscribers are invoked for this event.
		Publish(ctx context.Context, event Event) error

		// Subscribe registers sub for every event type and returns a
		// Subscription that can be closed to unregister. Registering the
		// same subscriber globally twice is a no-op that returns the
		// original subscription.
		Subscribe(sub Subscriber) (Subscription, error)

		// SubscribeType registers sub for one event type only. Registering
		// the same subscriber for the same type twice is a no-op.
		SubscribeType(t EventType, sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published events. Implementations must be
	// thread-safe if registered on a bus shared across instance lanes.
	//
	// HandleEvent should return an error only when processing fails in a
	// way that must halt the publisher (for example a persistence failure
	// in the audit recorder). The bus stops at the first error, so
	// non-critical failures should be logged and swallowed.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a plain function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription is an active registration on a Bus. Close removes the
	// subscriber; it is idempotent and always returns nil.
	Subscription interface {
		Close() error
	}

	// bus is the concrete Bus. Subscribers are kept in ordered slices so
	// delivery order matches subscription order.
	bus struct {
		mu     sync.RWMutex
		global []*subscription
		byType map[EventType][]*subscription
	}

	subscription struct {
		bus   *bus
		sub   Subscriber
		key   any
		typ   EventType // empty for global subscriptions
		once  sync.Once
		glob  bool
	}
)

// HandleEvent calls f.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// NewBus constructs an in-memory event bus ready for immediate use.
func NewBus() Bus {
	return &bus{byType: make(map[EventType][]*subscription)}
}

// Publish delivers the event to global subscribers first, then to the
// subscribers of the event's type, each list in subscription order. The
// subscriber snapshot is captured before iteration, so registrations made
// during delivery do not affect the current publish.
func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.global)+len(b.byType[event.Type()]))
	for _, s := range b.global {
		subs = append(subs, s.sub)
	}
	for _, s := range b.byType[event.Type()] {
		subs = append(subs, s.sub)
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers sub for all events.
func (b *bus) Subscribe(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	key := subscriberKey(sub)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.global {
		if s.key == key {
			return s, nil
		}
	}
	s := &subscription{bus: b, sub: sub, key: key, glob: true}
	b.global = append(b.global, s)
	return s, nil
}

// SubscribeType registers sub for events of type t only.
func (b *bus) SubscribeType(t EventType, sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	if t == "" {
		return nil, errors.New("event type is required")
	}
	key := subscriberKey(sub)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.byType[t] {
		if s.key == key {
			return s, nil
		}
	}
	s := &subscription{bus: b, sub: sub, key: key, typ: t}
	b.byType[t] = append(b.byType[t], s)
	return s, nil
}

// Close removes the subscriber from the bus. Idempotent.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if s.glob {
			s.bus.global = removeSub(s.bus.global, s)
			return
		}
		s.bus.byType[s.typ] = removeSub(s.bus.byType[s.typ], s)
	})
	return nil
}

func removeSub(list []*subscription, s *subscription) []*subscription {
	for i, cur := range list {
		if cur == s {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

// subscriberKey yields a comparable identity for duplicate suppression.
// Function values are not comparable, so SubscriberFunc (and any func-typed
// subscriber) is keyed by its code pointer; everything else is keyed by the
// interface value itself.
func subscriberKey(sub Subscriber) any {
	v := reflect.ValueOf(sub)
	switch v.Kind() {
	case reflect.Func:
		return v.Pointer()
	case reflect.Map, reflect.Slice:
		return v.Pointer()
	default:
		return sub
	}
}
