// Package event implements a typed, in-process publish/subscribe bus.
// What: subscribers register for a concrete event type and are invoked, in
// registration order, for every Publish of that type.
// How: grounded in tinySQL's JobExecutor-interface pattern (scheduler.go)
// of decoupling a producer from its consumer via a narrow interface, taken
// one step further with generics so callers don't need a per-event
// interface: Subscribe[E] and Publish[E] key off the event's static type.
package event

import (
	"reflect"
	"sync"
)

// Bus dispatches events to subscribers by concrete type. The zero value is
// not usable; construct with NewBus.
type Bus struct {
	mu   sync.RWMutex
	subs map[reflect.Type][]subscriber
	seq  uint64
}

type subscriber struct {
	id uint64
	fn func(any)
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[reflect.Type][]subscriber)}
}

// Unsubscribe removes a previously registered listener.
type Unsubscribe func()

// Subscribe registers fn to be called, in order, for every Publish of E.
// Delivery to a given subscriber is always in publish order: the bus
// holds its lock only long enough to copy the current subscriber slice, so
// a slow subscriber cannot block registration, but it does run inline on
// the publisher's goroutine, ordering fn calls per-subscriber.
func Subscribe[E any](b *Bus, fn func(E)) Unsubscribe {
	var zero E
	t := reflect.TypeOf(zero)
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[t] = append(b.subs[t], subscriber{id: id, fn: func(v any) { fn(v.(E)) }})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[t]
		for i, s := range list {
			if s.id == id {
				b.subs[t] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers evt to every subscriber registered for E, in
// registration order. Subscribers added during a Publish are not visited
// by that same Publish call.
func Publish[E any](b *Bus, evt E) {
	t := reflect.TypeOf(evt)
	b.mu.RLock()
	list := make([]subscriber, len(b.subs[t]))
	copy(list, b.subs[t])
	b.mu.RUnlock()

	for _, s := range list {
		s.fn(evt)
	}
}
