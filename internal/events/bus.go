package events

import (
	"sync"
)

// Bus is a lightweight pub/sub broker using channels. The engine publishes
// every state transition here; the durable event log and the websocket
// stream are subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]chan Record
	all  []chan Record
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan Record)}
}

// Subscribe registers a listener for one transition type and returns the
// channel and an unsubscribe function.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan Record, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Record, buffer)
	b.subs[e] = append(b.subs[e], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[e]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.subs[e] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return ch, unsub
}

// SubscribeAll registers a listener for every transition. Used by the event
// log writer and the operator stream.
func (b *Bus) SubscribeAll(buffer int) (<-chan Record, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Record, buffer)
	b.all = append(b.all, ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, c := range b.all {
			if c == ch {
				close(c)
				b.all = append(b.all[:i], b.all[i+1:]...)
				break
			}
		}
	}
	return ch, unsub
}

// Publish fans the record out without blocking; slow subscribers drop.
func (b *Bus) Publish(rec Record) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[rec.Transition] {
		select {
		case ch <- rec:
		default:
		}
	}
	for _, ch := range b.all {
		select {
		case ch <- rec:
		default:
		}
	}
}
