// Package event provides a synchronous publish/subscribe bus used by the
// output buffers, the result cache, and the recovery layer to surface
// observability events without direct dependencies between components.
package event

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies the type of a published event.
type Kind string

const (
	// KindData signals that a single output chunk is ready.
	KindData Kind = "data"
	// KindBatch signals that a batch of output chunks is ready.
	KindBatch Kind = "batch"
	// KindWarning signals a degraded write or a detection pattern match.
	KindWarning Kind = "warning"
	// KindError signals an operational failure observed by the recovery layer.
	KindError Kind = "error"
	// KindCleared signals that a buffer or cache was cleared.
	KindCleared Kind = "cleared"
)

// Event is a single published event. Payload is typed by the publisher
// (e.g. *output.Chunk for data events).
type Event struct {
	Kind    Kind
	Time    time.Time
	Payload interface{}
}

// Handler is a function that handles a published event.
type Handler func(Event)

// subscription is a registered handler for one event kind.
type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous pub/sub event bus. Handlers run on the publisher's
// goroutine; a panicking handler is recovered so it cannot break delivery
// to the remaining handlers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Kind][]subscription
	nextID atomic.Uint64

	// panicHandler receives recovered handler panics. Defaults to a no-op.
	panicHandler func(kind Kind, recovered interface{})
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[Kind][]subscription),
	}
}

// OnPanic registers a callback invoked when a subscribed handler panics.
// Passing nil restores the default behavior of silently recovering.
func (b *Bus) OnPanic(fn func(kind Kind, recovered interface{})) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.panicHandler = fn
}

// Subscribe registers a handler for one event kind and returns a
// subscription ID usable with Unsubscribe.
func (b *Bus) Subscribe(kind Kind, handler Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID.Add(1)
	b.subs[kind] = append(b.subs[kind], subscription{id: id, handler: handler})
	return id
}

// Unsubscribe removes a subscription by ID. Returns true if it was found.
func (b *Bus) Unsubscribe(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for kind, subs := range b.subs {
		for i, sub := range subs {
			if sub.id == id {
				b.subs[kind] = append(subs[:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Publish dispatches an event to all handlers registered for its kind,
// in registration order.
func (b *Bus) Publish(kind Kind, payload interface{}) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs[kind]))
	copy(subs, b.subs[kind])
	panicHandler := b.panicHandler
	b.mu.RUnlock()

	ev := Event{Kind: kind, Time: time.Now(), Payload: payload}
	for _, sub := range subs {
		b.safeCall(sub.handler, ev, panicHandler)
	}
}

// safeCall invokes one handler and recovers from any panic so a single
// misbehaving subscriber cannot block delivery to the others.
func (b *Bus) safeCall(handler Handler, ev Event, panicHandler func(Kind, interface{})) {
	defer func() {
		if r := recover(); r != nil && panicHandler != nil {
			panicHandler(ev.Kind, r)
		}
	}()
	handler(ev)
}

// SubscriptionCount returns the total number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, subs := range b.subs {
		count += len(subs)
	}
	return count
}

// Clear removes all subscriptions.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[Kind][]subscription)
}

// String implements fmt.Stringer for diagnostic output.
func (k Kind) String() string {
	return string(k)
}

var _ fmt.Stringer = KindData
