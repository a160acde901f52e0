// Package notify implements the observer-bus pattern called for in §9's
// re-architecture notes: components expose Subscribe(kind, handler) backed
// by an internal kind→[]handler map. There is no event-emitter base class
// to inherit from; a notification is a plain Go value passed to a function,
// never a virtual method dispatch.
package notify

import "sync"

// Handler receives one published event value.
type Handler func(event any)

// Bus is a minimal kind-keyed publish/subscribe mechanism. The zero value
// is not usable; construct with New.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers handler to be invoked for every future Publish of
// kind. Returns an unsubscribe function.
func (b *Bus) Subscribe(kind string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], handler)
	idx := len(b.handlers[kind]) - 1

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		hs := b.handlers[kind]
		if idx < len(hs) {
			hs[idx] = nil
		}
	}
}

// Publish invokes every handler subscribed to kind with event. Handlers
// are copied out from under the lock first, so a handler that publishes
// another event (or subscribes/unsubscribes) cannot deadlock the bus and
// cannot block whatever critical section called Publish.
func (b *Bus) Publish(kind string, event any) {
	b.mu.RLock()
	hs := make([]Handler, len(b.handlers[kind]))
	copy(hs, b.handlers[kind])
	b.mu.RUnlock()

	for _, h := range hs {
		if h != nil {
			h(event)
		}
	}
}
