// Package events distributes domain events (electrode state, capacitance,
// camera frames) from their producers to any number of consumers.
package events

import (
	"fmt"
	"log"
	"sync"
)

// Handler consumes one event. The event is a private copy owned by the handler.
type Handler func(Event) error

// Broker is a synchronous fan-out hub. Handlers are invoked in registration
// order on the goroutine calling Send. Concurrent Send calls are serialized,
// so a handler never sees two events at once.
//
// The zero value is ready to use.
type Broker struct {
	sendMu sync.Mutex

	mu       sync.RWMutex
	handlers []Handler
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{}
}

// AddHandler registers h for the lifetime of the broker.
func (b *Broker) AddHandler(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Send delivers ev to every registered handler. A handler that fails or
// panics is logged and does not stop delivery to the remaining handlers.
func (b *Broker) Send(ev Event) {
	if ev == nil {
		return
	}

	b.mu.RLock()
	handlers := b.handlers[:len(b.handlers):len(b.handlers)]
	b.mu.RUnlock()

	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	for i, h := range handlers {
		if err := invoke(h, ev.Clone()); err != nil {
			log.Printf("Event handler %d failed on %s event: %v", i, ev.Kind(), err)
		}
	}
}

// Len returns the number of registered handlers.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

func invoke(h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ev)
}
