package driver

import (
	"log"
	"sync"
	"sync/atomic"
)

// DefaultEventCapacity is the default per-subscriber sensor event buffer.
const DefaultEventCapacity = 256

// SensorKind identifies a sensor event.
type SensorKind uint8

const (
	// SensorAck confirms that the board latched an electrode frame.
	SensorAck SensorKind = iota + 1
	// SensorMeasurement carries one calibrated active capacitance sample.
	SensorMeasurement
	// SensorStepperAck confirms a completed stepper move.
	SensorStepperAck
)

func (k SensorKind) String() string {
	switch k {
	case SensorAck:
		return "Ack"
	case SensorMeasurement:
		return "Measurement"
	case SensorStepperAck:
		return "StepperAck"
	default:
		return "Unknown"
	}
}

// SensorEvent is delivered to capacitance channel subscribers.
type SensorEvent struct {
	Kind        SensorKind
	Capacitance float32 // Only set for SensorMeasurement
}

// Ack returns an acknowledgement event.
func Ack() SensorEvent { return SensorEvent{Kind: SensorAck} }

// Measurement returns a measurement event.
func Measurement(capacitance float32) SensorEvent {
	return SensorEvent{Kind: SensorMeasurement, Capacitance: capacitance}
}

// StepperAck returns a stepper acknowledgement event.
func StepperAck() SensorEvent { return SensorEvent{Kind: SensorStepperAck} }

// Hub fans sensor events out to subscribers. Each subscriber owns a buffered
// channel; Publish never blocks and drops events for subscribers whose buffer
// is full.
type Hub struct {
	capacity int

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewHub creates a hub with the given per-subscriber capacity.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultEventCapacity
	}
	return &Hub{
		capacity: capacity,
		subs:     make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a new subscriber. It receives only events published
// after this call. Subscribing to a closed hub returns a closed subscription.
func (h *Hub) Subscribe() *Subscription {
	s := &Subscription{
		hub: h,
		ch:  make(chan SensorEvent, h.capacity),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

// Publish delivers ev to every current subscriber.
func (h *Hub) Publish(ev SensorEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			// Subscriber buffer full, log the first drop only
			if s.dropped.Add(1) == 1 {
				log.Printf("Sensor event channel full, dropping %s events", ev.Kind)
			}
		}
	}
}

// Len returns the number of active subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscription. Later subscriptions are closed on creation.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		s.closed = true
		close(s.ch)
		delete(h.subs, s)
	}
}

// Subscription is one subscriber of a Hub.
type Subscription struct {
	hub     *Hub
	ch      chan SensorEvent
	closed  bool // guarded by hub.mu
	dropped atomic.Uint64
}

// C returns the event channel. It is closed when the subscription or hub is
// closed.
func (s *Subscription) C() <-chan SensorEvent {
	return s.ch
}

// Dropped returns the number of events dropped because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes. Other subscribers are unaffected.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	delete(h.subs, s)
	close(s.ch)
}
