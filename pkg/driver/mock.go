package driver

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/chewxy/math32"

	"github.com/itohio/purpledrop/pkg/bulk"
	"github.com/itohio/purpledrop/pkg/config"
	"github.com/itohio/purpledrop/pkg/events"
)

// bulkChunk is the number of channels per simulated bulk message.
const bulkChunk = 32

const maxRaw float32 = 1<<16 - 1

// Mock simulates a driver board with one droplet on the array. The droplet
// follows the enabled electrodes MoveDelay after each commit.
type Mock struct {
	pins

	cfg    *config.MockConfig
	broker *events.Broker
	hub    *Hub

	mu        sync.RWMutex
	latched   [NumPins]bool
	drop      [NumPins]bool
	moving    bool
	moveAt    time.Time
	active    float32
	bulk      [NumPins]float32
	frequency float64
	position  int64 // Stepper position

	startTime time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewMock creates a simulated driver and starts generating samples.
// broker may be nil.
func NewMock(cfg *config.MockConfig, broker *events.Broker, capacity int) *Mock {
	if cfg == nil {
		def := config.Default().Mock
		cfg = &def
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Mock{
		cfg:       cfg,
		broker:    broker,
		hub:       NewHub(capacity),
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, p := range cfg.DropPins {
		if p >= 0 && p < NumPins {
			m.drop[p] = true
		}
	}
	m.active = cfg.Background

	go m.generateSamples()

	return m
}

// SetFrequency records the drive frequency.
func (m *Mock) SetFrequency(hz float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frequency = hz
	return nil
}

// Frequency returns the last frequency set.
func (m *Mock) Frequency() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frequency
}

// ShiftAndLatch latches the staged frame and acknowledges it.
func (m *Mock) ShiftAndLatch() error {
	if m.ctx.Err() != nil {
		return ErrClosed
	}

	m.mu.Lock()
	m.latched = m.Pins()
	m.moving = true
	m.moveAt = time.Now().Add(m.cfg.MoveDelay)
	m.mu.Unlock()

	m.hub.Publish(Ack())
	return nil
}

// MoveStepper moves the simulated stepper and acknowledges it.
func (m *Mock) MoveStepper(steps int32) error {
	if m.ctx.Err() != nil {
		return ErrClosed
	}

	m.mu.Lock()
	m.position += int64(steps)
	m.mu.Unlock()

	m.hub.Publish(StepperAck())
	return nil
}

// StepperPosition returns the accumulated stepper steps.
func (m *Mock) StepperPosition() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.position
}

// Drop returns the electrodes currently covered by the droplet.
func (m *Mock) Drop() [NumPins]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.drop
}

func (m *Mock) HasCapacitanceFeedback() bool { return true }

func (m *Mock) CapacitanceChannel() (*Subscription, bool) {
	return m.hub.Subscribe(), true
}

func (m *Mock) ActiveCapacitance() float32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

func (m *Mock) BulkCapacitance() []float32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]float32, NumPins)
	copy(out, m.bulk[:])
	return out
}

// Close stops the simulation.
func (m *Mock) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		<-m.done
		m.hub.Close()
	})
	return nil
}

// generateSamples emits measurements every SampleRate and a full-array scan
// every BulkRate.
func (m *Mock) generateSamples() {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.SampleRate)
	defer ticker.Stop()
	bulkTicker := time.NewTicker(m.cfg.BulkRate)
	defer bulkTicker.Stop()

	collector := bulk.New(m.storeBulk)

	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			c := m.measure(now)
			m.hub.Publish(Measurement(c))
			m.publish(events.NewActiveCapacitance(c))
		case now := <-bulkTicker.C:
			raw := m.scan(now)
			for start := 0; start < NumPins; start += bulkChunk {
				if err := collector.Add(start, raw[start:start+bulkChunk]); err != nil {
					log.Printf("Simulated bulk scan failed: %v", err)
					break
				}
			}
		}
	}
}

// measure advances the droplet and returns the active capacitance, the
// droplet coverage of the enabled electrodes.
func (m *Mock) measure(now time.Time) float32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.moving && !now.Before(m.moveAt) {
		m.moving = false
		if !m.cfg.Stuck && anySet(m.latched) {
			m.drop = m.latched
		}
	}

	var enabled, covered float32
	for i, on := range m.latched {
		if !on {
			continue
		}
		enabled++
		if m.drop[i] {
			covered++
		}
	}

	c := m.cfg.Background
	if enabled > 0 {
		c += (m.cfg.DropCapacitance - m.cfg.Background) * covered / enabled
	}
	c += m.noise(now, 0)
	m.active = c
	return c
}

// scan returns raw readings for every electrode.
func (m *Mock) scan(now time.Time) []uint16 {
	m.mu.RLock()
	drop := m.drop
	m.mu.RUnlock()

	raw := make([]uint16, NumPins)
	for i, covered := range drop {
		v := m.cfg.Background
		if covered {
			v = m.cfg.DropCapacitance
		}
		v += m.noise(now, i)
		v = math32.Round(v - bulk.CapOffset)
		raw[i] = uint16(math32.Min(math32.Max(v, 0), maxRaw))
	}
	return raw
}

// noise returns a deterministic pseudo-noise term for the given channel.
func (m *Mock) noise(now time.Time, channel int) float32 {
	t := float32(now.Sub(m.startTime).Seconds())
	phase := float32(channel) * 0.37
	return (math32.Sin(2*math32.Pi*7.3*t+phase) + math32.Cos(2*math32.Pi*13.1*t+phase)) *
		m.cfg.NoiseLevel * 0.5
}

func (m *Mock) storeBulk(values []float32) {
	m.mu.Lock()
	copy(m.bulk[:], values)
	m.mu.Unlock()

	m.publish(events.NewBulkCapacitance(values))
}

func (m *Mock) publish(ev events.Event) {
	if m.broker != nil {
		m.broker.Send(ev)
	}
}

func anySet(p [NumPins]bool) bool {
	for _, on := range p {
		if on {
			return true
		}
	}
	return false
}
