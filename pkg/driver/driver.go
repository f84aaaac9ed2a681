// Package driver abstracts the electrode array hardware. Every backend
// stages a 128-wide electrode frame with SetPin and friends and commits it
// with ShiftAndLatch; backends with capacitance feedback also stream sensor
// events to subscribers.
package driver

import (
	"errors"

	"github.com/itohio/purpledrop/pkg/protocol"
)

// NumPins is the number of electrodes driven by one frame.
const NumPins = protocol.NumPins

var (
	// ErrUnsupported is returned when a backend lacks the requested capability.
	ErrUnsupported = errors.New("operation not supported by driver")
	// ErrClosed is returned by operations on a closed driver.
	ErrClosed = errors.New("driver closed")
)

// Driver defines the capability set of an electrode array backend.
type Driver interface {
	// SetFrequency sets the electrode drive frequency. Backends without a
	// variable drive frequency may ignore it.
	SetFrequency(hz float64) error
	ClearPins()
	SetPin(pin int, value bool)
	SetPinHi(pin int)
	SetPinLo(pin int)
	// ShiftAndLatch commits the staged electrode frame to the hardware.
	ShiftAndLatch() error
	HasCapacitanceFeedback() bool
	// CapacitanceChannel returns a new subscription to the sensor event
	// stream, or false if the backend has no capacitance feedback.
	CapacitanceChannel() (*Subscription, bool)
	ActiveCapacitance() float32
	BulkCapacitance() []float32
	MoveStepper(steps int32) error
	Close() error
}

var (
	_ Driver = (*Serial)(nil)
	_ Driver = (*Mock)(nil)
	_ Driver = (*ShiftRegister)(nil)
)

// pins holds the staged electrode frame. Indices outside [0, NumPins) are
// ignored. Callers serialize access.
type pins struct {
	state [NumPins]bool
}

func (p *pins) ClearPins() {
	p.state = [NumPins]bool{}
}

func (p *pins) SetPin(pin int, value bool) {
	if pin < 0 || pin >= NumPins {
		return
	}
	p.state[pin] = value
}

func (p *pins) SetPinHi(pin int) { p.SetPin(pin, true) }
func (p *pins) SetPinLo(pin int) { p.SetPin(pin, false) }

// Pins returns a copy of the staged frame.
func (p *pins) Pins() [NumPins]bool {
	return p.state
}
