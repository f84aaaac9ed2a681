package driver

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/itohio/purpledrop/pkg/protocol"
)

// ShiftRegister drives the electrodes through a chain of shift registers
// behind a byte-oriented device such as an SPI character device. It has no
// capacitance feedback and no stepper.
type ShiftRegister struct {
	pins

	mu        sync.Mutex
	w         io.Writer
	frequency float64
	closed    bool
}

// NewShiftRegister creates a backend writing frames to w.
func NewShiftRegister(w io.Writer) *ShiftRegister {
	return &ShiftRegister{w: w}
}

// OpenShiftRegister opens the device at path for writing.
func OpenShiftRegister(path string) (*ShiftRegister, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open shift register device %s: %w", path, err)
	}
	return NewShiftRegister(f), nil
}

// SetFrequency records the drive frequency. The chain has no frequency
// control of its own.
func (s *ShiftRegister) SetFrequency(hz float64) error {
	if hz < 0 {
		return fmt.Errorf("invalid frequency %v", hz)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frequency = hz
	return nil
}

// Frequency returns the last frequency set.
func (s *ShiftRegister) Frequency() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frequency
}

// ShiftAndLatch shifts out the bit-packed frame, pin 0 first.
func (s *ShiftRegister) ShiftAndLatch() error {
	packed := protocol.PackPins(s.Pins())

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, err := s.w.Write(packed[:]); err != nil {
		return fmt.Errorf("failed to shift electrode frame: %w", err)
	}
	return nil
}

func (s *ShiftRegister) HasCapacitanceFeedback() bool { return false }

func (s *ShiftRegister) CapacitanceChannel() (*Subscription, bool) { return nil, false }

func (s *ShiftRegister) ActiveCapacitance() float32 { return 0 }

func (s *ShiftRegister) BulkCapacitance() []float32 { return nil }

func (s *ShiftRegister) MoveStepper(steps int32) error { return ErrUnsupported }

// Close closes the underlying device if it is closable.
func (s *ShiftRegister) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
