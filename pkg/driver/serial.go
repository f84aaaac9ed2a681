package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/itohio/purpledrop/pkg/bulk"
	"github.com/itohio/purpledrop/pkg/events"
	"github.com/itohio/purpledrop/pkg/protocol"
)

const (
	// DefaultBaudRate is the link speed of the driver board.
	DefaultBaudRate = 230400
	// DefaultReadTimeout bounds each blocking read of the reader loop.
	DefaultReadTimeout = 10 * time.Millisecond

	readBufferSize = 128
	errorBackoff   = 100 * time.Millisecond
)

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// Ports returns a list of available serial ports.
func Ports() ([]Port, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		names, err := serial.GetPortsList()
		if err != nil {
			return nil, fmt.Errorf("failed to list serial ports: %w", err)
		}
		result := make([]Port, 0, len(names))
		for _, name := range names {
			result = append(result, Port{Name: name, Description: name})
		}
		return result, nil
	}

	result := make([]Port, 0, len(details))
	for _, d := range details {
		desc := d.Name
		if d.IsUSB {
			desc = fmt.Sprintf("%s (%s:%s %s)", d.Name, d.VID, d.PID, d.Product)
		}
		result = append(result, Port{Name: d.Name, Description: desc})
	}
	return result, nil
}

// Serial is the driver board backend reached over a serial link. It has
// capacitance feedback and runs a reader goroutine for its whole lifetime.
type Serial struct {
	pins

	port   io.ReadWriteCloser
	broker *events.Broker
	hub    *Hub

	writeMu sync.Mutex

	// mu guards the capacitance cache written by the reader goroutine.
	mu     sync.Mutex
	bulk   [NumPins]float32
	active float32

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// OpenSerial opens the named port and starts the reader loop.
func OpenSerial(name string, baudRate int, readTimeout time.Duration, capacity int, broker *events.Broker) (*Serial, error) {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	if readTimeout == 0 {
		readTimeout = DefaultReadTimeout
	}

	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", name, err)
	}

	return NewSerial(port, broker, capacity), nil
}

// NewSerial wraps an open link and starts the reader loop. broker may be nil.
// Reads returning zero bytes or a timeout error are retried.
func NewSerial(port io.ReadWriteCloser, broker *events.Broker, capacity int) *Serial {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Serial{
		port:   port,
		broker: broker,
		hub:    NewHub(capacity),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go d.receive()

	return d
}

// SetFrequency is not supported by the board and is ignored.
func (d *Serial) SetFrequency(hz float64) error {
	return nil
}

// ShiftAndLatch sends the staged frame as an electrode enable command.
func (d *Serial) ShiftAndLatch() error {
	return d.send(protocol.NewElectrodeEnable(d.Pins()))
}

// MoveStepper asks the board to move the stepper by steps.
func (d *Serial) MoveStepper(steps int32) error {
	return d.send(protocol.MoveStepper{Steps: steps})
}

func (d *Serial) HasCapacitanceFeedback() bool { return true }

func (d *Serial) CapacitanceChannel() (*Subscription, bool) {
	return d.hub.Subscribe(), true
}

// ActiveCapacitance returns the latest calibrated active capacitance.
func (d *Serial) ActiveCapacitance() float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// BulkCapacitance returns a copy of the latest full-array scan.
func (d *Serial) BulkCapacitance() []float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]float32, NumPins)
	copy(out, d.bulk[:])
	return out
}

// Close stops the reader loop and closes the link.
func (d *Serial) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.cancel()

		d.writeMu.Lock()
		err = d.port.Close()
		d.writeMu.Unlock()
		if err != nil {
			log.Printf("Error closing serial port: %v", err)
		}

		<-d.done
		d.hub.Close()
	})
	return err
}

func (d *Serial) send(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if d.ctx.Err() != nil {
		return ErrClosed
	}
	if _, err := d.port.Write(frame); err != nil {
		return fmt.Errorf("failed to send message %d: %w", msg.ID(), err)
	}
	return nil
}

// receive reads the link until Close and dispatches decoded messages.
func (d *Serial) receive() {
	defer close(d.done)

	parser := protocol.NewParser()
	collector := bulk.New(d.storeBulk)
	buf := make([]byte, readBufferSize)

	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		n, err := d.port.Read(buf)
		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			if isTimeout(err) {
				continue
			}
			log.Printf("Error reading from serial port: %v", err)
			select {
			case <-d.ctx.Done():
				return
			case <-time.After(errorBackoff):
			}
			continue
		}

		for _, b := range buf[:n] {
			msg, err := parser.Parse(b)
			if err != nil {
				log.Printf("Failed to decode message: %v", err)
				continue
			}
			if msg != nil {
				d.dispatch(collector, msg)
			}
		}
	}
}

func (d *Serial) dispatch(collector *bulk.Collector, msg protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Panic while handling message %d: %v", msg.ID(), r)
		}
	}()

	switch m := msg.(type) {
	case protocol.ActiveCapacitance:
		c := bulk.Calibrate(m.Delta())
		d.mu.Lock()
		d.active = c
		d.mu.Unlock()

		d.hub.Publish(Measurement(c))
		d.publish(events.NewActiveCapacitance(c))
	case protocol.BulkCapacitance:
		if err := collector.Add(int(m.StartIndex), m.Values); err != nil {
			log.Printf("Dropping bulk capacitance message: %v", err)
		}
	case protocol.CommandAck:
		if m.AckedID == protocol.ElectrodeEnableID {
			d.hub.Publish(Ack())
		}
	case protocol.StepperAck:
		d.hub.Publish(StepperAck())
	}
}

func (d *Serial) storeBulk(values []float32) {
	d.mu.Lock()
	copy(d.bulk[:], values)
	d.mu.Unlock()

	d.publish(events.NewBulkCapacitance(values))
}

func (d *Serial) publish(ev events.Event) {
	if d.broker != nil {
		d.broker.Send(ev)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
