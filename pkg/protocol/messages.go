package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	// NumPins is the number of electrodes addressed by one electrode-enable frame.
	NumPins = 128
	// PinBytes is the size of the bit-packed electrode payload.
	PinBytes = NumPins / 8
)

// Message identifiers shared with the driver board firmware.
const (
	ElectrodeEnableID   byte = 0
	BulkCapacitanceID   byte = 2
	ActiveCapacitanceID byte = 3
	CommandAckID        byte = 4
	MoveStepperID       byte = 10
	StepperAckID        byte = 11
)

// Message is a decoded protocol message. MarshalBinary returns the unframed
// message body, starting with the message identifier.
type Message interface {
	ID() byte
	MarshalBinary() ([]byte, error)
}

var (
	_ Message = ElectrodeEnable{}
	_ Message = BulkCapacitance{}
	_ Message = ActiveCapacitance{}
	_ Message = CommandAck{}
	_ Message = MoveStepper{}
	_ Message = StepperAck{}
)

// ElectrodeEnable commands the board to drive the electrodes whose bits are set.
type ElectrodeEnable struct {
	Values [PinBytes]byte
}

// NewElectrodeEnable packs a full electrode state into an enable command.
func NewElectrodeEnable(pins [NumPins]bool) ElectrodeEnable {
	return ElectrodeEnable{Values: PackPins(pins)}
}

func (m ElectrodeEnable) ID() byte { return ElectrodeEnableID }

// Pins unpacks the payload into one boolean per electrode.
func (m ElectrodeEnable) Pins() [NumPins]bool { return UnpackPins(m.Values) }

func (m ElectrodeEnable) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, 1+PinBytes)
	out = append(out, ElectrodeEnableID)
	out = append(out, m.Values[:]...)
	return out, nil
}

// BulkCapacitance carries raw readings for a contiguous range of channels.
type BulkCapacitance struct {
	StartIndex uint8
	Values     []uint16
}

func (m BulkCapacitance) ID() byte { return BulkCapacitanceID }

func (m BulkCapacitance) MarshalBinary() ([]byte, error) {
	if len(m.Values) > NumPins {
		return nil, fmt.Errorf("bulk capacitance with %d values: %w", len(m.Values), ErrTooLong)
	}
	out := make([]byte, 3+2*len(m.Values))
	out[0] = BulkCapacitanceID
	out[1] = m.StartIndex
	out[2] = byte(len(m.Values))
	for i, v := range m.Values {
		binary.LittleEndian.PutUint16(out[3+2*i:], v)
	}
	return out, nil
}

// ActiveCapacitance is the high-rate single channel measurement, in raw units.
type ActiveCapacitance struct {
	Baseline    uint16
	Measurement uint16
}

func (m ActiveCapacitance) ID() byte { return ActiveCapacitanceID }

// Delta returns measurement minus baseline in signed arithmetic.
func (m ActiveCapacitance) Delta() int32 {
	return int32(m.Measurement) - int32(m.Baseline)
}

func (m ActiveCapacitance) MarshalBinary() ([]byte, error) {
	out := make([]byte, 5)
	out[0] = ActiveCapacitanceID
	binary.LittleEndian.PutUint16(out[1:], m.Baseline)
	binary.LittleEndian.PutUint16(out[3:], m.Measurement)
	return out, nil
}

// CommandAck is sent by the board once it has applied a command.
type CommandAck struct {
	AckedID byte
}

func (m CommandAck) ID() byte { return CommandAckID }

func (m CommandAck) MarshalBinary() ([]byte, error) {
	return []byte{CommandAckID, m.AckedID}, nil
}

// MoveStepper asks the board to move its stepper motor by a signed step count.
type MoveStepper struct {
	Steps int32
}

func (m MoveStepper) ID() byte { return MoveStepperID }

func (m MoveStepper) MarshalBinary() ([]byte, error) {
	out := make([]byte, 5)
	out[0] = MoveStepperID
	binary.LittleEndian.PutUint32(out[1:], uint32(m.Steps))
	return out, nil
}

// StepperAck is sent by the board when a stepper move has completed.
type StepperAck struct{}

func (m StepperAck) ID() byte { return StepperAckID }

func (m StepperAck) MarshalBinary() ([]byte, error) {
	return []byte{StepperAckID}, nil
}

// predictSize returns the size of the message body (id included, checksum
// excluded) given its first bytes. Zero means more bytes are needed.
func predictSize(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	switch buf[0] {
	case ElectrodeEnableID:
		return 1 + PinBytes, nil
	case BulkCapacitanceID:
		if len(buf) < 3 {
			return 0, nil
		}
		count := int(buf[2])
		if count > NumPins {
			return 0, ErrTooLong
		}
		return 3 + 2*count, nil
	case ActiveCapacitanceID:
		return 5, nil
	case CommandAckID:
		return 2, nil
	case MoveStepperID:
		return 5, nil
	case StepperAckID:
		return 1, nil
	default:
		return 0, ErrUnknownMessage
	}
}

// decode builds a message from a complete, checksum-verified body.
func decode(body []byte) (Message, error) {
	switch body[0] {
	case ElectrodeEnableID:
		var m ElectrodeEnable
		copy(m.Values[:], body[1:])
		return m, nil
	case BulkCapacitanceID:
		count := int(body[2])
		m := BulkCapacitance{
			StartIndex: body[1],
			Values:     make([]uint16, count),
		}
		for i := range m.Values {
			m.Values[i] = binary.LittleEndian.Uint16(body[3+2*i:])
		}
		return m, nil
	case ActiveCapacitanceID:
		return ActiveCapacitance{
			Baseline:    binary.LittleEndian.Uint16(body[1:]),
			Measurement: binary.LittleEndian.Uint16(body[3:]),
		}, nil
	case CommandAckID:
		return CommandAck{AckedID: body[1]}, nil
	case MoveStepperID:
		return MoveStepper{Steps: int32(binary.LittleEndian.Uint32(body[1:]))}, nil
	case StepperAckID:
		return StepperAck{}, nil
	default:
		return nil, ErrUnknownMessage
	}
}
