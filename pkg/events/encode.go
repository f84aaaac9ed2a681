package events

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sigurn/crc16"
)

// Wire layout of an encoded event:
//
//	[u32 length][u8 kind][i64 unix nanos][payload][u16 crc16/modbus]
//
// length counts every byte after the length field. The CRC covers kind,
// timestamp and payload. All integers are big-endian.
const (
	lengthSize = 4
	headerSize = 1 + 8
	crcSize    = 2
)

var (
	ErrShortFrame  = errors.New("short event frame")
	ErrCRC         = errors.New("event frame crc mismatch")
	ErrUnknownKind = errors.New("unknown event kind")
)

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// Broadcaster sends an encoded event to every connected remote client.
type Broadcaster interface {
	Broadcast(frame []byte) error
}

// BroadcastHandler returns a broker handler that encodes every event except
// ActiveCapacitance and passes it to b.
func BroadcastHandler(b Broadcaster) Handler {
	return func(ev Event) error {
		if ev.Kind() == KindActiveCapacitance {
			return nil
		}
		frame, err := Encode(ev)
		if err != nil {
			return err
		}
		return b.Broadcast(frame)
	}
}

// Encode serializes an event into a length-prefixed frame.
func Encode(ev Event) ([]byte, error) {
	var payload []byte
	switch e := ev.(type) {
	case *ElectrodeState:
		payload = binary.BigEndian.AppendUint16(payload, uint16(len(e.Electrodes)))
		packed := make([]byte, (len(e.Electrodes)+7)/8)
		for i, on := range e.Electrodes {
			if on {
				packed[i/8] |= 1 << (7 - uint(i%8))
			}
		}
		payload = append(payload, packed...)
	case *BulkCapacitance:
		payload = appendFloats(payload, e.Values)
	case *ActiveCapacitance:
		payload = binary.BigEndian.AppendUint32(payload, math.Float32bits(e.Capacitance))
	case *ImageTransform:
		payload = binary.BigEndian.AppendUint32(payload, uint32(e.ImageWidth))
		payload = binary.BigEndian.AppendUint32(payload, uint32(e.ImageHeight))
		payload = appendFloats(payload, e.Transform)
	case *Image:
		payload = binary.BigEndian.AppendUint32(payload, uint32(len(e.Data)))
		payload = append(payload, e.Data...)
	default:
		return nil, fmt.Errorf("encode %T: %w", ev, ErrUnknownKind)
	}

	body := make([]byte, 0, headerSize+len(payload))
	body = append(body, byte(ev.Kind()))
	body = binary.BigEndian.AppendUint64(body, uint64(ev.Time().UnixNano()))
	body = append(body, payload...)

	out := make([]byte, 0, lengthSize+len(body)+crcSize)
	out = binary.BigEndian.AppendUint32(out, uint32(len(body)+crcSize))
	out = append(out, body...)
	out = binary.BigEndian.AppendUint16(out, crc16.Checksum(body, crcTable))
	return out, nil
}

// Decode parses one frame from the start of buf and returns the event and
// the number of bytes consumed.
func Decode(buf []byte) (Event, int, error) {
	if len(buf) < lengthSize {
		return nil, 0, ErrShortFrame
	}
	n := int(binary.BigEndian.Uint32(buf))
	if n < headerSize+crcSize || len(buf) < lengthSize+n {
		return nil, 0, ErrShortFrame
	}
	body := buf[lengthSize : lengthSize+n-crcSize]
	want := binary.BigEndian.Uint16(buf[lengthSize+n-crcSize:])
	if crc16.Checksum(body, crcTable) != want {
		return nil, 0, ErrCRC
	}

	kind := Kind(body[0])
	ts := time.Unix(0, int64(binary.BigEndian.Uint64(body[1:headerSize])))
	r := reader{buf: body[headerSize:]}

	var ev Event
	switch kind {
	case KindElectrodeState:
		count := int(r.uint16())
		packed := r.bytes((count + 7) / 8)
		pins := make([]bool, count)
		if r.err == nil {
			for i := range pins {
				pins[i] = packed[i/8]&(1<<(7-uint(i%8))) != 0
			}
		}
		ev = &ElectrodeState{Timestamp: ts, Electrodes: pins}
	case KindBulkCapacitance:
		ev = &BulkCapacitance{Timestamp: ts, Values: r.floats()}
	case KindActiveCapacitance:
		ev = &ActiveCapacitance{Timestamp: ts, Capacitance: math.Float32frombits(r.uint32())}
	case KindImageTransform:
		e := &ImageTransform{Timestamp: ts}
		e.ImageWidth = int32(r.uint32())
		e.ImageHeight = int32(r.uint32())
		e.Transform = r.floats()
		ev = e
	case KindImage:
		size := int(r.uint32())
		data := r.bytes(size)
		ev = &Image{Timestamp: ts, Data: append([]byte(nil), data...)}
	default:
		return nil, 0, fmt.Errorf("decode kind %d: %w", kind, ErrUnknownKind)
	}
	if r.err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", kind, r.err)
	}
	return ev, lengthSize + n, nil
}

func appendFloats(out []byte, values []float32) []byte {
	out = binary.BigEndian.AppendUint16(out, uint16(len(values)))
	for _, v := range values {
		out = binary.BigEndian.AppendUint32(out, math.Float32bits(v))
	}
	return out
}

// reader consumes big-endian fields and records the first short read.
type reader struct {
	buf []byte
	err error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = ErrShortFrame
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) uint16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) floats() []float32 {
	count := int(r.uint16())
	out := make([]float32, 0, count)
	for i := 0; i < count && r.err == nil; i++ {
		out = append(out, math.Float32frombits(r.uint32()))
	}
	return out
}
