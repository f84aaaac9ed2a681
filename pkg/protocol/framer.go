// Package protocol implements the framed binary protocol spoken by the
// electrode driver board over its serial link.
//
// A frame is a start byte (0x7E), the message body (identifier followed by
// little-endian fields) and a two byte running-sum checksum. Any 0x7E or 0x7D
// inside the body or checksum is escaped as 0x7D followed by the byte XOR 0x20.
package protocol

import (
	"errors"
	"fmt"
)

const (
	StartByte  byte = 0x7e
	EscapeByte byte = 0x7d
	escapeXor  byte = 0x20
)

var (
	ErrUnknownMessage = errors.New("unknown message id")
	ErrChecksum       = errors.New("checksum mismatch")
	ErrTooLong        = errors.New("message too long")
)

// DecodeError reports a frame that was dropped by the parser.
type DecodeError struct {
	ID  byte
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode message id %d: %v", e.ID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Checksum computes the two checksum bytes for an unframed message body.
func Checksum(data []byte) (byte, byte) {
	var a, b byte
	for _, x := range data {
		a += x
		b += a
	}
	return a, b
}

// Encode serializes a message into a complete frame ready to be written to the link.
func Encode(msg Message) ([]byte, error) {
	body, err := msg.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal message id %d: %w", msg.ID(), err)
	}
	return Frame(body), nil
}

// Frame wraps an unframed message body with start byte, escaping and checksum.
func Frame(body []byte) []byte {
	a, b := Checksum(body)
	out := make([]byte, 0, len(body)+4)
	out = append(out, StartByte)
	for _, x := range body {
		out = appendEscaped(out, x)
	}
	out = appendEscaped(out, a)
	out = appendEscaped(out, b)
	return out
}

func appendEscaped(out []byte, x byte) []byte {
	if x == StartByte || x == EscapeByte {
		return append(out, EscapeByte, x^escapeXor)
	}
	return append(out, x)
}

// Parser reconstructs messages from a byte stream fed one byte at a time.
// Framing state is kept between calls, so reads may split frames anywhere.
// A Parser is not safe for concurrent use.
type Parser struct {
	buf      []byte
	escaping bool
	parsing  bool
}

// NewParser creates a parser waiting for a start-of-frame byte.
func NewParser() *Parser {
	return &Parser{buf: make([]byte, 0, 3+2*NumPins+2)}
}

// Parse consumes one byte. It returns a message when the byte completes a
// valid frame, and a *DecodeError when the frame in progress is invalid.
// In both cases the parser then waits for the next start byte.
func (p *Parser) Parse(b byte) (Message, error) {
	if b == StartByte {
		p.reset()
		p.parsing = true
		return nil, nil
	}
	if p.escaping {
		b ^= escapeXor
		p.escaping = false
	} else if b == EscapeByte {
		p.escaping = true
		return nil, nil
	}

	if !p.parsing {
		return nil, nil
	}

	p.buf = append(p.buf, b)

	size, err := predictSize(p.buf)
	if err != nil {
		id := p.buf[0]
		p.reset()
		return nil, &DecodeError{ID: id, Err: err}
	}
	if size == 0 || len(p.buf) < size+2 {
		return nil, nil
	}

	defer p.reset()

	body := p.buf[:size]
	a, c := Checksum(body)
	if a != p.buf[size] || c != p.buf[size+1] {
		return nil, &DecodeError{ID: body[0], Err: ErrChecksum}
	}

	msg, err := decode(body)
	if err != nil {
		return nil, &DecodeError{ID: body[0], Err: err}
	}
	return msg, nil
}

// Reset drops any partially received frame.
func (p *Parser) Reset() {
	p.reset()
}

func (p *Parser) reset() {
	p.buf = p.buf[:0]
	p.escaping = false
	p.parsing = false
}
