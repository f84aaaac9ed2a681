// Package bulk reassembles partial per-channel capacitance reports into
// full-array samples.
package bulk

import (
	"errors"
	"fmt"

	"github.com/itohio/purpledrop/pkg/protocol"
)

// NumChannels is the number of capacitance channels in a full-array sample.
const NumChannels = protocol.NumPins

// CapOffset converts raw sensor units to calibrated capacitance.
// TODO: replace with a per-board value once a calibration procedure exists.
const CapOffset float32 = -120.0

var ErrOutOfRange = errors.New("bulk write out of range")

// Calibrate converts one raw reading to calibrated capacitance.
func Calibrate(raw int32) float32 {
	return float32(raw) + CapOffset
}

// Collector accumulates raw readings until every channel has been written
// since the last completion, then hands the calibrated array to onComplete.
//
// Overlapping or out-of-order writes simply overwrite earlier values. After a
// completion the buffer is reused in place, so channels not yet rewritten in
// the next cycle keep their previous raw values.
//
// A Collector is not safe for concurrent use.
type Collector struct {
	values     [NumChannels]uint16
	covered    [NumChannels]bool
	nCovered   int
	onComplete func([]float32)
}

// New creates a collector. onComplete receives a freshly allocated slice on
// every completion and may keep it.
func New(onComplete func([]float32)) *Collector {
	return &Collector{onComplete: onComplete}
}

// Add merges values at start. A range that does not fit in the array is
// rejected without modifying any channel.
func (c *Collector) Add(start int, values []uint16) error {
	if start < 0 || start+len(values) > NumChannels {
		return fmt.Errorf("start %d with %d values: %w", start, len(values), ErrOutOfRange)
	}

	for i, v := range values {
		idx := start + i
		c.values[idx] = v
		if !c.covered[idx] {
			c.covered[idx] = true
			c.nCovered++
		}
	}

	if c.nCovered < NumChannels {
		return nil
	}

	capacitance := make([]float32, NumChannels)
	for i, v := range c.values {
		capacitance[i] = Calibrate(int32(v))
	}
	c.covered = [NumChannels]bool{}
	c.nCovered = 0

	if c.onComplete != nil {
		c.onComplete(capacitance)
	}
	return nil
}

// Pending returns how many channels have been written since the last completion.
func (c *Collector) Pending() int {
	return c.nCovered
}
