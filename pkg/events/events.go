package events

import (
	"slices"
	"time"
)

// Kind identifies the type of a domain event.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindElectrodeState
	KindBulkCapacitance
	KindActiveCapacitance
	KindImageTransform
	KindImage
)

func (k Kind) String() string {
	switch k {
	case KindElectrodeState:
		return "ElectrodeState"
	case KindBulkCapacitance:
		return "BulkCapacitance"
	case KindActiveCapacitance:
		return "ActiveCapacitance"
	case KindImageTransform:
		return "ImageTransform"
	case KindImage:
		return "Image"
	default:
		return "Unknown"
	}
}

// Event is a domain event distributed by the Broker.
type Event interface {
	Kind() Kind
	Time() time.Time
	// Clone returns a deep copy that shares no memory with the receiver.
	Clone() Event
}

var (
	_ Event = (*ElectrodeState)(nil)
	_ Event = (*BulkCapacitance)(nil)
	_ Event = (*ActiveCapacitance)(nil)
	_ Event = (*ImageTransform)(nil)
	_ Event = (*Image)(nil)
)

// ElectrodeState is published whenever a new electrode frame is committed.
type ElectrodeState struct {
	Timestamp  time.Time
	Electrodes []bool
}

// NewElectrodeState copies pins into an event stamped with the current time.
func NewElectrodeState(pins []bool) *ElectrodeState {
	return &ElectrodeState{Timestamp: time.Now(), Electrodes: slices.Clone(pins)}
}

func (e *ElectrodeState) Kind() Kind      { return KindElectrodeState }
func (e *ElectrodeState) Time() time.Time { return e.Timestamp }
func (e *ElectrodeState) Clone() Event {
	return &ElectrodeState{Timestamp: e.Timestamp, Electrodes: slices.Clone(e.Electrodes)}
}

// BulkCapacitance is a full-array calibrated capacitance sample.
type BulkCapacitance struct {
	Timestamp time.Time
	Values    []float32
}

func NewBulkCapacitance(values []float32) *BulkCapacitance {
	return &BulkCapacitance{Timestamp: time.Now(), Values: slices.Clone(values)}
}

func (e *BulkCapacitance) Kind() Kind      { return KindBulkCapacitance }
func (e *BulkCapacitance) Time() time.Time { return e.Timestamp }
func (e *BulkCapacitance) Clone() Event {
	return &BulkCapacitance{Timestamp: e.Timestamp, Values: slices.Clone(e.Values)}
}

// ActiveCapacitance is the high-rate single channel reading. Remote
// transports are expected to filter it out.
type ActiveCapacitance struct {
	Timestamp   time.Time
	Capacitance float32
}

func NewActiveCapacitance(capacitance float32) *ActiveCapacitance {
	return &ActiveCapacitance{Timestamp: time.Now(), Capacitance: capacitance}
}

func (e *ActiveCapacitance) Kind() Kind      { return KindActiveCapacitance }
func (e *ActiveCapacitance) Time() time.Time { return e.Timestamp }
func (e *ActiveCapacitance) Clone() Event {
	c := *e
	return &c
}

// ImageTransform maps camera image coordinates onto the electrode grid.
type ImageTransform struct {
	Timestamp   time.Time
	Transform   []float32
	ImageWidth  int32
	ImageHeight int32
}

func (e *ImageTransform) Kind() Kind      { return KindImageTransform }
func (e *ImageTransform) Time() time.Time { return e.Timestamp }
func (e *ImageTransform) Clone() Event {
	c := *e
	c.Transform = slices.Clone(e.Transform)
	return &c
}

// Image is a JPEG encoded camera frame.
type Image struct {
	Timestamp time.Time
	Data      []byte
}

func (e *Image) Kind() Kind      { return KindImage }
func (e *Image) Time() time.Time { return e.Timestamp }
func (e *Image) Clone() Event {
	return &Image{Timestamp: e.Timestamp, Data: slices.Clone(e.Data)}
}
