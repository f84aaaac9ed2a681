// Package motion drives electrode patterns and moves droplets, using
// capacitance feedback to confirm a move when the backend provides it.
package motion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/itohio/purpledrop/pkg/driver"
	"github.com/itohio/purpledrop/pkg/events"
	"github.com/itohio/purpledrop/pkg/protocol"
)

var (
	ErrBaselineTimeout = errors.New("timed out waiting for initial capacitance measurement")
	ErrInvalidLocation = errors.New("no electrode at location")
	ErrInvalidPin      = errors.New("electrode pin out of range")
	ErrStepperTimeout  = errors.New("timed out waiting for stepper acknowledgement")

	errWaitTimeout        = errors.New("wait timed out")
	errSubscriptionClosed = errors.New("sensor subscription closed")
)

// MoveDropResult is the outcome of a droplet move.
type MoveDropResult struct {
	Success          bool              `json:"success"`
	ClosedLoop       bool              `json:"closed_loop"`
	ClosedLoopResult *ClosedLoopResult `json:"closed_loop_result"`
}

// ClosedLoopResult holds the feedback recorded during a closed-loop move.
type ClosedLoopResult struct {
	PreCapacitance    float32   `json:"pre_capacitance"`
	PostCapacitance   float32   `json:"post_capacitance"`
	TimeSeries        []float32 `json:"time_series"`
	CapacitanceSeries []float32 `json:"capacitance_series"`
}

// Move describes a requested droplet move.
type Move struct {
	Start     Location  `json:"start"`
	Size      Size      `json:"size"`
	Direction Direction `json:"direction"`
}

// MoveRecorder persists completed moves.
type MoveRecorder interface {
	RecordMove(ctx context.Context, move Move, result *MoveDropResult) error
}

// Controller owns a driver for the duration of each operation. Only one
// operation runs at a time.
type Controller struct {
	mu       sync.Mutex
	drv      driver.Driver
	broker   *events.Broker
	layout   Layout
	timing   Timing
	recorder MoveRecorder
}

// New creates a controller. broker may be nil.
func New(drv driver.Driver, broker *events.Broker, layout Layout, timing Timing) *Controller {
	return &Controller{
		drv:    drv,
		broker: broker,
		layout: layout,
		timing: timing,
	}
}

// SetRecorder sets the recorder that receives every completed move.
func (c *Controller) SetRecorder(r MoveRecorder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recorder = r
}

// OutputPins drives exactly the given electrode frame.
func (c *Controller) OutputPins(pins [driver.NumPins]bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outputPins(pins)
}

// SetElectrodePins drives the listed electrodes and releases all others.
func (c *Controller) SetElectrodePins(indices []int) error {
	pins, ok := protocol.PinSet(indices)
	if !ok {
		return fmt.Errorf("set electrode pins %v: %w", indices, ErrInvalidPin)
	}
	return c.OutputPins(pins)
}

// OutputLocations drives the electrodes at the given locations.
func (c *Controller) OutputLocations(locs []Location) error {
	pins, err := c.locationPins(locs)
	if err != nil {
		return err
	}
	return c.OutputPins(pins)
}

// OutputRects drives every electrode covered by the given rectangles.
func (c *Controller) OutputRects(rects []Rectangle) error {
	pins, err := c.rectPins(rects...)
	if err != nil {
		return err
	}
	return c.OutputPins(pins)
}

// BulkCapacitance returns the latest full-array scan.
func (c *Controller) BulkCapacitance() ([]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.drv.HasCapacitanceFeedback() {
		return nil, fmt.Errorf("bulk capacitance: %w", driver.ErrUnsupported)
	}
	return c.drv.BulkCapacitance(), nil
}

// ActiveCapacitance returns the latest active capacitance.
func (c *Controller) ActiveCapacitance() float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drv.ActiveCapacitance()
}

func (c *Controller) SetFrequency(hz float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drv.SetFrequency(hz)
}

// MoveStepper moves the stepper and, with feedback, waits for its
// acknowledgement.
func (c *Controller) MoveStepper(ctx context.Context, steps int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub := c.subscribe()
	if sub == nil {
		return c.drv.MoveStepper(steps)
	}
	defer sub.Close()

	if err := c.drv.MoveStepper(steps); err != nil {
		return err
	}
	_, err := waitFor(ctx, sub, driver.SensorStepperAck, c.timing.StepperTimeout)
	if errors.Is(err, errWaitTimeout) {
		return ErrStepperTimeout
	}
	return err
}

// MoveDrop moves a droplet of the given size one electrode from start in
// dir. Without capacitance feedback the move is reported successful after
// the settle time.
func (c *Controller) MoveDrop(ctx context.Context, start Location, size Size, dir Direction) (*MoveDropResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if size.Width <= 0 || size.Height <= 0 {
		return nil, fmt.Errorf("drop size %dx%d: %w", size.Width, size.Height, ErrInvalidLocation)
	}
	src, err := c.rectPins(Rectangle{Location: start, Size: size})
	if err != nil {
		return nil, err
	}
	dst, err := c.rectPins(Rectangle{Location: start.Move(dir), Size: size})
	if err != nil {
		return nil, err
	}

	var result *MoveDropResult
	if sub := c.subscribe(); sub != nil {
		result, err = c.moveClosedLoop(ctx, sub, start, src, dst)
		sub.Close()
	} else {
		result, err = c.moveOpenLoop(ctx, dst)
	}
	if err != nil {
		return nil, err
	}

	if c.recorder != nil {
		move := Move{Start: start, Size: size, Direction: dir}
		if err := c.recorder.RecordMove(ctx, move, result); err != nil {
			log.Printf("Failed to record move from %v %s: %v", start, dir, err)
		}
	}
	return result, nil
}

func (c *Controller) moveOpenLoop(ctx context.Context, dst [driver.NumPins]bool) (*MoveDropResult, error) {
	if err := c.outputPins(dst); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.timing.SettleTime)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	return &MoveDropResult{Success: true}, nil
}

func (c *Controller) moveClosedLoop(ctx context.Context, sub *driver.Subscription, start Location, src, dst [driver.NumPins]bool) (*MoveDropResult, error) {
	if err := c.outputPins(src); err != nil {
		return nil, err
	}
	if _, err := waitFor(ctx, sub, driver.SensorAck, c.timing.AckTimeout); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("No acknowledgement for drop at %v: %v", start, err)
	}

	ev, err := waitFor(ctx, sub, driver.SensorMeasurement, c.timing.BaselineTimeout)
	if err != nil {
		if errors.Is(err, errWaitTimeout) {
			return nil, ErrBaselineTimeout
		}
		return nil, fmt.Errorf("initial capacitance measurement: %w", err)
	}
	pre := ev.Capacitance

	if err := c.outputPins(dst); err != nil {
		return nil, err
	}
	if _, err := waitFor(ctx, sub, driver.SensorAck, c.timing.AckTimeout); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("No acknowledgement for move from %v: %v", start, err)
	}

	threshold := c.timing.Threshold * pre
	times, caps, err := c.monitor(ctx, sub, threshold)
	if err != nil {
		return nil, err
	}

	var post float32
	if len(caps) > 0 {
		post = caps[len(caps)-1]
	}

	return &MoveDropResult{
		Success:    post > threshold,
		ClosedLoop: true,
		ClosedLoopResult: &ClosedLoopResult{
			PreCapacitance:    pre,
			PostCapacitance:   post,
			TimeSeries:        times,
			CapacitanceSeries: caps,
		},
	}, nil
}

// monitor records measurements until TrailingSamples consecutive samples
// exceed threshold or the monitoring window elapses.
func (c *Controller) monitor(ctx context.Context, sub *driver.Subscription, threshold float32) (times, caps []float32, err error) {
	period := float32(c.timing.SamplePeriod.Seconds())
	deadline := time.Now().Add(c.timing.MonitorWindow)
	trailing := 0

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return times, caps, nil
		}

		ev, err := waitFor(ctx, sub, driver.SensorMeasurement, min(c.timing.PollTimeout, remaining))
		switch {
		case errors.Is(err, errWaitTimeout):
			continue
		case errors.Is(err, errSubscriptionClosed):
			log.Printf("Sensor channel closed while monitoring move")
			return times, caps, nil
		case err != nil:
			return nil, nil, err
		}

		times = append(times, float32(len(times))*period)
		caps = append(caps, ev.Capacitance)

		if ev.Capacitance > threshold {
			trailing++
			if trailing >= c.timing.TrailingSamples {
				return times, caps, nil
			}
		} else {
			trailing = 0
		}
	}
}

// subscribe returns a sensor subscription, or nil without feedback.
func (c *Controller) subscribe() *driver.Subscription {
	if !c.drv.HasCapacitanceFeedback() {
		return nil
	}
	sub, ok := c.drv.CapacitanceChannel()
	if !ok {
		return nil
	}
	return sub
}

// outputPins commits a frame and publishes it. Callers hold c.mu.
func (c *Controller) outputPins(pins [driver.NumPins]bool) error {
	c.drv.ClearPins()
	for i, on := range pins {
		if on {
			c.drv.SetPinHi(i)
		}
	}
	if err := c.drv.ShiftAndLatch(); err != nil {
		return fmt.Errorf("failed to output electrodes: %w", err)
	}

	if c.broker != nil {
		c.broker.Send(events.NewElectrodeState(pins[:]))
	}
	return nil
}

func (c *Controller) locationPins(locs []Location) ([driver.NumPins]bool, error) {
	var pins [driver.NumPins]bool
	for _, loc := range locs {
		pin, ok := c.layout.Pin(loc)
		if !ok {
			return pins, fmt.Errorf("%v: %w", loc, ErrInvalidLocation)
		}
		pins[pin] = true
	}
	return pins, nil
}

func (c *Controller) rectPins(rects ...Rectangle) ([driver.NumPins]bool, error) {
	var locs []Location
	for _, r := range rects {
		locs = append(locs, r.Locations()...)
	}
	return c.locationPins(locs)
}

// waitFor returns the next event of the given kind, skipping others.
func waitFor(ctx context.Context, sub *driver.Subscription, kind driver.SensorKind, timeout time.Duration) (driver.SensorEvent, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return driver.SensorEvent{}, ctx.Err()
		case <-timer.C:
			return driver.SensorEvent{}, errWaitTimeout
		case ev, ok := <-sub.C():
			if !ok {
				return driver.SensorEvent{}, errSubscriptionClosed
			}
			if ev.Kind == kind {
				return ev, nil
			}
		}
	}
}
