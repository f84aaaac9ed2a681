package motion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/purpledrop/pkg/driver"
	"github.com/itohio/purpledrop/pkg/events"
)

// fakeDriver records committed frames and runs a script after each commit.
type fakeDriver struct {
	feedback bool
	hub      *driver.Hub
	onLatch  func(commit int, hub *driver.Hub)
	onStep   func(hub *driver.Hub)

	mu        sync.Mutex
	staged    [driver.NumPins]bool
	frames    [][driver.NumPins]bool
	steps     []int32
	frequency float64
	latchErr  error
}

func newFakeDriver(feedback bool) *fakeDriver {
	return &fakeDriver{feedback: feedback, hub: driver.NewHub(1024)}
}

func (f *fakeDriver) SetFrequency(hz float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frequency = hz
	return nil
}

func (f *fakeDriver) ClearPins() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staged = [driver.NumPins]bool{}
}

func (f *fakeDriver) SetPin(pin int, value bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staged[pin] = value
}

func (f *fakeDriver) SetPinHi(pin int) { f.SetPin(pin, true) }
func (f *fakeDriver) SetPinLo(pin int) { f.SetPin(pin, false) }

func (f *fakeDriver) ShiftAndLatch() error {
	f.mu.Lock()
	if f.latchErr != nil {
		f.mu.Unlock()
		return f.latchErr
	}
	f.frames = append(f.frames, f.staged)
	commit := len(f.frames)
	f.mu.Unlock()

	if f.onLatch != nil {
		f.onLatch(commit, f.hub)
	}
	return nil
}

func (f *fakeDriver) HasCapacitanceFeedback() bool { return f.feedback }

func (f *fakeDriver) CapacitanceChannel() (*driver.Subscription, bool) {
	if !f.feedback {
		return nil, false
	}
	return f.hub.Subscribe(), true
}

func (f *fakeDriver) ActiveCapacitance() float32 { return 42 }

func (f *fakeDriver) BulkCapacitance() []float32 { return make([]float32, driver.NumPins) }

func (f *fakeDriver) MoveStepper(steps int32) error {
	f.mu.Lock()
	f.steps = append(f.steps, steps)
	f.mu.Unlock()

	if f.onStep != nil {
		f.onStep(f.hub)
	}
	return nil
}

func (f *fakeDriver) Close() error { return nil }

func (f *fakeDriver) committed() [][driver.NumPins]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][driver.NumPins]bool(nil), f.frames...)
}

func pinsOf(indices ...int) [driver.NumPins]bool {
	var p [driver.NumPins]bool
	for _, i := range indices {
		p[i] = true
	}
	return p
}

func testTiming() Timing {
	t := DefaultTiming()
	t.SettleTime = 50 * time.Millisecond
	return t
}

func newTestController(drv driver.Driver, timing Timing) *Controller {
	return New(drv, nil, GridLayout{Width: 16, Height: 8}, timing)
}

type moveLog struct {
	moves   []Move
	results []*MoveDropResult
	err     error
}

func (l *moveLog) RecordMove(ctx context.Context, move Move, result *MoveDropResult) error {
	l.moves = append(l.moves, move)
	l.results = append(l.results, result)
	return l.err
}

func TestMoveDrop_ClosedLoopSuccess(t *testing.T) {
	drv := newFakeDriver(true)
	drv.onLatch = func(commit int, hub *driver.Hub) {
		switch commit {
		case 1:
			hub.Publish(driver.Ack())
			hub.Publish(driver.Measurement(100))
		case 2:
			hub.Publish(driver.Ack())
			for i := 0; i < 500; i++ {
				hub.Publish(driver.Measurement(85))
			}
		}
	}

	c := newTestController(drv, testTiming())
	rec := &moveLog{}
	c.SetRecorder(rec)

	start := time.Now()
	result, err := c.MoveDrop(context.Background(), Location{X: 2, Y: 1}, Size{Width: 2, Height: 1}, Right)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	assert.True(t, result.Success)
	assert.True(t, result.ClosedLoop)
	require.NotNil(t, result.ClosedLoopResult)
	cl := result.ClosedLoopResult
	assert.Equal(t, float32(100), cl.PreCapacitance)
	assert.GreaterOrEqual(t, cl.PostCapacitance, float32(80))
	assert.Len(t, cl.CapacitanceSeries, 500)
	assert.Len(t, cl.TimeSeries, 500)
	assert.Equal(t, float32(0), cl.TimeSeries[0])
	assert.InDelta(t, 0.002, cl.TimeSeries[1], 1e-6)

	frames := drv.committed()
	require.Len(t, frames, 2)
	assert.Equal(t, pinsOf(18, 19), frames[0])
	assert.Equal(t, pinsOf(19, 20), frames[1])

	require.Len(t, rec.moves, 1)
	assert.Equal(t, Move{Start: Location{X: 2, Y: 1}, Size: Size{Width: 2, Height: 1}, Direction: Right}, rec.moves[0])
	assert.Same(t, result, rec.results[0])
	assert.Equal(t, 0, drv.hub.Len(), "subscription must be released")
}

func TestMoveDrop_BaselineTimeout(t *testing.T) {
	drv := newFakeDriver(true)
	drv.onLatch = func(commit int, hub *driver.Hub) {
		hub.Publish(driver.Ack())
	}

	c := newTestController(drv, testTiming())
	rec := &moveLog{}
	c.SetRecorder(rec)

	start := time.Now()
	result, err := c.MoveDrop(context.Background(), Location{X: 0, Y: 0}, Size{Width: 1, Height: 1}, Down)
	assert.ErrorIs(t, err, ErrBaselineTimeout)
	assert.Nil(t, result)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	assert.Len(t, drv.committed(), 1, "destination must not be driven without a baseline")
	assert.Empty(t, rec.moves)
	assert.Equal(t, 0, drv.hub.Len())
}

func TestMoveDrop_ClosedLoopFailure(t *testing.T) {
	drv := newFakeDriver(true)
	drv.onLatch = func(commit int, hub *driver.Hub) {
		switch commit {
		case 1:
			hub.Publish(driver.Ack())
			hub.Publish(driver.Measurement(100))
		case 2:
			hub.Publish(driver.Ack())
			for i := 0; i < 100; i++ {
				hub.Publish(driver.Measurement(50))
			}
		}
	}

	timing := testTiming()
	timing.MonitorWindow = 300 * time.Millisecond
	c := newTestController(drv, timing)

	start := time.Now()
	result, err := c.MoveDrop(context.Background(), Location{X: 5, Y: 5}, Size{Width: 1, Height: 1}, Up)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	assert.False(t, result.Success)
	assert.True(t, result.ClosedLoop)
	require.NotNil(t, result.ClosedLoopResult)
	assert.Equal(t, float32(100), result.ClosedLoopResult.PreCapacitance)
	assert.Equal(t, float32(50), result.ClosedLoopResult.PostCapacitance)
	assert.Len(t, result.ClosedLoopResult.CapacitanceSeries, 100)

	frames := drv.committed()
	require.Len(t, frames, 2)
	assert.Equal(t, pinsOf(85), frames[0])
	assert.Equal(t, pinsOf(69), frames[1])
}

func TestMoveDrop_TrailingSamplesMustBeConsecutive(t *testing.T) {
	drv := newFakeDriver(true)
	drv.onLatch = func(commit int, hub *driver.Hub) {
		switch commit {
		case 1:
			hub.Publish(driver.Ack())
			hub.Publish(driver.Measurement(100))
		case 2:
			hub.Publish(driver.Ack())
			for i := 0; i < 4; i++ {
				hub.Publish(driver.Measurement(90))
			}
			hub.Publish(driver.Measurement(10))
			for i := 0; i < 5; i++ {
				hub.Publish(driver.Measurement(95))
			}
			hub.Publish(driver.Measurement(95))
		}
	}

	timing := testTiming()
	timing.TrailingSamples = 5
	c := newTestController(drv, timing)

	result, err := c.MoveDrop(context.Background(), Location{X: 1, Y: 1}, Size{Width: 1, Height: 1}, Left)
	require.NoError(t, err)
	assert.True(t, result.Success)
	// Stops after the fifth consecutive sample above threshold
	assert.Len(t, result.ClosedLoopResult.CapacitanceSeries, 10)
}

func TestMoveDrop_AckTimeoutIsNotFatal(t *testing.T) {
	timing := testTiming()
	timing.AckTimeout = 20 * time.Millisecond
	timing.BaselineTimeout = time.Second
	timing.TrailingSamples = 10

	drv := newFakeDriver(true)
	drv.onLatch = func(commit int, hub *driver.Hub) {
		go func() {
			time.Sleep(3 * timing.AckTimeout)
			if commit == 1 {
				hub.Publish(driver.Measurement(100))
				return
			}
			for i := 0; i < 10; i++ {
				hub.Publish(driver.Measurement(120))
			}
		}()
	}

	c := newTestController(drv, timing)
	result, err := c.MoveDrop(context.Background(), Location{X: 0, Y: 0}, Size{Width: 1, Height: 1}, Right)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, float32(120), result.ClosedLoopResult.PostCapacitance)
}

func TestMoveDrop_OpenLoop(t *testing.T) {
	drv := newFakeDriver(false)
	timing := testTiming()
	c := newTestController(drv, timing)

	start := time.Now()
	result, err := c.MoveDrop(context.Background(), Location{X: 0, Y: 0}, Size{Width: 2, Height: 2}, Down)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), timing.SettleTime)

	assert.True(t, result.Success)
	assert.False(t, result.ClosedLoop)
	assert.Nil(t, result.ClosedLoopResult)

	frames := drv.committed()
	require.Len(t, frames, 1)
	assert.Equal(t, pinsOf(16, 17, 32, 33), frames[0])
}

func TestMoveDrop_InvalidLocation(t *testing.T) {
	tests := []struct {
		name  string
		start Location
		size  Size
		dir   Direction
	}{
		{"destination off the left edge", Location{X: 0, Y: 0}, Size{Width: 1, Height: 1}, Left},
		{"destination off the bottom edge", Location{X: 3, Y: 7}, Size{Width: 1, Height: 1}, Down},
		{"start outside grid", Location{X: 16, Y: 0}, Size{Width: 1, Height: 1}, Left},
		{"empty drop", Location{X: 1, Y: 1}, Size{Width: 0, Height: 1}, Right},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drv := newFakeDriver(true)
			c := newTestController(drv, testTiming())

			_, err := c.MoveDrop(context.Background(), tt.start, tt.size, tt.dir)
			assert.ErrorIs(t, err, ErrInvalidLocation)
			assert.Empty(t, drv.committed())
		})
	}
}

func TestMoveDrop_ContextCanceled(t *testing.T) {
	drv := newFakeDriver(true)
	ctx, cancel := context.WithCancel(context.Background())
	drv.onLatch = func(commit int, hub *driver.Hub) {
		hub.Publish(driver.Ack())
		hub.Publish(driver.Measurement(100))
		if commit == 2 {
			cancel()
		}
	}

	c := newTestController(drv, testTiming())
	_, err := c.MoveDrop(ctx, Location{X: 1, Y: 1}, Size{Width: 1, Height: 1}, Right)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMoveDrop_LatchError(t *testing.T) {
	drv := newFakeDriver(true)
	drv.latchErr = errors.New("link down")

	c := newTestController(drv, testTiming())
	_, err := c.MoveDrop(context.Background(), Location{X: 1, Y: 1}, Size{Width: 1, Height: 1}, Right)
	assert.ErrorIs(t, err, drv.latchErr)
}

func TestController_OutputPublishesElectrodeState(t *testing.T) {
	drv := newFakeDriver(false)
	broker := events.New()
	var states []*events.ElectrodeState
	broker.AddHandler(func(ev events.Event) error {
		if s, ok := ev.(*events.ElectrodeState); ok {
			states = append(states, s)
		}
		return nil
	})
	c := New(drv, broker, GridLayout{Width: 16, Height: 8}, testTiming())

	require.NoError(t, c.SetElectrodePins([]int{3, 127}))
	require.NoError(t, c.OutputLocations([]Location{{X: 1, Y: 0}}))
	require.NoError(t, c.OutputRects([]Rectangle{{Location: Location{X: 0, Y: 1}, Size: Size{Width: 2, Height: 1}}}))

	frames := drv.committed()
	require.Len(t, frames, 3)
	assert.Equal(t, pinsOf(3, 127), frames[0])
	assert.Equal(t, pinsOf(1), frames[1])
	assert.Equal(t, pinsOf(16, 17), frames[2])

	require.Len(t, states, 3)
	want := pinsOf(3, 127)
	assert.Equal(t, want[:], states[0].Electrodes)
}

func TestController_InvalidOutputs(t *testing.T) {
	drv := newFakeDriver(false)
	c := newTestController(drv, testTiming())

	assert.ErrorIs(t, c.SetElectrodePins([]int{1, 128}), ErrInvalidPin)
	assert.ErrorIs(t, c.SetElectrodePins([]int{-1}), ErrInvalidPin)
	assert.ErrorIs(t, c.OutputLocations([]Location{{X: 16, Y: 0}}), ErrInvalidLocation)
	assert.Empty(t, drv.committed())
}

func TestController_Capacitance(t *testing.T) {
	c := newTestController(newFakeDriver(true), testTiming())
	values, err := c.BulkCapacitance()
	require.NoError(t, err)
	assert.Len(t, values, driver.NumPins)
	assert.Equal(t, float32(42), c.ActiveCapacitance())

	open := newTestController(newFakeDriver(false), testTiming())
	_, err = open.BulkCapacitance()
	assert.ErrorIs(t, err, driver.ErrUnsupported)
}

func TestController_SetFrequency(t *testing.T) {
	drv := newFakeDriver(false)
	c := newTestController(drv, testTiming())
	require.NoError(t, c.SetFrequency(1500))
	assert.Equal(t, 1500.0, drv.frequency)
}

func TestController_MoveStepper(t *testing.T) {
	t.Run("acknowledged", func(t *testing.T) {
		drv := newFakeDriver(true)
		drv.onStep = func(hub *driver.Hub) {
			hub.Publish(driver.Measurement(1))
			hub.Publish(driver.StepperAck())
		}
		c := newTestController(drv, testTiming())

		require.NoError(t, c.MoveStepper(context.Background(), 200))
		assert.Equal(t, []int32{200}, drv.steps)
	})

	t.Run("timeout", func(t *testing.T) {
		drv := newFakeDriver(true)
		timing := testTiming()
		timing.StepperTimeout = 20 * time.Millisecond
		c := newTestController(drv, timing)

		assert.ErrorIs(t, c.MoveStepper(context.Background(), -5), ErrStepperTimeout)
	})

	t.Run("no feedback", func(t *testing.T) {
		drv := newFakeDriver(false)
		c := newTestController(drv, testTiming())

		require.NoError(t, c.MoveStepper(context.Background(), 7))
		assert.Equal(t, []int32{7}, drv.steps)
	})
}
