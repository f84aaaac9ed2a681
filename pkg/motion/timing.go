package motion

import (
	"time"

	"github.com/itohio/purpledrop/pkg/config"
)

// Timing holds the waits and thresholds of a droplet move.
type Timing struct {
	AckTimeout      time.Duration // Advisory
	BaselineTimeout time.Duration // Fatal
	MonitorWindow   time.Duration
	PollTimeout     time.Duration
	SamplePeriod    time.Duration // Nominal spacing of the recorded time series
	Threshold       float32       // Fraction of the baseline a sample must exceed
	TrailingSamples int           // Consecutive samples above threshold that end monitoring
	SettleTime      time.Duration // Open-loop move duration
	StepperTimeout  time.Duration
}

// DefaultTiming returns the timing of the reference driver board.
func DefaultTiming() Timing {
	return TimingFromConfig(config.Default().Motion)
}

// TimingFromConfig converts the motion section of the configuration.
func TimingFromConfig(cfg config.MotionConfig) Timing {
	return Timing{
		AckTimeout:      cfg.AckTimeout,
		BaselineTimeout: cfg.BaselineTimeout,
		MonitorWindow:   cfg.MonitorWindow,
		PollTimeout:     cfg.PollTimeout,
		SamplePeriod:    cfg.SamplePeriod,
		Threshold:       cfg.Threshold,
		TrailingSamples: cfg.TrailingSamples,
		SettleTime:      cfg.SettleTime,
		StepperTimeout:  cfg.StepperTimeout,
	}
}
