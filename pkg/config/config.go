package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Driver kinds.
const (
	DriverSerial        = "serial"
	DriverMock          = "mock"
	DriverShiftRegister = "shiftreg"
)

// AutoPort asks the serial driver to pick the first detected driver board.
const AutoPort = "auto"

// Config represents the application configuration.
type Config struct {
	Driver DriverConfig `yaml:"driver"`
	Motion MotionConfig `yaml:"motion"`
	Board  BoardConfig  `yaml:"board"`
	Record RecordConfig `yaml:"record"`
	Mock   MockConfig   `yaml:"mock"`
}

// DriverConfig selects and configures the electrode driver backend.
type DriverConfig struct {
	Kind          string        `yaml:"kind"`
	Port          string        `yaml:"port"`
	BaudRate      int           `yaml:"baud_rate"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	Device        string        `yaml:"device"`         // Shift register device (SPI character device)
	EventCapacity int           `yaml:"event_capacity"` // Per-subscriber sensor event buffer
}

// MotionConfig contains the closed-loop move timing and thresholds.
type MotionConfig struct {
	AckTimeout      time.Duration `yaml:"ack_timeout"`
	BaselineTimeout time.Duration `yaml:"baseline_timeout"`
	MonitorWindow   time.Duration `yaml:"monitor_window"`
	PollTimeout     time.Duration `yaml:"poll_timeout"`
	SamplePeriod    time.Duration `yaml:"sample_period"`
	Threshold       float32       `yaml:"threshold"` // Fraction of the baseline capacitance
	TrailingSamples int           `yaml:"trailing_samples"`
	SettleTime      time.Duration `yaml:"settle_time"` // Open-loop move duration
	StepperTimeout  time.Duration `yaml:"stepper_timeout"`
}

// BoardConfig describes the default row-major electrode grid.
type BoardConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// RecordConfig controls persistence of events and move results.
type RecordConfig struct {
	Path string `yaml:"path"` // SQLite database path, empty disables recording
}

// MockConfig contains simulated driver configuration.
type MockConfig struct {
	SampleRate      time.Duration `yaml:"sample_rate"`      // Active capacitance period
	BulkRate        time.Duration `yaml:"bulk_rate"`        // Full-array scan period
	NoiseLevel      float32       `yaml:"noise_level"`      // Noise amplitude (calibrated units)
	DropCapacitance float32       `yaml:"drop_capacitance"` // Reading of an electrode fully covered by the drop
	Background      float32       `yaml:"background"`       // Reading of an uncovered electrode
	MoveDelay       time.Duration `yaml:"move_delay"`       // Time for the drop to follow the enabled electrodes
	DropPins        []int         `yaml:"drop_pins"`        // Initial drop location
	Stuck           bool          `yaml:"stuck"`            // Drop never moves
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Driver: DriverConfig{
			Kind:          DriverSerial,
			Port:          "/dev/ttyACM0",
			BaudRate:      230400,
			ReadTimeout:   10 * time.Millisecond,
			Device:        "/dev/spidev0.0",
			EventCapacity: 256,
		},
		Motion: MotionConfig{
			AckTimeout:      200 * time.Millisecond,
			BaselineTimeout: 200 * time.Millisecond,
			MonitorWindow:   3 * time.Second,
			PollTimeout:     100 * time.Millisecond,
			SamplePeriod:    2 * time.Millisecond,
			Threshold:       0.8,
			TrailingSamples: 500,
			SettleTime:      time.Second,
			StepperTimeout:  2 * time.Second,
		},
		Board: BoardConfig{
			Width:  16,
			Height: 8,
		},
		Record: RecordConfig{
			Path: "",
		},
		Mock: MockConfig{
			SampleRate:      2 * time.Millisecond,
			BulkRate:        100 * time.Millisecond,
			NoiseLevel:      1.0,
			DropCapacitance: 200.0,
			Background:      5.0,
			MoveDelay:       150 * time.Millisecond,
			DropPins:        []int{0},
			Stuck:           false,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Driver.Kind == "" {
		c.Driver.Kind = def.Driver.Kind
	}
	if c.Driver.Port == "" {
		c.Driver.Port = def.Driver.Port
	}
	if c.Driver.BaudRate == 0 {
		c.Driver.BaudRate = def.Driver.BaudRate
	}
	if c.Driver.ReadTimeout == 0 {
		c.Driver.ReadTimeout = def.Driver.ReadTimeout
	}
	if c.Driver.Device == "" {
		c.Driver.Device = def.Driver.Device
	}
	if c.Driver.EventCapacity == 0 {
		c.Driver.EventCapacity = def.Driver.EventCapacity
	}

	if c.Motion.AckTimeout == 0 {
		c.Motion.AckTimeout = def.Motion.AckTimeout
	}
	if c.Motion.BaselineTimeout == 0 {
		c.Motion.BaselineTimeout = def.Motion.BaselineTimeout
	}
	if c.Motion.MonitorWindow == 0 {
		c.Motion.MonitorWindow = def.Motion.MonitorWindow
	}
	if c.Motion.PollTimeout == 0 {
		c.Motion.PollTimeout = def.Motion.PollTimeout
	}
	if c.Motion.SamplePeriod == 0 {
		c.Motion.SamplePeriod = def.Motion.SamplePeriod
	}
	if c.Motion.Threshold == 0 {
		c.Motion.Threshold = def.Motion.Threshold
	}
	if c.Motion.TrailingSamples == 0 {
		c.Motion.TrailingSamples = def.Motion.TrailingSamples
	}
	if c.Motion.SettleTime == 0 {
		c.Motion.SettleTime = def.Motion.SettleTime
	}
	if c.Motion.StepperTimeout == 0 {
		c.Motion.StepperTimeout = def.Motion.StepperTimeout
	}

	if c.Board.Width == 0 {
		c.Board.Width = def.Board.Width
	}
	if c.Board.Height == 0 {
		c.Board.Height = def.Board.Height
	}

	if c.Mock.SampleRate == 0 {
		c.Mock.SampleRate = def.Mock.SampleRate
	}
	if c.Mock.BulkRate == 0 {
		c.Mock.BulkRate = def.Mock.BulkRate
	}
	if c.Mock.DropCapacitance == 0 {
		c.Mock.DropCapacitance = def.Mock.DropCapacitance
	}
	if c.Mock.MoveDelay == 0 {
		c.Mock.MoveDelay = def.Mock.MoveDelay
	}
	if len(c.Mock.DropPins) == 0 {
		c.Mock.DropPins = def.Mock.DropPins
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Driver.Kind {
	case DriverSerial, DriverMock, DriverShiftRegister:
	default:
		return fmt.Errorf("unknown driver kind %q", c.Driver.Kind)
	}
	if c.Board.Width <= 0 || c.Board.Height <= 0 {
		return fmt.Errorf("invalid board size %dx%d", c.Board.Width, c.Board.Height)
	}
	if c.Motion.Threshold <= 0 || c.Motion.Threshold > 1 {
		return fmt.Errorf("motion threshold %v out of range (0, 1]", c.Motion.Threshold)
	}
	if c.Motion.TrailingSamples < 0 {
		return fmt.Errorf("negative trailing samples %d", c.Motion.TrailingSamples)
	}
	return nil
}
