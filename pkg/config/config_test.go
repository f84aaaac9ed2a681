package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.NotNil(t, cfg)
	assert.Equal(t, DriverSerial, cfg.Driver.Kind)
	assert.Equal(t, "/dev/ttyACM0", cfg.Driver.Port)
	assert.Equal(t, 230400, cfg.Driver.BaudRate)
	assert.Equal(t, 10*time.Millisecond, cfg.Driver.ReadTimeout)
	assert.Equal(t, 256, cfg.Driver.EventCapacity)
	assert.Equal(t, 200*time.Millisecond, cfg.Motion.AckTimeout)
	assert.Equal(t, 200*time.Millisecond, cfg.Motion.BaselineTimeout)
	assert.Equal(t, 3*time.Second, cfg.Motion.MonitorWindow)
	assert.Equal(t, 100*time.Millisecond, cfg.Motion.PollTimeout)
	assert.Equal(t, 2*time.Millisecond, cfg.Motion.SamplePeriod)
	assert.Equal(t, float32(0.8), cfg.Motion.Threshold)
	assert.Equal(t, 500, cfg.Motion.TrailingSamples)
	assert.Equal(t, time.Second, cfg.Motion.SettleTime)
	assert.Equal(t, 128, cfg.Board.Width*cfg.Board.Height)
	assert.Empty(t, cfg.Record.Path)
	assert.Equal(t, []int{0}, cfg.Mock.DropPins)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileNotExists(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)
	assert.NotNil(t, cfg)
	assert.Equal(t, "/dev/ttyACM0", cfg.Driver.Port)
}

func TestLoad_ValidYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	yamlContent := `
driver:
  kind: mock
  port: "/dev/ttyUSB1"
  baud_rate: 115200
  read_timeout: 5ms
  event_capacity: 1024

motion:
  ack_timeout: 300ms
  baseline_timeout: 250ms
  monitor_window: 5s
  threshold: 0.7
  trailing_samples: 100
  settle_time: 500ms

board:
  width: 8
  height: 16

record:
  path: "/var/lib/purpledrop/record.db"

mock:
  sample_rate: 5ms
  drop_capacitance: 150
  drop_pins: [3, 4]
  stuck: true
`

	_, err = tmpfile.WriteString(yamlContent)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	assert.Equal(t, DriverMock, cfg.Driver.Kind)
	assert.Equal(t, "/dev/ttyUSB1", cfg.Driver.Port)
	assert.Equal(t, 115200, cfg.Driver.BaudRate)
	assert.Equal(t, 5*time.Millisecond, cfg.Driver.ReadTimeout)
	assert.Equal(t, 1024, cfg.Driver.EventCapacity)
	assert.Equal(t, 300*time.Millisecond, cfg.Motion.AckTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Motion.BaselineTimeout)
	assert.Equal(t, 5*time.Second, cfg.Motion.MonitorWindow)
	assert.Equal(t, float32(0.7), cfg.Motion.Threshold)
	assert.Equal(t, 100, cfg.Motion.TrailingSamples)
	assert.Equal(t, 500*time.Millisecond, cfg.Motion.SettleTime)
	assert.Equal(t, 100*time.Millisecond, cfg.Motion.PollTimeout) // default
	assert.Equal(t, 8, cfg.Board.Width)
	assert.Equal(t, 16, cfg.Board.Height)
	assert.Equal(t, "/var/lib/purpledrop/record.db", cfg.Record.Path)
	assert.Equal(t, 5*time.Millisecond, cfg.Mock.SampleRate)
	assert.Equal(t, float32(150), cfg.Mock.DropCapacitance)
	assert.Equal(t, []int{3, 4}, cfg.Mock.DropPins)
	assert.True(t, cfg.Mock.Stuck)
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	_, err = tmpfile.WriteString("invalid: yaml: content: [")
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoad_PartialYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	yamlContent := `
driver:
  port: "/dev/ttyACM3"
`

	_, err = tmpfile.WriteString(yamlContent)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// Should use defaults for missing fields
	assert.Equal(t, "/dev/ttyACM3", cfg.Driver.Port)
	assert.Equal(t, DriverSerial, cfg.Driver.Kind)            // default
	assert.Equal(t, 230400, cfg.Driver.BaudRate)              // default
	assert.Equal(t, 3*time.Second, cfg.Motion.MonitorWindow)  // default
	assert.Equal(t, 150*time.Millisecond, cfg.Mock.MoveDelay) // default
	assert.Equal(t, 16, cfg.Board.Width)                      // default
}

func TestSave(t *testing.T) {
	cfg := Default()
	cfg.Driver.Port = "/dev/ttyUSB0"
	cfg.Motion.MonitorWindow = 4 * time.Second

	tmpfile, err := os.CreateTemp("", "test_save_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	err = cfg.Save(tmpfile.Name())
	require.NoError(t, err)

	// Load it back and verify
	loaded, err := Load(tmpfile.Name())
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", loaded.Driver.Port)
	assert.Equal(t, 4*time.Second, loaded.Motion.MonitorWindow)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"mock driver", func(c *Config) { c.Driver.Kind = DriverMock }, false},
		{"shift register driver", func(c *Config) { c.Driver.Kind = DriverShiftRegister }, false},
		{"unknown driver", func(c *Config) { c.Driver.Kind = "hv999" }, true},
		{"zero width", func(c *Config) { c.Board.Width = 0 }, true},
		{"threshold above one", func(c *Config) { c.Motion.Threshold = 1.5 }, true},
		{"negative threshold", func(c *Config) { c.Motion.Threshold = -0.1 }, true},
		{"negative trailing samples", func(c *Config) { c.Motion.TrailingSamples = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
