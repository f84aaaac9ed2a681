package driver

import (
	"fmt"
	"log"

	"github.com/itohio/purpledrop/pkg/config"
	"github.com/itohio/purpledrop/pkg/events"
)

// New builds the backend selected by cfg.Driver.Kind. Sensor and bulk
// capacitance events are published to broker.
func New(cfg *config.Config, broker *events.Broker) (Driver, error) {
	dc := cfg.Driver

	switch dc.Kind {
	case config.DriverSerial:
		port := dc.Port
		if port == config.AutoPort {
			ports, err := Ports()
			if err != nil {
				return nil, err
			}
			if len(ports) == 0 {
				return nil, fmt.Errorf("no serial ports found")
			}
			port = ports[0].Name
			log.Printf("Using serial port %s", ports[0].Description)
		}
		d, err := OpenSerial(port, dc.BaudRate, dc.ReadTimeout, dc.EventCapacity, broker)
		if err != nil {
			return nil, err
		}
		return d, nil
	case config.DriverMock:
		mock := cfg.Mock
		return NewMock(&mock, broker, dc.EventCapacity), nil
	case config.DriverShiftRegister:
		d, err := OpenShiftRegister(dc.Device)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown driver kind %q", dc.Kind)
	}
}
