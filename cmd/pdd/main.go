package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/itohio/purpledrop/pkg/api"
	"github.com/itohio/purpledrop/pkg/config"
	"github.com/itohio/purpledrop/pkg/driver"
	"github.com/itohio/purpledrop/pkg/events"
	"github.com/itohio/purpledrop/pkg/motion"
	"github.com/itohio/purpledrop/pkg/record"
)

func main() {
	var (
		portFlag   = flag.String("p", "", "Serial port override (e.g., COM3, /dev/ttyACM0 or auto)")
		configFlag = flag.String("config", "config.yaml", "Configuration file path")
		mockFlag   = flag.Bool("mock", false, "Use simulated board instead of serial port")
		listFlag   = flag.Bool("list", false, "List serial ports and exit")
	)
	flag.Parse()

	if *listFlag {
		listPorts()
		return
	}

	// Load configuration
	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Command line overrides
	if *portFlag != "" {
		cfg.Driver.Kind = config.DriverSerial
		cfg.Driver.Port = *portFlag
	}
	if *mockFlag {
		cfg.Driver.Kind = config.DriverMock
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	broker := events.New()
	broker.AddHandler(func(ev events.Event) error {
		if bc, ok := ev.(*events.BulkCapacitance); ok {
			log.Printf("Bulk capacitance: %d channels at %s", len(bc.Values), bc.Timestamp.Format("15:04:05.000"))
		}
		return nil
	})

	drv, err := driver.New(cfg, broker)
	if err != nil {
		return fmt.Errorf("failed to open %s driver: %w", cfg.Driver.Kind, err)
	}
	defer func() {
		if err := drv.Close(); err != nil {
			log.Printf("Failed to close driver: %v", err)
		}
	}()

	board := motion.Size{Width: cfg.Board.Width, Height: cfg.Board.Height}
	ctrl := motion.New(drv, broker, motion.GridLayout{Width: board.Width, Height: board.Height}, motion.TimingFromConfig(cfg.Motion))

	// Optional recording
	if cfg.Record.Path != "" {
		store := record.NewStore(cfg.Record.Path)
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("failed to open record database %s: %w", cfg.Record.Path, err)
		}
		defer store.Close()

		broker.AddHandler(store.Handler())
		ctrl.SetRecorder(store)
		log.Printf("Recording to %s", cfg.Record.Path)
	}

	svc := api.NewService(ctrl, board)
	def := svc.GetBoardDefinition()
	log.Printf("PurpleDrop running with %s driver, %dx%d board (feedback: %v)",
		cfg.Driver.Kind, def.Width, def.Height, drv.HasCapacitanceFeedback())

	// Start from a known electrode state
	if rpcErr := svc.SetElectrodePins(nil); rpcErr != nil {
		return rpcErr
	}

	<-ctx.Done()
	log.Printf("Shutting down")
	return nil
}

func listPorts() {
	ports, err := driver.Ports()
	if err != nil {
		log.Fatalf("Failed to list serial ports: %v", err)
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return
	}
	for _, p := range ports {
		if p.Description != "" {
			fmt.Printf("%s\t%s\n", p.Name, p.Description)
		} else {
			fmt.Println(p.Name)
		}
	}
}
