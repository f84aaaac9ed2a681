// Package api exposes the controller operations to RPC transports.
package api

import (
	"context"

	"github.com/itohio/purpledrop/pkg/motion"
)

// BoardDefinition describes the electrode grid.
type BoardDefinition struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	Pins   int `json:"pins"`
}

// Service adapts a motion.Controller to the RPC surface. Every method
// returns either a result or an *Error, never a bare error.
type Service struct {
	ctrl  *motion.Controller
	board motion.Size
}

func NewService(ctrl *motion.Controller, board motion.Size) *Service {
	return &Service{ctrl: ctrl, board: board}
}

func (s *Service) GetBoardDefinition() BoardDefinition {
	return BoardDefinition{
		Width:  s.board.Width,
		Height: s.board.Height,
		Pins:   s.board.Width * s.board.Height,
	}
}

func (s *Service) GetBulkCapacitance() ([]float32, *Error) {
	values, err := s.ctrl.BulkCapacitance()
	if err != nil {
		return nil, toError(err)
	}
	return values, nil
}

func (s *Service) GetActiveCapacitance() float32 {
	return s.ctrl.ActiveCapacitance()
}

// SetElectrodePins drives exactly the listed electrodes.
func (s *Service) SetElectrodePins(pins []int) *Error {
	return toError(s.ctrl.SetElectrodePins(pins))
}

// MoveDrop moves the droplet whose top-left electrode is start. start and
// size are [x, y] and [width, height]; dir is one of up, down, left, right.
func (s *Service) MoveDrop(ctx context.Context, start, size [2]int, dir string) (*motion.MoveDropResult, *Error) {
	d, err := motion.ParseDirection(dir)
	if err != nil {
		return nil, invalidParams("%v", err)
	}
	if size[0] <= 0 || size[1] <= 0 {
		return nil, invalidParams("invalid drop size %v", size)
	}

	result, err := s.ctrl.MoveDrop(ctx,
		motion.Location{X: start[0], Y: start[1]},
		motion.Size{Width: size[0], Height: size[1]},
		d)
	if err != nil {
		return nil, toError(err)
	}
	return result, nil
}

func (s *Service) SetFrequency(hz float64) *Error {
	if hz < 0 {
		return invalidParams("negative frequency %v", hz)
	}
	return toError(s.ctrl.SetFrequency(hz))
}

func (s *Service) MoveStepper(ctx context.Context, steps int32) *Error {
	return toError(s.ctrl.MoveStepper(ctx, steps))
}
