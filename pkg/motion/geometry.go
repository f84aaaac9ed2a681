package motion

import (
	"fmt"
	"strings"

	"github.com/itohio/purpledrop/pkg/driver"
)

// Location is an electrode grid coordinate. Y grows downwards.
type Location struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (l Location) String() string {
	return fmt.Sprintf("(%d, %d)", l.X, l.Y)
}

// Move returns the location one step away in dir.
func (l Location) Move(dir Direction) Location {
	dx, dy := dir.Offset()
	return Location{X: l.X + dx, Y: l.Y + dy}
}

// Size is the extent of a rectangle in electrodes.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rectangle is a block of electrodes anchored at its top-left location.
type Rectangle struct {
	Location Location `json:"location"`
	Size     Size     `json:"size"`
}

// Locations returns every location inside r in row-major order.
func (r Rectangle) Locations() []Location {
	if r.Size.Width <= 0 || r.Size.Height <= 0 {
		return nil
	}
	out := make([]Location, 0, r.Size.Width*r.Size.Height)
	for y := 0; y < r.Size.Height; y++ {
		for x := 0; x < r.Size.Width; x++ {
			out = append(out, Location{X: r.Location.X + x, Y: r.Location.Y + y})
		}
	}
	return out
}

// Direction of a single-step droplet move.
type Direction int

const (
	Up Direction = iota
	Down
	Left
	Right
)

// ParseDirection parses a case-insensitive direction name.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "up":
		return Up, nil
	case "down":
		return Down, nil
	case "left":
		return Left, nil
	case "right":
		return Right, nil
	default:
		return 0, fmt.Errorf("invalid direction %q", s)
	}
}

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	case Left:
		return "left"
	case Right:
		return "right"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Offset returns the grid delta of one step in d.
func (d Direction) Offset() (dx, dy int) {
	switch d {
	case Up:
		return 0, -1
	case Down:
		return 0, 1
	case Left:
		return -1, 0
	case Right:
		return 1, 0
	default:
		return 0, 0
	}
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(text []byte) error {
	v, err := ParseDirection(string(text))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Layout maps grid locations to electrode pins.
type Layout interface {
	Pin(loc Location) (int, bool)
}

// GridLayout numbers electrodes row by row, starting at the top-left.
type GridLayout struct {
	Width  int
	Height int
}

var _ Layout = GridLayout{}

func (g GridLayout) Pin(loc Location) (int, bool) {
	if loc.X < 0 || loc.Y < 0 || loc.X >= g.Width || loc.Y >= g.Height {
		return 0, false
	}
	pin := loc.Y*g.Width + loc.X
	if pin >= driver.NumPins {
		return 0, false
	}
	return pin, true
}
