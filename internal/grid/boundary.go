// Package grid describes the rectangular operating area the fleet moves in.
package grid

import (
	"fmt"

	"github.com/paulmach/orb"

	"fleetnav/internal/domain"
)

const (
	DefaultMin = -10
	DefaultMax = 10
)

// Rand is the subset of *rand.Rand used to pick cells.
type Rand interface {
	IntN(n int) int
}

// Boundary is an inclusive integer rectangle.
type Boundary struct {
	MinX int `toml:"min_x" json:"min_x"`
	MaxX int `toml:"max_x" json:"max_x"`
	MinY int `toml:"min_y" json:"min_y"`
	MaxY int `toml:"max_y" json:"max_y"`
}

// Default is the 21x21 field centred on the origin.
func Default() Boundary {
	return Boundary{MinX: DefaultMin, MaxX: DefaultMax, MinY: DefaultMin, MaxY: DefaultMax}
}

func (b Boundary) Validate() error {
	if b.MinX > b.MaxX {
		return fmt.Errorf("grid min_x %d exceeds max_x %d", b.MinX, b.MaxX)
	}
	if b.MinY > b.MaxY {
		return fmt.Errorf("grid min_y %d exceeds max_y %d", b.MinY, b.MaxY)
	}
	return nil
}

func (b Boundary) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{float64(b.MinX), float64(b.MinY)},
		Max: orb.Point{float64(b.MaxX), float64(b.MaxY)},
	}
}

func (b Boundary) WithinBounds(x, y int) bool {
	return b.Bound().Contains(orb.Point{float64(x), float64(y)})
}

func (b Boundary) Contains(c domain.Coordinate) bool {
	return b.WithinBounds(c.X, c.Y)
}

func (b Boundary) Width() int  { return b.MaxX - b.MinX + 1 }
func (b Boundary) Height() int { return b.MaxY - b.MinY + 1 }

// Neighbors returns the in-bounds 4-connected neighbours of c in
// domain.Directions order.
func (b Boundary) Neighbors(c domain.Coordinate) []domain.Coordinate {
	out := make([]domain.Coordinate, 0, len(domain.Directions))
	for _, d := range domain.Directions {
		n := c.Step(d)
		if b.Contains(n) {
			out = append(out, n)
		}
	}
	return out
}

// EdgeDistance is the number of cells between c and the nearest edge.
func (b Boundary) EdgeDistance(c domain.Coordinate) int {
	return min(c.X-b.MinX, b.MaxX-c.X, c.Y-b.MinY, b.MaxY-c.Y)
}

func (b Boundary) Clamp(c domain.Coordinate) domain.Coordinate {
	return domain.Coordinate{
		X: max(b.MinX, min(b.MaxX, c.X)),
		Y: max(b.MinY, min(b.MaxY, c.Y)),
	}
}

func (b Boundary) RandomCell(r Rand) domain.Coordinate {
	return domain.Coordinate{
		X: b.MinX + r.IntN(b.Width()),
		Y: b.MinY + r.IntN(b.Height()),
	}
}
