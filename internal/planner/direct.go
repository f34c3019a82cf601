package planner

import (
	"fmt"

	"fleetnav/internal/battery"
	"fleetnav/internal/domain"
	"fleetnav/internal/grid"
)

// DirectStep exhausts the x delta first, then the y delta. It does not route
// around obstacles: a step into an avoided cell makes the request fail.
type DirectStep struct {
	boundary grid.Boundary
	battery  *battery.Model
}

func NewDirectStep(boundary grid.Boundary, model *battery.Model) *DirectStep {
	return &DirectStep{boundary: boundary, battery: model}
}

func (d *DirectStep) Strategy() Strategy { return StrategyDirect }

func (d *DirectStep) Plan(req Request) ([]domain.Coordinate, error) {
	if err := checkPreconditions(d.boundary, d.battery, req); err != nil {
		return nil, err
	}

	path := make([]domain.Coordinate, 0, req.Start.Manhattan(req.Destination))
	cur := req.Start
	for cur != req.Destination {
		switch {
		case cur.X < req.Destination.X:
			cur.X++
		case cur.X > req.Destination.X:
			cur.X--
		case cur.Y < req.Destination.Y:
			cur.Y++
		default:
			cur.Y--
		}
		if !d.boundary.Contains(cur) || avoided(req.Avoid, cur) {
			return nil, fmt.Errorf("%w: direct route blocked at %s", ErrNoPath, cur)
		}
		path = append(path, cur)
	}
	return path, nil
}
