// Package planner computes routes across the grid. Two strategies share the
// Planner interface: AStar searches around obstacles, DirectStep walks the x
// delta then the y delta without searching. Wanderer picks a single greedy
// step for autonomous exploration.
package planner

import (
	"errors"
	"fmt"

	"fleetnav/internal/battery"
	"fleetnav/internal/domain"
	"fleetnav/internal/grid"
)

var (
	// ErrInfeasible is wrapped by every "no route" outcome.
	ErrInfeasible          = errors.New("route infeasible")
	ErrOutOfBounds         = fmt.Errorf("%w: destination outside grid", ErrInfeasible)
	ErrInsufficientBattery = fmt.Errorf("%w: insufficient battery", ErrInfeasible)
	ErrNoPath              = fmt.Errorf("%w: no path found", ErrInfeasible)
)

type Strategy string

const (
	StrategyAStar  Strategy = "astar"
	StrategyDirect Strategy = "direct"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyAStar, "":
		return StrategyAStar, nil
	case StrategyDirect:
		return StrategyDirect, nil
	}
	return "", fmt.Errorf("unknown planner strategy %q", s)
}

type Request struct {
	Start       domain.Coordinate
	Destination domain.Coordinate
	Battery     float64
	// Avoid holds cells the route must not enter: locked cells and cells
	// occupied by other agents.
	Avoid map[domain.Coordinate]struct{}
}

// Planner returns the cells to walk from the first step after Start through
// Destination. A request for the current cell yields an empty route.
type Planner interface {
	Strategy() Strategy
	Plan(req Request) ([]domain.Coordinate, error)
}

func New(strategy Strategy, boundary grid.Boundary, model *battery.Model) (Planner, error) {
	switch strategy {
	case StrategyAStar:
		return NewAStar(boundary, model), nil
	case StrategyDirect:
		return NewDirectStep(boundary, model), nil
	}
	return nil, fmt.Errorf("unknown planner strategy %q", strategy)
}

// AvoidSet builds the obstacle set for agentID: every locked cell plus the
// cells of all other agents. The agent's own cell is never included.
func AvoidSet(agentID string, fleet domain.FleetSnapshot, locked []domain.Coordinate) map[domain.Coordinate]struct{} {
	out := make(map[domain.Coordinate]struct{}, len(locked)+len(fleet))
	for _, c := range locked {
		out[c] = struct{}{}
	}
	for id, a := range fleet {
		if id != agentID {
			out[a.Coordinates] = struct{}{}
		}
	}
	if self, ok := fleet[agentID]; ok {
		delete(out, self.Coordinates)
	}
	return out
}

// Moves converts a route from start into the one-cell moves a rover is sent.
// Every step must be adjacent to the one before it.
func Moves(start domain.Coordinate, route []domain.Coordinate) ([]domain.Direction, error) {
	out := make([]domain.Direction, 0, len(route))
	prev := start
	for _, next := range route {
		dir, ok := domain.DirectionBetween(prev, next)
		if !ok {
			return nil, fmt.Errorf("route step %s -> %s is not a single move", prev, next)
		}
		out = append(out, dir)
		prev = next
	}
	return out, nil
}

func checkPreconditions(boundary grid.Boundary, model *battery.Model, req Request) error {
	if !boundary.Contains(req.Destination) {
		return fmt.Errorf("%w: %s", ErrOutOfBounds, req.Destination)
	}
	need := req.Start.Manhattan(req.Destination)
	if have := model.RemainingMoveCapacity(req.Battery); need > have {
		return fmt.Errorf("%w: need %d moves, battery affords %d", ErrInsufficientBattery, need, have)
	}
	return nil
}

func avoided(avoid map[domain.Coordinate]struct{}, c domain.Coordinate) bool {
	_, ok := avoid[c]
	return ok
}
