// Package policy gates manual rover commands before they reach the bus.
package policy

import (
	"fmt"

	"fleetnav/internal/battery"
	"fleetnav/internal/domain"
	"fleetnav/internal/grid"
)

type LockChecker interface {
	IsLocked(c domain.Coordinate) bool
}

type Engine struct {
	boundary grid.Boundary
	locks    LockChecker
	battery  *battery.Model
}

func New(boundary grid.Boundary, locks LockChecker, model *battery.Model) *Engine {
	return &Engine{boundary: boundary, locks: locks, battery: model}
}

// CanMove reports whether agent may take one step in dir. occupied holds the
// cells of every other rover.
func (e *Engine) CanMove(agent domain.Agent, dir domain.Direction, occupied map[domain.Coordinate]struct{}) (bool, string) {
	if agent.Status == domain.AgentStatusMoving {
		return false, "rover is already moving"
	}
	next := agent.Coordinates.Step(dir)
	if !e.boundary.Contains(next) {
		return false, fmt.Sprintf("%s is outside the field", next)
	}
	if _, taken := occupied[next]; taken {
		return false, fmt.Sprintf("%s is occupied by another rover", next)
	}
	if e.locks.IsLocked(next) {
		return false, fmt.Sprintf("%s was visited recently", next)
	}
	if !e.battery.HasSufficientBattery(agent.Battery, battery.ActionMove, domain.TaskNone) {
		return false, fmt.Sprintf("battery %.1f below move reserve", agent.Battery)
	}
	return true, "allowed"
}

// CanPerform reports whether agent may start task at its current cell.
func (e *Engine) CanPerform(agent domain.Agent, task domain.TaskKind) (bool, string) {
	if !task.Valid() {
		return false, "unknown task"
	}
	if agent.CurrentTask != domain.TaskNone {
		return false, fmt.Sprintf("rover is busy with %s", agent.CurrentTask)
	}
	if !e.battery.HasSufficientBattery(agent.Battery, battery.ActionTask, task) {
		return false, fmt.Sprintf("battery %.1f too low for %s", agent.Battery, task)
	}
	return true, "allowed"
}
