// Package battery prices rover actions in battery percent and decides whether
// an agent can afford them while keeping the safety reserve.
package battery

import (
	"math"

	"fleetnav/internal/domain"
)

const (
	DefaultMoveCost = 1.0
	DefaultReserve  = 10.0
)

type Action int

const (
	ActionMove Action = iota
	ActionTask
)

func (a Action) String() string {
	switch a {
	case ActionMove:
		return "move"
	case ActionTask:
		return "task"
	}
	return "unknown"
}

// Config zero values select the defaults: a zero MoveCost or Reserve means
// DefaultMoveCost or DefaultReserve, and zero task costs fall back to
// DefaultTaskCosts. A reserve of exactly zero cannot be configured.
type Config struct {
	MoveCost  float64
	TaskCosts map[domain.TaskKind]float64
	Reserve   float64
}

func DefaultTaskCosts() map[domain.TaskKind]float64 {
	return map[domain.TaskKind]float64{
		domain.TaskSoilAnalysis:   2,
		domain.TaskIrrigation:     3,
		domain.TaskWeeding:        4,
		domain.TaskCropMonitoring: 1,
	}
}

func (c Config) withDefaults() Config {
	if c.MoveCost <= 0 {
		c.MoveCost = DefaultMoveCost
	}
	if c.Reserve <= 0 {
		c.Reserve = DefaultReserve
	}
	costs := DefaultTaskCosts()
	for k, v := range c.TaskCosts {
		if v > 0 {
			costs[k] = v
		}
	}
	c.TaskCosts = costs
	return c
}

// Model is immutable after construction and safe to share.
type Model struct {
	cfg Config
}

func New(cfg Config) *Model {
	return &Model{cfg: cfg.withDefaults()}
}

func (m *Model) MoveCost() float64 {
	return m.cfg.MoveCost
}

// TaskCost is zero for TaskNone and for kinds without a configured cost.
func (m *Model) TaskCost(task domain.TaskKind) float64 {
	return m.cfg.TaskCosts[task]
}

func (m *Model) Reserve() float64 {
	return m.cfg.Reserve
}

func (m *Model) Cost(action Action, task domain.TaskKind) float64 {
	switch action {
	case ActionMove:
		return m.MoveCost()
	case ActionTask:
		return m.TaskCost(task)
	}
	return 0
}

// HasSufficientBattery reports whether current stays at or above the reserve
// after paying for the action.
func (m *Model) HasSufficientBattery(current float64, action Action, task domain.TaskKind) bool {
	return current-m.Cost(action, task) >= m.cfg.Reserve
}

// RemainingMoveCapacity is how many single-cell moves current can pay for
// before reaching the reserve.
func (m *Model) RemainingMoveCapacity(current float64) int {
	usable := math.Max(0, current-m.cfg.Reserve)
	return int(math.Floor(usable / m.cfg.MoveCost))
}
