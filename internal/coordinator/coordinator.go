// Package coordinator keeps the pool of coordination tasks, places new tasks
// on the field and auctions them to the nearest idle rovers.
package coordinator

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"fleetnav/internal/battery"
	"fleetnav/internal/clock"
	"fleetnav/internal/domain"
	"fleetnav/internal/grid"
)

const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

type Config struct {
	// DwellDuration is how long a fully staffed task stays active.
	DwellDuration time.Duration
	// PendingTimeout expires tasks that never get fully staffed. Zero keeps
	// them pending forever.
	PendingTimeout time.Duration
	// TargetRadius bounds how far from the anchoring rover a new task may
	// be placed.
	TargetRadius int
}

func (c Config) withDefaults() Config {
	if c.DwellDuration <= 0 {
		c.DwellDuration = 30 * time.Second
	}
	if c.PendingTimeout < 0 {
		c.PendingTimeout = 0
	}
	if c.TargetRadius <= 0 {
		c.TargetRadius = 3
	}
	return c
}

type LockChecker interface {
	IsLocked(c domain.Coordinate) bool
}

// Rand is the subset of *rand.Rand used to place tasks.
type Rand interface {
	IntN(n int) int
}

type Coordinator struct {
	boundary grid.Boundary
	locks    LockChecker
	battery  *battery.Model
	rng      Rand
	clock    clock.Clock
	cfg      Config
}

func New(boundary grid.Boundary, locks LockChecker, model *battery.Model, rng Rand, clk clock.Clock, cfg Config) *Coordinator {
	if clk == nil {
		clk = clock.Real()
	}
	return &Coordinator{
		boundary: boundary,
		locks:    locks,
		battery:  model,
		rng:      rng,
		clock:    clk,
		cfg:      cfg.withDefaults(),
	}
}

func NewPlan() domain.CoordinationPlan {
	return domain.CoordinationPlan{Tasks: []domain.CoordinationTask{}}
}

// RequiredAgents is the crew size of a task kind. TaskNone needs no crew.
func RequiredAgents(kind domain.TaskKind) int {
	switch kind {
	case domain.TaskSoilAnalysis, domain.TaskCropMonitoring:
		return 1
	case domain.TaskIrrigation, domain.TaskWeeding:
		return 2
	case domain.TaskNone:
		return 0
	}
	return 0
}

// GenerateTask proposes a new pending task of kind. The rover whose reading
// is most extreme for kind anchors the placement; without one the target is
// any cell. It returns false when the chosen cell is locked or kind is not a
// real task.
func (c *Coordinator) GenerateTask(fleet domain.FleetSnapshot, sensors map[string]domain.SensorSnapshot, kind domain.TaskKind, priority int) (domain.CoordinationTask, bool) {
	required := RequiredAgents(kind)
	if required == 0 {
		return domain.CoordinationTask{}, false
	}

	target := c.pickTarget(fleet, sensors, kind)
	if c.locks.IsLocked(target) {
		return domain.CoordinationTask{}, false
	}

	return domain.CoordinationTask{
		ID:             uuid.NewString(),
		Kind:           kind,
		Priority:       clampPriority(priority),
		Target:         target,
		RequiredAgents: required,
		AssignedAgents: []string{},
		CreatedAt:      c.clock.Now(),
	}, true
}

func (c *Coordinator) pickTarget(fleet domain.FleetSnapshot, sensors map[string]domain.SensorSnapshot, kind domain.TaskKind) domain.Coordinate {
	anchorID, ok := extremeReading(sensors, kind)
	if !ok {
		return c.boundary.RandomCell(c.rng)
	}
	agent, ok := fleet[anchorID]
	if !ok {
		return c.boundary.RandomCell(c.rng)
	}
	span := 2*c.cfg.TargetRadius + 1
	offset := domain.Coordinate{
		X: agent.Coordinates.X + c.rng.IntN(span) - c.cfg.TargetRadius,
		Y: agent.Coordinates.Y + c.rng.IntN(span) - c.cfg.TargetRadius,
	}
	return c.boundary.Clamp(offset)
}

// extremeReading returns the rover whose reading most calls for kind: the
// driest soil for irrigation, the wettest for weeding, the pH furthest from
// neutral for soil analysis. Crop monitoring has no preference.
func extremeReading(sensors map[string]domain.SensorSnapshot, kind domain.TaskKind) (string, bool) {
	var score func(s domain.SensorSnapshot) float64
	switch kind {
	case domain.TaskIrrigation:
		score = func(s domain.SensorSnapshot) float64 { return -s.SoilMoisture }
	case domain.TaskWeeding:
		score = func(s domain.SensorSnapshot) float64 { return s.SoilMoisture }
	case domain.TaskSoilAnalysis:
		score = func(s domain.SensorSnapshot) float64 { return math.Abs(s.SoilPH - 7) }
	case domain.TaskCropMonitoring, domain.TaskNone:
		return "", false
	default:
		return "", false
	}

	ids := sortedKeys(sensors)
	best, bestScore := "", math.Inf(-1)
	for _, id := range ids {
		if s := score(sensors[id]); s > bestScore {
			best, bestScore = id, s
		}
	}
	return best, best != ""
}

type candidate struct {
	id       string
	distance int
}

// AssignAgents staffs under-assigned tasks from the idle pool, highest
// priority first, nearest battery-eligible rover first. Each rover joins at
// most one task per call, and a rover already held by an unfinished task is
// not offered again. The input plan is not modified.
func (c *Coordinator) AssignAgents(fleet domain.FleetSnapshot, plan domain.CoordinationPlan) domain.CoordinationPlan {
	out := plan.Clone()

	held := make(map[string]bool)
	for _, t := range out.Tasks {
		if !t.Final() {
			for _, id := range t.AssignedAgents {
				held[id] = true
			}
		}
	}
	idle := make(map[string]domain.Agent)
	for id, a := range fleet {
		if a.Idle() && !held[id] {
			idle[id] = a
		}
	}

	order := make([]int, 0, len(out.Tasks))
	for i, t := range out.Tasks {
		if !t.Final() && len(t.AssignedAgents) < t.RequiredAgents {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		return out.Tasks[order[i]].Priority > out.Tasks[order[j]].Priority
	})

	now := c.clock.Now()
	for _, idx := range order {
		task := &out.Tasks[idx]
		need := task.RequiredAgents - len(task.AssignedAgents)

		candidates := make([]candidate, 0, len(idle))
		for id, a := range idle {
			if task.HasAgent(id) {
				continue
			}
			if !c.battery.HasSufficientBattery(a.Battery, battery.ActionMove, domain.TaskNone) {
				continue
			}
			candidates = append(candidates, candidate{id: id, distance: a.Coordinates.Manhattan(task.Target)})
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].distance != candidates[j].distance {
				return candidates[i].distance < candidates[j].distance
			}
			return candidates[i].id < candidates[j].id
		})

		for i := 0; i < need && i < len(candidates); i++ {
			task.AssignedAgents = append(task.AssignedAgents, candidates[i].id)
			delete(idle, candidates[i].id)
		}
		if len(task.AssignedAgents) == task.RequiredAgents && task.StartTime == nil {
			started := now
			task.StartTime = &started
		}
	}

	out.Recount()
	return out
}

// AdvanceCompletion completes active tasks whose dwell time has passed and,
// when PendingTimeout is set, expires tasks that stayed pending too long.
func (c *Coordinator) AdvanceCompletion(plan domain.CoordinationPlan) domain.CoordinationPlan {
	out := plan.Clone()
	now := c.clock.Now()
	for i := range out.Tasks {
		task := &out.Tasks[i]
		switch task.State() {
		case domain.TaskStateActive:
			if now.Sub(*task.StartTime) > c.cfg.DwellDuration {
				done := now
				task.CompletionTime = &done
			}
		case domain.TaskStatePending:
			if c.cfg.PendingTimeout > 0 && now.Sub(task.CreatedAt) > c.cfg.PendingTimeout {
				expired := now
				task.ExpiredAt = &expired
			}
		case domain.TaskStateCompleted, domain.TaskStateExpired:
		}
	}
	out.Recount()
	return out
}

func clampPriority(p int) int {
	if p == 0 {
		return DefaultPriority
	}
	return max(MinPriority, min(MaxPriority, p))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
