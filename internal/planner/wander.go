package planner

import (
	"math"
	"time"

	"fleetnav/internal/battery"
	"fleetnav/internal/clock"
	"fleetnav/internal/domain"
	"fleetnav/internal/grid"
)

const (
	unvisitedBonus  = 100.0
	maxRecencyBonus = 80.0
	edgeWeight      = 2.0
	jitterSpan      = 10.0
)

// VisitView is the part of the visitation ledger the wanderer reads.
type VisitView interface {
	IsLocked(c domain.Coordinate) bool
	LastVisited(c domain.Coordinate) (time.Time, bool)
	LockWindow() time.Duration
}

// Rand is the subset of *rand.Rand used for jitter.
type Rand interface {
	Float64() float64
}

// Wanderer chooses one step at a time, preferring unvisited and stale cells
// away from the field edges. It is greedy by construction.
type Wanderer struct {
	boundary grid.Boundary
	visits   VisitView
	battery  *battery.Model
	rng      Rand
	clock    clock.Clock
}

func NewWanderer(boundary grid.Boundary, visits VisitView, model *battery.Model, rng Rand, clk clock.Clock) *Wanderer {
	if clk == nil {
		clk = clock.Real()
	}
	return &Wanderer{boundary: boundary, visits: visits, battery: model, rng: rng, clock: clk}
}

// BestNextDirection returns the highest scoring move from current, or false
// when no neighbouring cell is eligible and the agent should stay put.
func (w *Wanderer) BestNextDirection(current domain.Coordinate, batteryLevel float64, avoid map[domain.Coordinate]struct{}) (domain.Direction, bool) {
	if !w.battery.HasSufficientBattery(batteryLevel, battery.ActionMove, domain.TaskNone) {
		return 0, false
	}

	now := w.clock.Now()
	best, bestScore, found := domain.Direction(0), math.Inf(-1), false
	for _, d := range domain.Directions {
		next := current.Step(d)
		if !w.boundary.Contains(next) || w.visits.IsLocked(next) || avoided(avoid, next) {
			continue
		}
		score := w.visitScore(next, now) +
			edgeWeight*float64(w.boundary.EdgeDistance(next)) +
			w.rng.Float64()*jitterSpan
		if score > bestScore {
			best, bestScore, found = d, score, true
		}
	}
	return best, found
}

func (w *Wanderer) visitScore(c domain.Coordinate, now time.Time) float64 {
	last, ok := w.visits.LastVisited(c)
	if !ok {
		return unvisitedBonus
	}
	perPoint := float64(w.visits.LockWindow().Milliseconds()) / maxRecencyBonus
	if perPoint <= 0 {
		return maxRecencyBonus
	}
	elapsed := float64(now.Sub(last).Milliseconds())
	return math.Min(maxRecencyBonus, elapsed/perPoint)
}
