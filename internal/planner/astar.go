package planner

import (
	"fmt"

	"github.com/emirpasic/gods/queues/priorityqueue"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"fleetnav/internal/battery"
	"fleetnav/internal/domain"
	"fleetnav/internal/grid"
)

type AStar struct {
	boundary grid.Boundary
	battery  *battery.Model
}

func NewAStar(boundary grid.Boundary, model *battery.Model) *AStar {
	return &AStar{boundary: boundary, battery: model}
}

func (a *AStar) Strategy() Strategy { return StrategyAStar }

type openEntry struct {
	coord domain.Coordinate
	g     float64
	f     float64
	seq   int
}

// compareOpen orders by f-score, then by enqueue order so equal scores pop
// first-in first-out.
func compareOpen(x, y interface{}) int {
	a, b := x.(*openEntry), y.(*openEntry)
	switch {
	case a.f < b.f:
		return -1
	case a.f > b.f:
		return 1
	}
	return a.seq - b.seq
}

func (a *AStar) Plan(req Request) ([]domain.Coordinate, error) {
	if err := checkPreconditions(a.boundary, a.battery, req); err != nil {
		return nil, err
	}
	if req.Start == req.Destination {
		return []domain.Coordinate{}, nil
	}

	goal := toPoint(req.Destination)
	open := priorityqueue.NewWith(compareOpen)
	seq := 0
	push := func(c domain.Coordinate, g float64) {
		open.Enqueue(&openEntry{coord: c, g: g, f: g + planar.Distance(toPoint(c), goal), seq: seq})
		seq++
	}

	gScore := map[domain.Coordinate]float64{req.Start: 0}
	cameFrom := make(map[domain.Coordinate]domain.Coordinate)
	closed := make(map[domain.Coordinate]bool)
	push(req.Start, 0)

	for !open.Empty() {
		v, _ := open.Dequeue()
		cur := v.(*openEntry)
		if closed[cur.coord] {
			continue
		}
		if cur.coord == req.Destination {
			return reconstruct(cameFrom, req.Start, req.Destination), nil
		}
		closed[cur.coord] = true

		for _, next := range a.boundary.Neighbors(cur.coord) {
			if closed[next] || avoided(req.Avoid, next) {
				continue
			}
			g := cur.g + 1
			if best, seen := gScore[next]; seen && g >= best {
				continue
			}
			gScore[next] = g
			cameFrom[next] = cur.coord
			push(next, g)
		}
	}
	return nil, fmt.Errorf("%w: %s to %s", ErrNoPath, req.Start, req.Destination)
}

func reconstruct(cameFrom map[domain.Coordinate]domain.Coordinate, start, goal domain.Coordinate) []domain.Coordinate {
	var rev []domain.Coordinate
	for c := goal; c != start; c = cameFrom[c] {
		rev = append(rev, c)
	}
	path := make([]domain.Coordinate, len(rev))
	for i, c := range rev {
		path[len(rev)-1-i] = c
	}
	return path
}

func toPoint(c domain.Coordinate) orb.Point {
	return orb.Point{float64(c.X), float64(c.Y)}
}
