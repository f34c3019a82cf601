// Package ledger records which grid cells have been visited and when. A cell
// visited within the lock window is locked: new tasks are not placed on it and
// movement avoids it.
package ledger

import (
	"sort"
	"sync"
	"time"

	"github.com/emirpasic/gods/sets/linkedhashset"

	"fleetnav/internal/clock"
	"fleetnav/internal/domain"
)

const DefaultLockWindow = 5 * time.Minute

type Config struct {
	LockWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.LockWindow <= 0 {
		c.LockWindow = DefaultLockWindow
	}
	return c
}

// Ledger lives for one session. Construct it once and share the pointer with
// every component that reads or marks visits. It is safe for concurrent use.
type Ledger struct {
	mu    sync.RWMutex
	nodes map[domain.Coordinate]*node
	cfg   Config
	clock clock.Clock
}

type node struct {
	coord       domain.Coordinate
	lastVisited time.Time
	tasks       *linkedhashset.Set
}

func New(cfg Config, clk clock.Clock) *Ledger {
	if clk == nil {
		clk = clock.Real()
	}
	return &Ledger{
		nodes: make(map[domain.Coordinate]*node),
		cfg:   cfg.withDefaults(),
		clock: clk,
	}
}

func (l *Ledger) LockWindow() time.Duration {
	return l.cfg.LockWindow
}

// MarkVisited refreshes the visit time of coord and records task, if any, in
// the cell's task set. Recording the same task twice is a no-op.
func (l *Ledger) MarkVisited(coord domain.Coordinate, task domain.TaskKind) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.nodes[coord]
	if !ok {
		n = &node{coord: coord, lastVisited: now, tasks: linkedhashset.New()}
		l.nodes[coord] = n
	}
	if now.After(n.lastVisited) {
		n.lastVisited = now
	}
	if task != domain.TaskNone && !n.tasks.Contains(task) {
		n.tasks.Add(task)
	}
}

func (l *Ledger) IsLocked(coord domain.Coordinate) bool {
	now := l.clock.Now()

	l.mu.RLock()
	defer l.mu.RUnlock()

	n, ok := l.nodes[coord]
	if !ok {
		return false
	}
	return l.lockedAt(n, now)
}

func (l *Ledger) lockedAt(n *node, now time.Time) bool {
	return now.Sub(n.lastVisited) < l.cfg.LockWindow
}

func (l *Ledger) LastVisited(coord domain.Coordinate) (time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n, ok := l.nodes[coord]
	if !ok {
		return time.Time{}, false
	}
	return n.lastVisited, true
}

func (l *Ledger) Node(coord domain.Coordinate) (domain.VisitedNode, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n, ok := l.nodes[coord]
	if !ok {
		return domain.VisitedNode{}, false
	}
	return n.snapshot(), true
}

// Nodes returns every visited cell ordered by coordinate.
func (l *Ledger) Nodes() []domain.VisitedNode {
	l.mu.RLock()
	out := make([]domain.VisitedNode, 0, len(l.nodes))
	for _, n := range l.nodes {
		out = append(out, n.snapshot())
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return lessCoord(out[i].Coordinates, out[j].Coordinates)
	})
	return out
}

// LockedNodes is recomputed on every call.
func (l *Ledger) LockedNodes() []domain.Coordinate {
	now := l.clock.Now()

	l.mu.RLock()
	out := make([]domain.Coordinate, 0)
	for coord, n := range l.nodes {
		if l.lockedAt(n, now) {
			out = append(out, coord)
		}
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return lessCoord(out[i], out[j])
	})
	return out
}

func (l *Ledger) Stats() domain.VisitationStats {
	counts := make(map[domain.TaskKind]int, len(domain.TaskKinds))
	for _, k := range domain.TaskKinds {
		counts[k] = 0
	}

	l.mu.RLock()
	total := len(l.nodes)
	for _, n := range l.nodes {
		for _, v := range n.tasks.Values() {
			counts[v.(domain.TaskKind)]++
		}
	}
	l.mu.RUnlock()

	return domain.VisitationStats{
		TotalVisitedNodes:    total,
		CurrentlyLockedNodes: len(l.LockedNodes()),
		TaskCounts:           counts,
	}
}

func (n *node) snapshot() domain.VisitedNode {
	values := n.tasks.Values()
	tasks := make([]domain.TaskKind, 0, len(values))
	for _, v := range values {
		tasks = append(tasks, v.(domain.TaskKind))
	}
	return domain.VisitedNode{
		Coordinates: n.coord,
		LastVisited: n.lastVisited,
		Tasks:       tasks,
	}
}

func lessCoord(a, b domain.Coordinate) bool {
	if a.X != b.X {
		return a.X < b.X
	}
	return a.Y < b.Y
}
