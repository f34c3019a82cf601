// Package agent simulates the rover fleet behind the fleet API. Each rover
// drains its command queue in its own goroutine while a shared stepper walks
// routes, charges batteries and finishes manual tasks.
package agent

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleetnav/internal/battery"
	"fleetnav/internal/clock"
	"fleetnav/internal/domain"
	"fleetnav/internal/grid"
	"fleetnav/internal/logging"
)

const maxBattery = 100.0

type MessageQueue interface {
	Register(agentID string) <-chan domain.Command
	Unregister(agentID string)
}

type Config struct {
	Rovers            int
	StepInterval      time.Duration
	RechargePerSecond float64
	Seed              uint64
	// FaultyRover reports moisture shifted by FaultOffset.
	FaultyRover        string
	FaultOffset        float64
	InitialBattery     float64
	SensorNoise        float64
	ManualTaskDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.Rovers <= 0 {
		c.Rovers = 5
	}
	if c.StepInterval <= 0 {
		c.StepInterval = 500 * time.Millisecond
	}
	if c.RechargePerSecond < 0 {
		c.RechargePerSecond = 0
	}
	if c.InitialBattery <= 0 || c.InitialBattery > maxBattery {
		c.InitialBattery = maxBattery
	}
	if c.SensorNoise < 0 {
		c.SensorNoise = 0
	}
	if c.FaultyRover != "" && c.FaultOffset == 0 {
		c.FaultOffset = 40
	}
	if c.ManualTaskDuration <= 0 {
		c.ManualTaskDuration = 10 * time.Second
	}
	return c
}

func RoverID(n int) string {
	return fmt.Sprintf("Rover-%d", n)
}

type rover struct {
	state  domain.Agent
	route  []domain.Coordinate
	taskID string
	// workUntil ends a manual task. Coordination tasks end on release.
	workUntil time.Time
}

type Fleet struct {
	boundary grid.Boundary
	queue    MessageQueue
	battery  *battery.Model
	clock    clock.Clock
	cfg      Config
	logger   zerolog.Logger

	wg sync.WaitGroup

	mu       sync.Mutex
	rng      *rand.Rand
	rovers   map[string]*rover
	lastStep time.Time
}

func NewFleet(boundary grid.Boundary, queue MessageQueue, model *battery.Model, clk clock.Clock, cfg Config, logger zerolog.Logger) *Fleet {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	f := &Fleet{
		boundary: boundary,
		queue:    queue,
		battery:  model,
		clock:    clk,
		cfg:      cfg,
		logger:   logging.Component(logger, "sim"),
		rng:      rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		rovers:   make(map[string]*rover, cfg.Rovers),
		lastStep: clk.Now(),
	}
	taken := map[domain.Coordinate]bool{}
	for i := 1; i <= cfg.Rovers; i++ {
		pos := boundary.RandomCell(f.rng)
		for taken[pos] && len(taken) < boundary.Width()*boundary.Height() {
			pos = boundary.RandomCell(f.rng)
		}
		taken[pos] = true
		id := RoverID(i)
		f.rovers[id] = &rover{state: domain.Agent{
			ID:          id,
			Status:      domain.AgentStatusIdle,
			Battery:     cfg.InitialBattery,
			Coordinates: pos,
		}}
	}
	return f
}

func (f *Fleet) IDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idsLocked()
}

func (f *Fleet) idsLocked() []string {
	ids := make([]string, 0, len(f.rovers))
	for id := range f.rovers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Start registers every rover on the queue and runs the workers and the
// stepper until ctx is done.
func (f *Fleet) Start(ctx context.Context) {
	for _, id := range f.IDs() {
		ch := f.queue.Register(id)
		f.wg.Add(1)
		go func(id string, ch <-chan domain.Command) {
			defer f.wg.Done()
			defer f.queue.Unregister(id)
			for {
				select {
				case <-ctx.Done():
					return
				case cmd, ok := <-ch:
					if !ok {
						return
					}
					f.Apply(cmd)
				}
			}
		}(id, ch)
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(f.cfg.StepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.Step()
			}
		}
	}()
}

func (f *Fleet) Wait() {
	f.wg.Wait()
}

// Apply executes one command against the addressed rover.
func (f *Fleet) Apply(cmd domain.Command) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.rovers[cmd.AgentID]
	if !ok {
		f.logger.Warn().Str(logging.RoverField, cmd.AgentID).Msg("command for unknown rover")
		return
	}
	log := f.logger.With().Str(logging.RoverField, cmd.AgentID).Str("kind", string(cmd.Kind)).Logger()

	switch cmd.Kind {
	case domain.CommandMove:
		next := r.state.Coordinates.Step(cmd.Direction)
		switch {
		case r.state.Status == domain.AgentStatusMoving:
			log.Debug().Msg("move ignored while on a route")
		case !f.boundary.Contains(next):
			log.Debug().Stringer(logging.CoordField, next).Msg("move off the field ignored")
		case f.occupiedLocked(next, cmd.AgentID):
			log.Debug().Stringer(logging.CoordField, next).Msg("move into occupied cell ignored")
		case !f.battery.HasSufficientBattery(r.state.Battery, battery.ActionMove, domain.TaskNone):
			log.Debug().Float64("battery", r.state.Battery).Msg("move ignored, battery at reserve")
		default:
			r.state.Coordinates = next
			r.state.Battery -= f.battery.MoveCost()
		}
	case domain.CommandAssign:
		r.state.CurrentTask = cmd.Task
		r.taskID = cmd.TaskID
		r.route = append([]domain.Coordinate(nil), cmd.Route...)
		r.workUntil = time.Time{}
		if len(r.route) > 0 {
			r.state.Status = domain.AgentStatusMoving
		} else {
			f.startWorkLocked(r)
		}
	case domain.CommandRelease:
		if cmd.TaskID != "" && cmd.TaskID != r.taskID {
			log.Debug().Str(logging.TaskField, cmd.TaskID).Msg("release for another task ignored")
			return
		}
		f.clearLocked(r)
	case domain.CommandReset:
		f.clearLocked(r)
		r.state.Battery = f.cfg.InitialBattery
	default:
		log.Warn().Msg("unknown command kind")
	}
}

// Step advances every rover by one step interval.
func (f *Fleet) Step() {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()
	elapsed := now.Sub(f.lastStep)
	f.lastStep = now

	for _, id := range f.idsLocked() {
		r := f.rovers[id]
		switch {
		case r.state.Status == domain.AgentStatusMoving:
			f.walkLocked(r)
		case r.state.CurrentTask == domain.TaskNone:
			if elapsed > 0 {
				r.state.Battery = math.Min(maxBattery, r.state.Battery+f.cfg.RechargePerSecond*elapsed.Seconds())
			}
		case r.taskID == "" && !r.workUntil.IsZero() && !now.Before(r.workUntil):
			f.clearLocked(r)
		}
	}
}

func (f *Fleet) walkLocked(r *rover) {
	if len(r.route) == 0 {
		f.startWorkLocked(r)
		return
	}
	next := r.route[0]
	if _, ok := domain.DirectionBetween(r.state.Coordinates, next); !ok {
		f.logger.Warn().Str(logging.RoverField, r.state.ID).Stringer(logging.CoordField, next).Msg("route abandoned at a non-adjacent step")
		r.route = nil
		f.startWorkLocked(r)
		return
	}
	if f.occupiedLocked(next, r.state.ID) {
		return
	}
	if !f.battery.HasSufficientBattery(r.state.Battery, battery.ActionMove, domain.TaskNone) {
		f.logger.Warn().Str(logging.RoverField, r.state.ID).Msg("route abandoned at battery reserve")
		r.route = nil
		f.startWorkLocked(r)
		return
	}
	r.state.Coordinates = next
	r.state.Battery -= f.battery.MoveCost()
	r.route = r.route[1:]
	if len(r.route) == 0 {
		f.startWorkLocked(r)
	}
}

func (f *Fleet) startWorkLocked(r *rover) {
	r.state.Status = domain.AgentStatusIdle
	r.state.Battery = math.Max(0, r.state.Battery-f.battery.TaskCost(r.state.CurrentTask))
	if r.taskID == "" {
		r.workUntil = f.clock.Now().Add(f.cfg.ManualTaskDuration)
	}
}

func (f *Fleet) clearLocked(r *rover) {
	r.state.Status = domain.AgentStatusIdle
	r.state.CurrentTask = domain.TaskNone
	r.route = nil
	r.taskID = ""
	r.workUntil = time.Time{}
}

func (f *Fleet) occupiedLocked(c domain.Coordinate, self string) bool {
	for id, other := range f.rovers {
		if id != self && other.state.Coordinates == c {
			return true
		}
	}
	return false
}

// FleetStatus implements fleet.Source.
func (f *Fleet) FleetStatus(context.Context) (domain.FleetSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(domain.FleetSnapshot, len(f.rovers))
	for id, r := range f.rovers {
		out[id] = r.state
	}
	return out, nil
}

// SensorData implements fleet.Source. Readings sample a smooth synthetic
// field at each rover's cell plus noise.
func (f *Fleet) SensorData(context.Context) (map[string]domain.SensorSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()
	out := make(map[string]domain.SensorSnapshot, len(f.rovers))
	for _, id := range f.idsLocked() {
		r := f.rovers[id]
		s := Field(r.state.Coordinates, now)
		s.AgentID = id
		s.Timestamp = now
		s.Battery = r.state.Battery
		s.SoilMoisture += f.noise()
		s.SoilPH += f.noise() / 10
		s.Temperature += f.noise() / 2
		if id == f.cfg.FaultyRover {
			s.SoilMoisture += f.cfg.FaultOffset
		}
		out[id] = s
	}
	return out, nil
}

func (f *Fleet) noise() float64 {
	if f.cfg.SensorNoise == 0 {
		return 0
	}
	return f.rng.NormFloat64() * f.cfg.SensorNoise
}

// Field is the noiseless soil state at c. Moisture ranges over roughly
// 10..70 percent, pH over 5..8 and temperature drifts through the day.
func Field(c domain.Coordinate, at time.Time) domain.SensorSnapshot {
	x, y := float64(c.X), float64(c.Y)
	hour := float64(at.Hour()) + float64(at.Minute())/60
	return domain.SensorSnapshot{
		SoilMoisture: 40 + 30*math.Sin(x/4)*math.Cos(y/5),
		SoilPH:       6.5 + 1.5*math.Sin((x+y)/6),
		Temperature:  24 + 6*math.Cos(x/7) + 4*math.Sin((hour-9)*math.Pi/12),
	}
}
