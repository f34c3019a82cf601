// Package fleet runs the serialized update loop of one navigation session:
// it pulls rover and sensor snapshots, keeps the visitation ledger and the
// coordination plan current, and sends commands back to the rovers.
package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fleetnav/internal/advisor"
	"fleetnav/internal/battery"
	"fleetnav/internal/clock"
	"fleetnav/internal/coordinator"
	"fleetnav/internal/domain"
	"fleetnav/internal/grid"
	"fleetnav/internal/ledger"
	"fleetnav/internal/logging"
	"fleetnav/internal/planner"
	"fleetnav/internal/policy"
	"fleetnav/internal/sensor"
)

const serviceActor = "fleet"

var (
	ErrUnknownAgent = errors.New("unknown rover")
	ErrRejected     = errors.New("command rejected")
)

// Source reports the current state of the remote fleet.
type Source interface {
	FleetStatus(ctx context.Context) (domain.FleetSnapshot, error)
	SensorData(ctx context.Context) (map[string]domain.SensorSnapshot, error)
}

type Bus interface {
	Publish(cmd domain.Command) error
}

// Journal records decisions and task snapshots for the session.
type Journal interface {
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
	SaveTask(ctx context.Context, task domain.CoordinationTask) error
	ListDecisions(ctx context.Context, limit int) ([]domain.DecisionLog, error)
	GetTask(ctx context.Context, taskID string) (domain.CoordinationTask, error)
	ListTasks(ctx context.Context, state domain.TaskState, limit int) ([]domain.CoordinationTask, error)
	ListTaskDecisions(ctx context.Context, taskID string, limit int) ([]domain.DecisionLog, error)
}

type Config struct {
	TickInterval time.Duration
	// AutoMove sends idle, unassigned rovers one wandering step per tick.
	AutoMove        bool
	MaxPendingTasks int
	Strategy        planner.Strategy
	Priorities      map[domain.TaskKind]int
}

func DefaultPriorities() map[domain.TaskKind]int {
	return map[domain.TaskKind]int{
		domain.TaskIrrigation:     8,
		domain.TaskWeeding:        6,
		domain.TaskSoilAnalysis:   5,
		domain.TaskCropMonitoring: 3,
	}
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.MaxPendingTasks <= 0 {
		c.MaxPendingTasks = 6
	}
	if c.Strategy == "" {
		c.Strategy = planner.StrategyAStar
	}
	priorities := DefaultPriorities()
	for k, v := range c.Priorities {
		priorities[k] = v
	}
	c.Priorities = priorities
	return c
}

// Components are the per-session building blocks. They are shared by
// reference and must all be built for the same boundary and ledger.
type Components struct {
	Boundary    grid.Boundary
	Ledger      *ledger.Ledger
	Battery     *battery.Model
	Detector    *sensor.Detector
	Advisor     *advisor.Recommender
	Coordinator *coordinator.Coordinator
	Wanderer    *planner.Wanderer
	Policy      *policy.Engine
	Clock       clock.Clock
}

// Advisory is the latest sensor assessment for one rover.
type Advisory struct {
	AgentID        string                 `json:"rover"`
	Reading        domain.SensorSnapshot  `json:"reading"`
	Corrected      domain.SensorSnapshot  `json:"corrected"`
	Health         domain.SensorHealth    `json:"health"`
	Recommendation advisor.Recommendation `json:"recommendation"`
}

type Service struct {
	source  Source
	bus     Bus
	journal Journal
	parts   Components
	planner planner.Planner
	cfg     Config
	logger  zerolog.Logger

	wg sync.WaitGroup

	mu         sync.Mutex
	fleet      domain.FleetSnapshot
	sensors    map[string]domain.SensorSnapshot
	advisories map[string]Advisory
	plan       domain.CoordinationPlan
	ticks      int64
}

func New(source Source, bus Bus, journal Journal, parts Components, cfg Config, logger zerolog.Logger) (*Service, error) {
	cfg = cfg.withDefaults()
	if parts.Clock == nil {
		parts.Clock = clock.Real()
	}
	route, err := planner.New(cfg.Strategy, parts.Boundary, parts.Battery)
	if err != nil {
		return nil, err
	}
	return &Service{
		source:     source,
		bus:        bus,
		journal:    journal,
		parts:      parts,
		planner:    route,
		cfg:        cfg,
		logger:     logging.Component(logger, serviceActor),
		fleet:      domain.FleetSnapshot{},
		sensors:    map[string]domain.SensorSnapshot{},
		advisories: map[string]Advisory{},
		plan:       coordinator.NewPlan(),
	}, nil
}

func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tickLoop(ctx)
	}()
}

func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("tick failed")
			}
		}
	}
}

// Tick pulls fresh snapshots from the source and processes them.
func (s *Service) Tick(ctx context.Context) error {
	fleet, err := s.source.FleetStatus(ctx)
	if err != nil {
		return fmt.Errorf("fetch fleet status: %w", err)
	}
	sensors, err := s.source.SensorData(ctx)
	if err != nil {
		return fmt.Errorf("fetch sensor data: %w", err)
	}
	return s.Process(ctx, fleet, sensors)
}

// Process runs one update step over the given snapshots.
func (s *Service) Process(ctx context.Context, fleet domain.FleetSnapshot, sensors map[string]domain.SensorSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ticks++
	s.fleet = copyFleet(fleet)
	s.sensors = copySensors(sensors)

	s.markVisitsLocked()
	corrected := s.assessSensorsLocked(ctx)
	s.advanceLocked(ctx)
	s.generateLocked(ctx, corrected)
	s.assignLocked(ctx)
	if s.cfg.AutoMove {
		s.wanderLocked()
	}
	return nil
}

// markVisitsLocked records every rover cell. Positions reported off the
// field are logged and never reach the ledger.
func (s *Service) markVisitsLocked() {
	for _, id := range sortedIDs(s.fleet) {
		a := s.fleet[id]
		if !s.parts.Boundary.Contains(a.Coordinates) {
			s.logger.Warn().Str(logging.RoverField, id).Stringer(logging.CoordField, a.Coordinates).Msg("rover reported outside the field")
			continue
		}
		s.parts.Ledger.MarkVisited(a.Coordinates, a.CurrentTask)
	}
}

func (s *Service) assessSensorsLocked(ctx context.Context) map[string]domain.SensorSnapshot {
	corrected := make(map[string]domain.SensorSnapshot, len(s.sensors))
	for _, id := range sortedIDs(s.sensors) {
		reading := s.sensors[id]
		health := s.parts.Detector.Detect(id, reading, s.sensors)
		fixed := s.parts.Detector.Correct(reading, health, s.sensors)
		rec := s.parts.Advisor.Recommend(fixed)
		corrected[id] = fixed

		prev, seen := s.advisories[id]
		s.advisories[id] = Advisory{AgentID: id, Reading: reading, Corrected: fixed, Health: health, Recommendation: rec}

		if !health.AllWorking() && (!seen || prev.Health.AllWorking()) {
			s.logger.Warn().Str(logging.RoverField, id).Msg("sensor anomaly detected")
			s.logDecision(ctx, "", "sensor_anomaly", "reading deviates from peers", map[string]any{
				"rover":  id,
				"health": health,
			})
		}
	}
	return corrected
}

func (s *Service) advanceLocked(ctx context.Context) {
	before := s.plan
	s.plan = s.parts.Coordinator.AdvanceCompletion(before)
	for i, task := range s.plan.Tasks {
		if before.Tasks[i].Final() || !task.Final() {
			continue
		}
		for _, id := range task.AssignedAgents {
			s.publish(domain.Command{AgentID: id, Kind: domain.CommandRelease, TaskID: task.ID, Task: task.Kind})
		}
		action := "task_completed"
		if task.State() == domain.TaskStateExpired {
			action = "task_expired"
		}
		s.logger.Info().Str(logging.TaskField, task.ID).Stringer(logging.TaskKindField, task.Kind).Msg(action)
		s.logDecision(ctx, task.ID, action, string(task.State()), task)
		s.saveTask(ctx, task)
	}
}

// generateLocked opens at most one task per recommended kind, skipping kinds
// that already have a pending task.
func (s *Service) generateLocked(ctx context.Context, corrected map[string]domain.SensorSnapshot) {
	wanted := map[domain.TaskKind]advisor.Rule{}
	for _, id := range sortedIDs(s.advisories) {
		rec := s.advisories[id].Recommendation
		if _, ok := wanted[rec.Task]; !ok {
			wanted[rec.Task] = rec.Rule
		}
	}
	for _, kind := range domain.TaskKinds {
		rule, ok := wanted[kind]
		if !ok || s.hasPendingLocked(kind) {
			continue
		}
		if s.plan.PendingCount() >= s.cfg.MaxPendingTasks {
			return
		}
		task, ok := s.parts.Coordinator.GenerateTask(s.fleet, corrected, kind, s.cfg.Priorities[kind])
		if !ok {
			s.logger.Debug().Stringer(logging.TaskKindField, kind).Msg("task target locked, skipped")
			continue
		}
		s.plan.Tasks = append(s.plan.Tasks, task)
		s.plan.Recount()
		s.logger.Info().
			Str(logging.TaskField, task.ID).
			Stringer(logging.TaskKindField, kind).
			Stringer(logging.CoordField, task.Target).
			Msg("task created")
		s.logDecision(ctx, task.ID, "task_created", string(rule), task)
		s.saveTask(ctx, task)
	}
}

func (s *Service) hasPendingLocked(kind domain.TaskKind) bool {
	for _, t := range s.plan.Tasks {
		if t.Kind == kind && t.State() == domain.TaskStatePending {
			return true
		}
	}
	return false
}

func (s *Service) assignLocked(ctx context.Context) {
	before := s.plan
	s.plan = s.parts.Coordinator.AssignAgents(s.fleet, before)
	locked := s.parts.Ledger.LockedNodes()
	for i, task := range s.plan.Tasks {
		added := task.AssignedAgents[len(before.Tasks[i].AssignedAgents):]
		if len(added) == 0 {
			continue
		}
		for _, id := range added {
			route := s.routeLocked(ctx, id, task, locked)
			s.publish(domain.Command{AgentID: id, Kind: domain.CommandAssign, Task: task.Kind, TaskID: task.ID, Route: route})
		}
		s.logger.Info().Str(logging.TaskField, task.ID).Strs("rovers", added).Msg("rovers assigned")
		s.logDecision(ctx, task.ID, "agents_assigned", "nearest idle rovers with battery", map[string]any{
			"added": added,
			"task":  task,
		})
		s.saveTask(ctx, task)
	}
}

// routeLocked plans the walk to the task target. The target itself is never
// treated as an obstacle. An infeasible route is journaled and the rover
// works the task from where it stands.
func (s *Service) routeLocked(ctx context.Context, agentID string, task domain.CoordinationTask, locked []domain.Coordinate) []domain.Coordinate {
	agent := s.fleet[agentID]
	avoid := planner.AvoidSet(agentID, s.fleet, locked)
	delete(avoid, task.Target)
	route, err := s.planner.Plan(planner.Request{
		Start:       agent.Coordinates,
		Destination: task.Target,
		Battery:     agent.Battery,
		Avoid:       avoid,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str(logging.RoverField, agentID).Str(logging.TaskField, task.ID).Msg("route infeasible")
		s.logDecision(ctx, task.ID, "route_infeasible", err.Error(), map[string]any{"rover": agentID})
		return nil
	}
	return route
}

func (s *Service) wanderLocked() {
	held := s.heldAgentsLocked()
	locked := s.parts.Ledger.LockedNodes()
	claimed := map[domain.Coordinate]struct{}{}
	for _, id := range sortedIDs(s.fleet) {
		agent := s.fleet[id]
		if !agent.Idle() || held[id] {
			continue
		}
		avoid := planner.AvoidSet(id, s.fleet, locked)
		for c := range claimed {
			avoid[c] = struct{}{}
		}
		dir, ok := s.parts.Wanderer.BestNextDirection(agent.Coordinates, agent.Battery, avoid)
		if !ok {
			continue
		}
		claimed[agent.Coordinates.Step(dir)] = struct{}{}
		s.publish(domain.Command{AgentID: id, Kind: domain.CommandMove, Direction: dir})
	}
}

func (s *Service) heldAgentsLocked() map[string]bool {
	held := map[string]bool{}
	for _, t := range s.plan.Tasks {
		if t.Final() {
			continue
		}
		for _, id := range t.AssignedAgents {
			held[id] = true
		}
	}
	return held
}

// MoveAgent sends a manual one-cell move after the policy gate accepts it.
func (s *Service) MoveAgent(ctx context.Context, agentID string, dir domain.Direction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.fleet[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	occupied := map[domain.Coordinate]struct{}{}
	for id, other := range s.fleet {
		if id != agentID {
			occupied[other.Coordinates] = struct{}{}
		}
	}
	if allowed, reason := s.parts.Policy.CanMove(agent, dir, occupied); !allowed {
		return fmt.Errorf("%w: %s", ErrRejected, reason)
	}
	if err := s.bus.Publish(s.stamp(domain.Command{AgentID: agentID, Kind: domain.CommandMove, Direction: dir})); err != nil {
		return fmt.Errorf("publish move: %w", err)
	}
	s.logDecision(ctx, "", "manual_move", dir.String(), map[string]any{"rover": agentID, "from": agent.Coordinates})
	return nil
}

// AssignTask starts task on the rover at its current cell.
func (s *Service) AssignTask(ctx context.Context, agentID string, task domain.TaskKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.fleet[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if s.heldAgentsLocked()[agentID] {
		return fmt.Errorf("%w: rover is held by a coordination task", ErrRejected)
	}
	if allowed, reason := s.parts.Policy.CanPerform(agent, task); !allowed {
		return fmt.Errorf("%w: %s", ErrRejected, reason)
	}
	if err := s.bus.Publish(s.stamp(domain.Command{AgentID: agentID, Kind: domain.CommandAssign, Task: task})); err != nil {
		return fmt.Errorf("publish assign: %w", err)
	}
	s.logDecision(ctx, "", "manual_task", task.String(), map[string]any{"rover": agentID, "at": agent.Coordinates})
	return nil
}

// ResetAgent asks the rover to drop its route and task. Coordination tasks
// keep the rover until they finish.
func (s *Service) ResetAgent(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.fleet[agentID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if err := s.bus.Publish(s.stamp(domain.Command{AgentID: agentID, Kind: domain.CommandReset})); err != nil {
		return fmt.Errorf("publish reset: %w", err)
	}
	s.logDecision(ctx, "", "manual_reset", "operator request", map[string]any{"rover": agentID})
	return nil
}

// PlanPath plans a route for agentID without dispatching it. An empty
// strategy uses the configured one.
func (s *Service) PlanPath(agentID string, dest domain.Coordinate, strategy planner.Strategy) ([]domain.Coordinate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.fleet[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	p := s.planner
	if strategy != "" && strategy != p.Strategy() {
		var err error
		if p, err = planner.New(strategy, s.parts.Boundary, s.parts.Battery); err != nil {
			return nil, err
		}
	}
	return p.Plan(planner.Request{
		Start:       agent.Coordinates,
		Destination: dest,
		Battery:     agent.Battery,
		Avoid:       planner.AvoidSet(agentID, s.fleet, s.parts.Ledger.LockedNodes()),
	})
}

func (s *Service) Plan() domain.CoordinationPlan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan.Clone()
}

func (s *Service) Fleet() domain.FleetSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyFleet(s.fleet)
}

func (s *Service) FarmStats() domain.FarmStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.ComputeFarmStats(s.sensors)
}

func (s *Service) Advisory(agentID string) (Advisory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	adv, ok := s.advisories[agentID]
	if !ok {
		return Advisory{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return adv, nil
}

func (s *Service) Ticks() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

func (s *Service) LedgerStats() domain.VisitationStats {
	return s.parts.Ledger.Stats()
}

func (s *Service) LockedNodes() []domain.Coordinate {
	return s.parts.Ledger.LockedNodes()
}

func (s *Service) Node(c domain.Coordinate) (domain.VisitedNode, bool) {
	return s.parts.Ledger.Node(c)
}

// VisitedNodes lists every cell the ledger has seen.
func (s *Service) VisitedNodes() []domain.VisitedNode {
	return s.parts.Ledger.Nodes()
}

func (s *Service) Boundary() grid.Boundary {
	return s.parts.Boundary
}

func (s *Service) Decisions(ctx context.Context, limit int) ([]domain.DecisionLog, error) {
	if s.journal == nil {
		return []domain.DecisionLog{}, nil
	}
	return s.journal.ListDecisions(ctx, limit)
}

// Tasks lists journaled tasks newest first. An empty state lists all of them.
func (s *Service) Tasks(ctx context.Context, state domain.TaskState, limit int) ([]domain.CoordinationTask, error) {
	if s.journal == nil {
		return []domain.CoordinationTask{}, nil
	}
	return s.journal.ListTasks(ctx, state, limit)
}

func (s *Service) Task(ctx context.Context, taskID string) (domain.CoordinationTask, error) {
	if s.journal == nil {
		return domain.CoordinationTask{}, fmt.Errorf("get task %s: %w", taskID, domain.ErrTaskNotFound)
	}
	return s.journal.GetTask(ctx, taskID)
}

func (s *Service) TaskDecisions(ctx context.Context, taskID string, limit int) ([]domain.DecisionLog, error) {
	if s.journal == nil {
		return []domain.DecisionLog{}, nil
	}
	return s.journal.ListTaskDecisions(ctx, taskID, limit)
}

func (s *Service) publish(cmd domain.Command) {
	cmd = s.stamp(cmd)
	if err := s.bus.Publish(cmd); err != nil {
		s.logger.Warn().Err(err).Str(logging.RoverField, cmd.AgentID).Str("kind", string(cmd.Kind)).Msg("publish command failed")
	}
}

func (s *Service) stamp(cmd domain.Command) domain.Command {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = s.parts.Clock.Now()
	}
	return cmd
}

func (s *Service) logDecision(ctx context.Context, taskID, action, reason string, payload any) {
	if s.journal == nil {
		return
	}
	err := s.journal.LogDecision(ctx, domain.DecisionLog{
		TaskID:    taskID,
		Actor:     serviceActor,
		Action:    action,
		Reason:    reason,
		Payload:   mustJSON(payload),
		CreatedAt: s.parts.Clock.Now(),
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("journal decision failed")
	}
}

func (s *Service) saveTask(ctx context.Context, task domain.CoordinationTask) {
	if s.journal == nil {
		return
	}
	if err := s.journal.SaveTask(ctx, task); err != nil {
		s.logger.Warn().Err(err).Str(logging.TaskField, task.ID).Msg("journal task failed")
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}

func sortedIDs[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func copyFleet(in domain.FleetSnapshot) domain.FleetSnapshot {
	out := make(domain.FleetSnapshot, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copySensors(in map[string]domain.SensorSnapshot) map[string]domain.SensorSnapshot {
	out := make(map[string]domain.SensorSnapshot, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
