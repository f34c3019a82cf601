package fleet

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"fleetnav/internal/advisor"
	"fleetnav/internal/battery"
	"fleetnav/internal/clock"
	"fleetnav/internal/coordinator"
	"fleetnav/internal/domain"
	"fleetnav/internal/grid"
	"fleetnav/internal/ledger"
	"fleetnav/internal/planner"
	"fleetnav/internal/policy"
	"fleetnav/internal/sensor"
)

type fakeSource struct {
	fleet   domain.FleetSnapshot
	sensors map[string]domain.SensorSnapshot
	err     error
}

func (f *fakeSource) FleetStatus(context.Context) (domain.FleetSnapshot, error) {
	return f.fleet, f.err
}

func (f *fakeSource) SensorData(context.Context) (map[string]domain.SensorSnapshot, error) {
	return f.sensors, f.err
}

type fakeBus struct {
	mu   sync.Mutex
	cmds []domain.Command
}

func (b *fakeBus) Publish(cmd domain.Command) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cmds = append(b.cmds, cmd)
	return nil
}

func (b *fakeBus) take() []domain.Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.cmds
	b.cmds = nil
	return out
}

type fakeJournal struct {
	mu        sync.Mutex
	decisions []domain.DecisionLog
	tasks     map[string]domain.CoordinationTask
}

func (j *fakeJournal) LogDecision(_ context.Context, entry domain.DecisionLog) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.decisions = append(j.decisions, entry)
	return nil
}

func (j *fakeJournal) SaveTask(_ context.Context, task domain.CoordinationTask) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.tasks == nil {
		j.tasks = map[string]domain.CoordinationTask{}
	}
	j.tasks[task.ID] = task
	return nil
}

func (j *fakeJournal) ListDecisions(_ context.Context, limit int) ([]domain.DecisionLog, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := append([]domain.DecisionLog(nil), j.decisions...)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (j *fakeJournal) GetTask(_ context.Context, taskID string) (domain.CoordinationTask, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	t, ok := j.tasks[taskID]
	if !ok {
		return domain.CoordinationTask{}, domain.ErrTaskNotFound
	}
	return t, nil
}

func (j *fakeJournal) ListTasks(_ context.Context, state domain.TaskState, _ int) ([]domain.CoordinationTask, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := []domain.CoordinationTask{}
	for _, t := range j.tasks {
		if state == "" || t.State() == state {
			out = append(out, t)
		}
	}
	return out, nil
}

func (j *fakeJournal) ListTaskDecisions(_ context.Context, taskID string, _ int) ([]domain.DecisionLog, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := []domain.DecisionLog{}
	for _, d := range j.decisions {
		if d.TaskID == taskID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (j *fakeJournal) count(action string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, d := range j.decisions {
		if d.Action == action {
			n++
		}
	}
	return n
}

type harness struct {
	svc     *Service
	source  *fakeSource
	bus     *fakeBus
	journal *fakeJournal
	clock   *clock.Fake
	ledger  *ledger.Ledger
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	return newHarnessSeeded(t, cfg, 3)
}

func newHarnessSeeded(t *testing.T, cfg Config, seed uint64) *harness {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	boundary := grid.Default()
	visits := ledger.New(ledger.Config{}, clk)
	model := battery.New(battery.Config{})
	rng := rand.New(rand.NewPCG(seed, 5))

	parts := Components{
		Boundary:    boundary,
		Ledger:      visits,
		Battery:     model,
		Detector:    sensor.NewDetector(sensor.Config{}, clk),
		Advisor:     advisor.New(advisor.DefaultThresholds()),
		Coordinator: coordinator.New(boundary, visits, model, rng, clk, coordinator.Config{}),
		Wanderer:    planner.NewWanderer(boundary, visits, model, rng, clk),
		Policy:      policy.New(boundary, visits, model),
		Clock:       clk,
	}
	h := &harness{source: &fakeSource{}, bus: &fakeBus{}, journal: &fakeJournal{}, clock: clk, ledger: visits}
	svc, err := New(h.source, h.bus, h.journal, parts, cfg, zerolog.Nop())
	require.NoError(t, err)
	h.svc = svc
	return h
}

func rover(id string, x, y int) domain.Agent {
	return domain.Agent{ID: id, Status: domain.AgentStatusIdle, Battery: 90, Coordinates: domain.Coordinate{X: x, Y: y}}
}

func reading(id string, moisture float64) domain.SensorSnapshot {
	return domain.SensorSnapshot{AgentID: id, SoilMoisture: moisture, SoilPH: 6.5, Temperature: 22, Battery: 90}
}

func commandsOf(cmds []domain.Command, kind domain.CommandKind) []domain.Command {
	var out []domain.Command
	for _, c := range cmds {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func TestProcessMarksVisitsAndAdvises(t *testing.T) {
	h := newHarness(t, Config{})
	fleet := domain.FleetSnapshot{
		"Rover-1": rover("Rover-1", 0, 0),
		"Rover-2": rover("Rover-2", 3, 3),
	}
	require.NoError(t, h.svc.Process(context.Background(), fleet, nil))

	stats := h.svc.LedgerStats()
	require.Equal(t, 2, stats.TotalVisitedNodes)
	require.Equal(t, 2, stats.CurrentlyLockedNodes)
	require.Equal(t, []domain.Coordinate{{X: 0, Y: 0}, {X: 3, Y: 3}}, h.svc.LockedNodes())

	_, err := h.svc.Advisory("Rover-1")
	require.ErrorIs(t, err, ErrUnknownAgent)
	require.Equal(t, int64(1), h.svc.Ticks())
}

func TestProcessIgnoresPositionsOffTheField(t *testing.T) {
	h := newHarness(t, Config{})
	fleet := domain.FleetSnapshot{
		"Rover-1": rover("Rover-1", 50, 50),
		"Rover-2": rover("Rover-2", 1, 1),
	}
	require.NoError(t, h.svc.Process(context.Background(), fleet, nil))

	stats := h.svc.LedgerStats()
	require.Equal(t, 1, stats.TotalVisitedNodes)
	require.Equal(t, 1, stats.CurrentlyLockedNodes)
	require.Equal(t, []domain.Coordinate{{X: 1, Y: 1}}, h.svc.LockedNodes())
	_, ok := h.svc.Node(domain.Coordinate{X: 50, Y: 50})
	require.False(t, ok)
	nodes := h.svc.VisitedNodes()
	require.Len(t, nodes, 1)
	require.Equal(t, domain.Coordinate{X: 1, Y: 1}, nodes[0].Coordinates)
}

func TestTasksAreNotPlacedOnCellsVisitedThisTick(t *testing.T) {
	for seed := uint64(0); seed < 50; seed++ {
		h := newHarnessSeeded(t, Config{AutoMove: false}, seed)
		fleet := domain.FleetSnapshot{
			"Rover-1": rover("Rover-1", 0, 0),
			"Rover-2": rover("Rover-2", 1, 0),
		}
		sensors := map[string]domain.SensorSnapshot{
			"Rover-1": reading("Rover-1", 10),
			"Rover-2": reading("Rover-2", 12),
		}
		require.NoError(t, h.svc.Process(context.Background(), fleet, sensors))

		for _, task := range h.svc.Plan().Tasks {
			for id, a := range fleet {
				require.NotEqual(t, a.Coordinates, task.Target, "seed %d: task %s placed on %s's cell", seed, task.Kind, id)
			}
		}
	}
}

func TestDrySoilCreatesAndStaffsIrrigation(t *testing.T) {
	h := newHarness(t, Config{})
	fleet := domain.FleetSnapshot{
		"Rover-1": rover("Rover-1", 0, 0),
		"Rover-2": rover("Rover-2", 2, 0),
		"Rover-3": rover("Rover-3", -9, -9),
	}
	sensors := map[string]domain.SensorSnapshot{
		"Rover-1": reading("Rover-1", 10),
		"Rover-2": reading("Rover-2", 12),
		"Rover-3": reading("Rover-3", 11),
	}
	// A target drawn onto a locked cell yields no task, so allow a few polls.
	for i := 0; i < 10 && len(h.svc.Plan().Tasks) == 0; i++ {
		require.NoError(t, h.svc.Process(context.Background(), fleet, sensors))
	}

	adv, err := h.svc.Advisory("Rover-1")
	require.NoError(t, err)
	require.Equal(t, domain.TaskIrrigation, adv.Recommendation.Task)
	require.Equal(t, advisor.RuleDrySoil, adv.Recommendation.Rule)

	plan := h.svc.Plan()
	require.Len(t, plan.Tasks, 1)
	task := plan.Tasks[0]
	require.Equal(t, domain.TaskIrrigation, task.Kind)
	require.Equal(t, 8, task.Priority)
	require.ElementsMatch(t, []string{"Rover-1", "Rover-2"}, task.AssignedAgents)
	require.Equal(t, domain.TaskStateActive, task.State())
	require.Equal(t, 1, plan.ActiveTaskCount)

	assigns := commandsOf(h.bus.take(), domain.CommandAssign)
	require.Len(t, assigns, 2)
	for _, cmd := range assigns {
		require.Equal(t, task.ID, cmd.TaskID)
		require.Equal(t, domain.TaskIrrigation, cmd.Task)
		require.NotEmpty(t, cmd.ID)
		if len(cmd.Route) > 0 {
			moves, err := planner.Moves(fleet[cmd.AgentID].Coordinates, cmd.Route)
			require.NoError(t, err)
			require.Len(t, moves, len(cmd.Route))
			require.Equal(t, task.Target, cmd.Route[len(cmd.Route)-1])
			require.GreaterOrEqual(t, len(cmd.Route), fleet[cmd.AgentID].Coordinates.Manhattan(task.Target))
		}
	}
	require.Equal(t, 1, h.journal.count("task_created"))
	require.Equal(t, 1, h.journal.count("agents_assigned"))
	require.Equal(t, domain.TaskStateActive, h.journal.tasks[task.ID].State())

	// After the dwell the task completes and both rovers are released.
	for _, id := range task.AssignedAgents {
		a := fleet[id]
		a.Coordinates = task.Target
		a.CurrentTask = domain.TaskIrrigation
		fleet[id] = a
	}
	h.clock.Advance(31 * time.Second)
	require.NoError(t, h.svc.Process(context.Background(), fleet, sensors))

	releases := commandsOf(h.bus.take(), domain.CommandRelease)
	require.Len(t, releases, 2)
	require.Equal(t, 1, h.svc.Plan().CompletedTaskCount)
	require.Equal(t, 1, h.journal.count("task_completed"))
	require.Equal(t, domain.TaskStateCompleted, h.journal.tasks[task.ID].State())

	got, err := h.svc.Task(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, task.ID, got.ID)
	_, err = h.svc.Task(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrTaskNotFound)

	done, err := h.svc.Tasks(context.Background(), domain.TaskStateCompleted, 10)
	require.NoError(t, err)
	require.Len(t, done, 1)

	history, err := h.svc.TaskDecisions(context.Background(), task.ID, 10)
	require.NoError(t, err)
	actions := make([]string, 0, len(history))
	for _, d := range history {
		actions = append(actions, d.Action)
	}
	require.Subset(t, actions, []string{"task_created", "agents_assigned", "task_completed"})
}

func TestAnomalyJournaledOnce(t *testing.T) {
	h := newHarness(t, Config{})
	fleet := domain.FleetSnapshot{}
	sensors := map[string]domain.SensorSnapshot{}
	for i, id := range []string{"Rover-1", "Rover-2", "Rover-3", "Rover-4"} {
		fleet[id] = rover(id, i*3, 0)
		sensors[id] = reading(id, 40)
	}
	sensors["Rover-4"] = reading("Rover-4", 95)

	require.NoError(t, h.svc.Process(context.Background(), fleet, sensors))
	require.NoError(t, h.svc.Process(context.Background(), fleet, sensors))
	require.Equal(t, 1, h.journal.count("sensor_anomaly"))

	adv, err := h.svc.Advisory("Rover-4")
	require.NoError(t, err)
	require.False(t, adv.Health.Moisture.IsWorking)
	require.Less(t, adv.Corrected.SoilMoisture, 95.0)

	healthy, err := h.svc.Advisory("Rover-1")
	require.NoError(t, err)
	require.True(t, healthy.Health.AllWorking())
}

func TestAutoMoveSendsDistinctSteps(t *testing.T) {
	h := newHarness(t, Config{AutoMove: true})
	fleet := domain.FleetSnapshot{
		"Rover-1": rover("Rover-1", 0, 0),
		"Rover-2": rover("Rover-2", 2, 0),
	}
	require.NoError(t, h.svc.Process(context.Background(), fleet, nil))

	moves := commandsOf(h.bus.take(), domain.CommandMove)
	require.Len(t, moves, 2)
	targets := map[domain.Coordinate]bool{}
	for _, m := range moves {
		next := fleet[m.AgentID].Coordinates.Step(m.Direction)
		require.True(t, grid.Default().Contains(next))
		require.False(t, h.ledger.IsLocked(next))
		require.False(t, targets[next], "two rovers sent to %s", next)
		targets[next] = true
	}
}

func TestAutoMoveSkipsLowBattery(t *testing.T) {
	h := newHarness(t, Config{AutoMove: true})
	flat := rover("Rover-1", 0, 0)
	flat.Battery = 10.5
	require.NoError(t, h.svc.Process(context.Background(), domain.FleetSnapshot{"Rover-1": flat}, nil))
	require.Empty(t, commandsOf(h.bus.take(), domain.CommandMove))
}

func TestManualCommands(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	weak := rover("Rover-2", 1, 0)
	weak.Battery = 12
	fleet := domain.FleetSnapshot{
		"Rover-1": rover("Rover-1", 0, 0),
		"Rover-2": weak,
	}
	require.NoError(t, h.svc.Process(ctx, fleet, nil))
	h.bus.take()

	require.ErrorIs(t, h.svc.MoveAgent(ctx, "Rover-9", domain.DirectionForward), ErrUnknownAgent)
	require.ErrorIs(t, h.svc.MoveAgent(ctx, "Rover-1", domain.DirectionRight), ErrRejected)
	require.NoError(t, h.svc.MoveAgent(ctx, "Rover-1", domain.DirectionForward))

	require.ErrorIs(t, h.svc.AssignTask(ctx, "Rover-2", domain.TaskWeeding), ErrRejected)
	require.NoError(t, h.svc.AssignTask(ctx, "Rover-1", domain.TaskSoilAnalysis))
	require.NoError(t, h.svc.ResetAgent(ctx, "Rover-2"))

	cmds := h.bus.take()
	require.Len(t, cmds, 3)
	require.Equal(t, domain.CommandMove, cmds[0].Kind)
	require.Equal(t, domain.DirectionForward, cmds[0].Direction)
	require.Equal(t, domain.CommandAssign, cmds[1].Kind)
	require.Equal(t, domain.TaskSoilAnalysis, cmds[1].Task)
	require.Equal(t, domain.CommandReset, cmds[2].Kind)
	require.Equal(t, 1, h.journal.count("manual_move"))
}

func TestPlanPath(t *testing.T) {
	h := newHarness(t, Config{})
	fleet := domain.FleetSnapshot{"Rover-1": rover("Rover-1", 0, 0)}
	require.NoError(t, h.svc.Process(context.Background(), fleet, nil))

	path, err := h.svc.PlanPath("Rover-1", domain.Coordinate{X: 2, Y: 3}, "")
	require.NoError(t, err)
	require.Len(t, path, 5)
	require.Equal(t, domain.Coordinate{X: 2, Y: 3}, path[4])

	direct, err := h.svc.PlanPath("Rover-1", domain.Coordinate{X: 2, Y: 3}, planner.StrategyDirect)
	require.NoError(t, err)
	require.Equal(t, domain.Coordinate{X: 1, Y: 0}, direct[0])

	_, err = h.svc.PlanPath("Rover-1", domain.Coordinate{X: 11, Y: 0}, "")
	require.ErrorIs(t, err, planner.ErrOutOfBounds)
	require.ErrorIs(t, err, planner.ErrInfeasible)

	_, err = h.svc.PlanPath("Rover-7", domain.Coordinate{}, "")
	require.ErrorIs(t, err, ErrUnknownAgent)
}

func TestTickReadsSource(t *testing.T) {
	h := newHarness(t, Config{})
	h.source.fleet = domain.FleetSnapshot{"Rover-1": rover("Rover-1", 4, 4)}
	h.source.sensors = map[string]domain.SensorSnapshot{"Rover-1": reading("Rover-1", 50)}
	require.NoError(t, h.svc.Tick(context.Background()))
	require.Len(t, h.svc.Fleet(), 1)
	require.InDelta(t, 50, h.svc.FarmStats().AvgMoisture, 1e-9)

	h.source.err = errors.New("fleet api down")
	require.Error(t, h.svc.Tick(context.Background()))
}

func TestStartStopsWithContext(t *testing.T) {
	h := newHarness(t, Config{TickInterval: 5 * time.Millisecond})
	h.source.fleet = domain.FleetSnapshot{"Rover-1": rover("Rover-1", 0, 0)}
	ctx, cancel := context.WithCancel(context.Background())
	h.svc.Start(ctx)
	require.Eventually(t, func() bool { return h.svc.Ticks() > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	h.svc.Wait()
}
