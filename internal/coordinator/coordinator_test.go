package coordinator

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleetnav/internal/battery"
	"fleetnav/internal/clock"
	"fleetnav/internal/domain"
	"fleetnav/internal/grid"
)

type lockSet map[domain.Coordinate]bool

func (l lockSet) IsLocked(c domain.Coordinate) bool { return l[c] }

type allLocked struct{}

func (allLocked) IsLocked(domain.Coordinate) bool { return true }

func c(x, y int) domain.Coordinate { return domain.Coordinate{X: x, Y: y} }

func newTestCoordinator(t *testing.T, locks LockChecker, cfg Config) (*Coordinator, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	rng := rand.New(rand.NewPCG(7, 11))
	return New(grid.Default(), locks, battery.New(battery.Config{}), rng, clk, cfg), clk
}

func idle(id string, x, y int, batteryLevel float64) domain.Agent {
	return domain.Agent{ID: id, Status: domain.AgentStatusIdle, Battery: batteryLevel, Coordinates: c(x, y)}
}

func pending(id string, kind domain.TaskKind, priority int, target domain.Coordinate) domain.CoordinationTask {
	return domain.CoordinationTask{
		ID:             id,
		Kind:           kind,
		Priority:       priority,
		Target:         target,
		RequiredAgents: RequiredAgents(kind),
		AssignedAgents: []string{},
	}
}

func TestRequiredAgents(t *testing.T) {
	require.Equal(t, 1, RequiredAgents(domain.TaskSoilAnalysis))
	require.Equal(t, 1, RequiredAgents(domain.TaskCropMonitoring))
	require.Equal(t, 2, RequiredAgents(domain.TaskIrrigation))
	require.Equal(t, 2, RequiredAgents(domain.TaskWeeding))
	require.Equal(t, 0, RequiredAgents(domain.TaskNone))
}

func TestGenerateTaskAnchorsOnDriestRover(t *testing.T) {
	co, clk := newTestCoordinator(t, lockSet{}, Config{TargetRadius: 2})
	fleet := domain.FleetSnapshot{
		"Rover-1": idle("Rover-1", -8, -8, 90),
		"Rover-2": idle("Rover-2", 7, 6, 90),
	}
	sensors := map[string]domain.SensorSnapshot{
		"Rover-1": {AgentID: "Rover-1", SoilMoisture: 60},
		"Rover-2": {AgentID: "Rover-2", SoilMoisture: 12},
	}

	for i := 0; i < 20; i++ {
		task, ok := co.GenerateTask(fleet, sensors, domain.TaskIrrigation, 7)
		require.True(t, ok)
		require.LessOrEqual(t, task.Target.Manhattan(c(7, 6)), 4)
		require.True(t, grid.Default().Contains(task.Target))
		require.Equal(t, 2, task.RequiredAgents)
		require.Equal(t, 7, task.Priority)
		require.Equal(t, clk.Now(), task.CreatedAt)
		require.Equal(t, domain.TaskStatePending, task.State())
		require.NotEmpty(t, task.ID)
	}
}

func TestGenerateTaskRejectsLockedCell(t *testing.T) {
	co, _ := newTestCoordinator(t, allLocked{}, Config{})
	_, ok := co.GenerateTask(nil, nil, domain.TaskSoilAnalysis, 5)
	require.False(t, ok)
}

func TestGenerateTaskWithoutSensorsStaysInBounds(t *testing.T) {
	co, _ := newTestCoordinator(t, lockSet{}, Config{})
	for i := 0; i < 50; i++ {
		task, ok := co.GenerateTask(nil, nil, domain.TaskCropMonitoring, 0)
		require.True(t, ok)
		require.True(t, grid.Default().Contains(task.Target))
		require.Equal(t, DefaultPriority, task.Priority)
		require.Equal(t, 1, task.RequiredAgents)
	}
}

func TestGenerateTaskNone(t *testing.T) {
	co, _ := newTestCoordinator(t, lockSet{}, Config{})
	_, ok := co.GenerateTask(nil, nil, domain.TaskNone, 5)
	require.False(t, ok)
}

func TestGenerateTaskClampsPriority(t *testing.T) {
	co, _ := newTestCoordinator(t, lockSet{}, Config{})
	task, ok := co.GenerateTask(nil, nil, domain.TaskWeeding, 42)
	require.True(t, ok)
	require.Equal(t, MaxPriority, task.Priority)
	task, ok = co.GenerateTask(nil, nil, domain.TaskWeeding, -3)
	require.True(t, ok)
	require.Equal(t, MinPriority, task.Priority)
}

func TestAssignAgentsNearestFirstByPriority(t *testing.T) {
	co, clk := newTestCoordinator(t, lockSet{}, Config{})
	fleet := domain.FleetSnapshot{
		"Rover-1": idle("Rover-1", 0, 0, 90),
		"Rover-2": idle("Rover-2", 5, 5, 90),
		"Rover-3": idle("Rover-3", -5, -5, 90),
	}
	plan := NewPlan()
	plan.Tasks = append(plan.Tasks,
		pending("low", domain.TaskSoilAnalysis, 2, c(0, 1)),
		pending("high", domain.TaskIrrigation, 9, c(4, 4)),
	)

	out := co.AssignAgents(fleet, plan)

	// The irrigation task goes first and takes the two closest rovers,
	// leaving only Rover-3 for soil analysis even though Rover-1 is closer.
	require.Equal(t, []string{"Rover-2", "Rover-1"}, out.Tasks[1].AssignedAgents)
	require.Equal(t, []string{"Rover-3"}, out.Tasks[0].AssignedAgents)
	require.Equal(t, clk.Now(), *out.Tasks[0].StartTime)
	require.Equal(t, 2, out.ActiveTaskCount)

	// The input plan is untouched.
	require.Empty(t, plan.Tasks[0].AssignedAgents)
	require.Nil(t, plan.Tasks[1].StartTime)
}

func TestAssignAgentsFiltersIneligible(t *testing.T) {
	co, _ := newTestCoordinator(t, lockSet{}, Config{})
	fleet := domain.FleetSnapshot{
		"flat":   idle("flat", 0, 0, 10),
		"moving": {ID: "moving", Status: domain.AgentStatusMoving, Battery: 90, Coordinates: c(0, 0)},
		"busy":   {ID: "busy", Status: domain.AgentStatusIdle, Battery: 90, Coordinates: c(0, 0), CurrentTask: domain.TaskWeeding},
		"ok":     idle("ok", 9, 9, 11),
	}
	plan := NewPlan()
	plan.Tasks = append(plan.Tasks, pending("t", domain.TaskIrrigation, 5, c(0, 0)))

	out := co.AssignAgents(fleet, plan)
	require.Equal(t, []string{"ok"}, out.Tasks[0].AssignedAgents)
	require.Nil(t, out.Tasks[0].StartTime)
	require.Equal(t, 0, out.ActiveTaskCount)
	require.Equal(t, domain.TaskStatePending, out.Tasks[0].State())
}

func TestAssignAgentsNeverOverAssigns(t *testing.T) {
	co, _ := newTestCoordinator(t, lockSet{}, Config{})
	fleet := domain.FleetSnapshot{}
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		fleet[id] = idle(id, i, 0, 90)
	}
	plan := NewPlan()
	plan.Tasks = append(plan.Tasks,
		pending("w", domain.TaskWeeding, 5, c(0, 0)),
		pending("s", domain.TaskSoilAnalysis, 5, c(0, 0)),
		pending("i", domain.TaskIrrigation, 5, c(0, 0)),
	)

	for round := 0; round < 4; round++ {
		plan = co.AssignAgents(fleet, plan)
		seen := map[string]string{}
		for _, task := range plan.Tasks {
			require.LessOrEqual(t, len(task.AssignedAgents), task.RequiredAgents)
			for _, id := range task.AssignedAgents {
				prev, dup := seen[id]
				require.False(t, dup, "agent %s in %s and %s", id, prev, task.ID)
				seen[id] = task.ID
			}
		}
	}
	require.Equal(t, 3, plan.ActiveTaskCount)
}

func TestAssignAgentsIgnoresCompletedTasks(t *testing.T) {
	co, clk := newTestCoordinator(t, lockSet{}, Config{})
	done := clk.Now()
	task := pending("done", domain.TaskSoilAnalysis, 5, c(0, 0))
	task.CompletionTime = &done
	plan := NewPlan()
	plan.Tasks = append(plan.Tasks, task)

	out := co.AssignAgents(domain.FleetSnapshot{"a": idle("a", 0, 0, 90)}, plan)
	require.Empty(t, out.Tasks[0].AssignedAgents)
}

func TestAdvanceCompletionAfterDwell(t *testing.T) {
	co, clk := newTestCoordinator(t, lockSet{}, Config{})
	plan := NewPlan()
	plan.Tasks = append(plan.Tasks, pending("t", domain.TaskCropMonitoring, 5, c(1, 1)))
	plan = co.AssignAgents(domain.FleetSnapshot{"a": idle("a", 0, 0, 90)}, plan)
	require.Equal(t, 1, plan.ActiveTaskCount)

	clk.Advance(30 * time.Second)
	plan = co.AdvanceCompletion(plan)
	require.Equal(t, 0, plan.CompletedTaskCount)

	clk.Advance(time.Millisecond)
	plan = co.AdvanceCompletion(plan)
	require.Equal(t, 1, plan.CompletedTaskCount)
	require.Equal(t, 0, plan.ActiveTaskCount)
	require.Equal(t, clk.Now(), *plan.Tasks[0].CompletionTime)

	plan = co.AdvanceCompletion(plan)
	require.Equal(t, 1, plan.CompletedTaskCount)
	require.Len(t, plan.Tasks, 1)
}

func TestPendingTasksNeverExpireByDefault(t *testing.T) {
	co, clk := newTestCoordinator(t, lockSet{}, Config{})
	plan := NewPlan()
	task := pending("t", domain.TaskIrrigation, 5, c(1, 1))
	task.CreatedAt = clk.Now()
	plan.Tasks = append(plan.Tasks, task)

	clk.Advance(24 * time.Hour)
	plan = co.AdvanceCompletion(plan)
	require.Equal(t, domain.TaskStatePending, plan.Tasks[0].State())
}

func TestPendingTimeoutExpiresTask(t *testing.T) {
	co, clk := newTestCoordinator(t, lockSet{}, Config{PendingTimeout: time.Minute})
	plan := NewPlan()
	task := pending("t", domain.TaskIrrigation, 5, c(1, 1))
	task.CreatedAt = clk.Now()
	plan.Tasks = append(plan.Tasks, task)

	clk.Advance(2 * time.Minute)
	plan = co.AdvanceCompletion(plan)
	require.Equal(t, domain.TaskStateExpired, plan.Tasks[0].State())
	require.Equal(t, 1, plan.ExpiredTaskCount)

	plan = co.AssignAgents(domain.FleetSnapshot{"a": idle("a", 0, 0, 90)}, plan)
	require.Empty(t, plan.Tasks[0].AssignedAgents)
}
