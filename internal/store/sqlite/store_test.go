package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"fleetnav/internal/domain"
)

func TestSaveTaskUpsertsLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	created := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	task := domain.CoordinationTask{
		ID:             uuid.NewString(),
		Kind:           domain.TaskIrrigation,
		Priority:       7,
		Target:         domain.Coordinate{X: -3, Y: 4},
		RequiredAgents: 2,
		CreatedAt:      created,
	}
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("save pending task: %v", err)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Kind != domain.TaskIrrigation || got.Target != task.Target || got.RequiredAgents != 2 {
		t.Fatalf("unexpected task: %+v", got)
	}
	if got.State() != domain.TaskStatePending || len(got.AssignedAgents) != 0 {
		t.Fatalf("expected pending task without agents, got %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("created_at=%s want=%s", got.CreatedAt, created)
	}

	started := created.Add(5 * time.Second)
	task.AssignedAgents = []string{"Rover-2", "Rover-1"}
	task.StartTime = &started
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("save active task: %v", err)
	}

	active, err := store.ListTasks(ctx, domain.TaskStateActive, 10)
	if err != nil {
		t.Fatalf("list active tasks: %v", err)
	}
	if len(active) != 1 || active[0].ID != task.ID {
		t.Fatalf("expected one active task, got %d", len(active))
	}
	if active[0].AssignedAgents[0] != "Rover-2" || !active[0].StartTime.Equal(started) {
		t.Fatalf("unexpected active task: %+v", active[0])
	}

	pending, err := store.ListTasks(ctx, domain.TaskStatePending, 10)
	if err != nil {
		t.Fatalf("list pending tasks: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending tasks after upsert, got %d", len(pending))
	}
}

func TestGetTaskNotFound(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	_, err := store.GetTask(context.Background(), "missing")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestDecisionLogOrdering(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	taskID := uuid.NewString()
	entries := []domain.DecisionLog{
		{TaskID: taskID, Actor: "coordinator", Action: "task_created", Reason: "dry_soil", CreatedAt: base},
		{TaskID: "", Actor: "sensor", Action: "anomaly_detected", Reason: "moisture", Payload: json.RawMessage(`{"rover":"Rover-3"}`), CreatedAt: base.Add(time.Second)},
		{TaskID: taskID, Actor: "coordinator", Action: "agents_assigned", Reason: "nearest idle", CreatedAt: base.Add(2 * time.Second)},
	}
	for _, entry := range entries {
		if err := store.LogDecision(ctx, entry); err != nil {
			t.Fatalf("log decision: %v", err)
		}
	}

	all, err := store.ListDecisions(ctx, 2)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(all) != 2 || all[0].Action != "agents_assigned" || all[1].Action != "anomaly_detected" {
		t.Fatalf("unexpected decisions: %+v", all)
	}
	if string(all[1].Payload) != `{"rover":"Rover-3"}` {
		t.Fatalf("unexpected payload: %s", all[1].Payload)
	}

	forTask, err := store.ListTaskDecisions(ctx, taskID, 0)
	if err != nil {
		t.Fatalf("list task decisions: %v", err)
	}
	if len(forTask) != 2 || forTask[1].Action != "task_created" {
		t.Fatalf("unexpected task decisions: %+v", forTask)
	}
	if string(forTask[1].Payload) != "{}" {
		t.Fatalf("expected empty payload to default to {}, got %s", forTask[1].Payload)
	}
}

func TestInMemoryStoreSharesOneDatabase(t *testing.T) {
	ctx := context.Background()
	store, err := Open("")
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate memory store: %v", err)
	}
	if err := store.LogDecision(ctx, domain.DecisionLog{Actor: "fleet", Action: "tick"}); err != nil {
		t.Fatalf("log decision: %v", err)
	}
	got, err := store.ListDecisions(ctx, 10)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(got))
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		t.Fatalf("migrate store: %v", err)
	}
	return store
}
