// Package sqlite journals coordination tasks and the decisions taken on them.
// The default DSN is an in-memory database that lives as long as the process.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fleetnav/internal/domain"

	_ "modernc.org/sqlite"
)

const MemoryDSN = ":memory:"

var ErrTaskNotFound = domain.ErrTaskNotFound

const schema = `
CREATE TABLE IF NOT EXISTS coordination_tasks (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	priority INTEGER NOT NULL,
	target_x INTEGER NOT NULL,
	target_y INTEGER NOT NULL,
	required_agents INTEGER NOT NULL,
	assigned_agents TEXT NOT NULL,
	state TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	started_at INTEGER NULL,
	completed_at INTEGER NULL,
	expired_at INTEGER NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_coordination_tasks_state ON coordination_tasks(state, created_at);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_log_task ON decision_log(task_id, created_at);
`

type Store struct {
	db *sql.DB
}

// Open opens dbPath, or a private in-memory database when dbPath is empty or
// ":memory:".
func Open(dbPath string) (*Store, error) {
	memory := strings.TrimSpace(dbPath) == "" || dbPath == MemoryDSN
	if memory {
		dbPath = MemoryDSN
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL;", "PRAGMA synchronous=NORMAL;")
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// SaveTask inserts the task or replaces its mutable columns.
func (s *Store) SaveTask(ctx context.Context, task domain.CoordinationTask) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	assigned, err := json.Marshal(nonNil(task.AssignedAgents))
	if err != nil {
		return fmt.Errorf("marshal assigned agents: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO coordination_tasks(
			id, kind, priority, target_x, target_y, required_agents, assigned_agents, state,
			created_at, started_at, completed_at, expired_at, updated_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			priority = excluded.priority,
			assigned_agents = excluded.assigned_agents,
			state = excluded.state,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			expired_at = excluded.expired_at,
			updated_at = excluded.updated_at`,
		task.ID, task.Kind.String(), task.Priority, task.Target.X, task.Target.Y,
		task.RequiredAgents, string(assigned), string(task.State()),
		task.CreatedAt.UnixMilli(), nullableMilli(task.StartTime), nullableMilli(task.CompletionTime),
		nullableMilli(task.ExpiredAt), time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

const taskColumns = `id, kind, priority, target_x, target_y, required_agents, assigned_agents,
	created_at, started_at, completed_at, expired_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.CoordinationTask, error) {
	var t domain.CoordinationTask
	var kind, assigned string
	var created int64
	var started, completed, expired sql.NullInt64
	if err := row.Scan(
		&t.ID, &kind, &t.Priority, &t.Target.X, &t.Target.Y, &t.RequiredAgents, &assigned,
		&created, &started, &completed, &expired,
	); err != nil {
		return domain.CoordinationTask{}, err
	}
	parsed, err := domain.ParseTaskKind(kind)
	if err != nil {
		return domain.CoordinationTask{}, fmt.Errorf("parse task kind: %w", err)
	}
	t.Kind = parsed
	if err := json.Unmarshal([]byte(assigned), &t.AssignedAgents); err != nil {
		return domain.CoordinationTask{}, fmt.Errorf("parse assigned agents: %w", err)
	}
	t.CreatedAt = milliToTime(created)
	t.StartTime = milliToTimePtr(started)
	t.CompletionTime = milliToTimePtr(completed)
	t.ExpiredAt = milliToTimePtr(expired)
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (domain.CoordinationTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM coordination_tasks WHERE id = ?`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CoordinationTask{}, fmt.Errorf("get task %s: %w", taskID, ErrTaskNotFound)
	}
	if err != nil {
		return domain.CoordinationTask{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks newest first. An empty state lists every task.
func (s *Store) ListTasks(ctx context.Context, state domain.TaskState, limit int) ([]domain.CoordinationTask, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT ` + taskColumns + ` FROM coordination_tasks`
	args := []any{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	result := make([]domain.CoordinationTask, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return result, nil
}

func (s *Store) LogDecision(ctx context.Context, entry domain.DecisionLog) error {
	payload := string(entry.Payload)
	if payload == "" {
		payload = "{}"
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decision_log(task_id, actor, action, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		entry.TaskID, entry.Actor, entry.Action, entry.Reason, payload, createdAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

// ListDecisions returns the most recent decisions across all tasks.
func (s *Store) ListDecisions(ctx context.Context, limit int) ([]domain.DecisionLog, error) {
	return s.listDecisions(ctx, `SELECT id, task_id, actor, action, reason, payload, created_at
		FROM decision_log
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
}

func (s *Store) ListTaskDecisions(ctx context.Context, taskID string, limit int) ([]domain.DecisionLog, error) {
	return s.listDecisions(ctx, `SELECT id, task_id, actor, action, reason, payload, created_at
		FROM decision_log
		WHERE task_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit, taskID)
}

func (s *Store) listDecisions(ctx context.Context, query string, limit int, args ...any) ([]domain.DecisionLog, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(ctx, query, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.DecisionLog, 0)
	for rows.Next() {
		var item domain.DecisionLog
		var payload string
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.TaskID, &item.Actor, &item.Action, &item.Reason, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		item.Payload = []byte(payload)
		item.CreatedAt = milliToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return result, nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func milliToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := milliToTime(v.Int64)
	return &t
}

func milliToTime(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullableMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}
