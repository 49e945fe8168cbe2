package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pocketmind/pocketmind/pkg/models"
)

// ErrTaskNotFound is returned when a task id does not exist.
var ErrTaskNotFound = errors.New("scheduler: task not found")

// TaskStore persists scheduled tasks and their executions as SQLite rows.
// It shares the memory database file.
type TaskStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewTaskStore creates the scheduler tables on the given database.
func NewTaskStore(db *sql.DB, now func() time.Time) (*TaskStore, error) {
	if now == nil {
		now = time.Now
	}
	s := &TaskStore{db: db, now: now}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			trigger_type TEXT NOT NULL,
			trigger_config TEXT NOT NULL DEFAULT '{}',
			task_type TEXT NOT NULL,
			reminder_message TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL DEFAULT '',
			owner TEXT NOT NULL DEFAULT '{}',
			enabled INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'active',
			last_run TIMESTAMP,
			next_run TIMESTAMP,
			run_count INTEGER NOT NULL DEFAULT 0,
			fail_count INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS task_executions (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP,
			status TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			duration_seconds REAL NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks(enabled, next_run)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_task ON task_executions(task_id, started_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create scheduler schema: %w", err)
		}
	}
	return s, nil
}

// Create validates and inserts a task, computing its first next_run.
func (s *TaskStore) Create(ctx context.Context, task *models.ScheduledTask) error {
	if task.Name == "" {
		return fmt.Errorf("task name is required")
	}
	if err := ValidateTrigger(task.TriggerType, task.Trigger); err != nil {
		return err
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.TaskType == "" {
		task.TaskType = models.TaskAgent
	}
	if task.Status == "" {
		task.Status = models.TaskStatusActive
	}
	task.Enabled = true
	now := s.now()
	task.CreatedAt = now
	task.UpdatedAt = now

	next, err := NextRun(task, now)
	if err != nil {
		return err
	}
	task.NextRun = next
	return s.upsert(ctx, task, true)
}

// Update persists all mutable fields of a task.
func (s *TaskStore) Update(ctx context.Context, task *models.ScheduledTask) error {
	task.UpdatedAt = s.now()
	return s.upsert(ctx, task, false)
}

func (s *TaskStore) upsert(ctx context.Context, task *models.ScheduledTask, isNew bool) error {
	trigger, err := json.Marshal(task.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	owner, err := json.Marshal(task.Owner)
	if err != nil {
		return fmt.Errorf("marshal owner: %w", err)
	}
	meta := []byte("{}")
	if task.Metadata != nil {
		if meta, err = json.Marshal(task.Metadata); err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	if isNew {
		_, err = s.db.ExecContext(ctx, `INSERT INTO scheduled_tasks
			(id, name, description, trigger_type, trigger_config, task_type,
			 reminder_message, prompt, action, owner, enabled, status,
			 last_run, next_run, run_count, fail_count, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			task.ID, task.Name, task.Description, string(task.TriggerType),
			string(trigger), string(task.TaskType), task.ReminderMessage,
			task.Prompt, task.Action, string(owner), boolInt(task.Enabled),
			string(task.Status), nullTime(task.LastRun), nullTime(task.NextRun),
			task.RunCount, task.FailCount, string(meta), task.CreatedAt, task.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET
		name = ?, description = ?, trigger_type = ?, trigger_config = ?,
		task_type = ?, reminder_message = ?, prompt = ?, action = ?, owner = ?,
		enabled = ?, status = ?, last_run = ?, next_run = ?, run_count = ?,
		fail_count = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		task.Name, task.Description, string(task.TriggerType), string(trigger),
		string(task.TaskType), task.ReminderMessage, task.Prompt, task.Action,
		string(owner), boolInt(task.Enabled), string(task.Status),
		nullTime(task.LastRun), nullTime(task.NextRun), task.RunCount,
		task.FailCount, string(meta), task.UpdatedAt, task.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// Get loads one task by id.
func (s *TaskStore) Get(ctx context.Context, id string) (*models.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	return task, err
}

// Delete removes a task and its execution history.
func (s *TaskStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM task_executions WHERE task_id = ?`, id)
	return err
}

// List returns all tasks, newest first.
func (s *TaskStore) List(ctx context.Context) ([]*models.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// Due returns enabled tasks with next_run at or before the given time.
func (s *TaskStore) Due(ctx context.Context, at time.Time) ([]*models.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+`
		FROM scheduled_tasks
		WHERE enabled = 1 AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run`, at)
	if err != nil {
		return nil, fmt.Errorf("list due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// RecordExecution appends a completed execution row for audit.
func (s *TaskStore) RecordExecution(ctx context.Context, exec *models.TaskExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO task_executions
		(id, task_id, started_at, finished_at, status, result, error, duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at = excluded.finished_at, status = excluded.status,
			result = excluded.result, error = excluded.error,
			duration_seconds = excluded.duration_seconds`,
		exec.ID, exec.TaskID, exec.StartedAt, nullTime(exec.FinishedAt),
		string(exec.Status), exec.Result, exec.Error, exec.DurationS)
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	return nil
}

// Executions lists a task's run history, newest first.
func (s *TaskStore) Executions(ctx context.Context, taskID string, limit int) ([]*models.TaskExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, task_id, started_at,
		finished_at, status, result, error, duration_seconds
		FROM task_executions WHERE task_id = ?
		ORDER BY started_at DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	var out []*models.TaskExecution
	for rows.Next() {
		var e models.TaskExecution
		var status string
		var finished sql.NullTime
		if err := rows.Scan(&e.ID, &e.TaskID, &e.StartedAt, &finished,
			&status, &e.Result, &e.Error, &e.DurationS); err != nil {
			return nil, err
		}
		e.Status = models.ExecutionStatus(status)
		if finished.Valid {
			e.FinishedAt = finished.Time
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

const taskColumns = `id, name, description, trigger_type, trigger_config,
	task_type, reminder_message, prompt, action, owner, enabled, status,
	last_run, next_run, run_count, fail_count, metadata, created_at, updated_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanTask(row rowScanner) (*models.ScheduledTask, error) {
	var t models.ScheduledTask
	var triggerType, triggerCfg, taskType, owner, status, meta string
	var enabled int
	var lastRun, nextRun sql.NullTime
	err := row.Scan(&t.ID, &t.Name, &t.Description, &triggerType, &triggerCfg,
		&taskType, &t.ReminderMessage, &t.Prompt, &t.Action, &owner, &enabled,
		&status, &lastRun, &nextRun, &t.RunCount, &t.FailCount, &meta,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.TriggerType = models.TriggerType(triggerType)
	t.TaskType = models.TaskType(taskType)
	t.Status = models.TaskStatus(status)
	t.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(triggerCfg), &t.Trigger); err != nil {
		return nil, fmt.Errorf("unmarshal trigger for %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(owner), &t.Owner); err != nil {
		return nil, fmt.Errorf("unmarshal owner for %s: %w", t.ID, err)
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata for %s: %w", t.ID, err)
		}
	}
	if lastRun.Valid {
		t.LastRun = lastRun.Time
	}
	if nextRun.Valid {
		t.NextRun = nextRun.Time
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*models.ScheduledTask, error) {
	var out []*models.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
