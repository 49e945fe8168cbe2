package models

import "time"

// TriggerType selects how a scheduled task computes its next run.
type TriggerType string

const (
	TriggerOnce     TriggerType = "once"
	TriggerInterval TriggerType = "interval"
	TriggerCron     TriggerType = "cron"
)

// TaskType selects the executor behavior for a scheduled task.
type TaskType string

const (
	// TaskReminder delivers a single message and stops, unless the
	// classifier gate promotes it to task-style execution.
	TaskReminder TaskType = "reminder"

	// TaskAgent re-enters the agent with an execution prompt.
	TaskAgent TaskType = "task"
)

// TriggerConfig holds the trigger parameters; the field matching the
// trigger type is authoritative.
type TriggerConfig struct {
	RunAt           time.Time `json:"run_at,omitempty"`
	IntervalMinutes int       `json:"interval_minutes,omitempty"`
	CronExpr        string    `json:"cron,omitempty"`
	Timezone        string    `json:"timezone,omitempty"`
}

// TaskOwner records the IM origin of a task so notifications return to the
// right chat.
type TaskOwner struct {
	UserID    string `json:"user_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	ChatID    string `json:"chat_id,omitempty"`
}

// TaskStatus tracks the scheduling state of a task.
type TaskStatus string

const (
	TaskStatusActive    TaskStatus = "active"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusDisabled  TaskStatus = "disabled"
)

// ScheduledTask is a persisted trigger plus payload that re-enters the
// agent (or a system handler) at set times.
type ScheduledTask struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	TriggerType TriggerType   `json:"trigger_type"`
	Trigger     TriggerConfig `json:"trigger"`
	TaskType    TaskType      `json:"task_type"`

	// ReminderMessage is the payload for reminder tasks.
	ReminderMessage string `json:"reminder_message,omitempty"`

	// Prompt is the payload for agent tasks.
	Prompt string `json:"prompt,omitempty"`

	// Action names a system handler when prefixed "system:"; such tasks
	// bypass the LLM entirely.
	Action string `json:"action,omitempty"`

	Owner    TaskOwner      `json:"owner"`
	Enabled  bool           `json:"enabled"`
	Status   TaskStatus     `json:"status"`
	LastRun  time.Time      `json:"last_run,omitempty"`
	NextRun  time.Time      `json:"next_run,omitempty"`
	RunCount int            `json:"run_count"`
	FailCount int           `json:"fail_count"`
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MetaBool reads a boolean metadata flag such as notify_on_start.
func (t *ScheduledTask) MetaBool(key string) bool {
	if t.Metadata == nil {
		return false
	}
	v, ok := t.Metadata[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// IsSystem reports whether the task names a system handler.
func (t *ScheduledTask) IsSystem() bool {
	return len(t.Action) > 7 && t.Action[:7] == "system:"
}

// ExecutionStatus tracks one task run.
type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
	ExecutionTimeout ExecutionStatus = "timeout"
)

// TaskExecution is one audited run of a scheduled task.
type TaskExecution struct {
	ID         string          `json:"id"`
	TaskID     string          `json:"task_id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
	Status     ExecutionStatus `json:"status"`
	Result     string          `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationS  float64         `json:"duration_seconds,omitempty"`
}
