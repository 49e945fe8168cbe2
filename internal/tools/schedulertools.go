package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pocketmind/pocketmind/internal/scheduler"
	"github.com/pocketmind/pocketmind/pkg/models"
)

// SchedulerTools builds the task scheduling tools over a task store.
func SchedulerTools(store *scheduler.TaskStore) []Tool {
	return []Tool{
		&FuncTool{
			ToolName:        "create_task",
			ToolDescription: "Schedule a reminder or recurring task. Triggers: once (run_at RFC3339), interval (interval_minutes), cron (cron_expr, optional timezone).",
			ToolCategory:    "scheduler",
			ToolSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"name": {"type": "string"},
					"description": {"type": "string"},
					"trigger_type": {"type": "string", "enum": ["once", "interval", "cron"]},
					"run_at": {"type": "string"},
					"interval_minutes": {"type": "number"},
					"cron_expr": {"type": "string"},
					"timezone": {"type": "string"},
					"task_type": {"type": "string", "enum": ["reminder", "task"]},
					"reminder_message": {"type": "string"},
					"prompt": {"type": "string"},
					"notify_on_start": {"type": "boolean"},
					"notify_on_complete": {"type": "boolean"}
				},
				"required": ["name", "trigger_type"]
			}`),
			Fn: func(ctx context.Context, input map[string]any) (string, error) {
				task := &models.ScheduledTask{
					Name:        stringField(input, "name"),
					Description: stringField(input, "description"),
					TriggerType: models.TriggerType(stringField(input, "trigger_type")),
					TaskType:    models.TaskType(stringField(input, "task_type")),
				}
				if runAt := stringField(input, "run_at"); runAt != "" {
					t, err := time.Parse(time.RFC3339, runAt)
					if err != nil {
						return "", fmt.Errorf("run_at must be RFC3339: %w", err)
					}
					task.Trigger.RunAt = t
				}
				if m, ok := input["interval_minutes"].(float64); ok {
					task.Trigger.IntervalMinutes = int(m)
				}
				task.Trigger.CronExpr = stringField(input, "cron_expr")
				task.Trigger.Timezone = stringField(input, "timezone")
				task.ReminderMessage = stringField(input, "reminder_message")
				task.Prompt = stringField(input, "prompt")
				if task.TaskType == "" {
					if task.ReminderMessage != "" {
						task.TaskType = models.TaskReminder
					} else {
						task.TaskType = models.TaskAgent
					}
				}
				meta := map[string]any{}
				if b, ok := input["notify_on_start"].(bool); ok {
					meta["notify_on_start"] = b
				}
				if b, ok := input["notify_on_complete"].(bool); ok {
					meta["notify_on_complete"] = b
				}
				if len(meta) > 0 {
					task.Metadata = meta
				}
				if session, ok := SessionFromContext(ctx); ok {
					task.Owner = models.TaskOwner{
						UserID:    session.UserID,
						ChannelID: session.Channel,
						ChatID:    session.ChatID,
					}
				}
				if err := store.Create(ctx, task); err != nil {
					return "", err
				}
				return fmt.Sprintf("task %s created, next run %s", task.ID,
					task.NextRun.Format(time.RFC3339)), nil
			},
		},
		&FuncTool{
			ToolName:        "list_tasks",
			ToolDescription: "List scheduled tasks with their next run times.",
			ToolCategory:    "scheduler",
			ToolSchema:      json.RawMessage(`{"type": "object", "properties": {}}`),
			Fn: func(ctx context.Context, input map[string]any) (string, error) {
				tasks, err := store.List(ctx)
				if err != nil {
					return "", err
				}
				if len(tasks) == 0 {
					return "no scheduled tasks", nil
				}
				var b strings.Builder
				for _, t := range tasks {
					state := "enabled"
					if !t.Enabled {
						state = string(t.Status)
					}
					next := "-"
					if !t.NextRun.IsZero() {
						next = t.NextRun.Format(time.RFC3339)
					}
					fmt.Fprintf(&b, "- %s [%s/%s, %s] next: %s (id %s)\n",
						t.Name, t.TriggerType, t.TaskType, state, next, t.ID)
				}
				return strings.TrimRight(b.String(), "\n"), nil
			},
		},
		&FuncTool{
			ToolName:        "cancel_task",
			ToolDescription: "Cancel (delete) a scheduled task by id.",
			ToolCategory:    "scheduler",
			ToolSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"task_id": {"type": "string"}},
				"required": ["task_id"]
			}`),
			Fn: func(ctx context.Context, input map[string]any) (string, error) {
				id := stringField(input, "task_id")
				if err := store.Delete(ctx, id); err != nil {
					return "", err
				}
				return "task " + id + " cancelled", nil
			},
		},
		&FuncTool{
			ToolName:        "task_history",
			ToolDescription: "Show recent executions of a scheduled task.",
			ToolCategory:    "scheduler",
			ToolSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"task_id": {"type": "string"},
					"limit": {"type": "number"}
				},
				"required": ["task_id"]
			}`),
			Fn: func(ctx context.Context, input map[string]any) (string, error) {
				limit := 0
				if n, ok := input["limit"].(float64); ok {
					limit = int(n)
				}
				execs, err := store.Executions(ctx, stringField(input, "task_id"), limit)
				if err != nil {
					return "", err
				}
				if len(execs) == 0 {
					return "no executions recorded", nil
				}
				var b strings.Builder
				for _, e := range execs {
					fmt.Fprintf(&b, "- %s %s (%.1fs)", e.StartedAt.Format(time.RFC3339), e.Status, e.DurationS)
					if e.Error != "" {
						fmt.Fprintf(&b, " error: %s", e.Error)
					}
					b.WriteString("\n")
				}
				return strings.TrimRight(b.String(), "\n"), nil
			},
		},
	}
}

func stringField(input map[string]any, key string) string {
	v, _ := input[key].(string)
	return strings.TrimSpace(v)
}
