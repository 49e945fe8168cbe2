// Package scheduler persistently stores one-shot, interval, and cron
// tasks, evaluates their triggers, and re-enters the agent (or a system
// handler) at the scheduled time with a per-task timeout.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pocketmind/pocketmind/pkg/models"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateTrigger checks a trigger definition at task creation time.
func ValidateTrigger(triggerType models.TriggerType, cfg models.TriggerConfig) error {
	switch triggerType {
	case models.TriggerOnce:
		if cfg.RunAt.IsZero() {
			return fmt.Errorf("once trigger requires run_at")
		}
	case models.TriggerInterval:
		if cfg.IntervalMinutes <= 0 {
			return fmt.Errorf("interval trigger requires interval_minutes > 0")
		}
	case models.TriggerCron:
		if _, err := cronParser.Parse(cfg.CronExpr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", cfg.CronExpr, err)
		}
		if cfg.Timezone != "" {
			if _, err := time.LoadLocation(cfg.Timezone); err != nil {
				return fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
			}
		}
	default:
		return fmt.Errorf("unknown trigger type %q", triggerType)
	}
	return nil
}

// NextRun computes the next fire time after a run (or at load). For cron
// the occurrence is strictly after the reference time; for interval it is
// max(now, last_run) + interval.
func NextRun(task *models.ScheduledTask, now time.Time) (time.Time, error) {
	switch task.TriggerType {
	case models.TriggerOnce:
		if task.RunCount > 0 {
			return time.Time{}, nil // fired, never again
		}
		return task.Trigger.RunAt, nil

	case models.TriggerInterval:
		base := now
		if task.LastRun.After(base) {
			base = task.LastRun
		}
		return base.Add(time.Duration(task.Trigger.IntervalMinutes) * time.Minute), nil

	case models.TriggerCron:
		schedule, err := cronParser.Parse(task.Trigger.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron %q: %w", task.Trigger.CronExpr, err)
		}
		loc := time.Local
		if task.Trigger.Timezone != "" {
			if l, err := time.LoadLocation(task.Trigger.Timezone); err == nil {
				loc = l
			}
		}
		ref := now
		if task.NextRun.After(ref) {
			ref = task.NextRun
		}
		return schedule.Next(ref.In(loc)), nil

	default:
		return time.Time{}, fmt.Errorf("unknown trigger type %q", task.TriggerType)
	}
}
