package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pocketmind/pocketmind/internal/llm"
	"github.com/pocketmind/pocketmind/pkg/models"
)

// MessageSink delivers text to an IM chat; the gateway implements it.
type MessageSink interface {
	SendText(ctx context.Context, channel, chatID, text string) error
}

// AgentRunner re-enters the agent for task-style execution. The runner
// binds a virtual session to the task owner so channel tools work.
type AgentRunner interface {
	RunTask(ctx context.Context, task *models.ScheduledTask, prompt string) (string, error)
}

// Chatter is the lightweight-model hook used by the reminder classifier.
type Chatter interface {
	Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)
}

// SystemHandler is a direct handler for system: tasks; it bypasses the
// LLM entirely.
type SystemHandler func(ctx context.Context) error

// Scheduler owns the dispatcher loop and the executor.
type Scheduler struct {
	store   *TaskStore
	sink    MessageSink
	runner  AgentRunner
	llm     Chatter
	logger  *slog.Logger
	now     func() time.Time
	observe func(status models.ExecutionStatus)

	tickInterval  time.Duration
	taskTimeout   time.Duration
	maxConcurrent int

	mu       sync.Mutex
	handlers map[string]SystemHandler
	inFlight map[string]bool

	sem    chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval sets the dispatcher wake granularity.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// WithTaskTimeout sets the wall-clock timeout per task execution.
func WithTaskTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.taskTimeout = d
		}
	}
}

// WithMaxConcurrent caps simultaneous task executions.
func WithMaxConcurrent(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxConcurrent = n
		}
	}
}

// WithAgentRunner wires the agent re-entry point.
func WithAgentRunner(runner AgentRunner) Option {
	return func(s *Scheduler) { s.runner = runner }
}

// WithChatter wires the reminder-classifier model.
func WithChatter(c Chatter) Option {
	return func(s *Scheduler) { s.llm = c }
}

// WithObserver installs a per-execution hook, used for metrics.
func WithObserver(observe func(status models.ExecutionStatus)) Option {
	return func(s *Scheduler) { s.observe = observe }
}

// New builds a scheduler over a task store and a message sink.
func New(store *TaskStore, sink MessageSink, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:         store,
		sink:          sink,
		logger:        slog.Default().With("component", "scheduler"),
		now:           time.Now,
		tickInterval:  time.Second,
		taskTimeout:   600 * time.Second,
		maxConcurrent: 4,
		handlers:      make(map[string]SystemHandler),
		inFlight:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sem = make(chan struct{}, s.maxConcurrent)
	return s
}

// RegisterSystemHandler binds a system: action name to a direct handler.
func (s *Scheduler) RegisterSystemHandler(action string, handler SystemHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[action] = handler
}

// Store exposes the task store for tool handlers.
func (s *Scheduler) Store() *TaskStore { return s.store }

// Start recomputes stale next_run values and launches the dispatcher
// loop. Tasks whose next_run passed while the process was down fire once
// immediately on the first tick.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.recomputeStale(ctx); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(loopCtx)
	s.logger.Info("scheduler started", "tick", s.tickInterval, "max_concurrent", s.maxConcurrent)
	return nil
}

// Stop halts the dispatcher and waits for in-flight executions.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) recomputeStale(ctx context.Context) error {
	tasks, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	now := s.now()
	for _, task := range tasks {
		if !task.Enabled || !task.NextRun.IsZero() {
			continue
		}
		next, err := NextRun(task, now)
		if err != nil {
			s.logger.Warn("recompute next_run failed", "task", task.ID, "error", err)
			continue
		}
		if next.IsZero() {
			continue
		}
		task.NextRun = next
		if err := s.store.Update(ctx, task); err != nil {
			s.logger.Warn("persist recomputed next_run failed", "task", task.ID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick dispatches every due task, bounded by the concurrency cap. It is
// exported so tests and the doctor command can drive the scheduler with a
// fake clock.
func (s *Scheduler) Tick(ctx context.Context) {
	due, err := s.store.Due(ctx, s.now())
	if err != nil {
		s.logger.Warn("due query failed", "error", err)
		return
	}
	for _, task := range due {
		s.mu.Lock()
		running := s.inFlight[task.ID]
		if !running {
			s.inFlight[task.ID] = true
		}
		s.mu.Unlock()
		if running {
			continue
		}

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			s.clearInFlight(task.ID)
			return
		}

		s.wg.Add(1)
		go func(task *models.ScheduledTask) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			defer s.clearInFlight(task.ID)
			s.execute(ctx, task)
		}(task)
	}
}

func (s *Scheduler) clearInFlight(id string) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}

// execute runs one task end to end: the typed executor, then the
// bookkeeping (last_run, next_run, counters) and the audit row.
func (s *Scheduler) execute(ctx context.Context, task *models.ScheduledTask) {
	started := s.now()
	exec := &models.TaskExecution{
		TaskID:    task.ID,
		StartedAt: started,
		Status:    models.ExecutionRunning,
	}
	if err := s.store.RecordExecution(ctx, exec); err != nil {
		s.logger.Warn("record execution start failed", "task", task.ID, "error", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.taskTimeout)
	result, err := s.runTask(runCtx, task)
	cancel()

	finished := s.now()
	exec.FinishedAt = finished
	exec.DurationS = finished.Sub(started).Seconds()
	switch {
	case err == nil:
		exec.Status = models.ExecutionSuccess
		exec.Result = truncateResult(result, 4000)
	case runCtx.Err() == context.DeadlineExceeded:
		exec.Status = models.ExecutionTimeout
		exec.Error = err.Error()
	default:
		exec.Status = models.ExecutionFailed
		exec.Error = err.Error()
	}
	if err := s.store.RecordExecution(ctx, exec); err != nil {
		s.logger.Warn("record execution finish failed", "task", task.ID, "error", err)
	}
	if s.observe != nil {
		s.observe(exec.Status)
	}

	task.LastRun = finished
	task.RunCount++
	if err != nil {
		task.FailCount++
		s.logger.Warn("task execution failed", "task", task.ID, "name", task.Name,
			"status", exec.Status, "error", err)
	}

	if task.TriggerType == models.TriggerOnce {
		task.Enabled = false
		task.Status = models.TaskStatusCompleted
		task.NextRun = time.Time{}
	} else {
		next, nerr := NextRun(task, finished)
		if nerr != nil {
			s.logger.Warn("next_run recompute failed, disabling task", "task", task.ID, "error", nerr)
			task.Enabled = false
			task.Status = models.TaskStatusDisabled
		} else {
			task.NextRun = next
		}
	}
	if err := s.store.Update(ctx, task); err != nil {
		s.logger.Warn("persist task after run failed", "task", task.ID, "error", err)
	}
}

// runTask dispatches by task kind: system handler, reminder, or agent
// task.
func (s *Scheduler) runTask(ctx context.Context, task *models.ScheduledTask) (string, error) {
	if task.IsSystem() {
		return s.runSystem(ctx, task)
	}
	switch task.TaskType {
	case models.TaskReminder:
		return s.runReminder(ctx, task)
	default:
		return s.runAgentTask(ctx, task, true)
	}
}

func (s *Scheduler) runSystem(ctx context.Context, task *models.ScheduledTask) (string, error) {
	s.mu.Lock()
	handler, ok := s.handlers[task.Action]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no handler registered for %q", task.Action)
	}
	if err := handler(ctx); err != nil {
		return "", err
	}
	return "ok", nil
}

// runReminder delivers exactly one message, then consults the classifier
// gate: reminders that actually require work are promoted to task-style
// execution with the end notification suppressed (the reminder message
// already went out).
func (s *Scheduler) runReminder(ctx context.Context, task *models.ScheduledTask) (string, error) {
	message := task.ReminderMessage
	if message == "" {
		message = task.Name
	}
	if err := s.notify(ctx, task, message); err != nil {
		// The user never sees internal errors from a reminder; the
		// execution row carries the detail.
		return "", fmt.Errorf("deliver reminder: %w", err)
	}
	if s.reminderNeedsExecution(ctx, task) {
		if _, err := s.runAgentTask(ctx, task, false); err != nil {
			return "reminder sent; follow-up execution failed", nil
		}
		return "reminder sent and executed", nil
	}
	return "reminder sent", nil
}

// reminderNeedsExecution asks the lightweight model whether the reminder
// text describes work the agent should perform. Creation-time
// classification is unreliable; this gate catches the misfiled ones.
func (s *Scheduler) reminderNeedsExecution(ctx context.Context, task *models.ScheduledTask) bool {
	if s.llm == nil || s.runner == nil {
		return false
	}
	prompt := fmt.Sprintf("A reminder just fired: %q (description: %s). "+
		"Does completing it require the assistant to actually perform work "+
		"(searching, computing, calling tools), beyond the notification that was already sent? "+
		"Answer strictly yes or no.", task.ReminderMessage, task.Description)
	resp, err := s.llm.Chat(ctx, &llm.ChatRequest{
		Messages:  []models.ChatMessage{models.UserText(prompt)},
		MaxTokens: 10,
	})
	if err != nil {
		return false
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(resp.Text())), "yes")
}

// runAgentTask re-enters the agent with the execution prompt. notify
// controls the start/completion notifications; reminder promotion passes
// false because its message already went out.
func (s *Scheduler) runAgentTask(ctx context.Context, task *models.ScheduledTask, notifyEnds bool) (string, error) {
	if s.runner == nil {
		return "", fmt.Errorf("no agent runner configured")
	}
	if notifyEnds && task.MetaBool("notify_on_start") {
		if err := s.notify(ctx, task, fmt.Sprintf("▶️ starting task: %s", task.Name)); err != nil {
			s.logger.Debug("start notification failed", "task", task.ID, "error", err)
		}
	}

	result, err := s.runner.RunTask(ctx, task, buildExecutionPrompt(task))
	if err != nil {
		if notifyEnds {
			msg := fmt.Sprintf("❌ task %q failed: %s", task.Name, truncateResult(err.Error(), 300))
			if ctx.Err() == context.DeadlineExceeded {
				msg = fmt.Sprintf("⏱ task %q timed out", task.Name)
			}
			if nerr := s.notify(ctx, task, msg); nerr != nil {
				s.logger.Debug("failure notification failed", "task", task.ID, "error", nerr)
			}
		}
		return "", err
	}

	if notifyEnds && task.MetaBool("notify_on_complete") && result != "" {
		if err := s.notify(ctx, task, result); err != nil {
			s.logger.Debug("completion notification failed", "task", task.ID, "error", err)
		}
	}
	return result, nil
}

// buildExecutionPrompt embeds the task metadata into the agent prompt.
// Direct message-sending is the gateway's job; the prompt forbids it so
// the final result is delivered exactly once.
func buildExecutionPrompt(task *models.ScheduledTask) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scheduled task %q is due. ", task.Name)
	if task.Description != "" {
		fmt.Fprintf(&b, "Description: %s. ", task.Description)
	}
	if task.Prompt != "" {
		b.WriteString(task.Prompt)
	} else if task.ReminderMessage != "" {
		b.WriteString(task.ReminderMessage)
	}
	b.WriteString("\n\nPerform the task now. Do not send messages to the chat yourself; " +
		"your final answer is delivered automatically.")
	return b.String()
}

func (s *Scheduler) notify(ctx context.Context, task *models.ScheduledTask, text string) error {
	if s.sink == nil || task.Owner.ChannelID == "" || task.Owner.ChatID == "" {
		return nil
	}
	return s.sink.SendText(ctx, task.Owner.ChannelID, task.Owner.ChatID, text)
}

func truncateResult(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
