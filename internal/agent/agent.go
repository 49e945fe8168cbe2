// Package agent runs the reason-act loop: call the model, execute the
// tool calls it makes, feed the results back, repeat until the model
// answers in plain text. It owns per-turn system prompt assembly,
// context compression, the optional prompt compiler, and the interrupt
// surface the gateway uses for mid-run control.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pocketmind/pocketmind/internal/identity"
	"github.com/pocketmind/pocketmind/internal/llm"
	"github.com/pocketmind/pocketmind/internal/skills"
	"github.com/pocketmind/pocketmind/internal/tools"
	"github.com/pocketmind/pocketmind/pkg/models"
)

// defaultMaxIterations is deliberately generous: the loop runs until the
// model stops asking for tools.
const defaultMaxIterations = 100

// Chatter is the LLM entry point the agent depends on.
type Chatter interface {
	Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)
}

// MemoryRecorder is the slice of the memory subsystem the agent feeds.
type MemoryRecorder interface {
	Retrieve(ctx context.Context, query string) string
	RecordTurn(ctx context.Context, turn *models.ConversationTurn)
}

// Agent is the tool-loop runtime.
type Agent struct {
	llm      Chatter
	compiler *promptCompiler
	comp     *compressor
	tools    *tools.Registry
	identity *identity.Store
	skills   *skills.Registry
	memory   MemoryRecorder
	logger   *slog.Logger
	now      func() time.Time

	maxIterations int
	tokenBudget   int
	recentTurns   int
	activeTask    string
	onboarding    string

	interrupts *Interrupts
}

// Option configures the agent.
type Option func(*Agent)

// WithLogger sets the agent logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) {
		if logger != nil {
			a.logger = logger.With("component", "agent")
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// WithMaxIterations caps the tool loop.
func WithMaxIterations(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

// WithIdentity wires the persona file store.
func WithIdentity(store *identity.Store) Option {
	return func(a *Agent) { a.identity = store }
}

// WithSkills wires the skill registry.
func WithSkills(registry *skills.Registry) Option {
	return func(a *Agent) { a.skills = registry }
}

// WithMemory wires the memory subsystem.
func WithMemory(mem MemoryRecorder) Option {
	return func(a *Agent) { a.memory = mem }
}

// WithCompiler enables the prompt compiler on the given lightweight
// model. Pass the pool client itself to reuse the main model.
func WithCompiler(chatter Chatter) Option {
	return func(a *Agent) { a.compiler = newPromptCompiler(chatter, a.logger) }
}

// WithTokenBudget overrides the context token budget (input side, after
// the output reserve is subtracted).
func WithTokenBudget(budget int) Option {
	return func(a *Agent) { a.tokenBudget = budget }
}

// WithRecentTurns sets how many message pairs survive compression
// verbatim.
func WithRecentTurns(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.recentTurns = n
		}
	}
}

// WithOnboarding adds a one-off onboarding snippet to the system prompt.
func WithOnboarding(snippet string) Option {
	return func(a *Agent) { a.onboarding = snippet }
}

// New builds an agent over an LLM client and a tool registry.
func New(chatter Chatter, registry *tools.Registry, opts ...Option) *Agent {
	a := &Agent{
		llm:           chatter,
		tools:         registry,
		logger:        slog.Default().With("component", "agent"),
		now:           time.Now,
		maxIterations: defaultMaxIterations,
		interrupts:    NewInterrupts(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.comp = newCompressor(a.llm, a.tokenBudget, a.logger)
	a.comp.recent = a.recentTurns
	return a
}

// Interrupts exposes the mid-run control surface to the gateway.
func (a *Agent) Interrupts() *Interrupts { return a.interrupts }

// Process runs one full agent turn for an IM session and returns the
// final answer text.
func (a *Agent) Process(ctx context.Context, session *models.Session, text string) (string, error) {
	return a.run(ctx, session, text, true)
}

// RunTask re-enters the agent for a scheduled task using a virtual
// session bound to the task owner, so channel tools target the right
// chat.
func (a *Agent) RunTask(ctx context.Context, task *models.ScheduledTask, prompt string) (string, error) {
	key := models.SessionKey{
		Channel: task.Owner.ChannelID,
		ChatID:  task.Owner.ChatID,
		UserID:  task.Owner.UserID,
	}
	session := models.NewSession("task-"+uuid.NewString(), key, 50)
	return a.run(ctx, session, prompt, false)
}

func (a *Agent) run(ctx context.Context, session *models.Session, text string, imSession bool) (string, error) {
	if a.llm == nil {
		return "", fmt.Errorf("no llm configured")
	}
	st := a.interrupts.begin(session.ID)
	defer a.interrupts.end(session.ID)

	ctx = tools.WithSession(ctx, session)

	userText := text
	if a.compiler != nil {
		userText = a.compiler.Compile(ctx, text)
	}

	messages := append(session.History(), models.UserText(userText))
	if a.comp.shouldCompact(messages) {
		messages = a.comp.Compress(ctx, messages)
	}

	a.recordTurn(ctx, session, models.RoleUser, text)

	var lastText string
	for iteration := 0; iteration < a.maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return lastText, err
		}
		if st.takeStop() {
			a.logger.Info("run cancelled", "session", session.ID, "iteration", iteration)
			return "Stopped.", nil
		}

		req := &llm.ChatRequest{
			ConversationID: session.ID,
			Messages:       messages,
			System:         a.buildSystemPrompt(ctx, text, imSession),
			Tools:          a.toolDefs(),
			EnableThinking: thinkingEnabled(session),
		}
		resp, err := a.llm.Chat(ctx, req)
		if err != nil {
			return lastText, fmt.Errorf("llm call: %w", err)
		}
		lastText = strings.TrimSpace(stripThinkingText(resp.Text()))

		toolUses := resp.ToolUses()
		if len(toolUses) == 0 || resp.StopReason == "end_turn" {
			a.finishRun(ctx, session, messages, lastText)
			return lastText, nil
		}

		// Preserve the assistant blocks verbatim, thinking included, so
		// providers that need signature echo keep working.
		messages = append(messages, models.ChatMessage{Role: models.RoleAssistant, Blocks: resp.Blocks})

		results := a.executeTools(ctx, st, toolUses)
		messages = append(messages, models.ChatMessage{Role: models.RoleUser, Blocks: results})

		for _, insert := range st.takeInserts() {
			messages = append(messages, models.UserText(insert))
		}

		if a.comp.shouldCompact(messages) {
			messages = a.comp.Compress(ctx, messages)
		}
	}

	a.finishRun(ctx, session, messages, lastText)
	if lastText == "" {
		lastText = fmt.Sprintf("Stopped after %d iterations without a final answer.", a.maxIterations)
	}
	return lastText, nil
}

// executeTools runs the iteration's tool calls concurrently and returns
// tool_result blocks in the original tool_use order.
func (a *Agent) executeTools(ctx context.Context, st *interruptState, toolUses []models.ContentBlock) []models.ContentBlock {
	results := make([]models.ContentBlock, len(toolUses))

	if st.takeSkip() {
		for i, tu := range toolUses {
			results[i] = models.ToolResultBlock(tu.ID, "skipped by user", false)
		}
		return results
	}

	var wg sync.WaitGroup
	for i, tu := range toolUses {
		wg.Add(1)
		go func(i int, tu models.ContentBlock) {
			defer wg.Done()
			started := a.now()
			out, err := a.tools.Execute(ctx, tu.Name, tu.Input)
			elapsed := a.now().Sub(started)
			if err != nil {
				a.logger.Warn("tool failed", "tool", tu.Name, "elapsed", elapsed, "error", err)
				results[i] = models.ToolResultBlock(tu.ID, err.Error(), true)
				return
			}
			a.logger.Debug("tool ok", "tool", tu.Name, "elapsed", elapsed)
			results[i] = models.ToolResultBlock(tu.ID, out, false)
		}(i, tu)
	}
	wg.Wait()
	return results
}

func (a *Agent) toolDefs() []llm.ToolDef {
	if a.tools == nil {
		return nil
	}
	return a.tools.Defs()
}

// finishRun appends the exchange to the session history, proactively
// compressing it, and archives the turn for memory extraction.
func (a *Agent) finishRun(ctx context.Context, session *models.Session, messages []models.ChatMessage, finalText string) {
	if finalText != "" {
		messages = append(messages, models.AssistantText(finalText))
	}
	if a.comp.shouldCompact(messages) {
		messages = a.comp.Compress(ctx, messages)
	}
	session.ReplaceHistory(messages)
	a.recordTurn(ctx, session, models.RoleAssistant, finalText)
}

func (a *Agent) recordTurn(ctx context.Context, session *models.Session, role models.Role, content string) {
	if a.memory == nil || content == "" {
		return
	}
	a.memory.RecordTurn(ctx, &models.ConversationTurn{
		SessionID: session.ID,
		Role:      role,
		Content:   content,
	})
}

func thinkingEnabled(session *models.Session) bool {
	v, ok := session.Meta(tools.ThinkingMetaKey)
	if !ok {
		return false
	}
	enabled, _ := v.(bool)
	return enabled
}

// stripThinkingText removes any leaked <thinking> wrappers from final
// answer text.
func stripThinkingText(text string) string {
	for _, tag := range []string{"thinking", "think"} {
		open := "<" + tag + ">"
		closeTag := "</" + tag + ">"
		for {
			start := strings.Index(text, open)
			if start < 0 {
				break
			}
			end := strings.Index(text[start:], closeTag)
			if end < 0 {
				text = text[:start]
				break
			}
			text = text[:start] + text[start+end+len(closeTag):]
		}
	}
	return strings.TrimSpace(text)
}
