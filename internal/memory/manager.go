package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pocketmind/pocketmind/internal/llm"
	"github.com/pocketmind/pocketmind/pkg/models"
)

// Chatter is the slice of the LLM pool the memory subsystem needs for
// extraction and query decomposition.
type Chatter interface {
	Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)
}

// Manager drives the memory lifecycle on top of the Store: turn recording,
// real-time extraction, retrieval, and nightly consolidation.
type Manager struct {
	store  *Store
	llm    Chatter
	logger *slog.Logger
	now    func() time.Time

	identityDir       string
	tokenBudget       int
	realtimeExtract   bool
	personaTechExpert bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLLM wires the lightweight model used for extraction and query
// decomposition. Without it the rule-based fallbacks run.
func WithLLM(c Chatter) ManagerOption {
	return func(m *Manager) { m.llm = c }
}

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithIdentityDir sets where MEMORY.md and USER.md are refreshed.
func WithIdentityDir(dir string) ManagerOption {
	return func(m *Manager) { m.identityDir = dir }
}

// WithTokenBudget caps the retrieval context size in tokens.
func WithTokenBudget(budget int) ManagerOption {
	return func(m *Manager) { m.tokenBudget = budget }
}

// WithRealtimeExtraction enables per-turn extraction as turns arrive.
func WithRealtimeExtraction(enabled bool) ManagerOption {
	return func(m *Manager) { m.realtimeExtract = enabled }
}

// WithTechExpertPersona boosts skill/error memories during rerank.
func WithTechExpertPersona(enabled bool) ManagerOption {
	return func(m *Manager) { m.personaTechExpert = enabled }
}

// NewManager builds a Manager over an open store.
func NewManager(store *Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:       store,
		logger:      slog.Default().With("component", "memory"),
		now:         time.Now,
		tokenBudget: 700,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store exposes the underlying store for tool handlers.
func (m *Manager) Store() *Store { return m.store }

// Save writes one memory through the dedup pipeline.
func (m *Manager) Save(ctx context.Context, mem *models.SemanticMemory) (*models.SemanticMemory, error) {
	return m.store.AddMemory(ctx, mem)
}

// Scratchpad loads the per-user working-state row.
func (m *Manager) Scratchpad(ctx context.Context, userID string) (*models.Scratchpad, error) {
	return m.store.GetScratchpad(ctx, userID)
}

// SaveScratchpad persists the per-user working-state row.
func (m *Manager) SaveScratchpad(ctx context.Context, pad *models.Scratchpad) error {
	return m.store.SaveScratchpad(ctx, pad)
}

// RecordTurn archives a turn and, when real-time extraction is enabled,
// immediately runs extraction for salient turns. Errors are logged, never
// propagated: a degraded memory must not block chat.
func (m *Manager) RecordTurn(ctx context.Context, turn *models.ConversationTurn) {
	if _, err := m.store.RecordTurn(ctx, turn); err != nil {
		m.logger.Warn("record turn failed", "session", turn.SessionID, "error", err)
		return
	}
	if m.realtimeExtract && m.llm != nil && turnIsSalient(turn) {
		if err := m.extractTurn(ctx, turn); err != nil {
			m.logger.Debug("realtime extraction failed", "error", err)
		}
	}
}

// memoryCandidate is the constrained shape the extraction prompt asks for.
type memoryCandidate struct {
	Type       string  `json:"type"`
	Content    string  `json:"content"`
	Importance float64 `json:"importance"`
}

// extractTurn runs the lightweight extraction call for one turn and writes
// surviving candidates.
func (m *Manager) extractTurn(ctx context.Context, turn *models.ConversationTurn) error {
	candidates, err := m.extractCandidates(ctx, turn)
	if err != nil {
		return err
	}
	for _, cand := range candidates {
		mem := &models.SemanticMemory{
			Content:         cand.Content,
			Type:            normalizeMemoryType(cand.Type),
			ImportanceScore: cand.Importance,
			Source:          "extraction:" + turn.SessionID,
		}
		if _, err := m.store.AddMemory(ctx, mem); err != nil {
			if errors.Is(err, ErrDuplicate) {
				continue
			}
			m.logger.Debug("extracted memory rejected", "error", err)
		}
	}
	return nil
}

const extractionPrompt = `Analyse this conversation turn and extract 0-3 durable memories worth keeping long-term (facts about the user, preferences, learned skills, mistakes to avoid, standing rules). Reply with a JSON array of {"type": "fact|preference|skill|error|rule|context", "content": "...", "importance": 0.5-1.0}, or the single word NONE if nothing is worth keeping.

Turn (%s): %s`

// extractCandidates asks the lightweight model for memory candidates in a
// constrained JSON shape.
func (m *Manager) extractCandidates(ctx context.Context, turn *models.ConversationTurn) ([]memoryCandidate, error) {
	if m.llm == nil {
		return nil, nil
	}
	prompt := fmt.Sprintf(extractionPrompt, turn.Role, truncate(turn.Content, 2000))
	resp, err := m.llm.Chat(ctx, &llm.ChatRequest{
		Messages:  []models.ChatMessage{models.UserText(prompt)},
		MaxTokens: 500,
	})
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" || strings.EqualFold(text, "NONE") {
		return nil, nil
	}
	raw := extractJSONArray(text)
	if raw == "" {
		return nil, nil
	}
	var candidates []memoryCandidate
	if err := json.Unmarshal([]byte(raw), &candidates); err != nil {
		return nil, fmt.Errorf("parse extraction output: %w", err)
	}
	var valid []memoryCandidate
	for _, c := range candidates {
		if strings.TrimSpace(c.Content) == "" {
			continue
		}
		if c.Importance < 0.5 {
			c.Importance = 0.5
		}
		if c.Importance > 1.0 {
			c.Importance = 1.0
		}
		valid = append(valid, c)
		if len(valid) == 3 {
			break
		}
	}
	return valid, nil
}

func normalizeMemoryType(raw string) models.MemoryType {
	t := models.MemoryType(strings.ToLower(strings.TrimSpace(raw)))
	switch t {
	case models.MemoryFact, models.MemoryPreference, models.MemorySkill,
		models.MemoryError, models.MemoryRule, models.MemoryContext,
		models.MemoryPersonaTrait:
		return t
	default:
		return models.MemoryFact
	}
}

func extractJSONArray(text string) string {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
