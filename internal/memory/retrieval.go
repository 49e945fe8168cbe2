package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/pocketmind/pocketmind/internal/llm"
	"github.com/pocketmind/pocketmind/pkg/models"
)

// Rerank weights for merged retrieval candidates.
const (
	weightRelevance  = 0.4
	weightRecency    = 0.25
	weightImportance = 0.2
	weightAccess     = 0.15
)

// mediaTerms trigger the attachment recall path.
var mediaTerms = []string{
	"photo", "picture", "image", "video", "voice", "audio", "file",
	"document", "attachment", "screenshot", "recording",
}

// queryPlan is the decomposed form of a retrieval query.
type queryPlan struct {
	Keywords []string `json:"keywords"`
	Intent   string   `json:"intent"` // general | search_memory | search_file
}

// scoredMemory pairs a memory with its merged retrieval score.
type scoredMemory struct {
	memory    *models.SemanticMemory
	relevance float64
	score     float64
}

// decomposeQuery asks the lightweight model to turn the raw query into
// keywords and an intent. Falls back to rule-based tokenization.
func (m *Manager) decomposeQuery(ctx context.Context, query string) queryPlan {
	fallback := queryPlan{Keywords: tokenize(query), Intent: "general"}
	if m.llm == nil {
		return fallback
	}
	prompt := "Decompose this memory-retrieval query into JSON {\"keywords\": [...], " +
		"\"intent\": \"general|search_memory|search_file\"}. Reply with JSON only.\n\nQuery: " + query
	resp, err := m.llm.Chat(ctx, &llm.ChatRequest{
		Messages:  []models.ChatMessage{models.UserText(prompt)},
		MaxTokens: 200,
	})
	if err != nil {
		m.logger.Debug("query decomposition failed, using tokenizer", "error", err)
		return fallback
	}
	var plan queryPlan
	if err := json.Unmarshal([]byte(extractJSONObject(resp.Text())), &plan); err != nil || len(plan.Keywords) == 0 {
		return fallback
	}
	if plan.Intent == "" {
		plan.Intent = "general"
	}
	return plan
}

// Retrieve runs the multi-way recall for a query and formats the winners
// as a markdown block within the configured token budget. A failed
// retrieval returns an empty string; memory never blocks chat.
func (m *Manager) Retrieve(ctx context.Context, query string) string {
	memories, attachments, err := m.recall(ctx, query)
	if err != nil {
		m.logger.Warn("memory retrieval failed", "error", err)
		return ""
	}
	if len(memories) == 0 && len(attachments) == 0 {
		return ""
	}
	return m.formatContext(memories, attachments)
}

func (m *Manager) recall(ctx context.Context, query string) ([]scoredMemory, []*models.StoredAttachment, error) {
	plan := m.decomposeQuery(ctx, query)
	keywords := strings.Join(plan.Keywords, " ")
	if keywords == "" {
		keywords = query
	}

	seen := make(map[string]*scoredMemory)
	merge := func(mem *models.SemanticMemory, relevance float64) {
		if mem.SupersededBy != "" {
			return
		}
		if have, ok := seen[mem.ID]; ok {
			if relevance > have.relevance {
				have.relevance = relevance
			}
			return
		}
		seen[mem.ID] = &scoredMemory{memory: mem, relevance: relevance}
	}

	// 1. Semantic: FTS with BM25 ranking.
	semantic, err := m.store.searchMemoriesFTS(ctx, keywords, 15)
	if err != nil {
		return nil, nil, err
	}
	for i, mem := range semantic {
		merge(mem, 1-float64(i)*0.05)
	}

	// 2. Episodic: entity/tool index, pulling linked memories.
	episodes, err := m.store.SearchEpisodes(ctx, keywords, 5)
	if err == nil {
		for _, ep := range episodes {
			for _, id := range ep.LinkedMemoryIDs {
				if mem, err := m.store.GetMemory(ctx, id); err == nil {
					merge(mem, 0.6)
				}
			}
		}
	}

	// 3. Recency: recently touched important memories.
	recent, err := m.store.recentImportantMemories(ctx, 0.6, 10)
	if err == nil {
		for _, mem := range recent {
			merge(mem, 0.4)
		}
	}

	// 4. Attachments, when the query smells like a media search.
	var attachments []*models.StoredAttachment
	if plan.Intent == "search_file" || mentionsMedia(query) {
		attachments, _ = m.store.SearchAttachments(ctx, keywords, 5)
	}

	scored := make([]scoredMemory, 0, len(seen))
	now := m.now()
	for _, cand := range seen {
		cand.score = m.rerankScore(cand, now)
		scored = append(scored, *cand)
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	for i := range scored {
		if i >= 10 {
			break
		}
		if err := m.store.TouchMemory(ctx, scored[i].memory.ID); err != nil {
			m.logger.Debug("touch memory failed", "id", scored[i].memory.ID, "error", err)
		}
	}
	return scored, attachments, nil
}

func (m *Manager) rerankScore(cand *scoredMemory, now time.Time) float64 {
	mem := cand.memory
	days := now.Sub(mem.LastAccessedAt).Hours() / 24
	if days < 0 {
		days = 0
	}
	recency := math.Exp(-days / 30)
	score := weightRelevance*cand.relevance +
		weightRecency*recency +
		weightImportance*mem.ImportanceScore +
		weightAccess*math.Log1p(float64(mem.AccessCount))/5
	// Persona affinity: a tech-expert persona leans on skill and error
	// memories.
	if m.personaTechExpert && (mem.Type == models.MemorySkill || mem.Type == models.MemoryError) {
		score *= 1.2
	}
	return score
}

func mentionsMedia(query string) bool {
	lower := strings.ToLower(query)
	for _, term := range mediaTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// formatContext renders retrieval winners as markdown, truncated to the
// token budget.
func (m *Manager) formatContext(memories []scoredMemory, attachments []*models.StoredAttachment) string {
	budget := m.tokenBudget
	if budget <= 0 {
		budget = 700
	}
	charBudget := budget * 4

	var b strings.Builder
	b.WriteString("## Relevant memory\n")
	for _, cand := range memories {
		line := fmt.Sprintf("- [%s] %s\n", cand.memory.Type, strings.TrimSpace(cand.memory.Content))
		if b.Len()+len(line) > charBudget {
			break
		}
		b.WriteString(line)
	}
	if len(attachments) > 0 && b.Len() < charBudget {
		b.WriteString("\n## Related files\n")
		for _, a := range attachments {
			desc := a.Description
			if desc == "" {
				desc = a.Transcription
			}
			line := fmt.Sprintf("- %s (%s): %s\n", a.Filename, a.MimeType, truncate(desc, 120))
			if b.Len()+len(line) > charBudget {
				break
			}
			b.WriteString(line)
		}
	}
	return strings.TrimSpace(b.String())
}

// searchMemoriesFTS recalls memories by FTS BM25 rank.
func (s *Store) searchMemoriesFTS(ctx context.Context, query string, limit int) ([]*models.SemanticMemory, error) {
	fts := ftsQuery(query)
	if fts == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+prefixedMemoryColumns("m")+`
		FROM memories_fts f
		JOIN memories m ON m.rowid = f.rowid
		WHERE memories_fts MATCH ? AND m.superseded_by = ''
		ORDER BY bm25(memories_fts) LIMIT ?`, fts, limit)
	if err != nil {
		return nil, nil
	}
	defer rows.Close()
	return scanMemories(rows)
}

// recentImportantMemories returns the most recently touched memories above
// an importance floor.
func (s *Store) recentImportantMemories(ctx context.Context, minImportance float64, limit int) ([]*models.SemanticMemory, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+memoryColumns+`
		FROM memories
		WHERE superseded_by = '' AND importance_score >= ?
		ORDER BY last_accessed_at DESC LIMIT ?`, minImportance, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemories(rows)
}

func prefixedMemoryColumns(alias string) string {
	parts := strings.Split(memoryColumns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// extractJSONObject pulls the first {...} span out of a model reply that
// may wrap it in prose or code fences.
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
