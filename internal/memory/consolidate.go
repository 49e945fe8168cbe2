package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pocketmind/pocketmind/internal/llm"
	"github.com/pocketmind/pocketmind/pkg/models"
)

const (
	// dedupOverlapThreshold clusters memories whose word overlap reaches
	// this ratio.
	dedupOverlapThreshold = 0.7

	// decayFloor demotes short-term memories whose effective importance
	// falls below it.
	decayFloor = 0.1

	// attachmentMaxAge is the retention window for attachments that carry
	// no useful metadata.
	attachmentMaxAge = 90 * 24 * time.Hour

	memoryMDCharCap = 1500
)

// ConsolidationReport summarizes one nightly run.
type ConsolidationReport struct {
	TurnsProcessed    int
	EpisodesCreated   int
	MemoriesCreated   int
	QueueDrained      int
	DuplicatesRemoved int
	MemoriesDemoted   int
	MemoriesExpired   int
	AttachmentsPurged int
	Duration          time.Duration
}

// Consolidate runs the nightly memory lifecycle: turns → episodes +
// memories, queue drain, dedup sweep, decay, attachment cleanup, and the
// MEMORY.md / USER.md refresh.
func (m *Manager) Consolidate(ctx context.Context) (*ConsolidationReport, error) {
	start := m.now()
	report := &ConsolidationReport{}

	if err := m.consolidateTurns(ctx, report); err != nil {
		return report, fmt.Errorf("consolidate turns: %w", err)
	}
	if err := m.drainQueue(ctx, report); err != nil {
		m.logger.Warn("extraction queue drain failed", "error", err)
	}
	if err := m.dedupSweep(ctx, report); err != nil {
		m.logger.Warn("dedup sweep failed", "error", err)
	}
	if err := m.decaySweep(ctx, report); err != nil {
		m.logger.Warn("decay sweep failed", "error", err)
	}
	if err := m.cleanAttachments(ctx, report); err != nil {
		m.logger.Warn("attachment cleanup failed", "error", err)
	}
	if err := m.RefreshMemoryMD(ctx); err != nil {
		m.logger.Warn("MEMORY.md refresh failed", "error", err)
	}
	if err := m.RefreshUserMD(ctx); err != nil {
		m.logger.Warn("USER.md refresh failed", "error", err)
	}

	report.Duration = m.now().Sub(start)
	m.logger.Info("consolidation complete",
		"turns", report.TurnsProcessed, "episodes", report.EpisodesCreated,
		"memories", report.MemoriesCreated, "dups_removed", report.DuplicatesRemoved,
		"demoted", report.MemoriesDemoted, "duration", report.Duration)
	return report, nil
}

// consolidateTurns groups unextracted turns by session, writes one episode
// per session, extracts memories, and flips every turn to extracted.
func (m *Manager) consolidateTurns(ctx context.Context, report *ConsolidationReport) error {
	turns, err := m.store.UnextractedTurns(ctx)
	if err != nil {
		return err
	}
	if len(turns) == 0 {
		return nil
	}

	bySession := make(map[string][]*models.ConversationTurn)
	var order []string
	for _, t := range turns {
		if _, seen := bySession[t.SessionID]; !seen {
			order = append(order, t.SessionID)
		}
		bySession[t.SessionID] = append(bySession[t.SessionID], t)
	}

	var processed []int64
	for _, sessionID := range order {
		sessionTurns := bySession[sessionID]
		episode := m.buildEpisode(ctx, sessionID, sessionTurns)

		var linked []string
		for _, t := range sessionTurns {
			candidates, err := m.extractCandidates(ctx, t)
			if err != nil {
				m.logger.Debug("turn extraction failed during consolidation",
					"session", sessionID, "turn", t.TurnIndex, "error", err)
				continue
			}
			for _, cand := range candidates {
				mem, err := m.store.AddMemory(ctx, &models.SemanticMemory{
					Content:         cand.Content,
					Type:            normalizeMemoryType(cand.Type),
					ImportanceScore: cand.Importance,
					Source:          "consolidation:" + sessionID,
					SourceEpisodeID: episode.ID,
				})
				if err != nil {
					continue
				}
				report.MemoriesCreated++
				linked = append(linked, mem.ID)
			}
		}
		episode.LinkedMemoryIDs = linked
		if err := m.store.SaveEpisode(ctx, episode); err != nil {
			m.logger.Warn("save episode failed", "session", sessionID, "error", err)
			continue
		}
		report.EpisodesCreated++
		for _, t := range sessionTurns {
			processed = append(processed, t.ID)
		}
	}
	report.TurnsProcessed = len(processed)
	return m.store.MarkExtracted(ctx, processed)
}

// buildEpisode summarizes one session's turns. With an LLM available the
// summary comes from a lightweight call; otherwise a rule-based digest.
func (m *Manager) buildEpisode(ctx context.Context, sessionID string, turns []*models.ConversationTurn) *models.Episode {
	episode := &models.Episode{
		SessionID:       sessionID,
		Outcome:         models.OutcomeCompleted,
		StartedAt:       turns[0].Timestamp,
		EndedAt:         turns[len(turns)-1].Timestamp,
		ImportanceScore: 0.5,
	}

	toolSet := make(map[string]bool)
	var textParts []string
	for _, t := range turns {
		if t.Content != "" {
			textParts = append(textParts, string(t.Role)+": "+t.Content)
		}
		for _, name := range parseToolNames(t.ToolCalls) {
			toolSet[name] = true
		}
	}
	for name := range toolSet {
		episode.ToolsUsed = append(episode.ToolsUsed, name)
	}
	sort.Strings(episode.ToolsUsed)
	episode.Entities = extractEntities(strings.Join(textParts, "\n"))

	transcript := truncate(strings.Join(textParts, "\n"), 4000)
	if m.llm != nil {
		prompt := "Summarize this conversation in 1-2 sentences, then on a second line state the user's goal, then on a third line one of: success, partial, failed.\n\n" + transcript
		if resp, err := m.llm.Chat(ctx, &llm.ChatRequest{
			Messages:  []models.ChatMessage{models.UserText(prompt)},
			MaxTokens: 300,
		}); err == nil {
			lines := strings.Split(strings.TrimSpace(resp.Text()), "\n")
			if len(lines) > 0 {
				episode.Summary = strings.TrimSpace(lines[0])
			}
			if len(lines) > 1 {
				episode.Goal = strings.TrimSpace(lines[1])
			}
			if len(lines) > 2 {
				switch strings.ToLower(strings.TrimSpace(lines[2])) {
				case "success":
					episode.Outcome = models.OutcomeSuccess
				case "partial":
					episode.Outcome = models.OutcomePartial
				case "failed":
					episode.Outcome = models.OutcomeFailed
				}
			}
		}
	}
	if episode.Summary == "" {
		episode.Summary = truncate(strings.Join(textParts, " / "), 200)
	}
	return episode
}

// parseToolNames pulls tool names out of the archived tool_calls JSON.
func parseToolNames(raw string) []string {
	if raw == "" {
		return nil
	}
	var names []string
	// The archive stores either a JSON array of {name,...} or a plain
	// comma list; handle both.
	if strings.HasPrefix(strings.TrimSpace(raw), "[") {
		var calls []struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal([]byte(raw), &calls); err == nil {
			for _, c := range calls {
				if c.Name != "" {
					names = append(names, c.Name)
				}
			}
			return names
		}
	}
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			names = append(names, p)
		}
	}
	return names
}

// extractEntities pulls capitalized and quoted terms as a cheap entity
// index for episodic recall.
func extractEntities(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, word := range strings.Fields(text) {
		word = strings.Trim(word, ".,!?;:\"'()[]")
		if len(word) < 3 || len(word) > 40 {
			continue
		}
		first := rune(word[0])
		if first >= 'A' && first <= 'Z' && !seen[word] {
			seen[word] = true
			out = append(out, word)
			if len(out) == 20 {
				break
			}
		}
	}
	return out
}

// drainQueue processes pending extraction-queue items with per-item retry
// accounting.
func (m *Manager) drainQueue(ctx context.Context, report *ConsolidationReport) error {
	for {
		items, err := m.store.dequeueExtraction(ctx, 20)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		for _, item := range items {
			err := m.processQueueItem(ctx, item)
			if finishErr := m.store.finishExtraction(ctx, item, err); finishErr != nil {
				m.logger.Warn("finish queue item failed", "id", item.ID, "error", finishErr)
			}
			report.QueueDrained++
		}
	}
}

func (m *Manager) processQueueItem(ctx context.Context, item queueItem) error {
	row := m.store.db.QueryRowContext(ctx, `SELECT id, session_id, turn_index, role,
		content, tool_calls, tool_results, timestamp, extracted
		FROM conversation_turns WHERE id = ?`, item.TurnID)
	var t models.ConversationTurn
	var role string
	var extracted int
	if err := row.Scan(&t.ID, &t.SessionID, &t.TurnIndex, &role, &t.Content,
		&t.ToolCalls, &t.ToolResults, &t.Timestamp, &extracted); err != nil {
		return fmt.Errorf("load queued turn %d: %w", item.TurnID, err)
	}
	t.Role = models.Role(role)
	if extracted != 0 {
		return nil // consolidated already
	}
	return m.extractTurn(ctx, &t)
}

// dedupSweep clusters memories per type by word overlap and keeps the best
// representative of each cluster.
func (m *Manager) dedupSweep(ctx context.Context, report *ConsolidationReport) error {
	types := []models.MemoryType{
		models.MemoryFact, models.MemoryPreference, models.MemorySkill,
		models.MemoryError, models.MemoryRule, models.MemoryContext,
		models.MemoryPersonaTrait,
	}
	for _, memType := range types {
		memories, err := m.store.ListMemories(ctx, memType, 2000)
		if err != nil {
			return err
		}
		if len(memories) < 2 {
			continue
		}
		sort.Slice(memories, func(i, j int) bool {
			return memories[i].Content < memories[j].Content
		})

		assigned := make([]bool, len(memories))
		for i := range memories {
			if assigned[i] {
				continue
			}
			cluster := []*models.SemanticMemory{memories[i]}
			for j := i + 1; j < len(memories); j++ {
				if assigned[j] {
					continue
				}
				if wordOverlap(normalizeContent(memories[i].Content), normalizeContent(memories[j].Content)) >= dedupOverlapThreshold {
					assigned[j] = true
					cluster = append(cluster, memories[j])
				}
			}
			if len(cluster) < 2 {
				continue
			}
			keep := bestOfCluster(cluster)
			for _, mem := range cluster {
				if mem.ID == keep.ID {
					continue
				}
				if err := m.store.DeleteMemory(ctx, mem.ID); err == nil {
					report.DuplicatesRemoved++
				}
			}
		}
	}
	return nil
}

// bestOfCluster picks the cluster representative by (importance, access
// count, content length, recency).
func bestOfCluster(cluster []*models.SemanticMemory) *models.SemanticMemory {
	best := cluster[0]
	for _, m := range cluster[1:] {
		switch {
		case m.ImportanceScore != best.ImportanceScore:
			if m.ImportanceScore > best.ImportanceScore {
				best = m
			}
		case m.AccessCount != best.AccessCount:
			if m.AccessCount > best.AccessCount {
				best = m
			}
		case len(m.Content) != len(best.Content):
			if len(m.Content) > len(best.Content) {
				best = m
			}
		default:
			if m.UpdatedAt.After(best.UpdatedAt) {
				best = m
			}
		}
	}
	return best
}

// decaySweep demotes faded short-term memories and removes expired rows.
func (m *Manager) decaySweep(ctx context.Context, report *ConsolidationReport) error {
	now := m.now()

	res, err := m.store.db.ExecContext(ctx,
		`DELETE FROM memories WHERE expires_at IS NOT NULL AND expires_at < ?`, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		report.MemoriesExpired = int(n)
	}

	rows, err := m.store.db.QueryContext(ctx, `SELECT `+memoryColumns+`
		FROM memories WHERE priority = ? AND superseded_by = ''`,
		string(models.PriorityShortTerm))
	if err != nil {
		return err
	}
	memories, err := scanMemories(rows)
	rows.Close()
	if err != nil {
		return err
	}

	for _, mem := range memories {
		days := now.Sub(mem.LastAccessedAt).Hours() / 24
		if days < 0 {
			days = 0
		}
		effective := mem.ImportanceScore * math.Pow(1-mem.DecayRate, days)
		if effective < decayFloor && mem.AccessCount < 2 {
			mem.Priority = models.PriorityTransient
			if err := m.store.UpdateMemory(ctx, mem); err == nil {
				report.MemoriesDemoted++
			}
		}
	}
	return nil
}

// cleanAttachments drops stale attachments that carry no useful metadata.
func (m *Manager) cleanAttachments(ctx context.Context, report *ConsolidationReport) error {
	cutoff := m.now().Add(-attachmentMaxAge)
	res, err := m.store.db.ExecContext(ctx, `DELETE FROM attachments
		WHERE created_at < ?
		AND description = '' AND transcription = '' AND extracted_text = ''
		AND linked_memory_ids = '[]'`, cutoff)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		report.AttachmentsPurged = int(n)
	}
	return nil
}

// RefreshMemoryMD rewrites MEMORY.md with the top memories grouped by
// type, capped at ~1500 characters.
func (m *Manager) RefreshMemoryMD(ctx context.Context) error {
	if m.identityDir == "" {
		return nil
	}
	types := []models.MemoryType{
		models.MemoryFact, models.MemoryPreference, models.MemoryRule,
		models.MemorySkill, models.MemoryError, models.MemoryContext,
	}
	var b strings.Builder
	b.WriteString("# MEMORY\n\n")
	for _, memType := range types {
		memories, err := m.store.ListMemories(ctx, memType, 50)
		if err != nil || len(memories) == 0 {
			continue
		}
		sort.Slice(memories, func(i, j int) bool {
			return memories[i].ImportanceScore > memories[j].ImportanceScore
		})
		section := fmt.Sprintf("## %s\n", memType)
		if b.Len()+len(section) > memoryMDCharCap {
			break
		}
		b.WriteString(section)
		for _, mem := range memories {
			line := "- " + strings.TrimSpace(mem.Content) + "\n"
			if b.Len()+len(line) > memoryMDCharCap-40 {
				break
			}
			b.WriteString(line)
		}
		b.WriteString("\n")
	}
	b.WriteString("_updated " + m.now().Format(time.RFC3339) + "_\n")
	return writeFileAtomic(filepath.Join(m.identityDir, "MEMORY.md"), b.String())
}

// RefreshUserMD rewrites USER.md from user-subject facts, when enough
// exist to be useful.
func (m *Manager) RefreshUserMD(ctx context.Context) error {
	if m.identityDir == "" {
		return nil
	}
	rows, err := m.store.db.QueryContext(ctx, `SELECT `+memoryColumns+`
		FROM memories
		WHERE superseded_by = '' AND (subject = 'user' OR type = ? OR type = ?)
		ORDER BY importance_score DESC LIMIT 100`,
		string(models.MemoryPreference), string(models.MemoryPersonaTrait))
	if err != nil {
		return err
	}
	memories, err := scanMemories(rows)
	rows.Close()
	if err != nil {
		return err
	}
	if len(memories) < 3 {
		return nil // too little signal to overwrite the profile
	}

	buckets := map[string][]string{}
	for _, mem := range memories {
		bucket := "basic"
		content := strings.ToLower(mem.Content)
		switch {
		case mem.Type == models.MemoryPreference:
			bucket = "preferences"
		case strings.Contains(content, "project") || strings.Contains(content, "working on"):
			bucket = "projects"
		case strings.Contains(content, "code") || strings.Contains(content, "program") ||
			strings.Contains(content, "language") || strings.Contains(content, "framework"):
			bucket = "tech"
		}
		buckets[bucket] = append(buckets[bucket], mem.Content)
	}

	var b strings.Builder
	b.WriteString("# USER\n\n")
	for _, section := range []struct{ key, title string }{
		{"basic", "Basics"}, {"tech", "Technical background"},
		{"preferences", "Preferences"}, {"projects", "Projects"},
	} {
		entries := buckets[section.key]
		if len(entries) == 0 {
			continue
		}
		b.WriteString("## " + section.title + "\n")
		for _, e := range entries {
			b.WriteString("- " + strings.TrimSpace(e) + "\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("_updated " + m.now().Format(time.RFC3339) + "_\n")
	return writeFileAtomic(filepath.Join(m.identityDir, "USER.md"), b.String())
}

func writeFileAtomic(path, content string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
