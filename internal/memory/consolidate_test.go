package memory

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pocketmind/pocketmind/internal/llm"
	"github.com/pocketmind/pocketmind/pkg/models"
)

// scriptedChatter returns canned responses for extraction/summarization
// calls.
type scriptedChatter struct {
	reply func(prompt string) string
}

func (c *scriptedChatter) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	prompt := ""
	if len(req.Messages) > 0 {
		prompt = req.Messages[len(req.Messages)-1].PlainText()
	}
	return &llm.ChatResponse{
		Blocks: []models.ContentBlock{models.TextBlock(c.reply(prompt))},
	}, nil
}

func testManager(t *testing.T, opts ...ManagerOption) (*Manager, *Store) {
	t.Helper()
	s := testStore(t)
	base := []ManagerOption{WithNow(func() time.Time {
		return time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	})}
	return NewManager(s, append(base, opts...)...), s
}

func seedTurns(t *testing.T, s *Store, sessions int, perSession int) {
	t.Helper()
	ctx := context.Background()
	for si := 0; si < sessions; si++ {
		sessionID := "sess-" + string(rune('a'+si))
		for ti := 0; ti < perSession; ti++ {
			role := models.RoleUser
			if ti%2 == 1 {
				role = models.RoleAssistant
			}
			turn := &models.ConversationTurn{
				SessionID: sessionID,
				Role:      role,
				Content:   "discussing the database migration plan step " + string(rune('0'+ti)),
			}
			if _, err := s.RecordTurn(ctx, turn); err != nil {
				t.Fatalf("seed turn: %v", err)
			}
		}
	}
}

func TestConsolidateMarksAllTurnsExtracted(t *testing.T) {
	chatter := &scriptedChatter{reply: func(prompt string) string {
		if strings.Contains(prompt, "Summarize this conversation") {
			return "Planned a database migration.\nShip the migration\nsuccess"
		}
		return "NONE"
	}}
	m, s := testManager(t, WithLLM(chatter))
	seedTurns(t, s, 3, 4)

	report, err := m.Consolidate(context.Background())
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if report.EpisodesCreated != 3 {
		t.Errorf("episodes = %d, want 3", report.EpisodesCreated)
	}
	if report.TurnsProcessed != 12 {
		t.Errorf("turns processed = %d, want 12", report.TurnsProcessed)
	}

	remaining, err := s.UnextractedTurns(context.Background())
	if err != nil {
		t.Fatalf("UnextractedTurns: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("%d turns still unextracted", len(remaining))
	}

	// A second run finds nothing to do.
	report2, err := m.Consolidate(context.Background())
	if err != nil {
		t.Fatalf("second Consolidate: %v", err)
	}
	if report2.EpisodesCreated != 0 || report2.TurnsProcessed != 0 {
		t.Errorf("second run reprocessed turns: %+v", report2)
	}
}

func TestConsolidateExtractsMemoriesAndLinksEpisode(t *testing.T) {
	chatter := &scriptedChatter{reply: func(prompt string) string {
		if strings.Contains(prompt, "Summarize this conversation") {
			return "Talked about coffee.\nRemember preferences\nsuccess"
		}
		if strings.Contains(prompt, "dark roast") {
			return `[{"type":"preference","content":"User prefers dark roast coffee","importance":0.8}]`
		}
		return "NONE"
	}}
	m, s := testManager(t, WithLLM(chatter))

	ctx := context.Background()
	turn := &models.ConversationTurn{
		SessionID: "sess-coffee",
		Role:      models.RoleUser,
		Content:   "remember that I always drink dark roast coffee",
	}
	if _, err := s.RecordTurn(ctx, turn); err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}

	report, err := m.Consolidate(ctx)
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if report.MemoriesCreated != 1 {
		t.Fatalf("memories created = %d, want 1", report.MemoriesCreated)
	}

	episodes, err := s.SearchEpisodes(ctx, "coffee", 5)
	if err != nil {
		t.Fatalf("SearchEpisodes: %v", err)
	}
	if len(episodes) != 1 {
		t.Fatalf("episodes = %d, want 1", len(episodes))
	}
	if len(episodes[0].LinkedMemoryIDs) != 1 {
		t.Errorf("linked memory ids = %v", episodes[0].LinkedMemoryIDs)
	}
	if _, err := s.GetMemory(ctx, episodes[0].LinkedMemoryIDs[0]); err != nil {
		t.Errorf("linked memory does not exist: %v", err)
	}
}

func TestDedupSweepClustersByOverlap(t *testing.T) {
	m, s := testManager(t)
	ctx := context.Background()

	// Insert near-duplicates directly, bypassing AddMemory dedup.
	variants := []struct {
		content    string
		importance float64
	}{
		{"user prefers dark roast coffee every morning", 0.9},
		{"user prefers dark roast coffee in the morning", 0.6},
		{"user deploys with kubernetes", 0.7},
	}
	for _, v := range variants {
		if _, err := s.insertMemory(ctx, &models.SemanticMemory{
			Content:         v.content,
			Type:            models.MemoryPreference,
			ImportanceScore: v.importance,
		}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	report := &ConsolidationReport{}
	if err := m.dedupSweep(ctx, report); err != nil {
		t.Fatalf("dedupSweep: %v", err)
	}
	if report.DuplicatesRemoved != 1 {
		t.Fatalf("duplicates removed = %d, want 1", report.DuplicatesRemoved)
	}

	survivors, err := s.ListMemories(ctx, models.MemoryPreference, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(survivors) != 2 {
		t.Fatalf("survivors = %d, want 2", len(survivors))
	}
	for _, mem := range survivors {
		if strings.Contains(mem.Content, "coffee") && mem.ImportanceScore != 0.9 {
			t.Errorf("cluster kept the lower-importance member: %+v", mem)
		}
	}
}

func TestDecayDemotesFadedShortTermMemories(t *testing.T) {
	m, s := testManager(t)
	ctx := context.Background()

	faded, err := s.insertMemory(ctx, &models.SemanticMemory{
		Content:         "user once mentioned a one-off meeting",
		Priority:        models.PriorityShortTerm,
		ImportanceScore: 0.3,
		DecayRate:       0.1,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	// Backdate last access far enough for the decay to cross the floor.
	if _, err := s.db.ExecContext(ctx,
		`UPDATE memories SET last_accessed_at = ? WHERE id = ?`,
		m.now().Add(-60*24*time.Hour), faded.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	fresh, err := s.insertMemory(ctx, &models.SemanticMemory{
		Content:         "user ships a release every friday",
		Priority:        models.PriorityShortTerm,
		ImportanceScore: 0.9,
	})
	if err != nil {
		t.Fatalf("insert fresh: %v", err)
	}

	report := &ConsolidationReport{}
	if err := m.decaySweep(ctx, report); err != nil {
		t.Fatalf("decaySweep: %v", err)
	}
	if report.MemoriesDemoted != 1 {
		t.Errorf("demoted = %d, want 1", report.MemoriesDemoted)
	}

	got, err := s.GetMemory(ctx, faded.ID)
	if err != nil {
		t.Fatalf("get faded: %v", err)
	}
	if got.Priority != models.PriorityTransient {
		t.Errorf("faded priority = %s, want transient", got.Priority)
	}
	got, err = s.GetMemory(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("get fresh: %v", err)
	}
	if got.Priority != models.PriorityShortTerm {
		t.Errorf("fresh memory demoted")
	}
}

func TestRefreshMemoryMDRespectsCap(t *testing.T) {
	dir := t.TempDir()
	s := testStore(t)
	m := NewManager(s, WithIdentityDir(dir), WithNow(func() time.Time {
		return time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	}))
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		if _, err := s.insertMemory(ctx, &models.SemanticMemory{
			Content:         strings.Repeat("important fact ", 5) + string(rune('a'+i%26)) + string(rune('a'+i/26)),
			Type:            models.MemoryFact,
			ImportanceScore: 0.5 + float64(i%5)/10,
		}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	if err := m.RefreshMemoryMD(ctx); err != nil {
		t.Fatalf("RefreshMemoryMD: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "MEMORY.md"))
	if err != nil {
		t.Fatalf("read MEMORY.md: %v", err)
	}
	if len(data) > memoryMDCharCap+100 {
		t.Errorf("MEMORY.md length = %d, want ≤ ~%d", len(data), memoryMDCharCap)
	}
	if !strings.Contains(string(data), "_updated 2026-03-02") {
		t.Errorf("MEMORY.md missing refresh timestamp")
	}
}

func TestRetrieveFormatsWithinBudget(t *testing.T) {
	m, s := testManager(t, WithTokenBudget(100))
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if _, err := s.insertMemory(ctx, &models.SemanticMemory{
			Content:         "kubernetes deployment detail number " + string(rune('a'+i)) + " with a reasonably long explanation attached",
			ImportanceScore: 0.8,
		}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	out := m.Retrieve(ctx, "how do I deploy to kubernetes")
	if out == "" {
		t.Fatal("empty retrieval")
	}
	if len(out) > 100*4+100 {
		t.Errorf("retrieval context %d chars exceeds budget", len(out))
	}
	if !strings.HasPrefix(out, "## Relevant memory") {
		t.Errorf("unexpected format: %q", out[:40])
	}
}

func TestRetrieveBoostsTechExpertPersona(t *testing.T) {
	m, s := testManager(t, WithTechExpertPersona(true))
	ctx := context.Background()

	if _, err := s.insertMemory(ctx, &models.SemanticMemory{
		Content:         "debugging the flaky integration test requires resetting the database",
		Type:            models.MemorySkill,
		ImportanceScore: 0.5,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	memories, _, err := m.recall(ctx, "flaky integration test database")
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(memories) == 0 {
		t.Fatal("no recall results")
	}

	cand := &scoredMemory{memory: memories[0].memory, relevance: 1}
	boosted := m.rerankScore(cand, m.now())
	m.personaTechExpert = false
	plain := m.rerankScore(cand, m.now())
	if boosted <= plain {
		t.Errorf("persona multiplier not applied: boosted=%f plain=%f", boosted, plain)
	}
}
