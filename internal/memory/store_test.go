package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pocketmind/pocketmind/pkg/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, err := OpenStore(":memory:", WithStoreNow(func() time.Time { return clock }))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.db")
	s, err := OpenStore(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s.Close()

	// Reopening runs migrate again over an up-to-date schema.
	s, err = OpenStore(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s.Close()

	var version string
	if err := s.db.QueryRow(`SELECT value FROM _schema_meta WHERE key = 'version'`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != "2" {
		t.Errorf("schema version = %s, want 2", version)
	}
}

func TestRecordTurnMonotonicIndices(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		turn := &models.ConversationTurn{
			SessionID: "sess-1",
			Role:      models.RoleUser,
			Content:   "message with enough length to count as salient",
		}
		if _, err := s.RecordTurn(ctx, turn); err != nil {
			t.Fatalf("RecordTurn %d: %v", i, err)
		}
		if turn.TurnIndex != i+1 {
			t.Errorf("turn %d index = %d, want %d", i, turn.TurnIndex, i+1)
		}
	}

	// Another session starts its own index sequence.
	other := &models.ConversationTurn{SessionID: "sess-2", Role: models.RoleUser, Content: "x"}
	if _, err := s.RecordTurn(ctx, other); err != nil {
		t.Fatalf("RecordTurn other session: %v", err)
	}
	if other.TurnIndex != 1 {
		t.Errorf("other session index = %d, want 1", other.TurnIndex)
	}
}

func TestAddMemoryStringDedup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first, err := s.AddMemory(ctx, &models.SemanticMemory{Content: "User prefers dark roast coffee"})
	if err != nil {
		t.Fatalf("first add: %v", err)
	}
	if first.ID == "" {
		t.Fatal("no id assigned")
	}

	_, err = s.AddMemory(ctx, &models.SemanticMemory{Content: "User prefers dark roast coffee"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second add err = %v, want ErrDuplicate", err)
	}
}

func TestAddMemorySemanticDedup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.AddMemory(ctx, &models.SemanticMemory{Content: "The user prefers dark roast coffee beans"}); err != nil {
		t.Fatalf("first add: %v", err)
	}
	// Near-identical phrasing after prefix stripping must dedup.
	_, err := s.AddMemory(ctx, &models.SemanticMemory{Content: "user prefers dark roast coffee beans"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("near-duplicate err = %v, want ErrDuplicate", err)
	}
	// Genuinely different content passes.
	if _, err := s.AddMemory(ctx, &models.SemanticMemory{Content: "User works from Berlin on weekdays"}); err != nil {
		t.Fatalf("distinct add: %v", err)
	}
}

func TestFTSSearchFindsMemories(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	contents := []string{
		"User prefers dark roast coffee in the morning",
		"User deploys services with Kubernetes on weekends",
		"The cat is named Miso",
	}
	for _, c := range contents {
		if _, err := s.AddMemory(ctx, &models.SemanticMemory{Content: c}); err != nil {
			t.Fatalf("add %q: %v", c, err)
		}
	}

	hits, err := s.searchMemoriesFTS(ctx, "kubernetes deploy", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("no FTS hits for kubernetes")
	}
	if hits[0].Content != contents[1] {
		t.Errorf("top hit = %q", hits[0].Content)
	}
}

func TestSupersededExcludedFromSearch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	old, err := s.AddMemory(ctx, &models.SemanticMemory{Content: "User lives in Hamburg near the harbor"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	old.SupersededBy = "some-newer-id"
	if err := s.UpdateMemory(ctx, old); err != nil {
		t.Fatalf("update: %v", err)
	}

	hits, err := s.searchMemoriesFTS(ctx, "Hamburg harbor", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("superseded memory surfaced in search: %v", hits[0].Content)
	}
}

func TestExtractionQueueLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	turn := &models.ConversationTurn{
		SessionID: "sess-q",
		Role:      models.RoleUser,
		Content:   "please remember that my favorite editor is helix",
	}
	if _, err := s.RecordTurn(ctx, turn); err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}

	items, err := s.dequeueExtraction(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("dequeued %d items, want 1", len(items))
	}
	if items[0].TurnID != turn.ID {
		t.Errorf("turn id = %d, want %d", items[0].TurnID, turn.ID)
	}

	// Claimed items are not re-dequeued.
	again, err := s.dequeueExtraction(ctx, 10)
	if err != nil {
		t.Fatalf("second dequeue: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("claimed item dequeued twice")
	}

	// A failure returns the item to pending until attempts run out.
	if err := s.finishExtraction(ctx, items[0], errors.New("model unavailable")); err != nil {
		t.Fatalf("finish: %v", err)
	}
	retry, err := s.dequeueExtraction(ctx, 10)
	if err != nil {
		t.Fatalf("retry dequeue: %v", err)
	}
	if len(retry) != 1 {
		t.Fatalf("failed item did not return to pending")
	}
	if err := s.finishExtraction(ctx, retry[0], nil); err != nil {
		t.Fatalf("finish success: %v", err)
	}
	var status string
	if err := s.db.QueryRow(`SELECT status FROM extraction_queue WHERE id = ?`, retry[0].ID).Scan(&status); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}
}

func TestExtractionQueueExhaustionMarksFailed(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	turn := &models.ConversationTurn{
		SessionID: "sess-exhaust",
		Role:      models.RoleUser,
		Content:   "remember that my train leaves at seven tomorrow",
	}
	if _, err := s.RecordTurn(ctx, turn); err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}

	for attempt := 1; attempt <= maxExtractionAttempts; attempt++ {
		items, err := s.dequeueExtraction(ctx, 10)
		if err != nil {
			t.Fatalf("dequeue %d: %v", attempt, err)
		}
		if len(items) != 1 {
			t.Fatalf("attempt %d dequeued %d items, want 1", attempt, len(items))
		}
		if err := s.finishExtraction(ctx, items[0], errors.New("model unavailable")); err != nil {
			t.Fatalf("finish %d: %v", attempt, err)
		}
	}

	var status string
	var attempts int
	if err := s.db.QueryRow(`SELECT status, attempts FROM extraction_queue
		WHERE turn_id = ?`, turn.ID).Scan(&status, &attempts); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status != "failed" {
		t.Errorf("status = %q, want failed", status)
	}
	if attempts != maxExtractionAttempts {
		t.Errorf("attempts = %d, want %d", attempts, maxExtractionAttempts)
	}

	// A dead item never comes back.
	items, err := s.dequeueExtraction(ctx, 10)
	if err != nil {
		t.Fatalf("final dequeue: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("failed item re-dequeued")
	}
}

func TestTrivialTurnsSkipQueue(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	turn := &models.ConversationTurn{SessionID: "sess-t", Role: models.RoleUser, Content: "hi"}
	if _, err := s.RecordTurn(ctx, turn); err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}
	items, err := s.dequeueExtraction(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("greeting enqueued for extraction")
	}
}

func TestScratchpadRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	pad := &models.Scratchpad{
		UserID:       "u1",
		CurrentFocus: "shipping the importer",
		NextSteps:    "write migration tests",
	}
	if err := s.SaveScratchpad(ctx, pad); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := s.GetScratchpad(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.CurrentFocus != pad.CurrentFocus || loaded.NextSteps != pad.NextSteps {
		t.Errorf("round trip mismatch: %+v", loaded)
	}
	if _, err := s.GetScratchpad(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing scratchpad err = %v, want ErrNotFound", err)
	}
}
