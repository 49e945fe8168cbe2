package sessions

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pocketmind/pocketmind/pkg/models"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func key() models.SessionKey {
	return models.SessionKey{Channel: "telegram", ChatID: "c1", UserID: "u1"}
}

func TestResolveCreatesOncePerKey(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	first, err := m.Resolve(ctx, key())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	second, err := m.Resolve(ctx, key())
	if err != nil {
		t.Fatalf("Resolve again: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("same key produced two sessions")
	}

	other, err := m.Resolve(ctx, models.SessionKey{Channel: "telegram", ChatID: "c2", UserID: "u1"})
	if err != nil {
		t.Fatalf("Resolve other: %v", err)
	}
	if other.ID == first.ID {
		t.Errorf("different chats share a session")
	}
}

func TestResolveIsRaceSafe(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.Resolve(ctx, key())
			if err != nil {
				t.Errorf("Resolve: %v", err)
				return
			}
			ids[i] = s.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("concurrent resolves created multiple sessions")
		}
	}
}

func TestIdleSessionsCloseAndFlush(t *testing.T) {
	store, err := NewStore(testDB(t), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(WithStore(store), WithNow(func() time.Time { return clock }))

	ctx := context.Background()
	session, err := m.Resolve(ctx, key())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	session.Append(models.UserText("remember this exchange"))
	session.Append(models.AssistantText("noted"))

	// Not yet idle.
	session.LastActive = clock.Add(-10 * time.Minute)
	if n := m.CloseIdle(ctx); n != 0 {
		t.Fatalf("closed %d sessions early", n)
	}

	session.LastActive = clock.Add(-31 * time.Minute)
	if n := m.CloseIdle(ctx); n != 1 {
		t.Fatalf("closed %d sessions, want 1", n)
	}

	// The flushed history restores on the next resolve.
	restored, err := m.Resolve(ctx, key())
	if err != nil {
		t.Fatalf("Resolve after close: %v", err)
	}
	if restored.ID != session.ID {
		t.Errorf("restore produced a new session id")
	}
	history := restored.History()
	if len(history) != 2 || history[0].PlainText() != "remember this exchange" {
		t.Errorf("history not restored: %+v", history)
	}
	if restored.State != models.SessionActive {
		t.Errorf("restored state = %s", restored.State)
	}
}

func TestHistoryStaysBounded(t *testing.T) {
	m := NewManager(WithMaxHistory(4))
	session, err := m.Resolve(context.Background(), key())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	for i := 0; i < 10; i++ {
		session.Append(models.UserText("turn"))
	}
	if got := len(session.History()); got != 4 {
		t.Errorf("history length = %d, want 4", got)
	}
}

func TestActiveSinceFiltersByWindow(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(WithNow(func() time.Time { return clock }))
	ctx := context.Background()

	fresh, _ := m.Resolve(ctx, key())
	fresh.LastActive = clock.Add(-time.Hour)
	stale, _ := m.Resolve(ctx, models.SessionKey{Channel: "discord", ChatID: "c9", UserID: "u9"})
	stale.LastActive = clock.Add(-48 * time.Hour)

	recent := m.ActiveSince(24 * time.Hour)
	if len(recent) != 1 || recent[0].ID != fresh.ID {
		t.Errorf("ActiveSince = %d sessions", len(recent))
	}
}
