// Package sessions resolves and owns IM conversation sessions: one per
// (channel, chat, user), bounded history, 30-minute idle close with a
// flush to SQLite, and restore across restarts.
package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pocketmind/pocketmind/pkg/models"
)

// Store persists closed and flushed sessions as SQLite rows. It shares
// the runtime database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates the sessions table on the given database.
func NewStore(db *sql.DB, now func() time.Time) (*Store, error) {
	if now == nil {
		now = time.Now
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			channel TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'active',
			history TEXT NOT NULL DEFAULT '[]',
			max_history INTEGER NOT NULL DEFAULT 50,
			created_at TIMESTAMP NOT NULL,
			last_active TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_key ON sessions(channel, chat_id, user_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create sessions schema: %w", err)
		}
	}
	return &Store{db: db, now: now}, nil
}

// Save upserts a session snapshot with its full history.
func (s *Store) Save(ctx context.Context, session *models.Session) error {
	history, err := json.Marshal(session.History())
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO sessions
		(id, channel, chat_id, user_id, state, history, max_history, created_at, last_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel, chat_id, user_id) DO UPDATE SET
			state = excluded.state, history = excluded.history,
			last_active = excluded.last_active`,
		session.ID, session.Channel, session.ChatID, session.UserID,
		string(session.State), string(history), session.MaxHistory,
		session.CreatedAt, session.LastActive)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Load restores a session by key; nil when none is stored.
func (s *Store) Load(ctx context.Context, key models.SessionKey) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, state, history, max_history,
		created_at, last_active
		FROM sessions WHERE channel = ? AND chat_id = ? AND user_id = ?`,
		key.Channel, key.ChatID, key.UserID)

	var id, state, history string
	var maxHistory int
	var createdAt, lastActive time.Time
	if err := row.Scan(&id, &state, &history, &maxHistory, &createdAt, &lastActive); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	session := models.NewSession(id, key, maxHistory)
	session.State = models.SessionState(state)
	session.CreatedAt = createdAt
	session.LastActive = lastActive

	var msgs []models.ChatMessage
	if err := json.Unmarshal([]byte(history), &msgs); err != nil {
		return nil, fmt.Errorf("unmarshal history for %s: %w", id, err)
	}
	session.ReplaceHistory(msgs)
	return session, nil
}

// Delete removes a stored session.
func (s *Store) Delete(ctx context.Context, key models.SessionKey) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE channel = ? AND chat_id = ? AND user_id = ?`,
		key.Channel, key.ChatID, key.UserID)
	return err
}
