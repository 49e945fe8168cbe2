package models

import (
	"fmt"
	"sync"
	"time"
)

// SessionState tracks the lifecycle of a conversation session.
type SessionState string

const (
	SessionActive SessionState = "active"
	SessionClosed SessionState = "closed"
)

// SessionKey identifies a session: exactly one session exists per
// (channel, chat, user) triple.
type SessionKey struct {
	Channel string
	ChatID  string
	UserID  string
}

// String renders the key in its storage form.
func (k SessionKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Channel, k.ChatID, k.UserID)
}

// Session is the per-(channel, chat, user) conversation state: a bounded
// message history plus a per-turn metadata scratch space.
type Session struct {
	ID         string       `json:"id"`
	Channel    string       `json:"channel"`
	ChatID     string       `json:"chat_id"`
	UserID     string       `json:"user_id"`
	State      SessionState `json:"state"`
	CreatedAt  time.Time    `json:"created_at"`
	LastActive time.Time    `json:"last_active"`

	// MaxHistory bounds the in-memory history; older turns are trimmed.
	MaxHistory int `json:"max_history"`

	mu       sync.Mutex
	history  []ChatMessage
	metadata map[string]any
}

// NewSession creates an active session with the given bounded history size.
func NewSession(id string, key SessionKey, maxHistory int) *Session {
	if maxHistory <= 0 {
		maxHistory = 50
	}
	now := time.Now()
	return &Session{
		ID:         id,
		Channel:    key.Channel,
		ChatID:     key.ChatID,
		UserID:     key.UserID,
		State:      SessionActive,
		CreatedAt:  now,
		LastActive: now,
		MaxHistory: maxHistory,
		metadata:   make(map[string]any),
	}
}

// Key returns the session's identity triple.
func (s *Session) Key() SessionKey {
	return SessionKey{Channel: s.Channel, ChatID: s.ChatID, UserID: s.UserID}
}

// Append adds a message to the history, trimming the oldest turns beyond
// MaxHistory, and refreshes the activity timestamp.
func (s *Session) Append(msg ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, msg)
	if s.MaxHistory > 0 && len(s.history) > s.MaxHistory {
		overflow := len(s.history) - s.MaxHistory
		s.history = append(s.history[:0:0], s.history[overflow:]...)
	}
	s.LastActive = time.Now()
}

// History returns a copy of the current message history.
func (s *Session) History() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatMessage, len(s.history))
	copy(out, s.history)
	return out
}

// ReplaceHistory swaps the history wholesale (used by context compression
// and by session restore).
func (s *Session) ReplaceHistory(history []ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history[:0:0], history...)
}

// SetMeta stores a per-turn metadata value.
func (s *Session) SetMeta(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata[key] = value
}

// Meta retrieves a metadata value.
func (s *Session) Meta(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.metadata[key]
	return v, ok
}

// DeleteMeta removes a metadata value.
func (s *Session) DeleteMeta(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.metadata, key)
}

// Touch refreshes the activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActive = time.Now()
}

// IdleSince reports how long the session has been idle at the given time.
func (s *Session) IdleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.LastActive)
}

// Close marks the session closed.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = SessionClosed
}
