package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pocketmind/pocketmind/pkg/models"
)

const (
	defaultIdleTimeout = 30 * time.Minute
	defaultMaxHistory  = 50
	sweepInterval      = time.Minute
)

// Manager owns the live session table. Sessions are created on first
// inbound message, closed after the idle timeout, and flushed to the
// store when one is configured.
type Manager struct {
	mu       sync.Mutex
	sessions map[models.SessionKey]*models.Session

	store       *Store
	logger      *slog.Logger
	now         func() time.Time
	idleTimeout time.Duration
	maxHistory  int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ManagerOption configures the manager.
type ManagerOption func(*Manager)

// WithStore enables persistence; sessions survive restart.
func WithStore(store *Store) ManagerOption {
	return func(m *Manager) { m.store = store }
}

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.With("component", "sessions")
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

// WithIdleTimeout sets the idle close threshold.
func WithIdleTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.idleTimeout = d
		}
	}
}

// WithMaxHistory bounds per-session in-memory history.
func WithMaxHistory(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxHistory = n
		}
	}
}

// NewManager creates a session manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions:    make(map[models.SessionKey]*models.Session),
		logger:      slog.Default().With("component", "sessions"),
		now:         time.Now,
		idleTimeout: defaultIdleTimeout,
		maxHistory:  defaultMaxHistory,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Resolve returns the session for the key, restoring a stored one or
// creating a fresh one on first contact.
func (m *Manager) Resolve(ctx context.Context, key models.SessionKey) (*models.Session, error) {
	m.mu.Lock()
	if session, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		session.Touch()
		return session, nil
	}
	m.mu.Unlock()

	var session *models.Session
	if m.store != nil {
		restored, err := m.store.Load(ctx, key)
		if err != nil {
			m.logger.Warn("session restore failed", "key", key.String(), "error", err)
		} else if restored != nil {
			restored.State = models.SessionActive
			session = restored
			m.logger.Debug("session restored", "key", key.String())
		}
	}
	if session == nil {
		session = models.NewSession(uuid.NewString(), key, m.maxHistory)
	}

	m.mu.Lock()
	// Another goroutine may have won the race.
	if existing, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		existing.Touch()
		return existing, nil
	}
	m.sessions[key] = session
	m.mu.Unlock()

	session.Touch()
	return session, nil
}

// Active returns the live sessions.
func (m *Manager) Active() []*models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// ActiveSince returns sessions with activity within the window,
// including flushed ones when a store is configured. Used by the daily
// self-check report fan-out.
func (m *Manager) ActiveSince(window time.Duration) []*models.Session {
	now := m.now()
	var out []*models.Session
	for _, s := range m.Active() {
		if s.IdleSince(now) <= window {
			out = append(out, s)
		}
	}
	return out
}

// Start launches the idle sweep loop.
func (m *Manager) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.CloseIdle(loopCtx)
			}
		}
	}()
}

// Stop halts the sweep loop and flushes every live session.
func (m *Manager) Stop(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	for _, session := range m.Active() {
		m.flush(ctx, session)
	}
}

// CloseIdle closes and flushes sessions idle past the timeout.
func (m *Manager) CloseIdle(ctx context.Context) int {
	now := m.now()
	var idle []*models.Session

	m.mu.Lock()
	for key, session := range m.sessions {
		if session.IdleSince(now) >= m.idleTimeout {
			idle = append(idle, session)
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()

	for _, session := range idle {
		session.Close()
		m.flush(ctx, session)
		m.logger.Info("session closed after idle timeout", "key", session.Key().String())
	}
	return len(idle)
}

func (m *Manager) flush(ctx context.Context, session *models.Session) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(ctx, session); err != nil {
		m.logger.Warn("session flush failed", "key", session.Key().String(), "error", err)
	}
}
