// Package selfcheck runs the daily diagnostic sweep: storage health
// checks, old log cleanup, and a markdown report pushed to every
// recently active chat.
package selfcheck

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pocketmind/pocketmind/pkg/models"
)

const (
	// maxChunk is the largest report fragment sent as one IM message.
	maxChunk = 3500

	// activityWindow selects which sessions receive the report.
	activityWindow = 24 * time.Hour

	// logRetention is how long rotated log files are kept.
	logRetention = 7 * 24 * time.Hour
)

// Sink sends report chunks back into chats.
type Sink interface {
	SendText(ctx context.Context, channel, chatID, text string) error
}

// SessionSource lists recently active sessions for the fan-out.
type SessionSource interface {
	ActiveSince(window time.Duration) []*models.Session
}

// Checker owns the daily sweep.
type Checker struct {
	dataDir     string
	memoryDB    *sql.DB
	schedulerDB *sql.DB
	sessions    SessionSource
	sink        Sink
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures the checker.
type Option func(*Checker)

// WithLogger sets the checker logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Checker) {
		if logger != nil {
			c.logger = logger.With("component", "selfcheck")
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(c *Checker) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a checker. Either database may be nil; the corresponding
// check then reports as skipped.
func New(dataDir string, memoryDB, schedulerDB *sql.DB, sessions SessionSource, sink Sink, opts ...Option) *Checker {
	c := &Checker{
		dataDir:     dataDir,
		memoryDB:    memoryDB,
		schedulerDB: schedulerDB,
		sessions:    sessions,
		sink:        sink,
		logger:      slog.Default().With("component", "selfcheck"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes the sweep: diagnostics, log cleanup, then report fan-out
// to every session active within the last 24 hours.
func (c *Checker) Run(ctx context.Context) error {
	report := c.BuildReport(ctx)

	recipients := c.sessions.ActiveSince(activityWindow)
	if len(recipients) == 0 {
		c.logger.Info("selfcheck complete, no active chats to notify")
		return nil
	}

	chunks := SplitMessage(report, maxChunk)
	for _, session := range recipients {
		for _, chunk := range chunks {
			if err := c.sink.SendText(ctx, session.Channel, session.ChatID, chunk); err != nil {
				c.logger.Warn("report delivery failed",
					"channel", session.Channel, "chat_id", session.ChatID, "error", err)
				break
			}
		}
	}
	c.logger.Info("selfcheck complete", "recipients", len(recipients), "chunks", len(chunks))
	return nil
}

// BuildReport runs the checks and renders the markdown report.
func (c *Checker) BuildReport(ctx context.Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Daily self-check — %s\n\n", c.now().Format("2006-01-02"))

	b.WriteString(c.checkLine("data directory", c.checkDataDir()))
	b.WriteString(c.checkLine("memory database", c.checkDB(ctx, c.memoryDB)))
	b.WriteString(c.checkLine("scheduler database", c.checkDB(ctx, c.schedulerDB)))

	removed, err := c.CleanupLogs()
	if err != nil {
		b.WriteString(c.checkLine("log cleanup", err))
	} else {
		fmt.Fprintf(&b, "- ✅ log cleanup: removed %d old file(s)\n", removed)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Checker) checkLine(name string, err error) string {
	if err == nil {
		return fmt.Sprintf("- ✅ %s\n", name)
	}
	return fmt.Sprintf("- ❌ %s: %v\n", name, err)
}

func (c *Checker) checkDataDir() error {
	probe := filepath.Join(c.dataDir, ".selfcheck_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	os.Remove(probe)
	return nil
}

func (c *Checker) checkDB(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("not configured")
	}
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("unreachable: %w", err)
	}
	return nil
}

// CleanupLogs removes .log files in <data>/logs older than the
// retention window and reports how many were deleted.
func (c *Checker) CleanupLogs() (int, error) {
	logDir := filepath.Join(c.dataDir, "logs")
	entries, err := os.ReadDir(logDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read log dir: %w", err)
	}

	cutoff := c.now().Add(-logRetention)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(logDir, entry.Name())); err != nil {
			c.logger.Warn("log removal failed", "file", entry.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// SplitMessage cuts text into chunks of at most limit bytes, preferring
// line boundaries so markdown stays readable.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit], '\n')
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
