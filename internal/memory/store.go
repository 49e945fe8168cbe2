// Package memory implements the two-tier long-term memory: raw
// conversation turns and episodic traces on one side, typed semantic
// memories with FTS5 retrieval on the other. A nightly consolidation
// pass converts the former into the latter.
package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schemaVersion = 2

// Store owns the single SQLite database holding all memory state.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the store logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStoreNow overrides the clock for tests.
func WithStoreNow(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// OpenStore opens (or creates) the memory database at path and applies
// pending schema migrations. Use ":memory:" for tests.
func OpenStore(path string, opts ...StoreOption) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	// The modernc driver is not safe for concurrent writers on one file;
	// a single connection serializes access and WAL keeps readers cheap.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		logger: slog.Default().With("component", "memory"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for related stores (scheduler persistence shares
// the file).
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS _schema_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema meta: %w", err)
	}

	version := 0
	row := s.db.QueryRow(`SELECT value FROM _schema_meta WHERE key = 'version'`)
	var raw string
	if err := row.Scan(&raw); err == nil {
		fmt.Sscanf(raw, "%d", &version)
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version < 1 {
		if err := s.applyBaseSchema(); err != nil {
			return err
		}
		version = 1
	}
	if version < 2 {
		if err := s.applyV2Columns(); err != nil {
			return err
		}
		version = 2
	}

	if _, err := s.db.Exec(
		`INSERT INTO _schema_meta (key, value) VALUES ('version', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		fmt.Sprint(version)); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return nil
}

func (s *Store) applyBaseSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'fact',
			priority TEXT NOT NULL DEFAULT 'short_term',
			importance_score REAL NOT NULL DEFAULT 0.5,
			access_count INTEGER NOT NULL DEFAULT 0,
			tags TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS episodes (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			goal TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT 'completed',
			started_at TIMESTAMP,
			ended_at TIMESTAMP,
			action_nodes TEXT NOT NULL DEFAULT '[]',
			entities TEXT NOT NULL DEFAULT '[]',
			tools_used TEXT NOT NULL DEFAULT '[]',
			linked_memory_ids TEXT NOT NULL DEFAULT '[]',
			importance_score REAL NOT NULL DEFAULT 0.5
		)`,
		`CREATE TABLE IF NOT EXISTS attachments (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			episode_id TEXT NOT NULL DEFAULT '',
			filename TEXT NOT NULL DEFAULT '',
			mime_type TEXT NOT NULL DEFAULT '',
			local_path TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			direction TEXT NOT NULL DEFAULT 'inbound',
			description TEXT NOT NULL DEFAULT '',
			transcription TEXT NOT NULL DEFAULT '',
			extracted_text TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '',
			linked_memory_ids TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			turn_index INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_calls TEXT NOT NULL DEFAULT '',
			tool_results TEXT NOT NULL DEFAULT '',
			timestamp TIMESTAMP NOT NULL,
			extracted INTEGER NOT NULL DEFAULT 0,
			UNIQUE(session_id, turn_index)
		)`,
		`CREATE TABLE IF NOT EXISTS extraction_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			turn_id INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scratchpad (
			user_id TEXT PRIMARY KEY,
			content TEXT NOT NULL DEFAULT '',
			active_projects TEXT NOT NULL DEFAULT '',
			current_focus TEXT NOT NULL DEFAULT '',
			open_questions TEXT NOT NULL DEFAULT '',
			next_steps TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS embedding_cache (
			hash TEXT PRIMARY KEY,
			vector TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_extracted ON conversation_turns(extracted, session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_status ON extraction_queue(status)`,

		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			content, subject, predicate, tags,
			content='', tokenize='unicode61'
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS attachments_fts USING fts5(
			description, transcription, extracted_text, filename, tags,
			content='', tokenize='unicode61'
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply base schema: %w", err)
		}
	}
	return s.applyTriggers()
}

// applyV2Columns adds the structured-knowledge columns. ALTER TABLE has
// no IF NOT EXISTS in SQLite, so duplicate-column errors are tolerated to
// keep the migration idempotent.
func (s *Store) applyV2Columns() error {
	columns := []string{
		`ALTER TABLE memories ADD COLUMN subject TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE memories ADD COLUMN predicate TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE memories ADD COLUMN confidence REAL NOT NULL DEFAULT 1.0`,
		`ALTER TABLE memories ADD COLUMN decay_rate REAL NOT NULL DEFAULT 0.05`,
		`ALTER TABLE memories ADD COLUMN last_accessed_at TIMESTAMP`,
		`ALTER TABLE memories ADD COLUMN superseded_by TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE memories ADD COLUMN source_episode_id TEXT NOT NULL DEFAULT ''`,
	}
	for _, stmt := range columns {
		if _, err := s.db.Exec(stmt); err != nil {
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("apply v2 migration: %w", err)
		}
	}
	return nil
}

// applyTriggers keeps the FTS mirrors consistent with their base tables.
// External-content-less FTS tables are used so the triggers fully own the
// mirror rows.
func (s *Store) applyTriggers() error {
	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(rowid, content, subject, predicate, tags)
			VALUES (new.rowid, new.content, new.subject, new.predicate, new.tags);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content, subject, predicate, tags)
			VALUES ('delete', old.rowid, old.content, old.subject, old.predicate, old.tags);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content, subject, predicate, tags)
			VALUES ('delete', old.rowid, old.content, old.subject, old.predicate, old.tags);
			INSERT INTO memories_fts(rowid, content, subject, predicate, tags)
			VALUES (new.rowid, new.content, new.subject, new.predicate, new.tags);
		END`,
		`CREATE TRIGGER IF NOT EXISTS attachments_ai AFTER INSERT ON attachments BEGIN
			INSERT INTO attachments_fts(rowid, description, transcription, extracted_text, filename, tags)
			VALUES (new.rowid, new.description, new.transcription, new.extracted_text, new.filename, new.tags);
		END`,
		`CREATE TRIGGER IF NOT EXISTS attachments_ad AFTER DELETE ON attachments BEGIN
			INSERT INTO attachments_fts(attachments_fts, rowid, description, transcription, extracted_text, filename, tags)
			VALUES ('delete', old.rowid, old.description, old.transcription, old.extracted_text, old.filename, old.tags);
		END`,
		`CREATE TRIGGER IF NOT EXISTS attachments_au AFTER UPDATE ON attachments BEGIN
			INSERT INTO attachments_fts(attachments_fts, rowid, description, transcription, extracted_text, filename, tags)
			VALUES ('delete', old.rowid, old.description, old.transcription, old.extracted_text, old.filename, old.tags);
			INSERT INTO attachments_fts(rowid, description, transcription, extracted_text, filename, tags)
			VALUES (new.rowid, new.description, new.transcription, new.extracted_text, new.filename, new.tags);
		END`,
	}
	for _, stmt := range triggers {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply fts triggers: %w", err)
		}
	}
	return nil
}

func marshalStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalStrings(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
