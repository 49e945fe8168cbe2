// Package identity manages the agent's persona files: SOUL.md (who the
// agent is), AGENT.md (operating instructions), USER.md (what it knows
// about its user), and MEMORY.md (the distilled memory digest). The
// files live in one directory and feed the system prompt every turn.
package identity

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Well-known persona filenames.
const (
	SoulFile   = "SOUL.md"
	AgentFile  = "AGENT.md"
	UserFile   = "USER.md"
	MemoryFile = "MEMORY.md"
)

// Store reads persona files from a directory.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates a store over the given identity directory.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger.With("component", "identity")}
}

// Dir returns the identity directory path.
func (s *Store) Dir() string { return s.dir }

// Materialize creates the identity directory and promotes any bundled
// `<name>.example` files to real ones that do not exist yet. Existing
// files are never overwritten.
func (s *Store) Materialize() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("scan identity dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".example") {
			continue
		}
		target := filepath.Join(s.dir, strings.TrimSuffix(name, ".example"))
		if _, err := os.Stat(target); err == nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return fmt.Errorf("materialize %s: %w", target, err)
		}
		s.logger.Info("materialized identity file", "file", filepath.Base(target))
	}
	return nil
}

// Read returns the content of one persona file; missing files read as
// empty, not as errors.
func (s *Store) Read(name string) string {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Write replaces one persona file.
func (s *Store) Write(name, content string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, name), []byte(content), 0o644)
}

// PromptSection assembles the identity block of the system prompt:
// SOUL.md and AGENT.md verbatim, then USER.md and MEMORY.md under their
// own headers when present.
func (s *Store) PromptSection() string {
	var parts []string
	if soul := s.Read(SoulFile); soul != "" {
		parts = append(parts, soul)
	}
	if agent := s.Read(AgentFile); agent != "" {
		parts = append(parts, agent)
	}
	if user := s.Read(UserFile); user != "" {
		parts = append(parts, "## About the user\n"+user)
	}
	if mem := s.Read(MemoryFile); mem != "" {
		parts = append(parts, "## Memory digest\n"+mem)
	}
	return strings.Join(parts, "\n\n")
}
