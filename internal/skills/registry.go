package skills

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Registry holds the discovered skills. Reload rescans the configured
// directories so newly installed skills appear without a restart; the
// agent rebuilds the catalog every turn.
type Registry struct {
	mu     sync.RWMutex
	dirs   []string
	skills map[string]*Skill
	logger *slog.Logger
}

// NewRegistry creates a registry scanning the given directories.
func NewRegistry(dirs []string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dirs:   dirs,
		skills: make(map[string]*Skill),
		logger: logger.With("component", "skills"),
	}
}

// Reload rescans all skill directories. Individual parse failures are
// logged and skipped; later directories win name conflicts.
func (r *Registry) Reload() error {
	found := make(map[string]*Skill)
	for _, dir := range r.dirs {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("scan skills dir %s: %w", dir, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			path := filepath.Join(dir, entry.Name(), SkillFilename)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			skill, err := ParseFile(path)
			if err != nil {
				r.logger.Warn("skipping invalid skill", "path", path, "error", err)
				continue
			}
			found[skill.Name] = skill
		}
	}

	r.mu.Lock()
	r.skills = found
	r.mu.Unlock()
	r.logger.Debug("skills reloaded", "count", len(found))
	return nil
}

// Get returns a skill by name.
func (r *Registry) Get(name string) (*Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	return s, ok
}

// List returns all skills sorted by name.
func (r *Registry) List() []*Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Skill, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Catalog renders the skill list for the system prompt. Empty when no
// skills are installed.
func (r *Registry) Catalog() string {
	skills := r.List()
	if len(skills) == 0 {
		return ""
	}
	var b strings.Builder
	for _, s := range skills {
		fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}
