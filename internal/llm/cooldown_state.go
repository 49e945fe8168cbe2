package llm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// persistedCooldown is the on-disk record for one endpoint's extended
// cooldown. Short cooldowns are deliberately not persisted.
type persistedCooldown struct {
	CooldownUntil        int64  `json:"cooldown_until"`
	ConsecutiveCooldowns int    `json:"consecutive_cooldowns"`
	IsExtended           bool   `json:"is_extended"`
	ErrorCategory        string `json:"error_category"`
}

// cooldownStateFile persists extended cooldowns so a restart cannot bypass
// them. Writes are atomic (tempfile + rename).
type cooldownStateFile struct {
	path string
	now  func() time.Time
}

func newCooldownStateFile(path string, now func() time.Time) *cooldownStateFile {
	if now == nil {
		now = time.Now
	}
	return &cooldownStateFile{path: path, now: now}
}

// load reads the state map, pruning expired entries.
func (f *cooldownStateFile) load() (map[string]persistedCooldown, error) {
	if f.path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cooldown state: %w", err)
	}
	var state map[string]persistedCooldown
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse cooldown state: %w", err)
	}
	nowUnix := f.now().Unix()
	for name, entry := range state {
		if entry.CooldownUntil <= nowUnix {
			delete(state, name)
		}
	}
	return state, nil
}

// save writes the state map atomically.
func (f *cooldownStateFile) save(state map[string]persistedCooldown) error {
	if f.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".cooldown-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, f.path)
}
