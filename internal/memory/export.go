package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pocketmind/pocketmind/pkg/models"
)

// Export is the JSON snapshot shape of the memory database.
type Export struct {
	ExportedAt time.Time                 `json:"exported_at"`
	Memories   []*models.SemanticMemory  `json:"memories"`
	Episodes   []*models.Episode         `json:"episodes"`
	Scratchpads []*models.Scratchpad     `json:"scratchpads,omitempty"`
}

// ExportJSON writes the full memory state as indented JSON.
func (s *Store) ExportJSON(ctx context.Context, w io.Writer) error {
	export := Export{ExportedAt: s.now()}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories ORDER BY created_at`)
	if err != nil {
		return fmt.Errorf("export memories: %w", err)
	}
	export.Memories, err = scanMemories(rows)
	rows.Close()
	if err != nil {
		return err
	}

	epRows, err := s.db.QueryContext(ctx, `SELECT id, session_id, summary, goal,
		outcome, started_at, ended_at, action_nodes, entities, tools_used,
		linked_memory_ids, importance_score FROM episodes ORDER BY started_at`)
	if err != nil {
		return fmt.Errorf("export episodes: %w", err)
	}
	export.Episodes, err = scanEpisodes(epRows)
	epRows.Close()
	if err != nil {
		return err
	}

	padRows, err := s.db.QueryContext(ctx, `SELECT user_id, content,
		active_projects, current_focus, open_questions, next_steps, updated_at
		FROM scratchpad`)
	if err == nil {
		for padRows.Next() {
			var pad models.Scratchpad
			if err := padRows.Scan(&pad.UserID, &pad.Content, &pad.ActiveProjects,
				&pad.CurrentFocus, &pad.OpenQuestions, &pad.NextSteps,
				&pad.UpdatedAt); err == nil {
				export.Scratchpads = append(export.Scratchpads, &pad)
			}
		}
		padRows.Close()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(export)
}
