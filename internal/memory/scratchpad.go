package memory

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pocketmind/pocketmind/pkg/models"
)

// SaveScratchpad upserts the per-user working-state row.
func (s *Store) SaveScratchpad(ctx context.Context, pad *models.Scratchpad) error {
	if pad.UserID == "" {
		return fmt.Errorf("scratchpad user id is required")
	}
	pad.UpdatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO scratchpad
		(user_id, content, active_projects, current_focus, open_questions, next_steps, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			content = excluded.content,
			active_projects = excluded.active_projects,
			current_focus = excluded.current_focus,
			open_questions = excluded.open_questions,
			next_steps = excluded.next_steps,
			updated_at = excluded.updated_at`,
		pad.UserID, pad.Content, pad.ActiveProjects, pad.CurrentFocus,
		pad.OpenQuestions, pad.NextSteps, pad.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save scratchpad: %w", err)
	}
	return nil
}

// GetScratchpad loads one user's scratchpad; ErrNotFound when absent.
func (s *Store) GetScratchpad(ctx context.Context, userID string) (*models.Scratchpad, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_id, content, active_projects,
		current_focus, open_questions, next_steps, updated_at
		FROM scratchpad WHERE user_id = ?`, userID)
	var pad models.Scratchpad
	err := row.Scan(&pad.UserID, &pad.Content, &pad.ActiveProjects,
		&pad.CurrentFocus, &pad.OpenQuestions, &pad.NextSteps, &pad.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scratchpad: %w", err)
	}
	return &pad, nil
}
