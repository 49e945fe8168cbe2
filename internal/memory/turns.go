package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pocketmind/pocketmind/pkg/models"
)

// maxExtractionAttempts bounds how often a queue item is retried before
// it is marked failed.
const maxExtractionAttempts = 3

// RecordTurn archives one conversation turn. The turn index is allocated
// as MAX(turn_index)+1 inside a transaction so indices stay monotonic per
// session across restarts. Salient turns are also enqueued for per-turn
// extraction.
func (s *Store) RecordTurn(ctx context.Context, turn *models.ConversationTurn) (int64, error) {
	if turn.SessionID == "" {
		return 0, fmt.Errorf("session id is required")
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin turn tx: %w", err)
	}
	defer tx.Rollback()

	var maxIndex sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(turn_index) FROM conversation_turns WHERE session_id = ?`,
		turn.SessionID).Scan(&maxIndex); err != nil {
		return 0, fmt.Errorf("read max turn index: %w", err)
	}
	turn.TurnIndex = int(maxIndex.Int64) + 1

	res, err := tx.ExecContext(ctx, `INSERT INTO conversation_turns
		(session_id, turn_index, role, content, tool_calls, tool_results, timestamp, extracted)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		turn.SessionID, turn.TurnIndex, string(turn.Role), turn.Content,
		turn.ToolCalls, turn.ToolResults, turn.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("insert turn: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	turn.ID = id

	if turnIsSalient(turn) {
		now := s.now()
		if _, err := tx.ExecContext(ctx, `INSERT INTO extraction_queue
			(turn_id, status, attempts, created_at, updated_at)
			VALUES (?, 'pending', 0, ?, ?)`, id, now, now); err != nil {
			return 0, fmt.Errorf("enqueue extraction: %w", err)
		}
	}
	return id, tx.Commit()
}

// turnIsSalient filters out trivial turns before they cost an extraction
// call. Both user and assistant turns are candidates.
func turnIsSalient(turn *models.ConversationTurn) bool {
	if turn.Role != models.RoleUser && turn.Role != models.RoleAssistant {
		return false
	}
	content := strings.TrimSpace(turn.Content)
	if len(content) < 20 {
		return false
	}
	lower := strings.ToLower(content)
	greetings := []string{"hi", "hello", "hey", "thanks", "thank you", "ok", "okay", "good morning", "good night"}
	for _, g := range greetings {
		if lower == g || lower == g+"!" || lower == g+"." {
			return false
		}
	}
	return true
}

// UnextractedTurns returns all turns pending consolidation, ordered by
// session then index.
func (s *Store) UnextractedTurns(ctx context.Context) ([]*models.ConversationTurn, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, turn_index, role,
		content, tool_calls, tool_results, timestamp, extracted
		FROM conversation_turns WHERE extracted = 0
		ORDER BY session_id, turn_index`)
	if err != nil {
		return nil, fmt.Errorf("list unextracted turns: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

// SessionTurns returns the archived turns for one session, oldest first.
func (s *Store) SessionTurns(ctx context.Context, sessionID string, limit int) ([]*models.ConversationTurn, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, turn_index, role,
		content, tool_calls, tool_results, timestamp, extracted
		FROM conversation_turns WHERE session_id = ?
		ORDER BY turn_index DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list session turns: %w", err)
	}
	defer rows.Close()
	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	// Reverse back to chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// MarkExtracted flips turns to extracted; they are permanently skipped by
// future consolidation runs.
func (s *Store) MarkExtracted(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `UPDATE conversation_turns SET extracted = 1 WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("mark turn %d extracted: %w", id, err)
		}
	}
	return tx.Commit()
}

func scanTurns(rows *sql.Rows) ([]*models.ConversationTurn, error) {
	var out []*models.ConversationTurn
	for rows.Next() {
		var t models.ConversationTurn
		var role string
		var extracted int
		if err := rows.Scan(&t.ID, &t.SessionID, &t.TurnIndex, &role,
			&t.Content, &t.ToolCalls, &t.ToolResults, &t.Timestamp, &extracted); err != nil {
			return nil, err
		}
		t.Role = models.Role(role)
		t.Extracted = extracted != 0
		out = append(out, &t)
	}
	return out, rows.Err()
}

// queueItem is one extraction-queue row.
type queueItem struct {
	ID       int64
	TurnID   int64
	Status   string
	Attempts int
}

// dequeueExtraction atomically claims up to limit pending queue items,
// moving them to processing inside one transaction.
func (s *Store) dequeueExtraction(ctx context.Context, limit int) ([]queueItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id, turn_id, status, attempts
		FROM extraction_queue WHERE status = 'pending' AND attempts < ?
		ORDER BY id LIMIT ?`, maxExtractionAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue extraction: %w", err)
	}
	var items []queueItem
	for rows.Next() {
		var item queueItem
		if err := rows.Scan(&item.ID, &item.TurnID, &item.Status, &item.Attempts); err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := s.now()
	for _, item := range items {
		if _, err := tx.ExecContext(ctx,
			`UPDATE extraction_queue SET status = 'processing', attempts = attempts + 1, updated_at = ? WHERE id = ?`,
			now, item.ID); err != nil {
			return nil, fmt.Errorf("claim queue item %d: %w", item.ID, err)
		}
	}
	return items, tx.Commit()
}

// finishExtraction records the outcome of a claimed queue item. Failed
// items with remaining attempts return to pending.
func (s *Store) finishExtraction(ctx context.Context, item queueItem, extractErr error) error {
	now := s.now()
	if extractErr == nil {
		_, err := s.db.ExecContext(ctx,
			`UPDATE extraction_queue SET status = 'completed', last_error = '', updated_at = ? WHERE id = ?`,
			now, item.ID)
		return err
	}
	// Attempts holds the pre-claim count; the claim in dequeueExtraction
	// already incremented the row, so this failure is attempt Attempts+1.
	status := "pending"
	if item.Attempts+1 >= maxExtractionAttempts {
		status = "failed"
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE extraction_queue SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status, extractErr.Error(), now, item.ID)
	return err
}
