package memory

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/pocketmind/pocketmind/pkg/models"
)

// SaveEpisode inserts or replaces an episode row.
func (s *Store) SaveEpisode(ctx context.Context, e *models.Episode) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Outcome == "" {
		e.Outcome = models.OutcomeCompleted
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO episodes
		(id, session_id, summary, goal, outcome, started_at, ended_at,
		 action_nodes, entities, tools_used, linked_memory_ids, importance_score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			summary = excluded.summary, goal = excluded.goal,
			outcome = excluded.outcome, ended_at = excluded.ended_at,
			action_nodes = excluded.action_nodes, entities = excluded.entities,
			tools_used = excluded.tools_used,
			linked_memory_ids = excluded.linked_memory_ids,
			importance_score = excluded.importance_score`,
		e.ID, e.SessionID, e.Summary, e.Goal, string(e.Outcome),
		nullableTime(e.StartedAt), nullableTime(e.EndedAt),
		marshalStrings(e.ActionNodes), marshalStrings(e.Entities),
		marshalStrings(e.ToolsUsed), marshalStrings(e.LinkedMemoryIDs),
		e.ImportanceScore)
	if err != nil {
		return fmt.Errorf("save episode: %w", err)
	}
	return nil
}

// SearchEpisodes recalls episodes whose entity or tool index mentions any
// of the query tokens.
func (s *Store) SearchEpisodes(ctx context.Context, query string, limit int) ([]*models.Episode, error) {
	if limit <= 0 {
		limit = 5
	}
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}
	// entities and tools_used are small JSON arrays; LIKE over them is the
	// inverted-index lookup at this scale.
	where := ""
	args := []any{}
	for i, tok := range tokens {
		if i >= 6 {
			break
		}
		if where != "" {
			where += " OR "
		}
		where += "(entities LIKE ? OR tools_used LIKE ? OR summary LIKE ?)"
		pattern := "%" + tok + "%"
		args = append(args, pattern, pattern, pattern)
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, summary, goal,
		outcome, started_at, ended_at, action_nodes, entities, tools_used,
		linked_memory_ids, importance_score
		FROM episodes WHERE `+where+`
		ORDER BY importance_score DESC, ended_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("search episodes: %w", err)
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

func scanEpisodes(rows *sql.Rows) ([]*models.Episode, error) {
	var out []*models.Episode
	for rows.Next() {
		var e models.Episode
		var outcome, actions, entities, tools, linked string
		var started, ended sql.NullTime
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Summary, &e.Goal, &outcome,
			&started, &ended, &actions, &entities, &tools, &linked,
			&e.ImportanceScore); err != nil {
			return nil, err
		}
		e.Outcome = models.EpisodeOutcome(outcome)
		e.ActionNodes = unmarshalStrings(actions)
		e.Entities = unmarshalStrings(entities)
		e.ToolsUsed = unmarshalStrings(tools)
		e.LinkedMemoryIDs = unmarshalStrings(linked)
		if started.Valid {
			e.StartedAt = started.Time
		}
		if ended.Valid {
			e.EndedAt = ended.Time
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// SaveAttachment stores an attachment record; the FTS trigger indexes its
// description, transcription, and extracted text.
func (s *Store) SaveAttachment(ctx context.Context, a *models.StoredAttachment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Direction == "" {
		a.Direction = models.AttachmentInbound
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO attachments
		(id, session_id, episode_id, filename, mime_type, local_path, url,
		 direction, description, transcription, extracted_text, tags,
		 linked_memory_ids, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			transcription = excluded.transcription,
			extracted_text = excluded.extracted_text,
			tags = excluded.tags,
			linked_memory_ids = excluded.linked_memory_ids`,
		a.ID, a.SessionID, a.EpisodeID, a.Filename, a.MimeType, a.LocalPath,
		a.URL, string(a.Direction), a.Description, a.Transcription,
		a.ExtractedText, marshalStrings(a.Tags),
		marshalStrings(a.LinkedMemoryIDs), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("save attachment: %w", err)
	}
	return nil
}

// SearchAttachments FTS-searches attachment descriptions, transcriptions,
// extracted text, and filenames.
func (s *Store) SearchAttachments(ctx context.Context, query string, limit int) ([]*models.StoredAttachment, error) {
	if limit <= 0 {
		limit = 5
	}
	fts := ftsQuery(query)
	if fts == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT a.id, a.session_id, a.episode_id,
		a.filename, a.mime_type, a.local_path, a.url, a.direction,
		a.description, a.transcription, a.extracted_text, a.tags,
		a.linked_memory_ids, a.created_at
		FROM attachments_fts f
		JOIN attachments a ON a.rowid = f.rowid
		WHERE attachments_fts MATCH ?
		ORDER BY bm25(attachments_fts) LIMIT ?`, fts, limit)
	if err != nil {
		return nil, nil
	}
	defer rows.Close()
	var out []*models.StoredAttachment
	for rows.Next() {
		var a models.StoredAttachment
		var direction, tags, linked string
		if err := rows.Scan(&a.ID, &a.SessionID, &a.EpisodeID, &a.Filename,
			&a.MimeType, &a.LocalPath, &a.URL, &direction, &a.Description,
			&a.Transcription, &a.ExtractedText, &tags, &linked, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Direction = models.AttachmentDirection(direction)
		a.Tags = unmarshalStrings(tags)
		a.LinkedMemoryIDs = unmarshalStrings(linked)
		out = append(out, &a)
	}
	return out, rows.Err()
}
