package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pocketmind/pocketmind/pkg/models"
)

// ErrDuplicate is returned by AddMemory when dedup rejects the candidate.
var ErrDuplicate = errors.New("memory: duplicate content")

// ErrNotFound is returned when a memory id does not exist.
var ErrNotFound = errors.New("memory: not found")

// semanticDedupThreshold is the cosine-distance ceiling under which two
// memories count as the same fact.
const semanticDedupThreshold = 0.12

// AddMemory inserts a semantic memory after string and semantic dedup.
// Returns the stored row, or ErrDuplicate when an equivalent memory
// already exists.
func (s *Store) AddMemory(ctx context.Context, m *models.SemanticMemory) (*models.SemanticMemory, error) {
	if strings.TrimSpace(m.Content) == "" {
		return nil, fmt.Errorf("memory content is required")
	}
	if dup, err := s.findDuplicate(ctx, m.Content); err != nil {
		return nil, err
	} else if dup != "" {
		return nil, fmt.Errorf("%w (existing id %s)", ErrDuplicate, dup)
	}
	return s.insertMemory(ctx, m)
}

// insertMemory writes the row without dedup; consolidation uses it after
// running its own sweep.
func (s *Store) insertMemory(ctx context.Context, m *models.SemanticMemory) (*models.SemanticMemory, error) {
	now := s.now()
	stored := *m
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Type == "" {
		stored.Type = models.MemoryFact
	}
	if stored.Priority == "" {
		stored.Priority = models.PriorityShortTerm
	}
	if stored.ImportanceScore <= 0 {
		stored.ImportanceScore = 0.5
	}
	if stored.Confidence <= 0 {
		stored.Confidence = 1.0
	}
	if stored.DecayRate <= 0 {
		stored.DecayRate = 0.05
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if stored.LastAccessedAt.IsZero() {
		stored.LastAccessedAt = now
	}

	var expires any
	if !stored.ExpiresAt.IsZero() {
		expires = stored.ExpiresAt
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO memories
		(id, content, type, priority, subject, predicate, importance_score,
		 confidence, access_count, decay_rate, tags, source, created_at,
		 updated_at, last_accessed_at, expires_at, superseded_by, source_episode_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.Content, string(stored.Type), string(stored.Priority),
		stored.Subject, stored.Predicate, stored.ImportanceScore,
		stored.Confidence, stored.AccessCount, stored.DecayRate,
		marshalStrings(stored.Tags), stored.Source, stored.CreatedAt,
		stored.UpdatedAt, stored.LastAccessedAt, expires,
		stored.SupersededBy, stored.SourceEpisodeID)
	if err != nil {
		return nil, fmt.Errorf("insert memory: %w", err)
	}
	return &stored, nil
}

// findDuplicate returns the id of an existing memory that duplicates the
// candidate content: exact string match first, then FTS recall filtered by
// cosine distance.
func (s *Store) findDuplicate(ctx context.Context, content string) (string, error) {
	normalized := normalizeContent(content)

	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM memories WHERE superseded_by = '' AND content = ?`,
		content).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("string dedup: %w", err)
	}

	query := ftsQuery(normalized)
	if query == "" {
		return "", nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT m.id, m.content
		FROM memories_fts f
		JOIN memories m ON m.rowid = f.rowid
		WHERE memories_fts MATCH ? AND m.superseded_by = ''
		ORDER BY bm25(memories_fts) LIMIT 10`, query)
	if err != nil {
		// An unparseable FTS query must not block the write path.
		return "", nil
	}
	defer rows.Close()
	for rows.Next() {
		var candID, candContent string
		if err := rows.Scan(&candID, &candContent); err != nil {
			return "", err
		}
		if cosineDistance(normalized, normalizeContent(candContent)) < semanticDedupThreshold {
			return candID, nil
		}
	}
	return "", rows.Err()
}

// GetMemory loads one memory by id.
func (s *Store) GetMemory(ctx context.Context, id string) (*models.SemanticMemory, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return m, err
}

// UpdateMemory rewrites mutable fields of an existing memory.
func (s *Store) UpdateMemory(ctx context.Context, m *models.SemanticMemory) error {
	res, err := s.db.ExecContext(ctx, `UPDATE memories SET
		content = ?, type = ?, priority = ?, subject = ?, predicate = ?,
		importance_score = ?, confidence = ?, decay_rate = ?, tags = ?,
		updated_at = ?, expires_at = ?, superseded_by = ?
		WHERE id = ?`,
		m.Content, string(m.Type), string(m.Priority), m.Subject, m.Predicate,
		m.ImportanceScore, m.Confidence, m.DecayRate, marshalStrings(m.Tags),
		s.now(), nullableTime(m.ExpiresAt), m.SupersededBy, m.ID)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMemory removes a memory row (the FTS trigger drops the mirror).
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchMemory bumps access counters after a retrieval hit.
func (s *Store) TouchMemory(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE memories SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`,
		s.now(), id)
	return err
}

// ListMemories returns non-superseded memories, optionally filtered by
// type, newest first.
func (s *Store) ListMemories(ctx context.Context, memType models.MemoryType, limit int) ([]*models.SemanticMemory, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + memoryColumns + ` FROM memories WHERE superseded_by = ''`
	args := []any{}
	if memType != "" {
		query += ` AND type = ?`
		args = append(args, string(memType))
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

const memoryColumns = `id, content, type, priority, subject, predicate,
	importance_score, confidence, access_count, decay_rate, tags, source,
	created_at, updated_at, last_accessed_at, expires_at, superseded_by,
	source_episode_id`

type rowScanner interface{ Scan(dest ...any) error }

func scanMemory(row rowScanner) (*models.SemanticMemory, error) {
	var m models.SemanticMemory
	var memType, priority, tags string
	var lastAccessed, expires sql.NullTime
	err := row.Scan(&m.ID, &m.Content, &memType, &priority, &m.Subject,
		&m.Predicate, &m.ImportanceScore, &m.Confidence, &m.AccessCount,
		&m.DecayRate, &tags, &m.Source, &m.CreatedAt, &m.UpdatedAt,
		&lastAccessed, &expires, &m.SupersededBy, &m.SourceEpisodeID)
	if err != nil {
		return nil, err
	}
	m.Type = models.MemoryType(memType)
	m.Priority = models.MemoryPriority(priority)
	m.Tags = unmarshalStrings(tags)
	if lastAccessed.Valid {
		m.LastAccessedAt = lastAccessed.Time
	}
	if expires.Valid {
		m.ExpiresAt = expires.Time
	}
	return &m, nil
}

func scanMemories(rows *sql.Rows) ([]*models.SemanticMemory, error) {
	var out []*models.SemanticMemory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
