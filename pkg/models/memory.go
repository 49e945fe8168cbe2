package models

import "time"

// MemoryType classifies a semantic memory atom.
type MemoryType string

const (
	MemoryFact         MemoryType = "fact"
	MemoryPreference   MemoryType = "preference"
	MemorySkill        MemoryType = "skill"
	MemoryError        MemoryType = "error"
	MemoryRule         MemoryType = "rule"
	MemoryContext      MemoryType = "context"
	MemoryPersonaTrait MemoryType = "persona_trait"
)

// MemoryPriority is the retention tier of a semantic memory.
type MemoryPriority string

const (
	PriorityTransient MemoryPriority = "transient"
	PriorityShortTerm MemoryPriority = "short_term"
	PriorityLongTerm  MemoryPriority = "long_term"
	PriorityPermanent MemoryPriority = "permanent"
)

// SemanticMemory is a durable, typed knowledge atom with importance and
// decay.
type SemanticMemory struct {
	ID              string         `json:"id"`
	Content         string         `json:"content"`
	Type            MemoryType     `json:"type"`
	Priority        MemoryPriority `json:"priority"`
	Subject         string         `json:"subject,omitempty"`
	Predicate       string         `json:"predicate,omitempty"`
	ImportanceScore float64        `json:"importance_score"`
	Confidence      float64        `json:"confidence"`
	AccessCount     int            `json:"access_count"`
	DecayRate       float64        `json:"decay_rate"`
	Tags            []string       `json:"tags,omitempty"`
	Source          string         `json:"source,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	LastAccessedAt  time.Time      `json:"last_accessed_at,omitempty"`
	ExpiresAt       time.Time      `json:"expires_at,omitempty"`
	SupersededBy    string         `json:"superseded_by,omitempty"`
	SourceEpisodeID string         `json:"source_episode_id,omitempty"`
}

// EpisodeOutcome summarizes how a session ended.
type EpisodeOutcome string

const (
	OutcomeSuccess   EpisodeOutcome = "success"
	OutcomePartial   EpisodeOutcome = "partial"
	OutcomeFailed    EpisodeOutcome = "failed"
	OutcomeCompleted EpisodeOutcome = "completed"
)

// Episode is the consolidated trace of one session.
type Episode struct {
	ID              string         `json:"id"`
	SessionID       string         `json:"session_id"`
	Summary         string         `json:"summary"`
	Goal            string         `json:"goal,omitempty"`
	Outcome         EpisodeOutcome `json:"outcome"`
	StartedAt       time.Time      `json:"started_at"`
	EndedAt         time.Time      `json:"ended_at,omitempty"`
	ActionNodes     []string       `json:"action_nodes,omitempty"`
	Entities        []string       `json:"entities,omitempty"`
	ToolsUsed       []string       `json:"tools_used,omitempty"`
	LinkedMemoryIDs []string       `json:"linked_memory_ids,omitempty"`
	ImportanceScore float64        `json:"importance_score"`
}

// AttachmentDirection indicates which way a file crossed the gateway.
type AttachmentDirection string

const (
	AttachmentInbound  AttachmentDirection = "inbound"
	AttachmentOutbound AttachmentDirection = "outbound"
)

// StoredAttachment is a file remembered alongside the conversation that
// produced it.
type StoredAttachment struct {
	ID            string              `json:"id"`
	SessionID     string              `json:"session_id,omitempty"`
	EpisodeID     string              `json:"episode_id,omitempty"`
	Filename      string              `json:"filename"`
	MimeType      string              `json:"mime_type,omitempty"`
	LocalPath     string              `json:"local_path,omitempty"`
	URL           string              `json:"url,omitempty"`
	Direction     AttachmentDirection `json:"direction"`
	Description   string              `json:"description,omitempty"`
	Transcription string              `json:"transcription,omitempty"`
	ExtractedText string              `json:"extracted_text,omitempty"`
	Tags          []string            `json:"tags,omitempty"`
	LinkedMemoryIDs []string          `json:"linked_memory_ids,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

// ConversationTurn is one archived raw turn. Turn indices are monotonic per
// session.
type ConversationTurn struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	TurnIndex   int       `json:"turn_index"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	ToolCalls   string    `json:"tool_calls,omitempty"`
	ToolResults string    `json:"tool_results,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Extracted   bool      `json:"extracted"`
}

// Scratchpad is the per-user working-state row, surfaced only on request.
type Scratchpad struct {
	UserID         string    `json:"user_id"`
	Content        string    `json:"content,omitempty"`
	ActiveProjects string    `json:"active_projects,omitempty"`
	CurrentFocus   string    `json:"current_focus,omitempty"`
	OpenQuestions  string    `json:"open_questions,omitempty"`
	NextSteps      string    `json:"next_steps,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}
