// Package model defines the core data types of the memory backend: turns,
// session records, interaction chunks, and insights, together with the error
// taxonomy shared by every layer.
package model

import "time"

// Role identifies the sender of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Session lifecycle status values stored on a SessionRecord.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// ConversationTurn is a single utterance in a session. Immutable once created;
// it is owned by the turn buffer that holds it until pruned. Empty content is
// legal: a turn may carry only structured side information.
type ConversationTurn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// RecentSessionSummary is one completed session's summary as loaded into the
// session-initialization snapshot.
type RecentSessionSummary struct {
	SessionID string   `json:"session_id"`
	EndTime   string   `json:"end_time"`
	Summary   string   `json:"summary"`
	KeyTopics []string `json:"key_topics,omitempty"`
}

// SessionInitContext is the read-only snapshot loaded once at session start:
// the user's long-term insight block plus their most recent completed session
// summaries, newest first.
type SessionInitContext struct {
	LongTermInsight string                 `json:"longterm_insight,omitempty"`
	RecentSummaries []RecentSessionSummary `json:"recent_summaries,omitempty"`
}

// SessionRecord is the durable row tracking one session. It is mutable while
// Status is "active"; once "completed" it is terminal and any later write
// targeting it must be a no-op (enforced by every storage backend).
type SessionRecord struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	StartTime         time.Time `json:"start_time"`
	EndTime           time.Time `json:"end_time,omitzero"`
	Status            string    `json:"status"`
	CumulativeSummary string    `json:"cumulative_summary"`
	TurnCount         int       `json:"turn_count"`
	Summary           string    `json:"summary,omitempty"`
	SummaryVector     []float32 `json:"summary_vector,omitempty"`
	KeyTopics         []string  `json:"key_topics,omitempty"`
	LastUpdated       time.Time `json:"last_updated,omitzero"`
}

// Completed reports whether the record has reached its terminal status.
func (r SessionRecord) Completed() bool {
	return r.Status == StatusCompleted
}

// InteractionChunk is the write-once durable record of exactly the turns
// removed from a buffer at one compaction (or the final flush), flattened to
// one "role: content" line per turn, plus generated metadata and embeddings.
type InteractionChunk struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	SessionID     string    `json:"session_id"`
	Timestamp     time.Time `json:"timestamp"`
	Content       string    `json:"content"`
	ContentVector []float32 `json:"content_vector,omitempty"`
	Summary       string    `json:"summary"`
	SummaryVector []float32 `json:"summary_vector,omitempty"`
	KeyTopics     []string  `json:"key_topics,omitempty"`
	Entities      []string  `json:"entities,omitempty"`
}

// InsightEvidence links an insight back to the session analysis it came from.
type InsightEvidence struct {
	SessionSummary string   `json:"session_summary,omitempty"`
	KeyTopics      []string `json:"key_topics,omitempty"`
}

// Insight is a durable, categorized, confidence-scored fact about a user,
// extracted at session end or produced by long-term synthesis. Append-only.
type Insight struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	SessionID   string          `json:"session_id,omitempty"`
	InsightText string          `json:"insight_text"`
	Category    string          `json:"category"`
	Confidence  float64         `json:"confidence"`
	Importance  string          `json:"importance,omitempty"`
	ExtractedAt time.Time       `json:"extracted_at"`
	Vector      []float32       `json:"vector,omitempty"`
	Evidence    InsightEvidence `json:"evidence,omitzero"`
}

// CategoryLongTermSynthesis marks insights produced by profile synthesis
// rather than per-session reflection.
const CategoryLongTermSynthesis = "long_term_synthesis"

// ScoredDoc is a search hit from one of the durable collections.
type ScoredDoc struct {
	Kind      string    `json:"kind"` // "chunk", "summary", or "insight"
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	Text      string    `json:"text"`
	Score     float64   `json:"score"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}
