// Package insight wraps the language model behind the memory service:
// rolling summary merges, chunk metadata, end-of-session reflection, and
// long-term profile synthesis. Reflection and metadata extraction degrade
// to fixed fallbacks instead of failing, so a model outage never blocks
// the session lifecycle.
package insight

import (
	"context"

	"github.com/szaher/recall/internal/model"
)

// ExtractedInsight is a single observation from session reflection, before
// it is assigned an ID and persisted. The JSON tags double as the model's
// output wire format.
type ExtractedInsight struct {
	InsightText string  `json:"insight_text"`
	Category    string  `json:"category"`
	Confidence  float64 `json:"confidence"`
	Importance  string  `json:"importance"`
}

// Analysis is the combined end-of-session result produced by a single
// reflection call: summary, topics, and zero to five insights.
type Analysis struct {
	Summary               string             `json:"session_summary"`
	KeyTopics             []string           `json:"key_topics"`
	Insights              []ExtractedInsight `json:"insights"`
	HasMeaningfulInsights bool               `json:"has_meaningful_insights"`
}

// ChunkMetadata indexes a compacted conversation chunk for retrieval.
type ChunkMetadata struct {
	Summary   string   `json:"summary"`
	KeyTopics []string `json:"mentioned_topics"`
	Entities  []string `json:"entities"`
}

// Service is the summarization and reflection boundary of the memory core.
type Service interface {
	// MergeSummary folds new turns into the running summary, keeping it
	// under roughly a hundred words. On error the caller keeps the old
	// summary; empty model output also falls back to the old summary.
	MergeSummary(ctx context.Context, oldSummary string, turns []model.ConversationTurn) (string, error)

	// AnalyzeSession reflects over a completed session. It never fails:
	// sessions with under ten characters of content get the brief-session
	// fallback, and model errors degrade to a generic analysis with
	// HasMeaningfulInsights false.
	AnalyzeSession(ctx context.Context, cumulativeSummary string, recentTurns []model.ConversationTurn) Analysis

	// ExtractChunkMetadata summarizes and indexes one chunk of turns,
	// degrading to placeholder metadata when the model call fails.
	ExtractChunkMetadata(ctx context.Context, turns []model.ConversationTurn) ChunkMetadata

	// SynthesizeProfile merges a baseline profile with newer insights
	// into a 200-300 word user profile.
	SynthesizeProfile(ctx context.Context, baseline string, insights []model.Insight) (string, error)
}
