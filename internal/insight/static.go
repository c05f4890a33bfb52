package insight

import (
	"context"
	"fmt"
	"strings"

	"github.com/szaher/recall/internal/model"
)

// Static is a deterministic Service used in dev mode and tests. It does
// no model calls: merges are word-capped concatenations, analyses carry
// no insights, and chunk metadata is a turn count. Crude but predictable.
type Static struct{}

// MergeSummary appends the new turn content to the old summary and keeps
// the most recent hundred words.
func (Static) MergeSummary(_ context.Context, oldSummary string, turns []model.ConversationTurn) (string, error) {
	if len(turns) == 0 {
		return oldSummary, nil
	}
	words := strings.Fields(oldSummary)
	for _, t := range turns {
		words = append(words, strings.Fields(t.Content)...)
	}
	if len(words) > 100 {
		words = words[len(words)-100:]
	}
	return strings.Join(words, " "), nil
}

// AnalyzeSession returns a deterministic analysis without insights. The
// brief-session fallback applies exactly as in the model-backed service.
func (Static) AnalyzeSession(_ context.Context, cumulativeSummary string, recentTurns []model.ConversationTurn) Analysis {
	content := analysisContent(cumulativeSummary, recentTurns)
	if len(strings.TrimSpace(content)) < 10 {
		return Analysis{
			Summary:   "Brief session with minimal interaction.",
			KeyTopics: []string{"minimal interaction"},
		}
	}
	summary := cumulativeSummary
	if strings.TrimSpace(summary) == "" {
		summary = fmt.Sprintf("Session with %d recent turns.", len(recentTurns))
	}
	return Analysis{
		Summary:   summary,
		KeyTopics: []string{"general discussion"},
	}
}

// ExtractChunkMetadata returns a turn-count placeholder summary.
func (Static) ExtractChunkMetadata(_ context.Context, turns []model.ConversationTurn) ChunkMetadata {
	if len(turns) == 0 {
		return fallbackChunkMetadata()
	}
	return ChunkMetadata{
		Summary: fmt.Sprintf("Conversation chunk with %d turns.", len(turns)),
	}
}

// SynthesizeProfile concatenates the baseline with the insight texts.
func (Static) SynthesizeProfile(_ context.Context, baseline string, insights []model.Insight) (string, error) {
	parts := make([]string, 0, len(insights)+1)
	if strings.TrimSpace(baseline) != "" {
		parts = append(parts, strings.TrimSpace(baseline))
	}
	for _, ins := range insights {
		parts = append(parts, ins.InsightText)
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("synthesize profile: no insights")
	}
	return strings.Join(parts, " "), nil
}

var _ Service = Static{}
