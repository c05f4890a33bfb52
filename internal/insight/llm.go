package insight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/szaher/recall/internal/llm"
	"github.com/szaher/recall/internal/model"
)

const defaultMaxTokens = 1024

// LLMService implements Service on a chat model client. The mini model
// runs the frequent merge, metadata, and reflection calls; the primary
// model runs profile synthesis.
type LLMService struct {
	client    llm.Client
	model     string
	miniModel string
	maxTokens int
	logger    *slog.Logger
}

// NewLLMService builds a Service on client. miniModel falls back to model
// when empty; a nil logger discards the degraded-path warnings.
func NewLLMService(client llm.Client, model, miniModel string, logger *slog.Logger) *LLMService {
	if miniModel == "" {
		miniModel = model
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &LLMService{
		client:    client,
		model:     model,
		miniModel: miniModel,
		maxTokens: defaultMaxTokens,
		logger:    logger,
	}
}

// MergeSummary folds turns into the running summary with a single mini
// model call. Empty turn slices and empty model output both leave the old
// summary in place.
func (s *LLMService) MergeSummary(ctx context.Context, oldSummary string, turns []model.ConversationTurn) (string, error) {
	if len(turns) == 0 {
		return oldSummary, nil
	}
	out, err := s.chat(ctx, s.miniModel,
		"You are a conversation summarization assistant.",
		buildMergePrompt(oldSummary, turns))
	if err != nil {
		return "", fmt.Errorf("merge summary: %w", model.WrapUpstream(err))
	}
	merged := strings.TrimSpace(out)
	if merged == "" {
		s.logger.Warn("summary merge returned empty output, keeping old summary")
		return oldSummary, nil
	}
	return merged, nil
}

// AnalyzeSession runs the combined summary+topics+insights reflection.
// Content under ten characters yields the brief-session fallback; model or
// parse failures yield the generic fallback. Both carry
// HasMeaningfulInsights false.
func (s *LLMService) AnalyzeSession(ctx context.Context, cumulativeSummary string, recentTurns []model.ConversationTurn) Analysis {
	content := analysisContent(cumulativeSummary, recentTurns)
	if len(strings.TrimSpace(content)) < 10 {
		return Analysis{
			Summary:   "Brief session with minimal interaction.",
			KeyTopics: []string{"minimal interaction"},
		}
	}

	out, err := s.chat(ctx, s.miniModel,
		"You are an expert session analysis assistant.",
		buildAnalysisPrompt(content))
	if err != nil {
		s.logger.Warn("session analysis failed, using fallback", "error", err)
		return fallbackAnalysis()
	}

	var analysis Analysis
	if err := unmarshalModelJSON(out, &analysis); err != nil {
		s.logger.Warn("session analysis returned unparseable output, using fallback", "error", err)
		return fallbackAnalysis()
	}
	return sanitizeAnalysis(analysis)
}

// ExtractChunkMetadata indexes one chunk of turns with a single mini model
// call, degrading to placeholder metadata on any failure.
func (s *LLMService) ExtractChunkMetadata(ctx context.Context, turns []model.ConversationTurn) ChunkMetadata {
	if len(turns) == 0 {
		return fallbackChunkMetadata()
	}
	out, err := s.chat(ctx, s.miniModel,
		"You are a metadata extraction assistant.",
		buildMetadataPrompt(turns))
	if err != nil {
		s.logger.Warn("chunk metadata extraction failed, using fallback", "error", err)
		return fallbackChunkMetadata()
	}

	var meta ChunkMetadata
	if err := unmarshalModelJSON(out, &meta); err != nil {
		s.logger.Warn("chunk metadata unparseable, using fallback", "error", err)
		return fallbackChunkMetadata()
	}
	if strings.TrimSpace(meta.Summary) == "" {
		meta.Summary = "Conversation chunk"
	}
	if len(meta.KeyTopics) > 5 {
		meta.KeyTopics = meta.KeyTopics[:5]
	}
	return meta
}

// SynthesizeProfile merges the baseline profile with newer insights using
// the primary model.
func (s *LLMService) SynthesizeProfile(ctx context.Context, baseline string, insights []model.Insight) (string, error) {
	if len(insights) == 0 {
		return "", errors.New("synthesize profile: no insights")
	}
	out, err := s.chat(ctx, s.model,
		"You are a long-term user profile assistant for agent memory.",
		buildProfilePrompt(baseline, insights))
	if err != nil {
		return "", fmt.Errorf("synthesize profile: %w", model.WrapUpstream(err))
	}
	profile := strings.TrimSpace(out)
	if profile == "" {
		return "", errors.New("synthesize profile: empty model output")
	}
	return profile, nil
}

func (s *LLMService) chat(ctx context.Context, modelName, system, prompt string) (string, error) {
	resp, err := s.client.Chat(ctx, llm.ChatRequest{
		Model:     modelName,
		System:    system,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		MaxTokens: s.maxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func fallbackAnalysis() Analysis {
	return Analysis{
		Summary:   "Session completed with discussion.",
		KeyTopics: []string{"general discussion"},
	}
}

func fallbackChunkMetadata() ChunkMetadata {
	return ChunkMetadata{Summary: "Conversation chunk"}
}

// sanitizeAnalysis enforces the output contract: non-empty summary, at
// most five topics and insights, confidences clamped to [0,1].
func sanitizeAnalysis(a Analysis) Analysis {
	if strings.TrimSpace(a.Summary) == "" {
		a.Summary = "Session completed with discussion."
	}
	if len(a.KeyTopics) > 5 {
		a.KeyTopics = a.KeyTopics[:5]
	}
	if len(a.Insights) > 5 {
		a.Insights = a.Insights[:5]
	}
	for i := range a.Insights {
		if a.Insights[i].Confidence < 0 {
			a.Insights[i].Confidence = 0
		}
		if a.Insights[i].Confidence > 1 {
			a.Insights[i].Confidence = 1
		}
		if a.Insights[i].Importance == "" {
			a.Insights[i].Importance = "medium"
		}
	}
	if !a.HasMeaningfulInsights {
		a.Insights = nil
	}
	return a
}

// unmarshalModelJSON decodes a JSON object from model output, tolerating
// markdown code fences and prose around the object.
func unmarshalModelJSON(out string, v any) error {
	out = strings.TrimSpace(out)
	if strings.HasPrefix(out, "```") {
		out = strings.TrimPrefix(out, "```json")
		out = strings.TrimPrefix(out, "```")
		if i := strings.LastIndex(out, "```"); i >= 0 {
			out = out[:i]
		}
		out = strings.TrimSpace(out)
	}
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start < 0 || end <= start {
		return errors.New("no JSON object in model output")
	}
	return json.Unmarshal([]byte(out[start:end+1]), v)
}

var _ Service = (*LLMService)(nil)
