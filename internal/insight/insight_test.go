package insight

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/szaher/recall/internal/embed"
	"github.com/szaher/recall/internal/llm"
	"github.com/szaher/recall/internal/model"
)

func turn(role model.Role, content string) model.ConversationTurn {
	return model.ConversationTurn{Role: role, Content: content, Timestamp: time.Now().UTC()}
}

func TestMergeSummaryPlaceholder(t *testing.T) {
	mock := llm.NewMockClient(llm.MockResponse{Content: "merged summary"})
	svc := NewLLMService(mock, "primary", "mini", nil)

	got, err := svc.MergeSummary(context.Background(), "", []model.ConversationTurn{
		turn(model.RoleUser, "hello"),
	})
	if err != nil {
		t.Fatalf("MergeSummary() error: %v", err)
	}
	if got != "merged summary" {
		t.Errorf("merged = %q, want %q", got, "merged summary")
	}

	calls := mock.Calls()
	if len(calls) != 1 {
		t.Fatalf("got %d model calls, want 1", len(calls))
	}
	prompt := calls[0].Messages[0].Content
	if !strings.Contains(prompt, "No previous summary.") {
		t.Error("empty old summary should become the placeholder in the prompt")
	}
	if calls[0].Model != "mini" {
		t.Errorf("merge used model %q, want mini", calls[0].Model)
	}
}

func TestMergeSummaryKeepsOldText(t *testing.T) {
	mock := llm.NewMockClient(llm.MockResponse{Content: "updated"})
	svc := NewLLMService(mock, "primary", "mini", nil)

	if _, err := svc.MergeSummary(context.Background(), "previous state", []model.ConversationTurn{
		turn(model.RoleUser, "more"),
	}); err != nil {
		t.Fatalf("MergeSummary() error: %v", err)
	}
	prompt := mock.Calls()[0].Messages[0].Content
	if !strings.Contains(prompt, "previous state") {
		t.Error("prompt should carry the previous summary")
	}
	if strings.Contains(prompt, "No previous summary.") {
		t.Error("placeholder must not appear when a summary exists")
	}
}

func TestMergeSummaryEmptyOutputKeepsOld(t *testing.T) {
	mock := llm.NewMockClient(llm.MockResponse{Content: "   "})
	svc := NewLLMService(mock, "m", "", nil)

	got, err := svc.MergeSummary(context.Background(), "old summary", []model.ConversationTurn{
		turn(model.RoleUser, "hi"),
	})
	if err != nil {
		t.Fatalf("MergeSummary() error: %v", err)
	}
	if got != "old summary" {
		t.Errorf("merged = %q, want the old summary back", got)
	}
}

func TestMergeSummaryError(t *testing.T) {
	mock := llm.NewMockClient(llm.MockResponse{Error: errors.New("boom")})
	svc := NewLLMService(mock, "m", "", nil)

	_, err := svc.MergeSummary(context.Background(), "old", []model.ConversationTurn{
		turn(model.RoleUser, "hi"),
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, model.ErrUpstreamUnavailable) {
		t.Errorf("error = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestMergeSummaryNoTurns(t *testing.T) {
	mock := llm.NewMockClient()
	svc := NewLLMService(mock, "m", "", nil)

	got, err := svc.MergeSummary(context.Background(), "unchanged", nil)
	if err != nil {
		t.Fatalf("MergeSummary() error: %v", err)
	}
	if got != "unchanged" {
		t.Errorf("merged = %q, want unchanged", got)
	}
	if len(mock.Calls()) != 0 {
		t.Error("no turns should mean no model call")
	}
}

func TestAnalyzeSessionBrief(t *testing.T) {
	mock := llm.NewMockClient()
	svc := NewLLMService(mock, "m", "", nil)

	got := svc.AnalyzeSession(context.Background(), "", nil)
	if got.Summary != "Brief session with minimal interaction." {
		t.Errorf("summary = %q, want brief-session fallback", got.Summary)
	}
	if len(got.KeyTopics) != 1 || got.KeyTopics[0] != "minimal interaction" {
		t.Errorf("topics = %v, want [minimal interaction]", got.KeyTopics)
	}
	if got.HasMeaningfulInsights {
		t.Error("brief session must not report meaningful insights")
	}
	if len(mock.Calls()) != 0 {
		t.Error("brief session should skip the model call")
	}
}

func TestAnalyzeSessionParsesFencedJSON(t *testing.T) {
	mock := llm.NewMockClient(llm.MockResponse{Content: "```json\n" + `{
  "session_summary": "User explored index tuning options.",
  "key_topics": ["indexes", "query planning"],
  "insights": [
    {"insight_text": "Prefers concrete examples", "category": "preferences", "confidence": 0.85, "importance": "high"}
  ],
  "has_meaningful_insights": true
}` + "\n```"})
	svc := NewLLMService(mock, "m", "", nil)

	got := svc.AnalyzeSession(context.Background(), "Discussed database index tuning at length.", []model.ConversationTurn{
		turn(model.RoleUser, "how do I speed up this query?"),
		turn(model.RoleAssistant, "start with an index on the filter column"),
	})
	if got.Summary != "User explored index tuning options." {
		t.Errorf("summary = %q", got.Summary)
	}
	if len(got.Insights) != 1 || got.Insights[0].Category != "preferences" {
		t.Errorf("insights = %+v, want one preferences insight", got.Insights)
	}
	if !got.HasMeaningfulInsights {
		t.Error("HasMeaningfulInsights = false, want true")
	}

	prompt := mock.Calls()[0].Messages[0].Content
	if !strings.Contains(prompt, "Recent turns:") {
		t.Error("analysis prompt should include the recent turns block")
	}
	if !strings.Contains(prompt, "Discussed database index tuning") {
		t.Error("analysis prompt should include the cumulative summary")
	}
}

func TestAnalyzeSessionFallbackOnError(t *testing.T) {
	mock := llm.NewMockClient(llm.MockResponse{Error: errors.New("model down")})
	svc := NewLLMService(mock, "m", "", nil)

	got := svc.AnalyzeSession(context.Background(), "A long enough cumulative summary.", nil)
	if got.Summary != "Session completed with discussion." {
		t.Errorf("summary = %q, want generic fallback", got.Summary)
	}
	if len(got.KeyTopics) != 1 || got.KeyTopics[0] != "general discussion" {
		t.Errorf("topics = %v, want [general discussion]", got.KeyTopics)
	}
	if got.HasMeaningfulInsights {
		t.Error("fallback analysis must not report meaningful insights")
	}
}

func TestAnalyzeSessionFallbackOnGarbage(t *testing.T) {
	mock := llm.NewMockClient(llm.MockResponse{Content: "I could not produce JSON, sorry."})
	svc := NewLLMService(mock, "m", "", nil)

	got := svc.AnalyzeSession(context.Background(), "A long enough cumulative summary.", nil)
	if got.Summary != "Session completed with discussion." {
		t.Errorf("summary = %q, want generic fallback", got.Summary)
	}
}

func TestAnalyzeSessionSanitizes(t *testing.T) {
	mock := llm.NewMockClient(llm.MockResponse{Content: `{
  "session_summary": "",
  "key_topics": ["a", "b", "c", "d", "e", "f", "g"],
  "insights": [
    {"insight_text": "x", "category": "goals", "confidence": 1.8, "importance": ""}
  ],
  "has_meaningful_insights": true
}`})
	svc := NewLLMService(mock, "m", "", nil)

	got := svc.AnalyzeSession(context.Background(), "Plenty of session content here.", nil)
	if got.Summary != "Session completed with discussion." {
		t.Errorf("empty summary should be backfilled, got %q", got.Summary)
	}
	if len(got.KeyTopics) != 5 {
		t.Errorf("topics should be clamped to 5, got %d", len(got.KeyTopics))
	}
	if got.Insights[0].Confidence != 1 {
		t.Errorf("confidence = %v, want clamped to 1", got.Insights[0].Confidence)
	}
	if got.Insights[0].Importance != "medium" {
		t.Errorf("importance = %q, want medium default", got.Insights[0].Importance)
	}
}

func TestAnalyzeSessionDropsInsightsWhenNotMeaningful(t *testing.T) {
	mock := llm.NewMockClient(llm.MockResponse{Content: `{
  "session_summary": "Short chat.",
  "key_topics": ["chat"],
  "insights": [{"insight_text": "stray", "category": "goals", "confidence": 0.5, "importance": "low"}],
  "has_meaningful_insights": false
}`})
	svc := NewLLMService(mock, "m", "", nil)

	got := svc.AnalyzeSession(context.Background(), "Plenty of session content here.", nil)
	if len(got.Insights) != 0 {
		t.Errorf("insights = %v, want none when has_meaningful_insights is false", got.Insights)
	}
}

func TestExtractChunkMetadata(t *testing.T) {
	mock := llm.NewMockClient(llm.MockResponse{Content: `{"summary": "Compared two caching strategies.", "mentioned_topics": ["caching"], "entities": ["LRU"]}`})
	svc := NewLLMService(mock, "m", "", nil)

	got := svc.ExtractChunkMetadata(context.Background(), []model.ConversationTurn{
		turn(model.RoleUser, "should I use an LRU cache?"),
	})
	if got.Summary != "Compared two caching strategies." {
		t.Errorf("summary = %q", got.Summary)
	}
	if len(got.Entities) != 1 || got.Entities[0] != "LRU" {
		t.Errorf("entities = %v, want [LRU]", got.Entities)
	}
}

func TestExtractChunkMetadataFallback(t *testing.T) {
	mock := llm.NewMockClient(llm.MockResponse{Error: errors.New("model down")})
	svc := NewLLMService(mock, "m", "", nil)

	got := svc.ExtractChunkMetadata(context.Background(), []model.ConversationTurn{
		turn(model.RoleUser, "hi"),
	})
	if got.Summary != "Conversation chunk" {
		t.Errorf("summary = %q, want placeholder", got.Summary)
	}
	if len(got.KeyTopics) != 0 || len(got.Entities) != 0 {
		t.Errorf("fallback metadata should be empty, got %+v", got)
	}
}

func TestSynthesizeProfile(t *testing.T) {
	mock := llm.NewMockClient(llm.MockResponse{Content: "A considered profile."})
	svc := NewLLMService(mock, "primary", "mini", nil)

	insights := []model.Insight{{InsightText: "likes terse answers", Category: "preferences", Confidence: 0.8}}
	got, err := svc.SynthesizeProfile(context.Background(), "baseline text", insights)
	if err != nil {
		t.Fatalf("SynthesizeProfile() error: %v", err)
	}
	if got != "A considered profile." {
		t.Errorf("profile = %q", got)
	}

	call := mock.Calls()[0]
	if call.Model != "primary" {
		t.Errorf("synthesis used model %q, want primary", call.Model)
	}
	if !strings.Contains(call.Messages[0].Content, "baseline text") {
		t.Error("prompt should include the baseline")
	}
	if !strings.Contains(call.Messages[0].Content, "likes terse answers") {
		t.Error("prompt should include the insight text")
	}
}

// fakeInsightStore implements InsightStore in memory for synthesizer tests.
type fakeInsightStore struct {
	insights []model.Insight
	stored   []model.Insight
	err      error
}

func (f *fakeInsightStore) InsightsByUser(_ context.Context, _, _ string, _ int) ([]model.Insight, error) {
	return f.insights, f.err
}

func (f *fakeInsightStore) PutInsight(_ context.Context, ins model.Insight) error {
	f.stored = append(f.stored, ins)
	return nil
}

func (f *fakeInsightStore) DistinctUsers(_ context.Context) ([]string, error) {
	return []string{"u1"}, nil
}

func TestSynthesizerRun(t *testing.T) {
	store := &fakeInsightStore{insights: []model.Insight{
		{SessionID: "s3", InsightText: "asks for examples", Category: "preferences", Confidence: 0.9},
		{InsightText: "old profile", Category: model.CategoryLongTermSynthesis, Confidence: 0.8},
		{SessionID: "s2", InsightText: "knows SQL well", Category: "knowledge_level", Confidence: 0.8},
		{SessionID: "s1", InsightText: "wants to ship by June", Category: "goals", Confidence: 0.7},
	}}
	mock := llm.NewMockClient(llm.MockResponse{Content: "Fresh synthesized profile."})
	svc := NewLLMService(mock, "primary", "mini", nil)
	sy := NewSynthesizer(store, svc, embed.Noop{}, 3, nil)

	got, err := sy.Run(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got.Category != model.CategoryLongTermSynthesis {
		t.Errorf("category = %q, want %q", got.Category, model.CategoryLongTermSynthesis)
	}
	if got.InsightText != "Fresh synthesized profile." {
		t.Errorf("text = %q", got.InsightText)
	}
	if got.SessionID != "" {
		t.Errorf("synthesized insight should carry no session id, got %q", got.SessionID)
	}
	wantConfidence := (0.9 + 0.8 + 0.7) / 3
	if diff := got.Confidence - wantConfidence; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("confidence = %v, want %v", got.Confidence, wantConfidence)
	}
	if len(store.stored) != 1 {
		t.Fatalf("stored %d insights, want 1", len(store.stored))
	}

	// The prior synthesis must be the baseline, not a source insight.
	prompt := mock.Calls()[0].Messages[0].Content
	if !strings.Contains(prompt, "old profile") {
		t.Error("prompt should carry the prior profile as baseline")
	}
}

func TestSynthesizerInsufficientSessions(t *testing.T) {
	store := &fakeInsightStore{insights: []model.Insight{
		{SessionID: "s1", InsightText: "a", Confidence: 0.9},
		{SessionID: "s1", InsightText: "b", Confidence: 0.9},
		{SessionID: "s2", InsightText: "c", Confidence: 0.9},
	}}
	sy := NewSynthesizer(store, Static{}, embed.Noop{}, 3, nil)

	_, err := sy.Run(context.Background(), "u1")
	if !errors.Is(err, ErrInsufficientInsights) {
		t.Errorf("error = %v, want ErrInsufficientInsights", err)
	}
	if len(store.stored) != 0 {
		t.Error("insufficient data must not store anything")
	}
}

func TestStaticMergeCapsWords(t *testing.T) {
	long := strings.Repeat("word ", 120)
	got, err := Static{}.MergeSummary(context.Background(), long, []model.ConversationTurn{
		turn(model.RoleUser, "tail"),
	})
	if err != nil {
		t.Fatalf("MergeSummary() error: %v", err)
	}
	if n := len(strings.Fields(got)); n != 100 {
		t.Errorf("merged summary has %d words, want 100", n)
	}
	if !strings.HasSuffix(got, "tail") {
		t.Error("merge should keep the most recent words")
	}
}

func TestStaticAnalyzeBrief(t *testing.T) {
	got := Static{}.AnalyzeSession(context.Background(), "", nil)
	if got.Summary != "Brief session with minimal interaction." {
		t.Errorf("summary = %q, want brief-session fallback", got.Summary)
	}
}
