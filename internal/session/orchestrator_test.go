package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/szaher/recall/internal/insight"
	"github.com/szaher/recall/internal/memory"
	"github.com/szaher/recall/internal/model"
	"github.com/szaher/recall/internal/storage"
	"github.com/szaher/recall/internal/testutil"
)

// scriptedService is Static with a canned end-of-session analysis.
type scriptedService struct {
	insight.Static
	analysis *insight.Analysis
}

func (s *scriptedService) AnalyzeSession(ctx context.Context, summary string, turns []model.ConversationTurn) insight.Analysis {
	if s.analysis != nil {
		return *s.analysis
	}
	return s.Static.AnalyzeSession(ctx, summary, turns)
}

// flakyStore injects scripted PutSession outcomes ahead of a real store.
// A nil entry delegates; a non-nil entry is returned as the failure.
type flakyStore struct {
	Store
	putErrs  []error
	putCalls int
}

func (f *flakyStore) PutSession(ctx context.Context, rec *model.SessionRecord) error {
	f.putCalls++
	if len(f.putErrs) > 0 {
		err := f.putErrs[0]
		f.putErrs = f.putErrs[1:]
		if err != nil {
			return err
		}
	}
	return f.Store.PutSession(ctx, rec)
}

type orcDeps struct {
	store    Store
	embedder *testutil.Embedder
	svc      insight.Service
	cfg      Config
}

func newTestOrchestrator(userID, sessionID string, d orcDeps) *Orchestrator {
	if d.store == nil {
		d.store = storage.NewMemoryStore()
	}
	if d.embedder == nil {
		d.embedder = &testutil.Embedder{Vec: []float32{1, 0, 0}}
	}
	if d.svc == nil {
		d.svc = insight.Static{}
	}
	return NewOrchestrator(userID, sessionID, d.store, d.embedder, d.svc, testutil.InlineQueue{}, d.cfg, nil)
}

func TestInitializeNewCreatesActiveRecord(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	o := newTestOrchestrator("u1", "s1", orcDeps{store: store})

	if got := o.State(); got != StateUninitialized {
		t.Fatalf("State() = %v, want uninitialized", got)
	}
	if err := o.InitializeNew(ctx); err != nil {
		t.Fatalf("InitializeNew() error: %v", err)
	}
	if got := o.State(); got != StateActive {
		t.Errorf("State() = %v, want active", got)
	}

	rec, err := store.GetSession(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("GetSession() error: %v", err)
	}
	if rec.Status != model.StatusActive || rec.TurnCount != 0 || rec.CumulativeSummary != "" {
		t.Errorf("record = %+v, want fresh active record", rec)
	}
	if rec.StartTime.IsZero() {
		t.Error("StartTime is zero")
	}

	if err := o.InitializeNew(ctx); !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("second InitializeNew() error = %v, want ErrInvalidState", err)
	}
}

func TestRestoreMissingSession(t *testing.T) {
	o := newTestOrchestrator("u1", "absent", orcDeps{})
	if _, err := o.Restore(context.Background()); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Restore() error = %v, want ErrNotFound", err)
	}
	if got := o.State(); got != StateUninitialized {
		t.Errorf("State() after failed restore = %v, want uninitialized", got)
	}
}

func TestRestoreCompletedSession(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	now := time.Now().UTC()
	if err := store.PutSession(ctx, &model.SessionRecord{
		ID: "s1", UserID: "u1", StartTime: now.Add(-time.Hour), EndTime: now,
		Status: model.StatusCompleted, LastUpdated: now,
	}); err != nil {
		t.Fatalf("PutSession() error: %v", err)
	}

	o := newTestOrchestrator("u1", "s1", orcDeps{store: store})
	if _, err := o.Restore(ctx); !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("Restore() error = %v, want ErrInvalidState", err)
	}
}

func TestRestoreRehydratesRecentChunks(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	start := time.Now().UTC().Add(-time.Hour)

	if err := store.PutSession(ctx, &model.SessionRecord{
		ID: "s1", UserID: "u1", StartTime: start, Status: model.StatusActive,
		CumulativeSummary: "earlier discussion", TurnCount: 12, LastUpdated: start,
	}); err != nil {
		t.Fatalf("PutSession() error: %v", err)
	}
	for i, content := range []string{
		"user: a1\nassistant: b1",
		"user: a2\nassistant: b2",
		"user: a3\nassistant: b3",
	} {
		chunk := &model.InteractionChunk{
			ID: model.NewChunkID(), UserID: "u1", SessionID: "s1",
			Timestamp: start.Add(time.Duration(i+1) * time.Minute),
			Content:   content,
		}
		if err := store.PutChunk(ctx, chunk); err != nil {
			t.Fatalf("PutChunk() error: %v", err)
		}
	}

	o := newTestOrchestrator("u1", "s1", orcDeps{store: store})
	n, err := o.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	if n != 4 {
		t.Errorf("rehydrated %d turns, want 4 (last two chunks only)", n)
	}

	snap := o.ContextSnapshot()
	if snap.CumulativeSummary != "earlier discussion" {
		t.Errorf("CumulativeSummary = %q, want restored summary", snap.CumulativeSummary)
	}
	var contents []string
	for _, turn := range snap.ActiveTurns {
		contents = append(contents, turn.Content)
	}
	want := []string{"a2", "b2", "a3", "b3"}
	if len(contents) != len(want) {
		t.Fatalf("active turns = %v, want %v", contents, want)
	}
	for i := range want {
		if contents[i] != want[i] {
			t.Errorf("turn[%d] = %q, want %q (chronological order)", i, contents[i], want[i])
		}
	}
	if got := o.keeper.TurnCount(); got != 12 {
		t.Errorf("TurnCount() = %d, want stored count 12", got)
	}
}

func TestRestoreCapsBufferAtCapacity(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	start := time.Now().UTC().Add(-time.Hour)

	if err := store.PutSession(ctx, &model.SessionRecord{
		ID: "s1", UserID: "u1", StartTime: start, Status: model.StatusActive,
		TurnCount: 4, LastUpdated: start,
	}); err != nil {
		t.Fatalf("PutSession() error: %v", err)
	}
	for i, content := range []string{
		"user: a1\nassistant: b1",
		"user: a2\nassistant: b2",
	} {
		chunk := &model.InteractionChunk{
			ID: model.NewChunkID(), UserID: "u1", SessionID: "s1",
			Timestamp: start.Add(time.Duration(i+1) * time.Minute),
			Content:   content,
		}
		if err := store.PutChunk(ctx, chunk); err != nil {
			t.Fatalf("PutChunk() error: %v", err)
		}
	}

	o := newTestOrchestrator("u1", "s1", orcDeps{
		store: store,
		cfg:   Config{Memory: memory.Config{BufferSize: 3, ActiveTurns: 3}},
	})
	if _, err := o.Restore(ctx); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}

	snap := o.ContextSnapshot()
	if snap.Buffer.Size != 3 {
		t.Fatalf("buffer size = %d, want capped at capacity 3", snap.Buffer.Size)
	}
	if got := snap.ActiveTurns[len(snap.ActiveTurns)-1].Content; got != "b2" {
		t.Errorf("newest turn = %q, want b2 (most recent kept)", got)
	}
}

func TestProcessTurnStateGuard(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator("u1", "s1", orcDeps{})

	if _, err := o.ProcessTurn(ctx, "hi", "hello"); !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("ProcessTurn() before init error = %v, want ErrInvalidState", err)
	}

	if err := o.InitializeNew(ctx); err != nil {
		t.Fatalf("InitializeNew() error: %v", err)
	}
	if _, err := o.EndSession(ctx, false); err != nil {
		t.Fatalf("EndSession() error: %v", err)
	}
	if _, err := o.ProcessTurn(ctx, "hi", "hello"); !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("ProcessTurn() after end error = %v, want ErrInvalidState", err)
	}
}

func TestProcessTurnAppendsAndCompacts(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	o := newTestOrchestrator("u1", "s1", orcDeps{
		store: store,
		cfg:   Config{Memory: memory.Config{BufferSize: 4, ActiveTurns: 4}},
	})
	if err := o.InitializeNew(ctx); err != nil {
		t.Fatalf("InitializeNew() error: %v", err)
	}

	res, err := o.ProcessTurn(ctx, "q1", "a1")
	if err != nil {
		t.Fatalf("ProcessTurn() error: %v", err)
	}
	if !res.TurnAdded || res.SummarizationTriggered || res.ActiveTurns != 2 {
		t.Errorf("first turn = %+v, want added, no compaction, 2 active", res)
	}

	res, err = o.ProcessTurn(ctx, "q2", "a2")
	if err != nil {
		t.Fatalf("ProcessTurn() error: %v", err)
	}
	if !res.SummarizationTriggered || res.ActiveTurns != 0 {
		t.Errorf("second turn = %+v, want compaction draining the buffer", res)
	}

	chunks, err := store.RecentChunks(ctx, "u1", "s1", 0)
	if err != nil {
		t.Fatalf("RecentChunks() error: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1 from compaction", len(chunks))
	}
	if !strings.Contains(chunks[0].Content, "user: q1") || !strings.Contains(chunks[0].Content, "assistant: a2") {
		t.Errorf("chunk content = %q, want all four turns flattened", chunks[0].Content)
	}

	rec, err := store.GetSession(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("GetSession() error: %v", err)
	}
	if rec.TurnCount != 4 {
		t.Errorf("TurnCount = %d, want lifetime count 4", rec.TurnCount)
	}
	if rec.CumulativeSummary == "" {
		t.Error("CumulativeSummary empty, want merged summary persisted")
	}
}

func TestEndSessionFinalizesRecord(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	svc := &scriptedService{analysis: &insight.Analysis{
		Summary:               "covered goroutine scheduling",
		KeyTopics:             []string{"goroutines", "scheduling"},
		HasMeaningfulInsights: true,
		Insights: []insight.ExtractedInsight{
			{InsightText: "prefers concrete examples", Category: "preferences", Confidence: 0.9, Importance: "high"},
			{InsightText: "might like videos", Category: "preferences", Confidence: 0.4, Importance: "low"},
		},
	}}
	o := newTestOrchestrator("u1", "s1", orcDeps{store: store, svc: svc})
	if err := o.InitializeNew(ctx); err != nil {
		t.Fatalf("InitializeNew() error: %v", err)
	}
	for _, msgs := range [][2]string{{"q1", "a1"}, {"q2", "a2"}} {
		if _, err := o.ProcessTurn(ctx, msgs[0], msgs[1]); err != nil {
			t.Fatalf("ProcessTurn() error: %v", err)
		}
	}

	sum, err := o.EndSession(ctx, true)
	if err != nil {
		t.Fatalf("EndSession() error: %v", err)
	}
	if sum.Summary != "covered goroutine scheduling" {
		t.Errorf("Summary = %q, want analysis summary", sum.Summary)
	}
	if sum.TurnsCount != 4 {
		t.Errorf("TurnsCount = %d, want 4 (counted before flush)", sum.TurnsCount)
	}
	if sum.InsightsStored != 1 {
		t.Errorf("InsightsStored = %d, want 1 (confidence 0.4 filtered)", sum.InsightsStored)
	}
	if got := o.State(); got != StateEnded {
		t.Errorf("State() = %v, want ended", got)
	}

	rec, err := store.GetSession(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("GetSession() error: %v", err)
	}
	if rec.Status != model.StatusCompleted || rec.EndTime.IsZero() {
		t.Errorf("record = %+v, want completed with end time", rec)
	}
	if rec.Summary != "covered goroutine scheduling" || len(rec.SummaryVector) == 0 {
		t.Errorf("record summary = %q (vector %d), want embedded analysis summary",
			rec.Summary, len(rec.SummaryVector))
	}
	if rec.TurnCount != 4 {
		t.Errorf("record TurnCount = %d, want 4", rec.TurnCount)
	}

	chunks, err := store.RecentChunks(ctx, "u1", "s1", 0)
	if err != nil {
		t.Fatalf("RecentChunks() error: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1 from the final flush", len(chunks))
	}

	stored, err := store.InsightsByUser(ctx, "u1", "", 0)
	if err != nil {
		t.Fatalf("InsightsByUser() error: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("got %d insights, want 1", len(stored))
	}
	ins := stored[0]
	if ins.InsightText != "prefers concrete examples" || ins.SessionID != "s1" {
		t.Errorf("insight = %+v, want the high-confidence one for s1", ins)
	}
	if ins.Evidence.SessionSummary != "covered goroutine scheduling" || len(ins.Evidence.KeyTopics) != 2 {
		t.Errorf("evidence = %+v, want analysis summary and topics", ins.Evidence)
	}
	if len(ins.Vector) == 0 {
		t.Error("insight vector empty, want embedded")
	}

	if _, err := o.EndSession(ctx, false); !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("second EndSession() error = %v, want ErrInvalidState", err)
	}
}

func TestEndSessionWithoutReflectionStoresNothing(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	svc := &scriptedService{analysis: &insight.Analysis{
		Summary:               "short exchange",
		KeyTopics:             []string{"chat"},
		HasMeaningfulInsights: true,
		Insights: []insight.ExtractedInsight{
			{InsightText: "anything", Category: "preferences", Confidence: 0.95},
		},
	}}
	o := newTestOrchestrator("u1", "s1", orcDeps{store: store, svc: svc})
	if err := o.InitializeNew(ctx); err != nil {
		t.Fatalf("InitializeNew() error: %v", err)
	}
	if _, err := o.ProcessTurn(ctx, "hi", "hello"); err != nil {
		t.Fatalf("ProcessTurn() error: %v", err)
	}

	sum, err := o.EndSession(ctx, false)
	if err != nil {
		t.Fatalf("EndSession() error: %v", err)
	}
	if sum.InsightsStored != 0 {
		t.Errorf("InsightsStored = %d, want 0 without reflection", sum.InsightsStored)
	}
	stored, err := store.InsightsByUser(ctx, "u1", "", 0)
	if err != nil {
		t.Fatalf("InsightsByUser() error: %v", err)
	}
	if len(stored) != 0 {
		t.Errorf("got %d insights, want none", len(stored))
	}
}

func TestEndSessionRetriesTerminalWrite(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{
		Store:   storage.NewMemoryStore(),
		putErrs: []error{nil, model.ErrUpstreamUnavailable},
	}
	o := newTestOrchestrator("u1", "s1", orcDeps{store: store})
	if err := o.InitializeNew(ctx); err != nil {
		t.Fatalf("InitializeNew() error: %v", err)
	}
	if _, err := o.ProcessTurn(ctx, "hi", "hello"); err != nil {
		t.Fatalf("ProcessTurn() error: %v", err)
	}

	if _, err := o.EndSession(ctx, false); err != nil {
		t.Fatalf("EndSession() error: %v, want retry to succeed", err)
	}
	if got := o.State(); got != StateEnded {
		t.Errorf("State() = %v, want ended", got)
	}
	rec, err := store.GetSession(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("GetSession() error: %v", err)
	}
	if rec.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want completed after retry", rec.Status)
	}
}

func TestEndSessionStaysActiveWhenTerminalWriteFails(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{
		Store:   storage.NewMemoryStore(),
		putErrs: []error{nil, model.ErrUpstreamUnavailable, model.ErrTimeout},
	}
	o := newTestOrchestrator("u1", "s1", orcDeps{store: store})
	if err := o.InitializeNew(ctx); err != nil {
		t.Fatalf("InitializeNew() error: %v", err)
	}

	if _, err := o.EndSession(ctx, false); err == nil {
		t.Fatal("EndSession() succeeded, want failure after exhausted retry")
	}
	if got := o.State(); got != StateActive {
		t.Fatalf("State() = %v, want still active so the caller can retry", got)
	}

	if _, err := o.EndSession(ctx, false); err != nil {
		t.Fatalf("retried EndSession() error: %v", err)
	}
	if got := o.State(); got != StateEnded {
		t.Errorf("State() = %v, want ended", got)
	}
}

func TestEndSessionDoesNotRetryNonUpstreamFailure(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{
		Store:   storage.NewMemoryStore(),
		putErrs: []error{nil, errors.New("constraint violated")},
	}
	o := newTestOrchestrator("u1", "s1", orcDeps{store: store})
	if err := o.InitializeNew(ctx); err != nil {
		t.Fatalf("InitializeNew() error: %v", err)
	}

	if _, err := o.EndSession(ctx, false); err == nil {
		t.Fatal("EndSession() succeeded, want surfaced failure")
	}
	if store.putCalls != 2 {
		t.Errorf("PutSession calls = %d, want 2 (init + single attempt, no retry)", store.putCalls)
	}
}

func TestEndSessionToleratesEmbeddingFailure(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	o := newTestOrchestrator("u1", "s1", orcDeps{
		store:    store,
		embedder: &testutil.Embedder{Err: errors.New("embedder down")},
	})
	if err := o.InitializeNew(ctx); err != nil {
		t.Fatalf("InitializeNew() error: %v", err)
	}
	if _, err := o.ProcessTurn(ctx, "hi", "hello there friend"); err != nil {
		t.Fatalf("ProcessTurn() error: %v", err)
	}

	if _, err := o.EndSession(ctx, false); err != nil {
		t.Fatalf("EndSession() error: %v, want embedding failure tolerated", err)
	}
	rec, err := store.GetSession(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("GetSession() error: %v", err)
	}
	if rec.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want completed", rec.Status)
	}
	if len(rec.SummaryVector) != 0 {
		t.Errorf("SummaryVector has %d dims, want none when embedding fails", len(rec.SummaryVector))
	}
}

func TestContextSnapshotBufferStatus(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator("u1", "s1", orcDeps{
		cfg: Config{Memory: memory.Config{BufferSize: 6, ActiveTurns: 6}},
	})
	if err := o.InitializeNew(ctx); err != nil {
		t.Fatalf("InitializeNew() error: %v", err)
	}

	snap := o.ContextSnapshot()
	if snap.Buffer.Size != 0 || snap.Buffer.Capacity != 6 || snap.Buffer.WillCompactSoon {
		t.Errorf("empty buffer status = %+v, want 0/6, not compacting soon", snap.Buffer)
	}

	if _, err := o.ProcessTurn(ctx, "q1", "a1"); err != nil {
		t.Fatalf("ProcessTurn() error: %v", err)
	}
	if snap = o.ContextSnapshot(); snap.Buffer.WillCompactSoon {
		t.Errorf("status at 2/6 = %+v, want not compacting soon", snap.Buffer)
	}

	if _, err := o.ProcessTurn(ctx, "q2", "a2"); err != nil {
		t.Fatalf("ProcessTurn() error: %v", err)
	}
	snap = o.ContextSnapshot()
	if snap.Buffer.Size != 4 || !snap.Buffer.WillCompactSoon {
		t.Errorf("status at 4/6 = %+v, want compaction flagged for the next turn", snap.Buffer)
	}
	if !strings.Contains(snap.FormattedContext, "### Active Conversation") {
		t.Errorf("FormattedContext = %q, want active conversation section", snap.FormattedContext)
	}
}

func TestCurrentContextLifecycle(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator("u1", "s1", orcDeps{})

	if got := o.CurrentContext(); got != "" {
		t.Errorf("CurrentContext() before init = %q, want empty", got)
	}
	if err := o.InitializeNew(ctx); err != nil {
		t.Fatalf("InitializeNew() error: %v", err)
	}
	if got := o.CurrentContext(); got != "" {
		t.Errorf("CurrentContext() with no history = %q, want empty", got)
	}

	if _, err := o.ProcessTurn(ctx, "hi", "hello"); err != nil {
		t.Fatalf("ProcessTurn() error: %v", err)
	}
	if got := o.CurrentContext(); !strings.Contains(got, "user: hi") {
		t.Errorf("CurrentContext() = %q, want the stored turn", got)
	}
}

func TestPersistMeta(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	o := newTestOrchestrator("u1", "s1", orcDeps{store: store})

	// Nothing to persist before initialization.
	if err := o.PersistMeta(ctx); err != nil {
		t.Fatalf("PersistMeta() before init error: %v", err)
	}

	if err := o.InitializeNew(ctx); err != nil {
		t.Fatalf("InitializeNew() error: %v", err)
	}
	if _, err := o.ProcessTurn(ctx, "hi", "hello"); err != nil {
		t.Fatalf("ProcessTurn() error: %v", err)
	}
	if err := o.PersistMeta(ctx); err != nil {
		t.Fatalf("PersistMeta() error: %v", err)
	}

	rec, err := store.GetSession(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("GetSession() error: %v", err)
	}
	if rec.TurnCount != 2 {
		t.Errorf("TurnCount = %d, want 2 after PersistMeta", rec.TurnCount)
	}
}
