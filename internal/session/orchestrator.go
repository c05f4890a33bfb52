// Package session owns the session lifecycle: an Orchestrator drives one
// session from initialization through turns to its terminal record, and a
// Pool keeps active orchestrators in memory with LRU and TTL eviction.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/szaher/recall/internal/embed"
	"github.com/szaher/recall/internal/insight"
	"github.com/szaher/recall/internal/memory"
	"github.com/szaher/recall/internal/model"
)

// State is the orchestrator lifecycle position. Ended is terminal.
type State int

const (
	StateUninitialized State = iota
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// restoreChunkCount is how many most-recent chunks rehydrate the buffer
// of a restored session.
const restoreChunkCount = 2

// Store is the slice of the storage contract the session lifecycle needs,
// on top of what the memory keeper uses.
type Store interface {
	memory.Store
	GetSession(ctx context.Context, userID, sessionID string) (*model.SessionRecord, error)
	PutSession(ctx context.Context, rec *model.SessionRecord) error
	RecentChunks(ctx context.Context, userID, sessionID string, limit int) ([]model.InteractionChunk, error)
	PutInsight(ctx context.Context, ins model.Insight) error
}

// Config tunes one orchestrator. The zero value falls back to defaults.
type Config struct {
	// Memory bounds the keeper tiers.
	Memory memory.Config
	// MinConfidence is the floor below which insights extracted at
	// session end are discarded instead of stored.
	MinConfidence float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{Memory: memory.DefaultConfig(), MinConfidence: 0.7}
}

func (c Config) withDefaults() Config {
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.7
	}
	return c
}

// TurnResult reports one stored exchange.
type TurnResult struct {
	TurnAdded              bool `json:"turn_added"`
	SummarizationTriggered bool `json:"summarization_triggered"`
	ActiveTurns            int  `json:"active_turns"`
}

// SessionSummary is the result of ending a session.
type SessionSummary struct {
	Summary        string   `json:"summary"`
	KeyTopics      []string `json:"key_topics"`
	InsightsStored int      `json:"insights_stored"`
	TurnsCount     int      `json:"turns_count"`
}

// BufferStatus describes the turn buffer for the context API.
// WillCompactSoon means the next stored exchange reaches capacity.
type BufferStatus struct {
	Size            int  `json:"size"`
	Capacity        int  `json:"capacity"`
	WillCompactSoon bool `json:"will_compact_soon"`
}

// ContextView is a point-in-time snapshot of one session's memory.
type ContextView struct {
	ActiveTurns       []model.ConversationTurn `json:"active_turns"`
	CumulativeSummary string                   `json:"cumulative_summary"`
	InitContext       model.SessionInitContext `json:"init_context"`
	Buffer            BufferStatus             `json:"buffer"`
	FormattedContext  string                   `json:"formatted_context"`
}

// Orchestrator drives one session's lifecycle. A mutex serializes every
// state-touching method, so per-session operations are strictly
// sequential; distinct sessions proceed independently.
type Orchestrator struct {
	userID    string
	sessionID string

	store    Store
	embedder embed.Embedder
	insights insight.Service
	logger   *slog.Logger
	cfg      Config

	mu        sync.Mutex
	state     State
	keeper    *memory.Keeper
	startTime time.Time
}

// NewOrchestrator wires an orchestrator in the uninitialized state. All
// dependencies are shared, long-lived clients owned by the caller; queue
// receives the background persistence work.
func NewOrchestrator(userID, sessionID string, store Store, embedder embed.Embedder, svc insight.Service, queue memory.Enqueuer, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg = cfg.withDefaults()
	return &Orchestrator{
		userID:    userID,
		sessionID: sessionID,
		store:     store,
		embedder:  embedder,
		insights:  svc,
		cfg:       cfg,
		keeper:    memory.NewKeeper(userID, sessionID, store, embedder, svc, queue, cfg.Memory, logger),
		logger:    logger.With("component", "session", "user_id", userID, "session_id", sessionID),
	}
}

// InitializeNew starts a brand-new session: upsert an active session
// record, then load the initialization snapshot.
func (o *Orchestrator) InitializeNew(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateUninitialized {
		return o.stateError("initialize session")
	}

	now := time.Now().UTC()
	rec := &model.SessionRecord{
		ID:          o.sessionID,
		UserID:      o.userID,
		StartTime:   now,
		Status:      model.StatusActive,
		LastUpdated: now,
	}
	if err := o.store.PutSession(ctx, rec); err != nil {
		return fmt.Errorf("create session record: %w", err)
	}
	if _, err := o.keeper.LoadInitContext(ctx); err != nil {
		return fmt.Errorf("initialize session context: %w", err)
	}

	o.startTime = now
	o.state = StateActive
	o.logger.Info("session initialized")
	return nil
}

// Restore resumes an existing active session: reload the cumulative
// summary and turn count from the stored record, rehydrate the buffer
// from the most recent chunks, then load the initialization snapshot.
// Returns the number of rehydrated turns. model.ErrNotFound when no
// record exists, model.ErrInvalidState when the session has ended.
func (o *Orchestrator) Restore(ctx context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateUninitialized {
		return 0, o.stateError("restore session")
	}

	rec, err := o.store.GetSession(ctx, o.userID, o.sessionID)
	if err != nil {
		return 0, fmt.Errorf("load session record: %w", err)
	}
	if rec.Completed() {
		return 0, fmt.Errorf("restore session %s: already completed: %w", o.sessionID, model.ErrInvalidState)
	}

	chunks, err := o.store.RecentChunks(ctx, o.userID, o.sessionID, restoreChunkCount)
	if err != nil {
		return 0, fmt.Errorf("load recent chunks: %w", err)
	}
	// RecentChunks is newest first; replay oldest first so the buffer
	// ends in chronological order. Rehydration is lossy: multi-line turn
	// content keeps only its first line.
	var turns []model.ConversationTurn
	for i := len(chunks) - 1; i >= 0; i-- {
		turns = append(turns, model.ParseTranscript(chunks[i].Content, chunks[i].Timestamp)...)
	}
	o.keeper.SetRestoredState(rec.CumulativeSummary, turns, rec.TurnCount)

	if _, err := o.keeper.LoadInitContext(ctx); err != nil {
		return 0, fmt.Errorf("initialize session context: %w", err)
	}

	o.startTime = rec.StartTime
	o.state = StateActive
	o.logger.Info("session restored",
		"rehydrated_turns", o.keeper.BufferLen(), "turn_count", o.keeper.TurnCount())
	return o.keeper.BufferLen(), nil
}

// ProcessTurn appends one user/assistant exchange and compacts the buffer
// if it reached capacity. The summary merge inside compaction is the only
// synchronous upstream call; chunk persistence runs in the background.
func (o *Orchestrator) ProcessTurn(ctx context.Context, userMsg, agentMsg string) (TurnResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateActive {
		return TurnResult{}, o.stateError("process turn")
	}

	o.keeper.AddTurn(model.RoleUser, userMsg)
	o.keeper.AddTurn(model.RoleAssistant, agentMsg)
	compaction := o.keeper.MaybeCompact(ctx)

	return TurnResult{
		TurnAdded:              true,
		SummarizationTriggered: compaction != nil,
		ActiveTurns:            o.keeper.BufferLen(),
	}, nil
}

// EndSession finalizes the session: flush the buffer, analyze the whole
// session, embed the final summary, write the terminal record, and (when
// triggerReflection is set) store the extracted insights. Analysis and
// embedding failures degrade; only a terminal-record write that fails
// after one retry surfaces, and the session then stays active so the
// caller can try again.
func (o *Orchestrator) EndSession(ctx context.Context, triggerReflection bool) (SessionSummary, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateActive {
		return SessionSummary{}, o.stateError("end session")
	}

	// Capture before the flush clears the buffer.
	recentTurns := o.keeper.Turns()
	totalTurns := o.keeper.TurnCount()

	if flush := o.keeper.FinalFlush(ctx); flush != nil {
		o.logger.Info("final buffer flushed",
			"turns", flush.TurnsFlushed, "chunk_id", flush.ChunkID)
	}

	analysis := o.insights.AnalyzeSession(ctx, o.keeper.Summary(), recentTurns)

	var summaryVec []float32
	if analysis.Summary != "" {
		vec, err := o.embedder.Embed(ctx, analysis.Summary)
		if err != nil {
			o.logger.Warn("summary embedding failed, storing without vector", "error", err)
		} else {
			summaryVec = vec
		}
	}

	now := time.Now().UTC()
	rec := &model.SessionRecord{
		ID:                o.sessionID,
		UserID:            o.userID,
		StartTime:         o.startTime,
		EndTime:           now,
		Status:            model.StatusCompleted,
		CumulativeSummary: o.keeper.Summary(),
		TurnCount:         totalTurns,
		Summary:           analysis.Summary,
		SummaryVector:     summaryVec,
		KeyTopics:         analysis.KeyTopics,
		LastUpdated:       now,
	}
	if err := o.putSessionRetry(ctx, rec); err != nil {
		return SessionSummary{}, fmt.Errorf("finalize session record: %w", err)
	}
	o.state = StateEnded

	stored := 0
	if triggerReflection {
		stored = o.storeInsights(ctx, analysis)
	}

	o.logger.Info("session ended",
		"turns", totalTurns, "insights_stored", stored, "topics", analysis.KeyTopics)
	return SessionSummary{
		Summary:        analysis.Summary,
		KeyTopics:      analysis.KeyTopics,
		InsightsStored: stored,
		TurnsCount:     totalTurns,
	}, nil
}

// CurrentContext renders the assembled prompt context. Valid in any
// state; before initialization it is empty.
func (o *Orchestrator) CurrentContext() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.keeper.AssembleContext()
}

// ContextSnapshot returns the structured view served by the context API.
func (o *Orchestrator) ContextSnapshot() ContextView {
	o.mu.Lock()
	defer o.mu.Unlock()

	size := o.keeper.BufferLen()
	capacity := o.keeper.Capacity()
	return ContextView{
		ActiveTurns:       o.keeper.ActiveTurns(),
		CumulativeSummary: o.keeper.Summary(),
		InitContext:       o.keeper.InitContext(),
		Buffer: BufferStatus{
			Size:     size,
			Capacity: capacity,
			// One ProcessTurn adds two turns.
			WillCompactSoon: size+2 >= capacity,
		},
		FormattedContext: o.keeper.AssembleContext(),
	}
}

// PersistMeta writes the cumulative summary and turn count to the session
// record. The pool calls it before evicting a dirty session. No-op
// outside the active state.
func (o *Orchestrator) PersistMeta(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateActive {
		return nil
	}
	return o.keeper.PersistProgress(ctx)
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// UserID returns the owning user.
func (o *Orchestrator) UserID() string { return o.userID }

// SessionID returns the session identifier.
func (o *Orchestrator) SessionID() string { return o.sessionID }

func (o *Orchestrator) stateError(op string) error {
	return fmt.Errorf("%s: session %s is %s: %w", op, o.sessionID, o.state, model.ErrInvalidState)
}

// putSessionRetry retries the terminal write once on a retryable
// upstream failure.
func (o *Orchestrator) putSessionRetry(ctx context.Context, rec *model.SessionRecord) error {
	err := o.store.PutSession(ctx, rec)
	if err == nil {
		return nil
	}
	if !errors.Is(err, model.ErrUpstreamUnavailable) && !errors.Is(err, model.ErrTimeout) {
		return err
	}
	o.logger.Warn("terminal session write failed, retrying once", "error", err)
	return o.store.PutSession(ctx, rec)
}

// storeInsights persists the analysis insights that clear the confidence
// floor. Individual embedding or store failures skip that insight.
func (o *Orchestrator) storeInsights(ctx context.Context, analysis insight.Analysis) int {
	stored := 0
	for _, ins := range analysis.Insights {
		if ins.Confidence < o.cfg.MinConfidence {
			continue
		}
		doc := model.Insight{
			ID:          model.NewInsightID(),
			UserID:      o.userID,
			SessionID:   o.sessionID,
			InsightText: ins.InsightText,
			Category:    ins.Category,
			Confidence:  ins.Confidence,
			Importance:  ins.Importance,
			ExtractedAt: time.Now().UTC(),
			Evidence: model.InsightEvidence{
				SessionSummary: analysis.Summary,
				KeyTopics:      analysis.KeyTopics,
			},
		}
		vec, err := o.embedder.Embed(ctx, ins.InsightText)
		if err != nil {
			o.logger.Warn("insight embedding failed, storing without vector", "error", err)
		} else {
			doc.Vector = vec
		}
		if err := o.store.PutInsight(ctx, doc); err != nil {
			o.logger.Warn("insight store failed", "category", ins.Category, "error", err)
			continue
		}
		stored++
	}
	return stored
}
