// Package memory implements the tiered memory keeper for one session:
// a bounded in-process turn buffer (short-term), a cumulative summary
// refined at each compaction (mid-term), and durable interaction chunks
// plus session-start context drawn from past sessions (long-term).
//
// A Keeper is owned by exactly one session orchestrator and is not safe
// for concurrent use; the owner serializes access.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/szaher/recall/internal/embed"
	"github.com/szaher/recall/internal/insight"
	"github.com/szaher/recall/internal/model"
)

// Config bounds the keeper's tiers. The zero value of any field falls
// back to its default.
type Config struct {
	// BufferSize is the compaction threshold K: reaching it triggers a
	// summary merge and drains the buffer into a durable chunk.
	BufferSize int
	// ActiveTurns is the window N of most recent turns rendered
	// verbatim into the assembled context.
	ActiveTurns int
	// RecentSessions is how many completed session summaries M are
	// loaded into the session-initialization block.
	RecentSessions int
	// InsightLimit caps the insights loaded at session start.
	InsightLimit int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{BufferSize: 10, ActiveTurns: 5, RecentSessions: 2, InsightLimit: 3}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.ActiveTurns <= 0 {
		c.ActiveTurns = d.ActiveTurns
	}
	if c.RecentSessions <= 0 {
		c.RecentSessions = d.RecentSessions
	}
	if c.InsightLimit <= 0 {
		c.InsightLimit = d.InsightLimit
	}
	return c
}

// Store is the slice of the storage contract the keeper needs.
type Store interface {
	InsightsByUser(ctx context.Context, userID, category string, limit int) ([]model.Insight, error)
	CompletedSummaries(ctx context.Context, userID string, limit int) ([]model.SessionRecord, error)
	PutChunk(ctx context.Context, chunk *model.InteractionChunk) error
	UpdateSessionProgress(ctx context.Context, userID, sessionID, cumulativeSummary string, turnCount int) error
}

// Enqueuer hands fire-and-forget persistence to the background queue.
type Enqueuer interface {
	Enqueue(name string, fn func(ctx context.Context) error) bool
}

// CompactionResult reports one completed compaction.
type CompactionResult struct {
	TurnsCompacted int
	Summary        string
}

// FlushResult reports the final flush at session end. ChunkID is empty
// when the chunk store failed; the turns are still cleared.
type FlushResult struct {
	TurnsFlushed int
	ChunkID      string
	Summary      string
}

// Keeper manages the three memory tiers for one (user, session) pair.
type Keeper struct {
	userID    string
	sessionID string

	store    Store
	embedder embed.Embedder
	insights insight.Service
	queue    Enqueuer
	logger   *slog.Logger
	cfg      Config

	buffer     []model.ConversationTurn
	summary    string
	totalTurns int
	initCtx    *model.SessionInitContext
}

// NewKeeper wires a keeper for one session. All dependencies are shared,
// long-lived clients owned by the caller.
func NewKeeper(userID, sessionID string, store Store, embedder embed.Embedder, svc insight.Service, queue Enqueuer, cfg Config, logger *slog.Logger) *Keeper {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Keeper{
		userID:    userID,
		sessionID: sessionID,
		store:     store,
		embedder:  embedder,
		insights:  svc,
		queue:     queue,
		cfg:       cfg.withDefaults(),
		logger:    logger.With("component", "memory", "user_id", userID, "session_id", sessionID),
	}
}

// LoadInitContext loads the session-initialization snapshot: the user's
// most recent insights rendered as a bullet list, plus the last few
// completed session summaries, newest first. It hits storage at most
// once per keeper lifetime; later calls return the cached snapshot.
func (k *Keeper) LoadInitContext(ctx context.Context) (model.SessionInitContext, error) {
	if k.initCtx != nil {
		return k.InitContext(), nil
	}

	insights, err := k.store.InsightsByUser(ctx, k.userID, "", k.cfg.InsightLimit)
	if err != nil {
		return model.SessionInitContext{}, fmt.Errorf("load insights: %w", err)
	}
	var longTerm string
	if len(insights) > 0 {
		lines := make([]string, len(insights))
		for i, ins := range insights {
			lines[i] = "- " + ins.InsightText
		}
		longTerm = strings.Join(lines, "\n")
	}

	records, err := k.store.CompletedSummaries(ctx, k.userID, k.cfg.RecentSessions)
	if err != nil {
		return model.SessionInitContext{}, fmt.Errorf("load recent summaries: %w", err)
	}
	recent := make([]model.RecentSessionSummary, 0, len(records))
	for _, r := range records {
		recent = append(recent, model.RecentSessionSummary{
			SessionID: r.ID,
			EndTime:   r.EndTime.UTC().Format(time.RFC3339),
			Summary:   r.Summary,
			KeyTopics: append([]string(nil), r.KeyTopics...),
		})
	}

	k.initCtx = &model.SessionInitContext{
		LongTermInsight: longTerm,
		RecentSummaries: recent,
	}
	k.logger.Info("session context initialized",
		"insights", len(insights), "recent_summaries", len(recent))
	return k.InitContext(), nil
}

// AddTurn appends one turn with a UTC timestamp. No I/O, never fails.
func (k *Keeper) AddTurn(role model.Role, content string) {
	k.buffer = append(k.buffer, model.ConversationTurn{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	k.totalTurns++
}

// MaybeCompact compacts the buffer when it has reached capacity. The
// summary merge is synchronous because the next context assembly needs
// it; chunk persistence and the progress write go to the background
// queue. Below capacity it is a pure no-op returning nil.
func (k *Keeper) MaybeCompact(ctx context.Context) *CompactionResult {
	if len(k.buffer) < k.cfg.BufferSize {
		return nil
	}

	compacted := make([]model.ConversationTurn, k.cfg.BufferSize)
	copy(compacted, k.buffer[:k.cfg.BufferSize])

	merged, err := k.insights.MergeSummary(ctx, k.summary, compacted)
	switch {
	case err != nil:
		k.logger.Warn("summary merge failed, keeping previous summary", "error", err)
	case merged != "":
		k.summary = merged
	}

	rest := make([]model.ConversationTurn, len(k.buffer)-k.cfg.BufferSize)
	copy(rest, k.buffer[k.cfg.BufferSize:])
	k.buffer = rest

	k.enqueueChunk(compacted)
	k.enqueueProgress()

	k.logger.Info("buffer compacted",
		"turns", len(compacted), "remaining", len(k.buffer))
	return &CompactionResult{TurnsCompacted: len(compacted), Summary: k.summary}
}

// FinalFlush drains whatever the buffer still holds at session end into
// one synchronously stored chunk. A chunk store failure is logged, not
// fatal; the buffer clears either way. Nil when the buffer is empty.
func (k *Keeper) FinalFlush(ctx context.Context) *FlushResult {
	if len(k.buffer) == 0 {
		return nil
	}

	turns := make([]model.ConversationTurn, len(k.buffer))
	copy(turns, k.buffer)
	k.buffer = nil

	chunk, err := k.storeChunk(ctx, turns)
	if err != nil {
		k.logger.Error("final chunk store failed", "turns", len(turns), "error", err)
		return &FlushResult{TurnsFlushed: len(turns)}
	}
	return &FlushResult{
		TurnsFlushed: len(turns),
		ChunkID:      chunk.ID,
		Summary:      chunk.Summary,
	}
}

// PersistProgress writes the cumulative summary and turn count onto the
// SessionRecord. Storage leaves completed records untouched.
func (k *Keeper) PersistProgress(ctx context.Context) error {
	if err := k.store.UpdateSessionProgress(ctx, k.userID, k.sessionID, k.summary, k.totalTurns); err != nil {
		return fmt.Errorf("persist session progress: %w", err)
	}
	return nil
}

// SetRestoredState seeds the keeper from a restored session: cumulative
// summary, rehydrated turns capped to the buffer capacity, and the turn
// count carried on the stored record.
func (k *Keeper) SetRestoredState(summary string, turns []model.ConversationTurn, turnCount int) {
	k.summary = summary
	k.buffer = append([]model.ConversationTurn(nil), turns...)
	if len(k.buffer) > k.cfg.BufferSize {
		k.buffer = k.buffer[len(k.buffer)-k.cfg.BufferSize:]
	}
	k.totalTurns = turnCount
	if k.totalTurns < len(k.buffer) {
		k.totalTurns = len(k.buffer)
	}
}

// Summary returns the current cumulative summary.
func (k *Keeper) Summary() string { return k.summary }

// TurnCount returns the total turns added over the session's lifetime.
func (k *Keeper) TurnCount() int { return k.totalTurns }

// BufferLen returns the current buffer occupancy.
func (k *Keeper) BufferLen() int { return len(k.buffer) }

// Capacity returns the compaction threshold K.
func (k *Keeper) Capacity() int { return k.cfg.BufferSize }

// Turns returns a copy of the full buffer.
func (k *Keeper) Turns() []model.ConversationTurn {
	return append([]model.ConversationTurn(nil), k.buffer...)
}

// ActiveTurns returns a copy of the last N buffered turns.
func (k *Keeper) ActiveTurns() []model.ConversationTurn {
	start := len(k.buffer) - k.cfg.ActiveTurns
	if start < 0 {
		start = 0
	}
	return append([]model.ConversationTurn(nil), k.buffer[start:]...)
}

// InitContext returns a copy of the loaded initialization snapshot, or
// the zero value before LoadInitContext has run.
func (k *Keeper) InitContext() model.SessionInitContext {
	if k.initCtx == nil {
		return model.SessionInitContext{}
	}
	out := model.SessionInitContext{LongTermInsight: k.initCtx.LongTermInsight}
	if len(k.initCtx.RecentSummaries) > 0 {
		out.RecentSummaries = make([]model.RecentSessionSummary, len(k.initCtx.RecentSummaries))
		for i, r := range k.initCtx.RecentSummaries {
			r.KeyTopics = append([]string(nil), r.KeyTopics...)
			out.RecentSummaries[i] = r
		}
	}
	return out
}

// enqueueChunk hands the chunk pipeline for the given turns to the
// background queue. The closure reads only immutable keeper fields.
func (k *Keeper) enqueueChunk(turns []model.ConversationTurn) {
	k.queue.Enqueue("chunk-pipeline", func(ctx context.Context) error {
		_, err := k.storeChunk(ctx, turns)
		return err
	})
}

// enqueueProgress snapshots the summary and turn count now and writes
// them in the background.
func (k *Keeper) enqueueProgress() {
	summary, turns := k.summary, k.totalTurns
	k.queue.Enqueue("session-progress", func(ctx context.Context) error {
		return k.store.UpdateSessionProgress(ctx, k.userID, k.sessionID, summary, turns)
	})
}

// storeChunk runs the chunk pipeline: flatten the turns, extract
// metadata, embed content and summary, and upsert the chunk. Embedding
// failure degrades to a vectorless chunk rather than losing the turns.
func (k *Keeper) storeChunk(ctx context.Context, turns []model.ConversationTurn) (*model.InteractionChunk, error) {
	content := model.FlattenTurns(turns)
	meta := k.insights.ExtractChunkMetadata(ctx, turns)

	chunk := &model.InteractionChunk{
		ID:        model.NewChunkID(),
		UserID:    k.userID,
		SessionID: k.sessionID,
		Timestamp: time.Now().UTC(),
		Content:   content,
		Summary:   meta.Summary,
		KeyTopics: meta.KeyTopics,
		Entities:  meta.Entities,
	}

	vecs, err := k.embedder.EmbedBatch(ctx, []string{content, chunk.Summary})
	if err != nil {
		k.logger.Warn("chunk embedding failed, storing without vectors", "error", err)
	} else {
		chunk.ContentVector = vecs[0]
		chunk.SummaryVector = vecs[1]
	}

	if err := k.store.PutChunk(ctx, chunk); err != nil {
		return nil, fmt.Errorf("store chunk: %w", err)
	}
	k.logger.Info("interaction chunk stored",
		"chunk_id", chunk.ID, "turns", len(turns), "topics", chunk.KeyTopics)
	return chunk, nil
}
