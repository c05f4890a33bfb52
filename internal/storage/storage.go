// Package storage is the durable boundary of the memory service: session
// records, interaction chunks, and insights, partitioned by user, with
// vector search over each collection. Three backends share one contract:
// an in-memory store for tests and dev, SQLite for single-node deployments,
// and Postgres with pgvector for production.
//
// One invariant holds across every backend: a session record that has
// reached completed status is terminal, and any later write against it is
// a silent no-op.
package storage

import (
	"context"

	"github.com/szaher/recall/internal/model"
)

// Store provides durable persistence and retrieval for memory documents.
// Implementations must be safe for concurrent use. Absent documents are
// reported as model.ErrNotFound; backend failures as
// model.ErrUpstreamUnavailable or model.ErrTimeout.
type Store interface {
	// GetSession returns the session record, or model.ErrNotFound.
	GetSession(ctx context.Context, userID, sessionID string) (*model.SessionRecord, error)

	// PutSession upserts a session record. Writes against a record already
	// stored as completed are dropped.
	PutSession(ctx context.Context, rec *model.SessionRecord) error

	// UpdateSessionProgress refreshes the cumulative summary and turn count
	// of an active session. Completed records are left untouched; absent
	// records are model.ErrNotFound.
	UpdateSessionProgress(ctx context.Context, userID, sessionID, cumulativeSummary string, turnCount int) error

	// CompletedSummaries returns up to limit completed session records for
	// the user, most recently ended first.
	CompletedSummaries(ctx context.Context, userID string, limit int) ([]model.SessionRecord, error)

	// PutChunk stores one interaction chunk.
	PutChunk(ctx context.Context, chunk *model.InteractionChunk) error

	// RecentChunks returns up to limit chunks of one session, newest first.
	RecentChunks(ctx context.Context, userID, sessionID string, limit int) ([]model.InteractionChunk, error)

	// PutInsight stores one insight. Insights are append-only.
	PutInsight(ctx context.Context, ins model.Insight) error

	// InsightsByUser returns a user's insights, newest first, optionally
	// filtered by category. limit <= 0 means no limit.
	InsightsByUser(ctx context.Context, userID, category string, limit int) ([]model.Insight, error)

	// SearchChunks ranks the user's chunks by cosine similarity of their
	// content vectors against queryVec, best first.
	SearchChunks(ctx context.Context, userID string, queryVec []float32, topK int) ([]model.ScoredDoc, error)

	// SearchSummaries ranks the user's completed-session summaries by
	// their summary vectors.
	SearchSummaries(ctx context.Context, userID string, queryVec []float32, topK int) ([]model.ScoredDoc, error)

	// SearchInsights ranks the user's insights by their vectors.
	SearchInsights(ctx context.Context, userID string, queryVec []float32, topK int) ([]model.ScoredDoc, error)

	// SearchChunksByText is the term-match fallback used when no query
	// vector is available.
	SearchChunksByText(ctx context.Context, userID, query string, topK int) ([]model.ScoredDoc, error)

	// DistinctUsers lists every user with at least one stored insight.
	DistinctUsers(ctx context.Context) ([]string, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
