// Package search ranks a user's stored memory against a query. Both the
// HTTP API and the MCP tool surface route through the same Searcher so
// scoring and fallback behavior cannot drift between them.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/szaher/recall/internal/embed"
	"github.com/szaher/recall/internal/model"
)

// Scopes restrict a query to one collection. ScopeAll merges all three.
const (
	ScopeAll       = "all"
	ScopeChunks    = "chunks"
	ScopeSummaries = "summaries"
	ScopeInsights  = "insights"
)

// ValidScope reports whether scope names a searchable collection.
func ValidScope(scope string) bool {
	switch scope {
	case ScopeAll, ScopeChunks, ScopeSummaries, ScopeInsights:
		return true
	}
	return false
}

// Store is the slice of the storage contract the searcher needs.
type Store interface {
	SearchChunks(ctx context.Context, userID string, queryVec []float32, topK int) ([]model.ScoredDoc, error)
	SearchSummaries(ctx context.Context, userID string, queryVec []float32, topK int) ([]model.ScoredDoc, error)
	SearchInsights(ctx context.Context, userID string, queryVec []float32, topK int) ([]model.ScoredDoc, error)
	SearchChunksByText(ctx context.Context, userID, query string, topK int) ([]model.ScoredDoc, error)
}

// Searcher embeds queries and ranks stored chunks, session summaries,
// and insights by cosine similarity.
type Searcher struct {
	store     Store
	embedder  embed.Embedder
	topK      int
	threshold float64
	logger    *slog.Logger
}

// New builds a Searcher. topK and threshold fall back to 5 and 0.75 when
// unset.
func New(store Store, embedder embed.Embedder, topK int, threshold float64, logger *slog.Logger) *Searcher {
	if topK <= 0 {
		topK = 5
	}
	if threshold <= 0 {
		threshold = 0.75
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Searcher{
		store:     store,
		embedder:  embedder,
		topK:      topK,
		threshold: threshold,
		logger:    logger.With("component", "search"),
	}
}

// Query embeds the query once and ranks the scoped collections, dropping
// vector matches below the similarity threshold. When embedding fails and
// the scope covers chunks, it degrades to term matching, which carries its
// own scoring and skips the threshold. An empty scope means ScopeAll; topK
// at or below zero uses the configured default.
func (s *Searcher) Query(ctx context.Context, userID, query, scope string, topK int) ([]model.ScoredDoc, error) {
	if scope == "" {
		scope = ScopeAll
	}
	if !ValidScope(scope) {
		return nil, fmt.Errorf("unknown search scope %q", scope)
	}
	if topK <= 0 {
		topK = s.topK
	}

	queryVec, embErr := s.embedder.Embed(ctx, query)
	if embErr != nil {
		if scope != ScopeAll && scope != ScopeChunks {
			return nil, fmt.Errorf("embed query: %w", model.WrapUpstream(embErr))
		}
		s.logger.Warn("query embedding failed, falling back to term search", "error", embErr)
		return s.store.SearchChunksByText(ctx, userID, query, topK)
	}

	var merged []model.ScoredDoc
	collect := func(docs []model.ScoredDoc, err error) error {
		if err != nil {
			return err
		}
		for _, d := range docs {
			if d.Score >= s.threshold {
				merged = append(merged, d)
			}
		}
		return nil
	}

	if scope == ScopeAll || scope == ScopeChunks {
		if err := collect(s.store.SearchChunks(ctx, userID, queryVec, topK)); err != nil {
			return nil, err
		}
	}
	if scope == ScopeAll || scope == ScopeSummaries {
		if err := collect(s.store.SearchSummaries(ctx, userID, queryVec, topK)); err != nil {
			return nil, err
		}
	}
	if scope == ScopeAll || scope == ScopeInsights {
		if err := collect(s.store.SearchInsights(ctx, userID, queryVec, topK)); err != nil {
			return nil, err
		}
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > topK {
		merged = merged[:topK]
	}
	return merged, nil
}
