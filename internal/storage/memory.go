package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/szaher/recall/internal/model"
)

// MemoryStore is an in-memory Store used in tests and keyless dev mode.
// Documents are copied on the way in and out so callers never share state
// with the store.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]map[string]model.SessionRecord // userID -> sessionID -> record
	chunks   map[string][]model.InteractionChunk       // userID -> chunks
	insights map[string][]model.Insight                // userID -> insights
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]map[string]model.SessionRecord),
		chunks:   make(map[string][]model.InteractionChunk),
		insights: make(map[string][]model.Insight),
	}
}

// GetSession returns the session record, or model.ErrNotFound.
func (s *MemoryStore) GetSession(_ context.Context, userID, sessionID string) (*model.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[userID][sessionID]
	if !ok {
		return nil, model.ErrNotFound
	}
	out := rec
	out.SummaryVector = append([]float32(nil), rec.SummaryVector...)
	out.KeyTopics = append([]string(nil), rec.KeyTopics...)
	return &out, nil
}

// PutSession upserts a session record unless the stored one is completed.
func (s *MemoryStore) PutSession(_ context.Context, rec *model.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[rec.UserID][rec.ID]; ok && existing.Completed() {
		return nil
	}
	if s.sessions[rec.UserID] == nil {
		s.sessions[rec.UserID] = make(map[string]model.SessionRecord)
	}
	stored := *rec
	stored.SummaryVector = append([]float32(nil), rec.SummaryVector...)
	stored.KeyTopics = append([]string(nil), rec.KeyTopics...)
	s.sessions[rec.UserID][rec.ID] = stored
	return nil
}

// UpdateSessionProgress refreshes summary and turn count of an active session.
func (s *MemoryStore) UpdateSessionProgress(_ context.Context, userID, sessionID, cumulativeSummary string, turnCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[userID][sessionID]
	if !ok {
		return model.ErrNotFound
	}
	if rec.Completed() {
		return nil
	}
	rec.CumulativeSummary = cumulativeSummary
	rec.TurnCount = turnCount
	rec.LastUpdated = time.Now().UTC()
	s.sessions[userID][sessionID] = rec
	return nil
}

// CompletedSummaries returns completed sessions, most recently ended first.
func (s *MemoryStore) CompletedSummaries(_ context.Context, userID string, limit int) ([]model.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.SessionRecord
	for _, rec := range s.sessions[userID] {
		if !rec.Completed() {
			continue
		}
		rec.SummaryVector = append([]float32(nil), rec.SummaryVector...)
		rec.KeyTopics = append([]string(nil), rec.KeyTopics...)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.After(out[j].EndTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PutChunk stores one interaction chunk.
func (s *MemoryStore) PutChunk(_ context.Context, chunk *model.InteractionChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *chunk
	stored.ContentVector = append([]float32(nil), chunk.ContentVector...)
	stored.SummaryVector = append([]float32(nil), chunk.SummaryVector...)
	stored.KeyTopics = append([]string(nil), chunk.KeyTopics...)
	stored.Entities = append([]string(nil), chunk.Entities...)
	s.chunks[chunk.UserID] = append(s.chunks[chunk.UserID], stored)
	return nil
}

// RecentChunks returns up to limit chunks of one session, newest first.
func (s *MemoryStore) RecentChunks(_ context.Context, userID, sessionID string, limit int) ([]model.InteractionChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.InteractionChunk
	for _, c := range s.chunks[userID] {
		if c.SessionID == sessionID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PutInsight appends one insight.
func (s *MemoryStore) PutInsight(_ context.Context, ins model.Insight) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ins.Vector = append([]float32(nil), ins.Vector...)
	ins.Evidence.KeyTopics = append([]string(nil), ins.Evidence.KeyTopics...)
	s.insights[ins.UserID] = append(s.insights[ins.UserID], ins)
	return nil
}

// InsightsByUser returns insights newest first, optionally by category.
func (s *MemoryStore) InsightsByUser(_ context.Context, userID, category string, limit int) ([]model.Insight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Insight
	for _, ins := range s.insights[userID] {
		if category != "" && ins.Category != category {
			continue
		}
		out = append(out, ins)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExtractedAt.After(out[j].ExtractedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SearchChunks ranks chunks by content-vector similarity.
func (s *MemoryStore) SearchChunks(_ context.Context, userID string, queryVec []float32, topK int) ([]model.ScoredDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var docs []model.ScoredDoc
	for _, c := range s.chunks[userID] {
		if len(c.ContentVector) == 0 {
			continue
		}
		docs = append(docs, model.ScoredDoc{
			Kind:      "chunk",
			ID:        c.ID,
			SessionID: c.SessionID,
			Text:      chunkText(c),
			Score:     cosineSimilarity(queryVec, c.ContentVector),
			Timestamp: c.Timestamp,
		})
	}
	return rankDocs(docs, topK), nil
}

// SearchSummaries ranks completed-session summaries by vector similarity.
func (s *MemoryStore) SearchSummaries(_ context.Context, userID string, queryVec []float32, topK int) ([]model.ScoredDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var docs []model.ScoredDoc
	for _, rec := range s.sessions[userID] {
		if !rec.Completed() || len(rec.SummaryVector) == 0 || rec.Summary == "" {
			continue
		}
		docs = append(docs, model.ScoredDoc{
			Kind:      "summary",
			ID:        rec.ID,
			SessionID: rec.ID,
			Text:      rec.Summary,
			Score:     cosineSimilarity(queryVec, rec.SummaryVector),
			Timestamp: rec.EndTime,
		})
	}
	return rankDocs(docs, topK), nil
}

// SearchInsights ranks insights by vector similarity.
func (s *MemoryStore) SearchInsights(_ context.Context, userID string, queryVec []float32, topK int) ([]model.ScoredDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var docs []model.ScoredDoc
	for _, ins := range s.insights[userID] {
		if len(ins.Vector) == 0 {
			continue
		}
		docs = append(docs, model.ScoredDoc{
			Kind:      "insight",
			ID:        ins.ID,
			SessionID: ins.SessionID,
			Text:      ins.InsightText,
			Score:     cosineSimilarity(queryVec, ins.Vector),
			Timestamp: ins.ExtractedAt,
		})
	}
	return rankDocs(docs, topK), nil
}

// SearchChunksByText scores chunks by the fraction of query terms present.
func (s *MemoryStore) SearchChunksByText(_ context.Context, userID, query string, topK int) ([]model.ScoredDoc, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var docs []model.ScoredDoc
	for _, c := range s.chunks[userID] {
		score := termScore(strings.ToLower(c.Content+" "+c.Summary), terms)
		if score == 0 {
			continue
		}
		docs = append(docs, model.ScoredDoc{
			Kind:      "chunk",
			ID:        c.ID,
			SessionID: c.SessionID,
			Text:      chunkText(c),
			Score:     score,
			Timestamp: c.Timestamp,
		})
	}
	return rankDocs(docs, topK), nil
}

// DistinctUsers lists users with at least one insight, sorted.
func (s *MemoryStore) DistinctUsers(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make([]string, 0, len(s.insights))
	for userID := range s.insights {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// chunkText picks the retrieval text of a chunk: its summary when present,
// otherwise the raw content.
func chunkText(c model.InteractionChunk) string {
	if c.Summary != "" {
		return c.Summary
	}
	return c.Content
}

func termScore(haystack string, terms []string) float64 {
	hits := 0
	for _, t := range terms {
		if strings.Contains(haystack, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

var _ Store = (*MemoryStore)(nil)
