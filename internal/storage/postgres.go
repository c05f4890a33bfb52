package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/szaher/recall/internal/model"
)

// PostgresStore implements Store on Postgres with the pgvector extension.
// Similarity runs in SQL with the cosine-distance operator, so this is the
// backend for deployments too large for brute-force scans.
type PostgresStore struct {
	pool   *pgxpool.Pool
	dims   int
	logger *slog.Logger
}

// NewPostgresStore connects to dsn and provisions the schema, including
// the vector extension and HNSW indexes sized for dims-dimensional
// embeddings.
func NewPostgresStore(ctx context.Context, dsn string, dims int, logger *slog.Logger) (*PostgresStore, error) {
	if dims <= 0 {
		dims = 1536
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", model.WrapUpstream(err))
	}

	s := &PostgresStore{pool: pool, dims: dims, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sessions (
			id                 TEXT NOT NULL,
			user_id            TEXT NOT NULL,
			start_time         TIMESTAMPTZ NOT NULL,
			end_time           TIMESTAMPTZ,
			status             TEXT NOT NULL,
			cumulative_summary TEXT NOT NULL DEFAULT '',
			turn_count         INT NOT NULL DEFAULT 0,
			summary            TEXT NOT NULL DEFAULT '',
			summary_vector     vector(%d),
			key_topics         JSONB,
			last_updated       TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, id)
		)`, s.dims),
		`CREATE INDEX IF NOT EXISTS idx_sessions_completed
			ON sessions (user_id, status, end_time DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_summary_vec
			ON sessions USING hnsw (summary_vector vector_cosine_ops)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			id             TEXT PRIMARY KEY,
			user_id        TEXT NOT NULL,
			session_id     TEXT NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL,
			content        TEXT NOT NULL,
			content_vector vector(%d),
			summary        TEXT NOT NULL DEFAULT '',
			summary_vector vector(%d),
			key_topics     JSONB,
			entities       JSONB
		)`, s.dims, s.dims),
		`CREATE INDEX IF NOT EXISTS idx_chunks_session
			ON chunks (user_id, session_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_content_vec
			ON chunks USING hnsw (content_vector vector_cosine_ops)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_summary_vec
			ON chunks USING hnsw (summary_vector vector_cosine_ops)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS insights (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			session_id   TEXT,
			insight_text TEXT NOT NULL,
			category     TEXT NOT NULL,
			confidence   DOUBLE PRECISION NOT NULL,
			importance   TEXT,
			extracted_at TIMESTAMPTZ NOT NULL,
			vector       vector(%d),
			evidence     JSONB
		)`, s.dims),
		`CREATE INDEX IF NOT EXISTS idx_insights_user
			ON insights (user_id, extracted_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_insights_vec
			ON insights USING hnsw (vector vector_cosine_ops)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init schema: %w", model.WrapUpstream(err))
		}
	}
	return nil
}

// GetSession returns the session record, or model.ErrNotFound.
func (s *PostgresStore) GetSession(ctx context.Context, userID, sessionID string) (*model.SessionRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, start_time, end_time, status, cumulative_summary,
		       turn_count, summary, summary_vector::text, key_topics, last_updated
		FROM sessions WHERE user_id = $1 AND id = $2`,
		userID, sessionID,
	)
	rec, err := scanPgSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get session: %w", model.WrapUpstream(err))
	}
	return rec, nil
}

// PutSession upserts a session record, leaving completed records untouched.
func (s *PostgresStore) PutSession(ctx context.Context, rec *model.SessionRecord) error {
	topics, err := marshalStrings(rec.KeyTopics)
	if err != nil {
		return fmt.Errorf("postgres: marshal key topics: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions
			(id, user_id, start_time, end_time, status, cumulative_summary,
			 turn_count, summary, summary_vector, key_topics, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::vector, $10, $11)
		ON CONFLICT (user_id, id) DO UPDATE SET
			start_time         = excluded.start_time,
			end_time           = excluded.end_time,
			status             = excluded.status,
			cumulative_summary = excluded.cumulative_summary,
			turn_count         = excluded.turn_count,
			summary            = excluded.summary,
			summary_vector     = excluded.summary_vector,
			key_topics         = excluded.key_topics,
			last_updated       = excluded.last_updated
		WHERE sessions.status != $12`,
		rec.ID, rec.UserID, rec.StartTime.UTC(), pgNullTime(rec.EndTime),
		rec.Status, rec.CumulativeSummary, rec.TurnCount, rec.Summary,
		vectorLiteral(rec.SummaryVector), topics, rec.LastUpdated.UTC(),
		model.StatusCompleted,
	)
	if err != nil {
		return fmt.Errorf("postgres: put session: %w", model.WrapUpstream(err))
	}
	return nil
}

// UpdateSessionProgress refreshes summary and turn count of an active session.
func (s *PostgresStore) UpdateSessionProgress(ctx context.Context, userID, sessionID, cumulativeSummary string, turnCount int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET cumulative_summary = $1, turn_count = $2, last_updated = $3
		WHERE user_id = $4 AND id = $5 AND status != $6`,
		cumulativeSummary, turnCount, time.Now().UTC(),
		userID, sessionID, model.StatusCompleted,
	)
	if err != nil {
		return fmt.Errorf("postgres: update session progress: %w", model.WrapUpstream(err))
	}
	if tag.RowsAffected() == 0 {
		var one int
		err := s.pool.QueryRow(ctx,
			"SELECT 1 FROM sessions WHERE user_id = $1 AND id = $2", userID, sessionID,
		).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("postgres: update session progress: %w", model.ErrNotFound)
		}
	}
	return nil
}

// CompletedSummaries returns completed sessions, most recently ended first.
func (s *PostgresStore) CompletedSummaries(ctx context.Context, userID string, limit int) ([]model.SessionRecord, error) {
	if limit <= 0 {
		limit = -1 // NULL-equivalent below
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, start_time, end_time, status, cumulative_summary,
		       turn_count, summary, summary_vector::text, key_topics, last_updated
		FROM sessions
		WHERE user_id = $1 AND status = $2
		ORDER BY end_time DESC
		LIMIT NULLIF($3, -1)`,
		userID, model.StatusCompleted, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: completed summaries: %w", model.WrapUpstream(err))
	}
	defer rows.Close()

	var out []model.SessionRecord
	for rows.Next() {
		rec, err := scanPgSession(rows)
		if err != nil {
			s.logger.Warn("skip malformed session row", "error", err)
			continue
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate summaries: %w", model.WrapUpstream(err))
	}
	return out, nil
}

// PutChunk stores one interaction chunk.
func (s *PostgresStore) PutChunk(ctx context.Context, chunk *model.InteractionChunk) error {
	topics, err := marshalStrings(chunk.KeyTopics)
	if err != nil {
		return fmt.Errorf("postgres: marshal key topics: %w", err)
	}
	entities, err := marshalStrings(chunk.Entities)
	if err != nil {
		return fmt.Errorf("postgres: marshal entities: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO chunks
			(id, user_id, session_id, created_at, content, content_vector,
			 summary, summary_vector, key_topics, entities)
		VALUES ($1, $2, $3, $4, $5, $6::vector, $7, $8::vector, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			content        = excluded.content,
			content_vector = excluded.content_vector,
			summary        = excluded.summary,
			summary_vector = excluded.summary_vector,
			key_topics     = excluded.key_topics,
			entities       = excluded.entities`,
		chunk.ID, chunk.UserID, chunk.SessionID, chunk.Timestamp.UTC(),
		chunk.Content, vectorLiteral(chunk.ContentVector),
		chunk.Summary, vectorLiteral(chunk.SummaryVector),
		topics, entities,
	)
	if err != nil {
		return fmt.Errorf("postgres: put chunk: %w", model.WrapUpstream(err))
	}
	return nil
}

// RecentChunks returns up to limit chunks of one session, newest first.
func (s *PostgresStore) RecentChunks(ctx context.Context, userID, sessionID string, limit int) ([]model.InteractionChunk, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, session_id, created_at, content,
		       content_vector::text, summary, summary_vector::text,
		       key_topics, entities
		FROM chunks
		WHERE user_id = $1 AND session_id = $2
		ORDER BY created_at DESC
		LIMIT NULLIF($3, -1)`,
		userID, sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent chunks: %w", model.WrapUpstream(err))
	}
	defer rows.Close()

	var out []model.InteractionChunk
	for rows.Next() {
		chunk, err := scanPgChunk(rows)
		if err != nil {
			s.logger.Warn("skip malformed chunk row", "error", err)
			continue
		}
		out = append(out, *chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate chunks: %w", model.WrapUpstream(err))
	}
	return out, nil
}

// PutInsight stores one insight.
func (s *PostgresStore) PutInsight(ctx context.Context, ins model.Insight) error {
	evidence, err := marshalEvidence(ins.Evidence)
	if err != nil {
		return fmt.Errorf("postgres: marshal evidence: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO insights
			(id, user_id, session_id, insight_text, category, confidence,
			 importance, extracted_at, vector, evidence)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9::vector, $10)
		ON CONFLICT (id) DO NOTHING`,
		ins.ID, ins.UserID, ins.SessionID, ins.InsightText, ins.Category,
		ins.Confidence, ins.Importance, ins.ExtractedAt.UTC(),
		vectorLiteral(ins.Vector), evidence,
	)
	if err != nil {
		return fmt.Errorf("postgres: put insight: %w", model.WrapUpstream(err))
	}
	return nil
}

// InsightsByUser returns insights newest first, optionally by category.
func (s *PostgresStore) InsightsByUser(ctx context.Context, userID, category string, limit int) ([]model.Insight, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, COALESCE(session_id, ''), insight_text, category,
		       confidence, COALESCE(importance, ''), extracted_at,
		       vector::text, evidence
		FROM insights
		WHERE user_id = $1 AND ($2 = '' OR category = $2)
		ORDER BY extracted_at DESC
		LIMIT NULLIF($3, -1)`,
		userID, category, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: insights by user: %w", model.WrapUpstream(err))
	}
	defer rows.Close()

	var out []model.Insight
	for rows.Next() {
		ins, err := scanPgInsight(rows)
		if err != nil {
			s.logger.Warn("skip malformed insight row", "error", err)
			continue
		}
		out = append(out, *ins)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate insights: %w", model.WrapUpstream(err))
	}
	return out, nil
}

// SearchChunks ranks chunks by cosine similarity in SQL.
func (s *PostgresStore) SearchChunks(ctx context.Context, userID string, queryVec []float32, topK int) ([]model.ScoredDoc, error) {
	return s.vectorSearch(ctx, "chunk", `
		SELECT id, session_id,
		       CASE WHEN summary != '' THEN summary ELSE content END,
		       1 - (content_vector <=> $2::vector), created_at
		FROM chunks
		WHERE user_id = $1 AND content_vector IS NOT NULL
		ORDER BY content_vector <=> $2::vector
		LIMIT $3`,
		userID, queryVec, topK)
}

// SearchSummaries ranks completed-session summaries by cosine similarity
// in SQL.
func (s *PostgresStore) SearchSummaries(ctx context.Context, userID string, queryVec []float32, topK int) ([]model.ScoredDoc, error) {
	return s.vectorSearch(ctx, "summary", `
		SELECT id, id AS session_id, summary,
		       1 - (summary_vector <=> $2::vector), end_time
		FROM sessions
		WHERE user_id = $1 AND status = $4
		  AND summary_vector IS NOT NULL AND summary != ''
		  AND end_time IS NOT NULL
		ORDER BY summary_vector <=> $2::vector
		LIMIT $3`,
		userID, queryVec, topK, model.StatusCompleted)
}

// SearchInsights ranks insights by cosine similarity in SQL.
func (s *PostgresStore) SearchInsights(ctx context.Context, userID string, queryVec []float32, topK int) ([]model.ScoredDoc, error) {
	return s.vectorSearch(ctx, "insight", `
		SELECT id, COALESCE(session_id, ''), insight_text,
		       1 - (vector <=> $2::vector), extracted_at
		FROM insights
		WHERE user_id = $1 AND vector IS NOT NULL
		ORDER BY vector <=> $2::vector
		LIMIT $3`,
		userID, queryVec, topK)
}

func (s *PostgresStore) vectorSearch(ctx context.Context, kind, query, userID string, queryVec []float32, topK int, extra ...any) ([]model.ScoredDoc, error) {
	if len(queryVec) == 0 || topK <= 0 {
		return nil, nil
	}
	args := append([]any{userID, vectorLiteral(queryVec), topK}, extra...)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: search %ss: %w", kind, model.WrapUpstream(err))
	}
	defer rows.Close()

	var docs []model.ScoredDoc
	for rows.Next() {
		doc := model.ScoredDoc{Kind: kind}
		if err := rows.Scan(&doc.ID, &doc.SessionID, &doc.Text, &doc.Score, &doc.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan %s: %w", kind, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate %ss: %w", kind, model.WrapUpstream(err))
	}
	return docs, nil
}

// SearchChunksByText scores chunks by query-term overlap, computed in Go
// for parity with the other backends.
func (s *PostgresStore) SearchChunksByText(ctx context.Context, userID, query string, topK int) ([]model.ScoredDoc, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, content, summary, created_at
		FROM chunks
		WHERE user_id = $1
		ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: text search: %w", model.WrapUpstream(err))
	}
	defer rows.Close()

	var docs []model.ScoredDoc
	for rows.Next() {
		var c model.InteractionChunk
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Content, &c.Summary, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan chunk: %w", err)
		}
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
			Timestamp: c.Timestamp.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate chunks: %w", model.WrapUpstream(err))
	}
	return rankDocs(docs, topK), nil
}

// DistinctUsers lists users with at least one insight.
func (s *PostgresStore) DistinctUsers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT DISTINCT user_id FROM insights ORDER BY user_id")
	if err != nil {
		return nil, fmt.Errorf("postgres: distinct users: %w", model.WrapUpstream(err))
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("postgres: scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate users: %w", model.WrapUpstream(err))
	}
	return users, nil
}

// Ping verifies the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", model.WrapUpstream(err))
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPgSession(row pgx.Row) (*model.SessionRecord, error) {
	var (
		rec        model.SessionRecord
		endTime    *time.Time
		summaryVec *string
		topics     []byte
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.StartTime, &endTime, &rec.Status,
		&rec.CumulativeSummary, &rec.TurnCount, &rec.Summary, &summaryVec,
		&topics, &rec.LastUpdated); err != nil {
		return nil, err
	}
	if endTime != nil {
		rec.EndTime = endTime.UTC()
	}
	rec.StartTime = rec.StartTime.UTC()
	rec.LastUpdated = rec.LastUpdated.UTC()

	var err error
	if rec.SummaryVector, err = parseVectorLiteral(summaryVec); err != nil {
		return nil, fmt.Errorf("parse summary_vector: %w", err)
	}
	if len(topics) > 0 {
		if err := json.Unmarshal(topics, &rec.KeyTopics); err != nil {
			return nil, fmt.Errorf("unmarshal key_topics: %w", err)
		}
	}
	return &rec, nil
}

func scanPgChunk(row pgx.Row) (*model.InteractionChunk, error) {
	var (
		chunk      model.InteractionChunk
		contentVec *string
		summaryVec *string
		topics     []byte
		entities   []byte
	)
	if err := row.Scan(&chunk.ID, &chunk.UserID, &chunk.SessionID, &chunk.Timestamp,
		&chunk.Content, &contentVec, &chunk.Summary, &summaryVec,
		&topics, &entities); err != nil {
		return nil, err
	}
	chunk.Timestamp = chunk.Timestamp.UTC()

	var err error
	if chunk.ContentVector, err = parseVectorLiteral(contentVec); err != nil {
		return nil, fmt.Errorf("parse content_vector: %w", err)
	}
	if chunk.SummaryVector, err = parseVectorLiteral(summaryVec); err != nil {
		return nil, fmt.Errorf("parse summary_vector: %w", err)
	}
	if len(topics) > 0 {
		if err := json.Unmarshal(topics, &chunk.KeyTopics); err != nil {
			return nil, fmt.Errorf("unmarshal key_topics: %w", err)
		}
	}
	if len(entities) > 0 {
		if err := json.Unmarshal(entities, &chunk.Entities); err != nil {
			return nil, fmt.Errorf("unmarshal entities: %w", err)
		}
	}
	return &chunk, nil
}

func scanPgInsight(row pgx.Row) (*model.Insight, error) {
	var (
		ins      model.Insight
		vec      *string
		evidence []byte
	)
	if err := row.Scan(&ins.ID, &ins.UserID, &ins.SessionID, &ins.InsightText,
		&ins.Category, &ins.Confidence, &ins.Importance, &ins.ExtractedAt,
		&vec, &evidence); err != nil {
		return nil, err
	}
	ins.ExtractedAt = ins.ExtractedAt.UTC()

	var err error
	if ins.Vector, err = parseVectorLiteral(vec); err != nil {
		return nil, fmt.Errorf("parse vector: %w", err)
	}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &ins.Evidence); err != nil {
			return nil, fmt.Errorf("unmarshal evidence: %w", err)
		}
	}
	return &ins, nil
}

func pgNullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

// vectorLiteral renders a vector in pgvector's text form, or nil for NULL.
func vectorLiteral(vec []float32) *string {
	if len(vec) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	s := b.String()
	return &s
}

func parseVectorLiteral(s *string) ([]float32, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	trimmed := strings.Trim(*s, "[]")
	if trimmed == "" {
		return nil, nil
	}
	parts := strings.Split(trimmed, ",")
	vec := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, err
		}
		vec[i] = float32(f)
	}
	return vec, nil
}

var _ Store = (*PostgresStore)(nil)
