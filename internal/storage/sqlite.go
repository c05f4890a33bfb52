package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/szaher/recall/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqliteTimeLayout is RFC 3339 with fixed nine-digit fractional seconds.
// All values are UTC, so lexicographic TEXT comparison orders by time.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store on a single SQLite file. Vectors are stored
// as JSON-encoded float32 arrays and similarity is brute-forced in Go,
// which holds up well into the low thousands of documents per user.
// modernc.org/sqlite needs no cgo, so the store runs anywhere the binary
// does.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path and applies
// pending migrations. A nil logger discards store diagnostics.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}

	// SQLite is single-writer. One shared connection lets database/sql
	// serialize callers instead of them fighting for the write lock.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) runMigrations() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  TEXT NOT NULL,
			description TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		parts := strings.SplitN(name, "_", 2)
		if len(parts) < 2 {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			version, formatTime(time.Now()), strings.TrimSuffix(parts[1], ".sql"),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
		s.logger.Info("applied migration", "version", version, "name", name)
	}
	return nil
}

// GetSession returns the session record, or model.ErrNotFound.
func (s *SQLiteStore) GetSession(ctx context.Context, userID, sessionID string) (*model.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, start_time, end_time, status, cumulative_summary,
		       turn_count, summary, summary_vector, key_topics, last_updated
		FROM sessions WHERE user_id = ? AND id = ?`,
		userID, sessionID,
	)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get session: %w", model.WrapUpstream(err))
	}
	return rec, nil
}

// PutSession upserts a session record. The conditional ON CONFLICT update
// leaves completed records untouched.
func (s *SQLiteStore) PutSession(ctx context.Context, rec *model.SessionRecord) error {
	topics, err := marshalStrings(rec.KeyTopics)
	if err != nil {
		return fmt.Errorf("sqlite: marshal key topics: %w", err)
	}
	vec, err := marshalVector(rec.SummaryVector)
	if err != nil {
		return fmt.Errorf("sqlite: marshal summary vector: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions
			(id, user_id, start_time, end_time, status, cumulative_summary,
			 turn_count, summary, summary_vector, key_topics, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
		WHERE sessions.status != ?`,
		rec.ID, rec.UserID, formatTime(rec.StartTime), nullTime(rec.EndTime),
		rec.Status, rec.CumulativeSummary, rec.TurnCount, rec.Summary,
		vec, topics, formatTime(rec.LastUpdated), model.StatusCompleted,
	)
	if err != nil {
		return fmt.Errorf("sqlite: put session: %w", model.WrapUpstream(err))
	}
	return nil
}

// UpdateSessionProgress refreshes summary and turn count of an active session.
func (s *SQLiteStore) UpdateSessionProgress(ctx context.Context, userID, sessionID, cumulativeSummary string, turnCount int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET cumulative_summary = ?, turn_count = ?, last_updated = ?
		WHERE user_id = ? AND id = ? AND status != ?`,
		cumulativeSummary, turnCount, formatTime(time.Now()),
		userID, sessionID, model.StatusCompleted,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update session progress: %w", model.WrapUpstream(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		var one int
		err := s.db.QueryRowContext(ctx,
			"SELECT 1 FROM sessions WHERE user_id = ? AND id = ?", userID, sessionID,
		).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlite: update session progress: %w", model.ErrNotFound)
		}
		// Row exists but is completed: terminal records stay as written.
	}
	return nil
}

// CompletedSummaries returns completed sessions, most recently ended first.
func (s *SQLiteStore) CompletedSummaries(ctx context.Context, userID string, limit int) ([]model.SessionRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, start_time, end_time, status, cumulative_summary,
		       turn_count, summary, summary_vector, key_topics, last_updated
		FROM sessions
		WHERE user_id = ? AND status = ?
		ORDER BY end_time DESC
		LIMIT ?`,
		userID, model.StatusCompleted, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: completed summaries: %w", model.WrapUpstream(err))
	}
	defer rows.Close()

	var out []model.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			s.logger.Warn("skip malformed session row", "error", err)
			continue
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate summaries: %w", model.WrapUpstream(err))
	}
	return out, nil
}

// PutChunk stores one interaction chunk.
func (s *SQLiteStore) PutChunk(ctx context.Context, chunk *model.InteractionChunk) error {
	contentVec, err := marshalVector(chunk.ContentVector)
	if err != nil {
		return fmt.Errorf("sqlite: marshal content vector: %w", err)
	}
	summaryVec, err := marshalVector(chunk.SummaryVector)
	if err != nil {
		return fmt.Errorf("sqlite: marshal summary vector: %w", err)
	}
	topics, err := marshalStrings(chunk.KeyTopics)
	if err != nil {
		return fmt.Errorf("sqlite: marshal key topics: %w", err)
	}
	entities, err := marshalStrings(chunk.Entities)
	if err != nil {
		return fmt.Errorf("sqlite: marshal entities: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO chunks
			(id, user_id, session_id, created_at, content, content_vector,
			 summary, summary_vector, key_topics, entities)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		chunk.ID, chunk.UserID, chunk.SessionID, formatTime(chunk.Timestamp),
		chunk.Content, contentVec, chunk.Summary, summaryVec, topics, entities,
	)
	if err != nil {
		return fmt.Errorf("sqlite: put chunk: %w", model.WrapUpstream(err))
	}
	return nil
}

// RecentChunks returns up to limit chunks of one session, newest first.
func (s *SQLiteStore) RecentChunks(ctx context.Context, userID, sessionID string, limit int) ([]model.InteractionChunk, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, session_id, created_at, content, content_vector,
		       summary, summary_vector, key_topics, entities
		FROM chunks
		WHERE user_id = ? AND session_id = ?
		ORDER BY created_at DESC
		LIMIT ?`,
		userID, sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: recent chunks: %w", model.WrapUpstream(err))
	}
	defer rows.Close()

	var out []model.InteractionChunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			s.logger.Warn("skip malformed chunk row", "error", err)
			continue
		}
		out = append(out, *chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate chunks: %w", model.WrapUpstream(err))
	}
	return out, nil
}

// PutInsight stores one insight.
func (s *SQLiteStore) PutInsight(ctx context.Context, ins model.Insight) error {
	vec, err := marshalVector(ins.Vector)
	if err != nil {
		return fmt.Errorf("sqlite: marshal insight vector: %w", err)
	}
	evidence, err := marshalEvidence(ins.Evidence)
	if err != nil {
		return fmt.Errorf("sqlite: marshal evidence: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO insights
			(id, user_id, session_id, insight_text, category, confidence,
			 importance, extracted_at, vector, evidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ins.ID, ins.UserID, ins.SessionID, ins.InsightText, ins.Category,
		ins.Confidence, ins.Importance, formatTime(ins.ExtractedAt), vec, evidence,
	)
	if err != nil {
		return fmt.Errorf("sqlite: put insight: %w", model.WrapUpstream(err))
	}
	return nil
}

// InsightsByUser returns insights newest first, optionally by category.
func (s *SQLiteStore) InsightsByUser(ctx context.Context, userID, category string, limit int) ([]model.Insight, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT id, user_id, session_id, insight_text, category, confidence,
		       importance, extracted_at, vector, evidence
		FROM insights
		WHERE user_id = ?`
	args := []any{userID}
	if category != "" {
		query += " AND category = ?"
		args = append(args, category)
	}
	query += " ORDER BY extracted_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: insights by user: %w", model.WrapUpstream(err))
	}
	defer rows.Close()

	var out []model.Insight
	for rows.Next() {
		ins, err := scanInsight(rows)
		if err != nil {
			s.logger.Warn("skip malformed insight row", "error", err)
			continue
		}
		out = append(out, *ins)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate insights: %w", model.WrapUpstream(err))
	}
	return out, nil
}

// SearchChunks ranks chunks by content-vector similarity computed in Go.
func (s *SQLiteStore) SearchChunks(ctx context.Context, userID string, queryVec []float32, topK int) ([]model.ScoredDoc, error) {
	chunks, err := s.userChunks(ctx, userID)
	if err != nil {
		return nil, err
	}
	var docs []model.ScoredDoc
	for _, c := range chunks {
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
func (s *SQLiteStore) SearchSummaries(ctx context.Context, userID string, queryVec []float32, topK int) ([]model.ScoredDoc, error) {
	recs, err := s.CompletedSummaries(ctx, userID, 0)
	if err != nil {
		return nil, err
	}
	var docs []model.ScoredDoc
	for _, rec := range recs {
		if len(rec.SummaryVector) == 0 || rec.Summary == "" {
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
func (s *SQLiteStore) SearchInsights(ctx context.Context, userID string, queryVec []float32, topK int) ([]model.ScoredDoc, error) {
	insights, err := s.InsightsByUser(ctx, userID, "", 0)
	if err != nil {
		return nil, err
	}
	var docs []model.ScoredDoc
	for _, ins := range insights {
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

// SearchChunksByText scores chunks by query-term overlap.
func (s *SQLiteStore) SearchChunksByText(ctx context.Context, userID, query string, topK int) ([]model.ScoredDoc, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}
	chunks, err := s.userChunks(ctx, userID)
	if err != nil {
		return nil, err
	}
	var docs []model.ScoredDoc
	for _, c := range chunks {
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

// DistinctUsers lists users with at least one insight.
func (s *SQLiteStore) DistinctUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT user_id FROM insights ORDER BY user_id")
	if err != nil {
		return nil, fmt.Errorf("sqlite: distinct users: %w", model.WrapUpstream(err))
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("sqlite: scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate users: %w", model.WrapUpstream(err))
	}
	return users, nil
}

// Ping verifies the database file is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: ping: %w", model.WrapUpstream(err))
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) userChunks(ctx context.Context, userID string) ([]model.InteractionChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, session_id, created_at, content, content_vector,
		       summary, summary_vector, key_topics, entities
		FROM chunks
		WHERE user_id = ?
		ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: user chunks: %w", model.WrapUpstream(err))
	}
	defer rows.Close()

	var out []model.InteractionChunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			s.logger.Warn("skip malformed chunk row", "error", err)
			continue
		}
		out = append(out, *chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate chunks: %w", model.WrapUpstream(err))
	}
	return out, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*model.SessionRecord, error) {
	var (
		rec        model.SessionRecord
		startStr   string
		endStr     sql.NullString
		summaryVec sql.NullString
		topicsStr  sql.NullString
		updated    string
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &startStr, &endStr, &rec.Status,
		&rec.CumulativeSummary, &rec.TurnCount, &rec.Summary, &summaryVec,
		&topicsStr, &updated); err != nil {
		return nil, err
	}

	var err error
	if rec.StartTime, err = parseTime(startStr); err != nil {
		return nil, fmt.Errorf("parse start_time: %w", err)
	}
	if endStr.Valid && endStr.String != "" {
		if rec.EndTime, err = parseTime(endStr.String); err != nil {
			return nil, fmt.Errorf("parse end_time: %w", err)
		}
	}
	if rec.LastUpdated, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parse last_updated: %w", err)
	}
	if rec.SummaryVector, err = unmarshalVector(summaryVec); err != nil {
		return nil, fmt.Errorf("unmarshal summary_vector: %w", err)
	}
	if rec.KeyTopics, err = unmarshalStrings(topicsStr); err != nil {
		return nil, fmt.Errorf("unmarshal key_topics: %w", err)
	}
	return &rec, nil
}

func scanChunk(row scanner) (*model.InteractionChunk, error) {
	var (
		chunk       model.InteractionChunk
		tsStr       string
		contentVec  sql.NullString
		summaryVec  sql.NullString
		topicsStr   sql.NullString
		entitiesStr sql.NullString
	)
	if err := row.Scan(&chunk.ID, &chunk.UserID, &chunk.SessionID, &tsStr,
		&chunk.Content, &contentVec, &chunk.Summary, &summaryVec,
		&topicsStr, &entitiesStr); err != nil {
		return nil, err
	}

	var err error
	if chunk.Timestamp, err = parseTime(tsStr); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if chunk.ContentVector, err = unmarshalVector(contentVec); err != nil {
		return nil, fmt.Errorf("unmarshal content_vector: %w", err)
	}
	if chunk.SummaryVector, err = unmarshalVector(summaryVec); err != nil {
		return nil, fmt.Errorf("unmarshal summary_vector: %w", err)
	}
	if chunk.KeyTopics, err = unmarshalStrings(topicsStr); err != nil {
		return nil, fmt.Errorf("unmarshal key_topics: %w", err)
	}
	if chunk.Entities, err = unmarshalStrings(entitiesStr); err != nil {
		return nil, fmt.Errorf("unmarshal entities: %w", err)
	}
	return &chunk, nil
}

func scanInsight(row scanner) (*model.Insight, error) {
	var (
		ins         model.Insight
		sessionID   sql.NullString
		importance  sql.NullString
		extractedAt string
		vecStr      sql.NullString
		evidenceStr sql.NullString
	)
	if err := row.Scan(&ins.ID, &ins.UserID, &sessionID, &ins.InsightText,
		&ins.Category, &ins.Confidence, &importance, &extractedAt,
		&vecStr, &evidenceStr); err != nil {
		return nil, err
	}

	ins.SessionID = sessionID.String
	ins.Importance = importance.String
	var err error
	if ins.ExtractedAt, err = parseTime(extractedAt); err != nil {
		return nil, fmt.Errorf("parse extracted_at: %w", err)
	}
	if ins.Vector, err = unmarshalVector(vecStr); err != nil {
		return nil, fmt.Errorf("unmarshal vector: %w", err)
	}
	if evidenceStr.Valid && evidenceStr.String != "" {
		if err := json.Unmarshal([]byte(evidenceStr.String), &ins.Evidence); err != nil {
			return nil, fmt.Errorf("unmarshal evidence: %w", err)
		}
	}
	return &ins, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func marshalVector(vec []float32) ([]byte, error) {
	if len(vec) == 0 {
		return nil, nil
	}
	return json.Marshal(vec)
}

func unmarshalVector(s sql.NullString) ([]float32, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var vec []float32
	if err := json.Unmarshal([]byte(s.String), &vec); err != nil {
		return nil, err
	}
	return vec, nil
}

func marshalStrings(ss []string) ([]byte, error) {
	if len(ss) == 0 {
		return nil, nil
	}
	return json.Marshal(ss)
}

func unmarshalStrings(s sql.NullString) ([]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var ss []string
	if err := json.Unmarshal([]byte(s.String), &ss); err != nil {
		return nil, err
	}
	return ss, nil
}

func marshalEvidence(ev model.InsightEvidence) ([]byte, error) {
	if ev.SessionSummary == "" && len(ev.KeyTopics) == 0 {
		return nil, nil
	}
	return json.Marshal(ev)
}

var _ Store = (*SQLiteStore)(nil)
