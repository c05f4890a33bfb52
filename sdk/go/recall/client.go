// Package recall provides a Go SDK client for the recall memory backend
// HTTP API.
//
// Usage:
//
//	client := recall.NewClient("http://localhost:8080", recall.WithAPIKey("my-key"))
//	sess, err := client.StartSession(ctx, "user123", "", true)
//	// inject sess.InitialContext into the agent's prompt
//	_, err = client.StoreTurn(ctx, "user123", sess.SessionID, "What is a 401k?", "A 401k is ...")
//	result, err := client.EndSession(ctx, "user123", sess.SessionID)
package recall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Turn is one utterance in a session's active window.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// BufferStatus describes the hot turn buffer of a session.
type BufferStatus struct {
	Size            int  `json:"size"`
	Capacity        int  `json:"capacity"`
	WillCompactSoon bool `json:"will_compact_soon"`
}

// StartSessionResponse is returned by StartSession.
type StartSessionResponse struct {
	SessionID      string `json:"session_id"`
	Restored       bool   `json:"restored"`
	InitialContext string `json:"initial_context"`
}

// TurnResponse is returned by StoreTurn.
type TurnResponse struct {
	Status                 string `json:"status"`
	SummarizationTriggered bool   `json:"summarization_triggered"`
	ActiveTurns            int    `json:"active_turns"`
}

// EndSessionResponse is returned by EndSession.
type EndSessionResponse struct {
	SessionID     string   `json:"session_id"`
	Summary       string   `json:"summary"`
	KeyTopics     []string `json:"key_topics"`
	InsightsCount int      `json:"insights_count"`
	TurnsCount    int      `json:"turns_count"`
}

// SessionSummary is one completed session as returned by Summaries.
type SessionSummary struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	StartTime         time.Time `json:"start_time"`
	EndTime           time.Time `json:"end_time,omitzero"`
	Status            string    `json:"status"`
	CumulativeSummary string    `json:"cumulative_summary"`
	TurnCount         int       `json:"turn_count"`
	Summary           string    `json:"summary,omitempty"`
	KeyTopics         []string  `json:"key_topics,omitempty"`
	LastUpdated       time.Time `json:"last_updated,omitzero"`
}

// RecentSessionSummary is a prior session's summary inside a context
// response.
type RecentSessionSummary struct {
	SessionID string   `json:"session_id"`
	EndTime   string   `json:"end_time"`
	Summary   string   `json:"summary"`
	KeyTopics []string `json:"key_topics,omitempty"`
}

// ContextResponse is the assembled memory context for one session.
type ContextResponse struct {
	UserID                 string                 `json:"user_id"`
	SessionID              string                 `json:"session_id"`
	ActiveTurns            []Turn                 `json:"active_turns"`
	CumulativeSummary      string                 `json:"cumulative_summary"`
	Insights               string                 `json:"insights"`
	RecentSessionSummaries []RecentSessionSummary `json:"recent_session_summaries"`
	FormattedContext       string                 `json:"formatted_context"`
	Buffer                 BufferStatus           `json:"buffer"`
}

// InsightEvidence backs an insight with the session summary it was
// extracted from.
type InsightEvidence struct {
	SessionSummary string   `json:"session_summary,omitempty"`
	KeyTopics      []string `json:"key_topics,omitempty"`
}

// Insight is a stored fact about a user.
type Insight struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	SessionID   string          `json:"session_id,omitempty"`
	InsightText string          `json:"insight_text"`
	Category    string          `json:"category"`
	Confidence  float64         `json:"confidence"`
	Importance  string          `json:"importance,omitempty"`
	ExtractedAt time.Time       `json:"extracted_at"`
	Evidence    InsightEvidence `json:"evidence,omitzero"`
}

// SearchResult is one ranked hit from a memory search.
type SearchResult struct {
	Kind      string    `json:"kind"`
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	Text      string    `json:"text"`
	Score     float64   `json:"score"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// SearchRequest parameterizes a memory search. Scope is one of "all",
// "chunks", "summaries", "insights"; empty means "all". TopK at or below
// zero uses the server default.
type SearchRequest struct {
	UserID string `json:"user_id"`
	Query  string `json:"query"`
	Scope  string `json:"scope,omitempty"`
	TopK   int    `json:"top_k,omitempty"`
}

// PoolStats is the server's live session-pool snapshot.
type PoolStats struct {
	TotalSessions    int     `json:"total_sessions"`
	DirtySessions    int     `json:"dirty_sessions"`
	MaxCapacity      int     `json:"max_capacity"`
	Utilization      float64 `json:"utilization"`
	TTLSeconds       float64 `json:"ttl_seconds"`
	AvgAgeSeconds    float64 `json:"avg_age_seconds"`
	OldestAgeSeconds float64 `json:"oldest_age_seconds"`
}

// HealthResponse is returned by Health.
type HealthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Version string `json:"version"`
	Storage string `json:"storage"`
}

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int    `json:"status_code"`
	ErrorCode  string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.ErrorCode, e.Message)
}

// Option configures the Client.
type Option func(*Client)

// WithAPIKey sets the API key sent on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// Client is the memory backend API client. It is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil {
			apiErr.ErrorCode = "unknown"
			apiErr.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return apiErr
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

// StartSession starts or restores a session. An empty sessionID lets the
// server generate one; the returned SessionID is authoritative either way.
func (c *Client) StartSession(ctx context.Context, userID, sessionID string, restore bool) (*StartSessionResponse, error) {
	body := map[string]any{"user_id": userID, "restore": restore}
	if sessionID != "" {
		body["session_id"] = sessionID
	}
	var out StartSessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sessions/start", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StoreTurn records one user/agent exchange.
func (c *Client) StoreTurn(ctx context.Context, userID, sessionID, userMessage, agentMessage string) (*TurnResponse, error) {
	body := map[string]any{
		"user_id":       userID,
		"session_id":    sessionID,
		"user_message":  userMessage,
		"agent_message": agentMessage,
	}
	var out TurnResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/memory/turns", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EndSession finalizes a session: remaining turns are flushed, the
// conversation is reflected on, and the summary plus extracted insights
// are stored.
func (c *Client) EndSession(ctx context.Context, userID, sessionID string) (*EndSessionResponse, error) {
	body := map[string]any{"user_id": userID, "session_id": sessionID}
	var out EndSessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sessions/end", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetContext fetches the assembled memory context for a session. The
// FormattedContext field is ready to inject into an agent prompt.
func (c *Client) GetContext(ctx context.Context, userID, sessionID string) (*ContextResponse, error) {
	path := fmt.Sprintf("/v1/users/%s/sessions/%s/context",
		url.PathEscape(userID), url.PathEscape(sessionID))
	var out ContextResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Search runs a semantic search over the user's stored memory.
func (c *Client) Search(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	var out struct {
		Results []SearchResult `json:"results"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/memory/search", req, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// Insights lists a user's stored insights, newest first. category filters
// when non-empty; limit <= 0 returns all.
func (c *Client) Insights(ctx context.Context, userID, category string, limit int) ([]Insight, error) {
	path := "/v1/users/" + url.PathEscape(userID) + "/insights"
	q := url.Values{}
	if category != "" {
		q.Set("category", category)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Insights []Insight `json:"insights"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Insights, nil
}

// Summaries lists a user's completed session summaries, most recent
// first. limit <= 0 uses the server default.
func (c *Client) Summaries(ctx context.Context, userID string, limit int) ([]SessionSummary, error) {
	path := "/v1/users/" + url.PathEscape(userID) + "/summaries"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Summaries []SessionSummary `json:"summaries"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Summaries, nil
}

// Synthesize asks the backend to synthesize a long-term profile insight
// for the user from their accumulated insights.
func (c *Client) Synthesize(ctx context.Context, userID string) (*Insight, error) {
	path := "/v1/users/" + url.PathEscape(userID) + "/synthesis"
	var out struct {
		Insight Insight `json:"insight"`
	}
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out.Insight, nil
}

// PoolStats fetches the live session-pool snapshot.
func (c *Client) PoolStats(ctx context.Context) (*PoolStats, error) {
	var out PoolStats
	if err := c.doJSON(ctx, http.MethodGet, "/v1/pool/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks the backend health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.doJSON(ctx, http.MethodGet, "/healthz", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
