package recall

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestBackend(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, WithAPIKey("test-key")), srv
}

func TestStartSessionRequest(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any
	client, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-API-Key")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"session_id":      "sess-1",
			"restored":        true,
			"initial_context": "prior context",
		})
	})

	resp, err := client.StartSession(context.Background(), "user1", "sess-1", true)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if gotPath != "/v1/sessions/start" {
		t.Errorf("path = %q, want /v1/sessions/start", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("X-API-Key = %q, want test-key", gotKey)
	}
	if gotBody["user_id"] != "user1" || gotBody["session_id"] != "sess-1" || gotBody["restore"] != true {
		t.Errorf("request body = %v", gotBody)
	}
	if resp.SessionID != "sess-1" || !resp.Restored || resp.InitialContext != "prior context" {
		t.Errorf("response = %+v", resp)
	}
}

func TestStartSessionOmitsEmptySessionID(t *testing.T) {
	var gotBody map[string]any
	client, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{"session_id": "generated-1"})
	})

	resp, err := client.StartSession(context.Background(), "user1", "", false)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, ok := gotBody["session_id"]; ok {
		t.Errorf("session_id should be omitted when empty, body = %v", gotBody)
	}
	if resp.SessionID != "generated-1" {
		t.Errorf("SessionID = %q, want generated-1", resp.SessionID)
	}
}

func TestStoreTurnAndEndSession(t *testing.T) {
	client, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/memory/turns":
			json.NewEncoder(w).Encode(map[string]any{
				"status":                  "stored",
				"summarization_triggered": true,
				"active_turns":            4,
			})
		case "/v1/sessions/end":
			json.NewEncoder(w).Encode(map[string]any{
				"session_id":     "sess-1",
				"summary":        "Talked about retirement accounts.",
				"key_topics":     []string{"retirement"},
				"insights_count": 2,
				"turns_count":    6,
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	turn, err := client.StoreTurn(context.Background(), "user1", "sess-1", "hi", "hello")
	if err != nil {
		t.Fatalf("StoreTurn: %v", err)
	}
	if turn.Status != "stored" || !turn.SummarizationTriggered || turn.ActiveTurns != 4 {
		t.Errorf("turn response = %+v", turn)
	}

	end, err := client.EndSession(context.Background(), "user1", "sess-1")
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if end.TurnsCount != 6 || end.InsightsCount != 2 || len(end.KeyTopics) != 1 {
		t.Errorf("end response = %+v", end)
	}
}

func TestGetContextEscapesPath(t *testing.T) {
	var gotPath string
	client, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		json.NewEncoder(w).Encode(map[string]any{
			"user_id":           "user/1",
			"session_id":        "sess-1",
			"formatted_context": "ctx",
			"buffer":            map[string]any{"size": 3, "capacity": 10},
		})
	})

	resp, err := client.GetContext(context.Background(), "user/1", "sess-1")
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if gotPath != "/v1/users/user%2F1/sessions/sess-1/context" {
		t.Errorf("path = %q", gotPath)
	}
	if resp.FormattedContext != "ctx" || resp.Buffer.Size != 3 {
		t.Errorf("response = %+v", resp)
	}
}

func TestSearch(t *testing.T) {
	var gotBody SearchRequest
	client, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"query": gotBody.Query,
			"results": []map[string]any{
				{"kind": "insight", "id": "i1", "text": "prefers email", "score": 0.91},
				{"kind": "chunk", "id": "c1", "text": "older exchange", "score": 0.64},
			},
			"count": 2,
		})
	})

	results, err := client.Search(context.Background(), SearchRequest{
		UserID: "user1",
		Query:  "contact preference",
		Scope:  "insights",
		TopK:   3,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if gotBody.Scope != "insights" || gotBody.TopK != 3 {
		t.Errorf("request = %+v", gotBody)
	}
	if len(results) != 2 || results[0].Kind != "insight" || results[0].Score != 0.91 {
		t.Errorf("results = %+v", results)
	}
}

func TestInsightsQueryParams(t *testing.T) {
	var gotQuery string
	client, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(map[string]any{
			"insights": []map[string]any{
				{"id": "i1", "insight_text": "prefers index funds", "category": "preference", "confidence": 0.9},
			},
			"count": 1,
		})
	})

	insights, err := client.Insights(context.Background(), "user1", "preference", 5)
	if err != nil {
		t.Fatalf("Insights: %v", err)
	}
	if gotQuery != "category=preference&limit=5" {
		t.Errorf("query = %q", gotQuery)
	}
	if len(insights) != 1 || insights[0].Category != "preference" {
		t.Errorf("insights = %+v", insights)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	client, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{
			"error":   "not_found",
			"message": "session not found",
		})
	})

	_, err := client.GetContext(context.Background(), "user1", "missing")
	if err == nil {
		t.Fatal("expected error for 404")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.StatusCode != 404 || apiErr.ErrorCode != "not_found" {
		t.Errorf("apiErr = %+v", apiErr)
	}
	want := "API error 404 (not_found): session not found"
	if apiErr.Error() != want {
		t.Errorf("Error() = %q, want %q", apiErr.Error(), want)
	}
}

func TestAPIErrorNonJSONBody(t *testing.T) {
	client, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream blew up"))
	})

	_, err := client.Health(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.ErrorCode != "unknown" || apiErr.Message != "HTTP 502" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestPoolStatsAndHealth(t *testing.T) {
	client, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/pool/stats":
			json.NewEncoder(w).Encode(map[string]any{
				"total_sessions": 12,
				"dirty_sessions": 3,
				"max_capacity":   100,
				"utilization":    0.12,
			})
		case "/healthz":
			json.NewEncoder(w).Encode(map[string]any{
				"status":  "healthy",
				"version": "0.1.0",
				"storage": "ok",
			})
		}
	})

	stats, err := client.PoolStats(context.Background())
	if err != nil {
		t.Fatalf("PoolStats: %v", err)
	}
	if stats.TotalSessions != 12 || stats.Utilization != 0.12 {
		t.Errorf("stats = %+v", stats)
	}

	health, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Status != "healthy" || health.Storage != "ok" {
		t.Errorf("health = %+v", health)
	}
}
