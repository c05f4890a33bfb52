package integration_tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/szaher/recall/internal/insight"
	"github.com/szaher/recall/internal/runtime"
	"github.com/szaher/recall/internal/session"
	"github.com/szaher/recall/internal/storage"
	"github.com/szaher/recall/internal/testutil"
)

const apiKey = "integration-test-key"

// newAPIServer stands up the HTTP surface over a real SQLite store, the
// way serve wires it, with deterministic insight and embedding fakes.
func newAPIServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "recall.db"), nil)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	embedder := &testutil.Embedder{Vec: []float32{1, 0, 0}}
	cfg := session.DefaultConfig()
	cfg.Memory.BufferSize = 4
	pool := session.NewPool(store, embedder, insight.Static{}, testutil.InlineQueue{}, nil,
		session.WithSessionConfig(cfg))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	})

	srv := runtime.NewServer(runtime.Config{
		APIKey:              apiKey,
		SimilarityThreshold: 0.5,
		Version:             "integration",
	}, store, pool, embedder)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func call(t *testing.T, ts *httptest.Server, method, path string, payload any) (int, map[string]any) {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", apiKey)

	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode %s %s response: %v", method, path, err)
	}
	return resp.StatusCode, decoded
}

func TestConversationFlowOverHTTP(t *testing.T) {
	ts := newAPIServer(t)

	status, body := call(t, ts, http.MethodPost, "/v1/sessions/start",
		map[string]any{"user_id": "u1", "session_id": "s1", "restore": true})
	if status != http.StatusOK {
		t.Fatalf("start status = %d: %v", status, body)
	}
	if body["session_id"] != "s1" || body["restored"] != false {
		t.Errorf("start response = %v", body)
	}

	// Two exchanges; the second fills the 4-turn buffer and compacts.
	for i, msgs := range [][2]string{
		{"I have been training for a marathon since January", "Impressive, how is the mileage building up"},
		{"Long runs are at thirty kilometers now", "You are well on track for race day"},
	} {
		status, body = call(t, ts, http.MethodPost, "/v1/memory/turns", map[string]any{
			"user_id": "u1", "session_id": "s1",
			"user_message": msgs[0], "agent_message": msgs[1],
		})
		if status != http.StatusOK {
			t.Fatalf("turn %d status = %d: %v", i+1, status, body)
		}
	}
	if body["summarization_triggered"] != true {
		t.Errorf("second turn should compact: %v", body)
	}

	status, body = call(t, ts, http.MethodGet, "/v1/users/u1/sessions/s1/context", nil)
	if status != http.StatusOK {
		t.Fatalf("context status = %d: %v", status, body)
	}
	if body["cumulative_summary"] == "" {
		t.Error("context should carry the compacted summary")
	}

	status, body = call(t, ts, http.MethodPost, "/v1/sessions/end",
		map[string]any{"user_id": "u1", "session_id": "s1"})
	if status != http.StatusOK {
		t.Fatalf("end status = %d: %v", status, body)
	}
	if body["turns_count"] != float64(4) {
		t.Errorf("turns_count = %v, want 4", body["turns_count"])
	}

	status, body = call(t, ts, http.MethodGet, "/v1/users/u1/summaries", nil)
	if status != http.StatusOK {
		t.Fatalf("summaries status = %d: %v", status, body)
	}
	if body["count"] != float64(1) {
		t.Errorf("summaries count = %v, want 1", body["count"])
	}

	// The compacted chunk is searchable afterwards.
	status, body = call(t, ts, http.MethodPost, "/v1/memory/search",
		map[string]any{"user_id": "u1", "query": "marathon training"})
	if status != http.StatusOK {
		t.Fatalf("search status = %d: %v", status, body)
	}
	if body["count"] == float64(0) {
		t.Error("search should find the stored conversation")
	}
}

func TestAuthRequiredOnBusinessRoutes(t *testing.T) {
	ts := newAPIServer(t)

	resp, err := ts.Client().Post(ts.URL+"/v1/sessions/start", "application/json",
		bytes.NewReader([]byte(`{"user_id":"u1"}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated start = %d, want 401", resp.StatusCode)
	}

	resp, err = ts.Client().Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz without key = %d, want 200", resp.StatusCode)
	}
	var health map[string]any
	json.NewDecoder(resp.Body).Decode(&health)
	if health["storage"] != "ok" {
		t.Errorf("healthz storage = %v, want ok", health["storage"])
	}
}

func TestPoolStatsReflectLiveSessions(t *testing.T) {
	ts := newAPIServer(t)

	for _, id := range []string{"s1", "s2"} {
		status, body := call(t, ts, http.MethodPost, "/v1/sessions/start",
			map[string]any{"user_id": "u1", "session_id": id})
		if status != http.StatusOK {
			t.Fatalf("start %s = %d: %v", id, status, body)
		}
	}

	status, body := call(t, ts, http.MethodGet, "/v1/pool/stats", nil)
	if status != http.StatusOK {
		t.Fatalf("stats status = %d: %v", status, body)
	}
	if body["total_sessions"] != float64(2) {
		t.Errorf("total_sessions = %v, want 2", body["total_sessions"])
	}
}

func TestEndingUnknownSessionOverHTTP(t *testing.T) {
	ts := newAPIServer(t)

	status, body := call(t, ts, http.MethodPost, "/v1/sessions/end",
		map[string]any{"user_id": "ghost", "session_id": "never-started"})
	if status != http.StatusOK {
		t.Fatalf("end status = %d: %v", status, body)
	}
	if body["turns_count"] != float64(0) {
		t.Errorf("turns_count = %v, want 0 for an empty session", body["turns_count"])
	}

	// Ending it again hits the completed record.
	status, body = call(t, ts, http.MethodPost, "/v1/sessions/end",
		map[string]any{"user_id": "ghost", "session_id": "never-started"})
	if status != http.StatusConflict {
		t.Errorf("double end status = %d, want 409: %v", status, body)
	}
}
