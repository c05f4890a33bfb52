package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/szaher/recall/internal/insight"
	"github.com/szaher/recall/internal/model"
)

const healthPingTimeout = 2 * time.Second

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}

// writeDomainError maps the storage and lifecycle error taxonomy onto
// HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, model.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, insight.ErrInsufficientInsights):
		writeError(w, http.StatusUnprocessableEntity, "insufficient_insights", err.Error())
	case errors.Is(err, model.ErrUpstreamUnavailable):
		writeError(w, http.StatusBadGateway, "upstream_unavailable", err.Error())
	case errors.Is(err, model.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "upstream_timeout", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string `json:"user_id"`
		SessionID string `json:"session_id"`
		Restore   *bool  `json:"restore"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = model.NewSessionID()
	}
	restore := true
	if req.Restore != nil {
		restore = *req.Restore
	}

	orc, rehydrated, err := s.pool.GetOrCreate(r.Context(), req.UserID, sessionID, restore)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":      sessionID,
		"restored":        rehydrated > 0,
		"initial_context": orc.CurrentContext(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID            string `json:"user_id"`
		SessionID         string `json:"session_id"`
		TriggerReflection *bool  `json:"trigger_reflection"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.UserID == "" || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id and session_id are required")
		return
	}
	reflect := true
	if req.TriggerReflection != nil {
		reflect = *req.TriggerReflection
	}

	// A session not in the pool is restored first, so an end request
	// after an eviction or a restart still finalizes it.
	orc, _, err := s.pool.GetOrCreate(r.Context(), req.UserID, req.SessionID, true)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	sum, err := orc.EndSession(r.Context(), reflect)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// Already durable; drop the pool entry without persisting.
	_ = s.pool.Remove(r.Context(), req.UserID, req.SessionID, false)

	if s.archiver != nil && s.queue != nil {
		userID, sessionID := req.UserID, req.SessionID
		s.queue.Enqueue("session-archive", func(ctx context.Context) error {
			return s.archiver.ArchiveSession(ctx, userID, sessionID)
		})
	}

	topics := sum.KeyTopics
	if topics == nil {
		topics = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":     req.SessionID,
		"summary":        sum.Summary,
		"key_topics":     topics,
		"insights_count": sum.InsightsStored,
		"turns_count":    sum.TurnsCount,
	})
}

func (s *Server) handleStoreTurn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID       string `json:"user_id"`
		SessionID    string `json:"session_id"`
		UserMessage  string `json:"user_message"`
		AgentMessage string `json:"agent_message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.UserID == "" || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id and session_id are required")
		return
	}
	if req.UserMessage == "" || req.AgentMessage == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_message and agent_message are required")
		return
	}

	orc, _, err := s.pool.GetOrCreate(r.Context(), req.UserID, req.SessionID, true)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	res, err := orc.ProcessTurn(r.Context(), req.UserMessage, req.AgentMessage)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.pool.MarkDirty(req.UserID, req.SessionID)
	if res.SummarizationTriggered && s.metrics != nil {
		s.metrics.Compactions.Inc()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":                  "stored",
		"summarization_triggered": res.SummarizationTriggered,
		"active_turns":            res.ActiveTurns,
	})
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	sessionID := r.PathValue("sessionID")

	orc, _, err := s.pool.GetOrCreate(r.Context(), userID, sessionID, true)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	view := orc.ContextSnapshot()

	turns := view.ActiveTurns
	if turns == nil {
		turns = []model.ConversationTurn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":                  userID,
		"session_id":               sessionID,
		"active_turns":             turns,
		"cumulative_summary":       view.CumulativeSummary,
		"insights":                 view.InitContext.LongTermInsight,
		"recent_session_summaries": view.InitContext.RecentSummaries,
		"formatted_context":        view.FormattedContext,
		"buffer":                   view.Buffer,
	})
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	category := r.URL.Query().Get("category")
	limit := queryInt(r, "limit", 0)

	list, err := s.store.InsightsByUser(r.Context(), userID, category, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]model.Insight, len(list))
	for i, ins := range list {
		ins.Vector = nil
		out[i] = ins
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"insights": out,
		"count":    len(out),
	})
}

func (s *Server) handleSummaries(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	limit := queryInt(r, "limit", 10)

	recs, err := s.store.CompletedSummaries(r.Context(), userID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]model.SessionRecord, len(recs))
	for i, rec := range recs {
		rec.SummaryVector = nil
		out[i] = rec
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":   userID,
		"summaries": out,
		"count":     len(out),
	})
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	if s.synth == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", "profile synthesis is not configured")
		return
	}
	userID := r.PathValue("userID")

	ins, err := s.synth.Run(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := *ins
	out.Vector = nil

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"insight": out,
	})
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
	defer cancel()

	status, code, storageState := "healthy", http.StatusOK, "ok"
	if err := s.store.Ping(ctx); err != nil {
		status, code, storageState = "degraded", http.StatusServiceUnavailable, err.Error()
	}

	writeJSON(w, code, map[string]any{
		"status":  status,
		"uptime":  time.Since(s.startTime).String(),
		"version": s.cfg.Version,
		"storage": storageState,
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
