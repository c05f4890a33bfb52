package runtime

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/szaher/recall/internal/model"
	"github.com/szaher/recall/internal/search"
)

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Query  string `json:"query"`
		TopK   int    `json:"top_k"`
		Scope  string `json:"scope"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.UserID == "" || req.Query == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id and query are required")
		return
	}
	if req.Scope != "" && !search.ValidScope(req.Scope) {
		writeError(w, http.StatusBadRequest, "invalid_request",
			fmt.Sprintf("scope must be all, chunks, summaries, or insights, got %q", req.Scope))
		return
	}

	results, err := s.searcher.Query(r.Context(), req.UserID, req.Query, req.Scope, req.TopK)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if results == nil {
		results = []model.ScoredDoc{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"query":   req.Query,
		"results": results,
		"count":   len(results),
	})
}
