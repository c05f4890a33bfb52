// Package mcp exposes the memory backend as a Model Context Protocol
// stdio server, so an agent can mount its own conversational memory as
// tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/szaher/recall/internal/search"
	"github.com/szaher/recall/internal/session"
)

// Server wires the session pool and searcher into MCP tools. Every tool
// routes through the same pool as the HTTP API, so an agent storing turns
// over stdio builds the same tiers a remote client would.
type Server struct {
	pool     *session.Pool
	searcher *search.Searcher
	logger   *slog.Logger
	mcp      *mcpsdk.Server
}

// NewServer builds the tool server. version is reported to the client
// during initialization.
func NewServer(pool *session.Pool, searcher *search.Searcher, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		pool:     pool,
		searcher: searcher,
		logger:   logger.With("component", "mcp"),
	}

	impl := &mcpsdk.Implementation{Name: "recall", Version: version}
	srv := mcpsdk.NewServer(impl, nil)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "memory_store_turn",
		Description: "Record one user/agent exchange in the session's conversational memory.",
	}, s.storeTurn)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "memory_get_context",
		Description: "Fetch the assembled memory context for a session: active turns, cumulative summary, insights, and a formatted prompt block.",
	}, s.getContext)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "memory_search",
		Description: "Search the user's stored memory (chunks, session summaries, insights) by semantic similarity.",
	}, s.search)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "memory_end_session",
		Description: "End a session: flush remaining turns, reflect on the conversation, and store the summary and extracted insights.",
	}, s.endSession)
	s.mcp = srv
	return s
}

// Run serves tool calls over stdio until ctx is canceled or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("mcp server starting", "transport", "stdio")
	return s.mcp.Run(ctx, &mcpsdk.StdioTransport{})
}

type storeTurnInput struct {
	UserID       string `json:"user_id" jsonschema:"user identifier owning the memory"`
	SessionID    string `json:"session_id" jsonschema:"conversation session identifier"`
	UserMessage  string `json:"user_message" jsonschema:"the user's message in this exchange"`
	AgentMessage string `json:"agent_message" jsonschema:"the agent's reply in this exchange"`
}

type getContextInput struct {
	UserID    string `json:"user_id" jsonschema:"user identifier owning the memory"`
	SessionID string `json:"session_id" jsonschema:"conversation session identifier"`
}

type searchInput struct {
	UserID string `json:"user_id" jsonschema:"user identifier owning the memory"`
	Query  string `json:"query" jsonschema:"natural-language query over stored memory"`
	Scope  string `json:"scope,omitempty" jsonschema:"one of all, chunks, summaries, insights; defaults to all"`
	TopK   int    `json:"top_k,omitempty" jsonschema:"maximum results to return"`
}

type endSessionInput struct {
	UserID    string `json:"user_id" jsonschema:"user identifier owning the memory"`
	SessionID string `json:"session_id" jsonschema:"conversation session identifier"`
}

func (s *Server) storeTurn(ctx context.Context, _ *mcpsdk.CallToolRequest, in storeTurnInput) (*mcpsdk.CallToolResult, any, error) {
	if err := requireSession(in.UserID, in.SessionID); err != nil {
		return nil, nil, err
	}
	if in.UserMessage == "" || in.AgentMessage == "" {
		return nil, nil, fmt.Errorf("user_message and agent_message are required")
	}
	orc, _, err := s.pool.GetOrCreate(ctx, in.UserID, in.SessionID, true)
	if err != nil {
		return nil, nil, err
	}
	res, err := orc.ProcessTurn(ctx, in.UserMessage, in.AgentMessage)
	if err != nil {
		return nil, nil, err
	}
	s.pool.MarkDirty(in.UserID, in.SessionID)
	return textResult(res)
}

func (s *Server) getContext(ctx context.Context, _ *mcpsdk.CallToolRequest, in getContextInput) (*mcpsdk.CallToolResult, any, error) {
	if err := requireSession(in.UserID, in.SessionID); err != nil {
		return nil, nil, err
	}
	orc, _, err := s.pool.GetOrCreate(ctx, in.UserID, in.SessionID, true)
	if err != nil {
		return nil, nil, err
	}
	return textResult(orc.ContextSnapshot())
}

func (s *Server) search(ctx context.Context, _ *mcpsdk.CallToolRequest, in searchInput) (*mcpsdk.CallToolResult, any, error) {
	if in.UserID == "" || in.Query == "" {
		return nil, nil, fmt.Errorf("user_id and query are required")
	}
	docs, err := s.searcher.Query(ctx, in.UserID, in.Query, in.Scope, in.TopK)
	if err != nil {
		return nil, nil, err
	}
	return textResult(map[string]any{"results": docs, "count": len(docs)})
}

func (s *Server) endSession(ctx context.Context, _ *mcpsdk.CallToolRequest, in endSessionInput) (*mcpsdk.CallToolResult, any, error) {
	if err := requireSession(in.UserID, in.SessionID); err != nil {
		return nil, nil, err
	}
	orc, _, err := s.pool.GetOrCreate(ctx, in.UserID, in.SessionID, true)
	if err != nil {
		return nil, nil, err
	}
	summary, err := orc.EndSession(ctx, true)
	if err != nil {
		return nil, nil, err
	}
	if err := s.pool.Remove(ctx, in.UserID, in.SessionID, false); err != nil {
		s.logger.Warn("drop ended session from pool", "error", err)
	}
	return textResult(summary)
}

func requireSession(userID, sessionID string) error {
	if userID == "" || sessionID == "" {
		return fmt.Errorf("user_id and session_id are required")
	}
	return nil
}

func textResult(v any) (*mcpsdk.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
	}, nil, nil
}
