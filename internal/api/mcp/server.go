package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/scrypster/mnemo/internal/engine"
	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

// memoryEngine is the subset of engine.MemoryEngine used by the MCP server.
type memoryEngine interface {
	Ingest(ctx context.Context, batch types.TurnBatch) (*types.IngestResult, error)
	Enqueue(batch types.TurnBatch) error
	Retrieve(ctx context.Context, userID, queryText string, k int, opts engine.RetrieveOptions) (*types.RetrievalResult, error)
	Profile(ctx context.Context, userID string) (*types.SchemaMemory, error)
	ProfileHistory(ctx context.Context, userID string, opts storage.ListOptions) (*storage.PaginatedResult[types.SchemaRevision], error)
	Consolidate(ctx context.Context, userID string) (*types.ConsolidationResult, error)
}

var _ memoryEngine = (*engine.MemoryEngine)(nil)

// Protocol and server identity reported on initialize.
const (
	ProtocolVersion = "2024-11-05"
	ServerName      = "mnemo"
	ServerVersion   = "1.0.0"
)

type toolHandler func(ctx context.Context, params any) (any, error)

// Server implements the Model Context Protocol tool surface of mnemo.
type Server struct {
	engine memoryEngine
	logger *zap.Logger
	tools  map[string]toolHandler
}

// NewServer creates an MCP server backed by eng.
func NewServer(eng memoryEngine, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{engine: eng, logger: logger}
	s.tools = map[string]toolHandler{
		"ingest_turns":        s.handleIngestTurns,
		"retrieve_context":    s.handleRetrieveContext,
		"get_profile":         s.handleGetProfile,
		"get_profile_history": s.handleGetProfileHistory,
		"consolidate_events":  s.handleConsolidateEvents,
	}
	return s
}

// HandleRequest processes a JSON-RPC 2.0 request and returns a response.
// Tool names are also accepted as bare methods for direct callers.
func (s *Server) HandleRequest(ctx context.Context, requestJSON []byte) ([]byte, error) {
	var req JSONRPCRequest
	if err := json.Unmarshal(requestJSON, &req); err != nil {
		return s.errorResponse(nil, ErrCodeParseError, "Parse error", err.Error())
	}
	if req.JSONRPC != "2.0" {
		return s.errorResponse(req.ID, ErrCodeInvalidRequest, "Invalid JSON-RPC version", nil)
	}

	var result any
	var err error
	switch req.Method {
	case "initialize":
		result = s.initializeResult()
	case "initialized", "notifications/initialized":
		result = map[string]any{}
	case "tools/list":
		result = MCPToolsListResult{Tools: buildToolsList()}
	case "tools/call":
		result, err = s.handleToolsCall(ctx, req.Params)
	default:
		handler, ok := s.tools[req.Method]
		if !ok {
			return s.errorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil)
		}
		result, err = handler(ctx, req.Params)
	}

	if err != nil {
		return s.errorResponse(req.ID, ErrCodeServerError, err.Error(), nil)
	}
	return s.successResponse(req.ID, result)
}

// IngestTurns runs a batch through the ingest pipeline, or queues it when
// Async is set.
func (s *Server) IngestTurns(ctx context.Context, args IngestTurnsArgs) (*IngestTurnsResult, error) {
	batch := types.TurnBatch{ThreadID: args.ThreadID, UserID: args.UserID, Turns: args.Turns}
	if args.Async {
		if err := s.engine.Enqueue(batch); err != nil {
			return nil, err
		}
		return &IngestTurnsResult{Queued: true}, nil
	}
	result, err := s.engine.Ingest(ctx, batch)
	if err != nil {
		return nil, err
	}
	return &IngestTurnsResult{Result: result}, nil
}

// RetrieveContext ranks the user's memories against the query. With format
// "text" the rendered prompt block is returned instead of the structure.
func (s *Server) RetrieveContext(ctx context.Context, args RetrieveContextArgs) (any, error) {
	if args.Format != "" && args.Format != "json" && args.Format != "text" {
		return nil, fmt.Errorf("%w: format must be json or text", storage.ErrInvalidInput)
	}
	result, err := s.engine.Retrieve(ctx, args.UserID, args.Query, args.TopK,
		engine.RetrieveOptions{AllowDegraded: args.AllowDegraded})
	if err != nil {
		return nil, err
	}
	if args.Format == "text" {
		return result.Render(), nil
	}
	return result, nil
}

// GetProfileHistory lists schema revisions, newest first.
func (s *Server) GetProfileHistory(ctx context.Context, args GetProfileHistoryArgs) (*GetProfileHistoryResult, error) {
	revs, err := s.engine.ProfileHistory(ctx, args.UserID, storage.ListOptions{Page: args.Page, Limit: args.Limit})
	if err != nil {
		return nil, err
	}
	return &GetProfileHistoryResult{
		Revisions: revs.Items,
		Total:     revs.Total,
		Page:      revs.Page,
		HasMore:   revs.HasMore,
	}, nil
}

func (s *Server) handleIngestTurns(ctx context.Context, params any) (any, error) {
	var args IngestTurnsArgs
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.IngestTurns(ctx, args)
}

func (s *Server) handleRetrieveContext(ctx context.Context, params any) (any, error) {
	var args RetrieveContextArgs
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.RetrieveContext(ctx, args)
}

func (s *Server) handleGetProfile(ctx context.Context, params any) (any, error) {
	var args GetProfileArgs
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.engine.Profile(ctx, args.UserID)
}

func (s *Server) handleGetProfileHistory(ctx context.Context, params any) (any, error) {
	var args GetProfileHistoryArgs
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.GetProfileHistory(ctx, args)
}

func (s *Server) handleConsolidateEvents(ctx context.Context, params any) (any, error) {
	var args ConsolidateEventsArgs
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.engine.Consolidate(ctx, args.UserID)
}

func (s *Server) initializeResult() MCPInitializeResult {
	return MCPInitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    MCPServerCapabilities{Tools: &MCPToolsCapability{}},
		ServerInfo:      MCPServerInfo{Name: ServerName, Version: ServerVersion},
	}
}

// handleToolsCall dispatches a tools/call request and wraps the result in
// the MCP content envelope. Tool failures are reported in-band with
// IsError so the agent can read them.
func (s *Server) handleToolsCall(ctx context.Context, params any) (any, error) {
	var p MCPToolCallParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}

	handler, ok := s.tools[p.Name]
	if !ok {
		return toolError(fmt.Sprintf("unknown tool: %s", p.Name)), nil
	}
	result, err := handler(ctx, p.Arguments)
	if err != nil {
		s.logger.Debug("tool call failed", zap.String("tool", p.Name), zap.Error(err))
		return toolError(err.Error()), nil
	}

	// Rendered context goes out as-is; everything else as JSON.
	if text, ok := result.(string); ok {
		return &MCPToolCallResult{Content: []MCPToolCallContent{{Type: "text", Text: text}}}, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &MCPToolCallResult{Content: []MCPToolCallContent{{Type: "text", Text: string(data)}}}, nil
}

func toolError(msg string) *MCPToolCallResult {
	return &MCPToolCallResult{
		Content: []MCPToolCallContent{{Type: "text", Text: msg}},
		IsError: true,
	}
}

func userIDProperty() map[string]any {
	return map[string]any{"type": "string", "description": "User whose memory is addressed"}
}

// buildToolsList returns the canonical list of MCP tool definitions.
func buildToolsList() []MCPTool {
	return []MCPTool{
		{
			Name: "ingest_turns",
			Description: "Ingest conversation turns. Each turn is processed at most once per thread: " +
				"redelivered turns are reported as discarded. Facts update the user's profile and " +
				"episodic facts become searchable event memories.",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"thread_id", "user_id", "turns"},
				"properties": map[string]any{
					"thread_id": map[string]any{"type": "string", "description": "Conversation thread id"},
					"user_id":   userIDProperty(),
					"turns": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type":     "object",
							"required": []string{"turn_id", "role", "text"},
							"properties": map[string]any{
								"turn_id":   map[string]any{"type": "string"},
								"role":      map[string]any{"type": "string", "enum": []string{"user", "assistant"}},
								"text":      map[string]any{"type": "string"},
								"sequence":  map[string]any{"type": "integer"},
								"timestamp": map[string]any{"type": "string", "description": "RFC-3339"},
							},
						},
					},
					"async": map[string]any{"type": "boolean", "description": "Queue the batch instead of waiting for it"},
				},
			},
		},
		{
			Name:        "retrieve_context",
			Description: "Retrieve the user's profile and the event memories most relevant to a query, ranked by similarity.",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"user_id", "query"},
				"properties": map[string]any{
					"user_id":        userIDProperty(),
					"query":          map[string]any{"type": "string", "description": "Natural-language query"},
					"top_k":          map[string]any{"type": "integer", "description": "Number of event memories to return"},
					"allow_degraded": map[string]any{"type": "boolean", "description": "Return the profile alone when event search is unavailable"},
					"format":         map[string]any{"type": "string", "enum": []string{"json", "text"}, "description": "text returns a prompt-ready block"},
				},
			},
		},
		{
			Name:        "get_profile",
			Description: "Return the user's current profile (schema memory) with its revision.",
			InputSchema: map[string]any{
				"type":       "object",
				"required":   []string{"user_id"},
				"properties": map[string]any{"user_id": userIDProperty()},
			},
		},
		{
			Name:        "get_profile_history",
			Description: "List past revisions of the user's profile, newest first.",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"user_id"},
				"properties": map[string]any{
					"user_id": userIDProperty(),
					"page":    map[string]any{"type": "integer"},
					"limit":   map[string]any{"type": "integer"},
				},
			},
		},
		{
			Name:        "consolidate_events",
			Description: "Fold near-duplicate event memories of a user into their strongest copy.",
			InputSchema: map[string]any{
				"type":       "object",
				"required":   []string{"user_id"},
				"properties": map[string]any{"user_id": userIDProperty()},
			},
		},
	}
}

// unmarshalParams unmarshals JSON-RPC parameters into a typed struct.
func unmarshalParams(params any, dest any) error {
	if params == nil {
		return nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	return nil
}

func (s *Server) successResponse(id any, result any) ([]byte, error) {
	return json.Marshal(JSONRPCResponse{JSONRPC: "2.0", Result: result, ID: id})
}

func (s *Server) errorResponse(id any, code int, message string, data any) ([]byte, error) {
	return json.Marshal(JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   &JSONRPCError{Code: code, Message: message, Data: data},
		ID:      id,
	})
}
