// Package mcp exposes the memory engine to agent runtimes over the Model
// Context Protocol: JSON-RPC 2.0 tools for ingesting turns, retrieving
// context and reading the user's profile.
package mcp

import (
	"github.com/scrypster/mnemo/pkg/types"
)

// IngestTurnsArgs contains arguments for the ingest_turns tool.
type IngestTurnsArgs struct {
	ThreadID string       `json:"thread_id"` // Thread the turns belong to (required)
	UserID   string       `json:"user_id"`   // Owner of the thread (required)
	Turns    []types.Turn `json:"turns"`     // Turns in any order; sequence decides
	Async    bool         `json:"async,omitempty"`
}

// IngestTurnsResult wraps an ingest outcome. Queued is set instead of
// Result when the batch went to the async worker pool.
type IngestTurnsResult struct {
	Queued bool                `json:"queued,omitempty"`
	Result *types.IngestResult `json:"result,omitempty"`
}

// RetrieveContextArgs contains arguments for the retrieve_context tool.
type RetrieveContextArgs struct {
	UserID        string `json:"user_id"`
	Query         string `json:"query"`
	TopK          int    `json:"top_k,omitempty"`          // 0 uses the engine default
	AllowDegraded bool   `json:"allow_degraded,omitempty"` // Return the schema alone if the vector store is down
	Format        string `json:"format,omitempty"`         // "json" (default) or "text"
}

// GetProfileArgs contains arguments for the get_profile tool.
type GetProfileArgs struct {
	UserID string `json:"user_id"`
}

// GetProfileHistoryArgs contains arguments for the get_profile_history tool.
type GetProfileHistoryArgs struct {
	UserID string `json:"user_id"`
	Page   int    `json:"page,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// GetProfileHistoryResult pages through schema revisions, newest first.
type GetProfileHistoryResult struct {
	Revisions []types.SchemaRevision `json:"revisions"`
	Total     int                    `json:"total"`
	Page      int                    `json:"page"`
	HasMore   bool                   `json:"has_more"`
}

// ConsolidateEventsArgs contains arguments for the consolidate_events tool.
type ConsolidateEventsArgs struct {
	UserID string `json:"user_id"`
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string `json:"jsonrpc"` // Must be "2.0"
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      any    `json:"id"` // string, number, or null
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  any           `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
	ID      any           `json:"id"`
}

// JSONRPCError represents a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// JSON-RPC error codes
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
	ErrCodeServerError    = -32000
)

// MCPServerInfo identifies this MCP server.
type MCPServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MCPServerCapabilities describes what this server supports.
type MCPServerCapabilities struct {
	Tools *MCPToolsCapability `json:"tools,omitempty"`
}

// MCPToolsCapability signals that the server exposes tools.
type MCPToolsCapability struct{}

// MCPInitializeResult is the response to the initialize request.
type MCPInitializeResult struct {
	ProtocolVersion string                `json:"protocolVersion"`
	Capabilities    MCPServerCapabilities `json:"capabilities"`
	ServerInfo      MCPServerInfo         `json:"serverInfo"`
}

// MCPTool describes a single tool exposed via tools/list.
type MCPTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// MCPToolsListResult is the response to the tools/list request.
type MCPToolsListResult struct {
	Tools []MCPTool `json:"tools"`
}

// MCPToolCallParams holds the parameters sent in a tools/call request.
type MCPToolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// MCPToolCallContent is a single content block in a tool call response.
type MCPToolCallContent struct {
	Type string `json:"type"` // always "text"
	Text string `json:"text"`
}

// MCPToolCallResult is the response to a tools/call request.
type MCPToolCallResult struct {
	Content []MCPToolCallContent `json:"content"`
	IsError bool                 `json:"isError,omitempty"`
}
