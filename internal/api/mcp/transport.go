package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"
)

const maxLineBytes = 4 * 1024 * 1024

// StdioTransport serves line-delimited JSON-RPC 2.0: one request per line
// on in, one response per line on out. Nothing but responses may be written
// to out, so the logger must point elsewhere (stderr).
type StdioTransport struct {
	server *Server
	in     io.Reader
	out    io.Writer
	logger *zap.Logger
}

// NewStdioTransport constructs a StdioTransport that reads from in and
// writes to out.
//
//	t := mcp.NewStdioTransport(srv, os.Stdin, os.Stdout, logger)
//	t.Serve(ctx)
func NewStdioTransport(srv *Server, in io.Reader, out io.Writer, logger *zap.Logger) *StdioTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StdioTransport{server: srv, in: in, out: out, logger: logger}
}

// Serve handles requests in arrival order until in is closed or ctx is
// cancelled. A clean EOF returns nil.
func (t *StdioTransport) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for {
		if err := ctx.Err(); err != nil {
			t.logger.Info("context cancelled, shutting down")
			return err
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("stdin scanner: %w", err)
			}
			t.logger.Info("stdin closed, shutting down")
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		if isNotification(line) {
			// Notifications carry no id and must not be answered.
			if _, err := t.server.HandleRequest(ctx, line); err != nil {
				t.logger.Warn("notification handler error", zap.Error(err))
			}
			continue
		}

		resp, err := t.server.HandleRequest(ctx, line)
		if err != nil {
			t.logger.Error("handler error", zap.Error(err))
			resp = internalErrorResponse(line, err)
		}
		if _, err := fmt.Fprintf(t.out, "%s\n", resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

// isNotification reports whether the request has no id member.
func isNotification(line []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(line, &probe); err != nil {
		return false
	}
	_, hasID := probe["id"]
	_, hasMethod := probe["method"]
	return hasMethod && !hasID
}

// internalErrorResponse builds a best-effort error frame, recovering the
// request id when it can.
func internalErrorResponse(rawRequest []byte, handlerErr error) []byte {
	var partial struct {
		ID any `json:"id"`
	}
	_ = json.Unmarshal(rawRequest, &partial)

	data, err := json.Marshal(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      partial.ID,
		Error:   &JSONRPCError{Code: ErrCodeInternalError, Message: handlerErr.Error()},
	})
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return data
}
