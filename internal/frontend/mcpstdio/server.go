// Package mcpstdio exposes the tool catalog as an MCP server on
// stdin/stdout using the official MCP Go SDK. The whole stdio stream is one
// broker session; every tools/call is dispatched through the broker so stdio
// clients share admission limits, coalescing and the timeout hierarchy with
// WebSocket clients.
package mcpstdio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/toolgate/internal/broker"
)

// Server serves the MCP protocol over stdio. Create with [NewServer], then
// call [Server.Run]; the server is single-use.
type Server struct {
	dispatcher *broker.Dispatcher
	manager    *broker.Manager
	name       string
	version    string

	// includeAdvanced also exports advanced-visibility tools in the MCP
	// catalog. Hidden tools are never exported.
	includeAdvanced bool

	sess *broker.Session
}

// ServerOptions configures a [Server].
type ServerOptions struct {
	Dispatcher *broker.Dispatcher
	Manager    *broker.Manager

	// Name and Version identify the server in the MCP initialize handshake.
	Name    string
	Version string

	// IncludeAdvanced exports advanced-visibility tools as well.
	IncludeAdvanced bool
}

// NewServer creates an MCP stdio server.
func NewServer(opts ServerOptions) *Server {
	if opts.Name == "" {
		opts.Name = "toolgate"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Server{
		dispatcher:      opts.Dispatcher,
		manager:         opts.Manager,
		name:            opts.Name,
		version:         opts.Version,
		includeAdvanced: opts.IncludeAdvanced,
	}
}

// Run opens the broker session, exports the catalog and serves the MCP
// protocol on stdin/stdout until ctx is cancelled, the session is destroyed,
// or the peer closes the stream.
func (s *Server) Run(ctx context.Context) error {
	sess, err := s.manager.Open(broker.TransportStdio)
	if err != nil {
		return fmt.Errorf("mcpstdio: open session: %w", err)
	}
	s.sess = sess
	defer s.manager.Destroy(sess, broker.ReasonSessionClosed)

	srv := s.buildMCPServer()

	// Stop serving when the session is torn down (shutdown, hello timeout).
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sess.Context(), cancel)
	defer stop()

	slog.Info("mcp stdio frontend serving", "session_id", sess.ID, "tools", s.dispatcher.Registry().Len())
	if err := srv.Run(runCtx, &mcp.StdioTransport{}); err != nil && runCtx.Err() == nil {
		return fmt.Errorf("mcpstdio: serve: %w", err)
	}
	return nil
}

// buildMCPServer constructs the SDK server and exports the catalog. The
// initialize handshake stands in for the hello frame: the session's hello
// timer stays armed until the peer completes it.
func (s *Server) buildMCPServer() *mcp.Server {
	srv := mcp.NewServer(
		&mcp.Implementation{Name: s.name, Version: s.version},
		&mcp.ServerOptions{
			HasTools:           true,
			InitializedHandler: s.onInitialized,
		},
	)
	for _, desc := range s.dispatcher.Registry().List(s.includeAdvanced) {
		srv.AddTool(
			&mcp.Tool{
				Name:        desc.Name,
				Description: desc.Description,
				InputSchema: desc.InputSchema,
			},
			s.toolHandler(desc.Name),
		)
	}
	return srv
}

// onInitialized runs when the peer sends notifications/initialized. It
// disarms the session's hello timer.
func (s *Server) onInitialized(_ context.Context, _ *mcp.InitializedRequest) {
	s.sess.MarkHello()
	slog.Debug("mcp peer initialized", "session_id", s.sess.ID)
}

// toolHandler adapts one catalog entry to an SDK tool handler. Tool failures
// are reported as IsError results, never as protocol errors, so the stream
// stays usable after a failed call.
func (s *Server) toolHandler(toolName string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := decodeArgs(req)
		if err != nil {
			return errorResult(broker.AsError(err)), nil
		}

		// The JSON-RPC id stays inside the SDK; calls get their own broker id.
		requestID := uuid.NewString()

		// Bridge SDK-side cancellation (notifications/cancelled, stream
		// teardown) into the broker's per-call cancellation.
		stop := context.AfterFunc(ctx, func() {
			s.sess.CancelCall(requestID, broker.ReasonClientCancel)
		})
		defer stop()

		res := s.dispatcher.Dispatch(s.sess, broker.Request{
			RequestID: requestID,
			ToolName:  toolName,
			Args:      args,
		})
		return toCallToolResult(res), nil
	}
}

// decodeArgs unpacks the raw JSON argument object from a call request.
func decodeArgs(req *mcp.CallToolRequest) (map[string]any, error) {
	if req.Params == nil || len(req.Params.Arguments) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
		return nil, broker.Errorf(broker.KindInvalidArgs, "arguments must be a JSON object: %s", err.Error())
	}
	return args, nil
}

// toCallToolResult renders a terminal broker result in MCP shape.
func toCallToolResult(res broker.Result) *mcp.CallToolResult {
	switch res.Status {
	case broker.StatusOK:
		return okResult(res.Payload)
	case broker.StatusTimeout:
		return errorResult(broker.Errorf(broker.KindTimeout, "tool call timed out"))
	case broker.StatusCancelled:
		e := broker.Errorf(broker.KindCancelled, "tool call cancelled")
		e.Detail = map[string]any{"reason": res.Reason}
		return errorResult(e)
	default:
		return errorResult(res.Err)
	}
}

func okResult(payload any) *mcp.CallToolResult {
	text, err := json.Marshal(payload)
	if err != nil {
		return errorResult(broker.Errorf(broker.KindInternal, "result is not serialisable: %s", err.Error()))
	}
	return &mcp.CallToolResult{
		Content:           []mcp.Content{&mcp.TextContent{Text: string(text)}},
		StructuredContent: payload,
	}
}

// errorResult renders a classified error as an IsError tool result carrying
// the error taxonomy as a JSON body.
func errorResult(e *broker.Error) *mcp.CallToolResult {
	if e == nil {
		e = broker.Errorf(broker.KindInternal, "internal error")
	}
	body := map[string]any{
		"kind":    string(e.Kind),
		"code":    e.Kind.Code(),
		"message": e.Message,
	}
	if len(e.Detail) > 0 {
		body["detail"] = e.Detail
	}
	text, _ := json.Marshal(body)
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(text)}},
		IsError: true,
	}
}
