// Package mcpserver exposes the chat control endpoints as MCP tools so an
// agent can cancel, poll and preview turns without the HTTP API.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/comigor/workbench/internal/chat"
	"github.com/comigor/workbench/internal/logger"
	"github.com/comigor/workbench/internal/registry"
)

const (
	name    = "workbench"
	version = "0.1.0"
)

// Controller is the part of the chat service the tools call.
type Controller interface {
	Cancel(conversationID string) registry.CancelResult
	Status(conversationID string) chat.Status
	PreviewContext(ctx context.Context, req chat.PreviewRequest) (chat.Preview, error)
}

var _ Controller = (*chat.Service)(nil)

// New builds the MCP server.
func New(ctrl Controller) *server.MCPServer {
	s := server.NewMCPServer(name, version, server.WithToolCapabilities(false))
	h := handlers{ctrl: ctrl}

	s.AddTool(mcp.NewTool("cancel_request",
		mcp.WithDescription("Cancel the in-flight model request of a conversation. Safe to call when nothing is running."),
		mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation to cancel")),
	), h.cancel)

	s.AddTool(mcp.NewTool("request_status",
		mcp.WithDescription("Report whether a conversation has an in-flight model request and how long it has run."),
		mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation to inspect")),
	), h.status)

	s.AddTool(mcp.NewTool("preview_context",
		mcp.WithDescription("Show the messages and token counts the next turn would send, without sending anything."),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project owning the conversation")),
		mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation to preview")),
		mcp.WithString("draft", mcp.Description("Unsent message to include as the current turn")),
		mcp.WithString("model", mcp.Description("Model id used for token estimation")),
	), h.preview)

	return s
}

// ServeStdio serves MCP over stdin/stdout until the input closes.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

// NewSSE returns an SSE transport for s; call Start(addr) and Shutdown(ctx).
func NewSSE(s *server.MCPServer) *server.SSEServer {
	return server.NewSSEServer(s)
}

type handlers struct {
	ctrl Controller
}

func (h handlers) cancel(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requiredString(req, "conversation_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	logger.L.Info("mcp cancel_request", "conversation_id", id)
	return jsonResult(h.ctrl.Cancel(id))
}

func (h handlers) status(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requiredString(req, "conversation_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(h.ctrl.Status(id))
}

func (h handlers) preview(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := requiredString(req, "project_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	conversationID, err := requiredString(req, "conversation_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	p, err := h.ctrl.PreviewContext(ctx, chat.PreviewRequest{
		ProjectID:      projectID,
		ConversationID: conversationID,
		Draft:          optionalString(req, "draft"),
		Model:          optionalString(req, "model"),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(p)
}

func requiredString(req mcp.CallToolRequest, key string) (string, error) {
	v := optionalString(req, key)
	if v == "" {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	return v, nil
}

func optionalString(req mcp.CallToolRequest, key string) string {
	v, _ := req.GetArguments()[key].(string)
	return v
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}
