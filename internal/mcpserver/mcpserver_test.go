package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/comigor/workbench/internal/chat"
	"github.com/comigor/workbench/internal/history"
	"github.com/comigor/workbench/internal/registry"
)

type mockController struct {
	CancelFunc  func(id string) registry.CancelResult
	StatusFunc  func(id string) chat.Status
	PreviewFunc func(ctx context.Context, req chat.PreviewRequest) (chat.Preview, error)
}

func (m *mockController) Cancel(id string) registry.CancelResult {
	if m.CancelFunc != nil {
		return m.CancelFunc(id)
	}
	return registry.CancelResult{}
}

func (m *mockController) Status(id string) chat.Status {
	if m.StatusFunc != nil {
		return m.StatusFunc(id)
	}
	return chat.Status{}
}

func (m *mockController) PreviewContext(ctx context.Context, req chat.PreviewRequest) (chat.Preview, error) {
	if m.PreviewFunc != nil {
		return m.PreviewFunc(ctx, req)
	}
	return chat.Preview{}, nil
}

func call(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{Params: mcp.CallToolParams{Name: name, Arguments: args}}
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestCancelTool(t *testing.T) {
	var got string
	h := handlers{ctrl: &mockController{CancelFunc: func(id string) registry.CancelResult {
		got = id
		return registry.CancelResult{Cancelled: true, RequestID: "r1"}
	}}}

	res, err := h.cancel(context.Background(), call("cancel_request", map[string]any{"conversation_id": "c1"}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Equal(t, "c1", got)
	require.JSONEq(t, `{"cancelled":true,"requestId":"r1"}`, text(t, res))

	res, err = h.cancel(context.Background(), call("cancel_request", map[string]any{}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Contains(t, text(t, res), "conversation_id")
}

func TestStatusTool(t *testing.T) {
	started := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	h := handlers{ctrl: &mockController{StatusFunc: func(string) chat.Status {
		return chat.Status{HasActiveRequest: true, RequestID: "r1", StartedAt: &started, DurationMs: 1500}
	}}}

	res, err := h.status(context.Background(), call("request_status", map[string]any{"conversation_id": "c1"}))
	require.NoError(t, err)

	var st chat.Status
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &st))
	require.True(t, st.HasActiveRequest)
	require.Equal(t, int64(1500), st.DurationMs)
}

func TestPreviewTool(t *testing.T) {
	var got chat.PreviewRequest
	h := handlers{ctrl: &mockController{PreviewFunc: func(_ context.Context, req chat.PreviewRequest) (chat.Preview, error) {
		got = req
		return chat.Preview{TotalTokens: 42, MaxTokens: 100}, nil
	}}}

	res, err := h.preview(context.Background(), call("preview_context", map[string]any{
		"project_id":      "p1",
		"conversation_id": "c1",
		"draft":           "hello",
	}))
	require.NoError(t, err)
	require.Equal(t, chat.PreviewRequest{ProjectID: "p1", ConversationID: "c1", Draft: "hello"}, got)

	var p chat.Preview
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &p))
	require.Equal(t, 42, p.TotalTokens)

	h.ctrl = &mockController{PreviewFunc: func(context.Context, chat.PreviewRequest) (chat.Preview, error) {
		return chat.Preview{}, history.ErrNotFound
	}}
	res, err = h.preview(context.Background(), call("preview_context", map[string]any{"project_id": "p1", "conversation_id": "nope"}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Contains(t, text(t, res), history.ErrNotFound.Error())

	res, err = h.preview(context.Background(), call("preview_context", map[string]any{"conversation_id": "c1"}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestNew_ListsTools(t *testing.T) {
	s := New(&mockController{})
	resp := s.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	b, err := json.Marshal(resp)
	require.NoError(t, err)
	for _, name := range []string{"cancel_request", "request_status", "preview_context"} {
		require.Contains(t, string(b), name)
	}
}

func TestJSONResult_MarshalError(t *testing.T) {
	_, err := jsonResult(func() {})
	require.Error(t, err)
	require.False(t, errors.Is(err, history.ErrNotFound))
}
