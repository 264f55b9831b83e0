package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/comigor/workbench/internal/chat"
	"github.com/comigor/workbench/internal/commands"
	"github.com/comigor/workbench/internal/history"
	"github.com/comigor/workbench/internal/logger"
	"github.com/comigor/workbench/internal/orchestrator"
)

type userMessagePayload struct {
	Message *history.Message `json:"message"`
}

type chunkPayload struct {
	Content     string `json:"content"`
	Accumulated string `json:"accumulated"`
	Done        bool   `json:"done"`
}

type donePayload struct {
	Message *history.Message `json:"message"`
	Usage   *history.LLMInfo `json:"usage"`
}

type cancelledPayload struct {
	Message *history.Message `json:"message"`
	Reason  string           `json:"reason"`
}

type errorPayload struct {
	Error          string           `json:"error"`
	PartialContent string           `json:"partial_content"`
	Message        *history.Message `json:"message,omitempty"`
}

// wireEvent turns an orchestrator event into its event name and payload.
func wireEvent(ev orchestrator.Event) (string, any) {
	switch ev.Type {
	case orchestrator.EventUserMessage:
		return string(ev.Type), userMessagePayload{Message: ev.Message}
	case orchestrator.EventChunk:
		return string(ev.Type), chunkPayload{Content: ev.Content, Accumulated: ev.Accumulated}
	case orchestrator.EventDone:
		return string(ev.Type), donePayload{Message: ev.Message, Usage: ev.Usage}
	case orchestrator.EventCancelled:
		return string(ev.Type), cancelledPayload{Message: ev.Message, Reason: ev.Reason}
	default:
		return string(orchestrator.EventError), errorPayload{Error: ev.Err, PartialContent: ev.PartialContent, Message: ev.Message}
	}
}

// streamSSE writes the turn as server-sent events. Headers are committed
// before the first event, so later failures arrive as error events.
func streamSSE(c *gin.Context, cmd *commands.Result, events <-chan orchestrator.Event) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if cmd != nil {
		c.SSEvent("command", cmd)
		c.Writer.Flush()
	}
	for ev := range events {
		name, payload := wireEvent(ev)
		c.SSEvent(name, payload)
		c.Writer.Flush()
	}
}

type sendBody struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	flagFields
}

func (s *Server) streamMessage(c *gin.Context) {
	var body sendBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	res, err := s.svc.Send(c.Request.Context(), chat.SendRequest{
		ProjectID:      c.Param("projectId"),
		ConversationID: c.Param("chatId"),
		Content:        body.Content,
		Model:          body.Model,
		Flags:          body.patch(),
	})
	if err != nil {
		fail(c, err)
		return
	}
	if res.Events == nil {
		c.JSON(http.StatusOK, gin.H{"command": res.Command})
		return
	}
	streamSSE(c, res.Command, res.Events)
}

type requeryBody struct {
	Model string `json:"model"`
	Keep  bool   `json:"keep"`
}

func (s *Server) requery(c *gin.Context) {
	var body requeryBody
	if err := bindOptionalJSON(c, &body); err != nil {
		badRequest(c, err)
		return
	}
	events, err := s.svc.Requery(c.Request.Context(), chat.RequeryRequest{
		ProjectID:      c.Param("projectId"),
		ConversationID: c.Param("chatId"),
		Model:          body.Model,
		Keep:           body.Keep,
	})
	if err != nil {
		fail(c, err)
		return
	}
	streamSSE(c, nil, events)
}

// wsRequest is a client frame: "send" (the default), "requery" or "cancel".
type wsRequest struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Model   string `json:"model"`
	Keep    bool   `json:"keep"`
	flagFields
}

type wsFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) write(typ string, data any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.WriteJSON(wsFrame{Type: typ, Data: data}); err != nil {
		logger.L.Debug("websocket write failed", "type", typ, "error", err)
	}
}

func (w *wsConn) writeError(err error) {
	w.write(string(orchestrator.EventError), gin.H{"error": err.Error(), "status": statusFor(err)})
}

// pump forwards every event; it keeps draining after write errors so the
// turn can finish.
func (w *wsConn) pump(events <-chan orchestrator.Event) {
	for ev := range events {
		name, payload := wireEvent(ev)
		w.write(name, payload)
	}
}

// websocket runs turns over one connection. Closing the connection cancels
// any turn it started.
func (s *Server) websocket(c *gin.Context) {
	projectID, chatID := c.Param("projectId"), c.Param("chatId")
	if _, err := s.svc.Conversation(c.Request.Context(), projectID, chatID); err != nil {
		fail(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.L.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	ws := &wsConn{conn: conn}
	start := func(events <-chan orchestrator.Event) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ws.pump(events)
		}()
	}

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.L.Warn("websocket closed", "conversation_id", chatID, "error", err)
			}
			return
		}

		switch req.Type {
		case "cancel":
			ws.write("cancel_result", s.svc.Cancel(chatID))
		case "requery":
			events, err := s.svc.Requery(ctx, chat.RequeryRequest{
				ProjectID:      projectID,
				ConversationID: chatID,
				Model:          req.Model,
				Keep:           req.Keep,
			})
			if err != nil {
				ws.writeError(err)
				continue
			}
			start(events)
		case "send", "":
			res, err := s.svc.Send(ctx, chat.SendRequest{
				ProjectID:      projectID,
				ConversationID: chatID,
				Content:        req.Content,
				Model:          req.Model,
				Flags:          req.patch(),
			})
			if err != nil {
				ws.writeError(err)
				continue
			}
			if res.Command != nil {
				ws.write("command", res.Command)
			}
			if res.Events != nil {
				start(res.Events)
			}
		default:
			ws.write(string(orchestrator.EventError), gin.H{"error": "unknown frame type " + req.Type, "status": http.StatusBadRequest})
		}
	}
}
