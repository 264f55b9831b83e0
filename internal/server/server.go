// Package server exposes the chat service over HTTP with gin: streamed turns
// over SSE or a websocket, plus JSON control endpoints.
package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/comigor/workbench/internal/chat"
	"github.com/comigor/workbench/internal/commands"
	"github.com/comigor/workbench/internal/history"
	"github.com/comigor/workbench/internal/logger"
	"github.com/comigor/workbench/internal/metrics"
	"github.com/comigor/workbench/internal/registry"
)

// Server holds the gin engine and its dependencies.
type Server struct {
	svc      *chat.Service
	metrics  *metrics.Metrics
	engine   *gin.Engine
	upgrader websocket.Upgrader
}

// New builds the router. m may be nil, in which case /metrics is not served.
func New(svc *chat.Service, m *metrics.Metrics) *Server {
	s := &Server{
		svc:     svc,
		metrics: m,
		engine:  gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.engine.Use(gin.Recovery(), requestLogger())
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))
	}

	api := s.engine.Group("/api/projects/:projectId/chats")
	api.POST("", s.createChat)

	conv := api.Group("/:chatId")
	conv.GET("/messages", s.listMessages)
	conv.POST("/messages/stream", s.streamMessage)
	conv.PATCH("/messages/:messageId/flags", s.updateFlags)
	conv.GET("/stream/ws", s.websocket)
	conv.POST("/cancel", s.cancel)
	conv.GET("/status", s.status)
	conv.GET("/context-preview", s.previewContext)
	conv.POST("/context-preview", s.previewContext)
	conv.POST("/fork", s.fork)
	conv.POST("/requery", s.requery)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.L.Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds())
	}
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrValidation),
		errors.Is(err, commands.ErrUnknownCommand),
		errors.Is(err, commands.ErrUsage):
		return http.StatusBadRequest
	case errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrAlreadyActive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logger.L.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// flagFields are the optional message flags accepted in request bodies.
type flagFields struct {
	IncludeInContext *bool `json:"include_in_context"`
	IsAside          *bool `json:"is_aside"`
	PureAside        *bool `json:"pure_aside"`
}

func (f flagFields) patch() history.FlagPatch {
	return history.FlagPatch{
		IncludeInContext: f.IncludeInContext,
		IsAside:          f.IsAside,
		PureAside:        f.PureAside,
	}
}

type createChatBody struct {
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt"`
}

func (s *Server) createChat(c *gin.Context) {
	var body createChatBody
	if err := bindOptionalJSON(c, &body); err != nil {
		badRequest(c, err)
		return
	}
	conv, err := s.svc.CreateConversation(c.Request.Context(), c.Param("projectId"), body.Name, body.SystemPrompt)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (s *Server) listMessages(c *gin.Context) {
	msgs, err := s.svc.ListMessages(c.Request.Context(), c.Param("projectId"), c.Param("chatId"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) updateFlags(c *gin.Context) {
	var patch history.FlagPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err)
		return
	}
	msg, err := s.svc.UpdateFlags(c.Request.Context(), c.Param("projectId"), c.Param("chatId"), c.Param("messageId"), patch)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (s *Server) cancel(c *gin.Context) {
	if _, err := s.svc.Conversation(c.Request.Context(), c.Param("projectId"), c.Param("chatId")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.svc.Cancel(c.Param("chatId")))
}

func (s *Server) status(c *gin.Context) {
	if _, err := s.svc.Conversation(c.Request.Context(), c.Param("projectId"), c.Param("chatId")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.svc.Status(c.Param("chatId")))
}

type previewBody struct {
	Draft string `json:"draft"`
	Model string `json:"model"`
	flagFields
}

func (s *Server) previewContext(c *gin.Context) {
	var body previewBody
	if c.Request.Method == http.MethodPost {
		if err := bindOptionalJSON(c, &body); err != nil {
			badRequest(c, err)
			return
		}
	} else {
		body.Draft = c.Query("draft")
		body.Model = c.Query("model")
		var err error
		if body.PureAside, err = queryBool(c, "pure_aside"); err != nil {
			badRequest(c, err)
			return
		}
		if body.IsAside, err = queryBool(c, "is_aside"); err != nil {
			badRequest(c, err)
			return
		}
	}

	p, err := s.svc.PreviewContext(c.Request.Context(), chat.PreviewRequest{
		ProjectID:      c.Param("projectId"),
		ConversationID: c.Param("chatId"),
		Draft:          body.Draft,
		Model:          body.Model,
		Flags:          body.patch(),
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type forkBody struct {
	FromMessageID string `json:"from_message_id"`
	Prune         bool   `json:"prune"`
	Name          string `json:"name"`
}

func (s *Server) fork(c *gin.Context) {
	var body forkBody
	if err := bindOptionalJSON(c, &body); err != nil {
		badRequest(c, err)
		return
	}
	conv, err := s.svc.Fork(c.Request.Context(),
		commands.Ref{ProjectID: c.Param("projectId"), ConversationID: c.Param("chatId")},
		commands.ForkOptions{FromMessageID: body.FromMessageID, Prune: body.Prune, Name: body.Name})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

// bindOptionalJSON decodes the body into v; an empty body leaves v untouched.
func bindOptionalJSON(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func queryBool(c *gin.Context, key string) (*bool, error) {
	raw, ok := c.GetQuery(key)
	if !ok {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return &v, nil
}
