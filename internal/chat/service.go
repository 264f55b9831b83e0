// Package chat composes the chat core into the operations a transport calls:
// sending a turn, cancelling it, reading its status, previewing the context
// window, regenerating, forking and editing message flags.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/comigor/workbench/internal/commands"
	"github.com/comigor/workbench/internal/history"
	"github.com/comigor/workbench/internal/logger"
	"github.com/comigor/workbench/internal/metrics"
	"github.com/comigor/workbench/internal/orchestrator"
	"github.com/comigor/workbench/internal/registry"
	"github.com/comigor/workbench/internal/tokens"
	"github.com/comigor/workbench/internal/window"
)

// ErrValidation marks malformed input. Nothing is written when it is returned.
var ErrValidation = errors.New("validation error")

// Options are the service defaults.
type Options struct {
	Model        string
	SystemPrompt string
	MaxTokens    int
	Timeout      time.Duration
}

// Service is safe for concurrent use.
type Service struct {
	log          history.Log
	registry     *registry.Registry
	builder      *window.Builder
	estimator    tokens.Estimator
	orchestrator *orchestrator.Orchestrator
	commands     *commands.Manager
	metrics      *metrics.Metrics
	opts         Options
}

// NewService wires the core. estimator and m may be nil.
func NewService(log history.Log, reg *registry.Registry, orch *orchestrator.Orchestrator, estimator tokens.Estimator, m *metrics.Metrics, opts Options) *Service {
	if estimator == nil {
		estimator = tokens.Default
	}
	s := &Service{
		log:          log,
		estimator:    estimator,
		registry:     reg,
		builder:      window.NewBuilder(estimator),
		orchestrator: orch,
		metrics:      m,
		opts:         opts,
	}
	s.commands = commands.NewDefaultManager(log, s)
	return s
}

// Commands exposes the command registry.
func (s *Service) Commands() *commands.Manager { return s.commands }

// SendRequest is one outgoing user input.
type SendRequest struct {
	ProjectID      string
	ConversationID string
	Content        string
	Model          string
	// Flags adjust the defaults of the user message.
	Flags history.FlagPatch
}

// SendResult carries the command outcome, the turn's events, or both.
type SendResult struct {
	Command *commands.Result
	// Events is nil when no model turn was started.
	Events <-chan orchestrator.Event
}

// Send handles one user input: commands are intercepted first, then a model
// turn is started if one is still needed.
func (s *Service) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if strings.TrimSpace(req.Content) == "" {
		return SendResult{}, fmt.Errorf("%w: content is required", ErrValidation)
	}
	conv, err := s.Conversation(ctx, req.ProjectID, req.ConversationID)
	if err != nil {
		return SendResult{}, err
	}

	content := req.Content
	flags := req.Flags.Apply(history.DefaultFlags())

	ic, err := s.commands.Intercept(ctx, req.Content, commands.Ref{ProjectID: conv.ProjectID, ConversationID: conv.ID})
	if err != nil {
		return SendResult{}, err
	}
	var result SendResult
	if ic.IsCommand {
		s.metrics.CommandExecuted(ic.Result.Command)
		logger.L.Info("command executed", "conversation_id", conv.ID, "command", ic.Result.Command)
		res := ic.Result
		result.Command = &res
		if !ic.ContinueWithLLM() {
			return result, nil
		}
		if res.Regenerate != nil {
			events, err := s.regenerate(ctx, conv, req.Model, res.Regenerate.Keep)
			if err != nil {
				return SendResult{}, err
			}
			result.Events = events
			return result, nil
		}
		content = res.Content
		if res.Flags != nil {
			flags = *res.Flags
		}
	}

	handle, err := s.acquire(ctx, conv.ID)
	if err != nil {
		return SendResult{}, err
	}

	msgs, err := s.log.List(ctx, conv.ID)
	if err != nil {
		handle.Release()
		return SendResult{}, err
	}

	model := s.model(req.Model)
	user := history.NewMessage(conv.ID, conv.ProjectID, history.RoleUser, content, flags)
	w := s.build(conv, msgs, &user, model)
	assistant := s.newAssistant(conv, user.Flags)

	result.Events = s.orchestrator.Run(ctx, orchestrator.Turn{
		Handle:    handle,
		Model:     model,
		Window:    w,
		User:      user,
		Assistant: assistant,
	})
	return result, nil
}

// RequeryRequest regenerates the latest assistant response.
type RequeryRequest struct {
	ProjectID      string
	ConversationID string
	Model          string
	// Keep preserves the previous response, excluded from context, instead
	// of discarding it.
	Keep bool
}

// Requery reruns the model on the last user message.
func (s *Service) Requery(ctx context.Context, req RequeryRequest) (<-chan orchestrator.Event, error) {
	conv, err := s.Conversation(ctx, req.ProjectID, req.ConversationID)
	if err != nil {
		return nil, err
	}
	return s.regenerate(ctx, conv, req.Model, req.Keep)
}

func (s *Service) regenerate(ctx context.Context, conv history.Conversation, model string, keep bool) (<-chan orchestrator.Event, error) {
	handle, err := s.acquire(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	events, err := s.startRegeneration(ctx, conv, handle, s.model(model), keep)
	if err != nil {
		handle.Release()
		return nil, err
	}
	return events, nil
}

func (s *Service) startRegeneration(ctx context.Context, conv history.Conversation, handle *registry.Handle, model string, keep bool) (<-chan orchestrator.Event, error) {
	msgs, err := s.log.List(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	userIdx := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == history.RoleUser && !msgs[i].IsDiscarded {
			userIdx = i
			break
		}
	}
	if userIdx < 0 {
		return nil, fmt.Errorf("%w: nothing to regenerate", ErrValidation)
	}
	user := msgs[userIdx]

	var previous *history.Message
	for i := len(msgs) - 1; i > userIdx; i-- {
		if msgs[i].Role == history.RoleAssistant && !msgs[i].IsDiscarded {
			previous = &msgs[i]
			break
		}
	}

	assistant := s.newAssistant(conv, user.Flags)
	if previous != nil {
		off, on := false, true
		patch := history.FlagPatch{IsDiscarded: &on}
		if keep {
			patch = history.FlagPatch{IncludeInContext: &off}
		}
		updated, err := s.log.Update(ctx, conv.ID, previous.ID, history.Patch{Flags: &patch})
		if err != nil {
			return nil, err
		}
		*previous = updated
		assistant.ParentMessageID = previous.ID
		logger.L.Info("regenerating response", "conversation_id", conv.ID, "previous_message_id", previous.ID, "keep", keep)
	}

	w := s.build(conv, msgs, &user, model)
	return s.orchestrator.Run(ctx, orchestrator.Turn{
		Handle:        handle,
		Model:         model,
		Window:        w,
		User:          user,
		UserPersisted: true,
		Assistant:     assistant,
	}), nil
}

// Cancel signals the conversation's active request, if any.
func (s *Service) Cancel(conversationID string) registry.CancelResult {
	res := s.registry.Cancel(conversationID)
	if res.Cancelled {
		logger.L.Info("cancel requested", "conversation_id", conversationID, "request_id", res.RequestID)
	}
	return res
}

// Status describes the conversation's active request for polling clients.
type Status struct {
	HasActiveRequest bool       `json:"hasActiveRequest"`
	RequestID        string     `json:"requestId,omitempty"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	DurationMs       int64      `json:"durationMs,omitempty"`
	PartialLength    int        `json:"partialLength,omitempty"`
}

// Status returns the active request snapshot of a conversation.
func (s *Service) Status(conversationID string) Status {
	req, ok := s.registry.Status(conversationID)
	if !ok {
		return Status{}
	}
	started := req.StartedAt
	return Status{
		HasActiveRequest: true,
		RequestID:        req.RequestID,
		StartedAt:        &started,
		DurationMs:       time.Since(started).Milliseconds(),
		PartialLength:    req.PartialLength,
	}
}

// UpdateFlags applies a partial flag update to one message.
func (s *Service) UpdateFlags(ctx context.Context, projectID, conversationID, messageID string, patch history.FlagPatch) (history.Message, error) {
	if patch.Empty() {
		return history.Message{}, fmt.Errorf("%w: no flags to update", ErrValidation)
	}
	if _, err := s.Conversation(ctx, projectID, conversationID); err != nil {
		return history.Message{}, err
	}
	return s.log.Update(ctx, conversationID, messageID, history.Patch{Flags: &patch})
}

// CreateConversation starts an empty conversation in a project.
func (s *Service) CreateConversation(ctx context.Context, projectID, name, systemPrompt string) (history.Conversation, error) {
	if strings.TrimSpace(projectID) == "" {
		return history.Conversation{}, fmt.Errorf("%w: project id is required", ErrValidation)
	}
	if name == "" {
		name = "New chat"
	}
	return s.log.CreateConversation(ctx, history.Conversation{
		ProjectID:    projectID,
		Name:         name,
		SystemPrompt: systemPrompt,
	})
}

// Conversation returns a conversation, checking it belongs to the project.
func (s *Service) Conversation(ctx context.Context, projectID, conversationID string) (history.Conversation, error) {
	conv, err := s.log.GetConversation(ctx, conversationID)
	if err != nil {
		return history.Conversation{}, err
	}
	if projectID != "" && conv.ProjectID != projectID {
		return history.Conversation{}, fmt.Errorf("conversation %s in project %s: %w", conversationID, projectID, history.ErrNotFound)
	}
	return conv, nil
}

// ListMessages returns the conversation log in order.
func (s *Service) ListMessages(ctx context.Context, projectID, conversationID string) ([]history.Message, error) {
	if _, err := s.Conversation(ctx, projectID, conversationID); err != nil {
		return nil, err
	}
	return s.log.List(ctx, conversationID)
}

func (s *Service) acquire(ctx context.Context, conversationID string) (*registry.Handle, error) {
	handle, err := s.registry.Acquire(ctx, conversationID, s.opts.Timeout)
	if err != nil {
		if errors.Is(err, registry.ErrAlreadyActive) {
			s.metrics.Conflict()
			logger.L.Warn("request rejected", "conversation_id", conversationID, "error", err)
		}
		return nil, err
	}
	return handle, nil
}

func (s *Service) build(conv history.Conversation, msgs []history.Message, current *history.Message, model string) window.Window {
	w := s.builder.Build(window.Input{
		SystemPrompt: s.systemPrompt(conv),
		History:      msgs,
		Current:      current,
		MaxTokens:    s.opts.MaxTokens,
		Model:        model,
	})
	s.metrics.ContextBuilt(w.TotalTokens, w.Truncated, w.BudgetExceeded)
	if w.BudgetExceeded {
		logger.L.Warn("context over budget after truncation", "conversation_id", conv.ID, "total_tokens", w.TotalTokens, "max_tokens", w.MaxTokens)
	}
	logger.L.Debug("context built", "conversation_id", conv.ID, "model", model, "token_family", s.tokenFamily(model),
		"entries", len(w.Entries), "total_tokens", w.TotalTokens, "filtered", w.Filtered, "truncated", w.Truncated)
	return w
}

// tokenFamily names the estimation family used for model, "" when the
// estimator has no families or falls back.
func (s *Service) tokenFamily(model string) string {
	if t, ok := s.estimator.(*tokens.Table); ok {
		return t.FamilyOf(model)
	}
	return ""
}

// newAssistant creates the reply template. Replies to asides are asides too.
func (s *Service) newAssistant(conv history.Conversation, userFlags history.Flags) history.Message {
	flags := history.DefaultFlags()
	flags.IsAside = userFlags.IsAside
	flags.PureAside = userFlags.PureAside
	m := history.NewMessage(conv.ID, conv.ProjectID, history.RoleAssistant, "", flags)
	m.Status = history.StatusPending
	return m
}

func (s *Service) model(requested string) string {
	if requested != "" {
		return requested
	}
	return s.opts.Model
}

func (s *Service) systemPrompt(conv history.Conversation) string {
	if conv.SystemPrompt != "" {
		return conv.SystemPrompt
	}
	return s.opts.SystemPrompt
}
