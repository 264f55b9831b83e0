package chat

import (
	"context"

	"github.com/comigor/workbench/internal/history"
	"github.com/comigor/workbench/internal/window"
)

// PreviewRequest describes a turn that has not been sent.
type PreviewRequest struct {
	ProjectID      string
	ConversationID string
	// Draft is the unsent message; empty previews history only.
	Draft string
	Model string
	Flags history.FlagPatch
}

// PreviewEntry is one message of a previewed window.
type PreviewEntry struct {
	MessageID string         `json:"messageId,omitempty"`
	Role      history.Role   `json:"role"`
	Kind      window.Kind    `json:"kind"`
	Tokens    int            `json:"tokens"`
	Content   string         `json:"content"`
	Flags     *history.Flags `json:"flags,omitempty"`
}

// Preview is the token breakdown of the window a turn would send.
type Preview struct {
	Model string `json:"model"`
	// TokenFamily is the estimation family of Model, empty for the fallback ratio.
	TokenFamily       string         `json:"tokenFamily,omitempty"`
	Messages          []PreviewEntry `json:"messages"`
	TotalTokens       int            `json:"totalTokens"`
	MaxTokens         int            `json:"maxTokens"`
	UsagePercent      float64        `json:"usagePercent"`
	TruncationApplied bool           `json:"truncationApplied"`
	BudgetExceeded    bool           `json:"budgetExceeded"`
	// ExcludedCount is every history message absent from the window,
	// whether hidden by flags, dropped for budget or skipped by a pure aside.
	ExcludedCount  int  `json:"excludedCount"`
	TruncatedCount int  `json:"truncatedCount"`
	PureAside      bool `json:"pureAside"`
}

// PreviewContext builds the window the next turn would use without writing
// anything or reserving the conversation.
func (s *Service) PreviewContext(ctx context.Context, req PreviewRequest) (Preview, error) {
	conv, err := s.Conversation(ctx, req.ProjectID, req.ConversationID)
	if err != nil {
		return Preview{}, err
	}
	msgs, err := s.log.List(ctx, conv.ID)
	if err != nil {
		return Preview{}, err
	}

	model := s.model(req.Model)
	var current *history.Message
	if req.Draft != "" {
		draft := history.NewMessage(conv.ID, conv.ProjectID, history.RoleUser, req.Draft, req.Flags.Apply(history.DefaultFlags()))
		current = &draft
	}
	w := s.builder.Build(window.Input{
		SystemPrompt: s.systemPrompt(conv),
		History:      msgs,
		Current:      current,
		MaxTokens:    s.opts.MaxTokens,
		Model:        model,
	})

	byID := make(map[string]history.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}

	p := Preview{
		Model:             model,
		TokenFamily:       s.tokenFamily(model),
		Messages:          make([]PreviewEntry, 0, len(w.Entries)),
		TotalTokens:       w.TotalTokens,
		MaxTokens:         w.MaxTokens,
		UsagePercent:      w.UsagePercent(),
		TruncationApplied: w.TruncationApplied(),
		BudgetExceeded:    w.BudgetExceeded,
		TruncatedCount:    w.Truncated,
		PureAside:         w.PureAside,
	}
	included := 0
	for _, e := range w.Entries {
		entry := PreviewEntry{
			MessageID: e.MessageID,
			Role:      e.Role,
			Kind:      e.Kind,
			Tokens:    e.Tokens,
			Content:   e.Content,
		}
		if e.Kind == window.KindCurrent && current != nil {
			flags := current.Flags
			entry.Flags = &flags
		} else if m, ok := byID[e.MessageID]; ok {
			flags := m.Flags
			entry.Flags = &flags
		}
		if e.Kind == window.KindHistory {
			included++
		}
		p.Messages = append(p.Messages, entry)
	}
	p.ExcludedCount = len(msgs) - included
	return p, nil
}
