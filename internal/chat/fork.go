package chat

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/comigor/workbench/internal/commands"
	"github.com/comigor/workbench/internal/history"
	"github.com/comigor/workbench/internal/logger"
)

// Fork copies a conversation, up to and including opts.FromMessageID, into a
// new one in the same project. The source conversation is not modified.
// Pending messages are never copied.
func (s *Service) Fork(ctx context.Context, ref commands.Ref, opts commands.ForkOptions) (history.Conversation, error) {
	src, err := s.Conversation(ctx, ref.ProjectID, ref.ConversationID)
	if err != nil {
		return history.Conversation{}, err
	}
	msgs, err := s.log.List(ctx, src.ID)
	if err != nil {
		return history.Conversation{}, err
	}

	if opts.FromMessageID != "" {
		i := slices.IndexFunc(msgs, func(m history.Message) bool { return m.ID == opts.FromMessageID })
		if i < 0 {
			return history.Conversation{}, fmt.Errorf("message %s: %w", opts.FromMessageID, history.ErrNotFound)
		}
		msgs = msgs[:i+1]
	}

	name := opts.Name
	if name == "" {
		name = src.Name + " (fork)"
	}
	forkedAt := opts.FromMessageID
	if forkedAt == "" && len(msgs) > 0 {
		forkedAt = msgs[len(msgs)-1].ID
	}

	dst, err := s.log.CreateConversation(ctx, history.Conversation{
		ProjectID:         src.ProjectID,
		Name:              name,
		SystemPrompt:      src.SystemPrompt,
		ForkedFromChatID:  src.ID,
		ForkedAtMessageID: forkedAt,
	})
	if err != nil {
		return history.Conversation{}, err
	}

	ids := make(map[string]string, len(msgs))
	copied := 0
	for _, m := range msgs {
		if m.Status == history.StatusPending {
			continue
		}
		if opts.Prune && (m.IsDiscarded || !m.IncludeInContext) {
			continue
		}
		ids[m.ID] = uuid.NewString()
		m.ID = ids[m.ID]
		m.ConversationID = dst.ID
		if m.ParentMessageID != "" {
			m.ParentMessageID = ids[m.ParentMessageID]
		}
		if err := s.log.Append(ctx, dst.ID, m); err != nil {
			return history.Conversation{}, err
		}
		copied++
	}

	logger.L.Info("conversation forked",
		"conversation_id", src.ID,
		"fork_id", dst.ID,
		"forked_at_message_id", forkedAt,
		"copied", copied,
		"pruned", opts.Prune)
	return dst, nil
}
