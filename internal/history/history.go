// Package history provides the append-only message log that backs every
// conversation. Messages are kept in creation order and only their flags,
// status, content and llm info can change after they are appended.
//
// Open returns a SQLite-backed log. If the database cannot be opened the
// package falls back to an in-memory log so the server still runs.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/comigor/workbench/internal/logger"
)

// ErrNotFound is returned when a conversation or message does not exist.
var ErrNotFound = errors.New("not found")

// Log is the persistence boundary used by the chat core.
type Log interface {
	CreateConversation(ctx context.Context, c Conversation) (Conversation, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)

	Append(ctx context.Context, conversationID string, m Message) error
	Update(ctx context.Context, conversationID, messageID string, p Patch) (Message, error)
	Get(ctx context.Context, conversationID, messageID string) (Message, error)
	// List returns every message of a conversation in log order.
	List(ctx context.Context, conversationID string) ([]Message, error)
	// ListPending returns pending messages created before the given instant.
	ListPending(ctx context.Context, createdBefore time.Time) ([]Message, error)

	Close() error
}

// Open opens the SQLite log at path, falling back to memory on failure.
func Open(path string) Log {
	l, err := OpenSQLite(path)
	if err != nil {
		logger.L.Warn("sqlite open failed; using in-memory history", "error", err)
		return NewMemoryLog()
	}
	logger.L.Info("sqlite history DB initialized", "path", path)
	return l
}

func prepareConversation(c Conversation) Conversation {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	return c
}

// MemoryLog is a Log kept entirely in process memory.
type MemoryLog struct {
	mu            sync.RWMutex
	conversations map[string]Conversation
	messages      map[string][]Message
}

// NewMemoryLog returns an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		conversations: make(map[string]Conversation),
		messages:      make(map[string][]Message),
	}
}

func (l *MemoryLog) CreateConversation(_ context.Context, c Conversation) (Conversation, error) {
	c = prepareConversation(c)
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.conversations[c.ID]; exists {
		return Conversation{}, fmt.Errorf("conversation %s already exists", c.ID)
	}
	l.conversations[c.ID] = c
	return c, nil
}

func (l *MemoryLog) GetConversation(_ context.Context, id string) (Conversation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.conversations[id]
	if !ok {
		return Conversation{}, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return c, nil
}

func (l *MemoryLog) Append(_ context.Context, conversationID string, m Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.conversations[conversationID]; !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	m.ConversationID = conversationID
	l.messages[conversationID] = append(l.messages[conversationID], cloneMessage(m))
	return nil
}

func (l *MemoryLog) Update(_ context.Context, conversationID, messageID string, p Patch) (Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msgs := l.messages[conversationID]
	for i := range msgs {
		if msgs[i].ID == messageID {
			msgs[i] = p.apply(msgs[i])
			return cloneMessage(msgs[i]), nil
		}
	}
	return Message{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
}

func (l *MemoryLog) Get(_ context.Context, conversationID, messageID string) (Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, m := range l.messages[conversationID] {
		if m.ID == messageID {
			return cloneMessage(m), nil
		}
	}
	return Message{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
}

func (l *MemoryLog) List(_ context.Context, conversationID string) ([]Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.conversations[conversationID]; !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	out := make([]Message, 0, len(l.messages[conversationID]))
	for _, m := range l.messages[conversationID] {
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

func (l *MemoryLog) ListPending(_ context.Context, createdBefore time.Time) ([]Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Message
	for _, msgs := range l.messages {
		for _, m := range msgs {
			if m.Status == StatusPending && m.CreatedAt.Before(createdBefore) {
				out = append(out, cloneMessage(m))
			}
		}
	}
	return out, nil
}

func (l *MemoryLog) Close() error { return nil }
