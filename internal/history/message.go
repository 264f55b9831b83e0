package history

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Status is the lifecycle state of a message. Only assistant messages
// produced by a model call ever sit in StatusPending.
type Status string

const (
	StatusPending   Status = "pending"
	StatusComplete  Status = "complete"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Terminal reports whether s is one of the final states.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusCancelled || s == StatusError
}

// Flags are the mutable visibility switches of a message.
type Flags struct {
	IncludeInContext bool `json:"include_in_context"`
	IsAside          bool `json:"is_aside"`
	PureAside        bool `json:"pure_aside"`
	IsPinned         bool `json:"is_pinned"`
	IsDiscarded      bool `json:"is_discarded"`
}

// DefaultFlags returns the flags of a freshly written message.
func DefaultFlags() Flags {
	return Flags{IncludeInContext: true}
}

// Normalize enforces that a pure aside is always an aside.
func (f Flags) Normalize() Flags {
	if f.PureAside {
		f.IsAside = true
	}
	return f
}

// FlagPatch is a partial flag update. Nil fields are left untouched.
type FlagPatch struct {
	IncludeInContext *bool `json:"include_in_context,omitempty"`
	IsAside          *bool `json:"is_aside,omitempty"`
	PureAside        *bool `json:"pure_aside,omitempty"`
	IsPinned         *bool `json:"is_pinned,omitempty"`
	IsDiscarded      *bool `json:"is_discarded,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p FlagPatch) Empty() bool {
	return p.IncludeInContext == nil && p.IsAside == nil && p.PureAside == nil &&
		p.IsPinned == nil && p.IsDiscarded == nil
}

// Apply returns f with the patch applied.
func (p FlagPatch) Apply(f Flags) Flags {
	if p.IncludeInContext != nil {
		f.IncludeInContext = *p.IncludeInContext
	}
	if p.IsAside != nil {
		f.IsAside = *p.IsAside
		if !f.IsAside {
			f.PureAside = false
		}
	}
	if p.PureAside != nil {
		f.PureAside = *p.PureAside
	}
	if p.IsPinned != nil {
		f.IsPinned = *p.IsPinned
	}
	if p.IsDiscarded != nil {
		f.IsDiscarded = *p.IsDiscarded
	}
	return f.Normalize()
}

// LLMInfo records how an assistant message was produced.
type LLMInfo struct {
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	ContextTokens    int    `json:"context_tokens"`
	LatencyMs        int64  `json:"latency_ms"`
	FinishReason     string `json:"finish_reason,omitempty"`
	Cancelled        bool   `json:"cancelled"`
	Error            string `json:"error,omitempty"`
}

// Message is a single entry of a conversation log.
type Message struct {
	ID              string    `json:"id"`
	ConversationID  string    `json:"conversation_id"`
	ProjectID       string    `json:"project_id"`
	Role            Role      `json:"role"`
	Content         string    `json:"content"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	ParentMessageID string    `json:"parent_message_id,omitempty"`
	LLMInfo         *LLMInfo  `json:"llm_info,omitempty"`
	Flags
}

// NewMessage builds a message with a fresh id and creation time.
func NewMessage(conversationID, projectID string, role Role, content string, flags Flags) Message {
	return Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		ProjectID:      projectID,
		Role:           role,
		Content:        content,
		Status:         StatusComplete,
		CreatedAt:      time.Now().UTC(),
		Flags:          flags.Normalize(),
	}
}

// Patch is a point update applied by Log.Update.
type Patch struct {
	Content *string
	Status  *Status
	LLMInfo *LLMInfo
	Flags   *FlagPatch
}

func (p Patch) apply(m Message) Message {
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.Status != nil {
		m.Status = *p.Status
	}
	if p.LLMInfo != nil {
		info := *p.LLMInfo
		m.LLMInfo = &info
	}
	if p.Flags != nil {
		m.Flags = p.Flags.Apply(m.Flags)
	}
	return m
}

// Conversation is a chat: an ordered log of messages inside a project.
type Conversation struct {
	ID                string    `json:"id"`
	ProjectID         string    `json:"project_id"`
	Name              string    `json:"name"`
	SystemPrompt      string    `json:"system_prompt,omitempty"`
	ForkedFromChatID  string    `json:"forked_from_chat_id,omitempty"`
	ForkedAtMessageID string    `json:"forked_at_message_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

func cloneMessage(m Message) Message {
	if m.LLMInfo != nil {
		info := *m.LLMInfo
		m.LLMInfo = &info
	}
	return m
}
