// Package window builds the list of messages sent to the model for one turn.
//
// Build is deterministic and keeps no state between calls. The window is
// recomputed for every turn because message flags can change between turns.
package window

import (
	"slices"

	"github.com/comigor/workbench/internal/history"
	"github.com/comigor/workbench/internal/tokens"
)

// Kind tells where an entry came from.
type Kind string

const (
	KindSystem  Kind = "system"
	KindHistory Kind = "history"
	KindCurrent Kind = "current"
)

// Entry is one message of the window.
type Entry struct {
	MessageID string       `json:"message_id,omitempty"`
	Role      history.Role `json:"role"`
	Content   string       `json:"content"`
	Tokens    int          `json:"tokens"`
	Kind      Kind         `json:"kind"`
	Pinned    bool         `json:"is_pinned"`
}

// Window is the result of Build.
type Window struct {
	Entries     []Entry `json:"entries"`
	TotalTokens int     `json:"total_tokens"`
	MaxTokens   int     `json:"max_tokens"`
	// BudgetExceeded is set when only pinned history, the system prelude
	// and the current message remain and they still exceed MaxTokens.
	BudgetExceeded bool `json:"budget_exceeded"`
	// Filtered counts history messages hidden by their flags.
	Filtered int `json:"filtered"`
	// Truncated counts history messages dropped to fit the budget.
	Truncated int `json:"truncated"`
	// PureAside is set when the current message ignored all history.
	PureAside bool `json:"pure_aside"`
}

// Input is everything Build needs for one turn.
type Input struct {
	SystemPrompt string
	// History is the conversation log in log order.
	History []history.Message
	// Current is the outgoing message. It may be nil for previews without
	// a draft. If it is also present in History it is only used once.
	Current   *history.Message
	MaxTokens int
	Model     string
}

// Builder assembles windows using a token estimator.
type Builder struct {
	estimator tokens.Estimator
}

// NewBuilder returns a Builder; a nil estimator means tokens.Default.
func NewBuilder(estimator tokens.Estimator) *Builder {
	if estimator == nil {
		estimator = tokens.Default
	}
	return &Builder{estimator: estimator}
}

// Visible reports whether a history message may appear in a later turn.
// Discarded, excluded and aside messages never do, whatever else is set.
// Pending messages are placeholders of a turn that has not finished.
func Visible(m history.Message) bool {
	return !m.IsDiscarded && m.IncludeInContext && !m.IsAside && m.Status != history.StatusPending
}

// Build assembles the window for one outgoing turn.
func (b *Builder) Build(in Input) Window {
	w := Window{MaxTokens: in.MaxTokens}

	if in.SystemPrompt != "" {
		w.Entries = append(w.Entries, b.entry(in.Model, KindSystem, "", history.RoleSystem, in.SystemPrompt, false))
	}

	if in.Current != nil && in.Current.PureAside {
		w.PureAside = true
		w.Entries = append(w.Entries, b.current(in))
		w.TotalTokens = sum(w.Entries)
		w.BudgetExceeded = in.MaxTokens > 0 && w.TotalTokens > in.MaxTokens
		return w
	}

	var visible []history.Message
	for _, m := range in.History {
		if in.Current != nil && m.ID == in.Current.ID {
			continue
		}
		if !Visible(m) {
			w.Filtered++
			continue
		}
		visible = append(visible, m)
	}
	slices.SortStableFunc(visible, func(a, b history.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	for _, m := range visible {
		w.Entries = append(w.Entries, b.entry(in.Model, KindHistory, m.ID, m.Role, m.Content, m.IsPinned))
	}
	if in.Current != nil {
		w.Entries = append(w.Entries, b.current(in))
	}
	w.TotalTokens = sum(w.Entries)

	if in.MaxTokens <= 0 {
		return w
	}
	for w.TotalTokens > in.MaxTokens {
		i := slices.IndexFunc(w.Entries, func(e Entry) bool {
			return e.Kind == KindHistory && !e.Pinned
		})
		if i < 0 {
			w.BudgetExceeded = true
			break
		}
		w.TotalTokens -= w.Entries[i].Tokens
		w.Entries = slices.Delete(w.Entries, i, i+1)
		w.Truncated++
	}
	return w
}

func (b *Builder) current(in Input) Entry {
	return b.entry(in.Model, KindCurrent, in.Current.ID, in.Current.Role, in.Current.Content, in.Current.IsPinned)
}

func (b *Builder) entry(model string, kind Kind, id string, role history.Role, content string, pinned bool) Entry {
	return Entry{
		MessageID: id,
		Role:      role,
		Content:   content,
		Tokens:    b.estimator.Estimate(content, model),
		Kind:      kind,
		Pinned:    pinned,
	}
}

func sum(entries []Entry) int {
	total := 0
	for _, e := range entries {
		total += e.Tokens
	}
	return total
}

// TruncationApplied reports whether any history was dropped for budget.
func (w Window) TruncationApplied() bool {
	return w.Truncated > 0
}

// UsagePercent is TotalTokens as a percentage of MaxTokens.
func (w Window) UsagePercent() float64 {
	if w.MaxTokens <= 0 {
		return 0
	}
	return float64(w.TotalTokens) * 100 / float64(w.MaxTokens)
}
