// Package commands recognizes slash commands in user input and runs their
// side effects before any message is written or any model is called.
package commands

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/comigor/workbench/internal/history"
)

var (
	// ErrUnknownCommand is returned for text that looks like a command but
	// names nothing registered.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrUsage is returned when a command's arguments are malformed.
	ErrUsage = errors.New("invalid command arguments")
)

// Ref identifies the conversation a command targets.
type Ref struct {
	ProjectID      string
	ConversationID string
}

// Regenerate asks the caller to rerun the model on the last user message.
type Regenerate struct {
	Keep bool
}

// Result is what a command did and what the caller should do next.
type Result struct {
	Command string `json:"command"`
	Message string `json:"message"`
	// ContinueWithLLM means Content still needs a model response.
	ContinueWithLLM bool   `json:"continue_with_llm"`
	Content         string `json:"content,omitempty"`
	// Flags override the defaults of the outgoing user message.
	Flags *history.Flags `json:"flags,omitempty"`

	Updated      *history.Message      `json:"updated,omitempty"`
	Conversation *history.Conversation `json:"conversation,omitempty"`
	Regenerate   *Regenerate           `json:"regenerate,omitempty"`
}

// Command is a single slash command.
type Command interface {
	Name() string
	Description() string
	Run(ctx context.Context, args string, ref Ref) (Result, error)
}

// Manager manages the available commands
type Manager struct {
	commands map[string]Command
}

// NewManager creates an empty Manager
func NewManager() *Manager {
	return &Manager{
		commands: make(map[string]Command),
	}
}

// Register registers a command, replacing any with the same name
func (m *Manager) Register(cmd Command) {
	m.commands[strings.ToLower(cmd.Name())] = cmd
}

// Lookup retrieves a command by name
func (m *Manager) Lookup(name string) (Command, bool) {
	cmd, ok := m.commands[strings.ToLower(name)]
	return cmd, ok
}

// List returns all registered commands sorted by name
func (m *Manager) List() []Command {
	cmds := make([]Command, 0, len(m.commands))
	for _, c := range m.commands {
		cmds = append(cmds, c)
	}
	slices.SortFunc(cmds, func(a, b Command) int { return strings.Compare(a.Name(), b.Name()) })
	return cmds
}

var commandPattern = regexp.MustCompile(`^/([A-Za-z][A-Za-z0-9_-]*)(?:\s+([\s\S]*))?$`)

// Parse splits raw input into a command name and its arguments. ok is false
// when the text is an ordinary message.
func Parse(raw string) (name, args string, ok bool) {
	match := commandPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if match == nil {
		return "", "", false
	}
	return strings.ToLower(match[1]), strings.TrimSpace(match[2]), true
}

// Interception is the outcome of Intercept.
type Interception struct {
	IsCommand bool
	Result    Result
}

// ContinueWithLLM reports whether the caller should still run a model turn.
// Ordinary messages always continue.
func (i Interception) ContinueWithLLM() bool {
	return !i.IsCommand || i.Result.ContinueWithLLM
}

// Intercept runs raw as a command if it is one. Unknown commands fail with
// ErrUnknownCommand before any side effect.
func (m *Manager) Intercept(ctx context.Context, raw string, ref Ref) (Interception, error) {
	name, args, ok := Parse(raw)
	if !ok {
		return Interception{}, nil
	}
	cmd, found := m.Lookup(name)
	if !found {
		return Interception{IsCommand: true}, fmt.Errorf("%w: /%s", ErrUnknownCommand, name)
	}
	res, err := cmd.Run(ctx, args, ref)
	if err != nil {
		return Interception{IsCommand: true}, fmt.Errorf("/%s: %w", name, err)
	}
	if res.Command == "" {
		res.Command = cmd.Name()
	}
	return Interception{IsCommand: true, Result: res}, nil
}
