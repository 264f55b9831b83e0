package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"

	"github.com/comigor/workbench/internal/history"
)

// NewDefaultManager returns a Manager with every built-in command.
func NewDefaultManager(log history.Log, forker Forker) *Manager {
	m := NewManager()
	for _, c := range FlagCommands(log) {
		m.Register(c)
	}
	m.Register(&AsideCommand{})
	m.Register(&AsideCommand{Pure: true})
	m.Register(&ForkCommand{log: log, forker: forker})
	m.Register(&RequeryCommand{})
	m.Register(&HelpCommand{manager: m})
	return m
}

// ResolveMessage finds a message of the conversation by full id or by a
// unique id prefix.
func ResolveMessage(ctx context.Context, log history.Log, conversationID, ref string) (history.Message, error) {
	msgs, err := log.List(ctx, conversationID)
	if err != nil {
		return history.Message{}, err
	}
	var matches []history.Message
	for _, m := range msgs {
		if m.ID == ref {
			return m, nil
		}
		if strings.HasPrefix(m.ID, ref) {
			matches = append(matches, m)
		}
	}
	switch len(matches) {
	case 0:
		return history.Message{}, fmt.Errorf("message %s: %w", ref, history.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return history.Message{}, fmt.Errorf("%w: %q matches %d messages", ErrUsage, ref, len(matches))
	}
}

// FlagCommand sets one message flag.
type FlagCommand struct {
	name        string
	description string
	verb        string
	patch       history.FlagPatch
	log         history.Log
}

// FlagCommands returns /pin, /unpin, /discard, /restore, /include and /exclude.
func FlagCommands(log history.Log) []*FlagCommand {
	on, off := true, false
	return []*FlagCommand{
		{name: "pin", verb: "pinned", description: "Pin a message so it is never truncated", patch: history.FlagPatch{IsPinned: &on}, log: log},
		{name: "unpin", verb: "unpinned", description: "Unpin a message", patch: history.FlagPatch{IsPinned: &off}, log: log},
		{name: "discard", verb: "discarded", description: "Hide a message from every future context", patch: history.FlagPatch{IsDiscarded: &on}, log: log},
		{name: "restore", verb: "restored", description: "Undo a discard", patch: history.FlagPatch{IsDiscarded: &off}, log: log},
		{name: "include", verb: "included", description: "Include a message in context", patch: history.FlagPatch{IncludeInContext: &on}, log: log},
		{name: "exclude", verb: "excluded", description: "Exclude a message from context without discarding it", patch: history.FlagPatch{IncludeInContext: &off}, log: log},
	}
}

func (c *FlagCommand) Name() string { return c.name }
func (c *FlagCommand) Description() string {
	return c.description + ". Usage: /" + c.name + " <message-id>"
}

func (c *FlagCommand) Run(ctx context.Context, args string, ref Ref) (Result, error) {
	fields := strings.Fields(args)
	if len(fields) != 1 {
		return Result{}, fmt.Errorf("%w: usage: /%s <message-id>", ErrUsage, c.name)
	}
	target, err := ResolveMessage(ctx, c.log, ref.ConversationID, fields[0])
	if err != nil {
		return Result{}, err
	}
	patch := c.patch
	updated, err := c.log.Update(ctx, ref.ConversationID, target.ID, history.Patch{Flags: &patch})
	if err != nil {
		return Result{}, err
	}
	return Result{
		Message: fmt.Sprintf("%s message %s", c.verb, updated.ID),
		Updated: &updated,
	}, nil
}

// AsideCommand sends its text as an aside. A pure aside also sees no history.
type AsideCommand struct {
	Pure bool
}

func (c *AsideCommand) Name() string {
	if c.Pure {
		return "aside-pure"
	}
	return "aside"
}

func (c *AsideCommand) Description() string {
	if c.Pure {
		return "Ask something with no prior context; neither side is remembered. Usage: /aside-pure <text>"
	}
	return "Ask something that later turns will not see. Usage: /aside <text>"
}

func (c *AsideCommand) Run(_ context.Context, args string, _ Ref) (Result, error) {
	if args == "" {
		return Result{}, fmt.Errorf("%w: usage: /%s <text>", ErrUsage, c.Name())
	}
	flags := history.DefaultFlags()
	flags.IsAside = true
	flags.PureAside = c.Pure
	return Result{
		Message:         "sending aside",
		ContinueWithLLM: true,
		Content:         args,
		Flags:           &flags,
	}, nil
}

// ForkOptions control which messages a fork copies.
type ForkOptions struct {
	// FromMessageID is the last message copied; empty copies everything.
	FromMessageID string
	// Prune skips discarded and excluded messages.
	Prune bool
	Name  string
}

// Forker creates forked conversations.
type Forker interface {
	Fork(ctx context.Context, ref Ref, opts ForkOptions) (history.Conversation, error)
}

// ForkCommand copies a conversation into a new one.
type ForkCommand struct {
	log    history.Log
	forker Forker
}

func (c *ForkCommand) Name() string { return "chat-fork" }
func (c *ForkCommand) Description() string {
	return "Copy this chat into a new one. Usage: /chat-fork [--at <message-id>] [--prune] [name]"
}

func (c *ForkCommand) Run(ctx context.Context, args string, ref Ref) (Result, error) {
	fs := newArgSet(c.Name())
	at := fs.String("at", "", "last message to copy")
	prune := fs.Bool("prune", false, "skip discarded and excluded messages")
	if err := fs.Parse(strings.Fields(args)); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUsage, err)
	}

	opts := ForkOptions{Prune: *prune, Name: strings.Join(fs.Args(), " ")}
	if *at != "" {
		target, err := ResolveMessage(ctx, c.log, ref.ConversationID, *at)
		if err != nil {
			return Result{}, err
		}
		opts.FromMessageID = target.ID
	}

	conv, err := c.forker.Fork(ctx, ref, opts)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Message:      "forked into " + conv.ID,
		Conversation: &conv,
	}, nil
}

// RequeryCommand regenerates the last assistant response.
type RequeryCommand struct{}

func (c *RequeryCommand) Name() string { return "requery" }
func (c *RequeryCommand) Description() string {
	return "Regenerate the last response. --keep preserves the old one as an excluded branch. Usage: /requery [--keep]"
}

func (c *RequeryCommand) Run(_ context.Context, args string, _ Ref) (Result, error) {
	fs := newArgSet(c.Name())
	keep := fs.Bool("keep", false, "keep the previous response")
	if err := fs.Parse(strings.Fields(args)); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if fs.NArg() > 0 {
		return Result{}, fmt.Errorf("%w: unexpected arguments %q", ErrUsage, strings.Join(fs.Args(), " "))
	}
	return Result{
		Message:         "regenerating last response",
		ContinueWithLLM: true,
		Regenerate:      &Regenerate{Keep: *keep},
	}, nil
}

// HelpCommand lists the registered commands.
type HelpCommand struct {
	manager *Manager
}

func (c *HelpCommand) Name() string        { return "help" }
func (c *HelpCommand) Description() string { return "List available commands" }

func (c *HelpCommand) Run(context.Context, string, Ref) (Result, error) {
	var b strings.Builder
	for _, cmd := range c.manager.List() {
		fmt.Fprintf(&b, "/%s - %s\n", cmd.Name(), cmd.Description())
	}
	return Result{Message: strings.TrimRight(b.String(), "\n")}, nil
}

func newArgSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}
