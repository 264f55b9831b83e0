package orchestrator

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/workbench/internal/history"
	"github.com/comigor/workbench/internal/llm"
	"github.com/comigor/workbench/internal/metrics"
	"github.com/comigor/workbench/internal/registry"
	"github.com/comigor/workbench/internal/window"
)

type mockStream struct {
	ctx    context.Context
	deltas []llm.Delta
	err    error
	block  bool
	panic  string
	closed bool
}

func (s *mockStream) Recv() (llm.Delta, error) {
	if len(s.deltas) > 0 {
		d := s.deltas[0]
		s.deltas = s.deltas[1:]
		return d, nil
	}
	if s.panic != "" {
		panic(s.panic)
	}
	if s.block {
		<-s.ctx.Done()
		return llm.Delta{}, s.ctx.Err()
	}
	if s.err != nil {
		return llm.Delta{}, s.err
	}
	return llm.Delta{}, io.EOF
}

func (s *mockStream) Close() error {
	s.closed = true
	return nil
}

type mockProvider struct {
	deltas    []llm.Delta
	err       error
	startErr  error
	block     bool
	panicMsg  string
	recvPanic string
	onStart   func(ctx context.Context)

	model    string
	messages []llm.Message
}

func (p *mockProvider) StreamCompletion(ctx context.Context, model string, messages []llm.Message) (llm.Stream, error) {
	if p.panicMsg != "" {
		panic(p.panicMsg)
	}
	p.model = model
	p.messages = messages
	if p.onStart != nil {
		p.onStart(ctx)
	}
	if p.startErr != nil {
		return nil, p.startErr
	}
	return &mockStream{ctx: ctx, deltas: p.deltas, err: p.err, block: p.block, panic: p.recvPanic}, nil
}

type fixture struct {
	log      *history.MemoryLog
	registry *registry.Registry
	metrics  *metrics.Metrics
	conv     history.Conversation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := history.NewMemoryLog()
	conv, err := log.CreateConversation(context.Background(), history.Conversation{ID: "c1", ProjectID: "p1"})
	require.NoError(t, err)
	return &fixture{log: log, registry: registry.New(), metrics: metrics.New(), conv: conv}
}

func (f *fixture) turn(t *testing.T, ctx context.Context, content string, timeout time.Duration) Turn {
	t.Helper()
	h, err := f.registry.Acquire(ctx, f.conv.ID, timeout)
	require.NoError(t, err)
	user := history.NewMessage(f.conv.ID, f.conv.ProjectID, history.RoleUser, content, history.DefaultFlags())
	assistant := history.NewMessage(f.conv.ID, f.conv.ProjectID, history.RoleAssistant, "", history.DefaultFlags())
	return Turn{
		Handle: h,
		Model:  "openai/gpt-4o-mini",
		Window: window.Window{
			Entries:     []window.Entry{{Role: history.RoleUser, Content: content, Tokens: 3, Kind: window.KindCurrent}},
			TotalTokens: 3,
		},
		User:      user,
		Assistant: assistant,
	}
}

func next(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event stream closed early")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func drain(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out draining events")
			return out
		}
	}
}

func assistantMessages(t *testing.T, log history.Log, conversationID string) []history.Message {
	t.Helper()
	msgs, err := log.List(context.Background(), conversationID)
	require.NoError(t, err)
	var out []history.Message
	for _, m := range msgs {
		if m.Role == history.RoleAssistant {
			out = append(out, m)
		}
	}
	return out
}

func waitReleased(t *testing.T, r *registry.Registry, conversationID string) {
	t.Helper()
	require.Eventually(t, func() bool { return !r.Active(conversationID) }, time.Second, 5*time.Millisecond)
}

func TestRun_CompletesAndPersists(t *testing.T) {
	f := newFixture(t)
	provider := &mockProvider{deltas: []llm.Delta{
		{Content: "Hel"},
		{Content: "lo", FinishReason: "stop"},
		{Usage: &llm.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}},
	}}
	o := New(f.log, provider, f.metrics)
	turn := f.turn(t, context.Background(), "hi", 0)

	events := drain(t, o.Run(context.Background(), turn))
	require.Len(t, events, 4)
	require.Equal(t, EventUserMessage, events[0].Type)
	require.Equal(t, turn.User.ID, events[0].Message.ID)
	require.Equal(t, EventChunk, events[1].Type)
	require.Equal(t, "Hel", events[1].Accumulated)
	require.Equal(t, "Hello", events[2].Accumulated)
	require.Equal(t, "lo", events[2].Content)

	done := events[3]
	require.Equal(t, EventDone, done.Type)
	require.True(t, done.Terminal())
	require.Equal(t, "Hello", done.Message.Content)
	require.Equal(t, history.StatusComplete, done.Message.Status)
	require.Equal(t, 5, done.Usage.TotalTokens)
	require.Equal(t, "stop", done.Usage.FinishReason)
	require.Equal(t, 3, done.Usage.ContextTokens)

	msgs, err := f.log.List(context.Background(), f.conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, history.RoleUser, msgs[0].Role)
	require.Equal(t, "Hello", msgs[1].Content)
	require.Equal(t, history.StatusComplete, msgs[1].Status)
	require.False(t, msgs[1].LLMInfo.Cancelled)

	require.Equal(t, "openai/gpt-4o-mini", provider.model)
	require.Equal(t, []llm.Message{{Role: "user", Content: "hi"}}, provider.messages)
	waitReleased(t, f.registry, f.conv.ID)
}

func TestRun_UserPersistedBeforeProviderCall(t *testing.T) {
	f := newFixture(t)
	var seen []history.Message
	provider := &mockProvider{onStart: func(ctx context.Context) {
		seen, _ = f.log.List(ctx, f.conv.ID)
	}}
	o := New(f.log, provider, nil)
	turn := f.turn(t, context.Background(), "hi", 0)

	drain(t, o.Run(context.Background(), turn))
	require.Len(t, seen, 2)
	require.Equal(t, turn.User.ID, seen[0].ID)
	require.Equal(t, history.StatusPending, seen[1].Status)
}

func TestRun_CancelMidStream(t *testing.T) {
	f := newFixture(t)
	provider := &mockProvider{deltas: []llm.Delta{{Content: "Hel"}}, block: true}
	o := New(f.log, provider, f.metrics)
	turn := f.turn(t, context.Background(), "tell me a story", 0)

	events := o.Run(context.Background(), turn)
	require.Equal(t, EventUserMessage, next(t, events).Type)
	chunk := next(t, events)
	require.Equal(t, "Hel", chunk.Accumulated)

	status, ok := f.registry.Status(f.conv.ID)
	require.True(t, ok)
	require.Equal(t, 3, status.PartialLength)

	res := f.registry.Cancel(f.conv.ID)
	require.True(t, res.Cancelled)
	require.Equal(t, turn.Handle.RequestID, res.RequestID)

	rest := drain(t, events)
	require.Len(t, rest, 1)
	require.Equal(t, EventCancelled, rest[0].Type)
	require.Equal(t, registry.ErrCancelled.Error(), rest[0].Reason)
	require.Equal(t, "Hel", rest[0].Message.Content)

	assistants := assistantMessages(t, f.log, f.conv.ID)
	require.Len(t, assistants, 1)
	require.Equal(t, history.StatusCancelled, assistants[0].Status)
	require.Equal(t, "Hel", assistants[0].Content)
	require.True(t, assistants[0].LLMInfo.Cancelled)
	waitReleased(t, f.registry, f.conv.ID)
}

func TestRun_CancelBeforeFirstChunk(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	provider := &mockProvider{block: true, onStart: func(context.Context) { close(started) }}
	o := New(f.log, provider, nil)
	turn := f.turn(t, context.Background(), "hi", 0)

	events := o.Run(context.Background(), turn)
	require.Equal(t, EventUserMessage, next(t, events).Type)
	<-started
	f.registry.Cancel(f.conv.ID)

	ev := next(t, events)
	require.Equal(t, EventCancelled, ev.Type)
	require.Empty(t, ev.Message.Content)

	assistants := assistantMessages(t, f.log, f.conv.ID)
	require.Len(t, assistants, 1)
	require.Equal(t, history.StatusCancelled, assistants[0].Status)
}

func TestRun_Timeout(t *testing.T) {
	f := newFixture(t)
	provider := &mockProvider{deltas: []llm.Delta{{Content: "slow"}}, block: true}
	o := New(f.log, provider, nil)
	turn := f.turn(t, context.Background(), "hi", 30*time.Millisecond)

	events := drain(t, o.Run(context.Background(), turn))
	last := events[len(events)-1]
	require.Equal(t, EventCancelled, last.Type)
	require.Equal(t, registry.ErrTimeout.Error(), last.Reason)
	require.Equal(t, "slow", last.Message.Content)
	waitReleased(t, f.registry, f.conv.ID)
}

func TestRun_ProviderErrorKeepsPartial(t *testing.T) {
	f := newFixture(t)
	provider := &mockProvider{deltas: []llm.Delta{{Content: "par"}}, err: errors.New("upstream reset")}
	o := New(f.log, provider, f.metrics)
	turn := f.turn(t, context.Background(), "hi", 0)

	events := drain(t, o.Run(context.Background(), turn))
	last := events[len(events)-1]
	require.Equal(t, EventError, last.Type)
	require.Equal(t, "upstream reset", last.Err)
	require.Equal(t, "par", last.PartialContent)

	assistants := assistantMessages(t, f.log, f.conv.ID)
	require.Len(t, assistants, 1)
	require.Equal(t, history.StatusError, assistants[0].Status)
	require.Equal(t, "par", assistants[0].Content)
	require.Equal(t, "upstream reset", assistants[0].LLMInfo.Error)
	waitReleased(t, f.registry, f.conv.ID)
}

func TestRun_ProviderStartError(t *testing.T) {
	f := newFixture(t)
	provider := &mockProvider{startErr: errors.New("401 bad key")}
	o := New(f.log, provider, nil)
	turn := f.turn(t, context.Background(), "hi", 0)

	events := drain(t, o.Run(context.Background(), turn))
	require.Len(t, events, 2)
	require.Equal(t, EventError, events[1].Type)
	require.Contains(t, events[1].Err, "bad key")

	assistants := assistantMessages(t, f.log, f.conv.ID)
	require.Len(t, assistants, 1)
	require.Equal(t, history.StatusError, assistants[0].Status)
	require.Empty(t, assistants[0].Content)
}

func TestRun_PanicBecomesError(t *testing.T) {
	f := newFixture(t)
	provider := &mockProvider{panicMsg: "boom"}
	o := New(f.log, provider, nil)
	turn := f.turn(t, context.Background(), "hi", 0)

	events := drain(t, o.Run(context.Background(), turn))
	last := events[len(events)-1]
	require.Equal(t, EventError, last.Type)
	require.Contains(t, last.Err, "boom")

	assistants := assistantMessages(t, f.log, f.conv.ID)
	require.Len(t, assistants, 1)
	require.Equal(t, history.StatusError, assistants[0].Status)
	waitReleased(t, f.registry, f.conv.ID)
}

func TestRun_RecvPanicBecomesError(t *testing.T) {
	f := newFixture(t)
	provider := &mockProvider{deltas: []llm.Delta{{Content: "par"}}, recvPanic: "recv boom"}
	o := New(f.log, provider, nil)
	turn := f.turn(t, context.Background(), "hi", 0)

	events := drain(t, o.Run(context.Background(), turn))
	last := events[len(events)-1]
	require.Equal(t, EventError, last.Type)
	require.Contains(t, last.Err, "recv boom")
	require.Equal(t, "par", last.PartialContent)

	assistants := assistantMessages(t, f.log, f.conv.ID)
	require.Len(t, assistants, 1)
	require.Equal(t, history.StatusError, assistants[0].Status)
	require.Equal(t, "par", assistants[0].Content)
	waitReleased(t, f.registry, f.conv.ID)
}

func TestRun_ClientDisconnect(t *testing.T) {
	f := newFixture(t)
	provider := &mockProvider{deltas: []llm.Delta{{Content: "a"}}, block: true}
	o := New(f.log, provider, nil)

	ctx, cancel := context.WithCancel(context.Background())
	turn := f.turn(t, ctx, "hi", 0)
	events := o.Run(ctx, turn)
	require.Equal(t, EventUserMessage, next(t, events).Type)
	require.Equal(t, EventChunk, next(t, events).Type)
	cancel()

	// The consumer is gone so the terminal event may be dropped, but the
	// stream still closes and the message is finalized.
	drain(t, events)
	require.Eventually(t, func() bool {
		a := assistantMessages(t, f.log, f.conv.ID)
		return len(a) == 1 && a[0].Status == history.StatusCancelled
	}, time.Second, 5*time.Millisecond)
	waitReleased(t, f.registry, f.conv.ID)
}

func TestRun_RegenerationDoesNotAppendUser(t *testing.T) {
	f := newFixture(t)
	user := history.NewMessage(f.conv.ID, f.conv.ProjectID, history.RoleUser, "hi", history.DefaultFlags())
	require.NoError(t, f.log.Append(context.Background(), f.conv.ID, user))

	provider := &mockProvider{deltas: []llm.Delta{{Content: "again"}}}
	o := New(f.log, provider, nil)
	turn := f.turn(t, context.Background(), "hi", 0)
	turn.User = user
	turn.UserPersisted = true
	turn.Assistant.ParentMessageID = user.ID

	events := drain(t, o.Run(context.Background(), turn))
	require.Equal(t, EventDone, events[len(events)-1].Type)

	msgs, err := f.log.List(context.Background(), f.conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, user.ID, msgs[1].ParentMessageID)
}

func TestRun_MissingConversationAborts(t *testing.T) {
	f := newFixture(t)
	o := New(f.log, &mockProvider{}, nil)
	h, err := f.registry.Acquire(context.Background(), "ghost", 0)
	require.NoError(t, err)

	events := drain(t, o.Run(context.Background(), Turn{
		Handle:    h,
		User:      history.NewMessage("ghost", "p1", history.RoleUser, "hi", history.DefaultFlags()),
		Assistant: history.NewMessage("ghost", "p1", history.RoleAssistant, "", history.DefaultFlags()),
	}))
	require.Len(t, events, 1)
	require.Equal(t, EventError, events[0].Type)
	require.Nil(t, events[0].Message)
	waitReleased(t, f.registry, "ghost")
}
