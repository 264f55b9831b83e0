// Package orchestrator drives one model turn: it persists the user message,
// streams the provider's response as typed events and finalizes the
// assistant message exactly once, whatever way the turn ends.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/comigor/workbench/internal/history"
	"github.com/comigor/workbench/internal/llm"
	"github.com/comigor/workbench/internal/logger"
	"github.com/comigor/workbench/internal/metrics"
	"github.com/comigor/workbench/internal/registry"
	"github.com/comigor/workbench/internal/window"
)

// EventType names the events of a turn, as sent over the wire.
type EventType string

const (
	EventUserMessage EventType = "user_message"
	EventChunk       EventType = "chunk"
	EventDone        EventType = "done"
	EventCancelled   EventType = "cancelled"
	EventError       EventType = "error"
)

// Event is one item of a turn's event stream.
type Event struct {
	Type EventType
	// Message is the persisted user message (user_message) or the final
	// assistant message (done, cancelled, error). Nil when nothing was written.
	Message *history.Message
	// Content and Accumulated are set on chunk events.
	Content     string
	Accumulated string
	// Usage is set on done events.
	Usage *history.LLMInfo
	// Reason is set on cancelled events.
	Reason string
	// Err and PartialContent are set on error events.
	Err            string
	PartialContent string
}

// Terminal reports whether e ends the stream.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventCancelled || e.Type == EventError
}

// Turn is everything needed to run one model call.
type Turn struct {
	// Handle is owned by the orchestrator from Run on; it is always released.
	Handle *registry.Handle
	Model  string
	Window window.Window
	// User is the message that starts the turn. When UserPersisted is set
	// (regeneration) it is already in the log and is not appended again.
	User          history.Message
	UserPersisted bool
	// Assistant is the template of the reply: id, flags and parent.
	Assistant history.Message
}

type trigger string

const (
	triggerStreamEnded    trigger = "StreamEnded"
	triggerCancelled      trigger = "Cancelled"
	triggerProviderFailed trigger = "ProviderFailed"
)

// Orchestrator runs turns. It holds no per-turn state and is safe to share.
type Orchestrator struct {
	log      history.Log
	provider llm.Provider
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates an orchestrator. m may be nil.
func New(log history.Log, provider llm.Provider, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{log: log, provider: provider, metrics: m, now: time.Now}
}

// Run starts the turn and returns its events. The channel is closed after
// the terminal event. ctx is the consumer: once it is done, pending sends
// are dropped and the turn is cancelled through the handle.
func (o *Orchestrator) Run(ctx context.Context, turn Turn) <-chan Event {
	out := make(chan Event, 1)
	r := &run{o: o, turn: turn, consumer: ctx, out: out}
	r.fsm = r.newMachine()
	go r.execute()
	return out
}

type recvResult struct {
	delta llm.Delta
	err   error
}

type run struct {
	o        *Orchestrator
	turn     Turn
	consumer context.Context
	out      chan Event
	fsm      *stateless.StateMachine

	started     time.Time
	accumulated strings.Builder
	usage       *llm.Usage
	finish      string
	failure     error

	placeholder bool
	terminal    bool
	final       history.Message
}

// newMachine wires the assistant message states. Terminal states permit no
// triggers, so a second terminal write is impossible.
func (r *run) newMachine() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(history.StatusPending)

	fsm.Configure(history.StatusPending).
		Permit(triggerStreamEnded, history.StatusComplete).
		Permit(triggerCancelled, history.StatusCancelled).
		Permit(triggerProviderFailed, history.StatusError)

	for _, status := range []history.Status{history.StatusComplete, history.StatusCancelled, history.StatusError} {
		fsm.Configure(status).
			OnEntry(func(ctx context.Context, _ ...any) error {
				r.finalize(ctx, status)
				return nil
			})
	}
	return fsm
}

func (r *run) execute() {
	defer close(r.out)
	defer r.turn.Handle.Release()
	defer func() {
		if p := recover(); p != nil {
			logger.L.Error("turn panicked", "conversation_id", r.turn.Handle.ConversationID, "panic", p)
			err := fmt.Errorf("internal error: %v", p)
			if r.placeholder && !r.terminal {
				r.terminate(triggerProviderFailed, err)
			} else if !r.placeholder {
				r.abort(err)
			}
		}
	}()

	r.started = r.o.now()
	r.o.metrics.RequestStarted()

	ctx := r.turn.Handle.Context()
	persistCtx := context.WithoutCancel(ctx)
	conversationID := r.turn.Handle.ConversationID

	if !r.turn.UserPersisted {
		if err := r.o.log.Append(persistCtx, conversationID, r.turn.User); err != nil {
			r.abort(fmt.Errorf("persist user message: %w", err))
			return
		}
	}
	user := r.turn.User
	r.send(Event{Type: EventUserMessage, Message: &user})

	assistant := r.turn.Assistant
	assistant.Status = history.StatusPending
	assistant.Content = ""
	if err := r.o.log.Append(persistCtx, conversationID, assistant); err != nil {
		r.abort(fmt.Errorf("persist assistant placeholder: %w", err))
		return
	}
	r.placeholder = true

	r.stream(ctx)
}

func (r *run) stream(ctx context.Context) {
	if ctx.Err() != nil {
		r.terminate(triggerCancelled, nil)
		return
	}

	stream, err := r.o.provider.StreamCompletion(ctx, r.turn.Model, r.messages())
	if err != nil {
		if ctx.Err() != nil {
			r.terminate(triggerCancelled, nil)
			return
		}
		r.terminate(triggerProviderFailed, err)
		return
	}
	defer stream.Close()

	results := make(chan recvResult)
	go func() {
		// A panicking stream fails the turn like any other provider error.
		defer func() {
			if p := recover(); p != nil {
				logger.L.Error("stream receive panicked", "conversation_id", r.turn.Handle.ConversationID, "panic", p)
				select {
				case results <- recvResult{err: fmt.Errorf("internal error: %v", p)}:
				case <-ctx.Done():
				}
			}
		}()
		for {
			d, err := stream.Recv()
			select {
			case results <- recvResult{delta: d, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			r.terminate(triggerCancelled, nil)
			return
		case res := <-results:
			if res.err != nil {
				switch {
				case errors.Is(res.err, io.EOF):
					r.terminate(triggerStreamEnded, nil)
				case ctx.Err() != nil:
					r.terminate(triggerCancelled, nil)
				default:
					r.terminate(triggerProviderFailed, res.err)
				}
				return
			}
			if ctx.Err() != nil {
				r.terminate(triggerCancelled, nil)
				return
			}
			if res.delta.Usage != nil {
				r.usage = res.delta.Usage
			}
			if res.delta.FinishReason != "" {
				r.finish = res.delta.FinishReason
			}
			if res.delta.Content == "" {
				continue
			}
			r.accumulated.WriteString(res.delta.Content)
			accumulated := r.accumulated.String()
			r.turn.Handle.UpdatePartial(accumulated)
			if !r.sendChunk(ctx, Event{Type: EventChunk, Content: res.delta.Content, Accumulated: accumulated}) {
				r.terminate(triggerCancelled, nil)
				return
			}
		}
	}
}

func (r *run) messages() []llm.Message {
	out := make([]llm.Message, 0, len(r.turn.Window.Entries))
	for _, e := range r.turn.Window.Entries {
		out = append(out, llm.Message{Role: string(e.Role), Content: e.Content})
	}
	return out
}

// terminate moves the message to its final state and emits the matching event.
func (r *run) terminate(t trigger, err error) {
	r.failure = err
	if fireErr := r.fsm.Fire(t); fireErr != nil {
		logger.L.Warn("FSM fire error", "trigger", t, "error", fireErr)
		return
	}

	final := r.final
	var ev Event
	switch final.Status {
	case history.StatusComplete:
		ev = Event{Type: EventDone, Message: &final, Usage: final.LLMInfo}
	case history.StatusCancelled:
		ev = Event{Type: EventCancelled, Message: &final, Reason: r.cancelReason()}
	default:
		ev = Event{Type: EventError, Message: &final, Err: r.failureText(), PartialContent: final.Content}
	}
	r.send(ev)
}

// finalize is the single terminal write of the assistant message.
func (r *run) finalize(ctx context.Context, status history.Status) {
	r.terminal = true
	content := r.accumulated.String()
	elapsed := r.o.now().Sub(r.started)

	info := history.LLMInfo{
		Model:         r.turn.Model,
		ContextTokens: r.turn.Window.TotalTokens,
		LatencyMs:     elapsed.Milliseconds(),
		FinishReason:  r.finish,
		Cancelled:     status == history.StatusCancelled,
	}
	if r.usage != nil {
		info.PromptTokens = r.usage.PromptTokens
		info.CompletionTokens = r.usage.CompletionTokens
		info.TotalTokens = r.usage.TotalTokens
	}
	if status == history.StatusError {
		info.Error = r.failureText()
	}

	conversationID := r.turn.Handle.ConversationID
	msg, err := r.o.log.Update(context.WithoutCancel(ctx), conversationID, r.turn.Assistant.ID, history.Patch{
		Content: &content,
		Status:  &status,
		LLMInfo: &info,
	})
	if err != nil {
		logger.L.Error("failed to persist final assistant message", "conversation_id", conversationID, "message_id", r.turn.Assistant.ID, "error", err)
		msg = r.turn.Assistant
		msg.Content = content
		msg.Status = status
		msg.LLMInfo = &info
	}
	r.final = msg

	logger.L.Info("turn finished",
		"conversation_id", conversationID,
		"message_id", msg.ID,
		"status", status,
		"latency_ms", info.LatencyMs,
		"content_length", len(content))
	r.o.metrics.TurnFinished(string(status), elapsed)
}

// abort ends a turn that failed before the assistant placeholder existed.
func (r *run) abort(err error) {
	r.terminal = true
	r.failure = err
	logger.L.Error("turn aborted", "conversation_id", r.turn.Handle.ConversationID, "error", err)
	r.o.metrics.TurnFinished(string(history.StatusError), r.o.now().Sub(r.started))
	r.send(Event{Type: EventError, Err: err.Error()})
}

func (r *run) failureText() string {
	if r.failure == nil {
		return "unknown error"
	}
	return r.failure.Error()
}

func (r *run) cancelReason() string {
	cause := context.Cause(r.turn.Handle.Context())
	switch {
	case errors.Is(cause, registry.ErrCancelled), errors.Is(cause, registry.ErrTimeout):
		return cause.Error()
	case r.consumer.Err() != nil:
		return "client disconnected"
	default:
		return "cancelled"
	}
}

// send delivers an event unless the consumer is gone.
func (r *run) send(ev Event) {
	select {
	case r.out <- ev:
	case <-r.consumer.Done():
	}
}

// sendChunk delivers a chunk unless the turn was cancelled meanwhile.
func (r *run) sendChunk(ctx context.Context, ev Event) bool {
	select {
	case r.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
