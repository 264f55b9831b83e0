// Package registry tracks the single in-flight model request allowed per
// conversation and is the one place requests get cancelled, whether by a
// user, a timeout or a disconnected client.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyActive is returned by Acquire when the conversation is busy.
var ErrAlreadyActive = errors.New("a request is already in progress")

// Cancellation causes, readable with context.Cause on a handle's context.
var (
	ErrCancelled = errors.New("cancelled by user")
	ErrTimeout   = errors.New("request timed out")
)

// ActiveRequest is a read-only snapshot of an in-flight request.
type ActiveRequest struct {
	ConversationID string    `json:"conversation_id"`
	RequestID      string    `json:"request_id"`
	StartedAt      time.Time `json:"started_at"`
	PartialLength  int       `json:"partial_length"`
}

type entry struct {
	req    ActiveRequest
	cancel context.CancelCauseFunc
	timer  *time.Timer
}

// Registry is safe for concurrent use. Contention is per conversation id.
type Registry struct {
	mu     sync.Mutex
	active map[string]*entry
	now    func() time.Time
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		active: make(map[string]*entry),
		now:    time.Now,
	}
}

// Handle is the owner's grip on an acquired slot.
type Handle struct {
	ConversationID string
	RequestID      string
	StartedAt      time.Time

	ctx      context.Context
	registry *Registry
	once     sync.Once
}

// Context is cancelled when the request is cancelled, times out, or the
// parent passed to Acquire is done.
func (h *Handle) Context() context.Context { return h.ctx }

// Release frees the slot. Safe to call more than once.
func (h *Handle) Release() {
	h.once.Do(func() { h.registry.release(h.ConversationID, h.RequestID) })
}

// UpdatePartial records how much content the request has produced so far.
func (h *Handle) UpdatePartial(accumulated string) {
	h.registry.mu.Lock()
	defer h.registry.mu.Unlock()
	if e, ok := h.registry.active[h.ConversationID]; ok && e.req.RequestID == h.RequestID {
		e.req.PartialLength = len(accumulated)
	}
}

// Acquire claims the conversation's slot or fails with ErrAlreadyActive.
// A positive timeout arms a timer that cancels the request with ErrTimeout.
func (r *Registry) Acquire(parent context.Context, conversationID string, timeout time.Duration) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.active[conversationID]; busy {
		return nil, ErrAlreadyActive
	}

	ctx, cancel := context.WithCancelCause(parent)
	e := &entry{
		req: ActiveRequest{
			ConversationID: conversationID,
			RequestID:      uuid.NewString(),
			StartedAt:      r.now(),
		},
		cancel: cancel,
	}
	if timeout > 0 {
		requestID := e.req.RequestID
		e.timer = time.AfterFunc(timeout, func() {
			r.cancel(conversationID, requestID, ErrTimeout)
		})
	}
	r.active[conversationID] = e

	return &Handle{
		ConversationID: conversationID,
		RequestID:      e.req.RequestID,
		StartedAt:      e.req.StartedAt,
		ctx:            ctx,
		registry:       r,
	}, nil
}

// CancelResult reports what Cancel did.
type CancelResult struct {
	Cancelled bool   `json:"cancelled"`
	RequestID string `json:"requestId,omitempty"`
}

// Cancel signals the active request of a conversation, if any. The slot
// stays taken until the owner releases it. Cancelling twice is harmless.
func (r *Registry) Cancel(conversationID string) CancelResult {
	return r.cancel(conversationID, "", ErrCancelled)
}

func (r *Registry) cancel(conversationID, requestID string, cause error) CancelResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.active[conversationID]
	if !ok || (requestID != "" && e.req.RequestID != requestID) {
		return CancelResult{}
	}
	e.cancel(cause)
	return CancelResult{Cancelled: true, RequestID: e.req.RequestID}
}

func (r *Registry) release(conversationID, requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.active[conversationID]
	if !ok || e.req.RequestID != requestID {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.cancel(context.Canceled)
	delete(r.active, conversationID)
}

// Status returns the active request of a conversation, if any.
func (r *Registry) Status(conversationID string) (ActiveRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.active[conversationID]
	if !ok {
		return ActiveRequest{}, false
	}
	return e.req, true
}

// Active reports whether the conversation has an in-flight request.
func (r *Registry) Active(conversationID string) bool {
	_, ok := r.Status(conversationID)
	return ok
}

// Len is the number of in-flight requests across all conversations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
