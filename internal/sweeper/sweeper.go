// Package sweeper finalizes assistant messages left pending by a turn that
// never reached its terminal write, e.g. after a crash or restart.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/comigor/workbench/internal/history"
	"github.com/comigor/workbench/internal/logger"
	"github.com/comigor/workbench/internal/metrics"
	"github.com/comigor/workbench/internal/registry"
)

// Interrupted is the error recorded on swept messages.
const Interrupted = "interrupted"

// Sweeper periodically turns orphaned pending messages into errors.
type Sweeper struct {
	log      history.Log
	registry *registry.Registry
	metrics  *metrics.Metrics
	// grace is how old a pending message must be before it is an orphan.
	grace time.Duration
	now   func() time.Time

	cron *cron.Cron
}

// New creates a sweeper. Messages younger than grace are left alone.
func New(log history.Log, reg *registry.Registry, m *metrics.Metrics, grace time.Duration) *Sweeper {
	return &Sweeper{
		log:      log,
		registry: reg,
		metrics:  m,
		grace:    grace,
		now:      time.Now,
	}
}

// Start runs one sweep immediately, then on the given cron schedule
// (standard five-field expression or descriptors such as "@every 1m").
func (s *Sweeper) Start(schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, s.run); err != nil {
		return fmt.Errorf("invalid sweeper schedule %q: %w", schedule, err)
	}
	s.run()
	c.Start()
	s.cron = c
	logger.L.Info("sweeper started", "schedule", schedule, "grace", s.grace)
	return nil
}

// Stop halts the schedule; the returned context is done once a running
// sweep has finished.
func (s *Sweeper) Stop() context.Context {
	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return s.cron.Stop()
}

func (s *Sweeper) run() {
	if _, err := s.Sweep(context.Background()); err != nil {
		logger.L.Error("sweep failed", "error", err)
	}
}

// Sweep finalizes every orphaned pending message and returns how many it
// changed. Conversations with an active request are skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	pending, err := s.log.ListPending(ctx, s.now().Add(-s.grace))
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, m := range pending {
		if s.registry.Active(m.ConversationID) {
			continue
		}
		current, err := s.log.Get(ctx, m.ConversationID, m.ID)
		if err != nil || current.Status != history.StatusPending {
			continue
		}

		info := history.LLMInfo{}
		if current.LLMInfo != nil {
			info = *current.LLMInfo
		}
		info.Error = Interrupted
		status := history.StatusError
		if _, err := s.log.Update(ctx, m.ConversationID, m.ID, history.Patch{Status: &status, LLMInfo: &info}); err != nil {
			logger.L.Error("failed to finalize orphaned message", "conversation_id", m.ConversationID, "message_id", m.ID, "error", err)
			continue
		}
		logger.L.Warn("finalized orphaned message", "conversation_id", m.ConversationID, "message_id", m.ID, "status", status)
		swept++
	}

	s.metrics.Swept(swept)
	return swept, nil
}
