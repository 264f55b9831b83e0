package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/comigor/workbench/internal/history"
	"github.com/comigor/workbench/internal/metrics"
	"github.com/comigor/workbench/internal/registry"
)

func pendingMessage(t *testing.T, log history.Log, convID string, age time.Duration) history.Message {
	t.Helper()
	m := history.NewMessage(convID, "p1", history.RoleAssistant, "partial", history.DefaultFlags())
	m.Status = history.StatusPending
	m.CreatedAt = time.Now().Add(-age)
	require.NoError(t, log.Append(context.Background(), convID, m))
	return m
}

func setup(t *testing.T, ids ...string) *history.MemoryLog {
	t.Helper()
	log := history.NewMemoryLog()
	for _, id := range ids {
		_, err := log.CreateConversation(context.Background(), history.Conversation{ID: id, ProjectID: "p1"})
		require.NoError(t, err)
	}
	return log
}

func TestSweep_FinalizesOrphans(t *testing.T) {
	ctx := context.Background()
	log := setup(t, "c1", "c2", "c3")
	reg := registry.New()
	m := metrics.New()

	orphan := pendingMessage(t, log, "c1", time.Hour)
	fresh := pendingMessage(t, log, "c2", time.Second)
	busy := pendingMessage(t, log, "c3", time.Hour)

	h, err := reg.Acquire(ctx, "c3", 0)
	require.NoError(t, err)
	defer h.Release()

	s := New(log, reg, m, time.Minute)
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := log.Get(ctx, "c1", orphan.ID)
	require.NoError(t, err)
	require.Equal(t, history.StatusError, got.Status)
	require.Equal(t, "partial", got.Content)
	require.Equal(t, Interrupted, got.LLMInfo.Error)

	got, err = log.Get(ctx, "c2", fresh.ID)
	require.NoError(t, err)
	require.Equal(t, history.StatusPending, got.Status)

	got, err = log.Get(ctx, "c3", busy.ID)
	require.NoError(t, err)
	require.Equal(t, history.StatusPending, got.Status)

	require.Equal(t, 1.0, testutil.ToFloat64(m.SweptMessages))

	n, err = s.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestStart_SweepsImmediatelyAndRejectsBadSchedule(t *testing.T) {
	log := setup(t, "c1")
	orphan := pendingMessage(t, log, "c1", time.Hour)

	s := New(log, registry.New(), nil, time.Minute)
	require.Error(t, s.Start("not a schedule"))

	require.NoError(t, s.Start("@every 1h"))
	<-s.Stop().Done()

	got, err := log.Get(context.Background(), "c1", orphan.ID)
	require.NoError(t, err)
	require.Equal(t, history.StatusError, got.Status)
}

func TestStop_WithoutStart(t *testing.T) {
	s := New(setup(t), registry.New(), nil, time.Minute)
	<-s.Stop().Done()
}
