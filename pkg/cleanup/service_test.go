package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamwalker-ai/dreamwalker/pkg/model"
	"github.com/dreamwalker-ai/dreamwalker/pkg/store"
	"github.com/dreamwalker-ai/dreamwalker/pkg/stream"
	"github.com/dreamwalker-ai/dreamwalker/pkg/webhook"
)

func completeWorkflow(t *testing.T, st *store.Store, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, model.WorkflowRecord{ID: id, Pattern: model.PatternSwarm, Task: "sweep fixture"}))
	require.NoError(t, st.Transition(ctx, id, model.StatusRunning, ""))
	require.NoError(t, st.Complete(ctx, id, model.OrchestratorResult{WorkflowID: id, Status: model.StatusCompleted}))
}

func TestSweepDropsOrphanedWebhookRegistrations(t *testing.T) {
	ctx := context.Background()
	st := store.New(store.Options{CompletedRetention: 1})
	bus := stream.NewBus(stream.Options{})
	hooks := webhook.NewDispatcher(webhook.Options{})

	for _, id := range []string{"wf-1", "wf-2"} {
		require.NoError(t, hooks.Register(ctx, id, "http://example.com/hook", ""))
	}
	require.NoError(t, st.Create(ctx, model.WorkflowRecord{ID: "wf-active", Task: "still running"}))
	require.NoError(t, hooks.Register(ctx, "wf-active", "http://example.com/hook", ""))

	// Retention 1 means completing wf-2 evicts wf-1 and strands its
	// registration.
	completeWorkflow(t, st, "wf-1")
	completeWorkflow(t, st, "wf-2")

	svc := NewService(Options{Store: st, Bus: bus, Webhooks: hooks})
	svc.runAll(ctx)

	assert.False(t, hooks.Registered("wf-1"), "evicted workflow's registration must be dropped")
	assert.True(t, hooks.Registered("wf-2"), "retained workflow keeps its registration")
	assert.True(t, hooks.Registered("wf-active"), "active workflow keeps its registration")
}

func TestSweepWithoutDispatcher(t *testing.T) {
	st := store.New(store.Options{})
	bus := stream.NewBus(stream.Options{})

	svc := NewService(Options{Store: st, Bus: bus})
	svc.runAll(context.Background())
}

func TestRunAllReapsIdleStreams(t *testing.T) {
	ctx := context.Background()
	st := store.New(store.Options{})
	bus := stream.NewBus(stream.Options{TTL: time.Hour})
	require.NoError(t, bus.Open("wf-idle"))

	fresh := NewService(Options{Store: st, Bus: bus})
	fresh.runAll(ctx)
	assert.Equal(t, 1, bus.Streams(), "stream inside its TTL survives the sweep")

	future := NewService(Options{Store: st, Bus: bus, Now: func() time.Time {
		return time.Now().Add(2 * time.Hour)
	}})
	future.runAll(ctx)
	assert.Equal(t, 0, bus.Streams(), "idle stream past its TTL is released")
}

func TestStartStopLifecycle(t *testing.T) {
	ctx := context.Background()
	st := store.New(store.Options{CompletedRetention: 1})
	bus := stream.NewBus(stream.Options{})
	hooks := webhook.NewDispatcher(webhook.Options{})

	require.NoError(t, hooks.Register(ctx, "wf-1", "http://example.com/hook", ""))
	completeWorkflow(t, st, "wf-1")
	completeWorkflow(t, st, "wf-2")

	svc := NewService(Options{Store: st, Bus: bus, Webhooks: hooks, Interval: 10 * time.Millisecond})
	svc.Start(ctx)
	svc.Start(ctx) // double start is a no-op

	require.Eventually(t, func() bool {
		return !hooks.Registered("wf-1")
	}, time.Second, 5*time.Millisecond, "background loop must sweep the orphaned registration")

	svc.Stop()
	svc.Stop() // idempotent
}
