package supervisor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamwalker-ai/dreamwalker/pkg/config"
	"github.com/dreamwalker-ai/dreamwalker/pkg/model"
	"github.com/dreamwalker-ai/dreamwalker/pkg/orchestrator"
	"github.com/dreamwalker-ai/dreamwalker/pkg/provider"
	"github.com/dreamwalker-ai/dreamwalker/pkg/store"
	"github.com/dreamwalker-ai/dreamwalker/pkg/stream"
	"github.com/dreamwalker-ai/dreamwalker/pkg/tools"
	"github.com/dreamwalker-ai/dreamwalker/pkg/webhook"
)

// ── harness ────────────────────────────────────────────────────────────

type eventRecorder struct {
	mu     sync.Mutex
	events []model.StreamEvent
}

func (r *eventRecorder) record(ev model.StreamEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) typesFor(workflowID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.WorkflowID == workflowID {
			out = append(out, ev.Type)
		}
	}
	return out
}

func (r *eventRecorder) find(workflowID, eventType string) (model.StreamEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.WorkflowID == workflowID && ev.Type == eventType {
			return ev, true
		}
	}
	return model.StreamEvent{}, false
}

type fixture struct {
	t    *testing.T
	sup  *Supervisor
	mock *provider.Mock
	bus  *stream.Bus
	st   *store.Store
	rec  *eventRecorder
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	return newFixtureWith(t, nil, mutate)
}

// newFixtureWith builds the full stack around a provider. A nil provider
// uses the scriptable mock.
func newFixtureWith(t *testing.T, p provider.Provider, mutate func(*Options)) *fixture {
	t.Helper()
	mock := provider.NewMock()
	if p == nil {
		p = mock
	}
	bus := stream.NewBus(stream.Options{CloseGrace: 50 * time.Millisecond})
	rec := &eventRecorder{}
	bus.AddListener(rec.record)
	cache := provider.NewCache(func(string, string) (provider.Provider, error) { return p, nil })
	eng := orchestrator.New(bus, cache, tools.NewRegistry(), config.Default().Orchestration)

	opts := Options{
		Store:  store.New(store.Options{}),
		Bus:    bus,
		Engine: eng,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &fixture{t: t, sup: New(opts), mock: mock, bus: bus, st: opts.Store, rec: rec}
}

func (f *fixture) waitResult(id string) model.OrchestratorResult {
	f.t.Helper()
	var result model.OrchestratorResult
	require.Eventually(f.t, func() bool {
		res, err := f.sup.Result(context.Background(), id)
		if err != nil {
			return false
		}
		result = res
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return result
}

func (f *fixture) waitIdle() {
	f.t.Helper()
	require.Eventually(f.t, func() bool { return f.sup.Active() == 0 },
		5*time.Second, 10*time.Millisecond, "workflow goroutines still live")
}

// ── submission ─────────────────────────────────────────────────────────

func TestSubmitRunsSwarmToCompletion(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	rec, err := f.sup.Submit(ctx, model.PatternSwarm, "survey the fleet",
		model.WorkflowConfig{NumAgents: 2}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, model.StatusPending, rec.Status)
	assert.False(t, rec.CreatedAt.IsZero())

	result := f.waitResult(rec.ID)
	assert.Equal(t, model.StatusCompleted, result.Status)
	assert.Len(t, result.AgentResults, 2)
	assert.NotEmpty(t, result.FinalSynthesis)

	status, err := f.sup.Status(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, status.Status)
	require.NotNil(t, status.StartedAt)
	require.NotNil(t, status.CompletedAt)

	types := f.rec.typesFor(rec.ID)
	require.NotEmpty(t, types)
	assert.Equal(t, stream.EventWorkflowStarted, types[0])
	assert.Equal(t, stream.EventWorkflowCompleted, types[len(types)-1])

	f.waitIdle()
}

// An unscripted mock cannot answer the decomposition prompt with JSON, so
// the hierarchical pattern falls back to mechanical subtasks and still
// completes end to end.
func TestSubmitRunsBeltalowdaToCompletion(t *testing.T) {
	f := newFixture(t, nil)

	rec, err := f.sup.Submit(context.Background(), model.PatternBeltalowda,
		"map the contested belt", model.WorkflowConfig{NumWorkers: 2}, nil)
	require.NoError(t, err)

	result := f.waitResult(rec.ID)
	assert.Equal(t, model.StatusCompleted, result.Status)
	assert.Len(t, result.AgentResults, 2)
	f.waitIdle()
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	t.Run("empty task", func(t *testing.T) {
		_, err := f.sup.Submit(ctx, model.PatternSwarm, "   ", model.WorkflowConfig{}, nil)
		assert.Equal(t, model.KindInvalidArguments, model.KindOf(err))
	})

	t.Run("unknown pattern", func(t *testing.T) {
		_, err := f.sup.Submit(ctx, "hivemind", "task", model.WorkflowConfig{}, nil)
		assert.Equal(t, model.KindInvalidArguments, model.KindOf(err))
	})

	t.Run("bad swarm agent type", func(t *testing.T) {
		_, err := f.sup.Submit(ctx, model.PatternSwarm, "task", model.WorkflowConfig{
			AgentTypes: []model.AgentType{model.AgentNews, "clairvoyant"},
		}, nil)
		require.Error(t, err)
		assert.Equal(t, model.KindInvalidArguments, model.KindOf(err))
		assert.Equal(t, "agent_types", model.AsError(err).Detail["field"])
	})

	t.Run("webhook without dispatcher", func(t *testing.T) {
		_, err := f.sup.Submit(ctx, model.PatternSwarm, "task", model.WorkflowConfig{},
			&WebhookSpec{URL: "http://example.com/hook"})
		assert.Equal(t, model.KindInternal, model.KindOf(err))
	})

	// Rejected submissions leave no trace in the store.
	assert.Empty(t, f.st.ActiveIDs())
	assert.Empty(t, f.st.CompletedIDs(10))
}

func TestSubmitTooManyActive(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Store = store.New(store.Options{MaxActive: 1})
	})
	ctx := context.Background()

	blocked := make(chan struct{}, 1)
	f.mock.AddRouted("Report your findings", provider.MockEntry{
		BlockUntilCancelled: true,
		OnBlock:             blocked,
	})

	first, err := f.sup.Submit(ctx, model.PatternSwarm, "hold the slot",
		model.WorkflowConfig{NumAgents: 1}, nil)
	require.NoError(t, err)
	<-blocked

	_, err = f.sup.Submit(ctx, model.PatternSwarm, "one too many",
		model.WorkflowConfig{NumAgents: 1}, nil)
	assert.Equal(t, model.KindTooManyActive, model.KindOf(err))

	require.NoError(t, f.sup.Cancel(ctx, first.ID))
	f.waitIdle()

	// The slot is free again once the first workflow is terminal.
	_, err = f.sup.Submit(ctx, model.PatternSwarm, "fits now",
		model.WorkflowConfig{NumAgents: 1}, nil)
	assert.NoError(t, err)
}

func TestSubmitInvalidWebhookCreatesNothing(t *testing.T) {
	d := webhook.NewDispatcher(webhook.Options{})
	f := newFixture(t, func(o *Options) { o.Webhooks = d })

	_, err := f.sup.Submit(context.Background(), model.PatternSwarm, "task",
		model.WorkflowConfig{}, &WebhookSpec{URL: "not-a-url"})
	require.Error(t, err)
	assert.Equal(t, model.KindInvalidArguments, model.KindOf(err))
	assert.Empty(t, f.st.ActiveIDs())
}

// ── webhook delivery ───────────────────────────────────────────────────

type capturedDelivery struct {
	event     string
	signature string
	body      []byte
}

func TestSubmitWithWebhookDeliversSignedEvents(t *testing.T) {
	var mu sync.Mutex
	var deliveries []capturedDelivery
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		deliveries = append(deliveries, capturedDelivery{
			event:     r.Header.Get(webhook.HeaderEvent),
			signature: r.Header.Get(webhook.HeaderSignature),
			body:      body,
		})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	d := webhook.NewDispatcher(webhook.Options{Workers: 1})
	d.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d.Stop(ctx)
	})

	f := newFixture(t, func(o *Options) { o.Webhooks = d })
	f.bus.AddListener(d.Deliver)

	off := false
	rec, err := f.sup.Submit(context.Background(), model.PatternSwarm, "signed survey",
		model.WorkflowConfig{NumAgents: 1, EnableSynthesis: &off},
		&WebhookSpec{URL: srv.URL, Secret: "s3cr3t"})
	require.NoError(t, err)
	f.waitResult(rec.ID)

	var terminal capturedDelivery
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, del := range deliveries {
			if del.event == stream.EventWorkflowCompleted {
				terminal = del
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "terminal webhook never arrived")

	assert.True(t, webhook.Verify("s3cr3t", terminal.body, terminal.signature),
		"signature must verify against the raw body")
	var ev model.StreamEvent
	require.NoError(t, json.Unmarshal(terminal.body, &ev))
	assert.Equal(t, rec.ID, ev.WorkflowID)
}

// ── cancellation ───────────────────────────────────────────────────────

func TestCancelMidFlight(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	inFlight := make(chan struct{}, 5)
	for i := 0; i < 5; i++ {
		f.mock.AddRouted("Report your findings", provider.MockEntry{
			BlockUntilCancelled: true,
			OnBlock:             inFlight,
		})
	}

	rec, err := f.sup.Submit(ctx, model.PatternSwarm, "long haul survey",
		model.WorkflowConfig{NumAgents: 5, MaxConcurrentAgents: 5}, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		select {
		case <-inFlight:
		case <-time.After(5 * time.Second):
			t.Fatal("agents never reached the provider")
		}
	}

	start := time.Now()
	require.NoError(t, f.sup.Cancel(ctx, rec.ID))
	assert.Less(t, time.Since(start), 5*time.Second)

	result, err := f.sup.Result(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, result.Status)
	assert.Equal(t, "cancelled", result.Error)

	ev, ok := f.rec.find(rec.ID, stream.EventWorkflowCancelled)
	require.True(t, ok)
	assert.Equal(t, 0, ev.Payload["completed_before_cancel"])

	// Idempotent on a terminal workflow.
	assert.NoError(t, f.sup.Cancel(ctx, rec.ID))
	f.waitIdle()
}

func TestCancelUnknown(t *testing.T) {
	f := newFixture(t, nil)
	err := f.sup.Cancel(context.Background(), "wf-never-existed")
	assert.Equal(t, model.KindUnknownWorkflow, model.KindOf(err))
}

// stuckProvider ignores context cancellation entirely, standing in for an
// upstream that stops answering.
type stuckProvider struct {
	started chan struct{}
	release chan struct{}
}

func (p *stuckProvider) Name() string { return "stuck" }

func (p *stuckProvider) Complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	select {
	case p.started <- struct{}{}:
	default:
	}
	<-p.release
	return &provider.Response{Content: "late answer"}, nil
}

func TestCancelForcesTerminalStateWhenStuck(t *testing.T) {
	p := &stuckProvider{started: make(chan struct{}, 1), release: make(chan struct{})}
	f := newFixtureWith(t, p, func(o *Options) {
		o.CancelWait = 100 * time.Millisecond
	})
	ctx := context.Background()

	off := false
	rec, err := f.sup.Submit(ctx, model.PatternSwarm, "stuck probe",
		model.WorkflowConfig{NumAgents: 1, EnableSynthesis: &off}, nil)
	require.NoError(t, err)
	select {
	case <-p.started:
	case <-time.After(5 * time.Second):
		t.Fatal("provider call never started")
	}

	require.NoError(t, f.sup.Cancel(ctx, rec.ID))

	result, err := f.sup.Result(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, result.Status)
	assert.Equal(t, "cancelled", result.Error)
	_, ok := f.rec.find(rec.ID, stream.EventWorkflowCancelled)
	assert.True(t, ok)

	// Releasing the stuck call lets the goroutine unwind; its late result
	// is discarded, not stored over the forced one.
	close(p.release)
	f.waitIdle()
	result, err = f.sup.Result(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, result.Status)
	assert.Empty(t, result.AgentResults)
}

// ── shutdown ───────────────────────────────────────────────────────────

func TestShutdownCancelsInFlightAndSnapshots(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	backend := store.NewRedisBackendFromClient(rdb)
	t.Cleanup(func() { _ = backend.Close() })

	f := newFixture(t, func(o *Options) {
		o.Store = store.New(store.Options{Backend: backend})
	})
	ctx := context.Background()

	inFlight := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		f.mock.AddRouted("Report your findings", provider.MockEntry{
			BlockUntilCancelled: true,
			OnBlock:             inFlight,
		})
	}

	first, err := f.sup.Submit(ctx, model.PatternSwarm, "first long survey",
		model.WorkflowConfig{NumAgents: 1}, nil)
	require.NoError(t, err)
	second, err := f.sup.Submit(ctx, model.PatternSwarm, "second long survey",
		model.WorkflowConfig{NumAgents: 1}, nil)
	require.NoError(t, err)
	<-inFlight
	<-inFlight

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.sup.Shutdown(sctx))

	for _, id := range []string{first.ID, second.ID} {
		types := f.rec.typesFor(id)
		shuttingAt, cancelledAt := -1, -1
		for i, typ := range types {
			switch typ {
			case stream.EventShuttingDown:
				shuttingAt = i
			case stream.EventWorkflowCancelled:
				cancelledAt = i
			}
		}
		require.GreaterOrEqual(t, shuttingAt, 0, "no shutting_down for %s", id)
		require.GreaterOrEqual(t, cancelledAt, 0, "no workflow_cancelled for %s", id)
		assert.Less(t, shuttingAt, cancelledAt, "shutting_down must precede the terminal event")

		result, err := f.sup.Result(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCancelled, result.Status)
		assert.Equal(t, "server_shutdown", result.Error)
	}

	// Snapshot landed in the backend before Shutdown returned.
	raw, err := backend.Get(ctx, store.RecordKey(first.ID))
	require.NoError(t, err)
	assert.Contains(t, string(raw), string(model.StatusCancelled))

	_, err = f.sup.Submit(ctx, model.PatternSwarm, "too late", model.WorkflowConfig{}, nil)
	assert.Equal(t, model.KindShutdown, model.KindOf(err))

	// Second shutdown is a no-op.
	assert.NoError(t, f.sup.Shutdown(ctx))
}

// ── rehydration ────────────────────────────────────────────────────────

func TestRehydrateFinalizesOrphans(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	backend := store.NewRedisBackendFromClient(rdb)
	t.Cleanup(func() { _ = backend.Close() })
	ctx := context.Background()

	var mu sync.Mutex
	var deliveries []capturedDelivery
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		deliveries = append(deliveries, capturedDelivery{
			event:     r.Header.Get(webhook.HeaderEvent),
			signature: r.Header.Get(webhook.HeaderSignature),
			body:      body,
		})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	// What the dead process left behind: one running record, one pending,
	// and a webhook registration for the running one.
	started := time.Now().UTC().Add(-time.Minute)
	running := model.WorkflowRecord{
		ID: "wf-orphan", Pattern: model.PatternSwarm, Task: "interrupted probe",
		Status: model.StatusRunning, CreatedAt: started, StartedAt: &started,
	}
	pending := model.WorkflowRecord{
		ID: "wf-queued", Pattern: model.PatternSwarm, Task: "never started",
		Status: model.StatusPending, CreatedAt: started,
	}
	for _, rec := range []model.WorkflowRecord{running, pending} {
		raw, err := json.Marshal(rec)
		require.NoError(t, err)
		require.NoError(t, backend.Put(ctx, store.RecordKey(rec.ID), raw, 0))
		require.NoError(t, backend.SetAdd(ctx, "dw:active", rec.ID))
	}
	prior := webhook.NewDispatcher(webhook.Options{Backend: backend})
	require.NoError(t, prior.Register(ctx, "wf-orphan", srv.URL, "s3cr3t"))

	// The restarted process.
	d := webhook.NewDispatcher(webhook.Options{Backend: backend, Workers: 1})
	d.Start(ctx)
	t.Cleanup(func() {
		dctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d.Stop(dctx)
	})
	f := newFixture(t, func(o *Options) {
		o.Store = store.New(store.Options{Backend: backend})
		o.Webhooks = d
	})
	f.bus.AddListener(d.Deliver)

	orphaned, err := f.sup.Rehydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, orphaned)

	result, err := f.sup.Result(ctx, "wf-orphan")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, result.Status)
	assert.Equal(t, "orphaned_on_restart", result.Error)

	result, err = f.sup.Result(ctx, "wf-queued")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, result.Status)

	// The restored registration still signs and delivers the terminal event.
	var terminal capturedDelivery
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, del := range deliveries {
			if del.event == stream.EventWorkflowFailed {
				terminal = del
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "orphan terminal event never delivered")
	assert.True(t, webhook.Verify("s3cr3t", terminal.body, terminal.signature))
	var ev model.StreamEvent
	require.NoError(t, json.Unmarshal(terminal.body, &ev))
	assert.Equal(t, "wf-orphan", ev.WorkflowID)
	assert.Equal(t, "orphaned_on_restart", ev.Payload["reason"])
}

func TestRehydrateEmptyBackend(t *testing.T) {
	f := newFixture(t, nil)
	orphaned, err := f.sup.Rehydrate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, orphaned)
}

// ── listing ────────────────────────────────────────────────────────────

func TestListOrdersActiveThenCompleted(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	hold := make(chan struct{})
	inFlight := make(chan struct{}, 1)
	f.mock.AddRouted("Report your findings", provider.MockEntry{
		Content: "held finding",
		WaitCh:  hold,
		OnBlock: inFlight,
	})
	t.Cleanup(func() { close(hold) })

	active, err := f.sup.Submit(ctx, model.PatternSwarm, "still running",
		model.WorkflowConfig{NumAgents: 1}, nil)
	require.NoError(t, err)
	<-inFlight

	older, err := f.sup.Submit(ctx, model.PatternSwarm, "finished first",
		model.WorkflowConfig{NumAgents: 1}, nil)
	require.NoError(t, err)
	f.waitResult(older.ID)
	newer, err := f.sup.Submit(ctx, model.PatternSwarm, "finished second",
		model.WorkflowConfig{NumAgents: 1}, nil)
	require.NoError(t, err)
	f.waitResult(newer.ID)

	list := f.sup.List(ctx, 10)
	require.Len(t, list, 3)
	assert.Equal(t, active.ID, list[0].ID)
	assert.Equal(t, model.StatusRunning, list[0].Status)
	assert.Equal(t, newer.ID, list[1].ID, "completed records are newest first")
	assert.Equal(t, older.ID, list[2].ID)

	// The limit only bounds the completed tail.
	short := f.sup.List(ctx, 1)
	require.Len(t, short, 2)
	assert.Equal(t, active.ID, short[0].ID)
	assert.Equal(t, newer.ID, short[1].ID)
}
