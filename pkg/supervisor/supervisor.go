// Package supervisor owns workflow lifecycles: it admits submissions,
// spawns one goroutine per workflow running the orchestration engine,
// fields cancellation, and drives the graceful-shutdown and restart
// (rehydration) paths. Every verb surface (MCP tools, HTTP API) talks to
// workflows through the supervisor, never to the engine directly.
package supervisor

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamwalker-ai/dreamwalker/pkg/model"
	"github.com/dreamwalker-ai/dreamwalker/pkg/orchestrator"
	"github.com/dreamwalker-ai/dreamwalker/pkg/store"
	"github.com/dreamwalker-ai/dreamwalker/pkg/stream"
	"github.com/dreamwalker-ai/dreamwalker/pkg/webhook"
)

const (
	defaultCancelWait     = 5 * time.Second
	defaultSnapshotBudget = 30 * time.Second
)

// WebhookSpec is an optional per-workflow delivery registration supplied
// at submit time.
type WebhookSpec struct {
	URL    string
	Secret string
}

// Notifier receives terminal workflow outcomes. Implementations must not
// block for long; the supervisor calls them on the workflow goroutine
// after the result is stored.
type Notifier interface {
	WorkflowFinished(ctx context.Context, rec model.WorkflowRecord, result model.OrchestratorResult)
}

// Options wires a Supervisor. Store, Bus, and Engine are required;
// Webhooks and Notifier are optional. Zero durations pick the defaults.
type Options struct {
	Store    *store.Store
	Bus      *stream.Bus
	Engine   *orchestrator.Engine
	Webhooks *webhook.Dispatcher
	Notifier Notifier

	// CancelWait bounds how long Cancel waits for a graceful unwind before
	// force-finalizing the record.
	CancelWait time.Duration
	// SnapshotBudget bounds the durable snapshot written during Shutdown.
	SnapshotBudget time.Duration
}

// handle is the supervisor's grip on one running workflow goroutine.
type handle struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Supervisor maps workflow IDs to live task handles and mediates every
// lifecycle verb.
type Supervisor struct {
	store    *store.Store
	bus      *stream.Bus
	engine   *orchestrator.Engine
	webhooks *webhook.Dispatcher
	notifier Notifier

	cancelWait     time.Duration
	snapshotBudget time.Duration

	mu      sync.Mutex
	handles map[string]*handle

	shutting atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// New creates a supervisor around the given components.
func New(opts Options) *Supervisor {
	if opts.CancelWait <= 0 {
		opts.CancelWait = defaultCancelWait
	}
	if opts.SnapshotBudget <= 0 {
		opts.SnapshotBudget = defaultSnapshotBudget
	}
	return &Supervisor{
		store:          opts.Store,
		bus:            opts.Bus,
		engine:         opts.Engine,
		webhooks:       opts.Webhooks,
		notifier:       opts.Notifier,
		cancelWait:     opts.CancelWait,
		snapshotBudget: opts.SnapshotBudget,
		handles:        make(map[string]*handle),
		logger:         slog.Default().With("component", "supervisor"),
	}
}

// ── submission ─────────────────────────────────────────────────────────

// Submit validates the request, creates the workflow record, and spawns
// the workflow goroutine. It returns as soon as the record exists; the
// returned record is still pending. A webhook registered here is rolled
// back if admission fails.
func (s *Supervisor) Submit(ctx context.Context, pattern, task string, cfg model.WorkflowConfig, hook *WebhookSpec) (model.WorkflowRecord, error) {
	if s.shutting.Load() {
		return model.WorkflowRecord{}, model.NewError(model.KindShutdown, "server is shutting down")
	}
	task = strings.TrimSpace(task)
	if task == "" {
		return model.WorkflowRecord{}, model.NewError(model.KindInvalidArguments, "task must not be empty").
			WithDetail("field", "task")
	}
	if _, err := s.engine.PatternFor(pattern); err != nil {
		return model.WorkflowRecord{}, err
	}
	if pattern == model.PatternSwarm {
		if err := orchestrator.ValidateSwarmTypes(cfg.AgentTypes); err != nil {
			return model.WorkflowRecord{}, err
		}
	}

	rec := model.WorkflowRecord{
		ID:        model.NewWorkflowID(),
		Pattern:   pattern,
		Task:      task,
		Status:    model.StatusPending,
		CreatedAt: time.Now().UTC(),
		Config:    cfg,
	}

	if hook != nil && hook.URL != "" {
		if s.webhooks == nil {
			return model.WorkflowRecord{}, model.NewError(model.KindInternal, "webhook delivery is not configured")
		}
		if err := s.webhooks.Register(ctx, rec.ID, hook.URL, hook.Secret); err != nil {
			return model.WorkflowRecord{}, err
		}
	}

	if err := s.store.Create(ctx, rec); err != nil {
		if hook != nil && hook.URL != "" && s.webhooks != nil {
			s.webhooks.Unregister(rec.ID)
		}
		return model.WorkflowRecord{}, err
	}

	// Open the stream before the ID escapes, so a subscriber connecting
	// right after submit never races the engine's first publish.
	if err := s.bus.Open(rec.ID); err != nil {
		s.logger.Warn("Stream open failed, first publish will create it",
			"workflow_id", rec.ID, "error", err)
	}

	wctx, cancel := context.WithCancelCause(context.Background())
	h := &handle{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.handles[rec.ID] = h
	s.mu.Unlock()

	// A shutdown that raced past the check above still reaches this task.
	if s.shutting.Load() {
		cancel(model.NewError(model.KindShutdown, "server_shutdown"))
	}

	s.wg.Add(1)
	go s.runWorkflow(wctx, h, rec)

	s.logger.Info("Workflow submitted",
		"workflow_id", rec.ID, "pattern", pattern, "task_len", len(task))
	return rec, nil
}

// runWorkflow drives one workflow to a terminal state. The engine emits
// every stream event including the terminal one; this goroutine owns the
// store transitions and the stream closure.
func (s *Supervisor) runWorkflow(ctx context.Context, h *handle, rec model.WorkflowRecord) {
	defer s.wg.Done()
	defer close(h.done)
	defer s.dropHandle(rec.ID)

	// Store writes must survive workflow cancellation.
	octx := context.WithoutCancel(ctx)

	if err := s.store.Transition(octx, rec.ID, model.StatusRunning, ""); err != nil {
		s.logger.Warn("Workflow did not reach running", "workflow_id", rec.ID, "error", err)
	}

	result := s.engine.Run(ctx, rec)

	if err := s.store.Complete(octx, rec.ID, *result); err != nil {
		// A forced cancel finalized the record first; this outcome is dropped.
		s.logger.Warn("Discarding workflow result", "workflow_id", rec.ID, "error", err)
	} else if s.notifier != nil {
		s.notifier.WorkflowFinished(octx, rec, *result)
	}

	s.bus.Close(rec.ID)
}

func (s *Supervisor) dropHandle(id string) {
	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()
}

func (s *Supervisor) lookup(id string) (*handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	return h, ok
}

// ── cancellation ───────────────────────────────────────────────────────

// Cancel stops a workflow. For a live workflow it signals the context and
// waits for the goroutine to unwind gracefully; past CancelWait the record
// is force-finalized and the eventual engine result discarded. Cancelling
// a terminal workflow is a success no-op; an unknown ID is an error.
func (s *Supervisor) Cancel(ctx context.Context, id string) error {
	if h, ok := s.lookup(id); ok {
		return s.cancelLive(ctx, id, h)
	}

	rec, err := s.store.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return nil
	}

	// The goroutine may have been spawned between the lookup and here.
	if h, ok := s.lookup(id); ok {
		return s.cancelLive(ctx, id, h)
	}

	// Non-terminal with no live task: a record this process no longer owns.
	s.finalize(ctx, rec, model.StatusCancelled, "cancelled by caller")
	return nil
}

func (s *Supervisor) cancelLive(ctx context.Context, id string, h *handle) error {
	h.cancel(model.NewError(model.KindCancelled, "cancelled by caller"))
	select {
	case <-h.done:
		return nil
	case <-time.After(s.cancelWait):
		s.logger.Warn("Workflow did not unwind in time, forcing terminal state",
			"workflow_id", id, "waited", s.cancelWait)
		return s.forceFinalize(ctx, id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// forceFinalize marks a stuck workflow cancelled without waiting for its
// goroutine. Racing against a graceful unwind is fine: whichever side
// completes the record first wins and the other is logged.
func (s *Supervisor) forceFinalize(ctx context.Context, id string) error {
	rec, err := s.store.GetRecord(ctx, id)
	if err != nil || rec.Status.IsTerminal() {
		return nil
	}
	s.finalize(ctx, rec, model.StatusCancelled, "cancelled")
	return nil
}

// finalize writes a synthetic terminal result for a workflow that has no
// usable engine outcome, emits the matching terminal event, and closes
// the stream.
func (s *Supervisor) finalize(ctx context.Context, rec model.WorkflowRecord, status model.TaskStatus, reason string) {
	result := model.OrchestratorResult{
		WorkflowID: rec.ID,
		Title:      rec.Task,
		Status:     status,
		Error:      reason,
	}
	octx := context.WithoutCancel(ctx)
	if err := s.store.Complete(octx, rec.ID, result); err != nil {
		s.logger.Warn("Failed to finalize workflow", "workflow_id", rec.ID, "error", err)
		return
	}

	eventType := stream.EventWorkflowFailed
	payload := map[string]any{"error": reason, "reason": reason}
	if status == model.StatusCancelled {
		eventType = stream.EventWorkflowCancelled
		payload = map[string]any{
			"cancelled_at":            time.Now().UTC().Format(time.RFC3339),
			"completed_before_cancel": 0,
		}
	}
	if _, err := s.bus.Publish(rec.ID, eventType, payload); err != nil {
		s.logger.Warn("Failed to publish terminal event", "workflow_id", rec.ID, "error", err)
	}
	s.bus.Close(rec.ID)

	if s.notifier != nil {
		s.notifier.WorkflowFinished(octx, rec, result)
	}
	s.logger.Info("Workflow finalized without engine result",
		"workflow_id", rec.ID, "status", status, "reason", reason)
}

// ── read proxies ───────────────────────────────────────────────────────

// Status returns the workflow record.
func (s *Supervisor) Status(ctx context.Context, id string) (model.WorkflowRecord, error) {
	return s.store.GetRecord(ctx, id)
}

// Result returns the stored terminal result. store.ErrNotCompleted
// signals a known workflow that has not finished.
func (s *Supervisor) Result(ctx context.Context, id string) (model.OrchestratorResult, error) {
	return s.store.GetResult(ctx, id)
}

// List returns active records oldest-first followed by up to limit
// completed records newest-first. Records evicted mid-listing are skipped.
func (s *Supervisor) List(ctx context.Context, limit int) []model.WorkflowRecord {
	ids := s.store.ActiveIDs()
	ids = append(ids, s.store.CompletedIDs(limit)...)
	out := make([]model.WorkflowRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.store.GetRecord(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Active reports how many workflows currently hold a live task.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// ── shutdown ───────────────────────────────────────────────────────────

// Shutdown stops the supervisor: new submissions are rejected, every
// in-flight workflow is told the server is going away and cancelled with
// reason server_shutdown, and once the goroutines unwind (or the context
// expires) the hot state is snapshotted to the durable backend.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	var snapErr error
	s.stopOnce.Do(func() {
		s.shutting.Store(true)

		s.mu.Lock()
		live := make(map[string]*handle, len(s.handles))
		for id, h := range s.handles {
			live[id] = h
		}
		s.mu.Unlock()

		cause := model.NewError(model.KindShutdown, "server_shutdown")
		for id, h := range live {
			if _, err := s.bus.Publish(id, stream.EventShuttingDown, map[string]any{
				"reason": "server_shutdown",
			}); err != nil {
				s.logger.Warn("Failed to announce shutdown", "workflow_id", id, "error", err)
			}
			h.cancel(cause)
		}
		s.logger.Info("Shutting down, cancelling workflows", "in_flight", len(live))

		unwound := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(unwound)
		}()
		select {
		case <-unwound:
		case <-ctx.Done():
			s.logger.Warn("Shutdown grace exhausted with workflows still unwinding")
		}

		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.snapshotBudget)
		defer cancel()
		if err := s.store.Snapshot(sctx); err != nil {
			s.logger.Error("State snapshot failed", "error", err)
			snapErr = err
			return
		}
		s.logger.Info("Supervisor stopped")
	})
	return snapErr
}

// ── rehydration ────────────────────────────────────────────────────────

// Rehydrate restores state after a restart: non-terminal records loaded
// from the durable backend have no live task in this process, so they are
// finalized immediately (running ones failed with reason
// orphaned_on_restart, pending ones cancelled), their webhook
// registrations are restored first so the terminal event still reaches
// the caller. Returns how many orphans were finalized.
func (s *Supervisor) Rehydrate(ctx context.Context) (int, error) {
	records, err := s.store.Rehydrate(ctx)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	if s.webhooks != nil {
		s.webhooks.Rehydrate(ctx, ids)
	}

	for _, rec := range records {
		status := model.StatusFailed
		if rec.Status == model.StatusPending {
			// pending never started, so cancelled describes it better and is
			// the only terminal state the machine allows from there.
			status = model.StatusCancelled
		}
		s.finalize(ctx, rec, status, "orphaned_on_restart")
	}
	s.logger.Info("Rehydrated state from backend", "orphaned", len(records))
	return len(records), nil
}
