// Package orchestrator runs workflow patterns. The engine owns the fixed
// execution skeleton (decompose, bounded parallel execution, synthesis,
// document rendering, terminal event) and delegates the pattern-specific
// stages to Pattern implementations.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dreamwalker-ai/dreamwalker/pkg/config"
	"github.com/dreamwalker-ai/dreamwalker/pkg/model"
	"github.com/dreamwalker-ai/dreamwalker/pkg/provider"
	"github.com/dreamwalker-ai/dreamwalker/pkg/stream"
	"github.com/dreamwalker-ai/dreamwalker/pkg/tools"
)

// Pattern supplies the stages that differ between orchestration styles.
// Decompose must return at least one subtask. ExecuteSubtask must return a
// terminal AgentResult and never panic through (the engine converts panics
// and interruptions into failed results anyway). Synthesise degrades
// internally: a failed tier is logged and skipped, never propagated.
type Pattern interface {
	Name() string
	// PlannedAgents reports how many agents the configuration will fan out,
	// before decomposition has run. Used for the workflow_started payload.
	PlannedAgents(cfg model.WorkflowConfig) int
	Decompose(ctx context.Context, rt *Runtime) ([]model.SubTask, error)
	ExecuteSubtask(ctx context.Context, rt *Runtime, st model.SubTask) model.AgentResult
	Synthesise(ctx context.Context, rt *Runtime, results []model.AgentResult) ([]model.SynthesisResult, string)
}

// Runtime carries the per-workflow context handed to pattern stages.
type Runtime struct {
	WorkflowID string
	Task       string
	Config     model.WorkflowConfig

	providers *provider.Cache
	registry  *tools.Registry
	bus       *stream.Bus
	defaults  config.OrchestrationConfig
	logger    *slog.Logger
}

// Provider resolves the workflow's provider for the given model through the
// shared client cache. An empty model uses the provider's configured default.
func (rt *Runtime) Provider(modelID string) (provider.Provider, error) {
	return rt.providers.Get(rt.Config.Provider, modelID)
}

// Registry exposes the tool registry to pattern stages.
func (rt *Runtime) Registry() *tools.Registry { return rt.registry }

// Emit publishes an event on the workflow's stream. Publish failures are
// logged and swallowed: a closed or saturated stream must never stall the
// workflow itself.
func (rt *Runtime) Emit(eventType string, payload map[string]any) {
	if _, err := rt.bus.Publish(rt.WorkflowID, eventType, payload); err != nil {
		rt.logger.Warn("Failed to publish event",
			"workflow_id", rt.WorkflowID, "event", eventType, "error", err)
	}
}

// EmitProgress publishes an agent_progress event. Progress is clamped to
// [0, 1].
func (rt *Runtime) EmitProgress(agentID string, progress float64, message string) {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	rt.Emit(stream.EventAgentProgress, map[string]any{
		"agent_id": agentID,
		"progress": progress,
		"message":  message,
	})
}

// Complete issues one provider completion under its own deadline and
// reports the wall-clock seconds it took.
func (rt *Runtime) Complete(ctx context.Context, modelID, system, user string, timeout time.Duration) (*provider.Response, float64, error) {
	p, err := rt.Provider(modelID)
	if err != nil {
		return nil, 0, err
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	started := time.Now()
	resp, err := p.Complete(cctx, provider.Request{
		Model:  modelID,
		System: system,
		Prompt: user,
	})
	return resp, time.Since(started).Seconds(), err
}

// PerSubtaskTimeout returns the effective per-subtask deadline: the
// workflow's own override, else the server default.
func (rt *Runtime) PerSubtaskTimeout() time.Duration {
	if rt.Config.PerSubtaskTimeoutSeconds > 0 {
		return time.Duration(rt.Config.PerSubtaskTimeoutSeconds * float64(time.Second))
	}
	return rt.defaults.PerSubtaskTimeout()
}

// MaxConcurrent returns the per-workflow subtask semaphore width.
func (rt *Runtime) MaxConcurrent() int {
	if rt.Config.MaxConcurrentAgents > 0 {
		return rt.Config.MaxConcurrentAgents
	}
	if n := rt.defaults.DefaultConcurrency; n > 0 {
		return n
	}
	return 10
}

// Engine executes workflows against the stream bus, provider cache, and
// tool registry it was built with. One engine serves every workflow.
type Engine struct {
	bus       *stream.Bus
	providers *provider.Cache
	registry  *tools.Registry
	cfg       config.OrchestrationConfig
	renderer  Renderer
	logger    *slog.Logger
}

// New creates an engine. Documents render through the built-in markdown
// renderer unless SetRenderer installs another plugin.
func New(bus *stream.Bus, providers *provider.Cache, registry *tools.Registry, cfg config.OrchestrationConfig) *Engine {
	return &Engine{
		bus:       bus,
		providers: providers,
		registry:  registry,
		cfg:       cfg,
		renderer:  NewMarkdownRenderer(cfg.DocumentDir),
		logger:    slog.Default().With("component", "orchestrator"),
	}
}

// SetRenderer replaces the document renderer plugin.
func (e *Engine) SetRenderer(r Renderer) {
	if r != nil {
		e.renderer = r
	}
}

// PatternFor returns the pattern implementation for a pattern name.
func (e *Engine) PatternFor(name string) (Pattern, error) {
	switch name {
	case model.PatternBeltalowda:
		return &Beltalowda{}, nil
	case model.PatternSwarm:
		return &Swarm{}, nil
	default:
		return nil, model.NewError(model.KindInvalidArguments, "unknown pattern %q", name).
			WithDetail("field", "pattern")
	}
}

// PatternInfo describes one pattern on discovery surfaces.
type PatternInfo struct {
	Name        string            `json:"name"`
	DisplayName string            `json:"display_name"`
	Description string            `json:"description"`
	Defaults    map[string]any    `json:"defaults"`
	AgentTypes  []model.AgentType `json:"agent_types"`
}

// Patterns returns discovery metadata for every supported pattern.
func Patterns() []PatternInfo {
	return []PatternInfo{
		{
			Name:        model.PatternBeltalowda,
			DisplayName: "Beltalowda",
			Description: "Hierarchical decomposition: workers fan out over LLM-derived subtasks and findings roll up through optional mid-tier and executive synthesis.",
			Defaults: map[string]any{
				"num_workers":      defaultNumWorkers,
				"max_num_workers":  maxNumWorkers,
				"group_size":       defaultGroupSize,
				"enable_mid":       true,
				"enable_executive": true,
			},
			AgentTypes: []model.AgentType{model.AgentWorker, model.AgentSynthesiser, model.AgentExecutive},
		},
		{
			Name:        model.PatternSwarm,
			DisplayName: "Swarm",
			Description: "Typed fan-out: the query is classified into specialised agent types that each run the full query independently, with one optional synthesis pass.",
			Defaults: map[string]any{
				"num_agents":       defaultNumAgents,
				"max_num_agents":   maxNumAgents,
				"enable_synthesis": true,
			},
			AgentTypes: model.SwarmAgentTypes,
		},
	}
}

// Run executes one workflow to a terminal result. It always returns a
// result with a terminal status and always emits exactly one terminal
// event; the caller owns the store transition and stream closure.
func (e *Engine) Run(ctx context.Context, rec model.WorkflowRecord) *model.OrchestratorResult {
	start := time.Now()
	rt := &Runtime{
		WorkflowID: rec.ID,
		Task:       rec.Task,
		Config:     rec.Config,
		providers:  e.providers,
		registry:   e.registry,
		bus:        e.bus,
		defaults:   e.cfg,
		logger:     e.logger.With("workflow_id", rec.ID),
	}
	result := &model.OrchestratorResult{
		WorkflowID: rec.ID,
		Title:      deriveTitle(rec.Task),
	}

	pattern, err := e.PatternFor(rec.Pattern)
	if err != nil {
		return e.fail(rt, result, start, "invalid_pattern", err.Error())
	}

	rt.Emit(stream.EventWorkflowStarted, map[string]any{
		"workflow_id": rec.ID,
		"pattern":     pattern.Name(),
		"num_agents":  pattern.PlannedAgents(rt.Config),
	})
	rt.logger.Info("Workflow started", "pattern", pattern.Name(), "task_len", len(rec.Task))

	// A provider that cannot be constructed aborts before any subtask runs.
	if _, err := rt.Provider(rt.Config.Model); err != nil {
		return e.fail(rt, result, start, string(model.KindOf(err)), err.Error())
	}

	dctx, dcancel := context.WithTimeout(ctx, rt.PerSubtaskTimeout())
	subtasks, err := pattern.Decompose(dctx, rt)
	dcancel()
	if st, reason := interruption(ctx, dctx); st != "" {
		return e.interrupt(rt, result, start, st, reason, nil)
	}
	if err != nil {
		return e.fail(rt, result, start, "decompose_failed", err.Error())
	}
	if len(subtasks) == 0 {
		return e.fail(rt, result, start, "decompose_failed", "decomposition produced no subtasks")
	}
	if err := model.ValidateSubTasks(subtasks); err != nil {
		return e.fail(rt, result, start, "decompose_failed", err.Error())
	}

	rt.Emit(stream.EventTaskDecomposed, map[string]any{
		"subtask_count": len(subtasks),
		"subtasks":      subtaskSummaries(subtasks),
	})

	wctx, wcancel := context.WithTimeout(ctx, workflowDeadline(rt, len(subtasks)))
	defer wcancel()

	result.AgentResults = e.dispatch(wctx, rt, pattern, subtasks)

	if st, reason := interruption(ctx, wctx); st != "" {
		return e.interrupt(rt, result, start, st, reason, result.AgentResults)
	}

	if countStatus(result.AgentResults, model.StatusCompleted) == 0 {
		return e.fail(rt, result, start, "no_agent_succeeded", "all agents failed")
	}

	result.SynthesisResults, result.FinalSynthesis = pattern.Synthesise(wctx, rt, result.AgentResults)
	if st, reason := interruption(ctx, wctx); st != "" {
		return e.interrupt(rt, result, start, st, reason, result.AgentResults)
	}

	result.Status = model.StatusCompleted
	result.Duration = time.Since(start).Seconds()
	result.Cost = totalCost(result)

	if rt.Config.GenerateDocuments {
		result.Documents = e.render(rt, result)
	}

	rt.Emit(stream.EventWorkflowCompleted, map[string]any{
		"status":        string(result.Status),
		"total_cost":    result.Cost,
		"duration":      result.Duration,
		"artifact_refs": artifactRefs(result.Documents),
	})
	rt.logger.Info("Workflow completed",
		"agents", len(result.AgentResults),
		"syntheses", len(result.SynthesisResults),
		"cost_usd", result.Cost,
		"duration_seconds", result.Duration)
	return result
}

// ── subtask dispatch ───────────────────────────────────────────────────

type indexedResult struct {
	index  int
	result model.AgentResult
}

// dispatch fans subtasks out under the concurrency semaphore and collects
// results back in launch order.
func (e *Engine) dispatch(ctx context.Context, rt *Runtime, pattern Pattern, subtasks []model.SubTask) []model.AgentResult {
	sem := make(chan struct{}, rt.MaxConcurrent())
	results := make(chan indexedResult, len(subtasks))
	var wg sync.WaitGroup

	for i, st := range subtasks {
		wg.Add(1)
		go func(idx int, st model.SubTask) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results <- indexedResult{idx, interruptedResult(ctx, st)}
				return
			}
			results <- indexedResult{idx, e.runSubtask(ctx, rt, pattern, st)}
		}(i, st)
	}

	wg.Wait()
	close(results)

	out := make([]model.AgentResult, len(subtasks))
	for ir := range results {
		out[ir.index] = ir.result
	}
	return out
}

// runSubtask executes one subtask under its own deadline, converting panics
// and interruptions into failed results. It emits the agent_started /
// agent_completed pair around the execution.
func (e *Engine) runSubtask(ctx context.Context, rt *Runtime, pattern Pattern, st model.SubTask) (result model.AgentResult) {
	agentID := model.NewAgentID()
	started := time.Now()

	rt.Emit(stream.EventAgentStarted, map[string]any{
		"agent_id":   agentID,
		"agent_type": string(st.AgentType),
		"subtask_id": st.ID,
	})

	defer func() {
		if r := recover(); r != nil {
			rt.logger.Error("Subtask panicked", "subtask_id", st.ID, "panic", r)
			result = model.AgentResult{
				Status:   model.StatusFailed,
				Error:    fmt.Sprintf("panic: %v", r),
				Duration: time.Since(started).Seconds(),
			}
		}
		result = normalizeResult(result, agentID, st, started)
		// Publishing must survive cancellation so terminal accounting stays
		// observable.
		rt.Emit(stream.EventAgentCompleted, map[string]any{
			"agent_id": result.ID,
			"status":   string(result.Status),
			"cost":     result.Cost,
			"duration": result.Duration,
		})
	}()

	sctx, cancel := context.WithTimeout(ctx, rt.PerSubtaskTimeout())
	defer cancel()

	result = pattern.ExecuteSubtask(sctx, rt, st)

	// Interruptions override whatever the pattern reported.
	switch {
	case ctx.Err() != nil:
		result = interruptedResult(ctx, st)
	case sctx.Err() == context.DeadlineExceeded:
		result = model.AgentResult{
			Status: model.StatusFailed,
			Error:  fmt.Sprintf("subtask_timeout: exceeded %s", rt.PerSubtaskTimeout()),
		}
	}
	return result
}

// normalizeResult enforces the AgentResult invariants: identity fields set,
// status terminal, failed results carry an error, duration measured.
func normalizeResult(r model.AgentResult, agentID string, st model.SubTask, started time.Time) model.AgentResult {
	if r.ID == "" {
		r.ID = agentID
	}
	if r.SubTaskID == "" {
		r.SubTaskID = st.ID
	}
	if r.AgentType == "" {
		r.AgentType = st.AgentType
	}
	if !r.Status.IsTerminal() {
		r.Status = model.StatusFailed
		if r.Error == "" {
			r.Error = "agent returned non-terminal status"
		}
	}
	if r.Status == model.StatusFailed && r.Error == "" {
		r.Error = "agent failed without detail"
	}
	if r.Duration == 0 {
		r.Duration = time.Since(started).Seconds()
	}
	return r
}

// interruptedResult classifies a subtask cut short by the workflow context.
func interruptedResult(ctx context.Context, st model.SubTask) model.AgentResult {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return model.AgentResult{
			SubTaskID: st.ID,
			AgentType: st.AgentType,
			Status:    model.StatusFailed,
			Error:     "workflow_timeout: workflow deadline exceeded",
		}
	}
	return model.AgentResult{
		SubTaskID: st.ID,
		AgentType: st.AgentType,
		Status:    model.StatusCancelled,
		Error:     "cancelled",
	}
}

// ── terminal paths ─────────────────────────────────────────────────────

func (e *Engine) fail(rt *Runtime, result *model.OrchestratorResult, start time.Time, reason, message string) *model.OrchestratorResult {
	result.Status = model.StatusFailed
	result.Error = message
	result.Duration = time.Since(start).Seconds()
	result.Cost = totalCost(result)
	rt.Emit(stream.EventWorkflowFailed, map[string]any{
		"error":  message,
		"reason": reason,
	})
	rt.logger.Warn("Workflow failed", "reason", reason, "error", message)
	return result
}

// interrupt finalizes a cancelled or timed-out workflow with whatever
// results are in hand.
func (e *Engine) interrupt(rt *Runtime, result *model.OrchestratorResult, start time.Time, status model.TaskStatus, reason string, partial []model.AgentResult) *model.OrchestratorResult {
	result.AgentResults = partial
	result.Status = status
	result.Error = reason
	result.Duration = time.Since(start).Seconds()
	result.Cost = totalCost(result)

	if status == model.StatusCancelled {
		rt.Emit(stream.EventWorkflowCancelled, map[string]any{
			"cancelled_at":            time.Now().UTC().Format(time.RFC3339),
			"completed_before_cancel": countStatus(partial, model.StatusCompleted),
		})
		rt.logger.Info("Workflow cancelled",
			"reason", reason,
			"completed_before_cancel", countStatus(partial, model.StatusCompleted))
	} else {
		rt.Emit(stream.EventWorkflowFailed, map[string]any{
			"error":  "workflow exceeded its deadline",
			"reason": reason,
		})
		rt.logger.Warn("Workflow timed out", "completed", countStatus(partial, model.StatusCompleted))
	}
	return result
}

// interruption inspects the two context layers after a stage: a dead parent
// means cancellation (shutdown when the cancel cause says so), a dead stage
// deadline means workflow_timeout.
func interruption(parent, stage context.Context) (model.TaskStatus, string) {
	if parent.Err() != nil {
		reason := "cancelled"
		if me := model.AsError(context.Cause(parent)); me.Kind == model.KindShutdown {
			reason = "server_shutdown"
		}
		return model.StatusCancelled, reason
	}
	if errors.Is(stage.Err(), context.DeadlineExceeded) {
		return model.StatusFailed, "workflow_timeout"
	}
	return "", ""
}

// ── helpers ────────────────────────────────────────────────────────────

// workflowDeadline computes the hard overall deadline:
// max(configured, 1.5 x per-subtask timeout x subtask count).
func workflowDeadline(rt *Runtime, numSubtasks int) time.Duration {
	configured := rt.defaults.WorkflowTimeout()
	if rt.Config.WorkflowTimeoutSeconds > 0 {
		configured = time.Duration(rt.Config.WorkflowTimeoutSeconds * float64(time.Second))
	}
	floor := time.Duration(1.5 * float64(rt.PerSubtaskTimeout()) * float64(numSubtasks))
	if floor > configured {
		return floor
	}
	return configured
}

func subtaskSummaries(subtasks []model.SubTask) []map[string]any {
	out := make([]map[string]any, len(subtasks))
	for i, st := range subtasks {
		out[i] = map[string]any{
			"id":          st.ID,
			"description": shorten(st.Description, 100),
			"agent_type":  string(st.AgentType),
		}
	}
	return out
}

func countStatus(results []model.AgentResult, status model.TaskStatus) int {
	n := 0
	for _, r := range results {
		if r.Status == status {
			n++
		}
	}
	return n
}

func totalCost(result *model.OrchestratorResult) float64 {
	total := 0.0
	for _, r := range result.AgentResults {
		total += r.Cost
	}
	for _, s := range result.SynthesisResults {
		total += s.Cost
	}
	return total
}

func artifactRefs(docs []model.DocumentArtifact) []string {
	refs := make([]string, len(docs))
	for i, d := range docs {
		refs[i] = d.Name
	}
	return refs
}

func deriveTitle(task string) string {
	return shorten(task, 80)
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
