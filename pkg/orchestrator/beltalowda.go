package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dreamwalker-ai/dreamwalker/pkg/model"
	"github.com/dreamwalker-ai/dreamwalker/pkg/provider"
	"github.com/dreamwalker-ai/dreamwalker/pkg/stream"
)

const (
	defaultNumWorkers = 8
	maxNumWorkers     = 20
	defaultGroupSize  = 5

	defaultMidTimeout       = 240 * time.Second
	defaultExecutiveTimeout = 300 * time.Second
)

// Beltalowda is the hierarchical pattern: an LLM decomposition splits the
// task into one subtask per worker, workers run in parallel, and the results
// are condensed through a mid tier (one synthesis per group of workers) into
// a single executive summary. It holds no state; everything flows through
// the Runtime.
type Beltalowda struct{}

func (b *Beltalowda) Name() string { return model.PatternBeltalowda }

func (b *Beltalowda) PlannedAgents(cfg model.WorkflowConfig) int { return numWorkers(cfg) }

// numWorkers clamps the configured fan-out to [1, 20], defaulting to 8.
func numWorkers(cfg model.WorkflowConfig) int {
	n := cfg.NumWorkers
	if n == 0 {
		n = defaultNumWorkers
	}
	if n < 1 {
		n = 1
	}
	if n > maxNumWorkers {
		n = maxNumWorkers
	}
	return n
}

func groupSize(cfg model.WorkflowConfig) int {
	if cfg.GroupSize > 0 {
		return cfg.GroupSize
	}
	return defaultGroupSize
}

// ── decomposition ──────────────────────────────────────────────────────

// Decompose asks the base model to split the task into exactly numWorkers
// subtask descriptions. The model's output is untrusted: an unparseable
// response falls back to a mechanical split, and short or long lists are
// padded and truncated so the fan-out width never depends on the model.
func (b *Beltalowda) Decompose(ctx context.Context, rt *Runtime) ([]model.SubTask, error) {
	n := numWorkers(rt.Config)
	p, err := rt.Provider(rt.Config.Model)
	if err != nil {
		return nil, err
	}

	system, user := decompositionPrompt(rt.Task, n)
	resp, err := p.Complete(ctx, provider.Request{
		Model:  rt.Config.Model,
		System: system,
		Prompt: user,
	})
	if err != nil {
		return nil, err
	}

	descs := cleanDescriptions(parseSubtaskList(resp.Content))
	if len(descs) == 0 {
		rt.logger.Warn("Decomposition response unparseable, splitting mechanically",
			"response_len", len(resp.Content))
	}
	descs = fitDescriptions(descs, rt.Task, n)

	subtasks := make([]model.SubTask, n)
	for i, desc := range descs {
		subtasks[i] = model.SubTask{
			ID:          model.NewSubTaskID(i),
			Description: desc,
			AgentType:   model.AgentWorker,
			Priority:    i,
		}
	}
	return subtasks, nil
}

// fitDescriptions pads or truncates to exactly n entries. Padding repeats
// the original task so every worker still has a usable assignment.
func fitDescriptions(descs []string, task string, n int) []string {
	if len(descs) > n {
		return descs[:n]
	}
	for i := len(descs); i < n; i++ {
		descs = append(descs, fmt.Sprintf("Aspect %d of: %s", i+1, task))
	}
	return descs
}

// ── worker execution ───────────────────────────────────────────────────

func (b *Beltalowda) ExecuteSubtask(ctx context.Context, rt *Runtime, st model.SubTask) model.AgentResult {
	modelID := pickModel(rt.Config.WorkerModel, rt.Config.Model)
	p, err := rt.Provider(modelID)
	if err != nil {
		return model.AgentResult{Status: model.StatusFailed, Error: err.Error()}
	}

	system, user := workerPrompt(rt.Task, st)
	started := time.Now()
	resp, err := p.Complete(ctx, provider.Request{
		Model:  modelID,
		System: system,
		Prompt: user,
	})
	if err != nil {
		return model.AgentResult{
			Status:   model.StatusFailed,
			Error:    err.Error(),
			Duration: time.Since(started).Seconds(),
		}
	}
	return model.AgentResult{
		Content:  resp.Content,
		Status:   model.StatusCompleted,
		Duration: time.Since(started).Seconds(),
		Cost:     resp.Cost,
	}
}

// ── synthesis ──────────────────────────────────────────────────────────

// Synthesise condenses worker findings through the enabled tiers. Each tier
// emits one synthesis_started / synthesis_completed pair. Failed mid groups
// are skipped; if every group fails the executive tier is skipped and the
// raw worker findings stand. An executive failure returns whatever mid
// summaries exist with no final text. Nothing here propagates an error.
func (b *Beltalowda) Synthesise(ctx context.Context, rt *Runtime, results []model.AgentResult) ([]model.SynthesisResult, string) {
	completed := completedResults(results)
	var synths []model.SynthesisResult

	execInputs := make([]string, 0, len(completed))
	execSources := make([]string, 0, len(completed))

	if rt.Config.MidEnabled() {
		mids := b.midTier(ctx, rt, completed)
		synths = append(synths, mids...)
		if len(mids) == 0 {
			return synths, ""
		}
		for _, m := range mids {
			execInputs = append(execInputs, m.Content)
			execSources = append(execSources, m.ID)
		}
	} else {
		for _, r := range completed {
			execInputs = append(execInputs, r.Content)
			execSources = append(execSources, r.ID)
		}
	}

	if !rt.Config.ExecutiveEnabled() {
		return synths, ""
	}

	executive, ok := b.executiveTier(ctx, rt, execInputs, execSources)
	if !ok {
		return synths, ""
	}
	synths = append(synths, executive)
	return synths, executive.Content
}

// midTier synthesises contiguous groups of completed results in parallel
// and keeps the groups that succeeded, in group order.
func (b *Beltalowda) midTier(ctx context.Context, rt *Runtime, completed []model.AgentResult) []model.SynthesisResult {
	groups := groupResults(completed, groupSize(rt.Config))
	rt.Emit(stream.EventSynthesisStarted, map[string]any{
		"level":       string(model.SynthesisMid),
		"input_count": len(completed),
	})

	modelID := pickModel(rt.Config.MidModel, rt.Config.Model)

	type indexedSynthesis struct {
		index int
		synth model.SynthesisResult
		ok    bool
	}
	out := make(chan indexedSynthesis, len(groups))
	var wg sync.WaitGroup
	for i, group := range groups {
		wg.Add(1)
		go func(idx int, group []model.AgentResult) {
			defer wg.Done()
			s, ok := b.synthesiseGroup(ctx, rt, modelID, group)
			out <- indexedSynthesis{idx, s, ok}
		}(i, group)
	}
	wg.Wait()
	close(out)

	collected := make([]*model.SynthesisResult, len(groups))
	for is := range out {
		if is.ok {
			s := is.synth
			collected[is.index] = &s
		}
	}

	var mids []model.SynthesisResult
	outputLen := 0
	cost := 0.0
	for _, s := range collected {
		if s == nil {
			continue
		}
		mids = append(mids, *s)
		outputLen += len(s.Content)
		cost += s.Cost
	}
	rt.Emit(stream.EventSynthesisCompleted, map[string]any{
		"level":         string(model.SynthesisMid),
		"output_length": outputLen,
		"cost":          cost,
	})
	return mids
}

func (b *Beltalowda) synthesiseGroup(ctx context.Context, rt *Runtime, modelID string, group []model.AgentResult) (model.SynthesisResult, bool) {
	system, user := midSynthesisPrompt(rt.Task, group)
	resp, dur, err := rt.Complete(ctx, modelID, system, user, defaultMidTimeout)
	if err != nil {
		rt.logger.Warn("Mid synthesis group failed", "group_size", len(group), "error", err)
		return model.SynthesisResult{}, false
	}
	return model.SynthesisResult{
		ID:        model.NewSynthesisID(model.SynthesisMid),
		Level:     model.SynthesisMid,
		Content:   resp.Content,
		SourceIDs: resultIDs(group),
		Duration:  dur,
		Cost:      resp.Cost,
	}, true
}

// executiveTier produces the final summary over the mid summaries (or the
// raw worker findings when the mid tier is disabled).
func (b *Beltalowda) executiveTier(ctx context.Context, rt *Runtime, inputs, sources []string) (model.SynthesisResult, bool) {
	rt.Emit(stream.EventSynthesisStarted, map[string]any{
		"level":       string(model.SynthesisExecutive),
		"input_count": len(inputs),
	})

	modelID := pickModel(rt.Config.ExecutiveModel, rt.Config.Model)
	system, user := executiveSynthesisPrompt(rt.Task, inputs)
	resp, dur, err := rt.Complete(ctx, modelID, system, user, defaultExecutiveTimeout)
	if err != nil {
		rt.logger.Warn("Executive synthesis failed", "error", err)
		rt.Emit(stream.EventSynthesisCompleted, map[string]any{
			"level":         string(model.SynthesisExecutive),
			"output_length": 0,
			"cost":          0.0,
		})
		return model.SynthesisResult{}, false
	}

	rt.Emit(stream.EventSynthesisCompleted, map[string]any{
		"level":         string(model.SynthesisExecutive),
		"output_length": len(resp.Content),
		"cost":          resp.Cost,
	})
	return model.SynthesisResult{
		ID:        model.NewSynthesisID(model.SynthesisExecutive),
		Level:     model.SynthesisExecutive,
		Content:   resp.Content,
		SourceIDs: sources,
		Duration:  dur,
		Cost:      resp.Cost,
	}, true
}

// ── shared pattern helpers ─────────────────────────────────────────────

func pickModel(override, base string) string {
	if override != "" {
		return override
	}
	return base
}

func completedResults(results []model.AgentResult) []model.AgentResult {
	out := make([]model.AgentResult, 0, len(results))
	for _, r := range results {
		if r.Status == model.StatusCompleted {
			out = append(out, r)
		}
	}
	return out
}

func resultIDs(results []model.AgentResult) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	return ids
}

// groupResults splits results into contiguous groups of at most size.
func groupResults(results []model.AgentResult, size int) [][]model.AgentResult {
	var groups [][]model.AgentResult
	for start := 0; start < len(results); start += size {
		end := start + size
		if end > len(results) {
			end = len(results)
		}
		groups = append(groups, results[start:end])
	}
	return groups
}
