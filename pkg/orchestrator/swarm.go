package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/dreamwalker-ai/dreamwalker/pkg/model"
	"github.com/dreamwalker-ai/dreamwalker/pkg/provider"
	"github.com/dreamwalker-ai/dreamwalker/pkg/stream"
)

const (
	defaultNumAgents = 4
	maxNumAgents     = 12
)

// Swarm is the typed fan-out pattern: the query is classified into a
// multiset of specialised agent types (or the caller supplies the types
// explicitly), every agent runs the same query through its own prompt
// template, and one optional synthesis call collapses the findings.
type Swarm struct{}

func (s *Swarm) Name() string { return model.PatternSwarm }

func (s *Swarm) PlannedAgents(cfg model.WorkflowConfig) int {
	if len(cfg.AgentTypes) > 0 {
		return len(cfg.AgentTypes)
	}
	return numAgents(cfg)
}

func numAgents(cfg model.WorkflowConfig) int {
	n := cfg.NumAgents
	if n == 0 {
		n = defaultNumAgents
	}
	if n < 1 {
		n = 1
	}
	if n > maxNumAgents {
		n = maxNumAgents
	}
	return n
}

// ── classification ─────────────────────────────────────────────────────

// keywordRules maps query substrings to agent types, checked in palette
// order so classification is deterministic.
var keywordRules = []struct {
	agentType model.AgentType
	keywords  []string
}{
	{model.AgentText, []string{"article", "blog", "essay", "write-up"}},
	{model.AgentImage, []string{"image", "photo", "picture", "diagram"}},
	{model.AgentVideo, []string{"video", "watch", "footage"}},
	{model.AgentNews, []string{"news", "latest", "breaking", "headline"}},
	{model.AgentAcademic, []string{"paper", "study", "preprint", "research", "journal"}},
	{model.AgentSocial, []string{"social", "opinion", "sentiment", "discussion"}},
	{model.AgentProduct, []string{"price", "review", "buy", "product", "purchase"}},
	{model.AgentTechnical, []string{"code", "api", "implementation", "technical", "benchmark"}},
}

// classifyQuery returns the agent types whose keyword rules match the
// query, in palette order. No match selects general.
func classifyQuery(query string) []model.AgentType {
	q := strings.ToLower(query)
	var matched []model.AgentType
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(q, kw) {
				matched = append(matched, rule.agentType)
				break
			}
		}
	}
	if len(matched) == 0 {
		return []model.AgentType{model.AgentGeneral}
	}
	return matched
}

// Decompose selects the agent types for the query. Explicit agent_types
// are taken as given after palette validation; otherwise num_agents is
// distributed round-robin over the matched keyword rules. Every subtask
// carries the full query; swarm agents do not share work.
func (s *Swarm) Decompose(ctx context.Context, rt *Runtime) ([]model.SubTask, error) {
	types, err := s.selectTypes(rt.Config, rt.Task)
	if err != nil {
		return nil, err
	}

	subtasks := make([]model.SubTask, len(types))
	for i, at := range types {
		subtasks[i] = model.SubTask{
			ID:             model.NewSubTaskID(i),
			Description:    rt.Task,
			AgentType:      at,
			Specialisation: string(at),
			Priority:       i,
		}
	}
	return subtasks, nil
}

func (s *Swarm) selectTypes(cfg model.WorkflowConfig, query string) ([]model.AgentType, error) {
	if len(cfg.AgentTypes) > 0 {
		if err := ValidateSwarmTypes(cfg.AgentTypes); err != nil {
			return nil, err
		}
		return cfg.AgentTypes, nil
	}

	matched := classifyQuery(query)
	n := numAgents(cfg)
	out := make([]model.AgentType, n)
	for i := range out {
		out[i] = matched[i%len(matched)]
	}
	return out, nil
}

// ValidateSwarmTypes rejects agent types outside the swarm palette. The
// supervisor runs it at submit time so a bad allow-list fails the verb
// instead of the workflow.
func ValidateSwarmTypes(types []model.AgentType) error {
	for _, at := range types {
		if !isSwarmType(at) {
			return model.NewError(model.KindInvalidArguments, "agent type %q is not a swarm specialisation", at).
				WithDetail("field", "agent_types")
		}
	}
	return nil
}

func isSwarmType(at model.AgentType) bool {
	for _, st := range model.SwarmAgentTypes {
		if at == st {
			return true
		}
	}
	return false
}

// ── agent execution ────────────────────────────────────────────────────

func (s *Swarm) ExecuteSubtask(ctx context.Context, rt *Runtime, st model.SubTask) model.AgentResult {
	p, err := rt.Provider(rt.Config.Model)
	if err != nil {
		return model.AgentResult{Status: model.StatusFailed, Error: err.Error()}
	}

	system, user := swarmAgentPrompt(rt.Task, st.AgentType)
	started := time.Now()
	resp, err := p.Complete(ctx, provider.Request{
		Model:  rt.Config.Model,
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

// Synthesise collapses all completed findings in one executive-level call
// when synthesis is enabled. A failed call degrades to the raw findings.
func (s *Swarm) Synthesise(ctx context.Context, rt *Runtime, results []model.AgentResult) ([]model.SynthesisResult, string) {
	if !rt.Config.SynthesisEnabled() {
		return nil, ""
	}
	completed := completedResults(results)

	rt.Emit(stream.EventSynthesisStarted, map[string]any{
		"level":       string(model.SynthesisExecutive),
		"input_count": len(completed),
	})

	// The prompt sees the full result set so the synthesiser knows when
	// findings are missing; sources list only what it could read.
	system, user := swarmSynthesisPrompt(rt.Task, results)
	resp, dur, err := rt.Complete(ctx, rt.Config.Model, system, user, defaultExecutiveTimeout)
	if err != nil {
		rt.logger.Warn("Swarm synthesis failed", "error", err)
		rt.Emit(stream.EventSynthesisCompleted, map[string]any{
			"level":         string(model.SynthesisExecutive),
			"output_length": 0,
			"cost":          0.0,
		})
		return nil, ""
	}

	rt.Emit(stream.EventSynthesisCompleted, map[string]any{
		"level":         string(model.SynthesisExecutive),
		"output_length": len(resp.Content),
		"cost":          resp.Cost,
	})
	synth := model.SynthesisResult{
		ID:        model.NewSynthesisID(model.SynthesisExecutive),
		Level:     model.SynthesisExecutive,
		Content:   resp.Content,
		SourceIDs: resultIDs(completed),
		Duration:  dur,
		Cost:      resp.Cost,
	}
	return []model.SynthesisResult{synth}, synth.Content
}
