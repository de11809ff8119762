package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamwalker-ai/dreamwalker/pkg/model"
	"github.com/dreamwalker-ai/dreamwalker/pkg/provider"
	"github.com/dreamwalker-ai/dreamwalker/pkg/stream"
)

// scriptHappyPath wires a complete three-worker run: decomposition,
// three differentiated workers, one mid group, one executive summary.
func scriptHappyPath(mock *provider.Mock) {
	mock.AddRouted("Split this task into exactly",
		provider.MockEntry{Content: `["alpha facet", "beta facet", "gamma facet"]`})
	mock.AddRouted("alpha facet", provider.MockEntry{Content: "finding A"})
	mock.AddRouted("beta facet", provider.MockEntry{Content: "finding B"})
	mock.AddRouted("gamma facet", provider.MockEntry{Content: "finding C"})
	mock.AddRouted("Merge these findings", provider.MockEntry{Content: "merged group summary"})
	mock.AddRouted("Intermediate summaries:", provider.MockEntry{Content: "the final answer"})
}

func TestBeltalowdaLifecycleEventOrder(t *testing.T) {
	eng, mock, events := newTestEngine(t)
	scriptHappyPath(mock)

	cfg := model.WorkflowConfig{NumWorkers: 3, GroupSize: 3}
	result := runToResult(t, eng, workflowRecord(model.PatternBeltalowda, "research topic X", cfg))

	assert.Equal(t, model.StatusCompleted, result.Status)
	assert.Equal(t, "the final answer", result.FinalSynthesis)
	assert.Greater(t, result.Cost, 0.0)

	require.Len(t, result.AgentResults, 3)
	for _, ar := range result.AgentResults {
		assert.Equal(t, model.StatusCompleted, ar.Status)
		assert.Equal(t, model.AgentWorker, ar.AgentType)
	}

	require.Len(t, result.SynthesisResults, 2)
	mid, executive := result.SynthesisResults[0], result.SynthesisResults[1]
	assert.Equal(t, model.SynthesisMid, mid.Level)
	assert.Equal(t, "merged group summary", mid.Content)
	assert.ElementsMatch(t, resultIDs(result.AgentResults), mid.SourceIDs)
	assert.Equal(t, model.SynthesisExecutive, executive.Level)
	assert.Equal(t, []string{mid.ID}, executive.SourceIDs)

	types := events.types()
	require.Len(t, types, 13)
	assert.Equal(t, stream.EventWorkflowStarted, types[0])
	assert.Equal(t, stream.EventTaskDecomposed, types[1])
	for _, typ := range types[2:8] {
		assert.Contains(t, []string{stream.EventAgentStarted, stream.EventAgentCompleted}, typ)
	}
	assert.Equal(t, stream.EventSynthesisStarted, types[8])
	assert.Equal(t, stream.EventSynthesisCompleted, types[9])
	assert.Equal(t, stream.EventSynthesisStarted, types[10])
	assert.Equal(t, stream.EventSynthesisCompleted, types[11])
	assert.Equal(t, stream.EventWorkflowCompleted, types[12])

	all := events.all()
	assert.Equal(t, 3, all[0].Payload["num_agents"])
	assert.Equal(t, model.PatternBeltalowda, all[0].Payload["pattern"])
	assert.Equal(t, 3, all[1].Payload["subtask_count"])
	assert.Equal(t, "mid", all[8].Payload["level"])
	assert.Equal(t, 3, all[8].Payload["input_count"])
	assert.Equal(t, "executive", all[10].Payload["level"])
	assert.Equal(t, 1, all[10].Payload["input_count"])
	assert.Equal(t, result.Cost, all[12].Payload["total_cost"])

	// Each agent's started precedes its completed.
	startedAt := map[string]int{}
	for i, ev := range all[2:8] {
		id := ev.Payload["agent_id"].(string)
		if ev.Type == stream.EventAgentStarted {
			startedAt[id] = i
		} else {
			begin, seen := startedAt[id]
			assert.True(t, seen, "agent %s completed before it started", id)
			assert.Less(t, begin, i)
		}
	}
	assert.Len(t, startedAt, 3)
}

func TestBeltalowdaPartialFailureStillCompletes(t *testing.T) {
	eng, mock, events := newTestEngine(t)
	mock.AddRouted("Split this task into exactly",
		provider.MockEntry{Content: `["alpha facet", "beta facet", "gamma facet"]`})
	mock.AddRouted("alpha facet", provider.MockEntry{Content: "finding A"})
	mock.AddRouted("beta facet", provider.MockEntry{Err: fmt.Errorf("worker exploded")})
	mock.AddRouted("gamma facet", provider.MockEntry{Content: "finding C"})
	mock.AddRouted("Merge these findings", provider.MockEntry{Content: "merged without B"})
	mock.AddRouted("Intermediate summaries:", provider.MockEntry{Content: "final despite failure"})

	cfg := model.WorkflowConfig{NumWorkers: 3, GroupSize: 3}
	result := runToResult(t, eng, workflowRecord(model.PatternBeltalowda, "research topic X", cfg))

	assert.Equal(t, model.StatusCompleted, result.Status)
	assert.Equal(t, "final despite failure", result.FinalSynthesis)
	assert.Equal(t, 2, countStatus(result.AgentResults, model.StatusCompleted))
	assert.Equal(t, 1, countStatus(result.AgentResults, model.StatusFailed))

	failedEvents := 0
	for _, ev := range events.byType(stream.EventAgentCompleted) {
		if ev.Payload["status"] == "failed" {
			failedEvents++
		}
	}
	assert.Equal(t, 1, failedEvents)

	// Mid synthesis only sees the two completed findings.
	mid := result.SynthesisResults[0]
	assert.Len(t, mid.SourceIDs, 2)

	var midPrompt string
	for _, call := range mock.Calls() {
		if strings.Contains(call.Prompt, "Merge these findings") {
			midPrompt = call.Prompt
		}
	}
	require.NotEmpty(t, midPrompt)
	assert.Contains(t, midPrompt, "finding A")
	assert.Contains(t, midPrompt, "finding C")
	assert.NotContains(t, midPrompt, "worker exploded")
}

func TestBeltalowdaDecomposeShaping(t *testing.T) {
	decompose := func(t *testing.T, response string, n int) []model.SubTask {
		t.Helper()
		eng, mock, _ := newTestEngine(t)
		mock.AddSequential(provider.MockEntry{Content: response})
		rt := testRuntime(eng, "padded task", model.WorkflowConfig{NumWorkers: n})
		subtasks, err := (&Beltalowda{}).Decompose(context.Background(), rt)
		require.NoError(t, err)
		require.NoError(t, model.ValidateSubTasks(subtasks))
		return subtasks
	}

	t.Run("short list pads with the residual task", func(t *testing.T) {
		subtasks := decompose(t, `["one", "two"]`, 4)
		require.Len(t, subtasks, 4)
		assert.Equal(t, "one", subtasks[0].Description)
		assert.Equal(t, "two", subtasks[1].Description)
		assert.Contains(t, subtasks[2].Description, "Aspect 3 of: padded task")
		assert.Contains(t, subtasks[3].Description, "Aspect 4 of: padded task")
	})

	t.Run("long list truncates stably", func(t *testing.T) {
		subtasks := decompose(t, `["a","b","c","d","e","f"]`, 4)
		require.Len(t, subtasks, 4)
		assert.Equal(t, "d", subtasks[3].Description)
		for i, st := range subtasks {
			assert.Equal(t, i, st.Priority)
			assert.Equal(t, model.AgentWorker, st.AgentType)
		}
	})

	t.Run("unparseable response splits mechanically", func(t *testing.T) {
		subtasks := decompose(t, "I refuse to answer in JSON.", 3)
		require.Len(t, subtasks, 3)
		for i, st := range subtasks {
			assert.Contains(t, st.Description, fmt.Sprintf("Aspect %d of:", i+1))
		}
	})

	t.Run("fenced json is still parsed", func(t *testing.T) {
		subtasks := decompose(t, "Here you go:\n```json\n[\"x\", \"y\"]\n```", 2)
		require.Len(t, subtasks, 2)
		assert.Equal(t, "x", subtasks[0].Description)
	})
}

func TestBeltalowdaDecomposeProviderErrorFailsWorkflow(t *testing.T) {
	eng, mock, events := newTestEngine(t)
	mock.AddRouted("Split this task into exactly",
		provider.MockEntry{Err: fmt.Errorf("provider_error: upstream 500")})

	result := runToResult(t, eng, workflowRecord(model.PatternBeltalowda, "task", model.WorkflowConfig{}))

	assert.Equal(t, model.StatusFailed, result.Status)
	failed := events.byType(stream.EventWorkflowFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "decompose_failed", failed[0].Payload["reason"])
	assert.Empty(t, events.byType(stream.EventAgentStarted))
}

func TestBeltalowdaMidGroupFailureSkipsGroup(t *testing.T) {
	eng, mock, _ := newTestEngine(t)
	mock.AddRouted("Split this task into exactly",
		provider.MockEntry{Content: `["alpha one", "alpha two", "beta one", "beta two"]`})
	mock.AddRouted("alpha one", provider.MockEntry{Content: "finding A1"})
	mock.AddRouted("alpha two", provider.MockEntry{Content: "finding A2"})
	mock.AddRouted("beta one", provider.MockEntry{Content: "finding B1"})
	mock.AddRouted("beta two", provider.MockEntry{Content: "finding B2"})
	// Group one dies, group two survives.
	mock.AddRouted("finding A1", provider.MockEntry{Err: fmt.Errorf("synthesis oom")})
	mock.AddRouted("finding B1", provider.MockEntry{Content: "beta group summary"})
	mock.AddRouted("Intermediate summaries:", provider.MockEntry{Content: "final from beta only"})

	cfg := model.WorkflowConfig{NumWorkers: 4, GroupSize: 2}
	result := runToResult(t, eng, workflowRecord(model.PatternBeltalowda, "topic", cfg))

	assert.Equal(t, model.StatusCompleted, result.Status)
	assert.Equal(t, "final from beta only", result.FinalSynthesis)

	require.Len(t, result.SynthesisResults, 2)
	mid, executive := result.SynthesisResults[0], result.SynthesisResults[1]
	assert.Equal(t, model.SynthesisMid, mid.Level)
	assert.Equal(t, "beta group summary", mid.Content)
	assert.Len(t, mid.SourceIDs, 2)
	assert.Equal(t, []string{mid.ID}, executive.SourceIDs)
}

func TestBeltalowdaAllMidGroupsFailSkipExecutive(t *testing.T) {
	eng, mock, events := newTestEngine(t)
	mock.AddRouted("Split this task into exactly", provider.MockEntry{Content: `["p", "q"]`})
	mock.AddRouted("Merge these findings", provider.MockEntry{Err: fmt.Errorf("down")})

	cfg := model.WorkflowConfig{NumWorkers: 2, GroupSize: 5}
	result := runToResult(t, eng, workflowRecord(model.PatternBeltalowda, "topic", cfg))

	// Raw worker results are the best remaining artifact.
	assert.Equal(t, model.StatusCompleted, result.Status)
	assert.Empty(t, result.SynthesisResults)
	assert.Empty(t, result.FinalSynthesis)
	assert.Equal(t, 2, countStatus(result.AgentResults, model.StatusCompleted))

	for _, call := range mock.Calls() {
		assert.NotContains(t, call.Prompt, "Intermediate summaries:",
			"executive synthesis must not run when every group failed")
	}
	// The mid pair is still closed; no executive pair follows.
	assert.Len(t, events.byType(stream.EventSynthesisStarted), 1)
	assert.Len(t, events.byType(stream.EventSynthesisCompleted), 1)
}

func TestBeltalowdaMidDisabledFeedsWorkersToExecutive(t *testing.T) {
	eng, mock, events := newTestEngine(t)
	mock.AddRouted("Split this task into exactly", provider.MockEntry{Content: `["p", "q"]`})
	mock.AddRouted("Intermediate summaries:", provider.MockEntry{Content: "straight to the top"})

	off := false
	cfg := model.WorkflowConfig{NumWorkers: 2, EnableMid: &off}
	result := runToResult(t, eng, workflowRecord(model.PatternBeltalowda, "topic", cfg))

	assert.Equal(t, model.StatusCompleted, result.Status)
	assert.Equal(t, "straight to the top", result.FinalSynthesis)

	require.Len(t, result.SynthesisResults, 1)
	executive := result.SynthesisResults[0]
	assert.Equal(t, model.SynthesisExecutive, executive.Level)
	assert.ElementsMatch(t, resultIDs(result.AgentResults), executive.SourceIDs)

	started := events.byType(stream.EventSynthesisStarted)
	require.Len(t, started, 1)
	assert.Equal(t, "executive", started[0].Payload["level"])
	assert.Equal(t, 2, started[0].Payload["input_count"])
}

func TestBeltalowdaExecutiveDisabledKeepsMidSummaries(t *testing.T) {
	eng, mock, events := newTestEngine(t)
	mock.AddRouted("Split this task into exactly", provider.MockEntry{Content: `["p", "q"]`})
	mock.AddRouted("Merge these findings", provider.MockEntry{Content: "mid only"})

	off := false
	cfg := model.WorkflowConfig{NumWorkers: 2, EnableExecutive: &off}
	result := runToResult(t, eng, workflowRecord(model.PatternBeltalowda, "topic", cfg))

	assert.Equal(t, model.StatusCompleted, result.Status)
	assert.Empty(t, result.FinalSynthesis)
	require.Len(t, result.SynthesisResults, 1)
	assert.Equal(t, model.SynthesisMid, result.SynthesisResults[0].Level)

	started := events.byType(stream.EventSynthesisStarted)
	require.Len(t, started, 1)
	assert.Equal(t, "mid", started[0].Payload["level"])
}

func TestBeltalowdaSynthesisFullyDisabled(t *testing.T) {
	eng, mock, events := newTestEngine(t)
	mock.AddRouted("Split this task into exactly", provider.MockEntry{Content: `["p", "q"]`})

	off := false
	cfg := model.WorkflowConfig{NumWorkers: 2, EnableMid: &off, EnableExecutive: &off}
	result := runToResult(t, eng, workflowRecord(model.PatternBeltalowda, "topic", cfg))

	assert.Equal(t, model.StatusCompleted, result.Status)
	assert.Empty(t, result.SynthesisResults)
	assert.Empty(t, result.FinalSynthesis)
	assert.Empty(t, events.byType(stream.EventSynthesisStarted))
	assert.Equal(t, 2, countStatus(result.AgentResults, model.StatusCompleted))
}

func TestBeltalowdaModelOverridesPerLevel(t *testing.T) {
	eng, mock, _ := newTestEngine(t)
	scriptHappyPath(mock)

	cfg := model.WorkflowConfig{
		NumWorkers:     3,
		GroupSize:      3,
		Model:          "base-m",
		WorkerModel:    "worker-m",
		ExecutiveModel: "exec-m",
	}
	result := runToResult(t, eng, workflowRecord(model.PatternBeltalowda, "topic", cfg))
	require.Equal(t, model.StatusCompleted, result.Status)

	for _, call := range mock.Calls() {
		switch {
		case strings.Contains(call.Prompt, "Split this task into exactly"):
			assert.Equal(t, "base-m", call.Model, "decomposition uses the base model")
		case strings.Contains(call.Prompt, "Your subtask:"):
			assert.Equal(t, "worker-m", call.Model, "workers use the worker model")
		case strings.Contains(call.Prompt, "Merge these findings"):
			assert.Equal(t, "base-m", call.Model, "mid falls back to the base model")
		case strings.Contains(call.Prompt, "Intermediate summaries:"):
			assert.Equal(t, "exec-m", call.Model, "executive uses its own model")
		default:
			t.Fatalf("unrecognised call prompt: %.80s", call.Prompt)
		}
	}
}

func TestNumWorkersClamp(t *testing.T) {
	assert.Equal(t, defaultNumWorkers, numWorkers(model.WorkflowConfig{}))
	assert.Equal(t, 1, numWorkers(model.WorkflowConfig{NumWorkers: -5}))
	assert.Equal(t, 5, numWorkers(model.WorkflowConfig{NumWorkers: 5}))
	assert.Equal(t, maxNumWorkers, numWorkers(model.WorkflowConfig{NumWorkers: 50}))
}

func TestGroupResults(t *testing.T) {
	results := make([]model.AgentResult, 7)
	for i := range results {
		results[i].ID = fmt.Sprintf("ag-%d", i)
	}

	groups := groupResults(results, 3)
	require.Len(t, groups, 3)
	assert.Len(t, groups[0], 3)
	assert.Len(t, groups[1], 3)
	assert.Len(t, groups[2], 1)
	assert.Equal(t, "ag-6", groups[2][0].ID)

	assert.Empty(t, groupResults(nil, 3))
}
