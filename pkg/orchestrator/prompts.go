package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dreamwalker-ai/dreamwalker/pkg/model"
)

// decompositionSystem instructs the planner call that splits a task into
// worker subtasks.
const decompositionSystem = `## Task Decomposition

You split a research task into independent, self-contained subtasks for
parallel workers. Each subtask must be answerable on its own without the
others' output.

Respond with a JSON array of subtask description strings and nothing else.`

const decompositionUserTemplate = `Task:
%s

Split this task into exactly %d independent subtasks. Respond with a JSON
array of %d strings.`

// workerSystem is the role preamble for hierarchical worker agents.
const workerSystem = `## Research Worker

You are one worker among several investigating parts of a larger task.
Answer your assigned subtask thoroughly and concretely. State findings as
facts with reasoning; do not speculate about the other workers.`

const workerUserTemplate = `Overall task:
%s

Your subtask:
%s`

// midSynthesisSystem drives the per-group synthesis tier.
const midSynthesisSystem = `## Mid-Level Synthesis

You merge the findings of a group of research workers into one coherent
intermediate summary. Preserve concrete facts and numbers, drop
repetition, and note open contradictions explicitly.`

const midSynthesisUserTemplate = `Overall task:
%s

Worker findings:

%s

Merge these findings into one intermediate summary.`

// executiveSynthesisSystem drives the final synthesis call.
const executiveSynthesisSystem = `## Executive Synthesis

You produce the final answer to the original task from intermediate
summaries. Write a complete, well-structured answer a reader can use
without seeing the underlying research.`

const executiveSynthesisUserTemplate = `Original task:
%s

Intermediate summaries:

%s

Write the final answer.`

// swarmSynthesisSystem collapses independent specialist findings.
const swarmSynthesisSystem = `## Swarm Synthesis

You combine the findings of independent specialist agents into one final
answer to the original query. Attribute conflicting claims to their
specialisms instead of silently resolving them.`

const swarmSynthesisUserTemplate = `Original query:
%s

Specialist findings:

%s

Write the final answer.`

// swarmAgentSystems assigns each swarm specialisation its role preamble.
var swarmAgentSystems = map[model.AgentType]string{
	model.AgentText:      "You research written sources and produce a textual analysis of the query.",
	model.AgentImage:     "You research visual material relevant to the query and describe what it shows.",
	model.AgentVideo:     "You research video coverage of the query and summarise what it contains.",
	model.AgentNews:      "You research recent news coverage of the query and report the current state.",
	model.AgentAcademic:  "You research academic literature: papers, studies, and preprints relevant to the query.",
	model.AgentSocial:    "You research social discussion of the query and summarise prevailing sentiment.",
	model.AgentProduct:   "You research products: prices, reviews, and buying considerations relevant to the query.",
	model.AgentTechnical: "You research the technical side of the query: implementations, APIs, and known issues.",
	model.AgentGeneral:   "You research the query broadly and report the most useful findings.",
}

const swarmAgentSystemPrefix = "## Specialist Agent\n\n"

const swarmAgentUserTemplate = `Query:
%s

Report your findings for this query from your specialism.`

func decompositionPrompt(task string, n int) (system, user string) {
	return decompositionSystem, fmt.Sprintf(decompositionUserTemplate, task, n, n)
}

func workerPrompt(task string, st model.SubTask) (system, user string) {
	return workerSystem, fmt.Sprintf(workerUserTemplate, task, st.Description)
}

func midSynthesisPrompt(task string, group []model.AgentResult) (system, user string) {
	return midSynthesisSystem, fmt.Sprintf(midSynthesisUserTemplate, task, formatFindings(group))
}

func executiveSynthesisPrompt(task string, summaries []string) (system, user string) {
	var sb strings.Builder
	for i, s := range summaries {
		fmt.Fprintf(&sb, "### Summary %d\n\n%s\n\n", i+1, s)
	}
	return executiveSynthesisSystem, fmt.Sprintf(executiveSynthesisUserTemplate, task, strings.TrimRight(sb.String(), "\n"))
}

func swarmAgentPrompt(query string, agentType model.AgentType) (system, user string) {
	role, ok := swarmAgentSystems[agentType]
	if !ok {
		role = swarmAgentSystems[model.AgentGeneral]
	}
	return swarmAgentSystemPrefix + role, fmt.Sprintf(swarmAgentUserTemplate, query)
}

func swarmSynthesisPrompt(query string, results []model.AgentResult) (system, user string) {
	return swarmSynthesisSystem, fmt.Sprintf(swarmSynthesisUserTemplate, query, formatFindings(results))
}

// formatFindings renders successful agent results as numbered sections.
// Failed agents are noted so synthesis knows the result set is partial.
func formatFindings(results []model.AgentResult) string {
	var sb strings.Builder
	n := 0
	for _, r := range results {
		if r.Status != model.StatusCompleted {
			continue
		}
		n++
		fmt.Fprintf(&sb, "### Finding %d (%s)\n\n%s\n\n", n, r.AgentType, r.Content)
	}
	failed := len(results) - n
	if failed > 0 {
		fmt.Fprintf(&sb, "(%d agent(s) did not complete; their findings are missing.)\n", failed)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// parseSubtaskList extracts a JSON array of subtask descriptions from a
// model response. Models wrap JSON in prose or code fences often enough
// that this scans for the outermost brackets instead of requiring a clean
// body. Returns nil when no usable array is present.
func parseSubtaskList(response string) []string {
	start := strings.Index(response, "[")
	end := strings.LastIndex(response, "]")
	if start < 0 || end <= start {
		return nil
	}
	raw := response[start : end+1]

	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err == nil {
		return cleanDescriptions(items)
	}

	// Some models return objects instead of bare strings.
	var objects []struct {
		Description string `json:"description"`
	}
	if err := json.Unmarshal([]byte(raw), &objects); err == nil {
		items = make([]string, 0, len(objects))
		for _, o := range objects {
			items = append(items, o.Description)
		}
		return cleanDescriptions(items)
	}
	return nil
}

func cleanDescriptions(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s := strings.TrimSpace(it); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
