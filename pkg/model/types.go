// Package model defines the entities shared across the orchestration core:
// workflow records, subtasks, agent and synthesis results, stream events,
// and the structured error kinds surfaced at the verb boundary.
package model

import (
	"fmt"
	"time"
)

// Orchestrator pattern names.
const (
	PatternBeltalowda = "beltalowda"
	PatternSwarm      = "swarm"
)

// SubTask is one unit of work dispatched to a single agent.
type SubTask struct {
	ID             string    `json:"id"`
	Description    string    `json:"description"`
	AgentType      AgentType `json:"agent_type"`
	Specialisation string    `json:"specialisation,omitempty"`
	Priority       int       `json:"priority,omitempty"`
	// Prerequisites lists subtask IDs that must complete first. The graph
	// must be acyclic; the supplied orchestrators leave it empty.
	Prerequisites []string `json:"prerequisites,omitempty"`
}

// AgentResult is the terminal outcome of one subtask execution.
// Status is always terminal; failed results carry a populated Error.
type AgentResult struct {
	ID        string     `json:"id"`
	AgentType AgentType  `json:"agent_type"`
	SubTaskID string     `json:"subtask_id"`
	Content   string     `json:"content,omitempty"`
	Status    TaskStatus `json:"status"`
	Duration  float64    `json:"duration_seconds"`
	Cost      float64    `json:"cost_usd"`
	Error     string     `json:"error,omitempty"`
	Citations []string   `json:"citations,omitempty"`
}

// SynthesisResult is the output of one synthesis call over agent results.
type SynthesisResult struct {
	ID        string         `json:"id"`
	Level     SynthesisLevel `json:"level"`
	Content   string         `json:"content"`
	SourceIDs []string       `json:"source_result_ids"`
	Duration  float64        `json:"duration_seconds"`
	Cost      float64        `json:"cost_usd"`
}

// DocumentArtifact describes one rendered document.
type DocumentArtifact struct {
	Name   string `json:"name"`
	Format string `json:"format"`
	Size   int    `json:"size_bytes"`
}

// OrchestratorResult is the consolidated artifact of a finished workflow.
type OrchestratorResult struct {
	WorkflowID       string             `json:"workflow_id"`
	Title            string             `json:"title"`
	Status           TaskStatus         `json:"status"`
	AgentResults     []AgentResult      `json:"agent_results"`
	SynthesisResults []SynthesisResult  `json:"synthesis_results,omitempty"`
	FinalSynthesis   string             `json:"final_synthesis,omitempty"`
	Duration         float64            `json:"duration_seconds"`
	Cost             float64            `json:"total_cost_usd"`
	Documents        []DocumentArtifact `json:"documents,omitempty"`
	Error            string             `json:"error,omitempty"`
}

// WorkflowConfig is the caller-supplied configuration snapshot for one
// workflow. Zero values mean "use the pattern default". The Enable* fields
// are tri-state: nil defaults to enabled.
type WorkflowConfig struct {
	NumWorkers               int         `json:"num_workers,omitempty"`
	NumAgents                int         `json:"num_agents,omitempty"`
	GroupSize                int         `json:"group_size,omitempty"`
	EnableMid                *bool       `json:"enable_mid,omitempty"`
	EnableExecutive          *bool       `json:"enable_executive,omitempty"`
	EnableSynthesis          *bool       `json:"enable_synthesis,omitempty"`
	AgentTypes               []AgentType `json:"agent_types,omitempty"`
	Provider                 string      `json:"provider,omitempty"`
	Model                    string      `json:"model,omitempty"`
	WorkerModel              string      `json:"worker_model,omitempty"`
	MidModel                 string      `json:"mid_model,omitempty"`
	ExecutiveModel           string      `json:"executive_model,omitempty"`
	MaxConcurrentAgents      int         `json:"max_concurrent_agents,omitempty"`
	PerSubtaskTimeoutSeconds float64     `json:"per_subtask_timeout_seconds,omitempty"`
	WorkflowTimeoutSeconds   float64     `json:"workflow_timeout_seconds,omitempty"`
	GenerateDocuments        bool        `json:"generate_documents,omitempty"`
	DocumentFormats          []string    `json:"document_formats,omitempty"`
}

// WorkflowRecord tracks one workflow from submission to eviction.
type WorkflowRecord struct {
	ID          string         `json:"id"`
	Pattern     string         `json:"pattern"`
	Task        string         `json:"task"`
	Status      TaskStatus     `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Config      WorkflowConfig `json:"config"`
	Error       string         `json:"error,omitempty"`
}

// StreamEvent is one entry in a workflow's event stream. Seq is dense per
// workflow starting at 0; Timestamp marshals as RFC 3339.
type StreamEvent struct {
	WorkflowID string         `json:"workflow_id"`
	Seq        int64          `json:"seq"`
	Type       string         `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// WebhookRegistration binds a delivery URL (and optional HMAC secret) to a
// workflow. Counters track delivery outcomes across the workflow's lifetime.
type WebhookRegistration struct {
	WorkflowID string `json:"workflow_id"`
	URL        string `json:"url"`
	Secret     string `json:"-"`
	Delivered  int64  `json:"delivered"`
	Failed     int64  `json:"failed"`
}

// ValidateSubTasks checks that subtask IDs are unique and the prerequisite
// graph is acyclic. Prerequisites referencing unknown IDs are rejected.
func ValidateSubTasks(subtasks []SubTask) error {
	ids := make(map[string]int, len(subtasks))
	for i, st := range subtasks {
		if st.ID == "" {
			return fmt.Errorf("subtask %d has empty id", i)
		}
		if _, dup := ids[st.ID]; dup {
			return fmt.Errorf("duplicate subtask id %q", st.ID)
		}
		ids[st.ID] = i
	}

	// Kahn's algorithm over the prerequisite edges.
	indegree := make(map[string]int, len(subtasks))
	dependents := make(map[string][]string, len(subtasks))
	for _, st := range subtasks {
		for _, pre := range st.Prerequisites {
			if _, ok := ids[pre]; !ok {
				return fmt.Errorf("subtask %q requires unknown prerequisite %q", st.ID, pre)
			}
			indegree[st.ID]++
			dependents[pre] = append(dependents[pre], st.ID)
		}
	}

	queue := make([]string, 0, len(subtasks))
	for _, st := range subtasks {
		if indegree[st.ID] == 0 {
			queue = append(queue, st.ID)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited != len(subtasks) {
		return fmt.Errorf("prerequisite cycle detected among %d subtasks", len(subtasks)-visited)
	}
	return nil
}

// MidEnabled reports whether mid-tier synthesis is on (default true).
func (c WorkflowConfig) MidEnabled() bool {
	return c.EnableMid == nil || *c.EnableMid
}

// ExecutiveEnabled reports whether executive synthesis is on (default true).
func (c WorkflowConfig) ExecutiveEnabled() bool {
	return c.EnableExecutive == nil || *c.EnableExecutive
}

// SynthesisEnabled reports whether swarm synthesis is on (default true).
func (c WorkflowConfig) SynthesisEnabled() bool {
	return c.EnableSynthesis == nil || *c.EnableSynthesis
}
