package model

// TaskStatus is the lifecycle state of a workflow, subtask, or agent result.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is absorbing.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine permits from → to.
// pending may start running or be cancelled before starting; running may
// reach any terminal state; terminal states are absorbing.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

// AgentType identifies the role an agent plays within an orchestration
// pattern. worker/synthesiser/executive serve the hierarchical pattern;
// the remainder are swarm specialisations.
type AgentType string

const (
	AgentWorker      AgentType = "worker"
	AgentSynthesiser AgentType = "synthesiser"
	AgentExecutive   AgentType = "executive"
	AgentText        AgentType = "text"
	AgentImage       AgentType = "image"
	AgentVideo       AgentType = "video"
	AgentNews        AgentType = "news"
	AgentAcademic    AgentType = "academic"
	AgentSocial      AgentType = "social"
	AgentProduct     AgentType = "product"
	AgentTechnical   AgentType = "technical"
	AgentGeneral     AgentType = "general"
)

// SwarmAgentTypes lists the specialisations selectable by the swarm pattern,
// in palette order.
var SwarmAgentTypes = []AgentType{
	AgentText, AgentImage, AgentVideo, AgentNews,
	AgentAcademic, AgentSocial, AgentProduct, AgentTechnical, AgentGeneral,
}

// Valid reports whether t is a known agent type.
func (t AgentType) Valid() bool {
	switch t {
	case AgentWorker, AgentSynthesiser, AgentExecutive:
		return true
	}
	for _, st := range SwarmAgentTypes {
		if t == st {
			return true
		}
	}
	return false
}

// SynthesisLevel distinguishes the two synthesis tiers.
type SynthesisLevel string

const (
	SynthesisMid       SynthesisLevel = "mid"
	SynthesisExecutive SynthesisLevel = "executive"
)
