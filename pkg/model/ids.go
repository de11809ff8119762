package model

import (
	"fmt"

	"github.com/google/uuid"
)

// NewWorkflowID returns a fresh workflow identity ("wf-" + UUIDv4).
func NewWorkflowID() string {
	return "wf-" + uuid.NewString()
}

// NewSubTaskID returns a subtask identity carrying its generation index, so
// logs and event payloads sort the way the decomposition did.
func NewSubTaskID(index int) string {
	return fmt.Sprintf("st-%d-%s", index, uuid.NewString()[:8])
}

// NewAgentID returns an agent result identity.
func NewAgentID() string {
	return "ag-" + uuid.NewString()[:8]
}

// NewSynthesisID returns a synthesis result identity for the given level.
func NewSynthesisID(level SynthesisLevel) string {
	return fmt.Sprintf("syn-%s-%s", level, uuid.NewString()[:8])
}
