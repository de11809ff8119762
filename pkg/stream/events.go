// Package stream implements the per-workflow event bus: a bounded FIFO of
// lifecycle events per workflow with multi-consumer fan-out, replay of
// retained events, bounded-blocking backpressure, and TTL-based reaping.
//
// The bus sits between the orchestrators (producers) and the SSE/WebSocket
// transports and the webhook dispatcher (consumers). Publish is linearisable
// per workflow: sequence numbers are dense starting at 0 and every
// subscriber observes events in sequence order.
package stream

// Workflow lifecycle events.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"

	// EventShuttingDown is broadcast to every active workflow when the
	// process receives a termination signal.
	EventShuttingDown = "shutting_down"
)

// Orchestration progress events.
const (
	EventTaskDecomposed     = "task_decomposed"
	EventAgentStarted       = "agent_started"
	EventAgentProgress      = "agent_progress"
	EventAgentCompleted     = "agent_completed"
	EventSynthesisStarted   = "synthesis_started"
	EventSynthesisCompleted = "synthesis_completed"
	EventDocumentsGenerated = "documents_generated"
)

// IsTerminalEvent reports whether the event type ends a workflow's stream.
// SSE connections close after relaying one of these.
func IsTerminalEvent(eventType string) bool {
	switch eventType {
	case EventWorkflowCompleted, EventWorkflowFailed, EventWorkflowCancelled:
		return true
	}
	return false
}
