package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamwalker-ai/dreamwalker/pkg/model"
)

func logEvent(workflowID string, seq int64, eventType string) model.StreamEvent {
	return model.StreamEvent{
		WorkflowID: workflowID,
		Seq:        seq,
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		Payload:    map[string]any{"type": eventType},
	}
}

func TestEventLogAppendsInOrderAndTrims(t *testing.T) {
	backend, _ := newRedisBackend(t)
	ctx := context.Background()

	log := NewEventLog(EventLogOptions{Backend: backend, Cap: 3})
	log.Start(ctx)
	defer log.Stop(ctx)

	for i := int64(0); i < 5; i++ {
		log.Append(logEvent("wf-1", i, "agent_progress"))
	}

	// The writer is asynchronous; wait for the last append to land.
	require.Eventually(t, func() bool {
		events, err := log.Recent(ctx, "wf-1", 0)
		return err == nil && len(events) > 0 && events[len(events)-1].Seq == 4
	}, time.Second, 5*time.Millisecond)

	events, err := log.Recent(ctx, "wf-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3, "cap must bound the retained tail")
	assert.Equal(t, int64(2), events[0].Seq)
	assert.Equal(t, int64(3), events[1].Seq)
	assert.Equal(t, int64(4), events[2].Seq)
	assert.Equal(t, "wf-1", events[0].WorkflowID)
	assert.Equal(t, "agent_progress", events[0].Type)
	assert.Zero(t, log.Dropped())
}

func TestEventLogRecentLimit(t *testing.T) {
	backend, _ := newRedisBackend(t)
	ctx := context.Background()

	log := NewEventLog(EventLogOptions{Backend: backend})
	log.Start(ctx)
	for i := int64(0); i < 4; i++ {
		log.Append(logEvent("wf-1", i, "agent_progress"))
	}
	log.Stop(ctx)

	tail, err := log.Recent(ctx, "wf-1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(2), tail[0].Seq)
	assert.Equal(t, int64(3), tail[1].Seq)
}

func TestEventLogStopDrainsQueuedAppends(t *testing.T) {
	backend, _ := newRedisBackend(t)
	ctx := context.Background()

	log := NewEventLog(EventLogOptions{Backend: backend, Cap: 10})
	log.Start(ctx)
	for i := int64(0); i < 4; i++ {
		log.Append(logEvent("wf-1", i, "workflow_started"))
	}
	log.Stop(ctx)

	events, err := log.Recent(ctx, "wf-1", 0)
	require.NoError(t, err)
	assert.Len(t, events, 4, "Stop must flush the queue before returning")

	// Appends after Stop are ignored, not counted dropped.
	log.Append(logEvent("wf-1", 4, "workflow_completed"))
	events, err = log.Recent(ctx, "wf-1", 0)
	require.NoError(t, err)
	assert.Len(t, events, 4)
	assert.Zero(t, log.Dropped())
}

func TestEventLogDropsWhenQueueFull(t *testing.T) {
	backend, _ := newRedisBackend(t)

	// Never started: nothing consumes the queue.
	log := NewEventLog(EventLogOptions{Backend: backend, Queue: 2})
	log.Append(logEvent("wf-1", 0, "workflow_started"))
	log.Append(logEvent("wf-1", 1, "agent_started"))
	log.Append(logEvent("wf-1", 2, "agent_completed"))

	assert.Equal(t, int64(1), log.Dropped())
}

func TestEventLogWithoutBackend(t *testing.T) {
	ctx := context.Background()

	log := NewEventLog(EventLogOptions{})
	log.Start(ctx)
	log.Append(logEvent("wf-1", 0, "workflow_started"))
	log.Stop(ctx)

	events, err := log.Recent(ctx, "wf-1", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}
