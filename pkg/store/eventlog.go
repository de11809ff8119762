package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dreamwalker-ai/dreamwalker/pkg/model"
)

const (
	defaultEventLogCap   = 1000
	defaultEventLogQueue = 1024
)

// EventLogOptions configures the durable stream log.
type EventLogOptions struct {
	Backend Backend
	// Cap is the number of events retained per workflow.
	Cap int
	// Queue is the pending-write buffer size.
	Queue int
}

// EventLog replicates stream events into the durable backend as one capped
// append-only list per workflow. Appends are queued and written by a single
// goroutine, preserving publish order; the live bus stays authoritative and
// the log-behind is best-effort, so a full queue drops rather than delays.
type EventLog struct {
	backend Backend
	cap     int64
	queue   chan model.StreamEvent
	logger  *slog.Logger

	dropped  atomic.Int64
	stopping atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewEventLog builds an event log. A nil Backend degrades to NopBackend,
// making every append a cheap no-op.
func NewEventLog(opts EventLogOptions) *EventLog {
	if opts.Backend == nil {
		opts.Backend = NopBackend{}
	}
	if opts.Cap <= 0 {
		opts.Cap = defaultEventLogCap
	}
	if opts.Queue <= 0 {
		opts.Queue = defaultEventLogQueue
	}
	return &EventLog{
		backend: opts.Backend,
		cap:     int64(opts.Cap),
		queue:   make(chan model.StreamEvent, opts.Queue),
		logger:  slog.Default().With("component", "eventlog"),
		done:    make(chan struct{}),
	}
}

// Start launches the writer goroutine.
func (l *EventLog) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	go l.run(ctx)
	l.logger.Info("Event log started", "cap", l.cap)
}

// Stop ends the writer after draining queued appends. If the context
// expires first the drain continues in the background.
func (l *EventLog) Stop(ctx context.Context) {
	l.stopOnce.Do(func() {
		l.stopping.Store(true)
		if l.cancel != nil {
			l.cancel()
		}
		select {
		case <-l.done:
		case <-ctx.Done():
			l.logger.Warn("Event log drain budget exhausted", "pending", len(l.queue))
		}
		l.logger.Info("Event log stopped")
	})
}

// Append enqueues one event for replication. Registered as a bus listener,
// so it runs on the publish path and must never block: a full queue counts
// the event dropped instead.
func (l *EventLog) Append(ev model.StreamEvent) {
	if l.stopping.Load() {
		return
	}
	select {
	case l.queue <- ev:
	default:
		l.dropped.Add(1)
		l.logger.Warn("Event log queue full, dropping event",
			"workflow_id", ev.WorkflowID, "seq", ev.Seq)
	}
}

// Dropped reports how many events were lost to a full queue.
func (l *EventLog) Dropped() int64 {
	return l.dropped.Load()
}

// Recent reads back the retained tail of a workflow's log, oldest first.
// limit <= 0 reads everything retained. This is the cross-process view of a
// stream: another process can inspect history without a live subscription.
func (l *EventLog) Recent(ctx context.Context, workflowID string, limit int64) ([]model.StreamEvent, error) {
	start := int64(0)
	if limit > 0 {
		start = -limit
	}
	raws, err := l.backend.ListRange(ctx, StreamKey(workflowID), start, -1)
	if err != nil {
		return nil, fmt.Errorf("read stream log: %w", err)
	}
	events := make([]model.StreamEvent, 0, len(raws))
	for _, raw := range raws {
		var ev model.StreamEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			l.logger.Warn("Skipping undecodable event log entry", "workflow_id", workflowID, "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (l *EventLog) run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case ev := <-l.queue:
			l.write(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-l.queue:
					l.write(ev)
				default:
					return
				}
			}
		}
	}
}

// write lands one event in the backend. Like the store's record
// replication, failures are logged and never surfaced.
func (l *EventLog) write(ev model.StreamEvent) {
	raw, err := json.Marshal(ev)
	if err != nil {
		l.logger.Warn("Failed to encode event for the log", "workflow_id", ev.WorkflowID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), replicationTimeout)
	defer cancel()
	if err := l.backend.ListAppend(ctx, StreamKey(ev.WorkflowID), string(raw), l.cap, completedTTL); err != nil {
		l.logger.Warn("Event log append failed",
			"workflow_id", ev.WorkflowID, "seq", ev.Seq, "error", err)
	}
}
