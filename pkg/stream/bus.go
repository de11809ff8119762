package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dreamwalker-ai/dreamwalker/pkg/model"
)

// Listener receives every published event, in sequence order per workflow.
// Listeners run on the publishing goroutine and must not block or call back
// into the bus; the webhook dispatcher satisfies this by enqueueing only.
type Listener func(model.StreamEvent)

// Options configures a Bus. Zero values fall back to the defaults below.
type Options struct {
	// Capacity is the per-workflow event buffer size.
	Capacity int
	// MaxStreams bounds the number of live workflow streams.
	MaxStreams int
	// TTL is the idle window after which Reap releases a stream.
	TTL time.Duration
	// BlockDeadline is how long a full publish waits for a slow consumer
	// before displacing the oldest event.
	BlockDeadline time.Duration
	// CloseGrace is the window between Close and the queue being released,
	// during which late subscribers can still drain retained events.
	CloseGrace time.Duration
	// Now is the clock; nil uses time.Now.
	Now func() time.Time
}

const (
	defaultCapacity      = 1000
	defaultMaxStreams    = 100
	defaultTTL           = 3600 * time.Second
	defaultBlockDeadline = 250 * time.Millisecond
	defaultCloseGrace    = 5 * time.Second
)

// Bus is the process-wide stream fabric. One instance is created at
// bootstrap and shared by reference between the supervisor (publisher) and
// the transports (subscribers); no component owns it.
type Bus struct {
	mu      sync.Mutex
	streams map[string]*stream

	listenerMu sync.RWMutex
	listeners  []Listener

	capacity      int
	maxStreams    int
	ttl           time.Duration
	blockDeadline time.Duration
	closeGrace    time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

// stream is one workflow's bounded FIFO plus its subscriber set. buf is a
// ring: the retained events carry sequence numbers firstSeq through
// firstSeq+count-1, at positions (start+i) mod cap.
type stream struct {
	bus *Bus
	id  string

	mu   sync.Mutex
	cond *sync.Cond

	buf      []model.StreamEvent
	start    int
	count    int
	firstSeq int64
	nextSeq  int64

	createdAt   time.Time
	lastEventAt time.Time
	dropped     int64
	closed      bool
	released    bool

	subscribers map[*subscriber]struct{}

	// space wakes a publish blocked on a full buffer whenever a subscriber
	// cursor advances or leaves.
	space chan struct{}
}

type subscriber struct {
	cursor    int64
	ch        chan model.StreamEvent
	cancelled bool

	// done is closed by the context watcher on cancellation; stop is closed
	// by the delivery loop on exit so the watcher does not linger.
	done chan struct{}
	stop chan struct{}
}

// NewBus creates a Bus.
func NewBus(opts Options) *Bus {
	if opts.Capacity <= 0 {
		opts.Capacity = defaultCapacity
	}
	if opts.MaxStreams <= 0 {
		opts.MaxStreams = defaultMaxStreams
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.BlockDeadline <= 0 {
		opts.BlockDeadline = defaultBlockDeadline
	}
	if opts.CloseGrace <= 0 {
		opts.CloseGrace = defaultCloseGrace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Bus{
		streams:       make(map[string]*stream),
		capacity:      opts.Capacity,
		maxStreams:    opts.MaxStreams,
		ttl:           opts.TTL,
		blockDeadline: opts.BlockDeadline,
		closeGrace:    opts.CloseGrace,
		now:           opts.Now,
		logger:        slog.Default().With("component", "stream"),
	}
}

// AddListener registers a global publish hook. Register listeners during
// bootstrap, before publishing begins.
func (b *Bus) AddListener(fn Listener) {
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Publish assigns the next sequence number for the workflow and enqueues
// the event, creating the stream on first use. When the buffer is full and
// a live subscriber still needs the oldest retained event, Publish blocks
// up to the configured deadline for that subscriber to advance, then
// displaces the oldest event and increments the dropped counter. Publish
// therefore always returns within deadline plus a small constant.
func (b *Bus) Publish(workflowID, eventType string, payload map[string]any) (model.StreamEvent, error) {
	s, err := b.ensure(workflowID)
	if err != nil {
		return model.StreamEvent{}, err
	}
	return s.append(eventType, payload)
}

// Subscribe attaches a consumer to the workflow's stream. fromSeq replays
// retained events starting at that sequence number; a negative fromSeq, or
// one no longer retained, starts at the current tail. The returned channel
// is unbuffered, yields events in sequence order, and closes once the
// stream is closed and drained, the stream is released, or ctx is done.
// Open creates the workflow's stream ahead of the first publish, so a
// subscriber arriving between submission and the first event does not see
// unknown_workflow. Publish still creates streams on demand; Open only
// removes the race.
func (b *Bus) Open(workflowID string) error {
	_, err := b.ensure(workflowID)
	return err
}

func (b *Bus) Subscribe(ctx context.Context, workflowID string, fromSeq int64) (<-chan model.StreamEvent, error) {
	b.mu.Lock()
	s, ok := b.streams[workflowID]
	b.mu.Unlock()
	if !ok {
		return nil, model.NewError(model.KindUnknownWorkflow, "no stream for workflow %q", workflowID)
	}
	return s.subscribe(ctx, fromSeq)
}

// Close marks the workflow's stream terminal. Subscribers drain whatever is
// retained and their channels close; after the grace window the queue is
// released and the workflow ID becomes unknown to Subscribe. Idempotent,
// and a no-op for unknown workflows.
func (b *Bus) Close(workflowID string) {
	b.mu.Lock()
	s, ok := b.streams[workflowID]
	b.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Broadcast()
	s.signalSpaceLocked()
	s.mu.Unlock()

	time.AfterFunc(b.closeGrace, func() { b.release(workflowID) })
}

// Reap closes and releases streams idle longer than the TTL, measured
// against now. Returns the number of streams released.
func (b *Bus) Reap(now time.Time) int {
	b.mu.Lock()
	var idle []string
	for id, s := range b.streams {
		s.mu.Lock()
		last := s.lastEventAt
		if last.IsZero() {
			last = s.createdAt
		}
		s.mu.Unlock()
		if now.Sub(last) > b.ttl {
			idle = append(idle, id)
		}
	}
	b.mu.Unlock()

	for _, id := range idle {
		b.logger.Info("Reaping idle stream", "workflow_id", id)
		b.release(id)
	}
	return len(idle)
}

// Dropped reports how many events the workflow's stream has displaced
// before a subscriber could observe them.
func (b *Bus) Dropped(workflowID string) int64 {
	b.mu.Lock()
	s, ok := b.streams[workflowID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Streams reports the number of live streams.
func (b *Bus) Streams() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

// ensure returns the workflow's stream, creating it when absent. Creation
// beyond MaxStreams releases the least-recently-active stream, preferring
// closed ones.
func (b *Bus) ensure(workflowID string) (*stream, error) {
	b.mu.Lock()
	if s, ok := b.streams[workflowID]; ok {
		b.mu.Unlock()
		return s, nil
	}

	if len(b.streams) >= b.maxStreams {
		victim := b.evictCandidateLocked()
		if victim == "" {
			b.mu.Unlock()
			return nil, fmt.Errorf("stream table full (%d streams)", b.maxStreams)
		}
		b.logger.Warn("Stream table full, releasing least-recently-active stream",
			"evicted", victim, "max_streams", b.maxStreams)
		b.releaseLocked(victim)
	}

	s := &stream{
		bus:         b,
		id:          workflowID,
		buf:         make([]model.StreamEvent, b.capacity),
		createdAt:   b.now(),
		subscribers: make(map[*subscriber]struct{}),
		space:       make(chan struct{}, 1),
	}
	s.cond = sync.NewCond(&s.mu)
	b.streams[workflowID] = s
	b.mu.Unlock()
	return s, nil
}

// evictCandidateLocked picks the stream to release when the table is full:
// the least-recently-active closed stream, falling back to the
// least-recently-active overall. Caller holds b.mu.
func (b *Bus) evictCandidateLocked() string {
	pick := func(requireClosed bool) string {
		id := ""
		var oldest time.Time
		for candidate, s := range b.streams {
			s.mu.Lock()
			closed := s.closed
			last := s.lastEventAt
			if last.IsZero() {
				last = s.createdAt
			}
			s.mu.Unlock()
			if requireClosed && !closed {
				continue
			}
			if id == "" || last.Before(oldest) {
				id, oldest = candidate, last
			}
		}
		return id
	}
	if id := pick(true); id != "" {
		return id
	}
	return pick(false)
}

func (b *Bus) release(workflowID string) {
	b.mu.Lock()
	b.releaseLocked(workflowID)
	b.mu.Unlock()
}

// releaseLocked removes the stream from the table and wakes every waiter so
// subscriber loops can exit. Caller holds b.mu.
func (b *Bus) releaseLocked(workflowID string) {
	s, ok := b.streams[workflowID]
	if !ok {
		return
	}
	delete(b.streams, workflowID)

	s.mu.Lock()
	s.closed = true
	s.released = true
	s.cond.Broadcast()
	s.signalSpaceLocked()
	s.mu.Unlock()
}

// ────────────────────────────────────────────────────────────────────────────
// stream internals
// ────────────────────────────────────────────────────────────────────────────

func (s *stream) append(eventType string, payload map[string]any) (model.StreamEvent, error) {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return model.StreamEvent{}, fmt.Errorf("stream %q is closed", s.id)
	}

	// Full buffer: wait briefly for the slowest subscriber to move past the
	// oldest event, then displace it. Liveness of the producer wins over
	// strict history.
	if s.count == len(s.buf) && s.subscriberNeedsOldestLocked() {
		timer := time.NewTimer(s.bus.blockDeadline)
		waiting := true
		for waiting && s.count == len(s.buf) && s.subscriberNeedsOldestLocked() && !s.closed {
			s.mu.Unlock()
			select {
			case <-s.space:
			case <-timer.C:
				waiting = false
			}
			s.mu.Lock()
		}
		timer.Stop()
		if s.closed {
			s.mu.Unlock()
			return model.StreamEvent{}, fmt.Errorf("stream %q is closed", s.id)
		}
	}
	if s.count == len(s.buf) {
		if s.subscriberNeedsOldestLocked() {
			s.dropped++
		}
		s.start = (s.start + 1) % len(s.buf)
		s.firstSeq++
		s.count--
	}

	now := s.bus.now()
	ev := model.StreamEvent{
		WorkflowID: s.id,
		Seq:        s.nextSeq,
		Type:       eventType,
		Timestamp:  now.UTC(),
		Payload:    payload,
	}
	s.nextSeq++
	s.buf[(s.start+s.count)%len(s.buf)] = ev
	s.count++
	s.lastEventAt = now
	s.cond.Broadcast()

	// Listeners run under the stream lock so they observe per-workflow
	// sequence order. They must only enqueue.
	s.bus.listenerMu.RLock()
	listeners := s.bus.listeners
	s.bus.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
	s.mu.Unlock()

	return ev, nil
}

// subscriberNeedsOldestLocked reports whether a live subscriber's cursor
// still points at the oldest retained event. Caller holds s.mu.
func (s *stream) subscriberNeedsOldestLocked() bool {
	for sub := range s.subscribers {
		if !sub.cancelled && sub.cursor <= s.firstSeq {
			return true
		}
	}
	return false
}

func (s *stream) signalSpaceLocked() {
	select {
	case s.space <- struct{}{}:
	default:
	}
}

func (s *stream) subscribe(ctx context.Context, fromSeq int64) (<-chan model.StreamEvent, error) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil, model.NewError(model.KindUnknownWorkflow, "no stream for workflow %q", s.id)
	}

	cursor := s.nextSeq
	if fromSeq >= s.firstSeq && fromSeq < s.nextSeq {
		cursor = fromSeq
	}
	sub := &subscriber{
		cursor: cursor,
		ch:     make(chan model.StreamEvent),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()

	go s.watchCancel(ctx, sub)
	go s.deliver(sub)
	return sub.ch, nil
}

// watchCancel propagates context cancellation into the delivery loop.
func (s *stream) watchCancel(ctx context.Context, sub *subscriber) {
	select {
	case <-ctx.Done():
		s.mu.Lock()
		sub.cancelled = true
		s.cond.Broadcast()
		s.mu.Unlock()
		close(sub.done)
	case <-sub.stop:
	}
}

// deliver is the per-subscriber loop: copy the event under the cursor,
// send it without holding the lock, then advance. The cursor only moves
// after a successful send, so a consumer that stops reading holds the
// oldest event in place and exercises the publish backpressure path.
func (s *stream) deliver(sub *subscriber) {
	defer close(sub.ch)
	for {
		s.mu.Lock()
		for !sub.cancelled && !s.released && sub.cursor >= s.firstSeq+int64(s.count) && !s.closed {
			s.cond.Wait()
		}
		if sub.cancelled || s.released {
			s.removeLocked(sub)
			s.mu.Unlock()
			return
		}
		if sub.cursor < s.firstSeq {
			// Displaced past the cursor while we were blocked: those events
			// are gone for this subscriber.
			sub.cursor = s.firstSeq
		}
		if sub.cursor >= s.firstSeq+int64(s.count) {
			if s.closed {
				s.removeLocked(sub)
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			continue
		}
		ev := s.buf[(s.start+int(sub.cursor-s.firstSeq))%len(s.buf)]
		s.mu.Unlock()

		select {
		case sub.ch <- ev:
			s.mu.Lock()
			sub.cursor = ev.Seq + 1
			s.signalSpaceLocked()
			s.mu.Unlock()
		case <-sub.done:
			s.mu.Lock()
			s.removeLocked(sub)
			s.mu.Unlock()
			return
		}
	}
}

// removeLocked detaches a subscriber and frees any publish waiting on its
// cursor. Caller holds s.mu.
func (s *stream) removeLocked(sub *subscriber) {
	if _, ok := s.subscribers[sub]; !ok {
		return
	}
	delete(s.subscribers, sub)
	close(sub.stop)
	s.signalSpaceLocked()
}
