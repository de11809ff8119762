// Package cleanup runs the background retention loop: completed-tier
// eviction in the state store, idle-stream reaping on the bus, and
// removal of webhook registrations whose workflow record is gone.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/dreamwalker-ai/dreamwalker/pkg/model"
	"github.com/dreamwalker-ai/dreamwalker/pkg/store"
	"github.com/dreamwalker-ai/dreamwalker/pkg/stream"
	"github.com/dreamwalker-ai/dreamwalker/pkg/webhook"
)

const defaultInterval = time.Minute

// Options wires a Service. Store and Bus are required; Webhooks is
// optional. A zero Interval picks the default.
type Options struct {
	Store    *store.Store
	Bus      *stream.Bus
	Webhooks *webhook.Dispatcher
	Interval time.Duration
	Now      func() time.Time
}

// Service periodically enforces retention policies. All sweeps are
// idempotent; an empty pass is the steady state because the store evicts
// eagerly on completion and the bus releases closed streams itself.
type Service struct {
	store    *store.Store
	bus      *stream.Bus
	webhooks *webhook.Dispatcher
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the retention service.
func NewService(opts Options) *Service {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:    opts.Store,
		bus:      opts.Bus,
		webhooks: opts.Webhooks,
		interval: opts.Interval,
		now:      opts.Now,
		logger:   slog.Default().With("component", "cleanup"),
	}
}

// Start launches the background sweep loop. Starting twice is a no-op.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Cleanup service started", "interval", s.interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	if evicted := s.store.EvictExpired(); len(evicted) > 0 {
		s.logger.Info("Retention: evicted completed workflows", "count", len(evicted))
	}
	if reaped := s.bus.Reap(s.now()); reaped > 0 {
		s.logger.Info("Retention: reaped idle streams", "count", reaped)
	}
	s.sweepOrphanedWebhooks(ctx)
}

// sweepOrphanedWebhooks drops registrations left behind by evicted
// workflows. Registrations for live or retained records stay; in-flight
// deliveries hold their own registration reference and are unaffected.
func (s *Service) sweepOrphanedWebhooks(ctx context.Context) {
	if s.webhooks == nil {
		return
	}
	var removed int
	for _, id := range s.webhooks.RegisteredIDs() {
		_, err := s.store.GetRecord(ctx, id)
		if err != nil && model.KindOf(err) == model.KindUnknownWorkflow {
			s.webhooks.Unregister(id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("Retention: dropped orphaned webhook registrations", "count", removed)
	}
}
