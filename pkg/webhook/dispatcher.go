// Package webhook delivers stream events to caller-registered URLs with
// HMAC signing and bounded retries. Delivery is at-least-once and always
// asynchronous relative to the publishing workflow: the bus listener only
// enqueues, a small worker pool does the POSTs.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamwalker-ai/dreamwalker/pkg/model"
	"github.com/dreamwalker-ai/dreamwalker/pkg/store"
)

const (
	defaultMaxRetries    = 3
	defaultBackoffBase   = time.Second
	defaultRetryTTL      = time.Hour
	defaultRequestTimeout = 10 * time.Second
	defaultQueueCapacity = 256
	defaultWorkers       = 4
)

// Options configures a Dispatcher. Zero values pick the defaults above.
type Options struct {
	MaxRetries     int
	BackoffBase    time.Duration
	RetryTTL       time.Duration
	RequestTimeout time.Duration
	QueueCapacity  int
	Workers        int
	// Backend mirrors registrations durably when set, so they survive a
	// restart alongside the workflow records they belong to.
	Backend store.Backend
	// HTTPClient overrides the delivery client. Tests inject one wired to
	// httptest servers.
	HTTPClient *http.Client
	Now        func() time.Time
}

// registration is the live form of a model.WebhookRegistration with atomic
// counters so workers update them without taking the dispatcher lock.
type registration struct {
	url       string
	secret    string
	delivered atomic.Int64
	failed    atomic.Int64
}

// delivery is one event on its way to one URL.
type delivery struct {
	workflowID string
	event      string
	body       []byte
	reg        *registration
	attempts   int
	firstAt    time.Time
}

// Dispatcher owns the workflow -> URL registration map and the delivery
// pipeline.
type Dispatcher struct {
	mu   sync.RWMutex
	regs map[string]*registration

	queue    chan *delivery
	inflight sync.WaitGroup

	opts     Options
	client   *http.Client
	backend  store.Backend
	now      func() time.Time
	logger   *slog.Logger
	dropped  atomic.Int64
	stopping atomic.Bool

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewDispatcher creates a dispatcher. Call Start before registering listeners.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.RetryTTL <= 0 {
		opts.RetryTTL = defaultRetryTTL
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = defaultQueueCapacity
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.RequestTimeout}
	}
	backend := opts.Backend
	if backend == nil {
		backend = store.NopBackend{}
	}
	return &Dispatcher{
		regs:    make(map[string]*registration),
		queue:   make(chan *delivery, opts.QueueCapacity),
		opts:    opts,
		client:  client,
		backend: backend,
		now:     opts.Now,
		logger:  slog.Default().With("component", "webhook"),
	}
}

// Start launches the delivery workers.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	d.logger.Info("Webhook dispatcher started", "workers", d.opts.Workers, "max_retries", d.opts.MaxRetries)
}

// Stop drains in-flight deliveries within the context budget, then aborts
// whatever remains. Registrations stay readable for Stats callers.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.stopOnce.Do(func() {
		d.stopping.Store(true)
		drained := make(chan struct{})
		go func() {
			d.inflight.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			d.logger.Warn("Webhook drain budget exhausted, aborting remaining deliveries")
		}
		if d.cancel != nil {
			d.cancel()
		}
		d.wg.Wait()
		d.logger.Info("Webhook dispatcher stopped")
	})
}

// Register installs or replaces the webhook for a workflow. The URL must be
// absolute http or https.
func (d *Dispatcher) Register(ctx context.Context, workflowID, rawURL, secret string) error {
	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return model.NewError(model.KindInvalidArguments, "webhook url must be absolute http(s)").
			WithDetail("field", "webhook_url")
	}
	reg := &registration{url: rawURL, secret: secret}
	d.mu.Lock()
	d.regs[workflowID] = reg
	d.mu.Unlock()
	d.persistRegistration(ctx, workflowID, reg)
	d.logger.Info("Webhook registered", "workflow_id", workflowID, "url", rawURL)
	return nil
}

// Unregister removes the webhook for a workflow. Removing an absent
// registration is a no-op.
func (d *Dispatcher) Unregister(workflowID string) {
	d.mu.Lock()
	_, had := d.regs[workflowID]
	delete(d.regs, workflowID)
	d.mu.Unlock()
	if !had {
		return
	}
	dctx, cancel := context.WithTimeout(context.Background(), persistBudget)
	defer cancel()
	if err := d.backend.Delete(dctx, store.KeyPrefixWebhook+workflowID); err != nil {
		d.logger.Warn("Failed to remove durable webhook registration", "workflow_id", workflowID, "error", err)
	}
}

// Registered reports whether a workflow has a webhook.
func (d *Dispatcher) Registered(workflowID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.regs[workflowID]
	return ok
}

// RegisteredIDs lists every workflow ID with a live registration. The
// retention sweep uses it to drop registrations whose record is gone.
func (d *Dispatcher) RegisteredIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.regs))
	for id := range d.regs {
		ids = append(ids, id)
	}
	return ids
}

// Stats returns a snapshot of the registration and its counters.
func (d *Dispatcher) Stats(workflowID string) (model.WebhookRegistration, bool) {
	d.mu.RLock()
	reg, ok := d.regs[workflowID]
	d.mu.RUnlock()
	if !ok {
		return model.WebhookRegistration{}, false
	}
	return model.WebhookRegistration{
		WorkflowID: workflowID,
		URL:        reg.url,
		Secret:     reg.secret,
		Delivered:  reg.delivered.Load(),
		Failed:     reg.failed.Load(),
	}, true
}

// Dropped returns how many deliveries were abandoned on queue overflow.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Deliver enqueues one event for delivery. It is the stream bus listener:
// it must never block, so a full queue counts the delivery failed instead
// of stalling the publisher.
func (d *Dispatcher) Deliver(ev model.StreamEvent) {
	d.mu.RLock()
	reg, ok := d.regs[ev.WorkflowID]
	d.mu.RUnlock()
	if !ok || d.stopping.Load() {
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error("Failed to encode webhook body", "workflow_id", ev.WorkflowID, "error", err)
		reg.failed.Add(1)
		return
	}
	del := &delivery{
		workflowID: ev.WorkflowID,
		event:      ev.Type,
		body:       body,
		reg:        reg,
		firstAt:    d.now(),
	}
	d.inflight.Add(1)
	select {
	case d.queue <- del:
	default:
		d.inflight.Done()
		d.dropped.Add(1)
		reg.failed.Add(1)
		d.logger.Warn("Webhook queue full, dropping event",
			"workflow_id", ev.WorkflowID, "event", ev.Type)
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case del := <-d.queue:
			d.attempt(ctx, del)
		}
	}
}

// attempt issues one POST and decides the delivery's fate: done, retry
// later, or abandoned.
func (d *Dispatcher) attempt(ctx context.Context, del *delivery) {
	del.attempts++
	status, err := d.post(ctx, del)

	switch {
	case err == nil && status >= 200 && status < 300:
		del.reg.delivered.Add(1)
		d.inflight.Done()
		return
	case err == nil && !retryableStatus(status):
		d.logger.Warn("Webhook delivery rejected",
			"workflow_id", del.workflowID, "event", del.event,
			"status", status, "attempts", del.attempts)
		del.reg.failed.Add(1)
		d.inflight.Done()
		return
	}

	if del.attempts >= d.opts.MaxRetries {
		d.logger.Warn("Webhook delivery failed, attempts exhausted",
			"workflow_id", del.workflowID, "event", del.event,
			"attempts", del.attempts, "status", status, "error", err)
		del.reg.failed.Add(1)
		d.inflight.Done()
		return
	}
	if d.now().Sub(del.firstAt) > d.opts.RetryTTL {
		d.logger.Warn("Webhook retry entry expired, dropping",
			"workflow_id", del.workflowID, "event", del.event,
			"age", d.now().Sub(del.firstAt), "attempts", del.attempts)
		del.reg.failed.Add(1)
		d.inflight.Done()
		return
	}

	backoff := d.opts.BackoffBase << (del.attempts - 1)
	time.AfterFunc(backoff, func() { d.requeue(ctx, del) })
}

// requeue puts a delivery back on the queue after its backoff. If the
// dispatcher is stopping or the queue is full the delivery is abandoned.
func (d *Dispatcher) requeue(ctx context.Context, del *delivery) {
	if ctx.Err() != nil || d.stopping.Load() {
		del.reg.failed.Add(1)
		d.inflight.Done()
		return
	}
	select {
	case d.queue <- del:
	default:
		d.dropped.Add(1)
		del.reg.failed.Add(1)
		d.inflight.Done()
		d.logger.Warn("Webhook queue full, dropping retry",
			"workflow_id", del.workflowID, "event", del.event)
	}
}

func (d *Dispatcher) post(ctx context.Context, del *delivery) (int, error) {
	rctx, cancel := context.WithTimeout(ctx, d.opts.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodPost, del.reg.url, bytes.NewReader(del.body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderWorkflowID, del.workflowID)
	req.Header.Set(HeaderEvent, del.event)
	if del.reg.secret != "" {
		req.Header.Set(HeaderSignature, Sign(del.reg.secret, del.body))
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// retryableStatus classifies non-2xx responses. Client errors are terminal
// except the transient trio; everything at 5xx is worth retrying.
func retryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}
