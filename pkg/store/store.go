package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dreamwalker-ai/dreamwalker/pkg/model"
)

// ErrNotCompleted is returned by GetResult while the workflow has not yet
// reached a terminal state.
var ErrNotCompleted = errors.New("workflow not yet completed")

// replicationTimeout bounds each asynchronous backend write.
const replicationTimeout = 5 * time.Second

// Options configures a Store.
type Options struct {
	// MaxActive bounds concurrently tracked non-terminal records.
	MaxActive int
	// CompletedRetention caps the hot completed tier.
	CompletedRetention int
	// Backend receives asynchronous replicas of every write. Nil means
	// in-memory only.
	Backend Backend
	// Now is the clock; nil uses time.Now. Injected by tests.
	Now func() time.Time
}

type completedEntry struct {
	record *model.WorkflowRecord
	result *model.OrchestratorResult
}

// Store is the two-tier state store. The hot tier is authoritative within
// the process; the backend trails it asynchronously.
type Store struct {
	mu        sync.RWMutex
	active    map[string]*model.WorkflowRecord
	completed map[string]*completedEntry

	maxActive int
	retention int
	backend   Backend
	now       func() time.Time
	logger    *slog.Logger

	// replWG tracks in-flight async replications so Snapshot can drain them.
	replWG sync.WaitGroup
}

// New creates a Store. Zero bounds fall back to the documented defaults
// (50 active, 100 retained completions).
func New(opts Options) *Store {
	if opts.MaxActive <= 0 {
		opts.MaxActive = 50
	}
	if opts.CompletedRetention <= 0 {
		opts.CompletedRetention = 100
	}
	if opts.Backend == nil {
		opts.Backend = NopBackend{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		active:    make(map[string]*model.WorkflowRecord),
		completed: make(map[string]*completedEntry),
		maxActive: opts.MaxActive,
		retention: opts.CompletedRetention,
		backend:   opts.Backend,
		now:       opts.Now,
		logger:    slog.Default().With("component", "store"),
	}
}

// Create inserts a new record. Fails with too_many_active when the active
// bound is reached, and rejects duplicate identities.
func (s *Store) Create(ctx context.Context, rec model.WorkflowRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("workflow record requires an id")
	}
	if rec.Status == "" {
		rec.Status = model.StatusPending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[rec.ID]; ok {
		return fmt.Errorf("workflow %q already exists", rec.ID)
	}
	if _, ok := s.completed[rec.ID]; ok {
		return fmt.Errorf("workflow %q already exists", rec.ID)
	}
	if len(s.active) >= s.maxActive {
		return model.NewError(model.KindTooManyActive,
			"%d workflows already active (limit %d)", len(s.active), s.maxActive).
			WithDetail("limit", s.maxActive)
	}

	cp := rec
	s.active[rec.ID] = &cp

	s.replicateRecord(&cp, true)
	return nil
}

// Transition moves a record through the state machine. Terminal statuses
// move the record to the completed tier without a result; Complete is the
// usual terminal path.
func (s *Store) Transition(ctx context.Context, id string, status model.TaskStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.active[id]
	if !ok {
		if _, done := s.completed[id]; done {
			return fmt.Errorf("workflow %q is terminal: %w", id, errInvalidTransition(status))
		}
		return model.NewError(model.KindUnknownWorkflow, "no workflow %q", id)
	}
	if !model.CanTransition(rec.Status, status) {
		return fmt.Errorf("workflow %q: %s → %s: %w", id, rec.Status, status, errInvalidTransition(status))
	}

	s.applyTransitionLocked(rec, status, errMsg)
	if status.IsTerminal() {
		s.finishLocked(rec, nil)
	} else {
		s.replicateRecord(rec, false)
	}
	return nil
}

// Complete atomically applies a terminal transition and stores the result.
func (s *Store) Complete(ctx context.Context, id string, result model.OrchestratorResult) error {
	if !result.Status.IsTerminal() {
		return fmt.Errorf("result status %q is not terminal", result.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.active[id]
	if !ok {
		if _, done := s.completed[id]; done {
			return fmt.Errorf("workflow %q is terminal: %w", id, errInvalidTransition(result.Status))
		}
		return model.NewError(model.KindUnknownWorkflow, "no workflow %q", id)
	}
	if !model.CanTransition(rec.Status, result.Status) {
		return fmt.Errorf("workflow %q: %s → %s: %w", id, rec.Status, result.Status, errInvalidTransition(result.Status))
	}

	s.applyTransitionLocked(rec, result.Status, result.Error)
	s.finishLocked(rec, &result)
	return nil
}

// GetRecord returns a copy of the record for id.
func (s *Store) GetRecord(ctx context.Context, id string) (model.WorkflowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rec, ok := s.active[id]; ok {
		return *rec, nil
	}
	if e, ok := s.completed[id]; ok {
		return *e.record, nil
	}
	return model.WorkflowRecord{}, model.NewError(model.KindUnknownWorkflow, "no workflow %q", id)
}

// GetResult returns the stored result for id. ErrNotCompleted signals a
// known but still-running workflow.
func (s *Store) GetResult(ctx context.Context, id string) (model.OrchestratorResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.active[id]; ok {
		return model.OrchestratorResult{}, ErrNotCompleted
	}
	if e, ok := s.completed[id]; ok {
		if e.result == nil {
			return model.OrchestratorResult{}, ErrNotCompleted
		}
		return *e.result, nil
	}
	return model.OrchestratorResult{}, model.NewError(model.KindUnknownWorkflow, "no workflow %q", id)
}

// ActiveIDs lists non-terminal workflow IDs, oldest first.
func (s *Store) ActiveIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.active[ids[i]], s.active[ids[j]]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return ids
}

// CompletedIDs lists terminal workflow IDs by completion time, newest
// first, truncated to limit (0 means all).
func (s *Store) CompletedIDs(limit int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.completed))
	for id := range s.completed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.completed[ids[i]].record, s.completed[ids[j]].record
		at, bt := completionTime(a), completionTime(b)
		if at.Equal(bt) {
			return a.ID < b.ID
		}
		return at.After(bt)
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

// ActiveCount reports the hot active tier size.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

// EvictExpired enforces the completed-tier retention cap, removing the
// records with the oldest completion timestamps first. Returns the evicted
// IDs. The sort key is completion time; execution duration plays no part.
func (s *Store) EvictExpired() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked()
}

// Rehydrate loads active records from the durable backend into the hot
// tier. Called once on start, before the supervisor begins work.
func (s *Store) Rehydrate(ctx context.Context) ([]model.WorkflowRecord, error) {
	ids, err := s.backend.SetMembers(ctx, keyActiveSet)
	if err != nil {
		return nil, fmt.Errorf("read active set: %w", err)
	}

	recovered := make([]model.WorkflowRecord, 0, len(ids))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		raw, err := s.backend.Get(ctx, RecordKey(id))
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				s.logger.Warn("Failed to load record during rehydration", "workflow_id", id, "error", err)
			}
			continue
		}
		var rec model.WorkflowRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.logger.Warn("Corrupt record skipped during rehydration", "workflow_id", id, "error", err)
			continue
		}
		if rec.Status.IsTerminal() {
			continue
		}
		cp := rec
		s.active[rec.ID] = &cp
		recovered = append(recovered, rec)
	}
	return recovered, nil
}

// Snapshot synchronously writes the full hot tier to the backend. Called
// during shutdown within a bounded window; also drains pending async
// replications first.
func (s *Store) Snapshot(ctx context.Context) error {
	s.replWG.Wait()

	s.mu.RLock()
	actives := make([]*model.WorkflowRecord, 0, len(s.active))
	for _, rec := range s.active {
		cp := *rec
		actives = append(actives, &cp)
	}
	entries := make([]*completedEntry, 0, len(s.completed))
	for _, e := range s.completed {
		rc := *e.record
		cp := &completedEntry{record: &rc}
		if e.result != nil {
			res := *e.result
			cp.result = &res
		}
		entries = append(entries, cp)
	}
	s.mu.RUnlock()

	for _, rec := range actives {
		if err := s.writeRecord(ctx, rec, true); err != nil {
			return err
		}
	}
	for _, e := range entries {
		if err := s.writeCompleted(ctx, e.record, e.result); err != nil {
			return err
		}
	}
	return nil
}

// Health pings the durable backend.
func (s *Store) Health(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// ────────────────────────────────────────────────────────────────────────────
// Internals
// ────────────────────────────────────────────────────────────────────────────

func errInvalidTransition(to model.TaskStatus) error {
	return fmt.Errorf("transition to %s not permitted", to)
}

func completionTime(rec *model.WorkflowRecord) time.Time {
	if rec.CompletedAt != nil {
		return *rec.CompletedAt
	}
	return rec.CreatedAt
}

func (s *Store) applyTransitionLocked(rec *model.WorkflowRecord, status model.TaskStatus, errMsg string) {
	now := s.now()
	if status == model.StatusRunning && rec.StartedAt == nil {
		rec.StartedAt = &now
	}
	if status.IsTerminal() {
		rec.CompletedAt = &now
	}
	rec.Status = status
	if errMsg != "" {
		rec.Error = errMsg
	}
}

// finishLocked moves a record from the active to the completed tier and
// enforces retention.
func (s *Store) finishLocked(rec *model.WorkflowRecord, result *model.OrchestratorResult) {
	delete(s.active, rec.ID)
	s.completed[rec.ID] = &completedEntry{record: rec, result: result}
	s.evictLocked()
	s.replicateCompleted(rec, result)
}

// evictLocked removes the oldest-completed entries until the tier fits the
// retention cap. Strictly ordered by completion timestamp.
func (s *Store) evictLocked() []string {
	var evicted []string
	for len(s.completed) > s.retention {
		oldestID := ""
		var oldestAt time.Time
		for id, e := range s.completed {
			at := completionTime(e.record)
			if oldestID == "" || at.Before(oldestAt) || (at.Equal(oldestAt) && id < oldestID) {
				oldestID, oldestAt = id, at
			}
		}
		delete(s.completed, oldestID)
		evicted = append(evicted, oldestID)
		s.dropDurable(oldestID)
	}
	if len(evicted) > 0 {
		s.logger.Debug("Evicted completed workflows", "count", len(evicted))
	}
	return evicted
}

// Async replication helpers. Failures are logged, never surfaced: the hot
// tier is authoritative and the backend is best-effort.

func (s *Store) replicateRecord(rec *model.WorkflowRecord, addActive bool) {
	cp := *rec
	s.replWG.Add(1)
	go func() {
		defer s.replWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), replicationTimeout)
		defer cancel()
		if err := s.writeRecord(ctx, &cp, addActive); err != nil {
			s.logger.Warn("Backend replication failed", "workflow_id", cp.ID, "error", err)
		}
	}()
}

func (s *Store) replicateCompleted(rec *model.WorkflowRecord, result *model.OrchestratorResult) {
	rc := *rec
	var res *model.OrchestratorResult
	if result != nil {
		r := *result
		res = &r
	}
	s.replWG.Add(1)
	go func() {
		defer s.replWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), replicationTimeout)
		defer cancel()
		if err := s.writeCompleted(ctx, &rc, res); err != nil {
			s.logger.Warn("Backend replication failed", "workflow_id", rc.ID, "error", err)
		}
	}()
}

func (s *Store) writeRecord(ctx context.Context, rec *model.WorkflowRecord, addActive bool) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}
	if err := s.backend.Put(ctx, RecordKey(rec.ID), raw, 0); err != nil {
		return err
	}
	if addActive {
		return s.backend.SetAdd(ctx, keyActiveSet, rec.ID)
	}
	return nil
}

func (s *Store) writeCompleted(ctx context.Context, rec *model.WorkflowRecord, result *model.OrchestratorResult) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}
	if err := s.backend.Put(ctx, RecordKey(rec.ID), raw, completedTTL); err != nil {
		return err
	}
	if result != nil {
		rawRes, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result %s: %w", rec.ID, err)
		}
		if err := s.backend.Put(ctx, ResultKey(rec.ID), rawRes, completedTTL); err != nil {
			return err
		}
	}
	if err := s.backend.SetRem(ctx, keyActiveSet, rec.ID); err != nil {
		return err
	}
	return s.backend.ZAdd(ctx, keyCompletedZSet, float64(completionTime(rec).UnixMilli()), rec.ID)
}

func (s *Store) dropDurable(id string) {
	s.replWG.Add(1)
	go func() {
		defer s.replWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), replicationTimeout)
		defer cancel()
		if err := s.backend.Delete(ctx, RecordKey(id)); err != nil {
			s.logger.Warn("Backend eviction failed", "workflow_id", id, "error", err)
			return
		}
		_ = s.backend.Delete(ctx, ResultKey(id))
	}()
}
