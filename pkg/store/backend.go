// Package store tracks workflow records and completed results in a hot
// in-memory tier, optionally replicated to a durable key-value backend.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Backend.Get for missing keys.
var ErrNotFound = errors.New("key not found")

// Backend is the narrow durable-storage interface. Implementations must be
// safe for concurrent use. All writes are fire-and-forget from the store's
// perspective; the hot tier is authoritative within the process.
type Backend interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	SetAdd(ctx context.Context, key, member string) error
	SetRem(ctx context.Context, key, member string) error
	// SetMembers reads a set back; rehydration on start depends on it.
	SetMembers(ctx context.Context, key string) ([]string, error)
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// ListAppend appends value to the list at key and trims it to the last
	// cap entries (cap <= 0 leaves the list unbounded). A ttl > 0 refreshes
	// the key's expiry on every append.
	ListAppend(ctx context.Context, key, value string, cap int64, ttl time.Duration) error
	// ListRange reads list entries by index, oldest first; negative indices
	// count from the tail, so (-n, -1) reads the last n entries.
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Ping(ctx context.Context) error
	Close() error
}

// Key layout under the durable backend.
const (
	keyPrefixRecord  = "dw:workflow:"
	keyPrefixResult  = "dw:result:"
	keyActiveSet     = "dw:active"
	keyCompletedZSet = "dw:completed"

	// KeyPrefixWebhook is shared with the webhook dispatcher for
	// registration persistence.
	KeyPrefixWebhook = "dw:webhook:"

	keyPrefixStream = "dw:stream:"

	// completedTTL bounds how long terminal records survive in the backend.
	completedTTL = 24 * time.Hour
)

// RecordKey returns the backend key for a workflow record.
func RecordKey(id string) string { return keyPrefixRecord + id }

// ResultKey returns the backend key for a stored result.
func ResultKey(id string) string { return keyPrefixResult + id }

// StreamKey returns the backend key for a workflow's durable event log.
func StreamKey(id string) string { return keyPrefixStream + id }

// NopBackend is the in-memory-only mode: every write succeeds and every
// read finds nothing.
type NopBackend struct{}

func (NopBackend) Put(context.Context, string, []byte, time.Duration) error { return nil }
func (NopBackend) Get(context.Context, string) ([]byte, error)             { return nil, ErrNotFound }
func (NopBackend) Delete(context.Context, string) error                    { return nil }
func (NopBackend) SetAdd(context.Context, string, string) error            { return nil }
func (NopBackend) SetRem(context.Context, string, string) error            { return nil }
func (NopBackend) SetMembers(context.Context, string) ([]string, error)    { return nil, nil }
func (NopBackend) ZAdd(context.Context, string, float64, string) error     { return nil }
func (NopBackend) ZRange(context.Context, string, int64, int64) ([]string, error) {
	return nil, nil
}
func (NopBackend) ListAppend(context.Context, string, string, int64, time.Duration) error {
	return nil
}
func (NopBackend) ListRange(context.Context, string, int64, int64) ([]string, error) {
	return nil, nil
}
func (NopBackend) Expire(context.Context, string, time.Duration) error { return nil }
func (NopBackend) Ping(context.Context) error                          { return nil }
func (NopBackend) Close() error                                        { return nil }
