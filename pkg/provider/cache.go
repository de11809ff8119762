package provider

import (
	"context"
	"sync"
	"time"

	"github.com/dreamwalker-ai/dreamwalker/pkg/config"
)

// Clients are dropped from the cache after this many consecutive upstream
// failures, so the next lookup builds a fresh connection instead of reusing
// one that may be wedged.
const maxConsecutiveFailures = 3

type cacheKey struct {
	provider string
	model    string
}

type cacheEntry struct {
	provider  Provider
	createdAt time.Time
	failures  int
}

// Factory builds a provider for a (name, model) pair.
type Factory func(name, modelID string) (Provider, error)

// ConfigFactory returns a Factory that resolves providers from the configured
// credentials.
func ConfigFactory(cfg config.ProvidersConfig) Factory {
	return func(name, modelID string) (Provider, error) {
		return New(cfg, name, modelID)
	}
}

// Cache hands out one shared client per (provider, model) pair. Construction
// and lookup are serialized behind a single mutex; clients themselves are
// concurrency-safe, so many workflows can share one entry. The returned
// providers report their call outcomes back to the cache, and an entry that
// fails repeatedly is evicted so the next lookup rebuilds it.
type Cache struct {
	mu      sync.Mutex
	entries map[cacheKey]*cacheEntry
	build   Factory
	now     func() time.Time
}

// NewCache creates an empty cache backed by the given factory.
func NewCache(build Factory) *Cache {
	return &Cache{
		entries: make(map[cacheKey]*cacheEntry),
		build:   build,
		now:     time.Now,
	}
}

// Get returns the shared client for (name, model), constructing it on first
// use. The empty model keys the provider's configured default.
func (c *Cache) Get(name, modelID string) (Provider, error) {
	key := cacheKey{provider: name, model: modelID}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return &trackedProvider{inner: e.provider, cache: c, key: key}, nil
	}
	p, err := c.build(name, modelID)
	if err != nil {
		return nil, err
	}
	c.entries[key] = &cacheEntry{provider: p, createdAt: c.now()}
	return &trackedProvider{inner: p, cache: c, key: key}, nil
}

// Invalidate drops the cached client for (name, model), if any.
func (c *Cache) Invalidate(name, modelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey{provider: name, model: modelID})
}

// Size returns the number of cached clients.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) markFailure(key cacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return
	}
	e.failures++
	if e.failures >= maxConsecutiveFailures {
		delete(c.entries, key)
	}
}

func (c *Cache) markSuccess(key cacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.failures = 0
	}
}

// trackedProvider feeds call outcomes back into the cache's failure
// accounting. Cancellations and deadline hits are the caller's doing and do
// not count against the client.
type trackedProvider struct {
	inner Provider
	cache *Cache
	key   cacheKey
}

func (t *trackedProvider) Name() string { return t.inner.Name() }

func (t *trackedProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := t.inner.Complete(ctx, req)
	switch {
	case err == nil:
		t.cache.markSuccess(t.key)
	case ctx.Err() == nil:
		t.cache.markFailure(t.key)
	}
	return resp, err
}
