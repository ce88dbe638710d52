package profiled

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"pkt.systems/profiled/internal/storage"
)

// flakyBackend fails loads and stores on demand so tests can drive the issue
// reporting path without a real outage.
type flakyBackend struct {
	storage.Backend
	failLoads  atomic.Bool
	failStores atomic.Bool
}

func (f *flakyBackend) Load(ctx context.Context, store, key string) (storage.Object, error) {
	if f.failLoads.Load() {
		return storage.Object{}, storage.NewTransientError(errors.New("backend down"))
	}
	return f.Backend.Load(ctx, store, key)
}

func (f *flakyBackend) Store(ctx context.Context, store, key string, data []byte, expectedETag string) (string, error) {
	if f.failStores.Load() {
		return "", storage.NewTransientError(errors.New("backend down"))
	}
	return f.Backend.Store(ctx, store, key, data, expectedETag)
}

// countingBackend tallies successful writes per object so scheduler tests can
// watch the auto-save rotation land.
type countingBackend struct {
	storage.Backend

	mu     sync.Mutex
	counts map[string]int
}

func (c *countingBackend) Store(ctx context.Context, store, key string, data []byte, expectedETag string) (string, error) {
	etag, err := c.Backend.Store(ctx, store, key, data, expectedETag)
	if err == nil {
		c.mu.Lock()
		if c.counts == nil {
			c.counts = make(map[string]int)
		}
		c.counts[store+"/"+key]++
		c.mu.Unlock()
	}
	return etag, err
}

func (c *countingBackend) storesFor(store, key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[store+"/"+key]
}
