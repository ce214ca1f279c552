package api

import (
	"context"
	"errors"
	"time"

	"densitymap/pkg/metrics"
)

var (
	errCacheDisabled = errors.New("cache disabled")
	errCacheStopped  = errors.New("cache stopped")
)

// SharedCache is an optional second tier shared between server processes.
// It is consulted after an in-memory miss and filled after every load.
type SharedCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration)
}

type cacheOp int

const (
	opLookup cacheOp = iota
	opStore
)

// cacheRequest is the only message the owning goroutine accepts.
type cacheRequest struct {
	op    cacheOp
	key   string
	data  []byte
	reply chan []byte
}

type cacheEntry struct {
	data    []byte
	expires time.Time
}

// ResponseCache keeps encoded /points and /estimate bodies so identical
// queries inside the TTL skip the store. The map is owned by one goroutine;
// loaders run on the caller's goroutine so a slow query never blocks hits.
type ResponseCache struct {
	ttl      time.Duration
	shared   SharedCache
	requests chan cacheRequest
	quit     chan struct{}
	now      func() time.Time
}

// NewResponseCache starts the owner goroutine. A non-positive ttl disables
// caching and returns nil; shared may be nil.
func NewResponseCache(ttl time.Duration, shared SharedCache) *ResponseCache {
	if ttl <= 0 {
		return nil
	}
	cache := &ResponseCache{
		ttl:      ttl,
		shared:   shared,
		requests: make(chan cacheRequest),
		quit:     make(chan struct{}),
		now:      time.Now,
	}
	go cache.loop()
	return cache
}

// Close stops the owner goroutine. Safe to call twice.
func (c *ResponseCache) Close() {
	if c == nil {
		return
	}
	select {
	case <-c.quit:
		return
	default:
	}
	close(c.quit)
}

// Get returns cached bytes for key, or runs loader and stores its result.
// Failed loads are never cached.
func (c *ResponseCache) Get(ctx context.Context, key string, loader func(context.Context) ([]byte, error)) ([]byte, error) {
	if c == nil {
		return nil, errCacheDisabled
	}
	data, err := c.send(ctx, cacheRequest{op: opLookup, key: key})
	if err != nil {
		return nil, err
	}
	if data != nil {
		metrics.CacheHitsTotal.WithLabelValues("memory").Inc()
		return clone(data), nil
	}

	if c.shared != nil {
		if data, ok := c.shared.Get(ctx, key); ok {
			metrics.CacheHitsTotal.WithLabelValues("shared").Inc()
			_, _ = c.send(ctx, cacheRequest{op: opStore, key: key, data: clone(data)})
			return data, nil
		}
	}

	metrics.CacheMissesTotal.Inc()
	data, err = loader(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := c.send(ctx, cacheRequest{op: opStore, key: key, data: clone(data)}); err != nil {
		return data, nil
	}
	if c.shared != nil {
		c.shared.Set(ctx, key, data, c.ttl)
	}
	return data, nil
}

func (c *ResponseCache) send(ctx context.Context, req cacheRequest) ([]byte, error) {
	req.reply = make(chan []byte, 1)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.quit:
		return nil, errCacheStopped
	case c.requests <- req:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.quit:
		return nil, errCacheStopped
	case data := <-req.reply:
		return data, nil
	}
}

func (c *ResponseCache) loop() {
	store := make(map[string]cacheEntry)
	for {
		select {
		case <-c.quit:
			return
		case req := <-c.requests:
			now := c.now()
			switch req.op {
			case opLookup:
				entry, ok := store[req.key]
				if ok && now.Before(entry.expires) {
					req.reply <- entry.data
					continue
				}
				if ok {
					delete(store, req.key)
				}
				req.reply <- nil
			case opStore:
				if req.data != nil {
					store[req.key] = cacheEntry{data: req.data, expires: now.Add(c.ttl)}
				}
				req.reply <- nil
			}
		}
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
