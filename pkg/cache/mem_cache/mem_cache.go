package mem_cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pmkol/doh-racer/pkg/cache"
	"github.com/pmkol/doh-racer/pkg/concurrent_lru"
)

const (
	shardSize              = 64
	defaultCleanerInterval = time.Minute
)

// MemCache is an in-memory cache.Backend with lru eviction.
type MemCache struct {
	closed           uint32
	closeCleanerChan chan struct{}
	lru              *concurrent_lru.ShardedLRU[*cache.Entry]
}

var _ cache.Backend = (*MemCache)(nil)

// NewMemCache returns a MemCache holding about size entries. Expired entries
// are removed every cleanerInterval. A negative cleanerInterval disables
// the cleaner, zero means one minute.
func NewMemCache(size int, cleanerInterval time.Duration) *MemCache {
	sizePerShard := size / shardSize
	if sizePerShard < 16 {
		sizePerShard = 16
	}
	c := &MemCache{
		closeCleanerChan: make(chan struct{}),
		lru:              concurrent_lru.NewShardedLRU[*cache.Entry](shardSize, sizePerShard, nil),
	}

	if cleanerInterval >= 0 {
		if cleanerInterval == 0 {
			cleanerInterval = defaultCleanerInterval
		}
		go c.startCleaner(cleanerInterval)
	}
	return c
}

func (c *MemCache) isClosed() bool {
	return atomic.LoadUint32(&c.closed) != 0
}

func (c *MemCache) Close() error {
	if atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		close(c.closeCleanerChan)
	}
	return nil
}

func (c *MemCache) Get(_ context.Context, key string) (*cache.Entry, error) {
	if c.isClosed() {
		return nil, nil
	}

	e, found := c.lru.Get(key)
	if !found {
		return nil, nil
	}
	if !e.Fresh(time.Now()) {
		c.lru.Del(key)
		return nil, nil
	}
	return e, nil
}

func (c *MemCache) Store(_ context.Context, key string, e *cache.Entry) error {
	if c.isClosed() || e == nil {
		return nil
	}
	if !e.Fresh(time.Now()) {
		return nil
	}

	// Own the body so callers can reuse their buffer.
	stored := *e
	stored.Body = append([]byte(nil), e.Body...)
	stored.Header = e.Header.Clone()
	c.lru.Add(key, &stored)
	return nil
}

func (c *MemCache) Clear(context.Context) error {
	c.lru.Purge()
	return nil
}

func (c *MemCache) startCleaner(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCleanerChan:
			return
		case <-ticker.C:
			now := time.Now()
			c.lru.Clean(func(_ string, e *cache.Entry) bool {
				return !e.Fresh(now)
			})
		}
	}
}

func (c *MemCache) Len() int {
	return c.lru.Len()
}
