package concurrent_lru

import (
	"fmt"
	"hash/maphash"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ShardedLRU spreads keys over several independently locked LRUs.
type ShardedLRU[V any] struct {
	seed maphash.Seed
	l    []*lru.Cache[string, V]
	mask uint64 // shardNum - 1 (shardNum must be power of 2)
}

func NewShardedLRU[V any](
	shardNum, maxSizePerShard int,
	onEvict func(key string, v V),
) *ShardedLRU[V] {

	if shardNum <= 0 || shardNum&(shardNum-1) != 0 {
		panic("shardNum must be a power of 2 and > 0")
	}

	cl := &ShardedLRU[V]{
		seed: maphash.MakeSeed(),
		l:    make([]*lru.Cache[string, V], shardNum),
		mask: uint64(shardNum - 1),
	}

	for i := range cl.l {
		c, err := lru.NewWithEvict[string, V](maxSizePerShard, onEvict)
		if err != nil {
			panic(fmt.Sprintf("LRU: invalid max size: %d", maxSizePerShard))
		}
		cl.l[i] = c
	}

	return cl
}

func (c *ShardedLRU[V]) getShard(key string) *lru.Cache[string, V] {
	h := maphash.String(c.seed, key)
	return c.l[int(h&c.mask)]
}

func (c *ShardedLRU[V]) Add(key string, v V) {
	c.getShard(key).Add(key, v)
}

func (c *ShardedLRU[V]) Del(key string) {
	c.getShard(key).Remove(key)
}

func (c *ShardedLRU[V]) Get(key string) (v V, ok bool) {
	return c.getShard(key).Get(key)
}

// Clean removes every element for which f returns true.
func (c *ShardedLRU[V]) Clean(f func(key string, v V) bool) (removed int) {
	for _, shard := range c.l {
		for _, key := range shard.Keys() {
			v, ok := shard.Peek(key)
			if ok && f(key, v) && shard.Remove(key) {
				removed++
			}
		}
	}
	return
}

func (c *ShardedLRU[V]) Purge() {
	for _, shard := range c.l {
		shard.Purge()
	}
}

func (c *ShardedLRU[V]) Len() int {
	sum := 0
	for _, shard := range c.l {
		sum += shard.Len()
	}
	return sum
}
