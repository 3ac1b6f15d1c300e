package concurrent_lru

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShardedLRU(t *testing.T) {
	var evicted int
	var m sync.Mutex
	c := NewShardedLRU[int](4, 8, func(string, int) {
		m.Lock()
		evicted++
		m.Unlock()
	})

	for i := 0; i < 16; i++ {
		c.Add(strconv.Itoa(i), i)
	}
	for i := 0; i < 16; i++ {
		v, ok := c.Get(strconv.Itoa(i))
		if ok {
			assert.Equal(t, i, v)
		}
	}
	assert.LessOrEqual(t, c.Len(), 32)

	for i := 0; i < 1024; i++ {
		c.Add(strconv.Itoa(i), i)
	}
	assert.Equal(t, 32, c.Len())
	assert.Greater(t, evicted, 0)

	removed := c.Clean(func(_ string, v int) bool { return v%2 == 0 })
	assert.Equal(t, 32-removed, c.Len())
	c.Clean(func(_ string, v int) bool {
		assert.NotZero(t, v%2)
		return false
	})

	c.Del("1023")
	_, ok := c.Get("1023")
	assert.False(t, ok)

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestShardedLRU_invalidShardNum(t *testing.T) {
	assert.Panics(t, func() { NewShardedLRU[int](3, 8, nil) })
	assert.Panics(t, func() { NewShardedLRU[int](4, 0, nil) })
}

func TestShardedLRU_race(t *testing.T) {
	c := NewShardedLRU[int](8, 16, nil)
	wg := sync.WaitGroup{}
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 256; i++ {
				k := strconv.Itoa(i)
				c.Add(k, i)
				_, _ = c.Get(k)
				c.Clean(func(string, int) bool { return false })
			}
		}()
	}
	wg.Wait()
}
