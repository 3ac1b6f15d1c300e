/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 *
 * mosdns is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * mosdns is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package mem_cache

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/doh-racer/pkg/cache"
)

func newEntry(b []byte, maxAge time.Duration) *cache.Entry {
	return &cache.Entry{
		Body:     b,
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": {"application/dns-message"}},
		MaxAge:   maxAge,
		StoredAt: time.Now(),
	}
}

func Test_memCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemCache(1024, -1)
	defer c.Close()

	for i := 0; i < 128; i++ {
		key := strconv.Itoa(i)
		require.NoError(t, c.Store(ctx, key, newEntry([]byte{byte(i)}, time.Minute)))
		e, err := c.Get(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, e)
		if e.Body[0] != byte(i) {
			t.Fatal("cache kv mismatched")
		}
	}

	for i := 0; i < 1024*4; i++ {
		_ = c.Store(ctx, strconv.Itoa(i), newEntry([]byte{}, time.Minute))
	}

	if c.Len() > 2048 {
		t.Fatal("cache overflow")
	}

	require.NoError(t, c.Clear(ctx))
	assert.Equal(t, 0, c.Len())
}

func Test_memCache_ownsBody(t *testing.T) {
	ctx := context.Background()
	c := NewMemCache(1024, -1)
	defer c.Close()

	b := []byte{1, 2, 3}
	require.NoError(t, c.Store(ctx, "k", newEntry(b, time.Minute)))
	b[0] = 9
	e, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, e.Body)
}

func Test_memCache_expired(t *testing.T) {
	ctx := context.Background()
	c := NewMemCache(1024, -1)
	defer c.Close()

	require.NoError(t, c.Store(ctx, "k", newEntry([]byte{1}, 20*time.Millisecond)))
	e, _ := c.Get(ctx, "k")
	require.NotNil(t, e)

	time.Sleep(30 * time.Millisecond)
	e, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, e)
	assert.Equal(t, 0, c.Len())

	// Already stale entries are not stored.
	stale := newEntry([]byte{1}, time.Second)
	stale.StoredAt = time.Now().Add(-time.Hour)
	require.NoError(t, c.Store(ctx, "stale", stale))
	assert.Equal(t, 0, c.Len())
}

func Test_memCache_cleaner(t *testing.T) {
	ctx := context.Background()
	c := NewMemCache(1024, time.Millisecond*10)
	defer c.Close()
	for i := 0; i < 64; i++ {
		_ = c.Store(ctx, strconv.Itoa(i), newEntry(nil, 5*time.Millisecond))
	}

	time.Sleep(time.Millisecond * 100)
	if c.Len() != 0 {
		t.Fatal()
	}
}

func Test_memCache_closed(t *testing.T) {
	ctx := context.Background()
	c := NewMemCache(1024, 0)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.NoError(t, c.Store(ctx, "k", newEntry([]byte{1}, time.Minute)))
	e, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func Test_memCache_race(t *testing.T) {
	ctx := context.Background()
	c := NewMemCache(1024, -1)
	defer c.Close()

	wg := sync.WaitGroup{}
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 256; i++ {
				key := strconv.Itoa(i)
				_ = c.Store(ctx, key, newEntry([]byte{}, time.Minute))
				_, _ = c.Get(ctx, key)
				c.lru.Clean(func(string, *cache.Entry) bool { return false })
			}
		}()
	}
	wg.Wait()
}
