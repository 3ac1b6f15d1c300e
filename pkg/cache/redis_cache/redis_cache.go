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

package redis_cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang/snappy"
	"go.uber.org/zap"

	"github.com/pmkol/doh-racer/pkg/cache"
)

const (
	defaultClientTimeout = time.Second
	defaultKeyPrefix     = "doh-racer:"

	valueVersion = 1
)

var nopLogger = zap.NewNop()

type RedisCacheOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisCache.Close is called.
	// Optional.
	ClientCloser io.Closer

	// ClientTimeout specifies the timeout for read and write operations.
	// Default is 1s.
	ClientTimeout time.Duration

	// KeyPrefix is prepended to every key. Default is "doh-racer:".
	KeyPrefix string

	// Logger is the *zap.Logger for this RedisCache.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *RedisCacheOpts) Init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = defaultClientTimeout
	}
	if len(opts.KeyPrefix) == 0 {
		opts.KeyPrefix = defaultKeyPrefix
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

type RedisCache struct {
	opts           RedisCacheOpts
	clientDisabled uint32

	closeOnce sync.Once
	closed    chan struct{}
}

var _ cache.Backend = (*RedisCache)(nil)

func NewRedisCache(opts RedisCacheOpts) (*RedisCache, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &RedisCache{
		opts:   opts,
		closed: make(chan struct{}),
	}, nil
}

func (r *RedisCache) disabled() bool {
	return atomic.LoadUint32(&r.clientDisabled) != 0
}

// disableClient turns r into a permanent miss until redis answers a ping.
func (r *RedisCache) disableClient() {
	if atomic.CompareAndSwapUint32(&r.clientDisabled, 0, 1) {
		r.opts.Logger.Warn("redis temporarily disabled")
		go func() {
			const maxBackoff = time.Second * 30
			backoff := time.Millisecond * 100
			for {
				select {
				case <-time.After(backoff):
				case <-r.closed:
					return
				}
				ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*500)
				err := r.opts.Client.Ping(ctx).Err()
				cancel()
				if err != nil {
					if backoff >= maxBackoff {
						backoff = maxBackoff
					} else {
						backoff += time.Duration(rand.IntN(1000))*time.Millisecond + time.Second
					}
					r.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
					continue
				}
				atomic.StoreUint32(&r.clientDisabled, 0)
				r.opts.Logger.Info("redis re-enabled")
				return
			}
		}()
	}
}

func (r *RedisCache) key(key string) string {
	return r.opts.KeyPrefix + key
}

func (r *RedisCache) Get(ctx context.Context, key string) (*cache.Entry, error) {
	if r.disabled() {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	b, err := r.opts.Client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		r.disableClient()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	e, err := unpackRedisValue(b)
	if err != nil {
		return nil, fmt.Errorf("redis data unpack: %w", err)
	}
	if !e.Fresh(time.Now()) {
		return nil, nil
	}
	return e, nil
}

// Store stores e into redis. The redis key expires with the entry.
func (r *RedisCache) Store(ctx context.Context, key string, e *cache.Entry) error {
	if r.disabled() || e == nil {
		return nil
	}

	ttl := time.Until(e.StoredAt.Add(e.MaxAge))
	if ttl <= 0 {
		return nil
	}

	data, err := packRedisValue(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	if err := r.opts.Client.Set(ctx, r.key(key), data, ttl).Err(); err != nil {
		r.disableClient()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Clear deletes all keys with KeyPrefix.
func (r *RedisCache) Clear(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout*10)
	defer cancel()

	var cursor uint64
	for {
		keys, next, err := r.opts.Client.Scan(ctx, cursor, r.opts.KeyPrefix+"*", 512).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := r.opts.Client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Close closes the redis client.
func (r *RedisCache) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}

func (r *RedisCache) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
	defer cancel()
	i, err := r.opts.Client.DBSize(ctx).Result()
	if err != nil {
		r.opts.Logger.Error("dbsize", zap.Error(err))
		return 0
	}
	return int(i)
}

// packRedisValue packs e into a snappy compressed byte slice.
//
//	version(1) status(2) storedAt(8) maxAge(8) headerCount(2)
//	[keyLen(2) key valueCount(2) [valueLen(2) value]...]... body
func packRedisValue(e *cache.Entry) ([]byte, error) {
	if e.Status < 0 || e.Status > math.MaxUint16 {
		return nil, fmt.Errorf("invalid status %d", e.Status)
	}
	if len(e.Header) > math.MaxUint16 {
		return nil, errors.New("too many headers")
	}

	b := make([]byte, 0, 21+len(e.Body)+64)
	b = append(b, valueVersion)
	b = binary.BigEndian.AppendUint16(b, uint16(e.Status))
	b = binary.BigEndian.AppendUint64(b, uint64(e.StoredAt.UnixNano()))
	b = binary.BigEndian.AppendUint64(b, uint64(e.MaxAge))
	b = binary.BigEndian.AppendUint16(b, uint16(len(e.Header)))
	for k, vs := range e.Header {
		if len(k) > math.MaxUint16 || len(vs) > math.MaxUint16 {
			return nil, fmt.Errorf("header %q is too large", k)
		}
		b = appendString(b, k)
		b = binary.BigEndian.AppendUint16(b, uint16(len(vs)))
		for _, v := range vs {
			if len(v) > math.MaxUint16 {
				return nil, fmt.Errorf("header %q is too large", k)
			}
			b = appendString(b, v)
		}
	}
	b = append(b, e.Body...)
	return snappy.Encode(nil, b), nil
}

func appendString(b []byte, s string) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

var errShortValue = errors.New("value is too short")

func unpackRedisValue(compressed []byte) (*cache.Entry, error) {
	b, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, err
	}
	if len(b) < 21 {
		return nil, errShortValue
	}
	if b[0] != valueVersion {
		return nil, fmt.Errorf("unknown value version %d", b[0])
	}
	e := &cache.Entry{
		Status:   int(binary.BigEndian.Uint16(b[1:3])),
		StoredAt: time.Unix(0, int64(binary.BigEndian.Uint64(b[3:11]))),
		MaxAge:   time.Duration(binary.BigEndian.Uint64(b[11:19])),
	}
	n := int(binary.BigEndian.Uint16(b[19:21]))
	b = b[21:]

	readString := func() (string, bool) {
		if len(b) < 2 {
			return "", false
		}
		l := int(binary.BigEndian.Uint16(b))
		if len(b) < 2+l {
			return "", false
		}
		s := string(b[2 : 2+l])
		b = b[2+l:]
		return s, true
	}

	if n > 0 {
		e.Header = make(http.Header, n)
	}
	for i := 0; i < n; i++ {
		k, ok := readString()
		if !ok || len(b) < 2 {
			return nil, errShortValue
		}
		vn := int(binary.BigEndian.Uint16(b))
		b = b[2:]
		vs := make([]string, 0, vn)
		for j := 0; j < vn; j++ {
			v, ok := readString()
			if !ok {
				return nil, errShortValue
			}
			vs = append(vs, v)
		}
		e.Header[k] = vs
	}
	e.Body = b
	return e, nil
}
