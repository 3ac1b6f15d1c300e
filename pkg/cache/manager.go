package cache

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pmkol/doh-racer/pkg/deferred"
)

const (
	defaultTTL          = 1800 * time.Second
	defaultPath         = "/dns-query"
	defaultStoreTimeout = 5 * time.Second
)

var nopLogger = zap.NewNop()

type ManagerOpts struct {
	// Backend cannot be nil.
	Backend Backend

	// Path is the logical resource path that prefixes every key.
	// Default is "/dns-query".
	Path string

	// TTL is the freshness lifetime of new entries. Default is 1800s.
	TTL time.Duration

	// Logger is the *zap.Logger for this Manager.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *ManagerOpts) Init() error {
	if opts.Backend == nil {
		return errors.New("nil cache backend")
	}
	if len(opts.Path) == 0 {
		opts.Path = defaultPath
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Manager derives cache keys and guards the backend so that its failures
// never reach the caller.
type Manager struct {
	opts    ManagerOpts
	storeSF singleflight.Group
}

func NewManager(opts ManagerOpts) (*Manager, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Manager{opts: opts}, nil
}

// TTL returns the freshness lifetime of new entries.
func (m *Manager) TTL() time.Duration {
	return m.opts.TTL
}

// Key returns the cache key of a query whose base64url form is encoded.
// It is a lossless encoding of the query bytes, not a digest.
func (m *Manager) Key(encoded string) string {
	return m.opts.Path + "?dns_hash=" + encoded
}

// NewEntry builds an entry that is fresh for TTL from now.
func (m *Manager) NewEntry(body []byte, status int, header http.Header) *Entry {
	return &Entry{
		Body:     body,
		Status:   status,
		Header:   header,
		MaxAge:   m.opts.TTL,
		StoredAt: time.Now(),
	}
}

// Lookup returns the entry of key or nil. Backend errors are logged and
// reported as a miss.
func (m *Manager) Lookup(ctx context.Context, key string) *Entry {
	e, err := m.opts.Backend.Get(ctx, key)
	if err != nil {
		m.opts.Logger.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
		return nil
	}
	return e
}

// Store writes e after the current response via sched. With a nil sched the
// write runs on a new goroutine. Concurrent stores of the same key share a
// single backend write. Errors are logged and dropped.
func (m *Manager) Store(key string, e *Entry, sched deferred.Scheduler) {
	task := func(ctx context.Context) {
		_, _, _ = m.storeSF.Do(key, func() (any, error) {
			if err := m.opts.Backend.Store(ctx, key, e); err != nil {
				m.opts.Logger.Warn("cache store failed", zap.String("key", key), zap.Error(err))
			}
			return nil, nil
		})
	}

	if sched == nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), defaultStoreTimeout)
			defer cancel()
			task(ctx)
		}()
		return
	}
	sched.ScheduleAfterResponse(task)
}

// Clear removes all cached entries.
func (m *Manager) Clear(ctx context.Context) error {
	return m.opts.Backend.Clear(ctx)
}

func (m *Manager) Len() int {
	return m.opts.Backend.Len()
}

func (m *Manager) Close() error {
	return m.opts.Backend.Close()
}
