package cache

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Entry is a cached DoH response.
type Entry struct {
	Body   []byte
	Status int
	Header http.Header

	// MaxAge is the freshness lifetime declared when the entry was created.
	MaxAge   time.Duration
	StoredAt time.Time
}

// Fresh reports whether e can still be served at now.
func (e *Entry) Fresh(now time.Time) bool {
	return now.Before(e.StoredAt.Add(e.MaxAge))
}

// Backend stores entries. Implementations must be safe for concurrent use
// and must never return an entry that is no longer Fresh.
type Backend interface {
	// Get returns (nil, nil) if key is not found or expired.
	Get(ctx context.Context, key string) (*Entry, error)

	// Store stores e. e must not be modified after it is stored.
	Store(ctx context.Context, key string, e *Entry) error

	// Clear removes all entries.
	Clear(ctx context.Context) error

	Len() int

	io.Closer
}
