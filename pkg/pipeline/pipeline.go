package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/doh-racer/pkg/bundled_upstream"
	"github.com/pmkol/doh-racer/pkg/cache"
	"github.com/pmkol/doh-racer/pkg/deferred"
	C "github.com/pmkol/doh-racer/pkg/query_context"
	"github.com/pmkol/doh-racer/pkg/stats"
	"github.com/pmkol/doh-racer/pkg/upstream"
)

const (
	defaultConcurrency = 4
	defaultTimeout     = 2500 * time.Millisecond

	dnsContentType = "application/dns-message"
)

var nopLogger = zap.NewNop()

type Opts struct {
	// Upstreams cannot be nil.
	Upstreams *upstream.Pool

	// Cache cannot be nil.
	Cache *cache.Manager

	// Stats is optional.
	Stats *stats.Stats

	// Concurrency is the number of upstreams raced per query. Default is 4.
	Concurrency int

	// Timeout bounds every upstream attempt. Default is 2500ms.
	Timeout time.Duration

	// Logger is the *zap.Logger for this Pipeline.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *Opts) Init() error {
	if opts.Upstreams == nil || opts.Upstreams.Len() == 0 {
		return errors.New("no upstream")
	}
	if opts.Cache == nil {
		return errors.New("nil cache manager")
	}
	if opts.Stats == nil {
		opts.Stats = stats.New(opts.Upstreams.Names())
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Result is the outcome of one resolution.
type Result struct {
	// Entry is nil if Failed.
	Entry *cache.Entry

	FromCache bool

	// Provider is the winning upstream. Empty for cache hits.
	Provider string

	// Elapsed is zero for cache hits.
	Elapsed time.Duration

	// Failed means every raced upstream failed or timed out.
	Failed bool
}

type Pipeline struct {
	opts Opts
}

func New(opts Opts) (*Pipeline, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Pipeline{opts: opts}, nil
}

func (p *Pipeline) Stats() *stats.Stats {
	return p.opts.Stats
}

func (p *Pipeline) Cache() *cache.Manager {
	return p.opts.Cache
}

func (p *Pipeline) Upstreams() *upstream.Pool {
	return p.opts.Upstreams
}

// ResolveTransport builds a query context from a client transport and
// resolves it. Client input errors are returned before any upstream
// is contacted.
func (p *Pipeline) ResolveTransport(ctx context.Context, transportQuery []byte, kind C.TransportKind, meta *C.RequestMeta, sched deferred.Scheduler) (*Result, error) {
	p.opts.Stats.IncRequest()
	qCtx, err := C.New(transportQuery, kind, meta)
	if err != nil {
		return nil, err
	}
	return p.resolve(ctx, qCtx, sched)
}

// Resolve answers qCtx from cache or by racing a random sample of upstreams.
// On a miss the winning reply is stored through sched after the response.
// A total failure is reported by Result.Failed, not by an error. The error is
// only non-nil if ctx is done before the race finishes.
func (p *Pipeline) Resolve(ctx context.Context, qCtx *C.Context, sched deferred.Scheduler) (*Result, error) {
	p.opts.Stats.IncRequest()
	return p.resolve(ctx, qCtx, sched)
}

func (p *Pipeline) resolve(ctx context.Context, qCtx *C.Context, sched deferred.Scheduler) (*Result, error) {
	key := p.opts.Cache.Key(qCtx.Encoded())
	if e := p.opts.Cache.Lookup(ctx, key); e != nil {
		p.opts.Stats.IncCacheHit()
		p.opts.Logger.Debug("cache hit", qCtx.InfoField())
		return &Result{Entry: e, FromCache: true}, nil
	}

	ups := p.opts.Upstreams.Sample(p.opts.Concurrency)
	out, err := bundled_upstream.Race(ctx, qCtx, ups, bundled_upstream.Opts{
		Timeout: p.opts.Timeout,
		Logger:  p.opts.Logger,
	})
	if err != nil {
		if errors.Is(err, bundled_upstream.ErrAllFailed) {
			p.opts.Logger.Warn("query failed", qCtx.InfoField(), zap.Error(err))
			return &Result{Failed: true}, nil
		}
		return nil, err
	}

	elapsed := time.Since(qCtx.StartTime())
	p.opts.Stats.RecordWin(out.From.Name(), elapsed)

	e := p.opts.Cache.NewEntry(out.Response.Body, out.Response.Status, p.replyHeader())
	p.opts.Cache.Store(key, e, sched)
	return &Result{
		Entry:    e,
		Provider: out.From.Name(),
		Elapsed:  elapsed,
	}, nil
}

// replyHeader returns the headers stored with every entry.
func (p *Pipeline) replyHeader() http.Header {
	h := make(http.Header, 3)
	h.Set("Content-Type", dnsContentType)
	h.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(p.opts.Cache.TTL().Seconds())))
	h.Set("Access-Control-Allow-Origin", "*")
	return h
}
