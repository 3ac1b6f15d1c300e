package stats

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type providerCounter struct {
	requests  atomic.Int64
	successes atomic.Int64
}

// Stats holds the service-wide counters. They are reset only on restart.
// The provider set is fixed when Stats is created, so reads and writes never
// need a lock.
type Stats struct {
	startTime time.Time
	requests  atomic.Int64
	cacheHits atomic.Int64
	providers map[string]*providerCounter

	requestsTotal     prometheus.Counter
	cacheHitsTotal    prometheus.Counter
	upstreamRequests  *prometheus.CounterVec
	upstreamSuccesses *prometheus.CounterVec
	raceDuration      prometheus.Histogram
}

func New(providers []string) *Stats {
	s := &Stats{
		startTime: time.Now(),
		providers: make(map[string]*providerCounter, len(providers)),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "requests_total",
			Help: "The total number of resolution requests",
		}),
		cacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "The total number of requests answered from cache",
		}),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "The total number of races won by the upstream",
		}, []string{"upstream"}),
		upstreamSuccesses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upstream_successes_total",
			Help: "The total number of successful replies used from the upstream",
		}, []string{"upstream"}),
		raceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "race_duration_seconds",
			Help:    "Elapsed time of successful races",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1, 2.5},
		}),
	}
	for _, name := range providers {
		s.providers[name] = new(providerCounter)
	}
	return s
}

// Register registers all collectors of s to r.
func (s *Stats) Register(r prometheus.Registerer) error {
	for _, c := range [...]prometheus.Collector{
		s.requestsTotal,
		s.cacheHitsTotal,
		s.upstreamRequests,
		s.upstreamSuccesses,
		s.raceDuration,
	} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stats) IncRequest() {
	s.requests.Add(1)
	s.requestsTotal.Inc()
}

func (s *Stats) IncCacheHit() {
	s.cacheHits.Add(1)
	s.cacheHitsTotal.Inc()
}

// RecordWin counts a race won by provider. Unknown providers are
// ignored by the snapshot but still exported as metrics.
func (s *Stats) RecordWin(provider string, elapsed time.Duration) {
	if p := s.providers[provider]; p != nil {
		p.requests.Add(1)
		p.successes.Add(1)
	}
	s.upstreamRequests.WithLabelValues(provider).Inc()
	s.upstreamSuccesses.WithLabelValues(provider).Inc()
	s.raceDuration.Observe(elapsed.Seconds())
}

type ProviderSnapshot struct {
	Requests  int64 `json:"requests"`
	Successes int64 `json:"successes"`
}

type Snapshot struct {
	Requests  int64                       `json:"requests"`
	CacheHits int64                       `json:"cache_hits"`
	StartTime int64                       `json:"start_time"` // unix milliseconds
	Providers map[string]ProviderSnapshot `json:"providers"`
}

// Snapshot returns the current counters. Counters are read one by one, the
// result is not an atomic view across all of them.
func (s *Stats) Snapshot() Snapshot {
	ps := make(map[string]ProviderSnapshot, len(s.providers))
	for name, p := range s.providers {
		ps[name] = ProviderSnapshot{
			Requests:  p.requests.Load(),
			Successes: p.successes.Load(),
		}
	}
	return Snapshot{
		Requests:  s.requests.Load(),
		CacheHits: s.cacheHits.Load(),
		StartTime: s.startTime.UnixMilli(),
		Providers: ps,
	}
}
