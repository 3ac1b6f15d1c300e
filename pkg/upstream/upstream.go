package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"

	"golang.org/x/time/rate"

	"github.com/pmkol/doh-racer/pkg/upstream/doh"
	"github.com/pmkol/doh-racer/pkg/upstream/doh3"
)

type (
	Response    = doh.Response
	StatusError = doh.StatusError
)

var ErrRateLimited = errors.New("upstream qps limit reached")

// Upstream exchanges a wire-format query with a DoH server.
type Upstream interface {
	Exchange(ctx context.Context, q []byte) (*Response, error)
	Name() string
	Address() string
	Close() error
}

// Config describes a single DoH endpoint.
type Config struct {
	Name  string `yaml:"name"`
	URL   string `yaml:"url"`
	Color string `yaml:"color"` // display only

	// HTTP3 sends queries over HTTP/3 instead of HTTP/1.1 or HTTP/2.
	HTTP3 bool `yaml:"http3"`

	// QPS limits queries sent to this endpoint. Zero means unlimited.
	QPS   float64 `yaml:"qps"`
	Burst int     `yaml:"burst"`

	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// Opts are shared by all upstreams built with New.
type Opts struct {
	// TLSConfig overrides the default client tls config. Mainly for tests.
	// Only RootCAs and InsecureSkipVerify are used by HTTP/1.1 and HTTP/2
	// upstreams.
	TLSConfig *tls.Config
}

// New builds an Upstream from cfg.
func New(cfg Config, opts Opts) (Upstream, error) {
	if len(cfg.Name) == 0 {
		return nil, errors.New("missing upstream name")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q, %w", cfg.URL, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("unsupported scheme %q in %s", u.Scheme, cfg.URL)
	}

	var tlsConfig *tls.Config
	if opts.TLSConfig != nil {
		tlsConfig = opts.TLSConfig.Clone()
	}
	if cfg.InsecureSkipVerify {
		if tlsConfig == nil {
			tlsConfig = new(tls.Config)
		}
		tlsConfig.InsecureSkipVerify = true
	}

	var up Upstream
	if cfg.HTTP3 {
		if u.Scheme != "https" {
			return nil, fmt.Errorf("http3 upstream %s requires https", cfg.Name)
		}
		t := doh3.NewTransport(tlsConfig)
		up = doh.NewUpstream(cfg.Name, u.String(), doh.WrapRoundTripper(t), doh3.CloseFunc(t))
	} else {
		to := doh.TransportOpts{}
		if tlsConfig != nil {
			to.RootCAs = tlsConfig.RootCAs
			to.InsecureSkipVerify = tlsConfig.InsecureSkipVerify
		}
		t := doh.NewTransport(to)
		up = doh.NewUpstream(cfg.Name, u.String(), t, func() error {
			t.CloseIdleConnections()
			return nil
		})
	}

	if cfg.QPS > 0 {
		up = WithQPSLimit(up, cfg.QPS, cfg.Burst)
	}
	return up, nil
}

type limitedUpstream struct {
	Upstream
	limiter *rate.Limiter
}

// WithQPSLimit wraps u so that queries above qps fail fast with
// ErrRateLimited instead of being sent.
func WithQPSLimit(u Upstream, qps float64, burst int) Upstream {
	if burst <= 0 {
		burst = int(qps)
		if burst < 1 {
			burst = 1
		}
	}
	return &limitedUpstream{
		Upstream: u,
		limiter:  rate.NewLimiter(rate.Limit(qps), burst),
	}
}

func (l *limitedUpstream) Exchange(ctx context.Context, q []byte) (*Response, error) {
	if !l.limiter.Allow() {
		return nil, ErrRateLimited
	}
	return l.Upstream.Exchange(ctx, q)
}
