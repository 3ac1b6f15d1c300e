package doh

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	stdhttp "net/http"
	"time"

	"github.com/miekg/dns"
	"gitlab.com/go-extension/http"
	eTLS "gitlab.com/go-extension/tls"

	C "github.com/pmkol/doh-racer/constant"
	"github.com/pmkol/doh-racer/pkg/pool"
)

const dnsContentType = "application/dns-message"

var defaultUserAgent = fmt.Sprintf("doh-racer/%s", C.Version)

var (
	ErrEmptyResponse    = errors.New("empty response")
	ErrResponseTooLarge = errors.New("response too large")
)

// Response is the raw reply of a DoH upstream.
type Response struct {
	Body   []byte
	Status int
	Header stdhttp.Header
}

// StatusError is returned when the upstream replies with a non-2xx status.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d", e.Status)
}

type Upstream struct {
	name   string
	urlStr string
	rt     http.RoundTripper
	closer func() error
}

// NewUpstream returns an Upstream that posts queries to urlStr via rt.
// Use WrapRoundTripper for a net/http round tripper.
// closer is optional and called by Close.
func NewUpstream(name, urlStr string, rt http.RoundTripper, closer func() error) *Upstream {
	return &Upstream{
		name:   name,
		urlStr: urlStr,
		rt:     rt,
		closer: closer,
	}
}

func (u *Upstream) Name() string {
	return u.name
}

func (u *Upstream) Address() string {
	return u.urlStr
}

// Exchange posts the wire query q as is. The query id is left untouched so
// that the reply matches the client's original message.
func (u *Upstream) Exchange(ctx context.Context, q []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.urlStr, bytes.NewReader(q))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", dnsContentType)
	req.Header.Set("Accept", dnsContentType)
	req.Header.Set("User-Agent", defaultUserAgent)

	res, err := u.rt.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, dns.MaxMsgSize))
		_ = res.Body.Close()
	}()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &StatusError{Status: res.StatusCode}
	}

	body, tooLarge, err := pool.ReadAllLimited(res.Body, dns.MaxMsgSize)
	if err != nil {
		return nil, err
	}
	if tooLarge {
		return nil, ErrResponseTooLarge
	}
	if len(body) == 0 {
		return nil, ErrEmptyResponse
	}

	return &Response{
		Body:   body,
		Status: res.StatusCode,
		Header: stdhttp.Header(res.Header.Clone()),
	}, nil
}

func (u *Upstream) Close() error {
	if u.closer != nil {
		return u.closer()
	}
	return nil
}

type TransportOpts struct {
	// RootCAs verifies upstream certificates. Nil means system roots.
	RootCAs *x509.CertPool

	InsecureSkipVerify bool

	// DialTimeout defaults to 5s.
	DialTimeout time.Duration

	// IdleConnTimeout defaults to 90s.
	IdleConnTimeout time.Duration
}

// NewTransport returns a *http.Transport that negotiates HTTP/2 over TLS
// and falls back to HTTP/1.1.
func NewTransport(opts TransportOpts) *http.Transport {
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	idleTimeout := opts.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = 90 * time.Second
	}

	return &http.Transport{
		Proxy:       http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSClientConfig: &eTLS.Config{
			MinVersion:         eTLS.VersionTLS12,
			RootCAs:            opts.RootCAs,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		},
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     idleTimeout,
		TLSHandshakeTimeout: dialTimeout,
	}
}

type stdRoundTripper struct {
	rt stdhttp.RoundTripper
}

// WrapRoundTripper adapts a net/http round tripper, e.g. an HTTP/3 one.
func WrapRoundTripper(rt stdhttp.RoundTripper) http.RoundTripper {
	return &stdRoundTripper{rt: rt}
}

func (t *stdRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	res, err := t.rt.RoundTrip(http.FromRequest(req))
	if err != nil {
		return nil, err
	}
	return http.ToResponse(res), nil
}
