package doh

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQuery(t *testing.T) []byte {
	t.Helper()
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	q.Id = 0x1234
	b, err := q.Pack()
	require.NoError(t, err)
	return b
}

func TestUpstream_Exchange(t *testing.T) {
	q := newTestQuery(t)
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, dnsContentType, r.Header.Get("Content-Type"))
		assert.Equal(t, dnsContentType, r.Header.Get("Accept"))
		assert.Contains(t, r.Header.Get("User-Agent"), "doh-racer/")
		b, _ := io.ReadAll(r.Body)
		assert.Equal(t, q, b)

		m := new(dns.Msg)
		require.NoError(t, m.Unpack(b))
		resp := new(dns.Msg)
		resp.SetReply(m)
		wire, _ := resp.Pack()
		w.Header().Set("Content-Type", dnsContentType)
		_, _ = w.Write(wire)
	}))
	defer srv.Close()

	u := NewUpstream("test", srv.URL+"/dns-query", WrapRoundTripper(srv.Client().Transport), nil)
	assert.Equal(t, "test", u.Name())
	assert.Equal(t, srv.URL+"/dns-query", u.Address())

	res, err := u.Exchange(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, dnsContentType, res.Header.Get("Content-Type"))

	m := new(dns.Msg)
	require.NoError(t, m.Unpack(res.Body))
	assert.Equal(t, uint16(0x1234), m.Id)
	assert.True(t, m.Response)
}

func TestUpstream_Exchange_errors(t *testing.T) {
	q := newTestQuery(t)

	tests := []struct {
		name    string
		handler http.HandlerFunc
		check   func(t *testing.T, err error)
	}{
		{
			name: "non 2xx",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			check: func(t *testing.T, err error) {
				var se *StatusError
				require.True(t, errors.As(err, &se))
				assert.Equal(t, http.StatusServiceUnavailable, se.Status)
				assert.Equal(t, "http 503", se.Error())
			},
		},
		{
			name:    "empty body",
			handler: func(w http.ResponseWriter, _ *http.Request) {},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrEmptyResponse)
			},
		},
		{
			name: "too large",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write(bytes.Repeat([]byte{1}, dns.MaxMsgSize+1))
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrResponseTooLarge)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			u := NewUpstream("test", srv.URL, WrapRoundTripper(srv.Client().Transport), nil)
			_, err := u.Exchange(context.Background(), q)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestUpstream_Exchange_contextDeadline(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	u := NewUpstream("slow", srv.URL, WrapRoundTripper(srv.Client().Transport), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := u.Exchange(ctx, newTestQuery(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNewTransport(t *testing.T) {
	q := newTestQuery(t)
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", dnsContentType)
		_, _ = w.Write(b)
	}))
	defer srv.Close()

	roots := x509.NewCertPool()
	roots.AddCert(srv.Certificate())
	tr := NewTransport(TransportOpts{RootCAs: roots})
	assert.True(t, tr.ForceAttemptHTTP2)
	assert.True(t, tr.TLSClientConfig.MinVersion > 0)

	u := NewUpstream("tls", srv.URL+"/dns-query", tr, func() error {
		tr.CloseIdleConnections()
		return nil
	})
	defer u.Close()

	res, err := u.Exchange(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, q, res.Body)
	assert.Equal(t, dnsContentType, res.Header.Get("Content-Type"))

	// The test certificate is not trusted without RootCAs.
	untrusted := NewUpstream("untrusted", srv.URL+"/dns-query", NewTransport(TransportOpts{}), nil)
	_, err = untrusted.Exchange(context.Background(), q)
	assert.Error(t, err)

	insecure := NewUpstream("insecure", srv.URL+"/dns-query", NewTransport(TransportOpts{InsecureSkipVerify: true}), nil)
	_, err = insecure.Exchange(context.Background(), q)
	assert.NoError(t, err)
}

func TestNewTransport_cleartext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	u := NewUpstream("plain", srv.URL, NewTransport(TransportOpts{}), nil)
	_, err := u.Exchange(context.Background(), newTestQuery(t))
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.Status)
}
