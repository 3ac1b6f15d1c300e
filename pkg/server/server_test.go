package server

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pmkol/doh-racer/pkg/cache"
	"github.com/pmkol/doh-racer/pkg/cache/mem_cache"
	"github.com/pmkol/doh-racer/pkg/pipeline"
	H "github.com/pmkol/doh-racer/pkg/server/http_handler"
	"github.com/pmkol/doh-racer/pkg/upstream"
)

type okUpstream struct{}

func (okUpstream) Exchange(_ context.Context, q []byte) (*upstream.Response, error) {
	return &upstream.Response{Body: q, Status: http.StatusOK}, nil
}
func (okUpstream) Name() string    { return "ok" }
func (okUpstream) Address() string { return "https://ok.example/dns-query" }
func (okUpstream) Close() error    { return nil }

func newHandler(t *testing.T) *H.Handler {
	t.Helper()
	mc := mem_cache.NewMemCache(64, -1)
	t.Cleanup(func() { mc.Close() })
	m, err := cache.NewManager(cache.ManagerOpts{Backend: mc})
	require.NoError(t, err)
	p, err := pipeline.New(pipeline.Opts{Upstreams: upstream.NewPoolFrom(okUpstream{}), Cache: m})
	require.NoError(t, err)
	h, err := H.NewHandler(H.HandlerOpts{Pipeline: p})
	require.NoError(t, err)
	return h
}

func TestServer_ServeHTTP(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewServer(ServerOpts{HttpHandler: newHandler(t)})
	errC := make(chan error, 1)
	go func() { errC <- s.ServeHTTP(l) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get(fmt.Sprintf("http://%s/health", l.Addr()))
		return err == nil
	}, time.Second, 10*time.Millisecond)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(b))

	s.Close()
	select {
	case err := <-errC:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(time.Second):
		t.Fatal("server did not exit")
	}
	assert.True(t, s.Closed())
}

func TestServer_missingHandler(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, NewServer(ServerOpts{}).ServeHTTP(l), errMissingHTTPHandler)
}

func TestWrapProxyProtocol(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewServer(ServerOpts{HttpHandler: newHandler(t)})
	defer s.Close()
	go s.ServeHTTP(WrapProxyProtocol(l))

	c, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	_, err = io.WriteString(c, "PROXY TCP4 192.0.2.1 192.0.2.2 1111 443\r\n"+
		"GET /health HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n")
	require.NoError(t, err)
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(c), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func writeSelfSignedCert(t *testing.T, certFile, keyFile, cn string) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{cn},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)
	keyDer, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)

	// Write to temp files and rename so that a reload never sees a
	// half-written pair.
	require.NoError(t, os.WriteFile(keyFile+".tmp", pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDer}), 0600))
	require.NoError(t, os.WriteFile(certFile+".tmp", pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600))
	require.NoError(t, os.Rename(keyFile+".tmp", keyFile))
	require.NoError(t, os.Rename(certFile+".tmp", certFile))
}

func Test_tryCreateWatchCert(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	writeSelfSignedCert(t, certFile, keyFile, "a.example")

	c, err := tryCreateWatchCert(certFile, keyFile, tls.LoadX509KeyPair, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	leaf := func() string {
		x, err := x509.ParseCertificate(c.get().Certificate[0])
		require.NoError(t, err)
		return x.Subject.CommonName
	}
	assert.Equal(t, "a.example", leaf())

	writeSelfSignedCert(t, certFile, keyFile, "b.example")
	assert.Eventually(t, func() bool { return leaf() == "b.example" }, 10*time.Second, 50*time.Millisecond)
}

func Test_tryCreateWatchCert_missing(t *testing.T) {
	_, err := tryCreateWatchCert("/nonexistent/cert.pem", "/nonexistent/key.pem", tls.LoadX509KeyPair, zap.NewNop())
	assert.Error(t, err)
}
