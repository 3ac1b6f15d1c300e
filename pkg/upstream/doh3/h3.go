package doh3

import (
	"crypto/tls"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// NewTransport returns an HTTP/3 round tripper for DoH3 upstreams.
// tlsConfig is cloned. Nil means system roots.
func NewTransport(tlsConfig *tls.Config) *http3.Transport {
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	} else {
		tlsConfig = tlsConfig.Clone()
	}
	tlsConfig.MinVersion = tls.VersionTLS13

	return &http3.Transport{
		TLSClientConfig: tlsConfig,
		QUICConfig: &quic.Config{
			HandshakeIdleTimeout: 5 * time.Second,
			MaxIdleTimeout:       30 * time.Second,
			KeepAlivePeriod:      15 * time.Second,
		},
	}
}

// CloseFunc closes idle connections and the QUIC transport of t.
func CloseFunc(t *http3.Transport) func() error {
	return func() error {
		t.CloseIdleConnections()
		return t.Close()
	}
}
