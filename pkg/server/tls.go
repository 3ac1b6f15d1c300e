package server

import (
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/quic-go/quic-go"
	eTLS "gitlab.com/go-extension/tls"
	"go.uber.org/zap"
)

const certReloadDelay = 2 * time.Second

type serverKeys struct {
	statelessReset quic.StatelessResetKey
	sessionTicket  [32]byte
}

var (
	keysOnce sync.Once
	keys     serverKeys
)

// loadKeys loads the persistent keys once. Ephemeral keys are used if the
// key dir is not writable.
func (s *Server) loadKeys() *serverKeys {
	keysOnce.Do(func() {
		if err := loadOrCreateKeys(s.opts.KeyDir, &keys, s.opts.Logger); err != nil {
			s.opts.Logger.Warn("failed to load persistent keys, using ephemeral keys", zap.Error(err))
			if _, err := rand.Read(keys.statelessReset[:]); err != nil {
				panic(fmt.Sprintf("failed to generate ephemeral reset key: %v", err))
			}
			if _, err := rand.Read(keys.sessionTicket[:]); err != nil {
				panic(fmt.Sprintf("failed to generate ephemeral session ticket key: %v", err))
			}
		}
	})
	return &keys
}

func loadOrCreateKeys(keyDir string, k *serverKeys, logger *zap.Logger) error {
	if keyDir == "" {
		execPath, err := os.Executable()
		if err != nil {
			return err
		}
		keyDir = filepath.Join(filepath.Dir(execPath), "key")
	}

	resetKey, err := loadOrCreateSingleKey(filepath.Join(keyDir, ".doh-racer_stateless_reset.key"), keyDir, logger)
	if err != nil {
		return err
	}
	sessionKey, err := loadOrCreateSingleKey(filepath.Join(keyDir, ".doh-racer_session_ticket.key"), keyDir, logger)
	if err != nil {
		return err
	}
	copy(k.statelessReset[:], resetKey)
	copy(k.sessionTicket[:], sessionKey)
	return nil
}

func loadOrCreateSingleKey(keyFile string, keyDir string, logger *zap.Logger) ([]byte, error) {
	if data, err := os.ReadFile(keyFile); err == nil && len(data) == 32 {
		logger.Info("key loaded", zap.String("file", keyFile))
		return data, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyFile, key, 0600); err != nil {
		return nil, err
	}
	logger.Info("new key created", zap.String("file", keyFile))
	return key, nil
}

type cert[T tls.Certificate | eTLS.Certificate] struct {
	ptr  atomic.Pointer[T]
	stop chan struct{}
	once sync.Once
}

func (c *cert[T]) get() *T {
	return c.ptr.Load()
}

func (c *cert[T]) set(newCert *T) {
	c.ptr.Store(newCert)
}

// Close stops the file watcher.
func (c *cert[T]) Close() error {
	c.once.Do(func() { close(c.stop) })
	return nil
}

// tryCreateWatchCert loads the key pair and reloads it whenever one of the
// files changes. Reloads are debounced by certReloadDelay.
func tryCreateWatchCert[T tls.Certificate | eTLS.Certificate](certFile string, keyFile string, createFunc func(string, string) (T, error), logger *zap.Logger) (*cert[T], error) {
	c, err := createFunc(certFile, keyFile)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate watcher: %w", err)
	}

	cc := &cert[T]{stop: make(chan struct{})}
	cc.set(&c)

	watch := func() {
		if err := watcher.Add(certFile); err != nil {
			logger.Warn("failed to watch certificate file", zap.String("file", certFile), zap.Error(err))
		}
		if err := watcher.Add(keyFile); err != nil {
			logger.Warn("failed to watch key file", zap.String("file", keyFile), zap.Error(err))
		}
	}
	watch()

	go func() {
		defer watcher.Close()

		timer := time.NewTimer(certReloadDelay)
		timer.Stop()
		defer timer.Stop()

		needReWatch := false
		for {
			select {
			case <-cc.stop:
				return

			case e, ok := <-watcher.Events:
				if !ok {
					return
				}
				if e.Has(fsnotify.Chmod) {
					continue
				}
				logger.Debug("certificate event", zap.String("file", e.Name), zap.Stringer("op", e.Op))
				// Editors and cert managers often replace files by rename,
				// which drops the watch.
				if e.Has(fsnotify.Remove) || e.Has(fsnotify.Rename) {
					needReWatch = true
				}
				timer.Reset(certReloadDelay)

			case <-timer.C:
				if needReWatch {
					needReWatch = false
					_ = watcher.Remove(certFile)
					_ = watcher.Remove(keyFile)
					watch()
				}
				newCert, err := createFunc(certFile, keyFile)
				if err != nil {
					logger.Error("failed to reload certificate", zap.String("file", certFile), zap.Error(err))
					continue
				}
				cc.set(&newCert)
				logger.Info("certificate reloaded", zap.String("file", certFile))

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("certificate watcher error", zap.Error(err))
			}
		}
	}()

	return cc, nil
}

func (s *Server) CreateQUICListner(conn net.PacketConn, nextProtos []string, allowedSNI string) (*quic.EarlyListener, error) {
	if s.opts.Cert == "" || s.opts.Key == "" {
		return nil, errors.New("missing certificate for tls listener")
	}

	c, err := tryCreateWatchCert(s.opts.Cert, s.opts.Key, tls.LoadX509KeyPair, s.opts.Logger)
	if err != nil {
		return nil, err
	}
	if !s.trackCloser(c, true) {
		c.Close()
		return nil, ErrServerClosed
	}

	k := s.loadKeys()
	tr := &quic.Transport{
		Conn:              conn,
		StatelessResetKey: &k.statelessReset,
	}

	return tr.ListenEarly(&tls.Config{
		NextProtos:       nextProtos,
		SessionTicketKey: k.sessionTicket,

		// Restrict curves to disable heavy Post-Quantum algorithms (ML-KEM) and reduce CPU usage
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},

		GetCertificate: func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert := c.get()
			if cert == nil {
				return nil, errors.New("certificate not available")
			}
			if allowedSNI != "" && chi.ServerName != "" && chi.ServerName != allowedSNI {
				return nil, errors.New("invalid sni")
			}
			return cert, nil
		},
	}, &quic.Config{
		Allow0RTT:                      true,
		InitialStreamReceiveWindow:     16 * 1024,
		MaxStreamReceiveWindow:         512 * 1024,
		InitialConnectionReceiveWindow: 32 * 1024,
		MaxConnectionReceiveWindow:     1024 * 1024,
		MaxIncomingStreams:             1000,
	})
}

func (s *Server) CreateETLSListner(l net.Listener, nextProtos []string, allowedSNI string) (net.Listener, error) {
	if s.opts.Cert == "" || s.opts.Key == "" {
		return nil, errors.New("missing certificate for tls listener")
	}

	c, err := tryCreateWatchCert(s.opts.Cert, s.opts.Key, eTLS.LoadX509KeyPair, s.opts.Logger)
	if err != nil {
		return nil, err
	}
	if !s.trackCloser(c, true) {
		c.Close()
		return nil, ErrServerClosed
	}

	return eTLS.NewListener(l, &eTLS.Config{
		SessionTicketKey: s.loadKeys().sessionTicket,
		KernelTX:         s.opts.KernelTX,
		KernelRX:         s.opts.KernelRX,
		AllowEarlyData:   true,
		MaxEarlyData:     16384,
		NextProtos:       nextProtos,

		CertificateCompressionPreferences: []eTLS.CertificateCompressionAlgorithm{
			eTLS.Brotli,
			eTLS.Zlib,
		},

		PreferCipherSuites: true,
		CipherSuites: []uint16{
			eTLS.TLS_AES_128_GCM_SHA256,
			eTLS.TLS_CHACHA20_POLY1305_SHA256,
			eTLS.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			eTLS.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		},

		CurvePreferences: []eTLS.CurveID{
			eTLS.X25519,
			eTLS.CurveP256,
		},

		Defaults: eTLS.Defaults{
			AllSecureCipherSuites: false,
			AllSecureCurves:       false,
		},

		GetCertificate: func(chi *eTLS.ClientHelloInfo) (*eTLS.Certificate, error) {
			cert := c.get()
			if cert == nil {
				return nil, errors.New("certificate not available")
			}
			if allowedSNI != "" && chi.ServerName != "" && chi.ServerName != allowedSNI {
				return nil, errors.New("invalid sni")
			}
			return cert, nil
		},
	}), nil
}
