package coremain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pmkol/doh-racer/mlog"
	"github.com/pmkol/doh-racer/pkg/cache"
	"github.com/pmkol/doh-racer/pkg/cache/mem_cache"
	"github.com/pmkol/doh-racer/pkg/cache/redis_cache"
	"github.com/pmkol/doh-racer/pkg/deferred"
	"github.com/pmkol/doh-racer/pkg/pipeline"
	"github.com/pmkol/doh-racer/pkg/server"
	H "github.com/pmkol/doh-racer/pkg/server/http_handler"
	"github.com/pmkol/doh-racer/pkg/upstream"
)

type App struct {
	logger *zap.Logger

	upstreams *upstream.Pool
	cache     *cache.Manager
	runner    *deferred.Runner
	pipeline  *pipeline.Pipeline

	httpAPIMux *http.ServeMux
	metricsReg *prometheus.Registry

	// Filled by Run.
	servers []*server.Server
}

// NewApp builds every component from cfg. Nothing is listening yet.
func NewApp(cfg *Config, lg *zap.Logger) (_ *App, err error) {
	a := &App{
		logger:     lg,
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
	}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	upsCfg := cfg.Upstreams
	if len(upsCfg) == 0 {
		lg.Info("no upstream is configured, using the default providers")
		upsCfg = DefaultUpstreams
	}
	a.upstreams, err = upstream.NewPool(upsCfg, upstream.Opts{})
	if err != nil {
		return nil, fmt.Errorf("failed to init upstreams, %w", err)
	}
	for _, e := range a.upstreams.Endpoints() {
		lg.Info("upstream loaded", zap.String("name", e.Name), zap.String("url", e.URL))
	}

	backend, err := newCacheBackend(&cfg.Cache, lg)
	if err != nil {
		return nil, fmt.Errorf("failed to init cache backend, %w", err)
	}
	a.cache, err = cache.NewManager(cache.ManagerOpts{
		Backend: backend,
		TTL:     time.Duration(cfg.Cache.TTL) * time.Second,
		Logger:  lg.Named("cache"),
	})
	if err != nil {
		backend.Close()
		return nil, err
	}

	a.runner = deferred.NewRunner(deferred.RunnerOpts{
		Workers:   cfg.Deferred.Workers,
		QueueSize: cfg.Deferred.QueueSize,
		Logger:    lg.Named("deferred"),
	})

	a.pipeline, err = pipeline.New(pipeline.Opts{
		Upstreams:   a.upstreams,
		Cache:       a.cache,
		Concurrency: cfg.Race.Concurrency,
		Timeout:     time.Duration(cfg.Race.Timeout) * time.Millisecond,
		Logger:      lg.Named("pipeline"),
	})
	if err != nil {
		return nil, err
	}
	if err = a.pipeline.Stats().Register(a.GetMetricsReg()); err != nil {
		return nil, fmt.Errorf("failed to register metrics, %w", err)
	}

	a.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(a.metricsReg, promhttp.HandlerOpts{}))
	a.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	a.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	a.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	a.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	a.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return a, nil
}

func newCacheBackend(cfg *CacheConfig, lg *zap.Logger) (cache.Backend, error) {
	switch cfg.Backend {
	case "", "memory":
		return mem_cache.NewMemCache(cfg.Size, time.Duration(cfg.CleanerInterval)*time.Second), nil
	case "redis":
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url, %w", err)
		}
		client := redis.NewClient(opt)
		rc, err := redis_cache.NewRedisCache(redis_cache.RedisCacheOpts{
			Client:        client,
			ClientCloser:  client,
			ClientTimeout: time.Duration(cfg.Redis.Timeout) * time.Millisecond,
			KeyPrefix:     cfg.Redis.KeyPrefix,
			Logger:        lg.Named("redis"),
		})
		if err != nil {
			client.Close()
			return nil, err
		}
		return rc, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// Run starts all servers of cfg and blocks until ctx is done or one of
// them fails. All components are closed before Run returns.
func (a *App) Run(ctx context.Context, cfg *Config) error {
	defer a.close()

	if len(cfg.Servers) == 0 {
		return errors.New("no server is configured")
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	g, gctx := errgroup.WithContext(ctx)
	serve := func(name string, f func() error) {
		g.Go(func() error {
			err := f()
			if gctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s exited, %w", name, err)
		})
	}

	for i := range cfg.Servers {
		if err := a.startServer(&cfg.Servers[i], cfg.Redirects, serve); err != nil {
			err = fmt.Errorf("failed to start server #%d, %w", i, err)
			cancel(err)
			a.closeServers()
			_ = g.Wait()
			return err
		}
	}

	var apiServer *http.Server
	if httpAddr := cfg.API.HTTP; len(httpAddr) > 0 {
		apiServer = &http.Server{
			Addr:              httpAddr,
			Handler:           a.httpAPIMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		serve("api http server", func() error {
			a.logger.Info("starting api http server", zap.String("addr", httpAddr))
			return apiServer.ListenAndServe()
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.closeServers()
		if apiServer != nil {
			apiServer.Close()
		}
		return nil
	})

	err := g.Wait()
	if err == nil {
		a.logger.Info("shutting down", zap.NamedError("reason", context.Cause(ctx)))
	}
	return err
}

func (a *App) startServer(sc *ServerConfig, redirects map[string]string, serve func(string, func() error)) error {
	h, err := H.NewHandler(H.HandlerOpts{
		Pipeline:    a.pipeline,
		Scheduler:   a.runner,
		Path:        sc.Path,
		SrcIPHeader: sc.SrcIPHeader,
		HealthPath:  sc.HealthPath,
		Redirects:   redirects,
		Logger:      a.logger.Named("handler"),
	})
	if err != nil {
		return err
	}
	if len(sc.Listeners) == 0 {
		return errors.New("no listener is configured")
	}

	for i, lc := range sc.Listeners {
		s := server.NewServer(server.ServerOpts{
			Logger:      a.logger.Named("server"),
			HttpHandler: h,
			Cert:        lc.Cert,
			Key:         lc.Key,
			KernelTX:    lc.KernelTX,
			KernelRX:    lc.KernelRX,
			IdleTimeout: time.Duration(sc.IdleTimeout) * time.Second,
		})
		a.servers = append(a.servers, s)

		f, err := listen(s, &lc)
		if err != nil {
			return fmt.Errorf("listener #%d, %w", i, err)
		}
		a.logger.Info("server started", zap.String("protocol", lc.Protocol), zap.String("addr", lc.Addr))
		serve(fmt.Sprintf("%s server %s", lc.Protocol, lc.Addr), f)
	}
	return nil
}

// listen binds the socket of lc and returns the serving loop.
func listen(s *server.Server, lc *ListenerConfig) (func() error, error) {
	switch lc.Protocol {
	case "", "http", "https":
		l, err := net.Listen("tcp", lc.Addr)
		if err != nil {
			return nil, err
		}
		if lc.ProxyProtocol {
			l = server.WrapProxyProtocol(l)
		}
		if lc.Protocol == "https" {
			tl, err := s.CreateETLSListner(l, []string{"h2", "http/1.1"}, lc.AllowedSNI)
			if err != nil {
				l.Close()
				return nil, err
			}
			l = tl
		}
		return func() error { return s.ServeHTTP(l) }, nil
	case "h3":
		conn, err := net.ListenPacket("udp", lc.Addr)
		if err != nil {
			return nil, err
		}
		l, err := s.CreateQUICListner(conn, []string{http3.NextProtoH3}, lc.AllowedSNI)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return func() error { return s.ServeH3(l) }, nil
	default:
		return nil, fmt.Errorf("unknown protocol %q", lc.Protocol)
	}
}

func (a *App) closeServers() {
	for _, s := range a.servers {
		s.Close()
	}
}

// close releases all components. The deferred runner is drained before the
// cache is closed so that pending stores can finish.
func (a *App) close() {
	if a.runner != nil {
		a.runner.Close()
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("failed to close cache", zap.Error(err))
		}
	}
	if a.upstreams != nil {
		a.upstreams.Close()
	}
}

func (a *App) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("doh_racer_", a.metricsReg)
}

func (a *App) GetHTTPAPIMux() *http.ServeMux {
	return a.httpAPIMux
}

func (a *App) GetPipeline() *pipeline.Pipeline {
	return a.pipeline
}

// RunApp runs the proxy until ctx is done.
func RunApp(ctx context.Context, cfg *Config) error {
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	mlog.SetLogger(lg)
	defer lg.Sync()

	a, err := NewApp(cfg, lg)
	if err != nil {
		return err
	}
	return a.Run(ctx, cfg)
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
