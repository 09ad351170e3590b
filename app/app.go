// Package app wires configuration, logging, metrics and one transport
// around the request engine.
package app

import (
	"context"
	"net"
	nethttp "net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/searchktools/fast-exchange/config"
	"github.com/searchktools/fast-exchange/core"
	"github.com/searchktools/fast-exchange/core/fasthttpx"
	"github.com/searchktools/fast-exchange/core/http"
	"github.com/searchktools/fast-exchange/core/http2"
	"github.com/searchktools/fast-exchange/core/logging"
	"github.com/searchktools/fast-exchange/core/middleware"
	"github.com/searchktools/fast-exchange/core/observability"
	"github.com/searchktools/fast-exchange/core/pools"
	"github.com/searchktools/fast-exchange/core/sse"
)

const shutdownTimeout = 10 * time.Second

// App is one configured server instance.
type App struct {
	cfg      *config.Config
	log      *zap.Logger
	engine   *core.Engine
	monitor  *observability.Monitor
	events   *sse.Stream
	sessions *http.SessionStore

	mu      sync.Mutex
	ctx     context.Context
	addr    net.Addr
	metrics net.Addr
	stop    []func(context.Context) error
	errc    chan error
	running bool
}

// New initialises logging and GC tuning and builds the engine with its
// middleware. Routes are added through Engine.
func New(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := logging.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, errors.Wrap(err, "init logging")
	}
	pools.ApplyGCConfig(pools.GCConfig{
		GOGC:        cfg.Server.GCPercent,
		MemoryLimit: int64(cfg.Server.MemoryLimit),
	})

	monitor := observability.NewMonitor()
	monitor.SetEnabled(cfg.Metrics.Enabled)
	monitor.Registry().MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engine := core.NewEngine(core.EngineConfig{
		MaxConnections: cfg.Server.MaxConnections,
		MaxHeaderSize:  cfg.Server.MaxHeaderSize.Int(),
		MaxBodySize:    int64(cfg.Server.MaxBodySize),
		IdleTimeout:    cfg.Server.IdleTimeout.Std(),
		WriteTimeout:   cfg.Server.WriteTimeout.Std(),
		Workers:        cfg.Server.Workers,
		Logger:         logging.Log,
		RequestOptions: []http.Option{
			http.WithDefaultUser(cfg.Request.DefaultUser),
			http.WithCompression(cfg.Codec()),
			http.WithRecorder(monitor),
		},
	})

	sessions := http.NewSessionStore(cfg.Request.SessionMaxIdle.Std())

	engine.Use(middleware.RequestID())
	engine.Use(middleware.Sessions(sessions, cfg.Request.SessionCookie, cfg.Request.SessionHeader))
	engine.Use(middleware.CORS(cfg.CORS.AllowedOrigins...))
	if cfg.RateLimit.RPS > 0 {
		engine.Use(middleware.RateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	}
	engine.UseAsync(middleware.Logger(logging.Log.Named("access")))
	engine.UseAsync(middleware.Metrics(monitor))

	return &App{
		cfg:      cfg,
		log:      logging.Log.Named("app"),
		engine:   engine,
		monitor:  monitor,
		events:   sse.NewStream("events").WithBroker(sse.NewBroker(1000, 15*time.Second)),
		sessions: sessions,
	}, nil
}

// Engine returns the engine for route registration.
func (a *App) Engine() *core.Engine { return a.engine }

func (a *App) Monitor() *observability.Monitor { return a.monitor }

// Events is the stream behind the /events route.
func (a *App) Events() *sse.Stream { return a.events }

// Sessions is the store the session middleware resolves ids against.
func (a *App) Sessions() *http.SessionStore { return a.sessions }

// Addr is the bound request listener address once Start returned.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// context is the Start context, or Background before Start.
func (a *App) context() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx == nil {
		return context.Background()
	}
	return a.ctx
}

// MetricsAddr is the bound metrics listener address, nil when disabled.
func (a *App) MetricsAddr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metrics
}

// Start binds the metrics and request listeners and serves in the
// background. Background loops stop when ctx is done.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return errors.New("app already started")
	}
	a.errc = make(chan error, 2)
	a.ctx = ctx

	go a.monitor.Run(ctx, 10*time.Second)
	go a.events.Broker().Run(ctx)
	go a.sweepSessions(ctx)

	if a.cfg.Metrics.Enabled {
		if err := a.startMetrics(); err != nil {
			a.shutdownLocked(ctx)
			return err
		}
	}
	if err := a.startTransport(); err != nil {
		a.shutdownLocked(ctx)
		return err
	}
	a.running = true

	a.log.Info("serving",
		zap.String("addr", a.addr.String()),
		zap.String("transport", a.cfg.Server.Transport),
		zap.String("env", a.cfg.Env),
		zap.String("compression", a.cfg.Request.Compression))
	return nil
}

func (a *App) sweepSessions(ctx context.Context) {
	every := a.cfg.Request.SessionMaxIdle.Std()
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.sessions.Sweep(); n > 0 {
				a.log.Debug("sessions expired", zap.Int("count", n))
			}
		}
	}
}

func (a *App) startMetrics() error {
	ln, err := net.Listen("tcp", a.cfg.Metrics.Address)
	if err != nil {
		return errors.Wrap(err, "metrics listener")
	}
	mux := nethttp.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.monitor.Handler())
	srv := &nethttp.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          zap.NewStdLog(a.log),
	}
	go a.serve("metrics", func() error { return srv.Serve(ln) }, nethttp.ErrServerClosed)
	a.stop = append(a.stop, srv.Shutdown)
	a.metrics = ln.Addr()
	a.log.Info("metrics", zap.String("addr", ln.Addr().String()), zap.String("path", a.cfg.Metrics.Path))
	return nil
}

func (a *App) startTransport() error {
	addr := a.cfg.Server.Address()

	switch a.cfg.Server.Transport {
	case config.TransportEngine:
		if err := a.engine.Listen(addr); err != nil {
			return err
		}
		a.addr = a.engine.Addr()
		go a.serve("engine", a.engine.Serve, core.ErrEngineClosed)
		a.stop = append(a.stop, a.closeEngine)

	case config.TransportFastHTTP:
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return errors.Wrap(err, "listen")
		}
		srv := fasthttpx.NewServer(fasthttpx.ServerConfig{
			Handler:        a.engine.ServeRequest,
			RequestOptions: a.engine.RequestOptions,
			MaxBodySize:    a.cfg.Server.MaxBodySize.Int(),
			WriteTimeout:   a.cfg.Server.WriteTimeout.Std(),
			IdleTimeout:    a.cfg.Server.IdleTimeout.Std(),
			Logger:         logging.Log,
		})
		a.addr = ln.Addr()
		go a.serve("fasthttp", func() error { return srv.Serve(ln) }, nil)
		a.stop = append(a.stop, a.closeEngine, srv.Shutdown)

	case config.TransportH2C:
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return errors.Wrap(err, "listen")
		}
		srv := http2.NewServer(http2.Config{
			Addr:           addr,
			Handler:        a.engine.ServeRequest,
			RequestOptions: a.engine.RequestOptions,
			MaxBodySize:    int64(a.cfg.Server.MaxBodySize),
			IdleTimeout:    a.cfg.Server.IdleTimeout.Std(),
			Logger:         logging.Log,
		})
		a.addr = ln.Addr()
		go a.serve("h2c", func() error { return srv.Serve(ln) }, http2.ErrServerClosed)
		a.stop = append(a.stop, a.closeEngine, srv.Shutdown)

	default:
		return errors.Newf("unknown transport %q", a.cfg.Server.Transport)
	}
	return nil
}

// closeEngine stops the engine loop, or only its worker pools when another
// transport serves its requests.
func (a *App) closeEngine(context.Context) error {
	return a.engine.Close()
}

func (a *App) serve(name string, fn func() error, expected error) {
	err := fn()
	if err == nil || (expected != nil && errors.Is(err, expected)) {
		return
	}
	a.log.Error("listener failed", zap.String("listener", name), zap.Error(err))
	a.errc <- errors.Wrap(err, name)
}

// Shutdown stops the listeners, waiting for in-flight requests until ctx
// is done.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.shutdownLocked(ctx)
}

func (a *App) shutdownLocked(ctx context.Context) error {
	var errsOut error
	for i := len(a.stop) - 1; i >= 0; i-- {
		errsOut = errors.CombineErrors(errsOut, a.stop[i](ctx))
	}
	a.stop = nil
	a.running = false
	logging.Sync()
	return errsOut
}

// Run serves until ctx is done or a listener fails, then shuts down.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutting down", zap.Error(context.Cause(ctx)))
	case runErr = <-a.errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return errors.CombineErrors(runErr, a.Shutdown(shutdownCtx))
}
