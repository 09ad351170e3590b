// Package fasthttpx runs the request core on valyala/fasthttp, as a server
// and as an outbound client connection.
package fasthttpx

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/searchktools/fast-exchange/core/http"
	"github.com/searchktools/fast-exchange/core/logging"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

type ServerConfig struct {
	Name string
	// Handler must reply, start a chunked reply or Retain the request
	// before returning.
	Handler        func(*http.Request)
	RequestOptions func() []http.Option

	ReadBufferSize int
	MaxBodySize    int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	Logger         *zap.Logger
}

// Server serves requests accepted by fasthttp. Each request runs on its own
// goroutine so handlers can stream chunks while fasthttp writes them.
type Server struct {
	handler func(*http.Request)
	options func() []http.Option
	log     *zap.Logger
	srv     *fasthttp.Server

	requests atomic.Uint64
	canceled atomic.Uint64
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Name == "" {
		cfg.Name = "fast-exchange"
	}
	if cfg.RequestOptions == nil {
		cfg.RequestOptions = func() []http.Option { return nil }
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Log
	}

	s := &Server{
		handler: cfg.Handler,
		options: cfg.RequestOptions,
		log:     cfg.Logger.Named("fasthttp"),
	}
	s.srv = &fasthttp.Server{
		Name:               cfg.Name,
		Handler:            s.serve,
		ReadBufferSize:     cfg.ReadBufferSize,
		MaxRequestBodySize: cfg.MaxBodySize,
		ReadTimeout:        cfg.ReadTimeout,
		WriteTimeout:       cfg.WriteTimeout,
		IdleTimeout:        cfg.IdleTimeout,
		CloseOnShutdown:    true,
		Logger:             zap.NewStdLog(s.log),
	}
	return s
}

func (s *Server) serve(ctx *fasthttp.RequestCtx) {
	s.requests.Add(1)
	ex := newServerExchange(ctx)
	go s.dispatch(ex)

	select {
	case <-ex.committed:
	case <-ctx.Done():
		ex.Cancel()
	}

	ex.mu.Lock()
	abort := ex.canceled && ex.chunks == nil
	ex.mu.Unlock()
	if abort {
		s.canceled.Add(1)
		ex.abort()
	}
}

func (s *Server) dispatch(ex *serverExchange) {
	r, err := http.NewRequest(ex, s.options()...)
	if err != nil {
		s.log.Debug("bad request", zap.String("uri", ex.uri), zap.Error(err))
		ex.SendError(http.StatusBadRequest)
		return
	}

	s.handler(r)
	r.Close()
	if !r.Retained() && !ex.started() {
		r.Logger().Warn("handler returned without replying")
		r.SendError(http.StatusInternalServerError)
	}
}

func (s *Server) ListenAndServe(addr string) error {
	s.log.Info("listening", zap.String("addr", addr))
	return s.srv.ListenAndServe(addr)
}

func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("listening", zap.Stringer("addr", ln.Addr()))
	return s.srv.Serve(ln)
}

// Shutdown waits for open connections to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

type ServerStats struct {
	Requests    uint64 `json:"requests"`
	Canceled    uint64 `json:"canceled"`
	Open        int32  `json:"open_connections"`
	Concurrency uint32 `json:"concurrency"`
}

func (s *Server) Stats() ServerStats {
	return ServerStats{
		Requests:    s.requests.Load(),
		Canceled:    s.canceled.Load(),
		Open:        s.srv.GetOpenConnectionsCount(),
		Concurrency: s.srv.GetCurrentConcurrency(),
	}
}
