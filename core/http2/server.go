// Package http2 serves the request core over net/http, with HTTP/2 via
// ALPN on TLS or h2c on cleartext listeners.
package http2

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	nethttp "net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/searchktools/fast-exchange/core/http"
	"github.com/searchktools/fast-exchange/core/logging"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("http2: server closed")

// Server provides HTTP/2 support with multiplexing and HPACK compression
type Server struct {
	addr    string
	handler func(*http.Request)
	options func() []http.Option
	maxBody int64
	log     *zap.Logger

	server *nethttp.Server
	h2     *http2.Server

	// TLS configuration for ALPN negotiation
	tlsConfig *tls.Config

	stats struct {
		activeStreams atomic.Int64
		totalStreams  atomic.Uint64
		aborted       atomic.Uint64
	}

	mu     sync.RWMutex
	closed bool
}

// Config contains HTTP/2 server configuration
type Config struct {
	Addr string
	// Handler serves each request. It must reply, start a chunked reply or
	// Retain the request before returning.
	Handler func(*http.Request)
	// RequestOptions is called once per request.
	RequestOptions       func() []http.Option
	TLSConfig            *tls.Config
	MaxConcurrentStreams uint32
	MaxReadFrameSize     uint32
	MaxBodySize          int64
	IdleTimeout          time.Duration
	Logger               *zap.Logger
}

// NewServer creates a new HTTP/2 server
func NewServer(cfg Config) *Server {
	if cfg.MaxConcurrentStreams == 0 {
		cfg.MaxConcurrentStreams = 250
	}
	if cfg.MaxReadFrameSize == 0 {
		cfg.MaxReadFrameSize = 1 << 20
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = 4 << 20
	}
	if cfg.RequestOptions == nil {
		cfg.RequestOptions = func() []http.Option { return nil }
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Log
	}

	s := &Server{
		addr:    cfg.Addr,
		handler: cfg.Handler,
		options: cfg.RequestOptions,
		maxBody: cfg.MaxBodySize,
		log:     cfg.Logger.Named("http2"),
	}

	s.h2 = &http2.Server{
		MaxConcurrentStreams: cfg.MaxConcurrentStreams,
		MaxReadFrameSize:     cfg.MaxReadFrameSize,
		IdleTimeout:          cfg.IdleTimeout,
	}

	s.server = &nethttp.Server{
		Addr:        cfg.Addr,
		Handler:     s,
		IdleTimeout: cfg.IdleTimeout,
		ErrorLog:    zap.NewStdLog(s.log),
	}

	if cfg.TLSConfig != nil {
		s.tlsConfig = cfg.TLSConfig.Clone()
		s.tlsConfig.NextProtos = []string{"h2", "http/1.1"}
		s.server.TLSConfig = s.tlsConfig
		http2.ConfigureServer(s.server, s.h2)
	} else {
		// h2c (HTTP/2 cleartext)
		s.server.Handler = h2c.NewHandler(s, s.h2)
	}

	return s
}

// ServeHTTP runs one request through the core. It returns only once the
// exchange is released.
func (s *Server) ServeHTTP(w nethttp.ResponseWriter, req *nethttp.Request) {
	s.stats.totalStreams.Add(1)
	s.stats.activeStreams.Add(1)
	defer s.stats.activeStreams.Add(-1)

	body, err := io.ReadAll(nethttp.MaxBytesReader(w, req.Body, s.maxBody))
	if err != nil {
		var tooLarge *nethttp.MaxBytesError
		if errors.As(err, &tooLarge) {
			nethttp.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
			return
		}
		s.log.Debug("reading body", zap.Error(err))
		return
	}

	ex := newExchange(w, req, body)
	r, err := http.NewRequest(ex, s.options()...)
	if err != nil {
		s.log.Debug("bad request", zap.String("uri", req.RequestURI), zap.Error(err))
		ex.SendError(http.StatusBadRequest)
		return
	}

	s.handler(r)
	r.Close()
	if !r.Retained() && !ex.started() {
		r.Logger().Warn("handler returned without replying")
		r.SendError(http.StatusInternalServerError)
	}

	select {
	case <-ex.done:
	case <-req.Context().Done():
		// Client went away; release the request so its owner sees it.
		ex.Cancel()
	}

	ex.mu.Lock()
	abort := ex.canceled
	ex.mu.Unlock()
	if abort {
		s.stats.aborted.Add(1)
		panic(nethttp.ErrAbortHandler)
	}
}

// ListenAndServe starts the HTTP/2 server
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.addr)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		ln.Close()
		return ErrServerClosed
	}

	var err error
	if s.tlsConfig != nil {
		s.log.Info("listening", zap.Stringer("addr", ln.Addr()), zap.String("protocol", "h2"))
		err = s.server.ServeTLS(ln, "", "")
	} else {
		s.log.Info("listening", zap.Stringer("addr", ln.Addr()), zap.String("protocol", "h2c"))
		err = s.server.Serve(ln)
	}
	if errors.Is(err, nethttp.ErrServerClosed) {
		return ErrServerClosed
	}
	return err
}

// Shutdown stops accepting connections and waits for active streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.server.Shutdown(ctx)
}

// Close gracefully shuts down the server
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.server.Close()
}

type Stats struct {
	ActiveStreams int64  `json:"active_streams"`
	TotalStreams  uint64 `json:"total_streams"`
	Aborted       uint64 `json:"aborted"`
}

func (s *Server) Stats() Stats {
	return Stats{
		ActiveStreams: s.stats.activeStreams.Load(),
		TotalStreams:  s.stats.totalStreams.Load(),
		Aborted:       s.stats.aborted.Load(),
	}
}
