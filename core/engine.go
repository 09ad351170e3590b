package core

import (
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/searchktools/fast-exchange/core/http"
	"github.com/searchktools/fast-exchange/core/logging"
	"github.com/searchktools/fast-exchange/core/middleware"
	"github.com/searchktools/fast-exchange/core/poller"
	"github.com/searchktools/fast-exchange/core/pools"
	"github.com/searchktools/fast-exchange/core/router"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ErrEngineClosed is returned by Serve after Close, or on a second call.
var ErrEngineClosed = errors.New("engine closed")

// HandlerFunc handles one request. It must reply, start a chunked reply, or
// Retain the request before returning.
type HandlerFunc func(r *http.Request)

// EngineConfig tunes the engine. Zero values take the defaults from
// DefaultEngineConfig.
type EngineConfig struct {
	MaxConnections int
	ReadBufferSize int
	MaxHeaderSize  int
	MaxBodySize    int64
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	// Workers is the handler pool size, one per CPU when zero.
	Workers int
	// AsyncWorkers run the async middlewares.
	AsyncWorkers int

	Logger         *zap.Logger
	RequestOptions []http.Option
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxConnections: 100000,
		ReadBufferSize: 8192,
		MaxHeaderSize:  8192,
		MaxBodySize:    4 << 20,
		IdleTimeout:    5 * time.Second,
		WriteTimeout:   10 * time.Second,
		AsyncWorkers:   4,
	}
}

func (c EngineConfig) withDefaults() EngineConfig {
	d := DefaultEngineConfig()
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.MaxHeaderSize <= 0 {
		c.MaxHeaderSize = d.MaxHeaderSize
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = d.MaxBodySize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.AsyncWorkers <= 0 {
		c.AsyncWorkers = d.AsyncWorkers
	}
	if c.Logger == nil {
		c.Logger = logging.Log
	}
	return c
}

// Engine routes requests through the middleware pipeline. Run serves them
// from its own epoll/kqueue loop; other transports call ServeRequest.
type Engine struct {
	cfg EngineConfig
	log *zap.Logger
	now func() time.Time

	router   *router.RadixRouter
	pipeline *middleware.AsyncPipeline

	poller      poller.Poller
	connections map[int]*Connection
	connMu      sync.RWMutex

	ln     *net.TCPListener
	lnFile *os.File
	lfd    int

	bytePool   *pools.BytePool
	workerPool *pools.WorkerPool

	nextID  atomic.Uint64
	closed  atomic.Bool
	started atomic.Bool
	stopped chan struct{}
	stats   engineStats
}

func NewEngine(cfg EngineConfig) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:         cfg,
		log:         cfg.Logger.Named("engine"),
		now:         time.Now,
		router:      router.NewRadixRouter(),
		pipeline:    middleware.NewAsyncPipeline(cfg.AsyncWorkers),
		connections: make(map[int]*Connection, 1024),
		lfd:         -1,
		bytePool:    pools.NewBytePool(),
		workerPool:  pools.NewWorkerPool(cfg.Workers, 0),
		stopped:     make(chan struct{}),
	}
}

func (e *Engine) Router() *router.RadixRouter { return e.router }

// Use adds a synchronous middleware.
func (e *Engine) Use(h middleware.HandlerFunc) *Engine {
	e.pipeline.UseSync(h)
	return e
}

// UseAsync adds a middleware that runs after the handler, off the request
// goroutine.
func (e *Engine) UseAsync(h middleware.AsyncHandlerFunc) *Engine {
	e.pipeline.UseAsync(h)
	return e
}

func (e *Engine) Handle(method, path string, handler HandlerFunc) {
	e.router.Add(method, path, router.HandlerFunc(handler))
}

func (e *Engine) GET(path string, handler HandlerFunc)     { e.Handle("GET", path, handler) }
func (e *Engine) POST(path string, handler HandlerFunc)    { e.Handle("POST", path, handler) }
func (e *Engine) PUT(path string, handler HandlerFunc)     { e.Handle("PUT", path, handler) }
func (e *Engine) DELETE(path string, handler HandlerFunc)  { e.Handle("DELETE", path, handler) }
func (e *Engine) PATCH(path string, handler HandlerFunc)   { e.Handle("PATCH", path, handler) }
func (e *Engine) HEAD(path string, handler HandlerFunc)    { e.Handle("HEAD", path, handler) }
func (e *Engine) OPTIONS(path string, handler HandlerFunc) { e.Handle("OPTIONS", path, handler) }

// ServeRequest runs r through the middlewares and the router.
func (e *Engine) ServeRequest(r *http.Request) {
	e.stats.requests.Add(1)
	e.pipeline.Execute(r, e.router.Serve)
}

// RequestOptions are the options each inbound request is built with.
func (e *Engine) RequestOptions() []http.Option {
	opts := make([]http.Option, 0, len(e.cfg.RequestOptions)+2)
	opts = append(opts, http.WithLogger(e.cfg.Logger), http.WithID(e.nextID.Add(1)))
	return append(opts, e.cfg.RequestOptions...)
}

// Run listens on addr and serves until Close.
func (e *Engine) Run(addr string) error {
	if err := e.Listen(addr); err != nil {
		return err
	}
	return e.Serve()
}

// Listen binds addr and registers the listener with the poller.
func (e *Engine) Listen(addr string) error {
	laddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "resolve %s", addr)
	}
	ln, err := net.ListenTCP("tcp", laddr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	f, err := ln.File()
	if err != nil {
		ln.Close()
		return errors.Wrap(err, "listener fd")
	}
	lfd := int(f.Fd())
	if err := poller.SetNonblock(lfd); err != nil {
		f.Close()
		ln.Close()
		return errors.Wrap(err, "set nonblock")
	}

	p, err := poller.NewPoller()
	if err != nil {
		f.Close()
		ln.Close()
		return errors.Wrap(err, "create poller")
	}
	if err := p.Add(lfd); err != nil {
		p.Close()
		f.Close()
		ln.Close()
		return errors.Wrap(err, "poll listener")
	}

	e.ln, e.lnFile, e.lfd, e.poller = ln, f, lfd, p
	e.log.Info("listening", zap.Stringer("addr", ln.Addr()))
	return nil
}

// Addr is the bound address, nil before Listen.
func (e *Engine) Addr() net.Addr {
	if e.ln == nil {
		return nil
	}
	return e.ln.Addr()
}

// Serve runs the event loop until Close.
func (e *Engine) Serve() error {
	if e.poller == nil {
		return errors.New("engine is not listening")
	}
	if !e.started.CompareAndSwap(false, true) {
		return ErrEngineClosed
	}
	defer close(e.stopped)

	done := make(chan struct{})
	defer close(done)
	go e.cleanupIdleConnections(done)

	for !e.closed.Load() {
		fds, err := e.poller.Wait(100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			e.log.Warn("poller wait", zap.Error(err))
			continue
		}

		for _, fd := range fds {
			if fd == e.lfd {
				e.acceptConnections()
			} else {
				e.handleConnectionEvent(fd)
			}
		}
	}

	e.connMu.RLock()
	conns := make([]*Connection, 0, len(e.connections))
	for _, c := range e.connections {
		conns = append(conns, c)
	}
	e.connMu.RUnlock()
	for _, c := range conns {
		e.closeConnection(c)
	}

	e.poller.Close()
	e.lnFile.Close()
	e.ln.Close()
	e.log.Info("stopped")
	return nil
}

// Close stops the loop, drops all connections and waits for queued
// handlers.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if e.started.CompareAndSwap(false, true) {
		// Never served: release the listener here.
		if e.poller != nil {
			e.poller.Close()
			e.lnFile.Close()
			e.ln.Close()
		}
	} else {
		<-e.stopped
	}
	e.workerPool.Close()
	e.pipeline.Close()
	return nil
}

// acceptConnections accepts every pending connection.
func (e *Engine) acceptConnections() {
	for {
		nfd, sa, err := unix.Accept(e.lfd)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EINTR {
				e.log.Warn("accept", zap.Error(err))
			}
			return
		}

		if err := unix.SetNonblock(nfd, true); err != nil {
			unix.Close(nfd)
			continue
		}
		unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		unix.SetsockoptInt(nfd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)

		c := newConnection(e, nfd, sa)
		if int(e.stats.active.Load()) >= e.cfg.MaxConnections {
			c.writeRaw(http.StatusServiceUnavailable, "Service Unavailable")
			c.release()
			e.stats.rejected.Add(1)
			continue
		}
		if err := e.poller.Add(nfd); err != nil {
			c.release()
			continue
		}

		e.connMu.Lock()
		e.connections[nfd] = c
		e.connMu.Unlock()
		e.stats.accepted.Add(1)
		e.stats.active.Add(1)
	}
}

func (e *Engine) handleConnectionEvent(fd int) {
	e.connMu.RLock()
	c, ok := e.connections[fd]
	e.connMu.RUnlock()
	if !ok {
		return
	}

	c.mu.Lock()
	if c.state != StateReading {
		c.mu.Unlock()
		return
	}
	n, err := c.read()
	if err == unix.EAGAIN || err == unix.EINTR {
		c.mu.Unlock()
		return
	}
	if err != nil || n == 0 {
		c.mu.Unlock()
		e.closeConnection(c)
		return
	}
	c.pending = append(c.pending, c.readBuf[:n]...)
	c.lastActive = e.now()

	ex, closeNow := e.process(c)
	if ex != nil {
		e.poller.Remove(c.fd)
	}
	c.mu.Unlock()

	e.after(c, ex, closeNow)
}

// resume puts a connection back into the reading state after its
// exchange is released. Pipelined requests already buffered are served
// without waiting for the poller.
func (e *Engine) resume(c *Connection) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateReading
	ex, closeNow := e.process(c)
	if ex == nil && !closeNow {
		if err := e.poller.Add(c.fd); err != nil {
			closeNow = true
		}
	}
	c.mu.Unlock()

	e.after(c, ex, closeNow)
}

func (e *Engine) after(c *Connection, ex *fdExchange, closeNow bool) {
	if closeNow {
		e.closeConnection(c)
		return
	}
	if ex != nil {
		if !e.workerPool.Submit(func() { e.dispatch(ex) }) {
			ex.Cancel()
		}
	}
}

// process parses the next request from c.pending. It returns the exchange
// to dispatch, or closeNow when the input is unusable. c.mu must be held.
func (e *Engine) process(c *Connection) (*fdExchange, bool) {
	if len(c.pending) == 0 {
		return nil, false
	}
	head, n, err := parseHead(c.pending, c.maxHeader)
	switch {
	case errors.Is(err, ErrIncomplete):
		return nil, false
	case errors.Is(err, ErrHeaderTooLarge):
		e.reject(c, http.StatusRequestHeaderFieldsTooLarge, err)
		return nil, true
	case errors.Is(err, ErrUnsupportedBody):
		e.reject(c, http.StatusNotImplemented, err)
		return nil, true
	case err != nil:
		e.reject(c, http.StatusBadRequest, err)
		return nil, true
	}

	if c.maxBody > 0 && head.contentLength > c.maxBody {
		e.reject(c, http.StatusRequestEntityTooLarge, errors.Newf("body of %d bytes", head.contentLength))
		return nil, true
	}
	total := n + int(head.contentLength)
	if len(c.pending) < total {
		return nil, false
	}

	ex := newFDExchange(c, head, c.pending[n:total])
	c.pending = append(c.pending[:0], c.pending[total:]...)
	c.state = StateProcessing
	c.current = ex
	return ex, false
}

func (e *Engine) reject(c *Connection, code int, err error) {
	e.stats.badRequests.Add(1)
	e.log.Debug("rejecting request", zap.Int("code", code), zap.Stringer("peer", c.remote), zap.Error(err))
	c.writeRaw(code, http.StatusText(code))
}

// dispatch builds the request and runs the handler chain on a worker.
func (e *Engine) dispatch(ex *fdExchange) {
	r, err := http.NewRequest(ex, e.RequestOptions()...)
	if err != nil {
		e.stats.badRequests.Add(1)
		e.log.Debug("bad request", zap.String("uri", ex.URI()), zap.Error(err))
		ex.closeAfter = true
		ex.SendError(http.StatusBadRequest)
		return
	}

	e.ServeRequest(r)
	r.Close()

	if !r.Retained() && !ex.started() {
		r.Logger().Warn("handler returned without replying")
		if err := r.SendError(http.StatusInternalServerError); err != nil {
			ex.Cancel()
		}
	}
}

// closeConnection removes c from the loop. A reply in progress is
// abandoned; its release callback still runs.
func (e *Engine) closeConnection(c *Connection) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	cur := c.current
	c.current = nil
	c.mu.Unlock()

	e.connMu.Lock()
	if e.connections[c.fd] == c {
		delete(e.connections, c.fd)
	}
	e.connMu.Unlock()
	e.stats.active.Add(-1)

	e.poller.Remove(c.fd)
	if cur != nil {
		c.shutdown()
		cur.abandon()
	}
	c.release()
}

// cleanupIdleConnections closes connections idle for longer than their
// timeout. Connections with a request in flight are left alone.
func (e *Engine) cleanupIdleConnections(done <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		now := e.now()
		var idle []*Connection
		e.connMu.RLock()
		for _, c := range e.connections {
			c.mu.Lock()
			if c.state == StateReading && c.idleTimeout > 0 && now.Sub(c.lastActive) > c.idleTimeout {
				idle = append(idle, c)
			}
			c.mu.Unlock()
		}
		e.connMu.RUnlock()

		for _, c := range idle {
			e.stats.idleClosed.Add(1)
			e.closeConnection(c)
		}
	}
}
