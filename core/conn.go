package core

import (
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/searchktools/fast-exchange/core/errs"
	"github.com/searchktools/fast-exchange/core/transport"
	"golang.org/x/sys/unix"
)

// Connection states
const (
	StateReading = iota
	StateProcessing
	StateClosed
)

// Connection is an accepted socket owned by the engine. It also serves as
// the transport.ConnHandle of the exchanges read from it.
type Connection struct {
	fd     int
	engine *Engine
	remote net.Addr

	// fdMu guards the descriptor itself: I/O holds it shared, release holds
	// it exclusively so a recycled fd number is never written to.
	fdMu     sync.RWMutex
	fdClosed bool

	mu         sync.Mutex
	state      int
	readBuf    []byte
	pending    []byte
	current    *fdExchange
	lastActive time.Time

	idleTimeout time.Duration
	maxBody     int64
	maxHeader   int
}

func newConnection(e *Engine, fd int, sa unix.Sockaddr) *Connection {
	return &Connection{
		fd:          fd,
		engine:      e,
		remote:      sockaddrToTCP(sa),
		state:       StateReading,
		readBuf:     e.bytePool.Get(e.cfg.ReadBufferSize),
		lastActive:  e.now(),
		idleTimeout: e.cfg.IdleTimeout,
		maxBody:     e.cfg.MaxBodySize,
		maxHeader:   e.cfg.MaxHeaderSize,
	}
}

func sockaddrToTCP(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]).To16(), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	}
	return nil
}

// Peer is empty: the engine has no proxy-supplied peer name, so callers fall
// back to the socket address.
func (c *Connection) Peer() string { return "" }

func (c *Connection) SocketAddr() net.Addr { return c.remote }

func (c *Connection) TLS() *tls.ConnectionState { return nil }

func (c *Connection) NewExchange(func(transport.Exchange)) (transport.Exchange, error) {
	return nil, errs.Statef("engine connections are server side only")
}

func (c *Connection) MakeRequest(transport.Exchange, string, string) error {
	return errs.Statef("engine connections are server side only")
}

func (c *Connection) SetTimeout(d time.Duration) {
	c.mu.Lock()
	c.idleTimeout = d
	c.mu.Unlock()
}

func (c *Connection) SetMaxBodySize(n int64) {
	c.mu.Lock()
	c.maxBody = n
	c.mu.Unlock()
}

func (c *Connection) SetMaxHeaderSize(n int) {
	c.mu.Lock()
	c.maxHeader = n
	c.mu.Unlock()
}

// Retries only apply to client connections.
func (c *Connection) SetRetries(int) {}

func (c *Connection) SetInitialRetryDelay(time.Duration) {}

func (c *Connection) SetLocalAddress(string) error {
	return errs.Statef("cannot rebind an accepted connection")
}

// write blocks until p is written, polling for writability on EAGAIN.
func (c *Connection) write(p []byte) error {
	c.fdMu.RLock()
	defer c.fdMu.RUnlock()
	if c.fdClosed {
		return errs.Transportf("connection closed")
	}

	timeout := int(c.engine.cfg.WriteTimeout / time.Millisecond)
	if timeout <= 0 {
		timeout = -1
	}
	for len(p) > 0 {
		n, err := unix.Write(c.fd, p)
		switch err {
		case nil:
			p = p[n:]
			c.engine.stats.bytesWritten.Add(uint64(n))
		case unix.EINTR:
		case unix.EAGAIN:
			fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLOUT}}
			ready, err := unix.Poll(fds, timeout)
			if err != nil && err != unix.EINTR {
				return err
			}
			if ready == 0 && err == nil {
				return errs.Transportf("write timeout after %s", c.engine.cfg.WriteTimeout)
			}
		default:
			return err
		}
	}
	return nil
}

// writeRaw is used for errors the engine answers itself, before any
// exchange exists.
func (c *Connection) writeRaw(code int, reason string) {
	msg := statusLine(nil, transport.HTTP11, code, reason)
	msg = append(msg, "Content-Length: 0\r\nConnection: close\r\n\r\n"...)
	c.write(msg)
}

// read fills readBuf. n == 0 with a nil error means the peer closed.
func (c *Connection) read() (int, error) {
	c.fdMu.RLock()
	defer c.fdMu.RUnlock()
	if c.fdClosed {
		return 0, nil
	}
	n, err := unix.Read(c.fd, c.readBuf)
	if n < 0 {
		n = 0
	}
	if n > 0 {
		c.engine.stats.bytesRead.Add(uint64(n))
	}
	return n, err
}

func (c *Connection) shutdown() {
	c.fdMu.RLock()
	if !c.fdClosed {
		unix.Shutdown(c.fd, unix.SHUT_RDWR)
	}
	c.fdMu.RUnlock()
}

// release closes the descriptor once no I/O is in flight.
func (c *Connection) release() {
	c.fdMu.Lock()
	if c.fdClosed {
		c.fdMu.Unlock()
		return
	}
	c.fdClosed = true
	unix.Close(c.fd)
	c.fdMu.Unlock()
	c.engine.bytePool.Put(c.readBuf)
	c.readBuf = nil
}

// exchangeDone runs when the current exchange is released.
func (c *Connection) exchangeDone(reuse bool) {
	c.mu.Lock()
	c.current = nil
	if c.state == StateClosed {
		c.mu.Unlock()
		c.release()
		return
	}
	c.lastActive = c.engine.now()
	c.mu.Unlock()

	if !reuse {
		c.engine.closeConnection(c)
		return
	}
	c.engine.resume(c)
}
