// Package exchangetest provides an in-memory transport.Exchange that
// records what the request core sends, in the spirit of net/http/httptest.
package exchangetest

import (
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/searchktools/fast-exchange/core/buffer"
	"github.com/searchktools/fast-exchange/core/errs"
	"github.com/searchktools/fast-exchange/core/header"
	"github.com/searchktools/fast-exchange/core/transport"
)

// Reply modes recorded by Exchange.
const (
	ModeNone    = ""
	ModeReply   = "reply"
	ModeError   = "error"
	ModeChunked = "chunked"
)

// Exchange records replies instead of writing them. Release is manual unless
// AutoRelease is set, in which case it runs right after the reply completes.
type Exchange struct {
	mu sync.Mutex

	method  string
	uri     string
	host    string
	version transport.Version
	in, out *header.Headers
	inBuf   *buffer.Buffer
	outBuf  *buffer.Buffer
	conn    transport.ConnHandle

	AutoRelease bool

	code        int
	reason      string
	mode        string
	body        []byte
	chunks      [][]byte
	chunksEnded bool
	canceled    bool
	released    bool
	onRelease   func()
}

func New(method, uri string) *Exchange {
	return &Exchange{
		method:  method,
		uri:     uri,
		version: transport.HTTP11,
		in:      header.New(),
		out:     header.New(),
		inBuf:   buffer.New(),
		outBuf:  buffer.New(),
	}
}

func (e *Exchange) WithHeader(name, value string) *Exchange {
	e.in.Add(name, value)
	return e
}

func (e *Exchange) WithBody(body string) *Exchange {
	e.inBuf.WriteString(body)
	return e
}

func (e *Exchange) WithVersion(v transport.Version) *Exchange {
	e.version = v
	return e
}

func (e *Exchange) WithHost(host string) *Exchange {
	e.host = host
	return e
}

func (e *Exchange) WithConn(c transport.ConnHandle) *Exchange {
	e.conn = c
	return e
}

func (e *Exchange) Method() string                 { return e.method }
func (e *Exchange) URI() string                    { return e.uri }
func (e *Exchange) Version() transport.Version     { return e.version }
func (e *Exchange) Host() string                   { return e.host }
func (e *Exchange) InputHeaders() *header.Headers  { return e.in }
func (e *Exchange) OutputHeaders() *header.Headers { return e.out }
func (e *Exchange) InputBuffer() *buffer.Buffer    { return e.inBuf }
func (e *Exchange) OutputBuffer() *buffer.Buffer   { return e.outBuf }
func (e *Exchange) Conn() transport.ConnHandle     { return e.conn }

func (e *Exchange) ResponseCode() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.code
}

func (e *Exchange) ResponseReason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reason
}

// SetResponse fills in the status of an outbound exchange.
func (e *Exchange) SetResponse(code int, reason string) {
	e.mu.Lock()
	e.code, e.reason = code, reason
	e.mu.Unlock()
}

func (e *Exchange) SendReply(code int, reason string, body *buffer.Buffer) error {
	if body == nil {
		body = e.outBuf
	}
	e.finish(ModeReply, code, reason, body.Bytes())
	body.Reset()
	return nil
}

func (e *Exchange) SendError(code int) error {
	body := e.outBuf.Bytes()
	if len(body) == 0 {
		body = []byte("error")
	}
	e.finish(ModeError, code, "", body)
	e.outBuf.Reset()
	return nil
}

func (e *Exchange) StartChunkedReply(code int, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode != ModeNone {
		return errs.Statef("reply already started")
	}
	e.mode, e.code, e.reason = ModeChunked, code, reason
	return nil
}

func (e *Exchange) SendChunk(chunk *buffer.Buffer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode != ModeChunked || e.chunksEnded {
		return errs.Statef("no chunked reply in progress")
	}
	e.chunks = append(e.chunks, append([]byte(nil), chunk.Bytes()...))
	chunk.Reset()
	return nil
}

func (e *Exchange) EndChunkedReply() error {
	e.mu.Lock()
	if e.mode != ModeChunked || e.chunksEnded {
		e.mu.Unlock()
		return errs.Statef("no chunked reply in progress")
	}
	e.chunksEnded = true
	auto := e.AutoRelease
	e.mu.Unlock()

	if auto {
		e.Release()
	}
	return nil
}

func (e *Exchange) Cancel() {
	e.mu.Lock()
	e.canceled = true
	e.mu.Unlock()
	e.Release()
}

func (e *Exchange) OnRelease(fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fn != nil && (e.onRelease != nil || e.released) {
		return false
	}
	e.onRelease = fn
	return true
}

// Release simulates the transport freeing the exchange. Only the first call
// has an effect.
func (e *Exchange) Release() {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return
	}
	e.released = true
	fn := e.onRelease
	e.onRelease = nil
	e.mu.Unlock()

	if fn != nil {
		fn()
	}
}

func (e *Exchange) finish(mode string, code int, reason string, body []byte) {
	e.mu.Lock()
	e.mode, e.code, e.reason = mode, code, reason
	e.body = append([]byte(nil), body...)
	auto := e.AutoRelease
	e.mu.Unlock()

	if auto {
		e.Release()
	}
}

// Mode returns how the exchange was answered.
func (e *Exchange) Mode() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// Body returns the body of a reply or error.
func (e *Exchange) Body() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.body
}

// Chunks returns the chunk payloads in send order.
func (e *Exchange) Chunks() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]byte(nil), e.chunks...)
}

func (e *Exchange) ChunksEnded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chunksEnded
}

func (e *Exchange) Canceled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canceled
}

func (e *Exchange) Released() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

// HasReleaseCallback reports whether a release callback is registered.
func (e *Exchange) HasReleaseCallback() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.onRelease != nil
}

// Conn is a scripted transport.ConnHandle.
type Conn struct {
	mu sync.Mutex

	PeerAddr  string
	Addr      net.Addr
	TLSState  *tls.ConnectionState
	MakeErr   error
	Responder func(ex *Exchange, method, uri string)

	Timeout           time.Duration
	Retries           int
	MaxBodySize       int64
	MaxHeaderSize     int
	InitialRetryDelay time.Duration
	LocalAddress      string

	Requests []string
	pending  map[*Exchange]func(transport.Exchange)
}

func (c *Conn) Peer() string              { return c.PeerAddr }
func (c *Conn) SocketAddr() net.Addr      { return c.Addr }
func (c *Conn) TLS() *tls.ConnectionState { return c.TLSState }

func (c *Conn) NewExchange(onComplete func(transport.Exchange)) (transport.Exchange, error) {
	ex := New("", "")
	ex.conn = c
	c.mu.Lock()
	if c.pending == nil {
		c.pending = make(map[*Exchange]func(transport.Exchange))
	}
	c.pending[ex] = onComplete
	c.mu.Unlock()
	return ex, nil
}

// MakeRequest records the request and, when Responder is set, answers it
// synchronously before invoking the completion callback.
func (c *Conn) MakeRequest(ex transport.Exchange, method, uri string) error {
	if c.MakeErr != nil {
		return c.MakeErr
	}
	te, ok := ex.(*Exchange)
	if !ok {
		return errs.Transportf("foreign exchange %T", ex)
	}

	c.mu.Lock()
	c.Requests = append(c.Requests, method+" "+uri)
	done := c.pending[te]
	delete(c.pending, te)
	c.mu.Unlock()

	te.method, te.uri = method, uri
	if c.Responder != nil {
		c.Responder(te, method, uri)
	}
	if done != nil {
		done(te)
	}
	return nil
}

func (c *Conn) SetTimeout(d time.Duration)           { c.Timeout = d }
func (c *Conn) SetRetries(n int)                     { c.Retries = n }
func (c *Conn) SetMaxBodySize(n int64)               { c.MaxBodySize = n }
func (c *Conn) SetMaxHeaderSize(n int)               { c.MaxHeaderSize = n }
func (c *Conn) SetInitialRetryDelay(d time.Duration) { c.InitialRetryDelay = d }

func (c *Conn) SetLocalAddress(addr string) error {
	c.LocalAddress = addr
	return nil
}
