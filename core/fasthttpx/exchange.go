package fasthttpx

import (
	"bufio"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/searchktools/fast-exchange/core/buffer"
	"github.com/searchktools/fast-exchange/core/errs"
	"github.com/searchktools/fast-exchange/core/header"
	"github.com/searchktools/fast-exchange/core/http"
	"github.com/searchktools/fast-exchange/core/transport"
	"github.com/valyala/fasthttp"
)

const (
	replyNone = iota
	replyChunked
	replyDone
)

// serverExchange adapts a fasthttp.RequestCtx. The fasthttp handler waits
// on committed and the ctx must not be touched after that, except by the
// body stream writer that drains chunks.
type serverExchange struct {
	ctx  *fasthttp.RequestCtx
	conn *serverConn

	method  string
	uri     string
	host    string
	version transport.Version
	in      *header.Headers
	out     *header.Headers
	inBuf   *buffer.Buffer
	outBuf  *buffer.Buffer

	mu        sync.Mutex
	state     int
	code      int
	reason    string
	released  bool
	canceled  bool
	onRelease func()

	committed chan struct{}
	commitMu  sync.Once
	done      chan struct{}

	chunkMu      sync.RWMutex
	chunks       chan []byte
	chunksClosed bool
}

func newServerExchange(ctx *fasthttp.RequestCtx) *serverExchange {
	ex := &serverExchange{
		ctx:       ctx,
		conn:      newServerConn(ctx),
		method:    string(ctx.Method()),
		uri:       string(ctx.RequestURI()),
		host:      string(ctx.Host()),
		version:   transport.HTTP10,
		in:        header.New(),
		out:       header.New(),
		inBuf:     buffer.From(append([]byte(nil), ctx.PostBody()...)),
		outBuf:    buffer.New(),
		committed: make(chan struct{}),
		done:      make(chan struct{}),
	}
	if ctx.Request.Header.IsHTTP11() {
		ex.version = transport.HTTP11
	}
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		ex.in.Add(string(k), string(v))
	})
	return ex
}

func (ex *serverExchange) Method() string                 { return ex.method }
func (ex *serverExchange) URI() string                    { return ex.uri }
func (ex *serverExchange) Version() transport.Version     { return ex.version }
func (ex *serverExchange) Host() string                   { return ex.host }
func (ex *serverExchange) InputHeaders() *header.Headers  { return ex.in }
func (ex *serverExchange) OutputHeaders() *header.Headers { return ex.out }
func (ex *serverExchange) InputBuffer() *buffer.Buffer    { return ex.inBuf }
func (ex *serverExchange) OutputBuffer() *buffer.Buffer   { return ex.outBuf }
func (ex *serverExchange) Conn() transport.ConnHandle     { return ex.conn }

func (ex *serverExchange) ResponseCode() int {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.code
}

func (ex *serverExchange) ResponseReason() string {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.reason
}

func (ex *serverExchange) OnRelease(fn func()) bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if fn != nil && (ex.onRelease != nil || ex.released) {
		return false
	}
	ex.onRelease = fn
	return true
}

func (ex *serverExchange) started() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.state != replyNone || ex.released
}

func (ex *serverExchange) commit() {
	ex.commitMu.Do(func() { close(ex.committed) })
}

func (ex *serverExchange) claim(from, to int) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.released {
		return errs.Statef("exchange released")
	}
	if ex.state != from {
		return errs.Statef("reply already started")
	}
	ex.state = to
	return nil
}

func (ex *serverExchange) writeHead(code int, reason string) {
	ex.mu.Lock()
	ex.code, ex.reason = code, reason
	ex.mu.Unlock()

	resp := &ex.ctx.Response
	resp.SetStatusCode(code)
	if reason != "" {
		resp.Header.SetStatusMessage([]byte(reason))
	}
	ex.out.VisitAll(func(name, value string) {
		if name == header.ContentLength {
			return
		}
		resp.Header.Add(name, value)
	})
}

func (ex *serverExchange) SendReply(code int, reason string, body *buffer.Buffer) error {
	if err := ex.claim(replyNone, replyDone); err != nil {
		return err
	}
	if body == nil {
		body = ex.outBuf
	}
	ex.writeHead(code, reason)
	ex.ctx.Response.SetBody(body.Bytes())
	body.Reset()
	ex.commit()
	ex.finish()
	return nil
}

func (ex *serverExchange) SendError(code int) error {
	if ex.outBuf.Len() == 0 {
		ex.outBuf.WriteString(http.StatusText(code))
		if !ex.out.Has(header.ContentType) {
			ex.out.Set(header.ContentType, "text/plain")
		}
	}
	return ex.SendReply(code, "", ex.outBuf)
}

func (ex *serverExchange) StartChunkedReply(code int, reason string) error {
	if err := ex.claim(replyNone, replyChunked); err != nil {
		return err
	}
	ex.writeHead(code, reason)
	ex.chunks = make(chan []byte, 16)
	ex.ctx.SetBodyStreamWriter(ex.stream)
	ex.commit()
	return nil
}

// stream runs on the fasthttp connection goroutine after the handler
// returns.
func (ex *serverExchange) stream(w *bufio.Writer) {
	defer ex.finish()
	for chunk := range ex.chunks {
		if _, err := w.Write(chunk); err != nil {
			ex.abort()
			return
		}
		if err := w.Flush(); err != nil {
			ex.abort()
			return
		}
	}
	ex.mu.Lock()
	canceled := ex.canceled
	ex.mu.Unlock()
	if canceled {
		ex.abort()
	}
}

// abort drops the connection so the client sees a truncated body.
func (ex *serverExchange) abort() {
	ex.ctx.SetConnectionClose()
	if c := ex.ctx.Conn(); c != nil {
		c.Close()
	}
}

func (ex *serverExchange) SendChunk(chunk *buffer.Buffer) error {
	ex.mu.Lock()
	ok := ex.state == replyChunked && !ex.released
	ex.mu.Unlock()
	if !ok {
		return errs.Statef("no chunked reply in progress")
	}
	if chunk == nil || chunk.Len() == 0 {
		return nil
	}
	p := append([]byte(nil), chunk.Bytes()...)
	chunk.Reset()

	ex.chunkMu.RLock()
	defer ex.chunkMu.RUnlock()
	if ex.chunksClosed {
		return errs.Statef("chunked reply ended")
	}
	select {
	case ex.chunks <- p:
		return nil
	case <-ex.done:
		return errs.Transportf("connection closed")
	}
}

func (ex *serverExchange) closeChunks() {
	ex.chunkMu.Lock()
	if !ex.chunksClosed {
		ex.chunksClosed = true
		close(ex.chunks)
	}
	ex.chunkMu.Unlock()
}

func (ex *serverExchange) EndChunkedReply() error {
	if err := ex.claim(replyChunked, replyDone); err != nil {
		return err
	}
	ex.closeChunks()
	return nil
}

func (ex *serverExchange) Cancel() {
	ex.mu.Lock()
	ex.canceled = true
	prev := ex.state
	ex.state = replyDone
	ex.mu.Unlock()

	if prev == replyChunked {
		// The stream writer aborts once it drains.
		ex.closeChunks()
		return
	}
	ex.commit()
	ex.finish()
}

func (ex *serverExchange) finish() {
	ex.mu.Lock()
	if ex.released {
		ex.mu.Unlock()
		return
	}
	ex.released = true
	fn := ex.onRelease
	ex.onRelease = nil
	ex.mu.Unlock()

	if fn != nil {
		fn()
	}
	close(ex.done)
}

// serverConn is the ConnHandle of an accepted fasthttp connection.
type serverConn struct {
	peer string
	addr net.Addr
	tls  *tls.ConnectionState
}

func newServerConn(ctx *fasthttp.RequestCtx) *serverConn {
	c := &serverConn{addr: ctx.RemoteAddr(), tls: ctx.TLSConnectionState()}
	if ip := ctx.RemoteIP(); ip != nil && !ip.IsUnspecified() {
		c.peer = ip.String()
	}
	return c
}

func (c *serverConn) Peer() string                       { return c.peer }
func (c *serverConn) SocketAddr() net.Addr               { return c.addr }
func (c *serverConn) TLS() *tls.ConnectionState          { return c.tls }
func (c *serverConn) SetTimeout(time.Duration)           {}
func (c *serverConn) SetRetries(int)                     {}
func (c *serverConn) SetMaxBodySize(int64)               {}
func (c *serverConn) SetMaxHeaderSize(int)               {}
func (c *serverConn) SetInitialRetryDelay(time.Duration) {}

func (c *serverConn) NewExchange(func(transport.Exchange)) (transport.Exchange, error) {
	return nil, errs.Statef("accepted connections cannot originate requests")
}

func (c *serverConn) MakeRequest(transport.Exchange, string, string) error {
	return errs.Statef("accepted connections cannot originate requests")
}

func (c *serverConn) SetLocalAddress(string) error {
	return errs.Statef("cannot rebind an accepted connection")
}
