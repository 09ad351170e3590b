package http2

import (
	"crypto/tls"
	"net"
	nethttp "net/http"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/searchktools/fast-exchange/core/buffer"
	"github.com/searchktools/fast-exchange/core/errs"
	"github.com/searchktools/fast-exchange/core/header"
	"github.com/searchktools/fast-exchange/core/http"
	"github.com/searchktools/fast-exchange/core/transport"
)

const (
	replyNone = iota
	replyChunked
	replyDone
)

// exchange adapts one net/http handler invocation. The handler goroutine
// blocks on done until the reply is complete, because the ResponseWriter
// is only valid while ServeHTTP runs.
type exchange struct {
	w    nethttp.ResponseWriter
	req  *nethttp.Request
	conn *connHandle

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
	done      chan struct{}
}

func newExchange(w nethttp.ResponseWriter, req *nethttp.Request, body []byte) *exchange {
	ex := &exchange{
		w:       w,
		req:     req,
		conn:    newConnHandle(req),
		version: transport.Version{Major: req.ProtoMajor, Minor: req.ProtoMinor},
		in:      header.New(),
		out:     header.New(),
		inBuf:   buffer.From(body),
		outBuf:  buffer.New(),
		done:    make(chan struct{}),
	}
	if req.Host != "" {
		ex.in.Add(header.Host, req.Host)
	}
	for name, values := range req.Header {
		for _, v := range values {
			ex.in.Add(name, v)
		}
	}
	return ex
}

func (ex *exchange) Method() string                 { return ex.req.Method }
func (ex *exchange) URI() string                    { return ex.req.RequestURI }
func (ex *exchange) Version() transport.Version     { return ex.version }
func (ex *exchange) Host() string                   { return ex.req.Host }
func (ex *exchange) InputHeaders() *header.Headers  { return ex.in }
func (ex *exchange) OutputHeaders() *header.Headers { return ex.out }
func (ex *exchange) InputBuffer() *buffer.Buffer    { return ex.inBuf }
func (ex *exchange) OutputBuffer() *buffer.Buffer   { return ex.outBuf }
func (ex *exchange) Conn() transport.ConnHandle     { return ex.conn }

func (ex *exchange) ResponseCode() int {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.code
}

func (ex *exchange) ResponseReason() string {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.reason
}

func (ex *exchange) OnRelease(fn func()) bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if fn != nil && (ex.onRelease != nil || ex.released) {
		return false
	}
	ex.onRelease = fn
	return true
}

func (ex *exchange) started() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.state != replyNone || ex.released
}

func (ex *exchange) claim(from, to int, code int, reason string) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.released {
		return errs.Statef("exchange released")
	}
	if ex.state != from {
		return errs.Statef("reply already started")
	}
	ex.state = to
	if to != replyDone || from == replyNone {
		ex.code, ex.reason = code, reason
	}
	return nil
}

func (ex *exchange) writeHead(code int, length int) {
	h := ex.w.Header()
	ex.out.VisitAll(func(name, value string) {
		h.Add(name, value)
	})
	if length >= 0 {
		h.Set(header.ContentLength, strconv.Itoa(length))
	} else {
		h.Del(header.ContentLength)
	}
	ex.w.WriteHeader(code)
}

func (ex *exchange) SendReply(code int, reason string, body *buffer.Buffer) error {
	if err := ex.claim(replyNone, replyDone, code, reason); err != nil {
		return err
	}
	if body == nil {
		body = ex.outBuf
	}
	ex.writeHead(code, body.Len())
	var err error
	if ex.req.Method != nethttp.MethodHead {
		_, err = body.WriteTo(ex.w)
	}
	body.Reset()
	ex.finish()
	return errs.WrapTransport(err, "send reply")
}

func (ex *exchange) SendError(code int) error {
	if ex.outBuf.Len() == 0 {
		ex.outBuf.WriteString(http.StatusText(code))
		if !ex.out.Has(header.ContentType) {
			ex.out.Set(header.ContentType, "text/plain")
		}
	}
	return ex.SendReply(code, "", ex.outBuf)
}

func (ex *exchange) StartChunkedReply(code int, reason string) error {
	if err := ex.claim(replyNone, replyChunked, code, reason); err != nil {
		return err
	}
	ex.writeHead(code, -1)
	return ex.flush()
}

func (ex *exchange) SendChunk(chunk *buffer.Buffer) error {
	ex.mu.Lock()
	ok := ex.state == replyChunked && !ex.released
	ex.mu.Unlock()
	if !ok {
		return errs.Statef("no chunked reply in progress")
	}
	if chunk == nil || chunk.Len() == 0 {
		return nil
	}
	if _, err := chunk.WriteTo(ex.w); err != nil {
		chunk.Reset()
		return errs.WrapTransport(err, "send chunk")
	}
	chunk.Reset()
	return ex.flush()
}

func (ex *exchange) flush() error {
	err := nethttp.NewResponseController(ex.w).Flush()
	return errs.WrapTransport(err, "flush")
}

func (ex *exchange) EndChunkedReply() error {
	if err := ex.claim(replyChunked, replyDone, 0, ""); err != nil {
		return err
	}
	ex.finish()
	return nil
}

// Cancel releases the exchange. The handler goroutine then aborts the
// stream unless a complete reply was sent.
func (ex *exchange) Cancel() {
	ex.mu.Lock()
	ex.canceled = true
	ex.state = replyDone
	ex.mu.Unlock()
	ex.finish()
}

func (ex *exchange) finish() {
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

// connHandle describes the client side of a net/http request. It cannot
// originate requests.
type connHandle struct {
	peer  string
	addr  net.Addr
	tls   *tls.ConnectionState
	local string
}

func newConnHandle(req *nethttp.Request) *connHandle {
	c := &connHandle{tls: req.TLS}
	if ap, err := netip.ParseAddrPort(req.RemoteAddr); err == nil {
		c.peer = ap.Addr().Unmap().String()
		c.addr = net.TCPAddrFromAddrPort(ap)
	}
	if la, ok := req.Context().Value(nethttp.LocalAddrContextKey).(net.Addr); ok {
		c.local = la.String()
	}
	return c
}

func (c *connHandle) Peer() string                       { return c.peer }
func (c *connHandle) SocketAddr() net.Addr               { return c.addr }
func (c *connHandle) TLS() *tls.ConnectionState          { return c.tls }
func (c *connHandle) SetTimeout(time.Duration)           {}
func (c *connHandle) SetRetries(int)                     {}
func (c *connHandle) SetMaxBodySize(int64)               {}
func (c *connHandle) SetMaxHeaderSize(int)               {}
func (c *connHandle) SetInitialRetryDelay(time.Duration) {}

func (c *connHandle) NewExchange(func(transport.Exchange)) (transport.Exchange, error) {
	return nil, errs.Statef("http2 connections are server side only")
}

func (c *connHandle) MakeRequest(transport.Exchange, string, string) error {
	return errs.Statef("http2 connections are server side only")
}

func (c *connHandle) SetLocalAddress(string) error {
	return errs.Statef("cannot rebind an accepted connection")
}
