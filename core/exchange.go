package core

import (
	"strconv"
	"sync"

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

// fdExchange is one request/response pair on an engine connection. It is
// released once the reply is fully written or the connection goes away.
type fdExchange struct {
	conn *Connection
	head *requestHead

	out    *header.Headers
	inBuf  *buffer.Buffer
	outBuf *buffer.Buffer

	mu        sync.Mutex
	state     int
	code      int
	reason    string
	released  bool
	onRelease func()
	// closeAfter is set when the connection cannot be reused after this
	// exchange.
	closeAfter bool
}

func newFDExchange(c *Connection, head *requestHead, body []byte) *fdExchange {
	ex := &fdExchange{
		conn:       c,
		head:       head,
		out:        header.New(),
		inBuf:      buffer.New(),
		outBuf:     buffer.New(),
		closeAfter: !head.keepAlive,
	}
	ex.inBuf.Write(body)
	return ex
}

func (ex *fdExchange) Method() string                 { return ex.head.method }
func (ex *fdExchange) URI() string                    { return ex.head.target }
func (ex *fdExchange) Version() transport.Version     { return ex.head.version }
func (ex *fdExchange) Host() string                   { return ex.head.headers.Find(header.Host) }
func (ex *fdExchange) InputHeaders() *header.Headers  { return ex.head.headers }
func (ex *fdExchange) OutputHeaders() *header.Headers { return ex.out }
func (ex *fdExchange) InputBuffer() *buffer.Buffer    { return ex.inBuf }
func (ex *fdExchange) OutputBuffer() *buffer.Buffer   { return ex.outBuf }
func (ex *fdExchange) Conn() transport.ConnHandle     { return ex.conn }

func (ex *fdExchange) ResponseCode() int {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.code
}

func (ex *fdExchange) ResponseReason() string {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.reason
}

func (ex *fdExchange) OnRelease(fn func()) bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if fn != nil && (ex.onRelease != nil || ex.released) {
		return false
	}
	ex.onRelease = fn
	return true
}

// started reports whether a reply has been begun or the exchange is gone.
func (ex *fdExchange) started() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.state != replyNone || ex.released
}

// claim moves the exchange from state from to state to.
func (ex *fdExchange) claim(from, to int) error {
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

// head renders the status line and output headers. length < 0 means the
// body is chunked or delimited by close.
func (ex *fdExchange) renderHead(code int, reason string, length int) []byte {
	if reason == "" {
		reason = http.StatusText(code)
	}
	v := ex.head.version
	if transport.HTTP11.Less(v) {
		v = transport.HTTP11
	}

	if c := ex.out.Find(header.Connection); c != "" {
		if c == "close" {
			ex.closeAfter = true
		}
	} else if ex.closeAfter && !v.Less(transport.HTTP11) {
		ex.out.Set(header.Connection, "close")
	} else if !ex.closeAfter && v.Less(transport.HTTP11) {
		ex.out.Set(header.Connection, "keep-alive")
	}
	if !ex.out.Has(header.Date) {
		ex.out.Set(header.Date, ex.conn.engine.now().UTC().Format(http.TimeFormat))
	}
	if length >= 0 {
		ex.out.Set(header.ContentLength, strconv.Itoa(length))
	} else if v.Less(transport.HTTP11) {
		// No chunked framing before 1.1; the body ends at close.
		ex.closeAfter = true
	} else {
		ex.out.Remove(header.ContentLength)
		ex.out.Set(header.TransferEncode, "chunked")
	}

	b := make([]byte, 0, 256)
	b = statusLine(b, v, code, reason)
	b = append(b, ex.out.String()...)
	return append(b, "\r\n"...)
}

func (ex *fdExchange) chunkedFraming() bool {
	return !ex.head.version.Less(transport.HTTP11)
}

func (ex *fdExchange) SendReply(code int, reason string, body *buffer.Buffer) error {
	if err := ex.claim(replyNone, replyDone); err != nil {
		return err
	}
	if body == nil {
		body = ex.outBuf
	}
	ex.setStatus(code, reason)

	msg := ex.renderHead(code, reason, body.Len())
	if ex.head.method != "HEAD" {
		msg = append(msg, body.Bytes()...)
	}
	body.Reset()
	err := ex.conn.write(msg)
	ex.finish(err)
	return errs.WrapTransport(err, "send reply")
}

// SendError replies with the output buffer as the body, or the reason
// phrase when the buffer is empty.
func (ex *fdExchange) SendError(code int) error {
	if ex.outBuf.Len() == 0 {
		ex.outBuf.WriteString(http.StatusText(code))
		if !ex.out.Has(header.ContentType) {
			ex.out.Set(header.ContentType, "text/plain")
		}
	}
	return ex.SendReply(code, "", ex.outBuf)
}

func (ex *fdExchange) StartChunkedReply(code int, reason string) error {
	if err := ex.claim(replyNone, replyChunked); err != nil {
		return err
	}
	ex.setStatus(code, reason)
	err := ex.conn.write(ex.renderHead(code, reason, -1))
	if err != nil {
		ex.finish(err)
	}
	return errs.WrapTransport(err, "start chunked reply")
}

func (ex *fdExchange) SendChunk(chunk *buffer.Buffer) error {
	ex.mu.Lock()
	ok := ex.state == replyChunked && !ex.released
	ex.mu.Unlock()
	if !ok {
		return errs.Statef("no chunked reply in progress")
	}
	if chunk == nil || chunk.Len() == 0 {
		return nil
	}

	var msg []byte
	if ex.chunkedFraming() {
		msg = chunkHeader(make([]byte, 0, chunk.Len()+16), chunk.Len())
		msg = append(msg, chunk.Bytes()...)
		msg = append(msg, "\r\n"...)
	} else {
		msg = append([]byte(nil), chunk.Bytes()...)
	}
	chunk.Reset()
	err := ex.conn.write(msg)
	if err != nil {
		ex.finish(err)
	}
	return errs.WrapTransport(err, "send chunk")
}

func (ex *fdExchange) EndChunkedReply() error {
	if err := ex.claim(replyChunked, replyDone); err != nil {
		return err
	}
	var err error
	if ex.chunkedFraming() {
		err = ex.conn.write([]byte("0\r\n\r\n"))
	}
	ex.finish(err)
	return errs.WrapTransport(err, "end chunked reply")
}

// Cancel drops the connection without finishing the reply.
func (ex *fdExchange) Cancel() {
	ex.mu.Lock()
	ex.state = replyDone
	ex.closeAfter = true
	ex.mu.Unlock()
	ex.conn.shutdown()
	ex.finish(errs.Transportf("exchange canceled"))
}

func (ex *fdExchange) setStatus(code int, reason string) {
	ex.mu.Lock()
	ex.code, ex.reason = code, reason
	ex.mu.Unlock()
}

// finish releases the exchange once and hands the connection back to the
// engine.
func (ex *fdExchange) finish(err error) {
	ex.mu.Lock()
	if ex.released {
		ex.mu.Unlock()
		return
	}
	ex.released = true
	fn := ex.onRelease
	ex.onRelease = nil
	reuse := err == nil && !ex.closeAfter
	ex.mu.Unlock()

	if fn != nil {
		fn()
	}
	ex.conn.exchangeDone(reuse)
}

// abandon releases the exchange because its connection closed.
func (ex *fdExchange) abandon() {
	ex.mu.Lock()
	if ex.released {
		ex.mu.Unlock()
		return
	}
	ex.released = true
	ex.state = replyDone
	fn := ex.onRelease
	ex.onRelease = nil
	ex.mu.Unlock()
	if fn != nil {
		fn()
	}
}
