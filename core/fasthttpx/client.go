package fasthttpx

import (
	"crypto/tls"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/searchktools/fast-exchange/core/buffer"
	"github.com/searchktools/fast-exchange/core/errs"
	"github.com/searchktools/fast-exchange/core/header"
	"github.com/searchktools/fast-exchange/core/transport"
	"github.com/valyala/fasthttp"
)

// ClientConfig describes an outbound connection to one host.
type ClientConfig struct {
	// Addr is host:port.
	Addr      string
	TLSConfig *tls.Config
	// Dial replaces the TCP dialer, mostly for tests.
	Dial fasthttp.DialFunc
}

// Client is an outbound transport.ConnHandle backed by a
// fasthttp.HostClient. Knobs must be set before the first request.
type Client struct {
	hc   *fasthttp.HostClient
	addr string

	mu         sync.Mutex
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Addr == "" {
		return nil, errs.Constructionf("client needs an address")
	}
	c := &Client{addr: cfg.Addr}
	c.hc = &fasthttp.HostClient{
		Addr:       cfg.Addr,
		IsTLS:      cfg.TLSConfig != nil,
		TLSConfig:  cfg.TLSConfig,
		Dial:       cfg.Dial,
		RetryIfErr: c.retryIfErr,
	}
	return c, nil
}

// retryIfErr retries any method up to the configured count, backing off
// from the initial delay.
func (c *Client) retryIfErr(_ *fasthttp.Request, attempts int, err error) (bool, bool) {
	c.mu.Lock()
	retries, delay := c.retries, c.retryDelay
	c.mu.Unlock()

	if attempts > retries || errors.Is(err, fasthttp.ErrBodyTooLarge) {
		return false, false
	}
	if d := backoff(delay, attempts); d > 0 {
		time.Sleep(d)
	}
	return true, true
}

// maxBackoffShift caps the doubling at delay<<maxBackoffShift.
const maxBackoffShift = 10

// backoff is the pause before retry number attempt (1-based).
func backoff(delay time.Duration, attempt int) time.Duration {
	if delay <= 0 || attempt < 1 {
		return 0
	}
	shift := min(attempt-1, maxBackoffShift)
	if delay > time.Duration(math.MaxInt64>>shift) {
		return time.Duration(math.MaxInt64)
	}
	return delay << shift
}

func (c *Client) Peer() string {
	host, _, err := net.SplitHostPort(c.addr)
	if err != nil {
		return c.addr
	}
	return host
}

// SocketAddr is nil: the pool may hold several sockets.
func (c *Client) SocketAddr() net.Addr { return nil }

func (c *Client) TLS() *tls.ConnectionState { return nil }

func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
	c.hc.ReadTimeout = d
	c.hc.WriteTimeout = d
}

func (c *Client) SetRetries(n int) {
	c.mu.Lock()
	c.retries = n
	c.mu.Unlock()
	c.hc.MaxIdemponentCallAttempts = n + 1
}

func (c *Client) SetInitialRetryDelay(d time.Duration) {
	c.mu.Lock()
	c.retryDelay = d
	c.mu.Unlock()
}

func (c *Client) SetMaxBodySize(n int64) { c.hc.MaxResponseBodySize = int(n) }

// SetMaxHeaderSize bounds the read buffer, which caps the response head.
func (c *Client) SetMaxHeaderSize(n int) { c.hc.ReadBufferSize = n }

// SetLocalAddress binds outgoing sockets to addr, a host or host:port.
func (c *Client) SetLocalAddress(addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(strings.Trim(addr, "[]"), "0")
	}
	la, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "local address %q", addr)
	}
	d := &net.Dialer{LocalAddr: la}
	c.hc.Dial = func(remote string) (net.Conn, error) {
		return d.Dial("tcp", remote)
	}
	return nil
}

func (c *Client) NewExchange(onComplete func(transport.Exchange)) (transport.Exchange, error) {
	return &clientExchange{
		client:     c,
		onComplete: onComplete,
		in:         header.New(),
		out:        header.New(),
		inBuf:      buffer.New(),
		outBuf:     buffer.New(),
		version:    transport.HTTP11,
	}, nil
}

// MakeRequest sends ex in the background. The completion callback runs
// with the response, or with code 0 and the error as reason on failure.
func (c *Client) MakeRequest(ex transport.Exchange, method, uri string) error {
	ce, ok := ex.(*clientExchange)
	if !ok || ce.client != c {
		return errs.Transportf("exchange %T does not belong to this client", ex)
	}

	req := fasthttp.AcquireRequest()
	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	req.Header.SetHost(c.addr)
	ce.out.VisitAll(func(name, value string) {
		if strings.EqualFold(name, header.Host) {
			req.Header.SetHost(value)
			return
		}
		req.Header.Add(name, value)
	})
	req.SetBody(ce.outBuf.Bytes())
	ce.outBuf.Reset()

	ce.mu.Lock()
	ce.method, ce.uri = method, uri
	ce.mu.Unlock()

	c.mu.Lock()
	timeout := c.timeout
	c.mu.Unlock()

	go ce.run(req, timeout)
	return nil
}

func (c *Client) Close() {
	c.hc.CloseIdleConnections()
}

// clientExchange carries one outbound request and, once complete, its
// response.
type clientExchange struct {
	client     *Client
	onComplete func(transport.Exchange)

	in, out *header.Headers
	inBuf   *buffer.Buffer
	outBuf  *buffer.Buffer

	mu        sync.Mutex
	method    string
	uri       string
	version   transport.Version
	code      int
	reason    string
	canceled  bool
	released  bool
	onRelease func()
}

func (ex *clientExchange) run(req *fasthttp.Request, timeout time.Duration) {
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	var err error
	if timeout > 0 {
		err = ex.client.hc.DoTimeout(req, resp, timeout)
	} else {
		err = ex.client.hc.Do(req, resp)
	}

	ex.mu.Lock()
	if ex.canceled {
		ex.mu.Unlock()
		return
	}
	if err != nil {
		ex.code, ex.reason = 0, err.Error()
	} else {
		ex.code = resp.StatusCode()
		ex.reason = string(resp.Header.StatusMessage())
		if !resp.Header.IsHTTP11() {
			ex.version = transport.HTTP10
		}
		resp.Header.VisitAll(func(k, v []byte) {
			ex.in.Add(string(k), string(v))
		})
		ex.inBuf.Write(resp.Body())
	}
	ex.mu.Unlock()

	if ex.onComplete != nil {
		ex.onComplete(ex)
	}
	ex.release()
}

func (ex *clientExchange) Method() string {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.method
}

func (ex *clientExchange) URI() string {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.uri
}

func (ex *clientExchange) Version() transport.Version {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.version
}

func (ex *clientExchange) Host() string                   { return ex.client.addr }
func (ex *clientExchange) InputHeaders() *header.Headers  { return ex.in }
func (ex *clientExchange) OutputHeaders() *header.Headers { return ex.out }
func (ex *clientExchange) InputBuffer() *buffer.Buffer    { return ex.inBuf }
func (ex *clientExchange) OutputBuffer() *buffer.Buffer   { return ex.outBuf }
func (ex *clientExchange) Conn() transport.ConnHandle     { return ex.client }

func (ex *clientExchange) ResponseCode() int {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.code
}

func (ex *clientExchange) ResponseReason() string {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.reason
}

var errServerSide = errs.Statef("outbound exchanges cannot send replies")

func (ex *clientExchange) SendReply(int, string, *buffer.Buffer) error { return errServerSide }
func (ex *clientExchange) SendError(int) error                         { return errServerSide }
func (ex *clientExchange) StartChunkedReply(int, string) error         { return errServerSide }
func (ex *clientExchange) SendChunk(*buffer.Buffer) error              { return errServerSide }
func (ex *clientExchange) EndChunkedReply() error                      { return errServerSide }

// Cancel suppresses the completion callback. A request already on the
// wire still runs to completion inside fasthttp.
func (ex *clientExchange) Cancel() {
	ex.mu.Lock()
	ex.canceled = true
	ex.mu.Unlock()
	ex.release()
}

func (ex *clientExchange) OnRelease(fn func()) bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if fn != nil && (ex.onRelease != nil || ex.released) {
		return false
	}
	ex.onRelease = fn
	return true
}

func (ex *clientExchange) release() {
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
}
