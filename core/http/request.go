// Package http implements Request, the application-facing view of one HTTP
// exchange, and Connection, the façade over a transport connection.
package http

import (
	"strconv"
	"sync"
	"time"
	"weak"

	"github.com/cockroachdb/errors"
	"github.com/searchktools/fast-exchange/core/buffer"
	"github.com/searchktools/fast-exchange/core/compress"
	"github.com/searchktools/fast-exchange/core/errs"
	"github.com/searchktools/fast-exchange/core/header"
	"github.com/searchktools/fast-exchange/core/logging"
	"github.com/searchktools/fast-exchange/core/transport"
	"go.uber.org/zap"
)

type replyState int

const (
	stateOpen replyState = iota
	stateChunked
	stateFinalized
)

func (s replyState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateChunked:
		return "chunked"
	}
	return "finalized"
}

// Reply modes passed to Recorder.ResponseFinalized.
const (
	ModeReply    = "reply"
	ModeError    = "error"
	ModeChunked  = "chunked"
	ModeCanceled = "canceled"
)

// Request wraps a transport exchange.
//
// Lifetime: the application holds references (one from the constructor,
// more from Retain, dropped with Close) and the request holds a reference to
// itself for as long as the transport may call its release callback. The
// request is torn down exactly once, when both are gone. Dropping the last
// application reference on an owned exchange cancels it; on a borrowed one
// teardown waits for the transport's release.
//
// A Request is driven from one goroutine. Only the release callback may
// arrive from another.
type Request struct {
	mu       sync.Mutex
	ex       transport.Exchange
	owned    bool
	refs     int
	selfRef  bool
	dead     bool
	done     chan struct{}
	state    replyState
	closers  []closer
	code     int
	mode     string
	incoming bool

	method  string
	version transport.Version
	host    string

	id          uint64
	user        string
	session     weak.Pointer[Session]
	originalURI *URI
	uri         *URI
	clientAddr  string
	args        *Args
	argsParsed  bool
	params      map[string]string
	compression compress.Codec

	baseLog *zap.Logger
	log     *zap.Logger
	rec     Recorder
	now     func() time.Time
	created time.Time
}

type closer interface {
	Close() error
}

// NewRequest wraps an inbound exchange delivered by a transport. The
// transport keeps ownership of the exchange.
func NewRequest(ex transport.Exchange, opts ...Option) (*Request, error) {
	if ex == nil {
		return nil, errs.Constructionf("exchange cannot be nil")
	}
	uri, err := ParseURI(ex.URI())
	if err != nil {
		return nil, errors.Mark(err, errs.Construction)
	}

	r := newRequest(ex, false, opts)
	r.incoming = true
	r.originalURI = uri
	r.uri = uri.Clone()
	if h := ex.Conn(); h != nil {
		r.clientAddr = (&Connection{h: h}).Peer()
	}
	if err := r.register(); err != nil {
		return nil, err
	}
	r.rec.RequestStarted(r.method)

	r.log.Info("<", zap.String("method", r.method), zap.String("uri", r.uri.String()),
		zap.String("client", r.clientAddr))
	if ce := r.log.Check(zap.DebugLevel, "request headers"); ce != nil {
		ce.Write(zap.String("headers", ex.InputHeaders().String()),
			zap.String("body", ex.InputBuffer().Hexdump()))
	}
	return r, nil
}

// NewOutboundRequest wraps an exchange the application created to send a
// request to uri. The request owns the exchange.
func NewOutboundRequest(ex transport.Exchange, uri *URI, opts ...Option) (*Request, error) {
	if ex == nil {
		return nil, errs.Constructionf("exchange cannot be nil")
	}
	if uri == nil {
		return nil, errs.Constructionf("outbound request needs a uri")
	}

	r := newRequest(ex, true, opts)
	r.originalURI = uri
	r.uri = uri.Clone()
	r.clientAddr = uri.Address()
	if err := r.register(); err != nil {
		return nil, err
	}
	return r, nil
}

func newRequest(ex transport.Exchange, owned bool, opts []Option) *Request {
	r := &Request{
		ex:      ex,
		owned:   owned,
		refs:    1,
		done:    make(chan struct{}),
		method:  ex.Method(),
		version: ex.Version(),
		host:    ex.Host(),
		user:    DefaultUser,
		log:     logging.Log,
		rec:     nopRecorder{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.baseLog = r.log
	r.log = r.baseLog.With(zap.String("req", r.LogPrefix()))
	r.created = r.now()
	return r
}

// register takes the exchange's release slot, so at most one Request wraps
// an exchange.
func (r *Request) register() error {
	r.selfRef = true
	if !r.ex.OnRelease(r.released) {
		r.selfRef = false
		return errs.Constructionf("exchange is already wrapped or released")
	}
	return nil
}

// released runs when the transport frees the exchange.
func (r *Request) released() {
	r.mu.Lock()
	r.ex = nil
	r.selfRef = false
	r.mu.Unlock()
	r.maybeDestroy()
}

// Retain adds an application reference.
func (r *Request) Retain() *Request {
	r.mu.Lock()
	r.refs++
	r.mu.Unlock()
	return r
}

// Close drops an application reference. Dropping the last one cancels an
// owned exchange.
func (r *Request) Close() error {
	r.mu.Lock()
	if r.refs == 0 {
		r.mu.Unlock()
		return nil
	}
	r.refs--
	var ex transport.Exchange
	if r.refs == 0 && r.owned && r.ex != nil {
		ex = r.ex
		r.ex = nil
		r.selfRef = false
	}
	r.mu.Unlock()

	if ex != nil {
		ex.OnRelease(nil)
		ex.Cancel()
	}
	r.maybeDestroy()
	return nil
}

// Cancel abandons the exchange and finalizes the request. The release
// callback is deregistered first, so the transport does not call back.
func (r *Request) Cancel() error {
	r.mu.Lock()
	ex := r.ex
	r.ex = nil
	r.selfRef = false
	wasFinal := r.state == stateFinalized
	r.state = stateFinalized
	if r.mode == "" {
		r.mode = ModeCanceled
	}
	r.mu.Unlock()

	if ex == nil {
		r.maybeDestroy()
		return errs.Statef("%s exchange already released", r.LogPrefix())
	}
	ex.OnRelease(nil)
	ex.Cancel()
	if !wasFinal {
		r.rec.ResponseFinalized(0, ModeCanceled, 0)
	}
	r.log.Debug("canceled")
	r.maybeDestroy()
	return nil
}

func (r *Request) maybeDestroy() {
	r.mu.Lock()
	if r.dead || r.refs > 0 || r.selfRef {
		r.mu.Unlock()
		return
	}
	r.dead = true
	r.mu.Unlock()

	r.closePending()
	r.rec.RequestReleased(r.now().Sub(r.created))
	r.log.Debug("released")
	close(r.done)
}

// Done is closed once the request has been torn down.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Released reports whether the transport no longer holds the exchange.
func (r *Request) Released() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ex == nil
}

// Retained reports whether any application reference is still held.
func (r *Request) Retained() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs > 0
}

// Owned reports whether the request owns its exchange.
func (r *Request) Owned() bool { return r.owned }

func (r *Request) exchange() (transport.Exchange, error) {
	r.mu.Lock()
	ex := r.ex
	r.mu.Unlock()
	if ex == nil {
		return nil, errs.Statef("%s exchange released", r.LogPrefix())
	}
	return ex, nil
}

// Exchange returns the underlying exchange, nil once released.
func (r *Request) Exchange() transport.Exchange {
	ex, _ := r.exchange()
	return ex
}

// ID is the request number, 0 until one is assigned.
func (r *Request) ID() uint64 { return r.id }

// SetID renumbers the request and its logger.
func (r *Request) SetID(id uint64) {
	r.id = id
	r.log = r.baseLog.With(zap.String("req", r.LogPrefix()))
}

// LogPrefix is "#<id>:".
func (r *Request) LogPrefix() string {
	return "#" + strconv.FormatUint(r.id, 10) + ":"
}

// Logger returns the request-scoped logger.
func (r *Request) Logger() *zap.Logger { return r.log }

// Incoming reports whether the request came from a transport.
func (r *Request) Incoming() bool { return r.incoming }

// Method is the request method.
func (r *Request) Method() string { return r.method }

// Version is the protocol version of the request.
func (r *Request) Version() transport.Version { return r.version }

// Host is the Host header or authority.
func (r *Request) Host() string { return r.host }

// OriginalURI is the target as received, unaffected by SetURI.
func (r *Request) OriginalURI() *URI { return r.originalURI }

// URI is the working URI, which SetURI may replace.
func (r *Request) URI() *URI { return r.uri }

// SetURI rewrites the working URI, e.g. after routing.
func (r *Request) SetURI(u *URI) {
	if u != nil {
		r.uri = u
		r.args = nil
		r.argsParsed = false
	}
}

// ClientAddr is the peer address of an inbound request or the target of an outbound one.
func (r *Request) ClientAddr() string { return r.clientAddr }

// Compression is the codec configured for this request.
func (r *Request) Compression() compress.Codec { return r.compression }

// Session returns the attached session, nil if none or collected.
func (r *Request) Session() *Session {
	return r.session.Value()
}

// User is the session user if there is one, otherwise the request user.
func (r *Request) User() string {
	if s := r.Session(); s != nil && s.HasUser() {
		return s.User()
	}
	return r.user
}

// SetUser sets the request user and the session user.
func (r *Request) SetUser(user string) {
	r.user = user
	if s := r.Session(); s != nil {
		s.SetUser(user)
	}
}

// SetSession attaches s after construction, e.g. from a session lookup
// middleware. The request keeps only a weak reference.
func (r *Request) SetSession(s *Session) {
	if s == nil {
		r.session = weak.Pointer[Session]{}
		return
	}
	r.session = weak.Make(s)
}

// SessionID looks in the named header first, then the named cookie.
func (r *Request) SessionID(cookie, headerName string) string {
	if r.InHas(headerName) {
		return r.InFind(headerName)
	}
	return r.FindCookie(cookie)
}

// Param returns a path parameter set by the router.
func (r *Request) Param(key string) string {
	return r.params[key]
}

// SetParam stores a path parameter.
func (r *Request) SetParam(key, value string) {
	if r.params == nil {
		r.params = make(map[string]string, 4)
	}
	r.params[key] = value
}

// HasConnection reports whether the exchange has a connection.
func (r *Request) HasConnection() bool {
	ex, err := r.exchange()
	return err == nil && ex.Conn() != nil
}

// Connection fails with a state error when there is none.
func (r *Request) Connection() (*Connection, error) {
	ex, err := r.exchange()
	if err != nil {
		return nil, err
	}
	h := ex.Conn()
	if h == nil {
		return nil, errs.Statef("%s request does not have a connection", r.LogPrefix())
	}
	return &Connection{h: h}, nil
}

// IsSecure reports whether the request arrived over TLS.
func (r *Request) IsSecure() bool {
	c, err := r.Connection()
	return err == nil && c.IsSecure()
}

// ResponseCode is the transport's status code, or the last one sent.
func (r *Request) ResponseCode() int {
	if ex, err := r.exchange(); err == nil {
		if code := ex.ResponseCode(); code != 0 {
			return code
		}
	}
	return r.code
}

// ResponseMessage is the reason phrase of the reply.
func (r *Request) ResponseMessage() string {
	if ex, err := r.exchange(); err == nil {
		if s := ex.ResponseReason(); s != "" {
			return s
		}
	}
	if r.code != 0 {
		return StatusText(r.code)
	}
	return ""
}

// ResponseLine is "HTTP/x.y code message".
func (r *Request) ResponseLine() string {
	return r.version.String() + " " + strconv.Itoa(r.ResponseCode()) + " " + r.ResponseMessage()
}

// Finalized reports whether the response is locked.
func (r *Request) Finalized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == stateFinalized
}

// Committed reports whether the status line has been handed to the
// transport, either as a full reply or as the start of a chunked one.
func (r *Request) Committed() bool {
	return r.currentState() != stateOpen
}

func (r *Request) currentState() replyState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Request) setState(s replyState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Request) track(c closer) {
	r.mu.Lock()
	r.closers = append(r.closers, c)
	r.mu.Unlock()
}

// closePending closes writers and streams the application left open. Their
// errors are logged, not returned.
func (r *Request) closePending() {
	r.mu.Lock()
	pending := r.closers
	r.closers = nil
	r.mu.Unlock()

	for _, c := range pending {
		if err := c.Close(); err != nil {
			r.log.Debug("closing pending writer", zap.Error(err))
		}
	}
}

func (r *Request) inputHeaders() *header.Headers {
	if ex, err := r.exchange(); err == nil {
		return ex.InputHeaders()
	}
	return header.New()
}

// InputBuffer holds the request body.
func (r *Request) InputBuffer() *buffer.Buffer {
	if ex, err := r.exchange(); err == nil {
		return ex.InputBuffer()
	}
	return buffer.New()
}

// OutputBuffer is the buffer a plain reply sends.
func (r *Request) OutputBuffer() *buffer.Buffer {
	if ex, err := r.exchange(); err == nil {
		return ex.OutputBuffer()
	}
	return buffer.New()
}

// OutputHeaders exposes the response headers for reading.
func (r *Request) OutputHeaders() *header.Headers {
	if ex, err := r.exchange(); err == nil {
		return ex.OutputHeaders()
	}
	return header.New()
}

// InputHeaders exposes the request headers.
func (r *Request) InputHeaders() *header.Headers {
	return r.inputHeaders()
}
