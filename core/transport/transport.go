// Package transport defines the narrow contract between the request core
// and whatever moves bytes on the wire: the epoll engine, fasthttp or
// net/http. The core never imports a concrete transport.
package transport

import (
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"github.com/searchktools/fast-exchange/core/buffer"
	"github.com/searchktools/fast-exchange/core/header"
)

// Version is an HTTP protocol version.
type Version struct {
	Major, Minor int
}

var (
	HTTP10 = Version{1, 0}
	HTTP11 = Version{1, 1}
	HTTP20 = Version{2, 0}
)

// Less reports whether v is older than o.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	return v.Minor < o.Minor
}

func (v Version) String() string {
	return "HTTP/" + strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor)
}

// ParseVersion parses "HTTP/x.y". It reports false for anything else.
func ParseVersion(s string) (Version, bool) {
	if len(s) != 8 || s[:5] != "HTTP/" || s[6] != '.' {
		return Version{}, false
	}
	maj, min := s[5], s[7]
	if maj < '0' || maj > '9' || min < '0' || min > '9' {
		return Version{}, false
	}
	return Version{int(maj - '0'), int(min - '0')}, true
}

// Exchange is one request/response cycle owned by a transport.
//
// For inbound exchanges the input side is the client's request and the
// output side is our response. For outbound exchanges the output side is
// what we send and the input side is filled from the server's response
// before the completion callback runs.
//
// An exchange is released exactly once: after the reply has been written,
// after the connection failed, or synchronously from Cancel. The function
// registered with OnRelease runs at that point unless it was deregistered.
type Exchange interface {
	Method() string
	URI() string
	Version() Version
	Host() string

	InputHeaders() *header.Headers
	OutputHeaders() *header.Headers
	InputBuffer() *buffer.Buffer
	OutputBuffer() *buffer.Buffer

	// Conn returns nil when the exchange has no connection.
	Conn() ConnHandle

	ResponseCode() int
	ResponseReason() string

	// SendReply commits the status line, the output headers and body. A nil
	// body sends the output buffer.
	SendReply(code int, reason string, body *buffer.Buffer) error
	// SendError sends an error status with the output buffer as body, or
	// a short default body when the buffer is empty.
	SendError(code int) error
	StartChunkedReply(code int, reason string) error
	SendChunk(chunk *buffer.Buffer) error
	EndChunkedReply() error

	// Cancel abandons the exchange and releases it.
	Cancel()
	// OnRelease registers the release callback and reports whether it was
	// taken. The slot holds one callback: registering over an occupied slot
	// or on a released exchange fails. nil deregisters.
	OnRelease(fn func()) bool
}

// ConnHandle is a transport connection.
type ConnHandle interface {
	// Peer is the transport's idea of the remote address, "" if unknown.
	Peer() string
	// SocketAddr is the raw remote socket address, nil if unknown.
	SocketAddr() net.Addr
	// TLS returns nil on plaintext connections.
	TLS() *tls.ConnectionState

	// NewExchange allocates an outbound exchange. onComplete runs once the
	// response has been read into the exchange or the request failed, in
	// which case ResponseCode is 0.
	NewExchange(onComplete func(Exchange)) (Exchange, error)
	// MakeRequest enqueues an outbound exchange.
	MakeRequest(ex Exchange, method, uri string) error

	SetTimeout(d time.Duration)
	SetRetries(n int)
	SetMaxBodySize(n int64)
	SetMaxHeaderSize(n int)
	SetInitialRetryDelay(d time.Duration)
	SetLocalAddress(addr string) error
}

// Error kinds a transport reports through ResponseReason on failed
// outbound exchanges.
const (
	ErrTimeout       = "timeout"
	ErrEOF           = "eof"
	ErrInvalidHeader = "invalid header"
	ErrBuffer        = "buffer error"
	ErrCanceled      = "canceled"
	ErrDataTooLong   = "data too long"
)

// ErrorString turns an error kind into a readable message.
func ErrorString(kind string) string {
	switch kind {
	case ErrTimeout:
		return "Timeout"
	case ErrEOF:
		return "EOF"
	case ErrInvalidHeader:
		return "Invalid header"
	case ErrBuffer:
		return "Buffer error"
	case ErrCanceled:
		return "Request canceled"
	case ErrDataTooLong:
		return "Data too long"
	}
	return "Unknown"
}
