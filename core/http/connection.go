package http

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/searchktools/fast-exchange/core/errs"
	"github.com/searchktools/fast-exchange/core/header"
	"github.com/searchktools/fast-exchange/core/transport"
)

// Connection is a thin view over a transport connection. It does not own
// the connection or the requests made on it.
type Connection struct {
	h transport.ConnHandle
}

// NewConnection wraps a transport connection handle.
func NewConnection(h transport.ConnHandle) (*Connection, error) {
	if h == nil {
		return nil, errs.Constructionf("connection handle cannot be nil")
	}
	return &Connection{h: h}, nil
}

// Handle returns the wrapped transport handle.
func (c *Connection) Handle() transport.ConnHandle { return c.h }

// Peer is the transport's view of the remote address. When the transport
// has none, the raw socket address is used, but only for IPv4.
func (c *Connection) Peer() string {
	if p := c.h.Peer(); p != "" {
		return p
	}
	addr := c.h.SocketAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	if ip := net.ParseIP(host); ip != nil && ip.To4() != nil {
		return ip.String()
	}
	return ""
}

// TLS returns the TLS state, nil on plaintext connections.
func (c *Connection) TLS() *tls.ConnectionState { return c.h.TLS() }

// IsSecure reports whether the connection uses TLS.
func (c *Connection) IsSecure() bool { return c.h.TLS() != nil }

// NewRequest creates an outbound request on the connection. onResponse runs
// when the response is complete; the request stays valid until the caller
// closes it.
func (c *Connection) NewRequest(uri string, onResponse func(*Request), opts ...Option) (*Request, error) {
	u, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	var req *Request
	ex, err := c.h.NewExchange(func(transport.Exchange) {
		if onResponse != nil && req != nil {
			onResponse(req)
		}
	})
	if err != nil {
		return nil, errs.WrapTransport(err, "new exchange")
	}
	req, err = NewOutboundRequest(ex, u, opts...)
	if err != nil {
		ex.Cancel()
		return nil, err
	}
	return req, nil
}

// MakeRequest sends req. Host defaults to the request URI's host.
func (c *Connection) MakeRequest(req *Request, method, uri string) error {
	ex, err := req.exchange()
	if err != nil {
		return err
	}
	req.method = method
	if !ex.OutputHeaders().Has(header.Host) && req.uri.Host() != "" {
		if err := ex.OutputHeaders().Set(header.Host, req.uri.Host()); err != nil {
			return err
		}
	}
	req.rec.RequestStarted(method)
	return errs.WrapTransport(c.h.MakeRequest(ex, method, uri), "make request")
}

// SetTimeout bounds each outbound request.
func (c *Connection) SetTimeout(d time.Duration) { c.h.SetTimeout(d) }

// SetRetries sets how often a failed outbound request is retried.
func (c *Connection) SetRetries(n int) { c.h.SetRetries(n) }

// SetMaxBodySize limits response bodies.
func (c *Connection) SetMaxBodySize(n int64) { c.h.SetMaxBodySize(n) }

// SetMaxHeaderSize limits response heads.
func (c *Connection) SetMaxHeaderSize(n int) { c.h.SetMaxHeaderSize(n) }

// SetInitialRetryDelay is the pause before the first retry.
func (c *Connection) SetInitialRetryDelay(d time.Duration) { c.h.SetInitialRetryDelay(d) }

// SetLocalAddress binds outgoing sockets to addr.
func (c *Connection) SetLocalAddress(addr string) error {
	return errs.WrapTransport(c.h.SetLocalAddress(addr), "set local address")
}
