package http

import (
	"crypto/tls"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/searchktools/fast-exchange/core/errs"
	"github.com/searchktools/fast-exchange/core/header"
	"github.com/searchktools/fast-exchange/core/transport/exchangetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewConnectionRejectsNil - Refuses a nil handle
func TestNewConnectionRejectsNil(t *testing.T) {
	_, err := NewConnection(nil)
	assert.True(t, errs.Is(err, errs.Construction))
}

// TestConnectionPeer - Falls back to the socket address for the peer
func TestConnectionPeer(t *testing.T) {
	tests := []struct {
		name string
		conn *exchangetest.Conn
		want string
	}{
		{"transport peer", &exchangetest.Conn{PeerAddr: "10.0.0.1"}, "10.0.0.1"},
		{"ipv4 socket fallback", &exchangetest.Conn{Addr: &net.TCPAddr{IP: net.IPv4(192, 168, 1, 2), Port: 4000}}, "192.168.1.2"},
		{"ipv6 socket ignored", &exchangetest.Conn{Addr: &net.TCPAddr{IP: net.ParseIP("::1"), Port: 4000}}, ""},
		{"nothing", &exchangetest.Conn{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewConnection(tt.conn)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Peer())
		})
	}
}

// TestRequestUsesConnectionPeer - Takes the client address from the connection
func TestRequestUsesConnectionPeer(t *testing.T) {
	conn := &exchangetest.Conn{Addr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}}
	r := newTestRequest(t, exchangetest.New("GET", "/").WithConn(conn))
	assert.Equal(t, "127.0.0.1", r.ClientAddr())
	assert.True(t, r.HasConnection())
	assert.False(t, r.IsSecure())

	conn.TLSState = &tls.ConnectionState{}
	assert.True(t, r.IsSecure())
}

// TestRequestWithoutConnection - Leaves the client address empty without a connection
func TestRequestWithoutConnection(t *testing.T) {
	r := newTestRequest(t, exchangetest.New("GET", "/"))
	assert.False(t, r.HasConnection())
	_, err := r.Connection()
	assert.True(t, errs.Is(err, errs.State))
}

// TestConnectionRoundTrip - Sends an outbound request and reads its response
func TestConnectionRoundTrip(t *testing.T) {
	conn := &exchangetest.Conn{
		Responder: func(ex *exchangetest.Exchange, method, uri string) {
			ex.SetResponse(StatusOK, "OK")
			ex.InputBuffer().WriteString(`{"ok":true}`)
			ex.InputHeaders().Set(header.ContentType, "application/json")
		},
	}
	c, err := NewConnection(conn)
	require.NoError(t, err)

	var got *Request
	req, err := c.NewRequest("http://example.com/api?q=1", func(r *Request) { got = r })
	require.NoError(t, err)
	defer req.Close()
	assert.True(t, req.Owned())
	assert.False(t, req.Incoming())

	require.NoError(t, c.MakeRequest(req, "GET", "/api?q=1"))
	require.Same(t, req, got)
	assert.Equal(t, []string{"GET /api?q=1"}, conn.Requests)
	assert.Equal(t, "example.com", req.OutFind(header.Host))
	assert.Equal(t, StatusOK, req.ResponseCode())
	assert.Equal(t, "HTTP/1.1 200 OK", req.ResponseLine())

	v, err := req.InputJSON()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, v)
}

// TestMakeRequestFailureIsTransportError - Marks enqueue failures as transport errors
func TestMakeRequestFailureIsTransportError(t *testing.T) {
	conn := &exchangetest.Conn{MakeErr: errors.New("connection refused")}
	c, err := NewConnection(conn)
	require.NoError(t, err)

	req, err := c.NewRequest("http://example.com/", nil)
	require.NoError(t, err)
	defer req.Close()

	err = c.MakeRequest(req, "GET", "/")
	assert.True(t, errs.Is(err, errs.Transport))
	assert.Contains(t, err.Error(), "connection refused")
}

// TestConnectionForwardsKnobs - Passes settings through to the handle
func TestConnectionForwardsKnobs(t *testing.T) {
	conn := &exchangetest.Conn{}
	c, err := NewConnection(conn)
	require.NoError(t, err)

	c.SetTimeout(3 * time.Second)
	c.SetRetries(2)
	c.SetMaxBodySize(1 << 20)
	c.SetMaxHeaderSize(8 << 10)
	c.SetInitialRetryDelay(50 * time.Millisecond)
	require.NoError(t, c.SetLocalAddress("127.0.0.1"))

	assert.Equal(t, 3*time.Second, conn.Timeout)
	assert.Equal(t, 2, conn.Retries)
	assert.Equal(t, int64(1<<20), conn.MaxBodySize)
	assert.Equal(t, 8<<10, conn.MaxHeaderSize)
	assert.Equal(t, 50*time.Millisecond, conn.InitialRetryDelay)
	assert.Equal(t, "127.0.0.1", conn.LocalAddress)
	assert.Same(t, conn, c.Handle())
}
