package http2

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	nethttp "net/http"
	"strings"
	"testing"
	"time"

	"github.com/searchktools/fast-exchange/core/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

func startServer(t *testing.T, handler func(*http.Request)) (*Server, string) {
	t.Helper()
	s := NewServer(Config{Handler: handler, MaxBodySize: 64})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.Serve(ln)
	t.Cleanup(func() { s.Close() })
	return s, "http://" + ln.Addr().String()
}

// h2cClient speaks HTTP/2 with prior knowledge over cleartext.
func h2cClient() *nethttp.Client {
	return &nethttp.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
		Timeout: 5 * time.Second,
	}
}

func fetch(t *testing.T, c *nethttp.Client, method, url, body string) (*nethttp.Response, string) {
	t.Helper()
	req, err := nethttp.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

// TestServerH2C - Serves HTTP/2 without TLS
func TestServerH2C(t *testing.T) {
	type seen struct {
		version string
		client  string
		host    string
	}
	got := make(chan seen, 1)
	_, base := startServer(t, func(r *http.Request) {
		got <- seen{r.Version().String(), r.ClientAddr(), r.Host()}
		r.OutSet("X-Served-By", "h2c")
		r.ReplyString(http.StatusOK, "hi "+r.URI().Path())
	})

	resp, body := fetch(t, h2cClient(), "GET", base+"/greet", "")
	assert.Equal(t, 2, resp.ProtoMajor)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "hi /greet", body)
	assert.Equal(t, "h2c", resp.Header.Get("X-Served-By"))

	s := <-got
	assert.Equal(t, "HTTP/2.0", s.version)
	assert.Equal(t, "127.0.0.1", s.client)
	assert.NotEmpty(t, s.host)
}

// TestServerHTTP11Fallback - Still serves HTTP/1.1 clients
func TestServerHTTP11Fallback(t *testing.T) {
	_, base := startServer(t, func(r *http.Request) {
		v, err := r.InputJSON()
		if err != nil {
			r.SendJSONError(http.StatusBadRequest, err.Error())
			return
		}
		r.JSON(http.StatusOK, v)
	})

	req, err := nethttp.NewRequest("POST", base+"/", strings.NewReader(`[1,2]`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := nethttp.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, 1, resp.ProtoMajor)
	assert.Equal(t, 200, resp.StatusCode)
	assert.JSONEq(t, `[1,2]`, string(body))
}

// TestServerChunked - Flushes each chunk
func TestServerChunked(t *testing.T) {
	_, base := startServer(t, func(r *http.Request) {
		r.StartChunked(http.StatusOK)
		r.SendChunkString("a")
		r.SendChunkString("b")
		r.EndChunked()
	})

	resp, body := fetch(t, h2cClient(), "GET", base+"/", "")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "ab", body)
}

// TestServerAsyncReply - Waits for a retained request
func TestServerAsyncReply(t *testing.T) {
	_, base := startServer(t, func(r *http.Request) {
		r.Retain()
		go func() {
			defer r.Close()
			time.Sleep(10 * time.Millisecond)
			r.SendErrorMessage(http.StatusTooManyRequests, "slow down")
		}()
	})

	resp, body := fetch(t, h2cClient(), "GET", base+"/", "")
	assert.Equal(t, 429, resp.StatusCode)
	assert.Equal(t, "slow down", body)
}

// TestServerNoReply - Fills in a missing reply
func TestServerNoReply(t *testing.T) {
	_, base := startServer(t, func(r *http.Request) {})

	resp, _ := fetch(t, h2cClient(), "GET", base+"/", "")
	assert.Equal(t, 500, resp.StatusCode)
}

// TestServerBodyLimit - Refuses oversized bodies
func TestServerBodyLimit(t *testing.T) {
	s, base := startServer(t, func(r *http.Request) {
		r.ReplyString(http.StatusOK, "ok")
	})

	resp, _ := fetch(t, nethttp.DefaultClient, "POST", base+"/", strings.Repeat("x", 100))
	assert.Equal(t, 413, resp.StatusCode)
	assert.Equal(t, uint64(1), s.Stats().TotalStreams)
}

// TestServerCancelAborts - Aborts the stream of a canceled exchange
func TestServerCancelAborts(t *testing.T) {
	s, base := startServer(t, func(r *http.Request) {
		r.Cancel()
	})

	_, err := h2cClient().Get(base + "/")
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return s.Stats().Aborted == 1 }, time.Second, 10*time.Millisecond)
}

// TestServerClosed - Stops serving after Close
func TestServerClosed(t *testing.T) {
	s := NewServer(Config{Handler: func(*http.Request) {}})
	require.NoError(t, s.Close())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, s.Serve(ln), ErrServerClosed)
}
