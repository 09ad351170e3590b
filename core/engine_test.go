package core

import (
	"bufio"
	"io"
	"net"
	nethttp "net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/searchktools/fast-exchange/core/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEngine(t *testing.T, setup func(e *Engine)) (*Engine, string) {
	t.Helper()
	e := NewEngine(EngineConfig{Workers: 4, IdleTimeout: time.Minute})
	setup(e)
	require.NoError(t, e.Listen("127.0.0.1:0"))

	go e.Serve()
	t.Cleanup(func() { e.Close() })
	return e, "http://" + e.Addr().String()
}

func get(t *testing.T, url string) (*nethttp.Response, string) {
	t.Helper()
	resp, err := nethttp.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

// TestEngineReply - Answers a routed GET
func TestEngineReply(t *testing.T) {
	clients := make(chan string, 1)
	_, base := startEngine(t, func(e *Engine) {
		e.GET("/hello/:name", func(r *http.Request) {
			clients <- r.ClientAddr()
			r.ReplyString(http.StatusOK, "hello, "+r.Param("name"))
		})
	})

	resp, body := get(t, base+"/hello/gopher")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "hello, gopher", body)
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("Date"))
	assert.Equal(t, "127.0.0.1", <-clients)

	resp, body = get(t, base+"/missing")
	assert.Equal(t, 404, resp.StatusCode)
	assert.Equal(t, "not found", body)
}

// TestEnginePostJSON - Reads a JSON body
func TestEnginePostJSON(t *testing.T) {
	_, base := startEngine(t, func(e *Engine) {
		e.POST("/echo", func(r *http.Request) {
			v, err := r.InputJSON()
			if err != nil {
				r.SendJSONError(http.StatusBadRequest, err.Error())
				return
			}
			r.JSON(http.StatusOK, map[string]any{"got": v})
		})
	})

	resp, err := nethttp.Post(base+"/echo", "application/json", strings.NewReader(`{"n":1}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, 200, resp.StatusCode)
	assert.JSONEq(t, `{"got":{"n":1}}`, string(body))
}

// TestEngineChunked - Frames a chunked reply
func TestEngineChunked(t *testing.T) {
	_, base := startEngine(t, func(e *Engine) {
		e.GET("/stream", func(r *http.Request) {
			r.OutSet("Content-Type", "text/plain")
			r.StartChunked(http.StatusOK)
			r.SendChunkString("one,")
			r.SendChunkString("two")
			r.EndChunked()
		})
	})

	resp, body := get(t, base+"/stream")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
	assert.Equal(t, "one,two", body)
}

// TestEngineAsyncReply - Replies from another goroutine after Retain
func TestEngineAsyncReply(t *testing.T) {
	_, base := startEngine(t, func(e *Engine) {
		e.GET("/later", func(r *http.Request) {
			r.Retain()
			go func() {
				defer r.Close()
				time.Sleep(10 * time.Millisecond)
				r.ReplyString(http.StatusCreated, "done")
			}()
		})
	})

	resp, body := get(t, base+"/later")
	assert.Equal(t, 201, resp.StatusCode)
	assert.Equal(t, "done", body)
}

// TestEngineHandlerWithoutReply - Sends 500 when a handler never replies
func TestEngineHandlerWithoutReply(t *testing.T) {
	_, base := startEngine(t, func(e *Engine) {
		e.GET("/silent", func(r *http.Request) {})
	})

	resp, _ := get(t, base+"/silent")
	assert.Equal(t, 500, resp.StatusCode)
}

// TestEnginePipelining - Answers pipelined requests in order
func TestEnginePipelining(t *testing.T) {
	e, _ := startEngine(t, func(e *Engine) {
		e.GET("/n/:i", func(r *http.Request) {
			r.ReplyString(http.StatusOK, r.Param("i"))
		})
	})

	conn, err := net.Dial("tcp", e.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, "GET /n/1 HTTP/1.1\r\nHost: x\r\n\r\nGET /n/2 HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	for _, want := range []string{"1", "2"} {
		resp, err := nethttp.ReadResponse(br, nil)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, want, string(body))
	}
	assert.Equal(t, uint64(2), e.Stats().Requests)
}

// TestEngineHTTP10Closes - Closes the connection after an HTTP/1.0 reply
func TestEngineHTTP10Closes(t *testing.T) {
	e, _ := startEngine(t, func(e *Engine) {
		e.GET("/", func(r *http.Request) { r.ReplyString(http.StatusOK, "ok") })
	})

	conn, err := net.Dial("tcp", e.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	io.WriteString(conn, "GET / HTTP/1.0\r\n\r\n")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	raw, err := io.ReadAll(conn)
	require.NoError(t, err, "server closes after a 1.0 reply")
	assert.True(t, strings.HasPrefix(string(raw), "HTTP/1.0 200 OK\r\n"), string(raw))
	assert.True(t, strings.HasSuffix(string(raw), "\r\n\r\nok"))
}

// TestEngineBadRequest - Answers an unparseable head with 400
func TestEngineBadRequest(t *testing.T) {
	e, _ := startEngine(t, func(e *Engine) {})

	conn, err := net.Dial("tcp", e.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	io.WriteString(conn, "GARBAGE\r\n\r\n")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := nethttp.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)
	assert.Eventually(t, func() bool { return e.Stats().BadRequests == 1 }, time.Second, 10*time.Millisecond)
}

// TestEngineRejectStatus tests the status sent for each kind of unusable
// request head.
func TestEngineRejectStatus(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int
	}{
		{"garbage", "GARBAGE\r\n\r\n", 400},
		{"bad header", "GET / HTTP/1.1\r\nbogus\r\n\r\n", 400},
		{"chunked body", "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n", 501},
		{"head too large", "GET /" + strings.Repeat("a", 64) + " HTTP/1.1\r\n\r\n", 431},
	}
	e := NewEngine(EngineConfig{Workers: 2, MaxHeaderSize: 32})
	require.NoError(t, e.Listen("127.0.0.1:0"))
	go e.Serve()
	defer e.Close()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := net.Dial("tcp", e.Addr().String())
			require.NoError(t, err)
			defer conn.Close()
			io.WriteString(conn, tt.raw)

			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			resp, err := nethttp.ReadResponse(bufio.NewReader(conn), nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

// TestEngineBodyTooLarge - Answers an oversized body with 413
func TestEngineBodyTooLarge(t *testing.T) {
	e := NewEngine(EngineConfig{MaxBodySize: 4})
	require.NoError(t, e.Listen("127.0.0.1:0"))
	go e.Serve()
	defer e.Close()

	conn, err := net.Dial("tcp", e.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	io.WriteString(conn, "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 8\r\n\r\ntoo long")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := nethttp.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	assert.Equal(t, 413, resp.StatusCode)
}

// TestEngineMiddleware - Runs middleware before the route
func TestEngineMiddleware(t *testing.T) {
	var mu sync.Mutex
	var order []string
	_, base := startEngine(t, func(e *Engine) {
		e.Use(func(r *http.Request) {
			mu.Lock()
			order = append(order, "mw")
			mu.Unlock()
		})
		e.GET("/", func(r *http.Request) {
			mu.Lock()
			order = append(order, "handler")
			mu.Unlock()
			r.ReplyString(http.StatusOK, "ok")
		})
	})

	get(t, base+"/")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"mw", "handler"}, order)
}

// TestEngineConcurrentClients - Serves many connections at once
func TestEngineConcurrentClients(t *testing.T) {
	e, base := startEngine(t, func(e *Engine) {
		e.GET("/ping", func(r *http.Request) { r.ReplyString(http.StatusOK, "pong") })
	})

	const clients, perClient = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, clients*perClient)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perClient; j++ {
				resp, err := nethttp.Get(base + "/ping")
				if err != nil {
					errs <- err
					continue
				}
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, uint64(clients*perClient), e.Stats().Requests)
}

// TestEngineStats - Counts requests in the stats snapshot
func TestEngineStats(t *testing.T) {
	e, base := startEngine(t, func(e *Engine) {
		e.GET("/stats", e.StatsHandler)
	})

	resp, body := get(t, base+"/stats")
	assert.Equal(t, 200, resp.StatusCode)

	var s Stats
	require.NoError(t, json.Unmarshal([]byte(body), &s))
	assert.Equal(t, uint64(1), s.Requests)
	assert.Equal(t, int64(1), s.Active)

	raw, err := e.StatsJSON()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"bad_requests"`)
}

// TestEngineCloseBeforeServe - Closes an engine that never served
func TestEngineCloseBeforeServe(t *testing.T) {
	e := NewEngine(EngineConfig{})
	require.NoError(t, e.Listen("127.0.0.1:0"))
	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.Serve(), ErrEngineClosed)
}
