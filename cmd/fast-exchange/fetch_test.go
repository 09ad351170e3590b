package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/searchktools/fast-exchange/config"
	"github.com/searchktools/fast-exchange/core/compress"
	"github.com/searchktools/fast-exchange/core/fasthttpx"
	"github.com/searchktools/fast-exchange/core/http"
)

func backend(t *testing.T) fetchOptions {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := fasthttpx.NewServer(fasthttpx.ServerConfig{Handler: func(r *http.Request) {
		w, err := r.JSONWriter(r.RequestedCompression())
		if err != nil {
			r.SendError(http.StatusInternalServerError)
			return
		}
		w.BeginDict()
		w.Insert("method", r.Method())
		w.Insert("path", r.URI().Path())
		w.Insert("token", r.InFind("X-Token"))
		w.Insert("body", r.Input())
		w.Close()
		r.Reply(http.StatusOK)
	}})
	go srv.Serve(ln)
	t.Cleanup(func() { ln.Close() })

	return fetchOptions{dial: func(string) (net.Conn, error) { return ln.Dial() }}
}

func clientConfig() config.ClientConfig {
	c := config.Default().Client
	c.Timeout = config.Duration(5 * time.Second)
	return c
}

// TestFetchPlain - Fetches an uncompressed reply
func TestFetchPlain(t *testing.T) {
	opts := backend(t)
	opts.headers = []string{"X-Token: abc"}

	var out bytes.Buffer
	code, err := fetch(context.Background(), clientConfig(), "http://backend/things?x=1", opts, &out)
	require.NoError(t, err)
	assert.Equal(t, 200, code)
	assert.JSONEq(t, `{"method":"GET","path":"/things","token":"abc","body":""}`, out.String())
}

// TestFetchCompressedWithHeaders - Decodes each Content-Encoding and prints the response head
func TestFetchCompressedWithHeaders(t *testing.T) {
	for _, codec := range []compress.Codec{compress.Gzip, compress.Zlib, compress.Bzip2} {
		t.Run(codec.String(), func(t *testing.T) {
			opts := backend(t)
			opts.include = true
			opts.data = "payload"
			opts.headers = []string{"Accept-Encoding: " + codec.ContentEncoding()}

			var out bytes.Buffer
			code, err := fetch(context.Background(), clientConfig(), "http://backend/upload", opts, &out)
			require.NoError(t, err)
			assert.Equal(t, 200, code)

			head, body, ok := strings.Cut(out.String(), "\r\n\r\n")
			require.True(t, ok, out.String())
			assert.True(t, strings.HasPrefix(head, "HTTP/1.1 200 OK\r\n"), head)
			assert.Contains(t, head, "Content-Encoding: "+codec.ContentEncoding())
			assert.JSONEq(t, `{"method":"POST","path":"/upload","token":"","body":"payload"}`, body)
		})
	}
}

// TestFetchAsksForCompression - Sends Accept-Encoding when --compressed is set
func TestFetchAsksForCompression(t *testing.T) {
	opts := backend(t)
	opts.compressed = true
	opts.include = true

	var out bytes.Buffer
	_, err := fetch(context.Background(), clientConfig(), "http://backend/", opts, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Content-Encoding: gzip")
	assert.Contains(t, out.String(), `"path":"/"`)
}

// TestFetchErrors - Reports bad schemes, malformed headers and refused connections
func TestFetchErrors(t *testing.T) {
	_, err := fetch(context.Background(), clientConfig(), "ftp://host/file", fetchOptions{}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "unsupported scheme")

	opts := backend(t)
	opts.headers = []string{"no colon"}
	_, err = fetch(context.Background(), clientConfig(), "http://backend/", opts, &bytes.Buffer{})
	assert.ErrorContains(t, err, "malformed header")

	cfg := clientConfig()
	cfg.Retries = 0
	refused := fetchOptions{dial: func(string) (net.Conn, error) { return nil, errors.New("connection refused") }}
	_, err = fetch(context.Background(), cfg, "http://backend/", refused, &bytes.Buffer{})
	assert.ErrorContains(t, err, "request failed")
}
