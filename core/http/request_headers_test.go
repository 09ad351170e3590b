package http

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/searchktools/fast-exchange/core/compress"
	"github.com/searchktools/fast-exchange/core/errs"
	"github.com/searchktools/fast-exchange/core/header"
	"github.com/searchktools/fast-exchange/core/transport"
	"github.com/searchktools/fast-exchange/core/transport/exchangetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestInputHeaders - Reads request headers
func TestInputHeaders(t *testing.T) {
	ex := exchangetest.New("GET", "/").WithHeader("X-Trace", "abc")
	r := newTestRequest(t, ex)

	assert.True(t, r.InHas("x-trace"))
	assert.Equal(t, "abc", r.InFind("X-TRACE"))
	assert.Equal(t, "", r.InFind("X-Missing"))

	_, err := r.InGet("X-Missing")
	assert.True(t, errs.Is(err, errs.NotFound))

	require.NoError(t, r.InSet("X-Trace", "def"))
	v, err := r.InGet("X-Trace")
	require.NoError(t, err)
	assert.Equal(t, "def", v)

	require.NoError(t, r.InRemove("X-Trace"))
	assert.False(t, r.InHas("X-Trace"))
}

// TestOutputHeaders - Edits response headers until the reply
func TestOutputHeaders(t *testing.T) {
	ex := exchangetest.New("GET", "/")
	r := newTestRequest(t, ex)

	require.NoError(t, r.OutAdd("Vary", "Accept"))
	require.NoError(t, r.OutAdd("Vary", "Origin"))
	assert.Equal(t, []string{"Accept", "Origin"}, ex.OutputHeaders().Values("Vary"))

	require.NoError(t, r.OutSet("Vary", "*"))
	assert.Equal(t, []string{"*"}, ex.OutputHeaders().Values("Vary"))
	assert.True(t, r.OutHas("vary"))

	require.NoError(t, r.OutRemove("Vary"))
	_, err := r.OutGet("Vary")
	assert.True(t, errs.Is(err, errs.NotFound))

	err = r.OutSet("Bad Name", "x")
	assert.ErrorIs(t, err, header.ErrInvalid)
}

// TestContentTypeHelpers - Reads and sets content types
func TestContentTypeHelpers(t *testing.T) {
	r := newTestRequest(t, exchangetest.New("GET", "/logo.png"))
	assert.False(t, r.HasContentType())
	require.NoError(t, r.GuessContentType())
	assert.Equal(t, "image/png", r.ContentType())
	require.NoError(t, r.SetContentType("image/webp"))
	assert.Equal(t, "image/webp", r.ContentType())
}

// TestCookieLookup - Finds cookies by name
func TestCookieLookup(t *testing.T) {
	ex := exchangetest.New("GET", "/").WithHeader(header.Cookie, "a=1; b=2;\ta=3")
	r := newTestRequest(t, ex)

	assert.True(t, r.HasCookie("a"))
	assert.Equal(t, "1", r.FindCookie("a"))
	assert.Equal(t, "2", r.FindCookie("b"))
	assert.Equal(t, "", r.FindCookie("c"))

	v, err := r.Cookie("b")
	require.NoError(t, err)
	assert.Equal(t, "2", v)

	_, err = r.Cookie("c")
	assert.True(t, errs.Is(err, errs.State))
	assert.True(t, errs.Is(err, errs.NotFound))
}

// TestSetCookie - Adds Set-Cookie headers
func TestSetCookie(t *testing.T) {
	ex := exchangetest.New("GET", "/")
	r := newTestRequest(t, ex)

	exp := time.Date(2030, time.March, 4, 5, 6, 7, 0, time.UTC)
	require.NoError(t, r.SetCookie(Cookie{
		Name: "sid", Value: "xyz", Domain: "example.com", Path: "/",
		Expires: exp, MaxAge: 60, HTTPOnly: true, Secure: true,
	}))
	require.NoError(t, r.SetCookie(Cookie{Name: "lang", Value: "en"}))

	assert.Equal(t, []string{
		"sid=xyz; Domain=example.com; Path=/; Expires=Mon, 04 Mar 2030 05:06:07 GMT; Max-Age=60; HttpOnly; Secure",
		"lang=en",
	}, ex.OutputHeaders().Values(header.SetCookie))
}

// TestSetCache - Sets cache headers for an age
func TestSetCache(t *testing.T) {
	now := time.Date(2024, time.January, 2, 3, 4, 5, 0, time.UTC)
	clock := func() time.Time { return now }

	ex := exchangetest.New("GET", "/")
	r := newTestRequest(t, ex, WithClock(clock))
	require.NoError(t, r.SetCache(3600))
	out := ex.OutputHeaders()
	assert.Equal(t, "Tue, 02 Jan 2024 03:04:05 GMT", out.Find(header.Date))
	assert.Equal(t, "max-age=3600", out.Find(header.CacheControl))
	assert.Equal(t, "Tue, 02 Jan 2024 04:04:05 GMT", out.Find(header.Expires))

	require.NoError(t, r.SetCache(0))
	assert.Equal(t, "max-age=0, no-cache, no-store", out.Find(header.CacheControl))
	assert.Equal(t, "Tue, 02 Jan 2024 03:04:05 GMT", out.Find(header.Expires))
	assert.Equal(t, []string{"Tue, 02 Jan 2024 03:04:05 GMT"}, out.Values(header.Date))
}

// TestSetPersistent - Sets the Connection header
func TestSetPersistent(t *testing.T) {
	ex := exchangetest.New("GET", "/").WithVersion(transport.HTTP10)
	r := newTestRequest(t, ex)
	require.NoError(t, r.SetPersistent(true))
	assert.Equal(t, "Keep-Alive", ex.OutputHeaders().Find(header.Connection))
	require.NoError(t, r.SetPersistent(false))
	assert.False(t, ex.OutputHeaders().Has(header.Connection))

	ex = exchangetest.New("GET", "/")
	r = newTestRequest(t, ex)
	require.NoError(t, r.SetPersistent(false))
	assert.Equal(t, "close", ex.OutputHeaders().Find(header.Connection))
	require.NoError(t, r.SetPersistent(true))
	assert.False(t, ex.OutputHeaders().Has(header.Connection))
}

// TestRequestedCompression - Reports the codec the client asked for
func TestRequestedCompression(t *testing.T) {
	r := newTestRequest(t, exchangetest.New("GET", "/"))
	assert.Equal(t, compress.None, r.RequestedCompression())

	r = newTestRequest(t, exchangetest.New("GET", "/").
		WithHeader(header.AcceptEncoding, "identity;q=0.5, bzip2"))
	assert.Equal(t, compress.Bzip2, r.RequestedCompression())
}

// TestArgsQueryOverridesJSONBody - Merges the body and query with the query winning
func TestArgsQueryOverridesJSONBody(t *testing.T) {
	ex := exchangetest.New("POST", "/?x=2&y=3").
		WithHeader(header.ContentType, "application/json; charset=utf-8").
		WithBody(`{"x":1,"z":{"n":[1,2]}}`)
	r := newTestRequest(t, ex)
	assert.True(t, r.IsJSON())

	args, err := r.Args()
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "z", "y"}, args.Keys())
	assert.Equal(t, "2", r.Arg("x"))
	assert.Equal(t, "3", r.Arg("y"))
	assert.Equal(t, "", r.Arg("missing"))

	r.InsertArg("w", 5)
	assert.Equal(t, "5", r.Arg("w"))
}

// TestArgsParsedAfterInsert tests that inserting an arg first does not stop
// Args from merging the body and query.
func TestArgsParsedAfterInsert(t *testing.T) {
	ex := exchangetest.New("POST", "/?x=2&y=3").
		WithHeader(header.ContentType, "application/json").
		WithBody(`{"x":1}`)
	r := newTestRequest(t, ex)

	r.InsertArg("route", "v")
	args, err := r.Args()
	require.NoError(t, err)
	assert.Equal(t, []string{"route", "x", "y"}, args.Keys())
	assert.Equal(t, "v", r.Arg("route"))
	assert.Equal(t, "2", r.Arg("x"))
	assert.Equal(t, "3", r.Arg("y"))

	u, err := ParseURI("/?q=1")
	require.NoError(t, err)
	r.SetURI(u)
	assert.Equal(t, "1", r.Arg("q"))
	assert.Equal(t, "", r.Arg("y"))
}

// TestArgsIgnoreNonObjectBody - Skips JSON bodies that are not objects
func TestArgsIgnoreNonObjectBody(t *testing.T) {
	ex := exchangetest.New("POST", "/?a=b").
		WithHeader(header.ContentType, "application/json").
		WithBody(`[1,2,3]`)
	r := newTestRequest(t, ex)

	args, err := r.Args()
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, args.Keys())
}

// TestArgsSkipBodyForOtherContentTypes - Skips bodies that are not JSON
func TestArgsSkipBodyForOtherContentTypes(t *testing.T) {
	ex := exchangetest.New("POST", "/").
		WithHeader(header.ContentType, "text/plain").
		WithBody(`{"x":1}`)
	r := newTestRequest(t, ex)

	args, err := r.Args()
	require.NoError(t, err)
	assert.Equal(t, 0, args.Len())
}

// TestInputJSON - Decodes the body as JSON
func TestInputJSON(t *testing.T) {
	ex := exchangetest.New("POST", "/").
		WithHeader(header.ContentType, "application/json").
		WithBody(`{"k":"v"}`)
	r := newTestRequest(t, ex)
	assert.Equal(t, `{"k":"v"}`, r.Input())

	v, err := r.JSONMessage()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, v)

	bad := newTestRequest(t, exchangetest.New("POST", "/").WithBody(`{`))
	_, err = bad.InputJSON()
	assert.True(t, errs.Is(err, errs.ProtocolDecode))
}

// TestJSONMessageFallsBackToQuery - Uses the query when there is no body
func TestJSONMessageFallsBackToQuery(t *testing.T) {
	r := newTestRequest(t, exchangetest.New("GET", "/?a=1"))
	v, err := r.JSONMessage()
	require.NoError(t, err)
	args, ok := v.(*Args)
	require.True(t, ok)
	assert.Equal(t, "1", args.String("a"))

	r = newTestRequest(t, exchangetest.New("GET", "/"))
	v, err = r.JSONMessage()
	require.NoError(t, err)
	assert.Nil(t, v)
}

// TestBind - Binds the body by content type
func TestBind(t *testing.T) {
	ex := exchangetest.New("POST", "/").
		WithHeader(header.ContentType, "application/json").
		WithBody(`{"name":"n","count":3}`)
	r := newTestRequest(t, ex)

	var body struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	require.NoError(t, r.Bind(&body))
	assert.Equal(t, "n", body.Name)
	assert.Equal(t, 3, body.Count)

	r = newTestRequest(t, exchangetest.New("POST", "/").
		WithHeader(header.ContentType, "text/xml").
		WithBody(`<a/>`))
	assert.True(t, errs.Is(r.Bind(&body), errs.ProtocolDecode))
}

// TestSendFile - Replies with a file
func TestSendFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "body.txt")
	require.NoError(t, os.WriteFile(path, []byte("from disk"), 0o644))

	ex := exchangetest.New("GET", "/")
	r := newTestRequest(t, ex)
	require.NoError(t, r.SendFile(path))
	require.NoError(t, r.Reply(StatusOK))
	assert.Equal(t, "from disk", string(ex.Body()))

	r = newTestRequest(t, exchangetest.New("GET", "/"))
	assert.Error(t, r.SendFile(filepath.Join(t.TempDir(), "missing")))
}
