package header

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/searchktools/fast-exchange/core/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSetThenGetReturnsLastValue - Replaces earlier values on Set
func TestSetThenGetReturnsLastValue(t *testing.T) {
	h := New()
	for _, name := range []string{"X-Trace", "content-type", "ACCEPT"} {
		require.NoError(t, h.Set(name, "one"))
		require.NoError(t, h.Set(name, "two"))

		v, err := h.Get(name)
		require.NoError(t, err)
		assert.Equal(t, "two", v)
		assert.Len(t, h.Values(name), 1)
	}
}

// TestCaseInsensitiveLookup - Matches names regardless of case
func TestCaseInsensitiveLookup(t *testing.T) {
	h := New()
	require.NoError(t, h.Add("Content-Type", "text/plain"))

	assert.True(t, h.Has("content-type"))
	assert.True(t, h.Has("CONTENT-TYPE"))
	assert.Equal(t, "text/plain", h.Find("Content-type"))
}

// TestFindVersusGet - Distinguishes a missing header from an empty one
func TestFindVersusGet(t *testing.T) {
	h := New()
	assert.Equal(t, "", h.Find("Missing"))

	_, err := h.Get("Missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.NotFound))
}

// TestAddKeepsDuplicatesAndRemoveDeletesAll - Keeps repeated fields until removed
func TestAddKeepsDuplicatesAndRemoveDeletesAll(t *testing.T) {
	h := New()
	h.Add("Set-Cookie", "a=1")
	h.Add("X-Other", "x")
	h.Add("set-cookie", "b=2")

	assert.Equal(t, []string{"a=1", "b=2"}, h.Values("Set-Cookie"))
	assert.Equal(t, "a=1", h.Find("Set-Cookie"))

	h.Remove("SET-COOKIE")
	assert.False(t, h.Has("Set-Cookie"))
	assert.Equal(t, 1, h.Len())
}

// TestSetKeepsPosition - Keeps a replaced field in place
func TestSetKeepsPosition(t *testing.T) {
	h := New()
	h.Add("A", "1")
	h.Add("B", "2")
	h.Add("A", "3")
	h.Add("C", "4")
	require.NoError(t, h.Set("a", "5"))

	assert.Equal(t, []Field{{"a", "5"}, {"B", "2"}, {"C", "4"}}, h.Fields())
	assert.Equal(t, "a: 5\r\nB: 2\r\nC: 4\r\n", h.String())
}

// TestRejectsInvalidFields - Refuses invalid names and values
func TestRejectsInvalidFields(t *testing.T) {
	h := New()
	assert.ErrorIs(t, h.Add("Bad Name", "x"), ErrInvalid)
	assert.ErrorIs(t, h.Set("X-Ok", "line\r\nbreak"), ErrInvalid)
	assert.Zero(t, h.Len())
}

// TestGuessContentType - Guesses media types from extensions
func TestGuessContentType(t *testing.T) {
	tests := []struct {
		ext  string
		want string
	}{
		{"json", "application/json"},
		{".JS", "application/javascript"},
		{"", "text/html; charset=utf-8"},
		{"png", "image/png"},
		{"no-such-ext", "application/octet-stream"},
	}
	for _, tt := range tests {
		h := New()
		require.NoError(t, h.GuessContentType(tt.ext))
		assert.Equal(t, tt.want, h.ContentType(), "ext %q", tt.ext)
		assert.True(t, h.HasContentType())
	}
}
