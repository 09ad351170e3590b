package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestParseVersion - Parses HTTP version strings
func TestParseVersion(t *testing.T) {
	v, ok := ParseVersion("HTTP/1.0")
	assert.True(t, ok)
	assert.Equal(t, HTTP10, v)
	assert.True(t, v.Less(HTTP11))
	assert.False(t, HTTP20.Less(HTTP11))
	assert.Equal(t, "HTTP/1.1", HTTP11.String())

	for _, bad := range []string{"", "HTTP/1", "HTTP/a.1", "SPDY/1.1"} {
		_, ok := ParseVersion(bad)
		assert.False(t, ok, bad)
	}
}

// TestErrorString - Names the transport error kinds
func TestErrorString(t *testing.T) {
	assert.Equal(t, "Data too long", ErrorString(ErrDataTooLong))
	assert.Equal(t, "Unknown", ErrorString("whatever"))
}
