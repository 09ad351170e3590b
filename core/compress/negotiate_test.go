package compress

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestNegotiate - Selects the reply codec from Accept-Encoding
func TestNegotiate(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   Codec
	}{
		{"no header", "", None},
		{"plain gzip", "gzip", Gzip},
		{"first of equal weights wins", "zlib, gzip", Zlib},
		{"higher weight wins", "gzip;q=0.5, zlib;q=0.8", Zlib},
		{"deflate is not a codec name", "deflate", None},
		{"deflate cannot beat gzip", "gzip;q=0.5, deflate;q=0.8", Gzip},
		{"bzip2", "bzip2;q=1, gzip;q=0.2", Bzip2},
		{"identity preferred", "identity, gzip;q=0.5", None},
		{"case folded", "GZIP", Gzip},
		{"wildcard implies gzip", "*;q=0.9", Gzip},
		{"wildcard beats weaker explicit codec", "zlib;q=0.2, *;q=0.9", Gzip},
		{"wildcard without weight is ignored", "*", None},
		{"named gzip blocks wildcard", "gzip;q=0.1, *;q=0.9", Gzip},
		{"named gzip at zero blocks wildcard", "zlib;q=0.2, gzip;q=0, *;q=0.9", Zlib},
		{"wildcard below winner", "bzip2, *;q=0.5", Bzip2},
		{"unparseable weight counts as one", "zlib;q=0.5, gzip;q=abc", Gzip},
		{"bare q is not a weight", "zlib;q=, gzip;q=0.5", Zlib},
		{"tabs split tokens", "zlib;q=0.1\tgzip;q=0.3", Gzip},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Negotiate(tt.header))
		})
	}
}

// TestContentEncoding - Maps codecs to and from Content-Encoding
func TestContentEncoding(t *testing.T) {
	assert.Equal(t, "", None.ContentEncoding())
	assert.Equal(t, "zlib", Zlib.ContentEncoding())
	assert.Equal(t, "gzip", Gzip.ContentEncoding())
	assert.Equal(t, "bzip2", Bzip2.ContentEncoding())
	assert.Equal(t, "", Auto.ContentEncoding())
}

// TestParse - Parses configured codec names
func TestParse(t *testing.T) {
	c, err := Parse("GZip")
	assert.NoError(t, err)
	assert.Equal(t, Gzip, c)

	c, err = Parse("identity")
	assert.NoError(t, err)
	assert.Equal(t, None, c)

	_, err = Parse("brotli")
	assert.Error(t, err)
}
