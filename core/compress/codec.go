// Package compress selects and applies the response body codec.
package compress

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Codec identifies a body compression algorithm.
type Codec int

const (
	None Codec = iota
	Zlib
	Gzip
	Bzip2
	// Auto is resolved from the client's Accept-Encoding the first time an
	// output stream is requested.
	Auto
)

var names = [...]string{
	None:  "none",
	Zlib:  "zlib",
	Gzip:  "gzip",
	Bzip2: "bzip2",
	Auto:  "auto",
}

func (c Codec) String() string {
	if c < 0 || int(c) >= len(names) {
		return "unknown"
	}
	return names[c]
}

// ContentEncoding is the Content-Encoding header value for c, or "" when no
// header must be sent.
func (c Codec) ContentEncoding() string {
	switch c {
	case Zlib, Gzip, Bzip2:
		return names[c]
	}
	return ""
}

// Parse maps a configuration name to a Codec. "identity" is accepted as an
// alias for none.
func Parse(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "identity":
		return None, nil
	case "zlib":
		return Zlib, nil
	case "gzip":
		return Gzip, nil
	case "bzip2":
		return Bzip2, nil
	case "auto":
		return Auto, nil
	}
	return None, errors.Newf("unknown compression %q", s)
}

// FromContentEncoding maps a Content-Encoding value back to a Codec.
func FromContentEncoding(v string) (Codec, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "identity":
		return None, true
	case "zlib", "deflate":
		return Zlib, true
	case "gzip", "x-gzip":
		return Gzip, true
	case "bzip2":
		return Bzip2, true
	}
	return None, false
}
