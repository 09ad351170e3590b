package core

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/searchktools/fast-exchange/core/errs"
	"github.com/searchktools/fast-exchange/core/header"
	"github.com/searchktools/fast-exchange/core/transport"
)

var (
	ErrIncomplete      = errors.New("incomplete request head")
	ErrInvalidRequest  = errors.New("invalid HTTP request")
	ErrHeaderTooLarge  = errors.New("request head too large")
	ErrUnsupportedBody = errors.New("unsupported transfer encoding")
)

// decodeErrorf wraps one of the head sentinels and marks it as a decode
// failure.
func decodeErrorf(sentinel error, format string, args ...any) error {
	return errors.Mark(errors.WrapWithDepthf(1, sentinel, format, args...), errs.ProtocolDecode)
}

// requestHead is a parsed request line and header block.
type requestHead struct {
	method        string
	target        string
	version       transport.Version
	headers       *header.Headers
	contentLength int64
	keepAlive     bool
}

// parseHead parses the request head at the start of data and returns it
// with the number of bytes it used. ErrIncomplete means more input is
// needed.
func parseHead(data []byte, maxHeader int) (*requestHead, int, error) {
	end := bytes.Index(data, []byte("\r\n\r\n"))
	if end == -1 {
		if maxHeader > 0 && len(data) > maxHeader {
			return nil, 0, decodeErrorf(ErrHeaderTooLarge, "limit %d", maxHeader)
		}
		return nil, 0, ErrIncomplete
	}
	if maxHeader > 0 && end > maxHeader {
		return nil, 0, decodeErrorf(ErrHeaderTooLarge, "limit %d", maxHeader)
	}
	consumed := end + 4

	lines := strings.Split(string(data[:end]), "\r\n")
	head := &requestHead{headers: header.New()}

	// METHOD SP TARGET SP VERSION
	parts := strings.Split(lines[0], " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return nil, 0, decodeErrorf(ErrInvalidRequest, "request line %q", lines[0])
	}
	v, ok := transport.ParseVersion(parts[2])
	if !ok || v.Major != 1 {
		return nil, 0, decodeErrorf(ErrInvalidRequest, "version %q", parts[2])
	}
	head.method, head.target, head.version = parts[0], parts[1], v

	for _, line := range lines[1:] {
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return nil, 0, decodeErrorf(ErrInvalidRequest, "header line %q", line)
		}
		name := line[:colon]
		value := strings.TrimSpace(line[colon+1:])
		if err := head.headers.Add(name, value); err != nil {
			return nil, 0, errors.Mark(err, errs.ProtocolDecode)
		}
	}

	if te := head.headers.Find(header.TransferEncode); te != "" && !strings.EqualFold(te, "identity") {
		return nil, 0, decodeErrorf(ErrUnsupportedBody, "%q", te)
	}
	if cl := head.headers.Find(header.ContentLength); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			return nil, 0, decodeErrorf(ErrInvalidRequest, "content length %q", cl)
		}
		head.contentLength = n
	}

	conn := strings.ToLower(head.headers.Find(header.Connection))
	if v.Less(transport.HTTP11) {
		head.keepAlive = conn == "keep-alive"
	} else {
		head.keepAlive = conn != "close"
	}
	return head, consumed, nil
}

// statusLine renders "HTTP/x.y code reason\r\n".
func statusLine(b []byte, v transport.Version, code int, reason string) []byte {
	b = append(b, v.String()...)
	b = append(b, ' ')
	b = strconv.AppendInt(b, int64(code), 10)
	b = append(b, ' ')
	b = append(b, reason...)
	return append(b, "\r\n"...)
}

// chunkHeader renders the hex size line of one chunk.
func chunkHeader(b []byte, size int) []byte {
	b = strconv.AppendInt(b, int64(size), 16)
	return append(b, "\r\n"...)
}
