package http

import (
	"strconv"
	"strings"
	"time"
)

// Cookie is an outbound Set-Cookie value.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Expires  time.Time
	MaxAge   uint64
	HTTPOnly bool
	Secure   bool
}

// String renders the Set-Cookie header value.
func (c Cookie) String() string {
	var sb strings.Builder
	sb.WriteString(c.Name)
	sb.WriteByte('=')
	sb.WriteString(c.Value)
	if c.Domain != "" {
		sb.WriteString("; Domain=" + c.Domain)
	}
	if c.Path != "" {
		sb.WriteString("; Path=" + c.Path)
	}
	if !c.Expires.IsZero() {
		sb.WriteString("; Expires=" + c.Expires.UTC().Format(TimeFormat))
	}
	if c.MaxAge > 0 {
		sb.WriteString("; Max-Age=" + strconv.FormatUint(c.MaxAge, 10))
	}
	if c.HTTPOnly {
		sb.WriteString("; HttpOnly")
	}
	if c.Secure {
		sb.WriteString("; Secure")
	}
	return sb.String()
}

// TimeFormat is the RFC 1123 layout used by Date, Expires and cookies.
const TimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// lookupCookie scans a Cookie header for name. The first match wins.
func lookupCookie(hdr, name string) (string, bool) {
	fields := strings.FieldsFunc(hdr, func(r rune) bool {
		return r == ';' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	for _, f := range fields {
		k, v, _ := strings.Cut(f, "=")
		if k == name {
			return v, true
		}
	}
	return "", false
}
