package http

import (
	"net"
	"net/url"
	"path"
	"strings"

	"github.com/searchktools/fast-exchange/core/errs"
)

// Pair is one query parameter.
type Pair struct {
	Key   string
	Value string
}

// URI is a parsed request target. Query parameters keep their order and
// duplicates.
type URI struct {
	u     *url.URL
	query []Pair
}

// ParseURI accepts an origin-form target ("/a?b=c") or an absolute URL.
func ParseURI(raw string) (*URI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errs.Decode(err, "parse uri")
	}
	query, err := parseQuery(u.RawQuery)
	if err != nil {
		return nil, errs.Decode(err, "parse query")
	}
	return &URI{u: u, query: query}, nil
}

func parseQuery(raw string) ([]Pair, error) {
	if raw == "" {
		return nil, nil
	}
	var out []Pair
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			return nil, err
		}
		val, err := url.QueryUnescape(v)
		if err != nil {
			return nil, err
		}
		out = append(out, Pair{Key: key, Value: val})
	}
	return out, nil
}

// Path is the unescaped path, "/" when empty.
func (u *URI) Path() string {
	if u.u.Path == "" {
		return "/"
	}
	return u.u.Path
}

func (u *URI) Scheme() string { return u.u.Scheme }

// Host returns the host without port.
func (u *URI) Host() string { return u.u.Hostname() }

// Port returns the explicit port or the scheme default.
func (u *URI) Port() string {
	if p := u.u.Port(); p != "" {
		return p
	}
	switch u.u.Scheme {
	case "https":
		return "443"
	case "http":
		return "80"
	}
	return ""
}

// Address is host:port, or "" for origin-form targets.
func (u *URI) Address() string {
	if u.u.Host == "" {
		return ""
	}
	return net.JoinHostPort(u.Host(), u.Port())
}

// Extension is the file extension of the path without the dot.
func (u *URI) Extension() string {
	return strings.TrimPrefix(path.Ext(u.Path()), ".")
}

// Query returns the query pairs in order.
func (u *URI) Query() []Pair {
	return u.query
}

// Empty reports whether the URI has no query parameters.
func (u *URI) Empty() bool {
	return len(u.query) == 0
}

// Has reports whether the query has key, with or without a value.
func (u *URI) Has(key string) bool {
	for _, p := range u.query {
		if p.Key == key {
			return true
		}
	}
	return false
}

// Get returns the first value for key.
func (u *URI) Get(key string) string {
	for _, p := range u.query {
		if p.Key == key {
			return p.Value
		}
	}
	return ""
}

// RequestTarget is the path plus query as sent on the request line.
func (u *URI) RequestTarget() string {
	return u.u.RequestURI()
}

func (u *URI) String() string {
	return u.u.String()
}

// Clone returns an independent copy.
func (u *URI) Clone() *URI {
	c := *u.u
	return &URI{u: &c, query: append([]Pair(nil), u.query...)}
}
