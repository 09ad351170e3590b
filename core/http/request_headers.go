package http

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/searchktools/fast-exchange/core/compress"
	"github.com/searchktools/fast-exchange/core/errs"
	"github.com/searchktools/fast-exchange/core/header"
	"github.com/searchktools/fast-exchange/core/transport"
)

// InHas, InFind and InGet read request headers.
func (r *Request) InHas(name string) bool            { return r.inputHeaders().Has(name) }
func (r *Request) InFind(name string) string         { return r.inputHeaders().Find(name) }
func (r *Request) InGet(name string) (string, error) { return r.inputHeaders().Get(name) }

// InAdd appends a request header.
func (r *Request) InAdd(name, value string) error {
	ex, err := r.exchange()
	if err != nil {
		return err
	}
	return ex.InputHeaders().Add(name, value)
}

// InSet replaces a request header.
func (r *Request) InSet(name, value string) error {
	ex, err := r.exchange()
	if err != nil {
		return err
	}
	return ex.InputHeaders().Set(name, value)
}

// InRemove deletes every value of a request header.
func (r *Request) InRemove(name string) error {
	ex, err := r.exchange()
	if err != nil {
		return err
	}
	ex.InputHeaders().Remove(name)
	return nil
}

// OutHas, OutFind and OutGet read response headers.
func (r *Request) OutHas(name string) bool            { return r.OutputHeaders().Has(name) }
func (r *Request) OutFind(name string) string         { return r.OutputHeaders().Find(name) }
func (r *Request) OutGet(name string) (string, error) { return r.OutputHeaders().Get(name) }

// OutAdd appends a response header. It fails once the reply is sent.
func (r *Request) OutAdd(name, value string) error {
	h, err := r.mutableOutput()
	if err != nil {
		return err
	}
	return h.Add(name, value)
}

// OutSet replaces a response header. It fails once the reply is sent.
func (r *Request) OutSet(name, value string) error {
	h, err := r.mutableOutput()
	if err != nil {
		return err
	}
	return h.Set(name, value)
}

// OutRemove deletes a response header. It fails once the reply is sent.
func (r *Request) OutRemove(name string) error {
	h, err := r.mutableOutput()
	if err != nil {
		return err
	}
	h.Remove(name)
	return nil
}

// mutableOutput returns the response headers while they can still change.
// They are committed by StartChunked and by every finalizing transition.
func (r *Request) mutableOutput() (*header.Headers, error) {
	if s := r.currentState(); s != stateOpen {
		return nil, errs.Statef("%s cannot modify headers, response is %s", r.LogPrefix(), s)
	}
	ex, err := r.exchange()
	if err != nil {
		return nil, err
	}
	return ex.OutputHeaders(), nil
}

// HasContentType reports whether the reply has a Content-Type.
func (r *Request) HasContentType() bool { return r.OutputHeaders().HasContentType() }

// ContentType is the reply Content-Type.
func (r *Request) ContentType() string { return r.OutputHeaders().ContentType() }

// SetContentType sets the reply Content-Type.
func (r *Request) SetContentType(ct string) error {
	return r.OutSet(header.ContentType, ct)
}

// GuessContentType sets Content-Type from the URI's file extension.
func (r *Request) GuessContentType() error {
	h, err := r.mutableOutput()
	if err != nil {
		return err
	}
	return h.GuessContentType(r.uri.Extension())
}

// RequestedCompression negotiates a codec from Accept-Encoding.
func (r *Request) RequestedCompression() compress.Codec {
	return compress.Negotiate(r.InFind(header.AcceptEncoding))
}

// SetContentEncoding sets Content-Encoding for c. None sends no header.
func (r *Request) SetContentEncoding(c compress.Codec) error {
	if v := c.ContentEncoding(); v != "" {
		return r.OutSet(header.ContentEncoding, v)
	}
	return nil
}

// HasCookie reports whether the Cookie header names the cookie.
func (r *Request) HasCookie(name string) bool {
	_, ok := lookupCookie(r.InFind(header.Cookie), name)
	return ok
}

// FindCookie returns the first value for name, "" if absent.
func (r *Request) FindCookie(name string) string {
	v, _ := lookupCookie(r.InFind(header.Cookie), name)
	return v
}

// Cookie fails when the cookie is not set.
func (r *Request) Cookie(name string) (string, error) {
	v, ok := lookupCookie(r.InFind(header.Cookie), name)
	if !ok {
		err := errs.Statef("%s cookie %q not set", r.LogPrefix(), name)
		return "", errors.Mark(err, errs.NotFound)
	}
	return v, nil
}

// SetCookie adds a Set-Cookie header.
func (r *Request) SetCookie(c Cookie) error {
	return r.OutAdd(header.SetCookie, c.String())
}

// SetCache sets Date, Cache-Control and Expires. maxAge 0 forbids caching.
func (r *Request) SetCache(maxAge uint32) error {
	now := r.now().UTC()
	stamp := now.Format(TimeFormat)

	if err := r.OutSet(header.Date, stamp); err != nil {
		return err
	}
	if maxAge > 0 {
		if err := r.OutSet(header.CacheControl, "max-age="+strconv.FormatUint(uint64(maxAge), 10)); err != nil {
			return err
		}
		return r.OutSet(header.Expires, now.Add(time.Duration(maxAge)*time.Second).Format(TimeFormat))
	}
	if err := r.OutSet(header.CacheControl, "max-age=0, no-cache, no-store"); err != nil {
		return err
	}
	return r.OutSet(header.Expires, stamp)
}

// SetPersistent toggles connection reuse with the header form the request's
// HTTP version expects.
func (r *Request) SetPersistent(keep bool) error {
	if r.version.Less(transport.HTTP11) {
		if keep {
			return r.OutSet(header.Connection, "Keep-Alive")
		}
		return r.OutRemove(header.Connection)
	}
	if keep {
		return r.OutRemove(header.Connection)
	}
	return r.OutSet(header.Connection, "close")
}

// IsJSON reports whether the request body is declared as JSON.
func (r *Request) IsJSON() bool {
	return strings.HasPrefix(r.inputHeaders().ContentType(), "application/json")
}
