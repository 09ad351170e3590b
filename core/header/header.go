// Package header implements the ordered, case-insensitive header multimap
// shared between a request and its transport.
package header

import (
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/searchktools/fast-exchange/core/errs"
	"golang.org/x/net/http/httpguts"
)

// Common header names.
const (
	ContentType     = "Content-Type"
	ContentLength   = "Content-Length"
	ContentEncoding = "Content-Encoding"
	AcceptEncoding  = "Accept-Encoding"
	UserAgent       = "User-Agent"
	Accept          = "Accept"
	Host            = "Host"
	Connection      = "Connection"
	Cookie          = "Cookie"
	SetCookie       = "Set-Cookie"
	Location        = "Location"
	CacheControl    = "Cache-Control"
	Expires         = "Expires"
	Date            = "Date"
	TransferEncode  = "Transfer-Encoding"
)

// ErrInvalid is returned for header names or values that cannot be put on
// the wire.
var ErrInvalid = errors.New("invalid header field")

// Field is one header line.
type Field struct {
	Name  string
	Value string
}

// Headers is an ordered multimap. Lookups ignore case, duplicates are kept
// in insertion order. The zero value is ready to use.
type Headers struct {
	fields []Field
}

func New() *Headers {
	return &Headers{fields: make([]Field, 0, 8)}
}

// Has reports whether at least one field called name exists.
func (h *Headers) Has(name string) bool {
	return h.index(name) >= 0
}

// Find returns the first value for name, or "" when absent.
func (h *Headers) Find(name string) string {
	if i := h.index(name); i >= 0 {
		return h.fields[i].Value
	}
	return ""
}

// Get returns the first value for name and fails when absent.
func (h *Headers) Get(name string) (string, error) {
	if i := h.index(name); i >= 0 {
		return h.fields[i].Value, nil
	}
	return "", errs.NotFoundf("header %q not found", name)
}

// Values returns every value for name in order.
func (h *Headers) Values(name string) []string {
	var out []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Add appends a field, keeping any existing ones with the same name.
func (h *Headers) Add(name, value string) error {
	if err := validate(name, value); err != nil {
		return err
	}
	h.fields = append(h.fields, Field{Name: name, Value: value})
	return nil
}

// Set replaces every field called name with a single one. The new field
// takes the position of the first replaced one.
func (h *Headers) Set(name, value string) error {
	if err := validate(name, value); err != nil {
		return err
	}
	i := h.index(name)
	if i < 0 {
		h.fields = append(h.fields, Field{Name: name, Value: value})
		return nil
	}
	h.fields[i] = Field{Name: name, Value: value}
	h.removeFrom(i+1, name)
	return nil
}

// Remove deletes every field called name.
func (h *Headers) Remove(name string) {
	h.removeFrom(0, name)
}

func (h *Headers) removeFrom(start int, name string) {
	out := h.fields[:start]
	for _, f := range h.fields[start:] {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	for i := len(out); i < len(h.fields); i++ {
		h.fields[i] = Field{}
	}
	h.fields = out
}

func (h *Headers) Len() int {
	return len(h.fields)
}

// VisitAll calls fn for every field in order.
func (h *Headers) VisitAll(fn func(name, value string)) {
	for _, f := range h.fields {
		fn(f.Name, f.Value)
	}
}

// Fields returns a copy of the fields.
func (h *Headers) Fields() []Field {
	out := make([]Field, len(h.fields))
	copy(out, h.fields)
	return out
}

func (h *Headers) Reset() {
	clear(h.fields)
	h.fields = h.fields[:0]
}

// WriteTo writes the fields in wire format, one "Name: Value\r\n" per line.
func (h *Headers) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, f := range h.fields {
		n, err := io.WriteString(w, f.Name+": "+f.Value+"\r\n")
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (h *Headers) String() string {
	var sb strings.Builder
	h.WriteTo(&sb)
	return sb.String()
}

func (h *Headers) index(name string) int {
	for i, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return i
		}
	}
	return -1
}

func validate(name, value string) error {
	if !httpguts.ValidHeaderFieldName(name) {
		return errors.Wrapf(ErrInvalid, "name %q", name)
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return errors.Wrapf(ErrInvalid, "value for %q", name)
	}
	return nil
}
