package http

import (
	"bytes"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
	"github.com/searchktools/fast-exchange/core/errs"
)

// Args is an insertion-ordered dictionary of request arguments. Setting an
// existing key replaces its value but keeps its position.
type Args struct {
	keys   []string
	values map[string]any
}

// NewArgs returns an empty, ordered argument dict.
func NewArgs() *Args {
	return &Args{values: make(map[string]any)}
}

// Set stores v under key. A new key goes to the end of the order.
func (a *Args) Set(key string, v any) {
	if _, ok := a.values[key]; !ok {
		a.keys = append(a.keys, key)
	}
	a.values[key] = v
}

// Get returns the value under key.
func (a *Args) Get(key string) (any, bool) {
	v, ok := a.values[key]
	return v, ok
}

// Has reports whether key is present.
func (a *Args) Has(key string) bool {
	_, ok := a.values[key]
	return ok
}

// String returns the value for key formatted as text, "" when absent.
func (a *Args) String(key string) string {
	v, ok := a.values[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	if n, ok := v.(json.Number); ok {
		return n.String()
	}
	return fmt.Sprint(v)
}

// Keys returns the keys in insertion order.
func (a *Args) Keys() []string {
	return append([]string(nil), a.keys...)
}

// Len is the number of keys.
func (a *Args) Len() int {
	return len(a.keys)
}

// Map returns an unordered copy.
func (a *Args) Map() map[string]any {
	m := make(map[string]any, len(a.values))
	for k, v := range a.values {
		m[k] = v
	}
	return m
}

// MarshalJSON encodes the args as an object in insertion order.
func (a *Args) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, k := range a.keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(a.values[k])
		if err != nil {
			return nil, err
		}
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

// mergeJSONObject adds the members of a JSON object read from r. Input
// that does not start with '{' is ignored.
func (a *Args) mergeJSONObject(r io.Reader) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return errs.Decode(err, "json args")
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return errs.Decode(err, "json args key")
		}
		key, ok := tok.(string)
		if !ok {
			return errs.Decode(fmt.Errorf("unexpected token %v", tok), "json args key")
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return errs.Decode(err, "json args value")
		}
		a.Set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return errs.Decode(err, "json args end")
	}
	return nil
}
