// Package jsonwriter streams JSON tokens through an optional compression
// stream and hands the finished bytes to a sink exactly once.
//
// One Writer type covers the plain, JSONP and chunked response variants: they
// differ only in their Sink and in the literal Prefix and Suffix.
package jsonwriter

import (
	"strings"

	"github.com/cockroachdb/errors"
	json "github.com/goccy/go-json"
	"github.com/searchktools/fast-exchange/core/buffer"
	"github.com/searchktools/fast-exchange/core/compress"
	"github.com/searchktools/fast-exchange/core/errs"
)

var (
	// ErrClosed is returned by token calls after Close or Abort.
	ErrClosed = errors.New("json writer closed")
	// ErrSyntax is returned for tokens that would produce invalid JSON.
	ErrSyntax = errors.New("invalid json token sequence")
)

// Both sentinels carry the errs.State mark where they are returned.
func closedError() error {
	return errors.Mark(errors.WithStackDepth(ErrClosed, 1), errs.State)
}

func syntaxErrorf(format string, args ...any) error {
	return errors.Mark(errors.WrapWithDepthf(1, ErrSyntax, format, args...), errs.State)
}

// Sink receives the finished, possibly compressed output. It may drain buf.
type Sink func(buf *buffer.Buffer) error

type Options struct {
	// Indent is the number of spaces per nesting level. Zero writes
	// compact output.
	Indent int
	Prefix string
	Suffix string
	// Codec must already be resolved; Auto is rejected.
	Codec compress.Codec
}

type frame struct {
	list      bool
	count     int
	wantValue bool
}

// Writer is not safe for concurrent use.
type Writer struct {
	sink   Sink
	opts   Options
	buf    *buffer.Buffer
	stream *compress.Stream
	stack  []frame
	top    bool
	closed bool
	err    error
}

func New(sink Sink, opts Options) (*Writer, error) {
	buf := buffer.New()
	stream, err := compress.NewWriter(buf, opts.Codec)
	if err != nil {
		buf.Release()
		return nil, err
	}

	w := &Writer{
		sink:   sink,
		opts:   opts,
		buf:    buf,
		stream: stream,
		stack:  make([]frame, 0, 8),
	}
	w.raw(opts.Prefix)
	return w, nil
}

// Codec returns the compression applied to the output.
func (w *Writer) Codec() compress.Codec {
	return w.opts.Codec
}

func (w *Writer) Closed() bool {
	return w.closed
}

func (w *Writer) BeginDict() error {
	return w.begin(false)
}

func (w *Writer) EndDict() error {
	return w.end(false)
}

func (w *Writer) BeginList() error {
	return w.begin(true)
}

func (w *Writer) EndList() error {
	return w.end(true)
}

// Key starts a member of the innermost dict.
func (w *Writer) Key(k string) error {
	if w.closed {
		return closedError()
	}
	f := w.current()
	if f == nil || f.list || f.wantValue {
		return syntaxErrorf("key %q outside of a dict", k)
	}
	if f.count > 0 {
		w.raw(",")
	}
	w.newline(len(w.stack))
	w.marshal(k, false)
	if w.opts.Indent > 0 {
		w.raw(": ")
	} else {
		w.raw(":")
	}
	f.count++
	f.wantValue = true
	return w.err
}

// Value writes v, encoded with go-json, at the current position.
func (w *Writer) Value(v any) error {
	if err := w.beforeValue(); err != nil {
		return err
	}
	w.marshal(v, true)
	return w.err
}

// Raw writes pre-encoded JSON at the current position.
func (w *Writer) Raw(data []byte) error {
	if err := w.beforeValue(); err != nil {
		return err
	}
	if !json.Valid(data) {
		return syntaxErrorf("raw value is not valid json")
	}
	w.write(data)
	return w.err
}

func (w *Writer) Null() error {
	return w.Raw([]byte("null"))
}

func (w *Writer) String(s string) error { return w.Value(s) }

func (w *Writer) Bool(b bool) error { return w.Value(b) }

// Number writes n verbatim. It must be a valid JSON number.
func (w *Writer) Number(n json.Number) error {
	if _, err := n.Float64(); err != nil {
		return syntaxErrorf("invalid number %q", string(n))
	}
	return w.Raw([]byte(n))
}

// Insert writes one dict member.
func (w *Writer) Insert(key string, v any) error {
	if err := w.Key(key); err != nil {
		return err
	}
	return w.Value(v)
}

// Append writes one list element.
func (w *Writer) Append(v any) error {
	if f := w.current(); f == nil || !f.list {
		if w.closed {
			return closedError()
		}
		return syntaxErrorf("append outside of a list")
	}
	return w.Value(v)
}

// Close terminates open containers, writes the suffix, flushes the codec
// trailer and passes the output to the sink. Only the first call does any
// work.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	for len(w.stack) > 0 {
		f := w.current()
		if f.wantValue {
			w.raw("null")
			f.wantValue = false
		}
		w.end(f.list)
	}
	w.raw(w.opts.Suffix)
	w.closed = true

	err := w.err
	if cerr := w.stream.Close(); err == nil {
		err = cerr
	}
	if err == nil && w.sink != nil {
		err = w.sink(w.buf)
	}
	w.buf.Release()
	return err
}

// Abort discards the output without calling the sink.
func (w *Writer) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	w.stream.Close()
	w.buf.Release()
}

func (w *Writer) begin(list bool) error {
	if err := w.beforeValue(); err != nil {
		return err
	}
	if list {
		w.raw("[")
	} else {
		w.raw("{")
	}
	w.stack = append(w.stack, frame{list: list})
	return w.err
}

func (w *Writer) end(list bool) error {
	if w.closed {
		return closedError()
	}
	f := w.current()
	if f == nil || f.list != list || f.wantValue {
		return syntaxErrorf("unbalanced container end")
	}
	count := f.count
	w.stack = w.stack[:len(w.stack)-1]
	if count > 0 {
		w.newline(len(w.stack))
	}
	if list {
		w.raw("]")
	} else {
		w.raw("}")
	}
	return w.err
}

func (w *Writer) beforeValue() error {
	if w.closed {
		return closedError()
	}
	f := w.current()
	switch {
	case f == nil:
		if w.top {
			return syntaxErrorf("more than one top-level value")
		}
		w.top = true
	case f.list:
		if f.count > 0 {
			w.raw(",")
		}
		w.newline(len(w.stack))
		f.count++
	case !f.wantValue:
		return syntaxErrorf("dict value without a key")
	default:
		f.wantValue = false
	}
	return nil
}

func (w *Writer) current() *frame {
	if len(w.stack) == 0 {
		return nil
	}
	return &w.stack[len(w.stack)-1]
}

func (w *Writer) newline(depth int) {
	if w.opts.Indent <= 0 {
		return
	}
	w.raw("\n" + strings.Repeat(" ", depth*w.opts.Indent))
}

func (w *Writer) marshal(v any, indent bool) {
	var (
		data []byte
		err  error
	)
	if indent && w.opts.Indent > 0 {
		step := strings.Repeat(" ", w.opts.Indent)
		data, err = json.MarshalIndent(v, strings.Repeat(step, len(w.stack)), step)
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		if w.err == nil {
			w.err = errors.Wrap(err, "encode json value")
		}
		return
	}
	w.write(data)
}

func (w *Writer) raw(s string) {
	if s != "" {
		w.write([]byte(s))
	}
}

func (w *Writer) write(p []byte) {
	if w.err != nil {
		return
	}
	if _, err := w.stream.Write(p); err != nil {
		w.err = err
	}
}
