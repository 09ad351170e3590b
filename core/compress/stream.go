package compress

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

var (
	// ErrClosed is returned by writes to a closed Stream.
	ErrClosed = errors.New("compression stream closed")
	// ErrUnresolved is returned when Auto reaches the pipeline unresolved.
	ErrUnresolved = errors.New("auto compression must be negotiated first")
)

// Stream encodes everything written to it into dst. With codec None the
// bytes go straight to dst. Close flushes the codec trailer exactly once and
// detaches dst; the caller keeps ownership of dst.
type Stream struct {
	dst   io.Writer
	enc   io.WriteCloser
	codec Codec
}

// NewWriter builds a Stream over dst for a concrete codec.
func NewWriter(dst io.Writer, c Codec) (*Stream, error) {
	s := &Stream{dst: dst, codec: c}

	switch c {
	case None:
	case Gzip:
		s.enc = gzip.NewWriter(dst)
	case Zlib:
		s.enc = zlib.NewWriter(dst)
	case Bzip2:
		w, err := bzip2.NewWriter(dst, nil)
		if err != nil {
			return nil, errors.Wrap(err, "bzip2 writer")
		}
		s.enc = w
	case Auto:
		return nil, ErrUnresolved
	default:
		return nil, errors.Newf("unknown codec %d", int(c))
	}
	return s, nil
}

func (s *Stream) Codec() Codec {
	return s.codec
}

func (s *Stream) Write(p []byte) (int, error) {
	if s.dst == nil {
		return 0, ErrClosed
	}
	if s.enc == nil {
		return s.dst.Write(p)
	}
	return s.enc.Write(p)
}

func (s *Stream) WriteString(str string) (int, error) {
	return s.Write([]byte(str))
}

// Flush pushes pending compressed data to dst without ending the stream.
func (s *Stream) Flush() error {
	if s.dst == nil {
		return ErrClosed
	}
	if f, ok := s.enc.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// Closed reports whether Close already ran.
func (s *Stream) Closed() bool {
	return s.dst == nil
}

// Close writes the codec trailer. Later calls are no-ops.
func (s *Stream) Close() error {
	if s.dst == nil {
		return nil
	}
	s.dst = nil
	if s.enc == nil {
		return nil
	}
	enc := s.enc
	s.enc = nil
	return errors.Wrapf(enc.Close(), "close %s stream", s.codec)
}

// NewReader decodes src according to c. The returned reader must be closed.
func NewReader(src io.Reader, c Codec) (io.ReadCloser, error) {
	switch c {
	case None:
		return io.NopCloser(src), nil
	case Gzip:
		r, err := gzip.NewReader(src)
		if err != nil {
			return nil, errors.Wrap(err, "gzip reader")
		}
		return r, nil
	case Zlib:
		r, err := zlib.NewReader(src)
		if err != nil {
			return nil, errors.Wrap(err, "zlib reader")
		}
		return r, nil
	case Bzip2:
		r, err := bzip2.NewReader(src, nil)
		if err != nil {
			return nil, errors.Wrap(err, "bzip2 reader")
		}
		return r, nil
	}
	return nil, errors.Newf("cannot decode %s", c)
}
