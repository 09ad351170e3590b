package http

import (
	"time"
	"weak"

	"github.com/searchktools/fast-exchange/core/compress"
	"go.uber.org/zap"
)

// DefaultUser is the identity of requests without a user or session.
const DefaultUser = "anonymous"

// Recorder receives per-request measurements. observability.Monitor is the
// production implementation.
type Recorder interface {
	RequestStarted(method string)
	ResponseFinalized(code int, mode string, size int)
	CodecSelected(c compress.Codec)
	RequestReleased(lifetime time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RequestStarted(string)              {}
func (nopRecorder) ResponseFinalized(int, string, int) {}
func (nopRecorder) CodecSelected(compress.Codec)       {}
func (nopRecorder) RequestReleased(time.Duration)      {}

// Option configures a Request at construction.
type Option func(*Request)

// WithSession attaches a session. The request keeps only a weak reference;
// the caller owns the session.
func WithSession(s *Session) Option {
	return func(r *Request) {
		if s != nil {
			r.session = weak.Make(s)
		}
	}
}

// WithDefaultUser sets the user reported when no session user exists.
func WithDefaultUser(user string) Option {
	return func(r *Request) {
		if user != "" {
			r.user = user
		}
	}
}

// WithLogger replaces the global logger for this request.
func WithLogger(l *zap.Logger) Option {
	return func(r *Request) {
		if l != nil {
			r.log = l
		}
	}
}

// WithRecorder reports request measurements to rec.
func WithRecorder(rec Recorder) Option {
	return func(r *Request) {
		if rec != nil {
			r.rec = rec
		}
	}
}

// WithID sets the id used in log prefixes.
func WithID(id uint64) Option {
	return func(r *Request) { r.id = id }
}

// WithClock overrides time.Now for cache headers and lifetime measurement.
func WithClock(now func() time.Time) Option {
	return func(r *Request) {
		if now != nil {
			r.now = now
		}
	}
}

// WithCompression sets the codec returned by Compression, used by handlers
// that do not pick one themselves.
func WithCompression(c compress.Codec) Option {
	return func(r *Request) { r.compression = c }
}
