// Package errs holds the error taxonomy shared by the request core and its
// transports. Every error returned across a package boundary is marked with
// one of the sentinels below, so callers branch with errors.Is.
package errs

import "github.com/cockroachdb/errors"

var (
	// Construction marks failures to build a request or connection wrapper.
	Construction = errors.New("construction error")
	// State marks misuse: mutating a finalized request, double finalize,
	// asking for a cookie or connection that does not exist.
	State = errors.New("state error")
	// Transport marks failures reported by the underlying transport.
	Transport = errors.New("transport error")
	// ProtocolDecode marks malformed body or argument input.
	ProtocolDecode = errors.New("protocol decode error")
	// NotFound marks lookups of absent headers, cookies or args.
	NotFound = errors.New("not found")
)

func Constructionf(format string, args ...any) error {
	return errors.Mark(errors.NewWithDepthf(1, format, args...), Construction)
}

func Statef(format string, args ...any) error {
	return errors.Mark(errors.NewWithDepthf(1, format, args...), State)
}

func Transportf(format string, args ...any) error {
	return errors.Mark(errors.NewWithDepthf(1, format, args...), Transport)
}

func NotFoundf(format string, args ...any) error {
	return errors.Mark(errors.NewWithDepthf(1, format, args...), NotFound)
}

// Decode wraps err as a ProtocolDecode failure.
func Decode(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.WrapWithDepth(1, err, msg), ProtocolDecode)
}

// WrapTransport wraps err as a Transport failure.
func WrapTransport(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.WrapWithDepth(1, err, msg), Transport)
}

// Is reports whether err carries the given mark.
func Is(err, mark error) bool {
	return errors.Is(err, mark)
}
