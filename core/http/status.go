package http

import nethttp "net/http"

// StatusText returns the reason phrase for code, "Unknown" when there is
// none.
func StatusText(code int) string {
	if s := nethttp.StatusText(code); s != "" {
		return s
	}
	return "Unknown"
}

// Common status codes.
const (
	StatusOK                          = 200
	StatusCreated                     = 201
	StatusAccepted                    = 202
	StatusNoContent                   = 204
	StatusMovedPermanently            = 301
	StatusFound                       = 302
	StatusTemporaryRedirect           = 307
	StatusBadRequest                  = 400
	StatusNotFound                    = 404
	StatusMethodNotAllowed            = 405
	StatusRequestEntityTooLarge       = 413
	StatusTooManyRequests             = 429
	StatusRequestHeaderFieldsTooLarge = 431
	StatusInternalServerError         = 500
	StatusNotImplemented              = 501
	StatusServiceUnavailable          = 503
)
