package header

import (
	"mime"
	"strings"
)

// HasContentType reports whether a Content-Type field is present.
func (h *Headers) HasContentType() bool {
	return h.Has(ContentType)
}

func (h *Headers) ContentType() string {
	return h.Find(ContentType)
}

func (h *Headers) SetContentType(ct string) error {
	return h.Set(ContentType, ct)
}

// GuessContentType sets Content-Type from a file extension ("json" or
// ".json").
func (h *Headers) GuessContentType(ext string) error {
	return h.SetContentType(TypeByExtension(ext))
}

// TypeByExtension maps a file extension to a MIME type. An empty extension
// is treated as a generated HTML page.
func TypeByExtension(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	switch ext {
	case "", "html", "htm":
		return "text/html; charset=utf-8"
	case "css":
		return "text/css; charset=utf-8"
	case "js":
		return "application/javascript"
	case "json":
		return "application/json"
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	case "svg":
		return "image/svg+xml"
	case "txt":
		return "text/plain; charset=utf-8"
	}
	if t := mime.TypeByExtension("." + ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
