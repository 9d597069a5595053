// Package httputil holds transport-generic HTTP helpers shared by the
// operator surface: JSON responses and request body-size limiting.
// Trimmed from the teacher's httputil package, which also carried
// clip-row-scanning helpers specific to its own domain -- dropped here
// since nothing in this module scans clip rows.
package httputil

import (
	"io"
	"net/http"

	goccyjson "github.com/goccy/go-json"
)

// DefaultBodyLimit is the default maximum request body size (1 MB).
const DefaultBodyLimit int64 = 1 << 20

// WriteJSON sends a JSON response with the given status code, using
// goccy/go-json for the hot response-encode path.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	goccyjson.NewEncoder(w).Encode(data)
}

// MaxBody wraps r.Body with a size limit to prevent oversized payloads.
func MaxBody(r *http.Request, n int64) {
	r.Body = http.MaxBytesReader(nil, r.Body, n)
}

// LimitedBodyReader returns an io.Reader capped at DefaultBodyLimit.
func LimitedBodyReader(r *http.Request) io.Reader {
	return io.LimitReader(r.Body, DefaultBodyLimit)
}
