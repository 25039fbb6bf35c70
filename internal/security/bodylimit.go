package security

import (
	"bytes"
	"errors"
	"io"
	"net/http"
)

// BodyLimit caps request payload size. Retro-audit triggers carry period
// lists but nothing in the API legitimately posts megabytes.
type BodyLimit struct {
	Max int64
}

// Middleware answers 413 for oversized payloads, either from the declared
// Content-Length or from reading one byte past the cap. Accepted bodies
// are re-buffered so downstream decoders see the full payload.
func (b BodyLimit) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.Max <= 0 || r.Body == nil {
			next.ServeHTTP(w, r)
			return
		}
		if r.ContentLength > b.Max {
			tooLarge(w)
			return
		}

		var buf bytes.Buffer
		limited := http.MaxBytesReader(w, r.Body, b.Max)
		if _, err := buf.ReadFrom(limited); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				tooLarge(w)
			} else {
				http.Error(w, "invalid request body", http.StatusBadRequest)
			}
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(buf.Bytes()))
		r.ContentLength = int64(buf.Len())
		next.ServeHTTP(w, r)
	})
}

func tooLarge(w http.ResponseWriter) {
	http.Error(w, "request entity too large", http.StatusRequestEntityTooLarge)
}
