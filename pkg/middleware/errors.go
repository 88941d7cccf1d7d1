package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"
)

// FallbackResponder produces a best-effort error response. Implemented
// by the error responder in the handlers package; declared here so the
// pipeline does not depend on it.
type FallbackResponder interface {
	Respond(w http.ResponseWriter, r *http.Request, status int, message, detail string)
}

// ErrorTranslation converts panics escaping the inner stages into an
// error response instead of letting the connection die with no reply.
// If headers already went out, the response is simply truncated and the
// panic is only logged.
func ErrorTranslation(responder FallbackResponder, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tracked := &headerTracker{ResponseWriter: w}

			defer func() {
				rec := recover()
				if rec == nil {
					return
				}

				logger.Error("Request panicked",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()))

				if tracked.wroteHeader {
					return
				}
				responder.Respond(w, r, http.StatusInternalServerError,
					"Internal Server Error", fmt.Sprintf("%v", rec))
			}()

			next.ServeHTTP(tracked, r)
		})
	}
}

// headerTracker records whether the response has been started.
type headerTracker struct {
	http.ResponseWriter
	wroteHeader bool
}

func (h *headerTracker) WriteHeader(code int) {
	h.wroteHeader = true
	h.ResponseWriter.WriteHeader(code)
}

func (h *headerTracker) Write(p []byte) (int, error) {
	h.wroteHeader = true
	return h.ResponseWriter.Write(p)
}

func (h *headerTracker) Flush() {
	if flusher, ok := h.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
