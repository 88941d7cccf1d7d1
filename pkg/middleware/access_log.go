package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/mirage/pkg/logging"
	"github.com/ekaya-inc/mirage/pkg/transcode"
)

// AccessLog returns the outermost pipeline stage. It emits one
// structured line per request with the transcoder metrics the handler
// recorded, whatever the outcome. Pass nil logger to disable.
func AccessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if logger == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture the status code. Flusher
			// passthrough matters here: body streaming depends on it.
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.statusCode),
				zap.Duration("duration", duration),
				zap.String("remote_addr", r.RemoteAddr),
			}

			state := StateFrom(r.Context())
			if state != nil {
				fields = append(fields, accessFields(state, start, duration)...)
				if state.EngineErr != nil {
					fields = append(fields,
						zap.String("engine_error", logging.SanitizeError(state.EngineErr)))
				}
			}

			logger.Info("Request handled", fields...)
		})
	}
}

// accessFields derives the timing and token fields from the handler's
// transcoder metrics.
func accessFields(state *RequestState, start time.Time, duration time.Duration) []zap.Field {
	m := state.Metrics

	fields := []zap.Field{
		zap.String("session_id", state.FinalSessionID),
		zap.String("cookie_session_id", state.CookieSessionID),
		zap.Bool("new_session", state.NewSession),
		zap.String("outcome", string(state.Outcome)),
		zap.Int("prompt_tokens", m.PromptTokens),
		zap.Int("completion_tokens", m.CompletionTokens),
	}

	if !m.FirstTokenAt.IsZero() {
		ttft := m.FirstTokenAt.Sub(start)
		fields = append(fields, zap.Duration("ttft", ttft))

		if !m.StreamEndedAt.IsZero() {
			streaming := m.StreamEndedAt.Sub(m.FirstTokenAt)
			fields = append(fields, zap.Duration("stream_duration", streaming))
			if secs := streaming.Seconds(); secs > 0 && m.CompletionTokens > 0 {
				fields = append(fields,
					zap.Float64("tokens_per_second", float64(m.CompletionTokens)/secs))
			}
		}
	}

	if state.Outcome == transcode.OutcomeClientDisconnected {
		fields = append(fields, zap.Bool("client_disconnected", true))
	}

	return fields
}

// responseWriter captures the status code while preserving streaming.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
