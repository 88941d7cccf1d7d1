package middleware

import (
	"net/http"

	"go.uber.org/zap"
)

// SessionCookie extracts the session id from the inbound cookie into the
// request state. The raw cookie value is passed through untouched; the
// engine sees exactly what the client sent.
func SessionCookie(cookieName string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state := StateFrom(r.Context())
			if state != nil {
				if cookie, err := r.Cookie(cookieName); err == nil && cookie.Value != "" {
					state.CookieSessionID = cookie.Value
					logger.Debug("Session cookie presented",
						zap.String("session_id", cookie.Value))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
