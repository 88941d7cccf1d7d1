// Package middleware implements the request pipeline: per-request state,
// access logging, error translation, and session-cookie extraction.
package middleware

import (
	"context"
	"net/http"

	"github.com/ekaya-inc/mirage/pkg/transcode"
)

type contextKey string

const stateKey contextKey = "request_state"

// RequestState is the per-request bag shared by pipeline stages and the
// gateway handler. It is written and read by the single task driving the
// request; it needs no locking.
type RequestState struct {
	// Inbound, written before the handler runs.
	ClientAddr      string
	CookieSessionID string

	// Written by the gateway handler for the outbound stages.
	RawRequest     string
	FinalSessionID string
	NewSession     bool
	Outcome        transcode.Outcome
	Metrics        transcode.Metrics
	EngineErr      error
}

// Attach injects a fresh RequestState into the request context. It must
// run before any stage that reads the state.
func Attach() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state := &RequestState{ClientAddr: r.RemoteAddr}
			ctx := context.WithValue(r.Context(), stateKey, state)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// StateFrom returns the request state, or nil when Attach did not run.
func StateFrom(ctx context.Context) *RequestState {
	state, _ := ctx.Value(stateKey).(*RequestState)
	return state
}

// Chain composes middleware so the first argument is outermost.
func Chain(h http.Handler, stages ...func(http.Handler) http.Handler) http.Handler {
	for i := len(stages) - 1; i >= 0; i-- {
		h = stages[i](h)
	}
	return h
}
