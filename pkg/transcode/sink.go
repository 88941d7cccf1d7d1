package transcode

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ekaya-inc/mirage/pkg/apperrors"
)

// ResponseSink receives the framed response as the transcoder resolves
// it. Start is called exactly once, before any Write.
type ResponseSink interface {
	// SetCookie queues a cookie to be attached when Start runs. Calls
	// after Start have no effect.
	SetCookie(cookie *http.Cookie)
	// Start applies the status and headers and opens the sink for
	// streaming.
	Start(status int, headers []Header) error
	// Write appends verbatim body text. A failed write means the client
	// is gone; the error wraps apperrors.ErrClientDisconnected.
	Write(text string) error
}

// HTTPSink adapts an http.ResponseWriter into a ResponseSink, flushing
// after every write so the client sees tokens as they arrive.
type HTTPSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	ctx     context.Context

	cookies []*http.Cookie
	started bool
}

// NewHTTPSink wraps a response writer. The request context is watched so
// a disconnected client surfaces as an error on the next write.
func NewHTTPSink(w http.ResponseWriter, r *http.Request) *HTTPSink {
	flusher, _ := w.(http.Flusher)
	return &HTTPSink{
		w:       w,
		flusher: flusher,
		ctx:     r.Context(),
	}
}

func (s *HTTPSink) SetCookie(cookie *http.Cookie) {
	if s.started {
		return
	}
	s.cookies = append(s.cookies, cookie)
}

func (s *HTTPSink) Start(status int, headers []Header) error {
	if s.started {
		return fmt.Errorf("response already started")
	}
	if err := s.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrClientDisconnected, err)
	}

	for _, h := range headers {
		s.w.Header().Add(h.Name, h.Value)
	}
	for _, cookie := range s.cookies {
		http.SetCookie(s.w, cookie)
	}

	s.w.WriteHeader(status)
	s.started = true
	s.flush()
	return nil
}

func (s *HTTPSink) Write(text string) error {
	if err := s.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrClientDisconnected, err)
	}

	if _, err := s.w.Write([]byte(text)); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrClientDisconnected, err)
	}

	s.flush()
	return nil
}

func (s *HTTPSink) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

var _ ResponseSink = (*HTTPSink)(nil)
