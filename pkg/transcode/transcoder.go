package transcode

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/mirage/pkg/apperrors"
	"github.com/ekaya-inc/mirage/pkg/engine"
	"github.com/ekaya-inc/mirage/pkg/logging"
)

// Outcome is the terminal result of one transcoding run. Exactly one is
// returned per run.
type Outcome string

const (
	// OutcomeResponseStreamed means status and headers were flushed and
	// the body was written to completion.
	OutcomeResponseStreamed Outcome = "response_streamed"
	// OutcomeNoValidResponse means the stream ended without a framed
	// response. The caller must synthesize a fallback.
	OutcomeNoValidResponse Outcome = "no_valid_response"
	// OutcomeClientDisconnected means the client went away mid-stream.
	// Expected termination, not a gateway failure.
	OutcomeClientDisconnected Outcome = "client_disconnected"
)

// Metrics is the per-run record kept for the access log regardless of
// outcome.
type Metrics struct {
	FirstTokenAt     time.Time
	StreamEndedAt    time.Time
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Status           int
	HeaderAnomaly    bool
	CookieMissed     bool
}

type state int

const (
	stateBuffering state = iota
	stateStreaming
)

// Transcoder drives one request's event stream into a response sink. It
// is single-use and owned by exactly one request task.
type Transcoder struct {
	logger            *zap.Logger
	sink              ResponseSink
	sessionCookieName string
	inboundSessionID  string

	state          state
	pending        string
	rawLog         strings.Builder
	finalSessionID string
	metrics        Metrics
	err            error
}

// New creates a transcoder for one request. inboundSessionID is the id
// the client already presented, if any; a cookie is only set when a
// tool assigns a different id.
func New(sink ResponseSink, sessionCookieName, inboundSessionID string, logger *zap.Logger) *Transcoder {
	return &Transcoder{
		logger:            logger.Named("transcode"),
		sink:              sink,
		sessionCookieName: sessionCookieName,
		inboundSessionID:  inboundSessionID,
		finalSessionID:    inboundSessionID,
	}
}

// Run consumes events until the stream completes, errors, or the client
// disconnects. The events channel is never closed by the producer; the
// done and error events are the only terminators.
func (t *Transcoder) Run(ctx context.Context, events <-chan engine.Event) Outcome {
	for {
		select {
		case <-ctx.Done():
			t.metrics.StreamEndedAt = time.Now()
			// A server-side deadline is not a disconnect: the client is
			// still waiting, so an unflushed run must reach the error
			// responder instead of closing silently.
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				t.err = ctx.Err()
				if t.state == stateStreaming {
					return OutcomeResponseStreamed
				}
				return OutcomeNoValidResponse
			}
			return OutcomeClientDisconnected

		case ev := <-events:
			outcome, done := t.handle(ev)
			if done {
				t.metrics.StreamEndedAt = time.Now()
				return outcome
			}
		}
	}
}

func (t *Transcoder) handle(ev engine.Event) (Outcome, bool) {
	switch ev.Type {
	case engine.EventText:
		if t.metrics.FirstTokenAt.IsZero() {
			t.metrics.FirstTokenAt = time.Now()
		}
		t.rawLog.WriteString(ev.Text)
		if err := t.consumeText(ev.Text); err != nil {
			return t.writeFailed(err), true
		}

	case engine.EventToolResult:
		if outcome, done := t.interceptToolResult(ev); done {
			return outcome, true
		}

	case engine.EventUsage:
		if ev.Usage != nil {
			t.metrics.PromptTokens = ev.Usage.PromptTokens
			t.metrics.CompletionTokens = ev.Usage.CompletionTokens
			t.metrics.TotalTokens = ev.Usage.TotalTokens
		}

	case engine.EventError:
		t.err = errors.New(ev.Text)
		t.logger.Error("Engine stream failed",
			zap.String("error", logging.SanitizeError(t.err)))
		if t.state == stateStreaming {
			// Headers are gone to the client; the body is simply
			// truncated.
			return OutcomeResponseStreamed, true
		}
		return OutcomeNoValidResponse, true

	case engine.EventDone:
		return t.finish(), true
	}

	return "", false
}

// consumeText routes a delta through the current state.
func (t *Transcoder) consumeText(text string) error {
	if t.state == stateStreaming {
		return t.sink.Write(text)
	}

	t.pending += text
	return t.tryResolveHeaders()
}

// tryResolveHeaders looks for the header/body separator in the pending
// buffer and, once found, flushes the frame and transitions to
// streaming.
func (t *Transcoder) tryResolveHeaders() error {
	idx, sepLen, ok := findSeparator(t.pending)
	if !ok {
		return nil
	}

	block := t.pending[:idx]
	body := t.pending[idx+sepLen:]
	t.pending = ""

	return t.startResponse(parseFrame(block), body)
}

// startResponse applies a parsed frame to the sink and streams the body
// remainder.
func (t *Transcoder) startResponse(f frame, body string) error {
	if f.Anomaly {
		t.metrics.HeaderAnomaly = true
		t.logger.Warn("Malformed status line, defaulting to 200")
	}
	t.metrics.Status = f.Status

	if err := t.sink.Start(f.Status, f.Headers); err != nil {
		return err
	}
	t.state = stateStreaming

	if body != "" {
		return t.sink.Write(body)
	}
	return nil
}

// interceptToolResult applies the side effects of a completed tool
// call. Classification happens once, here.
func (t *Transcoder) interceptToolResult(ev engine.Event) (Outcome, bool) {
	kind, payload := classifyToolResult(ev.Call.Name, ev.Text)

	switch kind {
	case resultSessionID:
		t.adoptSessionID(payload, ev.Call.Name)

	case resultHTTPResponse:
		if t.state == stateStreaming {
			t.logger.Warn("Tool produced a full response after headers were sent, ignoring",
				zap.String("tool", ev.Call.Name))
			return "", false
		}
		// A tool-generated full response supersedes whatever free text
		// the engine had buffered so far.
		if t.pending != "" {
			t.logger.Debug("Discarding buffered prose in favor of tool response",
				zap.Int("discarded", len(t.pending)))
		}
		t.pending = payload
		t.rawLog.WriteString(payload)
		if err := t.tryResolveHeaders(); err != nil {
			return t.writeFailed(err), true
		}

	case resultOpaque:
		// No transcoder side effect; the engine sees the result through
		// its own tool loop.
	}

	return "", false
}

// adoptSessionID records a tool-assigned session id and queues the
// session cookie if headers have not been sent yet.
func (t *Transcoder) adoptSessionID(id, toolName string) {
	t.finalSessionID = id

	if id == t.inboundSessionID {
		return
	}

	if t.state == stateStreaming {
		t.metrics.CookieMissed = true
		t.logger.Warn("Session assigned after headers were sent, cookie not set",
			zap.String("session_id", id),
			zap.String("tool", toolName))
		return
	}

	t.sink.SetCookie(&http.Cookie{
		Name:     t.sessionCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	t.logger.Info("Session cookie queued",
		zap.String("session_id", id),
		zap.String("tool", toolName))
}

// finish handles end of stream. A buffer that still looks like a status
// line gets one headers-only parse attempt before the run is declared
// invalid.
func (t *Transcoder) finish() Outcome {
	if t.state == stateStreaming {
		return OutcomeResponseStreamed
	}

	if hasStatusLinePrefix(t.pending) {
		f := parseFrame(strings.TrimSpace(t.pending))
		t.pending = ""
		if err := t.startResponse(f, ""); err != nil {
			return t.writeFailed(err)
		}
		return OutcomeResponseStreamed
	}

	t.logger.Warn("Stream ended without a framed response",
		zap.Int("buffered", len(t.pending)))
	return OutcomeNoValidResponse
}

// writeFailed classifies a sink error. Disconnects are expected; any
// other sink failure still ends the run the same way since nothing more
// can be written.
func (t *Transcoder) writeFailed(err error) Outcome {
	if errors.Is(err, apperrors.ErrClientDisconnected) {
		t.logger.Info("Client disconnected mid-stream")
	} else {
		t.err = err
		t.logger.Error("Response write failed",
			zap.String("error", logging.SanitizeError(err)))
	}
	return OutcomeClientDisconnected
}

// RawText returns everything the engine emitted, for audit logging.
func (t *Transcoder) RawText() string {
	return t.rawLog.String()
}

// FinalSessionID returns the session id that owns this request's turn.
// A tool-assigned id always wins over the inbound cookie id.
func (t *Transcoder) FinalSessionID() string {
	return t.finalSessionID
}

// Metrics returns the per-run record. Valid whatever the outcome.
func (t *Transcoder) Metrics() Metrics {
	return t.metrics
}

// Err returns the engine or sink error behind a failed run, if any.
func (t *Transcoder) Err() error {
	return t.err
}
