package transcode

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/mirage/pkg/apperrors"
	"github.com/ekaya-inc/mirage/pkg/engine"
)

// memSink captures everything the transcoder emits.
type memSink struct {
	status  int
	headers []Header
	cookies []*http.Cookie
	body    strings.Builder
	started bool

	failWrites bool
}

func (s *memSink) SetCookie(cookie *http.Cookie) {
	if s.started {
		return
	}
	s.cookies = append(s.cookies, cookie)
}

func (s *memSink) Start(status int, headers []Header) error {
	s.status = status
	s.headers = headers
	s.started = true
	return nil
}

func (s *memSink) Write(text string) error {
	if s.failWrites {
		return fmt.Errorf("%w: broken pipe", apperrors.ErrClientDisconnected)
	}
	s.body.WriteString(text)
	return nil
}

func (s *memSink) header(name string) (string, bool) {
	for _, h := range s.headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

func run(t *testing.T, sink ResponseSink, inboundID string, events ...engine.Event) (*Transcoder, Outcome) {
	t.Helper()
	tr := New(sink, "session_id", inboundID, zap.NewNop())

	ch := make(chan engine.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}

	return tr, tr.Run(context.Background(), ch)
}

func text(s string) engine.Event {
	return engine.Event{Type: engine.EventText, Text: s}
}

func done() engine.Event {
	return engine.Event{Type: engine.EventDone}
}

func TestChunkingInvariance(t *testing.T) {
	const full = "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\n\r\nHello"

	for chunkSize := 1; chunkSize <= len(full); chunkSize++ {
		var events []engine.Event
		for i := 0; i < len(full); i += chunkSize {
			end := i + chunkSize
			if end > len(full) {
				end = len(full)
			}
			events = append(events, text(full[i:end]))
		}
		events = append(events, done())

		sink := &memSink{}
		tr, outcome := run(t, sink, "", events...)

		require.Equal(t, OutcomeResponseStreamed, outcome, "chunk size %d", chunkSize)
		assert.Equal(t, 200, sink.status, "chunk size %d", chunkSize)
		ct, ok := sink.header("Content-Type")
		require.True(t, ok, "chunk size %d", chunkSize)
		assert.Equal(t, "text/plain", ct)
		assert.Equal(t, "Hello", sink.body.String(), "chunk size %d", chunkSize)
		assert.Equal(t, full, tr.RawText())
	}
}

func TestBareLFSeparator(t *testing.T) {
	sink := &memSink{}
	_, outcome := run(t, sink, "",
		text("HTTP/1.1 404 Not Found\nContent-Type: text/html\n\n<h1>gone</h1>"),
		done())

	require.Equal(t, OutcomeResponseStreamed, outcome)
	assert.Equal(t, 404, sink.status)
	assert.Equal(t, "<h1>gone</h1>", sink.body.String())
}

func TestFramingHeadersStripped(t *testing.T) {
	sink := &memSink{}
	_, outcome := run(t, sink, "",
		text("HTTP/1.1 200 OK\r\n"),
		text("Content-Length: 999\r\n"),
		text("Transfer-Encoding: chunked\r\n"),
		text("connection: keep-alive\r\n"),
		text("X-Custom: kept\r\n\r\nbody"),
		done())

	require.Equal(t, OutcomeResponseStreamed, outcome)
	for _, name := range []string{"Content-Length", "Transfer-Encoding", "connection"} {
		_, found := sink.header(name)
		assert.False(t, found, "%s must not reach the transport", name)
	}
	v, found := sink.header("X-Custom")
	require.True(t, found)
	assert.Equal(t, "kept", v)
}

func TestMalformedStatusLineDefaultsTo200(t *testing.T) {
	sink := &memSink{}
	tr, outcome := run(t, sink, "",
		text("HTTP/1.1 banana\r\nX-A: 1\r\n\r\nok"),
		done())

	require.Equal(t, OutcomeResponseStreamed, outcome)
	assert.Equal(t, 200, sink.status)
	assert.True(t, tr.Metrics().HeaderAnomaly)
	assert.Equal(t, "ok", sink.body.String())
}

func TestMalformedHeaderLineSkipped(t *testing.T) {
	sink := &memSink{}
	_, outcome := run(t, sink, "",
		text("HTTP/1.1 200 OK\r\nnot a header line\r\nX-Good: yes\r\n\r\n"),
		done())

	require.Equal(t, OutcomeResponseStreamed, outcome)
	require.Len(t, sink.headers, 1)
	assert.Equal(t, "X-Good", sink.headers[0].Name)
}

func TestHeadersOnlyFallbackAtEndOfStream(t *testing.T) {
	sink := &memSink{}
	tr, outcome := run(t, sink, "",
		text("HTTP/1.1 204 No Content\r\nX-Empty: true"),
		done())

	require.Equal(t, OutcomeResponseStreamed, outcome)
	assert.Equal(t, 204, sink.status)
	v, found := sink.header("X-Empty")
	require.True(t, found)
	assert.Equal(t, "true", v)
	assert.Equal(t, "", sink.body.String())
	assert.Equal(t, 204, tr.Metrics().Status)
}

func TestNoValidResponse(t *testing.T) {
	sink := &memSink{}
	tr, outcome := run(t, sink, "",
		text("I am sorry, I cannot produce a response for that."),
		done())

	require.Equal(t, OutcomeNoValidResponse, outcome)
	assert.False(t, sink.started)
	assert.Equal(t, "I am sorry, I cannot produce a response for that.", tr.RawText())
}

func TestSessionIDAdoptedBeforeFlush(t *testing.T) {
	sink := &memSink{}
	tr, outcome := run(t, sink, "",
		engine.Event{
			Type: engine.EventToolResult,
			Call: engine.ToolCall{Name: "create_session"},
			Text: "3f1c2a88-9b4d-4ce2-8f66-0a1b2c3d4e5f",
		},
		text("HTTP/1.1 200 OK\r\n\r\nhi"),
		done())

	require.Equal(t, OutcomeResponseStreamed, outcome)
	assert.Equal(t, "3f1c2a88-9b4d-4ce2-8f66-0a1b2c3d4e5f", tr.FinalSessionID())
	require.Len(t, sink.cookies, 1)
	cookie := sink.cookies[0]
	assert.Equal(t, "session_id", cookie.Name)
	assert.Equal(t, "3f1c2a88-9b4d-4ce2-8f66-0a1b2c3d4e5f", cookie.Value)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	assert.Equal(t, "/", cookie.Path)
}

func TestSessionIDAdoptedAfterFlushMissesCookie(t *testing.T) {
	sink := &memSink{}
	tr, outcome := run(t, sink, "",
		text("HTTP/1.1 200 OK\r\n\r\nstreaming already"),
		engine.Event{
			Type: engine.EventToolResult,
			Call: engine.ToolCall{Name: "create_session"},
			Text: "3f1c2a88-9b4d-4ce2-8f66-0a1b2c3d4e5f",
		},
		done())

	require.Equal(t, OutcomeResponseStreamed, outcome)
	assert.Equal(t, "3f1c2a88-9b4d-4ce2-8f66-0a1b2c3d4e5f", tr.FinalSessionID())
	assert.Empty(t, sink.cookies)
	assert.True(t, tr.Metrics().CookieMissed)
}

func TestKnownSessionIDNotReSent(t *testing.T) {
	const id = "3f1c2a88-9b4d-4ce2-8f66-0a1b2c3d4e5f"
	sink := &memSink{}
	tr, outcome := run(t, sink, id,
		engine.Event{
			Type: engine.EventToolResult,
			Call: engine.ToolCall{Name: "assign_session_id"},
			Text: id,
		},
		text("HTTP/1.1 200 OK\r\n\r\nhi"),
		done())

	require.Equal(t, OutcomeResponseStreamed, outcome)
	assert.Equal(t, id, tr.FinalSessionID())
	assert.Empty(t, sink.cookies, "an already-known id must not re-set the cookie")
}

func TestToolResponseSupersedesBufferedProse(t *testing.T) {
	sink := &memSink{}
	_, outcome := run(t, sink, "",
		text("Let me think about the right page for this..."),
		engine.Event{
			Type: engine.EventToolResult,
			Call: engine.ToolCall{Name: "generate_response"},
			Text: "HTTP/1.1 418 I'm a teapot\r\nContent-Type: text/plain\r\n\r\nshort and stout",
		},
		done())

	require.Equal(t, OutcomeResponseStreamed, outcome)
	assert.Equal(t, 418, sink.status)
	assert.Equal(t, "short and stout", sink.body.String())
}

func TestOpaqueToolResultIgnored(t *testing.T) {
	sink := &memSink{}
	tr, outcome := run(t, sink, "",
		engine.Event{
			Type: engine.EventToolResult,
			Call: engine.ToolCall{Name: "get_global_state"},
			Text: `{"visits": 7}`,
		},
		text("HTTP/1.1 200 OK\r\n\r\nok"),
		done())

	require.Equal(t, OutcomeResponseStreamed, outcome)
	assert.Empty(t, sink.cookies)
	assert.Equal(t, "", tr.FinalSessionID())
}

func TestSessionShapedResultFromOtherToolsIgnored(t *testing.T) {
	// State and file tools can legitimately return short hyphenated
	// tokens; only the session tools may assign the session id.
	sink := &memSink{}
	tr, outcome := run(t, sink, "",
		engine.Event{
			Type: engine.EventToolResult,
			Call: engine.ToolCall{Name: "get_global_state"},
			Text: "dark-mode",
		},
		engine.Event{
			Type: engine.EventToolResult,
			Call: engine.ToolCall{Name: "read_file"},
			Text: "style-v2",
		},
		text("HTTP/1.1 200 OK\r\n\r\nok"),
		done())

	require.Equal(t, OutcomeResponseStreamed, outcome)
	assert.Empty(t, sink.cookies)
	assert.Equal(t, "", tr.FinalSessionID())
}

func TestClientDisconnectOnWrite(t *testing.T) {
	sink := &memSink{failWrites: true}
	_, outcome := run(t, sink, "",
		text("HTTP/1.1 200 OK\r\n\r\nnever arrives"),
		done())

	assert.Equal(t, OutcomeClientDisconnected, outcome)
}

func TestClientDisconnectViaContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr := New(&memSink{}, "session_id", "", zap.NewNop())
	outcome := tr.Run(ctx, make(chan engine.Event))
	assert.Equal(t, OutcomeClientDisconnected, outcome)
}

func TestDeadlineWhileBufferingIsNotADisconnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	sink := &memSink{}
	tr := New(sink, "session_id", "", zap.NewNop())
	outcome := tr.Run(ctx, make(chan engine.Event))

	assert.Equal(t, OutcomeNoValidResponse, outcome)
	assert.False(t, sink.started)
	require.Error(t, tr.Err())
	assert.ErrorIs(t, tr.Err(), context.DeadlineExceeded)
}

func TestDeadlineWhileStreamingTruncates(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	sink := &memSink{}
	tr := New(sink, "session_id", "", zap.NewNop())

	ch := make(chan engine.Event, 1)
	ch <- text("HTTP/1.1 200 OK\r\n\r\npartial bo")
	outcome := tr.Run(ctx, ch)

	assert.Equal(t, OutcomeResponseStreamed, outcome)
	assert.Equal(t, "partial bo", sink.body.String())
	assert.ErrorIs(t, tr.Err(), context.DeadlineExceeded)
}

func TestUsageRecorded(t *testing.T) {
	sink := &memSink{}
	tr, outcome := run(t, sink, "",
		text("HTTP/1.1 200 OK\r\n\r\nok"),
		engine.Event{Type: engine.EventUsage, Usage: &engine.Usage{
			PromptTokens:     120,
			CompletionTokens: 45,
			TotalTokens:      165,
		}},
		done())

	require.Equal(t, OutcomeResponseStreamed, outcome)
	m := tr.Metrics()
	assert.Equal(t, 120, m.PromptTokens)
	assert.Equal(t, 45, m.CompletionTokens)
	assert.Equal(t, 165, m.TotalTokens)
	assert.False(t, m.FirstTokenAt.IsZero())
	assert.False(t, m.StreamEndedAt.IsZero())
}

func TestEngineErrorBeforeFlush(t *testing.T) {
	sink := &memSink{}
	tr, outcome := run(t, sink, "",
		engine.Event{Type: engine.EventError, Text: "rate limit exceeded"})

	assert.Equal(t, OutcomeNoValidResponse, outcome)
	assert.False(t, sink.started)
	require.Error(t, tr.Err())
	assert.Contains(t, tr.Err().Error(), "rate limit")
}

func TestEngineErrorAfterFlush(t *testing.T) {
	sink := &memSink{}
	tr, outcome := run(t, sink, "",
		text("HTTP/1.1 200 OK\r\n\r\npartial bo"),
		engine.Event{Type: engine.EventError, Text: "connection reset"})

	assert.Equal(t, OutcomeResponseStreamed, outcome)
	assert.Equal(t, "partial bo", sink.body.String())
	require.Error(t, tr.Err())
}

func TestClassifyToolResult(t *testing.T) {
	tests := []struct {
		name string
		tool string
		text string
		want resultKind
	}{
		{"uuid from create_session", "create_session", "3f1c2a88-9b4d-4ce2-8f66-0a1b2c3d4e5f", resultSessionID},
		{"short token from assign", "assign_session_id", "visitor-42", resultSessionID},
		{"uuid with surrounding space", "create_session", "  3f1c2a88-9b4d-4ce2-8f66-0a1b2c3d4e5f\n", resultSessionID},
		{"uuid from a state tool", "get_global_state", "3f1c2a88-9b4d-4ce2-8f66-0a1b2c3d4e5f", resultOpaque},
		{"slug from a state tool", "get_global_state", "dark-mode", resultOpaque},
		{"slug from read_file", "read_file", "style-v2", resultOpaque},
		{"http response", "generate_response", "HTTP/1.1 200 OK\r\n\r\nbody", resultHTTPResponse},
		{"http response with leading newline", "generate_response", "\nHTTP/1.1 500 Oops\r\n\r\n", resultHTTPResponse},
		{"json from session tool", "create_session", `{"ok": true}`, resultOpaque},
		{"prose with hyphen", "create_session", "well-formed sentence here", resultOpaque},
		{"empty", "create_session", "", resultOpaque},
		{"plain word", "create_session", "ok", resultOpaque},
		{"overlong token", "create_session", strings.Repeat("a-", 64), resultOpaque},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, _ := classifyToolResult(tt.tool, tt.text)
			assert.Equal(t, tt.want, kind)
		})
	}
}

func TestFindSeparator(t *testing.T) {
	tests := []struct {
		name    string
		buf     string
		wantIdx int
		wantLen int
		wantOK  bool
	}{
		{"crlf", "a\r\n\r\nb", 1, 4, true},
		{"lf", "a\n\nb", 1, 2, true},
		{"crlf before lf", "a\r\n\r\nx\n\ny", 1, 4, true},
		{"lf before crlf", "a\n\nx\r\n\r\ny", 1, 2, true},
		{"none", "no separator here", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, sepLen, ok := findSeparator(tt.buf)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantIdx, idx)
				assert.Equal(t, tt.wantLen, sepLen)
			}
		})
	}
}

func TestParseStatusLine(t *testing.T) {
	tests := []struct {
		line        string
		wantStatus  int
		wantAnomaly bool
	}{
		{"HTTP/1.1 200 OK", 200, false},
		{"HTTP/1.1 418 I'm a teapot", 418, false},
		{"HTTP/1.1 204", 204, false},
		{"HTTP/1.1", 200, true},
		{"HTTP/1.1 banana OK", 200, true},
		{"HTTP/1.1 2O0 OK", 200, true},
		{"HTTP/1.1 42 OK", 200, true},
		{"HTTP/1.1 700 OK", 200, true},
		{"", 200, true},
	}

	for _, tt := range tests {
		status, anomaly := parseStatusLine(tt.line)
		assert.Equal(t, tt.wantStatus, status, "line %q", tt.line)
		assert.Equal(t, tt.wantAnomaly, anomaly, "line %q", tt.line)
	}
}

func TestRunIgnoresUnknownPayloadShapes(t *testing.T) {
	// A write error on the headers-only fallback still ends the run as
	// a disconnect, not a panic.
	sink := &memSink{failWrites: true}
	_, outcome := run(t, sink, "",
		text("HTTP/1.1 200 OK"),
		done())
	// Headers-only has no body write, so the run completes.
	assert.Equal(t, OutcomeResponseStreamed, outcome)
	assert.True(t, sink.started)
}
