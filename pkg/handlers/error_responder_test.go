package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/ekaya-inc/mirage/pkg/engine"
)

func TestErrorResponder_EngineTier(t *testing.T) {
	client := &engine.MockClient{
		GenerateFunc: func(ctx context.Context, prompt, systemPrompt string) (*engine.GenerateResult, error) {
			assert.Contains(t, prompt, "Status code: 503")
			return &engine.GenerateResult{
				Content: "HTTP/1.1 503 Service Unavailable\r\nContent-Type: text/html\r\nX-Styled: yes\r\n\r\n<h1>brb</h1>",
			}, nil
		},
	}
	er := NewErrorResponder(client, "demo", zap.NewNop())

	rec := httptest.NewRecorder()
	er.Respond(rec, httptest.NewRequest(http.MethodGet, "/", nil),
		http.StatusServiceUnavailable, "Service Unavailable", "engine busy")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "yes", rec.Header().Get("X-Styled"))
	assert.Equal(t, "<h1>brb</h1>", rec.Body.String())
}

func TestErrorResponder_EngineFailureFallsToTemplate(t *testing.T) {
	client := &engine.MockClient{
		GenerateFunc: func(ctx context.Context, prompt, systemPrompt string) (*engine.GenerateResult, error) {
			return nil, engine.NewError(engine.ErrorTypeAuth, "bad key", false, errors.New("401"))
		},
	}
	er := NewErrorResponder(client, "demo", zap.NewNop())

	rec := httptest.NewRecorder()
	er.Respond(rec, httptest.NewRequest(http.MethodGet, "/", nil),
		http.StatusInternalServerError, "Internal Server Error", "boom")

	assert.Equal(t, 1, client.GenerateCalls, "permanent failures are not retried")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "500 Internal Server Error")
	assert.Contains(t, rec.Body.String(), "boom")
}

func TestErrorResponder_UnframedEnginePageFallsToTemplate(t *testing.T) {
	client := &engine.MockClient{
		GenerateFunc: func(ctx context.Context, prompt, systemPrompt string) (*engine.GenerateResult, error) {
			return &engine.GenerateResult{Content: "I cannot make an error page right now."}, nil
		},
	}
	er := NewErrorResponder(client, "demo", zap.NewNop())

	rec := httptest.NewRecorder()
	er.Respond(rec, httptest.NewRequest(http.MethodGet, "/", nil),
		http.StatusBadGateway, "Bad Gateway", "")

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "502 Bad Gateway")
}

func TestErrorResponder_NilClientUsesTemplate(t *testing.T) {
	er := NewErrorResponder(nil, "demo", zap.NewNop())

	rec := httptest.NewRecorder()
	er.Respond(rec, httptest.NewRequest(http.MethodGet, "/", nil),
		http.StatusNotFound, "Not Found", `<script>alert(1)</script>`)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "404 Not Found")
	assert.NotContains(t, body, "<script>", "detail must be escaped")
	assert.Contains(t, body, "&lt;script&gt;")
}

func TestErrorResponder_PlainTextTier(t *testing.T) {
	er := NewErrorResponder(nil, "demo", zap.NewNop())

	rec := httptest.NewRecorder()
	er.plainText(rec, http.StatusInternalServerError, "Internal Server Error", "total failure")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "close", rec.Header().Get("Connection"))
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Equal(t, "HTTP 500 - Internal Server Error\n\nError Details: total failure", rec.Body.String())
}

func TestErrorResponder_CanceledContextSkipsEngine(t *testing.T) {
	client := engine.NewMockClient()
	er := NewErrorResponder(client, "demo", zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)

	rec := httptest.NewRecorder()
	er.Respond(rec, req, http.StatusInternalServerError, "Internal Server Error", "late")

	assert.Equal(t, 0, client.GenerateCalls)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
