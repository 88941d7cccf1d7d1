package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/mirage/pkg/apperrors"
	"github.com/ekaya-inc/mirage/pkg/audit"
	"github.com/ekaya-inc/mirage/pkg/config"
	"github.com/ekaya-inc/mirage/pkg/conversation"
	"github.com/ekaya-inc/mirage/pkg/engine"
	"github.com/ekaya-inc/mirage/pkg/logging"
	"github.com/ekaya-inc/mirage/pkg/middleware"
	"github.com/ekaya-inc/mirage/pkg/prompts"
	"github.com/ekaya-inc/mirage/pkg/transcode"
)

// eventBuffer sizes the per-request event channel. The engine keeps
// producing while the transcoder writes to a slow client; a little slack
// keeps the common case from blocking either side.
const eventBuffer = 64

// GatewayHandler serves every non-reserved path by asking the engine to
// synthesize the raw HTTP response for the inbound request.
type GatewayHandler struct {
	cfg       *config.Config
	client    engine.Client
	executor  engine.ToolExecutor
	toolDefs  func() []engine.ToolDefinition
	store     *conversation.Store
	renderer  *prompts.Renderer
	responder *ErrorResponder
	auditor   *audit.SecurityAuditor
	logger    *zap.Logger
}

// NewGatewayHandler wires the gateway's collaborators. toolDefs is
// called per request so late tool-server changes are picked up.
func NewGatewayHandler(
	cfg *config.Config,
	client engine.Client,
	executor engine.ToolExecutor,
	toolDefs func() []engine.ToolDefinition,
	store *conversation.Store,
	renderer *prompts.Renderer,
	responder *ErrorResponder,
	auditor *audit.SecurityAuditor,
	logger *zap.Logger,
) *GatewayHandler {
	return &GatewayHandler{
		cfg:       cfg,
		client:    client,
		executor:  executor,
		toolDefs:  toolDefs,
		store:     store,
		renderer:  renderer,
		responder: responder,
		auditor:   auditor,
		logger:    logger.Named("gateway"),
	}
}

// ServeHTTP handles one request end to end: reconstruct the raw request
// text, stream the engine's response through the transcoder, then
// persist the turn under the session that ends up owning it.
func (h *GatewayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if seconds, ok := h.cfg.RequestTimeout(); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(seconds)*time.Second)
		defer cancel()
	}

	state := middleware.StateFrom(ctx)
	if state == nil {
		// The pipeline was bypassed; degrade to a bare state so the
		// handler still works.
		state = &middleware.RequestState{ClientAddr: r.RemoteAddr}
	}

	rawRequest, err := dumpRequest(r)
	if err != nil {
		h.logger.Error("Failed to reconstruct raw request",
			zap.String("error", logging.SanitizeError(err)))
		h.responder.Respond(w, r, http.StatusInternalServerError,
			"Internal Server Error", "could not read the request")
		return
	}
	state.RawRequest = rawRequest

	h.auditor.LogInjectionAttempt(state.CookieSessionID, state.ClientAddr,
		r.Method, r.URL.Path, audit.ScanRequest(rawRequest))

	req, err := h.buildEngineRequest(state.CookieSessionID, rawRequest)
	if err != nil {
		h.logger.Error("Failed to build engine request",
			zap.String("error", logging.SanitizeError(err)))
		h.responder.Respond(w, r, http.StatusInternalServerError,
			"Internal Server Error", "could not prepare the request")
		return
	}

	sink := transcode.NewHTTPSink(w, r)
	tr := transcode.New(sink, h.cfg.Session.CookieName, state.CookieSessionID, h.logger)

	// The engine produces into the channel; the transcoder is the only
	// consumer. The producer goroutine selects on ctx for every send, so
	// abandoning the channel after a disconnect cannot leak it.
	events := make(chan engine.Event, eventBuffer)
	go func() {
		if err := h.client.Stream(ctx, req, h.executor, events); err != nil {
			h.logger.Debug("Engine stream returned error",
				zap.String("error", logging.SanitizeError(err)))
		}
	}()

	outcome := tr.Run(ctx, events)

	state.Outcome = outcome
	state.Metrics = tr.Metrics()
	state.EngineErr = tr.Err()
	state.FinalSessionID = tr.FinalSessionID()
	state.NewSession = state.FinalSessionID != "" && state.FinalSessionID != state.CookieSessionID

	h.persistTurn(state, rawRequest, tr.RawText())

	switch outcome {
	case transcode.OutcomeResponseStreamed:
		if tr.Metrics().HeaderAnomaly {
			h.auditor.LogFramingAnomaly(state.FinalSessionID, state.ClientAddr,
				r.Method, r.URL.Path, "malformed status line, defaulted to 200")
		}
		h.auditor.LogRequestServed(state.FinalSessionID, state.ClientAddr,
			r.Method, r.URL.Path, tr.Metrics().Status, rawRequest)

	case transcode.OutcomeNoValidResponse:
		h.auditor.LogFramingAnomaly(state.FinalSessionID, state.ClientAddr,
			r.Method, r.URL.Path, "stream ended without a framed response")
		detail := apperrors.ErrNoValidResponse.Error()
		if tr.Err() != nil {
			detail = logging.SanitizeError(tr.Err())
		}
		if errors.Is(tr.Err(), context.DeadlineExceeded) {
			h.responder.Respond(w, r, http.StatusGatewayTimeout,
				"Gateway Timeout", detail)
			return
		}
		h.responder.Respond(w, r, http.StatusInternalServerError,
			"Internal Server Error", detail)

	case transcode.OutcomeClientDisconnected:
		// Expected termination; the access log records it.
	}
}

// buildEngineRequest assembles the system prompt, replayed history, and
// the raw request as the new user turn.
func (h *GatewayHandler) buildEngineRequest(sessionID, rawRequest string) (*engine.Request, error) {
	defs := h.toolDefs()
	toolNames := make([]string, 0, len(defs))
	for _, def := range defs {
		toolNames = append(toolNames, def.Name)
	}

	systemPrompt, err := h.renderer.System(sessionID, h.store.TokenCount(sessionID), toolNames)
	if err != nil {
		return nil, err
	}

	var messages []engine.Message
	for _, turn := range h.store.History(sessionID, h.cfg.Session.MaxTurns) {
		messages = append(messages, engine.Message{
			Role:       turn.Role,
			Content:    turn.Content,
			ToolCallID: turn.ToolCallID,
		})
	}
	messages = append(messages, engine.Message{
		Role:    engine.RoleUser,
		Content: rawRequest,
	})

	return &engine.Request{
		SystemPrompt: systemPrompt,
		Messages:     messages,
		Tools:        defs,
		Temperature:  h.cfg.Engine.Temperature,
	}, nil
}

// persistTurn appends the request/response pair under the session that
// owns it. A tool-assigned id always wins over the cookie id; with no id
// at all the store logs the no-op.
func (h *GatewayHandler) persistTurn(state *middleware.RequestState, rawRequest, rawResponse string) {
	sessionID := state.FinalSessionID

	turns := []conversation.Turn{{Role: engine.RoleUser, Content: rawRequest}}
	if rawResponse != "" {
		turns = append(turns, conversation.Turn{Role: engine.RoleAssistant, Content: rawResponse})
	}
	h.store.Append(sessionID, turns...)

	if total := state.Metrics.TotalTokens; total > 0 {
		h.store.AddUsage(sessionID, total)
	}
}

// Warmup implements the warmup probe: render the prompt and size up the
// tool catalog without calling the engine.
func (h *GatewayHandler) Warmup() (promptBytes, toolCount, sessionCount int, err error) {
	defs := h.toolDefs()
	toolNames := make([]string, 0, len(defs))
	for _, def := range defs {
		toolNames = append(toolNames, def.Name)
	}

	prompt, err := h.renderer.System("", 0, toolNames)
	if err != nil {
		return 0, 0, 0, err
	}

	return len(prompt), len(defs), len(h.store.Sessions()), nil
}

var _ Warmer = (*GatewayHandler)(nil)

// dumpRequest reconstructs the raw request text: request line, headers,
// body. net/http has already canonicalized header casing and order, so
// this is a best-effort reproduction of what arrived on the wire.
func dumpRequest(r *http.Request) (string, error) {
	raw, err := httputil.DumpRequest(r, true)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
