// Package handlers contains the gateway's HTTP surface: the wildcard
// gateway handler, the reserved health paths, and the error responder.
package handlers

import (
	"net/http"
	"os"
	"runtime"

	"go.uber.org/zap"

	"github.com/ekaya-inc/mirage/pkg/config"
)

// PingResponse contains service status and version information.
type PingResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Service     string `json:"service"`
	GoVersion   string `json:"go_version"`
	Hostname    string `json:"hostname"`
	Environment string `json:"environment"`
}

// WarmupResponse reports readiness of the engine-facing machinery.
type WarmupResponse struct {
	Status       string `json:"status"`
	PromptBytes  int    `json:"prompt_bytes"`
	ToolCount    int    `json:"tool_count"`
	SessionCount int    `json:"session_count"`
}

// Warmer is what the warmup probe exercises: prompt rendering and the
// tool catalog, without touching the engine.
type Warmer interface {
	Warmup() (promptBytes, toolCount, sessionCount int, err error)
}

// HealthHandler serves the reserved paths that bypass the engine.
type HealthHandler struct {
	cfg    *config.Config
	warmer Warmer
	logger *zap.Logger
}

// NewHealthHandler creates a new HealthHandler with the given configuration.
func NewHealthHandler(cfg *config.Config, warmer Warmer, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{cfg: cfg, warmer: warmer, logger: logger}
}

// RegisterRoutes registers the health handler's routes on the given mux.
// These are the only paths the gateway does not hand to the engine.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/ping", h.Ping)
	mux.HandleFunc("/warmup", h.Warmup)
}

// Health handles GET /health requests.
// Returns a fixed "ok" body for liveness probes.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ping handles GET /ping requests.
// Returns detailed service information including version and environment.
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	hostname, err := os.Hostname()
	if err != nil {
		http.Error(w, "failed to get hostname", http.StatusInternalServerError)
		return
	}

	response := PingResponse{
		Status:      "ok",
		Version:     h.cfg.Version,
		Service:     "mirage",
		GoVersion:   runtime.Version(),
		Hostname:    hostname,
		Environment: h.cfg.Env,
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode ping response", zap.Error(err))
	}
}

// Warmup handles GET /warmup requests from startup probes. It renders
// the system prompt and counts the tool catalog so the first real
// request does not pay those costs cold.
func (h *HealthHandler) Warmup(w http.ResponseWriter, r *http.Request) {
	promptBytes, toolCount, sessionCount, err := h.warmer.Warmup()
	if err != nil {
		h.logger.Error("Warmup failed", zap.Error(err))
		http.Error(w, "warmup failed", http.StatusInternalServerError)
		return
	}

	response := WarmupResponse{
		Status:       "ok",
		PromptBytes:  promptBytes,
		ToolCount:    toolCount,
		SessionCount: sessionCount,
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode warmup response", zap.Error(err))
	}
}
