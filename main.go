package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/mirage/pkg/audit"
	"github.com/ekaya-inc/mirage/pkg/config"
	"github.com/ekaya-inc/mirage/pkg/conversation"
	"github.com/ekaya-inc/mirage/pkg/engine"
	"github.com/ekaya-inc/mirage/pkg/handlers"
	"github.com/ekaya-inc/mirage/pkg/logging"
	"github.com/ekaya-inc/mirage/pkg/middleware"
	"github.com/ekaya-inc/mirage/pkg/prompts"
	"github.com/ekaya-inc/mirage/pkg/tools"
	"github.com/ekaya-inc/mirage/pkg/tools/local"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// The gateway re-executes its own binary as the local tool server
	// child process. That invocation must never start the HTTP server.
	if len(os.Args) > 1 && os.Args[1] == tools.LocalServerFlag {
		if err := runLocalToolServer(); err != nil {
			fmt.Fprintf(os.Stderr, "local tool server failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mirage failed: %v\n", err)
		os.Exit(1)
	}
}

// runLocalToolServer serves the built-in tools over stdio. Configuration
// comes from environment variables set by the parent process; stdout
// carries the MCP transport, so all logging goes to stderr.
func runLocalToolServer() error {
	level := os.Getenv(local.EnvLogLevel)
	if level == "" {
		level = "info"
	}
	logger, err := logging.New(level, "console")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	contentRoot := os.Getenv(local.EnvContentRoot)
	if contentRoot == "" {
		contentRoot = "."
	}

	return local.NewServer(Version, contentRoot, logger).ServeStdio()
}

func run() error {
	cfg, err := config.Load(Version)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("addr", cfg.Addr()),
		zap.String("engine_provider", cfg.Engine.Provider),
		zap.String("engine_model", cfg.Engine.Model),
		zap.String("site_dir", cfg.Site.Dir),
		zap.Bool("audit_enabled", cfg.Audit.Enabled),
		zap.String("version", cfg.Version))

	store, err := conversation.NewStore(cfg.Session.StateDir, logger)
	if err != nil {
		return fmt.Errorf("failed to open conversation store: %w", err)
	}

	renderer, err := prompts.NewRenderer(cfg.Site.Dir, cfg.Site.PromptPath, cfg.Site.Name, logger)
	if err != nil {
		return fmt.Errorf("failed to load site content: %w", err)
	}

	client, err := engine.NewClient(cfg.Engine.Provider, &engine.Config{
		Endpoint:          cfg.Engine.BaseURL,
		Model:             cfg.Engine.Model,
		APIKey:            cfg.Engine.APIKey,
		MaxTokens:         cfg.Engine.MaxTokens,
		Temperature:       cfg.Engine.Temperature,
		MaxToolIterations: cfg.Engine.MaxToolIterations,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create engine client: %w", err)
	}

	orchestrator := tools.NewOrchestrator(
		time.Duration(cfg.Tools.RegisterTimeoutSeconds)*time.Second,
		time.Duration(cfg.Tools.CallTimeoutSeconds)*time.Second,
		logger)

	specs, err := toolServerSpecs(cfg)
	if err != nil {
		return err
	}
	orchestrator.RegisterAll(context.Background(), specs)

	auditor := audit.NewSecurityAuditor(logger, cfg.Audit.Enabled)
	responder := handlers.NewErrorResponder(client, cfg.Site.Name, logger)
	gateway := handlers.NewGatewayHandler(cfg, client, orchestrator,
		orchestrator.Definitions, store, renderer, responder, auditor, logger)

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, gateway, logger).RegisterRoutes(mux)
	mux.Handle("/", middleware.Chain(gateway,
		middleware.AccessLog(logger),
		middleware.Attach(),
		middleware.ErrorTranslation(responder, logger),
		middleware.SessionCookie(cfg.Session.CookieName, logger),
	))

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting mirage",
			zap.String("addr", cfg.Addr()),
			zap.Int("tool_count", len(orchestrator.Definitions())))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if cfg.OneShot {
		oneShot(cfg, logger)
		return shutdown(srv, store, orchestrator, cfg, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if shutdownErr := shutdown(srv, store, orchestrator, cfg, logger); shutdownErr != nil {
			logger.Error("Shutdown after server failure also failed", zap.Error(shutdownErr))
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	return shutdown(srv, store, orchestrator, cfg, logger)
}

// toolServerSpecs assembles the tool servers to register: the built-in
// local server when enabled, then everything the manifest lists.
func toolServerSpecs(cfg *config.Config) ([]tools.ServerSpec, error) {
	var specs []tools.ServerSpec

	if cfg.Tools.LocalEnabled {
		spec, err := tools.LocalSpec(cfg.Tools.LocalLogLevel, cfg.Site.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to build local tool server spec: %w", err)
		}
		specs = append(specs, spec)
	}

	if cfg.Tools.ManifestPath != "" {
		manifest, err := tools.LoadManifest(cfg.Tools.ManifestPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load tool server manifest: %w", err)
		}
		specs = append(specs, manifest...)
	}

	return specs, nil
}

// shutdown drains in-flight requests, snapshots conversations, and only
// then tears down the tool servers. The store is flushed before the tool
// servers go away so a session assigned in the final request is not lost.
func shutdown(srv *http.Server, store *conversation.Store, orchestrator *tools.Orchestrator, cfg *config.Config, logger *zap.Logger) error {
	grace := time.Duration(cfg.ShutdownGraceSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server shutdown did not drain cleanly", zap.Error(err))
	}

	if cfg.Session.SaveConversations {
		if err := store.Flush(); err != nil {
			logger.Error("Failed to flush conversation store", zap.Error(err))
		}
	} else {
		logger.Info("Conversation saving disabled, skipping flush")
	}

	orchestrator.ShutdownAll(ctx)

	logger.Info("Shutdown complete")
	return nil
}

// oneShot performs a single internal GET / against the running server,
// logs the raw response, and returns. Useful for smoke-testing a site
// directory without keeping a server around.
func oneShot(cfg *config.Config, logger *zap.Logger) {
	url := "http://" + cfg.Addr() + "/"

	// The listener starts concurrently; give it a moment to bind.
	var resp *http.Response
	var err error
	for attempt := 0; attempt < 20; attempt++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err != nil {
		logger.Error("One-shot request failed", zap.Error(err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := httputil.DumpResponse(resp, true)
	if err != nil {
		logger.Error("Failed to dump one-shot response", zap.Error(err))
		return
	}

	logger.Info("One-shot response",
		zap.Int("status", resp.StatusCode),
		zap.String("raw", string(raw)))
}
