package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/mirage/pkg/apperrors"
	"github.com/ekaya-inc/mirage/pkg/engine"
	"github.com/ekaya-inc/mirage/pkg/retry"
)

// registeredServer is one live tool server connection.
type registeredServer struct {
	spec   ServerSpec
	client *client.Client
	tools  []mcp.Tool
}

// Orchestrator registers tool servers, aggregates their tools, and routes
// engine tool calls to the owning server. It implements engine.ToolExecutor.
type Orchestrator struct {
	logger          *zap.Logger
	registerTimeout time.Duration
	callTimeout     time.Duration

	// connector builds the client for a spec. Tests swap it for an
	// in-process connection.
	connector func(ctx context.Context, spec ServerSpec) (*client.Client, error)

	mu       sync.RWMutex
	servers  map[string]*registeredServer
	toolIdx  map[string]string // tool name -> server name, first registration wins
	shutdown bool
}

// NewOrchestrator creates an orchestrator with per-operation timeouts.
func NewOrchestrator(registerTimeout, callTimeout time.Duration, logger *zap.Logger) *Orchestrator {
	o := &Orchestrator{
		logger:          logger.Named("tools"),
		registerTimeout: registerTimeout,
		callTimeout:     callTimeout,
		servers:         make(map[string]*registeredServer),
		toolIdx:         make(map[string]string),
	}
	o.connector = o.connect
	return o
}

// RegisterAll registers every spec concurrently. A server that fails to
// register or exposes no tools is logged and excluded; the rest proceed.
func (o *Orchestrator) RegisterAll(ctx context.Context, specs []ServerSpec) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, spec := range specs {
		g.Go(func() error {
			if err := o.Register(ctx, spec); err != nil {
				o.logger.Warn("Tool server excluded",
					zap.String("server", spec.Name),
					zap.Error(err))
			}
			return nil
		})
	}

	g.Wait()
}

// Register connects one tool server, performs the handshake, and indexes
// its tools. Servers exposing zero tools are torn down and excluded.
func (o *Orchestrator) Register(ctx context.Context, spec ServerSpec) error {
	o.mu.RLock()
	if o.shutdown {
		o.mu.RUnlock()
		return apperrors.ErrServerShutdown
	}
	if _, exists := o.servers[spec.Name]; exists {
		o.mu.RUnlock()
		return fmt.Errorf("server %s already registered", spec.Name)
	}
	o.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, o.registerTimeout)
	defer cancel()

	mcpClient, err := o.connectWithRetry(ctx, spec)
	if err != nil {
		return err
	}

	initReq := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: "2025-06-18",
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    "mirage",
				Version: "1.0.0",
			},
		},
	}
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize %s: %w", spec.Name, err)
	}

	toolsResult, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to list tools for %s: %w", spec.Name, err)
	}

	if len(toolsResult.Tools) == 0 {
		mcpClient.Close()
		return fmt.Errorf("server %s exposes no tools", spec.Name)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.shutdown {
		mcpClient.Close()
		return apperrors.ErrServerShutdown
	}

	o.servers[spec.Name] = &registeredServer{
		spec:   spec,
		client: mcpClient,
		tools:  toolsResult.Tools,
	}

	registered := 0
	for _, tool := range toolsResult.Tools {
		if owner, taken := o.toolIdx[tool.Name]; taken {
			o.logger.Warn("Tool name collision, keeping first registration",
				zap.String("tool", tool.Name),
				zap.String("owner", owner),
				zap.String("loser", spec.Name))
			continue
		}
		o.toolIdx[tool.Name] = spec.Name
		registered++
	}

	o.logger.Info("Tool server registered",
		zap.String("server", spec.Name),
		zap.String("transport", spec.Transport),
		zap.Int("tools", registered))
	return nil
}

// connectWithRetry retries connection setup for remote transports, which
// race the gateway at startup when both come up under the same supervisor.
// Stdio gets a single attempt; a binary that will not exec will not heal.
func (o *Orchestrator) connectWithRetry(ctx context.Context, spec ServerSpec) (*client.Client, error) {
	if spec.Transport == TransportStdio {
		return o.connector(ctx, spec)
	}

	cfg := retry.DefaultConfig()
	cfg.MaxRetries = 2
	return retry.DoWithResult(ctx, cfg, func() (*client.Client, error) {
		return o.connector(ctx, spec)
	})
}

// connect builds the transport-appropriate client. Remote transports need
// an explicit Start before Initialize.
func (o *Orchestrator) connect(ctx context.Context, spec ServerSpec) (*client.Client, error) {
	switch spec.Transport {
	case TransportStdio:
		env := make([]string, 0, len(spec.Env))
		for k, v := range spec.Env {
			env = append(env, k+"="+v)
		}
		sort.Strings(env)

		mcpClient, err := client.NewStdioMCPClient(spec.Command, env, spec.Args...)
		if err != nil {
			return nil, fmt.Errorf("failed to start %s: %w", spec.Name, err)
		}
		return mcpClient, nil

	case TransportSSE:
		var opts []transport.ClientOption
		if len(spec.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(spec.Headers))
		}

		mcpClient, err := client.NewSSEMCPClient(spec.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create SSE client for %s: %w", spec.Name, err)
		}
		if err := mcpClient.GetTransport().Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start SSE transport for %s: %w", spec.Name, err)
		}
		return mcpClient, nil

	case TransportStreamableHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(spec.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(spec.Headers))
		}

		mcpClient, err := client.NewStreamableHttpClient(spec.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP client for %s: %w", spec.Name, err)
		}
		if err := mcpClient.GetTransport().Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start HTTP transport for %s: %w", spec.Name, err)
		}
		return mcpClient, nil

	default:
		return nil, fmt.Errorf("unknown transport %q", spec.Transport)
	}
}

// Definitions returns the aggregated tool definitions in a stable order.
func (o *Orchestrator) Definitions() []engine.ToolDefinition {
	o.mu.RLock()
	defer o.mu.RUnlock()

	names := make([]string, 0, len(o.toolIdx))
	for name := range o.toolIdx {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]engine.ToolDefinition, 0, len(names))
	for _, name := range names {
		srv := o.servers[o.toolIdx[name]]
		if srv == nil {
			continue
		}
		for _, tool := range srv.tools {
			if tool.Name != name {
				continue
			}
			defs = append(defs, engine.ToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaToMap(tool.InputSchema),
			})
			break
		}
	}

	return defs
}

// schemaToMap converts an MCP input schema into the generic map shape the
// engine backends expect.
func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return map[string]any{"type": "object"}
	}
	return out
}

// ToolServer returns the name of the server owning a tool.
func (o *Orchestrator) ToolServer(name string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	srv, ok := o.toolIdx[name]
	return srv, ok
}

// ExecuteTool implements engine.ToolExecutor, routing a call to the
// server that owns the tool.
func (o *Orchestrator) ExecuteTool(ctx context.Context, name string, arguments string) (string, error) {
	o.mu.RLock()
	if o.shutdown {
		o.mu.RUnlock()
		return "", apperrors.ErrServerShutdown
	}
	serverName, ok := o.toolIdx[name]
	srv := o.servers[serverName]
	o.mu.RUnlock()

	if !ok || srv == nil {
		return "", fmt.Errorf("%w: %s", apperrors.ErrToolNotFound, name)
	}

	var args map[string]any
	if arguments != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return "", fmt.Errorf("invalid arguments for %s: %w", name, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()

	start := time.Now()
	result, err := srv.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		o.logger.Error("Tool call failed",
			zap.String("tool", name),
			zap.String("server", serverName),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return "", fmt.Errorf("tool %s failed: %w", name, err)
	}

	text := textFromResult(result)

	o.logger.Debug("Tool call completed",
		zap.String("tool", name),
		zap.String("server", serverName),
		zap.Duration("elapsed", time.Since(start)),
		zap.Bool("is_error", result.IsError))

	if result.IsError {
		return "", fmt.Errorf("tool %s reported error: %s", name, text)
	}
	return text, nil
}

// textFromResult concatenates the text content blocks of a tool result.
func textFromResult(result *mcp.CallToolResult) string {
	var text string
	for _, content := range result.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			if text != "" {
				text += "\n"
			}
			text += tc.Text
		}
	}
	return text
}

// ShutdownAll closes every server connection in parallel. It is
// idempotent; later calls are no-ops.
func (o *Orchestrator) ShutdownAll(ctx context.Context) {
	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		return
	}
	o.shutdown = true
	servers := make([]*registeredServer, 0, len(o.servers))
	for _, srv := range o.servers {
		servers = append(servers, srv)
	}
	o.servers = make(map[string]*registeredServer)
	o.toolIdx = make(map[string]string)
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(srv *registeredServer) {
			defer wg.Done()

			done := make(chan error, 1)
			go func() {
				done <- srv.client.Close()
			}()

			select {
			case err := <-done:
				if err != nil {
					o.logger.Warn("Tool server close error",
						zap.String("server", srv.spec.Name), zap.Error(err))
				}
			case <-ctx.Done():
				o.logger.Warn("Tool server close timed out",
					zap.String("server", srv.spec.Name))
			}
		}(srv)
	}
	wg.Wait()

	o.logger.Info("Tool servers shut down", zap.Int("count", len(servers)))
}

// Ensure Orchestrator implements engine.ToolExecutor at compile time.
var _ engine.ToolExecutor = (*Orchestrator)(nil)
