// Package local implements the built-in tool server the gateway spawns as
// a child copy of its own binary speaking MCP over stdio.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ekaya-inc/mirage/pkg/jsonutil"
)

// Environment variables the parent process sets when spawning the server.
const (
	EnvLogLevel    = "LOCAL_TOOLS_LOG_LEVEL"
	EnvContentRoot = "LOCAL_TOOLS_CONTENT_ROOT"
)

// maxFileSize caps read_file payloads handed back to the engine.
const maxFileSize = 1 << 20

// Server is the built-in tool server. State lives for the process
// lifetime and is shared across every session the engine touches.
type Server struct {
	mcp    *server.MCPServer
	logger *zap.Logger

	contentRoot string

	mu       sync.Mutex
	global   map[string]string
	sessions map[string]map[string]string
}

// NewServer builds the server and registers its tools.
func NewServer(version, contentRoot string, logger *zap.Logger) *Server {
	s := &Server{
		mcp: server.NewMCPServer(
			"mirage-local-tools",
			version,
			server.WithToolCapabilities(true),
		),
		logger:      logger.Named("local_tools"),
		contentRoot: contentRoot,
		global:      make(map[string]string),
		sessions:    make(map[string]map[string]string),
	}

	s.registerSessionTools()
	s.registerStateTools()
	s.registerSessionDataTools()
	s.registerFileTools()
	return s
}

// ServeStdio blocks serving MCP over stdin/stdout until the parent closes
// the pipe.
func (s *Server) ServeStdio() error {
	s.logger.Info("Serving local tools over stdio",
		zap.String("content_root", s.contentRoot))
	return server.ServeStdio(s.mcp)
}

// MCP exposes the underlying server for in-process tests.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

func (s *Server) registerSessionTools() {
	createTool := mcp.NewTool(
		"create_session",
		mcp.WithDescription(
			"Create a fresh session for the current visitor and return its identifier. "+
				"Call this when a request arrives without a session cookie.",
		),
	)
	s.mcp.AddTool(createTool, s.handleCreateSession)

	assignTool := mcp.NewTool(
		"assign_session_id",
		mcp.WithDescription(
			"Adopt an existing session identifier for the current request, for example "+
				"one presented in a session cookie. Returns the adopted identifier.",
		),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("The session identifier to adopt"),
		),
	)
	s.mcp.AddTool(assignTool, s.handleAssignSessionID)
}

func (s *Server) handleCreateSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := uuid.NewString()
	s.logger.Info("Session created", zap.String("session_id", id))
	return mcp.NewToolResultText(id), nil
}

func (s *Server) handleAssignSessionID(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := stringArg(req, "session_id")
	if id == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	s.logger.Info("Session adopted", zap.String("session_id", id))
	return mcp.NewToolResultText(id), nil
}

func (s *Server) registerStateTools() {
	setTool := mcp.NewTool(
		"set_global_state",
		mcp.WithDescription(
			"Store a value in server-global state shared across all sessions. "+
				"Use this for site-wide facts like a visitor counter.",
		),
		mcp.WithString("key", mcp.Required(), mcp.Description("State key")),
		mcp.WithString("value", mcp.Required(), mcp.Description("Value to store")),
	)
	s.mcp.AddTool(setTool, s.handleSetGlobal)

	getTool := mcp.NewTool(
		"get_global_state",
		mcp.WithDescription("Read a value from server-global state. Returns empty text for unknown keys."),
		mcp.WithString("key", mcp.Required(), mcp.Description("State key")),
	)
	s.mcp.AddTool(getTool, s.handleGetGlobal)
}

func (s *Server) handleSetGlobal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key := stringArg(req, "key")
	if key == "" {
		return mcp.NewToolResultError("key is required"), nil
	}
	value := stringArg(req, "value")

	s.mu.Lock()
	s.global[key] = value
	s.mu.Unlock()

	return mcp.NewToolResultText("ok"), nil
}

func (s *Server) handleGetGlobal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key := stringArg(req, "key")
	if key == "" {
		return mcp.NewToolResultError("key is required"), nil
	}

	s.mu.Lock()
	value := s.global[key]
	s.mu.Unlock()

	return mcp.NewToolResultText(value), nil
}

func (s *Server) registerSessionDataTools() {
	setTool := mcp.NewTool(
		"set_session_data",
		mcp.WithDescription(
			"Store a key-value pair for one session. This is per-visitor "+
				"application state, separate from the conversation history.",
		),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Owning session identifier")),
		mcp.WithString("key", mcp.Required(), mcp.Description("State key")),
		mcp.WithString("value", mcp.Required(), mcp.Description("Value to store")),
	)
	s.mcp.AddTool(setTool, s.handleSetSessionData)

	getTool := mcp.NewTool(
		"get_session_data",
		mcp.WithDescription(
			"Read session state. With a key, returns that value; without one, "+
				"returns all of the session's data as JSON.",
		),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Owning session identifier")),
		mcp.WithString("key", mcp.Description("State key; omit for all keys")),
	)
	s.mcp.AddTool(getTool, s.handleGetSessionData)

	deleteTool := mcp.NewTool(
		"delete_session_data",
		mcp.WithDescription(
			"Delete session state. With a key, deletes that entry; without one, "+
				"deletes everything stored for the session.",
		),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Owning session identifier")),
		mcp.WithString("key", mcp.Description("State key; omit to delete the whole session")),
	)
	s.mcp.AddTool(deleteTool, s.handleDeleteSessionData)

	listTool := mcp.NewTool(
		"list_sessions",
		mcp.WithDescription("List the session identifiers that currently hold session data."),
	)
	s.mcp.AddTool(listTool, s.handleListSessions)
}

func (s *Server) handleSetSessionData(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := stringArg(req, "session_id")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	key := stringArg(req, "key")
	if key == "" {
		return mcp.NewToolResultError("key is required"), nil
	}
	value := stringArg(req, "value")

	s.mu.Lock()
	data, ok := s.sessions[sessionID]
	if !ok {
		data = make(map[string]string)
		s.sessions[sessionID] = data
	}
	data[key] = value
	s.mu.Unlock()

	return mcp.NewToolResultText(fmt.Sprintf("Session data set for key '%s'.", key)), nil
}

func (s *Server) handleGetSessionData(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := stringArg(req, "session_id")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	key := stringArg(req, "key")

	s.mu.Lock()
	defer s.mu.Unlock()

	if key != "" {
		return mcp.NewToolResultText(s.sessions[sessionID][key]), nil
	}

	data := s.sessions[sessionID]
	if data == nil {
		data = map[string]string{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cannot encode session data: %v", err)), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}

func (s *Server) handleDeleteSessionData(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := stringArg(req, "session_id")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	key := stringArg(req, "key")

	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.sessions[sessionID]
	if key != "" {
		_, existed := data[key]
		delete(data, key)
		if existed {
			return mcp.NewToolResultText(fmt.Sprintf("Key '%s' deleted.", key)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Key '%s' not found.", key)), nil
	}

	delete(s.sessions, sessionID)
	if ok {
		return mcp.NewToolResultText("Session data deleted."), nil
	}
	return mcp.NewToolResultText("Session data not found."), nil
}

func (s *Server) handleListSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	raw, err := json.Marshal(ids)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cannot encode session list: %v", err)), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}

func (s *Server) registerFileTools() {
	readTool := mcp.NewTool(
		"read_file",
		mcp.WithDescription(
			"Read a file from the site content root. Paths are relative to the root; "+
				"reads outside the root are rejected.",
		),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path of the file to read")),
	)
	s.mcp.AddTool(readTool, s.handleReadFile)
}

func (s *Server) handleReadFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rel := stringArg(req, "path")
	if rel == "" {
		return mcp.NewToolResultError("path is required"), nil
	}

	path, err := s.resolve(rel)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cannot read %s: %v", rel, err)), nil
	}
	if info.IsDir() {
		return mcp.NewToolResultError(fmt.Sprintf("%s is a directory", rel)), nil
	}
	if info.Size() > maxFileSize {
		return mcp.NewToolResultError(fmt.Sprintf("%s exceeds the read size limit", rel)), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cannot read %s: %v", rel, err)), nil
	}

	return mcp.NewToolResultText(string(raw)), nil
}

// resolve maps a relative request path to an absolute path inside the
// content root.
func (s *Server) resolve(rel string) (string, error) {
	root, err := filepath.Abs(s.contentRoot)
	if err != nil {
		return "", fmt.Errorf("content root unavailable: %w", err)
	}

	path := filepath.Join(root, filepath.Clean("/"+rel))
	if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes the content root", rel)
	}
	return path, nil
}

// stringArg extracts a string argument, coercing scalar types the engine
// sometimes sends instead.
func stringArg(req mcp.CallToolRequest, key string) string {
	args, ok := req.Params.Arguments.(map[string]any)
	if !ok {
		return ""
	}
	return jsonutil.StringArg(args, key)
}
