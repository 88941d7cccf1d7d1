package engine

import (
	"context"
)

// Message represents a chat message.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Message role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolDefinition describes a tool the engine may call.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolExecutor defines the interface for executing tools the engine requests.
type ToolExecutor interface {
	ExecuteTool(ctx context.Context, name string, arguments string) (string, error)
}

// Request represents a synthesis request.
type Request struct {
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDefinition
	Temperature  float32
}

// GenerateResult is the outcome of a non-streaming synthesis call.
type GenerateResult struct {
	Content string
	Usage   Usage
}

// Client defines the interface for response-synthesis backends.
// Use this interface for dependency injection to enable mocking in tests.
type Client interface {
	// Stream synthesizes a response, pushing events to the channel as they
	// occur. Tool calls are executed through the executor and their results
	// fed back to the engine; the corresponding events are emitted so the
	// caller can observe them. Stream does not close the channel.
	Stream(ctx context.Context, req *Request, executor ToolExecutor, events chan<- Event) error

	// Generate performs a single non-streaming round trip without tools.
	Generate(ctx context.Context, prompt string, systemPrompt string) (*GenerateResult, error)

	// GetModel returns the configured model name.
	GetModel() string
}
