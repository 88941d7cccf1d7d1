package engine

import (
	"context"
)

// MockClient is a configurable mock for testing synthesis functionality.
// Set the function fields to control behavior in tests.
type MockClient struct {
	// StreamFunc is called when Stream is invoked.
	// If nil, sends a single done event and returns nil.
	StreamFunc func(ctx context.Context, req *Request, executor ToolExecutor, events chan<- Event) error

	// GenerateFunc is called when Generate is invoked.
	// If nil, returns an empty result and nil error.
	GenerateFunc func(ctx context.Context, prompt string, systemPrompt string) (*GenerateResult, error)

	// Model is returned by GetModel. Defaults to "mock-model".
	Model string

	// Call tracking for verification
	StreamCalls   int
	GenerateCalls int
}

// NewMockClient creates a new mock with sensible defaults.
func NewMockClient() *MockClient {
	return &MockClient{
		Model: "mock-model",
	}
}

// Stream implements Client.
func (m *MockClient) Stream(ctx context.Context, req *Request, executor ToolExecutor, events chan<- Event) error {
	m.StreamCalls++
	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, req, executor, events)
	}
	return send(ctx, events, Event{Type: EventDone})
}

// Generate implements Client.
func (m *MockClient) Generate(ctx context.Context, prompt string, systemPrompt string) (*GenerateResult, error) {
	m.GenerateCalls++
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, prompt, systemPrompt)
	}
	return &GenerateResult{}, nil
}

// GetModel implements Client.
func (m *MockClient) GetModel() string {
	if m.Model == "" {
		return "mock-model"
	}
	return m.Model
}

// Reset clears call tracking counters.
func (m *MockClient) Reset() {
	m.StreamCalls = 0
	m.GenerateCalls = 0
}

// Ensure MockClient implements Client at compile time.
var _ Client = (*MockClient)(nil)

// MockToolExecutor is a configurable mock for testing tool execution.
type MockToolExecutor struct {
	// ExecuteToolFunc is called when ExecuteTool is invoked.
	// If nil, returns empty string and nil error.
	ExecuteToolFunc func(ctx context.Context, name string, arguments string) (string, error)

	// Call tracking
	ExecuteToolCalls []MockToolCall
}

// MockToolCall records a call to ExecuteTool.
type MockToolCall struct {
	Name      string
	Arguments string
}

// NewMockToolExecutor creates a new mock tool executor.
func NewMockToolExecutor() *MockToolExecutor {
	return &MockToolExecutor{
		ExecuteToolCalls: []MockToolCall{},
	}
}

// ExecuteTool implements ToolExecutor.
func (m *MockToolExecutor) ExecuteTool(ctx context.Context, name string, arguments string) (string, error) {
	m.ExecuteToolCalls = append(m.ExecuteToolCalls, MockToolCall{Name: name, Arguments: arguments})
	if m.ExecuteToolFunc != nil {
		return m.ExecuteToolFunc(ctx, name, arguments)
	}
	return `{"success": true}`, nil
}

// Reset clears call tracking.
func (m *MockToolExecutor) Reset() {
	m.ExecuteToolCalls = []MockToolCall{}
}

// Ensure MockToolExecutor implements ToolExecutor at compile time.
var _ ToolExecutor = (*MockToolExecutor)(nil)
