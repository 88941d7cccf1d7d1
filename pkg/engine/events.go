// Package engine provides the response-synthesis clients that produce
// HTTP response text token by token.
package engine

// EventType defines types of synthesis events.
type EventType string

const (
	EventText       EventType = "text"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventUsage      EventType = "usage"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// ToolCall represents a tool call requested by the engine.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Usage reports token consumption for one engine round trip.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Event is a single synthesis event. Text deltas arrive in order and,
// concatenated, form the raw response text the engine produced.
type Event struct {
	Type EventType `json:"type"`

	// Text carries the delta for EventText, the result payload for
	// EventToolResult, and the message for EventError.
	Text string `json:"text,omitempty"`

	// Call is set for EventToolCall and EventToolResult.
	Call ToolCall `json:"call,omitempty"`

	// Usage is set for EventUsage.
	Usage *Usage `json:"usage,omitempty"`
}
