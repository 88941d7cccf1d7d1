package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// Config holds configuration for creating an engine client.
type Config struct {
	Endpoint          string // Base URL, e.g., "https://api.openai.com/v1". Optional.
	Model             string // Model name, e.g., "gpt-4o"
	APIKey            string // Optional for local endpoints
	MaxTokens         int    // Output cap per round trip, 0 for provider default
	Temperature       float32
	MaxToolIterations int
}

// OpenAIClient synthesizes responses through an OpenAI-compatible endpoint.
type OpenAIClient struct {
	client            *openai.Client
	endpoint          string
	model             string
	maxTokens         int
	temperature       float32
	maxToolIterations int
	logger            *zap.Logger
}

// NewOpenAIClient creates a new OpenAI-compatible engine client.
func NewOpenAIClient(cfg *Config, logger *zap.Logger) (*OpenAIClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientConfig.BaseURL = strings.TrimSuffix(cfg.Endpoint, "/")
	}

	maxIters := cfg.MaxToolIterations
	if maxIters <= 0 {
		maxIters = 10
	}

	return &OpenAIClient{
		client:            openai.NewClientWithConfig(clientConfig),
		endpoint:          cfg.Endpoint,
		model:             cfg.Model,
		maxTokens:         cfg.MaxTokens,
		temperature:       cfg.Temperature,
		maxToolIterations: maxIters,
		logger:            logger.Named("engine"),
	}, nil
}

// send delivers an event unless the caller has gone away.
func send(ctx context.Context, events chan<- Event, ev Event) error {
	select {
	case events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stream implements Client. The tool loop runs until the engine stops
// requesting tools or the iteration cap is hit.
func (c *OpenAIClient) Stream(
	ctx context.Context,
	req *Request,
	executor ToolExecutor,
	events chan<- Event,
) error {
	messages := c.buildMessages(req.Messages, req.SystemPrompt)
	tools := c.buildTools(req.Tools)

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	for iteration := 0; iteration < c.maxToolIterations; iteration++ {
		content, toolCalls, err := c.streamIteration(ctx, messages, tools, temperature, events)
		if err != nil {
			send(ctx, events, Event{Type: EventError, Text: err.Error()})
			return err
		}

		// No tool calls means we're done
		if len(toolCalls) == 0 {
			return send(ctx, events, Event{Type: EventDone})
		}

		// Add assistant message with tool calls
		assistantMsg := openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: content,
		}
		for _, tc := range toolCalls {
			assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		messages = append(messages, assistantMsg)

		// Execute tools and add results
		for _, tc := range toolCalls {
			if err := send(ctx, events, Event{Type: EventToolCall, Call: tc}); err != nil {
				return err
			}

			result, execErr := executor.ExecuteTool(ctx, tc.Name, tc.Arguments)
			if execErr != nil {
				result = fmt.Sprintf("Error executing tool: %s", execErr.Error())
			}

			if err := send(ctx, events, Event{Type: EventToolResult, Text: result, Call: tc}); err != nil {
				return err
			}

			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    result,
				ToolCallID: tc.ID,
			})
		}
	}

	err := fmt.Errorf("exceeded maximum tool iterations (%d)", c.maxToolIterations)
	send(ctx, events, Event{Type: EventError, Text: err.Error()})
	return err
}

// streamIteration performs a single streaming request and returns content and tool calls.
func (c *OpenAIClient) streamIteration(
	ctx context.Context,
	messages []openai.ChatCompletionMessage,
	tools []openai.Tool,
	temperature float32,
	events chan<- Event,
) (string, []ToolCall, error) {
	start := time.Now()

	c.logger.Debug("Starting stream iteration",
		zap.Int("message_count", len(messages)),
		zap.Int("tool_count", len(tools)))

	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Tools:       tools,
		Temperature: temperature,
		MaxTokens:   c.maxTokens,
		Stream:      true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	})
	if err != nil {
		c.logger.Error("Failed to create stream", zap.Error(err))
		return "", nil, ClassifyError(err)
	}
	defer stream.Close()

	var contentBuilder strings.Builder
	toolCallsMap := make(map[int]*ToolCall)

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			c.logger.Error("Stream receive error", zap.Error(err))
			return "", nil, ClassifyError(err)
		}

		// The usage chunk arrives last with no choices
		if response.Usage != nil {
			usage := &Usage{
				PromptTokens:     response.Usage.PromptTokens,
				CompletionTokens: response.Usage.CompletionTokens,
				TotalTokens:      response.Usage.TotalTokens,
			}
			if err := send(ctx, events, Event{Type: EventUsage, Usage: usage}); err != nil {
				return "", nil, err
			}
		}

		if len(response.Choices) == 0 {
			continue
		}

		delta := response.Choices[0].Delta

		// Handle text content
		if delta.Content != "" {
			contentBuilder.WriteString(delta.Content)
			if err := send(ctx, events, Event{Type: EventText, Text: delta.Content}); err != nil {
				return "", nil, err
			}
		}

		// Handle tool calls (accumulated across chunks)
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}

			if existing, exists := toolCallsMap[idx]; !exists {
				toolCallsMap[idx] = &ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				}
			} else {
				// Accumulate arguments across chunks
				existing.Arguments += tc.Function.Arguments
			}
		}
	}

	content := contentBuilder.String()

	// If no native tool calls, try parsing text-based tool calls
	if len(toolCallsMap) == 0 && content != "" {
		parsedToolCalls := parseTextToolCalls(c.logger, content)
		if len(parsedToolCalls) > 0 {
			content = cleanModelOutput(content)
			for i, tc := range parsedToolCalls {
				toolCallsMap[i] = &tc
			}
		}
	}

	// Convert map to slice
	var toolCalls []ToolCall
	for i := 0; i < len(toolCallsMap); i++ {
		if tc, ok := toolCallsMap[i]; ok {
			toolCalls = append(toolCalls, *tc)
		}
	}

	c.logger.Info("Stream iteration completed",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("content_length", len(content)),
		zap.Int("tool_calls", len(toolCalls)))

	return content, toolCalls, nil
}

// Generate implements Client.
func (c *OpenAIClient) Generate(ctx context.Context, prompt string, systemPrompt string) (*GenerateResult, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	}

	start := time.Now()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		c.logger.Error("Engine request failed",
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, ClassifyError(err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	c.logger.Info("Engine request completed",
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("elapsed", time.Since(start)))

	return &GenerateResult{
		Content: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// GetModel implements Client.
func (c *OpenAIClient) GetModel() string {
	return c.model
}

// parseTextToolCalls parses tool calls from text output (for non-native tool calling models).
func parseTextToolCalls(logger *zap.Logger, content string) []ToolCall {
	var toolCalls []ToolCall

	// XML format: <tool_call>{"name": "...", "arguments": {...}}</tool_call>
	toolCallRegex := regexp.MustCompile(`<tool_call>\s*(\{[\s\S]*?\})\s*</tool_call>`)
	matches := toolCallRegex.FindAllStringSubmatch(content, -1)

	for i, match := range matches {
		if len(match) < 2 {
			continue
		}

		var toolCallJSON struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}

		if err := json.Unmarshal([]byte(match[1]), &toolCallJSON); err != nil {
			logger.Debug("Failed to parse text tool call", zap.Error(err))
			continue
		}

		argsJSON, err := json.Marshal(toolCallJSON.Arguments)
		if err != nil {
			continue
		}

		toolCalls = append(toolCalls, ToolCall{
			ID:        fmt.Sprintf("text_tool_%d", i),
			Name:      toolCallJSON.Name,
			Arguments: string(argsJSON),
		})
	}

	return toolCalls
}

// cleanModelOutput removes tool call markup and thinking blocks from model output.
func cleanModelOutput(content string) string {
	thinkRegex := regexp.MustCompile(`<think>[\s\S]*?</think>`)
	content = thinkRegex.ReplaceAllString(content, "")

	toolCallRegex := regexp.MustCompile(`<tool_call>[\s\S]*?</tool_call>`)
	content = toolCallRegex.ReplaceAllString(content, "")

	multiNewline := regexp.MustCompile(`\n{3,}`)
	content = multiNewline.ReplaceAllString(content, "\n\n")

	return strings.TrimSpace(content)
}

// buildMessages converts our message format to OpenAI format.
func (c *OpenAIClient) buildMessages(messages []Message, systemPrompt string) []openai.ChatCompletionMessage {
	var result []openai.ChatCompletionMessage

	if systemPrompt != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}

	for _, msg := range messages {
		oaiMsg := openai.ChatCompletionMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}

		for _, tc := range msg.ToolCalls {
			oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}

		result = append(result, oaiMsg)
	}

	return result
}

// buildTools converts our tool definitions to OpenAI format.
func (c *OpenAIClient) buildTools(tools []ToolDefinition) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}

	result := make([]openai.Tool, len(tools))
	for i, def := range tools {
		paramsJSON, _ := json.Marshal(def.Parameters)
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  json.RawMessage(paramsJSON),
			},
		}
	}

	return result
}

// Ensure OpenAIClient implements Client at compile time.
var _ Client = (*OpenAIClient)(nil)
