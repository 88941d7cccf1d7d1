package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	anthropic "github.com/liushuangls/go-anthropic/v2"
	"go.uber.org/zap"
)

// AnthropicClient synthesizes responses through the Anthropic Messages API.
type AnthropicClient struct {
	client            *anthropic.Client
	model             string
	maxTokens         int
	temperature       float32
	maxToolIterations int
	logger            *zap.Logger
}

// NewAnthropicClient creates a new Anthropic engine client.
func NewAnthropicClient(cfg *Config, logger *zap.Logger) (*AnthropicClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	var opts []anthropic.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.Endpoint))
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	maxIters := cfg.MaxToolIterations
	if maxIters <= 0 {
		maxIters = 10
	}

	return &AnthropicClient{
		client:            anthropic.NewClient(cfg.APIKey, opts...),
		model:             cfg.Model,
		maxTokens:         maxTokens,
		temperature:       cfg.Temperature,
		maxToolIterations: maxIters,
		logger:            logger.Named("engine"),
	}, nil
}

// Stream implements Client. Each iteration streams text deltas as they
// arrive; tool_use blocks from the completed turn are executed and fed
// back as tool_result content.
func (c *AnthropicClient) Stream(
	ctx context.Context,
	req *Request,
	executor ToolExecutor,
	events chan<- Event,
) error {
	messages := buildAnthropicMessages(req.Messages)
	tools := buildAnthropicTools(req.Tools)

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	for iteration := 0; iteration < c.maxToolIterations; iteration++ {
		start := time.Now()

		c.logger.Debug("Starting stream iteration",
			zap.Int("message_count", len(messages)),
			zap.Int("tool_count", len(tools)))

		temp := temperature
		resp, err := c.client.CreateMessagesStream(ctx, anthropic.MessagesStreamRequest{
			MessagesRequest: anthropic.MessagesRequest{
				Model:       anthropic.Model(c.model),
				System:      req.SystemPrompt,
				Messages:    messages,
				MaxTokens:   c.maxTokens,
				Temperature: &temp,
				Tools:       tools,
			},
			OnContentBlockDelta: func(data anthropic.MessagesEventContentBlockDeltaData) {
				if data.Delta.Text != nil && *data.Delta.Text != "" {
					send(ctx, events, Event{Type: EventText, Text: *data.Delta.Text})
				}
			},
		})
		if err != nil {
			c.logger.Error("Stream request failed", zap.Error(err))
			classified := ClassifyError(err)
			send(ctx, events, Event{Type: EventError, Text: classified.Error()})
			return classified
		}

		usage := &Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}
		if err := send(ctx, events, Event{Type: EventUsage, Usage: usage}); err != nil {
			return err
		}

		toolCalls := extractToolUses(resp.Content)

		c.logger.Info("Stream iteration completed",
			zap.Duration("elapsed", time.Since(start)),
			zap.Int("tool_calls", len(toolCalls)),
			zap.String("stop_reason", string(resp.StopReason)))

		if len(toolCalls) == 0 {
			return send(ctx, events, Event{Type: EventDone})
		}

		// Replay the assistant turn verbatim, then answer each tool_use
		messages = append(messages, anthropic.Message{
			Role:    anthropic.RoleAssistant,
			Content: resp.Content,
		})

		var results []anthropic.MessageContent
		for _, tc := range toolCalls {
			if err := send(ctx, events, Event{Type: EventToolCall, Call: tc}); err != nil {
				return err
			}

			result, execErr := executor.ExecuteTool(ctx, tc.Name, tc.Arguments)
			isError := execErr != nil
			if isError {
				result = fmt.Sprintf("Error executing tool: %s", execErr.Error())
			}

			if err := send(ctx, events, Event{Type: EventToolResult, Text: result, Call: tc}); err != nil {
				return err
			}

			results = append(results, anthropic.NewToolResultMessageContent(tc.ID, result, isError))
		}

		messages = append(messages, anthropic.Message{
			Role:    anthropic.RoleUser,
			Content: results,
		})
	}

	err := fmt.Errorf("exceeded maximum tool iterations (%d)", c.maxToolIterations)
	send(ctx, events, Event{Type: EventError, Text: err.Error()})
	return err
}

// Generate implements Client.
func (c *AnthropicClient) Generate(ctx context.Context, prompt string, systemPrompt string) (*GenerateResult, error) {
	start := time.Now()

	resp, err := c.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:     anthropic.Model(c.model),
		System:    systemPrompt,
		MaxTokens: c.maxTokens,
		Messages: []anthropic.Message{
			{Role: anthropic.RoleUser, Content: []anthropic.MessageContent{
				anthropic.NewTextMessageContent(prompt),
			}},
		},
	})
	if err != nil {
		c.logger.Error("Engine request failed",
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, ClassifyError(err)
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == anthropic.MessagesContentTypeText && block.Text != nil {
			content = *block.Text
			break
		}
	}

	c.logger.Info("Engine request completed",
		zap.Int("prompt_tokens", resp.Usage.InputTokens),
		zap.Int("completion_tokens", resp.Usage.OutputTokens),
		zap.Duration("elapsed", time.Since(start)))

	return &GenerateResult{
		Content: content,
		Usage: Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

// GetModel implements Client.
func (c *AnthropicClient) GetModel() string {
	return c.model
}

// buildAnthropicMessages converts our message format to Anthropic format.
// Tool messages become tool_result blocks in a user turn; assistant tool
// calls become tool_use blocks.
func buildAnthropicMessages(messages []Message) []anthropic.Message {
	var result []anthropic.Message

	for _, msg := range messages {
		switch msg.Role {
		case RoleTool:
			result = append(result, anthropic.Message{
				Role: anthropic.RoleUser,
				Content: []anthropic.MessageContent{
					anthropic.NewToolResultMessageContent(msg.ToolCallID, msg.Content, false),
				},
			})
		case RoleAssistant:
			var content []anthropic.MessageContent
			if msg.Content != "" {
				content = append(content, anthropic.NewTextMessageContent(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				content = append(content, anthropic.NewToolUseMessageContent(
					tc.ID, tc.Name, json.RawMessage(tc.Arguments)))
			}
			if len(content) == 0 {
				continue
			}
			result = append(result, anthropic.Message{
				Role:    anthropic.RoleAssistant,
				Content: content,
			})
		default:
			result = append(result, anthropic.Message{
				Role: anthropic.RoleUser,
				Content: []anthropic.MessageContent{
					anthropic.NewTextMessageContent(msg.Content),
				},
			})
		}
	}

	return result
}

// buildAnthropicTools converts our tool definitions to Anthropic format.
func buildAnthropicTools(tools []ToolDefinition) []anthropic.ToolDefinition {
	if len(tools) == 0 {
		return nil
	}

	result := make([]anthropic.ToolDefinition, len(tools))
	for i, def := range tools {
		result[i] = anthropic.ToolDefinition{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.Parameters,
		}
	}

	return result
}

// extractToolUses pulls tool_use blocks out of a completed assistant turn.
func extractToolUses(content []anthropic.MessageContent) []ToolCall {
	var calls []ToolCall
	for _, block := range content {
		if block.Type != anthropic.MessagesContentTypeToolUse || block.MessageContentToolUse == nil {
			continue
		}
		use := block.MessageContentToolUse
		calls = append(calls, ToolCall{
			ID:        use.ID,
			Name:      use.Name,
			Arguments: string(use.Input),
		})
	}
	return calls
}

// Ensure AnthropicClient implements Client at compile time.
var _ Client = (*AnthropicClient)(nil)
