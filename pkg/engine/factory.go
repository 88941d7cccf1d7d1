package engine

import (
	"fmt"

	"go.uber.org/zap"
)

// NewClient builds the configured synthesis backend.
// Provider "openai" covers any OpenAI-compatible endpoint via cfg.Endpoint.
func NewClient(provider string, cfg *Config, logger *zap.Logger) (Client, error) {
	switch provider {
	case "openai":
		return NewOpenAIClient(cfg, logger)
	case "anthropic":
		return NewAnthropicClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown engine provider %q", provider)
	}
}
