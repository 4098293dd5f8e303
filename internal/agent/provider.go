// SPDX-License-Identifier: AGPL-3.0-only
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cleecy/mcp-retreaver/internal/config"
	"github.com/cleecy/mcp-retreaver/internal/model"
)

// ToolDefinition is a provider-agnostic representation of a tool that can be
// offered to an LLM during a chat completion.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// Provider abstracts one LLM backend. Implementations hold no conversation
// state and are safe for concurrent use.
type Provider interface {
	// Name returns the provider tag ("anthropic", "openai", "google").
	Name() string
	// Complete sends the full conversation to the backend and returns the
	// normalized reply for one round.
	Complete(ctx context.Context, messages []model.Message, tools []ToolDefinition, systemPrompt string) (*model.LLMResponse, error)
}

// NewProvider builds the Provider selected by cfg.Provider.
func NewProvider(ctx context.Context, cfg *config.AIConfig) (Provider, error) {
	apiKey := cfg.ProviderAPIKey()
	switch strings.ToLower(cfg.Provider) {
	case config.ProviderAnthropic:
		if apiKey == "" {
			return nil, fmt.Errorf("Anthropic API key is not set in configuration")
		}
		return NewAnthropicProvider(apiKey, cfg.ModelName(), cfg.MaxTokens), nil
	case config.ProviderOpenAI:
		// Local OpenAI-compatible servers usually run without a key.
		if apiKey == "" && cfg.BaseURL == "" {
			return nil, fmt.Errorf("OpenAI API key is not set in configuration")
		}
		return NewOpenAIProvider(apiKey, cfg.BaseURL, cfg.ModelName()), nil
	case config.ProviderGoogle:
		if apiKey == "" {
			return nil, fmt.Errorf("Google API key is not set in configuration")
		}
		p, err := NewGoogleProvider(ctx, apiKey, cfg.ModelName(), "")
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.Provider)
	}
}

// parseArguments decodes a JSON object of tool arguments. Empty input
// yields an empty map.
func parseArguments(raw []byte) (map[string]any, error) {
	args := map[string]any{}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments %s: %w", string(raw), err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// encodeArguments encodes tool arguments as a JSON object.
func encodeArguments(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// objectSchema returns the parameter schema, defaulting to an empty object.
func objectSchema(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	return params
}
