// SPDX-License-Identifier: AGPL-3.0-only
package agent

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/cleecy/mcp-retreaver/internal/model"
)

// OpenAIProvider implements Provider using the OpenAI chat completions API.
// It supports any OpenAI-compatible endpoint (OpenAI, Ollama, vLLM, Groq, etc.)
// via a configurable base URL.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider creates a new OpenAI-backed Provider.
// If baseURL is non-empty it overrides the default API endpoint.
func NewOpenAIProvider(apiKey, baseURL, model string, extra ...option.RequestOption) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	opts = append(opts, extra...)
	client := openai.NewClient(opts...)
	return &OpenAIProvider{client: &client, model: model}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Complete(ctx context.Context, messages []model.Message, tools []ToolDefinition, systemPrompt string) (*model.LLMResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: toOpenAIMessages(messages, systemPrompt),
	}
	if len(tools) > 0 {
		params.Tools = toOpenAITools(tools)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: response contained no choices")
	}
	return fromOpenAIMessage(resp.Choices[0].Message)
}

// toOpenAITools converts provider-agnostic tool definitions to the OpenAI SDK
// representation.
func toOpenAITools(tools []ToolDefinition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, len(tools))
	for i, t := range tools {
		out[i] = openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  shared.FunctionParameters(objectSchema(t.Parameters)),
			},
		}
	}
	return out
}

// toOpenAIMessages converts the canonical history to OpenAI message unions.
// The system prompt always comes first. Each tool result becomes its own
// "tool" role message.
func toOpenAIMessages(messages []model.Message, systemPrompt string) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if systemPrompt != "" {
		out = append(out, openai.SystemMessage(systemPrompt))
	}
	for _, m := range messages {
		if m.Role == model.RoleAssistant {
			out = append(out, toOpenAIAssistant(m))
			continue
		}
		if m.IsPlainText() {
			out = append(out, openai.UserMessage(m.Text))
			continue
		}
		for _, b := range m.Blocks {
			switch b := b.(type) {
			case model.ToolResultBlock:
				out = append(out, openai.ToolMessage(b.Content, b.ToolUseID))
			case model.TextBlock:
				out = append(out, openai.UserMessage(b.Text))
			}
		}
	}
	return out
}

func toOpenAIAssistant(m model.Message) openai.ChatCompletionMessageParamUnion {
	asst := openai.ChatCompletionAssistantMessageParam{}
	text := m.Text
	var calls []openai.ChatCompletionMessageToolCallParam
	for _, b := range m.Blocks {
		switch b := b.(type) {
		case model.TextBlock:
			text += b.Text
		case model.ToolUseBlock:
			calls = append(calls, openai.ChatCompletionMessageToolCallParam{
				ID: b.ID,
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      b.Name,
					Arguments: encodeArguments(b.Arguments),
				},
			})
		}
	}
	if text != "" {
		asst.Content.OfString = openai.String(text)
	}
	if len(calls) > 0 {
		asst.ToolCalls = calls
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &asst}
}

// fromOpenAIMessage converts an OpenAI SDK response message to the
// provider-agnostic LLMResponse type.
func fromOpenAIMessage(m openai.ChatCompletionMessage) (*model.LLMResponse, error) {
	out := &model.LLMResponse{Text: m.Content}
	for _, tc := range m.ToolCalls {
		args, err := parseArguments([]byte(tc.Function.Arguments))
		if err != nil {
			return nil, fmt.Errorf("tool call %s: %w", tc.Function.Name, err)
		}
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return out, nil
}
