// SPDX-License-Identifier: AGPL-3.0-only
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/cleecy/mcp-retreaver/internal/model"
)

// AnthropicProvider implements Provider using the Anthropic Messages API.
type AnthropicProvider struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicProvider creates a new Anthropic-backed Provider. Extra request
// options are appended after the API key.
func NewAnthropicProvider(apiKey, model string, maxTokens int, opts ...option.RequestOption) *AnthropicProvider {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	client := anthropic.NewClient(opts...)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicProvider{client: &client, model: model, maxTokens: int64(maxTokens)}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Complete(ctx context.Context, messages []model.Message, tools []ToolDefinition, systemPrompt string) (*model.LLMResponse, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		Messages:  toAnthropicMessages(messages),
		MaxTokens: p.maxTokens,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}
	if len(tools) > 0 {
		params.Tools = toAnthropicTools(tools)
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}
	return fromAnthropicMessage(resp)
}

// toAnthropicTools converts provider-agnostic tool definitions to Anthropic SDK
// tool params.
func toAnthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		// Extract properties and required from the JSON-schema map.
		props, _ := t.Parameters["properties"].(map[string]interface{})
		if props == nil {
			props = map[string]interface{}{}
		}
		var required []string
		if req, ok := t.Parameters["required"].([]interface{}); ok {
			for _, r := range req {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
		}
		// Also handle the case where required is already []string (e.g. from typed code).
		if req, ok := t.Parameters["required"].([]string); ok {
			required = req
		}

		// Keywords beyond properties/required ($defs, additionalProperties, ...)
		// travel as extra fields.
		var extra map[string]any
		for k, v := range t.Parameters {
			switch k {
			case "type", "properties", "required":
				continue
			}
			if extra == nil {
				extra = map[string]any{}
			}
			extra[k] = v
		}

		out[i] = anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties:  props,
					Required:    required,
					ExtraFields: extra,
				},
			},
		}
	}
	return out
}

// toAnthropicMessages converts canonical messages to Anthropic SDK message
// params.
//
// Anthropic's API requires:
//   - Only "user" and "assistant" roles (no "tool" role)
//   - Tool results are sent as user messages with ToolResultBlockParam content
//   - Assistant messages with tool calls use ToolUseBlockParam content
//
// Consecutive messages with the same role are merged into one wire message.
func toAnthropicMessages(messages []model.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		role := anthropic.MessageParamRoleUser
		if m.Role == model.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		blocks := toAnthropicBlocks(m)
		if len(blocks) == 0 {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}
	return out
}

func toAnthropicBlocks(m model.Message) []anthropic.ContentBlockParamUnion {
	if m.IsPlainText() {
		if m.Text == "" {
			return nil
		}
		return []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Text)}
	}
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Blocks))
	for _, b := range m.Blocks {
		switch b := b.(type) {
		case model.TextBlock:
			blocks = append(blocks, anthropic.NewTextBlock(b.Text))
		case model.ToolUseBlock:
			blocks = append(blocks, anthropic.ContentBlockParamUnion{
				OfToolUse: &anthropic.ToolUseBlockParam{
					ID:    b.ID,
					Name:  b.Name,
					Input: json.RawMessage(encodeArguments(b.Arguments)),
				},
			})
		case model.ToolResultBlock:
			blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
		}
	}
	return blocks
}

// fromAnthropicMessage converts an Anthropic SDK response to the
// provider-agnostic LLMResponse type.
func fromAnthropicMessage(resp *anthropic.Message) (*model.LLMResponse, error) {
	out := &model.LLMResponse{}
	var texts []string
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			texts = append(texts, block.AsText().Text)
		case "tool_use":
			tu := block.AsToolUse()
			args, err := parseArguments(tu.Input)
			if err != nil {
				return nil, fmt.Errorf("tool_use %s: %w", tu.Name, err)
			}
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:        tu.ID,
				Name:      tu.Name,
				Arguments: args,
			})
		}
	}
	out.Text = strings.Join(texts, "\n")
	return out, nil
}
