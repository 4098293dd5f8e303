// SPDX-License-Identifier: AGPL-3.0-only
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/cleecy/mcp-retreaver/internal/model"
)

const (
	googleRoleUser  = "user"
	googleRoleModel = "model"
)

// GoogleProvider implements Provider using the Gemini API.
type GoogleProvider struct {
	client *genai.Client
	model  string
}

// NewGoogleProvider creates a new Gemini-backed Provider. baseURL is only
// set in tests.
func NewGoogleProvider(ctx context.Context, apiKey, model, baseURL string) (*GoogleProvider, error) {
	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GoogleProvider{client: client, model: model}, nil
}

func (p *GoogleProvider) Name() string { return "google" }

func (p *GoogleProvider) Complete(ctx context.Context, messages []model.Message, tools []ToolDefinition, systemPrompt string) (*model.LLMResponse, error) {
	cfg := &genai.GenerateContentConfig{}
	if systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}}
	}
	if len(tools) > 0 {
		cfg.Tools = toGoogleTools(tools)
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, toGoogleContents(messages), cfg)
	if err != nil {
		return nil, err
	}
	return fromGoogleResponse(resp)
}

// toGoogleTools wraps all tool definitions in a single Tool.
func toGoogleTools(tools []ToolDefinition) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, len(tools))
	for i, t := range tools {
		decls[i] = &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: objectSchema(t.Parameters),
		}
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// toGoogleContents converts the canonical history to Gemini contents.
// Gemini addresses function responses by name, so ToolResultBlock.ToolName
// is used and call ids are not sent.
func toGoogleContents(messages []model.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		role := googleRoleUser
		if m.Role == model.RoleAssistant {
			role = googleRoleModel
		}
		var parts []*genai.Part
		if m.IsPlainText() {
			if m.Text != "" {
				parts = append(parts, &genai.Part{Text: m.Text})
			}
		}
		for _, b := range m.Blocks {
			switch b := b.(type) {
			case model.TextBlock:
				parts = append(parts, &genai.Part{Text: b.Text})
			case model.ToolUseBlock:
				args := b.Arguments
				if args == nil {
					args = map[string]any{}
				}
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{Name: b.Name, Args: args}})
			case model.ToolResultBlock:
				parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					Name:     b.ToolName,
					Response: functionResponse(b),
				}})
			}
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}
	return out
}

// functionResponse turns tool output into the object Gemini expects. A JSON
// object is passed through, any other JSON value is wrapped parsed, and
// non-JSON output is wrapped as a string.
func functionResponse(b model.ToolResultBlock) map[string]any {
	if b.IsError {
		return map[string]any{"error": b.Content}
	}
	var v any
	if err := json.Unmarshal([]byte(b.Content), &v); err != nil {
		return map[string]any{"result": b.Content}
	}
	if obj, ok := v.(map[string]any); ok {
		return obj
	}
	return map[string]any{"result": v}
}

// fromGoogleResponse reads the first candidate. Calls without an id get a
// synthesized one so results can be correlated.
func fromGoogleResponse(resp *genai.GenerateContentResponse) (*model.LLMResponse, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("gemini: response contained no candidates")
	}
	out := &model.LLMResponse{}
	var texts []string
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		if part.FunctionCall != nil {
			fc := part.FunctionCall
			id := fc.ID
			if id == "" {
				id = fmt.Sprintf("google_%s_%d", fc.Name, len(out.ToolCalls))
			}
			args := fc.Args
			if args == nil {
				args = map[string]any{}
			}
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{ID: id, Name: fc.Name, Arguments: args})
			continue
		}
		if part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	out.Text = strings.Join(texts, "\n")
	return out, nil
}
