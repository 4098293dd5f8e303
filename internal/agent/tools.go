// SPDX-License-Identifier: AGPL-3.0-only
package agent

import (
	"context"
	"strings"
)

// noOutput is sent to the model when a tool produced nothing.
const noOutput = "(no output)"

// ToolContent is one item of tool output. Text items carry Text; every
// other kind is kept as its JSON encoding in Raw.
type ToolContent struct {
	Type string
	Text string
	Raw  []byte
}

// ToolResult is what a ToolRegistry returns for one invocation.
type ToolResult struct {
	Content []ToolContent
	IsError bool
}

// Text flattens the result into the string handed back to the model.
func (r *ToolResult) Text() string {
	if r == nil || len(r.Content) == 0 {
		return noOutput
	}
	parts := make([]string, 0, len(r.Content))
	for _, c := range r.Content {
		if c.Type == "text" {
			parts = append(parts, c.Text)
			continue
		}
		parts = append(parts, string(c.Raw))
	}
	out := strings.Join(parts, "\n")
	if out == "" {
		return noOutput
	}
	return out
}

// ToolRegistry is the set of callable tools available to a turn.
type ToolRegistry interface {
	ListTools() []ToolDefinition
	Invoke(ctx context.Context, name string, args map[string]any) (*ToolResult, error)
}

// EmptyRegistry offers no tools.
type EmptyRegistry struct{}

func (EmptyRegistry) ListTools() []ToolDefinition { return nil }

func (EmptyRegistry) Invoke(_ context.Context, name string, _ map[string]any) (*ToolResult, error) {
	return nil, errUnknownTool(name)
}
