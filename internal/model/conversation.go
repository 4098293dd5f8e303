// SPDX-License-Identifier: AGPL-3.0-only
package model

import (
	"fmt"
	"maps"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Block types reported by ContentBlock.BlockType.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is one piece of structured message content. The set of
// implementations is closed: TextBlock, ToolUseBlock and ToolResultBlock.
type ContentBlock interface {
	BlockType() string
}

// TextBlock is plain narrative text.
type TextBlock struct {
	Text string
}

func (TextBlock) BlockType() string { return BlockText }

// ToolUseBlock is an assistant request to invoke a tool.
type ToolUseBlock struct {
	ID        string
	Name      string
	Arguments map[string]any
}

func (ToolUseBlock) BlockType() string { return BlockToolUse }

// ToolResultBlock is the outcome of a ToolUseBlock. ToolName is carried for
// backends that address results by function name instead of call id.
type ToolResultBlock struct {
	ToolUseID string
	Content   string
	IsError   bool
	ToolName  string
}

func (ToolResultBlock) BlockType() string { return BlockToolResult }

// Message is one entry of a Conversation. Content is the plain string Text
// when Blocks is nil, otherwise the ordered Blocks.
type Message struct {
	Role   Role
	Text   string
	Blocks []ContentBlock
}

// IsPlainText reports whether the message carries a plain string.
func (m Message) IsPlainText() bool {
	return m.Blocks == nil
}

// ToolCall is one invocation requested by the model in a round.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolOutcome is the result of executing a ToolCall.
type ToolOutcome struct {
	CallID   string
	ToolName string
	Content  string
	IsError  bool
}

// LLMResponse is the normalized result of one provider round. An empty Text
// means the provider returned no text.
type LLMResponse struct {
	Text      string
	ToolCalls []ToolCall
}

// HasToolCalls reports whether the round requested any tool invocations.
func (r *LLMResponse) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// Conversation is an append-only chat history owned by exactly one session.
// It is not safe for concurrent use.
type Conversation struct {
	messages []Message
}

// NewConversation returns an empty conversation.
func NewConversation() *Conversation {
	return &Conversation{}
}

// AppendUserText appends a plain user message. Empty text is rejected
// before it reaches the conversation.
func (c *Conversation) AppendUserText(text string) {
	c.messages = append(c.messages, Message{Role: RoleUser, Text: text})
}

// AppendAssistantTurn appends the assistant side of a round: a text block if
// the response has text, then one tool-use block per call in provider order.
// A response with neither is ignored.
func (c *Conversation) AppendAssistantTurn(resp *LLMResponse) {
	if resp == nil || (resp.Text == "" && len(resp.ToolCalls) == 0) {
		return
	}
	blocks := make([]ContentBlock, 0, len(resp.ToolCalls)+1)
	if resp.Text != "" {
		blocks = append(blocks, TextBlock{Text: resp.Text})
	}
	for _, tc := range resp.ToolCalls {
		blocks = append(blocks, ToolUseBlock{
			ID:        tc.ID,
			Name:      tc.Name,
			Arguments: cloneArgs(tc.Arguments),
		})
	}
	c.messages = append(c.messages, Message{Role: RoleAssistant, Blocks: blocks})
}

// AppendToolResults appends one user message holding a result block per
// outcome, in the given order. The outcomes must answer every tool use of
// the preceding assistant message exactly once.
func (c *Conversation) AppendToolResults(outcomes []ToolOutcome) error {
	pending := c.PendingToolUses()
	if len(pending) == 0 {
		return fmt.Errorf("no pending tool uses to answer")
	}
	if len(outcomes) != len(pending) {
		return fmt.Errorf("got %d tool results for %d tool uses", len(outcomes), len(pending))
	}
	want := make(map[string]bool, len(pending))
	for _, tu := range pending {
		want[tu.ID] = true
	}
	seen := make(map[string]bool, len(outcomes))
	for _, o := range outcomes {
		if !want[o.CallID] {
			return fmt.Errorf("tool result for unknown call id %q", o.CallID)
		}
		if seen[o.CallID] {
			return fmt.Errorf("duplicate tool result for call id %q", o.CallID)
		}
		seen[o.CallID] = true
	}

	blocks := make([]ContentBlock, len(outcomes))
	for i, o := range outcomes {
		blocks[i] = ToolResultBlock{
			ToolUseID: o.CallID,
			Content:   o.Content,
			IsError:   o.IsError,
			ToolName:  o.ToolName,
		}
	}
	c.messages = append(c.messages, Message{Role: RoleUser, Blocks: blocks})
	return nil
}

// PendingToolUses returns the tool uses of the last message when it is an
// assistant message still waiting for results.
func (c *Conversation) PendingToolUses() []ToolUseBlock {
	if len(c.messages) == 0 {
		return nil
	}
	last := c.messages[len(c.messages)-1]
	if last.Role != RoleAssistant {
		return nil
	}
	var out []ToolUseBlock
	for _, b := range last.Blocks {
		if tu, ok := b.(ToolUseBlock); ok {
			out = append(out, tu)
		}
	}
	return out
}

// Messages returns a snapshot of the history. The slice is a copy; the
// messages it holds are never mutated by the conversation.
func (c *Conversation) Messages() []Message {
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	return len(c.messages)
}

func cloneArgs(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return maps.Clone(args)
}
