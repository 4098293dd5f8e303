// SPDX-License-Identifier: AGPL-3.0-only
package agent

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/cleecy/mcp-retreaver/internal/errors"
	"github.com/cleecy/mcp-retreaver/internal/model"
)

// scriptedProvider answers each Complete call from a script.
type scriptedProvider struct {
	mu     sync.Mutex
	calls  int
	seen   []int // conversation length seen per call
	system []string
	next   func(call int, msgs []model.Message) (*model.LLMResponse, error)
}

func (p *scriptedProvider) Name() string { return "fake" }

func (p *scriptedProvider) Complete(_ context.Context, msgs []model.Message, _ []ToolDefinition, systemPrompt string) (*model.LLMResponse, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.seen = append(p.seen, len(msgs))
	p.system = append(p.system, systemPrompt)
	p.mu.Unlock()
	return p.next(call, msgs)
}

func (p *scriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// fakeRegistry records invocations in order.
type fakeRegistry struct {
	mu      sync.Mutex
	invoked []string
	invoke  func(name string, args map[string]any) (*ToolResult, error)
}

func (r *fakeRegistry) ListTools() []ToolDefinition {
	return []ToolDefinition{{Name: "get_campaigns", Description: "List campaigns"}}
}

func (r *fakeRegistry) Invoke(_ context.Context, name string, args map[string]any) (*ToolResult, error) {
	r.mu.Lock()
	r.invoked = append(r.invoked, name)
	r.mu.Unlock()
	if r.invoke != nil {
		return r.invoke(name, args)
	}
	return &ToolResult{Content: []ToolContent{{Type: "text", Text: "ok"}}}, nil
}

func textResult(text string) *ToolResult {
	return &ToolResult{Content: []ToolContent{{Type: "text", Text: text}}}
}

func toolCall(id, name string) model.ToolCall {
	return model.ToolCall{ID: id, Name: name, Arguments: map[string]any{}}
}

func newTestOrchestrator(p Provider, r ToolRegistry) *Orchestrator {
	return NewOrchestrator(model.NewConversation(), OrchestratorOptions{
		Provider:     p,
		Tools:        r,
		SystemPrompt: "system",
		Logger:       testLogger(),
	})
}

func TestRunTurn_SingleToolRound(t *testing.T) {
	p := &scriptedProvider{next: func(call int, _ []model.Message) (*model.LLMResponse, error) {
		if call == 1 {
			return &model.LLMResponse{ToolCalls: []model.ToolCall{toolCall("c1", "get_campaigns")}}, nil
		}
		return &model.LLMResponse{Text: "You have 2 campaigns."}, nil
	}}
	reg := &fakeRegistry{invoke: func(string, map[string]any) (*ToolResult, error) {
		return textResult(`[{"id":1},{"id":2}]`), nil
	}}
	o := newTestOrchestrator(p, reg)

	res, err := o.RunTurn(context.Background(), "list campaigns")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Text != "You have 2 campaigns." {
		t.Errorf("Unexpected reply %q", res.Text)
	}
	if res.Outcome != model.OutcomeAnswered || res.Rounds != 2 || res.ToolCalls != 1 {
		t.Errorf("Unexpected result %+v", res)
	}

	msgs := o.Conversation().Messages()
	if len(msgs) != 4 {
		t.Fatalf("Expected 4 messages, got %d", len(msgs))
	}
	if msgs[0].Role != model.RoleUser || msgs[0].Text != "list campaigns" {
		t.Errorf("Unexpected first message %+v", msgs[0])
	}
	if _, ok := msgs[1].Blocks[0].(model.ToolUseBlock); !ok || msgs[1].Role != model.RoleAssistant {
		t.Errorf("Expected assistant tool use, got %+v", msgs[1])
	}
	tr, ok := msgs[2].Blocks[0].(model.ToolResultBlock)
	if !ok || msgs[2].Role != model.RoleUser {
		t.Fatalf("Expected user tool result, got %+v", msgs[2])
	}
	if tr.ToolUseID != "c1" || tr.IsError || tr.Content != `[{"id":1},{"id":2}]` {
		t.Errorf("Unexpected tool result %+v", tr)
	}
	if msgs[3].Role != model.RoleAssistant {
		t.Errorf("Expected final assistant message, got %+v", msgs[3])
	}
	if p.seen[0] != 1 || p.seen[1] != 3 {
		t.Errorf("Expected provider to see 1 then 3 messages, got %v", p.seen)
	}
	for _, s := range p.system {
		if s != "system" {
			t.Errorf("Expected system prompt on every call, got %q", s)
		}
	}
	if o.State() != StateIdle {
		t.Errorf("Expected idle state after turn, got %s", o.State())
	}
}

func TestRunTurn_ToolFailureContinues(t *testing.T) {
	p := &scriptedProvider{next: func(call int, _ []model.Message) (*model.LLMResponse, error) {
		if call == 1 {
			return &model.LLMResponse{ToolCalls: []model.ToolCall{
				toolCall("c1", "broken"),
				toolCall("c2", "get_campaigns"),
			}}, nil
		}
		return &model.LLMResponse{Text: "The first lookup failed."}, nil
	}}
	reg := &fakeRegistry{invoke: func(name string, _ map[string]any) (*ToolResult, error) {
		if name == "broken" {
			return nil, fmt.Errorf("connection refused")
		}
		return textResult("[]"), nil
	}}
	o := newTestOrchestrator(p, reg)

	res, err := o.RunTurn(context.Background(), "list campaigns")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if p.Calls() != 2 {
		t.Errorf("Expected a second Complete call, got %d calls", p.Calls())
	}
	if res.Text != "The first lookup failed." {
		t.Errorf("Unexpected reply %q", res.Text)
	}
	if strings.Join(reg.invoked, ",") != "broken,get_campaigns" {
		t.Errorf("Expected both calls in order, got %v", reg.invoked)
	}

	blocks := o.Conversation().Messages()[2].Blocks
	first := blocks[0].(model.ToolResultBlock)
	if !first.IsError || !strings.HasPrefix(first.Content, "Error:") {
		t.Errorf("Expected error outcome, got %+v", first)
	}
	second := blocks[1].(model.ToolResultBlock)
	if second.IsError || second.Content != "[]" {
		t.Errorf("Expected success outcome, got %+v", second)
	}
}

func TestRunTurn_ToolPanicBecomesErrorOutcome(t *testing.T) {
	p := &scriptedProvider{next: func(call int, _ []model.Message) (*model.LLMResponse, error) {
		if call == 1 {
			return &model.LLMResponse{ToolCalls: []model.ToolCall{toolCall("c1", "get_campaigns")}}, nil
		}
		return &model.LLMResponse{Text: "done"}, nil
	}}
	reg := &fakeRegistry{invoke: func(string, map[string]any) (*ToolResult, error) {
		panic("nil map")
	}}
	o := newTestOrchestrator(p, reg)

	if _, err := o.RunTurn(context.Background(), "go"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	tr := o.Conversation().Messages()[2].Blocks[0].(model.ToolResultBlock)
	if !tr.IsError || tr.Content != "Error: nil map" {
		t.Errorf("Unexpected outcome %+v", tr)
	}
}

func TestRunTurn_RoundLimit(t *testing.T) {
	p := &scriptedProvider{next: func(call int, _ []model.Message) (*model.LLMResponse, error) {
		return &model.LLMResponse{ToolCalls: []model.ToolCall{toolCall(fmt.Sprintf("c%d", call), "get_campaigns")}}, nil
	}}
	o := newTestOrchestrator(p, &fakeRegistry{})

	res, err := o.RunTurn(context.Background(), "loop forever")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if p.Calls() != DefaultMaxRounds {
		t.Errorf("Expected exactly %d Complete calls, got %d", DefaultMaxRounds, p.Calls())
	}
	if res.Text != RoundLimitMessage || res.Outcome != model.OutcomeRoundLimitReached {
		t.Errorf("Unexpected result %+v", res)
	}
	// user + 15 * (assistant + results)
	if n := o.Conversation().Len(); n != 1+2*DefaultMaxRounds {
		t.Errorf("Expected %d messages, got %d", 1+2*DefaultMaxRounds, n)
	}
}

func TestRunTurn_AnswerOnLastRound(t *testing.T) {
	p := &scriptedProvider{next: func(call int, _ []model.Message) (*model.LLMResponse, error) {
		if call == DefaultMaxRounds {
			return &model.LLMResponse{Text: "finally"}, nil
		}
		return &model.LLMResponse{ToolCalls: []model.ToolCall{toolCall(fmt.Sprintf("c%d", call), "get_campaigns")}}, nil
	}}
	o := newTestOrchestrator(p, &fakeRegistry{})

	res, err := o.RunTurn(context.Background(), "almost")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Text != "finally" || res.Outcome != model.OutcomeAnswered || res.Rounds != DefaultMaxRounds {
		t.Errorf("Unexpected result %+v", res)
	}
}

func TestRunTurn_CustomMaxRounds(t *testing.T) {
	p := &scriptedProvider{next: func(call int, _ []model.Message) (*model.LLMResponse, error) {
		return &model.LLMResponse{ToolCalls: []model.ToolCall{toolCall(fmt.Sprintf("c%d", call), "get_campaigns")}}, nil
	}}
	o := NewOrchestrator(nil, OrchestratorOptions{Provider: p, Tools: &fakeRegistry{}, MaxRounds: 3, Logger: testLogger()})

	res, _ := o.RunTurn(context.Background(), "x")
	if p.Calls() != 3 || res.Outcome != model.OutcomeRoundLimitReached {
		t.Errorf("Expected 3 calls and round limit, got %d, %+v", p.Calls(), res)
	}
}

func TestRunTurn_EmptyAnswer(t *testing.T) {
	p := &scriptedProvider{next: func(int, []model.Message) (*model.LLMResponse, error) {
		return &model.LLMResponse{}, nil
	}}
	o := newTestOrchestrator(p, nil)

	res, err := o.RunTurn(context.Background(), "hi")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Text != "" || res.Outcome != model.OutcomeAnswered {
		t.Errorf("Unexpected result %+v", res)
	}
	if n := o.Conversation().Len(); n != 1 {
		t.Errorf("Expected only the user message, got %d messages", n)
	}
}

func TestRunTurn_ProviderError(t *testing.T) {
	p := &scriptedProvider{next: func(int, []model.Message) (*model.LLMResponse, error) {
		return nil, fmt.Errorf("401 unauthorized")
	}}
	o := newTestOrchestrator(p, nil)

	res, err := o.RunTurn(context.Background(), "hi")
	if err == nil {
		t.Fatal("Expected error")
	}
	if !errors.IsProviderError(err) {
		t.Errorf("Expected ProviderError, got %T: %v", err, err)
	}
	var pe *errors.ProviderError
	if stderrors.As(err, &pe) && pe.Provider != "fake" {
		t.Errorf("Expected provider 'fake', got %s", pe.Provider)
	}
	if res.Outcome != model.OutcomeFailed {
		t.Errorf("Expected failed outcome, got %s", res.Outcome)
	}
	if n := o.Conversation().Len(); n != 1 {
		t.Errorf("Expected user message to be kept, got %d messages", n)
	}
}

func TestRunTurn_NormalizesCallIDs(t *testing.T) {
	p := &scriptedProvider{next: func(call int, _ []model.Message) (*model.LLMResponse, error) {
		if call == 1 {
			return &model.LLMResponse{ToolCalls: []model.ToolCall{
				{Name: "get_campaigns"},
				{ID: "dup", Name: "a"},
				{ID: "dup", Name: "b"},
			}}, nil
		}
		return &model.LLMResponse{Text: "ok"}, nil
	}}
	o := newTestOrchestrator(p, &fakeRegistry{})

	if _, err := o.RunTurn(context.Background(), "x"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	blocks := o.Conversation().Messages()[2].Blocks
	want := []string{"fake_get_campaigns_0", "dup", "fake_b_2"}
	for i, id := range want {
		if got := blocks[i].(model.ToolResultBlock).ToolUseID; got != id {
			t.Errorf("result %d: expected id %s, got %s", i, id, got)
		}
	}
}

func TestNormalizeCallIDs_AvoidsProviderIDs(t *testing.T) {
	calls := []model.ToolCall{
		{ID: "fake_a_1", Name: "x"},
		{ID: "", Name: "a"},
	}
	normalizeCallIDs("fake", calls)

	if calls[0].ID != "fake_a_1" {
		t.Errorf("Expected provider id to be kept, got %s", calls[0].ID)
	}
	if calls[1].ID == "" || calls[1].ID == calls[0].ID {
		t.Fatalf("Expected a distinct generated id, got %q and %q", calls[0].ID, calls[1].ID)
	}
	if calls[1].ID != "fake_a_1_1" {
		t.Errorf("Expected fake_a_1_1, got %s", calls[1].ID)
	}

	// Every id stays unique even when generated ids are also taken.
	calls = []model.ToolCall{
		{ID: "fake_a_1", Name: "x"},
		{ID: "", Name: "a"},
		{ID: "fake_a_1_1", Name: "y"},
		{ID: "fake_a_1", Name: "z"},
	}
	normalizeCallIDs("fake", calls)
	seen := map[string]bool{}
	for _, c := range calls {
		if c.ID == "" || seen[c.ID] {
			t.Fatalf("Expected unique non-empty ids, got %+v", calls)
		}
		seen[c.ID] = true
	}
}

func TestRunTurn_GeneratedIDCollidesWithProviderID(t *testing.T) {
	p := &scriptedProvider{next: func(call int, _ []model.Message) (*model.LLMResponse, error) {
		if call == 1 {
			return &model.LLMResponse{ToolCalls: []model.ToolCall{
				{ID: "fake_get_campaigns_1", Name: "x"},
				{ID: "", Name: "get_campaigns"},
			}}, nil
		}
		return &model.LLMResponse{Text: fmt.Sprintf("reply %d", call)}, nil
	}}
	reg := &fakeRegistry{}
	o := newTestOrchestrator(p, reg)

	res, err := o.RunTurn(context.Background(), "list")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Outcome != model.OutcomeAnswered || res.ToolCalls != 2 {
		t.Errorf("Unexpected result %+v", res)
	}
	if len(reg.invoked) != 2 {
		t.Errorf("Expected both tools to run, got %v", reg.invoked)
	}

	msgs := o.Conversation().Messages()
	if len(msgs) != 4 {
		t.Fatalf("Expected 4 messages, got %d", len(msgs))
	}
	uses := msgs[1].Blocks
	results := msgs[2].Blocks
	if len(uses) != 2 || len(results) != 2 {
		t.Fatalf("Expected 2 tool uses and 2 results, got %d and %d", len(uses), len(results))
	}
	for i := range uses {
		useID := uses[i].(model.ToolUseBlock).ID
		resID := results[i].(model.ToolResultBlock).ToolUseID
		if useID != resID {
			t.Errorf("pair %d: tool use %s answered by %s", i, useID, resID)
		}
	}

	// The session keeps working on the next turn.
	if _, err := o.RunTurn(context.Background(), "again"); err != nil {
		t.Fatalf("second RunTurn: %v", err)
	}
	if len(o.Conversation().PendingToolUses()) != 0 {
		t.Error("Expected no unanswered tool uses")
	}
}

func TestRunTurn_TextAlongsideToolCallsIsKeptNotReturned(t *testing.T) {
	p := &scriptedProvider{next: func(call int, _ []model.Message) (*model.LLMResponse, error) {
		if call == 1 {
			return &model.LLMResponse{
				Text:      "Let me look that up.",
				ToolCalls: []model.ToolCall{toolCall("c1", "get_campaigns")},
			}, nil
		}
		return &model.LLMResponse{Text: "You have 2 campaigns."}, nil
	}}
	o := newTestOrchestrator(p, &fakeRegistry{})

	res, err := o.RunTurn(context.Background(), "list campaigns")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Text != "You have 2 campaigns." {
		t.Errorf("Expected only the final answer, got %q", res.Text)
	}
	if strings.Contains(res.Text, "Let me look that up.") {
		t.Error("Intermediate text must not be part of the reply")
	}

	assistant := o.Conversation().Messages()[1]
	if assistant.Role != model.RoleAssistant || len(assistant.Blocks) != 2 {
		t.Fatalf("Expected assistant message with text and tool use, got %+v", assistant)
	}
	text, ok := assistant.Blocks[0].(model.TextBlock)
	if !ok || text.Text != "Let me look that up." {
		t.Errorf("Expected text block first, got %+v", assistant.Blocks[0])
	}
	if _, ok := assistant.Blocks[1].(model.ToolUseBlock); !ok {
		t.Errorf("Expected tool use block second, got %+v", assistant.Blocks[1])
	}
}

func TestRunTurn_CancelledStopsRounds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &scriptedProvider{next: func(int, []model.Message) (*model.LLMResponse, error) {
		cancel()
		return &model.LLMResponse{ToolCalls: []model.ToolCall{toolCall("c1", "get_campaigns")}}, nil
	}}
	o := newTestOrchestrator(p, &fakeRegistry{})

	_, err := o.RunTurn(ctx, "x")
	if !stderrors.Is(err, errors.ErrSessionClosed) {
		t.Fatalf("Expected ErrSessionClosed, got %v", err)
	}
	if p.Calls() != 1 {
		t.Errorf("Expected no further rounds after cancel, got %d calls", p.Calls())
	}
}

func TestRunTurn_SecondTurnSeesHistory(t *testing.T) {
	p := &scriptedProvider{next: func(call int, _ []model.Message) (*model.LLMResponse, error) {
		return &model.LLMResponse{Text: fmt.Sprintf("reply %d", call)}, nil
	}}
	o := newTestOrchestrator(p, nil)

	_, _ = o.RunTurn(context.Background(), "one")
	res, _ := o.RunTurn(context.Background(), "two")
	if res.Text != "reply 2" {
		t.Errorf("Unexpected reply %q", res.Text)
	}
	if p.seen[1] != 3 {
		t.Errorf("Expected second turn to see 3 messages, got %d", p.seen[1])
	}
}
