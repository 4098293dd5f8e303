// SPDX-License-Identifier: AGPL-3.0-only
package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cleecy/mcp-retreaver/internal/errors"
	"github.com/cleecy/mcp-retreaver/internal/logging"
	"github.com/cleecy/mcp-retreaver/internal/model"
)

// DefaultMaxRounds bounds the completion calls made for a single user turn.
const DefaultMaxRounds = 15

// RoundLimitMessage is the reply when a turn runs out of rounds.
const RoundLimitMessage = "I'm sorry, I reached the maximum number of tool rounds for this turn. Please try a simpler request."

// State is the orchestrator's position within a turn.
type State string

const (
	StateIdle               State = "idle"
	StateAwaitingCompletion State = "awaiting_completion"
	StateExecutingTools     State = "executing_tools"
)

// OrchestratorOptions configures an Orchestrator.
type OrchestratorOptions struct {
	Provider     Provider
	Tools        ToolRegistry
	SystemPrompt string
	MaxRounds    int
	Logger       *logging.Logger
}

// TurnResult describes how a turn ended.
type TurnResult struct {
	Text      string
	Outcome   model.TurnOutcome
	Rounds    int
	ToolCalls int
}

// Orchestrator runs the bounded completion/tool loop for one conversation.
// Turns on the same Orchestrator must not overlap.
type Orchestrator struct {
	conv      *model.Conversation
	provider  Provider
	tools     ToolRegistry
	system    string
	maxRounds int
	logger    *logging.Logger
	state     State
}

// NewOrchestrator binds a conversation to a provider and tool registry.
func NewOrchestrator(conv *model.Conversation, opts OrchestratorOptions) *Orchestrator {
	if conv == nil {
		conv = model.NewConversation()
	}
	if opts.Tools == nil {
		opts.Tools = EmptyRegistry{}
	}
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = DefaultMaxRounds
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetDefaultLogger()
	}
	return &Orchestrator{
		conv:      conv,
		provider:  opts.Provider,
		tools:     opts.Tools,
		system:    opts.SystemPrompt,
		maxRounds: opts.MaxRounds,
		logger:    opts.Logger,
		state:     StateIdle,
	}
}

// Conversation returns the conversation this orchestrator appends to.
func (o *Orchestrator) Conversation() *model.Conversation { return o.conv }

// State reports the current loop position.
func (o *Orchestrator) State() State { return o.state }

// ProviderName returns the name of the bound provider.
func (o *Orchestrator) ProviderName() string { return o.provider.Name() }

// RunTurn appends text as a user message and drives completions until the
// model answers without tool calls or the round budget is spent. A provider
// failure aborts the turn and leaves the messages appended so far in place.
func (o *Orchestrator) RunTurn(ctx context.Context, text string) (*TurnResult, error) {
	o.conv.AppendUserText(text)
	defer func() { o.state = StateIdle }()

	res := &TurnResult{}
	for round := 1; round <= o.maxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("%w: %v", errors.ErrSessionClosed, err)
		}
		res.Rounds = round
		o.state = StateAwaitingCompletion

		resp, err := o.provider.Complete(ctx, o.conv.Messages(), o.tools.ListTools(), o.system)
		if err != nil {
			res.Outcome = model.OutcomeFailed
			return res, errors.NewProviderError(o.provider.Name(), err)
		}
		if resp == nil {
			resp = &model.LLMResponse{}
		}

		if !resp.HasToolCalls() {
			o.conv.AppendAssistantTurn(resp)
			res.Text = resp.Text
			res.Outcome = model.OutcomeAnswered
			return res, nil
		}

		if resp.Text != "" {
			o.logger.Debugf("Round %d text alongside tool calls: %s", round, resp.Text)
		}
		normalizeCallIDs(o.provider.Name(), resp.ToolCalls)
		o.conv.AppendAssistantTurn(resp)

		o.state = StateExecutingTools
		outcomes := make([]model.ToolOutcome, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			args, _ := json.Marshal(call.Arguments)
			o.logger.Infof("Tool call [round %d]: %s(%s)", round, call.Name, string(args))
			outcomes = append(outcomes, o.execute(ctx, call))
			res.ToolCalls++
		}
		if err := o.conv.AppendToolResults(outcomes); err != nil {
			res.Outcome = model.OutcomeFailed
			return res, errors.Internal(err)
		}
	}

	o.logger.Warnf("Turn stopped after %d rounds", o.maxRounds)
	res.Text = RoundLimitMessage
	res.Outcome = model.OutcomeRoundLimitReached
	return res, nil
}

// execute runs one tool call. Failures become error outcomes so the model
// can see them and recover.
func (o *Orchestrator) execute(ctx context.Context, call model.ToolCall) (out model.ToolOutcome) {
	out = model.ToolOutcome{CallID: call.ID, ToolName: call.Name}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Errorf("Tool call %s panicked: %v", call.Name, r)
			out.Content = fmt.Sprintf("Error: %v", r)
			out.IsError = true
		}
	}()

	result, err := o.tools.Invoke(ctx, call.Name, call.Arguments)
	if err != nil {
		o.logger.Errorf("Tool call %s failed: %v", call.Name, err)
		out.Content = fmt.Sprintf("Error: %v", err)
		out.IsError = true
		return out
	}
	out.Content = result.Text()
	out.IsError = result != nil && result.IsError
	return out
}

// normalizeCallIDs fills in missing or repeated call ids so every result can
// be matched to exactly one request. Generated ids never collide with an id
// the provider sent in the same round.
func normalizeCallIDs(provider string, calls []model.ToolCall) {
	sent := make(map[string]bool, len(calls))
	for _, c := range calls {
		if c.ID != "" {
			sent[c.ID] = true
		}
	}
	assigned := make(map[string]bool, len(calls))
	for i := range calls {
		id := calls[i].ID
		if id != "" && !assigned[id] {
			assigned[id] = true
			continue
		}
		base := fmt.Sprintf("%s_%s_%d", provider, calls[i].Name, i)
		id = base
		for n := 1; sent[id] || assigned[id]; n++ {
			id = fmt.Sprintf("%s_%d", base, n)
		}
		calls[i].ID = id
		assigned[id] = true
	}
}
