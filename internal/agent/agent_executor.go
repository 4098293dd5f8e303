// SPDX-License-Identifier: AGPL-3.0-only
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/cleecy/mcp-retreaver/internal/logging"
	"github.com/cleecy/mcp-retreaver/internal/model"
)

// TurnRunner runs one user turn. *Orchestrator implements it.
type TurnRunner interface {
	RunTurn(ctx context.Context, text string) (*TurnResult, error)
	ProviderName() string
}

// TurnExecutor runs turns and records each one in the turn store.
type TurnExecutor struct {
	turnStore model.TurnStore
	logger    *logging.Logger
}

// NewTurnExecutor creates a new turn executor. store may be nil.
func NewTurnExecutor(store model.TurnStore, logger *logging.Logger) *TurnExecutor {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	return &TurnExecutor{
		turnStore: store,
		logger:    logger,
	}
}

// Execute runs one turn for sessionID and persists the outcome. The turn's
// error, if any, is returned unchanged.
func (te *TurnExecutor) Execute(ctx context.Context, sessionID string, runner TurnRunner, text string) (*TurnResult, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("invalid turn: missing session ID")
	}

	record := &model.TurnRecord{
		SessionID: sessionID,
		Provider:  runner.ProviderName(),
		Prompt:    text,
		StartTime: time.Now(),
	}

	res, err := runner.RunTurn(ctx, text)

	record.EndTime = time.Now()
	record.Duration = record.EndTime.Sub(record.StartTime).String()
	if res != nil {
		record.Rounds = res.Rounds
		record.ToolCalls = res.ToolCalls
		record.Outcome = res.Outcome
		record.Reply = res.Text
	}
	if err != nil {
		record.Error = err.Error()
		record.Outcome = model.OutcomeFailed
	}

	model.PersistAndLogTurn(te.turnStore, record, te.logger)

	return res, err
}
