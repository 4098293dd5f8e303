// SPDX-License-Identifier: AGPL-3.0-only
package model

import "time"

// TurnOutcome is the terminal state of a turn.
type TurnOutcome string

const (
	OutcomeAnswered          TurnOutcome = "answered"
	OutcomeRoundLimitReached TurnOutcome = "round_limit_reached"
	OutcomeFailed            TurnOutcome = "failed"
)

// TurnRecord is the audit entry written after every turn.
type TurnRecord struct {
	SessionID string      `json:"session_id"`
	Provider  string      `json:"provider"`
	Prompt    string      `json:"prompt"`
	Reply     string      `json:"reply,omitempty"`
	Error     string      `json:"error,omitempty"`
	Outcome   TurnOutcome `json:"outcome"`
	Rounds    int         `json:"rounds"`
	ToolCalls int         `json:"tool_calls"`
	StartTime time.Time   `json:"start_time"`
	EndTime   time.Time   `json:"end_time"`
	Duration  string      `json:"duration"`
}

// TurnStore persists turn records.
type TurnStore interface {
	SaveTurn(record *TurnRecord) error
	// GetTurns returns up to limit records for a session, most recent first.
	GetTurns(sessionID string, limit int) ([]*TurnRecord, error)
	// GetRecentTurns returns up to limit records across sessions, most recent first.
	GetRecentTurns(limit int) ([]*TurnRecord, error)
	Close() error
}
